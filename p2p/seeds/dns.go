package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultResolvConf = "/etc/resolv.conf"
	defaultDNSTimeout = 5 * time.Second
)

// DNSResolver queries TXT records directly against a list of nameservers,
// retrying over TCP when a UDP answer comes back truncated.
type DNSResolver struct {
	servers []string
	timeout time.Duration
}

// NewDNSResolver builds a resolver for the given host:port nameservers. A
// server without a port gets 53.
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	return &DNSResolver{servers: normalized, timeout: timeout}
}

// DefaultResolver reads the system resolver configuration, falling back to
// the loopback stub when none is available.
func DefaultResolver() Resolver {
	cfg, err := dns.ClientConfigFromFile(defaultResolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		return NewDNSResolver([]string{"127.0.0.1:53"}, defaultDNSTimeout)
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return NewDNSResolver(servers, time.Duration(cfg.Timeout)*time.Second)
}

// Servers returns the nameservers queried in order.
func (r *DNSResolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// LookupTXT returns every TXT record for name. Multi-string records are
// concatenated. The first nameserver that answers authoritatively wins.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if len(r.servers) == 0 {
		return nil, errors.New("dns: no nameservers configured")
	}
	fqdn := dns.Fqdn(strings.TrimSpace(name))
	if fqdn == "." {
		return nil, errors.New("dns: empty lookup name")
	}
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeTXT)
	msg.RecursionDesired = true

	var errs []error
	for _, server := range r.servers {
		resp, err := r.exchange(ctx, msg, server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("dns: %s: no such name", fqdn)
		default:
			errs = append(errs, fmt.Errorf("%s: rcode %s", server, dns.RcodeToString[resp.Rcode]))
			continue
		}
		records := make([]string, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				records = append(records, strings.Join(txt.Txt, ""))
			}
		}
		return records, nil
	}
	return nil, fmt.Errorf("dns: lookup %s: %w", fqdn, errors.Join(errs...))
}

func (r *DNSResolver) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	client := &dns.Client{Net: "udp", Timeout: r.timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		client.Net = "tcp"
		resp, _, err = client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
