package main

import (
	"strings"

	"github.com/miekg/dns"
)

// zone answers TXT queries for a single owner name.
type zone struct {
	fqdn    string
	records []string
	ttl     uint32
}

func newZone(name string, records []string, ttl uint32) *zone {
	return &zone{fqdn: dns.Fqdn(strings.TrimSpace(name)), records: records, ttl: ttl}
}

func (z *zone) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true
	if len(r.Question) == 0 {
		_ = w.WriteMsg(msg)
		return
	}

	question := r.Question[0]
	switch {
	case !strings.EqualFold(question.Name, z.fqdn):
		msg.Rcode = dns.RcodeNameError
	case question.Qtype != dns.TypeTXT:
		msg.Rcode = dns.RcodeNotImplemented
	default:
		for _, record := range z.records {
			msg.Answer = append(msg.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: z.fqdn, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: z.ttl},
				Txt: splitTXT(record),
			})
		}
	}
	_ = w.WriteMsg(msg)
}

// splitTXT breaks a value into the 255-byte character strings TXT allows.
func splitTXT(value string) []string {
	var chunks []string
	for len(value) > 255 {
		chunks = append(chunks, value[:255])
		value = value[255:]
	}
	return append(chunks, value)
}
