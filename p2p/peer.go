package p2p

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHealthScore = 50
	maxHealthScore     = 100
	healthSuccessDelta = 5
	healthFailureDelta = 10

	// MaxFailCount is the consecutive failure ceiling above which a peer is
	// left out of candidate selection until recovery ticks decay it back in.
	MaxFailCount = 8

	latencyAlpha = 0.3
)

// Role is the advertised function of a node in the swarm.
type Role uint8

const (
	RoleDreamer Role = iota
	RoleAnchor
	RoleGuardian
)

func (r Role) String() string {
	switch r {
	case RoleAnchor:
		return "anchor"
	case RoleGuardian:
		return "guardian"
	default:
		return "dreamer"
	}
}

// ParseRole maps a textual role onto the closed Role set. "constellation" is
// accepted as an alias of dreamer.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "dreamer", "constellation":
		return RoleDreamer, nil
	case "anchor":
		return RoleAnchor, nil
	case "guardian":
		return RoleGuardian, nil
	default:
		return RoleDreamer, fmt.Errorf("unknown role %q", raw)
	}
}

// IsBackbone reports whether the role is eligible for backbone selection.
func (r Role) IsBackbone() bool {
	return r == RoleAnchor || r == RoleGuardian
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// LatencyBucket is a coarse classification of a peer's smoothed RTT.
type LatencyBucket uint8

const (
	LatencyUnknown LatencyBucket = iota
	LatencyUltraLow
	LatencyLow
	LatencyMedium
	LatencyHigh
	LatencyExtreme
)

func (b LatencyBucket) String() string {
	switch b {
	case LatencyUltraLow:
		return "ultra_low"
	case LatencyLow:
		return "low"
	case LatencyMedium:
		return "medium"
	case LatencyHigh:
		return "high"
	case LatencyExtreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// BucketForRTT classifies an RTT in milliseconds.
func BucketForRTT(ms uint32) LatencyBucket {
	switch {
	case ms < 25:
		return LatencyUltraLow
	case ms < 75:
		return LatencyLow
	case ms < 150:
		return LatencyMedium
	case ms < 300:
		return LatencyHigh
	default:
		return LatencyExtreme
	}
}

// Peer captures identity and observed network facts for one remote node.
type Peer struct {
	NodeID    string `json:"nodeId"`
	NodeTag   string `json:"nodeTag,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	IP        string `json:"ip,omitempty"`
	P2PPort   uint16 `json:"p2pPort,omitempty"`
	HTTPPort  uint16 `json:"httpPort,omitempty"`
	Region    string `json:"region,omitempty"`
	Role      Role   `json:"role"`

	AvgRTTMs      *uint32       `json:"avgRttMs,omitempty"`
	LastRTTMs     *uint32       `json:"lastRttMs,omitempty"`
	LatencyBucket LatencyBucket `json:"latencyBucket"`

	LastSeen    time.Time `json:"lastSeen"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastFailure time.Time `json:"lastFailure"`
	FailCount   uint32    `json:"failCount"`
	HealthScore int       `json:"healthScore"`

	IsSeed              bool `json:"isSeed,omitempty"`
	IsGuardianCandidate bool `json:"isGuardianCandidate,omitempty"`

	ReachabilityTested bool `json:"reachabilityTested,omitempty"`
	PublicReachable    bool `json:"publicReachable,omitempty"`
}

// Addr returns the dialable host:port, or an empty string when the IP is unknown.
func (p Peer) Addr() string {
	if strings.TrimSpace(p.IP) == "" {
		return ""
	}
	return net.JoinHostPort(p.IP, strconv.Itoa(int(p.P2PPort)))
}

// RTTOrDefault returns the smoothed RTT, falling back to defaultRTTMs.
func (p Peer) RTTOrDefault() uint32 {
	if p.AvgRTTMs == nil {
		return defaultRTTMs
	}
	return *p.AvgRTTMs
}

// Eligible reports whether the peer may be handed out as a dial or relay candidate.
func (p Peer) Eligible() bool {
	return p.FailCount <= MaxFailCount
}

// MarkSuccess resets failure bookkeeping after a good interaction.
func (p *Peer) MarkSuccess(now time.Time) {
	p.FailCount = 0
	p.HealthScore += healthSuccessDelta
	if p.HealthScore > maxHealthScore {
		p.HealthScore = maxHealthScore
	}
	p.LastSuccess = now
	p.LastSeen = now
}

// MarkFailure records a failed interaction. Seeds are never penalised.
func (p *Peer) MarkFailure(now time.Time) {
	p.LastFailure = now
	if p.IsSeed {
		p.FailCount = 0
		return
	}
	p.FailCount++
	p.HealthScore -= healthFailureDelta
	if p.HealthScore < 0 {
		p.HealthScore = 0
	}
}

// UpdateLatency folds an RTT sample into the EMA and reclassifies the bucket.
func (p *Peer) UpdateLatency(sampleMs uint32) {
	last := sampleMs
	p.LastRTTMs = &last
	avg := sampleMs
	if p.AvgRTTMs != nil {
		blended := float64(*p.AvgRTTMs)*(1-latencyAlpha) + float64(sampleMs)*latencyAlpha
		avg = uint32(math.Round(blended))
	}
	p.AvgRTTMs = &avg
	p.LatencyBucket = BucketForRTT(avg)
}

func (p Peer) clone() Peer {
	out := p
	if p.AvgRTTMs != nil {
		v := *p.AvgRTTMs
		out.AvgRTTMs = &v
	}
	if p.LastRTTMs != nil {
		v := *p.LastRTTMs
		out.LastRTTMs = &v
	}
	return out
}

// merge folds an incoming observation of the same node into the stored record.
// Health and timestamps keep the best value seen; seed status is sticky.
func (p *Peer) merge(existing Peer) {
	if p.HealthScore < existing.HealthScore {
		p.HealthScore = existing.HealthScore
	}
	if p.LastSuccess.Before(existing.LastSuccess) {
		p.LastSuccess = existing.LastSuccess
	}
	if p.LastSeen.Before(existing.LastSeen) {
		p.LastSeen = existing.LastSeen
	}
	if p.LastFailure.Before(existing.LastFailure) {
		p.LastFailure = existing.LastFailure
	}
	p.IsSeed = p.IsSeed || existing.IsSeed
	// A record with no role information (the zero role, no guardian flag)
	// never demotes a known role; handshakes set the role directly.
	if p.Role == RoleDreamer && !p.IsGuardianCandidate {
		p.Role = existing.Role
		p.IsGuardianCandidate = existing.IsGuardianCandidate
	}
	if p.IP == "" {
		p.IP = existing.IP
		if p.P2PPort == 0 {
			p.P2PPort = existing.P2PPort
		}
	}
	if p.P2PPort == 0 {
		p.P2PPort = existing.P2PPort
	}
	if p.HTTPPort == 0 {
		p.HTTPPort = existing.HTTPPort
	}
	if p.NodeTag == "" {
		p.NodeTag = existing.NodeTag
	}
	if p.PublicKey == "" {
		p.PublicKey = existing.PublicKey
	}
	if p.Region == "" {
		p.Region = existing.Region
	}
	if p.AvgRTTMs == nil && existing.AvgRTTMs != nil {
		v := *existing.AvgRTTMs
		p.AvgRTTMs = &v
		p.LatencyBucket = existing.LatencyBucket
	}
	if p.LastRTTMs == nil && existing.LastRTTMs != nil {
		v := *existing.LastRTTMs
		p.LastRTTMs = &v
	}
	if !p.ReachabilityTested && existing.ReachabilityTested {
		p.ReachabilityTested = true
		p.PublicReachable = existing.PublicReachable
	}
	if p.FailCount == 0 && p.LastSuccess.Before(existing.LastFailure) {
		p.FailCount = existing.FailCount
	}
}
