package p2p

import (
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"":              RoleDreamer,
		"dreamer":       RoleDreamer,
		"Constellation": RoleDreamer,
		" anchor ":      RoleAnchor,
		"GUARDIAN":      RoleGuardian,
	}
	for raw, want := range cases {
		got, err := ParseRole(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: want %s got %s", raw, want, got)
		}
	}
	if _, err := ParseRole("validator"); err == nil {
		t.Fatalf("expected unknown role to fail")
	}
	if !RoleAnchor.IsBackbone() || !RoleGuardian.IsBackbone() || RoleDreamer.IsBackbone() {
		t.Fatalf("backbone classification mismatch")
	}
}

func TestBucketForRTT(t *testing.T) {
	cases := []struct {
		ms   uint32
		want LatencyBucket
	}{
		{0, LatencyUltraLow},
		{24, LatencyUltraLow},
		{25, LatencyLow},
		{74, LatencyLow},
		{75, LatencyMedium},
		{149, LatencyMedium},
		{150, LatencyHigh},
		{299, LatencyHigh},
		{300, LatencyExtreme},
	}
	for _, tc := range cases {
		if got := BucketForRTT(tc.ms); got != tc.want {
			t.Fatalf("rtt %d: want %s got %s", tc.ms, tc.want, got)
		}
	}
}

func TestPeerLatencyEMA(t *testing.T) {
	var p Peer
	if p.RTTOrDefault() != defaultRTTMs {
		t.Fatalf("unknown rtt should default to %d", defaultRTTMs)
	}
	p.UpdateLatency(100)
	if *p.AvgRTTMs != 100 {
		t.Fatalf("first sample should seed the average, got %d", *p.AvgRTTMs)
	}
	p.UpdateLatency(200)
	// 100*0.7 + 200*0.3
	if *p.AvgRTTMs != 130 {
		t.Fatalf("expected smoothed 130, got %d", *p.AvgRTTMs)
	}
	if *p.LastRTTMs != 200 {
		t.Fatalf("last sample not kept: %d", *p.LastRTTMs)
	}
	if p.LatencyBucket != LatencyMedium {
		t.Fatalf("bucket not refreshed: %s", p.LatencyBucket)
	}
}

func TestPeerMarkSuccessResetsFailures(t *testing.T) {
	now := time.Unix(100, 0)
	p := Peer{HealthScore: defaultHealthScore}
	p.MarkFailure(now)
	p.MarkFailure(now)
	if p.FailCount != 2 || p.HealthScore != defaultHealthScore-2*healthFailureDelta {
		t.Fatalf("failure bookkeeping: %+v", p)
	}
	p.MarkSuccess(now.Add(time.Second))
	if p.FailCount != 0 {
		t.Fatalf("success should reset fail count")
	}
	if !p.LastSeen.Equal(now.Add(time.Second)) {
		t.Fatalf("success should refresh last seen")
	}
}

func TestPeerAddr(t *testing.T) {
	if (Peer{P2PPort: 6001}).Addr() != "" {
		t.Fatalf("peer without ip should not be dialable")
	}
	if got := (Peer{IP: "2001:db8::1", P2PPort: 6001}).Addr(); got != "[2001:db8::1]:6001" {
		t.Fatalf("ipv6 addr: %q", got)
	}
}

func TestPeerCloneIsDeep(t *testing.T) {
	p := Peer{AvgRTTMs: rtt(10)}
	c := p.clone()
	*c.AvgRTTMs = 99
	if *p.AvgRTTMs != 10 {
		t.Fatalf("clone shares rtt pointer")
	}
}
