package p2p

import (
	"fmt"
	"testing"
	"time"
)

func TestClassifyPeer(t *testing.T) {
	cases := []struct {
		name   string
		peer   Peer
		region string
		want   PeerRing
	}{
		{"same region fast", Peer{Region: "eu-west-1", AvgRTTMs: rtt(40)}, "eu-west", RingInner},
		{"same region boundary", Peer{Region: "eu-west", AvgRTTMs: rtt(100)}, "eu-west", RingInner},
		{"same region slow", Peer{Region: "eu-west", AvgRTTMs: rtt(101)}, "eu-west", RingMiddle},
		{"same region unknown rtt", Peer{Region: "eu-west"}, "eu-west", RingMiddle},
		{"other region fast", Peer{Region: "us-east", AvgRTTMs: rtt(10)}, "eu-west", RingOuter},
		{"unknown region", Peer{AvgRTTMs: rtt(10)}, "eu-west", RingOuter},
		{"no local region", Peer{Region: "eu-west", AvgRTTMs: rtt(10)}, "", RingOuter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyPeer(tc.peer, tc.region); got != tc.want {
				t.Fatalf("want %s got %s", tc.want, got)
			}
		})
	}
}

func TestRoutingScoreMonotone(t *testing.T) {
	inner := Peer{Region: "eu", AvgRTTMs: rtt(90)}
	middle := Peer{Region: "eu", AvgRTTMs: rtt(110)}
	outer := Peer{Region: "us", AvgRTTMs: rtt(5)}
	if !(RoutingScore(inner, "eu") > RoutingScore(middle, "eu") && RoutingScore(middle, "eu") > RoutingScore(outer, "eu")) {
		t.Fatalf("closer rings must score higher")
	}
	fast := Peer{Region: "eu", AvgRTTMs: rtt(10)}
	if RoutingScore(fast, "eu") <= RoutingScore(inner, "eu") {
		t.Fatalf("lower latency must score higher within a ring")
	}
	reachable := Peer{Role: RoleAnchor, ReachabilityTested: true, PublicReachable: true}
	unreachable := Peer{Role: RoleAnchor, ReachabilityTested: true}
	if RoutingScore(reachable, "") <= RoutingScore(unreachable, "") {
		t.Fatalf("unreachable anchors must score lower")
	}
}

func seedRingPeers(t *testing.T, store *PeerStore, region string, rtts []uint32, offset int) {
	t.Helper()
	for i, ms := range rtts {
		p := Peer{
			NodeID:   fmt.Sprintf("peer-%02d", offset+i),
			IP:       fmt.Sprintf("10.1.0.%d", offset+i+1),
			P2PPort:  6001,
			Region:   region,
			AvgRTTMs: rtt(ms),
			LastSeen: time.Now(),
		}
		if err := store.Put(p); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
}

func ringCounts(peers []Peer, region string) (inner, middle, outer int) {
	for _, p := range peers {
		switch ClassifyPeer(p, region) {
		case RingInner:
			inner++
		case RingMiddle:
			middle++
		default:
			outer++
		}
	}
	return
}

func TestSelectRelayTargetsSplit(t *testing.T) {
	store := newTestStore(t)
	seedRingPeers(t, store, "eu-west", []uint32{50, 50, 50, 50, 150, 150, 150}, 0)
	seedRingPeers(t, store, "ap-south", []uint32{250, 250, 250}, 7)
	classifier := NewClassifier(store, ClassifierConfig{LocalRegion: "eu-west"})

	targets := classifier.SelectRelayTargets("eu-west", 10)
	inner, middle, outer := ringCounts(targets, "eu-west")
	if inner != 4 || middle != 2 || outer != 1 {
		t.Fatalf("expected 4/2/1, got %d/%d/%d", inner, middle, outer)
	}
	seen := make(map[string]bool)
	for _, p := range targets {
		if seen[p.NodeID] {
			t.Fatalf("duplicate target %s", p.NodeID)
		}
		seen[p.NodeID] = true
	}
}

func TestSelectRelayTargetsSameRegionSlowPeersAreMiddle(t *testing.T) {
	store := newTestStore(t)
	seedRingPeers(t, store, "eu-west", []uint32{50, 50, 50, 50, 150, 150, 150, 250, 250, 250}, 0)
	classifier := NewClassifier(store, ClassifierConfig{})

	targets := classifier.SelectRelayTargets("eu-west", 10)
	inner, middle, outer := ringCounts(targets, "eu-west")
	if inner != 4 || middle != 2 || outer != 0 {
		t.Fatalf("expected 4/2/0, got %d/%d/%d", inner, middle, outer)
	}
	// the middle quota prefers the lower-latency peers
	for _, p := range targets {
		if ClassifyPeer(p, "eu-west") == RingMiddle && p.RTTOrDefault() != 150 {
			t.Fatalf("middle ring picked %dms peer over 150ms peers", p.RTTOrDefault())
		}
	}
}

func TestSelectRelayTargetsReservesOuterSlot(t *testing.T) {
	store := newTestStore(t)
	seedRingPeers(t, store, "eu-west", []uint32{10, 10, 10, 10, 10, 10, 10, 10, 10, 10}, 0)
	seedRingPeers(t, store, "us-east", []uint32{300}, 10)
	classifier := NewClassifier(store, ClassifierConfig{})

	targets := classifier.SelectRelayTargets("eu-west", 4)
	_, _, outer := ringCounts(targets, "eu-west")
	if outer != 1 {
		t.Fatalf("expected a distant peer in the fan-out, got %d", outer)
	}
	if len(targets) > 4 {
		t.Fatalf("fan-out exceeded max: %d", len(targets))
	}
	if got := classifier.SelectRelayTargets("eu-west", 0); got != nil {
		t.Fatalf("zero max should select nothing")
	}
}

func TestSelectRelayTargetsHonoursFilter(t *testing.T) {
	store := newTestStore(t)
	seedRingPeers(t, store, "eu-west", []uint32{10, 10, 10}, 0)
	classifier := NewClassifier(store, ClassifierConfig{
		Filter: func(p Peer) bool { return p.NodeID == "peer-01" },
	})
	targets := classifier.SelectRelayTargets("eu-west", 8)
	if len(targets) != 1 || targets[0].NodeID != "peer-01" {
		t.Fatalf("filter not applied: %+v", targets)
	}
}

func TestSelectBackbonePeers(t *testing.T) {
	store := newTestStore(t)
	peers := []Peer{
		{NodeID: "dreamer", IP: "10.0.0.1", P2PPort: 1, Region: "eu", AvgRTTMs: rtt(5)},
		{NodeID: "anchor", IP: "10.0.0.2", P2PPort: 1, Region: "eu", Role: RoleAnchor, AvgRTTMs: rtt(50)},
		{NodeID: "guardian", IP: "10.0.0.3", P2PPort: 1, Region: "eu", Role: RoleGuardian, AvgRTTMs: rtt(50)},
	}
	for _, p := range peers {
		if err := store.Put(p); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	classifier := NewClassifier(store, ClassifierConfig{LocalRegion: "eu"})
	backbone := classifier.SelectBackbonePeers(5)
	if len(backbone) != 2 {
		t.Fatalf("expected two backbone peers, got %d", len(backbone))
	}
	if backbone[0].NodeID != "guardian" {
		t.Fatalf("guardian should outrank anchor at equal latency, got %s", backbone[0].NodeID)
	}
}

func TestClusterBalanceDeficits(t *testing.T) {
	store := newTestStore(t)
	seedRingPeers(t, store, "eu-west", []uint32{10, 10, 150}, 0)
	seedRingPeers(t, store, "us-east", []uint32{10}, 3)
	classifier := NewClassifier(store, ClassifierConfig{LocalRegion: "eu-west"})

	report := classifier.reportBalance()
	if report.Inner != 2 || report.Middle != 1 || report.Outer != 1 {
		t.Fatalf("occupancy mismatch: %+v", report)
	}
	deficits := report.Deficits()
	if deficits != (RingTargets{Inner: 6, Middle: 5, Outer: 3}) {
		t.Fatalf("deficits mismatch: %+v", deficits)
	}
}

func TestWeightedRoutingScoreKeepsRingOrder(t *testing.T) {
	worstInner := Peer{Region: "eu", AvgRTTMs: rtt(100), Role: RoleAnchor, ReachabilityTested: true}
	bestMiddle := Peer{Region: "eu", AvgRTTMs: rtt(101), Role: RoleGuardian}
	worstMiddle := Peer{Region: "eu", AvgRTTMs: rtt(900), Role: RoleAnchor, ReachabilityTested: true}
	bestOuter := Peer{Region: "us", AvgRTTMs: rtt(1), Role: RoleGuardian}

	if WeightedRoutingScore(worstInner, "eu", TierPoor) <= WeightedRoutingScore(bestMiddle, "eu", TierElite) {
		t.Fatalf("a poor inner peer must still outrank an elite middle peer")
	}
	if WeightedRoutingScore(worstMiddle, "eu", TierPoor) <= WeightedRoutingScore(bestOuter, "eu", TierElite) {
		t.Fatalf("a poor middle peer must still outrank an elite outer peer")
	}
	same := Peer{Region: "eu", AvgRTTMs: rtt(40)}
	if WeightedRoutingScore(same, "eu", TierElite) <= WeightedRoutingScore(same, "eu", TierFair) {
		t.Fatalf("reputation must break ties within a ring")
	}
	if WeightedRoutingScore(same, "eu", TierFair) != RoutingScore(same, "eu") {
		t.Fatalf("a fair peer keeps its base score")
	}
}
