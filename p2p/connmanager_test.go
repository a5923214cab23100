package p2p

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRecoveryFixture(t *testing.T, cfg RecoveryConfig) (*RecoveryLoop, *fakeDialer, *PeerStore, *ConnectionSet, *testClock) {
	t.Helper()
	clock := newTestClock()
	store := newTestStore(t)
	conns := NewConnectionSet()
	dialer := newFakeDialer(conns)
	cfg.Pacing = -1
	cfg.Now = clock.Now
	loop := NewRecoveryLoop(store, conns, nil, NewReputationEngine(ReputationConfig{Now: clock.Now}), dialer, cfg)
	return loop, dialer, store, conns, clock
}

func putPeers(t *testing.T, store *PeerStore, n int) []Peer {
	t.Helper()
	out := make([]Peer, 0, n)
	for i := 0; i < n; i++ {
		p := Peer{NodeID: fmt.Sprintf("cand-%d", i), IP: fmt.Sprintf("203.0.113.%d", i+1), P2PPort: 6001}
		require.NoError(t, store.Put(p))
		out = append(out, p)
	}
	return out
}

func TestRecoveryTickIdleWhenAboveMinimum(t *testing.T) {
	loop, dialer, store, conns, _ := newRecoveryFixture(t, RecoveryConfig{MinTargetPeers: 2})
	putPeers(t, store, 3)
	conns.Add("x", newFakeConn("x", "x"))
	conns.Add("y", newFakeConn("y", "y"))

	report := loop.Tick(context.Background())
	require.Equal(t, 2, report.Connected)
	require.Zero(t, report.Attempted)
	require.Zero(t, dialer.dialCount())
}

func TestRecoveryTickDialsUntilMaximum(t *testing.T) {
	loop, dialer, store, conns, _ := newRecoveryFixture(t, RecoveryConfig{MinTargetPeers: 2, MaxTargetPeers: 3})
	for _, p := range putPeers(t, store, 6) {
		dialer.accept(p.Addr(), HandshakeInfo{NodeID: p.NodeID, IP: p.IP, P2PPort: p.P2PPort})
	}
	report := loop.Tick(context.Background())
	require.Equal(t, 3, report.Succeeded)
	require.Equal(t, 3, report.Connected)
	require.Equal(t, 3, conns.Count())
	require.False(t, report.Isolated)

	for _, id := range conns.IDs() {
		peer, _ := store.Get(id)
		require.Equal(t, defaultHealthScore+healthSuccessDelta, peer.HealthScore, id)
	}
}

func TestRecoveryTickRecordsFailures(t *testing.T) {
	loop, dialer, store, _, clock := newRecoveryFixture(t, RecoveryConfig{MinTargetPeers: 1})
	peers := putPeers(t, store, 1)
	id := peers[0].NodeID

	report := loop.Tick(context.Background())
	require.Equal(t, 1, report.Failed)
	require.True(t, report.Isolated)
	peer, _ := store.Get(id)
	require.EqualValues(t, 1, peer.FailCount)

	for i := 1; i < defaultMaxFailures; i++ {
		clock.Advance(time.Second)
		loop.Tick(context.Background())
	}
	require.True(t, loop.Tracker().ShouldSkip(id, clock.Now()))
	before := dialer.dialCount()
	report = loop.Tick(context.Background())
	require.Equal(t, 1, report.Skipped, "circuit breaker holds the peer back")
	require.Equal(t, before, dialer.dialCount())

	clock.Advance(defaultFailureResetWindow + time.Second)
	dialer.accept(peers[0].Addr(), HandshakeInfo{NodeID: id})
	report = loop.Tick(context.Background())
	require.Equal(t, 1, report.Succeeded, "window lapsed, peer retried")
	require.Zero(t, loop.Tracker().Len())
}

func TestRecoveryTickDecaysFailCounts(t *testing.T) {
	loop, _, store, conns, _ := newRecoveryFixture(t, RecoveryConfig{MinTargetPeers: 1})
	putPeers(t, store, 1)
	_, err := store.MarkFailure("cand-0", time.Unix(1, 0))
	require.NoError(t, err)
	conns.Add("other", newFakeConn("other", "other"))

	report := loop.Tick(context.Background())
	require.Equal(t, 1, report.Decayed)
	peer, _ := store.Get("cand-0")
	require.Zero(t, peer.FailCount)
}

func TestRecoveryTickReportsIsolationWithoutCandidates(t *testing.T) {
	loop, dialer, _, _, _ := newRecoveryFixture(t, RecoveryConfig{})
	report := loop.Tick(context.Background())
	require.True(t, report.Isolated)
	require.Zero(t, dialer.dialCount())
}

func TestRecoveryRunStopsOnCancel(t *testing.T) {
	loop, _, _, _, _ := newRecoveryFixture(t, RecoveryConfig{Interval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, loop.Run(ctx), context.DeadlineExceeded)
}

func TestRecoveryTickPrefersReputableCandidates(t *testing.T) {
	loop, dialer, store, conns, _ := newRecoveryFixture(t, RecoveryConfig{MinTargetPeers: 1, MaxTargetPeers: 1})
	for i, id := range []string{"a-poor", "b-elite"} {
		p := Peer{NodeID: id, IP: fmt.Sprintf("203.0.113.%d", i+1), P2PPort: 6001, Region: "eu", AvgRTTMs: rtt(40)}
		require.NoError(t, store.Put(p))
		dialer.accept(p.Addr(), HandshakeInfo{NodeID: id})
	}
	setReputationScore(loop.reputation, "a-poor", -900)
	setReputationScore(loop.reputation, "b-elite", 1000)

	report := loop.Tick(context.Background())
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, []string{"b-elite"}, conns.IDs())

	classifier := NewClassifier(store, ClassifierConfig{LocalRegion: "eu", Reputation: loop.reputation})
	targets := classifier.SelectRelayTargets("eu", 1)
	require.Len(t, targets, 1)
	require.Equal(t, "b-elite", targets[0].NodeID)
}
