package p2p

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyHealth(t *testing.T) {
	for connected, want := range map[int]HealthStatus{
		0:  HealthCritical,
		1:  HealthDegraded,
		2:  HealthDegraded,
		3:  HealthFair,
		8:  HealthGood,
		14: HealthGood,
		15: HealthOptimal,
		40: HealthOptimal,
	} {
		require.Equal(t, want, ClassifyHealth(connected), "connected %d", connected)
	}
}

func TestNodeHealthReadiness(t *testing.T) {
	clock := newTestClock()
	n := newTestNode(t, newFakeChain(3), clock)

	h := n.Health()
	require.Equal(t, HealthCritical, h.Status)
	require.False(t, h.Ready, "no peers")
	require.Equal(t, 1, h.ReadyPeers)
	require.EqualValues(t, 2, h.LocalHeight)

	n.conns.Add("peer-a", newFakeConn("peer-a", "203.0.113.1:6001"))
	n.mu.Lock()
	n.statuses["peer-a"] = ChainStatus{NodeID: "peer-a", Height: 12}
	n.statuses["peer-gone"] = ChainStatus{NodeID: "peer-gone", Height: 500}
	n.mu.Unlock()

	h = n.Health()
	require.Equal(t, HealthDegraded, h.Status)
	require.EqualValues(t, 12, h.BestPeerHeight, "only connected peers count")
	require.EqualValues(t, 10, h.HeightLag)
	require.False(t, h.Ready, "too far behind")

	n.mu.Lock()
	n.statuses["peer-a"] = ChainStatus{NodeID: "peer-a", Height: 10}
	n.mu.Unlock()
	h = n.Health()
	require.EqualValues(t, 8, h.HeightLag)
	require.True(t, h.Ready)
}

func TestNodeHealthCountsPeersAndDialFailures(t *testing.T) {
	clock := newTestClock()
	n := newTestNode(t, newFakeChain(1), clock)
	require.NoError(t, n.store.Put(Peer{NodeID: "stable", IP: "203.0.113.1", P2PPort: 6001, HealthScore: 80}))
	require.NoError(t, n.store.Put(Peer{NodeID: "weak", IP: "203.0.113.2", P2PPort: 6001, HealthScore: 10}))
	require.NoError(t, n.store.Put(Peer{NodeID: "banned", IP: "203.0.113.3", P2PPort: 6001, HealthScore: 80, FailCount: MaxFailCount + 1}))

	n.dials.Record("203.0.113.2:6001", "recovery", errors.New("refused"), clock.Now().Add(-dialFailureWindow-1))
	n.dials.Record("203.0.113.3:6001", "recovery", errors.New("refused"), clock.Now())

	h := n.Health()
	require.Equal(t, 3, h.KnownPeers)
	require.Equal(t, 1, h.StablePeers)
	require.Equal(t, 1, h.Quarantined)
	require.Equal(t, 1, h.RecentDialFailures, "failures outside the window are ignored")
	require.Len(t, n.DialFailures(), 2)
}
