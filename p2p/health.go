package p2p

import "time"

const (
	defaultReadyPeers     = 1
	maxReadyHeightLag     = 8
	stableHealthThreshold = 30
	dialFailureWindow     = 5 * time.Minute
)

// HealthStatus grades the node's connectivity.
type HealthStatus string

const (
	HealthOptimal  HealthStatus = "optimal"
	HealthGood     HealthStatus = "good"
	HealthFair     HealthStatus = "fair"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// ClassifyHealth maps a live connection count onto a status.
func ClassifyHealth(connected int) HealthStatus {
	switch {
	case connected >= 15:
		return HealthOptimal
	case connected >= 8:
		return HealthGood
	case connected >= 3:
		return HealthFair
	case connected > 0:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// NetworkHealth is a point-in-time view of the node's place in the swarm.
type NetworkHealth struct {
	Status             HealthStatus `json:"status"`
	Ready              bool         `json:"ready"`
	Connected          int          `json:"connected"`
	ReadyPeers         int          `json:"readyPeers"`
	KnownPeers         int          `json:"knownPeers"`
	StablePeers        int          `json:"stablePeers"`
	Quarantined        int          `json:"quarantined"`
	LocalHeight        uint64       `json:"localHeight"`
	BestPeerHeight     uint64       `json:"bestPeerHeight"`
	HeightLag          uint64       `json:"heightLag"`
	RecentDialFailures int          `json:"recentDialFailures"`
}

// Health reports connectivity and readiness. The node is ready once it holds
// at least ReadyPeers connections and trails the best connected peer by no
// more than eight blocks.
func (n *Node) Health() NetworkHealth {
	local, _ := n.chain.Tip()
	h := NetworkHealth{
		Connected:   n.conns.Count(),
		ReadyPeers:  n.cfg.ReadyPeers,
		LocalHeight: local,
	}
	h.Status = ClassifyHealth(h.Connected)

	for _, p := range n.store.All() {
		h.KnownPeers++
		switch {
		case !p.Eligible():
			h.Quarantined++
		case p.HealthScore > stableHealthThreshold:
			h.StablePeers++
		}
	}

	n.mu.Lock()
	for id, st := range n.statuses {
		if n.conns.Has(id) && st.Height > h.BestPeerHeight {
			h.BestPeerHeight = st.Height
		}
	}
	n.mu.Unlock()
	if h.BestPeerHeight > local {
		h.HeightLag = h.BestPeerHeight - local
	}

	h.RecentDialFailures = n.dials.Since(n.now().Add(-dialFailureWindow))
	h.Ready = h.Connected >= h.ReadyPeers && h.HeightLag <= maxReadyHeightLag
	return h
}
