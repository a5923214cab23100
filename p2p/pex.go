package p2p

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	pexAddressTTL   = 3 * time.Hour
	defaultPexLimit = 32
	maxPexAddresses = 64
	maxPexClockSkew = 10 * time.Minute
)

// GetPeersPayload asks a peer for recently seen addresses.
type GetPeersPayload struct {
	Limit int `json:"limit"`
}

// PeerAddress is a gossipable peer endpoint.
type PeerAddress struct {
	NodeID   string    `json:"nodeId"`
	Addr     string    `json:"addr"`
	Region   string    `json:"region,omitempty"`
	Role     Role      `json:"role"`
	LastSeen time.Time `json:"lastSeen"`
}

// NewGetPeersMessage frames a peer-list request.
func NewGetPeersMessage(limit int) (Message, error) {
	return encodeMessage(MsgTypeGetPeers, GetPeersPayload{Limit: limit})
}

// NewPeerListMessage frames a peer list.
func NewPeerListMessage(addrs []PeerAddress) (Message, error) {
	return encodeMessage(MsgTypePeerList, PeerListPayload{Peers: addrs})
}

// PeerExchange answers peer-list requests from the store and merges the
// lists other peers gossip back into it.
type PeerExchange struct {
	store  *PeerStore
	selfID string
	now    func() time.Time
	logger *slog.Logger
}

// NewPeerExchange returns an exchange that never advertises or stores selfID.
func NewPeerExchange(store *PeerStore, selfID string, logger *slog.Logger, now func() time.Time) *PeerExchange {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &PeerExchange{
		store:  store,
		selfID: selfID,
		now:    now,
		logger: logger.With(slog.String("component", "pex")),
	}
}

// Addresses returns up to limit recently seen dialable peers, newest first,
// leaving out the requester.
func (x *PeerExchange) Addresses(limit int, requester string) []PeerAddress {
	if limit <= 0 || limit > maxPexAddresses {
		limit = defaultPexLimit
	}
	peers := x.store.SeenSince(x.now().Add(-pexAddressTTL))
	sort.SliceStable(peers, func(i, j int) bool { return peers[i].LastSeen.After(peers[j].LastSeen) })
	out := make([]PeerAddress, 0, limit)
	for _, p := range peers {
		if len(out) >= limit {
			break
		}
		if p.NodeID == x.selfID || p.NodeID == requester || p.Addr() == "" {
			continue
		}
		out = append(out, PeerAddress{
			NodeID:   p.NodeID,
			Addr:     p.Addr(),
			Region:   p.Region,
			Role:     p.Role,
			LastSeen: p.LastSeen,
		})
	}
	return out
}

// Merge stores the gossiped addresses that parse. It returns how many were
// accepted and an ErrInvalidPayload error when none were usable.
func (x *PeerExchange) Merge(from string, payload PeerListPayload) (int, error) {
	addrs := payload.Peers
	if len(addrs) > maxPexAddresses {
		addrs = addrs[:maxPexAddresses]
	}
	now := x.now()
	accepted := 0
	for _, addr := range addrs {
		peer, err := x.peerFromAddress(addr, now)
		if err != nil {
			x.logger.Debug("ignoring gossiped address", slog.String("from", from), slog.Any("error", err))
			continue
		}
		if _, known := x.store.Get(peer.NodeID); known {
			accepted++
			continue
		}
		if err := x.store.Put(peer); err != nil {
			x.logger.Debug("store gossiped peer", slog.String("node_id", peer.NodeID), slog.Any("error", err))
			continue
		}
		accepted++
	}
	if accepted == 0 && len(addrs) > 0 {
		return 0, fmt.Errorf("peer list from %s: %w", from, ErrInvalidPayload)
	}
	return accepted, nil
}

func (x *PeerExchange) peerFromAddress(addr PeerAddress, now time.Time) (Peer, error) {
	id := strings.TrimSpace(addr.NodeID)
	if id == "" {
		return Peer{}, fmt.Errorf("missing node id")
	}
	if id == x.selfID {
		return Peer{}, fmt.Errorf("self address")
	}
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr.Addr))
	if err != nil {
		return Peer{}, fmt.Errorf("address %q: %w", addr.Addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Peer{}, fmt.Errorf("address %q: invalid port", addr.Addr)
	}
	if net.ParseIP(host) == nil || IsUnspecifiedIP(host) {
		return Peer{}, fmt.Errorf("address %q: invalid host", addr.Addr)
	}
	seen := addr.LastSeen
	if seen.After(now.Add(maxPexClockSkew)) || seen.IsZero() {
		seen = now
	}
	return Peer{
		NodeID:   id,
		IP:       host,
		P2PPort:  uint16(port),
		Region:   addr.Region,
		Role:     addr.Role,
		LastSeen: seen,
	}, nil
}
