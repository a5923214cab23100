package p2p

import (
	"sort"
	"sync"
)

// ConnectionSet tracks the live, handshaken connections keyed by node ID.
type ConnectionSet struct {
	mu      sync.RWMutex
	conns   map[string]Connection
	metrics *networkMetrics
}

// NewConnectionSet returns an empty set.
func NewConnectionSet() *ConnectionSet {
	return &ConnectionSet{conns: make(map[string]Connection), metrics: newNetworkMetrics()}
}

// Add registers conn under nodeID, returning any connection it replaced.
func (s *ConnectionSet) Add(nodeID string, conn Connection) (Connection, bool) {
	s.mu.Lock()
	prev, replaced := s.conns[nodeID]
	s.conns[nodeID] = conn
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.setLivePeers(n)
	return prev, replaced
}

// Remove drops nodeID only if it still maps to conn. A nil conn removes unconditionally.
func (s *ConnectionSet) Remove(nodeID string, conn Connection) bool {
	s.mu.Lock()
	current, ok := s.conns[nodeID]
	if !ok || (conn != nil && current != conn) {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, nodeID)
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.setLivePeers(n)
	return true
}

// Get returns the connection for nodeID.
func (s *ConnectionSet) Get(nodeID string) (Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[nodeID]
	return conn, ok
}

// Has reports whether nodeID has a live connection.
func (s *ConnectionSet) Has(nodeID string) bool {
	_, ok := s.Get(nodeID)
	return ok
}

// HasAddr reports whether any live connection was dialled to or accepted from addr.
func (s *ConnectionSet) HasAddr(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.conns {
		if conn.RemoteAddr() == addr {
			return true
		}
	}
	return false
}

// Count returns the number of live connections.
func (s *ConnectionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// IDs returns the connected node IDs in sorted order.
func (s *ConnectionSet) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll closes and forgets every connection.
func (s *ConnectionSet) CloseAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]Connection)
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.metrics.setLivePeers(0)
}
