package p2p

import "errors"

var (
	// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
	ErrInvalidPayload = errors.New("p2p: invalid payload")
	// ErrPeerUnknown is returned when an operation references a node ID the peer store has never seen.
	ErrPeerUnknown = errors.New("p2p: unknown peer")
	// ErrNotConnected is returned when a send targets a peer without a live connection.
	ErrNotConnected = errors.New("p2p: peer not connected")
	// ErrRateLimited marks inbound messages dropped by the per-peer limiter.
	ErrRateLimited = errors.New("p2p: rate limited")
	// ErrNoSeeds is returned when bootstrap has neither persisted peers nor seeds to dial.
	ErrNoSeeds = errors.New("p2p: no seeds configured")
	// ErrStoreClosed is returned by the peer store after Close.
	ErrStoreClosed = errors.New("p2p: peer store closed")
)

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}
