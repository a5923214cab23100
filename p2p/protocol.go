package p2p

import (
	"fmt"
	"net"
	"strings"
)

// Constants for our P2P message types.
const (
	MsgTypeHandshake    byte = 0x01
	MsgTypeInv          byte = 0x02
	MsgTypeGetData      byte = 0x03
	MsgTypeBlock        byte = 0x04
	MsgTypeTx           byte = 0x05
	MsgTypeCompactBlock byte = 0x06
	MsgTypeGetBlocks    byte = 0x07
	MsgTypePeerList     byte = 0x08
	MsgTypeGetPeers     byte = 0x09
	MsgTypeGetBlockTxns byte = 0x0a
	MsgTypeBlockTxns    byte = 0x0b
)

func msgTypeLabel(t byte) string {
	switch t {
	case MsgTypeHandshake:
		return "handshake"
	case MsgTypeInv:
		return "inv"
	case MsgTypeGetData:
		return "getdata"
	case MsgTypeBlock:
		return "block"
	case MsgTypeTx:
		return "tx"
	case MsgTypeCompactBlock:
		return "compact_block"
	case MsgTypeGetBlocks:
		return "getblocks"
	case MsgTypePeerList:
		return "peer_list"
	case MsgTypeGetPeers:
		return "get_peers"
	case MsgTypeGetBlockTxns:
		return "get_block_txns"
	case MsgTypeBlockTxns:
		return "block_txns"
	default:
		return fmt.Sprintf("0x%02x", t)
	}
}

// SeedEndpoint is a configured seed. NodeID is optional and only known when
// the seed was written as nodeID@host:port.
type SeedEndpoint struct {
	NodeID  string
	Address string
}

// ParseSeedList normalises seed strings of the form host:port or
// nodeID@host:port, dropping blanks, malformed entries and duplicates.
func ParseSeedList(values []string) ([]SeedEndpoint, []error) {
	seeds := make([]SeedEndpoint, 0, len(values))
	seen := make(map[string]struct{})
	var errs []error
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		node, addr := "", trimmed
		if before, after, found := strings.Cut(trimmed, "@"); found {
			node = strings.TrimSpace(before)
			addr = strings.TrimSpace(after)
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed %q: invalid address: %w", trimmed, err))
			continue
		}
		if host == "" || port == "" {
			errs = append(errs, fmt.Errorf("seed %q: host and port required", trimmed))
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		seeds = append(seeds, SeedEndpoint{NodeID: node, Address: addr})
	}
	return seeds, errs
}
