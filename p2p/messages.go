package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvType identifies the kind of object an inventory item refers to.
type InvType uint8

const (
	InvBlock InvType = iota + 1
	InvTx
	InvCompactBlock
)

func (t InvType) String() string {
	switch t {
	case InvBlock:
		return "block"
	case InvTx:
		return "tx"
	case InvCompactBlock:
		return "compact_block"
	default:
		return fmt.Sprintf("inv(%d)", uint8(t))
	}
}

func (t InvType) valid() bool {
	return t >= InvBlock && t <= InvCompactBlock
}

// InventoryItem names one object by type and hash.
type InventoryItem struct {
	Type InvType     `json:"type"`
	Hash common.Hash `json:"hash"`
}

// Inv announces objects the sender has.
type Inv struct {
	Objects []InventoryItem `json:"objects"`
}

// GetData requests specific objects.
type GetData struct {
	Objects []InventoryItem `json:"objects"`
}

// GetBlocksPayload asks a peer for block hashes following the locator.
type GetBlocksPayload struct {
	Locator []common.Hash `json:"locator"`
	Limit   int           `json:"limit,omitempty"`
}

// PeerListPayload gossips known peers.
type PeerListPayload struct {
	Peers []PeerAddress `json:"peers"`
}

func encodeMessage(msgType byte, payload any) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", msgTypeLabel(msgType), err)
	}
	return Message{Type: msgType, Payload: body}, nil
}

func decodePayload(msg Message, out any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%s: empty payload: %w", msgTypeLabel(msg.Type), ErrInvalidPayload)
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("%s: %v: %w", msgTypeLabel(msg.Type), err, ErrInvalidPayload)
	}
	return nil
}

// NewInvMessage frames an Inv.
func NewInvMessage(inv Inv) (Message, error) { return encodeMessage(MsgTypeInv, inv) }

// NewGetDataMessage frames a GetData.
func NewGetDataMessage(req GetData) (Message, error) { return encodeMessage(MsgTypeGetData, req) }

// NewBlockMessage frames a block.
func NewBlockMessage(b *Block) (Message, error) { return encodeMessage(MsgTypeBlock, b) }

// NewTxMessage frames a transaction.
func NewTxMessage(tx *Tx) (Message, error) { return encodeMessage(MsgTypeTx, tx) }
