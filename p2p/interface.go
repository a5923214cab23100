package p2p

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Message is the generic structure for any data sent between nodes.
type Message struct {
	Type    byte   `json:"type"`
	Payload []byte `json:"payload"`
}

// Block is the subset of a block the networking layer needs. Validation is
// the chain's concern.
type Block struct {
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parentHash"`
	Height     uint64      `json:"height"`
	Body       []byte      `json:"body,omitempty"`
}

// Tx is an opaque transaction keyed by hash.
type Tx struct {
	Hash common.Hash `json:"hash"`
	Body []byte      `json:"body,omitempty"`
}

// Chain is the validation/storage collaborator. The core asks it whether an
// object is known and hands it bytes; it never decides validity itself.
type Chain interface {
	HaveBlock(hash common.Hash) bool
	HaveTx(hash common.Hash) bool
	GetBlock(hash common.Hash) (*Block, bool)
	GetTx(hash common.Hash) (*Tx, bool)
	AcceptBlock(ctx context.Context, block *Block) error
	AcceptTx(ctx context.Context, tx *Tx) error
	// Tip returns the height and hash of the best block.
	Tip() (uint64, common.Hash)
	// HashAtHeight returns the main-chain hash at height.
	HashAtHeight(height uint64) (common.Hash, bool)
}

// HandshakeInfo is what a peer advertises about itself when a connection is established.
type HandshakeInfo struct {
	NodeID    string `json:"nodeId"`
	NodeTag   string `json:"nodeTag,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	IP        string `json:"ip,omitempty"`
	P2PPort   uint16 `json:"p2pPort,omitempty"`
	HTTPPort  uint16 `json:"httpPort,omitempty"`
	Region    string `json:"region,omitempty"`
	Role      Role   `json:"role"`
	Height    uint64 `json:"height,omitempty"`
	// TotalWork is the decimal cumulative chain work.
	TotalWork string `json:"totalWork,omitempty"`

	// RTT is measured locally and never sent on the wire.
	RTT time.Duration `json:"-"`
}

// Connection is an established, handshaken link to a peer.
type Connection interface {
	Handshake() HandshakeInfo
	RemoteAddr() string
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Transport opens connections and sends framed messages. Wire framing is the
// transport's concern.
type Transport interface {
	Connect(ctx context.Context, addr string) (Connection, error)
	Send(ctx context.Context, conn Connection, msg Message) error
}
