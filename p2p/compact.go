package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jellydator/ttlcache/v3"
	"lukechampine.com/blake3"
)

const (
	shortIDMask               = 1<<48 - 1
	defaultCompactPendingTTL  = 30 * time.Second
	defaultCompactPendingSize = 64
)

// BlockHeader is the part of a block the core understands.
type BlockHeader struct {
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parentHash"`
	Height     uint64      `json:"height"`
}

// Header returns b's header fields.
func (b *Block) Header() BlockHeader {
	return BlockHeader{Hash: b.Hash, ParentHash: b.ParentHash, Height: b.Height}
}

// BlockAssembler is an optional Chain extension. Chains that implement it get
// compact block relay; the others keep exchanging full blocks.
type BlockAssembler interface {
	// BlockTxs returns a stored block's transactions in block order.
	BlockTxs(block *Block) ([]*Tx, error)
	// PendingTxs returns the transactions currently in the mempool.
	PendingTxs() []*Tx
	// AssembleBlock rebuilds a block from its header and ordered transactions.
	AssembleBlock(header BlockHeader, txs []*Tx) (*Block, error)
}

// PrefilledTx is a transaction shipped in full inside a compact block.
type PrefilledTx struct {
	Index int `json:"index"`
	Tx    *Tx `json:"tx"`
}

// CompactBlock carries a header plus 48-bit short ids for every transaction
// the receiver is expected to hold already. The first transaction is always
// prefilled. Prefilled indexes are absolute and ascending; ShortIDs fill the
// remaining slots in order.
type CompactBlock struct {
	Header    BlockHeader   `json:"header"`
	Nonce     uint64        `json:"nonce"`
	ShortIDs  []uint64      `json:"shortIds"`
	Prefilled []PrefilledTx `json:"prefilled,omitempty"`
}

// TxCount is the number of transactions in the full block.
func (cb CompactBlock) TxCount() int {
	return len(cb.ShortIDs) + len(cb.Prefilled)
}

// GetBlockTxns asks the sender of a compact block for the transactions at
// the given indexes.
type GetBlockTxns struct {
	BlockHash common.Hash `json:"blockHash"`
	Indexes   []int       `json:"indexes"`
}

// BlockTxns answers GetBlockTxns in the requested order.
type BlockTxns struct {
	BlockHash common.Hash `json:"blockHash"`
	Txs       []*Tx       `json:"txs"`
}

// NewCompactBlockMessage frames a compact block.
func NewCompactBlockMessage(cb CompactBlock) (Message, error) {
	return encodeMessage(MsgTypeCompactBlock, cb)
}

// NewGetBlockTxnsMessage frames a missing transaction request.
func NewGetBlockTxnsMessage(req GetBlockTxns) (Message, error) {
	return encodeMessage(MsgTypeGetBlockTxns, req)
}

// NewBlockTxnsMessage frames a missing transaction response.
func NewBlockTxnsMessage(resp BlockTxns) (Message, error) {
	return encodeMessage(MsgTypeBlockTxns, resp)
}

// ShortTxID is the keyed blake3 digest of hash truncated to 48 bits. The key
// is derived from nonce so ids collide differently in every block.
func ShortTxID(hash common.Hash, nonce uint64) uint64 {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], nonce)
	var key [32]byte
	blake3.DeriveKey(key[:], "swarmnode compact block short id", seed[:])
	h := blake3.New(8, key[:])
	_, _ = h.Write(hash[:])
	return binary.LittleEndian.Uint64(h.Sum(nil)) & shortIDMask
}

// BuildCompactBlock turns a full block's transactions into a compact block.
func BuildCompactBlock(header BlockHeader, txs []*Tx, nonce uint64) CompactBlock {
	cb := CompactBlock{Header: header, Nonce: nonce}
	for i, tx := range txs {
		if i == 0 {
			cb.Prefilled = append(cb.Prefilled, PrefilledTx{Index: 0, Tx: tx})
			continue
		}
		cb.ShortIDs = append(cb.ShortIDs, ShortTxID(tx.Hash, nonce))
	}
	return cb
}

// ReconstructTxs places prefilled transactions and matches short ids against
// pool. Slots that could not be filled, including ids shared by two pool
// transactions, are returned as missing.
func ReconstructTxs(cb CompactBlock, pool []*Tx) ([]*Tx, []int, error) {
	total := cb.TxCount()
	txs := make([]*Tx, total)
	last := -1
	for _, p := range cb.Prefilled {
		if p.Index <= last || p.Index >= total {
			return nil, nil, fmt.Errorf("prefilled index %d out of order or range (total %d): %w", p.Index, total, ErrInvalidPayload)
		}
		if p.Tx == nil || p.Tx.Hash == (common.Hash{}) {
			return nil, nil, fmt.Errorf("prefilled index %d without tx: %w", p.Index, ErrInvalidPayload)
		}
		txs[p.Index] = p.Tx
		last = p.Index
	}

	byShortID := make(map[uint64]*Tx, len(pool))
	ambiguous := make(map[uint64]struct{})
	for _, tx := range pool {
		if tx == nil {
			continue
		}
		id := ShortTxID(tx.Hash, cb.Nonce)
		if other, ok := byShortID[id]; ok && other.Hash != tx.Hash {
			ambiguous[id] = struct{}{}
			continue
		}
		byShortID[id] = tx
	}

	var missing []int
	next := 0
	for i := range txs {
		if txs[i] != nil {
			continue
		}
		id := cb.ShortIDs[next]
		next++
		if _, clash := ambiguous[id]; clash {
			missing = append(missing, i)
			continue
		}
		if tx, ok := byShortID[id]; ok {
			txs[i] = tx
			continue
		}
		missing = append(missing, i)
	}
	return txs, missing, nil
}

type pendingCompact struct {
	peerID  string
	header  BlockHeader
	txs     []*Tx
	missing []int
}

// CompactRelay holds compact blocks that are waiting for missing
// transactions from their sender.
type CompactRelay struct {
	assembler BlockAssembler
	logger    *slog.Logger
	pending   *ttlcache.Cache[common.Hash, *pendingCompact]
}

// NewCompactRelay returns a relay when chain can assemble blocks.
func NewCompactRelay(chain Chain, logger *slog.Logger) (*CompactRelay, bool) {
	assembler, ok := chain.(BlockAssembler)
	if !ok {
		return nil, false
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompactRelay{
		assembler: assembler,
		logger:    logger.With(slog.String("component", "compact")),
		pending: ttlcache.New[common.Hash, *pendingCompact](
			ttlcache.WithTTL[common.Hash, *pendingCompact](defaultCompactPendingTTL),
			ttlcache.WithCapacity[common.Hash, *pendingCompact](defaultCompactPendingSize),
			ttlcache.WithDisableTouchOnHit[common.Hash, *pendingCompact](),
		),
	}, true
}

// Encode builds the compact form of a stored block.
func (c *CompactRelay) Encode(block *Block) (CompactBlock, error) {
	txs, err := c.assembler.BlockTxs(block)
	if err != nil {
		return CompactBlock{}, fmt.Errorf("block txs %s: %w", block.Hash.Hex(), err)
	}
	return BuildCompactBlock(block.Header(), txs, rand.Uint64()), nil
}

// Receive reconstructs cb from the mempool. When transactions are missing the
// block is parked and the indexes to request from peerID are returned.
func (c *CompactRelay) Receive(peerID string, cb CompactBlock) (*Block, []int, error) {
	if cb.Header.Hash == (common.Hash{}) {
		return nil, nil, fmt.Errorf("compact block without hash: %w", ErrInvalidPayload)
	}
	txs, missing, err := ReconstructTxs(cb, c.assembler.PendingTxs())
	if err != nil {
		return nil, nil, err
	}
	if len(missing) > 0 {
		c.pending.Set(cb.Header.Hash, &pendingCompact{peerID: peerID, header: cb.Header, txs: txs, missing: missing}, ttlcache.DefaultTTL)
		c.logger.Debug("compact block incomplete",
			slog.String("hash", cb.Header.Hash.Hex()),
			slog.Int("missing", len(missing)),
			slog.Int("total", len(txs)))
		return nil, missing, nil
	}
	block, err := c.assembler.AssembleBlock(cb.Header, txs)
	if err != nil {
		return nil, nil, fmt.Errorf("assemble %s: %v: %w", cb.Header.Hash.Hex(), err, ErrInvalidPayload)
	}
	return block, nil, nil
}

var errNoPendingCompact = errors.New("no pending compact block")

// Fill completes a parked block with the sender's answer. Only the peer the
// compact block came from may fill it.
func (c *CompactRelay) Fill(peerID string, resp BlockTxns) (*Block, error) {
	item := c.pending.Get(resp.BlockHash)
	if item == nil {
		return nil, fmt.Errorf("block txns %s: %w", resp.BlockHash.Hex(), errNoPendingCompact)
	}
	p := item.Value()
	if p.peerID != peerID {
		return nil, fmt.Errorf("block txns %s from %s, expected %s: %w", resp.BlockHash.Hex(), peerID, p.peerID, ErrInvalidPayload)
	}
	if len(resp.Txs) != len(p.missing) {
		return nil, fmt.Errorf("block txns %s: got %d txs, want %d: %w", resp.BlockHash.Hex(), len(resp.Txs), len(p.missing), ErrInvalidPayload)
	}
	c.pending.Delete(resp.BlockHash)
	txs := append([]*Tx(nil), p.txs...)
	for i, idx := range p.missing {
		if resp.Txs[i] == nil {
			return nil, fmt.Errorf("block txns %s: nil tx at %d: %w", resp.BlockHash.Hex(), idx, ErrInvalidPayload)
		}
		txs[idx] = resp.Txs[i]
	}
	block, err := c.assembler.AssembleBlock(p.header, txs)
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %v: %w", resp.BlockHash.Hex(), err, ErrInvalidPayload)
	}
	return block, nil
}

// Select answers a GetBlockTxns request from a stored block.
func (c *CompactRelay) Select(block *Block, indexes []int) (BlockTxns, error) {
	txs, err := c.assembler.BlockTxs(block)
	if err != nil {
		return BlockTxns{}, fmt.Errorf("block txs %s: %w", block.Hash.Hex(), err)
	}
	resp := BlockTxns{BlockHash: block.Hash, Txs: make([]*Tx, 0, len(indexes))}
	for _, idx := range indexes {
		if idx < 0 || idx >= len(txs) {
			return BlockTxns{}, fmt.Errorf("tx index %d out of range (%d): %w", idx, len(txs), ErrInvalidPayload)
		}
		resp.Txs = append(resp.Txs, txs[idx])
	}
	return resp, nil
}

// Pending returns how many compact blocks are waiting for transactions.
func (c *CompactRelay) Pending() int {
	return c.pending.Len()
}
