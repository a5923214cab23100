package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// assemblerChain is a fakeChain whose blocks carry transaction lists.
type assemblerChain struct {
	*fakeChain
	blockTxs map[common.Hash][]*Tx
	mempool  []*Tx
}

func newAssemblerChain(length int) *assemblerChain {
	return &assemblerChain{fakeChain: newFakeChain(length), blockTxs: make(map[common.Hash][]*Tx)}
}

func (c *assemblerChain) BlockTxs(block *Block) ([]*Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txs, ok := c.blockTxs[block.Hash]
	if !ok {
		return nil, errors.New("block body unknown")
	}
	return txs, nil
}

func (c *assemblerChain) PendingTxs() []*Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Tx(nil), c.mempool...)
}

func (c *assemblerChain) AssembleBlock(header BlockHeader, txs []*Tx) (*Block, error) {
	var body bytes.Buffer
	for _, tx := range txs {
		body.Write(tx.Hash[:])
	}
	return &Block{Hash: header.Hash, ParentHash: header.ParentHash, Height: header.Height, Body: body.Bytes()}, nil
}

func compactTxs(n int) []*Tx {
	out := make([]*Tx, n)
	for i := range out {
		out[i] = &Tx{Hash: hashN(5000 + i), Body: []byte{byte(i)}}
	}
	return out
}

func TestShortTxID(t *testing.T) {
	h := hashN(42)
	require.Equal(t, ShortTxID(h, 7), ShortTxID(h, 7))
	require.NotEqual(t, ShortTxID(h, 7), ShortTxID(h, 8), "nonce changes the key")
	require.NotEqual(t, ShortTxID(h, 7), ShortTxID(hashN(43), 7))
	require.Zero(t, ShortTxID(h, 7)>>48, "ids are 48 bits")
}

func TestBuildCompactBlockPrefillsFirstTx(t *testing.T) {
	txs := compactTxs(4)
	cb := BuildCompactBlock(BlockHeader{Hash: hashN(1)}, txs, 99)
	require.Equal(t, 4, cb.TxCount())
	require.Len(t, cb.ShortIDs, 3)
	require.Equal(t, []PrefilledTx{{Index: 0, Tx: txs[0]}}, cb.Prefilled)
	require.Equal(t, ShortTxID(txs[1].Hash, 99), cb.ShortIDs[0])

	require.Empty(t, BuildCompactBlock(BlockHeader{Hash: hashN(1)}, nil, 1).ShortIDs)
}

func TestReconstructTxs(t *testing.T) {
	txs := compactTxs(5)
	cb := BuildCompactBlock(BlockHeader{Hash: hashN(1)}, txs, 3)

	got, missing, err := ReconstructTxs(cb, []*Tx{txs[4], txs[2], txs[1], txs[3]})
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Equal(t, txs, got)

	got, missing, err = ReconstructTxs(cb, []*Tx{txs[1], txs[4]})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, missing)
	require.Equal(t, txs[4], got[4])
	require.Nil(t, got[2])

	bad := cb
	bad.Prefilled = []PrefilledTx{{Index: 9, Tx: txs[0]}}
	_, _, err = ReconstructTxs(bad, nil)
	require.ErrorIs(t, err, ErrInvalidPayload)

	bad.Prefilled = []PrefilledTx{{Index: 0}}
	_, _, err = ReconstructTxs(bad, nil)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestCompactRelayRoundTrip(t *testing.T) {
	sender := newAssemblerChain(3)
	receiver := newAssemblerChain(3)
	txs := compactTxs(6)
	tip, _ := sender.HashAtHeight(2)
	block, err := sender.AssembleBlock(BlockHeader{Hash: hashN(1003), ParentHash: tip, Height: 3}, txs)
	require.NoError(t, err)
	sender.blockTxs[block.Hash] = txs
	sender.blocks[block.Hash] = block
	receiver.mempool = []*Tx{txs[1], txs[3], txs[5]}

	out, ok := NewCompactRelay(sender, nil)
	require.True(t, ok)
	in, ok := NewCompactRelay(receiver, nil)
	require.True(t, ok)
	_, ok = NewCompactRelay(newFakeChain(1), nil)
	require.False(t, ok, "chains without an assembler keep full blocks")

	cb, err := out.Encode(block)
	require.NoError(t, err)
	rebuilt, missing, err := in.Receive("peer-a", cb)
	require.NoError(t, err)
	require.Nil(t, rebuilt)
	require.Equal(t, []int{2, 4}, missing)
	require.Equal(t, 1, in.Pending())

	resp, err := out.Select(block, missing)
	require.NoError(t, err)
	require.Equal(t, []*Tx{txs[2], txs[4]}, resp.Txs)
	_, err = out.Select(block, []int{6})
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = in.Fill("peer-b", resp)
	require.ErrorIs(t, err, ErrInvalidPayload, "only the sender may complete the block")
	rebuilt, err = in.Fill("peer-a", resp)
	require.NoError(t, err)
	require.Equal(t, block, rebuilt)
	require.Zero(t, in.Pending())

	_, err = in.Fill("peer-a", resp)
	require.ErrorIs(t, err, errNoPendingCompact)
}

func TestInventoryRelayUsesCompactBlocks(t *testing.T) {
	chain := newAssemblerChain(3)
	blockHash, _ := chain.HashAtHeight(2)
	txs := compactTxs(3)
	chain.blockTxs[blockHash] = txs
	compact, ok := NewCompactRelay(chain, nil)
	require.True(t, ok)

	transport := newFakeTransport()
	conns := NewConnectionSet()
	conns.Add("peer-a", newFakeConn("peer-a", "peer-a:6001"))
	relay := NewInventoryRelay(transport, conns, chain, nil, nil, InventoryConfig{InvRatePerSecond: -1, Compact: compact})

	req, err := relay.HandleInv(context.Background(), "peer-a", Inv{Objects: []InventoryItem{
		{Type: InvBlock, Hash: hashN(77)},
		{Type: InvTx, Hash: hashN(78)},
	}})
	require.NoError(t, err)
	require.Equal(t, []InventoryItem{{Type: InvCompactBlock, Hash: hashN(77)}, {Type: InvTx, Hash: hashN(78)}}, req.Objects)

	genesis, _ := chain.HashAtHeight(0)
	n, err := relay.HandleGetData(context.Background(), "peer-a", GetData{Objects: []InventoryItem{
		{Type: InvCompactBlock, Hash: blockHash},
		{Type: InvCompactBlock, Hash: genesis},
	}})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	sent := transport.messages("peer-a")
	require.Len(t, sent, 3)
	require.Equal(t, MsgTypeCompactBlock, sent[1].Type)
	var cb CompactBlock
	require.NoError(t, json.Unmarshal(sent[1].Payload, &cb))
	require.Equal(t, blockHash, cb.Header.Hash)
	require.Equal(t, 3, cb.TxCount())
	require.Equal(t, MsgTypeBlock, sent[2].Type, "blocks without a known body fall back to full form")
}

func TestNodeAcceptsCompactBlockFromMempool(t *testing.T) {
	clock := newTestClock()
	chain := newAssemblerChain(3)
	n := newTestNode(t, chain, clock)
	require.NotNil(t, n.compact)

	txs := compactTxs(4)
	chain.mempool = txs[1:]
	tip, _ := chain.HashAtHeight(2)
	cb := BuildCompactBlock(BlockHeader{Hash: hashN(1003), ParentHash: tip, Height: 3}, txs, 11)
	msg, err := NewCompactBlockMessage(cb)
	require.NoError(t, err)

	require.NoError(t, n.onCompactBlock(context.Background(), "peer-a", msg))
	require.True(t, chain.HaveBlock(hashN(1003)))
	stored, _ := chain.GetBlock(hashN(1003))
	want, _ := chain.AssembleBlock(cb.Header, txs)
	require.Equal(t, want.Body, stored.Body)
}

func TestNodeRejectsCompactBlockWithoutAssembler(t *testing.T) {
	n := newTestNode(t, newFakeChain(1), newTestClock())
	msg, err := NewCompactBlockMessage(CompactBlock{Header: BlockHeader{Hash: hashN(1)}})
	require.NoError(t, err)
	require.ErrorIs(t, n.onCompactBlock(context.Background(), "peer-a", msg), ErrInvalidPayload)
}
