package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type relayFixture struct {
	relay     *InventoryRelay
	transport *fakeTransport
	conns     *ConnectionSet
	chain     *fakeChain
	rep       *ReputationEngine
}

func newRelayFixture(t *testing.T, peers ...string) relayFixture {
	t.Helper()
	transport := newFakeTransport()
	conns := NewConnectionSet()
	for _, id := range peers {
		conns.Add(id, newFakeConn(id, id+":6001"))
	}
	chain := newFakeChain(3)
	rep := NewReputationEngine(ReputationConfig{})
	relay := NewInventoryRelay(transport, conns, chain, nil, rep, InventoryConfig{InvRatePerSecond: -1})
	return relayFixture{relay: relay, transport: transport, conns: conns, chain: chain, rep: rep}
}

func decodeGetData(t *testing.T, msg Message) GetData {
	t.Helper()
	require.Equal(t, MsgTypeGetData, msg.Type)
	var req GetData
	require.NoError(t, json.Unmarshal(msg.Payload, &req))
	return req
}

func TestAnnounceToPeersSendsEachHashOnce(t *testing.T) {
	f := newRelayFixture(t, "peer-a", "peer-b")
	ctx := context.Background()
	inv := Inv{Objects: []InventoryItem{{Type: InvBlock, Hash: hashN(1)}}}

	n, err := f.relay.AnnounceToPeers(ctx, []string{"peer-a", "peer-b"}, inv)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = f.relay.AnnounceToPeers(ctx, []string{"peer-a", "peer-b"}, inv)
	require.NoError(t, err)
	require.Zero(t, n, "second announce must be suppressed")
	require.Len(t, f.transport.messages("peer-a"), 1)
	require.Len(t, f.transport.messages("peer-b"), 1)

	mixed := Inv{Objects: []InventoryItem{{Type: InvBlock, Hash: hashN(1)}, {Type: InvTx, Hash: hashN(2)}}}
	_, err = f.relay.AnnounceToPeers(ctx, []string{"peer-a"}, mixed)
	require.NoError(t, err)
	sent := f.transport.messages("peer-a")
	require.Len(t, sent, 2)
	var got Inv
	require.NoError(t, json.Unmarshal(sent[1].Payload, &got))
	require.Equal(t, []InventoryItem{{Type: InvTx, Hash: hashN(2)}}, got.Objects)
}

func TestAnnounceToPeersFailureDoesNotMarkAnnounced(t *testing.T) {
	f := newRelayFixture(t, "peer-a", "peer-b")
	ctx := context.Background()
	inv := Inv{Objects: []InventoryItem{{Type: InvBlock, Hash: hashN(7)}}}
	f.transport.failFor("peer-a", errors.New("broken pipe"))

	n, err := f.relay.AnnounceToPeers(ctx, []string{"peer-a", "peer-b", "peer-gone"}, inv)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 1, n, "healthy peer still receives the inv")

	f.transport.failFor("peer-a", nil)
	n, err = f.relay.AnnounceToPeers(ctx, []string{"peer-a"}, inv)
	require.NoError(t, err)
	require.Equal(t, 1, n, "hash should be retried after a failed send")
}

func TestMarkKnownSuppressesEcho(t *testing.T) {
	f := newRelayFixture(t, "peer-a")
	f.relay.MarkKnown("peer-a", hashN(3))
	n, err := f.relay.AnnounceToPeers(context.Background(), []string{"peer-a"},
		Inv{Objects: []InventoryItem{{Type: InvBlock, Hash: hashN(3)}}})
	require.NoError(t, err)
	require.Zero(t, n)

	f.relay.ForgetPeer("peer-a")
	n, err = f.relay.AnnounceToPeers(context.Background(), []string{"peer-a"},
		Inv{Objects: []InventoryItem{{Type: InvBlock, Hash: hashN(3)}}})
	require.NoError(t, err)
	require.Equal(t, 1, n, "forgotten peer starts with an empty set")
}

func TestHandleInvRequestsOnlyMissing(t *testing.T) {
	f := newRelayFixture(t, "peer-a")
	known, _ := f.chain.HashAtHeight(1)
	inv := Inv{Objects: []InventoryItem{
		{Type: InvBlock, Hash: known},
		{Type: InvBlock, Hash: hashN(50)},
		{Type: InvBlock, Hash: hashN(50)},
		{Type: InvTx, Hash: hashN(51)},
	}}
	req, err := f.relay.HandleInv(context.Background(), "peer-a", inv)
	require.NoError(t, err)
	require.Equal(t, []InventoryItem{
		{Type: InvBlock, Hash: hashN(50)},
		{Type: InvTx, Hash: hashN(51)},
	}, req.Objects)

	sent := f.transport.messages("peer-a")
	require.Len(t, sent, 1)
	require.Equal(t, req, decodeGetData(t, sent[0]))

	rec, ok := f.rep.Get("peer-a")
	require.True(t, ok)
	require.EqualValues(t, 1, rec.ValidMessages)
}

func TestHandleInvNothingMissingSendsNothing(t *testing.T) {
	f := newRelayFixture(t, "peer-a")
	known, _ := f.chain.HashAtHeight(0)
	req, err := f.relay.HandleInv(context.Background(), "peer-a",
		Inv{Objects: []InventoryItem{{Type: InvBlock, Hash: known}}})
	require.NoError(t, err)
	require.Empty(t, req.Objects)
	require.Empty(t, f.transport.messages("peer-a"))
}

func TestHandleInvPenalisesMalformedItems(t *testing.T) {
	f := newRelayFixture(t, "peer-a")
	inv := Inv{Objects: []InventoryItem{
		{Type: InvType(99), Hash: hashN(1)},
		{Type: InvBlock, Hash: common.Hash{}},
		{Type: InvBlock, Hash: hashN(60)},
	}}
	req, err := f.relay.HandleInv(context.Background(), "peer-a", inv)
	require.NoError(t, err, "partially valid inv is still served")
	require.Len(t, req.Objects, 1)
	rec, _ := f.rep.Get("peer-a")
	require.EqualValues(t, 1, rec.InvalidMessages)

	_, err = f.relay.HandleInv(context.Background(), "peer-a",
		Inv{Objects: []InventoryItem{{Type: InvType(0), Hash: hashN(2)}}})
	require.True(t, IsInvalidPayload(err))
	rec, _ = f.rep.Get("peer-a")
	require.EqualValues(t, 2, rec.InvalidMessages)
}

func TestHandleInvRateLimited(t *testing.T) {
	transport := newFakeTransport()
	conns := NewConnectionSet()
	conns.Add("peer-a", newFakeConn("peer-a", "a"))
	rep := NewReputationEngine(ReputationConfig{})
	clock := newTestClock()
	relay := NewInventoryRelay(transport, conns, newFakeChain(1), nil, rep,
		InventoryConfig{InvRatePerSecond: 1, InvBurst: 1, Now: clock.Now})

	inv := Inv{Objects: []InventoryItem{{Type: InvTx, Hash: hashN(9)}}}
	_, err := relay.HandleInv(context.Background(), "peer-a", inv)
	require.NoError(t, err)
	_, err = relay.HandleInv(context.Background(), "peer-a", inv)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestHandleGetDataServesAvailable(t *testing.T) {
	f := newRelayFixture(t, "peer-a")
	blockHash, _ := f.chain.HashAtHeight(2)
	f.chain.txs[hashN(70)] = &Tx{Hash: hashN(70), Body: []byte("tx")}

	n, err := f.relay.HandleGetData(context.Background(), "peer-a", GetData{Objects: []InventoryItem{
		{Type: InvBlock, Hash: blockHash},
		{Type: InvCompactBlock, Hash: blockHash},
		{Type: InvTx, Hash: hashN(70)},
		{Type: InvTx, Hash: hashN(71)},
	}})
	require.NoError(t, err)
	require.Equal(t, 3, n, "missing objects are skipped")

	sent := f.transport.messages("peer-a")
	require.Len(t, sent, 3)
	require.Equal(t, MsgTypeBlock, sent[0].Type)
	require.Equal(t, MsgTypeBlock, sent[1].Type, "compact requests are answered with full blocks")
	require.Equal(t, MsgTypeTx, sent[2].Type)
	var block Block
	require.NoError(t, json.Unmarshal(sent[0].Payload, &block))
	require.Equal(t, blockHash, block.Hash)
}

func TestAnnounceWithRoutingUsesRelayTargets(t *testing.T) {
	store := newTestStore(t)
	seedRingPeers(t, store, "eu", []uint32{10, 10, 10, 10}, 0)
	conns := NewConnectionSet()
	for _, p := range store.All() {
		conns.Add(p.NodeID, newFakeConn(p.NodeID, p.Addr()))
	}
	classifier := NewClassifier(store, ClassifierConfig{LocalRegion: "eu", Filter: func(p Peer) bool { return conns.Has(p.NodeID) }})
	transport := newFakeTransport()
	relay := NewInventoryRelay(transport, conns, newFakeChain(1), classifier, nil, InventoryConfig{})

	n, err := relay.AnnounceWithRouting(context.Background(), "eu", 2,
		Inv{Objects: []InventoryItem{{Type: InvBlock, Hash: hashN(5)}}})
	require.NoError(t, err)
	require.Equal(t, 1, n, "inner quota of 2 floors to one peer")
}
