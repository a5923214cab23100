package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"swarmnode/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func hashN(n int) common.Hash {
	return common.BytesToHash([]byte{0xee, byte(n >> 16), byte(n >> 8), byte(n)})
}

func newTestStore(t *testing.T) *PeerStore {
	t.Helper()
	store, err := NewPeerStore(storage.NewMemDB(), PeerStoreConfig{})
	if err != nil {
		t.Fatalf("new peer store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func rtt(ms uint32) *uint32 { return &ms }

type fakeConn struct {
	info   HandshakeInfo
	addr   string
	mu     sync.Mutex
	closed bool
}

func newFakeConn(id, addr string) *fakeConn {
	return &fakeConn{info: HandshakeInfo{NodeID: id}, addr: addr}
}

func (c *fakeConn) Handshake() HandshakeInfo { return c.info }
func (c *fakeConn) RemoteAddr() string       { return c.addr }

func (c *fakeConn) Receive(ctx context.Context) (Message, error) {
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][]Message
	fail map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]Message), fail: make(map[string]error)}
}

func (t *fakeTransport) Connect(ctx context.Context, addr string) (Connection, error) {
	return nil, fmt.Errorf("connect %s: not supported", addr)
}

func (t *fakeTransport) Send(ctx context.Context, conn Connection, msg Message) error {
	id := conn.Handshake().NodeID
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail[id]; err != nil {
		return err
	}
	t.sent[id] = append(t.sent[id], msg)
	return nil
}

func (t *fakeTransport) failFor(id string, err error) {
	t.mu.Lock()
	t.fail[id] = err
	t.mu.Unlock()
}

func (t *fakeTransport) messages(id string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sent[id]...)
}

type fakeChain struct {
	mu       sync.Mutex
	blocks   map[common.Hash]*Block
	txs      map[common.Hash]*Tx
	heights  []common.Hash
	accepted []common.Hash
	reject   map[common.Hash]error
}

// newFakeChain builds a linear chain of length blocks starting at genesis.
func newFakeChain(length int) *fakeChain {
	c := &fakeChain{
		blocks: make(map[common.Hash]*Block),
		txs:    make(map[common.Hash]*Tx),
		reject: make(map[common.Hash]error),
	}
	parent := common.Hash{}
	for h := 0; h < length; h++ {
		b := &Block{Hash: hashN(1000 + h), ParentHash: parent, Height: uint64(h)}
		c.blocks[b.Hash] = b
		c.heights = append(c.heights, b.Hash)
		parent = b.Hash
	}
	return c
}

func (c *fakeChain) HaveBlock(hash common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocks[hash]
	return ok
}

func (c *fakeChain) HaveTx(hash common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.txs[hash]
	return ok
}

func (c *fakeChain) GetBlock(hash common.Hash) (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[hash]
	return b, ok
}

func (c *fakeChain) GetTx(hash common.Hash) (*Tx, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	return tx, ok
}

func (c *fakeChain) AcceptBlock(ctx context.Context, block *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reject[block.Hash]; err != nil {
		return err
	}
	if _, ok := c.blocks[block.ParentHash]; !ok && block.Height > 0 {
		return errors.New("unknown parent")
	}
	c.blocks[block.Hash] = block
	c.accepted = append(c.accepted, block.Hash)
	if int(block.Height) == len(c.heights) {
		c.heights = append(c.heights, block.Hash)
	}
	return nil
}

func (c *fakeChain) AcceptTx(ctx context.Context, tx *Tx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[tx.Hash] = tx
	return nil
}

func (c *fakeChain) Tip() (uint64, common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.heights) == 0 {
		return 0, common.Hash{}
	}
	return uint64(len(c.heights) - 1), c.heights[len(c.heights)-1]
}

func (c *fakeChain) HashAtHeight(height uint64) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height >= uint64(len(c.heights)) {
		return common.Hash{}, false
	}
	return c.heights[height], true
}

func (c *fakeChain) acceptedHashes() []common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]common.Hash(nil), c.accepted...)
}

// fakeDialer registers a fakeConn for every address it is told succeeds.
type fakeDialer struct {
	mu      sync.Mutex
	conns   *ConnectionSet
	succeed map[string]HandshakeInfo
	calls   []string
	// failUntil makes the first n dials of an address fail.
	failUntil map[string]int
}

func newFakeDialer(conns *ConnectionSet) *fakeDialer {
	return &fakeDialer{
		conns:     conns,
		succeed:   make(map[string]HandshakeInfo),
		failUntil: make(map[string]int),
	}
}

func (d *fakeDialer) accept(addr string, info HandshakeInfo) {
	d.mu.Lock()
	d.succeed[addr] = info
	d.mu.Unlock()
}

func (d *fakeDialer) DialPeer(ctx context.Context, addr string) (HandshakeInfo, error) {
	d.mu.Lock()
	d.calls = append(d.calls, addr)
	info, ok := d.succeed[addr]
	if remaining := d.failUntil[addr]; remaining > 0 {
		d.failUntil[addr] = remaining - 1
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		return HandshakeInfo{}, fmt.Errorf("dial %s: connection refused", addr)
	}
	d.conns.Add(info.NodeID, newFakeConn(info.NodeID, addr))
	return info, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// setReputationScore moves id straight to score, refreshing the derived tier.
func setReputationScore(rep *ReputationEngine, id string, score int) {
	rep.update(id, func(r *ReputationRecord) { r.adjust(score - r.Score) })
}
