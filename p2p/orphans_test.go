package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func orphanBlock(n int, parent common.Hash, height uint64) *Block {
	return &Block{Hash: hashN(n), ParentHash: parent, Height: height}
}

func TestOrphanAdoptionScenario(t *testing.T) {
	pool := NewOrphanPool(OrphanPoolConfig{})
	b1 := orphanBlock(1, hashN(0), 1)
	b2 := orphanBlock(2, b1.Hash, 2)

	require.True(t, pool.AddOrphan(b2))
	require.False(t, pool.AddOrphan(b2), "duplicate orphan")
	require.True(t, pool.IsOrphan(b2.Hash))
	require.Empty(t, pool.GetChildren(b2.Hash), "nothing waits on the orphan itself")

	// b1 arrives through normal acceptance and is never buffered.
	require.False(t, pool.IsOrphan(b1.Hash))
	children := pool.AdoptChildren(b1.Hash)
	require.Equal(t, []*Block{b2}, children)
	require.Empty(t, pool.AdoptChildren(b1.Hash), "adoption happens exactly once")
	require.False(t, pool.IsOrphan(b2.Hash))
	require.Zero(t, pool.Len())
}

func TestOrphanPoolEvictsOldestWithDescendants(t *testing.T) {
	clock := newTestClock()
	pool := NewOrphanPool(OrphanPoolConfig{Capacity: 3, Now: clock.Now})
	o1 := orphanBlock(1, hashN(100), 5)
	o2 := orphanBlock(2, o1.Hash, 6)
	o3 := orphanBlock(3, hashN(200), 9)
	for _, b := range []*Block{o1, o2, o3} {
		require.True(t, pool.AddOrphan(b))
		clock.Advance(time.Second)
	}
	require.Equal(t, 3, pool.Len())

	o4 := orphanBlock(4, hashN(300), 12)
	require.True(t, pool.AddOrphan(o4))
	require.False(t, pool.IsOrphan(o1.Hash), "oldest evicted")
	require.False(t, pool.IsOrphan(o2.Hash), "child of evicted orphan can never connect")
	require.True(t, pool.IsOrphan(o3.Hash))
	require.True(t, pool.IsOrphan(o4.Hash))
	require.Equal(t, 2, pool.Len())
	require.Empty(t, pool.GetChildren(hashN(100)), "evicted orphan unlinked from its parent")
}

func TestOrphanPoolMissingParents(t *testing.T) {
	pool := NewOrphanPool(OrphanPoolConfig{})
	a := orphanBlock(1, hashN(100), 5)
	b := orphanBlock(2, a.Hash, 6)
	c := orphanBlock(3, hashN(100), 5)
	for _, blk := range []*Block{a, b, c} {
		pool.AddOrphan(blk)
	}
	require.Equal(t, []common.Hash{hashN(100)}, pool.MissingParents())

	got, ok := pool.GetOrphan(b.Hash)
	require.True(t, ok)
	require.Equal(t, b, got)
}

func TestOrphanPoolPruneOld(t *testing.T) {
	clock := newTestClock()
	pool := NewOrphanPool(OrphanPoolConfig{Now: clock.Now})
	old := orphanBlock(1, hashN(100), 5)
	oldChild := orphanBlock(2, old.Hash, 6)
	pool.AddOrphan(old)
	clock.Advance(15 * time.Minute)
	pool.AddOrphan(oldChild)
	fresh := orphanBlock(3, hashN(200), 7)
	pool.AddOrphan(fresh)

	clock.Advance(10 * time.Minute)
	removed := pool.PruneOld(20 * time.Minute)
	require.Equal(t, 2, removed, "expired orphan takes its waiting child with it")
	require.True(t, pool.IsOrphan(fresh.Hash))
	require.Equal(t, 1, pool.Len())
}

func TestProcessBlockConnectsOrphanChain(t *testing.T) {
	chain := newFakeChain(2)
	pool := NewOrphanPool(OrphanPoolConfig{})
	ctx := context.Background()
	_, tip := chain.Tip()

	b2 := orphanBlock(2, tip, 2)
	b3 := orphanBlock(3, b2.Hash, 3)
	b4 := orphanBlock(4, b3.Hash, 4)

	accepted, err := ProcessBlock(ctx, chain, pool, b4)
	require.NoError(t, err)
	require.Empty(t, accepted)
	accepted, err = ProcessBlock(ctx, chain, pool, b3)
	require.NoError(t, err)
	require.Empty(t, accepted)
	require.Equal(t, 2, pool.Len())

	accepted, err = ProcessBlock(ctx, chain, pool, b2)
	require.NoError(t, err)
	require.Equal(t, []*Block{b2, b3, b4}, accepted)
	require.Zero(t, pool.Len())
	height, hash := chain.Tip()
	require.EqualValues(t, 4, height)
	require.Equal(t, b4.Hash, hash)

	accepted, err = ProcessBlock(ctx, chain, pool, b2)
	require.NoError(t, err)
	require.Empty(t, accepted, "known block is ignored")
}

func TestProcessBlockRejectedChildStaysOut(t *testing.T) {
	chain := newFakeChain(1)
	pool := NewOrphanPool(OrphanPoolConfig{})
	ctx := context.Background()
	_, tip := chain.Tip()

	b1 := orphanBlock(1, tip, 1)
	bad := orphanBlock(2, b1.Hash, 2)
	chain.reject[bad.Hash] = errors.New("invalid state root")
	_, err := ProcessBlock(ctx, chain, pool, bad)
	require.NoError(t, err)

	accepted, err := ProcessBlock(ctx, chain, pool, b1)
	require.NoError(t, err)
	require.Equal(t, []*Block{b1}, accepted)
	require.False(t, chain.HaveBlock(bad.Hash))
	require.Zero(t, pool.Len())

	chain.reject[hashN(9)] = errors.New("bad")
	_, err = ProcessBlock(ctx, chain, pool, orphanBlock(9, b1.Hash, 2))
	require.Error(t, err)
	_, err = ProcessBlock(ctx, chain, pool, nil)
	require.True(t, IsInvalidPayload(err))
}

func TestSeenFilter(t *testing.T) {
	filter := NewSeenFilter(2)
	require.True(t, filter.Observe(hashN(1)))
	require.False(t, filter.Observe(hashN(1)))
	require.True(t, filter.Observe(hashN(2)))
	require.True(t, filter.Observe(hashN(3)))
	require.Equal(t, 2, filter.Len())
	require.False(t, filter.Seen(hashN(1)), "least recently used hash dropped at capacity")
	require.True(t, filter.Seen(hashN(3)))
}

func TestFailureTracker(t *testing.T) {
	tracker := NewFailureTracker(0, 0)
	now := time.Unix(1_000, 0)
	for i := 1; i < defaultMaxFailures; i++ {
		require.Equal(t, i, tracker.RecordFailure("p", now))
		require.False(t, tracker.ShouldSkip("p", now))
	}
	require.Equal(t, defaultMaxFailures, tracker.RecordFailure("p", now))
	require.True(t, tracker.ShouldSkip("p", now))

	later := now.Add(defaultFailureResetWindow + time.Second)
	require.False(t, tracker.ShouldSkip("p", later), "window lapsed")
	require.Zero(t, tracker.Len(), "stale entry pruned on check")

	tracker.RecordFailure("q", now)
	require.Equal(t, 1, tracker.RecordFailure("q", later), "count restarts after the window")
	tracker.RecordFailure("r", now)
	require.Equal(t, 1, tracker.Cleanup(later))
	tracker.Reset("q")
	require.Zero(t, tracker.Len())
}
