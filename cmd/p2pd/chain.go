package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"swarmnode/p2p"
	"swarmnode/storage"
)

var (
	blockPrefix  = []byte("blk:")
	heightPrefix = []byte("hgt:")
	txPrefix     = []byte("tx:")

	errUnknownParent = errors.New("unknown parent block")
)

// genesisHash is shared by every relay node so they agree on height 0.
var genesisHash = crypto.Keccak256Hash([]byte("swarmnode-genesis"))

// relayChain stores whatever blocks and transactions the swarm relays. It
// checks linkage only: a block is accepted when its parent is known, and the
// best chain is the highest one seen.
type relayChain struct {
	db storage.KV

	mu      sync.RWMutex
	tip     uint64
	tipHash common.Hash
}

func openRelayChain(db storage.KV) (*relayChain, error) {
	c := &relayChain{db: db, tipHash: genesisHash}
	if _, err := db.Get(blockKey(genesisHash)); errors.Is(err, storage.ErrNotFound) {
		if err := c.store(&p2p.Block{Hash: genesisHash}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	err := db.Iterate(heightPrefix, func(key, value []byte) bool {
		h := binary.BigEndian.Uint64(key[len(heightPrefix):])
		if h >= c.tip {
			c.tip = h
			c.tipHash = common.BytesToHash(value)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("load chain index: %w", err)
	}
	return c, nil
}

func blockKey(h common.Hash) []byte  { return append(append([]byte(nil), blockPrefix...), h.Bytes()...) }
func txKey(h common.Hash) []byte     { return append(append([]byte(nil), txPrefix...), h.Bytes()...) }
func heightKey(height uint64) []byte { return binary.BigEndian.AppendUint64(append([]byte(nil), heightPrefix...), height) }

func (c *relayChain) store(b *p2p.Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := c.db.Put(blockKey(b.Hash), raw); err != nil {
		return err
	}
	return c.db.Put(heightKey(b.Height), b.Hash.Bytes())
}

func (c *relayChain) HaveBlock(hash common.Hash) bool {
	_, err := c.db.Get(blockKey(hash))
	return err == nil
}

func (c *relayChain) HaveTx(hash common.Hash) bool {
	_, err := c.db.Get(txKey(hash))
	return err == nil
}

func (c *relayChain) GetBlock(hash common.Hash) (*p2p.Block, bool) {
	raw, err := c.db.Get(blockKey(hash))
	if err != nil {
		return nil, false
	}
	var b p2p.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false
	}
	return &b, true
}

func (c *relayChain) GetTx(hash common.Hash) (*p2p.Tx, bool) {
	raw, err := c.db.Get(txKey(hash))
	if err != nil {
		return nil, false
	}
	return &p2p.Tx{Hash: hash, Body: raw}, true
}

func (c *relayChain) AcceptBlock(_ context.Context, block *p2p.Block) error {
	parent, ok := c.GetBlock(block.ParentHash)
	if !ok {
		return errUnknownParent
	}
	if block.Height != parent.Height+1 {
		return fmt.Errorf("block %s height %d does not follow parent height %d", block.Hash.Hex(), block.Height, parent.Height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(block)
	if err != nil {
		return err
	}
	if err := c.db.Put(blockKey(block.Hash), raw); err != nil {
		return err
	}
	if block.Height > c.tip {
		if err := c.reindex(block); err != nil {
			return err
		}
		c.tip, c.tipHash = block.Height, block.Hash
	}
	return nil
}

// reindex points the height index at block's branch, walking back until it
// meets the previous main chain.
func (c *relayChain) reindex(block *p2p.Block) error {
	cur := block
	for {
		if err := c.db.Put(heightKey(cur.Height), cur.Hash.Bytes()); err != nil {
			return err
		}
		if cur.Height == 0 {
			return nil
		}
		existing, err := c.db.Get(heightKey(cur.Height - 1))
		if err == nil && common.BytesToHash(existing) == cur.ParentHash {
			return nil
		}
		parent, ok := c.GetBlock(cur.ParentHash)
		if !ok {
			return errUnknownParent
		}
		cur = parent
	}
}

func (c *relayChain) AcceptTx(_ context.Context, tx *p2p.Tx) error {
	return c.db.Put(txKey(tx.Hash), tx.Body)
}

func (c *relayChain) Tip() (uint64, common.Hash) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip, c.tipHash
}

func (c *relayChain) HashAtHeight(height uint64) (common.Hash, bool) {
	c.mu.RLock()
	tip := c.tip
	c.mu.RUnlock()
	if height > tip {
		return common.Hash{}, false
	}
	raw, err := c.db.Get(heightKey(height))
	if err != nil {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

// TotalWork treats every block as one unit of work.
func (c *relayChain) TotalWork() string {
	height, _ := c.Tip()
	return uint256.NewInt(height + 1).Dec()
}
