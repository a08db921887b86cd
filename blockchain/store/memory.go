package store

import (
	"errors"
	"fmt"
	"sync"

	"powchain/blockchain"
)

type MemoryChainStore struct {
	blocks []*blockchain.Block
	byHash map[string]int
	mu     sync.RWMutex
}

func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{
		blocks: make([]*blockchain.Block, 0),
		byHash: make(map[string]int),
	}
}

func (m *MemoryChainStore) AddBlock(block *blockchain.Block) error {
	if block == nil {
		return errors.New("cannot add nil block")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendUnsafe(block)
	return nil
}

// appendUnsafe must be called with the write lock held
func (m *MemoryChainStore) appendUnsafe(block *blockchain.Block) {
	m.byHash[blockchain.HashBlock(block)] = len(m.blocks)
	m.blocks = append(m.blocks, block)
}

// ReplaceChain atomically replaces the entire chain - used after validation on copy
func (m *MemoryChainStore) ReplaceChain(blocks []*blockchain.Block) error {
	next := make([]*blockchain.Block, 0, len(blocks))
	byHash := make(map[string]int, len(blocks))
	for _, b := range blocks {
		if b == nil {
			return errors.New("cannot replace with nil block")
		}
		byHash[blockchain.HashBlock(b)] = len(next)
		next = append(next, b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = next
	m.byHash = byHash
	return nil
}

func (m *MemoryChainStore) GetHeadBlock() (*blockchain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Not returning an err as nil checks on this is valid
	if len(m.blocks) < 1 {
		return nil, nil
	}

	return m.blocks[len(m.blocks)-1], nil
}

func (m *MemoryChainStore) GetBlockByIndex(index uint64) (*blockchain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.blocks {
		if b.Index == index {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: index %d", ErrUnknownBlock, index)
}

func (m *MemoryChainStore) GetBlockByHash(hash string) (*blockchain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: hash %s", ErrUnknownBlock, hash)
	}
	return m.blocks[i], nil
}

func (m *MemoryChainStore) GetChainHeight() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.blocks)), nil
}

func (m *MemoryChainStore) GetChain() ([]*blockchain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*blockchain.Block, len(m.blocks))
	copy(out, m.blocks)
	return out, nil
}

func (m *MemoryChainStore) Close() error {
	return nil
}
