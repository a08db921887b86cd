package store

import (
	"errors"

	"powchain/blockchain"
)

// ErrUnknownBlock is returned when no block matches an index or hash
var ErrUnknownBlock = errors.New("unknown block")

// ChainStore persists accepted blocks. Validation is the caller's job; a
// store appends whatever it is given.
type ChainStore interface {

	// Update/Add/Put
	AddBlock(block *blockchain.Block) error
	ReplaceChain(blocks []*blockchain.Block) error

	// Getters
	GetHeadBlock() (*blockchain.Block, error)
	GetBlockByIndex(index uint64) (*blockchain.Block, error)
	GetBlockByHash(hash string) (*blockchain.Block, error)
	GetChainHeight() (uint64, error)
	GetChain() ([]*blockchain.Block, error)

	Close() error
}
