package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"powchain/blockchain"
)

var (
	blockPrefix = []byte("b/")
	hashPrefix  = []byte("h/")
	headKey     = []byte("head")
)

// BadgerChainStore keeps the accepted chain on disk so a node resumes from
// its last head after a restart.
type BadgerChainStore struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

// NewBadgerChainStore opens (or creates) a store under dir. An empty dir
// opens an in-memory database.
func NewBadgerChainStore(dir string, logger *zap.Logger) (*BadgerChainStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badgerdb.DefaultOptions(dir).WithLogger(&badgerLogger{logger.Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	return &BadgerChainStore{db: db, logger: logger}, nil
}

func blockKey(index uint64) []byte {
	// zero padded so iteration order is index order
	return append(append([]byte{}, blockPrefix...), fmt.Sprintf("%020d", index)...)
}

func hashKey(hash string) []byte {
	return append(append([]byte{}, hashPrefix...), hash...)
}

func (s *BadgerChainStore) AddBlock(block *blockchain.Block) error {
	if block == nil {
		return errors.New("cannot add nil block")
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", block.Index, err)
	}
	index := []byte(strconv.FormatUint(block.Index, 10))

	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(blockKey(block.Index), data); err != nil {
			return err
		}
		if err := txn.Set(hashKey(blockchain.HashBlock(block)), index); err != nil {
			return err
		}
		return txn.Set(headKey, index)
	})
}

// ReplaceChain swaps the stored chain for blocks in a single transaction, so
// a failure at any point leaves the previous chain in place.
func (s *BadgerChainStore) ReplaceChain(blocks []*blockchain.Block) error {
	type entry struct {
		key   []byte
		index []byte
		hash  string
		data  []byte
	}

	entries := make([]entry, 0, len(blocks))
	for _, block := range blocks {
		if block == nil {
			return errors.New("cannot replace with nil block")
		}
		data, err := json.Marshal(block)
		if err != nil {
			return fmt.Errorf("encode block %d: %w", block.Index, err)
		}
		entries = append(entries, entry{
			key:   blockKey(block.Index),
			index: []byte(strconv.FormatUint(block.Index, 10)),
			hash:  blockchain.HashBlock(block),
			data:  data,
		})
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for _, prefix := range [][]byte{blockPrefix, hashPrefix} {
			if err := deletePrefix(txn, prefix); err != nil {
				return err
			}
		}
		if err := txn.Delete(headKey); err != nil {
			return err
		}

		for _, e := range entries {
			if err := txn.Set(e.key, e.data); err != nil {
				return err
			}
			if err := txn.Set(hashKey(e.hash), e.index); err != nil {
				return err
			}
		}
		if len(entries) > 0 {
			return txn.Set(headKey, entries[len(entries)-1].index)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace chain: %w", err)
	}
	return nil
}

func deletePrefix(txn *badgerdb.Txn, prefix []byte) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerChainStore) GetHeadBlock() (*blockchain.Block, error) {
	var head *blockchain.Block
	err := s.db.View(func(txn *badgerdb.Txn) error {
		index, err := readIndex(txn, headKey)
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		head, err = readBlock(txn, index)
		return err
	})
	if err != nil {
		return nil, err
	}
	return head, nil
}

func (s *BadgerChainStore) GetBlockByIndex(index uint64) (*blockchain.Block, error) {
	var block *blockchain.Block
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		block, err = readBlock(txn, index)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownBlock, index)
	}
	return block, err
}

func (s *BadgerChainStore) GetBlockByHash(hash string) (*blockchain.Block, error) {
	var block *blockchain.Block
	err := s.db.View(func(txn *badgerdb.Txn) error {
		index, err := readIndex(txn, hashKey(hash))
		if err != nil {
			return err
		}
		block, err = readBlock(txn, index)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: hash %s", ErrUnknownBlock, hash)
	}
	return block, err
}

func (s *BadgerChainStore) GetChainHeight() (uint64, error) {
	var height uint64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(blockPrefix); it.ValidForPrefix(blockPrefix); it.Next() {
			height++
		}
		return nil
	})
	return height, err
}

func (s *BadgerChainStore) GetChain() ([]*blockchain.Block, error) {
	blocks := make([]*blockchain.Block, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(blockPrefix); it.ValidForPrefix(blockPrefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var b blockchain.Block
			if err := json.Unmarshal(data, &b); err != nil {
				return fmt.Errorf("decode block %s: %w", it.Item().Key(), err)
			}
			blocks = append(blocks, &b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

func (s *BadgerChainStore) Close() error {
	return s.db.Close()
}

func readIndex(txn *badgerdb.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(raw), 10, 64)
}

func readBlock(txn *badgerdb.Txn, index uint64) (*blockchain.Block, error) {
	item, err := txn.Get(blockKey(index))
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var b blockchain.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", index, err)
	}
	return &b, nil
}

// badgerLogger routes badger's internal logging through zap
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}
