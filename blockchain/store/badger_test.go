package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"powchain/blockchain"
	"powchain/mocks"
)

func TestBadgerChainStore(t *testing.T) {
	store, err := NewBadgerChainStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	runChainStoreSuite(t, store)
}

func TestBadgerChainStoreInMemory(t *testing.T) {
	store, err := NewBadgerChainStore("", nil)
	require.NoError(t, err)
	defer store.Close()

	runChainStoreSuite(t, store)
}

func TestBadgerChainStoreReopen(t *testing.T) {
	dir := t.TempDir()
	engine := blockchain.NewEngine(1, 0)
	chain := mocks.GeneratePrebuiltChain(engine, 2, 2, 1)

	store, err := NewBadgerChainStore(dir, nil)
	require.NoError(t, err)
	for _, b := range chain {
		require.NoError(t, store.AddBlock(b))
	}
	require.NoError(t, store.Close())

	reopened, err := NewBadgerChainStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	head, err := reopened.GetHeadBlock()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, blockchain.HashBlock(chain[len(chain)-1]), blockchain.HashBlock(head))

	got, err := reopened.GetChain()
	require.NoError(t, err)
	assert.True(t, blockchain.ValidChain(got, engine))
}

func TestBlockKeysSortByIndex(t *testing.T) {
	assert.Less(t, string(blockKey(9)), string(blockKey(10)))
	assert.Less(t, string(blockKey(99)), string(blockKey(100)))
}
