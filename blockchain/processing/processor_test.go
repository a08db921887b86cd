package processing

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"powchain/blockchain"
	"powchain/blockchain/store"
	"powchain/events"
	"powchain/mocks"
)

const (
	testWait    = 20
	testTimeout = 10 * time.Second
)

type testNode struct {
	bp     *BlockProcessor
	bus    *events.Bus
	store  store.ChainStore
	keys   *blockchain.KeyPair
	engine *blockchain.Engine
	done   chan struct{}
	cancel context.CancelFunc
}

func newTestConfig() Config {
	return Config{
		Identity:              mocks.GenerateKeyPair(),
		Engine:                blockchain.NewEngine(1, 0),
		EmptyTransactionsWait: testWait,
		Genesis:               true,
	}
}

func startTestNode(t *testing.T, cfg Config, chainStore store.ChainStore) *testNode {
	t.Helper()
	if chainStore == nil {
		chainStore = store.NewMemoryChainStore()
	}
	bus := events.NewBus()

	// miner goroutines may still log briefly after the test returns
	bp, err := NewBlockProcessor(cfg, chainStore, bus, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n := &testNode{
		bp:     bp,
		bus:    bus,
		store:  chainStore,
		keys:   cfg.Identity,
		engine: cfg.Engine,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(n.done)
		_ = bp.Run(ctx)
	}()
	t.Cleanup(n.stop)
	return n
}

func (n *testNode) stop() {
	n.cancel()
	<-n.done
}

// capture collects payloads published on topic. The handler never blocks
// the publishing actor.
func capture[T any](t *testing.T, bus *events.Bus, topic string) <-chan T {
	t.Helper()
	ch := make(chan T, 256)
	require.NoError(t, bus.Subscribe(topic, func(v T) {
		select {
		case ch <- v:
		default:
		}
	}))
	return ch
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestSubmitTransactionPublishesExactTransaction(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)
	accepted := capture[blockchain.Transaction](t, n.bus, events.TopicTxAccepted)

	tx := mocks.GenerateValidTransaction(mocks.GenerateKeyPair(), mocks.GenerateKeyPair().PublicKey, 10)
	res, err := n.bp.SubmitTransaction(context.Background(), tx)
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, uint64(2), res.Index, "lands in the block after genesis")
	assert.Empty(t, res.Failures)
	assert.Equal(t, tx, waitFor(t, accepted))
	assert.Equal(t, 1, n.bp.PendingCount())
}

func TestSubmitUnsignedTransactionIsRejected(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)
	rejected := capture[events.TxRejected](t, n.bus, events.TopicTxRejected)

	tx := blockchain.Transaction{
		Sender:    mocks.GenerateKeyPair().PublicKey,
		Recipient: mocks.GenerateKeyPair().PublicKey,
		Amount:    10,
		Timestamp: time.Now().UnixMilli(),
	}
	res, err := n.bp.SubmitTransaction(context.Background(), tx)
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	require.NotEmpty(t, res.Failures)
	assert.Equal(t, blockchain.FailureSignature, res.Failures[0])

	ev := waitFor(t, rejected)
	assert.Equal(t, tx, ev.Transaction)
	assert.Equal(t, res.Failures, ev.Failures)
	assert.Zero(t, n.bp.PendingCount())
}

func TestSubmitTransactionRejectsDuplicate(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)
	tx := mocks.GenerateValidTransaction(mocks.GenerateKeyPair(), mocks.GenerateKeyPair().PublicKey, 5)

	first, err := n.bp.SubmitTransaction(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := n.bp.SubmitTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, []string{blockchain.FailureDuplicate}, second.Failures)
	assert.Equal(t, 1, n.bp.PendingCount())
}

func TestSubmitCandidateAcceptsLinkedBlock(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)
	verdicts := capture[events.BlockVerdict](t, n.bus, events.TopicBlockAccepted)

	tx := mocks.GenerateValidTransaction(mocks.GenerateKeyPair(), mocks.GenerateKeyPair().PublicKey, 7)
	other := mocks.GenerateValidTransaction(mocks.GenerateKeyPair(), mocks.GenerateKeyPair().PublicKey, 8)
	for _, pending := range []blockchain.Transaction{tx, other} {
		res, err := n.bp.SubmitTransaction(context.Background(), pending)
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	remoteMiner := mocks.GenerateKeyPair()
	block, err := mocks.GenerateValidMinedBlock(n.engine, n.bp.Head(), remoteMiner, []blockchain.Transaction{tx})
	require.NoError(t, err)

	outcome, err := n.bp.SubmitCandidate(context.Background(), block, false)
	require.NoError(t, err)
	assert.Equal(t, blockchain.Accepted, outcome)

	v := waitFor(t, verdicts)
	assert.Equal(t, n.keys.PublicKey, v.Validator)
	assert.Equal(t, blockchain.HashBlock(block), blockchain.HashBlock(v.Block))

	state := n.bp.State()
	assert.Equal(t, uint64(2), state.Index)
	assert.Equal(t, blockchain.HashBlock(block), blockchain.HashBlock(state.Head))

	pending, err := n.bp.PendingTransactions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []blockchain.Transaction{other}, pending, "only the included transaction is pruned")

	chain, err := n.bp.Chain()
	require.NoError(t, err)
	assert.Len(t, chain, 2)
	assert.True(t, blockchain.ValidChain(chain, n.engine))
}

func TestSubmitCandidateRejectsUnlinkedBlock(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)
	verdicts := capture[events.BlockVerdict](t, n.bus, events.TopicBlockRejected)

	tx := mocks.GenerateValidTransaction(mocks.GenerateKeyPair(), mocks.GenerateKeyPair().PublicKey, 7)
	_, err := n.bp.SubmitTransaction(context.Background(), tx)
	require.NoError(t, err)

	before := n.bp.Head()
	bad := mocks.GenerateInvalidBlock(before)
	bad.Transactions = []blockchain.Transaction{tx}

	outcome, err := n.bp.SubmitCandidate(context.Background(), bad, false)
	require.NoError(t, err)
	assert.Equal(t, blockchain.Rejected, outcome)

	v := waitFor(t, verdicts)
	assert.Equal(t, n.keys.PublicKey, v.Validator)
	assert.Equal(t, bad.PreviousHash, v.Block.PreviousHash)

	assert.Equal(t, blockchain.HashBlock(before), blockchain.HashBlock(n.bp.Head()), "head unchanged")
	assert.Equal(t, 1, n.bp.PendingCount(), "rejection never prunes")
}

func TestSubmitCandidateRejectsBadProof(t *testing.T) {
	cfg := newTestConfig()
	cfg.Engine = blockchain.NewEngine(3, 0)
	n := startTestNode(t, cfg, nil)

	block, err := mocks.GenerateValidMinedBlock(n.engine, n.bp.Head(), mocks.GenerateKeyPair(), nil)
	require.NoError(t, err)
	for n.engine.Verify(block.Proof, blockchain.GenesisProof, block.PreviousHash) {
		block.Proof++
	}

	outcome, err := n.bp.SubmitCandidate(context.Background(), block, false)
	require.NoError(t, err)
	assert.Equal(t, blockchain.Rejected, outcome)
	assert.Equal(t, uint64(1), n.bp.State().Index)
}

func TestSubmitCandidateRejectsWrongIndex(t *testing.T) {
	for _, index := range []uint64{0, 1, 3, 100} {
		t.Run(fmt.Sprintf("index %d", index), func(t *testing.T) {
			n := startTestNode(t, newTestConfig(), nil)
			genesis := n.bp.Head()

			block, err := mocks.GenerateValidMinedBlock(n.engine, genesis, mocks.GenerateKeyPair(), nil)
			require.NoError(t, err)
			block.Index = index

			outcome, err := n.bp.SubmitCandidate(context.Background(), block, false)
			require.NoError(t, err)
			assert.Equal(t, blockchain.Rejected, outcome)
			assert.Equal(t, uint64(1), n.bp.State().Index)
			assert.Equal(t, blockchain.HashBlock(genesis), blockchain.HashBlock(n.bp.Head()))
		})
	}
}

func TestWrongIndexCandidateLeavesBadgerGenesisIntact(t *testing.T) {
	chainStore, err := store.NewBadgerChainStore("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { chainStore.Close() })

	n := startTestNode(t, newTestConfig(), chainStore)
	rejected := capture[events.BlockVerdict](t, n.bus, events.TopicBlockRejected)

	block, err := mocks.GenerateValidMinedBlock(n.engine, n.bp.Head(), mocks.GenerateKeyPair(), nil)
	require.NoError(t, err)
	block.Index = blockchain.GenesisBlock.Index

	outcome, err := n.bp.SubmitCandidate(context.Background(), block, false)
	require.NoError(t, err)
	assert.Equal(t, blockchain.Rejected, outcome)
	waitFor(t, rejected)

	chain, err := chainStore.GetChain()
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.True(t, blockchain.IsGenesis(chain[0]))

	// the correctly indexed block is still accepted afterwards
	block.Index = blockchain.GenesisBlock.Index + 1
	outcome, err = n.bp.SubmitCandidate(context.Background(), block, false)
	require.NoError(t, err)
	assert.Equal(t, blockchain.Accepted, outcome)

	chain, err = chainStore.GetChain()
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, blockchain.IsGenesis(chain[0]))
	assert.True(t, blockchain.ValidChain(chain, n.engine))
}

func TestSubmitTransactionRejectsExtremeTimestamps(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)
	sender := mocks.GenerateKeyPair()

	for _, ts := range []int64{math.MinInt64, -1, 0} {
		tx := blockchain.Transaction{
			Sender:    sender.PublicKey,
			Recipient: mocks.GenerateKeyPair().PublicKey,
			Amount:    3,
			Timestamp: ts,
		}
		blockchain.SignTransaction(&tx, sender)

		res, err := n.bp.SubmitTransaction(context.Background(), tx)
		require.NoError(t, err)
		assert.False(t, res.Accepted, "timestamp %d", ts)
		assert.Equal(t, []string{blockchain.FailureTimestamp}, res.Failures, "timestamp %d", ts)
	}
	assert.Zero(t, n.bp.PendingCount())
}

func TestSubmitCandidateAcceptsOwnOriginFromRemote(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)

	// a block signed by our own identity arriving from outside is judged
	// like any other candidate
	block, err := mocks.GenerateValidMinedBlock(n.engine, n.bp.Head(), n.keys, nil)
	require.NoError(t, err)

	outcome, err := n.bp.SubmitCandidate(context.Background(), block, false)
	require.NoError(t, err)
	assert.Equal(t, blockchain.Accepted, outcome)
}

func TestSubmitCandidateRestoresMiningState(t *testing.T) {
	tests := []struct {
		name   string
		mining bool
		valid  bool
	}{
		{"running miner resumes after accept", true, true},
		{"running miner resumes after reject", true, false},
		{"stopped miner stays stopped", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := startTestNode(t, newTestConfig(), nil)
			ctx := context.Background()

			if tt.mining {
				require.NoError(t, n.bp.StartMining(ctx))
			}

			var block *blockchain.Block
			if tt.valid {
				var err error
				block, err = mocks.GenerateValidMinedBlock(n.engine, n.bp.Head(), mocks.GenerateKeyPair(), nil)
				require.NoError(t, err)
			} else {
				block = mocks.GenerateInvalidBlock(n.bp.Head())
			}

			_, err := n.bp.SubmitCandidate(ctx, block, false)
			require.NoError(t, err)

			want := MiningStopped
			if tt.mining {
				want = MiningRunning
			}
			assert.Equal(t, want, n.bp.MiningState())
		})
	}
}

func TestProcessorWithoutHead(t *testing.T) {
	cfg := newTestConfig()
	cfg.Genesis = false
	n := startTestNode(t, cfg, nil)
	ctx := context.Background()
	synced := capture[*blockchain.Block](t, n.bus, events.TopicChainSynced)

	assert.Nil(t, n.bp.Head())
	assert.Equal(t, uint64(0), n.bp.State().Index)
	assert.ErrorIs(t, n.bp.StartMining(ctx), ErrNoHead)
	assert.Equal(t, MiningStopped, n.bp.MiningState())

	chain := mocks.GeneratePrebuiltChain(n.engine, 3, 2, 1)

	outcome, err := n.bp.SubmitCandidate(ctx, chain[1], false)
	require.NoError(t, err)
	assert.Equal(t, blockchain.Rejected, outcome, "nothing to link against")

	t.Run("bootstrap rejects a tampered chain", func(t *testing.T) {
		tampered := make([]*blockchain.Block, len(chain))
		copy(tampered, chain)
		bad := chain[2].Clone()
		bad.PreviousHash = "00"
		tampered[2] = bad
		assert.Error(t, n.bp.Bootstrap(ctx, tampered))
		assert.Nil(t, n.bp.Head())
	})

	t.Run("bootstrap requires genesis", func(t *testing.T) {
		assert.Error(t, n.bp.Bootstrap(ctx, chain[1:]))
	})

	t.Run("bootstrap installs a valid chain", func(t *testing.T) {
		require.NoError(t, n.bp.Bootstrap(ctx, chain))
		assert.Equal(t, chain[3].Index, n.bp.State().Index)
		assert.Equal(t, blockchain.HashBlock(chain[3]), blockchain.HashBlock(n.bp.Head()))

		stored, err := n.bp.Chain()
		require.NoError(t, err)
		assert.Len(t, stored, len(chain))

		head := waitFor(t, synced)
		assert.Equal(t, chain[3].Index, head.Index)
		assert.Len(t, synced, 0, "failed bootstraps publish nothing")
	})

	t.Run("second bootstrap is refused", func(t *testing.T) {
		assert.ErrorIs(t, n.bp.Bootstrap(ctx, chain), ErrAlreadyBootstrapped)
	})
}

func TestRestoresHeadFromStore(t *testing.T) {
	engine := blockchain.NewEngine(1, 0)
	chain := mocks.GeneratePrebuiltChain(engine, 4, 2, 1)

	chainStore := store.NewMemoryChainStore()
	require.NoError(t, chainStore.ReplaceChain(chain))

	cfg := newTestConfig()
	cfg.Engine = engine
	n := startTestNode(t, cfg, chainStore)

	assert.Equal(t, uint64(5), n.bp.State().Index)
	assert.Equal(t, blockchain.HashBlock(chain[4]), blockchain.HashBlock(n.bp.Head()))

	height, err := chainStore.GetChainHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), height, "genesis is not added twice")
}

func TestHeadIsACopy(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)

	head := n.bp.Head()
	head.Proof = 1
	head.Transactions = append(head.Transactions, blockchain.Transaction{Sender: "x"})

	assert.Equal(t, uint64(blockchain.GenesisProof), n.bp.Head().Proof)
	assert.Empty(t, n.bp.Head().Transactions)
}

func TestCommandsFailAfterStop(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)
	n.stop()

	tx := mocks.GenerateValidTransaction(mocks.GenerateKeyPair(), mocks.GenerateKeyPair().PublicKey, 1)
	_, err := n.bp.SubmitTransaction(context.Background(), tx)
	assert.ErrorIs(t, err, ErrProcessorStopped)

	assert.ErrorIs(t, n.bp.StartMining(context.Background()), ErrProcessorStopped)
}

func TestCommandHonoursContext(t *testing.T) {
	n := startTestNode(t, newTestConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// with the queue not yet full the send may win the race, so only a
	// context error or success is acceptable
	_, err := n.bp.SubmitTransaction(ctx, blockchain.Transaction{})
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestNewBlockProcessorRequiresIdentity(t *testing.T) {
	_, err := NewBlockProcessor(Config{}, store.NewMemoryChainStore(), nil, nil)
	assert.Error(t, err)
}
