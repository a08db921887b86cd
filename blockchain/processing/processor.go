package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"powchain/blockchain"
	"powchain/blockchain/store"
	"powchain/clock"
	"powchain/events"
)

var (
	ErrNoHead              = errors.New("chain has no head block")
	ErrProcessorStopped    = errors.New("block processor stopped")
	ErrAlreadyBootstrapped = errors.New("chain already has a head block")
)

const DefaultQueueSize = 64

type Config struct {
	// Identity signs reward transactions; its public key is the block origin
	// and the validator name in verdict events.
	Identity *blockchain.KeyPair
	Engine   *blockchain.Engine
	Clock    clock.Clock

	TxTimestampWindow     int64 // ms
	EmptyTransactionsWait int64 // ms
	QueueSize             int

	// Genesis seeds an empty store with the genesis block
	Genesis bool
}

// BlockProcessor is the consensus actor. The pool, the chain state and the
// miner are owned by the goroutine running Run; every other goroutine reaches
// them through commands on a bounded queue, so block acceptances are strictly
// sequential.
type BlockProcessor struct {
	cfg      Config
	identity string
	store    store.ChainStore
	bus      *events.Bus
	logger   *zap.Logger

	cmds    chan func()
	stopped chan struct{}
	once    sync.Once

	// actor owned
	runCtx context.Context
	state  blockchain.ChainState
	pool   *blockchain.Pool
	miner  *Miner

	// read-only mirror refreshed after every command
	viewMu sync.RWMutex
	view   processorView
}

type processorView struct {
	state   blockchain.ChainState
	mining  MiningState
	pending int
}

// NewBlockProcessor restores the head from chainStore, seeding it with the
// genesis block when the store is empty and cfg.Genesis is set.
func NewBlockProcessor(cfg Config, chainStore store.ChainStore, bus *events.Bus, logger *zap.Logger) (*BlockProcessor, error) {
	if cfg.Identity == nil {
		return nil, errors.New("processor requires an identity key pair")
	}
	if cfg.Engine == nil {
		cfg.Engine = blockchain.NewEngine(blockchain.DefaultDifficulty, 0)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock{}
	}
	if cfg.TxTimestampWindow <= 0 {
		cfg.TxTimestampWindow = blockchain.DefaultTxTimestampWindow
	}
	if cfg.EmptyTransactionsWait <= 0 {
		cfg.EmptyTransactionsWait = blockchain.DefaultEmptyTransactionsWait
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	head, err := chainStore.GetHeadBlock()
	if err != nil {
		return nil, fmt.Errorf("failed to load chain head: %w", err)
	}
	if head == nil && cfg.Genesis {
		head = blockchain.NewGenesisBlock()
		if err := chainStore.AddBlock(head); err != nil {
			return nil, fmt.Errorf("failed to add genesis block: %w", err)
		}
	}

	bp := &BlockProcessor{
		cfg:      cfg,
		identity: cfg.Identity.PublicKey,
		store:    chainStore,
		bus:      bus,
		logger:   logger.Named("consensus"),
		cmds:     make(chan func(), cfg.QueueSize),
		stopped:  make(chan struct{}),
		state:    blockchain.NewChainState(head),
		pool:     blockchain.NewPool(),
		miner:    &Miner{},
	}
	bp.refreshView()

	if head != nil {
		bp.logger.Info("chain head restored", zap.Uint64("index", head.Index), zap.String("hash", blockchain.HashBlock(head)))
	} else {
		bp.logger.Info("starting without a chain head")
	}
	return bp, nil
}

// Run consumes commands until ctx is cancelled. It must be called exactly once.
func (bp *BlockProcessor) Run(ctx context.Context) error {
	bp.runCtx = ctx
	defer bp.once.Do(func() { close(bp.stopped) })
	defer func() {
		bp.stopMining()
		bp.refreshView()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-bp.cmds:
			cmd()
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish. The view is
// refreshed before do returns. Values captured by fn must not be read when
// do returns an error.
func (bp *BlockProcessor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		fn()
		bp.refreshView()
		close(done)
	}

	select {
	case bp.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-bp.stopped:
		return ErrProcessorStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-bp.stopped:
		return ErrProcessorStopped
	}
}

func (bp *BlockProcessor) Identity() string {
	return bp.identity
}

// SubmitTransaction validates tx against every admission rule and appends it
// to the pool on success. Rejections are reported in the result and on the
// bus, never as an error.
func (bp *BlockProcessor) SubmitTransaction(ctx context.Context, tx blockchain.Transaction) (blockchain.AdmissionResult, error) {
	var res blockchain.AdmissionResult
	err := bp.do(ctx, func() {
		res = bp.admit(tx)
	})
	return res, err
}

func (bp *BlockProcessor) admit(tx blockchain.Transaction) blockchain.AdmissionResult {
	now := clock.NowMillis(bp.cfg.Clock)
	res := bp.pool.Submit(tx, now, bp.cfg.TxTimestampWindow, bp.state.Index+1)
	if !res.Accepted {
		bp.logger.Debug("transaction rejected", zap.Strings("failures", res.Failures))
		bp.bus.PublishTxRejected(tx, res.Failures)
		return res
	}
	bp.bus.PublishTxAccepted(tx)
	return res
}

// SubmitCandidate validates block against the current head and, when it
// links and carries a valid proof, makes it the new head. Local and remote
// candidates take the same path; isLocal only affects logging.
func (bp *BlockProcessor) SubmitCandidate(ctx context.Context, block *blockchain.Block, isLocal bool) (blockchain.Outcome, error) {
	if block == nil {
		return blockchain.Rejected, errors.New("nil candidate block")
	}
	candidate := block.Clone()

	var (
		outcome blockchain.Outcome
		evalErr error
	)
	err := bp.do(ctx, func() {
		outcome, evalErr = bp.evaluate(candidate, isLocal)
	})
	if err != nil {
		return blockchain.Rejected, err
	}
	return outcome, evalErr
}

// evaluate must run on the actor goroutine
func (bp *BlockProcessor) evaluate(block *blockchain.Block, isLocal bool) (blockchain.Outcome, error) {
	wasRunning := bp.miner.State() == MiningRunning
	bp.stopMining()
	if wasRunning {
		defer bp.startMining()
	}

	logger := bp.logger.With(
		zap.Uint64("index", block.Index),
		zap.String("origin", block.Origin),
		zap.Bool("local", isLocal),
	)

	if err := blockchain.ValidateBlock(bp.state.Head, block, bp.cfg.Engine); err != nil {
		logger.Info("block rejected", zap.Error(err))
		bp.bus.PublishBlockRejected(block, bp.identity)
		return blockchain.Rejected, nil
	}

	if err := bp.store.AddBlock(block); err != nil {
		logger.Error("failed to persist block", zap.Error(err))
		return blockchain.Rejected, fmt.Errorf("failed to persist block %d: %w", block.Index, err)
	}

	pruned := bp.pool.Prune(block)
	bp.state = blockchain.NewChainState(block)

	logger.Info("block accepted",
		zap.String("hash", blockchain.HashBlock(block)),
		zap.Int("transactions", len(block.Transactions)),
		zap.Int("pruned", pruned),
	)
	bp.bus.PublishBlockAccepted(block, bp.identity)
	return blockchain.Accepted, nil
}

// Bootstrap installs a chain fetched from a peer on a node that has no head
// yet. The chain must start at genesis and pass ValidateChain.
func (bp *BlockProcessor) Bootstrap(ctx context.Context, blocks []*blockchain.Block) error {
	chain := make([]*blockchain.Block, len(blocks))
	for i, b := range blocks {
		chain[i] = b.Clone()
	}

	var bootErr error
	err := bp.do(ctx, func() {
		bootErr = bp.bootstrap(chain)
	})
	if err != nil {
		return err
	}
	return bootErr
}

func (bp *BlockProcessor) bootstrap(chain []*blockchain.Block) error {
	if bp.state.Head != nil {
		return ErrAlreadyBootstrapped
	}
	if len(chain) == 0 || !blockchain.IsGenesis(chain[0]) {
		return errors.New("chain does not start at the genesis block")
	}
	if err := blockchain.ValidateChain(chain, bp.cfg.Engine); err != nil {
		return fmt.Errorf("invalid chain: %w", err)
	}
	if err := bp.store.ReplaceChain(chain); err != nil {
		return fmt.Errorf("failed to store chain: %w", err)
	}

	for _, b := range chain {
		bp.pool.Prune(b)
	}
	head := chain[len(chain)-1]
	bp.state = blockchain.NewChainState(head)

	bp.logger.Info("chain bootstrapped", zap.Uint64("index", head.Index))
	bp.bus.PublishChainSynced(head)
	return nil
}

// StartMining starts the miner. It is a no-op when already running.
func (bp *BlockProcessor) StartMining(ctx context.Context) error {
	var startErr error
	err := bp.do(ctx, func() {
		if bp.state.Head == nil {
			startErr = ErrNoHead
			return
		}
		bp.startMining()
	})
	if err != nil {
		return err
	}
	return startErr
}

func (bp *BlockProcessor) StopMining(ctx context.Context) error {
	return bp.do(ctx, bp.stopMining)
}

// PendingTransactions returns a copy of the pool in admission order
func (bp *BlockProcessor) PendingTransactions(ctx context.Context) ([]blockchain.Transaction, error) {
	var txs []blockchain.Transaction
	err := bp.do(ctx, func() {
		txs = bp.pool.Snapshot()
	})
	return txs, err
}

func (bp *BlockProcessor) refreshView() {
	bp.viewMu.Lock()
	defer bp.viewMu.Unlock()
	bp.view = processorView{
		state:   bp.state,
		mining:  bp.miner.State(),
		pending: bp.pool.Len(),
	}
}

// State returns the chain state as of the last processed command. The head
// is a copy.
func (bp *BlockProcessor) State() blockchain.ChainState {
	bp.viewMu.RLock()
	defer bp.viewMu.RUnlock()
	st := bp.view.state
	st.Head = st.Head.Clone()
	return st
}

// Head returns a copy of the current head, or nil before genesis
func (bp *BlockProcessor) Head() *blockchain.Block {
	return bp.State().Head
}

func (bp *BlockProcessor) MiningState() MiningState {
	bp.viewMu.RLock()
	defer bp.viewMu.RUnlock()
	return bp.view.mining
}

func (bp *BlockProcessor) PendingCount() int {
	bp.viewMu.RLock()
	defer bp.viewMu.RUnlock()
	return bp.view.pending
}

// Chain returns the persisted chain starting at genesis
func (bp *BlockProcessor) Chain() ([]*blockchain.Block, error) {
	return bp.store.GetChain()
}

func (bp *BlockProcessor) waitDuration() time.Duration {
	return time.Duration(bp.cfg.EmptyTransactionsWait) * time.Millisecond
}
