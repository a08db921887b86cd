package processing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"powchain/blockchain"
	"powchain/clock"
)

type MiningState int

const (
	MiningStopped MiningState = iota
	MiningRunning
)

func (s MiningState) String() string {
	switch s {
	case MiningRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Miner tracks the mining run. It is only touched on the actor goroutine.
// Every run gets a new generation so results from a cancelled run can be
// recognised and dropped.
type Miner struct {
	state      MiningState
	generation uint64
	cancel     context.CancelFunc
}

func (m *Miner) State() MiningState {
	return m.state
}

func (m *Miner) Generation() uint64 {
	return m.generation
}

// current reports whether gen is the live run
func (m *Miner) current(gen uint64) bool {
	return m.state == MiningRunning && m.generation == gen
}

// startMining must run on the actor goroutine
func (bp *BlockProcessor) startMining() {
	if bp.miner.state == MiningRunning {
		return
	}
	parent := bp.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	bp.miner.generation++
	bp.miner.state = MiningRunning
	bp.miner.cancel = cancel

	bp.logger.Debug("mining started", zap.Uint64("generation", bp.miner.generation))
	go bp.mine(ctx, bp.miner.generation)
}

// stopMining must run on the actor goroutine
func (bp *BlockProcessor) stopMining() {
	if bp.miner.state != MiningRunning {
		return
	}
	bp.miner.cancel()
	bp.miner.cancel = nil
	bp.miner.state = MiningStopped
	bp.logger.Debug("mining stopped", zap.Uint64("generation", bp.miner.generation))
}

// work is what the actor hands the mining loop for one round
type work struct {
	live bool
	head *blockchain.Block
}

// mine is the mining loop for one generation. It only talks to the actor
// through commands and exits once ctx is cancelled or its generation is
// no longer current.
func (bp *BlockProcessor) mine(ctx context.Context, gen uint64) {
	logger := bp.logger.Named("miner").With(zap.Uint64("generation", gen))

	for {
		if ctx.Err() != nil {
			return
		}

		var w work
		if err := bp.do(ctx, func() { w = bp.nextWork(gen) }); err != nil || !w.live {
			return
		}

		if w.head == nil {
			timer := time.NewTimer(bp.waitDuration())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		parentHash := blockchain.HashBlock(w.head)
		start := time.Now()
		nonce, err := bp.cfg.Engine.Search(ctx, w.head.Proof, parentHash)
		if err != nil {
			logger.Debug("proof search cancelled", zap.Uint64("parent", w.head.Index))
			return
		}
		logger.Debug("proof found",
			zap.Uint64("parent", w.head.Index),
			zap.Uint64("proof", nonce),
			zap.Duration("took", time.Since(start)),
		)

		if err := bp.do(ctx, func() { bp.commitMined(gen, w.head, nonce) }); err != nil {
			return
		}
	}
}

// nextWork runs on the actor. With an empty pool it announces the idle wait
// and returns no head.
func (bp *BlockProcessor) nextWork(gen uint64) work {
	if !bp.miner.current(gen) || bp.state.Head == nil {
		return work{}
	}
	if bp.pool.Len() == 0 {
		bp.bus.PublishEmptyTxMineWait(bp.cfg.EmptyTransactionsWait)
		return work{live: true}
	}
	return work{live: true, head: bp.state.Head}
}

// commitMined runs on the actor. A result from a stale run, or one found on
// a head that has since been replaced, is dropped.
func (bp *BlockProcessor) commitMined(gen uint64, parent *blockchain.Block, proof blockchain.NonceType) {
	if !bp.miner.current(gen) || bp.state.Head != parent {
		bp.logger.Debug("dropping stale proof", zap.Uint64("generation", gen), zap.Uint64("proof", proof))
		return
	}

	now := clock.NowMillis(bp.cfg.Clock)
	reward := blockchain.NewRewardTransaction(bp.cfg.Identity, now)
	if res := bp.admit(reward); !res.Accepted {
		bp.logger.Warn("reward transaction rejected", zap.Strings("failures", res.Failures))
		return
	}

	block, err := blockchain.NewBlock(blockchain.BlockCreationParams{
		State:        bp.state,
		Transactions: bp.pool.Snapshot(),
		Proof:        proof,
		Origin:       bp.identity,
		Timestamp:    now,
	})
	if err != nil {
		bp.logger.Error("failed to assemble block", zap.Error(err))
		return
	}

	bp.bus.PublishBlockMined(block)
	if _, err := bp.evaluate(block, true); err != nil {
		bp.logger.Error("failed to commit mined block", zap.Error(err))
	}
}
