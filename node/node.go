package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"powchain/api"
	"powchain/blockchain"
	"powchain/blockchain/processing"
	"powchain/blockchain/store"
	"powchain/clock"
	"powchain/config"
	"powchain/events"
	"powchain/metrics"
	"powchain/p2p"
)

const shutdownTimeout = 5 * time.Second

// FullNode wires the ledger core to its outer surfaces: storage, gossip,
// the HTTP API and metrics.
type FullNode struct {
	config config.Config
	logger *zap.Logger

	// Core blockchain storage
	store   store.ChainStore
	bus     *events.Bus
	metrics *metrics.Metrics
	keys    *blockchain.KeyPair
	engine  *blockchain.Engine
	ntp     *clock.NTPClock // nil when the system clock is used

	// Consensus actor: pool, chain state and miner
	blockProcessor *processing.BlockProcessor

	// Components (each package handles its own concern)
	p2pServer *p2p.Server    // gossip
	discovery *p2p.Discovery // seed dialing
	apiServer *api.Server

	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewFullNode builds every component from cfg. Nothing listens or mines
// until Start.
func NewFullNode(cfg config.Config, logger *zap.Logger) (*FullNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	keys, err := loadKeys(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = keys.PublicKey
	}
	logger = logger.With(zap.String("node", shortID(cfg.Node.ID)))

	chainStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	var (
		clk      clock.Clock = clock.SystemClock{}
		ntpClock *clock.NTPClock
	)
	if cfg.Clock.NTPServer != "" {
		ntpClock = clock.NewNTPClock(cfg.Clock.NTPServer, cfg.Clock.SyncInterval, logger)
		clk = ntpClock
	}

	bus := events.NewBus()
	m := metrics.New()
	if err := m.Attach(bus, keys.PublicKey); err != nil {
		chainStore.Close()
		return nil, fmt.Errorf("attach metrics: %w", err)
	}

	engine := blockchain.NewEngine(cfg.Chain.Difficulty, cfg.Node.PowBatchSize)
	bp, err := processing.NewBlockProcessor(processing.Config{
		Identity:              keys,
		Engine:                engine,
		Clock:                 clk,
		TxTimestampWindow:     cfg.Chain.TxTimestampWindow,
		EmptyTransactionsWait: cfg.Chain.EmptyTransactionsWait,
		QueueSize:             cfg.Node.QueueSize,
		Genesis:               cfg.Chain.Genesis,
	}, chainStore, bus, logger)
	if err != nil {
		chainStore.Close()
		return nil, err
	}
	m.ChainHeight.Set(float64(bp.State().Index))

	return &FullNode{
		config:         cfg,
		logger:         logger.Named("node"),
		store:          chainStore,
		bus:            bus,
		metrics:        m,
		keys:           keys,
		engine:         engine,
		ntp:            ntpClock,
		blockProcessor: bp,
	}, nil
}

// loadKeys reads the node key, creating it on first start. A relative key
// file lives in the data dir; an empty one yields a throwaway identity.
func loadKeys(cfg config.Config) (*blockchain.KeyPair, error) {
	if cfg.Chain.KeyFile == "" {
		return blockchain.GenerateKeyPair()
	}
	path := cfg.Chain.KeyFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Node.DataDir, path)
	}
	keys, err := blockchain.LoadOrCreateKeyPair(path)
	if err != nil {
		return nil, fmt.Errorf("load node key: %w", err)
	}
	return keys, nil
}

func openStore(cfg config.Config, logger *zap.Logger) (store.ChainStore, error) {
	switch cfg.Node.Store {
	case config.StoreBadger:
		s, err := store.NewBadgerChainStore(filepath.Join(cfg.Node.DataDir, "chain"), logger)
		if err != nil {
			return nil, fmt.Errorf("open chain store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryChainStore(), nil
	}
}

// Start runs the processor and brings up the enabled surfaces. It returns
// once everything is listening; the node runs until Stop or ctx ends.
func (n *FullNode) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		if err := n.blockProcessor.Run(ctx); err != nil {
			n.logger.Error("block processor stopped", zap.Error(err))
		}
	}()

	if n.ntp != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.ntp.Run(ctx)
		}()
	}

	if n.config.P2P.Enabled {
		if err := n.startP2P(ctx); err != nil {
			n.Stop()
			return fmt.Errorf("start p2p: %w", err)
		}
	}

	if n.config.API.Enabled {
		if err := n.startAPI(); err != nil {
			n.Stop()
			return fmt.Errorf("start api: %w", err)
		}
	}

	if n.config.Chain.AutoMine {
		n.wg.Add(1)
		go n.mineWhenSynced(ctx)
	}

	n.logger.Info("full node started",
		zap.String("identity", shortID(n.keys.PublicKey)),
		zap.Uint64("height", n.blockProcessor.State().Index),
		zap.Int("difficulty", n.engine.Difficulty()),
	)
	return nil
}

func (n *FullNode) startP2P(ctx context.Context) error {
	server, err := p2p.NewServer(p2p.Config{
		Listen:    n.config.P2P.Listen,
		NodeID:    n.config.Node.ID,
		MaxPeers:  n.config.P2P.MaxPeers,
		Processor: n.blockProcessor,
		Logger:    n.logger,
		OnPeerCountChange: func(count int) {
			n.metrics.Peers.Set(float64(count))
		},
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	n.p2pServer = server

	// blocks mined here are gossiped; received ones are relayed by p2p itself
	if err := n.bus.SubscribeAsync(events.TopicBlockMined, n.broadcastMined); err != nil {
		return err
	}

	n.discovery = p2p.NewDiscovery(p2p.DiscoveryConfig{
		SeedPeers:      n.config.P2P.Seeds,
		P2PServer:      server,
		RedialInterval: n.config.P2P.RedialInterval,
	})
	n.discovery.Start(ctx)
	return nil
}

func (n *FullNode) broadcastMined(block *blockchain.Block) {
	sent := n.p2pServer.BroadcastBlock(block)
	n.logger.Debug("broadcast mined block", zap.Uint64("index", block.Index), zap.Int("peers", sent))
}

func (n *FullNode) startAPI() error {
	cfg := api.Config{
		Listen:    n.config.API.Listen,
		Processor: n.blockProcessor,
		Store:     n.store,
		Engine:    n.engine,
		Bus:       n.bus,
		Metrics:   n.metrics,
		Logger:    n.logger,
	}
	if n.p2pServer != nil {
		cfg.Broadcaster = n.p2pServer
	}

	server, err := api.NewServer(cfg)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	n.apiServer = server
	return nil
}

// mineWhenSynced starts the miner, waiting first for a chain when the node
// was started without genesis and has not synced from a peer yet.
func (n *FullNode) mineWhenSynced(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := n.blockProcessor.StartMining(ctx)
		if err == nil {
			n.logger.Info("mining started")
			return
		}
		if !errors.Is(err, processing.ErrNoHead) {
			if ctx.Err() == nil {
				n.logger.Error("failed to start mining", zap.Error(err))
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop gracefully shuts down the FullNode
func (n *FullNode) Stop() error {
	var errs []error
	n.stopped.Do(func() {
		n.logger.Info("stopping full node")

		if n.apiServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := n.apiServer.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop api: %w", err))
			}
			cancel()
		}

		if n.cancel != nil {
			n.cancel()
		}
		if n.discovery != nil {
			n.discovery.Wait()
		}
		if n.p2pServer != nil {
			_ = n.bus.Unsubscribe(events.TopicBlockMined, n.broadcastMined)
			if err := n.p2pServer.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop p2p: %w", err))
			}
		}

		n.wg.Wait()
		if n.done != nil {
			<-n.done
		}
		n.bus.WaitAsync()

		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		n.logger.Info("full node stopped")
	})
	return errors.Join(errs...)
}

func (n *FullNode) Processor() *processing.BlockProcessor {
	return n.blockProcessor
}

func (n *FullNode) Store() store.ChainStore {
	return n.store
}

func (n *FullNode) Bus() *events.Bus {
	return n.bus
}

func (n *FullNode) Metrics() *metrics.Metrics {
	return n.metrics
}

// Identity is the node's public key, used as block origin
func (n *FullNode) Identity() string {
	return n.keys.PublicKey
}

// GetP2PServer returns the P2P server, nil when gossip is disabled
func (n *FullNode) GetP2PServer() *p2p.Server {
	return n.p2pServer
}

// GetAPIServer returns the HTTP API server, nil when the API is disabled
func (n *FullNode) GetAPIServer() *api.Server {
	return n.apiServer
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
