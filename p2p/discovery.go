package p2p

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DiscoveryConfig holds configuration for peer discovery
type DiscoveryConfig struct {
	SeedPeers      []string
	P2PServer      *Server
	RedialInterval time.Duration
	DialTimeout    time.Duration
	// MinPeers triggers a redial of the seeds when fewer peers are connected
	MinPeers int
}

// Discovery dials the seed peers and keeps redialing them while the node
// is short of connections.
type Discovery struct {
	config DiscoveryConfig
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewDiscovery creates a new discovery service
func NewDiscovery(config DiscoveryConfig) *Discovery {
	if config.RedialInterval <= 0 {
		config.RedialInterval = 30 * time.Second
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.MinPeers <= 0 {
		config.MinPeers = 2
	}
	return &Discovery{
		config: config,
		logger: config.P2PServer.logger.Named("discovery"),
	}
}

// Start begins peer discovery. It returns immediately; discovery stops
// when ctx is cancelled.
func (d *Discovery) Start(ctx context.Context) {
	d.logger.Info("starting peer discovery", zap.Int("seeds", len(d.config.SeedPeers)))

	d.connectToSeeds(ctx)

	d.wg.Add(1)
	go d.periodicDiscovery(ctx)
}

// Wait blocks until the discovery loop has exited
func (d *Discovery) Wait() {
	d.wg.Wait()
}

// connectToSeeds dials every seed that is not already a peer
func (d *Discovery) connectToSeeds(ctx context.Context) {
	for _, seedAddr := range d.config.SeedPeers {
		if d.config.P2PServer.GetPeerManager().HasPeer(seedAddr) {
			continue
		}
		go d.connectToPeer(ctx, seedAddr)
	}
}

// connectToPeer dials address and hands the connection to the server
func (d *Discovery) connectToPeer(ctx context.Context, address string) {
	dialer := net.Dialer{Timeout: d.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		d.logger.Debug("failed to connect to peer", zap.String("addr", address), zap.Error(err))
		return
	}
	d.config.P2PServer.HandlePeerConnection(conn, address, true)
}

func (d *Discovery) periodicDiscovery(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RedialInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		connected := d.config.P2PServer.GetPeerManager().GetConnectedPeers()
		if len(connected) < d.config.MinPeers {
			d.logger.Debug("few peers connected, redialing seeds", zap.Int("connected", len(connected)))
			d.connectToSeeds(ctx)
		}
	}
}
