package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"powchain/blockchain"
)

// BlockProcessor is the consensus side of the node as seen by gossip
type BlockProcessor interface {
	SubmitCandidate(ctx context.Context, block *blockchain.Block, isLocal bool) (blockchain.Outcome, error)
	SubmitTransaction(ctx context.Context, tx blockchain.Transaction) (blockchain.AdmissionResult, error)
	Bootstrap(ctx context.Context, blocks []*blockchain.Block) error
	Chain() ([]*blockchain.Block, error)
	State() blockchain.ChainState
}

// Config holds P2P server configuration
type Config struct {
	Listen    string
	NodeID    string
	MaxPeers  int
	Processor BlockProcessor
	Logger    *zap.Logger

	// SeenWindow is how long gossip message IDs are remembered
	SeenWindow   time.Duration
	WriteTimeout time.Duration

	// OnPeerCountChange is called with the number of registered peers
	OnPeerCountChange func(int)
}

// Server handles P2P networking and message passing
type Server struct {
	config      Config
	listener    net.Listener
	peerManager *PeerManager
	seen        *seenCache
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new P2P server
func NewServer(config Config) (*Server, error) {
	if config.Processor == nil {
		return nil, errors.New("p2p server requires a block processor")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.SeenWindow <= 0 {
		config.SeenWindow = 10 * time.Minute
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	seen, err := newSeenCache(config.SeenWindow)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		peerManager: NewPeerManager(config.MaxPeers),
		seen:        seen,
		logger:      config.Logger.Named("p2p").With(zap.String("node", short(config.NodeID))),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins listening for P2P connections
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}

	s.listener = listener
	s.logger.Info("p2p server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener and every peer connection and waits for the
// connection goroutines to exit.
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.peerManager.closeAll()
	s.wg.Wait()
	if cerr := s.seen.close(); err == nil {
		err = cerr
	}
	return err
}

// Addr is the bound listen address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) NodeID() string {
	return s.config.NodeID
}

// acceptConnections handles incoming peer connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("failed to accept connection", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandlePeerConnection(conn, conn.RemoteAddr().String(), false)
		}()
	}
}

// HandlePeerConnection manages communication with a connected peer until the
// connection drops. address is the key the peer is tracked under.
func (s *Server) HandlePeerConnection(conn net.Conn, address string, outbound bool) {
	defer conn.Close()

	peer := s.peerManager.AddPeer(address, conn, outbound)
	if peer == nil {
		s.logger.Debug("refusing peer", zap.String("addr", address), zap.Int("peers", s.peerManager.Count()))
		return
	}
	defer s.dropPeer(peer)

	peer.setStatus(PeerConnected)
	s.peersChanged()
	s.logger.Info("peer connected", zap.String("addr", address), zap.Bool("outbound", outbound))

	if err := s.sendHandshake(peer); err != nil {
		s.logger.Warn("failed to send handshake", zap.String("addr", address), zap.Error(err))
		return
	}

	s.handleMessages(conn, peer)
}

func (s *Server) dropPeer(peer *Peer) {
	s.peerManager.RemovePeer(peer.Address)
	s.peersChanged()
}

func (s *Server) peersChanged() {
	if s.config.OnPeerCountChange != nil {
		s.config.OnPeerCountChange(s.peerManager.Count())
	}
}

// sendHandshake sends initial handshake to a peer
func (s *Server) sendHandshake(peer *Peer) error {
	handshake := HandshakePayload{
		NodeID:      s.config.NodeID,
		ChainHeight: s.config.Processor.State().Index,
		Version:     ProtocolVersion,
	}

	msg, err := NewMessage(MessageTypeHandshake, s.config.NodeID, handshake)
	if err != nil {
		return err
	}
	return peer.Send(msg, s.config.WriteTimeout)
}

// handleMessages processes incoming messages from a peer
func (s *Server) handleMessages(conn net.Conn, peer *Peer) {
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.ctx.Err() != nil:
				s.logger.Info("peer disconnected", zap.String("addr", peer.Address))
				peer.setStatus(PeerDisconnected)
			default:
				s.logger.Warn("error reading from peer", zap.String("addr", peer.Address), zap.Error(err))
				peer.setStatus(PeerFailed)
			}
			return
		}

		peer.touch()
		if !s.processMessage(msg, peer) {
			return
		}
	}
}

// GetPeerManager returns the peer manager (for testing)
func (s *Server) GetPeerManager() *PeerManager {
	return s.peerManager
}

// BroadcastBlock gossips a locally mined block to every peer
func (s *Server) BroadcastBlock(block *blockchain.Block) int {
	msg, err := NewMessage(MessageTypeNewBlock, s.config.NodeID, NewBlockPayload{Block: block})
	if err != nil {
		s.logger.Error("failed to encode block", zap.Error(err))
		return 0
	}
	s.seen.markSeen(msg.ID)
	return s.relay(msg, "")
}

// BroadcastTransaction gossips a transaction admitted locally
func (s *Server) BroadcastTransaction(tx blockchain.Transaction) int {
	msg, err := NewMessage(MessageTypeNewTx, s.config.NodeID, NewTxPayload{Transaction: tx})
	if err != nil {
		s.logger.Error("failed to encode transaction", zap.Error(err))
		return 0
	}
	s.seen.markSeen(msg.ID)
	return s.relay(msg, "")
}

// relay sends msg to all connected peers except excludeAddr and returns
// how many sends succeeded.
func (s *Server) relay(msg *Message, excludeAddr string) int {
	sent := 0
	for _, peer := range s.peerManager.GetConnectedPeers() {
		if peer.Address == excludeAddr {
			continue
		}
		if err := peer.Send(msg, s.config.WriteTimeout); err != nil {
			s.logger.Debug("relay failed", zap.String("addr", peer.Address), zap.String("type", string(msg.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	s.logger.Debug("relayed message", zap.String("type", string(msg.Type)), zap.String("id", msg.ID), zap.Int("peers", sent))
	return sent
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
