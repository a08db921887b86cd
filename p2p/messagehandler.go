package p2p

import (
	"time"

	"go.uber.org/zap"

	"powchain/blockchain"
)

// processMessage handles one inbound message. It returns false when the
// connection should be closed.
func (s *Server) processMessage(msg *Message, peer *Peer) bool {
	switch msg.Type {
	case MessageTypeHandshake:
		return s.handleHandshake(msg, peer)
	case MessageTypeNewBlock:
		s.handleNewBlock(msg, peer)
	case MessageTypeNewTx:
		s.handleNewTransaction(msg, peer)
	case MessageTypeRequestChain:
		s.handleRequestChain(peer)
	case MessageTypeChain:
		s.handleChain(msg, peer)
	case MessageTypePing:
		pong, err := NewMessage(MessageTypePong, s.config.NodeID, PingPayload{Timestamp: time.Now().UnixMilli()})
		if err == nil {
			_ = peer.Send(pong, s.config.WriteTimeout)
		}
	case MessageTypePong:
	default:
		s.logger.Debug("unknown message type", zap.String("type", string(msg.Type)), zap.String("addr", peer.Address))
	}
	return true
}

func (s *Server) handleHandshake(msg *Message, peer *Peer) bool {
	var handshake HandshakePayload
	if err := msg.ParsePayload(&handshake); err != nil {
		s.logger.Warn("failed to parse handshake", zap.String("addr", peer.Address), zap.Error(err))
		return false
	}

	if handshake.NodeID == s.config.NodeID {
		s.logger.Debug("dropping connection to self", zap.String("addr", peer.Address))
		return false
	}
	peer.ID = handshake.NodeID

	s.logger.Info("handshake",
		zap.String("peer", short(handshake.NodeID)),
		zap.Uint64("height", handshake.ChainHeight),
		zap.String("version", handshake.Version),
	)

	// a node with no head syncs the whole chain from the first peer that has one
	if s.config.Processor.State().Head == nil && handshake.ChainHeight > 0 {
		req, err := NewMessage(MessageTypeRequestChain, s.config.NodeID, struct{}{})
		if err == nil {
			if err := peer.Send(req, s.config.WriteTimeout); err != nil {
				s.logger.Warn("failed to request chain", zap.String("addr", peer.Address), zap.Error(err))
			}
		}
	}
	return true
}

// gossipAccepted applies the dedupe and feedback-loop checks shared by
// every gossiped message type.
func (s *Server) gossipAccepted(msg *Message) bool {
	if msg.ID == "" || !s.seen.markSeen(msg.ID) {
		return false
	}
	return msg.Origin != s.config.NodeID
}

func (s *Server) handleNewBlock(msg *Message, peer *Peer) {
	if !s.gossipAccepted(msg) {
		return
	}

	var payload NewBlockPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.Block == nil {
		s.logger.Warn("failed to parse new block", zap.String("addr", peer.Address), zap.Error(err))
		return
	}

	outcome, err := s.config.Processor.SubmitCandidate(s.ctx, payload.Block, false)
	if err != nil {
		s.logger.Warn("failed to process block", zap.Uint64("index", payload.Block.Index), zap.Error(err))
		return
	}
	s.logger.Debug("received block",
		zap.Uint64("index", payload.Block.Index),
		zap.String("from", peer.Address),
		zap.Stringer("outcome", outcome),
	)

	if outcome == blockchain.Accepted {
		s.relay(msg, peer.Address)
	}
}

func (s *Server) handleNewTransaction(msg *Message, peer *Peer) {
	if !s.gossipAccepted(msg) {
		return
	}

	var payload NewTxPayload
	if err := msg.ParsePayload(&payload); err != nil {
		s.logger.Warn("failed to parse transaction", zap.String("addr", peer.Address), zap.Error(err))
		return
	}

	res, err := s.config.Processor.SubmitTransaction(s.ctx, payload.Transaction)
	if err != nil {
		s.logger.Warn("failed to submit transaction", zap.Error(err))
		return
	}
	if res.Accepted {
		s.relay(msg, peer.Address)
	}
}

func (s *Server) handleRequestChain(peer *Peer) {
	chain, err := s.config.Processor.Chain()
	if err != nil {
		s.logger.Error("failed to load chain for peer", zap.Error(err))
		return
	}

	msg, err := NewMessage(MessageTypeChain, s.config.NodeID, ChainPayload{Blocks: chain})
	if err != nil {
		s.logger.Error("failed to encode chain", zap.Error(err))
		return
	}
	if err := peer.Send(msg, s.config.WriteTimeout); err != nil {
		s.logger.Warn("failed to send chain", zap.String("addr", peer.Address), zap.Error(err))
	}
}

func (s *Server) handleChain(msg *Message, peer *Peer) {
	var payload ChainPayload
	if err := msg.ParsePayload(&payload); err != nil {
		s.logger.Warn("failed to parse chain", zap.String("addr", peer.Address), zap.Error(err))
		return
	}

	if err := s.config.Processor.Bootstrap(s.ctx, payload.Blocks); err != nil {
		s.logger.Info("chain from peer not installed", zap.String("addr", peer.Address), zap.Error(err))
		return
	}
	s.logger.Info("chain synced from peer", zap.String("addr", peer.Address), zap.Int("blocks", len(payload.Blocks)))
}
