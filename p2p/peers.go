package p2p

import (
	"errors"
	"net"
	"sync"
	"time"
)

type PeerStatus int

const (
	PeerDisconnected PeerStatus = iota
	PeerConnecting
	PeerConnected
	PeerFailed
)

func (s PeerStatus) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

var ErrPeerNotConnected = errors.New("peer not connected")

type Peer struct {
	ID       string
	Address  string
	Outbound bool

	mu       sync.Mutex
	status   PeerStatus
	lastSeen time.Time
	conn     net.Conn

	writeMu sync.Mutex
}

func (p *Peer) Status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Peer) setStatus(s PeerStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Send writes msg to the peer. Writes are serialized per peer.
func (p *Peer) Send(msg *Message, timeout time.Duration) error {
	p.mu.Lock()
	conn, status := p.conn, p.status
	p.mu.Unlock()

	if status != PeerConnected || conn == nil {
		return ErrPeerNotConnected
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return WriteMessage(conn, msg)
}

type PeerManager struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	maxPeers int
}

func NewPeerManager(maxPeers int) *PeerManager {
	if maxPeers <= 0 {
		maxPeers = 8
	}
	return &PeerManager{
		peers:    make(map[string]*Peer),
		maxPeers: maxPeers,
	}
}

// AddPeer registers a connection under address. It returns nil when the
// manager is full or the address is already known.
func (pm *PeerManager) AddPeer(address string, conn net.Conn, outbound bool) *Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if len(pm.peers) >= pm.maxPeers {
		return nil
	}
	if _, ok := pm.peers[address]; ok {
		return nil
	}

	peer := &Peer{
		Address:  address,
		Outbound: outbound,
		status:   PeerConnecting,
		lastSeen: time.Now(),
		conn:     conn,
	}
	pm.peers[address] = peer
	return peer
}

func (pm *PeerManager) RemovePeer(address string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, address)
}

func (pm *PeerManager) HasPeer(address string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	_, ok := pm.peers[address]
	return ok
}

func (pm *PeerManager) GetConnectedPeers() []*Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	connectedPeers := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		if p.Status() == PeerConnected {
			connectedPeers = append(connectedPeers, p)
		}
	}
	return connectedPeers
}

func (pm *PeerManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// closeAll closes every peer connection
func (pm *PeerManager) closeAll() {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, p := range pm.peers {
		p.mu.Lock()
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.mu.Unlock()
	}
}
