package p2p

import (
	"testing"
	"time"
)

func TestPeerManagerAddPeer(t *testing.T) {
	pm := NewPeerManager(2)

	if p := pm.AddPeer("127.0.0.1:1", nil, true); p == nil {
		t.Fatal("Expected first peer to be added")
	}
	if p := pm.AddPeer("127.0.0.1:1", nil, true); p != nil {
		t.Error("Expected duplicate address to be refused")
	}
	if p := pm.AddPeer("127.0.0.1:2", nil, false); p == nil {
		t.Fatal("Expected second peer to be added")
	}
	if p := pm.AddPeer("127.0.0.1:3", nil, false); p != nil {
		t.Error("Expected peer beyond max to be refused")
	}
	if pm.Count() != 2 {
		t.Errorf("Expected 2 peers, got %d", pm.Count())
	}

	pm.RemovePeer("127.0.0.1:1")
	if pm.HasPeer("127.0.0.1:1") {
		t.Error("Expected peer to be removed")
	}
	if p := pm.AddPeer("127.0.0.1:3", nil, false); p == nil {
		t.Error("Expected a free slot after removal")
	}
}

func TestGetConnectedPeers(t *testing.T) {
	pm := NewPeerManager(8)
	a := pm.AddPeer("a", nil, true)
	pm.AddPeer("b", nil, true)
	a.setStatus(PeerConnected)

	connected := pm.GetConnectedPeers()
	if len(connected) != 1 || connected[0].Address != "a" {
		t.Errorf("Expected only peer a connected, got %v", connected)
	}
}

func TestSendToDisconnectedPeer(t *testing.T) {
	pm := NewPeerManager(8)
	p := pm.AddPeer("a", nil, true)

	msg, _ := NewMessage(MessageTypePing, "me", PingPayload{Timestamp: time.Now().UnixMilli()})
	if err := p.Send(msg, time.Second); err != ErrPeerNotConnected {
		t.Errorf("Expected ErrPeerNotConnected, got %v", err)
	}
}

func TestSeenCache(t *testing.T) {
	seen, err := newSeenCache(time.Minute)
	if err != nil {
		t.Fatalf("newSeenCache failed: %v", err)
	}
	defer seen.close()

	if !seen.markSeen("id-1") {
		t.Error("Expected first sighting to be new")
	}
	if seen.markSeen("id-1") {
		t.Error("Expected second sighting to be a duplicate")
	}
	if !seen.markSeen("id-2") {
		t.Error("Expected a different id to be new")
	}
}
