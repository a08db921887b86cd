package p2p

import (
	"encoding/json"

	"github.com/google/uuid"

	"powchain/blockchain"
)

// MessageType defines the type of P2P message
type MessageType string

const (
	MessageTypeHandshake    MessageType = "handshake"
	MessageTypeNewBlock     MessageType = "new_block"
	MessageTypeNewTx        MessageType = "new_transaction"
	MessageTypeRequestChain MessageType = "request_chain"
	MessageTypeChain        MessageType = "chain"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
)

// ProtocolVersion is exchanged in the handshake
const ProtocolVersion = "1.0"

// Message represents a P2P message between nodes. ID is unique per gossip
// message and survives relaying; Origin is the node that created it.
type Message struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// HandshakePayload is sent when nodes first connect
type HandshakePayload struct {
	NodeID      string `json:"node_id"`
	ChainHeight uint64 `json:"chain_height"`
	Version     string `json:"version"`
}

// NewBlockPayload broadcasts a new block to peers
type NewBlockPayload struct {
	Block *blockchain.Block `json:"block"`
}

// NewTxPayload broadcasts a new transaction
type NewTxPayload struct {
	Transaction blockchain.Transaction `json:"transaction"`
}

// ChainPayload answers request_chain with the full chain from genesis
type ChainPayload struct {
	Blocks []*blockchain.Block `json:"blocks"`
}

// PingPayload for keepalive
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// NewMessage creates a new P2P message with a fresh ID
func NewMessage(msgType MessageType, origin string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:      uuid.NewString(),
		Type:    msgType,
		Origin:  origin,
		Payload: json.RawMessage(payloadBytes),
	}, nil
}

// ParsePayload unmarshals the message payload into the provided interface
func (m *Message) ParsePayload(payload interface{}) error {
	return json.Unmarshal(m.Payload, payload)
}
