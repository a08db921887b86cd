package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"powchain/blockchain"
	"powchain/events"
)

const (
	eventSendBuffer = 64
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingPeriod    = wsPongWait * 9 / 10
)

// EventEnvelope is one bus event as streamed to websocket clients
type EventEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// eventHub fans bus events out to websocket clients. It subscribes once per
// topic and keeps its own client set.
type eventHub struct {
	bus      *events.Bus
	logger   *zap.Logger
	handlers map[string]interface{}
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool // nil means every topic
}

func (c *eventClient) wants(topic string) bool {
	return c.topics == nil || c.topics[topic]
}

func newEventHub(bus *events.Bus, logger *zap.Logger) (*eventHub, error) {
	h := &eventHub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*eventClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	// handlers run under the bus lock and only enqueue
	h.handlers = map[string]interface{}{
		events.TopicTxAccepted:      func(tx blockchain.Transaction) { h.broadcast(events.TopicTxAccepted, tx) },
		events.TopicTxRejected:      func(r events.TxRejected) { h.broadcast(events.TopicTxRejected, r) },
		events.TopicBlockMined:      func(b *blockchain.Block) { h.broadcast(events.TopicBlockMined, b) },
		events.TopicBlockAccepted:   func(v events.BlockVerdict) { h.broadcast(events.TopicBlockAccepted, v) },
		events.TopicBlockRejected:   func(v events.BlockVerdict) { h.broadcast(events.TopicBlockRejected, v) },
		events.TopicEmptyTxMineWait: func(ms int64) { h.broadcast(events.TopicEmptyTxMineWait, ms) },
		events.TopicChainSynced:     func(b *blockchain.Block) { h.broadcast(events.TopicChainSynced, b) },
	}
	for topic, fn := range h.handlers {
		if err := bus.Subscribe(topic, fn); err != nil {
			h.close()
			return nil, err
		}
	}
	return h, nil
}

func (h *eventHub) broadcast(topic string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("topic", topic), zap.Error(err))
		return
	}
	frame, err := json.Marshal(EventEnvelope{Topic: topic, Payload: raw})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(topic) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Debug("event client lagging, dropping event", zap.String("topic", topic))
		}
	}
}

func (h *eventHub) register(c *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *eventHub) unregister(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *eventHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// close unsubscribes from the bus and disconnects every client
func (h *eventHub) close() {
	for topic, fn := range h.handlers {
		_ = h.bus.Unsubscribe(topic, fn)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// serve upgrades the request and streams events until the client goes away.
// ?topics=a,b restricts the stream to the listed topics.
func (h *eventHub) serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := &eventClient{
		conn:   conn,
		send:   make(chan []byte, eventSendBuffer),
		topics: parseTopics(c.Query("topics")),
	}
	if !h.register(client) {
		_ = conn.Close()
		return
	}
	h.logger.Debug("event stream opened", zap.String("remote_addr", conn.RemoteAddr().String()))

	go h.writeLoop(client)
	h.readLoop(client)

	h.unregister(client)
	h.logger.Debug("event stream closed", zap.String("remote_addr", conn.RemoteAddr().String()))
}

// readLoop discards client frames; it exists to process control frames and
// notice disconnects.
func (h *eventHub) readLoop(c *eventClient) {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func (h *eventHub) writeLoop(c *eventClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseTopics(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	topics := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics[t] = true
		}
	}
	if len(topics) == 0 {
		return nil
	}
	return topics
}
