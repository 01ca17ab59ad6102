package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// catchupLimit is the maximum number of events returned in a catchup
// response. If more events were missed, a catchup.overflow message tells the
// client to do a full REST reload.
const catchupLimit = 200

// sendBuffer is the per-connection outbound queue depth. The store's
// dispatch path must never block, so a client that cannot drain this many
// messages is disconnected.
const sendBuffer = 256

// ConnectionManager manages WebSocket connections and channel subscriptions.
// It subscribes to the event store once and fans events out to clients on
// the global channel and the event's episode channel.
type ConnectionManager struct {
	store Store

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → connection_id → kind filter
	channels  map[string]map[string]kindFilter
	channelMu sync.RWMutex

	writeTimeout time.Duration
	unsubscribe  func()
}

type kindFilter map[models.EventKind]bool

func (f kindFilter) matches(kind models.EventKind) bool {
	return len(f) == 0 || f[kind]
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads
// and writes happen on the single goroutine that owns this connection
// (HandleConnection's read loop and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	sendCh        chan []byte
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager wired to the store.
func NewConnectionManager(store Store, writeTimeout time.Duration) *ConnectionManager {
	m := &ConnectionManager{
		store:        store,
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]kindFilter),
		writeTimeout: writeTimeout,
	}
	m.unsubscribe = store.Subscribe(Filter{}, m.onEvent)
	return m
}

// Close detaches the manager from the store and closes all connections.
func (m *ConnectionManager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		c.cancel()
	}
}

// onEvent is the store sink. Runs on the appender's goroutine; only enqueues.
func (m *ConnectionManager) onEvent(evt models.Event) {
	data, err := json.Marshal(wsEvent{Type: "event", Event: evt})
	if err != nil {
		slog.Warn("Failed to marshal event for WebSocket", "seq", evt.Seq, "error", err)
		return
	}

	m.deliver(GlobalChannel, evt.Kind, data)
	if evt.EpisodeID != "" {
		m.deliver(EpisodeChannel(evt.EpisodeID), evt.Kind, data)
	}
}

type wsEvent struct {
	Type  string       `json:"type"`
	Event models.Event `json:"event"`
}

func (m *ConnectionManager) deliver(channel string, kind models.EventKind, data []byte) {
	m.channelMu.RLock()
	subs := m.channels[channel]
	targets := make([]string, 0, len(subs))
	for connID, filter := range subs {
		if filter.matches(kind) {
			targets = append(targets, connID)
		}
	}
	m.channelMu.RUnlock()

	for _, connID := range targets {
		m.mu.RLock()
		c := m.connections[connID]
		m.mu.RUnlock()
		if c == nil {
			continue
		}
		select {
		case c.sendCh <- data:
		default:
			// Slow client: drop the connection rather than block the store.
			slog.Warn("WebSocket send buffer full, disconnecting client",
				"connection_id", connID, "channel", channel)
			c.cancel()
		}
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		sendCh:        make(chan []byte, sendBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	go m.writeLoop(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	// Read loop — process client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

func (m *ConnectionManager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.ctx.Done():
			_ = c.Conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-c.sendCh:
			writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
			err := c.Conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		m.subscribe(c, msg.Channel, msg.Kinds)
		m.sendJSON(c, map[string]string{"type": "subscribed", "channel": msg.Channel})
	case "unsubscribe":
		m.unsubscribeChannel(c, msg.Channel)
		m.sendJSON(c, map[string]string{"type": "unsubscribed", "channel": msg.Channel})
	case "catchup":
		m.handleCatchup(ctx, c, msg)
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	default:
		slog.Warn("Unknown WebSocket action",
			"connection_id", c.ID, "action", msg.Action)
	}
}

func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, msg *ClientMessage) {
	if msg.LastSeq == nil {
		m.sendJSON(c, map[string]string{"type": "error", "message": "catchup requires last_seq"})
		return
	}

	q := Query{FromSeq: *msg.LastSeq, Limit: catchupLimit + 1}
	if episodeID, ok := parseEpisodeChannel(msg.Channel); ok {
		q.EpisodeID = episodeID
	}
	evts, err := m.store.Query(ctx, q)
	if err != nil {
		slog.Warn("Catchup query failed", "connection_id", c.ID, "error", err)
		m.sendJSON(c, map[string]string{"type": "error", "message": "catchup failed"})
		return
	}

	if len(evts) > catchupLimit {
		m.sendJSON(c, map[string]any{"type": "catchup.overflow", "channel": msg.Channel})
		return
	}

	m.sendJSON(c, map[string]any{
		"type":    "catchup",
		"channel": msg.Channel,
		"events":  evts,
	})
}

func parseEpisodeChannel(channel string) (string, bool) {
	const prefix = "episode:"
	if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		return channel[len(prefix):], true
	}
	return "", false
}

func (m *ConnectionManager) subscribe(c *Connection, channel string, kinds []string) {
	if channel == "" {
		channel = GlobalChannel
	}
	filter := make(kindFilter, len(kinds))
	for _, k := range kinds {
		filter[models.EventKind(k)] = true
	}

	m.channelMu.Lock()
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[string]kindFilter)
	}
	m.channels[channel][c.ID] = filter
	m.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (m *ConnectionManager) unsubscribeChannel(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs := m.channels[channel]; subs != nil {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	total := len(m.connections)
	m.mu.Unlock()
	slog.Info("WebSocket client connected", "connection_id", c.ID, "total", total)
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for channel := range c.subscriptions {
		m.channelMu.Lock()
		if subs := m.channels[channel]; subs != nil {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(m.channels, channel)
			}
		}
		m.channelMu.Unlock()
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	total := len(m.connections)
	m.mu.Unlock()

	c.cancel()
	slog.Info("WebSocket client disconnected", "connection_id", c.ID, "total", total)
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	select {
	case c.sendCh <- data:
	default:
		c.cancel()
	}
}
