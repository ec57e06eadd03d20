package sse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clickerapp/clicker-server/internal/delivery"
	"github.com/clickerapp/clicker-server/internal/domain"
	"github.com/clickerapp/clicker-server/internal/id"
)

// Client represents a connected SSE client.
type Client struct {
	ConnectedAt time.Time
	EventChan   chan Event
	Done        chan struct{}
	ID          string
	// StreamID is the numeric delivery handle the broadcaster addresses
	// pushes to. Announced to the client in the connected event.
	StreamID int64
	UserID   string

	// Last delivered payload, guarded by the manager's mu. Lets the manager
	// report unchanged pushes without occupying channel capacity.
	lastPayload string
}

// Manager tracks SSE connections and delivers counter updates to them.
// It implements delivery.Sender keyed by stream ID, so the broadcast loop
// treats web streams like any other delivery channel.
type Manager struct {
	mu       sync.RWMutex
	clients  map[int64]*Client
	nextID   int64
	logger   *slog.Logger
	shutdown bool
}

// NewManager creates a new SSE Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		clients: make(map[int64]*Client),
		logger:  logger,
	}
}

// Connect registers a new SSE client for the given user and returns it.
func (m *Manager) Connect(userID string) (*Client, error) {
	clientID, err := id.Generate("sse")
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, delivery.ErrGone
	}
	m.nextID++
	client := &Client{
		ID:          clientID,
		StreamID:    m.nextID,
		UserID:      userID,
		EventChan:   make(chan Event, 100), // Buffer 100 events per client
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}
	m.clients[client.StreamID] = client
	totalClients := len(m.clients)
	m.mu.Unlock()

	m.logger.Info("SSE client connected",
		slog.String("client_id", clientID),
		slog.Int64("stream_id", client.StreamID),
		slog.String("user_id", userID),
		slog.Int("total_clients", totalClients))
	return client, nil
}

// Disconnect removes a client and closes its channels.
func (m *Manager) Disconnect(streamID int64) {
	m.mu.Lock()
	client, ok := m.clients[streamID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, streamID)
	totalClients := len(m.clients)
	m.mu.Unlock()

	close(client.Done)
	close(client.EventChan)

	m.logger.Info("SSE client disconnected",
		slog.String("client_id", client.ID),
		slog.Duration("duration", time.Since(client.ConnectedAt)),
		slog.Int("total_clients", totalClients))
}

// Send delivers a counter update to the stream identified by target.ChatID.
// Implements delivery.Sender: unknown streams report ErrGone so the
// broadcaster drops the session, unchanged payloads report ErrNotModified,
// and a full client buffer reports ErrRateLimited so the session is retried.
func (m *Manager) Send(_ context.Context, target domain.DeliveryTarget, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[target.ChatID]
	if !ok {
		return delivery.ErrGone
	}
	if client.lastPayload == text {
		return delivery.ErrNotModified
	}

	select {
	case client.EventChan <- NewCounterUpdateEvent(text):
		client.lastPayload = text
		return nil
	default:
		m.logger.Warn("dropped update for slow client",
			slog.String("client_id", client.ID),
			slog.Int64("stream_id", client.StreamID))
		return delivery.ErrRateLimited
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Shutdown closes all client connections and rejects new ones.
func (m *Manager) Shutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdown = true
	for _, client := range m.clients {
		close(client.Done)
		close(client.EventChan)
	}
	m.clients = make(map[int64]*Client)

	m.logger.Info("all SSE clients disconnected")
	return nil
}
