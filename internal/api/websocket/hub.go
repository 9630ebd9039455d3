package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenMachineBridge/internal/auth"
	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"go.uber.org/zap"
)

// StatusProvider supplies the snapshot a client receives right after it
// registers.
type StatusProvider interface {
	Status() runner.Status
}

// TokenValidator checks the token of the first client message. A nil
// validator disables authentication.
type TokenValidator interface {
	ValidateToken(token string) ([]auth.Permission, error)
}

// Hub maintains active WebSocket clients and broadcasts runner events to
// them. It implements runner.Observer.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	logger *zap.Logger

	validator TokenValidator

	status StatusProvider

	// Every n-th tick report is broadcast; degraded and spawning ticks always are.
	reportEvery uint64
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, validator TokenValidator, reportEvery int) *Hub {
	if reportEvery < 1 {
		reportEvery = 1
	}
	return &Hub{
		broadcast:   make(chan Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		clients:     make(map[*Client]bool),
		logger:      logger,
		validator:   validator,
		reportEvery: uint64(reportEvery),
	}
}

// SetStatusProvider sets the status snapshot source
func (h *Hub) SetStatusProvider(provider StatusProvider) {
	h.status = provider
}

// Run starts the hub's main event loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	h.logger.Info("WebSocket Hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", count))
			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) sendSnapshot(client *Client) {
	if h.status == nil {
		return
	}
	data, err := json.Marshal(NewBridgeStatusMessage(h.status.Status()))
	if err != nil {
		h.logger.Error("Failed to marshal status snapshot", zap.Error(err))
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// Broadcast sends a message to all connected clients. It never blocks.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) OnStateChange(change runner.StateChange) {
	h.Broadcast(NewBridgeStateMessage(change))
}

func (h *Hub) OnTick(report bridge.TickReport) {
	if report.Seq%h.reportEvery == 0 || report.Degraded || report.SpawnRequested {
		h.Broadcast(NewTickReportMessage(report))
	}
}

func (h *Hub) OnSpawn(event runner.SpawnEvent) {
	h.Broadcast(NewProductSpawnedMessage(event))
}

// enqueue hands a client to the hub loop unless the hub already stopped.
func (h *Hub) enqueue(ch chan *Client, c *Client) bool {
	select {
	case ch <- c:
		return true
	case <-h.done:
		return false
	}
}
