package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/internal/events/bus"
	"github.com/cloud-codex/cloud-codex/internal/session"
)

// Hub manages all WebSocket clients and routes session events from the bus
// to the clients bound to each session.
type Hub struct {
	clients   map[*Client]bool
	bySession map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	outbound   chan *sessionFrame

	bus    bus.EventBus
	sub    bus.Subscription
	logger *logger.Logger
}

// sessionFrame is a frame addressed to every client of one session.
type sessionFrame struct {
	sessionID string
	frame     *Frame
}

// NewHub creates a WebSocket hub.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		bySession:  make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan *sessionFrame, 256),
		bus:        eventBus,
		logger:     log.Named("gateway-hub"),
	}
}

// Run subscribes to session events and processes the hub loop until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub, err := h.bus.Subscribe(session.SubjectAny(), h.handleBusEvent)
	if err != nil {
		h.logger.Error("failed to subscribe to session events", zap.Error(err))
	} else {
		h.sub = sub
	}

	h.logger.Info("gateway hub started")
	defer h.logger.Info("gateway hub stopped")

	for {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				_ = h.sub.Unsubscribe()
			}
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.bySession = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			h.clients[client] = true
			if _, ok := h.bySession[client.sessionID]; !ok {
				h.bySession[client.sessionID] = make(map[*Client]bool)
			}
			h.bySession[client.sessionID][client] = true
			h.logger.Debug("client registered",
				zap.String("client_id", client.ID),
				zap.String("session_id", client.sessionID))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case msg := <-h.outbound:
			clients := h.bySession[msg.sessionID]
			if len(clients) == 0 {
				continue
			}
			data, err := json.Marshal(msg.frame)
			if err != nil {
				h.logger.Error("failed to marshal frame", zap.Error(err))
				continue
			}
			for client := range clients {
				select {
				case client.send <- data:
				default:
					// send buffer full; drop the slow client
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	if clients, ok := h.bySession[client.sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.bySession, client.sessionID)
		}
	}
	h.logger.Debug("client unregistered",
		zap.String("client_id", client.ID),
		zap.String("session_id", client.sessionID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// handleBusEvent converts a registry bus event into the matching outbound
// frame. Subjects have the shape codex.session.<sessionId>.<kind>.
func (h *Hub) handleBusEvent(ctx context.Context, subject string, event *bus.Event) error {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return nil
	}
	sessionID, kind := parts[2], parts[3]

	var frame *Frame
	var err error
	switch kind {
	case session.KindEvent:
		frame, err = NewFrame(TypeEvent, "", event.Data)
	case session.KindIRUpdate:
		frame, err = NewFrame(TypeIRUpdate, "", event.Data)
	case session.KindApproval:
		frame, err = NewFrame(TypeApprovalRequest, "", event.Data)
	case session.KindError:
		frame, err = NewFrame(TypeError, "", event.Data)
	case session.KindExit:
		frame, err = NewFrame(TypeEvent, "", event.Data)
	default:
		return nil
	}
	if err != nil {
		h.logger.Error("failed to build outbound frame", zap.Error(err))
		return nil
	}

	select {
	case h.outbound <- &sessionFrame{sessionID: sessionID, frame: frame}:
	default:
		h.logger.Warn("outbound queue full, dropping frame",
			zap.String("session_id", sessionID),
			zap.String("kind", kind))
	}
	return nil
}
