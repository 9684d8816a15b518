package webbridge

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// topicLimits names the topics rate-limited on egress, and at what rate.
// Everything else (status, acks, errors) passes through unthrottled.
var topicLimits = map[string]rate.Limit{
	"/music/progress":    10,
	"/voice/audio_level": 20,
}

// Hub maintains the set of connected dashboard clients and fans bus events
// out to all of them in a deterministic order.
type Hub struct {
	logger zerolog.Logger

	clientQueueDepth int

	mu      sync.RWMutex
	clients map[*Client]bool

	broadcast  chan outboundEvent
	register   chan *Client
	unregister chan *Client

	limiters map[string]*rate.Limiter
}

// NewHub constructs a Hub whose per-client send channel is bounded at
// clientQueueDepth.
func NewHub(logger zerolog.Logger, clientQueueDepth int) *Hub {
	limiters := make(map[string]*rate.Limiter, len(topicLimits))
	for topic, limit := range topicLimits {
		limiters[topic] = rate.NewLimiter(limit, 1)
	}
	return &Hub{
		logger:           logger,
		clientQueueDepth: clientQueueDepth,
		clients:          make(map[*Client]bool),
		broadcast:        make(chan outboundEvent, 256),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		limiters:         limiters,
	}
}

// Run fans out registrations, unregistrations, and broadcasts until ctx is
// canceled, then closes every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info().Int("clients", h.ClientCount()).Msg("webbridge client connected")
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info().Int("clients", h.ClientCount()).Msg("webbridge client disconnected")
		case evt := <-h.broadcast:
			h.fanOut(evt)
		}
	}
}

// Broadcast mirrors a bus event to every connected client, subject to the
// per-topic rate limit. Non-blocking: a full internal queue drops the
// event rather than stall the publisher.
func (h *Hub) Broadcast(topic string, data any) {
	if limiter, ok := h.limiters[topic]; ok && !limiter.Allow() {
		return
	}
	evt := newOutboundEvent(topic, data)
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn().Str("topic", topic).Msg("webbridge broadcast queue full, dropping event")
	}
}

// fanOut delivers evt to every client in deterministic (ID-ascending)
// order, dropping clients whose send queue is full.
func (h *Hub) fanOut(evt outboundEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var stale []*Client
	for _, c := range clients {
		select {
		case c.send <- evt:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, c := range clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.logger.Info().Msg("webbridge closed all clients")
}

// ClientCount reports the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
