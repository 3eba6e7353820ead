package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
)

// Subscriber streams the broadcast envelopes of one graph.
type Subscriber interface {
	Subscribe(ctx context.Context, graphID string) (<-chan broadcast.Message, error)
}

// Hub groups the local connections of each graph into a room. A room holds
// one broadcast subscription for as long as it has members.
type Hub struct {
	bus Subscriber
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	// keyed by connection, not user: one user may have several tabs open
	conns  map[*Conn]struct{}
	cancel context.CancelFunc
}

func NewHub(bus Subscriber, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{bus: bus, log: log.With("component", "ws"), rooms: make(map[string]*room)}
}

// Join adds c to the room of graphID, subscribing the room on first use.
// The subscription is opened without holding the hub lock; when two joins
// race to open the same room the later subscription is dropped.
func (h *Hub) Join(graphID string, c *Conn) error {
	h.mu.Lock()
	if r := h.rooms[graphID]; r != nil {
		r.conns[c] = struct{}{}
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := h.bus.Subscribe(ctx, graphID)
	if err != nil {
		cancel()
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[graphID]; r != nil {
		cancel()
		r.conns[c] = struct{}{}
		return nil
	}
	r := &room{conns: map[*Conn]struct{}{c: {}}, cancel: cancel}
	h.rooms[graphID] = r
	go h.pump(graphID, msgs)
	h.log.Debug("room opened", "graph", graphID)
	return nil
}

// Leave removes c from its room and closes the room when it empties.
func (h *Hub) Leave(graphID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[graphID]
	if !ok {
		return
	}
	delete(r.conns, c)
	if len(r.conns) == 0 {
		r.cancel()
		delete(h.rooms, graphID)
		h.log.Debug("room closed", "graph", graphID)
	}
}

// Members returns the number of local connections on a graph.
func (h *Hub) Members(graphID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r := h.rooms[graphID]; r != nil {
		return len(r.conns)
	}
	return 0
}

// Close cancels every room subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.rooms {
		r.cancel()
		delete(h.rooms, id)
	}
}

func (h *Hub) pump(graphID string, msgs <-chan broadcast.Message) {
	for m := range msgs {
		h.Broadcast(graphID, m.Envelope)
	}
}

// Broadcast relays env to every connection of the room except the session
// that produced it.
func (h *Hub) Broadcast(graphID string, env broadcast.Envelope) {
	h.mu.RLock()
	r := h.rooms[graphID]
	var targets []*Conn
	if r != nil {
		targets = make([]*Conn, 0, len(r.conns))
		for c := range r.conns {
			if env.SessionID != "" && c.sessionID == env.SessionID {
				continue
			}
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	msg := Relay{Envelope: env}
	for _, c := range targets {
		c.Enqueue(msg)
	}
}
