package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/httpapi/middleware"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/metrics"
)

// DefaultAllowedOrigins admits local development front ends.
var DefaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

const cleanupTimeout = 5 * time.Second

type Manager struct {
	hub      *Hub
	presence PresenceService
	collab   CollabService
	sem      *broadcast.Semaphore
	log      *slog.Logger
	upgrader websocket.Upgrader
}

type ManagerDeps struct {
	Hub      *Hub
	Presence PresenceService
	Collab   CollabService
	// Sem bounds concurrent operation submissions across connections.
	Sem *broadcast.Semaphore
	Log *slog.Logger
	// AllowedOrigins are Origin prefixes accepted on upgrade.
	AllowedOrigins []string
}

func NewManager(d ManagerDeps) *Manager {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	sem := d.Sem
	if sem == nil {
		sem = broadcast.NewSemaphore(0)
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}
	return &Manager{
		hub:      d.Hub,
		presence: d.Presence,
		collab:   d.Collab,
		sem:      sem,
		log:      log.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// some clients send no Origin, or "null"
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range allowed {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

// WebSocketConnect upgrades GET /collab/ws?graphId=. The auth middleware must
// have set userId on the gin context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	graphID := c.Query("graphId")
	if graphID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_GRAPH_ID"})
		return
	}
	userID := c.GetString(middleware.KeyUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
		return
	}

	wsc, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade", "origin", c.Request.Header.Get("Origin"), "err", err)
		return
	}
	defer wsc.Close()

	ctx := c.Request.Context()
	cs, err := m.collab.CreateSession(ctx, userID, graphID, uuid.NewString())
	if err != nil {
		m.log.Error("create session", "graph", graphID, "user", userID, "err", err)
		_ = wsc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session"))
		return
	}

	conn := &Conn{
		ws:        wsc,
		presence:  m.presence,
		collab:    m.collab,
		sem:       m.sem,
		log:       m.log,
		graphID:   graphID,
		userID:    userID,
		sessionID: cs.ID,
		send:      make(chan OutboundMessage, sendQueueSize),
		done:      make(chan struct{}),
		locks:     make(map[string]struct{}),
	}
	defer m.teardown(ctx, conn)

	p, err := m.presence.Join(ctx, conn.key())
	if err != nil {
		m.log.Error("join presence", "graph", graphID, "user", userID, "err", err)
		return
	}
	if err := m.hub.Join(graphID, conn); err != nil {
		m.log.Error("join room", "graph", graphID, "err", err)
		return
	}
	metrics.WebsocketConnections.Inc()
	defer func() {
		m.hub.Leave(graphID, conn)
		metrics.WebsocketConnections.Dec()
	}()

	var version uint64
	if snap, err := m.collab.Snapshot(ctx, graphID); err == nil {
		version = snap.Version
	} else {
		m.log.Warn("load graph for greeting", "graph", graphID, "err", err)
	}

	// start writing first so the greeting is not stuck behind the reader
	written := make(chan struct{})
	go func() {
		defer close(written)
		conn.writeLoop()
	}()
	conn.Enqueue(ServerMessage{
		Type:      MsgConnected,
		SessionID: cs.ID,
		Payload:   ConnectedPayload{SessionID: cs.ID, GraphID: graphID, Version: version, Presence: p},
		Timestamp: time.Now(),
	})

	conn.readLoop(ctx)
	<-written
}

// teardown runs after the socket is gone, so it cannot use the request
// context.
func (m *Manager) teardown(reqCtx context.Context, conn *Conn) {
	conn.shutdown()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), cleanupTimeout)
	defer cancel()

	if err := m.presence.Leave(ctx, conn.key()); err != nil {
		m.log.Warn("leave presence", "session", conn.sessionID, "err", err)
	}
	if n := conn.pendingBytes.Swap(0); n > 0 {
		_ = m.collab.RecordTraffic(ctx, conn.sessionID, 0, n)
	}
	if err := m.collab.EndSession(ctx, conn.sessionID); err != nil {
		m.log.Warn("end session", "session", conn.sessionID, "err", err)
	}
}
