package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/collab"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 64

	// how long an operation waits for a submit slot
	submitSlotWait = 200 * time.Millisecond
	requestTimeout = 5 * time.Second
)

type PresenceService interface {
	Join(ctx context.Context, key entity.PresenceKey) (*entity.UserPresence, error)
	Leave(ctx context.Context, key entity.PresenceKey) error
	Heartbeat(ctx context.Context, key entity.PresenceKey) error
	UpdateCursor(ctx context.Context, key entity.PresenceKey, c entity.CursorPosition) error
	UpdateSelection(ctx context.Context, key entity.PresenceKey, s entity.Selection) error
	UpdateViewport(ctx context.Context, key entity.PresenceKey, v entity.Viewport) error
}

type CollabService interface {
	CreateSession(ctx context.Context, userID, graphID, connectionID string) (*entity.CollaborationSession, error)
	EndSession(ctx context.Context, sessionID string) error
	RecordTraffic(ctx context.Context, sessionID string, ops, bytes int64) error
	SubmitOperation(ctx context.Context, graphID string, op ot.Operation) (*collab.SubmitResult, error)
	Snapshot(ctx context.Context, graphID string) (*collab.Snapshot, error)
	GetOperationHistory(ctx context.Context, graphID string, fromVersion, toVersion uint64) ([]entity.AppliedOp, error)
	AcquireLock(ctx context.Context, req collab.LockRequest) (*entity.GraphLock, error)
	ReleaseLock(ctx context.Context, lockID, userID string) error
	RenewLock(ctx context.Context, lockID, userID string) (*entity.GraphLock, error)
}

// Conn is one websocket connection bound to a graph session.
type Conn struct {
	ws       *websocket.Conn
	presence PresenceService
	collab   CollabService
	sem      *broadcast.Semaphore
	log      *slog.Logger

	graphID   string
	userID    string
	sessionID string

	send      chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once

	// locks granted through this connection, renewed on heartbeat
	mu    sync.Mutex
	locks map[string]struct{}

	// inbound bytes not yet reported to the session counters
	pendingBytes atomic.Int64
}

func (c *Conn) key() entity.PresenceKey {
	return entity.PresenceKey{UserID: c.userID, GraphID: c.graphID, SessionID: c.sessionID}
}

// Enqueue queues msg for the write loop. A full queue drops the message.
func (c *Conn) Enqueue(msg OutboundMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.log.Debug("outbound queue full, dropping", "session", c.sessionID, "type", msg.MessageType())
		return false
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// abort stops both loops: closing the socket unblocks the reader.
func (c *Conn) abort() {
	c.shutdown()
	_ = c.ws.Close()
}

func (c *Conn) reply(req ClientMessage, typ string, payload any) {
	c.Enqueue(ServerMessage{Type: typ, RequestID: req.RequestID, SessionID: c.sessionID, Payload: payload, Timestamp: time.Now()})
}

func (c *Conn) fail(req ClientMessage, typ string, err error, payload any) {
	code, text := errorCode(err), err.Error()
	if code == codeInternal {
		c.log.Error("request failed", "type", req.Type, "session", c.sessionID, "err", err)
		text = "internal error"
	}
	c.Enqueue(ServerMessage{
		Type:      typ,
		RequestID: req.RequestID,
		SessionID: c.sessionID,
		Payload:   payload,
		Code:      code,
		Error:     text,
		Timestamp: time.Now(),
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.shutdown()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read", "session", c.sessionID, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.pendingBytes.Add(int64(len(data)))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail(msg, MsgError, errMalformed, nil)
			continue
		}
		if msg.Type == MsgDisconnect {
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgConnect:
		p, err := c.presence.Join(ctx, c.key())
		if err != nil {
			c.fail(msg, MsgError, err, nil)
			return
		}
		c.reply(msg, MsgConnected, ConnectedPayload{SessionID: c.sessionID, GraphID: c.graphID, Presence: p})

	case MsgHeartbeat:
		c.heartbeat(ctx, msg)

	case MsgCursorMoved:
		if msg.Cursor == nil {
			c.fail(msg, MsgError, errMissingPayload, nil)
			return
		}
		if err := c.presence.UpdateCursor(ctx, c.key(), *msg.Cursor); err != nil {
			c.fail(msg, MsgError, err, nil)
		}

	case MsgSelectionChanged:
		if msg.Selection == nil {
			c.fail(msg, MsgError, errMissingPayload, nil)
			return
		}
		if err := c.presence.UpdateSelection(ctx, c.key(), *msg.Selection); err != nil {
			c.fail(msg, MsgError, err, nil)
		}

	case MsgViewportChanged:
		if msg.Viewport == nil {
			c.fail(msg, MsgError, errMissingPayload, nil)
			return
		}
		if err := c.presence.UpdateViewport(ctx, c.key(), *msg.Viewport); err != nil {
			c.fail(msg, MsgError, err, nil)
		}

	case MsgOperation:
		c.submit(ctx, msg)

	case MsgSyncRequest:
		c.sync(ctx, msg)

	case MsgLockAcquire:
		c.acquireLock(ctx, msg)

	case MsgLockRelease:
		c.releaseLock(ctx, msg)

	default:
		c.fail(msg, MsgError, errUnknownType, nil)
	}
}

func (c *Conn) heartbeat(ctx context.Context, msg ClientMessage) {
	err := c.presence.Heartbeat(ctx, c.key())
	if errors.Is(err, presence.ErrUnknownSession) {
		// swept offline while the socket stayed open
		_, err = c.presence.Join(ctx, c.key())
	}
	if err != nil {
		c.fail(msg, MsgError, err, nil)
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.locks))
	for id := range c.locks {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if _, err := c.collab.RenewLock(ctx, id, c.userID); err != nil {
			c.forgetLock(id)
			if !errors.Is(err, collab.ErrLockNotFound) {
				c.log.Warn("renew lock", "lock", id, "err", err)
			}
		}
	}

	if n := c.pendingBytes.Swap(0); n > 0 {
		if err := c.collab.RecordTraffic(ctx, c.sessionID, 0, n); err != nil {
			c.log.Debug("record traffic", "session", c.sessionID, "err", err)
		}
	}
}

func (c *Conn) submit(ctx context.Context, msg ClientMessage) {
	if msg.Operation == nil {
		c.fail(msg, MsgOperationReject, errMissingPayload, nil)
		return
	}
	op := *msg.Operation
	op.UserID, op.SessionID = c.userID, c.sessionID

	slotCtx, cancel := context.WithTimeout(ctx, submitSlotWait)
	err := c.sem.Acquire(slotCtx)
	cancel()
	if err != nil {
		c.fail(msg, MsgOperationReject, err, RejectPayload{OperationID: op.ID})
		return
	}
	defer c.sem.Release()

	ctx, cancel = context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	res, err := c.collab.SubmitOperation(ctx, c.graphID, op)
	if err != nil {
		payload := RejectPayload{OperationID: op.ID}
		var rej *collab.RejectError
		if errors.As(err, &rej) {
			payload.Conflicts = rej.Result.Conflicts
		}
		c.fail(msg, MsgOperationReject, err, payload)
		return
	}
	c.reply(msg, MsgOperationAck, res)
}

func (c *Conn) sync(ctx context.Context, msg ClientMessage) {
	if msg.SinceVersion != nil {
		ops, err := c.collab.GetOperationHistory(ctx, c.graphID, *msg.SinceVersion, 0)
		if err != nil {
			c.fail(msg, MsgError, err, nil)
			return
		}
		version := *msg.SinceVersion
		if len(ops) > 0 {
			version = ops[len(ops)-1].Version
		}
		c.reply(msg, MsgSyncResponse, SyncPayload{GraphID: c.graphID, Version: version, Operations: ops})
		return
	}
	snap, err := c.collab.Snapshot(ctx, c.graphID)
	if err != nil {
		c.fail(msg, MsgError, err, nil)
		return
	}
	c.reply(msg, MsgSyncResponse, SyncPayload{GraphID: c.graphID, Version: snap.Version, State: snap.State, Operations: snap.Recent})
}

func (c *Conn) acquireLock(ctx context.Context, msg ClientMessage) {
	if msg.Lock == nil {
		c.fail(msg, MsgLockDenied, errMissingPayload, nil)
		return
	}
	l, err := c.collab.AcquireLock(ctx, collab.LockRequest{
		GraphID:    c.graphID,
		UserID:     c.userID,
		SessionID:  c.sessionID,
		EntityType: msg.Lock.EntityType,
		EntityID:   msg.Lock.EntityID,
		LockType:   msg.Lock.LockType,
	})
	if err != nil {
		var payload LockDeniedPayload
		var lce *collab.LockConflictError
		if errors.As(err, &lce) {
			payload.Holder = &lce.Holder
		}
		c.fail(msg, MsgLockDenied, err, payload)
		return
	}
	c.mu.Lock()
	c.locks[l.ID] = struct{}{}
	c.mu.Unlock()
	c.reply(msg, MsgLockGranted, l)
}

func (c *Conn) releaseLock(ctx context.Context, msg ClientMessage) {
	if msg.Lock == nil || msg.Lock.LockID == "" {
		c.fail(msg, MsgError, errMissingPayload, nil)
		return
	}
	if err := c.collab.ReleaseLock(ctx, msg.Lock.LockID, c.userID); err != nil {
		c.fail(msg, MsgError, err, nil)
		return
	}
	c.forgetLock(msg.Lock.LockID)
	c.reply(msg, MsgLockReleased, msg.Lock)
}

func (c *Conn) forgetLock(id string) {
	c.mu.Lock()
	delete(c.locks, id)
	c.mu.Unlock()
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.Debug("websocket write", "session", c.sessionID, "err", err)
				c.abort()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.abort()
				return
			}
		case <-c.done:
			// flush what was queued before the close
			for {
				select {
				case msg := <-c.send:
					if c.write(msg) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(msg OutboundMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}
