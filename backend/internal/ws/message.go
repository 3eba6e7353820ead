package ws

import (
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
)

// Client message types.
const (
	MsgConnect          = "connect"
	MsgDisconnect       = "disconnect"
	MsgHeartbeat        = "heartbeat"
	MsgCursorMoved      = "cursor_moved"
	MsgSelectionChanged = "selection_changed"
	MsgViewportChanged  = "viewport_changed"
	MsgOperation        = "operation"
	MsgSyncRequest      = "sync_request"
	MsgLockAcquire      = "lock_acquire"
	MsgLockRelease      = "lock_release"
)

// Server reply types. Broadcast envelopes are relayed with their own type.
const (
	MsgConnected       = "connected"
	MsgOperationAck    = "operation_ack"
	MsgOperationReject = "operation_reject"
	MsgSyncResponse    = "sync_response"
	MsgLockGranted     = "lock_granted"
	MsgLockDenied      = "lock_denied"
	MsgLockReleased    = "lock_released"
	MsgError           = "error"
	MsgNotification    = "notification"
)

type ClientMessage struct {
	Type string `json:"type"`
	// RequestID is echoed back on the direct reply.
	RequestID string                 `json:"requestId,omitempty"`
	Cursor    *entity.CursorPosition `json:"cursor,omitempty"`
	Selection *entity.Selection      `json:"selection,omitempty"`
	Viewport  *entity.Viewport       `json:"viewport,omitempty"`
	Operation *ot.Operation          `json:"operation,omitempty"`
	// SinceVersion asks sync_request for the log after a version instead of
	// a full snapshot.
	SinceVersion *uint64      `json:"sinceVersion,omitempty"`
	Lock         *LockMessage `json:"lock,omitempty"`
}

type LockMessage struct {
	LockID     string          `json:"lockId,omitempty"`
	EntityType ot.EntityType   `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	LockType   entity.LockType `json:"lockType,omitempty"`
}

// ServerMessage is a direct reply to one connection.
type ServerMessage struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectedPayload greets a connection once its session exists.
type ConnectedPayload struct {
	SessionID string               `json:"sessionId"`
	GraphID   string               `json:"graphId"`
	Version   uint64               `json:"version"`
	Presence  *entity.UserPresence `json:"presence,omitempty"`
}

type RejectPayload struct {
	OperationID string            `json:"operationId,omitempty"`
	Conflicts   []ot.ConflictInfo `json:"conflicts,omitempty"`
}

type SyncPayload struct {
	GraphID    string             `json:"graphId"`
	Version    uint64             `json:"version"`
	State      map[string]any     `json:"state,omitempty"`
	Operations []entity.AppliedOp `json:"operations,omitempty"`
}

type LockDeniedPayload struct {
	Holder *entity.GraphLock `json:"holder,omitempty"`
}

// OutboundMessage is anything the write loop can send.
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string { return m.Type }

// Relay is a broadcast envelope forwarded to a connection unchanged.
type Relay struct {
	broadcast.Envelope
}

func (m Relay) MessageType() string { return m.Type }
