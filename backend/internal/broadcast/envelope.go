package broadcast

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic is one channel family of a graph.
type Topic string

const (
	TopicPresence   Topic = "presence"
	TopicCursors    Topic = "cursors"
	TopicSelections Topic = "selections"
	TopicViewports  Topic = "viewports"
	TopicOperations Topic = "operations"
	TopicLocks      Topic = "locks"
)

// Event types carried in Envelope.Type.
const (
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeUserOffline      = "user_offline"
	TypeStatusChanged    = "status_changed"
	TypeCursorMoved      = "cursor_moved"
	TypeSelectionChanged = "selection_changed"
	TypeViewportChanged  = "viewport_changed"
	TypeOperation        = "operation"
	TypeLockAcquired     = "lock_acquired"
	TypeLockReleased     = "lock_released"
	TypeNotification     = "notification"
	TypeActivity         = "activity"
)

// Envelope is the wire frame shared by pub/sub and websocket clients.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"sessionId,omitempty"`
}

func NewEnvelope(typ, sessionID string, payload any, at time.Time) (Envelope, error) {
	env := Envelope{Type: typ, Timestamp: at, SessionID: sessionID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

const channelPrefix = "collab:graph:"

// Channel returns the pub/sub channel of one topic of a graph.
func Channel(graphID string, topic Topic) string {
	return channelPrefix + graphID + ":" + string(topic)
}

// Message is an envelope received from a graph subscription.
type Message struct {
	GraphID  string
	Topic    Topic
	Envelope Envelope
}
