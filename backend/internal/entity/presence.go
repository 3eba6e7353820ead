package entity

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusOffline PresenceStatus = "offline"
)

// CursorPosition is a point on the graph canvas, optionally anchored to a node.
type CursorPosition struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	NodeID string  `json:"nodeId,omitempty"`
}

type Selection struct {
	NodeIDs []string `json:"nodeIds,omitempty"`
	EdgeIDs []string `json:"edgeIds,omitempty"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// PresenceKey identifies one (user, graph, session) presence record.
type PresenceKey struct {
	UserID    string `json:"userId"`
	GraphID   string `json:"graphId"`
	SessionID string `json:"sessionId"`
}

type UserPresence struct {
	PresenceKey
	Status         PresenceStatus  `json:"status"`
	Cursor         *CursorPosition `json:"cursor,omitempty"`
	Selection      *Selection      `json:"selection,omitempty"`
	Viewport       *Viewport       `json:"viewport,omitempty"`
	LastHeartbeat  time.Time       `json:"lastHeartbeat"`
	ConnectedAt    time.Time       `json:"connectedAt"`
	DisconnectedAt *time.Time      `json:"disconnectedAt,omitempty"`
	// filled when the row is joined with users
	Profile *UserProfile `json:"user,omitempty"`
}

type UserProfile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
