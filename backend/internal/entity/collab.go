package entity

import (
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
)

type LockType string

const (
	LockRead      LockType = "read"
	LockWrite     LockType = "write"
	LockExclusive LockType = "exclusive"
)

// Compatible reports whether a lock of type a may be held alongside b.
// Only read locks share.
func (a LockType) Compatible(b LockType) bool {
	return a == LockRead && b == LockRead
}

func (a LockType) Valid() bool {
	switch a {
	case LockRead, LockWrite, LockExclusive:
		return true
	}
	return false
}

type GraphLock struct {
	ID         string        `json:"id"`
	GraphID    string        `json:"graphId"`
	UserID     string        `json:"userId"`
	SessionID  string        `json:"sessionId,omitempty"`
	LockType   LockType      `json:"lockType"`
	EntityType ot.EntityType `json:"entityType"`
	EntityID   string        `json:"entityId"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

func (l GraphLock) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// CollaborationSession is one live connection of a user to a graph.
type CollaborationSession struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	GraphID          string     `json:"graphId"`
	ConnectionID     string     `json:"connectionId"`
	OperationsCount  int64      `json:"operationsCount"`
	BytesTransferred int64      `json:"bytesTransferred"`
	StartedAt        time.Time  `json:"startedAt"`
	LastActivity     time.Time  `json:"lastActivity"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
}

// AppliedOp is an operation as recorded in a graph's operation log.
type AppliedOp struct {
	Version   uint64       `json:"version"`
	Operation ot.Operation `json:"operation"`
	AppliedAt time.Time    `json:"appliedAt"`
}
