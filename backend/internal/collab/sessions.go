package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/store"
)

// CreateSession opens a collaboration session for one connection.
func (c *Coordinator) CreateSession(ctx context.Context, userID, graphID, connectionID string) (*entity.CollaborationSession, error) {
	now := c.now()
	cs := entity.CollaborationSession{
		ID:           newID(),
		UserID:       userID,
		GraphID:      graphID,
		ConnectionID: connectionID,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := c.sessions.Create(ctx, cs); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.dispatch(ctx, broadcast.GraphEvent{
		EventType: broadcast.EventSessionStarted,
		GraphID:   graphID,
		UserID:    userID,
		SessionID: cs.ID,
	})
	return &cs, nil
}

// RecordTraffic adds to the operation and byte counters of a live session.
func (c *Coordinator) RecordTraffic(ctx context.Context, sessionID string, ops, bytes int64) error {
	err := c.sessions.RecordTraffic(ctx, sessionID, ops, bytes, c.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionUnknown
	}
	return err
}

// EndSession closes a session and releases the locks taken through it.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) error {
	cs, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionUnknown
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if cs.EndedAt != nil {
		return nil
	}
	if err := c.sessions.End(ctx, sessionID, c.now()); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, err := c.ReleaseSessionLocks(ctx, sessionID); err != nil {
		c.log.Warn("release session locks", "session", sessionID, "err", err)
	} else if n > 0 {
		c.log.Debug("session locks released", "session", sessionID, "count", n)
	}
	c.dispatch(ctx, broadcast.GraphEvent{
		EventType: broadcast.EventSessionEnded,
		GraphID:   cs.GraphID,
		UserID:    cs.UserID,
		SessionID: sessionID,
	})
	return nil
}

// Session returns a session by id.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*entity.CollaborationSession, error) {
	cs, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionUnknown
	}
	return cs, err
}
