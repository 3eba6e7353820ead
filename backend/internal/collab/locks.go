package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/metrics"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/store"
)

type LockRequest struct {
	GraphID    string          `json:"graphId"`
	UserID     string          `json:"userId"`
	SessionID  string          `json:"sessionId,omitempty"`
	EntityType ot.EntityType   `json:"entityType"`
	EntityID   string          `json:"entityId"`
	LockType   entity.LockType `json:"lockType"`
	// TTL defaults to Options.LockTTL.
	TTL time.Duration `json:"-"`
}

// LockConflictError names the lock that blocked an acquisition.
type LockConflictError struct {
	Holder entity.GraphLock
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%s: %s lock held by %s until %s", ErrLockConflict, e.Holder.LockType, e.Holder.UserID, e.Holder.ExpiresAt.Format(time.RFC3339))
}

func (e *LockConflictError) Unwrap() error { return ErrLockConflict }

// LockEvent is the payload of lock_acquired and lock_released broadcasts.
type LockEvent struct {
	Lock   entity.GraphLock `json:"lock"`
	Reason string           `json:"reason,omitempty"`
}

const (
	releaseExplicit = "released"
	releaseExpired  = "expired"
	releaseSession  = "session_ended"
	releaseUpgrade  = "replaced"
)

// AcquireLock grants a lock unless another user holds a conflicting,
// unexpired one on the same entity. Read locks share; write and exclusive
// locks share with nothing. Locks the requester already holds never block it:
// asking again for the same type renews the lock, asking for another type
// replaces it.
func (c *Coordinator) AcquireLock(ctx context.Context, req LockRequest) (*entity.GraphLock, error) {
	if req.GraphID == "" || req.UserID == "" || req.EntityID == "" || !req.LockType.Valid() {
		return nil, fmt.Errorf("%w: incomplete lock request", ot.ErrValidation)
	}
	switch req.EntityType {
	case ot.EntityNode, ot.EntityEdge, ot.EntityProperty:
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", ot.ErrValidation, req.EntityType)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.opts.LockTTL
	}

	unlock := c.lockMu.Lock(req.GraphID + "/" + string(req.EntityType) + ":" + req.EntityID)
	defer unlock()

	now := c.now()
	held, err := c.locks.ListActive(ctx, req.GraphID, req.EntityType, req.EntityID, now)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	var mine []entity.GraphLock
	for _, l := range held {
		if l.UserID == req.UserID {
			mine = append(mine, l)
			continue
		}
		if !req.LockType.Compatible(l.LockType) {
			metrics.LockRequests.WithLabelValues(string(req.LockType), "denied").Inc()
			return nil, &LockConflictError{Holder: l}
		}
	}

	for _, l := range mine {
		if l.LockType != req.LockType {
			continue
		}
		ok, err := c.locks.Extend(ctx, l.ID, req.UserID, now.Add(ttl))
		if err != nil {
			return nil, fmt.Errorf("renew lock: %w", err)
		}
		if ok {
			l.ExpiresAt = now.Add(ttl)
			metrics.LockRequests.WithLabelValues(string(req.LockType), "renewed").Inc()
			return &l, nil
		}
	}
	for _, l := range mine {
		ok, err := c.locks.Delete(ctx, l.ID, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("replace lock: %w", err)
		}
		if ok {
			c.announceRelease(ctx, l, releaseUpgrade)
		}
	}

	l := entity.GraphLock{
		ID:         newID(),
		GraphID:    req.GraphID,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		LockType:   req.LockType,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := c.locks.Insert(ctx, l); err != nil {
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	metrics.LockRequests.WithLabelValues(string(req.LockType), "granted").Inc()
	c.log.Debug("lock granted", "graph", l.GraphID, "entity", l.EntityID, "type", l.LockType, "user", l.UserID)

	c.publish(ctx, l.GraphID, broadcast.TopicLocks, broadcast.TypeLockAcquired, l.SessionID, LockEvent{Lock: l})
	c.dispatch(ctx, lockEvent(broadcast.EventLockAcquired, l))
	c.record(ctx, l.GraphID, l.UserID, l.SessionID, entity.ActivityLockAcquired, string(l.LockType)+" "+string(l.EntityType)+":"+l.EntityID)
	return &l, nil
}

// ReleaseLock drops a lock held by userID.
func (c *Coordinator) ReleaseLock(ctx context.Context, lockID, userID string) error {
	l, err := c.locks.Get(ctx, lockID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrLockNotFound
	}
	if err != nil {
		return fmt.Errorf("get lock: %w", err)
	}
	if l.UserID != userID {
		return ErrNotLockHolder
	}
	ok, err := c.locks.Delete(ctx, lockID, userID)
	if err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	if !ok {
		return ErrLockNotFound
	}
	c.announceRelease(ctx, *l, releaseExplicit)
	return nil
}

// RenewLock pushes the expiry of a live lock one TTL past now.
func (c *Coordinator) RenewLock(ctx context.Context, lockID, userID string) (*entity.GraphLock, error) {
	l, err := c.locks.Get(ctx, lockID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	if l.UserID != userID {
		return nil, ErrNotLockHolder
	}
	now := c.now()
	if l.Expired(now) {
		return nil, ErrLockNotFound
	}
	exp := now.Add(c.opts.LockTTL)
	ok, err := c.locks.Extend(ctx, lockID, userID, exp)
	if err != nil {
		return nil, fmt.Errorf("renew lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotFound
	}
	l.ExpiresAt = exp
	metrics.LockRequests.WithLabelValues(string(l.LockType), "renewed").Inc()
	return l, nil
}

// IsLocked reports whether any unexpired lock exists on the entity.
func (c *Coordinator) IsLocked(ctx context.Context, graphID string, et ot.EntityType, entityID string) (bool, error) {
	held, err := c.locks.ListActive(ctx, graphID, et, entityID, c.now())
	if err != nil {
		return false, err
	}
	return len(held) > 0, nil
}

// EntityLocks lists the unexpired locks on one entity.
func (c *Coordinator) EntityLocks(ctx context.Context, graphID string, et ot.EntityType, entityID string) ([]entity.GraphLock, error) {
	return c.locks.ListActive(ctx, graphID, et, entityID, c.now())
}

// GraphLocks lists the unexpired locks of a graph.
func (c *Coordinator) GraphLocks(ctx context.Context, graphID string) ([]entity.GraphLock, error) {
	return c.locks.ListGraph(ctx, graphID, c.now())
}

// ReleaseExpiredLocks removes every lock past its expiry and announces each.
func (c *Coordinator) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	expired, err := c.locks.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	for _, l := range expired {
		metrics.LocksExpired.Inc()
		c.announceRelease(ctx, l, releaseExpired)
	}
	if len(expired) > 0 {
		c.log.Info("expired locks released", "count", len(expired))
	}
	return len(expired), nil
}

// ReleaseSessionLocks drops every lock taken through a session.
func (c *Coordinator) ReleaseSessionLocks(ctx context.Context, sessionID string) (int, error) {
	dropped, err := c.locks.DeleteBySession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session locks: %w", err)
	}
	for _, l := range dropped {
		c.announceRelease(ctx, l, releaseSession)
	}
	return len(dropped), nil
}

// Run sweeps expired locks and evicts idle graphs every LockSweepInterval
// until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.LockSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.ReleaseExpiredLocks(ctx); err != nil {
				c.log.Error("lock sweep failed", "err", err)
			}
			c.EvictIdleGraphs(c.now())
		}
	}
}

func (c *Coordinator) announceRelease(ctx context.Context, l entity.GraphLock, reason string) {
	c.publish(ctx, l.GraphID, broadcast.TopicLocks, broadcast.TypeLockReleased, l.SessionID, LockEvent{Lock: l, Reason: reason})
	c.dispatch(ctx, lockEvent(broadcast.EventLockReleased, l))
	c.record(ctx, l.GraphID, l.UserID, l.SessionID, entity.ActivityLockReleased, reason)
}

func lockEvent(typ string, l entity.GraphLock) broadcast.GraphEvent {
	return broadcast.GraphEvent{
		EventType:  typ,
		GraphID:    l.GraphID,
		UserID:     l.UserID,
		SessionID:  l.SessionID,
		EntityType: l.EntityType,
		EntityID:   l.EntityID,
		LockID:     l.ID,
	}
}
