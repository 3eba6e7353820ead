package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/metrics"
)

// CleanupReport counts the transitions made by one sweep.
type CleanupReport struct {
	Idle    int
	Offline int
}

// CleanupExpired runs the offline sweep and then the idle sweep, so a
// session silent past the offline threshold only ever reports offline.
func (t *Tracker) CleanupExpired(ctx context.Context) (CleanupReport, error) {
	var rep CleanupReport
	now := t.now()

	expired, err := t.store.ExpireStale(ctx, now.Add(-t.opts.OfflineAfter), now)
	if err != nil {
		return rep, fmt.Errorf("expire stale presence: %w", err)
	}
	rep.Offline = len(expired)

	announced := make(map[[2]string]bool)
	for _, p := range expired {
		metrics.PresenceTransitions.WithLabelValues(string(entity.StatusOffline)).Inc()
		if err := t.cache.Delete(ctx, p.PresenceKey); err != nil {
			t.log.Warn("evict presence entry", "session", p.SessionID, "err", err)
		}
		t.record(ctx, p.PresenceKey, entity.ActivityWentOffline, "")

		user := [2]string{p.GraphID, p.UserID}
		if announced[user] {
			continue
		}
		last, err := t.lastSession(ctx, p.PresenceKey)
		if err != nil {
			t.log.Warn("check remaining sessions", "user", p.UserID, "err", err)
			continue
		}
		if last {
			announced[user] = true
			ev := eventFor(p.PresenceKey)
			ev.Status = entity.StatusOffline
			t.publish(ctx, p.GraphID, broadcast.TopicPresence, broadcast.TypeUserOffline, p.SessionID, ev)
		}
	}

	idle, err := t.store.DemoteIdle(ctx, now.Add(-t.opts.IdleAfter))
	if err != nil {
		return rep, fmt.Errorf("demote idle presence: %w", err)
	}
	rep.Idle = len(idle)
	for _, p := range idle {
		metrics.PresenceTransitions.WithLabelValues(string(entity.StatusIdle)).Inc()
		if _, err := t.cache.SetStatus(ctx, p.PresenceKey, entity.StatusIdle); err != nil {
			t.log.Warn("mark cache entry idle", "session", p.SessionID, "err", err)
		}
		ev := eventFor(p.PresenceKey)
		ev.Status = entity.StatusIdle
		t.publish(ctx, p.GraphID, broadcast.TopicPresence, broadcast.TypeStatusChanged, p.SessionID, ev)
	}

	if rep.Idle > 0 || rep.Offline > 0 {
		t.log.Info("presence sweep", "idle", rep.Idle, "offline", rep.Offline)
	}
	return rep, nil
}

// Run sweeps every SweepInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.CleanupExpired(ctx); err != nil {
				t.log.Error("presence sweep failed", "err", err)
			}
		}
	}
}
