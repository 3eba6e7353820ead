// Package presence tracks who is connected to a graph and what they are
// looking at. Durable rows are the audit trail and the cold-start source; the
// cache is the liveness authority and is rebuilt from the rows on a miss.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/cache"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/metrics"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/store"
)

// ErrUnknownSession is returned for sessions the durable store has no live
// row for. They are treated as offline and must join again.
var ErrUnknownSession = errors.New("UNKNOWN_SESSION")

type Store interface {
	Upsert(ctx context.Context, p *entity.UserPresence) error
	Get(ctx context.Context, key entity.PresenceKey) (*entity.UserPresence, error)
	MarkOffline(ctx context.Context, key entity.PresenceKey, at time.Time) error
	UpdateCursor(ctx context.Context, key entity.PresenceKey, c *entity.CursorPosition) (bool, error)
	UpdateSelection(ctx context.Context, key entity.PresenceKey, s *entity.Selection) (bool, error)
	UpdateViewport(ctx context.Context, key entity.PresenceKey, v *entity.Viewport) (bool, error)
	TouchHeartbeat(ctx context.Context, key entity.PresenceKey, at time.Time) (entity.PresenceStatus, error)
	ListActive(ctx context.Context, graphID string, since time.Time) ([]entity.UserPresence, error)
	CountActiveSessions(ctx context.Context, userID, graphID string) (int, error)
	DemoteIdle(ctx context.Context, cutoff time.Time) ([]entity.UserPresence, error)
	ExpireStale(ctx context.Context, cutoff, at time.Time) ([]entity.UserPresence, error)
}

type Cache interface {
	Get(ctx context.Context, key entity.PresenceKey) (*entity.UserPresence, error)
	Put(ctx context.Context, p *entity.UserPresence, ttl time.Duration) error
	Refresh(ctx context.Context, key entity.PresenceKey, at time.Time, ttl time.Duration) (bool, error)
	SetField(ctx context.Context, key entity.PresenceKey, field string, v any) (bool, error)
	SetStatus(ctx context.Context, key entity.PresenceKey, status entity.PresenceStatus) (bool, error)
	Delete(ctx context.Context, key entity.PresenceKey) error
	LiveSessions(ctx context.Context, graphID, userID string) ([]string, error)
	AddActive(ctx context.Context, graphID, userID string) error
	RemoveActive(ctx context.Context, graphID, userID string) error
}

type Broadcaster interface {
	Publish(ctx context.Context, graphID string, topic broadcast.Topic, env broadcast.Envelope) error
}

type UserDirectory interface {
	GetUserProfile(ctx context.Context, userID string) (*entity.UserProfile, error)
}

type ActivityLog interface {
	Record(ctx context.Context, a entity.GraphActivity) error
}

type Options struct {
	IdleAfter     time.Duration
	OfflineAfter  time.Duration
	CacheTTL      time.Duration
	SweepInterval time.Duration
	Retry         RetryPolicy
}

func DefaultOptions() Options {
	return Options{
		IdleAfter:     60 * time.Second,
		OfflineAfter:  120 * time.Second,
		CacheTTL:      120 * time.Second,
		SweepInterval: 30 * time.Second,
		Retry:         DefaultRetry,
	}
}

// Deps are the collaborators of a Tracker. Activity and Now are optional.
type Deps struct {
	Store    Store
	Cache    Cache
	Bus      Broadcaster
	Users    UserDirectory
	Activity ActivityLog
	Log      *slog.Logger
	Now      func() time.Time
}

type Tracker struct {
	store    Store
	cache    Cache
	bus      Broadcaster
	users    UserDirectory
	activity ActivityLog
	log      *slog.Logger
	now      func() time.Time
	opts     Options

	// collapses concurrent cache rebuilds of one session
	sf singleflight.Group
}

func NewTracker(d Deps, opts Options) *Tracker {
	def := DefaultOptions()
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = def.IdleAfter
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = def.OfflineAfter
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = def.Retry
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:    d.Store,
		cache:    d.Cache,
		bus:      d.Bus,
		users:    d.Users,
		activity: d.Activity,
		log:      log.With("component", "presence"),
		now:      now,
		opts:     opts,
	}
}

// Event is the payload of every presence broadcast except user_joined, which
// carries the full UserPresence.
type Event struct {
	UserID    string                 `json:"userId"`
	GraphID   string                 `json:"graphId"`
	SessionID string                 `json:"sessionId"`
	Status    entity.PresenceStatus  `json:"status,omitempty"`
	Cursor    *entity.CursorPosition `json:"cursor,omitempty"`
	Selection *entity.Selection      `json:"selection,omitempty"`
	Viewport  *entity.Viewport       `json:"viewport,omitempty"`
}

func eventFor(k entity.PresenceKey) Event {
	return Event{UserID: k.UserID, GraphID: k.GraphID, SessionID: k.SessionID}
}

// Join opens (or reopens) a session as online and announces it. Repeated
// joins of the same session are harmless.
func (t *Tracker) Join(ctx context.Context, key entity.PresenceKey) (*entity.UserPresence, error) {
	now := t.now()
	p := &entity.UserPresence{
		PresenceKey:   key,
		Status:        entity.StatusOnline,
		LastHeartbeat: now,
		ConnectedAt:   now,
	}
	if err := t.store.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	if err := t.cache.Put(ctx, p, t.opts.CacheTTL); err != nil {
		return nil, fmt.Errorf("join cache: %w", err)
	}

	if t.users != nil {
		profile, err := t.users.GetUserProfile(ctx, key.UserID)
		switch {
		case err == nil:
			p.Profile = profile
		case errors.Is(err, store.ErrNotFound):
		default:
			t.log.Warn("resolve user profile", "user", key.UserID, "err", err)
		}
	}

	metrics.PresenceTransitions.WithLabelValues(string(entity.StatusOnline)).Inc()
	t.record(ctx, key, entity.ActivityJoined, "")
	t.publish(ctx, key.GraphID, broadcast.TopicPresence, broadcast.TypeUserJoined, key.SessionID, p)
	return p, nil
}

// Leave closes a session. user_left is only announced when it was the
// user's last live session on the graph.
func (t *Tracker) Leave(ctx context.Context, key entity.PresenceKey) error {
	if err := t.store.MarkOffline(ctx, key, t.now()); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	if err := t.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("leave cache: %w", err)
	}
	metrics.PresenceTransitions.WithLabelValues(string(entity.StatusOffline)).Inc()
	t.record(ctx, key, entity.ActivityLeft, "")

	last, err := t.lastSession(ctx, key)
	if err != nil {
		return err
	}
	if last {
		t.publish(ctx, key.GraphID, broadcast.TopicPresence, broadcast.TypeUserLeft, key.SessionID, eventFor(key))
	}
	return nil
}

// Heartbeat refreshes a session. A session that had gone idle comes back
// online and the change is announced.
func (t *Tracker) Heartbeat(ctx context.Context, key entity.PresenceKey) error {
	now := t.now()
	prev, err := retry(ctx, t.opts.Retry, func() (entity.PresenceStatus, error) {
		return t.store.TouchHeartbeat(ctx, key, now)
	})
	if errors.Is(err, store.ErrNotFound) || prev == entity.StatusOffline {
		return ErrUnknownSession
	}
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	live, err := retry(ctx, t.opts.Retry, func() (bool, error) {
		return t.cache.Refresh(ctx, key, now, t.opts.CacheTTL)
	})
	if err != nil {
		t.log.Warn("refresh presence cache", "session", key.SessionID, "err", err)
	} else if !live {
		if _, err := t.reconcile(ctx, key); err != nil {
			return err
		}
	}

	if prev == entity.StatusIdle {
		if err := t.cache.AddActive(ctx, key.GraphID, key.UserID); err != nil {
			t.log.Warn("re-add active user", "user", key.UserID, "err", err)
		}
		metrics.PresenceTransitions.WithLabelValues(string(entity.StatusOnline)).Inc()
		ev := eventFor(key)
		ev.Status = entity.StatusOnline
		t.publish(ctx, key.GraphID, broadcast.TopicPresence, broadcast.TypeStatusChanged, key.SessionID, ev)
	}
	return nil
}

// GetActiveUsers returns the graph's sessions that are not offline and have
// a heartbeat younger than the offline threshold, oldest connection first.
func (t *Tracker) GetActiveUsers(ctx context.Context, graphID string) ([]entity.UserPresence, error) {
	return t.store.ListActive(ctx, graphID, t.now().Add(-t.opts.OfflineAfter))
}

// Lookup returns the live presence of one session, cache first. A missing
// cache entry is rebuilt from the durable row; sessions the store has no live
// row for return ErrUnknownSession.
func (t *Tracker) Lookup(ctx context.Context, key entity.PresenceKey) (*entity.UserPresence, error) {
	p, err := t.cache.Get(ctx, key)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		t.log.Warn("read presence cache", "session", key.SessionID, "err", err)
	}
	return t.reconcile(ctx, key)
}

// reconcile rebuilds a missing cache entry from the durable row.
func (t *Tracker) reconcile(ctx context.Context, key entity.PresenceKey) (*entity.UserPresence, error) {
	v, err, _ := t.sf.Do(key.GraphID+"/"+key.UserID+"/"+key.SessionID, func() (any, error) {
		p, err := t.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownSession
		}
		if err != nil {
			return nil, err
		}
		if p.Status == entity.StatusOffline {
			return nil, ErrUnknownSession
		}
		if err := t.cache.Put(ctx, p, t.opts.CacheTTL); err != nil {
			return nil, err
		}
		t.log.Debug("rebuilt presence cache entry", "user", key.UserID, "session", key.SessionID)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p, _ := v.(*entity.UserPresence)
	return p, nil
}

// lastSession reports whether the user has no other non-offline session on
// the graph. When it does not, the user is dropped from the active set.
func (t *Tracker) lastSession(ctx context.Context, key entity.PresenceKey) (bool, error) {
	n, err := t.store.CountActiveSessions(ctx, key.UserID, key.GraphID)
	if err != nil {
		return false, fmt.Errorf("count sessions: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if err := t.cache.RemoveActive(ctx, key.GraphID, key.UserID); err != nil {
		return false, fmt.Errorf("remove active user: %w", err)
	}
	return true, nil
}

func (t *Tracker) publish(ctx context.Context, graphID string, topic broadcast.Topic, typ, sessionID string, payload any) {
	if t.bus == nil {
		return
	}
	env, err := broadcast.NewEnvelope(typ, sessionID, payload, t.now())
	if err != nil {
		t.log.Error("build envelope", "type", typ, "err", err)
		return
	}
	if err := t.bus.Publish(ctx, graphID, topic, env); err != nil {
		t.log.Warn("publish presence event", "graph", graphID, "type", typ, "err", err)
	}
}

func (t *Tracker) record(ctx context.Context, key entity.PresenceKey, activity, detail string) {
	if t.activity == nil {
		return
	}
	err := t.activity.Record(ctx, entity.GraphActivity{
		GraphID:      key.GraphID,
		UserID:       key.UserID,
		SessionID:    key.SessionID,
		ActivityType: activity,
		Detail:       detail,
		CreatedAt:    t.now(),
	})
	if err != nil {
		t.log.Warn("record activity", "type", activity, "err", err)
	}
}
