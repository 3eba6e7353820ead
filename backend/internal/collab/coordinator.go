package collab

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
)

var (
	ErrLockConflict   = errors.New("LOCK_CONFLICT")
	ErrLockNotFound   = errors.New("LOCK_NOT_FOUND")
	ErrNotLockHolder  = errors.New("NOT_LOCK_HOLDER")
	ErrEntityLocked   = errors.New("ENTITY_LOCKED")
	ErrSessionUnknown = errors.New("SESSION_NOT_FOUND")
)

// OperationLog is the durable, versioned per-graph operation log.
type OperationLog interface {
	Append(ctx context.Context, graphID string, op ot.Operation, at time.Time) (uint64, error)
	Range(ctx context.Context, graphID string, from, to uint64) ([]entity.AppliedOp, error)
	CurrentVersion(ctx context.Context, graphID string) (uint64, error)
}

type LockStore interface {
	ListActive(ctx context.Context, graphID string, et ot.EntityType, entityID string, now time.Time) ([]entity.GraphLock, error)
	ListGraph(ctx context.Context, graphID string, now time.Time) ([]entity.GraphLock, error)
	Insert(ctx context.Context, l entity.GraphLock) error
	Get(ctx context.Context, lockID string) (*entity.GraphLock, error)
	Extend(ctx context.Context, lockID, userID string, expiresAt time.Time) (bool, error)
	Delete(ctx context.Context, lockID, userID string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]entity.GraphLock, error)
	DeleteBySession(ctx context.Context, sessionID string) ([]entity.GraphLock, error)
}

type SessionStore interface {
	Create(ctx context.Context, cs entity.CollaborationSession) error
	RecordTraffic(ctx context.Context, sessionID string, ops, bytes int64, at time.Time) error
	End(ctx context.Context, sessionID string, at time.Time) error
	Get(ctx context.Context, sessionID string) (*entity.CollaborationSession, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, graphID string, topic broadcast.Topic, env broadcast.Envelope) error
}

// EventSink receives graph events for downstream consumers (Kafka).
type EventSink interface {
	Enqueue(ctx context.Context, evt broadcast.GraphEvent) error
}

type ActivityLog interface {
	Record(ctx context.Context, a entity.GraphActivity) error
}

type Options struct {
	LockTTL           time.Duration
	LockSweepInterval time.Duration
	// LogCapacity bounds the in-memory operation log of one graph; older
	// entries are read back from the durable log.
	LogCapacity int
	// RecentOps is the number of operations returned with a snapshot.
	RecentOps int
	// GraphIdleAfter is how long an untouched graph stays in memory.
	GraphIdleAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		LockTTL:           5 * time.Minute,
		LockSweepInterval: 30 * time.Second,
		LogCapacity:       1024,
		RecentOps:         50,
		GraphIdleAfter:    15 * time.Minute,
	}
}

// Deps are the collaborators of a Coordinator. Bus, Events, Activity and Now
// are optional.
type Deps struct {
	Ops      OperationLog
	Locks    LockStore
	Sessions SessionStore
	Bus      Broadcaster
	Events   EventSink
	Activity ActivityLog
	Log      *slog.Logger
	Now      func() time.Time
}

// Coordinator owns collaboration sessions, entity locks and the
// authoritative state of every graph it has loaded.
type Coordinator struct {
	ops      OperationLog
	locks    LockStore
	sessions SessionStore
	bus      Broadcaster
	events   EventSink
	activity ActivityLog
	log      *slog.Logger
	now      func() time.Time
	opts     Options

	mu     sync.RWMutex
	graphs map[string]*graphState

	// serializes submissions per (graph, entity)
	entityMu keyedMutex
	// serializes lock decisions per (graph, entity)
	lockMu keyedMutex
}

func NewCoordinator(d Deps, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.LockSweepInterval <= 0 {
		opts.LockSweepInterval = def.LockSweepInterval
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = def.LogCapacity
	}
	if opts.RecentOps <= 0 {
		opts.RecentOps = def.RecentOps
	}
	if opts.GraphIdleAfter <= 0 {
		opts.GraphIdleAfter = def.GraphIdleAfter
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		ops:      d.Ops,
		locks:    d.Locks,
		sessions: d.Sessions,
		bus:      d.Bus,
		events:   d.Events,
		activity: d.Activity,
		log:      log.With("component", "collab"),
		now:      now,
		opts:     opts,
		graphs:   make(map[string]*graphState),
	}
}

// graphState is the in-memory authority for one graph.
type graphState struct {
	// seq is held by a submission from transform through commit, so
	// versions are handed out and folded into state in the same order.
	// Lock order: seq, then mu.
	seq sync.Mutex
	// evicted is set under seq once the graph left c.graphs.
	evicted bool

	mu       sync.Mutex
	loaded   bool
	state    map[string]any
	version  uint64
	lastUsed time.Time
	// recent applied operations ordered by version
	log *btree.BTreeG[entity.AppliedOp]
}

func byVersion(a, b entity.AppliedOp) bool { return a.Version < b.Version }

func (c *Coordinator) graph(graphID string) *graphState {
	c.mu.RLock()
	gs := c.graphs[graphID]
	c.mu.RUnlock()
	if gs != nil {
		return gs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gs = c.graphs[graphID]; gs == nil {
		gs = &graphState{}
		c.graphs[graphID] = gs
	}
	return gs
}

// sequence returns the live state of graphID with its seq held.
func (c *Coordinator) sequence(graphID string) *graphState {
	for {
		gs := c.graph(graphID)
		gs.seq.Lock()
		if !gs.evicted {
			return gs
		}
		gs.seq.Unlock()
	}
}

// EvictIdleGraphs drops the in-memory state of graphs untouched for
// GraphIdleAfter. They are rebuilt from the durable log on next use.
func (c *Coordinator) EvictIdleGraphs(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, gs := range c.graphs {
		if !gs.seq.TryLock() {
			continue
		}
		gs.mu.Lock()
		if now.Sub(gs.lastUsed) >= c.opts.GraphIdleAfter {
			gs.evicted = true
			gs.loaded, gs.state, gs.log = false, nil, nil
			delete(c.graphs, id)
			n++
		}
		gs.mu.Unlock()
		gs.seq.Unlock()
	}
	if n > 0 {
		c.log.Debug("evicted idle graphs", "count", n, "resident", len(c.graphs))
	}
	return n
}

// loadLocked rebuilds the graph state by replaying the durable log. gs.mu
// must be held.
func (c *Coordinator) loadLocked(ctx context.Context, graphID string, gs *graphState) error {
	gs.lastUsed = c.now()
	if gs.loaded {
		return nil
	}
	applied, err := c.ops.Range(ctx, graphID, 0, 0)
	if err != nil {
		return err
	}
	state := make(map[string]any)
	log := btree.NewBTreeG(byVersion)
	var version uint64
	for _, a := range applied {
		next, err := ot.Apply(state, a.Operation)
		if err != nil {
			c.log.Warn("skip unreplayable operation", "graph", graphID, "version", a.Version, "err", err)
		} else {
			state = next
		}
		log.Set(a)
		version = a.Version
	}
	for log.Len() > c.opts.LogCapacity {
		log.PopMin()
	}
	gs.state, gs.log, gs.version, gs.loaded = state, log, version, true
	c.log.Debug("graph loaded", "graph", graphID, "version", version, "ops", len(applied))
	return nil
}

// Snapshot is the state handed to late-joining clients.
type Snapshot struct {
	GraphID string             `json:"graphId"`
	State   map[string]any     `json:"state"`
	Version uint64             `json:"version"`
	Recent  []entity.AppliedOp `json:"recent,omitempty"`
}

func (c *Coordinator) Snapshot(ctx context.Context, graphID string) (*Snapshot, error) {
	gs := c.graph(graphID)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if err := c.loadLocked(ctx, graphID, gs); err != nil {
		return nil, err
	}

	recent := make([]entity.AppliedOp, 0, min(gs.log.Len(), c.opts.RecentOps))
	gs.log.Reverse(func(a entity.AppliedOp) bool {
		recent = append(recent, a)
		return len(recent) < c.opts.RecentOps
	})
	slices.Reverse(recent)
	return &Snapshot{GraphID: graphID, State: ot.Clone(gs.state), Version: gs.version, Recent: recent}, nil
}

// GetOperationHistory returns the durable log slice fromVersion < v <= toVersion.
// toVersion 0 means the latest version.
func (c *Coordinator) GetOperationHistory(ctx context.Context, graphID string, fromVersion, toVersion uint64) ([]entity.AppliedOp, error) {
	return c.ops.Range(ctx, graphID, fromVersion, toVersion)
}

// CurrentVersion returns the latest version of a graph, 0 if it has none.
func (c *Coordinator) CurrentVersion(ctx context.Context, graphID string) (uint64, error) {
	c.mu.RLock()
	gs := c.graphs[graphID]
	c.mu.RUnlock()
	if gs != nil {
		gs.mu.Lock()
		loaded, v := gs.loaded, gs.version
		gs.mu.Unlock()
		if loaded {
			return v, nil
		}
	}
	return c.ops.CurrentVersion(ctx, graphID)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*refMutex)
	}
	rm := k.m[key]
	if rm == nil {
		rm = &refMutex{}
		k.m[key] = rm
	}
	rm.refs++
	k.mu.Unlock()

	rm.Lock()
	return func() {
		rm.Unlock()
		k.mu.Lock()
		rm.refs--
		if rm.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func (c *Coordinator) publish(ctx context.Context, graphID string, topic broadcast.Topic, typ, sessionID string, payload any) {
	if c.bus == nil {
		return
	}
	env, err := broadcast.NewEnvelope(typ, sessionID, payload, c.now())
	if err != nil {
		c.log.Error("build envelope", "type", typ, "err", err)
		return
	}
	if err := c.bus.Publish(ctx, graphID, topic, env); err != nil {
		c.log.Warn("publish event", "graph", graphID, "type", typ, "err", err)
	}
}

// enqueueWait bounds how long a caller waits on a full event queue.
const enqueueWait = 50 * time.Millisecond

func (c *Coordinator) dispatch(ctx context.Context, evt broadcast.GraphEvent) {
	if c.events == nil {
		return
	}
	evt.OccurredAt = c.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueWait)
	defer cancel()
	if err := c.events.Enqueue(ctx, evt); err != nil {
		c.log.Debug("graph event not queued", "type", evt.EventType, "err", err)
	}
}

func (c *Coordinator) record(ctx context.Context, graphID, userID, sessionID, activity, detail string) {
	if c.activity == nil {
		return
	}
	err := c.activity.Record(ctx, entity.GraphActivity{
		GraphID:      graphID,
		UserID:       userID,
		SessionID:    sessionID,
		ActivityType: activity,
		Detail:       detail,
		CreatedAt:    c.now(),
	})
	if err != nil {
		c.log.Warn("record activity", "type", activity, "err", err)
	}
}
