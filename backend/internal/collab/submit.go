package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/metrics"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/store"
)

// SubmitResult is handed back to the submitting client for reconciliation.
// Applied is false when the transformed operation collapsed into a no-op and
// nothing was written.
type SubmitResult struct {
	Result  ot.TransformResult `json:"result"`
	Version uint64             `json:"version"`
	Applied bool               `json:"applied"`
}

// RejectError is returned when an operation cannot be applied after
// transformation. It keeps the transform outcome so the client gets the
// conflict report rather than a bare failure.
type RejectError struct {
	Result ot.TransformResult
	Err    error
}

func (e *RejectError) Error() string { return "operation rejected: " + e.Err.Error() }
func (e *RejectError) Unwrap() error { return e.Err }

// SubmitOperation transforms op against everything applied to the same entity
// since op.BaseVersion, applies it to the graph state and appends it to the
// durable log of graphID. Operations that cannot be applied after the
// transform come back as a *RejectError.
func (c *Coordinator) SubmitOperation(ctx context.Context, graphID string, op ot.Operation) (*SubmitResult, error) {
	start := time.Now()
	res, err := c.submit(ctx, graphID, op)
	switch {
	case err == nil:
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
		if res.Applied {
			metrics.OperationsSubmitted.WithLabelValues("applied").Inc()
		} else {
			metrics.OperationsSubmitted.WithLabelValues("noop").Inc()
		}
	case errors.Is(err, ot.ErrValidation), errors.Is(err, ot.ErrInvalidPath), errors.Is(err, ErrEntityLocked):
		metrics.OperationsSubmitted.WithLabelValues("rejected").Inc()
	default:
		metrics.OperationsSubmitted.WithLabelValues("error").Inc()
	}
	return res, err
}

func (c *Coordinator) submit(ctx context.Context, graphID string, op ot.Operation) (*SubmitResult, error) {
	if graphID == "" || !ot.Validate(op) {
		return nil, fmt.Errorf("%w: malformed %s operation on %s", ot.ErrValidation, op.Type, op.EntityKey())
	}
	op = op.Clone()
	if op.ID == "" {
		op.ID = newID()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = c.now()
	}

	unlock := c.entityMu.Lock(graphID + "/" + op.EntityKey())
	defer unlock()

	if err := c.checkEntityLocks(ctx, graphID, op); err != nil {
		return nil, err
	}

	tr, applied, err := c.sequenceSubmit(ctx, graphID, op)
	if err != nil {
		return nil, err
	}
	countConflicts(tr.Conflicts)
	if tr.Operation.IsNoop() {
		return &SubmitResult{Result: tr, Version: applied.Version}, nil
	}
	version, at := applied.Version, applied.AppliedAt

	if tr.Operation.SessionID != "" {
		if err := c.sessions.RecordTraffic(ctx, tr.Operation.SessionID, 1, 0, at); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("count session operation", "session", tr.Operation.SessionID, "err", err)
		}
	}

	c.publish(ctx, graphID, broadcast.TopicOperations, broadcast.TypeOperation, tr.Operation.SessionID, applied)
	opCopy := tr.Operation
	c.dispatch(ctx, broadcast.GraphEvent{
		EventType:  broadcast.EventOpApplied,
		GraphID:    graphID,
		UserID:     opCopy.UserID,
		SessionID:  opCopy.SessionID,
		EntityType: opCopy.EntityType,
		EntityID:   opCopy.EntityID,
		Version:    version,
		Operation:  &opCopy,
		Conflicts:  len(tr.Conflicts),
	})
	c.record(ctx, graphID, opCopy.UserID, opCopy.SessionID, entity.ActivityOperation, string(opCopy.Type)+" "+opCopy.EntityKey())

	return &SubmitResult{Result: tr, Version: version, Applied: true}, nil
}

// sequenceSubmit transforms op, appends it to the durable log and folds it
// into the graph state while holding the graph's seq, so the live state is
// always the replay of the log up to gs.version. A noop result carries the
// current version and is not written. Rejections come back as *RejectError.
func (c *Coordinator) sequenceSubmit(ctx context.Context, graphID string, op ot.Operation) (ot.TransformResult, entity.AppliedOp, error) {
	gs := c.sequence(graphID)
	defer gs.seq.Unlock()

	gs.mu.Lock()
	if err := c.loadLocked(ctx, graphID, gs); err != nil {
		gs.mu.Unlock()
		return ot.TransformResult{}, entity.AppliedOp{}, fmt.Errorf("load graph: %w", err)
	}
	history, err := c.concurrentLocked(ctx, graphID, gs, op)
	if err != nil {
		gs.mu.Unlock()
		return ot.TransformResult{}, entity.AppliedOp{}, err
	}
	tr, err := ot.TransformAgainst(op, history, ot.PriorityRemote)
	if err != nil {
		gs.mu.Unlock()
		return ot.TransformResult{}, entity.AppliedOp{}, fmt.Errorf("transform: %w", err)
	}
	if tr.Operation.IsNoop() {
		version := gs.version
		gs.mu.Unlock()
		return tr, entity.AppliedOp{Version: version}, nil
	}
	if _, err := ot.Apply(gs.state, tr.Operation); err != nil {
		gs.mu.Unlock()
		countConflicts(tr.Conflicts)
		return tr, entity.AppliedOp{}, &RejectError{Result: tr, Err: err}
	}
	// readers may take a snapshot while the append is in flight
	gs.mu.Unlock()

	at := c.now()
	version, err := c.ops.Append(ctx, graphID, tr.Operation, at)
	if err != nil {
		return tr, entity.AppliedOp{}, fmt.Errorf("append operation: %w", err)
	}
	applied := entity.AppliedOp{Version: version, Operation: tr.Operation, AppliedAt: at}
	c.commit(graphID, gs, applied)
	return tr, applied, nil
}

// concurrentLocked returns the operations on op's entity applied after
// op.BaseVersion, oldest first. gs.mu must be held.
func (c *Coordinator) concurrentLocked(ctx context.Context, graphID string, gs *graphState, op ot.Operation) ([]ot.Operation, error) {
	key := op.EntityKey()
	if oldest, ok := gs.log.Min(); ok && oldest.Version > op.BaseVersion+1 {
		// the in-memory window starts after the client's base
		applied, err := c.ops.Range(ctx, graphID, op.BaseVersion, gs.version)
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		var out []ot.Operation
		for _, a := range applied {
			if a.Operation.EntityKey() == key {
				out = append(out, a.Operation)
			}
		}
		return out, nil
	}

	var out []ot.Operation
	gs.log.Ascend(entity.AppliedOp{Version: op.BaseVersion + 1}, func(a entity.AppliedOp) bool {
		if a.Operation.EntityKey() == key {
			out = append(out, a.Operation)
		}
		return true
	})
	return out, nil
}

// commit folds a durably appended operation into the in-memory state. The
// caller holds gs.seq.
func (c *Coordinator) commit(graphID string, gs *graphState, a entity.AppliedOp) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if !gs.loaded {
		return
	}
	next, err := ot.Apply(gs.state, a.Operation)
	if err != nil {
		// the next reader rebuilds from the durable log
		c.log.Error("apply committed operation", "graph", graphID, "version", a.Version, "err", err)
		gs.loaded = false
		return
	}
	gs.state = next
	gs.log.Set(a)
	for gs.log.Len() > c.opts.LogCapacity {
		gs.log.PopMin()
	}
	if a.Version > gs.version {
		gs.version = a.Version
	}
}

// checkEntityLocks rejects writes to an entity another user holds a write or
// exclusive lock on.
func (c *Coordinator) checkEntityLocks(ctx context.Context, graphID string, op ot.Operation) error {
	held, err := c.locks.ListActive(ctx, graphID, op.EntityType, op.EntityID, c.now())
	if err != nil {
		return fmt.Errorf("check locks: %w", err)
	}
	for _, l := range held {
		if l.UserID != op.UserID && l.LockType != entity.LockRead {
			return fmt.Errorf("%w: %s holds a %s lock on %s", ErrEntityLocked, l.UserID, l.LockType, op.EntityKey())
		}
	}
	return nil
}

func countConflicts(cs []ot.ConflictInfo) {
	for _, ci := range cs {
		metrics.Conflicts.WithLabelValues(string(ci.Type), string(ci.Resolution)).Inc()
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
