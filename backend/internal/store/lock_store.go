package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
)

type LockStore struct{ db *sql.DB }

func NewLockStore(db *sql.DB) *LockStore {
	return &LockStore{db: db}
}

const lockColumns = `lock_id, graph_id, entity_type, entity_id, user_id, session_id, lock_type, acquired_at, expires_at`

// ListActive returns the unexpired locks on one entity.
func (s *LockStore) ListActive(ctx context.Context, graphID string, et ot.EntityType, entityID string, now time.Time) ([]entity.GraphLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM graph_locks
		WHERE graph_id = ? AND entity_type = ? AND entity_id = ? AND expires_at > ?
		ORDER BY acquired_at ASC`,
		graphID, et, entityID, toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLocks(rows)
}

// ListGraph returns every unexpired lock on a graph.
func (s *LockStore) ListGraph(ctx context.Context, graphID string, now time.Time) ([]entity.GraphLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM graph_locks WHERE graph_id = ? AND expires_at > ? ORDER BY acquired_at ASC`,
		graphID, toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLocks(rows)
}

func (s *LockStore) Insert(ctx context.Context, l entity.GraphLock) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO graph_locks (`+lockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.GraphID, l.EntityType, l.EntityID, l.UserID, l.SessionID, l.LockType,
		toMillis(l.AcquiredAt), toMillis(l.ExpiresAt),
	)
	return err
}

func (s *LockStore) Get(ctx context.Context, lockID string) (*entity.GraphLock, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM graph_locks WHERE lock_id = ?`, lockID)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

// Extend moves the expiry of a lock held by userID. It reports whether a row
// was updated.
func (s *LockStore) Extend(ctx context.Context, lockID, userID string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE graph_locks SET expires_at = ? WHERE lock_id = ? AND user_id = ?`,
		toMillis(expiresAt), lockID, userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes a lock only when userID holds it.
func (s *LockStore) Delete(ctx context.Context, lockID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_locks WHERE lock_id = ? AND user_id = ?`, lockID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteExpired removes and returns every lock whose expiry is at or before now.
func (s *LockStore) DeleteExpired(ctx context.Context, now time.Time) ([]entity.GraphLock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lockColumns+` FROM graph_locks WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return nil, err
	}
	expired, err := collectLocks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var removed []entity.GraphLock
	for _, l := range expired {
		// re-check expiry so a concurrent renew wins
		res, err := s.db.ExecContext(ctx, `DELETE FROM graph_locks WHERE lock_id = ? AND expires_at <= ?`, l.ID, toMillis(now))
		if err != nil {
			return removed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed = append(removed, l)
		}
	}
	return removed, nil
}

// DeleteBySession drops every lock taken through a session and returns them.
func (s *LockStore) DeleteBySession(ctx context.Context, sessionID string) ([]entity.GraphLock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lockColumns+` FROM graph_locks WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	held, err := collectLocks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_locks WHERE session_id = ?`, sessionID); err != nil {
		return nil, err
	}
	return held, nil
}

func scanLock(r rowScanner) (*entity.GraphLock, error) {
	var (
		l                 entity.GraphLock
		acquired, expires int64
	)
	if err := r.Scan(&l.ID, &l.GraphID, &l.EntityType, &l.EntityID, &l.UserID, &l.SessionID, &l.LockType, &acquired, &expires); err != nil {
		return nil, err
	}
	l.AcquiredAt = fromMillis(acquired)
	l.ExpiresAt = fromMillis(expires)
	return &l, nil
}

func collectLocks(rows *sql.Rows) ([]entity.GraphLock, error) {
	var out []entity.GraphLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}
