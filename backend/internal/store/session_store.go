package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
)

type SessionStore struct{ db *sql.DB }

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, cs entity.CollaborationSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collaboration_sessions (session_id, user_id, graph_id, connection_id, started_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.UserID, cs.GraphID, cs.ConnectionID, toMillis(cs.StartedAt), toMillis(cs.LastActivity),
	)
	return err
}

// RecordTraffic adds to the session counters and bumps last_activity.
func (s *SessionStore) RecordTraffic(ctx context.Context, sessionID string, ops, bytes int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collaboration_sessions
		SET operations_count = operations_count + ?, bytes_transferred = bytes_transferred + ?, last_activity = ?
		WHERE session_id = ? AND ended_at IS NULL`,
		ops, bytes, toMillis(at), sessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SessionStore) End(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collaboration_sessions SET ended_at = ?, last_activity = ? WHERE session_id = ? AND ended_at IS NULL`,
		toMillis(at), toMillis(at), sessionID,
	)
	return err
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*entity.CollaborationSession, error) {
	var (
		cs                entity.CollaborationSession
		started, lastSeen int64
		ended             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, graph_id, connection_id, operations_count, bytes_transferred,
			started_at, last_activity, ended_at
		FROM collaboration_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&cs.ID, &cs.UserID, &cs.GraphID, &cs.ConnectionID, &cs.OperationsCount, &cs.BytesTransferred,
		&started, &lastSeen, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cs.StartedAt = fromMillis(started)
	cs.LastActivity = fromMillis(lastSeen)
	cs.EndedAt = ptrFromMillis(ended)
	return &cs, nil
}
