package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
)

// OperationStore is the append-only per-graph operation log. Versions are
// allocated from graph_versions inside the same transaction as the insert,
// so they are strictly increasing and gap free per graph.
type OperationStore struct{ db *sql.DB }

func NewOperationStore(db *sql.DB) *OperationStore {
	return &OperationStore{db: db}
}

// Append records op and returns the version assigned to it.
func (s *OperationStore) Append(ctx context.Context, graphID string, op ot.Operation, at time.Time) (uint64, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encode operation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE graph_versions SET version = version + 1 WHERE graph_id = ?`, graphID)
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO graph_versions (graph_id, version) VALUES (?, 1)`, graphID); err != nil {
			return 0, fmt.Errorf("init version: %w", err)
		}
	}

	var version uint64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM graph_versions WHERE graph_id = ?`, graphID).Scan(&version); err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO graph_operations (graph_id, version, op_id, op_type, entity_type, entity_id, user_id, session_id, payload, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		graphID, version, op.ID, op.Type, op.EntityType, op.EntityID, op.UserID, op.SessionID, string(payload), toMillis(at),
	)
	if err != nil {
		return 0, fmt.Errorf("insert operation: %w", err)
	}
	return version, tx.Commit()
}

// Range returns the log entries with from < version <= to in version order.
// to == 0 means up to the latest version.
func (s *OperationStore) Range(ctx context.Context, graphID string, from, to uint64) ([]entity.AppliedOp, error) {
	query := `SELECT version, payload, applied_at FROM graph_operations WHERE graph_id = ? AND version > ?`
	args := []any{graphID, from}
	if to > 0 {
		query += ` AND version <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY version ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.AppliedOp
	for rows.Next() {
		var (
			a         entity.AppliedOp
			payload   string
			appliedAt int64
		)
		if err := rows.Scan(&a.Version, &payload, &appliedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &a.Operation); err != nil {
			return nil, fmt.Errorf("decode operation %d: %w", a.Version, err)
		}
		a.AppliedAt = fromMillis(appliedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CurrentVersion returns 0 for a graph with no operations.
func (s *OperationStore) CurrentVersion(ctx context.Context, graphID string) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM graph_versions WHERE graph_id = ?`, graphID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}
