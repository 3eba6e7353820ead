package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
)

// PresenceStore is the durable side of presence: the audit trail and the
// source of truth on cold start.
type PresenceStore struct{ db *sql.DB }

func NewPresenceStore(db *sql.DB) *PresenceStore {
	return &PresenceStore{db: db}
}

const presenceColumns = `p.user_id, p.graph_id, p.session_id, p.status, p.cursor_json, p.selection_json,
	p.viewport_json, p.last_heartbeat, p.connected_at, p.disconnected_at`

// Upsert (re)opens a presence row as online. Idempotent.
func (s *PresenceStore) Upsert(ctx context.Context, p *entity.UserPresence) error {
	cursor, err := jsonColumn(p.Cursor)
	if err != nil {
		return err
	}
	selection, err := jsonColumn(p.Selection)
	if err != nil {
		return err
	}
	viewport, err := jsonColumn(p.Viewport)
	if err != nil {
		return err
	}

	update := func() (int64, error) {
		res, err := s.db.ExecContext(ctx,
			`UPDATE user_presence SET status = ?, last_heartbeat = ?, connected_at = ?, disconnected_at = NULL
			WHERE user_id = ? AND graph_id = ? AND session_id = ?`,
			p.Status, toMillis(p.LastHeartbeat), toMillis(p.ConnectedAt),
			p.UserID, p.GraphID, p.SessionID,
		)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	n, err := update()
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_presence (user_id, graph_id, session_id, status, cursor_json, selection_json,
			viewport_json, last_heartbeat, connected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.GraphID, p.SessionID, p.Status, cursor, selection, viewport,
		toMillis(p.LastHeartbeat), toMillis(p.ConnectedAt),
	)
	if isDuplicate(err) {
		// MySQL reports 0 affected rows when the UPDATE changed nothing
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert presence: %w", err)
	}
	return nil
}

func (s *PresenceStore) Get(ctx context.Context, key entity.PresenceKey) (*entity.UserPresence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+presenceColumns+` FROM user_presence p
		WHERE p.user_id = ? AND p.graph_id = ? AND p.session_id = ?`,
		key.UserID, key.GraphID, key.SessionID,
	)
	p, err := scanPresence(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PresenceStore) MarkOffline(ctx context.Context, key entity.PresenceKey, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_presence SET status = ?, disconnected_at = ?
		WHERE user_id = ? AND graph_id = ? AND session_id = ?`,
		entity.StatusOffline, toMillis(at), key.UserID, key.GraphID, key.SessionID,
	)
	return err
}

// UpdateCursor writes the cursor only while the row is online.
func (s *PresenceStore) UpdateCursor(ctx context.Context, key entity.PresenceKey, c *entity.CursorPosition) (bool, error) {
	v, err := jsonColumn(c)
	if err != nil {
		return false, err
	}
	return s.updateOnline(ctx, "cursor_json", v, key)
}

func (s *PresenceStore) UpdateSelection(ctx context.Context, key entity.PresenceKey, sel *entity.Selection) (bool, error) {
	v, err := jsonColumn(sel)
	if err != nil {
		return false, err
	}
	return s.updateOnline(ctx, "selection_json", v, key)
}

func (s *PresenceStore) UpdateViewport(ctx context.Context, key entity.PresenceKey, vp *entity.Viewport) (bool, error) {
	v, err := jsonColumn(vp)
	if err != nil {
		return false, err
	}
	return s.updateOnline(ctx, "viewport_json", v, key)
}

// column is one of a fixed set chosen by the callers above.
func (s *PresenceStore) updateOnline(ctx context.Context, column string, v sql.NullString, key entity.PresenceKey) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_presence SET `+column+` = ?
		WHERE user_id = ? AND graph_id = ? AND session_id = ? AND status = ?`,
		v, key.UserID, key.GraphID, key.SessionID, entity.StatusOnline,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchHeartbeat refreshes the heartbeat of a live row and flips it back to
// online. It returns the status the row had before. Offline rows are left
// untouched; the session has to join again.
func (s *PresenceStore) TouchHeartbeat(ctx context.Context, key entity.PresenceKey, at time.Time) (entity.PresenceStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var prev entity.PresenceStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM user_presence WHERE user_id = ? AND graph_id = ? AND session_id = ?`,
		key.UserID, key.GraphID, key.SessionID,
	).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if prev == entity.StatusOffline {
		return prev, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE user_presence SET last_heartbeat = ?, status = ?
		WHERE user_id = ? AND graph_id = ? AND session_id = ?`,
		toMillis(at), entity.StatusOnline, key.UserID, key.GraphID, key.SessionID,
	); err != nil {
		return "", err
	}
	return prev, tx.Commit()
}

// ListActive returns the graph's non-offline rows with a heartbeat at or after
// since, joined with user profiles, oldest connection first.
func (s *PresenceStore) ListActive(ctx context.Context, graphID string, since time.Time) ([]entity.UserPresence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+presenceColumns+`, u.id, u.username, u.display_name, u.avatar_url
		FROM user_presence p LEFT JOIN users u ON u.id = p.user_id
		WHERE p.graph_id = ? AND p.status <> ? AND p.last_heartbeat >= ?
		ORDER BY p.connected_at ASC`,
		graphID, entity.StatusOffline, toMillis(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPresence(rows, true)
}

func (s *PresenceStore) CountActiveSessions(ctx context.Context, userID, graphID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_presence WHERE user_id = ? AND graph_id = ? AND status <> ?`,
		userID, graphID, entity.StatusOffline,
	).Scan(&n)
	return n, err
}

// DemoteIdle moves online rows silent since before cutoff to idle and returns
// the rows it changed.
func (s *PresenceStore) DemoteIdle(ctx context.Context, cutoff time.Time) ([]entity.UserPresence, error) {
	return s.transition(ctx,
		`p.status = ? AND p.last_heartbeat < ?`, []any{entity.StatusOnline, toMillis(cutoff)},
		`UPDATE user_presence SET status = ?
		WHERE user_id = ? AND graph_id = ? AND session_id = ? AND status = ? AND last_heartbeat < ?`,
		func(p entity.UserPresence) []any {
			return []any{entity.StatusIdle, p.UserID, p.GraphID, p.SessionID, entity.StatusOnline, toMillis(cutoff)}
		},
		entity.StatusIdle, nil,
	)
}

// ExpireStale marks every non-offline row silent since before cutoff as
// offline and returns the rows it changed.
func (s *PresenceStore) ExpireStale(ctx context.Context, cutoff, at time.Time) ([]entity.UserPresence, error) {
	return s.transition(ctx,
		`p.status <> ? AND p.last_heartbeat < ?`, []any{entity.StatusOffline, toMillis(cutoff)},
		`UPDATE user_presence SET status = ?, disconnected_at = ?
		WHERE user_id = ? AND graph_id = ? AND session_id = ? AND status <> ? AND last_heartbeat < ?`,
		func(p entity.UserPresence) []any {
			return []any{entity.StatusOffline, toMillis(at), p.UserID, p.GraphID, p.SessionID, entity.StatusOffline, toMillis(cutoff)}
		},
		entity.StatusOffline, &at,
	)
}

// transition selects candidate rows and re-checks the condition in each
// UPDATE so rows touched by a concurrent heartbeat are skipped.
func (s *PresenceStore) transition(ctx context.Context, where string, whereArgs []any,
	updateSQL string, updateArgs func(entity.UserPresence) []any,
	to entity.PresenceStatus, disconnectedAt *time.Time,
) ([]entity.UserPresence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+presenceColumns+` FROM user_presence p WHERE `+where, whereArgs...)
	if err != nil {
		return nil, err
	}
	candidates, err := collectPresence(rows, false)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var changed []entity.UserPresence
	for _, p := range candidates {
		res, err := s.db.ExecContext(ctx, updateSQL, updateArgs(p)...)
		if err != nil {
			return changed, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		p.Status = to
		if disconnectedAt != nil {
			p.DisconnectedAt = disconnectedAt
		}
		changed = append(changed, p)
	}
	return changed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPresence(r rowScanner, withProfile bool) (*entity.UserPresence, error) {
	var (
		p                           entity.UserPresence
		cursor, selection, viewport sql.NullString
		heartbeat, connected        int64
		disconnected                sql.NullInt64
		uid, uname, display, avatar sql.NullString
	)
	dest := []any{&p.UserID, &p.GraphID, &p.SessionID, &p.Status, &cursor, &selection, &viewport,
		&heartbeat, &connected, &disconnected}
	if withProfile {
		dest = append(dest, &uid, &uname, &display, &avatar)
	}
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if p.Cursor, err = scanJSON[entity.CursorPosition](cursor); err != nil {
		return nil, err
	}
	if p.Selection, err = scanJSON[entity.Selection](selection); err != nil {
		return nil, err
	}
	if p.Viewport, err = scanJSON[entity.Viewport](viewport); err != nil {
		return nil, err
	}
	p.LastHeartbeat = fromMillis(heartbeat)
	p.ConnectedAt = fromMillis(connected)
	p.DisconnectedAt = ptrFromMillis(disconnected)
	if withProfile && uid.Valid {
		p.Profile = &entity.UserProfile{ID: uid.String, Username: uname.String, DisplayName: display.String, AvatarURL: avatar.String}
	}
	return &p, nil
}

func collectPresence(rows *sql.Rows, withProfile bool) ([]entity.UserPresence, error) {
	var out []entity.UserPresence
	for rows.Next() {
		p, err := scanPresence(rows, withProfile)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
