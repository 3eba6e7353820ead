package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
)

type UserStore struct{ db *sql.DB }

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) GetUserProfile(ctx context.Context, userID string) (*entity.UserProfile, error) {
	var (
		u               entity.UserProfile
		display, avatar sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, avatar_url FROM users WHERE id = ?`,
		userID,
	).Scan(&u.ID, &u.Username, &display, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.DisplayName = display.String
	u.AvatarURL = avatar.String
	return &u, nil
}

// PutUser inserts or refreshes a profile row.
func (s *UserStore) PutUser(ctx context.Context, u entity.UserProfile) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, display_name = ?, avatar_url = ? WHERE id = ?`,
		u.Username, u.DisplayName, u.AvatarURL, u.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, avatar_url) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, u.AvatarURL,
	)
	if isDuplicate(err) {
		return nil
	}
	return err
}
