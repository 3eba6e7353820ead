package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var ErrNotFound = errors.New("NOT_FOUND")

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Open opens the durable store. MySQL is the production backend; SQLite is
// used for local runs and tests.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// every connection to ":memory:" is a separate database
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 10000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// schema is written in the subset of SQL shared by MySQL and SQLite.
// Timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		username VARCHAR(255) NOT NULL,
		display_name VARCHAR(255),
		avatar_url VARCHAR(1024)
	)`,
	`CREATE TABLE IF NOT EXISTS user_presence (
		user_id VARCHAR(64) NOT NULL,
		graph_id VARCHAR(64) NOT NULL,
		session_id VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		cursor_json TEXT,
		selection_json TEXT,
		viewport_json TEXT,
		last_heartbeat BIGINT NOT NULL,
		connected_at BIGINT NOT NULL,
		disconnected_at BIGINT,
		PRIMARY KEY (user_id, graph_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS graph_versions (
		graph_id VARCHAR(64) NOT NULL PRIMARY KEY,
		version BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS graph_operations (
		graph_id VARCHAR(64) NOT NULL,
		version BIGINT NOT NULL,
		op_id VARCHAR(64) NOT NULL,
		op_type VARCHAR(16) NOT NULL,
		entity_type VARCHAR(16) NOT NULL,
		entity_id VARCHAR(128) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		session_id VARCHAR(64) NOT NULL,
		payload TEXT NOT NULL,
		applied_at BIGINT NOT NULL,
		PRIMARY KEY (graph_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS graph_locks (
		lock_id VARCHAR(64) NOT NULL PRIMARY KEY,
		graph_id VARCHAR(64) NOT NULL,
		entity_type VARCHAR(16) NOT NULL,
		entity_id VARCHAR(128) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		session_id VARCHAR(64) NOT NULL,
		lock_type VARCHAR(16) NOT NULL,
		acquired_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collaboration_sessions (
		session_id VARCHAR(64) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		graph_id VARCHAR(64) NOT NULL,
		connection_id VARCHAR(64) NOT NULL,
		operations_count BIGINT NOT NULL DEFAULT 0,
		bytes_transferred BIGINT NOT NULL DEFAULT 0,
		started_at BIGINT NOT NULL,
		last_activity BIGINT NOT NULL,
		ended_at BIGINT
	)`,
}

// Migrate creates the tables this service reads and writes if they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// extended result codes disabled
			return true
		}
	}
	return false
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func ptrFromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

// jsonColumn encodes an optional value for a TEXT column; nil becomes NULL.
func jsonColumn[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanJSON[T any](s sql.NullString) (*T, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return &v, nil
}
