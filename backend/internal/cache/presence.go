package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
)

// ErrMiss is returned when a presence entry is not in the cache.
var ErrMiss = errors.New("CACHE_MISS")

// RedisPresence is the ephemeral presence cache. It is the liveness authority
// during normal operation and can be rebuilt from the durable store.
type RedisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

// KEYS[1] = entryKey, KEYS[2] = sessionsKey
// ARGV[1] = heartbeat (unix ms), ARGV[2] = ttl (ms), ARGV[3] = sessionID
var refreshScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "status", "online", "lastHeartbeat", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return 1
`)

// KEYS[1] = entryKey
// ARGV[1] = field, ARGV[2] = value
var setFieldScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// Put replaces the entry of one session and registers the session and its
// user in the graph's sets.
func (p *RedisPresence) Put(ctx context.Context, pr *entity.UserPresence, ttl time.Duration) error {
	fields := map[string]any{
		fieldStatus:    string(pr.Status),
		fieldHeartbeat: pr.LastHeartbeat.UnixMilli(),
		fieldConnected: pr.ConnectedAt.UnixMilli(),
	}
	for name, v := range map[string]any{FieldCursor: pr.Cursor, FieldSelection: pr.Selection, FieldViewport: pr.Viewport} {
		if isNilPtr(v) {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		fields[name] = b
	}

	key := entryKey(pr.GraphID, pr.UserID, pr.SessionID)
	sessions := sessionsKey(pr.GraphID, pr.UserID)

	tx := p.rdb.TxPipeline()
	tx.Del(ctx, key)
	tx.HSet(ctx, key, fields)
	tx.PExpire(ctx, key, ttl)
	tx.SAdd(ctx, sessions, pr.SessionID)
	tx.PExpire(ctx, sessions, ttl)
	tx.SAdd(ctx, activeKey(pr.GraphID), pr.UserID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) Get(ctx context.Context, k entity.PresenceKey) (*entity.UserPresence, error) {
	m, err := p.rdb.HGetAll(ctx, entryKey(k.GraphID, k.UserID, k.SessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrMiss
	}

	pr := &entity.UserPresence{PresenceKey: k, Status: entity.PresenceStatus(m[fieldStatus])}
	if ms, err := strconv.ParseInt(m[fieldHeartbeat], 10, 64); err == nil {
		pr.LastHeartbeat = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(m[fieldConnected], 10, 64); err == nil {
		pr.ConnectedAt = time.UnixMilli(ms)
	}
	if pr.Cursor, err = decodeField[entity.CursorPosition](m, FieldCursor); err != nil {
		return nil, err
	}
	if pr.Selection, err = decodeField[entity.Selection](m, FieldSelection); err != nil {
		return nil, err
	}
	if pr.Viewport, err = decodeField[entity.Viewport](m, FieldViewport); err != nil {
		return nil, err
	}
	return pr, nil
}

// Refresh extends the TTL of a live entry, marks it online and stamps the
// heartbeat. It reports false when the entry is gone.
func (p *RedisPresence) Refresh(ctx context.Context, k entity.PresenceKey, at time.Time, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, p.rdb,
		[]string{entryKey(k.GraphID, k.UserID, k.SessionID), sessionsKey(k.GraphID, k.UserID)},
		at.UnixMilli(), ttl.Milliseconds(), k.SessionID,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetField stores v as JSON under field of an existing entry. It reports
// false when the entry is gone.
func (p *RedisPresence) SetField(ctx context.Context, k entity.PresenceKey, field string, v any) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	n, err := setFieldScript.Run(ctx, p.rdb, []string{entryKey(k.GraphID, k.UserID, k.SessionID)}, field, b).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetStatus updates the status of an existing entry.
func (p *RedisPresence) SetStatus(ctx context.Context, k entity.PresenceKey, status entity.PresenceStatus) (bool, error) {
	n, err := setFieldScript.Run(ctx, p.rdb, []string{entryKey(k.GraphID, k.UserID, k.SessionID)}, fieldStatus, string(status)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *RedisPresence) Delete(ctx context.Context, k entity.PresenceKey) error {
	tx := p.rdb.TxPipeline()
	tx.Del(ctx, entryKey(k.GraphID, k.UserID, k.SessionID))
	tx.SRem(ctx, sessionsKey(k.GraphID, k.UserID), k.SessionID)
	_, err := tx.Exec(ctx)
	return err
}

// LiveSessions returns the user's sessions on the graph whose entries have
// not expired. Sessions with expired entries are pruned from the set.
func (p *RedisPresence) LiveSessions(ctx context.Context, graphID, userID string) ([]string, error) {
	sessions := sessionsKey(graphID, userID)
	ids, err := p.rdb.SMembers(ctx, sessions).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := p.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, entryKey(graphID, userID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	live := make([]string, 0, len(ids))
	var dead []any
	for i, c := range checks {
		if c.Val() > 0 {
			live = append(live, ids[i])
		} else {
			dead = append(dead, ids[i])
		}
	}
	if len(dead) > 0 {
		if err := p.rdb.SRem(ctx, sessions, dead...).Err(); err != nil {
			return live, err
		}
	}
	return live, nil
}

func (p *RedisPresence) AddActive(ctx context.Context, graphID, userID string) error {
	return p.rdb.SAdd(ctx, activeKey(graphID), userID).Err()
}

func (p *RedisPresence) RemoveActive(ctx context.Context, graphID, userID string) error {
	return p.rdb.SRem(ctx, activeKey(graphID), userID).Err()
}

func decodeField[T any](m map[string]string, field string) (*T, error) {
	raw, ok := m[field]
	if !ok || raw == "" || raw == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return &v, nil
}

func isNilPtr(v any) bool {
	switch x := v.(type) {
	case *entity.CursorPosition:
		return x == nil
	case *entity.Selection:
		return x == nil
	case *entity.Viewport:
		return x == nil
	}
	return v == nil
}
