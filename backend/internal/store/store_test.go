package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

var t0 = time.UnixMilli(1_700_000_000_000)

func TestPresenceStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ps := NewPresenceStore(db)
	if err := NewUserStore(db).PutUser(ctx, entity.UserProfile{ID: "u1", Username: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}

	key := entity.PresenceKey{UserID: "u1", GraphID: "g1", SessionID: "s1"}
	p := &entity.UserPresence{PresenceKey: key, Status: entity.StatusOnline, LastHeartbeat: t0, ConnectedAt: t0}
	if err := ps.Upsert(ctx, p); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := ps.Upsert(ctx, p); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	ok, err := ps.UpdateCursor(ctx, key, &entity.CursorPosition{X: 10, Y: 20, NodeID: "n1"})
	if err != nil || !ok {
		t.Fatalf("UpdateCursor() = %v, %v", ok, err)
	}

	active, err := ps.ListActive(ctx, "g1", t0.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("ListActive() len = %d, want 1", len(active))
	}
	got := active[0]
	if got.Cursor == nil || got.Cursor.X != 10 || got.Cursor.NodeID != "n1" {
		t.Fatalf("cursor = %+v", got.Cursor)
	}
	if got.Profile == nil || got.Profile.Username != "alice" {
		t.Fatalf("profile = %+v", got.Profile)
	}

	if err := ps.MarkOffline(ctx, key, t0.Add(time.Second)); err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	ok, err = ps.UpdateViewport(ctx, key, &entity.Viewport{Zoom: 2})
	if err != nil || ok {
		t.Fatalf("UpdateViewport() on offline row = %v, %v; want false", ok, err)
	}
	prev, err := ps.TouchHeartbeat(ctx, key, t0.Add(2*time.Second))
	if err != nil || prev != entity.StatusOffline {
		t.Fatalf("TouchHeartbeat() = %q, %v", prev, err)
	}
	stored, err := ps.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != entity.StatusOffline || stored.DisconnectedAt == nil {
		t.Fatalf("stored = %+v, want offline with disconnect time", stored)
	}

	if _, err := ps.Get(ctx, entity.PresenceKey{UserID: "nobody"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestPresenceStore_Sweeps(t *testing.T) {
	ctx := context.Background()
	ps := NewPresenceStore(openTestDB(t))

	fresh := entity.PresenceKey{UserID: "u1", GraphID: "g1", SessionID: "fresh"}
	quiet := entity.PresenceKey{UserID: "u2", GraphID: "g1", SessionID: "quiet"}
	gone := entity.PresenceKey{UserID: "u3", GraphID: "g1", SessionID: "gone"}
	for key, hb := range map[entity.PresenceKey]time.Time{
		fresh: t0,
		quiet: t0.Add(-90 * time.Second),
		gone:  t0.Add(-3 * time.Minute),
	} {
		p := &entity.UserPresence{PresenceKey: key, Status: entity.StatusOnline, LastHeartbeat: hb, ConnectedAt: hb}
		if err := ps.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	expired, err := ps.ExpireStale(ctx, t0.Add(-120*time.Second), t0)
	if err != nil {
		t.Fatalf("ExpireStale() error = %v", err)
	}
	if len(expired) != 1 || expired[0].SessionID != "gone" || expired[0].Status != entity.StatusOffline {
		t.Fatalf("ExpireStale() = %+v", expired)
	}

	idle, err := ps.DemoteIdle(ctx, t0.Add(-60*time.Second))
	if err != nil {
		t.Fatalf("DemoteIdle() error = %v", err)
	}
	if len(idle) != 1 || idle[0].SessionID != "quiet" {
		t.Fatalf("DemoteIdle() = %+v", idle)
	}

	prev, err := ps.TouchHeartbeat(ctx, quiet, t0)
	if err != nil || prev != entity.StatusIdle {
		t.Fatalf("TouchHeartbeat() = %q, %v; want idle", prev, err)
	}
	p, _ := ps.Get(ctx, quiet)
	if p.Status != entity.StatusOnline {
		t.Fatalf("status after heartbeat = %s, want online", p.Status)
	}

	n, err := ps.CountActiveSessions(ctx, "u3", "g1")
	if err != nil || n != 0 {
		t.Fatalf("CountActiveSessions() = %d, %v; want 0", n, err)
	}
}

func TestOperationStore_AppendAndRange(t *testing.T) {
	ctx := context.Background()
	ops := NewOperationStore(openTestDB(t))

	for i := 1; i <= 5; i++ {
		op := ot.Operation{ID: "op", Type: ot.OpUpdate, EntityType: ot.EntityNode, EntityID: "n1",
			Path: []string{"nodes", "n1", "title"}, OldValue: ot.NewValue(i - 1), Value: ot.NewValue(i)}
		v, err := ops.Append(ctx, "g1", op, t0)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if v != uint64(i) {
			t.Fatalf("version = %d, want %d", v, i)
		}
	}
	if v, _ := ops.Append(ctx, "g2", ot.Operation{Type: ot.OpDelete, EntityType: ot.EntityEdge}, t0); v != 1 {
		t.Fatalf("other graph version = %d, want 1", v)
	}

	got, err := ops.Range(ctx, "g1", 2, 4)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(got) != 2 || got[0].Version != 3 || got[1].Version != 4 {
		t.Fatalf("Range(2,4) = %+v", got)
	}
	if !got[0].Operation.Value.Equal(ot.NewValue(3.0)) {
		t.Fatalf("decoded value = %v", got[0].Operation.Value.Interface())
	}

	all, _ := ops.Range(ctx, "g1", 0, 0)
	if len(all) != 5 {
		t.Fatalf("Range(0,0) len = %d, want 5", len(all))
	}
	if cur, _ := ops.CurrentVersion(ctx, "g1"); cur != 5 {
		t.Fatalf("CurrentVersion() = %d, want 5", cur)
	}
	if cur, _ := ops.CurrentVersion(ctx, "none"); cur != 0 {
		t.Fatalf("CurrentVersion(none) = %d, want 0", cur)
	}
}

func TestLockStore(t *testing.T) {
	ctx := context.Background()
	ls := NewLockStore(openTestDB(t))

	l := entity.GraphLock{ID: "l1", GraphID: "g1", UserID: "u1", SessionID: "s1", LockType: entity.LockWrite,
		EntityType: ot.EntityNode, EntityID: "n1", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute)}
	if err := ls.Insert(ctx, l); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	active, err := ls.ListActive(ctx, "g1", ot.EntityNode, "n1", t0)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActive() = %+v, %v", active, err)
	}
	if ok, _ := ls.Delete(ctx, "l1", "intruder"); ok {
		t.Fatal("Delete() by non-holder succeeded")
	}
	if ok, err := ls.Extend(ctx, "l1", "u1", t0.Add(2*time.Minute)); err != nil || !ok {
		t.Fatalf("Extend() = %v, %v", ok, err)
	}

	if removed, _ := ls.DeleteExpired(ctx, t0.Add(90*time.Second)); len(removed) != 0 {
		t.Fatalf("DeleteExpired() removed extended lock: %+v", removed)
	}
	removed, err := ls.DeleteExpired(ctx, t0.Add(2*time.Minute))
	if err != nil || len(removed) != 1 {
		t.Fatalf("DeleteExpired() = %+v, %v", removed, err)
	}
	if _, err := ls.Get(ctx, "l1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() err = %v, want ErrNotFound", err)
	}

	l.ID = "l2"
	_ = ls.Insert(ctx, l)
	held, err := ls.DeleteBySession(ctx, "s1")
	if err != nil || len(held) != 1 || held[0].ID != "l2" {
		t.Fatalf("DeleteBySession() = %+v, %v", held, err)
	}
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()
	ss := NewSessionStore(openTestDB(t))

	cs := entity.CollaborationSession{ID: "s1", UserID: "u1", GraphID: "g1", ConnectionID: "c1", StartedAt: t0, LastActivity: t0}
	if err := ss.Create(ctx, cs); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := ss.RecordTraffic(ctx, "s1", 2, 512, t0.Add(time.Second)); err != nil {
		t.Fatalf("RecordTraffic() error = %v", err)
	}
	if err := ss.RecordTraffic(ctx, "s1", 1, 100, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("RecordTraffic() error = %v", err)
	}
	if err := ss.End(ctx, "s1", t0.Add(3*time.Second)); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := ss.RecordTraffic(ctx, "s1", 1, 1, t0.Add(4*time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordTraffic() after end err = %v, want ErrNotFound", err)
	}

	got, err := ss.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.OperationsCount != 3 || got.BytesTransferred != 612 || got.EndedAt == nil {
		t.Fatalf("session = %+v", got)
	}
}

func TestIsDuplicate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	stmt := `INSERT INTO users (id, username) VALUES ('u1', 'a')`
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	_, err := db.ExecContext(ctx, stmt)
	if !isDuplicate(err) {
		t.Fatalf("isDuplicate(%v) = false", err)
	}
	if isDuplicate(nil) {
		t.Fatal("isDuplicate(nil) = true")
	}
}
