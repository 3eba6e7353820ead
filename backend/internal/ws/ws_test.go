package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/collab"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSub struct {
	mu   sync.Mutex
	ch   chan broadcast.Message
	ctxs []context.Context
}

func (s *fakeSub) Subscribe(ctx context.Context, graphID string) (<-chan broadcast.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxs = append(s.ctxs, ctx)
	out := make(chan broadcast.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-s.ch:
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *fakeSub) subscriptions() []context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]context.Context(nil), s.ctxs...)
}

func testConn(sessionID string, queue int) *Conn {
	return &Conn{
		log:       quiet,
		graphID:   "g1",
		userID:    "u-" + sessionID,
		sessionID: sessionID,
		send:      make(chan OutboundMessage, queue),
		done:      make(chan struct{}),
		locks:     make(map[string]struct{}),
	}
}

func TestHub_RelaysToEveryoneButTheOrigin(t *testing.T) {
	sub := &fakeSub{ch: make(chan broadcast.Message)}
	h := NewHub(sub, quiet)
	a, b := testConn("s1", 4), testConn("s2", 4)
	if err := h.Join("g1", a); err != nil {
		t.Fatalf("Join(a) error = %v", err)
	}
	if err := h.Join("g1", b); err != nil {
		t.Fatalf("Join(b) error = %v", err)
	}
	if n := len(sub.subscriptions()); n != 1 {
		t.Fatalf("subscriptions = %d, want 1 per room", n)
	}

	env := broadcast.Envelope{Type: broadcast.TypeCursorMoved, SessionID: "s1", Timestamp: time.Now()}
	sub.ch <- broadcast.Message{GraphID: "g1", Topic: broadcast.TopicCursors, Envelope: env}

	select {
	case msg := <-b.send:
		if msg.MessageType() != broadcast.TypeCursorMoved {
			t.Fatalf("relayed type = %s", msg.MessageType())
		}
	case <-time.After(time.Second):
		t.Fatal("peer did not receive the envelope")
	}
	select {
	case msg := <-a.send:
		t.Fatalf("origin received its own envelope: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	h.Leave("g1", a)
	h.Leave("g1", b)
	if h.Members("g1") != 0 {
		t.Fatalf("Members() = %d after leaving", h.Members("g1"))
	}
	if err := sub.subscriptions()[0].Err(); err == nil {
		t.Fatal("room subscription still live after the last leave")
	}
}

// slowSub blocks subscriptions to graph "slow" until release is closed.
type slowSub struct {
	*fakeSub
	entered chan struct{}
	release chan struct{}
}

func (s *slowSub) Subscribe(ctx context.Context, graphID string) (<-chan broadcast.Message, error) {
	if graphID == "slow" {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.fakeSub.Subscribe(ctx, graphID)
}

func TestHub_SlowSubscribeDoesNotBlockOtherRooms(t *testing.T) {
	sub := &slowSub{fakeSub: &fakeSub{ch: make(chan broadcast.Message)}, entered: make(chan struct{}, 2), release: make(chan struct{})}
	h := NewHub(sub, quiet)
	defer h.Close()

	slowA, slowB := testConn("s1", 4), testConn("s2", 4)
	joined := make(chan error, 2)
	go func() { joined <- h.Join("slow", slowA) }()
	<-sub.entered
	go func() { joined <- h.Join("slow", slowB) }()
	<-sub.entered

	done := make(chan struct{})
	fast := testConn("s3", 4)
	go func() {
		defer close(done)
		if err := h.Join("fast", fast); err != nil {
			t.Errorf("Join(fast) error = %v", err)
		}
		h.Broadcast("fast", broadcast.Envelope{Type: broadcast.TypeCursorMoved, Timestamp: time.Now()})
		_ = h.Members("slow")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub blocked behind a pending subscription")
	}
	if len(fast.send) != 1 {
		t.Fatalf("fast room queued %d messages, want 1", len(fast.send))
	}

	close(sub.release)
	for range 2 {
		if err := <-joined; err != nil {
			t.Fatalf("Join(slow) error = %v", err)
		}
	}
	if n := h.Members("slow"); n != 2 {
		t.Fatalf("Members(slow) = %d, want both racing joins in one room", n)
	}
	live := 0
	for _, ctx := range sub.subscriptions() {
		if ctx.Err() == nil {
			live++
		}
	}
	// fast plus exactly one slow subscription
	if live != 2 {
		t.Fatalf("live subscriptions = %d, want 2", live)
	}
}

func TestConn_EnqueueDropsWhenFull(t *testing.T) {
	c := testConn("s1", 1)
	if !c.Enqueue(ServerMessage{Type: MsgNotification}) {
		t.Fatal("first Enqueue() = false")
	}
	if c.Enqueue(ServerMessage{Type: MsgNotification}) {
		t.Fatal("Enqueue() on a full queue = true")
	}
	c.shutdown()
	<-c.send
	if c.Enqueue(ServerMessage{Type: MsgNotification}) {
		t.Fatal("Enqueue() after shutdown = true")
	}
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"LOCK_CONFLICT":      &collab.LockConflictError{},
		"VALIDATION_FAILURE": errors.Join(errors.New("ctx"), ot.ErrValidation),
		"INVALID_PATH":       &collab.RejectError{Err: ot.ErrInvalidPath},
		"TIMEOUT":            context.DeadlineExceeded,
		codeInternal:         errors.New("disk on fire"),
	}
	for want, err := range cases {
		if got := errorCode(err); got != want {
			t.Errorf("errorCode(%v) = %s, want %s", err, got, want)
		}
	}
}

type fakePresence struct {
	mu     sync.Mutex
	joined []entity.PresenceKey
	left   chan entity.PresenceKey
	cursor *entity.CursorPosition
}

func (p *fakePresence) Join(_ context.Context, k entity.PresenceKey) (*entity.UserPresence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, k)
	return &entity.UserPresence{PresenceKey: k, Status: entity.StatusOnline}, nil
}

func (p *fakePresence) Leave(_ context.Context, k entity.PresenceKey) error {
	p.left <- k
	return nil
}

func (p *fakePresence) Heartbeat(context.Context, entity.PresenceKey) error { return nil }

func (p *fakePresence) UpdateCursor(_ context.Context, _ entity.PresenceKey, c entity.CursorPosition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = &c
	return nil
}

func (p *fakePresence) UpdateSelection(context.Context, entity.PresenceKey, entity.Selection) error {
	return nil
}

func (p *fakePresence) UpdateViewport(context.Context, entity.PresenceKey, entity.Viewport) error {
	return nil
}

type fakeCollab struct {
	ended chan string
	// submit answers per operation id
	submit map[string]error
	holder entity.GraphLock
}

func (f *fakeCollab) CreateSession(_ context.Context, userID, graphID, conn string) (*entity.CollaborationSession, error) {
	return &entity.CollaborationSession{ID: "sess-1", UserID: userID, GraphID: graphID, ConnectionID: conn}, nil
}

func (f *fakeCollab) EndSession(_ context.Context, id string) error {
	f.ended <- id
	return nil
}

func (f *fakeCollab) RecordTraffic(context.Context, string, int64, int64) error { return nil }

func (f *fakeCollab) SubmitOperation(_ context.Context, _ string, op ot.Operation) (*collab.SubmitResult, error) {
	if err := f.submit[op.ID]; err != nil {
		return nil, err
	}
	return &collab.SubmitResult{Result: ot.TransformResult{Operation: op}, Version: 7, Applied: true}, nil
}

func (f *fakeCollab) Snapshot(_ context.Context, graphID string) (*collab.Snapshot, error) {
	return &collab.Snapshot{GraphID: graphID, State: map[string]any{"nodes": map[string]any{}}, Version: 6}, nil
}

func (f *fakeCollab) GetOperationHistory(context.Context, string, uint64, uint64) ([]entity.AppliedOp, error) {
	return nil, nil
}

func (f *fakeCollab) AcquireLock(_ context.Context, req collab.LockRequest) (*entity.GraphLock, error) {
	if req.EntityID == f.holder.EntityID {
		return nil, &collab.LockConflictError{Holder: f.holder}
	}
	return &entity.GraphLock{ID: "lock-1", GraphID: req.GraphID, UserID: req.UserID, EntityID: req.EntityID, LockType: req.LockType}, nil
}

func (f *fakeCollab) ReleaseLock(context.Context, string, string) error { return nil }

func (f *fakeCollab) RenewLock(context.Context, string, string) (*entity.GraphLock, error) {
	return nil, collab.ErrLockNotFound
}

type wireMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
	Code      string          `json:"code"`
}

func startServer(t *testing.T, p *fakePresence, c *fakeCollab) (*websocket.Conn, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(&fakeSub{ch: make(chan broadcast.Message)}, quiet)
	m := NewManager(ManagerDeps{Hub: hub, Presence: p, Collab: c, Log: quiet})
	r := gin.New()
	r.GET("/collab/ws", func(ctx *gin.Context) { ctx.Set("userId", "u1") }, m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws?graphId=g1"
	wsc, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { wsc.Close() })
	return wsc, hub
}

func roundTrip(t *testing.T, wsc *websocket.Conn, msg any) wireMessage {
	t.Helper()
	if msg != nil {
		if err := wsc.WriteJSON(msg); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}
	_ = wsc.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got wireMessage
	if err := wsc.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return got
}

func TestManager_Protocol(t *testing.T) {
	p := &fakePresence{left: make(chan entity.PresenceKey, 1)}
	fc := &fakeCollab{
		ended:  make(chan string, 1),
		submit: map[string]error{"bad": &collab.RejectError{Err: ot.ErrInvalidPath, Result: ot.TransformResult{Conflicts: []ot.ConflictInfo{{Type: ot.ConflictValue, Resolution: ot.ResolutionRemote}}}}},
		holder: entity.GraphLock{ID: "held", UserID: "u2", EntityID: "busy", LockType: entity.LockWrite},
	}
	wsc, hub := startServer(t, p, fc)

	hello := roundTrip(t, wsc, nil)
	if hello.Type != MsgConnected || hello.SessionID != "sess-1" {
		t.Fatalf("greeting = %+v", hello)
	}
	var cp ConnectedPayload
	if err := json.Unmarshal(hello.Payload, &cp); err != nil || cp.Version != 6 || cp.GraphID != "g1" {
		t.Fatalf("connected payload = %s (%v)", hello.Payload, err)
	}
	if hub.Members("g1") != 1 {
		t.Fatalf("room members = %d, want 1", hub.Members("g1"))
	}

	op := ot.Operation{ID: "good", Type: ot.OpInsert, EntityType: ot.EntityNode, EntityID: "n", Path: []string{"nodes", "n"}, Value: ot.NewValue(1)}
	ack := roundTrip(t, wsc, ClientMessage{Type: MsgOperation, RequestID: "r1", Operation: &op})
	if ack.Type != MsgOperationAck || ack.RequestID != "r1" {
		t.Fatalf("ack = %+v", ack)
	}
	var res collab.SubmitResult
	if err := json.Unmarshal(ack.Payload, &res); err != nil || res.Version != 7 {
		t.Fatalf("ack payload = %s (%v)", ack.Payload, err)
	}
	if res.Result.Operation.UserID != "u1" || res.Result.Operation.SessionID != "sess-1" {
		t.Fatalf("operation not stamped with the connection identity: %+v", res.Result.Operation)
	}

	op.ID = "bad"
	rej := roundTrip(t, wsc, ClientMessage{Type: MsgOperation, RequestID: "r2", Operation: &op})
	if rej.Type != MsgOperationReject || rej.Code != "INVALID_PATH" {
		t.Fatalf("reject = %+v", rej)
	}
	var rp RejectPayload
	if err := json.Unmarshal(rej.Payload, &rp); err != nil || len(rp.Conflicts) != 1 || rp.OperationID != "bad" {
		t.Fatalf("reject payload = %s (%v)", rej.Payload, err)
	}

	denied := roundTrip(t, wsc, ClientMessage{Type: MsgLockAcquire, Lock: &LockMessage{EntityType: ot.EntityNode, EntityID: "busy", LockType: entity.LockWrite}})
	if denied.Type != MsgLockDenied || denied.Code != "LOCK_CONFLICT" {
		t.Fatalf("denied = %+v", denied)
	}
	var dp LockDeniedPayload
	if err := json.Unmarshal(denied.Payload, &dp); err != nil || dp.Holder == nil || dp.Holder.UserID != "u2" {
		t.Fatalf("denied payload = %s (%v)", denied.Payload, err)
	}
	granted := roundTrip(t, wsc, ClientMessage{Type: MsgLockAcquire, Lock: &LockMessage{EntityType: ot.EntityNode, EntityID: "free", LockType: entity.LockRead}})
	if granted.Type != MsgLockGranted {
		t.Fatalf("granted = %+v", granted)
	}

	synced := roundTrip(t, wsc, ClientMessage{Type: MsgSyncRequest})
	var sp SyncPayload
	if err := json.Unmarshal(synced.Payload, &sp); err != nil || synced.Type != MsgSyncResponse || sp.Version != 6 {
		t.Fatalf("sync = %+v (%v)", synced, err)
	}

	if bad := roundTrip(t, wsc, ClientMessage{Type: "teleport"}); bad.Type != MsgError || bad.Code != "UNKNOWN_MESSAGE_TYPE" {
		t.Fatalf("unknown type reply = %+v", bad)
	}
	if bad := roundTrip(t, wsc, ClientMessage{Type: MsgCursorMoved}); bad.Code != "MISSING_PAYLOAD" {
		t.Fatalf("cursor without payload reply = %+v", bad)
	}

	if err := wsc.WriteJSON(ClientMessage{Type: MsgDisconnect}); err != nil {
		t.Fatalf("WriteJSON(disconnect) error = %v", err)
	}
	select {
	case k := <-p.left:
		if k.SessionID != "sess-1" || k.UserID != "u1" {
			t.Fatalf("left key = %+v", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence was not left after disconnect")
	}
	select {
	case id := <-fc.ended:
		if id != "sess-1" {
			t.Fatalf("ended session = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not ended after disconnect")
	}
}
