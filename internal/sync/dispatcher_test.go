package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/transport"
	"github.com/vibestack/syncd/internal/wal"
)

// fakeCursors is an in-memory CursorPersister.
type fakeCursors struct {
	mu   sync.Mutex
	data map[string]pglogrepl.LSN
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{data: make(map[string]pglogrepl.LSN)}
}

func (f *fakeCursors) Load(_ context.Context, clientID string) (pglogrepl.LSN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[clientID], nil
}

func (f *fakeCursors) Save(_ context.Context, clientID string, pos pglogrepl.LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pos > f.data[clientID] {
		f.data[clientID] = pos
	}
	return nil
}

func (f *fakeCursors) get(clientID string) pglogrepl.LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[clientID]
}

func newTestDispatcher(cfg config.SyncConfig, cursors CursorPersister) *Dispatcher {
	return NewDispatcher(cfg, &fakeHistory{}, cursors, zerolog.Nop())
}

func TestDispatcher_RegisterStartsAtMaxOfPersistedAndRequested(t *testing.T) {
	cursors := newFakeCursors()
	cursors.data["c1"] = 100
	d := newTestDispatcher(testSyncConfig(), cursors)

	server, _ := transport.Pipe()
	sess, err := d.Register(context.Background(), "c1", 50, server)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if sess.Cursor() != 100 {
		t.Errorf("cursor = %d, want 100 (persisted wins over older request)", sess.Cursor())
	}

	server2, _ := transport.Pipe()
	sess2, err := d.Register(context.Background(), "c2", 200, server2)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if sess2.Cursor() != 200 {
		t.Errorf("cursor = %d, want 200 (request ahead of empty persisted)", sess2.Cursor())
	}
}

func TestDispatcher_ReplaceExistingSession(t *testing.T) {
	d := newTestDispatcher(testSyncConfig(), newFakeCursors())

	serverA, clientA := transport.Pipe()
	sessA, err := d.Register(context.Background(), "c1", 0, serverA)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	serverB, _ := transport.Pipe()
	sessB, err := d.Register(context.Background(), "c1", 0, serverB)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	select {
	case <-sessA.Done():
	case <-time.After(time.Second):
		t.Fatal("old session was not closed on replacement")
	}
	_ = clientA

	infos := d.Sessions()
	if len(infos) != 1 {
		t.Fatalf("registry has %d sessions, want 1", len(infos))
	}
	if sessB.State() == StateClosed {
		t.Error("replacement session must stay open")
	}
}

func TestDispatcher_MinCursorAcrossSessions(t *testing.T) {
	cursors := newFakeCursors()
	d := newTestDispatcher(testSyncConfig(), cursors)

	var mu sync.Mutex
	var confirmed []pglogrepl.LSN
	d.OnMinCursor(func(pos pglogrepl.LSN) {
		mu.Lock()
		confirmed = append(confirmed, pos)
		mu.Unlock()
	})

	serverA, _ := transport.Pipe()
	if _, err := d.Register(context.Background(), "a", 0, serverA); err != nil {
		t.Fatal(err)
	}
	serverB, _ := transport.Pipe()
	if _, err := d.Register(context.Background(), "b", 0, serverB); err != nil {
		t.Fatal(err)
	}

	d.noteAck("a", 100)
	if min := d.MinCursor(); min != 0 {
		t.Errorf("MinCursor = %d, want 0 while b has not acked", min)
	}

	d.noteAck("b", 60)
	if min := d.MinCursor(); min != 60 {
		t.Errorf("MinCursor = %d, want 60", min)
	}

	mu.Lock()
	if len(confirmed) == 0 || confirmed[len(confirmed)-1] != 60 {
		t.Errorf("confirmed = %v, want last 60", confirmed)
	}
	mu.Unlock()

	if cursors.get("a") != 100 || cursors.get("b") != 60 {
		t.Errorf("persisted cursors a=%d b=%d, want 100/60",
			cursors.get("a"), cursors.get("b"))
	}
}

func TestDispatcher_PublishWithNoSessionsConfirmsTail(t *testing.T) {
	d := newTestDispatcher(testSyncConfig(), newFakeCursors())

	var got pglogrepl.LSN
	d.OnMinCursor(func(pos pglogrepl.LSN) { got = pos })

	d.Publish(nil)
	if got != 0 {
		t.Fatalf("empty publish must not confirm, got %d", got)
	}

	d.Publish([]wal.Change{
		mkChange(10, "1", "tasks", "a"),
		mkChange(11, "1", "tasks", "b"),
	})
	if got != 11 {
		t.Errorf("confirmed = %d, want batch tail 11", got)
	}
}

func TestDispatcher_PublishFeedsSessionQueue(t *testing.T) {
	d := newTestDispatcher(testSyncConfig(), newFakeCursors())

	server, _ := transport.Pipe()
	sess, err := d.Register(context.Background(), "c1", 0, server)
	if err != nil {
		t.Fatal(err)
	}

	d.Publish([]wal.Change{
		mkChange(10, "1", "tasks", "a"),
		mkChange(11, "2", "tasks", "b"),
	})

	deadline := time.After(time.Second)
	for sess.QueueLen() < 2 {
		select {
		case <-deadline:
			t.Fatalf("queue len = %d, want 2", sess.QueueLen())
		case <-time.After(5 * time.Millisecond):
		}
	}

	c := <-sess.in
	if c.LSN != 10 {
		t.Errorf("first queued LSN = %d, want 10", c.LSN)
	}
}

func TestDispatcher_CoalescesSupersededRecords(t *testing.T) {
	d := newTestDispatcher(testSyncConfig(), newFakeCursors())

	server, _ := transport.Pipe()
	sess, err := d.Register(context.Background(), "c1", 0, server)
	if err != nil {
		t.Fatal(err)
	}

	// Both versions of tasks/a arrive in one staged run; only the later
	// one may reach the queue.
	d.Publish([]wal.Change{
		mkChange(10, "1", "tasks", "a"),
		mkChange(11, "2", "tasks", "a"),
	})

	deadline := time.After(time.Second)
	for sess.QueueLen() < 1 {
		select {
		case <-deadline:
			t.Fatal("nothing reached the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := sess.QueueLen(); n != 1 {
		t.Fatalf("queue len = %d, want 1 after coalescing", n)
	}
	c := <-sess.in
	if c.LSN != 11 {
		t.Errorf("queued LSN = %d, want the superseding 11", c.LSN)
	}
}

func TestDispatcher_StallForceDrains(t *testing.T) {
	cfg := testSyncConfig()
	cfg.SessionQueueDepth = 2
	cfg.SessionStallMs = 100
	d := newTestDispatcher(cfg, newFakeCursors())

	server, client := transport.Pipe()
	sess, err := d.Register(context.Background(), "c1", 0, server)
	if err != nil {
		t.Fatal(err)
	}

	// Nobody drains the queue: depth 2 fills, the feeder stalls, and the
	// session must be force-drained with a back-pressure close.
	var batch []wal.Change
	for i := 0; i < 10; i++ {
		batch = append(batch, mkChange(uint64(10+i), "", "tasks", string(rune('a'+i))))
	}
	d.Publish(batch)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled session was not force-drained")
	}
	if code := client.CloseCodeSeen(); code != transport.CloseBackPressure {
		t.Errorf("close code = %q, want %q", code, transport.CloseBackPressure)
	}
}

func TestDispatcher_Shutdown(t *testing.T) {
	d := newTestDispatcher(testSyncConfig(), newFakeCursors())

	server, client := transport.Pipe()
	sess, err := d.Register(context.Background(), "c1", 0, server)
	if err != nil {
		t.Fatal(err)
	}

	d.Shutdown()

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not drained on shutdown")
	}
	if code := client.CloseCodeSeen(); code != transport.CloseServerShutdown {
		t.Errorf("close code = %q, want %q", code, transport.CloseServerShutdown)
	}
}
