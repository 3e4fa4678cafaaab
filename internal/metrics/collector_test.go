package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func TestCollector_PhaseTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SetPhase("starting")
	snap := c.Snapshot()
	if snap.Phase != "starting" {
		t.Errorf("Phase = %q, want starting", snap.Phase)
	}

	c.SetPhase("serving")
	snap = c.Snapshot()
	if snap.Phase != "serving" {
		t.Errorf("Phase = %q, want serving", snap.Phase)
	}
}

func TestCollector_LSNTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordIngested(pglogrepl.LSN(100), 10, 1024)
	c.RecordConfirmedLSN(pglogrepl.LSN(90))
	c.RecordServerLSN(pglogrepl.LSN(200))

	snap := c.Snapshot()
	if snap.IngestedLSN != "0/64" {
		t.Errorf("IngestedLSN = %q, want 0/64", snap.IngestedLSN)
	}
	if snap.ConfirmedLSN != "0/5a" {
		t.Errorf("ConfirmedLSN = %q, want 0/5a", snap.ConfirmedLSN)
	}
	if snap.LagBytes == 0 {
		t.Error("expected non-zero lag bytes")
	}
}

func TestCollector_LSNForwardOnly(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordIngested(pglogrepl.LSN(200), 1, 10)
	c.RecordIngested(pglogrepl.LSN(100), 1, 10)
	c.RecordConfirmedLSN(pglogrepl.LSN(150))
	c.RecordConfirmedLSN(pglogrepl.LSN(120))

	snap := c.Snapshot()
	if snap.IngestedLSN != "0/c8" {
		t.Errorf("IngestedLSN = %q, want 0/c8", snap.IngestedLSN)
	}
	if snap.ConfirmedLSN != "0/96" {
		t.Errorf("ConfirmedLSN = %q, want 0/96", snap.ConfirmedLSN)
	}
}

func TestCollector_Sessions(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SetSessionsFn(func() []SessionView {
		return []SessionView{
			{ClientID: "alpha", State: "live", Cursor: "0/64"},
			{ClientID: "beta", State: "catchup", Cursor: "0/20"},
		}
	})

	snap := c.Snapshot()
	if snap.SessionCount != 2 {
		t.Errorf("SessionCount = %d, want 2", snap.SessionCount)
	}
	if snap.Sessions[0].ClientID != "alpha" {
		t.Errorf("Sessions[0].ClientID = %q, want alpha", snap.Sessions[0].ClientID)
	}
}

func TestCollector_ErrorTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordError(nil)
	snap := c.Snapshot()
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}

	c.RecordError(fmt.Errorf("test error"))
	snap = c.Snapshot()
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestCollector_TotalCounters(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordIngested(pglogrepl.LSN(100), 50, 2048)
	c.RecordIngested(pglogrepl.LSN(200), 30, 1024)

	snap := c.Snapshot()
	if snap.TotalChanges != 80 {
		t.Errorf("TotalChanges = %d, want 80", snap.TotalChanges)
	}
	if snap.TotalBytes != 3072 {
		t.Errorf("TotalBytes = %d, want 3072", snap.TotalBytes)
	}
}

func TestCollector_LogBuffer(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) != 10 {
		t.Errorf("expected 10 logs, got %d", len(logs))
	}
}

func TestCollector_LogBufferEviction(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 600; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) > 500 {
		t.Errorf("log buffer should not exceed capacity, got %d", len(logs))
	}
}

func TestCollector_SubscribeUnsubscribe(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	ch := c.Subscribe()
	c.Unsubscribe(ch)

	// Should not panic or deadlock.
	c.SetPhase("test")
}

func TestCollector_Elapsed(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SetPhase("serving")
	time.Sleep(50 * time.Millisecond)
	snap := c.Snapshot()
	if snap.ElapsedSec < 0.04 {
		t.Errorf("ElapsedSec = %f, expected > 0.04", snap.ElapsedSec)
	}
}

func TestSlidingWindow_Rate(t *testing.T) {
	w := newSlidingWindow(5 * time.Second)
	now := time.Now()

	w.Add(now.Add(-3*time.Second), 30)
	w.Add(now.Add(-2*time.Second), 20)
	w.Add(now.Add(-1*time.Second), 10)

	rate := w.Rate()
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Eviction(t *testing.T) {
	w := newSlidingWindow(100 * time.Millisecond)
	now := time.Now()

	w.Add(now.Add(-200*time.Millisecond), 100)
	w.Add(now, 50)

	rate := w.Rate()
	// The old entry should be evicted, leaving only the 50 entry.
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Empty(t *testing.T) {
	w := newSlidingWindow(time.Second)
	if r := w.Rate(); r != 0 {
		t.Errorf("Rate() on empty window = %f, want 0", r)
	}
}
