// Package metrics aggregates server health for the HTTP admin surface,
// the status command, and the TUI monitor.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/pkg/lsn"
)

// SessionView is a point-in-time view of one streaming session.
type SessionView struct {
	ClientID       string    `json:"client_id"`
	State          string    `json:"state"`
	Cursor         string    `json:"cursor"`
	QueueLen       int       `json:"queue_len"`
	ConnectedSince time.Time `json:"connected_since"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Phase      string    `json:"phase"`
	ElapsedSec float64   `json:"elapsed_sec"`

	// LSN tracking
	IngestedLSN  string `json:"ingested_lsn"`
	ConfirmedLSN string `json:"confirmed_lsn"`
	ServerLSN    string `json:"server_lsn"`
	LagBytes     uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`

	// Sessions
	SessionCount int           `json:"session_count"`
	Sessions     []SessionView `json:"sessions"`

	// Throughput
	ChangesPerSec float64 `json:"changes_per_sec"`
	BytesPerSec   float64 `json:"bytes_per_sec"`
	TotalChanges  int64   `json:"total_changes"`
	TotalBytes    int64   `json:"total_bytes"`

	// Errors
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// LogEntry represents a log line captured for the UI.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Collector aggregates server metrics and provides snapshots for
// consumption by the HTTP API and TUI.
type Collector struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	phase     string
	startedAt time.Time

	ingestedLSN  pglogrepl.LSN
	confirmedLSN pglogrepl.LSN
	serverLSN    pglogrepl.LSN // server-reported write position

	// sessionsFn snapshots connected sessions; wired by the engine.
	sessionsFn func() []SessionView

	totalChanges atomic.Int64
	totalBytes   atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	// Throughput tracking (sliding window).
	changeWindow *slidingWindow
	byteWindow   *slidingWindow

	// Subscribers for push-based updates.
	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	// Log ring buffer.
	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector creates a new Collector.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:       logger.With().Str("component", "metrics").Logger(),
		subscribers:  make(map[chan Snapshot]struct{}),
		changeWindow: newSlidingWindow(60 * time.Second),
		byteWindow:   newSlidingWindow(60 * time.Second),
		logs:         make([]LogEntry, 0, 500),
		logCap:       500,
		done:         make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SetPhase updates the current server phase.
func (c *Collector) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
}

// SetSessionsFn wires the session snapshot source.
func (c *Collector) SetSessionsFn(fn func() []SessionView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsFn = fn
}

// RecordIngested records a successfully ingested batch tail and counts.
func (c *Collector) RecordIngested(pos pglogrepl.LSN, changes int64, bytes int64) {
	c.mu.Lock()
	if pos > c.ingestedLSN {
		c.ingestedLSN = pos
	}
	c.mu.Unlock()
	c.totalChanges.Add(changes)
	c.totalBytes.Add(bytes)
	now := time.Now()
	c.changeWindow.Add(now, float64(changes))
	c.byteWindow.Add(now, float64(bytes))
}

// RecordConfirmedLSN updates the slot's confirmed position.
func (c *Collector) RecordConfirmedLSN(pos pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos > c.confirmedLSN {
		c.confirmedLSN = pos
	}
}

// RecordServerLSN updates the server-reported write position for lag
// calculation.
func (c *Collector) RecordServerLSN(pos pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverLSN = pos
}

// RecordError increments the error count and stores the last error message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		// Shift buffer: drop oldest quarter.
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns the current metrics state (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	phase := c.phase
	startedAt := c.startedAt
	ingested := c.ingestedLSN
	confirmed := c.confirmedLSN
	server := c.serverLSN
	sessionsFn := c.sessionsFn
	c.mu.RUnlock()

	now := time.Now()
	var elapsed float64
	if !startedAt.IsZero() {
		elapsed = now.Sub(startedAt).Seconds()
	}

	lagBytes := lsn.Lag(ingested, server)

	var sessions []SessionView
	if sessionsFn != nil {
		sessions = sessionsFn()
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:     now,
		Phase:         phase,
		ElapsedSec:    elapsed,
		IngestedLSN:   lsn.Format(ingested),
		ConfirmedLSN:  lsn.Format(confirmed),
		ServerLSN:     lsn.Format(server),
		LagBytes:      lagBytes,
		LagFormatted:  lsn.FormatLag(lagBytes, 0),
		SessionCount:  len(sessions),
		Sessions:      sessions,
		ChangesPerSec: c.changeWindow.Rate(),
		BytesPerSec:   c.byteWindow.Rate(),
		TotalChanges:  c.totalChanges.Load(),
		TotalBytes:    c.totalBytes.Load(),
		ErrorCount:    int(c.errorCount.Load()),
		LastError:     lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
