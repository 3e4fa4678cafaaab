package sync

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/transport"
	"github.com/vibestack/syncd/internal/wal"
	"github.com/vibestack/syncd/pkg/lsn"
)

// CursorPersister is the durable cursor surface the dispatcher needs.
// *CursorStore satisfies it; tests substitute an in-memory map.
type CursorPersister interface {
	Load(ctx context.Context, clientID string) (pglogrepl.LSN, error)
	Save(ctx context.Context, clientID string, pos pglogrepl.LSN) error
}

// Dispatcher fans ingested changes out to connected sessions and owns the
// safety boundary for slot advancement: the replication slot may only move
// past positions every connected session has durably acknowledged.
type Dispatcher struct {
	cfg     config.SyncConfig
	history HistoryReader
	cursors CursorPersister
	logger  zerolog.Logger

	// tail reports the highest ingested LSN, passed through to sessions.
	tail func() pglogrepl.LSN
	// onMinCursor receives the new safe confirmation point whenever it
	// advances. Wired to the ingestor's ConfirmLSN.
	onMinCursor func(pglogrepl.LSN)

	mu       sync.RWMutex
	sessions map[string]*sessionHandle
}

// sessionHandle pairs a session with its feeder state. The feeder owns an
// unbounded staging buffer so Publish never blocks on a slow client; the
// session's bounded queue is filled from staging, and a feed that cannot
// make progress for the stall window force-drains the session.
type sessionHandle struct {
	sess *Session

	mu      sync.Mutex
	staging []wal.Change
	durable pglogrepl.LSN

	wake chan struct{}
	stop chan struct{}
}

// NewDispatcher creates a dispatcher over the given history and cursor
// stores.
func NewDispatcher(cfg config.SyncConfig, history HistoryReader, cursors CursorPersister, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		history:  history,
		cursors:  cursors,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		sessions: make(map[string]*sessionHandle),
	}
}

// SetTail wires the server-tail source handed to each session.
func (d *Dispatcher) SetTail(tail func() pglogrepl.LSN) { d.tail = tail }

// OnMinCursor wires the callback invoked when the minimum durable cursor
// across connected sessions advances.
func (d *Dispatcher) OnMinCursor(fn func(pglogrepl.LSN)) { d.onMinCursor = fn }

// Register builds a session for a fresh connection. Replay starts at the
// later of the persisted cursor and the client-requested position, so a
// client asking for an older LSN never rewinds past what it already
// durably received. An existing session for the same client is replaced.
func (d *Dispatcher) Register(ctx context.Context, clientID string, requested pglogrepl.LSN, conn transport.Conn) (*Session, error) {
	persisted, err := d.cursors.Load(ctx, clientID)
	if err != nil {
		return nil, err
	}
	start := persisted
	if requested > start {
		start = requested
	}

	sess := NewSession(clientID, conn, d.history, d.cfg, Hooks{
		OnAck:   d.noteAck,
		OnClose: d.remove,
	}, d.logger)
	sess.Authenticate(start)
	if d.tail != nil {
		sess.SetTail(d.tail)
	}

	h := &sessionHandle{
		sess:    sess,
		durable: start,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	d.mu.Lock()
	if old, ok := d.sessions[clientID]; ok {
		close(old.stop)
		go old.sess.Fail(transport.CloseNormal, "replaced by new connection")
	}
	d.sessions[clientID] = h
	d.mu.Unlock()

	go d.feed(h)

	d.logger.Info().Str("client", clientID).
		Str("cursor", lsn.Format(start)).
		Msg("session registered")
	return sess, nil
}

// remove drops a session from the registry after persisting its final
// cursor, then recomputes the safe confirmation point.
func (d *Dispatcher) remove(clientID string) {
	d.mu.Lock()
	h, ok := d.sessions[clientID]
	if ok && h.sess.State() >= StateDraining {
		delete(d.sessions, clientID)
	} else {
		// A replacement session took the slot already.
		h = nil
	}
	d.mu.Unlock()
	if h == nil {
		return
	}

	select {
	case <-h.stop:
	default:
		close(h.stop)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.cursors.Save(ctx, clientID, h.sess.Cursor()); err != nil {
		d.logger.Warn().Err(err).Str("client", clientID).Msg("persist cursor on close")
	}
	d.advanceMin()
	d.logger.Info().Str("client", clientID).Msg("session removed")
}

// noteAck persists a durable cursor advance and recomputes the minimum.
func (d *Dispatcher) noteAck(clientID string, pos pglogrepl.LSN) {
	d.mu.RLock()
	h := d.sessions[clientID]
	d.mu.RUnlock()
	if h != nil {
		h.mu.Lock()
		if pos > h.durable {
			h.durable = pos
		}
		h.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.cursors.Save(ctx, clientID, pos); err != nil {
		d.logger.Warn().Err(err).Str("client", clientID).Msg("persist cursor")
		return
	}
	d.advanceMin()
}

// MinCursor returns the lowest durable cursor across connected sessions,
// or zero when no session is connected.
func (d *Dispatcher) MinCursor() pglogrepl.LSN {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var min pglogrepl.LSN
	first := true
	for _, h := range d.sessions {
		h.mu.Lock()
		dur := h.durable
		h.mu.Unlock()
		if first || dur < min {
			min = dur
			first = false
		}
	}
	return min
}

func (d *Dispatcher) advanceMin() {
	if d.onMinCursor == nil {
		return
	}
	if min := d.MinCursor(); min > 0 {
		d.onMinCursor(min)
	}
}

// Publish stages one ingested batch for every connected session. It never
// blocks: slow sessions accumulate in their staging buffer until the
// feeder either catches up or declares a stall. With no sessions connected
// the batch is already durable in history, so the slot may advance to its
// tail immediately.
func (d *Dispatcher) Publish(changes []wal.Change) {
	if len(changes) == 0 {
		return
	}

	d.mu.RLock()
	handles := make([]*sessionHandle, 0, len(d.sessions))
	for _, h := range d.sessions {
		handles = append(handles, h)
	}
	d.mu.RUnlock()

	if len(handles) == 0 {
		if d.onMinCursor != nil {
			d.onMinCursor(changes[len(changes)-1].LSN)
		}
		return
	}

	for _, h := range handles {
		h.mu.Lock()
		h.staging = append(h.staging, changes...)
		h.mu.Unlock()
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
}

// feed moves staged changes into the session's bounded queue. Staged
// records are coalesced each pass so a slow client skips superseded
// versions of a row instead of replaying them. A push that cannot make
// progress within the stall window fails the session with a back-pressure
// close.
func (d *Dispatcher) feed(h *sessionHandle) {
	for {
		select {
		case <-h.stop:
			return
		case <-h.sess.Done():
			return
		case <-h.wake:
		}

		for {
			h.mu.Lock()
			pending := h.staging
			h.staging = nil
			h.mu.Unlock()
			if len(pending) == 0 {
				break
			}

			pending = coalesce(pending)
			if !d.push(h, pending) {
				return
			}
		}
	}
}

// push enqueues one coalesced run, returning false when the session
// stalled or ended.
func (d *Dispatcher) push(h *sessionHandle, pending []wal.Change) bool {
	stall := time.NewTimer(d.cfg.SessionStall())
	defer stall.Stop()

	for _, c := range pending {
		select {
		case h.sess.in <- c:
			resetTimer(stall, d.cfg.SessionStall())
		case <-h.stop:
			return false
		case <-h.sess.Done():
			return false
		case <-stall.C:
			d.logger.Warn().Str("client", h.sess.ClientID()).
				Int("queued", h.sess.QueueLen()).
				Msg("session stalled, force draining")
			h.sess.Fail(transport.CloseBackPressure,
				"client cannot keep up with change volume")
			return false
		}
	}
	return true
}

// SessionInfo is a point-in-time view of one session for the admin
// surface and metrics.
type SessionInfo struct {
	ClientID       string    `json:"clientId"`
	State          string    `json:"state"`
	Cursor         string    `json:"cursor"`
	QueueLen       int       `json:"queueLen"`
	ConnectedSince time.Time `json:"connectedSince"`
}

// Sessions snapshots all connected sessions.
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]SessionInfo, 0, len(d.sessions))
	for _, h := range d.sessions {
		s := h.sess
		out = append(out, SessionInfo{
			ClientID:       s.ClientID(),
			State:          s.State().String(),
			Cursor:         lsn.Format(s.Cursor()),
			QueueLen:       s.QueueLen(),
			ConnectedSince: s.ConnectedSince(),
		})
	}
	return out
}

// Shutdown drains every session with a server_shutdown close.
func (d *Dispatcher) Shutdown() {
	d.mu.RLock()
	handles := make([]*sessionHandle, 0, len(d.sessions))
	for _, h := range d.sessions {
		handles = append(handles, h)
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *sessionHandle) {
			defer wg.Done()
			h.sess.Fail(transport.CloseServerShutdown, "server shutting down")
		}(h)
	}
	wg.Wait()
}
