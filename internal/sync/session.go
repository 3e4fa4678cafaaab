package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/transport"
	"github.com/vibestack/syncd/internal/wal"
)

// State is the session lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateCatchup
	StateLive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateCatchup:
		return "catchup"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HistoryReader is the slice of the history store a session needs for
// catchup.
type HistoryReader interface {
	ByLSNRange(ctx context.Context, startExcl, endIncl pglogrepl.LSN, limit int) ([]wal.Change, error)
	MaxLSN(ctx context.Context) (pglogrepl.LSN, error)
}

// Hooks let the dispatcher observe durable cursor advances and session
// teardown without the session knowing about cursors or registries.
type Hooks struct {
	OnAck   func(clientID string, pos pglogrepl.LSN)
	OnClose func(clientID string)
}

// Session is the per-client state machine. It exists only while a
// transport connection exists; its durable cursor outlives it.
type Session struct {
	clientID string
	conn     transport.Conn
	history  HistoryReader
	cfg      config.SyncConfig
	hooks    Hooks
	logger   zerolog.Logger

	// tail reports the highest ingested LSN, for idle srv_lsn_update
	// bumps. Optional.
	tail func() pglogrepl.LSN

	state  atomic.Int32
	cursor atomic.Uint64

	in      chan wal.Change
	events  chan any
	readErr chan error

	closeOnce sync.Once
	closed    chan struct{}

	connectedAt time.Time
}

// NewSession creates a session in the connecting state.
func NewSession(clientID string, conn transport.Conn, history HistoryReader, cfg config.SyncConfig, hooks Hooks, logger zerolog.Logger) *Session {
	return &Session{
		clientID:    clientID,
		conn:        conn,
		history:     history,
		cfg:         cfg,
		hooks:       hooks,
		logger:      logger.With().Str("component", "session").Str("client", clientID).Logger(),
		in:          make(chan wal.Change, cfg.SessionQueueDepth),
		events:      make(chan any, 16),
		readErr:     make(chan error, 1),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// Authenticate records the verified identity's replay cursor and moves
// the session out of connecting.
func (s *Session) Authenticate(cursor pglogrepl.LSN) {
	s.cursor.Store(uint64(cursor))
	s.state.Store(int32(StateAuthenticated))
}

// ClientID returns the stable client identifier.
func (s *Session) ClientID() string { return s.clientID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Cursor returns the highest LSN the client has acknowledged.
func (s *Session) Cursor() pglogrepl.LSN { return pglogrepl.LSN(s.cursor.Load()) }

// QueueLen reports the inbound queue depth, for back-pressure accounting
// and observability.
func (s *Session) QueueLen() int { return len(s.in) }

// ConnectedSince returns when the transport was accepted.
func (s *Session) ConnectedSince() time.Time { return s.connectedAt }

// Done is closed when the session reaches the closed state.
func (s *Session) Done() <-chan struct{} { return s.closed }

// SetTail wires the server-tail source used for idle LSN updates.
func (s *Session) SetTail(tail func() pglogrepl.LSN) { s.tail = tail }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug().Stringer("state", st).Msg("session state")
}

// Run drives the session until the transport drops, the client fails, or
// the context is cancelled. It always leaves the session closed with the
// cursor handed to the dispatcher.
func (s *Session) Run(ctx context.Context) {
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()
	go s.readLoop(readCtx)

	if err := s.catchup(ctx); err != nil {
		s.finish(ctx, err)
		return
	}
	s.finish(ctx, s.live(ctx))
}

// readLoop parses inbound frames into events. A decode failure is a
// protocol violation; a read failure means the transport is gone.
func (s *Session) readLoop(ctx context.Context) {
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case s.readErr <- err:
			default:
			}
			return
		}
		msg, err := DecodeClient(data)
		if err != nil {
			select {
			case s.readErr <- err:
			default:
			}
			return
		}
		select {
		case s.events <- msg:
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

// errDrain wraps the close code a failing session surfaces.
type errDrain struct {
	code   transport.CloseCode
	reason string
	notify bool // whether srv_error can still reach the client
}

func (e *errDrain) Error() string { return fmt.Sprintf("%s: %s", e.code, e.reason) }

func drainErr(code transport.CloseCode, notify bool, format string, args ...any) error {
	return &errDrain{code: code, reason: fmt.Sprintf(format, args...), notify: notify}
}

// finish runs the draining path exactly once: cancel outbound work at the
// batch boundary, notify the client when possible, persist the cursor via
// the dispatcher hook, and close the transport.
func (s *Session) finish(ctx context.Context, cause error) {
	s.closeOnce.Do(func() {
		s.setState(StateDraining)

		code := transport.CloseNormal
		reason := ""
		notify := false
		var de *errDrain
		if errors.As(cause, &de) {
			code, reason, notify = de.code, de.reason, de.notify
		} else if cause != nil {
			code, reason = transport.CloseServerShutdown, cause.Error()
		}

		if notify {
			msg := ErrorMsg{
				Envelope: NewEnvelope(TypeError, s.clientID),
				Code:     string(code),
				Message:  reason,
			}
			if data, err := Encode(msg); err == nil {
				writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = s.conn.Write(writeCtx, data)
				cancel()
			}
		}

		if cause != nil {
			s.logger.Info().Str("code", string(code)).Str("reason", reason).Msg("session draining")
		}

		if s.hooks.OnClose != nil {
			s.hooks.OnClose(s.clientID)
		}
		_ = s.conn.Close(code, reason)
		s.setState(StateClosed)
		close(s.closed)
	})
}

// Fail forces the session into draining from outside its own loop — the
// dispatcher uses it for back-pressure stalls and shutdown.
func (s *Session) Fail(code transport.CloseCode, reason string) {
	s.finish(context.Background(), drainErr(code, code == transport.CloseBackPressure, "%s", reason))
}

// send writes one outbound frame with the transport write budget.
func (s *Session) send(ctx context.Context, msg any) error {
	data, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := s.conn.Write(ctx, data); err != nil {
		return drainErr(transport.CloseServerShutdown, false, "transport write: %v", err)
	}
	return nil
}

// catchup replays history strictly after the replay cursor in chunked,
// acknowledged batches, then hands over to live atomically: the final
// MaxLSN check and the transition happen with no sends in between.
func (s *Session) catchup(ctx context.Context) error {
	start := s.Cursor()

	maxL, err := s.history.MaxLSN(ctx)
	if err != nil {
		return drainErr(transport.CloseServerShutdown, false, "history max: %v", err)
	}
	if maxL <= start {
		// Nothing to replay; straight to live.
		s.setState(StateLive)
		return nil
	}

	s.setState(StateCatchup)
	hb := time.NewTimer(2 * s.cfg.Heartbeat())
	defer hb.Stop()

	totalSent := 0
	for {
		changes, err := s.readRange(ctx, s.Cursor(), maxL)
		if err != nil {
			return drainErr(transport.CloseServerShutdown, false, "read history: %v", err)
		}
		if len(changes) == 0 {
			break
		}

		batches := BuildBatches(changes, s.cfg.BatchMaxRecords, s.cfg.BatchMaxBytes)
		n := len(batches)
		for i, b := range batches {
			msg := CatchupChanges{
				Envelope: NewEnvelope(TypeCatchupChanges, s.clientID),
				Changes:  b.Changes,
				Sequence: Sequence{Chunk: i + 1, Total: n},
				LastLSN:  WireLSN(b.LastLSN),
			}
			if err := s.send(ctx, msg); err != nil {
				return err
			}
			if err := s.awaitCatchupAck(ctx, hb, i+1); err != nil {
				return err
			}
			s.cursor.Store(uint64(b.LastLSN))
			if b.AdvanceCursor && s.hooks.OnAck != nil {
				s.hooks.OnAck(s.clientID, b.LastLSN)
			}
			totalSent += len(b.Changes)
		}

		// Re-check the tail: anything appended while we replayed belongs
		// to this catchup too.
		maxL, err = s.history.MaxLSN(ctx)
		if err != nil {
			return drainErr(transport.CloseServerShutdown, false, "history max: %v", err)
		}
		if maxL <= s.Cursor() {
			break
		}
	}

	// Sent even when the range scan came back empty (rows purged between
	// the MaxLSN read and the scan): the client must always see the phase
	// boundary once catchup began.
	done := CatchupCompleted{
		Envelope:    NewEnvelope(TypeCatchupCompleted, s.clientID),
		Success:     true,
		ChangeCount: totalSent,
		StartLSN:    WireLSN(start),
		FinalLSN:    WireLSN(s.Cursor()),
	}
	if err := s.send(ctx, done); err != nil {
		return err
	}
	s.setState(StateLive)
	return nil
}

// readRange pages the full replay window into memory so chunk totals are
// exact. The window is bounded by the history retention policy.
func (s *Session) readRange(ctx context.Context, after, upto pglogrepl.LSN) ([]wal.Change, error) {
	var all []wal.Change
	cursor := after
	for {
		page, err := s.history.ByLSNRange(ctx, cursor, upto, s.cfg.BatchMaxRecords)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
		cursor = page[len(page)-1].LSN
	}
}

// awaitCatchupAck blocks until the client confirms the given chunk.
// Heartbeats are accepted and reset the watchdog; anything else is a
// protocol violation.
func (s *Session) awaitCatchupAck(ctx context.Context, hb *time.Timer, chunk int) error {
	stall := time.NewTimer(s.cfg.SessionStall())
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return drainErr(transport.CloseServerShutdown, true, "server shutting down")
		case <-s.closed:
			return drainErr(transport.CloseServerShutdown, false, "session closed")
		case err := <-s.readErr:
			return s.classifyReadErr(err)
		case <-hb.C:
			return drainErr(transport.CloseTimeout, true, "no heartbeat within %s", 2*s.cfg.Heartbeat())
		case <-stall.C:
			return drainErr(transport.CloseTimeout, true, "catchup chunk %d unacknowledged after %s", chunk, s.cfg.SessionStall())
		case ev := <-s.events:
			switch m := ev.(type) {
			case *Heartbeat:
				resetTimer(hb, 2*s.cfg.Heartbeat())
			case *CatchupReceived:
				if m.Chunk != chunk {
					return drainErr(transport.CloseProtocol, true, "acked chunk %d, expected %d", m.Chunk, chunk)
				}
				return nil
			default:
				return drainErr(transport.CloseProtocol, true, "unexpected %T during catchup", ev)
			}
		}
	}
}

// live flushes fan-out records as acknowledged batches until the session
// ends. Returns nil on a clean shutdown path, or the drain cause.
func (s *Session) live(ctx context.Context) error {
	hb := time.NewTimer(2 * s.cfg.Heartbeat())
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return drainErr(transport.CloseServerShutdown, true, "server shutting down")
		case <-s.closed:
			return nil
		case err := <-s.readErr:
			return s.classifyReadErr(err)
		case <-hb.C:
			return drainErr(transport.CloseTimeout, true, "no heartbeat within %s", 2*s.cfg.Heartbeat())
		case ev := <-s.events:
			if err := s.handleIdleEvent(ctx, ev, hb); err != nil {
				return err
			}
		case first := <-s.in:
			changes := s.drainQueue(first)
			if len(changes) == 0 {
				continue
			}
			if err := s.flush(ctx, hb, changes); err != nil {
				return err
			}
		}
	}
}

// handleIdleEvent processes client traffic between flushes.
func (s *Session) handleIdleEvent(ctx context.Context, ev any, hb *time.Timer) error {
	switch ev.(type) {
	case *Heartbeat:
		resetTimer(hb, 2*s.cfg.Heartbeat())
		s.maybeSendLSNUpdate(ctx)
		return nil
	case *ChangesAck:
		// Late ack for an already-advanced batch; harmless.
		return nil
	default:
		return drainErr(transport.CloseProtocol, true, "unexpected %T in live state", ev)
	}
}

// maybeSendLSNUpdate bumps the client's known position when the server
// tail moved but no row changes exist for this session.
func (s *Session) maybeSendLSNUpdate(ctx context.Context) {
	if s.tail == nil || len(s.in) > 0 {
		return
	}
	t := s.tail()
	if t <= s.Cursor() {
		return
	}
	msg := LSNUpdate{
		Envelope: NewEnvelope(TypeLSNUpdate, s.clientID),
		LSN:      WireLSN(t),
	}
	_ = s.send(ctx, msg)
}

// drainQueue gathers whatever the feeder has enqueued, dropping records
// the catchup phase already replayed.
func (s *Session) drainQueue(first wal.Change) []wal.Change {
	changes := make([]wal.Change, 0, 64)
	cursor := s.Cursor()
	if first.LSN > cursor {
		changes = append(changes, first)
	}
	for len(changes) < s.cfg.BatchMaxRecords*4 {
		select {
		case c := <-s.in:
			if c.LSN > cursor {
				changes = append(changes, c)
			}
		default:
			return changes
		}
	}
	return changes
}

// flush sends one LSN-ordered run of records as acknowledged batches.
func (s *Session) flush(ctx context.Context, hb *time.Timer, changes []wal.Change) error {
	for _, b := range BuildBatches(changes, s.cfg.BatchMaxRecords, s.cfg.BatchMaxBytes) {
		msg := LiveChanges{
			Envelope: NewEnvelope(TypeLiveChanges, s.clientID),
			Changes:  b.Changes,
			Sequence: b.Seq,
			LastLSN:  WireLSN(b.LastLSN),
		}
		if err := s.send(ctx, msg); err != nil {
			return err
		}
		if err := s.awaitChangesAck(ctx, hb, b.LastLSN); err != nil {
			return err
		}
		s.cursor.Store(uint64(b.LastLSN))
		if b.AdvanceCursor && s.hooks.OnAck != nil {
			s.hooks.OnAck(s.clientID, b.LastLSN)
		}
	}
	return nil
}

// awaitChangesAck blocks until the client acknowledges at least upto.
func (s *Session) awaitChangesAck(ctx context.Context, hb *time.Timer, upto pglogrepl.LSN) error {
	stall := time.NewTimer(s.cfg.SessionStall())
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return drainErr(transport.CloseServerShutdown, true, "server shutting down")
		case <-s.closed:
			return drainErr(transport.CloseServerShutdown, false, "session closed")
		case err := <-s.readErr:
			return s.classifyReadErr(err)
		case <-hb.C:
			return drainErr(transport.CloseTimeout, true, "no heartbeat within %s", 2*s.cfg.Heartbeat())
		case <-stall.C:
			return drainErr(transport.CloseTimeout, true, "batch %s unacknowledged after %s", upto, s.cfg.SessionStall())
		case ev := <-s.events:
			switch m := ev.(type) {
			case *Heartbeat:
				resetTimer(hb, 2*s.cfg.Heartbeat())
			case *ChangesAck:
				if pglogrepl.LSN(m.LastLSN) >= upto {
					return nil
				}
				// Partial ack: keep waiting for the batch tail.
			default:
				return drainErr(transport.CloseProtocol, true, "unexpected %T awaiting ack", ev)
			}
		}
	}
}

// classifyReadErr maps read-loop failures to drain causes.
func (s *Session) classifyReadErr(err error) error {
	if errors.Is(err, ErrProtocol) {
		return drainErr(transport.CloseProtocol, true, "%v", err)
	}
	// Transport gone: nothing to notify.
	return drainErr(transport.CloseNormal, false, "transport closed: %v", err)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
