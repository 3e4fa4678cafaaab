package wal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/pkg/lsn"
)

var (
	// ErrSlotNotFound means the replication slot does not exist; there is
	// no point retrying.
	ErrSlotNotFound = errors.New("replication slot not found")
	// ErrSlotBusy means another consumer holds the slot.
	ErrSlotBusy = errors.New("replication slot in use")
)

const (
	backoffMin       = 100 * time.Millisecond
	backoffMax       = 5 * time.Second
	slotBusyAttempts = 10
	decodeRetries    = 3
)

// HistoryAppender persists decoded changes durably before they are fanned
// out. Appends are idempotent on LSN.
type HistoryAppender interface {
	Append(ctx context.Context, changes []Change) (int64, error)
}

// Publisher receives each newly ingested batch, in LSN order.
type Publisher interface {
	Publish(changes []Change)
}

// Ingestor owns the replication slot: it polls wal2json output, appends
// decoded records to the change history, publishes them in memory, and
// advances the slot's confirmed position to the minimum durable cursor.
type Ingestor struct {
	pool    *pgxpool.Pool
	cfg     config.ReplicationConfig
	history HistoryAppender
	pub     Publisher
	logger  zerolog.Logger

	mu        sync.Mutex
	confirmed pglogrepl.LSN // min durable cursor, reported by the dispatcher
	advanced  pglogrepl.LSN // slot position we last advanced to
	lastSeen  pglogrepl.LSN // highest LSN observed from the slot

	decodeFailures int
	failedAt       pglogrepl.LSN
}

// NewIngestor creates an Ingestor. Run must be called to start polling.
func NewIngestor(pool *pgxpool.Pool, cfg config.ReplicationConfig, history HistoryAppender, pub Publisher, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		pool:    pool,
		cfg:     cfg,
		history: history,
		pub:     pub,
		logger:  logger.With().Str("component", "ingestor").Logger(),
	}
}

// ConfirmLSN records the minimum durable cursor across subscribers. The
// slot is advanced to it on the next poll, never past it.
func (in *Ingestor) ConfirmLSN(v pglogrepl.LSN) {
	in.mu.Lock()
	if v > in.confirmed {
		in.confirmed = v
	}
	in.mu.Unlock()
}

// LastSeen returns the highest LSN the ingestor has observed.
func (in *Ingestor) LastSeen() pglogrepl.LSN {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastSeen
}

// Run polls the slot until the context is cancelled. It returns nil on
// cancellation and an error only for fatal conditions.
func (in *Ingestor) Run(ctx context.Context) error {
	busyCount := 0
	backoff := backoffMin

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		rows, err := in.peek(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch {
			case errors.Is(err, ErrSlotNotFound):
				in.logger.Error().Err(err).Str("slot", in.cfg.SlotName).Msg("fatal slot error")
				return err
			case errors.Is(err, ErrSlotBusy):
				busyCount++
				if busyCount >= slotBusyAttempts {
					return fmt.Errorf("slot busy after %d attempts: %w", busyCount, err)
				}
				in.logger.Warn().Err(err).Int("attempt", busyCount).Msg("slot busy, backing off")
			default:
				in.logger.Warn().Err(err).Msg("transient poll error, backing off")
			}
			if !in.sleep(ctx, jitter(backoff)) {
				return nil
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		busyCount = 0
		backoff = backoffMin

		full := len(rows) == in.cfg.PeekLimit
		fresh := in.filterSeen(rows)

		if len(fresh) > 0 {
			if err := in.ingest(ctx, fresh); err != nil {
				in.logger.Warn().Err(err).Msg("ingest failed, will re-poll")
				if !in.sleep(ctx, jitter(backoff)) {
					return nil
				}
				backoff = min(backoff*2, backoffMax)
				continue
			}
		}

		if err := in.advance(ctx); err != nil {
			in.logger.Warn().Err(err).Msg("slot advance failed")
		}

		interval := in.cfg.PollIdle()
		if full {
			interval = in.cfg.PollActive()
		}
		if !in.sleep(ctx, interval) {
			return nil
		}
	}
}

func (in *Ingestor) peek(ctx context.Context) ([]RawRow, error) {
	rows, err := in.pool.Query(ctx, `
		SELECT lsn::text, xid::text, data
		FROM pg_logical_slot_peek_changes($1, NULL, $2,
			'format-version', '2',
			'include-timestamp', 'true')
	`, in.cfg.SlotName, in.cfg.PeekLimit)
	if err != nil {
		return nil, classifySlotErr(err)
	}
	defer rows.Close()

	var out []RawRow
	for rows.Next() {
		var r RawRow
		var pos, raw string
		if err := rows.Scan(&pos, &r.XID, &raw); err != nil {
			return nil, fmt.Errorf("scan peeked row: %w", err)
		}
		parsed, err := lsn.Parse(pos)
		if err != nil {
			return nil, fmt.Errorf("peeked row LSN: %w", err)
		}
		r.LSN = parsed
		r.Data = []byte(raw)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySlotErr(err)
	}
	return out, nil
}

// filterSeen drops rows at or below the highest LSN already ingested. The
// slot is only advanced by cursor confirmations, so peeks re-return rows we
// have already handled.
func (in *Ingestor) filterSeen(rows []RawRow) []RawRow {
	in.mu.Lock()
	seen := in.lastSeen
	in.mu.Unlock()

	out := rows[:0:len(rows)]
	for _, r := range rows {
		if r.LSN > seen {
			out = append(out, r)
		}
	}
	return out
}

// ingest decodes, persists, and publishes one batch atomically with
// respect to the history boundary: a torn decode or failed append leaves
// lastSeen untouched so the same rows reappear on the next poll.
func (in *Ingestor) ingest(ctx context.Context, rows []RawRow) error {
	changes, err := DecodeBatch(rows)
	if err != nil {
		return in.handleDecodeFailure(ctx, rows, err)
	}
	in.decodeFailures = 0

	if len(changes) > 0 {
		inserted, err := in.history.Append(ctx, changes)
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		if inserted < int64(len(changes)) {
			in.logger.Debug().
				Int64("inserted", inserted).
				Int("decoded", len(changes)).
				Msg("duplicate LSNs suppressed at history boundary")
		}
		in.pub.Publish(changes)
	}

	in.mu.Lock()
	in.lastSeen = rows[len(rows)-1].LSN
	in.mu.Unlock()
	return nil
}

// handleDecodeFailure retries a torn batch a few times (the rows reappear
// on the next poll), then falls back to row-by-row decoding so a single
// malformed record cannot wedge the slot. Rows that still fail are logged
// and skipped.
func (in *Ingestor) handleDecodeFailure(ctx context.Context, rows []RawRow, decodeErr error) error {
	first := rows[0].LSN
	if in.failedAt != first {
		in.failedAt = first
		in.decodeFailures = 0
	}
	in.decodeFailures++
	if in.decodeFailures <= decodeRetries {
		return decodeErr
	}

	in.logger.Error().Err(decodeErr).Stringer("lsn", first).Msg("persistent decode failure, skipping malformed rows")
	var good []RawRow
	for _, r := range rows {
		if _, err := DecodeBatch([]RawRow{r}); err != nil {
			in.logger.Error().Err(err).Stringer("lsn", r.LSN).Msg("skipping malformed WAL record")
			continue
		}
		good = append(good, r)
	}
	in.decodeFailures = 0
	if len(good) == 0 {
		in.mu.Lock()
		in.lastSeen = rows[len(rows)-1].LSN
		in.mu.Unlock()
		return nil
	}
	// Preserve ordering: the good rows still ingest as one batch.
	return in.ingest(ctx, good)
}

// advance moves the slot's confirmed position up to the minimum durable
// cursor. It never advances past it and never moves backwards.
func (in *Ingestor) advance(ctx context.Context) error {
	in.mu.Lock()
	target := in.confirmed
	done := in.advanced
	in.mu.Unlock()

	if target == 0 || target <= done {
		return nil
	}

	_, err := in.pool.Exec(ctx,
		`SELECT pg_replication_slot_advance($1, $2)`,
		in.cfg.SlotName, target.String())
	if err != nil {
		return classifySlotErr(err)
	}

	in.mu.Lock()
	in.advanced = target
	in.mu.Unlock()
	in.logger.Debug().Stringer("lsn", target).Msg("slot advanced")
	return nil
}

func (in *Ingestor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func classifySlotErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42704": // undefined_object: slot does not exist
			return fmt.Errorf("%w: %s", ErrSlotNotFound, pgErr.Message)
		case "58P01": // undefined_file: output plugin missing
			return fmt.Errorf("%w: %s", ErrSlotNotFound, pgErr.Message)
		case "55006": // object_in_use
			return fmt.Errorf("%w: %s", ErrSlotBusy, pgErr.Message)
		}
	}
	return err
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
