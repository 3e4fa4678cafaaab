package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/db"
	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/metrics"
	"github.com/vibestack/syncd/internal/tracker"
	"github.com/vibestack/syncd/internal/wal"
)

// Engine wires the full server pipeline: WAL ingestion into the change
// history, in-memory change tracking, and fan-out to streaming sessions,
// with the slot advanced only past what every session has durably
// acknowledged.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Components
	DB         *db.DB
	History    *history.Store
	Cursors    *CursorStore
	Tracker    *tracker.Tracker
	Dispatcher *Dispatcher
	Ingestor   *wal.Ingestor
	purger     *history.Purger

	// Metrics
	Metrics   *metrics.Collector
	persister *metrics.StatePersister

	cancel context.CancelFunc
}

// NewEngine creates an Engine from the given configuration. Start must be
// called to connect and begin ingesting.
func NewEngine(cfg *config.Config, collector *metrics.Collector, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		logger:  logger.With().Str("component", "engine").Logger(),
		Metrics: collector,
	}
}

// Start connects to the database, ensures the replication slot, and wires
// all components. The engine runs until the context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.Metrics.SetPhase("starting")
	e.startPersister()

	database, err := db.Open(ctx, e.cfg.Database.DSN(), e.logger)
	if err != nil {
		return err
	}
	e.DB = database

	created, err := wal.EnsureSlot(ctx, database.Pool, e.cfg.Replication.SlotName, e.cfg.Replication.OutputPlugin)
	if err != nil {
		database.Close()
		return fmt.Errorf("ensure replication slot: %w", err)
	}
	if created {
		e.logger.Info().Str("slot", e.cfg.Replication.SlotName).Msg("replication slot created")
	}

	e.initComponents()

	go func() {
		if err := e.Ingestor.Run(ctx); err != nil {
			e.Metrics.RecordError(err)
			e.logger.Error().Err(err).Msg("ingestor stopped")
		}
	}()
	go e.purger.Run(ctx)
	go e.Tracker.SweepReservations(ctx, time.Minute)
	go e.sampleServerLSN(ctx)

	e.Metrics.SetPhase("serving")
	return nil
}

func (e *Engine) initComponents() {
	e.History = history.NewStore(e.DB.Pool)
	e.Cursors = NewCursorStore(e.DB.Pool)
	e.Tracker = tracker.New(e.logger)
	e.Dispatcher = NewDispatcher(e.cfg.Sync, e.History, e.Cursors, e.logger)

	e.Ingestor = wal.NewIngestor(e.DB.Pool, e.cfg.Replication, e.History, enginePublisher{e}, e.logger)

	e.Dispatcher.SetTail(e.Ingestor.LastSeen)
	e.Dispatcher.OnMinCursor(func(pos pglogrepl.LSN) {
		e.Ingestor.ConfirmLSN(pos)
		e.Metrics.RecordConfirmedLSN(pos)
	})

	e.purger = history.NewPurger(e.History, e.cfg.Sync.HistoryRetention(), e.MinCursorOrTail, e.logger)

	e.Metrics.SetSessionsFn(func() []metrics.SessionView {
		infos := e.Dispatcher.Sessions()
		views := make([]metrics.SessionView, len(infos))
		for i, s := range infos {
			views[i] = metrics.SessionView{
				ClientID:       s.ClientID,
				State:          s.State,
				Cursor:         s.Cursor,
				QueueLen:       s.QueueLen,
				ConnectedSince: s.ConnectedSince,
			}
		}
		return views
	})
}

func (e *Engine) startPersister() {
	persister, err := metrics.NewStatePersister(e.Metrics, e.logger)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to start state persister")
		return
	}
	e.persister = persister
	e.persister.Start()
}

// sampleServerLSN polls the server write position for lag reporting.
func (e *Engine) sampleServerLSN(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pos, err := wal.CurrentLSN(ctx, e.DB.Pool)
			if err != nil {
				continue
			}
			e.Metrics.RecordServerLSN(pos)
		}
	}
}

// Stop drains every session and releases all resources.
func (e *Engine) Stop() {
	e.Metrics.SetPhase("stopping")
	if e.Dispatcher != nil {
		e.Dispatcher.Shutdown()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.persister != nil {
		e.persister.Stop()
	}
	if e.DB != nil {
		e.DB.Close()
	}
	e.Metrics.SetPhase("stopped")
}

// enginePublisher fans each ingested batch into the tracker, the metrics
// collector, and the dispatcher, in that order: tracker state must be
// current before any session can observe the records.
type enginePublisher struct {
	e *Engine
}

func (p enginePublisher) Publish(changes []wal.Change) {
	if len(changes) == 0 {
		return
	}
	p.e.Tracker.Observe(changes)

	var bytes int64
	for _, c := range changes {
		if b, err := json.Marshal(c); err == nil {
			bytes += int64(len(b))
		}
	}
	p.e.Metrics.RecordIngested(changes[len(changes)-1].LSN, int64(len(changes)), bytes)

	p.e.Dispatcher.Publish(changes)
}

// MinCursorOrTail reports the purge floor and slot target: the minimum
// durable cursor when sessions are connected, the ingest tail otherwise.
func (e *Engine) MinCursorOrTail() pglogrepl.LSN {
	if min := e.Dispatcher.MinCursor(); min > 0 {
		return min
	}
	return e.Ingestor.LastSeen()
}

var _ wal.Publisher = enginePublisher{}
