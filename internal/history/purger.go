package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

const purgeInterval = time.Minute

// Purger deletes history entries that have fallen out of the retention
// window and that every durable subscriber has already confirmed.
type Purger struct {
	store     *Store
	retention time.Duration
	minCursor func() pglogrepl.LSN
	logger    zerolog.Logger
}

// NewPurger creates a Purger. minCursor must return the global minimum
// persisted cursor across durable subscribers (zero means "no subscriber
// yet", which disables purging).
func NewPurger(store *Store, retention time.Duration, minCursor func() pglogrepl.LSN, logger zerolog.Logger) *Purger {
	return &Purger{
		store:     store,
		retention: retention,
		minCursor: minCursor,
		logger:    logger.With().Str("component", "history-purger").Logger(),
	}
}

// Run sweeps periodically until the context is cancelled.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Purger) sweep(ctx context.Context) {
	cutoff := p.minCursor()
	if cutoff == 0 {
		return
	}

	interval := fmt.Sprintf("%d milliseconds", p.retention.Milliseconds())
	deleted, err := p.store.Purge(ctx, cutoff, interval)
	if err != nil {
		p.logger.Warn().Err(err).Msg("history purge failed")
		return
	}
	if deleted > 0 {
		p.logger.Info().
			Int64("deleted", deleted).
			Stringer("below", cutoff).
			Msg("purged change history")
	}
}
