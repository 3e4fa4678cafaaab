package sync

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/pkg/lsn"
)

// CursorStore persists per-client acknowledgment positions in the
// client_cursor table. The durable cursor only moves forward.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a CursorStore over the given pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Load returns the persisted cursor for a client, zero when the client
// has never connected.
func (s *CursorStore) Load(ctx context.Context, clientID string) (pglogrepl.LSN, error) {
	var pos string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT last_ack_lsn::text FROM client_cursor WHERE client_id = $1),
			'0/0')
	`, clientID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", clientID, err)
	}
	return lsn.Parse(pos)
}

// Save upserts the cursor, never moving it backwards.
func (s *CursorStore) Save(ctx context.Context, clientID string, v pglogrepl.LSN) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_cursor (client_id, last_ack_lsn, updated_at)
		VALUES ($1, $2::pg_lsn, now())
		ON CONFLICT (client_id) DO UPDATE
		SET last_ack_lsn = GREATEST(client_cursor.last_ack_lsn, EXCLUDED.last_ack_lsn),
		    updated_at = now()
	`, clientID, lsn.Format(v))
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", clientID, err)
	}
	return nil
}
