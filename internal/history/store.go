// Package history is the durable, append-only log of decoded WAL changes.
// The ingestor is the single writer; sessions and the admin surface read
// by LSN range.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/wal"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Store persists change records in the change_history table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append writes a decoded batch in one transaction. Records whose LSN is
// already present are suppressed by the unique index, which is what makes
// re-ingesting the same WAL batch idempotent. Returns the number of rows
// actually inserted.
func (s *Store) Append(ctx context.Context, changes []wal.Change) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range changes {
		data, err := json.Marshal(c.Data)
		if err != nil {
			return 0, fmt.Errorf("marshal row data at %s: %w", c.LSN, err)
		}
		batch.Queue(`
			INSERT INTO change_history (lsn, xid, table_name, operation, row_data, committed_at)
			VALUES ($1::pg_lsn, $2, $3, $4, $5, $6)
			ON CONFLICT (lsn) DO NOTHING
		`, lsn.Format(c.LSN), c.XID, c.Table, string(c.Op), data, c.CommitTS)
	}

	var inserted int64
	br := tx.SendBatch(ctx, batch)
	for range changes {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("append change: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close append batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

// ByLSNRange returns records with startExcl < lsn <= endIncl ordered by
// LSN ascending, at most limit rows. A zero endIncl means no upper bound;
// a non-positive limit means no limit.
func (s *Store) ByLSNRange(ctx context.Context, startExcl, endIncl pglogrepl.LSN, limit int) ([]wal.Change, error) {
	query := `
		SELECT lsn::text, COALESCE(xid, ''), table_name, operation, row_data, committed_at
		FROM change_history
		WHERE lsn > $1::pg_lsn
	`
	args := []any{lsn.Format(startExcl)}
	if endIncl != 0 {
		query += fmt.Sprintf(" AND lsn <= $%d::pg_lsn", len(args)+1)
		args = append(args, lsn.Format(endIncl))
	}
	query += " ORDER BY lsn ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history range: %w", err)
	}
	defer rows.Close()

	var out []wal.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MaxLSN returns the highest LSN in history, or zero when history is empty.
func (s *Store) MaxLSN(ctx context.Context) (pglogrepl.LSN, error) {
	var pos string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(lsn)::text, '0/0') FROM change_history`).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("history max lsn: %w", err)
	}
	return lsn.Parse(pos)
}

// Purge deletes entries strictly below the cutoff LSN that are older than
// the retention interval. Holds no lock the writer needs.
func (s *Store) Purge(ctx context.Context, below pglogrepl.LSN, olderThan string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM change_history
		WHERE lsn < $1::pg_lsn
		  AND created_at < now() - $2::interval
	`, lsn.Format(below), olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanChange(rows pgx.Rows) (wal.Change, error) {
	var (
		c    wal.Change
		pos  string
		op   string
		data []byte
	)
	if err := rows.Scan(&pos, &c.XID, &c.Table, &op, &data, &c.CommitTS); err != nil {
		return c, fmt.Errorf("scan history row: %w", err)
	}
	parsed, err := lsn.Parse(pos)
	if err != nil {
		return c, err
	}
	c.LSN = parsed
	c.Op = wal.Op(op)
	if err := json.Unmarshal(data, &c.Data); err != nil {
		return c, fmt.Errorf("unmarshal row data at %s: %w", pos, err)
	}
	return c, nil
}
