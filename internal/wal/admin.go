package wal

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/pkg/lsn"
)

// SlotInfo describes a logical replication slot for the admin surface.
type SlotInfo struct {
	Name           string `json:"name"`
	Plugin         string `json:"plugin"`
	Active         bool   `json:"active"`
	RestartLSN     string `json:"restart_lsn"`
	ConfirmedFlush string `json:"confirmed_flush"`
}

// EnsureSlot creates the logical replication slot if it does not already
// exist. It reports whether a slot was created.
func EnsureSlot(ctx context.Context, pool *pgxpool.Pool, slot, plugin string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`,
		slot).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slot %s: %w", slot, err)
	}
	if exists {
		return false, nil
	}
	_, err = pool.Exec(ctx,
		`SELECT pg_create_logical_replication_slot($1, $2)`, slot, plugin)
	if err != nil {
		return false, fmt.Errorf("create slot %s: %w", slot, classifySlotErr(err))
	}
	return true, nil
}

// DropSlot removes the slot if it exists. Used by tests and teardown.
func DropSlot(ctx context.Context, pool *pgxpool.Pool, slot string) error {
	_, err := pool.Exec(ctx, `
		SELECT pg_drop_replication_slot(slot_name)
		FROM pg_replication_slots WHERE slot_name = $1
	`, slot)
	return err
}

// CurrentLSN returns the server's current WAL write position.
func CurrentLSN(ctx context.Context, pool *pgxpool.Pool) (pglogrepl.LSN, error) {
	var pos string
	if err := pool.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("current wal lsn: %w", err)
	}
	return lsn.Parse(pos)
}

// ListSlots returns all logical replication slots on the server.
func ListSlots(ctx context.Context, pool *pgxpool.Pool) ([]SlotInfo, error) {
	rows, err := pool.Query(ctx, `
		SELECT slot_name, plugin, active,
		       COALESCE(restart_lsn::text, ''),
		       COALESCE(confirmed_flush_lsn::text, '')
		FROM pg_replication_slots
		WHERE slot_type = 'logical'
		ORDER BY slot_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	slots := []SlotInfo{}
	for rows.Next() {
		var s SlotInfo
		if err := rows.Scan(&s.Name, &s.Plugin, &s.Active, &s.RestartLSN, &s.ConfirmedFlush); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}
