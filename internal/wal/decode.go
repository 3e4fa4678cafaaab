package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// ErrTornBatch is returned when any row of a peeked batch fails to decode.
// The whole batch is rejected so no partial transaction enters history.
var ErrTornBatch = errors.New("undecodable wal2json batch")

// RawRow is one row returned by pg_logical_slot_peek_changes.
type RawRow struct {
	LSN  pglogrepl.LSN
	XID  string
	Data []byte
}

// wal2json v2 emits one JSON object per row with an action discriminator.
type w2jEntry struct {
	Action    string      `json:"action"` // B, C, I, U, D, T, M
	Timestamp string      `json:"timestamp"`
	Schema    string      `json:"schema"`
	Table     string      `json:"table"`
	Columns   []w2jColumn `json:"columns"`
	Identity  []w2jColumn `json:"identity"`
}

type w2jColumn struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// wal2json renders timestamps like "2024-03-07 12:34:56.123456+00".
const w2jTimeLayout = "2006-01-02 15:04:05.999999-07"

// DecodeBatch converts a peeked wal2json batch into change records. Begin,
// commit, truncate, and message actions are dropped; inserts, updates, and
// deletes become Changes with the table name normalized to plural. A decode
// failure on any row rejects the whole batch.
func DecodeBatch(rows []RawRow) ([]Change, error) {
	changes := make([]Change, 0, len(rows))

	for i, row := range rows {
		var entry w2jEntry
		if err := json.Unmarshal(row.Data, &entry); err != nil {
			return nil, fmt.Errorf("%w: row %d at %s: %v", ErrTornBatch, i, row.LSN, err)
		}

		var op Op
		switch entry.Action {
		case "I":
			op = OpInsert
		case "U":
			op = OpUpdate
		case "D":
			op = OpDelete
		case "B", "C", "T", "M":
			continue
		default:
			return nil, fmt.Errorf("%w: row %d at %s: unknown action %q", ErrTornBatch, i, row.LSN, entry.Action)
		}

		var ts time.Time
		if entry.Timestamp != "" {
			parsed, err := time.Parse(w2jTimeLayout, entry.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d at %s: bad timestamp %q", ErrTornBatch, i, row.LSN, entry.Timestamp)
			}
			ts = parsed
		}

		cols := entry.Columns
		if op == OpDelete {
			cols = entry.Identity
		}
		data := make(map[string]any, len(cols))
		for _, c := range cols {
			data[c.Name] = c.Value
		}
		if _, ok := data["id"]; !ok {
			return nil, fmt.Errorf("%w: row %d at %s: %s on %s has no primary key", ErrTornBatch, i, row.LSN, op, entry.Table)
		}

		changes = append(changes, Change{
			LSN:      row.LSN,
			XID:      row.XID,
			Table:    NormalizeTable(entry.Table),
			Op:       op,
			Data:     data,
			CommitTS: ts,
		})
	}

	return changes, nil
}
