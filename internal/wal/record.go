// Package wal ingests logical decoding output from a wal2json replication
// slot and turns it into ordered change records.
package wal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/vibestack/syncd/pkg/lsn"
)

// Op is the DML operation carried by a change record.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// IntentionalDuplicateKey marks a row image as a duplicate the producer
// wants delivered even when a later record for the same key is pending.
const IntentionalDuplicateKey = "__intentionalDuplicate"

// Change is the immutable unit flowing through the pipeline. For inserts
// and updates Data is the full new row image; for deletes it carries at
// least the primary key.
type Change struct {
	LSN      pglogrepl.LSN
	XID      string
	Table    string
	Op       Op
	Data     map[string]any
	CommitTS time.Time
}

// PrimaryKey returns the row's primary key rendered as a string, or ""
// when the row image carries none.
func (c Change) PrimaryKey() string {
	v, ok := c.Data["id"]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

// Key returns the (table, primary key) composite identity of the row.
func (c Change) Key() string {
	return c.Table + "/" + c.PrimaryKey()
}

// IsIntentionalDuplicate reports whether the producer marked this record
// to bypass coalescing.
func (c Change) IsIntentionalDuplicate() bool {
	v, ok := c.Data[IntentionalDuplicateKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// wireChange is the JSON shape of a change record on the wire and in the
// history table.
type wireChange struct {
	Table     string         `json:"table"`
	Operation Op             `json:"operation"`
	Data      map[string]any `json:"data"`
	UpdatedAt string         `json:"updated_at"`
	LSN       string         `json:"lsn"`
	XID       string         `json:"xid,omitempty"`
}

// MarshalJSON renders the record in its wire form, with the LSN as
// lowercase "h/l" hex and the commit time as ISO-8601.
func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireChange{
		Table:     c.Table,
		Operation: c.Op,
		Data:      c.Data,
		UpdatedAt: c.CommitTS.UTC().Format(time.RFC3339Nano),
		LSN:       lsn.Format(c.LSN),
		XID:       c.XID,
	})
}

// UnmarshalJSON parses the wire form. Unknown fields are ignored.
func (c *Change) UnmarshalJSON(b []byte) error {
	var w wireChange
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	pos, err := lsn.Parse(w.LSN)
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.UpdatedAt)
	if err != nil && w.UpdatedAt != "" {
		return fmt.Errorf("parse updated_at: %w", err)
	}
	switch w.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown operation %q", w.Operation)
	}
	c.Table = w.Table
	c.Op = w.Operation
	c.Data = w.Data
	c.CommitTS = ts
	c.LSN = pos
	c.XID = w.XID
	return nil
}

// NormalizeTable maps a relation name to its canonical plural form, the
// logical table name clients know.
func NormalizeTable(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, "s"):
		return name
	case strings.HasSuffix(name, "y") && !strings.HasSuffix(name, "ay") &&
		!strings.HasSuffix(name, "ey") && !strings.HasSuffix(name, "oy") &&
		!strings.HasSuffix(name, "uy"):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}
