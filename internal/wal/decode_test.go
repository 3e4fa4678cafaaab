package wal

import (
	"errors"
	"testing"

	"github.com/jackc/pglogrepl"
)

func row(pos pglogrepl.LSN, xid, data string) RawRow {
	return RawRow{LSN: pos, XID: xid, Data: []byte(data)}
}

func TestDecodeBatchInsert(t *testing.T) {
	rows := []RawRow{
		row(0x10, "731", `{"action":"B"}`),
		row(0x12, "731", `{"action":"I","timestamp":"2024-03-07 12:00:00.123456+00","schema":"public","table":"task","columns":[{"name":"id","type":"text","value":"T1"},{"name":"status","type":"text","value":"open"}]}`),
		row(0x14, "731", `{"action":"C"}`),
	}

	changes, err := DecodeBatch(rows)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	c := changes[0]
	if c.Op != OpInsert {
		t.Errorf("op = %s, want insert", c.Op)
	}
	if c.Table != "tasks" {
		t.Errorf("table = %q, want tasks (normalized plural)", c.Table)
	}
	if c.LSN != 0x12 || c.XID != "731" {
		t.Errorf("lsn/xid = %s/%s", c.LSN, c.XID)
	}
	if c.Data["id"] != "T1" || c.Data["status"] != "open" {
		t.Errorf("data = %v", c.Data)
	}
	if c.CommitTS.IsZero() {
		t.Error("commit timestamp not parsed")
	}
}

func TestDecodeBatchDeleteUsesIdentity(t *testing.T) {
	rows := []RawRow{
		row(0x20, "732", `{"action":"D","table":"task","identity":[{"name":"id","type":"text","value":"T9"}]}`),
	}

	changes, err := DecodeBatch(rows)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(changes) != 1 || changes[0].Op != OpDelete {
		t.Fatalf("changes = %+v", changes)
	}
	if changes[0].PrimaryKey() != "T9" {
		t.Errorf("primary key = %q, want T9", changes[0].PrimaryKey())
	}
}

func TestDecodeBatchTornRejectsWhole(t *testing.T) {
	rows := []RawRow{
		row(0x10, "1", `{"action":"I","table":"task","columns":[{"name":"id","value":"T1"}]}`),
		row(0x12, "1", `{not json`),
	}

	changes, err := DecodeBatch(rows)
	if !errors.Is(err, ErrTornBatch) {
		t.Fatalf("err = %v, want ErrTornBatch", err)
	}
	if changes != nil {
		t.Error("torn batch must not yield partial changes")
	}
}

func TestDecodeBatchMissingPrimaryKey(t *testing.T) {
	rows := []RawRow{
		row(0x10, "1", `{"action":"I","table":"task","columns":[{"name":"status","value":"open"}]}`),
	}
	if _, err := DecodeBatch(rows); !errors.Is(err, ErrTornBatch) {
		t.Fatalf("err = %v, want ErrTornBatch", err)
	}
}

func TestDecodeBatchUnknownAction(t *testing.T) {
	rows := []RawRow{row(0x10, "1", `{"action":"X"}`)}
	if _, err := DecodeBatch(rows); !errors.Is(err, ErrTornBatch) {
		t.Fatalf("err = %v, want ErrTornBatch", err)
	}
}

func TestDecodeBatchEmpty(t *testing.T) {
	changes, err := DecodeBatch(nil)
	if err != nil || len(changes) != 0 {
		t.Fatalf("empty batch: changes=%v err=%v", changes, err)
	}
}

func TestNormalizeTable(t *testing.T) {
	tests := []struct{ in, want string }{
		{"task", "tasks"},
		{"tasks", "tasks"},
		{"project", "projects"},
		{"user", "users"},
		{"comment", "comments"},
		{"company", "companies"},
		{"day", "days"},
		{"Task", "tasks"},
	}
	for _, tt := range tests {
		if got := NormalizeTable(tt.in); got != tt.want {
			t.Errorf("NormalizeTable(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
