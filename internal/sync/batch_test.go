package sync

import (
	"testing"

	"github.com/jackc/pglogrepl"

	"github.com/vibestack/syncd/internal/wal"
)

func mkChange(pos uint64, xid, table, id string) wal.Change {
	return wal.Change{
		LSN:   pglogrepl.LSN(pos),
		XID:   xid,
		Table: table,
		Op:    wal.OpInsert,
		Data:  map[string]any{"id": id},
	}
}

func TestBuildBatches_PacksMultipleTransactions(t *testing.T) {
	changes := []wal.Change{
		mkChange(10, "100", "tasks", "a"),
		mkChange(11, "100", "tasks", "b"),
		mkChange(12, "101", "tasks", "c"),
		mkChange(13, "102", "tasks", "d"),
	}

	batches := BuildBatches(changes, 500, 512*1024)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if len(b.Changes) != 4 {
		t.Errorf("batch has %d changes, want 4", len(b.Changes))
	}
	if b.Seq != nil {
		t.Error("unsplit batch must not carry a sequence tag")
	}
	if !b.AdvanceCursor {
		t.Error("unsplit batch must allow cursor advance")
	}
	if b.LastLSN != 13 {
		t.Errorf("LastLSN = %d, want 13", b.LastLSN)
	}
}

func TestBuildBatches_NeverSplitsTransactionAtCap(t *testing.T) {
	// 900 records: tx A spans the 500 boundary, so the first batch must
	// stop short of the cap rather than split A.
	var changes []wal.Change
	for i := 0; i < 490; i++ {
		changes = append(changes, mkChange(uint64(100+i), "1", "tasks", "x"))
	}
	for i := 0; i < 50; i++ {
		changes = append(changes, mkChange(uint64(600+i), "2", "tasks", "y"))
	}
	for i := 0; i < 360; i++ {
		changes = append(changes, mkChange(uint64(700+i), "3", "tasks", "z"))
	}

	batches := BuildBatches(changes, 500, 512*1024)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0].Changes) != 490 {
		t.Errorf("first batch has %d changes, want 490 (tx boundary)", len(batches[0].Changes))
	}
	if len(batches[1].Changes) != 410 {
		t.Errorf("second batch has %d changes, want 410", len(batches[1].Changes))
	}
	for i, b := range batches {
		if b.Seq != nil {
			t.Errorf("batch %d: whole-transaction batches carry no sequence tag", i)
		}
	}
}

func TestBuildBatches_OversizedTransactionChunks(t *testing.T) {
	var changes []wal.Change
	for i := 0; i < 900; i++ {
		changes = append(changes, mkChange(uint64(100+i), "7", "tasks", "x"))
	}

	batches := BuildBatches(changes, 500, 512*1024)
	if len(batches) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(batches))
	}
	if batches[0].Seq == nil || batches[1].Seq == nil {
		t.Fatal("split transaction chunks must carry sequence tags")
	}
	if batches[0].Seq.Chunk != 1 || batches[0].Seq.Total != 2 {
		t.Errorf("chunk 1 seq = %+v, want {1 2}", *batches[0].Seq)
	}
	if batches[1].Seq.Chunk != 2 || batches[1].Seq.Total != 2 {
		t.Errorf("chunk 2 seq = %+v, want {2 2}", *batches[1].Seq)
	}
	if batches[0].AdvanceCursor {
		t.Error("intermediate chunk must not advance the cursor")
	}
	if !batches[1].AdvanceCursor {
		t.Error("final chunk must advance the cursor")
	}
	if len(batches[0].Changes) != 500 || len(batches[1].Changes) != 400 {
		t.Errorf("chunk sizes = %d/%d, want 500/400",
			len(batches[0].Changes), len(batches[1].Changes))
	}
}

func TestBuildBatches_SingleOversizedRecord(t *testing.T) {
	big := mkChange(50, "9", "tasks", "huge")
	big.Data["blob"] = string(make([]byte, 4096))

	batches := BuildBatches([]wal.Change{big}, 500, 1024)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if batches[0].Seq != nil {
		t.Error("a single record is never a chunk series")
	}
	if !batches[0].AdvanceCursor {
		t.Error("single oversized record must advance the cursor")
	}
}

func TestBuildBatches_Empty(t *testing.T) {
	if got := BuildBatches(nil, 500, 1024); got != nil {
		t.Errorf("BuildBatches(nil) = %v, want nil", got)
	}
}

func TestCoalesce_KeepsLatestPerKey(t *testing.T) {
	pending := []wal.Change{
		mkChange(10, "1", "tasks", "a"),
		mkChange(11, "1", "tasks", "b"),
		mkChange(12, "2", "tasks", "a"), // supersedes LSN 10
	}

	out := coalesce(pending)
	if len(out) != 2 {
		t.Fatalf("coalesce kept %d records, want 2", len(out))
	}
	if out[0].LSN != 11 || out[1].LSN != 12 {
		t.Errorf("kept LSNs = %d,%d, want 11,12", out[0].LSN, out[1].LSN)
	}
}

func TestCoalesce_KeepsIntentionalDuplicates(t *testing.T) {
	dup := mkChange(10, "1", "tasks", "a")
	dup.Data[wal.IntentionalDuplicateKey] = true

	pending := []wal.Change{
		dup,
		mkChange(12, "2", "tasks", "a"),
	}

	out := coalesce(pending)
	if len(out) != 2 {
		t.Fatalf("coalesce kept %d records, want 2 (marked duplicate survives)", len(out))
	}
	if out[0].LSN != 10 {
		t.Errorf("marked duplicate at LSN 10 was dropped")
	}
}

func TestCoalesce_PreservesOrder(t *testing.T) {
	pending := []wal.Change{
		mkChange(10, "1", "tasks", "a"),
		mkChange(11, "1", "notes", "n"),
		mkChange(12, "2", "tasks", "b"),
	}

	out := coalesce(pending)
	for i := 1; i < len(out); i++ {
		if out[i].LSN <= out[i-1].LSN {
			t.Fatalf("output not LSN-ordered: %d after %d", out[i].LSN, out[i-1].LSN)
		}
	}
}
