package sync

import (
	"encoding/json"

	"github.com/jackc/pglogrepl"

	"github.com/vibestack/syncd/internal/wal"
)

// Batch is one delivery unit bound for a session. Seq is set only when a
// transaction was split across messages; AdvanceCursor marks the messages
// whose ack may durably advance the session cursor (unsplit batches and
// final chunks — intermediate chunks of a transaction must all land before
// the cursor moves past it).
type Batch struct {
	Changes       []wal.Change
	Seq           *Sequence
	LastLSN       pglogrepl.LSN
	AdvanceCursor bool
}

func changeSize(c wal.Change) int {
	b, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return len(b)
}

// txGroup is a run of contiguous records sharing an XID. Records with no
// XID are their own group.
type txGroup struct {
	changes []wal.Change
	bytes   int
}

func groupByXID(changes []wal.Change) []txGroup {
	var groups []txGroup
	for _, c := range changes {
		n := len(groups)
		if n > 0 && c.XID != "" && groups[n-1].changes[0].XID == c.XID {
			groups[n-1].changes = append(groups[n-1].changes, c)
			groups[n-1].bytes += changeSize(c)
			continue
		}
		groups = append(groups, txGroup{changes: []wal.Change{c}, bytes: changeSize(c)})
	}
	return groups
}

// BuildBatches packs LSN-ordered changes into delivery batches. Whole
// transactions are packed together up to maxRecords/maxBytes; a
// transaction that alone exceeds the caps becomes its own chunk series
// tagged with sequence numbers. A single record larger than maxBytes goes
// out as one message — atomicity wins over the byte cap.
func BuildBatches(changes []wal.Change, maxRecords, maxBytes int) []Batch {
	if len(changes) == 0 {
		return nil
	}

	var out []Batch
	var cur []wal.Change
	curBytes := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, Batch{
			Changes:       cur,
			LastLSN:       cur[len(cur)-1].LSN,
			AdvanceCursor: true,
		})
		cur = nil
		curBytes = 0
	}

	for _, g := range groupByXID(changes) {
		if len(g.changes) > maxRecords || g.bytes > maxBytes {
			flush()
			out = append(out, chunkTransaction(g, maxRecords, maxBytes)...)
			continue
		}
		if len(cur) > 0 && (len(cur)+len(g.changes) > maxRecords || curBytes+g.bytes > maxBytes) {
			flush()
		}
		cur = append(cur, g.changes...)
		curBytes += g.bytes
	}
	flush()

	return out
}

// chunkTransaction splits one oversized transaction into a tagged chunk
// series. Every chunk respects the caps except that a chunk always holds
// at least one record.
func chunkTransaction(g txGroup, maxRecords, maxBytes int) []Batch {
	var chunks [][]wal.Change
	var cur []wal.Change
	curBytes := 0

	for _, c := range g.changes {
		size := changeSize(c)
		if len(cur) > 0 && (len(cur)+1 > maxRecords || curBytes+size > maxBytes) {
			chunks = append(chunks, cur)
			cur = nil
			curBytes = 0
		}
		cur = append(cur, c)
		curBytes += size
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}

	total := len(chunks)
	out := make([]Batch, total)
	for i, ch := range chunks {
		seq := &Sequence{Chunk: i + 1, Total: total}
		if total == 1 {
			// A transaction that fit after all (single oversized record)
			// needs no sequence tag.
			seq = nil
		}
		out[i] = Batch{
			Changes:       ch,
			Seq:           seq,
			LastLSN:       ch[len(ch)-1].LSN,
			AdvanceCursor: i == total-1,
		}
	}
	return out
}

// coalesce removes records superseded by a later record for the same
// (table, primary key) within the pending set, keeping producer-marked
// intentional duplicates. Input and output are LSN-ordered.
func coalesce(pending []wal.Change) []wal.Change {
	if len(pending) < 2 {
		return pending
	}

	latest := make(map[string]pglogrepl.LSN, len(pending))
	for _, c := range pending {
		if c.LSN > latest[c.Key()] {
			latest[c.Key()] = c.LSN
		}
	}

	out := pending[:0]
	for _, c := range pending {
		if c.IsIntentionalDuplicate() || latest[c.Key()] == c.LSN {
			out = append(out, c)
		}
	}
	return out
}
