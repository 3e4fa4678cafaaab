// Package tracker is the in-memory accelerator layered over change
// history: a key index for "did this row change since X", duplicate
// classification for coalescing, batch bookkeeping, and a TTL'd ID
// reservation registry for producers.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/wal"
)

// DupClass is the outcome of classifying one record in an observed set.
type DupClass int

const (
	// DupFirst is the sole (or latest) record for its key in the set.
	DupFirst DupClass = iota
	// DupRedundant is superseded by a later record for the same key and
	// may be coalesced away if the earlier one was not yet delivered.
	DupRedundant
	// DupIntentional carries the producer marker and is always delivered.
	DupIntentional
)

func (d DupClass) String() string {
	switch d {
	case DupFirst:
		return "first"
	case DupRedundant:
		return "redundant"
	case DupIntentional:
		return "intentional"
	default:
		return "unknown"
	}
}

// Reservation is a short-lived claim on an entity ID so two producers
// cannot generate the same key before either commits.
type Reservation struct {
	EntityType string
	ID         string
	Intent     string
	ExpiresAt  time.Time
}

// Tracker holds the four sub-registries, each behind its own lock so
// readers of one never contend with writers of another.
type Tracker struct {
	logger zerolog.Logger

	keyMu sync.RWMutex
	keys  map[string][]pglogrepl.LSN // (table/pk) -> ascending LSNs

	rangeMu  sync.RWMutex
	rangeLo  pglogrepl.LSN
	rangeHi  pglogrepl.LSN
	rangeSet bool

	batchMu   sync.Mutex
	batchSeq  uint64
	batchKeys map[uint64][]string

	resMu sync.Mutex
	res   map[string]Reservation // (type/id) -> reservation
}

// New creates an empty Tracker.
func New(logger zerolog.Logger) *Tracker {
	return &Tracker{
		logger:    logger.With().Str("component", "tracker").Logger(),
		keys:      make(map[string][]pglogrepl.LSN),
		batchKeys: make(map[uint64][]string),
		res:       make(map[string]Reservation),
	}
}

// Observe indexes a batch of ingested changes by composite key and
// extends the tracked LSN range.
func (t *Tracker) Observe(changes []wal.Change) {
	if len(changes) == 0 {
		return
	}

	t.keyMu.Lock()
	for _, c := range changes {
		k := c.Key()
		t.keys[k] = append(t.keys[k], c.LSN)
	}
	t.keyMu.Unlock()

	t.rangeMu.Lock()
	lo, hi := changes[0].LSN, changes[len(changes)-1].LSN
	if !t.rangeSet || lo < t.rangeLo {
		t.rangeLo = lo
		t.rangeSet = true
	}
	if hi > t.rangeHi {
		t.rangeHi = hi
	}
	t.rangeMu.Unlock()
}

// ChangedSince reports whether the row identified by (table, pk) has a
// recorded change strictly after the given LSN.
func (t *Tracker) ChangedSince(table, pk string, after pglogrepl.LSN) bool {
	t.keyMu.RLock()
	defer t.keyMu.RUnlock()

	lsns := t.keys[table+"/"+pk]
	i := sort.Search(len(lsns), func(i int) bool { return lsns[i] > after })
	return i < len(lsns)
}

// KeysInRange lists the unique composite keys with at least one change in
// [lo, hi]. Used by tests and observability.
func (t *Tracker) KeysInRange(lo, hi pglogrepl.LSN) []string {
	t.keyMu.RLock()
	defer t.keyMu.RUnlock()

	var out []string
	for k, lsns := range t.keys {
		i := sort.Search(len(lsns), func(i int) bool { return lsns[i] >= lo })
		if i < len(lsns) && lsns[i] <= hi {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Range returns the LSN span the tracker currently covers.
func (t *Tracker) Range() (lo, hi pglogrepl.LSN) {
	t.rangeMu.RLock()
	defer t.rangeMu.RUnlock()
	return t.rangeLo, t.rangeHi
}

// Classify labels each record of an observed set: producer-marked records
// are intentional, records superseded by a later same-key record in the
// set are redundant, everything else is a first occurrence.
func (t *Tracker) Classify(changes []wal.Change) []DupClass {
	latest := make(map[string]int, len(changes))
	for i, c := range changes {
		latest[c.Key()] = i
	}

	out := make([]DupClass, len(changes))
	for i, c := range changes {
		switch {
		case c.IsIntentionalDuplicate():
			out[i] = DupIntentional
		case latest[c.Key()] != i:
			out[i] = DupRedundant
		default:
			out[i] = DupFirst
		}
	}
	return out
}

// NextBatch allocates the next delivered-batch number.
func (t *Tracker) NextBatch() uint64 {
	t.batchMu.Lock()
	defer t.batchMu.Unlock()
	t.batchSeq++
	return t.batchSeq
}

// RecordBatch remembers which composite keys went out in the given batch.
func (t *Tracker) RecordBatch(n uint64, keys []string) {
	t.batchMu.Lock()
	defer t.batchMu.Unlock()
	t.batchKeys[n] = keys
}

// ReleaseBefore drops bookkeeping for batches delivered more than keep
// batches ago and returns the keys that no newer batch references —
// generators may reuse those IDs.
func (t *Tracker) ReleaseBefore(keep uint64) []string {
	t.batchMu.Lock()
	defer t.batchMu.Unlock()

	if t.batchSeq < keep {
		return nil
	}
	cutoff := t.batchSeq - keep

	recent := make(map[string]struct{})
	for n, keys := range t.batchKeys {
		if n > cutoff {
			for _, k := range keys {
				recent[k] = struct{}{}
			}
		}
	}

	seen := make(map[string]struct{})
	var released []string
	for n, keys := range t.batchKeys {
		if n > cutoff {
			continue
		}
		for _, k := range keys {
			if _, newer := recent[k]; newer {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			released = append(released, k)
		}
		delete(t.batchKeys, n)
	}
	sort.Strings(released)
	return released
}

// Reserve claims an entity ID for the given intent. An empty id generates
// one. Returns the reserved ID; reserving an already-held live ID fails.
func (t *Tracker) Reserve(entityType, id, intent string, ttl time.Duration) (string, bool) {
	if id == "" {
		id = uuid.NewString()
	}
	key := entityType + "/" + id
	now := time.Now()

	t.resMu.Lock()
	defer t.resMu.Unlock()

	if r, ok := t.res[key]; ok && (r.ExpiresAt.IsZero() || r.ExpiresAt.After(now)) {
		return "", false
	}
	r := Reservation{EntityType: entityType, ID: id, Intent: intent}
	if ttl > 0 {
		r.ExpiresAt = now.Add(ttl)
	}
	t.res[key] = r
	return id, true
}

// IsReserved reports whether the (type, id) pair is currently held.
func (t *Tracker) IsReserved(entityType, id string) bool {
	t.resMu.Lock()
	defer t.resMu.Unlock()

	r, ok := t.res[entityType+"/"+id]
	if !ok {
		return false
	}
	if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(time.Now()) {
		delete(t.res, entityType+"/"+id)
		return false
	}
	return true
}

// Release drops a reservation.
func (t *Tracker) Release(entityType, id string) {
	t.resMu.Lock()
	delete(t.res, entityType+"/"+id)
	t.resMu.Unlock()
}

// SweepReservations runs the expiry sweeper until the context is
// cancelled.
func (t *Tracker) SweepReservations(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepExpired()
		}
	}
}

func (t *Tracker) sweepExpired() {
	now := time.Now()
	t.resMu.Lock()
	for k, r := range t.res {
		if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			delete(t.res, k)
		}
	}
	t.resMu.Unlock()
}
