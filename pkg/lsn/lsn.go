// Package lsn provides helpers for working with PostgreSQL log sequence
// numbers in their textual MAJOR/MINOR hex form.
package lsn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
)

// ErrMalformed is returned by Parse for anything that is not "H/L" with two
// hex halves.
var ErrMalformed = errors.New("malformed LSN")

// Zero is the lowest possible LSN ("0/0").
const Zero = pglogrepl.LSN(0)

// Parse converts "H/L" (hex halves, case-insensitive) into an LSN.
func Parse(s string) (pglogrepl.LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok || hi == "" || lo == "" {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return pglogrepl.LSN(h<<32 | l), nil
}

// Format renders an LSN as lowercase "h/l".
func Format(v pglogrepl.LSN) string {
	return fmt.Sprintf("%x/%x", uint64(v)>>32, uint32(v))
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func Compare(a, b pglogrepl.LSN) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsAfter reports whether a is strictly greater than b.
func IsAfter(a, b pglogrepl.LSN) bool { return a > b }

// IsBefore reports whether a is strictly less than b.
func IsBefore(a, b pglogrepl.LSN) bool { return a < b }

// Min returns the lower of a and b.
func Min(a, b pglogrepl.LSN) pglogrepl.LSN {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// Max returns the higher of a and b.
func Max(a, b pglogrepl.LSN) pglogrepl.LSN {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
