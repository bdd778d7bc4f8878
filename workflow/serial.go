package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SERIAL NUMBERS - per-term sequence assigned at committee approval
// =============================================================================

// AssignSerial returns max(serial in term) + 1. It must run on the Store
// handed out by WithTx; the store holds the term lock until commit and the
// (term, serial_number) unique index rejects anything that slips through.
func AssignSerial(ctx context.Context, st Store, term int) (int, error) {
	max, err := st.MaxSerialNumber(ctx, term)
	if err != nil {
		return 0, fmt.Errorf("failed to read max serial for term %d: %w", term, err)
	}
	return max + 1, nil
}

// =============================================================================
// MANAGEMENT NUMBERS
// =============================================================================

// NextManagementNo returns "yyyyMMdd-NNN" for day, one past the last
// number issued that day.
func NextManagementNo(ctx context.Context, st Store, day time.Time) (string, error) {
	prefix := day.Format("20060102") + "-"

	last, err := st.LastManagementNo(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("failed to read last management number: %w", err)
	}

	seq := 0
	if last != "" {
		// Unparseable suffixes restart the sequence.
		seq, _ = strconv.Atoi(strings.TrimPrefix(last, prefix))
	}
	return fmt.Sprintf("%s%03d", prefix, seq+1), nil
}

// ManagementNoAfter orders numbers sharing a day prefix by their numeric
// suffix: a longer suffix is larger, so "-1000" comes after "-999".
// Stores order by (length, text) for the same result.
func ManagementNoAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// ImportManagementNo is the identifier given to historical records:
// IMP-{term}-{serial:04d}-{row:03d}. Rows without a serial use the row
// number in the serial slot.
func ImportManagementNo(term int, serial *int, row int) string {
	s := row
	if serial != nil {
		s = *serial
	}
	return fmt.Sprintf("IMP-%d-%04d-%03d", term, s, row)
}
