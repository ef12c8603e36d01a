// ABOUTME: Time encoding for TEXT timestamp columns
// ABOUTME: Fixed-width UTC layout so string comparison orders chronologically

package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeLayout is the on-disk timestamp format. Fixed width, always UTC.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime encodes t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Rows written by hand or older tools may use RFC3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// NullTime encodes an optional timestamp, nil for NULL.
func NullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

// ParseNullTime decodes an optional timestamp.
func ParseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NullString returns nil for empty strings, otherwise the string
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
