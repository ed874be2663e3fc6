package alerts

import (
	"fmt"
	"strings"
	"time"
)

// Scheduled-for values arrive in whatever shape the originating channel
// produced: full ISO datetimes, bare "HH:MM", or localized 12-hour text
// like "7:05 PM". Everything is normalised to a concrete instant in
// now's location before comparison.
var scheduledLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

var clockLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
}

// NormalizeScheduled parses raw and resolves bare times of day relative
// to now. A time of day already in the past refers to the next
// occurrence, so it rolls forward one day instead of reading as
// already-late.
func NormalizeScheduled(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty scheduled time")
	}

	for _, layout := range scheduledLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Location() == time.UTC && layout != time.RFC3339 {
				t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
			}
			return t, nil
		}
	}

	upper := strings.ToUpper(s)
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, upper)
		if err != nil {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if at.Before(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}

	return time.Time{}, fmt.Errorf("unrecognised scheduled time %q", raw)
}
