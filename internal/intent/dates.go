package intent

import (
	"time"

	"github.com/oddside/backend/internal/clock"
)

// DateRange is a half-open [Start, End) window in UTC.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ResolvePhrase maps a time phrase to a concrete range in the caller's
// local day, given their UTC offset in hours. Unknown phrases resolve to
// the local day.
func ResolvePhrase(phrase string, now time.Time, offsetHours int) DateRange {
	loc := time.FixedZone("user", offsetHours*3600)
	dayStart, dayEnd := clock.LocalDayBounds(now, loc)

	switch phrase {
	case "today", "tonight", "":
		return DateRange{Start: dayStart.UTC(), End: dayEnd.UTC()}
	case "tomorrow":
		return DateRange{Start: dayStart.Add(24 * time.Hour).UTC(), End: dayEnd.Add(24 * time.Hour).UTC()}
	case "this weekend":
		// Saturday 00:00 through Monday 00:00, local. If it's already the
		// weekend, the window starts today.
		start := dayStart
		for start.Weekday() != time.Saturday && start.Weekday() != time.Sunday {
			start = start.Add(24 * time.Hour)
		}
		end := start
		for end.Weekday() != time.Monday {
			end = end.Add(24 * time.Hour)
		}
		return DateRange{Start: start.UTC(), End: end.UTC()}
	default:
		return DateRange{Start: dayStart.UTC(), End: dayEnd.UTC()}
	}
}
