package clock

import "time"

// LocalHour converts a UTC instant to the hour-of-day (0-23) at the given
// UTC offset in hours. Offsets outside [-12, +14] are clamped.
func LocalHour(utc time.Time, offsetHours int) int {
	if offsetHours < -12 {
		offsetHours = -12
	}
	if offsetHours > 14 {
		offsetHours = 14
	}
	return utc.Add(time.Duration(offsetHours) * time.Hour).Hour()
}

// InWindow reports whether hour falls inside a [start, end) hour window
// that may wrap midnight. A zero-width window (start == end) is empty.
func InWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Wraps midnight, e.g. 22 → 8.
	return hour >= start || hour < end
}

// LoadLocation resolves an IANA timezone name, falling back to UTC when
// the name is empty or unknown. Automations snapshot a timezone at
// creation and must keep working even if the name later fails to load.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalDayBounds returns the [start, end) of the calendar day containing
// utc in the given location.
func LocalDayBounds(utc time.Time, loc *time.Location) (time.Time, time.Time) {
	local := utc.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour)
}
