package automation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule frequency bounds: a schedule trigger may not fire more often
// than every 15 minutes, nor on more than 4 distinct minutes per hour.
const (
	minCronIntervalMinutes = 15
	maxCronMinutesPerHour  = 4
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCron checks a 5-field cron expression for syntax and for the
// frequency constraint. Returns the parsed schedule on success.
func ValidateCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	minutes, err := expandCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}
	if len(minutes) > maxCronMinutesPerHour {
		return nil, fmt.Errorf("schedule fires on %d minutes per hour, max is %d", len(minutes), maxCronMinutesPerHour)
	}
	if len(minutes) > 1 {
		sort.Ints(minutes)
		for i := 1; i < len(minutes); i++ {
			if gap := minutes[i] - minutes[i-1]; gap < minCronIntervalMinutes {
				return nil, fmt.Errorf("schedule interval %d min is below the %d min minimum", gap, minCronIntervalMinutes)
			}
		}
		if wrap := minutes[0] + 60 - minutes[len(minutes)-1]; wrap < minCronIntervalMinutes {
			return nil, fmt.Errorf("schedule interval %d min is below the %d min minimum", wrap, minCronIntervalMinutes)
		}
	}
	return sched, nil
}

// NextRun computes the next activation of expr after t in the owner's
// snapshotted timezone.
func NextRun(expr, timezone string, t time.Time) (time.Time, error) {
	sched, err := ValidateCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return sched.Next(t.In(loc)), nil
}

// expandCronField enumerates the values a single cron field matches.
func expandCronField(field string, lo, hi int) ([]int, error) {
	seen := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		rangePart, step := part, 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			rangePart = part[:idx]
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("bad step in %q", part)
			}
			step = s
		}

		start, end := lo, hi
		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || a > b {
				return nil, fmt.Errorf("bad range %q", rangePart)
			}
			start, end = a, b
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("bad value %q", rangePart)
			}
			start, end = v, v
		}
		if start < lo || end > hi {
			return nil, fmt.Errorf("value out of range in %q", part)
		}
		for v := start; v <= end; v += step {
			seen[v] = true
		}
	}

	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}
