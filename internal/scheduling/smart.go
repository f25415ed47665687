// Package scheduling ranks candidate game slots for a group by
// accumulating weighted factors: the group's detected habits, weekends,
// overdue pressure, weather and holidays.
package scheduling

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// Factor weights. A candidate's score is the sum of the factors that
// apply to it.
const (
	weightRegularDay     = 0.30
	weightRegularTime    = 0.15
	weightWeekend        = 0.10
	weightNoWorkNextDay  = 0.10
	weightOverdue        = 0.20
	weightBadWeather     = 0.15
	weightHoliday        = 0.25
	weightLongWeekend    = 0.25
	weightHolidayEve     = 0.20
	overdueBonusDays     = 14
	defaultHorizonDays   = 14
	defaultStartHour     = 19
	regularDayMinGames   = 3
	habitSampleSize      = 10
)

// Factor records one contribution to a candidate's score.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Candidate is a ranked slot suggestion.
type Candidate struct {
	Start   time.Time `json:"start"`
	Score   float64   `json:"score"`
	Factors []Factor  `json:"factors"`
}

// WeatherProvider reports whether a date has bad outdoor weather; bad
// weather is a point in favour of an indoor poker night.
type WeatherProvider interface {
	IsBad(date time.Time) bool
}

// HolidayProvider reports public holidays.
type HolidayProvider interface {
	IsHoliday(date time.Time) bool
}

// Smart generates the ranked slots. Both providers are optional.
type Smart struct {
	store    store.Store
	clock    clock.Clock
	weather  WeatherProvider
	holidays HolidayProvider
	logger   *log.Logger
}

func NewSmart(st store.Store, ck clock.Clock, weather WeatherProvider, holidays HolidayProvider) *Smart {
	return &Smart{
		store:    st,
		clock:    ck,
		weather:  weather,
		holidays: holidays,
		logger:   log.New(log.Writer(), "[SMARTSCHED] ", log.LstdFlags),
	}
}

// habits is what the group's recent games reveal: a dominant weekday
// (if any), a dominant start hour, and how long since the last game.
type habits struct {
	regularDay    time.Weekday
	hasRegularDay bool
	regularHour   int
	daysSinceLast int
}

// Suggest returns the topN candidate slots over the next horizon. A
// candidate day is Thursday through Sunday, or the group's regular day
// wherever it falls.
func (s *Smart) Suggest(ctx context.Context, groupID string, topN int) ([]Candidate, error) {
	if topN <= 0 {
		topN = 3
	}
	h, err := s.groupHabits(ctx, groupID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	loc := s.groupLocation(ctx, groupID)
	var candidates []Candidate
	for d := 1; d <= defaultHorizonDays; d++ {
		day := now.In(loc).AddDate(0, 0, d)
		wd := day.Weekday()
		eligible := wd >= time.Thursday || wd == time.Sunday
		if h.hasRegularDay && wd == h.regularDay {
			eligible = true
		}
		if !eligible {
			continue
		}
		candidates = append(candidates, s.scoreDay(day, h))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates, nil
}

func (s *Smart) scoreDay(day time.Time, h habits) Candidate {
	hour := h.regularHour
	if hour == 0 {
		hour = defaultStartHour
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
	c := Candidate{Start: start}

	add := func(name string, w float64) {
		c.Factors = append(c.Factors, Factor{Name: name, Weight: w})
		c.Score += w
	}

	wd := day.Weekday()
	if h.hasRegularDay && wd == h.regularDay {
		add("regular_day", weightRegularDay)
		if h.regularHour != 0 {
			add("regular_time", weightRegularTime)
		}
	}
	if wd == time.Saturday || wd == time.Sunday {
		add("weekend", weightWeekend)
	}

	next := day.AddDate(0, 0, 1)
	if wd == time.Friday || wd == time.Saturday || s.isHoliday(next) {
		add("no_work_next_day", weightNoWorkNextDay)
	}
	if h.daysSinceLast >= overdueBonusDays {
		add("overdue", weightOverdue)
	}
	if s.weather != nil && s.weather.IsBad(day) {
		add("bad_weather", weightBadWeather)
	}
	if s.isHoliday(day) {
		add("holiday", weightHoliday)
	}
	if s.isLongWeekend(day) {
		add("long_weekend", weightLongWeekend)
	}
	if s.isHoliday(next) && !s.isHoliday(day) {
		add("holiday_eve", weightHolidayEve)
	}
	return c
}

// isLongWeekend marks Saturday/Sunday slots adjacent to a Friday or
// Monday holiday.
func (s *Smart) isLongWeekend(day time.Time) bool {
	wd := day.Weekday()
	if wd != time.Saturday && wd != time.Sunday {
		return false
	}
	switch wd {
	case time.Saturday:
		return s.isHoliday(day.AddDate(0, 0, -1)) || s.isHoliday(day.AddDate(0, 0, 2))
	default:
		return s.isHoliday(day.AddDate(0, 0, -2)) || s.isHoliday(day.AddDate(0, 0, 1))
	}
}

func (s *Smart) isHoliday(day time.Time) bool {
	return s.holidays != nil && s.holidays.IsHoliday(day)
}

// groupHabits derives the regular day and hour from the last completed
// games. A weekday counts as regular once it covers at least three of
// the recent sample.
func (s *Smart) groupHabits(ctx context.Context, groupID string) (habits, error) {
	h := habits{daysSinceLast: 0}
	games, err := s.store.Find(ctx, store.ColGameNights, store.Filter{
		"group_id": groupID,
		"status":   "completed",
	}, store.FindOptions{Sort: &store.Sort{Field: "date", Desc: true}, Limit: habitSampleSize})
	if err != nil {
		return h, err
	}
	if len(games) == 0 {
		return h, nil
	}

	dayCounts := map[time.Weekday]int{}
	hourCounts := map[int]int{}
	for _, g := range games {
		d := parseTime(g["date"])
		if d.IsZero() {
			continue
		}
		dayCounts[d.Weekday()]++
		hourCounts[d.Hour()]++
	}

	bestDay, bestN := time.Sunday, 0
	for wd, n := range dayCounts {
		if n > bestN || (n == bestN && wd < bestDay) {
			bestDay, bestN = wd, n
		}
	}
	if bestN >= regularDayMinGames {
		h.regularDay = bestDay
		h.hasRegularDay = true
	}

	bestHour, bestHN := 0, 0
	for hr, n := range hourCounts {
		if n > bestHN || (n == bestHN && hr < bestHour) {
			bestHour, bestHN = hr, n
		}
	}
	if bestHN >= 2 {
		h.regularHour = bestHour
	}

	last := parseTime(games[0]["date"])
	if !last.IsZero() {
		h.daysSinceLast = int(s.clock.Now().Sub(last).Hours() / 24)
	}
	return h, nil
}

func (s *Smart) groupLocation(ctx context.Context, groupID string) *time.Location {
	group, err := s.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": groupID})
	if err != nil || group == nil {
		return time.UTC
	}
	tz, _ := group["timezone"].(string)
	return clock.LoadLocation(tz)
}

func parseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
