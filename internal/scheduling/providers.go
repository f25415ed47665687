package scheduling

import (
	"sync"
	"time"
)

// FixedHolidays is an in-memory HolidayProvider: a set of recurring
// month/day holidays plus any extra specific dates.
type FixedHolidays struct {
	recurring map[string]bool // "01-02" month-day
	exact     map[string]bool // "2026-01-02"
}

// defaultRecurring covers the fixed-date holidays that reliably shift
// poker-night availability. Movable holidays go in via extra dates.
var defaultRecurring = []string{
	"01-01", "07-04", "10-31", "12-24", "12-25", "12-31",
}

func NewFixedHolidays(extra ...time.Time) *FixedHolidays {
	f := &FixedHolidays{
		recurring: make(map[string]bool, len(defaultRecurring)),
		exact:     make(map[string]bool, len(extra)),
	}
	for _, d := range defaultRecurring {
		f.recurring[d] = true
	}
	for _, d := range extra {
		f.exact[d.Format("2006-01-02")] = true
	}
	return f
}

func (f *FixedHolidays) IsHoliday(date time.Time) bool {
	return f.recurring[date.Format("01-02")] || f.exact[date.Format("2006-01-02")]
}

// CachedWeather memoizes an upstream WeatherProvider per date so one
// suggestion sweep never asks twice for the same day.
type CachedWeather struct {
	inner WeatherProvider

	mu    sync.Mutex
	cache map[string]bool
}

func NewCachedWeather(inner WeatherProvider) *CachedWeather {
	return &CachedWeather{inner: inner, cache: make(map[string]bool)}
}

func (c *CachedWeather) IsBad(date time.Time) bool {
	key := date.Format("2006-01-02")
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache[key]; ok {
		return v
	}
	v := c.inner.IsBad(date)
	c.cache[key] = v
	return v
}
