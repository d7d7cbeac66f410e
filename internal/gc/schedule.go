package gc

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// Schedule yields the next collection time after a given time. A zero
// time means no further runs.
type Schedule interface {
	Next(time.Time) time.Time
}

// Every runs collections at a fixed interval.
type Every time.Duration

// Next implements Schedule.
func (d Every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// ParseSchedule accepts a Go duration ("30s", "5m") or a cron expression
// ("*/10 * * * *", "@hourly").
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive, got %s", d)
		}
		return Every(d), nil
	}
	expr, err := cronexpr.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", s, err)
	}
	return expr, nil
}
