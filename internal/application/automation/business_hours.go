package automation

import (
	"fmt"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/settings"
)

// BusinessHours is a weekly window, [start, end) on each listed day, in a
// fixed timezone.
type BusinessHours struct {
	enabled bool
	loc     *time.Location
	days    map[time.Weekday]bool
	start   time.Duration
	end     time.Duration
}

// NewBusinessHours compiles the configured window. A disabled window is
// always open.
func NewBusinessHours(cfg settings.BusinessHours) (*BusinessHours, error) {
	if !cfg.Enabled {
		return &BusinessHours{}, nil
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("business hours timezone %q: %w", cfg.Timezone, err)
	}
	start, err := clock(cfg.Start)
	if err != nil {
		return nil, fmt.Errorf("business hours start: %w", err)
	}
	end, err := clock(cfg.End)
	if err != nil {
		return nil, fmt.Errorf("business hours end: %w", err)
	}
	if start >= end {
		return nil, fmt.Errorf("business hours start %s must be before end %s", cfg.Start, cfg.End)
	}
	if len(cfg.Days) == 0 {
		return nil, fmt.Errorf("business hours require at least one day")
	}

	days := make(map[time.Weekday]bool, len(cfg.Days))
	for _, d := range cfg.Days {
		days[d] = true
	}
	return &BusinessHours{enabled: true, loc: loc, days: days, start: start, end: end}, nil
}

func clock(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", hhmm)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Open reports whether t falls inside the window.
func (b *BusinessHours) Open(t time.Time) bool {
	if !b.enabled {
		return true
	}
	local := t.In(b.loc)
	if !b.days[local.Weekday()] {
		return false
	}
	offset := sinceMidnight(local)
	return offset >= b.start && offset < b.end
}

// NextOpening returns t when the window is open, otherwise the next instant
// the window opens.
func (b *BusinessHours) NextOpening(t time.Time) time.Time {
	if b.Open(t) {
		return t
	}
	local := t.In(b.loc)
	for i := 0; i <= 7; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, b.loc)
		if !b.days[day.Weekday()] {
			continue
		}
		opening := atClock(day, b.start)
		if opening.After(t) {
			return opening
		}
	}
	// Unreachable with at least one configured day.
	return t
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

// atClock builds the wall-clock time on day, so DST shifts keep "09:00" at 09:00.
func atClock(day time.Time, offset time.Duration) time.Time {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}
