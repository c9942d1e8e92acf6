package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed cron expression. Two forms are supported:
//
//	@every <duration>    e.g. "@every 30s"
//	m h dom mon dow      five fields, each "*", "*/n", "a", "a-b", or a
//	                     comma-separated list of those
//
// Day-of-month and day-of-week follow the classic cron rule: when both
// fields are restricted (neither starts with "*"), a time matches if either
// field matches; otherwise both must match.
//
// Minute resolution; seconds are not supported.
type CronSchedule struct {
	every time.Duration

	minute, hour, dom, month, dow uint64
	domStar, dowStar              bool
}

// ParseCron parses expr into a CronSchedule.
func ParseCron(expr string) (*CronSchedule, error) {
	expr = strings.TrimSpace(expr)

	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("cron %q: interval must be positive", expr)
		}
		return &CronSchedule{every: d}, nil
	}

	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(parts))
	}

	bounds := []struct{ min, max int }{
		{0, 59}, // minute
		{0, 23}, // hour
		{1, 31}, // day of month
		{1, 12}, // month
		{0, 6},  // day of week
	}

	sets := make([]uint64, 5)
	for i, part := range parts {
		set, err := parseCronField(part, bounds[i].min, bounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron %q field %d: %w", expr, i+1, err)
		}
		sets[i] = set
	}

	return &CronSchedule{
		minute:  sets[0],
		hour:    sets[1],
		dom:     sets[2],
		month:   sets[3],
		dow:     sets[4],
		domStar: strings.HasPrefix(parts[2], "*"),
		dowStar: strings.HasPrefix(parts[4], "*"),
	}, nil
}

func parseCronField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := min, max, 1

		if rest, ok := strings.CutPrefix(part, "*/"); ok {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step %q", part)
			}
			step = n
		} else if part != "*" {
			if lohi := strings.SplitN(part, "-", 2); len(lohi) == 2 {
				a, err1 := strconv.Atoi(lohi[0])
				b, err2 := strconv.Atoi(lohi[1])
				if err1 != nil || err2 != nil {
					return 0, fmt.Errorf("bad range %q", part)
				}
				lo, hi = a, b
			} else {
				n, err := strconv.Atoi(part)
				if err != nil {
					return 0, fmt.Errorf("bad value %q", part)
				}
				lo, hi = n, n
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("value out of range in %q", part)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// Next returns the first time strictly after t that the schedule matches.
func (s *CronSchedule) Next(t time.Time) time.Time {
	if s.every > 0 {
		return t.Add(s.every)
	}

	// Walk forward minute by minute. Bounded at five years, which covers
	// any satisfiable five-field expression.
	cur := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for cur.Before(limit) {
		if s.matches(cur) {
			return cur
		}
		cur = cur.Add(time.Minute)
	}
	return time.Time{}
}

func (s *CronSchedule) matches(t time.Time) bool {
	if s.minute&(1<<uint(t.Minute())) == 0 ||
		s.hour&(1<<uint(t.Hour())) == 0 ||
		s.month&(1<<uint(t.Month())) == 0 {
		return false
	}

	domOK := s.dom&(1<<uint(t.Day())) != 0
	dowOK := s.dow&(1<<uint(t.Weekday())) != 0
	if !s.domStar && !s.dowStar {
		return domOK || dowOK
	}
	return domOK && dowOK
}
