package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// Schedule is True while the evaluation time, seen in Location, falls on one
// of Days and within [Start, End). A window whose end is before its start
// wraps past midnight. Schedules never evaluate to Pending.
type Schedule struct {
	Days     [7]bool
	Start    time.Duration
	End      time.Duration
	Location *time.Location

	raw string
}

// ParseSchedule parses "Mon-Fri 09:00-17:30[Europe/Paris]". Either the day
// range or the time range may be omitted; the timezone defaults to UTC.
func ParseSchedule(expr string) (*Schedule, error) {
	s := &Schedule{Location: time.UTC, raw: strings.TrimSpace(expr), End: 24 * time.Hour}
	body := s.raw
	if i := strings.IndexByte(body, '['); i >= 0 {
		if !strings.HasSuffix(body, "]") {
			return nil, fmt.Errorf("schedule %q: unterminated timezone", expr)
		}
		loc, err := time.LoadLocation(body[i+1 : len(body)-1])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", expr, err)
		}
		s.Location = loc
		body = strings.TrimSpace(body[:i])
	}
	if body == "" {
		return nil, fmt.Errorf("schedule %q: empty", expr)
	}

	daysSet := false
	for _, field := range strings.Fields(body) {
		if strings.Contains(field, ":") {
			start, end, ok := strings.Cut(field, "-")
			if !ok {
				return nil, fmt.Errorf("schedule %q: time range needs a start and an end", expr)
			}
			var err error
			if s.Start, err = parseClock(start); err != nil {
				return nil, fmt.Errorf("schedule %q: %w", expr, err)
			}
			if s.End, err = parseClock(end); err != nil {
				return nil, fmt.Errorf("schedule %q: %w", expr, err)
			}
			if s.Start == s.End {
				return nil, fmt.Errorf("schedule %q: empty time range", expr)
			}
			continue
		}
		if err := s.parseDays(field); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", expr, err)
		}
		daysSet = true
	}
	if !daysSet {
		for i := range s.Days {
			s.Days[i] = true
		}
	}
	return s, nil
}

func (s *Schedule) parseDays(field string) error {
	for _, part := range strings.Split(field, ",") {
		from, to, isRange := strings.Cut(strings.ToLower(part), "-")
		first, ok := weekdays[from]
		if !ok {
			return fmt.Errorf("unknown weekday %q", from)
		}
		if !isRange {
			s.Days[first] = true
			continue
		}
		last, ok := weekdays[to]
		if !ok {
			return fmt.Errorf("unknown weekday %q", to)
		}
		for d := first; ; d = (d + 1) % 7 {
			s.Days[d] = true
			if d == last {
				break
			}
		}
	}
	return nil
}

func parseClock(v string) (time.Duration, error) {
	h, m, ok := strings.Cut(v, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q", v)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || (hour == 24 && minute != 0) {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// Active reports whether t falls inside the schedule.
func (s *Schedule) Active(t time.Time) bool {
	local := t.In(s.Location)
	offset := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute
	day := local.Weekday()
	if s.Start < s.End {
		return s.Days[day] && offset >= s.Start && offset < s.End
	}
	// Overnight window: the part after midnight belongs to the previous day.
	if offset >= s.Start {
		return s.Days[day]
	}
	if offset < s.End {
		return s.Days[(day+6)%7]
	}
	return false
}

func (s *Schedule) Evaluate(snap Snapshot) Status {
	return boolStatus(s.Active(snap.Now()))
}

func (s *Schedule) String() string {
	return "schedule=" + s.raw
}

// Overlaps reports whether some instant lies inside both schedules. It samples
// every minute of two reference weeks, one in winter and one in summer, so
// daylight saving offsets on either side are taken into account.
func Overlaps(a, b *Schedule) bool {
	for _, week := range []time.Time{
		time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC),
	} {
		for t := week; t.Before(week.Add(7 * 24 * time.Hour)); t = t.Add(time.Minute) {
			if a.Active(t) && b.Active(t) {
				return true
			}
		}
	}
	return false
}
