package config

import (
	"fmt"
	"time"
)

// parseClock parses an "HH:MM" local-naive time-of-day string into minutes
// since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid time-of-day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Active reports whether this schedule condition currently allows its
// queue to be drained. Immediately is always active; GraveYard is never
// drained automatically (it is a terminal resting place for jobs with no
// more work). LocalNaiveTimeWindow is active between From and To, which
// may wrap past midnight (e.g. 22:00 to 06:00).
func (c ScheduleCondition) Active(now time.Time) (bool, error) {
	switch c.Kind {
	case Immediately:
		return true, nil
	case GraveYard:
		return false, nil
	case LocalNaiveTimeWindow:
		from, err := parseClock(c.From)
		if err != nil {
			return false, err
		}
		to, err := parseClock(c.To)
		if err != nil {
			return false, err
		}
		cur := now.Hour()*60 + now.Minute()
		if from <= to {
			return cur >= from && cur < to, nil
		}
		// wraps past midnight
		return cur >= from || cur < to, nil
	default:
		return false, fmt.Errorf("config: unknown schedule condition kind %q", c.Kind)
	}
}
