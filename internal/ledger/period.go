package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPeriod is returned for period specifications that cannot be parsed.
var ErrInvalidPeriod = errors.New("invalid attendance period")

// Period partitions time into attendance windows. The zero value is a UTC
// calendar day.
type Period struct {
	window time.Duration // 0 means calendar day
	loc    *time.Location
}

// DailyPeriod returns a calendar-day period in loc.
func DailyPeriod(loc *time.Location) Period {
	return Period{loc: loc}
}

// ParsePeriod builds a Period from a specification and an IANA timezone name.
// "day" (or "daily", or empty) selects calendar days in the timezone; any Go
// duration of at least one minute selects fixed windows aligned to the Unix epoch.
func ParsePeriod(spec, timezone string) (Period, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return Period{}, fmt.Errorf("%w: unknown timezone %q: %v", ErrInvalidPeriod, timezone, err)
		}
		loc = l
	}

	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "", "day", "daily":
		return Period{loc: loc}, nil
	}

	d, err := time.ParseDuration(spec)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, spec)
	}
	if d < time.Minute || d%time.Minute != 0 {
		return Period{}, fmt.Errorf("%w: window must be a whole number of minutes, got %s", ErrInvalidPeriod, d)
	}
	return Period{window: d, loc: loc}, nil
}

// Key returns the identifier of the window containing t.
func (p Period) Key(t time.Time) string {
	if p.window == 0 {
		return t.In(p.location()).Format("2006-01-02")
	}
	minutes := int64(p.window / time.Minute)
	return fmt.Sprintf("w%dm-%d", minutes, t.Unix()/int64(p.window/time.Second))
}

// String describes the period for logs.
func (p Period) String() string {
	if p.window == 0 {
		return "day@" + p.location().String()
	}
	return p.window.String()
}

func (p Period) location() *time.Location {
	if p.loc == nil {
		return time.UTC
	}
	return p.loc
}
