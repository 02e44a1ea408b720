package trace

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = time.DateOnly

// Wall-clock layouts without a zone are read as UTC.
var wallClockLayouts = []string{
	time.DateTime,
	"2006-01-02T15:04:05",
}

// ParseTimeBound parses an RFC3339 instant, a "YYYY-MM-DD HH:MM:SS" wall
// clock or a YYYY-MM-DD date, all in UTC. A bare date used as an upper bound
// covers the whole day.
func ParseTimeBound(raw string, upper bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range wallClockLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, nil
		}
	}
	day, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339, YYYY-MM-DD HH:MM:SS or YYYY-MM-DD", raw)
	}
	if upper {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}
