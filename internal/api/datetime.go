package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/timeseries"
)

const dateLayout = "2006-01-02"

// ParseDateTimeInterval parses a datetime parameter which can be:
//   - a single instant: "2023-06-15T14:00:00Z"
//   - a date: "2023-06-15", covering the whole day
//   - a closed interval: "2023-06-15/2023-06-16T12:00:00Z"
//   - a half-bounded interval: "../2023-06-15" or "2023-06-15/" (".." and
//     empty are open)
//
// A date used as an end bound extends to the last microsecond of that day.
// An empty string yields a nil range.
func ParseDateTimeInterval(datetime string) (*assets.TemporalRange, error) {
	datetime = strings.TrimSpace(datetime)
	if datetime == "" {
		return nil, nil
	}

	parts := strings.Split(datetime, "/")
	switch len(parts) {
	case 1:
		start, err := parseBound(parts[0], false)
		if err != nil {
			return nil, err
		}
		end, err := parseBound(parts[0], true)
		if err != nil {
			return nil, err
		}
		return &assets.TemporalRange{Start: start, End: end}, nil
	case 2:
	default:
		return nil, fmt.Errorf("invalid datetime interval %q: must be 'start/end'", datetime)
	}

	start, err := parseBound(parts[0], false)
	if err != nil {
		return nil, fmt.Errorf("invalid start datetime: %w", err)
	}
	end, err := parseBound(parts[1], true)
	if err != nil {
		return nil, fmt.Errorf("invalid end datetime: %w", err)
	}
	if start == nil && end == nil {
		return nil, fmt.Errorf("invalid datetime interval %q: both ends are open", datetime)
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, fmt.Errorf("invalid datetime interval %q: end is before start", datetime)
	}
	return &assets.TemporalRange{Start: start, End: end}, nil
}

func parseBound(s string, end bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == ".." {
		return nil, nil
	}
	if d, err := time.Parse(dateLayout, s); err == nil {
		if end {
			d = d.AddDate(0, 0, 1).Add(-time.Microsecond)
		}
		return &d, nil
	}
	t, err := timeseries.ParseInstant(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
