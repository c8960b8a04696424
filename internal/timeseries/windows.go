package timeseries

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxWindows bounds Expand.
const DefaultMaxWindows = 10000

// Query parameters consumed by the fan-out and stripped from sub-requests.
const (
	ParamStart   = "start_datetime"
	ParamEnd     = "end_datetime"
	ParamStep    = "step"
	ParamStepIdx = "step_idx"
)

var (
	// ErrInvalidRequest is returned when the timeseries parameters are
	// missing or malformed.
	ErrInvalidRequest = errors.New("invalid timeseries request")
	// ErrTooManyWindows is returned when a range expands past the limit.
	ErrTooManyWindows = errors.New("too many timeseries windows")
)

// Window is one closed datetime interval of a timeseries.
type Window struct {
	Start time.Time
	End   time.Time
}

// Label is the window's datetime interval, used both as the sub-request
// datetime parameter and as the key of aggregated results.
func (w Window) Label() string {
	return w.Start.Format(time.RFC3339Nano) + "/" + w.End.Format(time.RFC3339Nano)
}

// Expand splits [start, end] into consecutive windows of length step.
//
// Windows run left to right from start and the last window ends exactly at
// end. Every other window ends one microsecond before the next starts when
// the step is at most one second long, else one second before. start == end
// yields a single zero-width window.
func Expand(start, end time.Time, step Duration) ([]Window, error) {
	return ExpandLimit(start, end, step, DefaultMaxWindows)
}

// ExpandLimit is Expand with an explicit window limit. A limit of zero or
// less uses DefaultMaxWindows.
func ExpandLimit(start, end time.Time, step Duration, limit int) ([]Window, error) {
	if limit <= 0 {
		limit = DefaultMaxWindows
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidRequest, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if step.IsZero() {
		return nil, fmt.Errorf("%w: step must be positive", ErrInvalidDuration)
	}

	gap := time.Second
	if step.AddTo(start).Sub(start) <= time.Second {
		gap = time.Microsecond
	}

	var windows []Window
	for cur := start; cur.Before(end); {
		next := step.AddTo(cur)
		if !next.Before(end) {
			windows = append(windows, Window{Start: cur, End: end})
			break
		}
		windows = append(windows, Window{Start: cur, End: next.Add(-gap)})
		if len(windows) >= limit {
			return nil, fmt.Errorf("%w: more than %d windows", ErrTooManyWindows, limit)
		}
		cur = next
	}
	if len(windows) == 0 {
		return []Window{{Start: start, End: end}}, nil
	}
	return windows, nil
}

// Request is a parsed timeseries query.
type Request struct {
	Start   time.Time
	End     time.Time
	Step    Duration
	StepIdx *int
}

// ParseRequest reads start_datetime, end_datetime, step and the optional
// step_idx. All three range parameters are required.
func ParseRequest(values url.Values) (*Request, error) {
	start, end, step := values.Get(ParamStart), values.Get(ParamEnd), values.Get(ParamStep)
	if start == "" || end == "" || step == "" {
		return nil, fmt.Errorf("%w: you must provide start_datetime, end_datetime, and step", ErrInvalidRequest)
	}

	var (
		req Request
		err error
	)
	if req.Start, err = ParseInstant(start); err != nil {
		return nil, fmt.Errorf("%w: start_datetime: %v", ErrInvalidRequest, err)
	}
	if req.End, err = ParseInstant(end); err != nil {
		return nil, fmt.Errorf("%w: end_datetime: %v", ErrInvalidRequest, err)
	}
	if req.Step, err = ParseDuration(step); err != nil {
		return nil, err
	}
	if raw := values.Get(ParamStepIdx); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: step_idx must be a non-negative integer", ErrInvalidRequest)
		}
		req.StepIdx = &idx
	}
	return &req, nil
}

// Windows expands the request. With StepIdx set only that window is returned.
func (r *Request) Windows(limit int) ([]Window, error) {
	windows, err := ExpandLimit(r.Start, r.End, r.Step, limit)
	if err != nil {
		return nil, err
	}
	if r.StepIdx == nil {
		return windows, nil
	}
	if *r.StepIdx >= len(windows) {
		return nil, fmt.Errorf("%w: step_idx %d out of range (%d windows)", ErrInvalidRequest, *r.StepIdx, len(windows))
	}
	return windows[*r.StepIdx : *r.StepIdx+1], nil
}

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseInstant parses an RFC 3339 timestamp, a timestamp without zone or a
// date. Values without a zone are UTC.
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}
