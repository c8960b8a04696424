// Package timeseries expands a datetime range into windows and fans one
// request out over them.
package timeseries

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration is returned for strings that are not ISO 8601 durations.
var ErrInvalidDuration = errors.New("invalid ISO 8601 duration")

var durationRe = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(\d+(?:\.\d+)?S)?)?$`)

// Duration is a calendar-aware ISO 8601 duration.
type Duration struct {
	Years   int
	Months  int
	Days    int
	Hours   int
	Minutes int
	Seconds float64
}

// ParseDuration parses P[n]Y[n]M[n]DT[n]H[n]M[n(.f)]S. At least one
// component is required, and a T must be followed by a time component.
func ParseDuration(s string) (Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}

	var d Duration
	ints := []*int{&d.Years, &d.Months, &d.Days, &d.Hours, &d.Minutes}
	for i, dst := range ints {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		*dst = v
	}
	if sec := strings.TrimSuffix(m[6], "S"); sec != "" {
		v, err := strconv.ParseFloat(sec, 64)
		if err != nil {
			return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		d.Seconds = v
	}
	return d, nil
}

// MustParseDuration is ParseDuration that panics on error.
func MustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// clock is the fixed-length part of the duration, at microsecond precision.
func (d Duration) clock() time.Duration {
	whole, frac := math.Modf(d.Seconds)
	return time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(whole)*time.Second +
		time.Duration(math.Round(frac*1e6))*time.Microsecond
}

// AddTo adds years and months, clamping the day to the length of the
// target month, then days, then the clock part. Jan 31 plus one month is
// Feb 28 (or 29).
func (d Duration) AddTo(t time.Time) time.Time {
	if d.Years != 0 || d.Months != 0 {
		year, month, day := t.Date()
		months := year*12 + int(month) - 1 + d.Years*12 + d.Months
		year, month = months/12, time.Month(months%12+1)
		hour, minute, sec := t.Clock()
		t = time.Date(year, month, min(day, daysIn(year, month)), hour, minute, sec, t.Nanosecond(), t.Location())
	}
	return t.AddDate(0, 0, d.Days).Add(d.clock())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// IsZero reports whether the duration adds nothing.
func (d Duration) IsZero() bool {
	return d.Years == 0 && d.Months == 0 && d.Days == 0 && d.clock() == 0
}

func (d Duration) String() string {
	var b strings.Builder
	b.WriteString("P")
	for _, c := range []struct {
		v    int
		unit string
	}{{d.Years, "Y"}, {d.Months, "M"}, {d.Days, "D"}} {
		if c.v != 0 {
			fmt.Fprintf(&b, "%d%s", c.v, c.unit)
		}
	}
	if d.Hours != 0 || d.Minutes != 0 || d.Seconds != 0 {
		b.WriteString("T")
		if d.Hours != 0 {
			fmt.Fprintf(&b, "%dH", d.Hours)
		}
		if d.Minutes != 0 {
			fmt.Fprintf(&b, "%dM", d.Minutes)
		}
		if d.Seconds != 0 {
			b.WriteString(strconv.FormatFloat(d.Seconds, 'f', -1, 64) + "S")
		}
	}
	if b.Len() == 1 {
		b.WriteString("T0S")
	}
	return b.String()
}
