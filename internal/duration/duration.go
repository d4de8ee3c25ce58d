// Package duration parses the compact delay strings accepted from callers ("30s", "10m", "2h").
package duration

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	ErrInvalidFormat = errors.New("invalid duration format")
	ErrOutOfRange    = errors.New("duration out of range")
)

var compact = regexp.MustCompile(`^(\d+)(s|m|h)$`)

var unitSeconds = map[string]int64{"s": 1, "m": 60, "h": 3600}

// ParseSeconds converts "<digits><s|m|h>" into a number of seconds. No bounds are applied.
func ParseSeconds(s string) (int64, error) {
	m := compact.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	mul := unitSeconds[m[2]]
	if v > (1<<62)/mul/int64(time.Second) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return v * mul, nil
}

// Parse is ParseSeconds returning a time.Duration.
func Parse(s string) (time.Duration, error) {
	secs, err := ParseSeconds(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// Limits bounds an accepted delay. A zero field means unbounded on that side.
type Limits struct {
	Min time.Duration
	Max time.Duration
}

func (l Limits) Check(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: %s is negative", ErrOutOfRange, d)
	}
	if l.Min > 0 && d < l.Min {
		return fmt.Errorf("%w: %s is below %s", ErrOutOfRange, d, l.Min)
	}
	if l.Max > 0 && d > l.Max {
		return fmt.Errorf("%w: %s is above %s", ErrOutOfRange, d, l.Max)
	}
	return nil
}
