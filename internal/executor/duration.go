package executor

import (
	"fmt"
	"strconv"
	"time"
)

// Duration tracks a test's remaining wall-clock budget using monotonic
// time, with save/restore nesting semantics matching §4.7's
// duration_save/duration_restore frames: only the outermost save captures
// a snapshot and only the matching outermost restore applies it, intervening
// nested pairs are counted but otherwise ignored.
//
// Grounded on original_source/atex/executor/duration.py.
type Duration struct {
	end time.Time

	saved      time.Duration
	savedSet   bool
	savedCount int
}

// NewDuration starts a deadline human from now, where human is an FMF
// duration string (e.g. "5m", "1h30m", or a bare number of minutes).
func NewDuration(human string) (*Duration, error) {
	d, err := parseDuration(human)
	if err != nil {
		return nil, err
	}
	return &Duration{end: time.Now().Add(d)}, nil
}

// Set replaces the deadline with now + to.
func (d *Duration) Set(to string) error {
	parsed, err := parseDuration(to)
	if err != nil {
		return err
	}
	d.end = time.Now().Add(parsed)
	return nil
}

// Increment extends the deadline by by.
func (d *Duration) Increment(by string) error {
	parsed, err := parseDuration(by)
	if err != nil {
		return err
	}
	d.end = d.end.Add(parsed)
	return nil
}

// Decrement shortens the deadline by by.
func (d *Duration) Decrement(by string) error {
	parsed, err := parseDuration(by)
	if err != nil {
		return err
	}
	d.end = d.end.Add(-parsed)
	return nil
}

// Save snapshots the remaining time on the outermost call only, incrementing
// the nesting counter on every call.
func (d *Duration) Save() {
	if d.savedCount == 0 {
		d.saved = time.Until(d.end)
		d.savedSet = true
	}
	d.savedCount++
}

// Restore re-applies the snapshot taken by the matching outermost Save,
// once the nesting counter unwinds back to zero. Nested restores merely
// decrement the counter.
func (d *Duration) Restore() {
	switch {
	case d.savedCount > 1:
		d.savedCount--
	case d.savedCount == 1:
		d.end = time.Now().Add(d.saved)
		d.savedCount = 0
		d.savedSet = false
	}
}

// OutOfTime reports whether the deadline has passed.
func (d *Duration) OutOfTime() bool {
	return time.Now().After(d.end)
}

// Remaining returns the time left until the deadline (may be negative).
func (d *Duration) Remaining() time.Duration {
	return time.Until(d.end)
}

// ParseDuration exposes parseDuration for callers outside the package that
// need the same FMF duration-string semantics (e.g. the orchestrator's
// priority/duration test-ordering policy).
func ParseDuration(human string) (time.Duration, error) {
	return parseDuration(human)
}

// parseDuration accepts a bare integer (interpreted as minutes, the FMF
// default unit for a test's "duration" key) or a suffixed value using
// s/m/h/d, optionally chaining several like "1h30m".
func parseDuration(human string) (time.Duration, error) {
	if human == "" {
		return 0, fmt.Errorf("executor: empty duration")
	}
	if n, err := strconv.Atoi(human); err == nil {
		return time.Duration(n) * time.Minute, nil
	}

	var total time.Duration
	numStart := 0
	for i, r := range human {
		if r >= '0' && r <= '9' {
			continue
		}
		if numStart == i {
			return 0, fmt.Errorf("executor: bad duration %q", human)
		}
		n, err := strconv.Atoi(human[numStart:i])
		if err != nil {
			return 0, fmt.Errorf("executor: bad duration %q: %w", human, err)
		}
		switch r {
		case 's':
			total += time.Duration(n) * time.Second
		case 'm':
			total += time.Duration(n) * time.Minute
		case 'h':
			total += time.Duration(n) * time.Hour
		case 'd':
			total += time.Duration(n) * 24 * time.Hour
		default:
			return 0, fmt.Errorf("executor: bad duration %q: unknown unit %q", human, r)
		}
		numStart = i + 1
	}
	if numStart != len(human) {
		return 0, fmt.Errorf("executor: bad duration %q: trailing digits", human)
	}
	return total, nil
}
