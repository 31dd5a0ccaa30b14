// Package clock supplies the current time and cron schedule arithmetic.
// The Clock interface is injectable so the engine and its tests can run
// against a synthetic clock. Cron expressions are standard 5-field
// (minute, hour, day-of-month, month, day-of-week), evaluated in UTC.
package clock

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ErrInvalidSchedule is returned for cron expressions that do not parse.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock, in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a settable clock for tests.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }

// Validate checks that expr is a parseable 5-field cron expression.
func Validate(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	gx := gronx.New()
	if !gx.IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}
	return nil
}

// NextFire computes the first fire time of expr strictly after the given
// instant, in UTC.
func NextFire(expr string, after time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, after.UTC(), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return next.UTC(), nil
}

// CheckMinInterval rejects schedules that would fire more often than min.
// It measures the gap between the first two fires after now.
func CheckMinInterval(expr string, now time.Time, min time.Duration) error {
	if min <= 0 {
		return nil
	}
	first, err := NextFire(expr, now)
	if err != nil {
		return err
	}
	second, err := NextFire(expr, first)
	if err != nil {
		return err
	}
	if gap := second.Sub(first); gap < min {
		return fmt.Errorf("%w: fires every %s, minimum interval is %s", ErrInvalidSchedule, gap, min)
	}
	return nil
}
