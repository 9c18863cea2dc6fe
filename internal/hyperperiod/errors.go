package hyperperiod

import (
	"errors"
	"fmt"
)

// ErrNoValidPeriods is returned when no task in the workload carries a
// non-zero period.
var ErrNoValidPeriods = errors.New("no tasks with a valid (non-zero) period")

// OverflowError reports an LCM computation that exceeded the uint64
// range. It carries the two operands so the caller can log them without
// re-deriving anything.
type OverflowError struct {
	A uint64
	B uint64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("LCM overflow computing lcm(%d, %d)", e.A, e.B)
}

// TooLargeError reports a hyperperiod above the configured limit. The
// caller decides whether this is fatal or merely logged.
type TooLargeError struct {
	ValueUS uint64
	LimitUS uint64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("hyperperiod %dµs (%.1fs) exceeds limit %dµs (%.1fs)",
		e.ValueUS, float64(e.ValueUS)/1e6, e.LimitUS, float64(e.LimitUS)/1e6)
}
