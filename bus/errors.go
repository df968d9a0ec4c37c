package bus

import (
	"errors"
	"fmt"
)

// ErrProcessingTimeout is matched by every *ProcessingTimeoutError.
var ErrProcessingTimeout = errors.New("card processing timeout")

// ProcessingTimeoutError indicates that the card kept the I/O line low
// beyond the processing limit, e.g. because it was removed or is broken.
type ProcessingTimeoutError struct {
	Cycles  int
	Limit   ProcessingLimit
	Expired bool // the time bound, not the cycle bound, was hit
}

func (e *ProcessingTimeoutError) Error() string {
	if e.Expired {
		return fmt.Sprintf("card still busy after %s (%d clock cycles)", e.Limit.Timeout, e.Cycles)
	}
	return fmt.Sprintf("card still busy after %d clock cycles", e.Cycles)
}

func (e *ProcessingTimeoutError) Unwrap() error {
	return ErrProcessingTimeout
}
