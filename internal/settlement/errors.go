package settlement

import (
	"errors"
	"fmt"
	"time"
)

// ErrSettlementFailed оборачивает любой отказ провайдера расчетов.
var ErrSettlementFailed = errors.New("settlement failed")

// ThrottleError провайдер просит подождать (Retry-After). ReliabilityWrapper
// использует RetryAfter как задержку перед следующей попыткой.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}
