package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the engine's failure taxonomy. Callers match with
// errors.Is; wrapping adds symbol/component context.
var (
	// ErrDataUnavailable: cache miss and the market data source is down.
	// The cycle's trade action for the symbol is aborted; monitoring
	// continues.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrMetadataUnavailable: instrument metadata missing or stale.
	ErrMetadataUnavailable = errors.New("instrument metadata unavailable")

	// ErrBelowMinimumSize: quantized quantity fell under the instrument
	// minimum. Never retried.
	ErrBelowMinimumSize = errors.New("order size below instrument minimum")

	// ErrEvaluatorTimeout: one or both opinion producers missed the
	// per-evaluator deadline. The cycle falls back to HOLD.
	ErrEvaluatorTimeout = errors.New("opinion evaluator timed out")

	// ErrCriticalExposureUnmanaged: a protective order failed after the
	// entry filled and the emergency close also failed. Fatal path.
	ErrCriticalExposureUnmanaged = errors.New("critical exposure unmanaged")
)

// SafetyOperationPartialFailure reports a panic operation that could not
// resolve every symbol after bounded retries.
type SafetyOperationPartialFailure struct {
	Operation  string
	Unresolved []string
}

func (e *SafetyOperationPartialFailure) Error() string {
	return fmt.Sprintf("safety operation %s partially failed, unresolved: %s",
		e.Operation, strings.Join(e.Unresolved, ","))
}
