package engine

import (
	"errors"
	"fmt"
)

// ReducerError reports a reducer that failed or produced no state.
// Nothing was written to the context when it is returned.
type ReducerError struct {
	// Context is the context the transaction targeted.
	Context string

	// Step is the 1-based position of the failing reducer in the transaction.
	Step int

	// Err is the reducer's error.
	Err error
}

// Error implements the error interface.
func (e *ReducerError) Error() string {
	return fmt.Sprintf("reducer step %d failed (context=%s): %v", e.Step, e.Context, e.Err)
}

// Unwrap returns the reducer's error.
func (e *ReducerError) Unwrap() error {
	return e.Err
}

// IsReducerError returns true if the error came from a reducer.
// Uses errors.As to handle wrapped errors.
func IsReducerError(err error) bool {
	var re *ReducerError
	return errors.As(err, &re)
}

// ErrTxnDone is returned when a finished transaction is used again.
var ErrTxnDone = errors.New("transaction already committed or discarded")

// ErrNilState is the cause recorded when a reducer returns no tree.
var ErrNilState = errors.New("reducer returned nil state")

// ErrStepsExceeded is returned when a transaction runs more reducers than
// the engine allows.
var ErrStepsExceeded = errors.New("transaction exceeded max steps")
