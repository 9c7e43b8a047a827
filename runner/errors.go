package runner

import (
	"errors"
	"fmt"
)

// AssertionError marks a deterministic test failure: an assertion step's
// expectation was not met. Assertion failures are never retried.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s", e.Msg)
}

// IsAssertion reports whether err is (or wraps) an assertion failure.
func IsAssertion(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}

// TransientError marks a harness-level fault that may succeed on retry,
// such as a driver disconnect or a step timeout. A case is retried at most
// once for a transient fault before being recorded errored.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient harness fault: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a transient harness fault.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
