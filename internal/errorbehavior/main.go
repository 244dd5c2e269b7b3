// Package errorbehavior attaches delivery behavior to gateway errors.
package errorbehavior

import (
	"errors"
)

type behavior interface {
	Retryable() bool
}

// IsRetryable returns the retryability of an error.
// Errors without an attached behavior are not retryable.
func IsRetryable(err error) bool {
	var errBehavior behavior
	if errors.As(err, &errBehavior) {
		return errBehavior.Retryable()
	}
	return false
}

type marked struct {
	Err       error
	retryable bool
}

func (err marked) Error() string {
	return err.Err.Error()
}

func (err marked) Unwrap() error {
	return err.Err
}

func (err marked) Retryable() bool {
	return err.retryable
}

// WrapRetryable marks an error as retryable,
// e.g. the phone went out of reach or the SMTP server said 4xx.
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{Err: err, retryable: true}
}

// WrapNonRetryable marks an error as non-retryable.
// The message may or may not have left the gateway.
func WrapNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{Err: err, retryable: false}
}
