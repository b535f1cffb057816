// Package errors is nightpilot's error package.
//
// It re-exports github.com/cockroachdb/errors (stack traces, hints, details)
// and defines the scheduling/execution error taxonomy. Callers test for a
// category with errors.Is against the sentinels below.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	Mark         = crdb.Mark

	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	UnwrapAll    = crdb.UnwrapAll
	FlattenHints = crdb.FlattenHints
	GetAllHints  = crdb.GetAllHints
)

var (
	// ErrInvalidSchedule is returned by AddJob for a schedule that cannot be
	// armed. Never retried.
	ErrInvalidSchedule = New("invalid schedule")

	ErrNotFound = New("job not found")

	// ErrConcurrencyLimitExceeded means every execution slot is taken.
	// Transient: the caller may retry, the engine never does.
	ErrConcurrencyLimitExceeded = New("concurrency limit exceeded")

	// ErrCooldownDeferred is not a failure: the external CLI is cooling down
	// and the execution was re-armed for later.
	ErrCooldownDeferred = New("execution deferred by cooldown")

	// ErrExecutionFailed means retries were exhausted or the error was not
	// retryable.
	ErrExecutionFailed = New("execution failed")

	// ErrTimeout is an attempt that hit its own deadline. It consumes a retry
	// attempt.
	ErrTimeout = New("execution timed out")

	ErrCyclicDependency = New("cyclic job dependency")

	ErrNotRunning = New("scheduler not running")
)

// InvalidSchedulef builds an ErrInvalidSchedule with a formatted reason.
func InvalidSchedulef(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidSchedule)
}

// NotFound builds an ErrNotFound naming the missing id.
func NotFound(id string) error {
	return Mark(Newf("job %q not found", id), ErrNotFound)
}

// Timeout marks err as an attempt timeout.
func Timeout(err error) error {
	if err == nil {
		err = ErrTimeout
	}
	return Mark(err, ErrTimeout)
}

// NoRetry marks an error as non-retryable.
//
//	return errors.NoRetry(errors.Wrap(err, "bad working directory"))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return "no-retry: " + e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// IsPermanent reports whether err belongs to a category that retrying
// cannot fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return IsNoRetry(err) || IsAny(err, ErrInvalidSchedule, ErrNotFound, ErrCyclicDependency)
}
