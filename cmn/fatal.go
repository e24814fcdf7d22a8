package cmn

import (
	"os"

	"github.com/pkg/errors"
)

// ErrKind classifies a failure per spec.md §7.
type ErrKind int

const (
	ErrProgramming ErrKind = iota
	ErrResourceExhaustion
	ErrCommFailure
	ErrUserFunction
	ErrDelayedDeliveryOverflow
)

// FatalError wraps an unrecoverable error with its kind, for logging at the
// abort site.
type FatalError struct {
	Kind ErrKind
	Err  error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal logs and terminates the process. spec.md §7: there is no retry
// logic and no partial-failure semantics — programming errors, resource
// exhaustion, comm failures, and user-function exceptions are all abort.
// Tests should not call this directly; see cmn.WithFatalHook for injecting
// a non-exiting hook.
var fatalHook = func(err error) { os.Exit(1) }

// WithFatalHook overrides the abort action (os.Exit by default) and returns
// a function that restores the previous hook. Used by scenario tests that
// need to assert a component would have aborted without killing the test
// binary.
func WithFatalHook(h func(err error)) (restore func()) {
	prev := fatalHook
	fatalHook = h
	return func() { fatalHook = prev }
}

func Fatal(kind ErrKind, cause error, format string, args ...any) {
	var err error
	if cause == nil {
		err = errors.Errorf(format, args...)
	} else {
		err = errors.Wrapf(cause, format, args...)
	}
	log.Errorln("FATAL:", err)
	fatalHook(&FatalError{Kind: kind, Err: err})
}

func Fatalf(kind ErrKind, format string, args ...any) {
	Fatal(kind, nil, format, args...)
}
