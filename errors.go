package threadpool

import (
	"errors"
	"fmt"
)

// The four sentinel error kinds are wrapped with call-specific
// detail via fmt.Errorf's %w, so callers match with errors.Is against the
// sentinel rather than parsing strings.
var (
	// ErrThreadCreationFailed is transient: the component that promised
	// the worker rolled its Counter change back, so no ghost "working"
	// slot remains. The next gate tick or notify re-attempts.
	ErrThreadCreationFailed = errors.New("threadpool: worker thread creation failed")

	// ErrOutOfMemory is reported synchronously to the enqueuing API when
	// construction of a registration or work record fails before enqueue.
	ErrOutOfMemory = errors.New("threadpool: allocation failed")

	// ErrInvalidArgument is reported synchronously for nonsense limits, an
	// unregister of an unknown id, and similar caller errors; no internal
	// state changes are made.
	ErrInvalidArgument = errors.New("threadpool: invalid argument")

	// ErrShutdown is observed by wait and timer threads at designated safe
	// points during teardown; pending registrations are deliberately
	// leaked rather than risk a use-after-free.
	ErrShutdown = errors.New("threadpool: pool is shut down")
)

// threadCreationError wraps ErrThreadCreationFailed with the pool subsystem
// that attempted the create, so logs and errors.Is both work.
type threadCreationError struct {
	subsystem string
	cause     error
}

func (e *threadCreationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("threadpool: %s worker thread creation failed: %v", e.subsystem, e.cause)
	}
	return fmt.Sprintf("threadpool: %s worker thread creation failed", e.subsystem)
}

func (e *threadCreationError) Unwrap() []error {
	return []error{ErrThreadCreationFailed, e.cause}
}

func newThreadCreationError(subsystem string, cause error) error {
	return &threadCreationError{subsystem: subsystem, cause: cause}
}

// invalidArgumentError wraps ErrInvalidArgument with a field-specific
// message, e.g. "max_workers must be >= min_workers".
type invalidArgumentError struct {
	message string
}

func (e *invalidArgumentError) Error() string {
	return fmt.Sprintf("threadpool: invalid argument: %s", e.message)
}

func (e *invalidArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

func newInvalidArgumentError(format string, args ...any) error {
	return &invalidArgumentError{message: fmt.Sprintf(format, args...)}
}

// safeInvoke runs fn, recovering any panic so a failing user callback
// never propagates into the scheduler's own state machines. The worker
// resets no thread-local state beyond what Go already guarantees per
// goroutine, since this package never relies on thread-local mutable
// scratch space.
func safeInvoke(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logGlobal(LogLevelError, "callback", "recovered panic from user callback", map[string]any{
				"panic": r,
			})
		}
	}()
	fn()
}

// safeInvokeCtx is safeInvoke for callbacks that take a context value, used
// by wait and timer callback dispatch.
func safeInvokeCtx(fn func(ctx any), ctx any) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logGlobal(LogLevelError, "callback", "recovered panic from user callback", map[string]any{
				"panic": r,
			})
		}
	}()
	fn(ctx)
}
