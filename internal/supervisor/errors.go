package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is. The typed errors below unwrap to them.
var (
	ErrNotReady        = errors.New("inference worker not ready")
	ErrCrashDetected   = errors.New("inference worker crashed")
	ErrTimeout         = errors.New("timed out waiting for worker result")
	ErrWorker          = errors.New("worker reported an error")
	ErrProtocol        = errors.New("worker protocol error")
	ErrNoSession       = errors.New("no session for video")
	ErrPromptOrder     = errors.New("prompt out of order")
	ErrNoObject        = fmt.Errorf("%w: no tracked object, add a bbox prompt first", ErrPromptOrder)
	ErrInvalidArgument = errors.New("invalid argument")
	ErrWorkerLocked    = errors.New("worker lock held by another supervisor")
)

// NotReadyError is returned for any operation attempted while the worker is
// not READY. Nothing was sent to the worker.
type NotReadyError struct {
	State  State
	Reason string
	// Crashed is set when the check itself detected that a READY worker died.
	Crashed bool
}

func (e *NotReadyError) Error() string {
	msg := fmt.Sprintf("inference worker not ready (state %s)", e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady || (e.Crashed && target == ErrCrashDetected)
}

// TimeoutError means no matching result arrived within After. The worker may
// still complete the command; its late result is dropped.
type TimeoutError struct {
	Type  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no result after %s", e.Type, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// WorkerError carries the worker-supplied text of a status:"error" result.
type WorkerError struct {
	Type string
	Msg  string
}

func (e *WorkerError) Error() string { return e.Type + ": " + e.Msg }

func (e *WorkerError) Unwrap() error { return ErrWorker }

// ProtocolError reports an envelope the supervisor could not make sense of:
// an unknown type, a mismatched result type, or an undecodable payload.
type ProtocolError struct {
	Type string
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return "protocol error: " + e.Msg
	}
	return "protocol error on " + e.Type + ": " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// IsNotReady reports whether err indicates the worker was not READY (return 503).
func IsNotReady(err error) bool { return errors.Is(err, ErrNotReady) }

// IsTimeout reports whether err is a correlator timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsPromptOrder reports whether err is a caller-side ordering error (return 400).
func IsPromptOrder(err error) bool { return errors.Is(err, ErrPromptOrder) }

// IsNoSession reports whether err means the video has no open session.
func IsNoSession(err error) bool { return errors.Is(err, ErrNoSession) }

// IsInvalidArgument reports whether err is a request validation failure.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsWorkerError reports whether err carries a worker-side failure.
func IsWorkerError(err error) bool { return errors.Is(err, ErrWorker) }

// IsProtocolError reports whether err is a protocol violation.
func IsProtocolError(err error) bool { return errors.Is(err, ErrProtocol) }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
