package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrNotDir         = errors.New("not a directory")
	ErrIsDir          = errors.New("is a directory")
	ErrPermission     = errors.New("permission denied")
	ErrTemporary      = errors.New("temporary storage error")
	ErrInterrupted    = errors.New("transfer interrupted")
	ErrNotSupported   = errors.New("operation not supported")
	ErrUnknownStorage = errors.New("unknown storage")
)

// PathError records the operation and wire path that failed.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// wrap builds a PathError around a sentinel while keeping the cause
// reachable through errors.Is/As.
func wrap(op, path string, sentinel, cause error) error {
	if cause == nil || errors.Is(cause, sentinel) {
		return &PathError{Op: op, Path: path, Err: orElse(cause, sentinel)}
	}
	return &PathError{Op: op, Path: path, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}

func orElse(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsExists(err error) bool {
	return errors.Is(err, ErrExists)
}

func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsInterrupted reports whether err stems from a stopped transfer or a
// cancelled context.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether an operation that failed with err may succeed
// when attempted again.
func IsRetryable(err error) bool {
	if err == nil || IsInterrupted(err) {
		return false
	}
	if errors.Is(err, ErrTemporary) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
