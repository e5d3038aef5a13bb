package models

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a task or call failed
type FailureKind string

const (
	KindAuth                FailureKind = "auth_error"
	KindSessionStale        FailureKind = "session_stale"
	KindElementNotFound     FailureKind = "element_not_found"
	KindNavigationTimeout   FailureKind = "navigation_timeout"
	KindWindowSwitchFailure FailureKind = "window_switch_failure"
	KindUpstreamAPI         FailureKind = "upstream_api_error"
	KindUnexpected          FailureKind = "unexpected"
)

var (
	// ErrAuth means interactive re-authorization is required
	ErrAuth = errors.New("authorization required")
	// ErrSessionStale means replayed cookies were rejected
	ErrSessionStale        = errors.New("session cookies stale")
	ErrElementNotFound     = errors.New("element not found")
	ErrNavigationTimeout   = errors.New("navigation timeout")
	ErrWindowSwitchFailure = errors.New("expected window did not appear")
	ErrUpstreamAPI         = errors.New("upstream api error")
	ErrUnexpected          = errors.New("unexpected failure")

	// ErrNotFound is returned by storage when a record does not exist
	ErrNotFound = errors.New("not found")
)

var kindSentinels = map[FailureKind]error{
	KindAuth:                ErrAuth,
	KindSessionStale:        ErrSessionStale,
	KindElementNotFound:     ErrElementNotFound,
	KindNavigationTimeout:   ErrNavigationTimeout,
	KindWindowSwitchFailure: ErrWindowSwitchFailure,
	KindUpstreamAPI:         ErrUpstreamAPI,
	KindUnexpected:          ErrUnexpected,
}

// TaskError carries a failure kind along with the operation that failed
type TaskError struct {
	Kind FailureKind
	Op   string
	Err  error
}

// NewTaskError wraps err under kind. A nil err is replaced by the kind's sentinel.
func NewTaskError(kind FailureKind, op string, err error) *TaskError {
	if err == nil {
		err = kindSentinels[kind]
	}
	return &TaskError{Kind: kind, Op: op, Err: err}
}

func (e *TaskError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrAuth)
// holds for any TaskError of KindAuth.
func (e *TaskError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf classifies any error into a FailureKind
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}

	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Kind
	}

	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNavigationTimeout
	}
	return KindUnexpected
}

// HaltsRetries reports whether the kind must stop automatic processing
// until an operator refreshes credentials
func (k FailureKind) HaltsRetries() bool {
	return k == KindAuth
}
