// Package errs defines the error taxonomy shared by the scheduler pipeline.
// Every component wraps its failures in *Error so the scheduler can decide
// whether an execution was skipped, aborted, or must be escalated.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure
type Kind string

const (
	KindUnknown        Kind = "UNKNOWN"
	KindConfig         Kind = "CONFIG_ERROR"      // invalid mode/interval, rejected at configuration time
	KindBroker         Kind = "BROKER_ERROR"      // connect/auth/buy failure, retried next tick
	KindAdapterTimeout Kind = "ADAPTER_TIMEOUT"   // single adapter excluded from consensus
	KindQuorum         Kind = "QUORUM_ERROR"      // too few adapters responded
	KindPersistence    Kind = "PERSISTENCE_ERROR" // store failure, escalated to the supervisor
)

// Error carries the kind plus enough context to reconstruct user/session
type Error struct {
	Kind       Kind
	Op         string
	UserID     string
	SessionKey string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.UserID != "" {
		fmt.Fprintf(&b, " user=%s", e.UserID)
	}
	if e.SessionKey != "" {
		fmt.Fprintf(&b, " session=%s", e.SessionKey)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindBroker}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New creates an error of the given kind from a message
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap wraps err with a kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithContext returns a copy of err annotated with user and session.
// Errors that are not *Error are classified as KindUnknown.
func WithContext(err error, userID, sessionKey string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if cp.UserID == "" {
			cp.UserID = userID
		}
		if cp.SessionKey == "" {
			cp.SessionKey = sessionKey
		}
		return &cp
	}
	return &Error{Kind: KindUnknown, UserID: userID, SessionKey: sessionKey, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable determines if an error should be retried on a later tick
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch KindOf(err) {
	case KindConfig:
		return false
	case KindBroker, KindQuorum, KindAdapterTimeout:
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Network, rate limit and database contention errors - retryable
	retryablePatterns := []string{
		"rate limit",
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"deadlock",
		"serialization failure",
		"broken pipe",
		"eof",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
