// Package pipeerr is the error taxonomy shared by the adapters and the orchestrator.
// Adapters translate whatever their transport returns into one of these kinds;
// nothing above them looks at a raw transport error.
package pipeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by what the caller can do about it
type Kind int

const (
	Unknown Kind = iota
	// ConfigurationMissing: a credential or setting is absent; the user can supply it.
	ConfigurationMissing
	// ValidationFailed: the input itself is unusable.
	ValidationFailed
	// UpstreamRetryable: transient external failure.
	UpstreamRetryable
	// UpstreamFatal: the external service gave up or refused.
	UpstreamFatal
	// StateGuardViolation: a step was attempted without its prerequisites.
	StateGuardViolation
)

var kindNames = map[Kind]string{
	Unknown:              "unknown",
	ConfigurationMissing: "configuration_missing",
	ValidationFailed:     "validation_failed",
	UpstreamRetryable:    "upstream_retryable",
	UpstreamFatal:        "upstream_fatal",
	StateGuardViolation:  "state_guard_violation",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a Kind plus the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error without an underlying cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message is the user-facing text of the outermost *Error, without its op prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
