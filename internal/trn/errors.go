package trn

import (
	"errors"
	"fmt"
)

// ErrExhausted signals the normal end of a record stream or replay session.
var ErrExhausted = errors.New("trn: records exhausted")

// ConfigError reports a missing or malformed configuration key. It is fatal
// to session start.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config key %q", e.Key)
	if e.Value != "" {
		msg += fmt.Sprintf(" (value %q)", e.Value)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SourceUnavailableError reports a log that is absent or unreadable. The
// source contributes nothing but the session continues.
type SourceUnavailableError struct {
	Source string
	Path   string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable (%s): %v", e.Source, e.Path, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// ParseError reports a single record that could not be decoded. The record
// is skipped.
type ParseError struct {
	Source string
	Line   int
	Field  string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s line %d: field %s: %v", e.Source, e.Line, e.Field, e.Err)
	}
	return fmt.Sprintf("%s line %d: %v", e.Source, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransportError reports a failure talking to the filter. Per pair it is
// counted and the session continues; at connect time without a local
// fallback it aborts the session.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
