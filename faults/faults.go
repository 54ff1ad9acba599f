// Package faults holds the error types shared by every layer of the engine.
//
// Local faults (Fault) are surfaced to the caller immediately. AuthorityError is
// the only error shape that leaves the transport client; the classifier turns it
// into a retry decision.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindNotFound      Kind = "NOT_FOUND"
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	KindInvariant     Kind = "INVARIANT_VIOLATION"
	KindStorage       Kind = "STORAGE_ERROR"
	// KindStale means an optimistic write lost against a concurrent writer.
	KindStale Kind = "STALE_WRITE"
	// KindConflict is a unique-constraint violation.
	KindConflict Kind = "CONFLICT"
)

type Fault struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (f *Fault) Error() string {
	var b strings.Builder
	if f.Op != "" {
		b.WriteString(f.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(f.Kind), "_", " ")))
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Fault) Unwrap() error { return f.Err }

func newFault(kind Kind, op, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return newFault(KindNotFound, op, format, args...)
}

func Configuration(op, format string, args ...any) error {
	return newFault(KindConfiguration, op, format, args...)
}

func Invariant(op, format string, args ...any) error {
	return newFault(KindInvariant, op, format, args...)
}

func Stale(op, format string, args ...any) error {
	return newFault(KindStale, op, format, args...)
}

func Conflict(op string, err error) error {
	return &Fault{Kind: KindConflict, Op: op, Err: err}
}

// Storage wraps a storage collaborator failure. A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return &Fault{Kind: KindStorage, Op: op, Err: err}
}

// Is reports whether err carries a Fault of the given kind.
func Is(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}
