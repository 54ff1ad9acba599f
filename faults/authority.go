package faults

import (
	"fmt"
	"strings"
	"time"
)

// AuthorityKind is the typed failure surfaced by the transport client.
type AuthorityKind string

const (
	AuthorityValidation     AuthorityKind = "validation"
	AuthorityAuthentication AuthorityKind = "authentication"
	AuthorityRateLimit      AuthorityKind = "rate_limit"
	AuthorityNetwork        AuthorityKind = "network"
	AuthorityServer         AuthorityKind = "server"
)

// FieldError is one field-level finding from a remote validation response.
type FieldError struct {
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
	Line    int    `json:"line,omitempty"`
}

type AuthorityError struct {
	Kind       AuthorityKind
	Op         string
	StatusCode int
	// Code is the remote error code (e.g. XSD-01, SIG-02), when the authority sent one.
	Code       string
	Message    string
	RetryAfter time.Duration
	Fields     []FieldError
	Err        error
}

func (e *AuthorityError) Error() string {
	var b strings.Builder
	b.WriteString("authority ")
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " %d", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthorityError) Unwrap() error { return e.Err }
