// Package classify maps raw failures onto the fixed retry taxonomy.
//
// The delay table in this file is the only place retry cooldowns are defined;
// the orchestrator, the sweeper and the monitor all ask Classify or Delay.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/mmdatafocus/clearance_backend/faults"
)

type Category string

const (
	Validation     Category = "validation"
	Authentication Category = "authentication"
	RateLimit      Category = "rate_limit"
	Network        Category = "network"
	RemoteService  Category = "remote_service"
	System         Category = "system"
)

var Categories = []Category{Validation, Authentication, RateLimit, Network, RemoteService, System}

func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// MaxRetryAfter caps the remote retry-after hint.
const MaxRetryAfter = 300 * time.Second

var baseDelays = map[Category]time.Duration{
	Validation:     0,
	Authentication: 60 * time.Second,
	RateLimit:      300 * time.Second,
	Network:        30 * time.Second,
	RemoteService:  120 * time.Second,
	System:         60 * time.Second,
}

var severities = map[Category]Severity{
	Validation:     SeverityHigh,
	Authentication: SeverityHigh,
	RateLimit:      SeverityMedium,
	Network:        SeverityMedium,
	RemoteService:  SeverityHigh,
	System:         SeverityCritical,
}

// Monitor-facing error codes.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeBusinessRule   = "BUSINESS_RULE_VALIDATION"
	CodeAuthentication = "AUTHORITY_AUTHENTICATION_ERROR"
	CodeRateLimit      = "RATE_LIMIT_EXCEEDED"
	CodeNetwork        = "NETWORK_ERROR"
	CodeRemoteService  = "AUTHORITY_API_ERROR"
	CodeInternal       = "INTERNAL_SERVER_ERROR"
	CodeDatabase       = "DATABASE_CONNECTION_ERROR"
	CodeCertificate    = "CERTIFICATE_ERROR"
	CodeCache          = "CACHE_ERROR"
)

var codes = map[Category]string{
	Validation:     CodeValidation,
	Authentication: CodeAuthentication,
	RateLimit:      CodeRateLimit,
	Network:        CodeNetwork,
	RemoteService:  CodeRemoteService,
	System:         CodeInternal,
}

// Keyword groups in precedence order. Authentication is checked before
// validation because messages like "invalid token" carry both.
var keywordGroups = []struct {
	category Category
	keywords []string
}{
	{Authentication, []string{"authentication", "unauthorized", "token"}},
	{Validation, []string{"validation", "invalid", "formato"}},
	{RateLimit, []string{"rate limit", "too many requests", "429"}},
	{Network, []string{"network", "connection", "timeout"}},
	{RemoteService, []string{"ministry", "hacienda", "authority", "server error"}},
}

var certificateMarkers = []string{"certificate", "certificado", "signature", "firma"}

// Remote code prefixes that can never succeed on a plain resend.
var nonRetryableCodePrefixes = []string{"XSD-", "BUS-", "SIG-", "CERT-"}

var certificateCodePrefixes = []string{"SIG-", "CERT-"}

// A remote code prefix names the category outright for 4xx/5xx answers.
var codePrefixCategories = []struct {
	prefix   string
	category Category
}{
	{"XSD-", Validation},
	{"BUS-", Validation},
	{"SIG-", Validation},
	{"CERT-", Validation},
	{"AUTH-", Authentication},
	{"SYS-", RemoteService},
	{"TEMP-", RemoteService},
}

// Verdict is the classification of one failure.
type Verdict struct {
	Category  Category `json:"category"`
	Severity  Severity `json:"severity"`
	Retryable bool     `json:"retryable"`
	// Certificate is set when the failure names a signature or certificate problem.
	Certificate bool          `json:"certificate,omitempty"`
	Code        string        `json:"code"`
	RemoteCode  string        `json:"remote_code,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Message     string        `json:"message"`
}

// MonitorCategory is the bucket category-level alert rules count against.
func (v Verdict) MonitorCategory() string {
	if v.Certificate {
		return "certificate"
	}
	return string(v.Category)
}

// Delay is the cooldown before another attempt; zero when not retryable.
func (v Verdict) Delay() time.Duration {
	if !v.Retryable {
		return 0
	}
	return Delay(v.Category, v.RetryAfter)
}

func BaseDelay(c Category) time.Duration {
	if d, ok := baseDelays[c]; ok {
		return d
	}
	return baseDelays[System]
}

// Delay returns the cooldown for a category. A retry-after hint only applies to
// RateLimit and is capped at MaxRetryAfter.
func Delay(c Category, retryAfter time.Duration) time.Duration {
	if c == RateLimit && retryAfter > 0 {
		if retryAfter > MaxRetryAfter {
			return MaxRetryAfter
		}
		return retryAfter
	}
	return BaseDelay(c)
}

// Retryable reports the category default, before any certificate marker.
func (c Category) Retryable() bool {
	return c != Validation
}

// Classify maps a failure to its verdict. It has no side effects.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{}
	}

	var ae *faults.AuthorityError
	if errors.As(err, &ae) {
		return fromAuthority(ae)
	}

	if faults.Is(err, faults.KindStorage) {
		return build(System, CodeDatabase, "", 0, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return build(Network, "", "", 0, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return build(Network, "", "", 0, err.Error())
	}

	return FromMessage(err.Error())
}

// FromMessage classifies free text by keyword group.
func FromMessage(message string) Verdict {
	lower := strings.ToLower(message)
	for _, g := range keywordGroups {
		for _, k := range g.keywords {
			if strings.Contains(lower, k) {
				return build(g.category, "", "", 0, message)
			}
		}
	}
	return build(System, "", "", 0, message)
}

var authorityCategories = map[faults.AuthorityKind]Category{
	faults.AuthorityValidation:     Validation,
	faults.AuthorityAuthentication: Authentication,
	faults.AuthorityRateLimit:      RateLimit,
	faults.AuthorityNetwork:        Network,
	faults.AuthorityServer:         RemoteService,
}

func fromAuthority(e *faults.AuthorityError) Verdict {
	c, ok := authorityCategories[e.Kind]
	if !ok {
		c = System
	}
	if e.Kind == faults.AuthorityValidation || e.Kind == faults.AuthorityServer {
		upper := strings.ToUpper(e.Code)
		for _, p := range codePrefixCategories {
			if strings.HasPrefix(upper, p.prefix) {
				c = p.category
				break
			}
		}
	}
	message := e.Message
	if message == "" {
		message = e.Error()
	}
	return build(c, "", e.Code, e.RetryAfter, message)
}

func build(c Category, code, remoteCode string, retryAfter time.Duration, message string) Verdict {
	v := Verdict{
		Category:   c,
		Severity:   severities[c],
		Retryable:  c.Retryable(),
		RemoteCode: remoteCode,
		Message:    message,
	}
	if c == RateLimit {
		v.RetryAfter = retryAfter
		if v.RetryAfter > MaxRetryAfter {
			v.RetryAfter = MaxRetryAfter
		}
	}

	upperCode := strings.ToUpper(remoteCode)
	if hasAnyPrefix(upperCode, nonRetryableCodePrefixes) {
		v.Retryable = false
	}
	if hasAnyPrefix(upperCode, certificateCodePrefixes) || containsAny(strings.ToLower(message), certificateMarkers) {
		v.Certificate = true
		v.Retryable = false
		v.Severity = SeverityCritical
	}

	switch {
	case code != "":
		v.Code = code
	case v.Certificate:
		v.Code = CodeCertificate
	case c == Validation && strings.HasPrefix(upperCode, "BUS-"):
		v.Code = CodeBusinessRule
	default:
		v.Code = codes[c]
	}
	return v
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
