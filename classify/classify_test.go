package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/clearance_backend/faults"
)

func TestClassifyAuthorityErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		category  Category
		retryable bool
		code      string
		delay     time.Duration
	}{
		{
			name:      "validation",
			err:       &faults.AuthorityError{Kind: faults.AuthorityValidation, StatusCode: 400, Code: "XSD-02", Message: "required field missing"},
			category:  Validation,
			retryable: false,
			code:      CodeValidation,
			delay:     0,
		},
		{
			name:      "business rule",
			err:       &faults.AuthorityError{Kind: faults.AuthorityValidation, StatusCode: 400, Code: "BUS-02", Message: "bad cabys code"},
			category:  Validation,
			retryable: false,
			code:      CodeBusinessRule,
		},
		{
			name:      "authentication",
			err:       &faults.AuthorityError{Kind: faults.AuthorityAuthentication, StatusCode: 401},
			category:  Authentication,
			retryable: true,
			code:      CodeAuthentication,
			delay:     60 * time.Second,
		},
		{
			name:      "rate limit with hint",
			err:       &faults.AuthorityError{Kind: faults.AuthorityRateLimit, StatusCode: 429, RetryAfter: 120 * time.Second},
			category:  RateLimit,
			retryable: true,
			code:      CodeRateLimit,
			delay:     120 * time.Second,
		},
		{
			name:      "rate limit hint capped",
			err:       &faults.AuthorityError{Kind: faults.AuthorityRateLimit, StatusCode: 429, RetryAfter: time.Hour},
			category:  RateLimit,
			retryable: true,
			code:      CodeRateLimit,
			delay:     300 * time.Second,
		},
		{
			name:      "rate limit without hint",
			err:       &faults.AuthorityError{Kind: faults.AuthorityRateLimit, StatusCode: 429},
			category:  RateLimit,
			retryable: true,
			code:      CodeRateLimit,
			delay:     300 * time.Second,
		},
		{
			name:      "network",
			err:       &faults.AuthorityError{Kind: faults.AuthorityNetwork, Err: errors.New("dial tcp: connection refused")},
			category:  Network,
			retryable: true,
			code:      CodeNetwork,
			delay:     30 * time.Second,
		},
		{
			name:      "server",
			err:       fmt.Errorf("submit: %w", &faults.AuthorityError{Kind: faults.AuthorityServer, StatusCode: 503, Code: "SYS-02"}),
			category:  RemoteService,
			retryable: true,
			code:      CodeRemoteService,
			delay:     120 * time.Second,
		},
		{
			name:      "signature code",
			err:       &faults.AuthorityError{Kind: faults.AuthorityValidation, StatusCode: 400, Code: "SIG-01", Message: "digital signature validation error"},
			category:  Validation,
			retryable: false,
			code:      CodeCertificate,
		},
		{
			name:      "temporary code on a 4xx",
			err:       &faults.AuthorityError{Kind: faults.AuthorityValidation, StatusCode: 409, Code: "TEMP-01", Message: "try again later"},
			category:  RemoteService,
			retryable: true,
			code:      CodeRemoteService,
			delay:     120 * time.Second,
		},
		{
			name:      "auth code on a 4xx",
			err:       &faults.AuthorityError{Kind: faults.AuthorityValidation, StatusCode: 403, Code: "AUTH-03", Message: "issuer not enrolled"},
			category:  Authentication,
			retryable: true,
			code:      CodeAuthentication,
			delay:     60 * time.Second,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Classify(tc.err)
			if v.Category != tc.category {
				t.Fatalf("category: expected %s, got %s", tc.category, v.Category)
			}
			if v.Retryable != tc.retryable {
				t.Fatalf("retryable: expected %v, got %v", tc.retryable, v.Retryable)
			}
			if v.Code != tc.code {
				t.Fatalf("code: expected %s, got %s", tc.code, v.Code)
			}
			if v.Delay() != tc.delay {
				t.Fatalf("delay: expected %s, got %s", tc.delay, v.Delay())
			}
		})
	}
}

func TestClassifyMessageKeywordPrecedence(t *testing.T) {
	cases := map[string]Category{
		"Invalid token supplied":          Authentication,
		"unauthorized":                    Authentication,
		"validation failed for field x":   Validation,
		"formato incorrecto":              Validation,
		"HTTP 429 returned":               RateLimit,
		"too many requests":               RateLimit,
		"connection reset by peer":        Network,
		"read timeout":                    Network,
		"hacienda server error":           RemoteService,
		"something unexpected went wrong": System,
	}
	for msg, want := range cases {
		if got := FromMessage(msg).Category; got != want {
			t.Fatalf("%q: expected %s, got %s", msg, want, got)
		}
	}
}

func TestCertificateMarkerIsNeverRetryable(t *testing.T) {
	v := Classify(errors.New("certificate expired for issuer"))
	if v.Retryable {
		t.Fatalf("expected certificate failure to be non-retryable")
	}
	if !v.Certificate || v.Code != CodeCertificate || v.Severity != SeverityCritical {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.MonitorCategory() != "certificate" {
		t.Fatalf("expected certificate monitor category, got %s", v.MonitorCategory())
	}
	if v.Delay() != 0 {
		t.Fatalf("expected no delay, got %s", v.Delay())
	}
}

func TestClassifyLocalFailures(t *testing.T) {
	v := Classify(faults.Storage("LoadDocument", errors.New("bad connection")))
	if v.Category != System || v.Code != CodeDatabase {
		t.Fatalf("unexpected storage verdict %+v", v)
	}

	v = Classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
	if v.Category != Network || !v.Retryable {
		t.Fatalf("unexpected deadline verdict %+v", v)
	}

	if v := Classify(nil); v.Category != "" {
		t.Fatalf("expected zero verdict for nil, got %+v", v)
	}
}

func TestDelayTable(t *testing.T) {
	want := map[Category]time.Duration{
		Validation:     0,
		Authentication: time.Minute,
		RateLimit:      5 * time.Minute,
		Network:        30 * time.Second,
		RemoteService:  2 * time.Minute,
		System:         time.Minute,
	}
	for c, d := range want {
		if got := BaseDelay(c); got != d {
			t.Fatalf("%s: expected %s, got %s", c, d, got)
		}
	}
	if got := Delay(Network, time.Minute); got != 30*time.Second {
		t.Fatalf("retry-after must only apply to rate limit, got %s", got)
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range Categories {
		got, ok := ParseCategory(string(c))
		if !ok || got != c {
			t.Fatalf("expected %s to parse", c)
		}
	}
	if _, ok := ParseCategory("nope"); ok {
		t.Fatalf("expected unknown category to fail")
	}
}
