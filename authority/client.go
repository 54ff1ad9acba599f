// Package authority is the authenticated transport client for the clearance authority.
//
// It owns the bearer token lifecycle and the per-call transport retries. Every
// failure leaves this package as a *faults.AuthorityError.
package authority

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	tokenSafetyMargin = 5 * time.Minute
	maxBackoff        = 60 * time.Second
	maxRetryAfter     = 300 * time.Second
	defaultTimeout    = 30 * time.Second
	defaultAttempts   = 3
)

var tracer = otel.Tracer("clearance/authority")

type Credentials struct {
	Username string
	Password string
}

type Options struct {
	BaseURL  string
	TokenURL string
	ClientID string
	// Timeout bounds each HTTP round trip. Default 30s.
	Timeout time.Duration
	// MaxAttempts bounds transport retries on 5xx, 429 and network failures. Default 3.
	MaxAttempts int
	Limiter     *rate.Limiter
	HTTPClient  *http.Client
	Logger      *logrus.Logger
	// Sleep waits between transport retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Client talks to one authority environment with one credential set.
type Client struct {
	baseURL     string
	maxAttempts int
	http        *http.Client
	limiter     *rate.Limiter
	logger      *logrus.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	tokens      *tokenSource
}

func NewClient(opts Options, creds Credentials) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		maxAttempts: attempts,
		http:        httpClient,
		limiter:     opts.Limiter,
		logger:      logger,
		sleep:       sleep,
		now:         now,
		tokens:      newTokenSource(opts.TokenURL, opts.ClientID, creds, httpClient, now),
	}
}

type Issuer struct {
	IdType string `json:"tipoIdentificacion"`
	Id     string `json:"numeroIdentificacion"`
}

type SubmitRequest struct {
	DocumentKey   string
	IssuedAt      time.Time
	Issuer        Issuer
	SignedPayload []byte
}

type submitBody struct {
	Key     string `json:"clave"`
	Date    string `json:"fecha"`
	Issuer  Issuer `json:"emisor"`
	Payload string `json:"comprobanteXml"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Response, error) {
	ctx, span := tracer.Start(ctx, "authority.Submit", trace.WithAttributes(attribute.String("document.key", req.DocumentKey)))
	defer span.End()

	body := submitBody{
		Key:     req.DocumentKey,
		Date:    req.IssuedAt.Format(time.RFC3339),
		Issuer:  req.Issuer,
		Payload: base64.StdEncoding.EncodeToString(req.SignedPayload),
	}
	status, raw, err := c.do(ctx, "Submit", http.MethodPost, "/recepcion", body)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resp := parseResponse(status, raw, OutcomeReceived)
	span.SetAttributes(attribute.String("authority.outcome", string(resp.Outcome)))
	return resp, nil
}

func (c *Client) QueryStatus(ctx context.Context, documentKey string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "authority.QueryStatus", trace.WithAttributes(attribute.String("document.key", documentKey)))
	defer span.End()

	status, raw, err := c.do(ctx, "QueryStatus", http.MethodGet, "/consulta/"+documentKey, nil)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resp := parseResponse(status, raw, OutcomeUnknown)
	span.SetAttributes(attribute.String("authority.outcome", string(resp.Outcome)))
	return resp, nil
}

type AckRequest struct {
	DocumentKey string
	AckType     int
	IssuedAt    time.Time
	Payload     []byte
}

type ackBody struct {
	Key     string `json:"clave"`
	Date    string `json:"fecha"`
	Message int    `json:"mensaje"`
	Payload string `json:"mensajeXml"`
}

func (c *Client) SubmitAcknowledgement(ctx context.Context, req AckRequest) (*Response, error) {
	ctx, span := tracer.Start(ctx, "authority.SubmitAcknowledgement", trace.WithAttributes(
		attribute.String("document.key", req.DocumentKey),
		attribute.Int("ack.type", req.AckType),
	))
	defer span.End()

	body := ackBody{
		Key:     req.DocumentKey,
		Date:    req.IssuedAt.Format(time.RFC3339),
		Message: req.AckType,
		Payload: base64.StdEncoding.EncodeToString(req.Payload),
	}
	status, raw, err := c.do(ctx, "SubmitAcknowledgement", http.MethodPost, "/receptor", body)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return parseResponse(status, raw, OutcomeReceived), nil
}

type Health struct {
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// HealthCheck calls GET /health once, without transport retries.
func (c *Client) HealthCheck(ctx context.Context) Health {
	start := c.now()
	status, _, err := c.roundTrip(ctx, http.MethodGet, "/health", nil, "")
	h := Health{StatusCode: status, Latency: c.now().Sub(start)}
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = status >= 200 && status < 300
	return h
}

// do runs one logical call with the transport retry policy.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &faults.AuthorityError{Kind: faults.AuthorityValidation, Op: op, Message: "request could not be encoded", Err: err}
		}
		payload = b
	}

	refreshed := false
	for attempt := 0; ; attempt++ {
		last := attempt+1 >= c.maxAttempts

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return 0, nil, &faults.AuthorityError{Kind: faults.AuthorityNetwork, Op: op, Message: "rate limiter wait aborted", Err: err}
			}
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			var ae *faults.AuthorityError
			if errors.As(err, &ae) && ae.Kind == faults.AuthorityNetwork && !last {
				if c.backoff(ctx, op, attempt, err) == nil {
					continue
				}
			}
			return 0, nil, withOp(err, op)
		}

		status, raw, header, err := c.send(ctx, method, path, payload, token)
		if err != nil {
			if ctx.Err() != nil || last {
				return 0, nil, &faults.AuthorityError{Kind: faults.AuthorityNetwork, Op: op, Message: err.Error(), Err: err}
			}
			if c.backoff(ctx, op, attempt, err) != nil {
				return 0, nil, &faults.AuthorityError{Kind: faults.AuthorityNetwork, Op: op, Message: err.Error(), Err: err}
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			return status, raw, nil

		case status == http.StatusUnauthorized:
			if !refreshed {
				refreshed = true
				c.tokens.Invalidate()
				attempt--
				continue
			}
			return status, raw, &faults.AuthorityError{Kind: faults.AuthorityAuthentication, Op: op, StatusCode: status, Message: "authority rejected the refreshed access token"}

		case status == http.StatusTooManyRequests:
			wait := retryAfter(header, raw, c.now())
			if last {
				return status, raw, &faults.AuthorityError{Kind: faults.AuthorityRateLimit, Op: op, StatusCode: status, Message: "rate limit exceeded", RetryAfter: wait}
			}
			if wait <= 0 {
				wait = backoffDelay(attempt)
			}
			c.logger.WithFields(logrus.Fields{"field": "authority", "op": op, "attempt": attempt + 1, "retry_after": wait.String()}).Warn("authority rate limited; retrying")
			if err := c.sleep(ctx, wait); err != nil {
				return status, raw, &faults.AuthorityError{Kind: faults.AuthorityRateLimit, Op: op, StatusCode: status, Message: "rate limit exceeded", RetryAfter: wait, Err: err}
			}

		case status >= 500:
			// the caller's deadline ends the retries; report what the authority said
			if last || c.backoff(ctx, op, attempt, fmt.Errorf("status %d", status)) != nil {
				return status, raw, serverError(op, status, raw, header)
			}

		default:
			return status, raw, validationError(op, status, raw, header)
		}
	}
}

// backoff waits before the next attempt; an error means ctx ended first.
func (c *Client) backoff(ctx context.Context, op string, attempt int, cause error) error {
	d := backoffDelay(attempt)
	c.logger.WithFields(logrus.Fields{"field": "authority", "op": op, "attempt": attempt + 1, "delay": d.String()}).Warnf("authority call failed; retrying: %v", cause)
	return c.sleep(ctx, d)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, http.Header, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, body, resp.Header, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	status, raw, _, err := c.send(ctx, method, path, payload, token)
	return status, raw, err
}

// backoffDelay is 2^attempt seconds, capped at 60s.
func backoffDelay(attempt int) time.Duration {
	if attempt > 6 {
		return maxBackoff
	}
	d := time.Duration(1<<attempt) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func withOp(err error, op string) error {
	var ae *faults.AuthorityError
	if errors.As(err, &ae) && ae.Op == "" {
		cp := *ae
		cp.Op = op
		return &cp
	}
	return err
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
