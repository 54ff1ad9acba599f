package authority

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/clearance_backend/faults"
)

// Outcome is the authority's answer reduced to what the state machine needs.
type Outcome string

const (
	// OutcomeReceived: the document was taken in, no verdict yet.
	OutcomeReceived   Outcome = "received"
	OutcomeProcessing Outcome = "processing"
	OutcomeAccepted   Outcome = "accepted"
	OutcomeRejected   Outcome = "rejected"
	// OutcomeError: the authority reports an internal failure for this document.
	OutcomeError   Outcome = "error"
	OutcomeUnknown Outcome = "unknown"
)

var outcomeByStatus = map[string]Outcome{
	"recibido":   OutcomeReceived,
	"received":   OutcomeReceived,
	"enviado":    OutcomeReceived,
	"sent":       OutcomeReceived,
	"procesando": OutcomeProcessing,
	"processing": OutcomeProcessing,
	"queued":     OutcomeProcessing,
	"pending":    OutcomeProcessing,
	"aceptado":   OutcomeAccepted,
	"accepted":   OutcomeAccepted,
	"rechazado":  OutcomeRejected,
	"rejected":   OutcomeRejected,
	"error":      OutcomeError,
}

// ParseOutcome maps a remote status word; unknown words map to OutcomeUnknown.
func ParseOutcome(status string) Outcome {
	if o, ok := outcomeByStatus[strings.ToLower(strings.TrimSpace(status))]; ok {
		return o
	}
	return OutcomeUnknown
}

type Response struct {
	StatusCode int     `json:"status_code"`
	Outcome    Outcome `json:"outcome"`
	// Status is the remote status word as sent.
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Reference string `json:"reference,omitempty"`
	Code      string `json:"code,omitempty"`
	// Artifact is the authority's signed response document, decoded.
	Artifact []byte          `json:"-"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

type remoteBody struct {
	Estado      string `json:"ind-estado"`
	EstadoAlt   string `json:"estado"`
	Status      string `json:"status"`
	Mensaje     string `json:"mensaje"`
	Message     string `json:"message"`
	Detail      string `json:"detail"`
	Referencia  string `json:"referencia"`
	Reference   string `json:"reference"`
	Codigo      string `json:"codigo"`
	Code        string `json:"code"`
	Respuesta   string `json:"respuesta-xml"`
	ResponseXML string `json:"response_xml"`
	RetryAfter  *int   `json:"retry_after"`

	Errores []remoteFieldError `json:"errores"`
	Errors  []remoteFieldError `json:"errors"`
}

type remoteFieldError struct {
	Codigo  string `json:"codigo"`
	Code    string `json:"code"`
	Campo   string `json:"campo"`
	Field   string `json:"field"`
	Mensaje string `json:"mensaje"`
	Message string `json:"message"`
	Valor   string `json:"valor"`
	Value   string `json:"value"`
	Linea   int    `json:"linea"`
	Line    int    `json:"line"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseResponse reads a 2xx body. An empty or unrecognised status falls back to def.
func parseResponse(status int, raw []byte, def Outcome) *Response {
	resp := &Response{StatusCode: status, Outcome: def}
	if len(raw) > 0 && json.Valid(raw) {
		resp.Raw = json.RawMessage(raw)
	}

	var body remoteBody
	if len(raw) == 0 || json.Unmarshal(raw, &body) != nil {
		// 202 with no body is the plain "received" answer.
		if status == http.StatusAccepted {
			resp.Outcome = OutcomeReceived
		}
		return resp
	}

	resp.Status = firstNonEmpty(body.Estado, body.EstadoAlt, body.Status)
	if resp.Status != "" {
		if o := ParseOutcome(resp.Status); o != OutcomeUnknown {
			resp.Outcome = o
		}
	}
	resp.Message = firstNonEmpty(body.Mensaje, body.Message, body.Detail)
	resp.Reference = firstNonEmpty(body.Referencia, body.Reference)
	resp.Code = firstNonEmpty(body.Codigo, body.Code)

	if artifact := firstNonEmpty(body.Respuesta, body.ResponseXML); artifact != "" {
		if decoded, err := base64.StdEncoding.DecodeString(artifact); err == nil {
			resp.Artifact = decoded
		} else {
			resp.Artifact = []byte(artifact)
		}
	}
	return resp
}

// retryAfter reads Retry-After (seconds or HTTP date), then a retry_after body
// field. The result is capped at 300s; zero means no hint.
func retryAfter(h http.Header, raw []byte, now time.Time) time.Duration {
	var d time.Duration
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			d = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			d = at.Sub(now)
		}
	}
	if d <= 0 && len(raw) > 0 {
		var body remoteBody
		if json.Unmarshal(raw, &body) == nil && body.RetryAfter != nil {
			d = time.Duration(*body.RetryAfter) * time.Second
		}
	}
	if d < 0 {
		d = 0
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

// validationError turns a non-retryable 4xx into a validation failure with the
// field-level detail preserved.
func validationError(op string, status int, raw []byte, h http.Header) error {
	e := &faults.AuthorityError{Kind: faults.AuthorityValidation, Op: op, StatusCode: status}
	var body remoteBody
	if len(raw) > 0 && json.Unmarshal(raw, &body) == nil {
		e.Code = firstNonEmpty(body.Codigo, body.Code)
		e.Message = firstNonEmpty(body.Mensaje, body.Message, body.Detail)
		for _, fe := range append(body.Errores, body.Errors...) {
			line := fe.Linea
			if line == 0 {
				line = fe.Line
			}
			e.Fields = append(e.Fields, faults.FieldError{
				Code:    firstNonEmpty(fe.Codigo, fe.Code),
				Field:   firstNonEmpty(fe.Campo, fe.Field),
				Message: firstNonEmpty(fe.Mensaje, fe.Message),
				Value:   firstNonEmpty(fe.Valor, fe.Value),
				Line:    line,
			})
		}
		if e.Code == "" && len(e.Fields) > 0 {
			e.Code = e.Fields[0].Code
		}
	} else if len(raw) > 0 {
		e.Message = strings.TrimSpace(string(raw))
	}
	if e.Message == "" {
		e.Message = firstNonEmpty(h.Get("X-Error-Cause"), fmt.Sprintf("document validation failed with status %d", status))
	}
	return e
}

func serverError(op string, status int, raw []byte, h http.Header) error {
	e := &faults.AuthorityError{Kind: faults.AuthorityServer, Op: op, StatusCode: status}
	var body remoteBody
	if len(raw) > 0 && json.Unmarshal(raw, &body) == nil {
		e.Code = firstNonEmpty(body.Codigo, body.Code)
		e.Message = firstNonEmpty(body.Mensaje, body.Message, body.Detail)
	}
	if e.Message == "" {
		e.Message = firstNonEmpty(h.Get("X-Error-Cause"), fmt.Sprintf("authority server error %d", status))
	}
	return e
}
