package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mmdatafocus/clearance_backend/authority"
	"github.com/mmdatafocus/clearance_backend/classify"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/mmdatafocus/clearance_backend/monitor"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("clearance/workflow")

const (
	DefaultMaxAttempts = 3
	defaultCallTimeout = 30 * time.Second
	jitterFraction     = 0.10
)

// AuthorityClient is the slice of *authority.Client the workflows call.
type AuthorityClient interface {
	Submit(ctx context.Context, req authority.SubmitRequest) (*authority.Response, error)
	QueryStatus(ctx context.Context, documentKey string) (*authority.Response, error)
	SubmitAcknowledgement(ctx context.Context, req authority.AckRequest) (*authority.Response, error)
}

// ClientSource resolves the authority client for a tenant's credential set.
type ClientSource interface {
	ForTenant(ctx context.Context, tenant *models.Tenant) (AuthorityClient, error)
}

type poolSource struct{ pool *authority.Pool }

func (p poolSource) ForTenant(ctx context.Context, tenant *models.Tenant) (AuthorityClient, error) {
	c, err := p.pool.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FromPool adapts an authority.Pool.
func FromPool(pool *authority.Pool) ClientSource {
	return poolSource{pool: pool}
}

// ErrorReporter receives every classified failure. *monitor.Monitor satisfies it.
type ErrorReporter interface {
	RecordError(ctx context.Context, r monitor.Record)
}

// ArtifactStore keeps signed authority responses outside the documents table.
// utils.GCSArtifactStore satisfies it.
type ArtifactStore interface {
	Put(ctx context.Context, tenantId, documentKey string, data []byte) (string, error)
}

// Orchestrator drives a document through the submission state machine.
type Orchestrator struct {
	Store     models.DocumentStore
	Tenants   models.TenantStore
	Clients   ClientSource
	Lease     Lease
	Reporter  ErrorReporter
	Artifacts ArtifactStore
	Logger    *logrus.Logger

	MaxAttempts int
	CallTimeout time.Duration
	Jitter      bool

	Now  func() time.Time
	Rand func() float64
}

func NewOrchestrator(store models.DocumentStore, tenants models.TenantStore, clients ClientSource, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		Store:       store,
		Tenants:     tenants,
		Clients:     clients,
		Lease:       NewLocalLease(),
		Logger:      logger,
		MaxAttempts: DefaultMaxAttempts,
		CallTimeout: defaultCallTimeout,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) maxAttempts() int {
	if o.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return o.MaxAttempts
}

func (o *Orchestrator) logger() *logrus.Logger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Submit sends the document to the authority. Refusals come back as a Result
// with OutcomeRefused; the error return is reserved for local faults.
func (o *Orchestrator) Submit(ctx context.Context, documentId string, force bool) (Result, error) {
	ctx, span := tracer.Start(ctx, "workflow.Submit", trace.WithAttributes(
		attribute.String("document.id", documentId),
		attribute.Bool("submit.force", force),
	))
	defer span.End()

	doc, err := o.Store.LoadDocument(ctx, documentId)
	if err != nil {
		return Result{}, err
	}
	if r, ok := o.checkSubmittable(doc, force); !ok {
		return r, nil
	}

	release, err := o.Lease.Acquire(ctx, documentId)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return refused(doc, ReasonBusy, "another submission for this document is in progress"), nil
		}
		return Result{}, err
	}
	defer release()

	// The row may have moved between the first read and the lease.
	doc, err = o.Store.LoadDocument(ctx, documentId)
	if err != nil {
		return Result{}, err
	}
	if r, ok := o.checkSubmittable(doc, force); !ok {
		return r, nil
	}

	tenant, err := o.Tenants.LoadTenant(ctx, doc.TenantId)
	if err != nil {
		return Result{}, err
	}
	client, err := o.Clients.ForTenant(ctx, tenant)
	if err != nil {
		return Result{}, err
	}

	// From here on the document is in flight; finish even if the caller goes away.
	work := context.WithoutCancel(ctx)

	expected := doc.Revision()
	now := o.now()
	doc.State = models.DocumentStateSending
	doc.AttemptCount++
	doc.LastTransitionAt = now
	doc.NextEligibleAt = nil
	if err := o.Store.SaveDocument(work, doc, expected); err != nil {
		if faults.Is(err, faults.KindStale) {
			return refused(doc, ReasonBusy, "document changed concurrently"), nil
		}
		return Result{}, err
	}

	callCtx, cancel := o.callContext(work)
	resp, callErr := client.Submit(callCtx, authority.SubmitRequest{
		DocumentKey:   doc.DocumentKey,
		IssuedAt:      doc.IssuedAt,
		Issuer:        authority.Issuer{IdType: tenant.IssuerIdType, Id: tenant.IssuerId},
		SignedPayload: doc.SignedPayload,
	})
	cancel()

	if callErr != nil {
		span.SetStatus(codes.Error, callErr.Error())
		return o.recordFailure(work, doc, callErr)
	}

	outcome := resp.Outcome
	if outcome == authority.OutcomeUnknown {
		outcome = authority.OutcomeReceived
	}
	res, err := o.applyRemote(work, doc, resp, outcome, false)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("document.state", string(res.State)))
	return res, nil
}

func (o *Orchestrator) checkSubmittable(doc *models.ClearanceDocument, force bool) (Result, bool) {
	switch {
	case doc.State.IsTerminal():
		return refused(doc, ReasonTerminal, fmt.Sprintf("document is %s", doc.State)), false
	case doc.State == models.DocumentStateSending:
		return refused(doc, ReasonBusy, "document is being sent"), false
	case !doc.State.CanTransitionTo(models.DocumentStateSending):
		return refused(doc, ReasonAwaitingAuthority, fmt.Sprintf("document is %s; poll for the outcome", doc.State)), false
	case !doc.HasSignedPayload():
		return refused(doc, ReasonNotSigned, "document has no signed payload"), false
	case doc.AttemptCount >= o.maxAttempts():
		return refused(doc, ReasonMaxAttempts, fmt.Sprintf("document reached %d submission attempts", o.maxAttempts())), false
	case !force && doc.NextEligibleAt != nil && doc.NextEligibleAt.After(o.now()):
		return refused(doc, ReasonNotEligibleYet, "document is cooling down after a failed attempt"), false
	}
	return Result{}, true
}

// recordFailure classifies err and persists the resulting state. Validation
// failures are terminal; everything else lands in Error with a cooldown.
func (o *Orchestrator) recordFailure(ctx context.Context, doc *models.ClearanceDocument, callErr error) (Result, error) {
	v := classify.Classify(callErr)
	o.report(ctx, v, doc)

	expected := doc.Revision()
	now := o.now()
	info := errorInfo(v, callErr)
	doc.LastError = info
	doc.LastTransitionAt = now
	if v.Category == classify.Validation {
		doc.State = models.DocumentStateRejected
		doc.NextEligibleAt = nil
	} else {
		doc.State = models.DocumentStateError
		doc.NextEligibleAt = nil
		if d := o.cooldown(v); d > 0 {
			next := now.Add(d)
			doc.NextEligibleAt = &next
		}
	}
	if err := o.Store.SaveDocument(ctx, doc, expected); err != nil {
		return Result{}, err
	}

	o.logger().WithFields(logrus.Fields{
		"field":       "SubmissionOrchestrator",
		"document_id": doc.ID,
		"tenant_id":   doc.TenantId,
		"category":    v.Category,
		"code":        v.Code,
		"attempt":     doc.AttemptCount,
	}).Warn("submission failed: " + v.Message)

	return Result{
		Outcome:        OutcomeFailed,
		DocumentId:     doc.ID,
		State:          doc.State,
		AttemptCount:   doc.AttemptCount,
		Code:           v.Code,
		Message:        v.Message,
		Category:       string(v.Category),
		Retryable:      v.Retryable,
		NextEligibleAt: doc.NextEligibleAt,
		Fields:         fieldsOf(callErr),
	}, nil
}

// applyRemote maps an authority answer onto the document and persists it.
// polled marks answers from QueryStatus, which also stamp LastPolledAt.
func (o *Orchestrator) applyRemote(ctx context.Context, doc *models.ClearanceDocument, resp *authority.Response, outcome authority.Outcome, polled bool) (Result, error) {
	expected := doc.Revision()
	now := o.now()
	if polled {
		doc.LastPolledAt = &now
	}
	if resp.Reference != "" {
		doc.RemoteReference = resp.Reference
	}
	if resp.Message != "" {
		doc.RemoteMessage = resp.Message
	}

	next := doc.State
	switch outcome {
	case authority.OutcomeReceived:
		if doc.State == models.DocumentStateSending {
			next = models.DocumentStateSent
		} else if doc.State == models.DocumentStateError {
			// The authority has it; stop resubmitting and wait for a verdict.
			next = models.DocumentStateProcessing
		}
	case authority.OutcomeProcessing:
		next = models.DocumentStateProcessing
	case authority.OutcomeAccepted:
		next = models.DocumentStateAccepted
	case authority.OutcomeRejected:
		next = models.DocumentStateRejected
	case authority.OutcomeError:
		v := classify.Classify(&faults.AuthorityError{
			Kind:       faults.AuthorityServer,
			Op:         "Status",
			StatusCode: resp.StatusCode,
			Code:       resp.Code,
			Message:    firstNonEmpty(resp.Message, "authority reported a processing error"),
		})
		o.report(ctx, v, doc)
		doc.LastError = errorInfo(v, nil)
		next = models.DocumentStateError
		if doc.State == models.DocumentStateError {
			// Already in Error; refresh the cooldown without a transition.
			doc.NextEligibleAt = o.eligibleAfter(v, now)
		}
	default:
		o.logger().WithFields(logrus.Fields{
			"field":       "SubmissionOrchestrator",
			"document_id": doc.ID,
			"status":      resp.Status,
		}).Warn("unrecognised authority status, state unchanged")
	}

	if next != doc.State {
		if !doc.State.CanTransitionTo(next) {
			return Result{}, faults.Invariant("applyRemote", "transition %s -> %s", doc.State, next)
		}
		doc.State = next
		doc.LastTransitionAt = now
		switch next {
		case models.DocumentStateAccepted:
			doc.NextEligibleAt = nil
			doc.LastError = models.ErrorInfo{}
			o.keepArtifact(ctx, doc, resp.Artifact)
		case models.DocumentStateRejected:
			doc.NextEligibleAt = nil
			doc.LastError = models.ErrorInfo{
				Category:   string(classify.Validation),
				Code:       "DOCUMENT_REJECTED",
				RemoteCode: resp.Code,
				Message:    firstNonEmpty(resp.Message, "document rejected by the authority"),
			}
			o.keepArtifact(ctx, doc, resp.Artifact)
		case models.DocumentStateError:
			doc.NextEligibleAt = o.eligibleAfter(classify.Verdict{Category: classify.Category(doc.LastError.Category), Retryable: doc.LastError.Retryable}, now)
		case models.DocumentStateSent, models.DocumentStateProcessing:
			doc.NextEligibleAt = nil
			doc.LastError = models.ErrorInfo{}
		}
	}

	if err := o.Store.SaveDocument(ctx, doc, expected); err != nil {
		return Result{}, err
	}
	res := accepted(doc)
	if doc.State == models.DocumentStateError {
		res.Outcome = OutcomeFailed
		res.Code = doc.LastError.Code
		res.Category = doc.LastError.Category
		res.Retryable = doc.LastError.Retryable
		res.NextEligibleAt = doc.NextEligibleAt
	}
	if doc.State == models.DocumentStateRejected {
		res.Code = doc.LastError.Code
	}
	return res, nil
}

func (o *Orchestrator) keepArtifact(ctx context.Context, doc *models.ClearanceDocument, artifact []byte) {
	if len(artifact) == 0 {
		return
	}
	if o.Artifacts != nil {
		ref, err := o.Artifacts.Put(ctx, doc.TenantId, doc.DocumentKey, artifact)
		if err == nil {
			doc.ResponseArtifactRef = ref
			doc.ResponseArtifact = nil
			return
		}
		o.logger().WithFields(logrus.Fields{
			"field":       "SubmissionOrchestrator",
			"document_id": doc.ID,
		}).Errorf("artifact upload failed, storing inline: %v", err)
	}
	doc.ResponseArtifact = artifact
}

func (o *Orchestrator) eligibleAfter(v classify.Verdict, now time.Time) *time.Time {
	if !v.Retryable {
		return nil
	}
	d := o.cooldown(v)
	if d <= 0 {
		return nil
	}
	next := now.Add(d)
	return &next
}

// cooldown is the classifier delay, optionally spread by ±10%.
func (o *Orchestrator) cooldown(v classify.Verdict) time.Duration {
	d := v.Delay()
	if d <= 0 || !o.Jitter {
		return d
	}
	r := rand.Float64
	if o.Rand != nil {
		r = o.Rand
	}
	spread := (r()*2 - 1) * jitterFraction
	return d + time.Duration(float64(d)*spread)
}

func (o *Orchestrator) report(ctx context.Context, v classify.Verdict, doc *models.ClearanceDocument) {
	if o.Reporter == nil {
		return
	}
	o.Reporter.RecordError(ctx, monitor.FromVerdict(v, doc.TenantId, doc.ID))
}

// ReportCacheError records a Redis failure seen by the lease. It is wired as RedisLease.OnError.
func (o *Orchestrator) ReportCacheError(ctx context.Context, documentId string, err error) {
	o.logger().WithFields(logrus.Fields{"field": "SubmissionLease", "document_id": documentId}).Errorf("redis lease unavailable: %v", err)
	if o.Reporter == nil {
		return
	}
	o.Reporter.RecordError(ctx, monitor.Record{
		Code:       classify.CodeCache,
		Category:   string(classify.System),
		Severity:   string(classify.SeverityMedium),
		Message:    err.Error(),
		Retryable:  true,
		DocumentId: documentId,
	})
}

// Cancel moves a document that is not in flight to Cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, documentId string) (Result, error) {
	doc, err := o.Store.LoadDocument(ctx, documentId)
	if err != nil {
		return Result{}, err
	}
	if doc.State.IsTerminal() {
		return refused(doc, ReasonTerminal, fmt.Sprintf("document is %s", doc.State)), nil
	}
	if doc.State == models.DocumentStateSending {
		return refused(doc, ReasonBusy, "document is being sent"), nil
	}
	release, err := o.Lease.Acquire(ctx, documentId)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return refused(doc, ReasonBusy, "document is locked by another operation"), nil
		}
		return Result{}, err
	}
	defer release()

	expected := doc.Revision()
	doc.State = models.DocumentStateCancelled
	doc.LastTransitionAt = o.now()
	doc.NextEligibleAt = nil
	if err := o.Store.SaveDocument(ctx, doc, expected); err != nil {
		if faults.Is(err, faults.KindStale) {
			return refused(doc, ReasonBusy, "document changed concurrently"), nil
		}
		return Result{}, err
	}
	return accepted(doc), nil
}

// Status is the caller-facing view of a document's lifecycle.
type Status struct {
	DocumentId       string               `json:"document_id"`
	DocumentKey      string               `json:"document_key"`
	SequenceNumber   string               `json:"sequence_number"`
	State            models.DocumentState `json:"state"`
	AttemptCount     int                  `json:"attempt_count"`
	MaxAttempts      int                  `json:"max_attempts"`
	NextEligibleAt   *time.Time           `json:"next_eligible_at"`
	LastTransitionAt time.Time            `json:"last_transition_at"`
	LastPolledAt     *time.Time           `json:"last_polled_at,omitempty"`
	LastError        *models.ErrorInfo    `json:"last_error,omitempty"`
	Fields           []faults.FieldError  `json:"fields,omitempty"`
	RemoteReference  string               `json:"remote_reference,omitempty"`
	RemoteMessage    string               `json:"remote_message,omitempty"`
	HasArtifact      bool                 `json:"has_response_artifact"`
	AckType          models.AckType       `json:"ack_type,omitempty"`
	AcknowledgedAt   *time.Time           `json:"acknowledged_at,omitempty"`
}

func (o *Orchestrator) GetStatus(ctx context.Context, documentId string) (Status, error) {
	doc, err := o.Store.LoadDocument(ctx, documentId)
	if err != nil {
		return Status{}, err
	}
	s := Status{
		DocumentId:       doc.ID,
		DocumentKey:      doc.DocumentKey,
		SequenceNumber:   doc.SequenceNumber,
		State:            doc.State,
		AttemptCount:     doc.AttemptCount,
		MaxAttempts:      o.maxAttempts(),
		NextEligibleAt:   doc.NextEligibleAt,
		LastTransitionAt: doc.LastTransitionAt,
		LastPolledAt:     doc.LastPolledAt,
		RemoteReference:  doc.RemoteReference,
		RemoteMessage:    doc.RemoteMessage,
		HasArtifact:      len(doc.ResponseArtifact) > 0 || doc.ResponseArtifactRef != "",
		AckType:          doc.AckType,
		AcknowledgedAt:   doc.AcknowledgedAt,
	}
	if !doc.LastError.IsZero() {
		info := doc.LastError
		s.LastError = &info
		if len(info.FieldsJSON) > 0 {
			_ = json.Unmarshal(info.FieldsJSON, &s.Fields)
		}
	}
	return s, nil
}

// Acknowledge sends the receptor's answer for an accepted document.
func (o *Orchestrator) Acknowledge(ctx context.Context, documentId string, ackType models.AckType, payload []byte) (Result, error) {
	if !ackType.IsValid() {
		return Result{}, faults.Invariant("Acknowledge", "ack type %d must be 1, 2 or 3", ackType)
	}
	if len(payload) == 0 {
		return Result{}, faults.Invariant("Acknowledge", "acknowledgement payload is required")
	}
	doc, err := o.Store.LoadDocument(ctx, documentId)
	if err != nil {
		return Result{}, err
	}
	if r, ok := checkAcknowledgeable(doc); !ok {
		return r, nil
	}

	release, err := o.Lease.Acquire(ctx, documentId)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return refused(doc, ReasonBusy, "document is locked by another operation"), nil
		}
		return Result{}, err
	}
	defer release()

	// Another acknowledgement may have finished between the load and the lease.
	doc, err = o.Store.LoadDocument(ctx, documentId)
	if err != nil {
		return Result{}, err
	}
	if r, ok := checkAcknowledgeable(doc); !ok {
		return r, nil
	}

	tenant, err := o.Tenants.LoadTenant(ctx, doc.TenantId)
	if err != nil {
		return Result{}, err
	}
	client, err := o.Clients.ForTenant(ctx, tenant)
	if err != nil {
		return Result{}, err
	}

	work := context.WithoutCancel(ctx)
	callCtx, cancel := o.callContext(work)
	resp, callErr := client.SubmitAcknowledgement(callCtx, authority.AckRequest{
		DocumentKey: doc.DocumentKey,
		AckType:     int(ackType),
		IssuedAt:    o.now(),
		Payload:     payload,
	})
	cancel()
	if callErr != nil {
		v := classify.Classify(callErr)
		o.report(work, v, doc)
		return Result{
			Outcome:      OutcomeFailed,
			DocumentId:   doc.ID,
			State:        doc.State,
			AttemptCount: doc.AttemptCount,
			Code:         v.Code,
			Message:      v.Message,
			Category:     string(v.Category),
			Retryable:    v.Retryable,
			Fields:       fieldsOf(callErr),
		}, nil
	}

	expected := doc.Revision()
	now := o.now()
	doc.AckType = ackType
	doc.AcknowledgedAt = &now
	if resp.Message != "" {
		doc.RemoteMessage = resp.Message
	}
	if err := o.Store.SaveDocument(work, doc, expected); err != nil {
		return Result{}, err
	}
	return accepted(doc), nil
}

func checkAcknowledgeable(doc *models.ClearanceDocument) (Result, bool) {
	if doc.State != models.DocumentStateAccepted {
		return refused(doc, ReasonNotAcknowledgeable, fmt.Sprintf("document is %s, only accepted documents can be acknowledged", doc.State)), false
	}
	if doc.AcknowledgedAt != nil {
		return refused(doc, ReasonAlreadyAcked, "document was already acknowledged"), false
	}
	return Result{}, true
}

func errorInfo(v classify.Verdict, err error) models.ErrorInfo {
	info := models.ErrorInfo{
		Category:          string(v.Category),
		Code:              v.Code,
		RemoteCode:        v.RemoteCode,
		Message:           v.Message,
		Retryable:         v.Retryable,
		RetryAfterSeconds: int(v.RetryAfter / time.Second),
	}
	if fields := fieldsOf(err); len(fields) > 0 {
		info.FieldsJSON, _ = json.Marshal(fields)
	}
	return info
}

func fieldsOf(err error) []faults.FieldError {
	var ae *faults.AuthorityError
	if errors.As(err, &ae) {
		return ae.Fields
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
