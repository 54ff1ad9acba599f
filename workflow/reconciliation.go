package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/clearance_backend/authority"
	"github.com/mmdatafocus/clearance_backend/classify"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PollIntervals is how long a document sits in a state before it is polled.
var PollIntervals = map[models.DocumentState]time.Duration{
	models.DocumentStateSent:       5 * time.Minute,
	models.DocumentStateProcessing: 10 * time.Minute,
	models.DocumentStateError:      60 * time.Minute,
}

var pollOrder = []models.DocumentState{
	models.DocumentStateSent,
	models.DocumentStateProcessing,
	models.DocumentStateError,
}

// Scheduler reconciles local state with the authority for documents that did
// not get a final answer on submit.
type Scheduler struct {
	Orchestrator *Orchestrator
	Logger       *logrus.Logger
	// Locker, when set, keeps the sweep to one replica at a time.
	Locker     *redislock.Client
	InstanceID string

	Tick       time.Duration
	BatchSize  int
	Budget     time.Duration
	StaleAfter time.Duration
	Intervals  map[models.DocumentState]time.Duration
}

func NewScheduler(o *Orchestrator, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		Orchestrator: o,
		Logger:       logger,
		InstanceID:   uuid.NewString(),
		Tick:         time.Minute,
		BatchSize:    50,
		Budget:       10 * time.Minute,
		StaleAfter:   30 * time.Minute,
		Intervals:    PollIntervals,
	}
}

// SweepReport summarizes one SweepOnce run.
type SweepReport struct {
	Polled          int           `json:"polled"`
	Transitioned    int           `json:"transitioned"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	Recovered       int           `json:"recovered"`
	BudgetExhausted bool          `json:"budget_exhausted"`
	Duration        time.Duration `json:"duration"`
}

func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.runLocked(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Tick):
		}
	}
}

func (s *Scheduler) runLocked(ctx context.Context) {
	ran := singleton(ctx, s.Locker, "clearance:sweep:reconcile", s.Budget+time.Minute, func() {
		r := s.SweepOnce(ctx)
		if r.Polled+r.Recovered > 0 {
			s.logger().WithFields(logrus.Fields{
				"field":            "ReconciliationScheduler",
				"instance_id":      s.InstanceID,
				"polled":           r.Polled,
				"transitioned":     r.Transitioned,
				"failed":           r.Failed,
				"skipped":          r.Skipped,
				"recovered":        r.Recovered,
				"budget_exhausted": r.BudgetExhausted,
				"duration_ms":      r.Duration.Milliseconds(),
			}).Info("reconciliation sweep finished")
		}
	})
	if !ran {
		s.logger().WithFields(logrus.Fields{"field": "ReconciliationScheduler", "instance_id": s.InstanceID}).Debug("sweep held by another replica")
	}
}

func (s *Scheduler) logger() *logrus.Logger {
	if s.Logger == nil {
		return s.Orchestrator.logger()
	}
	return s.Logger
}

func (s *Scheduler) interval(state models.DocumentState) (time.Duration, bool) {
	intervals := s.Intervals
	if intervals == nil {
		intervals = PollIntervals
	}
	d, ok := intervals[state]
	return d, ok
}

// SweepOnce recovers stale Sending documents, then polls due documents until
// the batch is used up or the budget runs out. The budget is checked between
// documents; an in-flight poll is never cut short.
func (s *Scheduler) SweepOnce(ctx context.Context) SweepReport {
	o := s.Orchestrator
	start := o.now()
	var report SweepReport
	defer func() { report.Duration = o.now().Sub(start) }()

	overBudget := func() bool {
		return s.Budget > 0 && o.now().Sub(start) >= s.Budget
	}

	if s.StaleAfter > 0 {
		stale, err := o.Store.ListStaleSending(ctx, start.Add(-s.StaleAfter), s.BatchSize)
		if err != nil {
			s.logger().WithField("field", "ReconciliationScheduler").Errorf("list stale sending: %v", err)
		}
		for _, doc := range stale {
			if ctx.Err() != nil {
				return report
			}
			if overBudget() {
				report.BudgetExhausted = true
				return report
			}
			if s.recoverStale(ctx, doc) {
				report.Recovered++
			} else {
				report.Skipped++
			}
		}
	}

	remaining := s.BatchSize
	for _, state := range pollOrder {
		if remaining <= 0 {
			break
		}
		interval, ok := s.interval(state)
		if !ok {
			continue
		}
		docs, err := o.Store.ListDueForPoll(ctx, state, start.Add(-interval), remaining)
		if err != nil {
			s.logger().WithFields(logrus.Fields{"field": "ReconciliationScheduler", "state": state}).Errorf("list due for poll: %v", err)
			continue
		}
		for _, doc := range docs {
			if ctx.Err() != nil {
				return report
			}
			if overBudget() {
				report.BudgetExhausted = true
				return report
			}
			remaining--
			res, err := s.poll(ctx, doc.ID)
			switch {
			case err != nil:
				report.Failed++
				s.logger().WithFields(logrus.Fields{"field": "ReconciliationScheduler", "document_id": doc.ID}).Error(err)
			case res.Outcome == OutcomeRefused:
				report.Skipped++
			case res.Outcome == OutcomeFailed:
				report.Polled++
				report.Failed++
			default:
				report.Polled++
				if res.State != doc.State {
					report.Transitioned++
				}
			}
		}
	}
	return report
}

// PollDocument polls one document now. Without force it refuses documents whose
// polling interval has not elapsed.
func (s *Scheduler) PollDocument(ctx context.Context, documentId string, force bool) (Result, error) {
	o := s.Orchestrator
	doc, err := o.Store.LoadDocument(ctx, documentId)
	if err != nil {
		return Result{}, err
	}
	if r, ok := s.checkPollable(doc); !ok {
		return r, nil
	}
	if !force && !s.due(doc, o.now()) {
		return refused(doc, ReasonNotDue, "polling interval has not elapsed"), nil
	}
	return s.poll(ctx, documentId)
}

func (s *Scheduler) checkPollable(doc *models.ClearanceDocument) (Result, bool) {
	switch {
	case doc.State.IsTerminal():
		return refused(doc, ReasonTerminal, fmt.Sprintf("document is %s", doc.State)), false
	case doc.State == models.DocumentStateDraft:
		return refused(doc, ReasonNotSubmitted, "document has not been submitted"), false
	case doc.State == models.DocumentStateSending:
		return refused(doc, ReasonBusy, "document is being sent"), false
	}
	return Result{}, true
}

func (s *Scheduler) due(doc *models.ClearanceDocument, now time.Time) bool {
	interval, ok := s.interval(doc.State)
	if !ok {
		return false
	}
	cutoff := now.Add(-interval)
	if doc.LastTransitionAt.After(cutoff) {
		return false
	}
	return doc.LastPolledAt == nil || !doc.LastPolledAt.After(cutoff)
}

func (s *Scheduler) poll(ctx context.Context, documentId string) (Result, error) {
	o := s.Orchestrator
	ctx, span := tracer.Start(ctx, "workflow.Poll", trace.WithAttributes(attribute.String("document.id", documentId)))
	defer span.End()

	release, err := o.Lease.Acquire(ctx, documentId)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return refused(&models.ClearanceDocument{ID: documentId}, ReasonBusy, "document is locked by another operation"), nil
		}
		return Result{}, err
	}
	defer release()

	doc, err := o.Store.LoadDocument(ctx, documentId)
	if err != nil {
		return Result{}, err
	}
	if r, ok := s.checkPollable(doc); !ok {
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
	resp, callErr := client.QueryStatus(callCtx, doc.DocumentKey)
	cancel()

	if callErr != nil {
		return s.pollFailed(work, doc, callErr)
	}
	res, err := o.applyRemote(work, doc, resp, resp.Outcome, true)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("document.state", string(res.State)))
	return res, nil
}

// pollFailed stamps LastPolledAt and leaves the state alone. A 404 means the
// authority has no record yet, which is not a failure.
func (s *Scheduler) pollFailed(ctx context.Context, doc *models.ClearanceDocument, callErr error) (Result, error) {
	o := s.Orchestrator
	expected := doc.Revision()
	now := o.now()
	doc.LastPolledAt = &now
	if err := o.Store.SaveDocument(ctx, doc, expected); err != nil {
		return Result{}, err
	}

	var ae *faults.AuthorityError
	if errors.As(callErr, &ae) && ae.StatusCode == http.StatusNotFound {
		s.logger().WithFields(logrus.Fields{"field": "ReconciliationScheduler", "document_id": doc.ID}).Info("document not known to the authority yet")
		res := accepted(doc)
		res.Message = "document not known to the authority yet"
		return res, nil
	}

	v := classify.Classify(callErr)
	o.report(ctx, v, doc)
	s.logger().WithFields(logrus.Fields{
		"field":       "ReconciliationScheduler",
		"document_id": doc.ID,
		"category":    v.Category,
		"code":        v.Code,
	}).Warn("status poll failed: " + v.Message)
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

// recoverStale moves a document stuck in Sending to a retryable Error. No
// remote call is made; the sweeper resubmits it.
func (s *Scheduler) recoverStale(ctx context.Context, doc *models.ClearanceDocument) bool {
	o := s.Orchestrator
	release, err := o.Lease.Acquire(ctx, doc.ID)
	if err != nil {
		return false
	}
	defer release()

	cur, err := o.Store.LoadDocument(ctx, doc.ID)
	if err != nil || cur.State != models.DocumentStateSending {
		return false
	}
	v := classify.Verdict{
		Category:  classify.System,
		Severity:  classify.SeverityCritical,
		Retryable: true,
		Code:      CodeInterruptedSubmission,
		Message:   fmt.Sprintf("submission interrupted, document left in Sending since %s", cur.LastTransitionAt.Format(time.RFC3339)),
	}
	expected := cur.Revision()
	now := o.now()
	cur.State = models.DocumentStateError
	cur.LastTransitionAt = now
	cur.LastError = errorInfo(v, nil)
	cur.NextEligibleAt = o.eligibleAfter(v, now)
	if err := o.Store.SaveDocument(ctx, cur, expected); err != nil {
		s.logger().WithFields(logrus.Fields{"field": "ReconciliationScheduler", "document_id": cur.ID}).Errorf("recover stale sending: %v", err)
		return false
	}
	o.report(ctx, v, cur)
	s.logger().WithFields(logrus.Fields{"field": "ReconciliationScheduler", "document_id": cur.ID}).Warn("recovered document stuck in Sending")
	return true
}

// compile-time check that the pool client satisfies the workflow interface
var _ AuthorityClient = (*authority.Client)(nil)
