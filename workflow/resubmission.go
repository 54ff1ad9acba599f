package workflow

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/clearance_backend/classify"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/sirupsen/logrus"
)

const minSweepSpacing = time.Second

// Sweeper resubmits Error documents whose cooldown has passed.
type Sweeper struct {
	Orchestrator *Orchestrator
	Logger       *logrus.Logger
	Locker       *redislock.Client

	Tick      time.Duration
	BatchSize int
	// Spacing separates consecutive submissions; values below one second are raised to it.
	Spacing time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

func NewSweeper(o *Orchestrator, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		Orchestrator: o,
		Logger:       logger,
		Tick:         2 * time.Minute,
		BatchSize:    20,
		Spacing:      2 * time.Second,
	}
}

type ResubmitReport struct {
	Candidates  int           `json:"candidates"`
	Resubmitted int           `json:"resubmitted"`
	Accepted    int           `json:"accepted"`
	Failed      int           `json:"failed"`
	Refused     int           `json:"refused"`
	Duration    time.Duration `json:"duration"`
}

func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		singleton(ctx, s.Locker, "clearance:sweep:resubmit", s.Tick+time.Minute, func() {
			r := s.SweepOnce(ctx)
			if r.Resubmitted > 0 {
				s.logger().WithFields(logrus.Fields{
					"field":       "ResubmissionSweeper",
					"candidates":  r.Candidates,
					"resubmitted": r.Resubmitted,
					"accepted":    r.Accepted,
					"failed":      r.Failed,
					"refused":     r.Refused,
					"duration_ms": r.Duration.Milliseconds(),
				}).Info("resubmission sweep finished")
			}
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Tick):
		}
	}
}

func (s *Sweeper) logger() *logrus.Logger {
	if s.Logger == nil {
		return s.Orchestrator.logger()
	}
	return s.Logger
}

func (s *Sweeper) spacing() time.Duration {
	if s.Spacing < minSweepSpacing {
		return minSweepSpacing
	}
	return s.Spacing
}

func (s *Sweeper) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
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

// Eligible reports whether the sweeper may resubmit doc at now.
func (s *Sweeper) Eligible(doc *models.ClearanceDocument, now time.Time) bool {
	o := s.Orchestrator
	if doc.State != models.DocumentStateError || doc.AttemptCount >= o.maxAttempts() {
		return false
	}
	if !doc.LastError.Retryable {
		return false
	}
	category, ok := classify.ParseCategory(doc.LastError.Category)
	if !ok || category == classify.Validation {
		return false
	}
	cooldown := classify.Delay(category, time.Duration(doc.LastError.RetryAfterSeconds)*time.Second)
	if doc.LastTransitionAt.Add(cooldown).After(now) {
		return false
	}
	return doc.NextEligibleAt == nil || !doc.NextEligibleAt.After(now)
}

// SweepOnce resubmits up to BatchSize eligible documents with force set,
// pausing Spacing between them.
func (s *Sweeper) SweepOnce(ctx context.Context) ResubmitReport {
	o := s.Orchestrator
	start := o.now()
	var report ResubmitReport
	defer func() { report.Duration = o.now().Sub(start) }()

	candidates, err := o.Store.ListRetryCandidates(ctx, o.maxAttempts(), start, s.BatchSize*4)
	if err != nil {
		s.logger().WithField("field", "ResubmissionSweeper").Errorf("list retry candidates: %v", err)
		return report
	}

	for _, doc := range candidates {
		if report.Resubmitted >= s.BatchSize {
			break
		}
		if !s.Eligible(doc, o.now()) {
			continue
		}
		report.Candidates++
		if report.Resubmitted > 0 {
			if err := s.sleep(ctx, s.spacing()); err != nil {
				return report
			}
		}
		report.Resubmitted++
		res, err := o.Submit(ctx, doc.ID, true)
		if err != nil {
			report.Failed++
			s.logger().WithFields(logrus.Fields{"field": "ResubmissionSweeper", "document_id": doc.ID}).Error(err)
			continue
		}
		switch res.Outcome {
		case OutcomeAccepted:
			report.Accepted++
		case OutcomeRefused:
			report.Refused++
		default:
			report.Failed++
		}
	}
	return report
}
