package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/clearance_backend/authority"
	"github.com/mmdatafocus/clearance_backend/classify"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/models"
)

func errorState(category classify.Category, retryable bool, attempts int) func(*models.ClearanceDocument) {
	return func(d *models.ClearanceDocument) {
		d.AttemptCount = attempts
		d.LastError = models.ErrorInfo{Category: string(category), Code: "X", Retryable: retryable}
	}
}

func TestSweeperEligibility(t *testing.T) {
	future := testEpoch.Add(time.Minute)
	cases := []struct {
		name   string
		age    time.Duration
		mutate func(*models.ClearanceDocument)
		want   bool
	}{
		{"network after cooldown", 31 * time.Second, errorState(classify.Network, true, 1), true},
		{"network inside cooldown", 29 * time.Second, errorState(classify.Network, true, 1), false},
		{"rate limit waits the full delay", 200 * time.Second, errorState(classify.RateLimit, true, 1), false},
		{"rate limit hint shortens the wait", 121 * time.Second, func(d *models.ClearanceDocument) {
			errorState(classify.RateLimit, true, 1)(d)
			d.LastError.RetryAfterSeconds = 120
		}, true},
		{"validation never", 48 * time.Hour, errorState(classify.Validation, true, 1), false},
		{"not retryable", 48 * time.Hour, errorState(classify.Network, false, 1), false},
		{"attempts used up", 48 * time.Hour, errorState(classify.Network, true, 3), false},
		{"next eligible in the future", 48 * time.Hour, func(d *models.ClearanceDocument) {
			errorState(classify.System, true, 1)(d)
			d.NextEligibleAt = &future
		}, false},
		{"unknown category", 48 * time.Hour, errorState(classify.Category("bogus"), true, 1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			doc := h.addDocument(t, models.DocumentStateError, tc.age, tc.mutate)
			sw := NewSweeper(h.orch, quietLogger())
			if got := sw.Eligible(doc, h.clock.Now()); got != tc.want {
				t.Fatalf("Eligible = %v, want %v", got, tc.want)
			}
		})
	}
	h := newHarness(t)
	sent := h.addDocument(t, models.DocumentStateSent, time.Hour, errorState(classify.Network, true, 1))
	if NewSweeper(h.orch, quietLogger()).Eligible(sent, h.clock.Now()) {
		t.Fatal("only Error documents are eligible")
	}
}

func TestSweeperResubmitsWithSpacing(t *testing.T) {
	h := newHarness(t)
	a := h.addDocument(t, models.DocumentStateError, time.Hour, errorState(classify.Network, true, 1))
	b := h.addDocument(t, models.DocumentStateError, 50*time.Minute, errorState(classify.RemoteService, true, 2))
	skipped := h.addDocument(t, models.DocumentStateError, time.Hour, errorState(classify.Validation, false, 1))
	fresh := h.addDocument(t, models.DocumentStateError, 10*time.Second, errorState(classify.Network, true, 1))

	var sleeps []time.Duration
	sw := NewSweeper(h.orch, quietLogger())
	sw.Spacing = 500 * time.Millisecond
	sw.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	report := sw.SweepOnce(context.Background())
	if report.Resubmitted != 2 || report.Accepted != 2 {
		t.Fatalf("report = %+v", report)
	}
	if len(sleeps) != 1 || sleeps[0] != time.Second {
		t.Fatalf("sleeps = %v, want one 1s pause", sleeps)
	}
	for _, id := range []string{a.ID, b.ID} {
		if got := h.load(t, id); got.State != models.DocumentStateSent {
			t.Fatalf("%s state = %s", id, got.State)
		}
	}
	if got := h.load(t, b.ID); got.AttemptCount != 3 {
		t.Fatalf("attempts = %d", got.AttemptCount)
	}
	for _, id := range []string{skipped.ID, fresh.ID} {
		if got := h.load(t, id); got.State != models.DocumentStateError {
			t.Fatalf("%s touched: %s", id, got.State)
		}
	}
}

func TestSweeperFindsEligibleBehindWaitingBacklog(t *testing.T) {
	h := newHarness(t)
	later := testEpoch.Add(time.Hour)
	for i := 0; i < 6; i++ {
		h.addDocument(t, models.DocumentStateError, 3*time.Hour, func(d *models.ClearanceDocument) {
			errorState(classify.System, true, 1)(d)
			d.NextEligibleAt = &later
		})
	}
	ready := h.addDocument(t, models.DocumentStateError, time.Hour, errorState(classify.Network, true, 1))

	sw := NewSweeper(h.orch, quietLogger())
	sw.BatchSize = 1
	sw.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	report := sw.SweepOnce(context.Background())
	if report.Resubmitted != 1 || report.Accepted != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := h.load(t, ready.ID); got.State != models.DocumentStateSent {
		t.Fatalf("ready document state = %s", got.State)
	}
}

func TestSweeperBatchAndFailures(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.addDocument(t, models.DocumentStateError, time.Hour, errorState(classify.Network, true, 1))
	}
	h.client.submitFn = func(ctx context.Context, req authority.SubmitRequest) (*authority.Response, error) {
		return nil, &faults.AuthorityError{Kind: faults.AuthorityNetwork, Op: "Submit", Message: "connection reset"}
	}
	sw := NewSweeper(h.orch, quietLogger())
	sw.BatchSize = 3
	sw.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	report := sw.SweepOnce(context.Background())
	if report.Resubmitted != 3 || report.Failed != 3 {
		t.Fatalf("report = %+v", report)
	}
	if submits, _ := h.client.counts(); submits != 3 {
		t.Fatalf("submits = %d", submits)
	}
}

func TestSweeperStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.addDocument(t, models.DocumentStateError, time.Hour, errorState(classify.Network, true, 1))
	}
	ctx, cancel := context.WithCancel(context.Background())
	sw := NewSweeper(h.orch, quietLogger())
	sw.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	report := sw.SweepOnce(ctx)
	if report.Resubmitted != 1 {
		t.Fatalf("report = %+v", report)
	}
}
