package workflow

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/clearance_backend/authority"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/mmdatafocus/clearance_backend/monitor"
	"github.com/sirupsen/logrus"
)

var testEpoch = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeClient struct {
	mu       sync.Mutex
	submits  int
	queries  int
	acks     []authority.AckRequest
	submitFn func(ctx context.Context, req authority.SubmitRequest) (*authority.Response, error)
	queryFn  func(ctx context.Context, key string) (*authority.Response, error)
	ackFn    func(ctx context.Context, req authority.AckRequest) (*authority.Response, error)
}

func (c *fakeClient) Submit(ctx context.Context, req authority.SubmitRequest) (*authority.Response, error) {
	c.mu.Lock()
	c.submits++
	fn := c.submitFn
	c.mu.Unlock()
	if fn == nil {
		return &authority.Response{StatusCode: 202, Outcome: authority.OutcomeReceived}, nil
	}
	return fn(ctx, req)
}

func (c *fakeClient) QueryStatus(ctx context.Context, key string) (*authority.Response, error) {
	c.mu.Lock()
	c.queries++
	fn := c.queryFn
	c.mu.Unlock()
	if fn == nil {
		return &authority.Response{StatusCode: 200, Outcome: authority.OutcomeProcessing, Status: "procesando"}, nil
	}
	return fn(ctx, key)
}

func (c *fakeClient) SubmitAcknowledgement(ctx context.Context, req authority.AckRequest) (*authority.Response, error) {
	c.mu.Lock()
	c.acks = append(c.acks, req)
	fn := c.ackFn
	c.mu.Unlock()
	if fn == nil {
		return &authority.Response{StatusCode: 202, Outcome: authority.OutcomeReceived}, nil
	}
	return fn(ctx, req)
}

func (c *fakeClient) counts() (submits, queries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits, c.queries
}

type fakeSource struct {
	client *fakeClient
	err    error
}

func (s fakeSource) ForTenant(ctx context.Context, tenant *models.Tenant) (AuthorityClient, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

type recordingReporter struct {
	mu      sync.Mutex
	records []monitor.Record
}

func (r *recordingReporter) RecordError(ctx context.Context, rec monitor.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingReporter) codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Code)
	}
	return out
}

type harness struct {
	store    *models.MemoryStore
	clock    *testClock
	client   *fakeClient
	reporter *recordingReporter
	orch     *Orchestrator
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := models.NewMemoryStore()
	store.PutTenant(&models.Tenant{
		ID:                "tenant-1",
		Name:              "Tenant One",
		IssuerId:          "3101123456",
		IssuerIdType:      "02",
		Environment:       models.AuthorityEnvironmentSandbox,
		AuthorityUsername: "cpj-3-101-123456@stag.comprobanteselectronicos.go.cr",
		AuthorityPassword: "secret",
		IsActive:          true,
	})
	clock := &testClock{now: testEpoch}
	client := &fakeClient{}
	reporter := &recordingReporter{}
	o := NewOrchestrator(store, store, fakeSource{client: client}, quietLogger())
	o.Now = clock.Now
	o.Reporter = reporter
	return &harness{store: store, clock: clock, client: client, reporter: reporter, orch: o}
}

var docSeq int

// addDocument inserts a signed document in state, last transitioned age ago.
func (h *harness) addDocument(t *testing.T, state models.DocumentState, age time.Duration, mutate ...func(*models.ClearanceDocument)) *models.ClearanceDocument {
	t.Helper()
	docSeq++
	seq := "0010000101" + padInt(docSeq, 10)
	doc := &models.ClearanceDocument{
		ID:               "doc-" + padInt(docSeq, 4),
		TenantId:         "tenant-1",
		Category:         models.DocumentCategoryInvoice,
		Branch:           "001",
		Terminal:         "00001",
		SequenceNumber:   seq,
		DocumentKey:      "506040526003101123456" + seq + "1" + padInt(docSeq, 8),
		IssuedAt:         testEpoch,
		SignedPayload:    []byte("<FacturaElectronica/>"),
		ContentHash:      "sha256:abc",
		State:            state,
		LastTransitionAt: h.clock.Now().Add(-age),
		CreatedAt:        h.clock.Now().Add(-age),
	}
	for _, m := range mutate {
		m(doc)
	}
	if err := h.store.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	return doc
}

func (h *harness) load(t *testing.T, id string) *models.ClearanceDocument {
	t.Helper()
	doc, err := h.store.LoadDocument(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadDocument(%s): %v", id, err)
	}
	return doc
}

func padInt(n, width int) string {
	s := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		s[i] = byte('0' + n%10)
		n /= 10
	}
	return string(s)
}
