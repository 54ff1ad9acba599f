package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/clearance_backend/classify"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type fakePublisher struct {
	topicPayloads []any
	attrs         []map[string]string
}

func (p *fakePublisher) Publish(_ context.Context, obj any, attrs map[string]string) (string, error) {
	p.topicPayloads = append(p.topicPayloads, obj)
	p.attrs = append(p.attrs, attrs)
	return "msg-1", nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestMonitor(c *clock, notifiers ...Notifier) *Monitor {
	return New(Options{Now: c.Now, Logger: quietLogger(), Notifiers: notifiers})
}

func certificateVerdict() classify.Verdict {
	return classify.Classify(&faults.AuthorityError{Kind: faults.AuthorityValidation, StatusCode: 400, Code: "SIG-01", Message: "firma invalida"})
}

func TestCertificateFailuresOpenOneAlertPerRule(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	m := newTestMonitor(c, n)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.ReportVerdict(ctx, certificateVerdict(), "tenant-a", "doc")
		c.Advance(10 * time.Second)
	}
	m.Wait()

	active := m.ListActiveAlerts()
	require.Len(t, active, 2)
	rules := map[string]Alert{}
	for _, a := range active {
		rules[a.RuleID] = a
	}
	require.Contains(t, rules, "code:"+classify.CodeCertificate)
	require.Contains(t, rules, "category:certificate")
	assert.Equal(t, AlertCritical, rules["category:certificate"].Level)
	assert.Equal(t, 5, rules["category:certificate"].Count)
	assert.Equal(t, 5, rules["code:"+classify.CodeCertificate].Count)
	assert.Equal(t, 2, n.count())

	m.ReportVerdict(ctx, certificateVerdict(), "tenant-a", "doc")
	m.Wait()
	active = m.ListActiveAlerts()
	assert.Len(t, active, 2)
	for _, a := range active {
		assert.Equal(t, 6, a.Count, a.RuleID)
	}
	assert.Equal(t, 2, n.count())
	assert.Equal(t, "critical", m.GetHealthMetrics().Status)
}

func TestResolvedRuleCanReopen(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestMonitor(c)
	ctx := context.Background()

	m.ReportVerdict(ctx, certificateVerdict(), "t1", "d1")
	active := m.ListActiveAlerts()
	require.Len(t, active, 1)

	resolved, err := m.ResolveAlert(active[0].ID, "certificate rotated")
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "certificate rotated", resolved.Resolution)
	assert.Empty(t, m.ListActiveAlerts())
	assert.Len(t, m.ListResolvedAlerts(), 1)

	c.Advance(2 * time.Minute)
	m.ReportVerdict(ctx, certificateVerdict(), "t1", "d2")
	reopened := m.ListActiveAlerts()
	require.Len(t, reopened, 1)
	assert.NotEqual(t, active[0].ID, reopened[0].ID)

	_, err = m.ResolveAlert("missing", "")
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestQuietAlertExpiresAndNextBurstReopens(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	m := newTestMonitor(c, n)
	ctx := context.Background()

	m.ReportVerdict(ctx, certificateVerdict(), "t1", "d1")
	m.Wait()
	first := m.ListActiveAlerts()
	require.Len(t, first, 1)
	assert.Equal(t, "code:"+classify.CodeCertificate, first[0].RuleID)

	c.Advance(48 * time.Hour)
	assert.Empty(t, m.ListActiveAlerts())
	assert.Equal(t, "healthy", m.GetHealthMetrics().Status)

	for i := 0; i < 6; i++ {
		m.ReportVerdict(ctx, certificateVerdict(), "t2", "d2")
		c.Advance(time.Second)
	}
	m.Wait()

	rules := map[string]Alert{}
	for _, a := range m.ListActiveAlerts() {
		rules[a.RuleID] = a
	}
	require.Len(t, rules, 2)
	code := rules["code:"+classify.CodeCertificate]
	assert.NotEqual(t, first[0].ID, code.ID)
	assert.Equal(t, 6, code.Count)
	assert.Equal(t, 6, rules["category:certificate"].Count)
	assert.Equal(t, 3, n.count())

	resolved := m.ListResolvedAlerts()
	require.Len(t, resolved, 1)
	assert.Equal(t, first[0].ID, resolved[0].ID)
	assert.Contains(t, resolved[0].Resolution, "expired")
}

func TestThresholdCountsOnlyInsideWindow(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestMonitor(c)
	ctx := context.Background()
	auth := classify.Classify(&faults.AuthorityError{Kind: faults.AuthorityAuthentication, StatusCode: 401})

	m.ReportVerdict(ctx, auth, "t1", "")
	m.ReportVerdict(ctx, auth, "t1", "")
	c.Advance(6 * time.Minute)
	m.ReportVerdict(ctx, auth, "t1", "")
	assert.Empty(t, m.ListActiveAlerts())

	m.ReportVerdict(ctx, auth, "t2", "")
	m.ReportVerdict(ctx, auth, "t3", "")
	active := m.ListActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "code:"+classify.CodeAuthentication, active[0].RuleID)
	assert.Equal(t, 3, active[0].Count)
	assert.Equal(t, 3, active[0].Tenants)
	assert.Equal(t, "critical", m.GetHealthMetrics().Status)
}

func TestHistoryEvictsOldestAtCapacity(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(Options{Capacity: 3, Now: c.Now, Logger: quietLogger(), Rules: []Rule{}})
	ctx := context.Background()

	for _, code := range []string{"A", "B", "C", "D"} {
		m.RecordError(ctx, Record{Code: code, Category: "system", Severity: "critical"})
		c.Advance(time.Second)
	}
	assert.Equal(t, 3, m.HistoryLen())

	rates, err := m.GetErrorRates("1h")
	require.NoError(t, err)
	assert.Equal(t, 3, rates.Total)
	assert.NotContains(t, rates.ByCode, "A")
	// Metrics outlive the history window.
	assert.Len(t, m.TopErrors(0), 4)
}

func TestDisabledMonitorRecordsNothing(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestMonitor(c)
	m.Disable()
	assert.False(t, m.Enabled())

	m.ReportVerdict(context.Background(), certificateVerdict(), "t1", "d1")
	assert.Equal(t, 0, m.HistoryLen())
	assert.Empty(t, m.ListActiveAlerts())
	assert.Empty(t, m.TopErrors(10))

	m.Enable()
	m.ReportVerdict(context.Background(), certificateVerdict(), "t1", "d1")
	assert.Equal(t, 1, m.HistoryLen())
}

func TestErrorRates(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(Options{Now: c.Now, Logger: quietLogger(), Rules: []Rule{}})
	ctx := context.Background()

	m.RecordError(ctx, Record{Code: classify.CodeNetwork, Category: "network", Severity: "medium", Retryable: true, TenantId: "t1"})
	c.Advance(10 * time.Minute)
	m.RecordError(ctx, Record{Code: classify.CodeNetwork, Category: "network", Severity: "medium", Retryable: true, TenantId: "t2"})
	m.RecordError(ctx, Record{Code: classify.CodeInternal, Category: "system", Severity: "critical", TenantId: "t2"})

	five, err := m.GetErrorRates("5m")
	require.NoError(t, err)
	assert.Equal(t, 2, five.Total)
	assert.InDelta(t, 0.4, five.PerMinute, 1e-9)
	assert.Equal(t, 1, five.ByCategory["system"])
	assert.Equal(t, 300, five.WindowSeconds)

	hour, err := m.GetErrorRates("1h")
	require.NoError(t, err)
	assert.Equal(t, 3, hour.Total)
	assert.Equal(t, 2, hour.ByCode[classify.CodeNetwork])

	_, err = m.GetErrorRates("2h")
	assert.True(t, faults.Is(err, faults.KindInvariant))

	h := m.GetHealthMetrics()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 2, h.ErrorTypes)
	assert.Equal(t, 1, h.ByWindow["15m"].Critical)
	assert.Equal(t, 2, h.ByWindow["1h"].Retryable)
	assert.Equal(t, 2, h.ByWindow["1h"].Tenants)
	require.NotEmpty(t, h.TopErrors)
	assert.Equal(t, classify.CodeNetwork, h.TopErrors[0].Code)
	assert.Equal(t, []string{"t1", "t2"}, h.TopErrors[0].Tenants)
}

func TestReadsDoNotMutate(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestMonitor(c)
	m.RecordError(context.Background(), Record{Code: "X", Category: "system", Message: "boom"})

	before := m.TopErrors(10)
	_, _ = m.GetErrorRates("24h")
	_ = m.GetHealthMetrics()
	_ = m.ListActiveAlerts()
	before[0].Samples[0] = "changed"
	after := m.TopErrors(10)
	assert.Equal(t, "boom", after[0].Samples[0])
	assert.Equal(t, 1, m.HistoryLen())
}

func TestSampleMessagesCapped(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(Options{Now: c.Now, Logger: quietLogger(), Rules: []Rule{}})
	for i := 0; i < 8; i++ {
		m.RecordError(context.Background(), Record{Code: "X", Category: "system", Message: "m"})
	}
	top := m.TopErrors(1)
	require.Len(t, top, 1)
	assert.Equal(t, 8, top[0].Count)
	assert.Len(t, top[0].Samples, maxSampleMessages)
}

func TestClearOldData(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestMonitor(c)
	ctx := context.Background()

	m.ReportVerdict(ctx, certificateVerdict(), "t1", "d1")
	for _, a := range m.ListActiveAlerts() {
		_, err := m.ResolveAlert(a.ID, "")
		require.NoError(t, err)
	}
	c.Advance(48 * time.Hour)
	m.RecordError(ctx, Record{Code: "Y", Category: "system"})

	dropped := m.ClearOldData(24 * time.Hour)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, m.HistoryLen())
	assert.Empty(t, m.ListResolvedAlerts())
}

func TestResetClearsEverything(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestMonitor(c)
	m.ReportVerdict(context.Background(), certificateVerdict(), "t1", "d1")
	m.Reset()
	assert.Equal(t, 0, m.HistoryLen())
	assert.Empty(t, m.ListActiveAlerts())
	assert.Empty(t, m.TopErrors(0))
}

func TestNotifierFailureDoesNotBlockOthers(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	failing := &recordingNotifier{err: errors.New("smtp down")}
	ok := &recordingNotifier{}
	m := newTestMonitor(c, failing, ok)

	m.ReportVerdict(context.Background(), certificateVerdict(), "t1", "d1")
	m.Wait()
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, ok.count())
	assert.Len(t, m.ListActiveAlerts(), 1)
}

func TestPubSubNotifierPublishesAlert(t *testing.T) {
	p := &fakePublisher{}
	n := PubSubNotifier{Publisher: p}
	err := n.Notify(context.Background(), Alert{ID: "a1", RuleID: "code:X", Level: AlertWarning, Threshold: 5})
	require.NoError(t, err)
	require.Len(t, p.attrs, 1)
	assert.Equal(t, "code:X", p.attrs[0]["rule_id"])
	assert.Equal(t, "5", p.attrs[0]["threshold"])

	assert.Error(t, PubSubNotifier{}.Notify(context.Background(), Alert{}))
	assert.NoError(t, LogNotifier{Logger: quietLogger()}.Notify(context.Background(), Alert{Level: AlertCritical}))
}
