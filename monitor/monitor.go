// Package monitor keeps a rolling error history, per-code metrics and
// threshold alerts for the engine.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/clearance_backend/classify"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCapacity    = 10000
	maxSampleMessages  = 5
	notifyTimeout      = 10 * time.Second
	defaultTopErrors   = 10
	DefaultRetainedAge = 7 * 24 * time.Hour
)

// ErrorEvent is one recorded failure.
type ErrorEvent struct {
	At         time.Time `json:"at"`
	Code       string    `json:"code"`
	Category   string    `json:"category"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	TenantId   string    `json:"tenant_id,omitempty"`
	DocumentId string    `json:"document_id,omitempty"`
}

// ErrorMetric aggregates every event with one code since the last reset.
type ErrorMetric struct {
	Code      string    `json:"code"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	Retryable bool      `json:"retryable"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Tenants   []string  `json:"affected_tenants"`
	Samples   []string  `json:"sample_messages"`

	tenants map[string]struct{}
}

type Alert struct {
	ID         string        `json:"id"`
	RuleID     string        `json:"rule_id"`
	Level      AlertLevel    `json:"level"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	Code       string        `json:"code,omitempty"`
	Category   string        `json:"category,omitempty"`
	Count      int           `json:"count"`
	Threshold  int           `json:"threshold"`
	Window     time.Duration `json:"window"`
	RatePerMin float64       `json:"rate_per_minute"`
	Tenants    int           `json:"affected_tenants"`
	OpenedAt   time.Time     `json:"opened_at"`
	// LastSeen is the latest matching error; the alert expires a full window after it.
	LastSeen   time.Time  `json:"last_seen"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution_note,omitempty"`
}

// Notifier delivers a newly opened alert. Failures are logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type Options struct {
	Capacity  int
	Rules     []Rule
	Notifiers []Notifier
	Logger    *logrus.Logger
	Now       func() time.Time
	Disabled  bool
}

// Monitor is safe for concurrent use; a single mutex guards all state.
type Monitor struct {
	logger    *logrus.Logger
	now       func() time.Time
	notifiers []Notifier
	rules     []Rule
	pending   sync.WaitGroup

	mu       sync.Mutex
	enabled  bool
	history  *ring
	metrics  map[string]*ErrorMetric
	open     map[string]*Alert // by rule id
	resolved []*Alert
}

func New(opts Options) *Monitor {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		logger:    logger,
		now:       now,
		notifiers: opts.Notifiers,
		rules:     rules,
		enabled:   !opts.Disabled,
		history:   newRing(capacity),
		metrics:   make(map[string]*ErrorMetric),
		open:      make(map[string]*Alert),
	}
}

// Record is the input to RecordError.
type Record struct {
	Code       string
	Category   string
	Severity   string
	Message    string
	Retryable  bool
	TenantId   string
	DocumentId string
}

// FromVerdict builds a Record; certificate failures count against the "certificate" category.
func FromVerdict(v classify.Verdict, tenantId, documentId string) Record {
	return Record{
		Code:       v.Code,
		Category:   v.MonitorCategory(),
		Severity:   string(v.Severity),
		Message:    v.Message,
		Retryable:  v.Retryable,
		TenantId:   tenantId,
		DocumentId: documentId,
	}
}

// ReportVerdict records a classified failure.
func (m *Monitor) ReportVerdict(ctx context.Context, v classify.Verdict, tenantId, documentId string) {
	m.RecordError(ctx, FromVerdict(v, tenantId, documentId))
}

// RecordError appends to the history, updates the code metric and evaluates
// the rules. It is a no-op while the monitor is disabled.
func (m *Monitor) RecordError(ctx context.Context, r Record) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	now := m.now()
	ev := ErrorEvent{
		At:         now,
		Code:       r.Code,
		Category:   r.Category,
		Severity:   r.Severity,
		Message:    r.Message,
		Retryable:  r.Retryable,
		TenantId:   r.TenantId,
		DocumentId: r.DocumentId,
	}
	m.history.push(ev)
	m.updateMetric(ev)
	opened := m.evaluate(ev, now)
	m.mu.Unlock()

	for _, a := range opened {
		m.logger.WithFields(logrus.Fields{
			"field":     "ErrorMonitor",
			"alert_id":  a.ID,
			"rule_id":   a.RuleID,
			"level":     a.Level,
			"count":     a.Count,
			"threshold": a.Threshold,
		}).Warn("alert opened: " + a.Title)
		m.dispatch(ctx, a)
	}
}

func (m *Monitor) updateMetric(ev ErrorEvent) {
	metric, ok := m.metrics[ev.Code]
	if !ok {
		metric = &ErrorMetric{
			Code:      ev.Code,
			Category:  ev.Category,
			Severity:  ev.Severity,
			Retryable: ev.Retryable,
			FirstSeen: ev.At,
			tenants:   make(map[string]struct{}),
		}
		m.metrics[ev.Code] = metric
	}
	metric.Count++
	metric.LastSeen = ev.At
	if ev.TenantId != "" {
		metric.tenants[ev.TenantId] = struct{}{}
	}
	if len(metric.Samples) < maxSampleMessages {
		metric.Samples = append(metric.Samples, ev.Message)
	}
}

// evaluate opens alerts for rules that trip on ev. Caller holds m.mu.
func (m *Monitor) evaluate(ev ErrorEvent, now time.Time) []Alert {
	m.expireAlerts(now)
	var opened []Alert
	for _, rule := range m.rules {
		if !rule.matches(ev) {
			continue
		}
		cutoff := now.Add(-rule.Window)
		count := 0
		tenants := map[string]struct{}{}
		m.history.each(func(e ErrorEvent) {
			if !e.At.Before(cutoff) && rule.matches(e) {
				count++
				if e.TenantId != "" {
					tenants[e.TenantId] = struct{}{}
				}
			}
		})
		if a, exists := m.open[rule.ID]; exists {
			a.Count = count
			a.RatePerMin = float64(count) / rule.Window.Minutes()
			a.Tenants = len(tenants)
			a.LastSeen = now
			continue
		}
		if count < rule.Threshold {
			continue
		}
		subject := rule.Code
		if subject == "" {
			subject = rule.Category + " category"
		}
		a := &Alert{
			ID:         uuid.NewString(),
			RuleID:     rule.ID,
			Level:      rule.Level,
			Title:      "Error threshold exceeded: " + subject,
			Message:    rule.Message,
			Code:       rule.Code,
			Category:   rule.Category,
			Count:      count,
			Threshold:  rule.Threshold,
			Window:     rule.Window,
			RatePerMin: float64(count) / rule.Window.Minutes(),
			Tenants:    len(tenants),
			OpenedAt:   now,
			LastSeen:   now,
		}
		m.open[rule.ID] = a
		opened = append(opened, *a)
	}
	return opened
}

// expireAlerts resolves open alerts whose rule saw no matching error for a
// whole window, so the next burst opens (and notifies) a fresh alert.
// Caller holds m.mu.
func (m *Monitor) expireAlerts(now time.Time) {
	for ruleID, a := range m.open {
		if now.Sub(a.LastSeen) < a.Window {
			continue
		}
		resolvedAt := now
		a.ResolvedAt = &resolvedAt
		a.Resolution = "expired: no matching errors within " + a.Window.String()
		delete(m.open, ruleID)
		m.resolved = append(m.resolved, a)
		m.logger.WithFields(logrus.Fields{
			"field":    "ErrorMonitor",
			"alert_id": a.ID,
			"rule_id":  a.RuleID,
		}).Info("alert expired")
	}
}

// dispatch notifies in the background on a context detached from the caller.
func (m *Monitor) dispatch(ctx context.Context, a Alert) {
	for _, n := range m.notifiers {
		n := n
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
			defer cancel()
			if err := n.Notify(nctx, a); err != nil {
				m.logger.WithFields(logrus.Fields{"field": "ErrorMonitor", "alert_id": a.ID}).Errorf("alert notification failed: %v", err)
			}
		}()
	}
}

// Wait blocks until in-flight notifications finish.
func (m *Monitor) Wait() {
	m.pending.Wait()
}

// ResolveAlert closes an open alert; the rule may open a new one afterwards.
func (m *Monitor) ResolveAlert(id, note string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ruleID, a := range m.open {
		if a.ID != id {
			continue
		}
		now := m.now()
		a.ResolvedAt = &now
		a.Resolution = note
		delete(m.open, ruleID)
		m.resolved = append(m.resolved, a)
		return *a, nil
	}
	return Alert{}, faults.NotFound("ResolveAlert", "no open alert %s", id)
}

func (m *Monitor) ListActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireAlerts(m.now())
	out := make([]Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (m *Monitor) ListResolvedAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.resolved))
	for _, a := range m.resolved {
		out = append(out, *a)
	}
	return out
}

type ErrorRates struct {
	Window        string         `json:"window"`
	WindowSeconds int            `json:"window_seconds"`
	Total         int            `json:"total_errors"`
	PerMinute     float64        `json:"error_rate_per_minute"`
	ByCategory    map[string]int `json:"by_category"`
	ByCode        map[string]int `json:"by_error_code"`
	BySeverity    map[string]int `json:"by_severity"`
	CalculatedAt  time.Time      `json:"calculated_at"`
}

// GetErrorRates aggregates the history over a named window ("1m", "5m", "15m", "1h", "24h").
func (m *Monitor) GetErrorRates(window string) (ErrorRates, error) {
	d, ok := Windows[window]
	if !ok {
		return ErrorRates{}, faults.Invariant("GetErrorRates", "invalid time window %q", window)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-d)
	rates := ErrorRates{
		Window:        window,
		WindowSeconds: int(d.Seconds()),
		ByCategory:    map[string]int{},
		ByCode:        map[string]int{},
		BySeverity:    map[string]int{},
		CalculatedAt:  now,
	}
	m.history.each(func(e ErrorEvent) {
		if e.At.Before(cutoff) {
			return
		}
		rates.Total++
		rates.ByCategory[e.Category]++
		rates.ByCode[e.Code]++
		rates.BySeverity[e.Severity]++
	})
	rates.PerMinute = float64(rates.Total) / d.Minutes()
	return rates, nil
}

type WindowMetrics struct {
	Total       int     `json:"total_errors"`
	PerMinute   float64 `json:"error_rate"`
	Critical    int     `json:"critical_errors"`
	Retryable   int     `json:"retryable_errors"`
	UniqueCodes int     `json:"unique_error_codes"`
	Tenants     int     `json:"affected_tenants"`
}

type HealthMetrics struct {
	Status           string                   `json:"status"`
	MonitoringActive bool                     `json:"monitoring_enabled"`
	ErrorTypes       int                      `json:"total_error_types"`
	ActiveAlerts     int                      `json:"active_alerts"`
	ResolvedAlerts   int                      `json:"resolved_alerts"`
	ByWindow         map[string]WindowMetrics `json:"metrics_by_window"`
	TopErrors        []ErrorMetric            `json:"top_errors"`
	CalculatedAt     time.Time                `json:"calculated_at"`
}

// GetHealthMetrics summarizes the history over every window. Status is
// critical with an open critical alert, degraded with any open alert.
func (m *Monitor) GetHealthMetrics() HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireAlerts(now)
	h := HealthMetrics{
		Status:           "healthy",
		MonitoringActive: m.enabled,
		ErrorTypes:       len(m.metrics),
		ActiveAlerts:     len(m.open),
		ResolvedAlerts:   len(m.resolved),
		ByWindow:         make(map[string]WindowMetrics, len(windowOrder)),
		TopErrors:        m.topErrors(defaultTopErrors),
		CalculatedAt:     now,
	}
	for _, name := range windowOrder {
		d := Windows[name]
		cutoff := now.Add(-d)
		var wm WindowMetrics
		codes := map[string]struct{}{}
		tenants := map[string]struct{}{}
		m.history.each(func(e ErrorEvent) {
			if e.At.Before(cutoff) {
				return
			}
			wm.Total++
			if e.Severity == string(classify.SeverityCritical) {
				wm.Critical++
			}
			if e.Retryable {
				wm.Retryable++
			}
			codes[e.Code] = struct{}{}
			if e.TenantId != "" {
				tenants[e.TenantId] = struct{}{}
			}
		})
		wm.PerMinute = float64(wm.Total) / d.Minutes()
		wm.UniqueCodes = len(codes)
		wm.Tenants = len(tenants)
		h.ByWindow[name] = wm
	}
	for _, a := range m.open {
		if a.Level == AlertCritical {
			h.Status = "critical"
			break
		}
		h.Status = "degraded"
	}
	return h
}

// TopErrors returns the n most frequent codes.
func (m *Monitor) TopErrors(n int) []ErrorMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topErrors(n)
}

func (m *Monitor) topErrors(n int) []ErrorMetric {
	out := make([]ErrorMetric, 0, len(m.metrics))
	for _, metric := range m.metrics {
		c := *metric
		c.Tenants = make([]string, 0, len(metric.tenants))
		for t := range metric.tenants {
			c.Tenants = append(c.Tenants, t)
		}
		sort.Strings(c.Tenants)
		c.Samples = append([]string(nil), metric.Samples...)
		c.tenants = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ClearOldData drops history and resolved alerts older than keep.
func (m *Monitor) ClearOldData(keep time.Duration) int {
	if keep <= 0 {
		keep = DefaultRetainedAge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-keep)
	dropped := m.history.dropBefore(cutoff)
	kept := m.resolved[:0]
	for _, a := range m.resolved {
		if a.ResolvedAt != nil && !a.ResolvedAt.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	m.resolved = kept
	return dropped
}

func (m *Monitor) Enable() {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	m.logger.WithField("field", "ErrorMonitor").Info("error monitoring enabled")
}

func (m *Monitor) Disable() {
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
	m.logger.WithField("field", "ErrorMonitor").Info("error monitoring disabled")
}

func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Reset clears metrics, history and alerts.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.history = newRing(m.history.capacity())
	m.metrics = make(map[string]*ErrorMetric)
	m.open = make(map[string]*Alert)
	m.resolved = nil
	m.mu.Unlock()
	m.logger.WithField("field", "ErrorMonitor").Warn("all error metrics have been reset")
}

func (m *Monitor) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.len()
}

func (a Alert) String() string {
	return fmt.Sprintf("%s [%s] %d/%d in %s", a.Title, a.Level, a.Count, a.Threshold, a.Window)
}
