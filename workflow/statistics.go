package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/clearance_backend/models"
)

const statisticsScanLimit = 10000

type SubmissionStatistics struct {
	TenantId        string                          `json:"tenant_id"`
	PeriodDays      int                             `json:"period_days"`
	Total           int                             `json:"total_documents"`
	ByState         map[models.DocumentState]int    `json:"by_status"`
	ByCategory      map[models.DocumentCategory]int `json:"by_document_type"`
	ErrorCategories map[string]int                  `json:"error_categories"`
	Pending         int                             `json:"pending"`
	Errors          int                             `json:"errors"`
	SuccessRate     float64                         `json:"success_rate"`
	AverageAttempts float64                         `json:"average_attempts"`
	GeneratedAt     time.Time                       `json:"generated_at"`
}

// SubmissionStatistics reports on the tenant's documents created in the last days.
func (s *Scheduler) SubmissionStatistics(ctx context.Context, tenantId string, days int) (SubmissionStatistics, error) {
	if days <= 0 {
		days = 7
	}
	o := s.Orchestrator
	now := o.now()
	docs, err := o.Store.ListDocuments(ctx, models.DocumentFilter{TenantId: tenantId, Limit: statisticsScanLimit})
	if err != nil {
		return SubmissionStatistics{}, err
	}
	since := now.AddDate(0, 0, -days)
	stats := SubmissionStatistics{
		TenantId:        tenantId,
		PeriodDays:      days,
		ByState:         map[models.DocumentState]int{},
		ByCategory:      map[models.DocumentCategory]int{},
		ErrorCategories: map[string]int{},
		GeneratedAt:     now,
	}
	attempts := 0
	for _, d := range docs {
		if d.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByState[d.State]++
		stats.ByCategory[d.Category]++
		attempts += d.AttemptCount
		switch d.State {
		case models.DocumentStateSending, models.DocumentStateSent, models.DocumentStateProcessing:
			stats.Pending++
		case models.DocumentStateError:
			stats.Errors++
		}
		if (d.State == models.DocumentStateError || d.State == models.DocumentStateRejected) && d.LastError.Category != "" {
			stats.ErrorCategories[d.LastError.Category]++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByState[models.DocumentStateAccepted]) / float64(stats.Total) * 100
		stats.AverageAttempts = float64(attempts) / float64(stats.Total)
	}
	return stats, nil
}

type AttentionItem struct {
	DocumentId     string               `json:"document_id"`
	DocumentKey    string               `json:"document_key"`
	State          models.DocumentState `json:"state"`
	AttemptCount   int                  `json:"attempt_count"`
	Reason         string               `json:"reason"`
	LastError      string               `json:"last_error,omitempty"`
	NextEligibleAt *time.Time           `json:"next_eligible_at,omitempty"`
}

type StatusSummary struct {
	TenantId          string                       `json:"tenant_id"`
	Total             int                          `json:"total_documents"`
	Distribution      map[models.DocumentState]int `json:"status_distribution"`
	NeedsPolling      int                          `json:"needs_polling"`
	NeedsResubmission int                          `json:"needs_resubmission"`
	NeedsAttention    int                          `json:"needs_attention"`
	Attention         []AttentionItem              `json:"documents_requiring_attention"`
	GeneratedAt       time.Time                    `json:"generated_at"`
}

// StatusSummary lists what the background loops still owe the tenant and the
// documents a person has to look at.
func (s *Scheduler) StatusSummary(ctx context.Context, tenantId string, sweeper *Sweeper) (StatusSummary, error) {
	o := s.Orchestrator
	now := o.now()
	docs, err := o.Store.ListDocuments(ctx, models.DocumentFilter{TenantId: tenantId, Limit: statisticsScanLimit})
	if err != nil {
		return StatusSummary{}, err
	}
	sum := StatusSummary{
		TenantId:     tenantId,
		Distribution: map[models.DocumentState]int{},
		Attention:    []AttentionItem{},
		GeneratedAt:  now,
	}
	for _, d := range docs {
		sum.Total++
		sum.Distribution[d.State]++
		overdue := !d.State.IsTerminal() && d.State != models.DocumentStateDraft && s.due(d, now)
		if overdue {
			sum.NeedsPolling++
		}
		if sweeper != nil && sweeper.Eligible(d, now) {
			sum.NeedsResubmission++
		}
		var reason string
		switch {
		case d.State == models.DocumentStateError:
			reason = "error"
		case d.State == models.DocumentStateRejected:
			reason = "rejected"
		case overdue:
			reason = "overdue"
		}
		if d.State == models.DocumentStateError || d.State == models.DocumentStateRejected {
			sum.NeedsAttention++
		}
		if reason != "" && d.State != models.DocumentStateRejected {
			sum.Attention = append(sum.Attention, AttentionItem{
				DocumentId:     d.ID,
				DocumentKey:    d.DocumentKey,
				State:          d.State,
				AttemptCount:   d.AttemptCount,
				Reason:         reason,
				LastError:      d.LastError.Message,
				NextEligibleAt: d.NextEligibleAt,
			})
		}
	}
	return sum, nil
}
