package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/identifier"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type DraftInput struct {
	TenantId      string                  `json:"-"`
	Category      models.DocumentCategory `json:"category" binding:"required"`
	Branch        string                  `json:"branch" binding:"required,len=3,numeric"`
	Terminal      string                  `json:"terminal" binding:"required,len=5,numeric"`
	IssuedAt      *time.Time              `json:"issued_at"`
	TotalAmount   decimal.Decimal         `json:"total_amount"`
	SignedPayload []byte                  `json:"signed_payload"`
	ContentHash   string                  `json:"content_hash" binding:"omitempty,max=128"`
}

// Intake creates Draft documents with their sequence number and key assigned.
type Intake struct {
	Store       models.DocumentStore
	Tenants     models.TenantStore
	Identifiers *identifier.Generator
	Logger      *logrus.Logger
	Now         func() time.Time
}

func (in *Intake) now() time.Time {
	if in.Now != nil {
		return in.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateDraft inserts a Draft. A sequence number taken by a concurrent writer
// (unique index conflict) is reassigned once.
func (in *Intake) CreateDraft(ctx context.Context, input DraftInput) (*models.ClearanceDocument, error) {
	if !input.Category.IsValid() {
		return nil, faults.Invariant("CreateDraft", "invalid document category %q", input.Category)
	}
	if input.ContentHash != "" && len(input.SignedPayload) == 0 {
		return nil, faults.Invariant("CreateDraft", "content hash given without a signed payload")
	}
	if input.TotalAmount.IsNegative() {
		return nil, faults.Invariant("CreateDraft", "total amount must not be negative")
	}
	tenant, err := in.Tenants.LoadTenant(ctx, input.TenantId)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive {
		return nil, faults.Configuration("CreateDraft", "tenant %s is inactive", tenant.ID)
	}

	now := in.now()
	issuedAt := now
	if input.IssuedAt != nil {
		issuedAt = input.IssuedAt.UTC()
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		seq, err := in.Identifiers.NextSequenceNumber(ctx, tenant.ID, input.Category, input.Branch, input.Terminal)
		if err != nil {
			return nil, err
		}
		key, err := in.Identifiers.BuildDocumentKey(ctx, tenant, input.Category, seq, issuedAt)
		if err != nil {
			return nil, err
		}
		doc := &models.ClearanceDocument{
			ID:               uuid.NewString(),
			TenantId:         tenant.ID,
			Category:         input.Category,
			Branch:           input.Branch,
			Terminal:         input.Terminal,
			SequenceNumber:   seq,
			DocumentKey:      key,
			IssuedAt:         issuedAt,
			TotalAmount:      input.TotalAmount,
			SignedPayload:    input.SignedPayload,
			ContentHash:      input.ContentHash,
			State:            models.DocumentStateDraft,
			LastTransitionAt: now,
		}
		err = in.Store.CreateDocument(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !faults.Is(err, faults.KindConflict) {
			return nil, err
		}
		lastErr = err
		if in.Logger != nil {
			in.Logger.WithFields(logrus.Fields{
				"field":           "Intake",
				"tenant_id":       tenant.ID,
				"sequence_number": seq,
			}).Warn("sequence number taken concurrently, reassigning")
		}
	}
	return nil, lastErr
}
