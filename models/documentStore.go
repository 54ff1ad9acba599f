package models

import (
	"context"
	"time"
)

// DocumentStore is the storage collaborator for clearance documents.
//
// SaveDocument is optimistic: it fails with a faults.KindStale error when the stored
// state/attempt count no longer equals expected. That check is the per-document lease
// of last resort.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *ClearanceDocument) error
	LoadDocument(ctx context.Context, id string) (*ClearanceDocument, error)
	SaveDocument(ctx context.Context, doc *ClearanceDocument, expected Revision) error
	// MaxSequenceNumber returns "" when no document shares the prefix.
	MaxSequenceNumber(ctx context.Context, tenantId, branch, terminal string, category DocumentCategory) (string, error)
	ExistsByKey(ctx context.Context, documentKey string) (bool, error)

	// ListDueForPoll returns documents in state whose last transition and last poll
	// are both at or before cutoff, oldest first.
	ListDueForPoll(ctx context.Context, state DocumentState, cutoff time.Time, limit int) ([]*ClearanceDocument, error)
	// ListRetryCandidates returns Error documents with a retryable, non-validation
	// last error, attempts below maxAttempts, a transition at or before cutoff and
	// no next-eligible time after cutoff.
	ListRetryCandidates(ctx context.Context, maxAttempts int, cutoff time.Time, limit int) ([]*ClearanceDocument, error)
	ListStaleSending(ctx context.Context, cutoff time.Time, limit int) ([]*ClearanceDocument, error)

	CountByState(ctx context.Context, tenantId string) (map[DocumentState]int64, error)
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]*ClearanceDocument, error)
}

type TenantStore interface {
	LoadTenant(ctx context.Context, id string) (*Tenant, error)
}

type DocumentFilter struct {
	TenantId string
	States   []DocumentState
	// Limit defaults to 500.
	Limit int
}

const defaultListLimit = 500

func (f DocumentFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// CloneDocument returns a copy that shares no mutable memory with d.
func CloneDocument(d *ClearanceDocument) *ClearanceDocument {
	if d == nil {
		return nil
	}
	c := *d
	c.SignedPayload = cloneBytes(d.SignedPayload)
	c.ResponseArtifact = cloneBytes(d.ResponseArtifact)
	c.LastError.FieldsJSON = cloneBytes(d.LastError.FieldsJSON)
	c.NextEligibleAt = cloneTime(d.NextEligibleAt)
	c.LastPolledAt = cloneTime(d.LastPolledAt)
	c.AcknowledgedAt = cloneTime(d.AcknowledgedAt)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
