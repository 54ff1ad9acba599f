package models

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/clearance_backend/faults"
)

// MemoryStore is a process-local DocumentStore and TenantStore.
// It backs STORE_DRIVER=memory and the DB-free tests.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]*ClearanceDocument
	tenants map[string]*Tenant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]*ClearanceDocument),
		tenants: make(map[string]*Tenant),
	}
}

func (s *MemoryStore) PutTenant(t *Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tenants[t.ID] = &c
}

func (s *MemoryStore) LoadTenant(ctx context.Context, id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, faults.NotFound("LoadTenant", "tenant %s", id)
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *ClearanceDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return faults.Conflict("CreateDocument", faults.Invariant("CreateDocument", "duplicate id %s", doc.ID))
	}
	for _, d := range s.docs {
		if d.DocumentKey == doc.DocumentKey {
			return faults.Conflict("CreateDocument", faults.Invariant("CreateDocument", "duplicate document key"))
		}
		if d.TenantId == doc.TenantId && d.SequenceNumber == doc.SequenceNumber {
			return faults.Conflict("CreateDocument", faults.Invariant("CreateDocument", "duplicate sequence number %s", doc.SequenceNumber))
		}
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	s.docs[doc.ID] = CloneDocument(doc)
	return nil
}

func (s *MemoryStore) LoadDocument(ctx context.Context, id string) (*ClearanceDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, faults.NotFound("LoadDocument", "document %s", id)
	}
	return CloneDocument(d), nil
}

func (s *MemoryStore) SaveDocument(ctx context.Context, doc *ClearanceDocument, expected Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[doc.ID]
	if !ok || cur.State != expected.State || cur.AttemptCount != expected.AttemptCount {
		return faults.Stale("SaveDocument", "document %s is no longer %s/%d", doc.ID, expected.State, expected.AttemptCount)
	}
	next := CloneDocument(doc)
	// identity and identifiers are immutable once created
	next.TenantId = cur.TenantId
	next.Category = cur.Category
	next.Branch = cur.Branch
	next.Terminal = cur.Terminal
	next.SequenceNumber = cur.SequenceNumber
	next.DocumentKey = cur.DocumentKey
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now()
	s.docs[doc.ID] = next
	return nil
}

func (s *MemoryStore) MaxSequenceNumber(ctx context.Context, tenantId, branch, terminal string, category DocumentCategory) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxSeq string
	for _, d := range s.docs {
		if d.TenantId == tenantId && d.Branch == branch && d.Terminal == terminal && d.Category == category {
			if d.SequenceNumber > maxSeq {
				maxSeq = d.SequenceNumber
			}
		}
	}
	return maxSeq, nil
}

func (s *MemoryStore) ExistsByKey(ctx context.Context, documentKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if d.DocumentKey == documentKey {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListDueForPoll(ctx context.Context, state DocumentState, cutoff time.Time, limit int) ([]*ClearanceDocument, error) {
	return s.list(limit, func(d *ClearanceDocument) bool {
		return d.State == state &&
			!d.LastTransitionAt.After(cutoff) &&
			(d.LastPolledAt == nil || !d.LastPolledAt.After(cutoff))
	}), nil
}

func (s *MemoryStore) ListRetryCandidates(ctx context.Context, maxAttempts int, cutoff time.Time, limit int) ([]*ClearanceDocument, error) {
	return s.list(limit, func(d *ClearanceDocument) bool {
		return d.State == DocumentStateError &&
			d.AttemptCount < maxAttempts &&
			d.LastError.Retryable &&
			d.LastError.Category != "validation" &&
			!d.LastTransitionAt.After(cutoff) &&
			(d.NextEligibleAt == nil || !d.NextEligibleAt.After(cutoff))
	}), nil
}

func (s *MemoryStore) ListStaleSending(ctx context.Context, cutoff time.Time, limit int) ([]*ClearanceDocument, error) {
	return s.list(limit, func(d *ClearanceDocument) bool {
		return d.State == DocumentStateSending && !d.LastTransitionAt.After(cutoff)
	}), nil
}

func (s *MemoryStore) CountByState(ctx context.Context, tenantId string) (map[DocumentState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[DocumentState]int64)
	for _, d := range s.docs {
		if d.TenantId == tenantId {
			out[d.State]++
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*ClearanceDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ClearanceDocument
	for _, d := range s.docs {
		if filter.TenantId != "" && d.TenantId != filter.TenantId {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, d.State) {
			continue
		}
		out = append(out, CloneDocument(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

func (s *MemoryStore) list(limit int, match func(*ClearanceDocument) bool) []*ClearanceDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ClearanceDocument
	for _, d := range s.docs {
		if match(d) {
			out = append(out, CloneDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTransitionAt.Before(out[j].LastTransitionAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsState(states []DocumentState, s DocumentState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}
