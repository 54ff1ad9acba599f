package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/clearance_backend/appctx"
	"github.com/mmdatafocus/clearance_backend/faults"
	"gorm.io/gorm"
)

// GormStore implements DocumentStore and TenantStore on MySQL.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateDocument(ctx context.Context, doc *ClearanceDocument) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return faults.Conflict("CreateDocument", err)
		}
		return faults.Storage("CreateDocument", err)
	}
	return nil
}

func (s *GormStore) LoadDocument(ctx context.Context, id string) (*ClearanceDocument, error) {
	var doc ClearanceDocument
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.NotFound("LoadDocument", "document %s", id)
	}
	if err != nil {
		return nil, faults.Storage("LoadDocument", err)
	}
	return &doc, nil
}

func (s *GormStore) SaveDocument(ctx context.Context, doc *ClearanceDocument, expected Revision) error {
	tx := s.db.WithContext(ctx).Model(&ClearanceDocument{}).
		Where("id = ? AND state = ? AND attempt_count = ?", doc.ID, expected.State, expected.AttemptCount).
		Updates(documentUpdates(doc))
	if tx.Error != nil {
		return faults.Storage("SaveDocument", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return faults.Stale("SaveDocument", "document %s is no longer %s/%d", doc.ID, expected.State, expected.AttemptCount)
	}
	return nil
}

func documentUpdates(doc *ClearanceDocument) map[string]interface{} {
	return map[string]interface{}{
		"state":                          doc.State,
		"attempt_count":                  doc.AttemptCount,
		"next_eligible_at":               doc.NextEligibleAt,
		"last_error_category":            doc.LastError.Category,
		"last_error_code":                doc.LastError.Code,
		"last_error_remote_code":         doc.LastError.RemoteCode,
		"last_error_message":             doc.LastError.Message,
		"last_error_retryable":           doc.LastError.Retryable,
		"last_error_retry_after_seconds": doc.LastError.RetryAfterSeconds,
		"last_error_fields_json":         doc.LastError.FieldsJSON,
		"last_transition_at":             doc.LastTransitionAt,
		"last_polled_at":                 doc.LastPolledAt,
		"remote_reference":               doc.RemoteReference,
		"remote_message":                 doc.RemoteMessage,
		"response_artifact_ref":          doc.ResponseArtifactRef,
		"response_artifact":              doc.ResponseArtifact,
		"ack_type":                       doc.AckType,
		"acknowledged_at":                doc.AcknowledgedAt,
		"updated_at":                     time.Now(),
	}
}

func (s *GormStore) MaxSequenceNumber(ctx context.Context, tenantId, branch, terminal string, category DocumentCategory) (string, error) {
	var maxSeq sql.NullString
	err := s.db.WithContext(ctx).Model(&ClearanceDocument{}).
		Select("max(sequence_number)").
		Where("tenant_id = ? AND branch = ? AND terminal = ? AND category = ?", tenantId, branch, terminal, category).
		Scan(&maxSeq).Error
	if err != nil {
		return "", faults.Storage("MaxSequenceNumber", err)
	}
	return maxSeq.String, nil
}

// ExistsByKey is global across tenants.
func (s *GormStore) ExistsByKey(ctx context.Context, documentKey string) (bool, error) {
	var count int64
	err := s.db.WithContext(crossTenant(ctx)).Model(&ClearanceDocument{}).
		Where("document_key = ?", documentKey).
		Count(&count).Error
	if err != nil {
		return false, faults.Storage("ExistsByKey", err)
	}
	return count > 0, nil
}

func (s *GormStore) ListDueForPoll(ctx context.Context, state DocumentState, cutoff time.Time, limit int) ([]*ClearanceDocument, error) {
	var docs []*ClearanceDocument
	err := s.db.WithContext(crossTenant(ctx)).
		Where("state = ? AND last_transition_at <= ? AND (last_polled_at IS NULL OR last_polled_at <= ?)", state, cutoff, cutoff).
		Order("last_transition_at ASC").
		Limit(limit).
		Find(&docs).Error
	if err != nil {
		return nil, faults.Storage("ListDueForPoll", err)
	}
	return docs, nil
}

func (s *GormStore) ListRetryCandidates(ctx context.Context, maxAttempts int, cutoff time.Time, limit int) ([]*ClearanceDocument, error) {
	var docs []*ClearanceDocument
	err := s.db.WithContext(crossTenant(ctx)).
		Where("state = ? AND attempt_count < ? AND last_error_retryable = ? AND last_error_category <> ? AND last_transition_at <= ? AND (next_eligible_at IS NULL OR next_eligible_at <= ?)",
			DocumentStateError, maxAttempts, true, "validation", cutoff, cutoff).
		Order("last_transition_at ASC").
		Limit(limit).
		Find(&docs).Error
	if err != nil {
		return nil, faults.Storage("ListRetryCandidates", err)
	}
	return docs, nil
}

func (s *GormStore) ListStaleSending(ctx context.Context, cutoff time.Time, limit int) ([]*ClearanceDocument, error) {
	var docs []*ClearanceDocument
	err := s.db.WithContext(crossTenant(ctx)).
		Where("state = ? AND last_transition_at <= ?", DocumentStateSending, cutoff).
		Order("last_transition_at ASC").
		Limit(limit).
		Find(&docs).Error
	if err != nil {
		return nil, faults.Storage("ListStaleSending", err)
	}
	return docs, nil
}

func (s *GormStore) CountByState(ctx context.Context, tenantId string) (map[DocumentState]int64, error) {
	var rows []struct {
		State DocumentState
		Total int64
	}
	err := s.db.WithContext(ctx).Model(&ClearanceDocument{}).
		Select("state, count(*) AS total").
		Where("tenant_id = ?", tenantId).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, faults.Storage("CountByState", err)
	}
	out := make(map[DocumentState]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Total
	}
	return out, nil
}

func (s *GormStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*ClearanceDocument, error) {
	q := s.db.WithContext(ctx).Omit("signed_payload", "response_artifact")
	if filter.TenantId != "" {
		q = q.Where("tenant_id = ?", filter.TenantId)
	}
	if len(filter.States) > 0 {
		q = q.Where("state IN ?", filter.States)
	}
	var docs []*ClearanceDocument
	if err := q.Order("created_at DESC").Limit(filter.limit()).Find(&docs).Error; err != nil {
		return nil, faults.Storage("ListDocuments", err)
	}
	return docs, nil
}

func (s *GormStore) LoadTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.NotFound("LoadTenant", "tenant %s", id)
	}
	if err != nil {
		return nil, faults.Storage("LoadTenant", err)
	}
	return &t, nil
}

func crossTenant(ctx context.Context) context.Context {
	return appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)
}

func isDuplicateKeyErr(err error) bool {
	var me *mysqlDriver.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return false
}
