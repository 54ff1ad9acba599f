package models

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/clearance_backend/faults"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	return NewGormStore(db), mock
}

func sampleDocument(id string) *ClearanceDocument {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	return &ClearanceDocument{
		ID:               id,
		TenantId:         "tenant-1",
		Category:         DocumentCategoryInvoice,
		Branch:           "001",
		Terminal:         "00001",
		SequenceNumber:   "00100001010000000001",
		DocumentKey:      "50604032600310123456700100001010000000001112345678",
		IssuedAt:         now,
		SignedPayload:    []byte("<signed/>"),
		ContentHash:      "abc",
		State:            DocumentStateDraft,
		LastTransitionAt: now,
	}
}

func TestGormSaveDocumentOptimisticConflict(t *testing.T) {
	store, mock := newMockStore(t)
	doc := sampleDocument("doc-1")
	expected := doc.Revision()
	doc.State = DocumentStateSending
	doc.AttemptCount = 1

	mock.ExpectExec("UPDATE `clearance_documents` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.SaveDocument(context.Background(), doc, expected); err != nil {
		t.Fatalf("expected save to succeed, got %v", err)
	}

	mock.ExpectExec("UPDATE `clearance_documents` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.SaveDocument(context.Background(), doc, expected)
	if !faults.Is(err, faults.KindStale) {
		t.Fatalf("expected stale write, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGormCreateDocumentDuplicateKey(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO `clearance_documents`").
		WillReturnError(&mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := store.CreateDocument(context.Background(), sampleDocument("doc-1"))
	if !faults.Is(err, faults.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGormMaxSequenceNumberAndExists(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT max\\(sequence_number\\) FROM `clearance_documents`").
		WillReturnRows(sqlmock.NewRows([]string{"max(sequence_number)"}).AddRow("00100001010000000007"))
	got, err := store.MaxSequenceNumber(context.Background(), "tenant-1", "001", "00001", DocumentCategoryInvoice)
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if got != "00100001010000000007" {
		t.Fatalf("unexpected max sequence %q", got)
	}

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `clearance_documents`").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))
	exists, err := store.ExistsByKey(context.Background(), "x")
	if err != nil || !exists {
		t.Fatalf("expected key to exist, got %v %v", exists, err)
	}
}

func TestGormRetryCandidatesFilterNextEligible(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT \\* FROM `clearance_documents` WHERE .*last_transition_at <= \\? AND \\(next_eligible_at IS NULL OR next_eligible_at <= \\?\\)").
		WithArgs("Error", 3, true, "validation", cutoff, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).AddRow("doc-1", "Error"))

	got, err := store.ListRetryCandidates(context.Background(), 3, cutoff, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "doc-1" {
		t.Fatalf("unexpected candidates %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMemoryStoreSaveRequiresRevision(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := sampleDocument("doc-1")
	if err := store.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, _ := store.LoadDocument(ctx, "doc-1")
	second, _ := store.LoadDocument(ctx, "doc-1")

	expected := first.Revision()
	first.State = DocumentStateSending
	first.AttemptCount++
	if err := store.SaveDocument(ctx, first, expected); err != nil {
		t.Fatalf("first save: %v", err)
	}

	expected = second.Revision()
	second.State = DocumentStateSending
	second.AttemptCount++
	if err := store.SaveDocument(ctx, second, expected); !faults.Is(err, faults.KindStale) {
		t.Fatalf("expected second writer to lose, got %v", err)
	}

	got, _ := store.LoadDocument(ctx, "doc-1")
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", got.AttemptCount)
	}
}

func TestMemoryStoreUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateDocument(ctx, sampleDocument("doc-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := sampleDocument("doc-2")
	if err := store.CreateDocument(ctx, dup); !faults.Is(err, faults.KindConflict) {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}

	if _, err := store.LoadDocument(ctx, "missing"); !faults.Is(err, faults.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreRetryCandidatesExcludeIneligible(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	past := time.Now().Add(-time.Hour)

	retryable := sampleDocument("doc-1")
	retryable.State = DocumentStateError
	retryable.AttemptCount = 1
	retryable.LastTransitionAt = past
	retryable.LastError = ErrorInfo{Category: "network", Retryable: true}

	validation := sampleDocument("doc-2")
	validation.SequenceNumber = "00100001010000000002"
	validation.DocumentKey = "50604032600310123456700100001010000000002112345678"
	validation.State = DocumentStateError
	validation.AttemptCount = 1
	validation.LastTransitionAt = past
	validation.LastError = ErrorInfo{Category: "validation", Retryable: true}

	exhausted := sampleDocument("doc-3")
	exhausted.SequenceNumber = "00100001010000000003"
	exhausted.DocumentKey = "50604032600310123456700100001010000000003112345678"
	exhausted.State = DocumentStateError
	exhausted.AttemptCount = 3
	exhausted.LastTransitionAt = past
	exhausted.LastError = ErrorInfo{Category: "network", Retryable: true}

	future := time.Now().Add(time.Hour)
	waiting := sampleDocument("doc-4")
	waiting.SequenceNumber = "00100001010000000004"
	waiting.DocumentKey = "50604032600310123456700100001010000000004112345678"
	waiting.State = DocumentStateError
	waiting.AttemptCount = 1
	waiting.LastTransitionAt = past.Add(-time.Hour)
	waiting.LastError = ErrorInfo{Category: "network", Retryable: true}
	waiting.NextEligibleAt = &future

	for _, d := range []*ClearanceDocument{retryable, validation, exhausted, waiting} {
		if err := store.CreateDocument(ctx, d); err != nil {
			t.Fatalf("create %s: %v", d.ID, err)
		}
	}

	got, err := store.ListRetryCandidates(ctx, 3, time.Now(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "doc-1" {
		t.Fatalf("expected only doc-1, got %+v", got)
	}
}

func TestDocumentStateTransitions(t *testing.T) {
	for _, s := range []DocumentState{DocumentStateAccepted, DocumentStateRejected, DocumentStateCancelled} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
		for _, next := range AllDocumentStates {
			if s.CanTransitionTo(next) {
				t.Fatalf("terminal %s must not transition to %s", s, next)
			}
		}
	}
	if !DocumentStateError.CanTransitionTo(DocumentStateSending) {
		t.Fatalf("error must re-enter sending")
	}
	if DocumentStateDraft.CanTransitionTo(DocumentStateError) {
		t.Fatalf("draft must not go straight to error")
	}
}
