package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ErrorInfo is the last classified failure recorded on a document.
// An empty Category means no error is recorded.
type ErrorInfo struct {
	Category          string `gorm:"size:32" json:"category"`
	Code              string `gorm:"size:64" json:"code"`
	RemoteCode        string `gorm:"size:32" json:"remote_code,omitempty"`
	Message           string `gorm:"type:text" json:"message"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	// FieldsJSON keeps the remote field-level validation detail verbatim.
	FieldsJSON []byte `gorm:"type:json" json:"-"`
}

func (e ErrorInfo) IsZero() bool { return e.Category == "" }

// ClearanceDocument is a tax document tracked through the authority's clearance protocol.
// Unique constraints: (tenant_id, sequence_number) and document_key.
type ClearanceDocument struct {
	ID             string           `gorm:"primaryKey;size:36" json:"id"`
	TenantId       string           `gorm:"size:64;not null;uniqueIndex:uniq_doc_sequence,priority:1;index:idx_doc_tenant_state,priority:1" json:"tenant_id"`
	Category       DocumentCategory `gorm:"size:2;not null" json:"category"`
	Branch         string           `gorm:"size:3;not null" json:"branch"`
	Terminal       string           `gorm:"size:5;not null" json:"terminal"`
	SequenceNumber string           `gorm:"size:20;not null;uniqueIndex:uniq_doc_sequence,priority:2" json:"sequence_number"`
	DocumentKey    string           `gorm:"size:50;not null;uniqueIndex" json:"document_key"`
	IssuedAt       time.Time        `gorm:"not null" json:"issued_at"`
	TotalAmount    decimal.Decimal  `gorm:"type:decimal(20,5);not null;default:0" json:"total_amount"`

	SignedPayload []byte `gorm:"type:longblob" json:"-"`
	ContentHash   string `gorm:"size:128" json:"content_hash"`

	State            DocumentState `gorm:"size:20;not null;index:idx_doc_tenant_state,priority:2;index:idx_doc_state_transition,priority:1" json:"state"`
	AttemptCount     int           `gorm:"not null;default:0" json:"attempt_count"`
	NextEligibleAt   *time.Time    `json:"next_eligible_at"`
	LastError        ErrorInfo     `gorm:"embedded;embeddedPrefix:last_error_" json:"last_error"`
	LastTransitionAt time.Time     `gorm:"not null;index:idx_doc_state_transition,priority:2" json:"last_transition_at"`
	LastPolledAt     *time.Time    `json:"last_polled_at"`

	RemoteReference string `gorm:"size:128" json:"remote_reference,omitempty"`
	RemoteMessage   string `gorm:"type:text" json:"remote_message,omitempty"`
	// ResponseArtifactRef is the object name of the signed authority response, when stored externally.
	ResponseArtifactRef string `gorm:"size:255" json:"response_artifact_ref,omitempty"`
	ResponseArtifact    []byte `gorm:"type:longblob" json:"-"`

	AckType        AckType    `gorm:"not null;default:0" json:"ack_type,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ClearanceDocument) TableName() string { return "clearance_documents" }

// Revision is what a writer read; SaveDocument only succeeds while it still matches.
type Revision struct {
	State        DocumentState
	AttemptCount int
}

func (d *ClearanceDocument) Revision() Revision {
	return Revision{State: d.State, AttemptCount: d.AttemptCount}
}

func (d *ClearanceDocument) HasSignedPayload() bool {
	return len(d.SignedPayload) > 0 && d.ContentHash != ""
}

// Tenant carries the issuer identity and the authority credential set for one taxpayer.
type Tenant struct {
	ID                string               `gorm:"primaryKey;size:64" json:"id"`
	Name              string               `gorm:"size:255" json:"name"`
	IssuerId          string               `gorm:"size:20;not null" json:"issuer_id"`
	IssuerIdType      string               `gorm:"size:2;not null;default:'01'" json:"issuer_id_type"`
	Environment       AuthorityEnvironment `gorm:"size:20;not null;default:'sandbox'" json:"environment"`
	AuthorityUsername string               `gorm:"size:255" json:"-"`
	AuthorityPassword string               `gorm:"type:text" json:"-"`
	IsActive          bool                 `gorm:"not null;default:true" json:"is_active"`
	CreatedAt         time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Tenant) TableName() string { return "clearance_tenants" }
