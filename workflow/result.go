package workflow

import (
	"time"

	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/models"
)

// Outcome of a Submit, Cancel, Acknowledge or PollDocument call.
type Outcome string

const (
	// OutcomeAccepted means the authority took the call; State holds what it decided.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRefused means a precondition failed and nothing was attempted.
	OutcomeRefused Outcome = "refused"
	// OutcomeFailed means the attempt was made and failed; Category says how.
	OutcomeFailed Outcome = "failed"
)

// RefusalReason names the precondition that failed.
type RefusalReason string

const (
	ReasonBusy               RefusalReason = "DOCUMENT_BUSY"
	ReasonNotSigned          RefusalReason = "DOCUMENT_NOT_SIGNED"
	ReasonTerminal           RefusalReason = "DOCUMENT_TERMINAL"
	ReasonMaxAttempts        RefusalReason = "MAX_ATTEMPTS_REACHED"
	ReasonNotEligibleYet     RefusalReason = "NOT_ELIGIBLE_YET"
	ReasonNotSubmitted       RefusalReason = "DOCUMENT_NOT_SUBMITTED"
	ReasonNotDue             RefusalReason = "POLL_NOT_DUE"
	ReasonNotAcknowledgeable RefusalReason = "DOCUMENT_NOT_ACKNOWLEDGEABLE"
	ReasonAlreadyAcked       RefusalReason = "ALREADY_ACKNOWLEDGED"

	// ReasonAwaitingAuthority: the authority holds the document, only polling moves it.
	ReasonAwaitingAuthority RefusalReason = "AWAITING_AUTHORITY"
)

const CodeInterruptedSubmission = "INTERRUPTED_SUBMISSION"

type Result struct {
	Outcome         Outcome              `json:"outcome"`
	DocumentId      string               `json:"document_id"`
	State           models.DocumentState `json:"state"`
	AttemptCount    int                  `json:"attempt_count"`
	Reason          RefusalReason        `json:"reason,omitempty"`
	Code            string               `json:"code,omitempty"`
	Message         string               `json:"message,omitempty"`
	Category        string               `json:"category,omitempty"`
	Retryable       bool                 `json:"retryable"`
	NextEligibleAt  *time.Time           `json:"next_eligible_at,omitempty"`
	RemoteReference string               `json:"remote_reference,omitempty"`
	Fields          []faults.FieldError  `json:"fields,omitempty"`
}

func refused(doc *models.ClearanceDocument, reason RefusalReason, message string) Result {
	r := Result{
		Outcome: OutcomeRefused,
		Reason:  reason,
		Code:    string(reason),
		Message: message,
	}
	if doc != nil {
		r.DocumentId = doc.ID
		r.State = doc.State
		r.AttemptCount = doc.AttemptCount
		r.NextEligibleAt = doc.NextEligibleAt
	}
	return r
}

func accepted(doc *models.ClearanceDocument) Result {
	return Result{
		Outcome:         OutcomeAccepted,
		DocumentId:      doc.ID,
		State:           doc.State,
		AttemptCount:    doc.AttemptCount,
		Message:         doc.RemoteMessage,
		RemoteReference: doc.RemoteReference,
	}
}
