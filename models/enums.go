package models

import (
	"encoding/json"
	"errors"
)

type DocumentState string

const (
	DocumentStateDraft      DocumentState = "Draft"
	DocumentStateSending    DocumentState = "Sending"
	DocumentStateSent       DocumentState = "Sent"
	DocumentStateProcessing DocumentState = "Processing"
	DocumentStateAccepted   DocumentState = "Accepted"
	DocumentStateRejected   DocumentState = "Rejected"
	DocumentStateError      DocumentState = "Error"
	DocumentStateCancelled  DocumentState = "Cancelled"
)

var AllDocumentStates = []DocumentState{
	DocumentStateDraft,
	DocumentStateSending,
	DocumentStateSent,
	DocumentStateProcessing,
	DocumentStateAccepted,
	DocumentStateRejected,
	DocumentStateError,
	DocumentStateCancelled,
}

func (s DocumentState) IsTerminal() bool {
	return s == DocumentStateAccepted || s == DocumentStateRejected || s == DocumentStateCancelled
}

func (s DocumentState) IsValid() bool {
	for _, v := range AllDocumentStates {
		if v == s {
			return true
		}
	}
	return false
}

// allowed transitions; terminal states have no entry
var documentTransitions = map[DocumentState][]DocumentState{
	DocumentStateDraft:      {DocumentStateSending, DocumentStateCancelled},
	DocumentStateSending:    {DocumentStateSent, DocumentStateProcessing, DocumentStateAccepted, DocumentStateRejected, DocumentStateError, DocumentStateCancelled},
	DocumentStateSent:       {DocumentStateProcessing, DocumentStateAccepted, DocumentStateRejected, DocumentStateError, DocumentStateCancelled},
	DocumentStateProcessing: {DocumentStateAccepted, DocumentStateRejected, DocumentStateError, DocumentStateCancelled},
	// Error re-enters Sending on retry; reconciliation may also learn the remote outcome directly.
	DocumentStateError: {DocumentStateSending, DocumentStateProcessing, DocumentStateAccepted, DocumentStateRejected, DocumentStateCancelled},
}

func (s DocumentState) CanTransitionTo(next DocumentState) bool {
	for _, v := range documentTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

type DocumentCategory string

const (
	DocumentCategoryInvoice         DocumentCategory = "01"
	DocumentCategoryDebitNote       DocumentCategory = "02"
	DocumentCategoryCreditNote      DocumentCategory = "03"
	DocumentCategoryTicket          DocumentCategory = "04"
	DocumentCategoryExportInvoice   DocumentCategory = "05"
	DocumentCategoryPurchaseInvoice DocumentCategory = "06"
	DocumentCategoryPaymentReceipt  DocumentCategory = "07"
)

var AllDocumentCategories = []DocumentCategory{
	DocumentCategoryInvoice,
	DocumentCategoryDebitNote,
	DocumentCategoryCreditNote,
	DocumentCategoryTicket,
	DocumentCategoryExportInvoice,
	DocumentCategoryPurchaseInvoice,
	DocumentCategoryPaymentReceipt,
}

var documentCategoryNames = map[DocumentCategory]string{
	DocumentCategoryInvoice:         "Electronic Invoice",
	DocumentCategoryDebitNote:       "Electronic Debit Note",
	DocumentCategoryCreditNote:      "Electronic Credit Note",
	DocumentCategoryTicket:          "Electronic Ticket",
	DocumentCategoryExportInvoice:   "Export Invoice",
	DocumentCategoryPurchaseInvoice: "Purchase Invoice",
	DocumentCategoryPaymentReceipt:  "Payment Receipt",
}

func (c DocumentCategory) IsValid() bool {
	_, ok := documentCategoryNames[c]
	return ok
}

func (c DocumentCategory) Name() string {
	return documentCategoryNames[c]
}

func (c *DocumentCategory) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("document category must be string")
	}
	v := DocumentCategory(s)
	if !v.IsValid() {
		return errors.New("invalid document category")
	}
	*c = v
	return nil
}

// AckType is the receptor's answer to a received document.
type AckType int

const (
	AckTypeAccepted          AckType = 1
	AckTypePartiallyAccepted AckType = 2
	AckTypeRejected          AckType = 3
)

func (a AckType) IsValid() bool {
	return a == AckTypeAccepted || a == AckTypePartiallyAccepted || a == AckTypeRejected
}

type AuthorityEnvironment string

const (
	AuthorityEnvironmentSandbox    AuthorityEnvironment = "sandbox"
	AuthorityEnvironmentProduction AuthorityEnvironment = "production"
)
