package domain

import "time"

// EvidenceType is a closed set of evidence artifact kinds.
type EvidenceType string

const (
	EvidenceOAuthConnector   EvidenceType = "oauth_connector"
	EvidenceWebhookEvent     EvidenceType = "webhook_event"
	EvidenceDocumentUpload   EvidenceType = "document_upload"
	EvidenceBankTransaction  EvidenceType = "bank_transaction"
	EvidencePublicLink       EvidenceType = "public_link"
	EvidenceScreenshot       EvidenceType = "screenshot"
	EvidenceEmailProof       EvidenceType = "email_proof"
	EvidenceManualReviewNote EvidenceType = "manual_review_note"
)

func IsKnownEvidenceType(t EvidenceType) bool {
	switch t {
	case EvidenceOAuthConnector, EvidenceWebhookEvent, EvidenceDocumentUpload,
		EvidenceBankTransaction, EvidencePublicLink, EvidenceScreenshot,
		EvidenceEmailProof, EvidenceManualReviewNote:
		return true
	}
	return false
}

// VerificationBoost is the additive verification boost §4.5.2 grants per
// evidence type.
var VerificationBoost = map[EvidenceType]float64{
	EvidenceOAuthConnector:   0.30,
	EvidenceWebhookEvent:     0.25,
	EvidenceDocumentUpload:   0.20,
	EvidenceBankTransaction:  0.35,
	EvidencePublicLink:       0.10,
	EvidenceScreenshot:       0.05,
	EvidenceEmailProof:       0.10,
	EvidenceManualReviewNote: 0.15,
}

// ExtractedEntities holds the subset of extractor output the engine reads
// directly; everything else on Extracted is pass-through.
type ExtractedEntities struct {
	Customer string `json:"customer,omitempty"`
}

type ExtractedAmounts struct {
	USD *float64 `json:"usd,omitempty"`
}

// Extracted is the structured record the external EvidenceExtractor returns.
// An extraction failure (§7e) leaves this nil on the persisted row; matching
// then falls back to type-based rules only.
type Extracted struct {
	Flags    []string           `json:"flags,omitempty"`
	Amounts  ExtractedAmounts   `json:"amounts"`
	Dates    map[string]string  `json:"dates,omitempty"`
	Entities ExtractedEntities  `json:"entities"`
}

// EvidenceArtifact is extracted external proof, optionally linked directly
// to an action.
type EvidenceArtifact struct {
	ID         string           `json:"id"`
	SubjectID  string           `json:"subject_id"`
	ActionID   *string          `json:"action_id,omitempty"`
	Type       EvidenceType     `json:"type"`
	Ref        string           `json:"ref"`
	Extracted  *Extracted       `json:"extracted,omitempty"`
	Tier       VerificationTier `json:"tier"`
	Confidence float64          `json:"confidence"`
	CreatedAt  time.Time        `json:"created_at"`
}

// VerificationState is one per action: its mutable progress toward the plan.
type VerificationState struct {
	ActionID            string        `json:"action_id"`
	CurrentVerification float64       `json:"current_verification"`
	Tier                VerificationTier `json:"tier"`
	Satisfied           bool          `json:"satisfied"`
	Missing             []Requirement `json:"missing"`
	MatchedEvidenceIDs  []string      `json:"matched_evidence_ids"`
	Notes               []string      `json:"notes,omitempty"`
}
