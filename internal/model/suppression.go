// internal/model/suppression.go
package model

import "time"

type SuppressionReason string

const (
	ReasonOptOut  SuppressionReason = "opt_out"
	ReasonSpam    SuppressionReason = "spam"
	ReasonManual  SuppressionReason = "manual"
	ReasonInvalid SuppressionReason = "invalid"
)

func (r SuppressionReason) Valid() bool {
	switch r {
	case ReasonOptOut, ReasonSpam, ReasonManual, ReasonInvalid:
		return true
	}
	return false
}

type SuppressionSource string

const (
	SourceKeyword SuppressionSource = "keyword"
	SourceManual  SuppressionSource = "manual"
	SourceCarrier SuppressionSource = "carrier"
	SourceImport  SuppressionSource = "import"
)

// Suppression blocks a number for one organization, or globally when
// OrganizationID is empty.
type Suppression struct {
	ID             string            `db:"id" json:"id"`
	OrganizationID string            `db:"organization_id" json:"organization_id,omitempty"`
	PhoneNumber    string            `db:"phone_number" json:"phone_number"`
	Reason         SuppressionReason `db:"reason" json:"reason"`
	Source         SuppressionSource `db:"source" json:"source"`
	Active         bool              `db:"active" json:"active"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	DeactivatedAt  *time.Time        `db:"deactivated_at" json:"deactivated_at,omitempty"`
}

// AuditEvent is an append-only compliance record.
type AuditEvent struct {
	ID             string            `db:"id" json:"id"`
	OrganizationID string            `db:"organization_id" json:"organization_id"`
	EventType      string            `db:"event_type" json:"event_type"`
	PhoneNumber    string            `db:"phone_number" json:"phone_number"`
	Keyword        string            `db:"keyword" json:"keyword,omitempty"`
	Action         string            `db:"action" json:"action"`
	Details        map[string]string `db:"details" json:"details,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
}
