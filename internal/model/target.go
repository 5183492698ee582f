// internal/model/target.go
package model

import "time"

type TargetStatus string

const (
	TargetQueued      TargetStatus = "queued"
	TargetSending     TargetStatus = "sending"
	TargetSent        TargetStatus = "sent"
	TargetDelivered   TargetStatus = "delivered"
	TargetFailed      TargetStatus = "failed"
	TargetSuppressed  TargetStatus = "suppressed"
	TargetRescheduled TargetStatus = "rescheduled"
)

// targetTransitions lists the legal next states for every target status.
// sent only moves forward through carrier status reconciliation.
var targetTransitions = map[TargetStatus][]TargetStatus{
	TargetQueued:      {TargetQueued, TargetSending, TargetSuppressed, TargetRescheduled, TargetFailed},
	TargetRescheduled: {TargetQueued, TargetSending, TargetSuppressed, TargetRescheduled, TargetFailed},
	TargetSending:     {TargetSent, TargetRescheduled, TargetFailed, TargetSuppressed},
	TargetSent:        {TargetDelivered, TargetFailed},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s TargetStatus) CanTransition(next TargetStatus) bool {
	for _, allowed := range targetTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s TargetStatus) Terminal() bool {
	return len(targetTransitions[s]) == 0
}

// Dispatchable reports whether a worker may start an attempt from s.
func (s TargetStatus) Dispatchable() bool {
	return s == TargetQueued || s == TargetRescheduled || s == TargetSending
}

// CampaignTarget is one recipient within one campaign.
type CampaignTarget struct {
	ID             string       `db:"id" json:"id"`
	CampaignID     string       `db:"campaign_id" json:"campaign_id"`
	OrganizationID string       `db:"organization_id" json:"organization_id"`
	LeadID         string       `db:"lead_id" json:"lead_id"`
	PhoneNumber    string       `db:"phone_number" json:"phone_number"`
	TemplateID     *string      `db:"template_id" json:"template_id,omitempty"`
	FromNumberID   *string      `db:"from_number_id" json:"from_number_id,omitempty"`
	FromNumber     *string      `db:"from_number" json:"from_number,omitempty"`
	MessageID      *string      `db:"message_id" json:"message_id,omitempty"`
	Status         TargetStatus `db:"status" json:"status"`
	RetryCount     int          `db:"retry_count" json:"retry_count"`
	MaxRetries     int          `db:"max_retries" json:"max_retries"`
	Deferrals      int          `db:"deferrals" json:"deferrals"`
	NextAttemptAt  *time.Time   `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError      string       `db:"last_error" json:"last_error,omitempty"`
	SentAt         *time.Time   `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt    *time.Time   `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt       *time.Time   `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}
