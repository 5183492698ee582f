// internal/model/phone_number.go
package model

import "time"

type PhoneStatus string

const (
	PhoneActive    PhoneStatus = "active"
	PhoneInactive  PhoneStatus = "inactive"
	PhoneSuspended PhoneStatus = "suspended"
)

// PhoneNumber is a sending identity owned by an organization.
type PhoneNumber struct {
	ID             string      `db:"id" json:"id"`
	OrganizationID string      `db:"organization_id" json:"organization_id"`
	E164           string      `db:"e164" json:"e164"`
	Status         PhoneStatus `db:"status" json:"status"`
	HealthScore    int         `db:"health_score" json:"health_score"`
	RateLimitMPS   int         `db:"rate_limit_mps" json:"rate_limit_mps"`
	DailyCap       *int        `db:"daily_cap" json:"daily_cap,omitempty"`
	SendCount      int64       `db:"send_count" json:"send_count"`
	LastUsedAt     *time.Time  `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// Eligible reports whether the number may be selected for sending.
func (p *PhoneNumber) Eligible(healthFloor int) bool {
	return p.Status == PhoneActive && p.HealthScore >= healthFloor
}

// MPS returns the per-second limit, never less than one.
func (p *PhoneNumber) MPS() int {
	if p.RateLimitMPS < 1 {
		return 1
	}
	return p.RateLimitMPS
}

// Cap returns the daily cap or zero when the number is uncapped.
func (p *PhoneNumber) Cap() int {
	if p.DailyCap == nil || *p.DailyCap < 0 {
		return 0
	}
	return *p.DailyCap
}
