// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign is the dispatch-relevant slice of a campaign owned by the CRUD layer.
type Campaign struct {
	ID                string         `db:"id" json:"id"`
	OrganizationID    string         `db:"organization_id" json:"organization_id"`
	Name              string         `db:"name" json:"name"`
	Status            CampaignStatus `db:"status" json:"status"`
	TemplateCategory  string         `db:"template_category" json:"template_category"`
	MaxRetries        int            `db:"max_retries" json:"max_retries"`
	RespectQuietHours bool           `db:"respect_quiet_hours" json:"respect_quiet_hours"`
	Timezone          string         `db:"timezone" json:"timezone,omitempty"`
	QuietHoursStart   string         `db:"quiet_hours_start" json:"quiet_hours_start,omitempty"`
	QuietHoursEnd     string         `db:"quiet_hours_end" json:"quiet_hours_end,omitempty"`
	AllowedDays       []time.Weekday `db:"allowed_days" json:"allowed_days,omitempty"`
	RateLimitMPS      int            `db:"rate_limit_mps" json:"rate_limit_mps,omitempty"`
	DailyLimit        int            `db:"daily_limit" json:"daily_limit,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Sendable reports whether targets of the campaign may move into sending.
func (c *Campaign) Sendable() bool {
	return c.Status == CampaignActive
}

// Limited reports whether the campaign carries its own send limits on top
// of the per-number ones. Zero means unlimited.
func (c *Campaign) Limited() bool {
	return c.RateLimitMPS > 0 || c.DailyLimit > 0
}

// Lead is the recipient record the templates are rendered against.
type Lead struct {
	ID             string            `db:"id" json:"id"`
	OrganizationID string            `db:"organization_id" json:"organization_id"`
	FirstName      string            `db:"first_name" json:"first_name"`
	LastName       string            `db:"last_name" json:"last_name"`
	County         string            `db:"county" json:"county"`
	Timezone       string            `db:"timezone" json:"timezone,omitempty"`
	Fields         map[string]string `db:"custom_fields" json:"custom_fields,omitempty"`
}
