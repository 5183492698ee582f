// internal/model/template.go
package model

import "time"

const (
	CategoryInitial  = "initial"
	CategoryFollowup = "followup"
	CategoryHelp     = "help"
	CategoryStop     = "stop"
)

// Template is an operator-authored message body with {placeholders}.
type Template struct {
	ID             string     `db:"id" json:"id"`
	OrganizationID string     `db:"organization_id" json:"organization_id"`
	Name           string     `db:"name" json:"name"`
	Body           string     `db:"body" json:"body"`
	Category       string     `db:"category" json:"category"`
	Active         bool       `db:"active" json:"active"`
	UsageCount     int64      `db:"usage_count" json:"usage_count"`
	LastUsedAt     *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}
