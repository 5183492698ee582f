package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/unclebandit/smsdispatch/internal/model"
)

type AuditRepository struct {
	DB *sql.DB
}

func (r *AuditRepository) Record(ctx context.Context, e *model.AuditEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	query := `
        INSERT INTO audit_events (id, organization_id, event_type, phone_number, keyword, action, details, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	_, err = r.DB.ExecContext(ctx, query, e.ID, e.OrganizationID, e.EventType,
		e.PhoneNumber, e.Keyword, e.Action, details, e.CreatedAt)
	return err
}
