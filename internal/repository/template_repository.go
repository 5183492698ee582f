package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
)

type TemplateRepository struct {
	DB *sql.DB
}

// SelectLeastRecentlyUsed picks the rotation candidate for a category:
// never-used templates first, then oldest use, then lowest usage count.
func (r *TemplateRepository) SelectLeastRecentlyUsed(ctx context.Context, orgID, category string) (*model.Template, error) {
	query := `
        SELECT id, organization_id, name, body, category, active, usage_count, last_used_at, created_at
        FROM templates
        WHERE organization_id = $1 AND category = $2 AND active
        ORDER BY last_used_at ASC NULLS FIRST, usage_count ASC, id
        LIMIT 1
    `
	var t model.Template
	err := r.DB.QueryRowContext(ctx, query, orgID, category).Scan(
		&t.ID, &t.OrganizationID, &t.Name, &t.Body, &t.Category, &t.Active,
		&t.UsageCount, &t.LastUsedAt, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewTemplateNotFound(orgID + "/" + category)
		}
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE templates SET usage_count=usage_count+1, last_used_at=$1 WHERE id=$2`
	_, err := r.DB.ExecContext(ctx, query, at, id)
	return err
}
