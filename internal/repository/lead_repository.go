package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
)

// LeadRepository reads leads owned by the CRUD service.
type LeadRepository struct {
	DB *sql.DB
}

func (r *LeadRepository) GetByID(ctx context.Context, id string) (*model.Lead, error) {
	query := `
        SELECT id, organization_id, first_name, last_name, county, timezone, custom_fields
        FROM leads
        WHERE id = $1
    `
	var (
		l      model.Lead
		fields []byte
	)
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.OrganizationID, &l.FirstName, &l.LastName, &l.County, &l.Timezone, &fields,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewLeadNotFound(id)
		}
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &l.Fields); err != nil {
			return nil, fmt.Errorf("lead %s custom fields: %w", id, err)
		}
	}
	return &l, nil
}
