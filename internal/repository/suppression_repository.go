package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type SuppressionRepository struct {
	DB *sql.DB
}

const suppressionColumns = `
    id, organization_id, phone_number, reason, source, active, created_at, deactivated_at`

func scanSuppression(row rowScanner) (*model.Suppression, error) {
	var s model.Suppression
	err := row.Scan(&s.ID, &s.OrganizationID, &s.PhoneNumber, &s.Reason, &s.Source,
		&s.Active, &s.CreatedAt, &s.DeactivatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SuppressionRepository) GetByID(ctx context.Context, id string) (*model.Suppression, error) {
	query := `SELECT` + suppressionColumns + ` FROM suppressions WHERE id = $1`
	s, err := scanSuppression(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewSuppressionNotFound(id)
	}
	return s, err
}

func (r *SuppressionRepository) FindActive(ctx context.Context, orgID, phone string) (*model.Suppression, error) {
	query := `SELECT` + suppressionColumns + `
        FROM suppressions
        WHERE phone_number = $1 AND active AND (organization_id = $2 OR organization_id = '')
        ORDER BY organization_id DESC
        LIMIT 1`
	s, err := scanSuppression(r.DB.QueryRowContext(ctx, query, phone, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewSuppressionNotFound(phone)
	}
	return s, err
}

func (r *SuppressionRepository) findOwnActive(ctx context.Context, orgID, phone string) (*model.Suppression, error) {
	query := `SELECT` + suppressionColumns + `
        FROM suppressions
        WHERE phone_number = $1 AND organization_id = $2 AND active`
	return scanSuppression(r.DB.QueryRowContext(ctx, query, phone, orgID))
}

func (r *SuppressionRepository) Insert(ctx context.Context, s *model.Suppression) (*model.Suppression, bool, error) {
	query := `
        INSERT INTO suppressions (id, organization_id, phone_number, reason, source, active, created_at)
        VALUES ($1, $2, $3, $4, $5, TRUE, $6)
        ON CONFLICT (organization_id, phone_number) WHERE active DO NOTHING
    `
	res, err := r.DB.ExecContext(ctx, query, s.ID, s.OrganizationID, s.PhoneNumber, s.Reason, s.Source, s.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
			return nil, false, err
		}
	} else if n, _ := res.RowsAffected(); n == 1 {
		s.Active = true
		return s, true, nil
	}

	existing, err := r.findOwnActive(ctx, s.OrganizationID, s.PhoneNumber)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *SuppressionRepository) Deactivate(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE suppressions SET active=FALSE, deactivated_at=$1 WHERE id=$2`
	res, err := r.DB.ExecContext(ctx, query, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewSuppressionNotFound(id)
	}
	return nil
}
