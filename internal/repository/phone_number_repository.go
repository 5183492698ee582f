package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
)

type PhoneNumberRepository struct {
	DB *sql.DB
}

const phoneColumns = `
    id, organization_id, e164, status, health_score, rate_limit_mps,
    daily_cap, send_count, last_used_at, created_at`

func scanPhone(row rowScanner) (*model.PhoneNumber, error) {
	var p model.PhoneNumber
	err := row.Scan(
		&p.ID, &p.OrganizationID, &p.E164, &p.Status, &p.HealthScore, &p.RateLimitMPS,
		&p.DailyCap, &p.SendCount, &p.LastUsedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PhoneNumberRepository) GetByID(ctx context.Context, id string) (*model.PhoneNumber, error) {
	query := `SELECT` + phoneColumns + ` FROM phone_numbers WHERE id = $1`
	p, err := scanPhone(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewPhoneNumberNotFound(id)
	}
	return p, err
}

func (r *PhoneNumberRepository) GetByNumber(ctx context.Context, e164 string) (*model.PhoneNumber, error) {
	query := `SELECT` + phoneColumns + ` FROM phone_numbers WHERE e164 = $1`
	p, err := scanPhone(r.DB.QueryRowContext(ctx, query, e164))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewPhoneNumberNotFound(e164)
	}
	return p, err
}

func (r *PhoneNumberRepository) ListEligible(ctx context.Context, orgID string, minHealth int) ([]*model.PhoneNumber, error) {
	query := `SELECT` + phoneColumns + `
        FROM phone_numbers
        WHERE organization_id = $1 AND status = 'active' AND health_score >= $2
        ORDER BY last_used_at ASC NULLS FIRST, id`
	rows, err := r.DB.QueryContext(ctx, query, orgID, minHealth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	numbers := []*model.PhoneNumber{}
	for rows.Next() {
		p, err := scanPhone(rows)
		if err != nil {
			return nil, err
		}
		numbers = append(numbers, p)
	}
	return numbers, rows.Err()
}

func (r *PhoneNumberRepository) MarkUsed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE phone_numbers SET last_used_at=$1, send_count=send_count+1 WHERE id=$2`
	_, err := r.DB.ExecContext(ctx, query, at, id)
	return err
}
