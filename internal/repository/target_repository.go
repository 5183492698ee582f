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

// TargetRepository stores campaign targets. Status changes go through
// Transition, which compares the stored status before writing.
type TargetRepository struct {
	DB  *sql.DB
	Now func() time.Time
}

const targetColumns = `
    id, campaign_id, organization_id, lead_id, phone_number, template_id,
    from_number_id, from_number, message_id, status, retry_count, max_retries,
    deferrals, next_attempt_at, last_error, sent_at, delivered_at, failed_at,
    created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*model.CampaignTarget, error) {
	var t model.CampaignTarget
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.OrganizationID, &t.LeadID, &t.PhoneNumber, &t.TemplateID,
		&t.FromNumberID, &t.FromNumber, &t.MessageID, &t.Status, &t.RetryCount, &t.MaxRetries,
		&t.Deferrals, &t.NextAttemptAt, &t.LastError, &t.SentAt, &t.DeliveredAt, &t.FailedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TargetRepository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *TargetRepository) GetByID(ctx context.Context, id string) (*model.CampaignTarget, error) {
	query := `SELECT` + targetColumns + ` FROM campaign_targets WHERE id = $1`
	t, err := scanTarget(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewTargetNotFound(id)
		}
		return nil, err
	}
	return t, nil
}

func (r *TargetRepository) ListByCampaign(ctx context.Context, campaignID string, statuses ...model.TargetStatus) ([]*model.CampaignTarget, error) {
	query := `SELECT` + targetColumns + ` FROM campaign_targets WHERE campaign_id = $1`
	args := []any{campaignID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTargets(rows)
}

func (r *TargetRepository) ListStale(ctx context.Context, sendingBefore, overdueBefore time.Time, limit int) ([]*model.CampaignTarget, error) {
	query := `SELECT` + targetColumns + `
        FROM campaign_targets
        WHERE (status = 'sending' AND updated_at < $1)
           OR (status IN ('queued', 'rescheduled') AND next_attempt_at IS NOT NULL AND next_attempt_at < $2
               AND EXISTS (SELECT 1 FROM campaigns c WHERE c.id = campaign_targets.campaign_id AND c.status = 'active'))
        ORDER BY updated_at
        LIMIT $3`
	rows, err := r.DB.QueryContext(ctx, query, sendingBefore, overdueBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTargets(rows)
}

func collectTargets(rows *sql.Rows) ([]*model.CampaignTarget, error) {
	targets := []*model.CampaignTarget{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (r *TargetRepository) Transition(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus) error {
	if !from.CanTransition(t.Status) {
		return appErrors.NewInvalidTransition("target", t.ID, string(from), string(t.Status))
	}
	t.UpdatedAt = r.now()
	query := `
        UPDATE campaign_targets
        SET status=$1, template_id=$2, from_number_id=$3, from_number=$4, message_id=$5,
            retry_count=$6, deferrals=$7, next_attempt_at=$8, last_error=$9,
            sent_at=$10, delivered_at=$11, failed_at=$12, updated_at=$13
        WHERE id=$14 AND status=$15
    `
	res, err := r.DB.ExecContext(ctx, query,
		t.Status, t.TemplateID, t.FromNumberID, t.FromNumber, t.MessageID,
		t.RetryCount, t.Deferrals, t.NextAttemptAt, t.LastError,
		t.SentAt, t.DeliveredAt, t.FailedAt, t.UpdatedAt,
		t.ID, from,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewStaleTransition("target", t.ID, string(from), string(t.Status))
	}
	return nil
}
