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

type CampaignRepository struct {
	DB *sql.DB
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `
        SELECT id, organization_id, name, status, template_category, max_retries,
               respect_quiet_hours, timezone, quiet_hours_start, quiet_hours_end,
               allowed_days, rate_limit_mps, daily_limit, created_at, updated_at
        FROM campaigns WHERE id=$1
    `
	var (
		c    model.Campaign
		days []int64
	)
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.OrganizationID, &c.Name, &c.Status, &c.TemplateCategory, &c.MaxRetries,
		&c.RespectQuietHours, &c.Timezone, &c.QuietHoursStart, &c.QuietHoursEnd,
		pq.Array(&days), &c.RateLimitMPS, &c.DailyLimit, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	for _, d := range days {
		c.AllowedDays = append(c.AllowedDays, time.Weekday(d))
	}
	return &c, nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3`
	res, err := r.DB.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}
