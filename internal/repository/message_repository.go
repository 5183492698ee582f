package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
)

type MessageRepository struct {
	DB  *sql.DB
	Now func() time.Time
}

const messageColumns = `
    id, organization_id, campaign_id, target_id, template_id, direction,
    from_number, to_number, body, carrier_message_id, status, error_code,
    error_message, segments, sent_at, delivered_at, failed_at, created_at, updated_at`

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID, &m.OrganizationID, &m.CampaignID, &m.TargetID, &m.TemplateID, &m.Direction,
		&m.FromNumber, &m.ToNumber, &m.Body, &m.CarrierMessageID, &m.Status, &m.ErrorCode,
		&m.ErrorMessage, &m.Segments, &m.SentAt, &m.DeliveredAt, &m.FailedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

const insertMessage = `
    INSERT INTO messages (` + messageColumns + `)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

func (r *MessageRepository) insertArgs(m *model.Message) []any {
	now := r.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	return []any{
		m.ID, m.OrganizationID, m.CampaignID, m.TargetID, m.TemplateID, m.Direction,
		m.FromNumber, m.ToNumber, m.Body, m.CarrierMessageID, m.Status, m.ErrorCode,
		m.ErrorMessage, m.Segments, m.SentAt, m.DeliveredAt, m.FailedAt, m.CreatedAt, m.UpdatedAt,
	}
}

// Create inserts a new message.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	_, err := r.DB.ExecContext(ctx, insertMessage, r.insertArgs(m)...)
	return err
}

func (r *MessageRepository) CreateInbound(ctx context.Context, m *model.Message) (bool, error) {
	res, err := r.DB.ExecContext(ctx, insertMessage+` ON CONFLICT (carrier_message_id) DO NOTHING`, r.insertArgs(m)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	query := `SELECT` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewMessageNotFound(id)
	}
	return m, err
}

func (r *MessageRepository) GetByCarrierID(ctx context.Context, carrierID string) (*model.Message, error) {
	query := `SELECT` + messageColumns + ` FROM messages WHERE carrier_message_id = $1`
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, carrierID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewMessageNotFound(carrierID)
	}
	return m, err
}

func (r *MessageRepository) Update(ctx context.Context, m *model.Message, from model.MessageStatus) error {
	m.UpdatedAt = r.now()
	query := `
        UPDATE messages
        SET status=$1, carrier_message_id=$2, error_code=$3, error_message=$4, segments=$5,
            sent_at=$6, delivered_at=$7, failed_at=$8, updated_at=$9
        WHERE id=$10 AND status=$11
    `
	res, err := r.DB.ExecContext(ctx, query,
		m.Status, m.CarrierMessageID, m.ErrorCode, m.ErrorMessage, m.Segments,
		m.SentAt, m.DeliveredAt, m.FailedAt, m.UpdatedAt,
		m.ID, from,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewStaleTransition("message", m.ID, string(from), string(m.Status))
	}
	return nil
}

func (r *MessageRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Message, error) {
	query := `SELECT` + messageColumns + `
        FROM messages
        WHERE direction = 'outbound' AND status IN ('queued', 'sent')
          AND carrier_message_id IS NOT NULL AND updated_at < $1
        ORDER BY updated_at
        LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *MessageRepository) AppendStatusEvent(ctx context.Context, e *model.StatusEvent) error {
	query := `
        INSERT INTO message_status_events
        (id, message_id, carrier_message_id, raw_status, status, error_code, source, received_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	_, err := r.DB.ExecContext(ctx, query, e.ID, e.MessageID, e.CarrierMessageID,
		e.RawStatus, e.Status, e.ErrorCode, e.Source, e.ReceivedAt)
	return err
}

func (r *MessageRepository) ListStatusEvents(ctx context.Context, messageID string) ([]*model.StatusEvent, error) {
	query := `
        SELECT id, message_id, carrier_message_id, raw_status, status, error_code, source, received_at
        FROM message_status_events
        WHERE message_id = $1
        ORDER BY received_at, id
    `
	rows, err := r.DB.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*model.StatusEvent{}
	for rows.Next() {
		var e model.StatusEvent
		if err := rows.Scan(&e.ID, &e.MessageID, &e.CarrierMessageID, &e.RawStatus,
			&e.Status, &e.ErrorCode, &e.Source, &e.ReceivedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
