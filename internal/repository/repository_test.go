package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

var targetCols = []string{
	"id", "campaign_id", "organization_id", "lead_id", "phone_number", "template_id",
	"from_number_id", "from_number", "message_id", "status", "retry_count", "max_retries",
	"deferrals", "next_attempt_at", "last_error", "sent_at", "delivered_at", "failed_at",
	"created_at", "updated_at",
}

func TestTargetRepository_GetByID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM campaign_targets WHERE id").
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows(targetCols).AddRow(
			"t-1", "c-1", "org-1", "l-1", "+15125550100", nil,
			nil, nil, nil, "queued", 0, 3,
			0, nil, "", nil, nil, nil,
			created, created,
		))

	repo := &TargetRepository{DB: db}
	target, err := repo.GetByID(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TargetQueued, target.Status)
	assert.Nil(t, target.TemplateID)
	assert.Nil(t, target.NextAttemptAt)
	assert.Equal(t, 3, target.MaxRetries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTargetRepository_GetByIDNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM campaign_targets WHERE id").
		WillReturnError(sql.ErrNoRows)

	repo := &TargetRepository{DB: db}
	_, err := repo.GetByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestTargetRepository_TransitionComparesStatus(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := &TargetRepository{DB: db, Now: func() time.Time { return now }}
	target := &model.CampaignTarget{ID: "t-1", Status: model.TargetSending}

	mock.ExpectExec(regexp.QuoteMeta("WHERE id=$14 AND status=$15")).
		WithArgs(model.TargetSending, nil, nil, nil, nil, 0, 0, nil, "", nil, nil, nil, now, "t-1", model.TargetQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Transition(context.Background(), target, model.TargetQueued))
	assert.Equal(t, now, target.UpdatedAt)

	mock.ExpectExec("UPDATE campaign_targets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Transition(context.Background(), target, model.TargetQueued)
	assert.True(t, errors.Is(err, appErrors.ErrStaleTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTargetRepository_TransitionRejectsIllegalStep(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := &TargetRepository{DB: db}
	target := &model.CampaignTarget{ID: "t-1", Status: model.TargetQueued}

	err := repo.Transition(context.Background(), target, model.TargetFailed)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_GetByID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	cols := []string{"id", "organization_id", "name", "status", "template_category", "max_retries",
		"respect_quiet_hours", "timezone", "quiet_hours_start", "quiet_hours_end",
		"allowed_days", "rate_limit_mps", "daily_limit", "created_at", "updated_at"}
	mock.ExpectQuery("FROM campaigns WHERE id").
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"c-1", "org-1", "Spring", "active", "initial", 3,
			true, "America/New_York", "", "",
			"{1,2,3,4,5}", 2, 500, time.Now(), nil,
		))

	repo := &CampaignRepository{DB: db}
	c, err := repo.GetByID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignActive, c.Status)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, c.AllowedDays)
	assert.Nil(t, c.UpdatedAt)
	assert.Equal(t, 2, c.RateLimitMPS)
	assert.Equal(t, 500, c.DailyLimit)
	assert.True(t, c.Limited())
}

func TestCampaignRepository_UpdateStatusUnknown(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE campaigns SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := &CampaignRepository{DB: db}
	err := repo.UpdateStatus(context.Background(), "c-404", model.CampaignPaused)
	var nf *appErrors.ErrEntityNotFound
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "campaign", nf.Entity)
}

var suppressionCols = []string{"id", "organization_id", "phone_number", "reason", "source", "active", "created_at", "deactivated_at"}

func TestSuppressionRepository_InsertCreates(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO suppressions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := &SuppressionRepository{DB: db}
	s := &model.Suppression{ID: "s-1", OrganizationID: "org-1", PhoneNumber: "+15125550100",
		Reason: model.ReasonOptOut, Source: model.SourceKeyword, CreatedAt: time.Now()}
	got, created, err := repo.Insert(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, got.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuppressionRepository_InsertReturnsExisting(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO suppressions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM suppressions").
		WithArgs("+15125550100", "org-1").
		WillReturnRows(sqlmock.NewRows(suppressionCols).AddRow(
			"s-old", "org-1", "+15125550100", "opt_out", "keyword", true, time.Now(), nil))

	repo := &SuppressionRepository{DB: db}
	s := &model.Suppression{ID: "s-new", OrganizationID: "org-1", PhoneNumber: "+15125550100",
		Reason: model.ReasonOptOut, Source: model.SourceKeyword, CreatedAt: time.Now()}
	got, created, err := repo.Insert(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "s-old", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuppressionRepository_DeactivateUnknown(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE suppressions SET active=FALSE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := &SuppressionRepository{DB: db}
	err := repo.Deactivate(context.Background(), "nope", time.Now())
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestPhoneNumberRepository_ListEligible(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	cols := []string{"id", "organization_id", "e164", "status", "health_score", "rate_limit_mps",
		"daily_cap", "send_count", "last_used_at", "created_at"}
	used := time.Date(2024, 6, 5, 17, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY last_used_at ASC NULLS FIRST, id")).
		WithArgs("org-1", 70).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("pn-2", "org-1", "+15125550102", "active", 90, 5, nil, 0, nil, used).
			AddRow("pn-1", "org-1", "+15125550101", "active", 80, 1, 100, 12, used, used))

	repo := &PhoneNumberRepository{DB: db}
	numbers, err := repo.ListEligible(context.Background(), "org-1", 70)
	require.NoError(t, err)
	require.Len(t, numbers, 2)
	assert.Equal(t, "pn-2", numbers[0].ID)
	assert.Nil(t, numbers[0].DailyCap)
	assert.Equal(t, 100, numbers[1].Cap())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPhoneNumberRepository_ListEligibleNone(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM phone_numbers").
		WithArgs("org-1", 70).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := &PhoneNumberRepository{DB: db}
	numbers, err := repo.ListEligible(context.Background(), "org-1", 70)
	require.NoError(t, err)
	assert.Empty(t, numbers)
}

func TestMessageRepository_UpdateStale(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE messages").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := &MessageRepository{DB: db}
	m := &model.Message{ID: "m-1", Status: model.MessageSent}
	err := repo.Update(context.Background(), m, model.MessageQueued)
	assert.True(t, errors.Is(err, appErrors.ErrStaleTransition))
}

func TestMessageRepository_CreateInboundOnce(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("ON CONFLICT \\(carrier_message_id\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("ON CONFLICT \\(carrier_message_id\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := &MessageRepository{DB: db}
	sid := "SM123"
	m := &model.Message{ID: "m-1", Direction: model.Inbound, CarrierMessageID: &sid, Status: model.MessageReceived}

	created, err := repo.CreateInbound(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateInbound(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_RecordEmptyDetails(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	at := time.Now()
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("a-1", "org-1", "inbound_keyword", "+15125550100", "stop", "opt_out", []byte("{}"), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := &AuditRepository{DB: db}
	err := repo.Record(context.Background(), &model.AuditEvent{
		ID: "a-1", OrganizationID: "org-1", EventType: "inbound_keyword",
		PhoneNumber: "+15125550100", Keyword: "stop", Action: "opt_out", CreatedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
