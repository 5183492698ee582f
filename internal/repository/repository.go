package repository

import (
	"context"
	"time"

	"github.com/unclebandit/smsdispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error
}

type LeadRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Lead, error)
}

type TargetRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.CampaignTarget, error)
	ListByCampaign(ctx context.Context, campaignID string, statuses ...model.TargetStatus) ([]*model.CampaignTarget, error)
	// Transition persists t if the stored row is still in status from.
	// A lost race returns an error matching appErrors.ErrStaleTransition.
	Transition(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus) error
	// ListStale returns targets stuck in sending since before sendingBefore,
	// and queued or rescheduled targets of active campaigns whose next attempt
	// is before overdueBefore.
	ListStale(ctx context.Context, sendingBefore, overdueBefore time.Time, limit int) ([]*model.CampaignTarget, error)
}

type PhoneNumberRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.PhoneNumber, error)
	GetByNumber(ctx context.Context, e164 string) (*model.PhoneNumber, error)
	// ListEligible returns the active numbers with health at or above
	// minHealth, least recently used first and never-used numbers before all.
	ListEligible(ctx context.Context, orgID string, minHealth int) ([]*model.PhoneNumber, error)
	MarkUsed(ctx context.Context, id string, at time.Time) error
}

type SuppressionRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Suppression, error)
	// FindActive returns the active suppression for phone, preferring the
	// organization's own record over a global one.
	FindActive(ctx context.Context, orgID, phone string) (*model.Suppression, error)
	// Insert stores s unless an active suppression already exists for the
	// same organization and phone, in which case that record is returned.
	Insert(ctx context.Context, s *model.Suppression) (*model.Suppression, bool, error)
	Deactivate(ctx context.Context, id string, at time.Time) error
}

type TemplateRepositoryInterface interface {
	SelectLeastRecentlyUsed(ctx context.Context, orgID, category string) (*model.Template, error)
	IncrementUsage(ctx context.Context, id string, at time.Time) error
}

type MessageRepositoryInterface interface {
	Create(ctx context.Context, m *model.Message) error
	// CreateInbound stores an inbound message once per carrier message id.
	CreateInbound(ctx context.Context, m *model.Message) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetByCarrierID(ctx context.Context, carrierID string) (*model.Message, error)
	// Update persists m if the stored row is still in status from.
	Update(ctx context.Context, m *model.Message, from model.MessageStatus) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Message, error)
	AppendStatusEvent(ctx context.Context, e *model.StatusEvent) error
	ListStatusEvents(ctx context.Context, messageID string) ([]*model.StatusEvent, error)
}

type AuditRepositoryInterface interface {
	Record(ctx context.Context, e *model.AuditEvent) error
}
