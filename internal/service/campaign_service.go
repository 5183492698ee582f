// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/repository"
)

// CampaignService is the entry point the campaign CRUD layer calls into.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	TargetRepo   repository.TargetRepositoryInterface
	MessageRepo  repository.MessageRepositoryInterface
	Suppressions *SuppressionStore
	Scheduler    DispatchScheduler
	Now          func() time.Time
	Log          zerolog.Logger
}

// Result struct for EnqueueCampaign
type EnqueueCampaignResult struct {
	CampaignID      string `json:"campaign_id"`
	Status          string `json:"status"`
	TargetsEnqueued int    `json:"targets_enqueued"`
}

// TargetStatusView is a target with its current message and event trail.
type TargetStatusView struct {
	Target  *model.CampaignTarget `json:"target"`
	Message *model.Message        `json:"message,omitempty"`
	Events  []*model.StatusEvent  `json:"events"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// EnqueueDispatch schedules one attempt for a target now.
func (s *CampaignService) EnqueueDispatch(ctx context.Context, targetID string) error {
	t, err := s.TargetRepo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}
	if !t.Status.Dispatchable() {
		return appErrors.NewInvalidTransition("target", t.ID, string(t.Status), string(model.TargetSending))
	}
	return s.Scheduler.ScheduleDispatch(ctx, targetID, s.now())
}

// EnqueueCampaign activates the campaign and schedules every pending target.
func (s *CampaignService) EnqueueCampaign(ctx context.Context, campaignID string) (*EnqueueCampaignResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	switch campaign.Status {
	case model.CampaignStopped, model.CampaignCompleted:
		return nil, appErrors.NewInvalidTransition("campaign", campaignID, string(campaign.Status), string(model.CampaignActive))
	case model.CampaignDraft, model.CampaignPaused:
		if err := s.CampaignRepo.UpdateStatus(ctx, campaignID, model.CampaignActive); err != nil {
			return nil, err
		}
	}

	n, err := s.enqueuePending(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	s.Log.Info().Str("campaign_id", campaignID).Int("targets", n).Msg("campaign enqueued")
	return &EnqueueCampaignResult{CampaignID: campaignID, Status: string(model.CampaignActive), TargetsEnqueued: n}, nil
}

func (s *CampaignService) enqueuePending(ctx context.Context, campaignID string) (int, error) {
	targets, err := s.TargetRepo.ListByCampaign(ctx, campaignID,
		model.TargetQueued, model.TargetRescheduled, model.TargetSending)
	if err != nil {
		return 0, fmt.Errorf("list targets: %w", err)
	}
	now := s.now()
	n := 0
	for _, t := range targets {
		at := now
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			at = *t.NextAttemptAt
		}
		if err := s.Scheduler.ScheduleDispatch(ctx, t.ID, at); err != nil {
			s.Log.Warn().Err(err).Str("target_id", t.ID).Msg("failed to enqueue target")
			return n, err
		}
		n++
	}
	return n, nil
}

// PauseCampaign stops new submissions; in-flight attempts check the status
// right before calling the carrier.
func (s *CampaignService) PauseCampaign(ctx context.Context, campaignID string) error {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == model.CampaignPaused {
		return nil
	}
	if campaign.Status != model.CampaignActive {
		return appErrors.NewInvalidTransition("campaign", campaignID, string(campaign.Status), string(model.CampaignPaused))
	}
	if err := s.CampaignRepo.UpdateStatus(ctx, campaignID, model.CampaignPaused); err != nil {
		return err
	}
	s.Log.Info().Str("campaign_id", campaignID).Msg("campaign paused")
	return nil
}

// ResumeCampaign reactivates a paused campaign and re-enqueues its targets.
func (s *CampaignService) ResumeCampaign(ctx context.Context, campaignID string) (*EnqueueCampaignResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.CampaignPaused && campaign.Status != model.CampaignActive {
		return nil, appErrors.NewInvalidTransition("campaign", campaignID, string(campaign.Status), string(model.CampaignActive))
	}
	return s.EnqueueCampaign(ctx, campaignID)
}

func (s *CampaignService) GetTargetStatus(ctx context.Context, targetID string) (*TargetStatusView, error) {
	t, err := s.TargetRepo.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	view := &TargetStatusView{Target: t, Events: []*model.StatusEvent{}}
	if t.MessageID == nil {
		return view, nil
	}
	msg, err := s.MessageRepo.GetByID(ctx, *t.MessageID)
	if err != nil {
		return nil, err
	}
	view.Message = msg
	events, err := s.MessageRepo.ListStatusEvents(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	view.Events = events
	return view, nil
}

// Suppress adds a manual suppression.
func (s *CampaignService) Suppress(ctx context.Context, phone, orgID string, reason model.SuppressionReason) (*model.Suppression, error) {
	return s.Suppressions.Add(ctx, phone, orgID, reason, model.SourceManual)
}

func (s *CampaignService) DeactivateSuppression(ctx context.Context, id string) error {
	return s.Suppressions.Deactivate(ctx, id)
}
