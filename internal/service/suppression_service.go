package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/repository"
)

// SuppressionStore answers "is this number blocked" and records opt-outs.
type SuppressionStore struct {
	Repo repository.SuppressionRepositoryInterface
	// Region is the default region for numbers without a country code.
	Region string
	Now    func() time.Time
	Log    zerolog.Logger
}

// Normalize returns phone in the E.164 form suppressions are keyed by.
func (s *SuppressionStore) Normalize(phone string) (string, error) {
	return NormalizeE164(phone, s.Region)
}

func (s *SuppressionStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Lookup returns the active suppression for phone, or nil.
func (s *SuppressionStore) Lookup(ctx context.Context, phone, orgID string) (*model.Suppression, error) {
	e164, err := s.Normalize(phone)
	if err != nil {
		return nil, err
	}
	sup, err := s.Repo.FindActive(ctx, orgID, e164)
	if errors.Is(err, appErrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup suppression: %w", err)
	}
	return sup, nil
}

func (s *SuppressionStore) IsSuppressed(ctx context.Context, phone, orgID string) (bool, error) {
	sup, err := s.Lookup(ctx, phone, orgID)
	if err != nil {
		return false, err
	}
	return sup != nil, nil
}

// Add suppresses phone for orgID (empty for global). Adding an already
// suppressed number returns the existing record.
func (s *SuppressionStore) Add(ctx context.Context, phone, orgID string, reason model.SuppressionReason, source model.SuppressionSource) (*model.Suppression, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", appErrors.ErrInvalidReason, reason)
	}
	e164, err := s.Normalize(phone)
	if err != nil {
		return nil, err
	}

	sup, created, err := s.Repo.Insert(ctx, &model.Suppression{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		PhoneNumber:    e164,
		Reason:         reason,
		Source:         source,
		Active:         true,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("add suppression: %w", err)
	}
	if created {
		s.Log.Info().Str("suppression_id", sup.ID).Str("org_id", orgID).Str("phone", e164).
			Str("reason", string(reason)).Str("source", string(source)).Msg("number suppressed")
	}
	return sup, nil
}

func (s *SuppressionStore) Deactivate(ctx context.Context, id string) error {
	sup, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !sup.Active {
		return nil
	}
	if err := s.Repo.Deactivate(ctx, id, s.now()); err != nil {
		return err
	}
	s.Log.Info().Str("suppression_id", id).Str("phone", sup.PhoneNumber).Msg("suppression deactivated")
	return nil
}
