package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/smsdispatch/internal/carrier"
	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/queue"
	"github.com/unclebandit/smsdispatch/internal/repository"
)

// ReconcilerSettings tunes unmatched callback retries and the sweep.
type ReconcilerSettings struct {
	UnmatchedAttempts int
	UnmatchedBackoff  time.Duration
	StaleAge          time.Duration
	BatchSize         int
}

// Reconciler applies carrier delivery reports to messages and targets.
type Reconciler struct {
	Messages repository.MessageRepositoryInterface
	Targets  repository.TargetRepositoryInterface
	Gateway  carrier.Gateway
	Queue    queue.Queue
	Settings ReconcilerSettings
	Now      func() time.Time
	Log      zerolog.Logger
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// HandleStatusCallback applies one carrier status report. Reports for
// messages not stored yet are re-queued briefly and then dropped; they never
// surface as errors to the caller.
func (r *Reconciler) HandleStatusCallback(ctx context.Context, carrierMessageID, rawStatus, errorCode string) error {
	return r.handle(ctx, queue.StatusCallbackJob{
		CarrierMessageID: carrierMessageID,
		Status:           rawStatus,
		ErrorCode:        errorCode,
	})
}

// HandleJob is the queue handler for re-queued status callbacks.
func (r *Reconciler) HandleJob(ctx context.Context, payload []byte) error {
	var job queue.StatusCallbackJob
	if err := json.Unmarshal(payload, &job); err != nil || job.CarrierMessageID == "" {
		r.Log.Error().Err(err).Bytes("payload", payload).Msg("invalid status callback job")
		return nil
	}
	return r.handle(ctx, job)
}

func (r *Reconciler) handle(ctx context.Context, job queue.StatusCallbackJob) error {
	msg, err := r.Messages.GetByCarrierID(ctx, job.CarrierMessageID)
	if errors.Is(err, appErrors.ErrNotFound) {
		return r.requeue(ctx, job)
	}
	if err != nil {
		return err
	}
	return r.apply(ctx, msg, job.Status, job.ErrorCode, model.SourceCallback)
}

// Defer queues a status report for asynchronous handling, used when it could
// not be applied inline.
func (r *Reconciler) Defer(ctx context.Context, carrierMessageID, rawStatus, errorCode string) error {
	if r.Queue == nil {
		return fmt.Errorf("no queue configured for deferred status callbacks")
	}
	return queue.PublishJSON(ctx, r.Queue, queue.TopicStatusCallbacks, queue.StatusCallbackJob{
		CarrierMessageID: carrierMessageID,
		Status:           rawStatus,
		ErrorCode:        errorCode,
	}, r.Settings.UnmatchedBackoff)
}

func (r *Reconciler) requeue(ctx context.Context, job queue.StatusCallbackJob) error {
	max := r.Settings.UnmatchedAttempts
	if max <= 0 {
		max = 5
	}
	backoff := r.Settings.UnmatchedBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	log := r.Log.With().Str("carrier_message_id", job.CarrierMessageID).Str("status", job.Status).
		Int("attempt", job.Attempt).Logger()
	job.Attempt++
	if job.Attempt >= max || r.Queue == nil {
		log.Error().Msg("dropping status callback for unknown message")
		return nil
	}
	log.Warn().Msg("status callback for unknown message, re-queued")
	if err := queue.PublishJSON(ctx, r.Queue, queue.TopicStatusCallbacks, job, backoff*time.Duration(job.Attempt)); err != nil {
		log.Error().Err(err).Msg("failed to re-queue status callback")
	}
	return nil
}

// apply records the event and moves the message forward only. A terminal
// message is then propagated to its target.
func (r *Reconciler) apply(ctx context.Context, msg *model.Message, rawStatus, errorCode string, source model.EventSource) error {
	status, known := carrier.NormalizeStatus(rawStatus)
	now := r.now()

	ev := &model.StatusEvent{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		RawStatus:  rawStatus,
		Status:     status,
		ErrorCode:  errorCode,
		Source:     source,
		ReceivedAt: now,
	}
	if msg.CarrierMessageID != nil {
		ev.CarrierMessageID = *msg.CarrierMessageID
	}
	if err := r.Messages.AppendStatusEvent(ctx, ev); err != nil {
		return fmt.Errorf("append status event: %w", err)
	}
	if !known {
		r.Log.Warn().Str("message_id", msg.ID).Str("raw_status", rawStatus).Msg("unknown carrier status")
		return nil
	}

	for i := 0; i < 3; i++ {
		if !msg.Status.Advances(status) {
			r.Log.Debug().Str("message_id", msg.ID).Str("current", string(msg.Status)).
				Str("reported", string(status)).Msg("status report does not advance message")
			break
		}
		prev := msg.Status
		msg.Status = status
		switch status {
		case model.MessageSent:
			if msg.SentAt == nil {
				msg.SentAt = &now
			}
		case model.MessageDelivered:
			msg.DeliveredAt = &now
		case model.MessageFailed, model.MessageUndelivered:
			msg.FailedAt = &now
			msg.ErrorCode = errorCode
		}
		err := r.Messages.Update(ctx, msg, prev)
		if err == nil {
			r.Log.Info().Str("message_id", msg.ID).Str("from", string(prev)).Str("to", string(status)).
				Str("source", string(source)).Msg("message status advanced")
			break
		}
		if !errors.Is(err, appErrors.ErrStaleTransition) {
			return err
		}
		// Lost a race with another report; re-read and re-evaluate.
		if msg, err = r.Messages.GetByID(ctx, msg.ID); err != nil {
			return err
		}
	}
	return r.propagate(ctx, msg)
}

// propagate finalizes the owning target once its current message reached a
// terminal carrier status.
func (r *Reconciler) propagate(ctx context.Context, msg *model.Message) error {
	if msg.TargetID == nil || !msg.Status.Terminal() {
		return nil
	}
	t, err := r.Targets.GetByID(ctx, *msg.TargetID)
	if errors.Is(err, appErrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// A target still in sending is finalized by the dispatcher once it
	// records the send.
	if t.Status != model.TargetSent || t.MessageID == nil || *t.MessageID != msg.ID {
		return nil
	}
	return finalizeTarget(ctx, r.Targets, t, msg, r.now(), r.Log)
}

// finalizeTarget moves a sent target to the outcome of its terminal message.
// Losing the race to another finalizer is not an error.
func finalizeTarget(ctx context.Context, targets repository.TargetRepositoryInterface, t *model.CampaignTarget, msg *model.Message, now time.Time, log zerolog.Logger) error {
	switch msg.Status {
	case model.MessageDelivered:
		t.Status = model.TargetDelivered
		t.DeliveredAt = &now
	case model.MessageFailed, model.MessageUndelivered:
		t.Status = model.TargetFailed
		t.FailedAt = &now
		t.LastError = "carrier_" + msg.ErrorCode
	default:
		return nil
	}
	err := targets.Transition(ctx, t, model.TargetSent)
	if errors.Is(err, appErrors.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("target_id", t.ID).Str("campaign_id", t.CampaignID).Str("message_id", msg.ID).
		Str("status", string(t.Status)).Msg("target finalized by carrier status")
	return nil
}

// Sweep polls the carrier for messages that have gone quiet and applies the
// answers as if they were callbacks.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	age := r.Settings.StaleAge
	if age <= 0 {
		age = 5 * time.Minute
	}
	batch := r.Settings.BatchSize
	if batch <= 0 {
		batch = 100
	}

	msgs, err := r.Messages.ListPending(ctx, r.now().Add(-age), batch)
	if err != nil {
		return 0, fmt.Errorf("list pending messages: %w", err)
	}
	applied := 0
	for _, m := range msgs {
		if m.CarrierMessageID == nil {
			continue
		}
		st, err := r.Gateway.FetchStatus(ctx, *m.CarrierMessageID)
		if err != nil {
			r.Log.Warn().Err(err).Str("message_id", m.ID).Msg("failed to fetch carrier status")
			continue
		}
		if err := r.apply(ctx, m, st.RawStatus, st.ErrorCode, model.SourceSweep); err != nil {
			r.Log.Error().Err(err).Str("message_id", m.ID).Msg("failed to apply swept status")
			continue
		}
		applied++
	}
	if len(msgs) > 0 {
		r.Log.Info().Int("pending", len(msgs)).Int("applied", applied).Msg("status sweep finished")
	}
	return applied, nil
}
