package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/smsdispatch/internal/carrier"
	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/lock"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/repository"
)

type Outcome string

const (
	OutcomeSent            Outcome = "sent"
	OutcomeSuppressed      Outcome = "suppressed"
	OutcomeDeferred        Outcome = "deferred"
	OutcomeRetry           Outcome = "retry"
	OutcomeTerminalFailure Outcome = "terminal_failure"
	OutcomeSkipped         Outcome = "skipped"
)

// Deferral and failure reasons reported in Result.Reason.
const (
	ReasonQuietHours     = "quiet_hours"
	ReasonNoNumber       = "no_number"
	ReasonRateLimited    = "rate_limited"
	ReasonNoTemplate     = "no_template"
	ReasonLockBusy       = "lock_busy"
	ReasonInvalidPhone   = "invalid_phone"
	ReasonLeadNotFound   = "lead_not_found"
	ReasonStale          = "stale_transition"
	ReasonInFlightLost   = "in_flight_lost"
	ReasonCampaignPrefix = "campaign_"
)

// Result is the outcome of one dispatch attempt. RetryAt is set whenever the
// target was scheduled for another attempt.
type Result struct {
	Outcome   Outcome
	Reason    string
	RetryAt   *time.Time
	MessageID string
}

// DispatchScheduler schedules a future attempt for a target.
type DispatchScheduler interface {
	ScheduleDispatch(ctx context.Context, targetID string, at time.Time) error
}

// DispatchSettings tunes the attempt loop.
type DispatchSettings struct {
	NoNumberMaxDeferrals int
	NoNumberBackoff      time.Duration
	LockTTL              time.Duration
	LockBusyDelay        time.Duration
	SendTimeout          time.Duration
	RetryBase            time.Duration
	Brand                string
}

func (s DispatchSettings) withDefaults() DispatchSettings {
	if s.NoNumberMaxDeferrals <= 0 {
		s.NoNumberMaxDeferrals = 20
	}
	if s.NoNumberBackoff <= 0 {
		s.NoNumberBackoff = 30 * time.Second
	}
	if s.LockTTL <= 0 {
		s.LockTTL = time.Minute
	}
	if s.LockBusyDelay <= 0 {
		s.LockBusyDelay = 5 * time.Second
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = 10 * time.Second
	}
	if s.RetryBase <= 0 {
		s.RetryBase = time.Minute
	}
	return s
}

// Dispatcher runs the per-target send state machine.
type Dispatcher struct {
	Targets      repository.TargetRepositoryInterface
	Campaigns    repository.CampaignRepositoryInterface
	Leads        repository.LeadRepositoryInterface
	Messages     repository.MessageRepositoryInterface
	Suppressions *SuppressionStore
	Pool         *PhonePool
	Templates    *TemplateSelector
	Windows      WindowPolicy
	Gateway      carrier.Gateway
	Locker       lock.Locker
	Scheduler    DispatchScheduler
	Settings     DispatchSettings
	Now          func() time.Time
	Log          zerolog.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Process runs one attempt for the target. Carrier failures are folded into
// the Result; only storage and infrastructure errors are returned.
func (d *Dispatcher) Process(ctx context.Context, targetID string) (Result, error) {
	cfg := d.Settings.withDefaults()

	release, ok, err := d.Locker.TryLock(ctx, "target:"+targetID, cfg.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("lock target %s: %w", targetID, err)
	}
	var res Result
	if !ok {
		d.Log.Debug().Str("target_id", targetID).Msg("target locked by another worker")
		at := d.now().Add(cfg.LockBusyDelay)
		res = Result{Outcome: OutcomeDeferred, Reason: ReasonLockBusy, RetryAt: &at}
	} else {
		res, err = d.attempt(ctx, targetID, cfg)
		if rerr := release(context.Background()); rerr != nil {
			d.Log.Warn().Err(rerr).Str("target_id", targetID).Msg("failed to release target lock")
		}
		if errors.Is(err, appErrors.ErrStaleTransition) {
			res, err = Result{Outcome: OutcomeSkipped, Reason: ReasonStale}, nil
		}
		if err != nil {
			d.Log.Error().Err(err).Str("target_id", targetID).Msg("dispatch attempt failed")
			return Result{}, err
		}
	}

	if res.RetryAt != nil && d.Scheduler != nil {
		if err := d.Scheduler.ScheduleDispatch(ctx, targetID, *res.RetryAt); err != nil {
			return res, fmt.Errorf("schedule target %s: %w", targetID, err)
		}
	}
	return res, nil
}

func (d *Dispatcher) logOutcome(t *model.CampaignTarget, res Result) {
	ev := d.Log.Info()
	if res.Outcome == OutcomeTerminalFailure {
		ev = d.Log.Warn()
	}
	ev = ev.Str("target_id", t.ID).Str("campaign_id", t.CampaignID).
		Str("outcome", string(res.Outcome)).Str("reason", res.Reason).Int("retry_count", t.RetryCount)
	if res.RetryAt != nil {
		ev = ev.Time("retry_at", *res.RetryAt)
	}
	if res.MessageID != "" {
		ev = ev.Str("message_id", res.MessageID)
	}
	ev.Msg("dispatch outcome")
}

func (d *Dispatcher) attempt(ctx context.Context, targetID string, cfg DispatchSettings) (Result, error) {
	t, err := d.Targets.GetByID(ctx, targetID)
	if errors.Is(err, appErrors.ErrNotFound) {
		d.Log.Warn().Str("target_id", targetID).Msg("dispatch for unknown target")
		return Result{Outcome: OutcomeSkipped, Reason: "target_not_found"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !t.Status.Dispatchable() {
		return Result{Outcome: OutcomeSkipped, Reason: "already_" + string(t.Status)}, nil
	}

	campaign, err := d.Campaigns.GetByID(ctx, t.CampaignID)
	if errors.Is(err, appErrors.ErrNotFound) {
		return Result{Outcome: OutcomeSkipped, Reason: "campaign_not_found"}, nil
	}
	if err != nil {
		return Result{}, err
	}

	var res Result
	if t.Status == model.TargetSending {
		res, err = d.resume(ctx, t, campaign, cfg)
	} else {
		res, err = d.fresh(ctx, t, campaign, cfg)
	}
	if err == nil {
		d.logOutcome(t, res)
	}
	return res, err
}

// fresh runs a new attempt for a queued or rescheduled target.
func (d *Dispatcher) fresh(ctx context.Context, t *model.CampaignTarget, c *model.Campaign, cfg DispatchSettings) (Result, error) {
	if !c.Sendable() {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonCampaignPrefix + string(c.Status)}, nil
	}
	from := t.Status
	now := d.now()

	pending, err := d.pendingMessage(ctx, t)
	if err != nil {
		return Result{}, err
	}

	phone, err := d.Suppressions.Normalize(t.PhoneNumber)
	if err != nil {
		d.drop(ctx, pending)
		return d.fail(ctx, t, from, ReasonInvalidPhone)
	}
	t.PhoneNumber = phone

	// 1. suppression
	if res, done, err := d.checkSuppressed(ctx, t, from); done || err != nil {
		if done && err == nil {
			d.drop(ctx, pending)
		}
		return res, err
	}

	lead, err := d.Leads.GetByID(ctx, t.LeadID)
	if errors.Is(err, appErrors.ErrNotFound) {
		d.drop(ctx, pending)
		return d.fail(ctx, t, from, ReasonLeadNotFound)
	}
	if err != nil {
		return Result{}, err
	}

	// 2. send window
	window, err := d.Windows.For(c, lead)
	if err != nil {
		return Result{}, err
	}
	if !window.Allowed(now) {
		next := window.NextAllowed(now)
		t.Status = model.TargetQueued
		t.NextAttemptAt = &next
		if err := d.Targets.Transition(ctx, t, from); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeDeferred, Reason: ReasonQuietHours, RetryAt: &next}, nil
	}

	// An earlier attempt left a message the carrier never accepted; it goes
	// out again under the same idempotency key.
	if pending != nil {
		return d.resubmit(ctx, t, from, pending, cfg)
	}

	// 3. sender
	sender, ok, err := d.Pool.SelectSender(ctx, t.OrganizationID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return d.deferNoNumber(ctx, t, from, cfg)
	}

	// 4. rate window
	dec, err := d.Pool.CanSendNow(ctx, sender, c)
	if err != nil {
		return Result{}, err
	}
	if !dec.Allowed {
		return d.deferRateLimited(ctx, t, from, DeferFor(dec, sender, c))
	}

	// 5. template
	tmpl, ok, err := d.Templates.SelectTemplate(ctx, t.OrganizationID, c.TemplateCategory)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return d.retry(ctx, t, from, ReasonNoTemplate)
	}
	body := d.Templates.Render(tmpl, LeadVariables(lead, cfg.Brand))

	// 6. last-moment checks, then persist the in-flight marker before the call
	c, err = d.Campaigns.GetByID(ctx, t.CampaignID)
	if err != nil {
		return Result{}, err
	}
	if !c.Sendable() {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonCampaignPrefix + string(c.Status)}, nil
	}
	if res, done, err := d.checkSuppressed(ctx, t, from); done || err != nil {
		return res, err
	}
	dec, err = d.Pool.RecordSend(ctx, sender, c)
	if err != nil {
		return Result{}, err
	}
	if !dec.Allowed {
		return d.deferRateLimited(ctx, t, from, DeferFor(dec, sender, c))
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		OrganizationID: t.OrganizationID,
		CampaignID:     strPtr(t.CampaignID),
		TargetID:       strPtr(t.ID),
		TemplateID:     strPtr(tmpl.ID),
		Direction:      model.Outbound,
		FromNumber:     sender.E164,
		ToNumber:       phone,
		Body:           body,
		Status:         model.MessageQueued,
		Segments:       carrier.Segments(body),
		CreatedAt:      now,
	}
	if err := d.Messages.Create(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("persist in-flight message: %w", err)
	}

	t.Status = model.TargetSending
	t.MessageID = strPtr(msg.ID)
	t.TemplateID = strPtr(tmpl.ID)
	t.FromNumberID = strPtr(sender.ID)
	t.FromNumber = strPtr(sender.E164)
	t.NextAttemptAt = nil
	if err := d.Targets.Transition(ctx, t, from); err != nil {
		if errors.Is(err, appErrors.ErrStaleTransition) {
			d.abandon(ctx, msg)
		}
		return Result{}, err
	}

	return d.submit(ctx, t, msg, cfg)
}

// resume finishes an attempt interrupted after the target entered sending.
func (d *Dispatcher) resume(ctx context.Context, t *model.CampaignTarget, c *model.Campaign, cfg DispatchSettings) (Result, error) {
	var msg *model.Message
	if t.MessageID != nil {
		m, err := d.Messages.GetByID(ctx, *t.MessageID)
		if err != nil && !errors.Is(err, appErrors.ErrNotFound) {
			return Result{}, err
		}
		msg = m
	}
	if msg == nil {
		at := d.now()
		t.Status = model.TargetRescheduled
		t.NextAttemptAt = &at
		if err := d.Targets.Transition(ctx, t, model.TargetSending); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeDeferred, Reason: ReasonInFlightLost, RetryAt: &at}, nil
	}

	// The carrier accepted it before the crash.
	if msg.CarrierMessageID != nil {
		if msg.Status == model.MessageQueued {
			msg.Status = model.MessageSent
			if msg.SentAt == nil {
				msg.SentAt = timePtr(d.now())
			}
			if err := d.Messages.Update(ctx, msg, model.MessageQueued); err != nil && !errors.Is(err, appErrors.ErrStaleTransition) {
				return Result{}, err
			}
		}
		return d.markSent(ctx, t, msg)
	}

	if msg.Status == model.MessageFailed {
		reason := msg.ErrorCode
		if reason == "" {
			reason = "carrier_error"
		}
		if msg.ErrorCode == carrier.CodeUnsubscribed {
			if _, err := d.Suppressions.Add(ctx, t.PhoneNumber, t.OrganizationID, model.ReasonOptOut, model.SourceCarrier); err != nil {
				return Result{}, err
			}
			return d.suppress(ctx, t, model.TargetSending)
		}
		if carrier.IsPermanentCode(msg.ErrorCode) {
			return d.fail(ctx, t, model.TargetSending, reason)
		}
		return d.retry(ctx, t, model.TargetSending, reason)
	}

	return d.resubmit(ctx, t, model.TargetSending, msg, cfg)
}

// resubmit sends a message the carrier never accepted under its original
// idempotency key. It repeats the last-moment checks and takes a fresh rate
// slot for the message's number; a refused slot keeps the message for the
// next attempt.
func (d *Dispatcher) resubmit(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus, msg *model.Message, cfg DispatchSettings) (Result, error) {
	c, err := d.Campaigns.GetByID(ctx, t.CampaignID)
	if err != nil {
		return Result{}, err
	}
	if !c.Sendable() {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonCampaignPrefix + string(c.Status)}, nil
	}
	if res, done, err := d.checkSuppressed(ctx, t, from); done || err != nil {
		if done && err == nil {
			d.abandon(ctx, msg)
		}
		return res, err
	}

	sender, ok, err := d.Pool.Sender(ctx, msg.FromNumber)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// The number was retired; start over with a new message.
		d.abandon(ctx, msg)
		at := d.now()
		t.Status = model.TargetRescheduled
		t.MessageID = nil
		t.NextAttemptAt = &at
		if err := d.Targets.Transition(ctx, t, from); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeDeferred, Reason: ReasonInFlightLost, RetryAt: &at}, nil
	}

	dec, err := d.Pool.RecordSend(ctx, sender, c)
	if err != nil {
		return Result{}, err
	}
	if !dec.Allowed {
		return d.deferRateLimited(ctx, t, from, DeferFor(dec, sender, c))
	}

	if from != model.TargetSending {
		t.Status = model.TargetSending
		t.NextAttemptAt = nil
		if err := d.Targets.Transition(ctx, t, from); err != nil {
			return Result{}, err
		}
	}
	return d.submit(ctx, t, msg, cfg)
}

// submit calls the carrier with the message id as idempotency key and
// records the result. The target must be in sending.
func (d *Dispatcher) submit(ctx context.Context, t *model.CampaignTarget, msg *model.Message, cfg DispatchSettings) (Result, error) {
	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	sr, err := d.Gateway.Send(sendCtx, carrier.SendRequest{
		To:             msg.ToNumber,
		From:           msg.FromNumber,
		Body:           msg.Body,
		IdempotencyKey: msg.ID,
	})
	cancel()
	now := d.now()

	if err != nil {
		ce := carrier.AsError(err)
		msg.ErrorCode = ce.Code
		msg.ErrorMessage = ce.Message

		// The carrier may have accepted a send we got no answer for. The
		// message stays queued so the retry reuses its idempotency key.
		if ce.Ambiguous() && t.RetryCount < t.MaxRetries {
			if err := d.Messages.Update(ctx, msg, model.MessageQueued); err != nil {
				return Result{}, fmt.Errorf("record carrier failure: %w", err)
			}
			return d.retry(ctx, t, model.TargetSending, "carrier_"+ce.Code)
		}

		msg.Status = model.MessageFailed
		msg.FailedAt = &now
		if err := d.Messages.Update(ctx, msg, model.MessageQueued); err != nil {
			return Result{}, fmt.Errorf("record carrier failure: %w", err)
		}

		switch {
		case ce.Unsubscribed():
			if _, err := d.Suppressions.Add(ctx, t.PhoneNumber, t.OrganizationID, model.ReasonOptOut, model.SourceCarrier); err != nil {
				return Result{}, err
			}
			return d.suppress(ctx, t, model.TargetSending)
		case !ce.Retryable:
			return d.fail(ctx, t, model.TargetSending, "carrier_"+ce.Code)
		default:
			return d.retry(ctx, t, model.TargetSending, "carrier_"+ce.Code)
		}
	}

	msg.Status = model.MessageSent
	msg.CarrierMessageID = strPtr(sr.CarrierMessageID)
	if sr.Segments > 0 {
		msg.Segments = sr.Segments
	}
	msg.SentAt = &now
	msg.ErrorCode = ""
	msg.ErrorMessage = ""
	if err := d.Messages.Update(ctx, msg, model.MessageQueued); err != nil {
		return Result{}, fmt.Errorf("record carrier acceptance: %w", err)
	}

	res, err := d.markSent(ctx, t, msg)
	if err != nil {
		return res, err
	}
	if msg.TemplateID != nil {
		d.Templates.TrackUsage(ctx, *msg.TemplateID)
	}
	return res, nil
}

func (d *Dispatcher) markSent(ctx context.Context, t *model.CampaignTarget, msg *model.Message) (Result, error) {
	t.Status = model.TargetSent
	t.SentAt = msg.SentAt
	t.LastError = ""
	t.NextAttemptAt = nil
	if err := d.Targets.Transition(ctx, t, model.TargetSending); err != nil {
		return Result{}, err
	}
	res := Result{Outcome: OutcomeSent, MessageID: msg.ID}

	// A status report that landed while the target was still sending could
	// not be propagated then.
	cur, err := d.Messages.GetByID(ctx, msg.ID)
	if err != nil {
		return res, fmt.Errorf("re-read message %s: %w", msg.ID, err)
	}
	if cur.Status.Terminal() {
		if err := finalizeTarget(ctx, d.Targets, t, cur, d.now(), d.Log); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (d *Dispatcher) checkSuppressed(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus) (Result, bool, error) {
	blocked, err := d.Suppressions.IsSuppressed(ctx, t.PhoneNumber, t.OrganizationID)
	if err != nil {
		return Result{}, true, err
	}
	if !blocked {
		return Result{}, false, nil
	}
	res, err := d.suppress(ctx, t, from)
	return res, true, err
}

func (d *Dispatcher) suppress(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus) (Result, error) {
	t.Status = model.TargetSuppressed
	t.NextAttemptAt = nil
	if err := d.Targets.Transition(ctx, t, from); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeSuppressed, Reason: "suppressed"}, nil
}

func (d *Dispatcher) fail(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus, reason string) (Result, error) {
	now := d.now()
	t.Status = model.TargetFailed
	t.LastError = reason
	t.FailedAt = &now
	t.NextAttemptAt = nil
	if err := d.Targets.Transition(ctx, t, from); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeTerminalFailure, Reason: reason}, nil
}

// retry applies the retry policy: exponential backoff from the pre-increment
// retry count, then failure once max_retries is spent.
func (d *Dispatcher) retry(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus, reason string) (Result, error) {
	if t.RetryCount >= t.MaxRetries {
		return d.fail(ctx, t, from, reason)
	}
	cfg := d.Settings.withDefaults()
	at := d.now().Add(cfg.RetryBase * time.Duration(1<<t.RetryCount))
	t.RetryCount++
	t.Status = model.TargetRescheduled
	t.LastError = reason
	t.NextAttemptAt = &at
	if err := d.Targets.Transition(ctx, t, from); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeRetry, Reason: reason, RetryAt: &at}, nil
}

func (d *Dispatcher) deferRateLimited(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus, delay time.Duration) (Result, error) {
	at := d.now().Add(delay)
	t.Status = model.TargetRescheduled
	t.NextAttemptAt = &at
	if err := d.Targets.Transition(ctx, t, from); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeDeferred, Reason: ReasonRateLimited, RetryAt: &at}, nil
}

func (d *Dispatcher) deferNoNumber(ctx context.Context, t *model.CampaignTarget, from model.TargetStatus, cfg DispatchSettings) (Result, error) {
	if t.Deferrals >= cfg.NoNumberMaxDeferrals {
		return d.fail(ctx, t, from, ReasonNoNumber)
	}
	t.Deferrals++
	steps := t.Deferrals
	if steps > 10 {
		steps = 10
	}
	at := d.now().Add(cfg.NoNumberBackoff * time.Duration(steps))
	t.Status = model.TargetRescheduled
	t.LastError = ReasonNoNumber
	t.NextAttemptAt = &at
	if err := d.Targets.Transition(ctx, t, from); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeDeferred, Reason: ReasonNoNumber, RetryAt: &at}, nil
}

// pendingMessage returns the target's message when it was created but never
// accepted by the carrier.
func (d *Dispatcher) pendingMessage(ctx context.Context, t *model.CampaignTarget) (*model.Message, error) {
	if t.MessageID == nil {
		return nil, nil
	}
	m, err := d.Messages.GetByID(ctx, *t.MessageID)
	if errors.Is(err, appErrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.Status != model.MessageQueued || m.CarrierMessageID != nil {
		return nil, nil
	}
	return m, nil
}

func (d *Dispatcher) drop(ctx context.Context, msg *model.Message) {
	if msg != nil {
		d.abandon(ctx, msg)
	}
}

// abandon marks an in-flight message that will never be submitted.
func (d *Dispatcher) abandon(ctx context.Context, msg *model.Message) {
	now := d.now()
	msg.Status = model.MessageFailed
	msg.ErrorCode = "abandoned"
	msg.FailedAt = &now
	if err := d.Messages.Update(ctx, msg, model.MessageQueued); err != nil {
		d.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to abandon in-flight message")
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
