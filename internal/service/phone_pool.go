package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/ratelimit"
	"github.com/unclebandit/smsdispatch/internal/repository"
)

const DefaultHealthFloor = 70

// PhonePool selects sending numbers and owns their send counters.
type PhonePool struct {
	Repo        repository.PhoneNumberRepositoryInterface
	Limiter     ratelimit.Limiter
	HealthFloor int
	Now         func() time.Time
	Log         zerolog.Logger
}

func (p *PhonePool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *PhonePool) floor() int {
	if p.HealthFloor > 0 {
		return p.HealthFloor
	}
	return DefaultHealthFloor
}

func numberBucket(n *model.PhoneNumber) ratelimit.Bucket {
	return ratelimit.Bucket{Key: n.E164, Limits: ratelimit.Limits{PerSecond: n.MPS(), DailyCap: n.Cap()}}
}

func campaignKey(c *model.Campaign) string {
	return "campaign:" + c.ID
}

// buckets are the counters one send from n for c consumes. c may be nil.
func buckets(n *model.PhoneNumber, c *model.Campaign) []ratelimit.Bucket {
	out := []ratelimit.Bucket{numberBucket(n)}
	if c != nil && c.Limited() {
		out = append(out, ratelimit.Bucket{
			Key:    campaignKey(c),
			Limits: ratelimit.Limits{PerSecond: c.RateLimitMPS, DailyCap: c.DailyLimit},
		})
	}
	return out
}

// SelectSender returns the least recently used eligible number that still
// has daily capacity. When every number is capped it returns the least
// recently used one anyway and the rate check reports the cap. ok is false
// when the organization has no eligible number at all.
func (p *PhonePool) SelectSender(ctx context.Context, orgID string) (*model.PhoneNumber, bool, error) {
	numbers, err := p.Repo.ListEligible(ctx, orgID, p.floor())
	if err != nil {
		return nil, false, fmt.Errorf("select sender: %w", err)
	}
	if len(numbers) == 0 {
		return nil, false, nil
	}
	now := p.now()
	for _, n := range numbers {
		d, err := p.Limiter.Peek(ctx, now, numberBucket(n))
		if err != nil {
			return nil, false, err
		}
		if d.Allowed || d.Reason != ratelimit.DailyLimit {
			return n, true, nil
		}
	}
	return numbers[0], true, nil
}

// Sender looks up the number an in-flight message was assigned. ok is false
// when the number is gone or no longer eligible.
func (p *PhonePool) Sender(ctx context.Context, e164 string) (*model.PhoneNumber, bool, error) {
	n, err := p.Repo.GetByNumber(ctx, e164)
	if errors.Is(err, appErrors.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n, n.Eligible(p.floor()), nil
}

// CanSendNow peeks at the number and campaign counters without reserving a
// slot.
func (p *PhonePool) CanSendNow(ctx context.Context, n *model.PhoneNumber, c *model.Campaign) (ratelimit.Decision, error) {
	return p.Limiter.Peek(ctx, p.now(), buckets(n, c)...)
}

// RecordSend reserves one slot for n and c in a single step. Nothing is
// counted when the send would exceed any per-second window or daily cap.
func (p *PhonePool) RecordSend(ctx context.Context, n *model.PhoneNumber, c *model.Campaign) (ratelimit.Decision, error) {
	now := p.now()
	d, err := p.Limiter.Acquire(ctx, now, buckets(n, c)...)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		p.Log.Debug().Str("number", n.E164).Str("bucket", d.Key).Str("reason", d.Reason.String()).Msg("send slot refused")
		return d, nil
	}
	if err := p.Repo.MarkUsed(ctx, n.ID, now); err != nil {
		p.Log.Warn().Err(err).Str("number_id", n.ID).Msg("failed to mark number used")
	}
	return d, nil
}

// DeferDelay is how long a target waits when its number is saturated.
func DeferDelay(n *model.PhoneNumber) time.Duration {
	return perMinuteSpacing(n.MPS())
}

// DeferFor is how long a target waits after d refused a send from n for c.
// A daily cap holds the target until the counters reset.
func DeferFor(d ratelimit.Decision, n *model.PhoneNumber, c *model.Campaign) time.Duration {
	switch {
	case d.Reason == ratelimit.DailyLimit && d.RetryAfter > 0:
		return d.RetryAfter
	case c != nil && d.Key == campaignKey(c) && c.RateLimitMPS > 0:
		return perMinuteSpacing(c.RateLimitMPS)
	}
	return DeferDelay(n)
}

func perMinuteSpacing(mps int) time.Duration {
	secs := 60 / mps
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
