package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/smsdispatch/internal/carrier"
	"github.com/unclebandit/smsdispatch/internal/lock"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/ratelimit"
	"github.com/unclebandit/smsdispatch/internal/repository/memory"
	"github.com/unclebandit/smsdispatch/internal/service"
)

// Wednesday, 12:00 in America/Chicago.
var baseTime = time.Date(2024, 6, 5, 17, 0, 0, 0, time.UTC)

const (
	orgID      = "org-1"
	campaignID = "camp-1"
	senderE164 = "+15125550199"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type scheduledDispatch struct {
	TargetID string
	At       time.Time
}

// MockScheduler records scheduled dispatches instead of publishing them
type MockScheduler struct {
	mu    sync.Mutex
	calls []scheduledDispatch
}

func (m *MockScheduler) ScheduleDispatch(_ context.Context, targetID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, scheduledDispatch{TargetID: targetID, At: at})
	return nil
}

func (m *MockScheduler) Calls() []scheduledDispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scheduledDispatch(nil), m.calls...)
}

type harness struct {
	store        *memory.Store
	clock        *testClock
	gateway      *carrier.Fake
	sched        *MockScheduler
	suppressions *service.SuppressionStore
	dispatcher   *service.Dispatcher
	reconciler   *service.Reconciler
	gate         *service.ComplianceGate
	campaigns    *service.CampaignService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zerolog.Nop()
	clock := newClock(baseTime)
	store := memory.New()
	store.SetClock(clock.Now)

	store.PutCampaign(model.Campaign{
		ID:                campaignID,
		OrganizationID:    orgID,
		Name:              "June outreach",
		Status:            model.CampaignActive,
		TemplateCategory:  model.CategoryInitial,
		MaxRetries:        3,
		RespectQuietHours: true,
		Timezone:          "America/Chicago",
		CreatedAt:         baseTime.Add(-time.Hour),
	})
	store.PutLead(model.Lead{
		ID:             "lead-1",
		OrganizationID: orgID,
		FirstName:      "Ana",
		LastName:       "Reyes",
		County:         "Travis",
		Fields:         map[string]string{"acreage": "40"},
	})
	store.PutPhoneNumber(model.PhoneNumber{
		ID:             "pn-1",
		OrganizationID: orgID,
		E164:           senderE164,
		Status:         model.PhoneActive,
		HealthScore:    90,
		RateLimitMPS:   1,
	})
	store.PutTemplate(model.Template{
		ID:             "tpl-1",
		OrganizationID: orgID,
		Name:           "intro",
		Body:           "Hi {first_name}, {brand} is buying land in {county}.",
		Category:       model.CategoryInitial,
		Active:         true,
	})

	gateway := carrier.NewFake()
	sched := &MockScheduler{}
	suppressions := &service.SuppressionStore{Repo: store.Suppressions(), Now: clock.Now, Log: log}
	templates := &service.TemplateSelector{Repo: store.Templates(), Now: clock.Now, Log: log}
	pool := &service.PhonePool{
		Repo:        store.PhoneNumbers(),
		Limiter:     ratelimit.NewMemoryLimiter(),
		HealthFloor: 70,
		Now:         clock.Now,
		Log:         log,
	}

	h := &harness{
		store:        store,
		clock:        clock,
		gateway:      gateway,
		sched:        sched,
		suppressions: suppressions,
	}
	h.dispatcher = &service.Dispatcher{
		Targets:      store.Targets(),
		Campaigns:    store.Campaigns(),
		Leads:        store.Leads(),
		Messages:     store.Messages(),
		Suppressions: suppressions,
		Pool:         pool,
		Templates:    templates,
		Windows: service.WindowPolicy{
			DefaultTimezone: "America/Chicago",
			QuietStart:      "20:00",
			QuietEnd:        "08:00",
		},
		Gateway:   gateway,
		Locker:    lock.NewMemoryLocker(),
		Scheduler: sched,
		Settings: service.DispatchSettings{
			NoNumberMaxDeferrals: 2,
			NoNumberBackoff:      30 * time.Second,
			Brand:                "Lone Star Land",
		},
		Now: clock.Now,
		Log: log,
	}
	h.reconciler = &service.Reconciler{
		Messages: store.Messages(),
		Targets:  store.Targets(),
		Gateway:  gateway,
		Settings: service.ReconcilerSettings{UnmatchedAttempts: 3, StaleAge: 5 * time.Minute},
		Now:      clock.Now,
		Log:      log,
	}
	h.gate = &service.ComplianceGate{
		Suppressions: suppressions,
		Phones:       store.PhoneNumbers(),
		Messages:     store.Messages(),
		Audit:        store.Audit(),
		Replies:      service.Replies{Stop: "stopped", Help: "help text", Start: "resumed"},
		Now:          clock.Now,
		Log:          log,
	}
	h.campaigns = &service.CampaignService{
		CampaignRepo: store.Campaigns(),
		TargetRepo:   store.Targets(),
		MessageRepo:  store.Messages(),
		Suppressions: suppressions,
		Scheduler:    sched,
		Now:          clock.Now,
		Log:          log,
	}
	return h
}

func (h *harness) addTarget(id, phone string) {
	h.store.PutTarget(model.CampaignTarget{
		ID:             id,
		CampaignID:     campaignID,
		OrganizationID: orgID,
		LeadID:         "lead-1",
		PhoneNumber:    phone,
		Status:         model.TargetQueued,
		MaxRetries:     3,
		CreatedAt:      h.clock.Now(),
		UpdatedAt:      h.clock.Now(),
	})
}

func (h *harness) target(t *testing.T, id string) *model.CampaignTarget {
	t.Helper()
	tgt, err := h.store.Targets().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get target %s: %v", id, err)
	}
	return tgt
}

// assertValidPath checks every recorded step of a target is a legal
// transition.
func assertValidPath(t *testing.T, history []model.TargetStatus) {
	t.Helper()
	for i := 1; i < len(history); i++ {
		if !history[i-1].CanTransition(history[i]) {
			t.Errorf("illegal transition %s -> %s in %v", history[i-1], history[i], history)
		}
	}
}

func (h *harness) editCampaign(t *testing.T, edit func(c *model.Campaign)) {
	t.Helper()
	c, err := h.store.Campaigns().GetByID(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	edit(c)
	h.store.PutCampaign(*c)
}
