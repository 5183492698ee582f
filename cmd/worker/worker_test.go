package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsdispatch/internal/app"
	"github.com/unclebandit/smsdispatch/internal/carrier"
	"github.com/unclebandit/smsdispatch/internal/config"
	"github.com/unclebandit/smsdispatch/internal/model"
)

func TestWorker(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan *app.App, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, zerolog.Nop(), func(a *app.App) { started <- a })
	}()

	var a *app.App
	select {
	case a = <-started:
	case err := <-done:
		t.Fatalf("worker exited early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not start")
	}

	a.Memory.PutCampaign(model.Campaign{ID: "camp-1", OrganizationID: "org-1", Status: model.CampaignActive, TemplateCategory: model.CategoryInitial})
	a.Memory.PutLead(model.Lead{ID: "lead-1", OrganizationID: "org-1", FirstName: "Ana"})
	a.Memory.PutPhoneNumber(model.PhoneNumber{ID: "pn-1", OrganizationID: "org-1", E164: "+15125550199", Status: model.PhoneActive, HealthScore: 100, RateLimitMPS: 1})
	a.Memory.PutTemplate(model.Template{ID: "tpl-1", OrganizationID: "org-1", Body: "Hi {first_name}", Category: model.CategoryInitial, Active: true})
	a.Memory.PutTarget(model.CampaignTarget{ID: "t-1", CampaignID: "camp-1", OrganizationID: "org-1", LeadID: "lead-1", PhoneNumber: "+15125550100", Status: model.TargetQueued, MaxRetries: 3})

	require.NoError(t, a.Scheduler.ScheduleDispatch(ctx, "t-1", time.Now()))

	fake := a.Gateway.(*carrier.Fake)
	require.Eventually(t, func() bool { return len(fake.Sends()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Hi Ana", fake.Sends()[0].Body)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
