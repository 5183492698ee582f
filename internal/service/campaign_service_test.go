package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/queue"
	"github.com/unclebandit/smsdispatch/internal/service"
)

func TestEnqueueCampaignActivatesAndSchedulesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutCampaign(model.Campaign{ID: campaignID, OrganizationID: orgID, Status: model.CampaignDraft, TemplateCategory: model.CategoryInitial})
	h.addTarget("t-1", "+15125550100")
	h.addTarget("t-2", "+15125550101")
	later := baseTime.Add(time.Hour)
	h.store.PutTarget(model.CampaignTarget{
		ID: "t-3", CampaignID: campaignID, OrganizationID: orgID, Status: model.TargetRescheduled, NextAttemptAt: &later,
	})
	h.store.PutTarget(model.CampaignTarget{ID: "t-4", CampaignID: campaignID, OrganizationID: orgID, Status: model.TargetSent})

	res, err := h.campaigns.EnqueueCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TargetsEnqueued)

	c, err := h.store.Campaigns().GetByID(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignActive, c.Status)

	at := map[string]time.Time{}
	for _, call := range h.sched.Calls() {
		at[call.TargetID] = call.At
	}
	assert.Len(t, at, 3)
	assert.True(t, at["t-1"].Equal(baseTime))
	assert.True(t, at["t-3"].Equal(later))
	assert.NotContains(t, at, "t-4")
}

func TestEnqueueCampaignRejectsStopped(t *testing.T) {
	h := newHarness(t)
	h.store.PutCampaign(model.Campaign{ID: campaignID, OrganizationID: orgID, Status: model.CampaignStopped})

	_, err := h.campaigns.EnqueueCampaign(context.Background(), campaignID)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))

	_, err = h.campaigns.EnqueueCampaign(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestPauseAndResumeCampaign(t *testing.T) {
	h := newHarness(t)
	h.addTarget("t-1", "+15125550100")
	ctx := context.Background()

	require.NoError(t, h.campaigns.PauseCampaign(ctx, campaignID))
	require.NoError(t, h.campaigns.PauseCampaign(ctx, campaignID))
	c, err := h.store.Campaigns().GetByID(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPaused, c.Status)

	res, err := h.campaigns.ResumeCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TargetsEnqueued)

	out, err := h.dispatcher.Process(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeSent, out.Outcome)
}

func TestEnqueueDispatchRejectsFinishedTarget(t *testing.T) {
	h := newHarness(t)
	h.store.PutTarget(model.CampaignTarget{ID: "t-1", CampaignID: campaignID, Status: model.TargetDelivered})

	err := h.campaigns.EnqueueDispatch(context.Background(), "t-1")
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
	assert.Empty(t, h.sched.Calls())

	err = h.campaigns.EnqueueDispatch(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestGetTargetStatus(t *testing.T) {
	h := newHarness(t)
	_, sid := sendOne(t, h)
	ctx := context.Background()
	require.NoError(t, h.reconciler.HandleStatusCallback(ctx, sid, "delivered", ""))

	view, err := h.campaigns.GetTargetStatus(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TargetDelivered, view.Target.Status)
	require.NotNil(t, view.Message)
	assert.Equal(t, model.MessageDelivered, view.Message.Status)
	assert.Len(t, view.Events, 1)
}

func TestManualSuppression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sup, err := h.campaigns.Suppress(ctx, "512.555.0100", orgID, model.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, model.SourceManual, sup.Source)

	require.NoError(t, h.campaigns.DeactivateSuppression(ctx, sup.ID))
	err = h.campaigns.DeactivateSuppression(ctx, "nope")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestRecoveryRepublishesStaleTargets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := baseTime.Add(-time.Hour)
	h.store.PutTarget(model.CampaignTarget{ID: "stuck", CampaignID: campaignID, Status: model.TargetSending, UpdatedAt: old})
	h.store.PutTarget(model.CampaignTarget{ID: "overdue", CampaignID: campaignID, Status: model.TargetRescheduled, NextAttemptAt: &old, UpdatedAt: old})
	h.store.PutTarget(model.CampaignTarget{ID: "fresh", CampaignID: campaignID, Status: model.TargetSending, UpdatedAt: baseTime})
	h.store.PutCampaign(model.Campaign{ID: "camp-paused", OrganizationID: orgID, Status: model.CampaignPaused})
	h.store.PutTarget(model.CampaignTarget{ID: "held", CampaignID: "camp-paused", Status: model.TargetRescheduled, NextAttemptAt: &old, UpdatedAt: old})

	r := &service.Recovery{Targets: h.store.Targets(), Scheduler: h.sched, BatchSize: 10, Now: h.clock.Now, Log: zerolog.Nop()}
	n, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids := []string{}
	for _, c := range h.sched.Calls() {
		ids = append(ids, c.TargetID)
	}
	assert.ElementsMatch(t, []string{"stuck", "overdue"}, ids)
}

func TestWorkerDispatchesFromQueue(t *testing.T) {
	h := newHarness(t)
	h.addTarget("t-1", "+15125550100")

	q := queue.NewInMemoryQueue(queue.Options{Workers: 1}, zerolog.Nop())
	defer q.Close()
	h.dispatcher.Scheduler = &service.QueueScheduler{Queue: q, Now: h.clock.Now}

	w := &service.Worker{Queue: q, Dispatcher: h.dispatcher, Reconciler: h.reconciler, Log: zerolog.Nop()}
	require.NoError(t, w.Start())
	require.NoError(t, queue.PublishJSON(context.Background(), q, queue.TopicCampaignSends, queue.DispatchJob{TargetID: "t-1"}, 0))

	require.Eventually(t, func() bool {
		return h.target(t, "t-1").Status == model.TargetSent
	}, 2*time.Second, 10*time.Millisecond)

	// Malformed jobs are dropped, not redelivered.
	assert.NoError(t, w.HandleDispatch(context.Background(), []byte("{")))
}
