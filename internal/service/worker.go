package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/smsdispatch/internal/queue"
)

// QueueScheduler schedules dispatch attempts as delayed queue messages.
type QueueScheduler struct {
	Queue queue.Queue
	Now   func() time.Time
}

func (s *QueueScheduler) ScheduleDispatch(ctx context.Context, targetID string, at time.Time) error {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return queue.PublishJSON(ctx, s.Queue, queue.TopicCampaignSends, queue.DispatchJob{TargetID: targetID}, delay)
}

// Worker consumes dispatch and status callback jobs.
type Worker struct {
	Queue      queue.Queue
	Dispatcher *Dispatcher
	Reconciler *Reconciler
	Log        zerolog.Logger
}

// Start subscribes the worker's handlers. Delivery runs on the queue's
// worker goroutines until the queue is closed.
func (w *Worker) Start() error {
	if err := w.Queue.Subscribe(queue.TopicCampaignSends, w.HandleDispatch); err != nil {
		return err
	}
	if w.Reconciler != nil {
		if err := w.Queue.Subscribe(queue.TopicStatusCallbacks, w.Reconciler.HandleJob); err != nil {
			return err
		}
	}
	w.Log.Info().Msg("worker running, waiting for jobs")
	return nil
}

// HandleDispatch runs one dispatch job. Malformed jobs are dropped; storage
// errors are returned so the queue redelivers.
func (w *Worker) HandleDispatch(ctx context.Context, payload []byte) error {
	var job queue.DispatchJob
	if err := json.Unmarshal(payload, &job); err != nil || job.TargetID == "" {
		w.Log.Error().Err(err).Bytes("payload", payload).Msg("invalid dispatch job")
		return nil
	}
	_, err := w.Dispatcher.Process(ctx, job.TargetID)
	return err
}
