package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	TopicCampaignSends   = "campaign_sends"
	TopicStatusCallbacks = "status_callbacks"
)

var ErrClosed = errors.New("queue closed")

// Handler processes one payload. A non-nil error redelivers the payload
// after a backoff, up to the queue's redelivery limit.
type Handler func(ctx context.Context, payload []byte) error

// Queue interface
type Queue interface {
	// Publish enqueues payload on topic, visible to consumers after delay.
	Publish(ctx context.Context, topic string, payload []byte, delay time.Duration) error
	// Subscribe registers the single consumer for topic.
	Subscribe(topic string, handler Handler) error
	Close() error
}

// Options shared by both queue implementations.
type Options struct {
	Workers         int
	MaxRedeliveries int
	Backoff         func(deliveries int) time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxRedeliveries <= 0 {
		o.MaxRedeliveries = 3
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff
	}
	return o
}

// DefaultBackoff waits 500ms more for every failed delivery.
func DefaultBackoff(deliveries int) time.Duration {
	return time.Duration(deliveries*500) * time.Millisecond
}

type envelope struct {
	payload    []byte
	deliveries int
}

// InMemoryQueue is an in-process queue with delayed delivery and redelivery
// on handler error. Delays are timers; no worker sleeps.
type InMemoryQueue struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string][]envelope
	handlers map[string]Handler
	timers   map[*time.Timer]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(opts Options, log zerolog.Logger) *InMemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &InMemoryQueue{
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "queue").Logger(),
		pending:  map[string][]envelope{},
		handlers: map[string]Handler{},
		timers:   map[*time.Timer]struct{}{},
		ctx:      ctx,
		cancel:   cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *InMemoryQueue) Publish(_ context.Context, topic string, payload []byte, delay time.Duration) error {
	return q.enqueue(topic, envelope{payload: payload}, delay)
}

func (q *InMemoryQueue) enqueue(topic string, env envelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if delay <= 0 {
		q.pending[topic] = append(q.pending[topic], env)
		q.cond.Broadcast()
		return nil
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if q.closed {
			return
		}
		q.pending[topic] = append(q.pending[topic], env)
		q.cond.Broadcast()
	})
	q.timers[t] = struct{}{}
	return nil
}

// Subscribe adds the handler for a topic and starts its workers.
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.handlers[topic]; ok {
		return fmt.Errorf("topic %s already has a subscriber", topic)
	}
	q.handlers[topic] = handler
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.work(topic, handler)
	}
	return nil
}

func (q *InMemoryQueue) next(topic string) (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending[topic]) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return envelope{}, false
	}
	env := q.pending[topic][0]
	q.pending[topic] = q.pending[topic][1:]
	return env, true
}

func (q *InMemoryQueue) work(topic string, handler Handler) {
	defer q.wg.Done()
	for {
		env, ok := q.next(topic)
		if !ok {
			return
		}
		err := handler(q.ctx, env.payload)
		if err == nil {
			continue
		}

		env.deliveries++
		if env.deliveries > q.opts.MaxRedeliveries {
			q.log.Error().Err(err).Str("topic", topic).Int("deliveries", env.deliveries).
				Msg("job permanently failed, dropping")
			continue
		}
		q.log.Warn().Err(err).Str("topic", topic).Int("deliveries", env.deliveries).
			Msg("job failed, redelivering")
		if err := q.enqueue(topic, env, q.opts.Backoff(env.deliveries)); err != nil && !errors.Is(err, ErrClosed) {
			q.log.Error().Err(err).Str("topic", topic).Msg("redelivery failed")
		}
	}
}

// Len returns the number of payloads ready for delivery on topic.
func (q *InMemoryQueue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[topic])
}

// Close stops timers and workers. Undelivered payloads are discarded.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
