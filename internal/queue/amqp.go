package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const deliveriesHeader = "x-deliveries"

// AMQPQueue maps each topic to a durable RabbitMQ queue. Delayed publishes
// go to a per-delay holding queue whose messages expire and dead-letter
// back into the topic queue.
type AMQPQueue struct {
	conn     *amqp.Connection
	opts     Options
	prefetch int
	log      zerolog.Logger

	pubMu    sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialAMQP connects to RabbitMQ and opens the publishing channel.
func DialAMQP(url string, opts Options, prefetch int, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &AMQPQueue{
		conn:     conn,
		opts:     opts.withDefaults(),
		prefetch: prefetch,
		log:      log.With().Str("component", "amqp").Logger(),
		pub:      pub,
		declared: map[string]bool{},
		ctx:      ctx,
		cancel:   cancel,
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err := <-closed; err != nil {
			q.log.Error().Err(err).Msg("RabbitMQ connection closed")
		}
	}()
	return q, nil
}

func (q *AMQPQueue) declareTopic(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	return nil
}

// delayQueueName buckets delays to whole seconds so the number of holding
// queues stays small.
func delayQueueName(topic string, delay time.Duration) (string, int64) {
	secs := int64((delay + time.Second - 1) / time.Second)
	ms := secs * 1000
	return fmt.Sprintf("%s.delay.%d", topic, ms), ms
}

func (q *AMQPQueue) declareDelay(topic string, delay time.Duration) (string, error) {
	name, ms := delayQueueName(topic, delay)
	if q.declared[name] {
		return name, nil
	}
	_, err := q.pub.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": topic,
		"x-expires":                 ms + int64(time.Minute/time.Millisecond),
	})
	if err != nil {
		return "", fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}
	q.declared[name] = true
	return name, nil
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	return q.publish(topic, payload, delay, 0)
}

func (q *AMQPQueue) publish(topic string, payload []byte, delay time.Duration, deliveries int) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if !q.declared[topic] {
		if err := q.declareTopic(q.pub, topic); err != nil {
			return err
		}
		q.declared[topic] = true
	}
	routingKey := topic
	if delay > 0 {
		name, err := q.declareDelay(topic, delay)
		if err != nil {
			return err
		}
		routingKey = name
	}

	return q.pub.Publish("", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{deliveriesHeader: int32(deliveries)},
		Body:         payload,
	})
}

// Subscribe opens a dedicated channel for topic and starts the configured
// number of workers. Messages are acked only after the handler returns.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set qos: %w", err)
	}
	if err := q.declareTopic(ch, topic); err != nil {
		ch.Close()
		return err
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.consume(topic, msgs, handler)
	}
	go func() {
		<-q.ctx.Done()
		ch.Close()
	}()
	return nil
}

func (q *AMQPQueue) consume(topic string, msgs <-chan amqp.Delivery, handler Handler) {
	defer q.wg.Done()
	for d := range msgs {
		err := handler(q.ctx, d.Body)
		if err == nil {
			d.Ack(false)
			continue
		}

		deliveries := headerInt(d.Headers, deliveriesHeader) + 1
		if deliveries > q.opts.MaxRedeliveries {
			q.log.Error().Err(err).Str("topic", topic).Int("deliveries", deliveries).
				Msg("job permanently failed, dropping")
			d.Ack(false)
			continue
		}
		q.log.Warn().Err(err).Str("topic", topic).Int("deliveries", deliveries).Msg("job failed, redelivering")
		if perr := q.publish(topic, d.Body, q.opts.Backoff(deliveries), deliveries); perr != nil {
			q.log.Error().Err(perr).Str("topic", topic).Msg("redelivery publish failed, requeueing")
			d.Nack(false, true)
			continue
		}
		d.Ack(false)
	}
}

func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.pubMu.Lock()
	q.pub.Close()
	q.pubMu.Unlock()
	return q.conn.Close()
}
