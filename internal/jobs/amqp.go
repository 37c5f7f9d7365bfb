package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Queue is a durable AMQP queue used both to publish and consume jobs
type Queue struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	name   string
	logger *slog.Logger

	mu sync.Mutex
}

// Dial connects to the broker and declares the durable queue
func Dial(url, name string, logger *slog.Logger) (*Queue, error) {
	if name == "" {
		name = DefaultQueue
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	return &Queue{
		conn:   conn,
		ch:     ch,
		name:   name,
		logger: logger.With("component", "job_queue", "queue", name),
	}, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Enqueue publishes j as a persistent message
func (q *Queue) Enqueue(ctx context.Context, j Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now().UTC()
	}
	body, err := Encode(j)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	err = q.ch.Publish(
		"",     // default exchange
		q.name, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.New().String(),
			Timestamp:    j.EnqueuedAt,
			Type:         string(j.Kind),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	q.logger.Debug("job enqueued", "kind", j.Kind, "campaign_id", j.CampaignID)
	return nil
}

// Consume delivers jobs to h until ctx is cancelled or the broker closes the
// channel. Each job is acknowledged manually after it ran.
func (q *Queue) Consume(ctx context.Context, h *Handler, consumer string) error {
	// One job at a time per consumer; campaign runs are long
	if err := q.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := q.ch.Consume(
		q.name,
		consumer,
		false, // autoAck off for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.logger.Info("worker waiting for jobs", "consumer", consumer)

	for {
		select {
		case <-ctx.Done():
			if err := q.ch.Cancel(consumer, false); err != nil {
				q.logger.Warn("failed to cancel consumer", "error", err)
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			settle(d, h.Handle(ctx, d.Body), q.logger)
		}
	}
}

// Close closes the channel and the connection
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

// acknowledger is the settling half of amqp.Delivery
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func settle(d acknowledger, outcome Outcome, logger *slog.Logger) {
	var err error
	switch outcome {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		logger.Error("failed to settle delivery", "outcome", outcome, "error", err)
	}
}
