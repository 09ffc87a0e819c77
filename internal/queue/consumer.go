package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/service"
)

// BillingEventHandler applies one billing event.
type BillingEventHandler interface {
	HandleBillingEvent(ctx context.Context, ev billing.Event) (service.Outcome, error)
}

// Consumer reads billing events from a durable queue and hands them to the
// reconciler. Failed events are requeued so the broker redelivers them;
// malformed ones are dropped.
type Consumer struct {
	url          string
	queue        string
	handler      BillingEventHandler
	prefetch     int
	requeueDelay time.Duration
}

// NewConsumer returns a Consumer for queue on the broker at url.
func NewConsumer(url, queue string, handler BillingEventHandler) *Consumer {
	return &Consumer{url: url, queue: queue, handler: handler, prefetch: 50, requeueDelay: time.Second}
}

// Run connects to the broker and consumes until ctx is canceled, redialing
// with exponential backoff whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("billing-consumer: failed to dial broker")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("billing-consumer: consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		log.Warn().Err(err).Msg("billing-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	log.Info().Str("queue", c.queue).Msg("billing-consumer: consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery acks applied, duplicate and ignored events, drops
// malformed ones and requeues everything else.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	ev, err := billing.ParseEvent(d.Body)
	if err != nil {
		log.Error().Err(err).Str("message_id", d.MessageId).Msg("billing-consumer: dropping malformed message")
		_ = d.Nack(false, false)
		return
	}
	outcome, err := c.handler.HandleBillingEvent(ctx, ev)
	switch {
	case err == nil:
		log.Debug().Str("event_id", ev.ID).Str("outcome", string(outcome)).Msg("billing-consumer: event handled")
		_ = d.Ack(false)
	case errors.Is(err, billing.ErrMalformedEvent):
		log.Error().Err(err).Str("event_id", ev.ID).Msg("billing-consumer: dropping undecodable event")
		_ = d.Nack(false, false)
	default:
		log.Warn().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).
			Msg("billing-consumer: event failed; requeueing")
		sleep(ctx, c.requeueDelay)
		_ = d.Nack(false, true)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
