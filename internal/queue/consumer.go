// Package queue takes render submissions from a RabbitMQ queue and hands
// them to the render engine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/seantiz/easel/internal/engine"
	"github.com/seantiz/easel/internal/model"
)

const (
	consumerTag   = "easel"
	prefetchCount = 4

	// requeueDelay throttles redelivery while the render queue is full.
	requeueDelay = time.Second
)

// Submitter accepts render tasks.
type Submitter interface {
	Submit(ctx context.Context, t *model.Task) error
}

// Consumer reads submissions from one durable queue. Malformed messages are
// rejected without requeue so a dead-letter exchange can collect them;
// messages refused because the engine is saturated are requeued.
type Consumer struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queue     string
	submitter Submitter
	logger    *slog.Logger
	delay     time.Duration
}

// Dial connects to the broker at url and declares queueName.
func Dial(url, queueName string, sub Submitter, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &Consumer{
		conn:      conn,
		ch:        ch,
		queue:     queueName,
		submitter: sub,
		logger:    logger,
		delay:     requeueDelay,
	}, nil
}

// Run consumes deliveries until ctx is done or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(
		c.queue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info("amqp consumer started", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle submits one delivery and settles it.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	sub, err := model.ParseSubmission(d.Body)
	if err != nil {
		c.logger.Warn("rejecting invalid submission", "delivery_tag", d.DeliveryTag, "error", err)
		c.settle(d.Nack(false, false))
		return
	}

	task := sub.Task()
	err = c.submitter.Submit(ctx, task)
	switch {
	case err == nil:
		c.logger.Info("render queued from amqp", "task_id", task.ID, "session_id", task.Options.SessionID)
		c.settle(d.Ack(false))
	case errors.Is(err, engine.ErrQueueFull):
		c.logger.Warn("render queue full, requeueing", "delivery_tag", d.DeliveryTag)
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
		c.settle(d.Nack(false, true))
	default:
		c.logger.Error("submit failed", "delivery_tag", d.DeliveryTag, "error", err)
		c.settle(d.Nack(false, !d.Redelivered))
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Warn("settle delivery", "error", err)
	}
}

// Close closes the channel and the connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.logger.Warn("close amqp channel", "error", err)
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
