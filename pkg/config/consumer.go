package config

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// ErrPermanent marks a message that must not be requeued.
var ErrPermanent = errors.New("permanent message failure")

type Consumer struct {
	channel *amqp.Channel
	queue   string
}

func NewConsumer(conn *amqp.Connection, queueName string, prefetch int) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	q, err := declareQueue(ch, queueName)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}
	return &Consumer{channel: ch, queue: q.Name}, nil
}

// Consume hands every delivery to handler until ctx is cancelled or the
// channel closes. Messages are acked on success, dropped when handler
// returns an ErrPermanent error and requeued otherwise.
func (c *Consumer) Consume(ctx context.Context, handler func(context.Context, []byte) error) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return err
	}

	log.Infof("> consuming queue %s", c.queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			err := handler(ctx, msg.Body)
			switch {
			case err == nil:
				msg.Ack(false)
			case errors.Is(err, ErrPermanent):
				log.WithError(err).Warn("dropping message")
				msg.Nack(false, false)
			default:
				log.WithError(err).Warn("handle message failed, requeueing")
				msg.Nack(false, true)
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.channel.Close()
}
