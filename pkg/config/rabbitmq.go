package config

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const (
	dialRetries    = 10
	dialRetryDelay = 3 * time.Second
)

// DialRabbitMQ connects to url, retrying while the broker comes up.
func DialRabbitMQ(ctx context.Context, url string) (*amqp.Connection, error) {
	var lastErr error
	for i := 0; i < dialRetries; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i < dialRetries-1 {
			log.Warnf("Failed to connect to RabbitMQ (attempt %d/%d): %v. Retrying in %v...", i+1, dialRetries, err, dialRetryDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(dialRetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialRetries, lastErr)
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
}

// PurgeQueue removes all messages from a queue without deleting the queue
// itself. It returns the number of messages removed.
func PurgeQueue(conn *amqp.Connection, queueName string) (int, error) {
	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if _, err := declareQueue(ch, queueName); err != nil {
		return 0, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	n, err := ch.QueuePurge(queueName, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", queueName, err)
	}
	return n, nil
}
