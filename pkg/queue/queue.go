// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package queue delivers ticket notifications to an AMQP broker. The
// Publisher interface keeps the broker optional: with no AMQP URL
// configured the rest of the service runs without ticket publication.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
)

// Publisher delivers one JSON-encoded message to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queueName string, payload any) error
	Close() error
}

// AMQPPublisher implements Publisher on a RabbitMQ-compatible broker.
// The connection is established lazily and re-established after broker
// restarts.
type AMQPPublisher struct {
	url string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	// queues already declared on the current channel
	declared map[string]bool
}

var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQP returns a publisher for the given amqp:// or amqps:// URL.
// No connection is attempted until the first Publish.
func NewAMQP(url string) (*AMQPPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("empty AMQP URL")
	}
	return &AMQPPublisher{
		url:      url,
		declared: make(map[string]bool),
	}, nil
}

// Publish encodes payload as JSON and delivers it persistently to
// queueName, declaring the queue when first seen. Connection loss is
// retried with exponential backoff within the context's deadline.
func (p *AMQPPublisher) Publish(ctx context.Context, queueName string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second

	_, err = backoff.Retry(ctx, func() (any, error) {
		return nil, p.publishOnce(ctx, queueName, body)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(4),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugw("retrying publish", "queue", queueName, "after", duration, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %q: %w", queueName, err)
	}
	return nil
}

func (p *AMQPPublisher) publishOnce(ctx context.Context, queueName string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}

	if !p.declared[queueName] {
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			p.resetLocked()
			return fmt.Errorf("failed to declare queue: %w", err)
		}
		p.declared[queueName] = true
	}

	err = ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// channelLocked returns a usable channel, dialing if needed. Caller
// holds p.mu.
func (p *AMQPPublisher) channelLocked() (*amqp.Channel, error) {
	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil {
		return p.channel, nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p.conn = conn
	p.channel = channel
	logger.Infow("connected to AMQP broker")
	return channel, nil
}

// resetLocked tears down the current connection state so the next
// Publish redials. Caller holds p.mu.
func (p *AMQPPublisher) resetLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.declared = make(map[string]bool)
}

// Close shuts down the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
