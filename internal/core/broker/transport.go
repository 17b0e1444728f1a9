package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/google/uuid"
	"github.com/papyrix/papyrix/internal/core"
)

// ErrTimeout is returned by Call when no reply arrives within the deadline.
var ErrTimeout = errors.New("broker: rpc call timed out")

const (
	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 30 * time.Second
)

// Transport implements core.Transport on RabbitMQ. One Transport owns one
// connection with explicit lifecycle: dialed at process start, channels
// acquired per operation, automatic redial with backoff on connection loss.
// In-flight unacked deliveries are abandoned on reconnect and come back via
// broker redelivery, so handlers must be idempotent.
type Transport struct {
	url string
	log *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	closed  bool
	queueMu sync.Mutex
	queues  map[string]bool
}

// Connect dials the broker, retrying with backoff until ctx is cancelled.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Transport, error) {
	t := &Transport{url: url, log: log, queues: map[string]bool{}}
	if _, err := t.connection(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Close tears the connection down; pending operations fail.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn.Close()
	}
	return nil
}

// connection returns a live connection, redialing with exponential backoff.
func (t *Transport) connection(ctx context.Context) (*amqp.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("broker: transport closed")
	}
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, nil
	}
	t.pubCh = nil

	delay := reconnectBase
	for {
		conn, err := amqp.Dial(t.url)
		if err == nil {
			t.conn = conn
			t.log.Info("connected to broker")
			return conn, nil
		}
		t.log.Warn("broker dial failed, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// publishChannel returns a cached channel dedicated to publishing.
func (t *Transport) publishChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubCh != nil && !t.pubCh.IsClosed() {
		return t.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	t.pubCh = ch
	return ch, nil
}

// declareQueue declares topic as a durable queue, once per transport.
func (t *Transport) declareQueue(ch *amqp.Channel, topic string) error {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()
	if t.queues[topic] {
		return nil
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	t.queues[topic] = true
	return nil
}

// Publish sends body to topic as a persistent message, at-least-once.
func (t *Transport) Publish(ctx context.Context, topic string, body []byte) error {
	ch, err := t.publishChannel(ctx)
	if err != nil {
		return err
	}
	if err := t.declareQueue(ch, topic); err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Consume runs a blocking consumer loop on topic until ctx is cancelled,
// invoking fn for each delivery with at most pool concurrent handlers.
// Channel Qos matches the pool so the broker never hands us more unacked
// work than we can run.
func (t *Transport) Consume(ctx context.Context, topic string, pool int, fn core.MessageHandler) error {
	if pool < 1 {
		pool = 1
	}
	sem := make(chan struct{}, pool)
	var wg sync.WaitGroup

	for {
		deliveries, ch, err := t.openConsumer(ctx, topic, pool)
		if err != nil {
			return err
		}

		alive := true
		for alive {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				wg.Wait()
				return ctx.Err()
			case d, ok := <-deliveries:
				if !ok {
					// Channel died; abandon unacked work and reconnect.
					alive = false
					break
				}
				sem <- struct{}{}
				wg.Add(1)
				go func(d amqp.Delivery) {
					defer wg.Done()
					defer func() { <-sem }()
					t.settle(d, fn(ctx, d.Body))
				}(d)
			}
		}
		wg.Wait()
		t.log.Warn("consumer channel closed, reconnecting", "topic", topic)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBase):
		}
	}
}

func (t *Transport) openConsumer(ctx context.Context, topic string, prefetch int) (<-chan amqp.Delivery, *amqp.Channel, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", topic, err)
	}
	deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", topic, err)
	}
	return deliveries, ch, nil
}

func (t *Transport) settle(d amqp.Delivery, v core.Verdict) {
	var err error
	switch v {
	case core.Ack:
		err = d.Ack(false)
	case core.NackRequeue:
		err = d.Nack(false, true)
	case core.NackDiscard:
		err = d.Nack(false, false)
	}
	if err != nil {
		t.log.Error("failed to settle delivery", "error", err, "delivery_tag", d.DeliveryTag)
	}
}

// Call publishes body to topic with a unique reply queue and correlation ID,
// then waits for the matching reply. Returns ErrTimeout when none arrives
// within timeout.
func (t *Transport) Call(ctx context.Context, topic string, body []byte, timeout time.Duration) ([]byte, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rpc channel: %w", err)
	}
	defer ch.Close()

	if err := t.declareQueue(ch, topic); err != nil {
		return nil, err
	}
	replyQ, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	replies, err := ch.Consume(replyQ.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	corrID := uuid.NewString()
	err = ch.PublishWithContext(ctx, "", topic, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQ.Name,
		Body:          body,
	})
	if err != nil {
		return nil, fmt.Errorf("publish rpc request to %s: %w", topic, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrTimeout
		case d, ok := <-replies:
			if !ok {
				return nil, errors.New("broker: reply channel closed")
			}
			if d.CorrelationId != corrID {
				continue
			}
			return d.Body, nil
		}
	}
}

// Serve answers RPC requests on topic until ctx is cancelled. Requests are
// handled one at a time; a handler error drops the request (the caller times
// out) rather than replying with a malformed body.
func (t *Transport) Serve(ctx context.Context, topic string, fn core.RPCHandler) error {
	for {
		deliveries, ch, err := t.openConsumer(ctx, topic, 1)
		if err != nil {
			return err
		}

		alive := true
		for alive {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return ctx.Err()
			case d, ok := <-deliveries:
				if !ok {
					alive = false
					break
				}
				resp, err := fn(ctx, d.Body)
				if err != nil {
					t.log.Error("rpc handler failed", "topic", topic, "error", err)
					_ = d.Ack(false)
					continue
				}
				if d.ReplyTo != "" {
					err = ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
						ContentType:   "application/json",
						CorrelationId: d.CorrelationId,
						Body:          resp,
					})
					if err != nil {
						t.log.Error("failed to publish rpc reply", "topic", topic, "error", err)
					}
				}
				_ = d.Ack(false)
			}
		}
		t.log.Warn("rpc channel closed, reconnecting", "topic", topic)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBase):
		}
	}
}

var _ core.Transport = (*Transport)(nil)
