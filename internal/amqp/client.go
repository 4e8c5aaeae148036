// Package amqp publishes and consumes anomaly notifications over RabbitMQ.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

var errNotConnected = errors.New("amqp channel not connected")

type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	lastFailure  time.Time
}

// NewClient dials url and declares a durable direct exchange with a queue
// bound to it under the queue's own name.
func NewClient(url, exchangeName, queueName string) (*Client, error) {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := setup(channel, c.exchangeName, c.queueName); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, channel
	c.mu.Unlock()
	return nil
}

func setup(ch *amqp091.Channel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(
		exchange, // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Routing key is the queue name.
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func (c *Client) currentChannel() *amqp091.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// PublishAnomaly publishes msg as a persistent JSON message. After
// maxFailures consecutive failures publishing is refused until openTimeout
// has passed.
func (c *Client) PublishAnomaly(ctx context.Context, msg *AnomalyMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("publish anomaly %d: circuit breaker is open", msg.ExpenseID)
	}

	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ch := c.currentChannel()
	if ch == nil {
		c.recordFailure()
		return errNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			if rerr := c.reconnect(); rerr != nil {
				slog.WarnContext(ctx, "AMQP reconnect failed", "error", rerr)
			}
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	slog.DebugContext(ctx, "Published anomaly message",
		"expense_id", msg.ExpenseID,
		"exchange", c.exchangeName,
		"queue", c.queueName)
	return nil
}

// ConsumeAnomalies delivers messages to handler until ctx is done. Handler
// errors requeue the message, undecodable messages are dropped. A closed
// delivery channel triggers a reconnect with exponential backoff.
func (c *Client) ConsumeAnomalies(ctx context.Context, handler func(context.Context, *AnomalyMessage) error) error {
	attempt := 0
	for {
		msgs, err := c.startConsuming()
		if err == nil {
			attempt = 0
			slog.InfoContext(ctx, "Started consuming anomaly messages", "queue", c.queueName)
			err = c.drain(ctx, msgs, handler)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		wait := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "Anomaly consumer interrupted, reconnecting",
			"error", err, "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		attempt++
		if rerr := c.reconnect(); rerr != nil {
			slog.WarnContext(ctx, "AMQP reconnect failed", "error", rerr)
		}
	}
}

func (c *Client) startConsuming() (<-chan amqp091.Delivery, error) {
	ch := c.currentChannel()
	if ch == nil {
		return nil, errNotConnected
	}
	msgs, err := ch.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("start consuming: %w", err)
	}
	return msgs, nil
}

func (c *Client) drain(ctx context.Context, msgs <-chan amqp091.Delivery, handler func(context.Context, *AnomalyMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			dispatch(ctx, delivery.Body, delivery, handler)
		}
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func dispatch(ctx context.Context, body []byte, ack acknowledger, handler func(context.Context, *AnomalyMessage) error) {
	msg, err := AnomalyMessageFromJSON(body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to unmarshal anomaly message", "error", err)
		ack.Nack(false, false)
		return
	}
	if err := handler(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to handle anomaly message",
			"error", err, "expense_id", msg.ExpenseID)
		ack.Nack(false, true)
		return
	}
	ack.Ack(false)
}

func (c *Client) reconnect() error {
	c.closeConn()
	return c.connect()
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.mu.Lock()
	last := c.lastFailure
	c.mu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

// exponentialBackoff returns 1s, 2s, 4s, ... capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "closed network"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.closeConn()
	return nil
}
