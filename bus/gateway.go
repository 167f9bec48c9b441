// Package bus implements the at-least-once message gateway of the fabric on
// RabbitMQ. Commands and events travel as JSON bodies on durable queues;
// every processor instance sharing a composite key competes on one command
// queue. Correlation IDs ride in message headers end to end.
//
// Delivery semantics: handlers that fail transiently trigger a nack+requeue
// so the broker redelivers; handlers that fail permanently (a fatal
// precondition such as a missing orchestration model) acknowledge the message
// after journaling so it is not redelivered. Per-queue FIFO is not assumed
// anywhere downstream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"fabric.evalgo.org/common"
)

// Publisher is the outbound contract used by the engine, the scheduler and
// the processor runtime.
type Publisher interface {
	// Publish marshals the message to JSON and sends it to the named queue.
	Publish(ctx context.Context, queue string, message interface{}) error
}

// Handler processes one delivery body. Returning nil acknowledges the
// message; returning a transient error requeues it; returning a permanent
// error (see Permanent) acknowledges without reprocessing.
type Handler func(ctx context.Context, body []byte) error

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps an error so the consumer acknowledges the delivery instead
// of requeueing it. Used for fatal per-event preconditions.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether the error (or any error it wraps) was marked
// permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RabbitBus is the RabbitMQ-backed gateway.
type RabbitBus struct {
	connection AMQPConnection
	channel    AMQPChannel
	header     string
	logger     *logrus.Entry

	mu       sync.Mutex
	declared map[string]bool
	wg       sync.WaitGroup
}

// Options configures a RabbitBus.
type Options struct {
	// URL is the AMQP broker URL
	URL string

	// CorrelationHeader names the message header carrying the correlation ID.
	// Defaults to common.DefaultCorrelationHeader.
	CorrelationHeader string

	// Logger for gateway messages; defaults to the global logger.
	Logger *logrus.Entry
}

// NewRabbitBus connects to the broker with the real dialer.
func NewRabbitBus(opts Options) (*RabbitBus, error) {
	return NewRabbitBusWithDialer(opts, &RealAMQPDialer{})
}

// NewRabbitBusWithDialer connects with an injected dialer; used by tests.
func NewRabbitBusWithDialer(opts Options, dialer AMQPDialer) (*RabbitBus, error) {
	conn, err := dialer.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	header := opts.CorrelationHeader
	if header == "" {
		header = common.DefaultCorrelationHeader
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}

	return &RabbitBus{
		connection: conn,
		channel:    ch,
		header:     header,
		logger:     logger.WithField("component", "bus"),
		declared:   make(map[string]bool),
	}, nil
}

// declareQueue declares the durable queue once per gateway lifetime.
func (b *RabbitBus) declareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[name] {
		return nil
	}
	if _, err := b.channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

// Publish marshals the message to JSON and sends it to the named durable
// queue. The context's correlation ID is propagated as a message header.
func (b *RabbitBus) Publish(ctx context.Context, queue string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := b.declareQueue(queue); err != nil {
		return err
	}

	headers := amqp.Table{}
	if id, ok := common.CorrelationID(ctx); ok {
		headers[b.header] = id.String()
	}

	b.mu.Lock()
	err = b.channel.Publish(
		"",    // exchange (default)
		queue, // routing key (queue name)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         body,
		},
	)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	return nil
}

// ConsumeOptions tunes one consumer binding.
type ConsumeOptions struct {
	// Prefetch is the unacknowledged message window; 0 leaves the broker default.
	Prefetch int

	// Concurrency is the number of handler workers; minimum 1.
	Concurrency int
}

// Consume binds the handler to the named queue and starts worker goroutines.
// It returns after the binding is established; workers run until ctx is
// cancelled or the delivery channel closes. Use Wait to join them.
func (b *RabbitBus) Consume(ctx context.Context, queue string, opts ConsumeOptions, handler Handler) error {
	if err := b.declareQueue(queue); err != nil {
		return err
	}

	if opts.Prefetch > 0 {
		if err := b.channel.Qos(opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch on %s: %w", queue, err)
		}
	}

	deliveries, err := b.channel.Consume(
		queue, // queue
		"",    // consumer tag (server generated)
		false, // auto-ack: we ack after the handler returns
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, queue, deliveries, handler)
	}

	return nil
}

// worker processes deliveries until the channel closes or ctx is done.
func (b *RabbitBus) worker(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.dispatch(ctx, queue, d, handler)
		}
	}
}

// dispatch runs the handler for one delivery and settles it.
func (b *RabbitBus) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	msgCtx := ctx
	if raw, ok := d.Headers[b.header]; ok {
		if s, ok := raw.(string); ok {
			if id, err := uuid.Parse(s); err == nil {
				msgCtx = common.WithCorrelationID(msgCtx, id)
			}
		}
	}

	err := handler(msgCtx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.WithError(ackErr).WithField("queue", queue).Warn("Failed to ack delivery")
		}
	case IsPermanent(err):
		b.logger.WithError(err).WithField("queue", queue).Error("Permanent handler failure, acking")
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.WithError(ackErr).WithField("queue", queue).Warn("Failed to ack delivery")
		}
	default:
		b.logger.WithError(err).WithField("queue", queue).Warn("Transient handler failure, requeueing")
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.logger.WithError(nackErr).WithField("queue", queue).Warn("Failed to nack delivery")
		}
	}
}

// Wait blocks until all consumer workers have exited.
func (b *RabbitBus) Wait() {
	b.wg.Wait()
}

// Close closes the channel and the connection.
func (b *RabbitBus) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}
