package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/deadletter"
)

// Consumer adapts the engine to the two event queues, classifying failures
// into permanent (acknowledged and journaled) and transient (requeued).
type Consumer struct {
	engine  *Engine
	journal *deadletter.Journal
	logger  *logrus.Entry
}

// NewConsumer wires the engine behind queue handlers. journal may be nil;
// fatal events are then only logged.
func NewConsumer(engine *Engine, journal *deadletter.Journal, logger *logrus.Logger) *Consumer {
	if logger == nil {
		logger = common.Logger
	}
	return &Consumer{
		engine:  engine,
		journal: journal,
		logger:  logger.WithField("component", "orchestration-consumer"),
	}
}

// ExecutedHandler handles deliveries from the executed-event queue.
func (c *Consumer) ExecutedHandler() bus.Handler {
	return func(ctx context.Context, body []byte) error {
		var event bus.ActivityExecutedEvent
		if err := json.Unmarshal(body, &event); err != nil {
			c.journalize(bus.ExecutedEventQueue, "malformed event payload", body)
			return bus.Permanent(fmt.Errorf("failed to decode executed event: %w", err))
		}
		ctx = common.WithCorrelationID(ctx, event.CorrelationID)
		return c.settle(bus.ExecutedEventQueue, body, c.engine.HandleExecuted(ctx, event))
	}
}

// FailedHandler handles deliveries from the failed-event queue.
func (c *Consumer) FailedHandler() bus.Handler {
	return func(ctx context.Context, body []byte) error {
		var event bus.ActivityFailedEvent
		if err := json.Unmarshal(body, &event); err != nil {
			c.journalize(bus.FailedEventQueue, "malformed event payload", body)
			return bus.Permanent(fmt.Errorf("failed to decode failed event: %w", err))
		}
		ctx = common.WithCorrelationID(ctx, event.CorrelationID)
		return c.settle(bus.FailedEventQueue, body, c.engine.HandleFailed(ctx, event))
	}
}

// settle maps engine errors to delivery outcomes: a missing model or unknown
// step is fatal and must not be redelivered, everything else is transient.
func (c *Consumer) settle(queue string, body []byte, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrModelMissing) || errors.Is(err, ErrStepUnknown) {
		c.journalize(queue, err.Error(), body)
		return bus.Permanent(err)
	}
	return err
}

func (c *Consumer) journalize(queue, reason string, body []byte) {
	if c.journal == nil {
		c.logger.WithFields(logrus.Fields{"queue": queue, "reason": reason}).
			Error("dead-lettered event dropped, no journal configured")
		return
	}
	if err := c.journal.Record(queue, reason, body); err != nil {
		c.logger.WithError(err).WithField("queue", queue).
			Error("failed to journal dead-lettered event")
	}
}
