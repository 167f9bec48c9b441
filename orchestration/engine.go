package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/domain"
)

// ErrStepUnknown marks an event naming a step the cached model does not
// contain. Fatal for the delivery; the source blob is left in place for
// inspection.
var ErrStepUnknown = errors.New("step not in orchestration model")

// Metrics receives dispatch-level counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	EdgePublished(frame domain.ExecutionFrame)
	EdgeSkipped(frame domain.ExecutionFrame, nextStepID uuid.UUID)
	BranchCompleted(frame domain.ExecutionFrame)
	FanOutSuppressed(flowID uuid.UUID)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) EdgePublished(domain.ExecutionFrame)          {}
func (NopMetrics) EdgeSkipped(domain.ExecutionFrame, uuid.UUID) {}
func (NopMetrics) BranchCompleted(domain.ExecutionFrame)        {}
func (NopMetrics) FanOutSuppressed(uuid.UUID)                   {}

// Engine advances a flow by one step per incoming activity event: it resolves
// the completed step against the cached model, fans out to every admitted
// successor edge with a fresh publish ID and a copied activity data blob, and
// retires the source blob.
type Engine struct {
	models      *ModelStore
	store       cache.Gateway
	publisher   bus.Publisher
	activityMap string
	activityTTL time.Duration
	metrics     Metrics
	logger      *logrus.Entry
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// ActivityMapName is the map holding activity data blobs.
	ActivityMapName string

	// ActivityTTL bounds the lifetime of copied blobs. Zero means no expiry.
	ActivityTTL time.Duration

	// Metrics defaults to NopMetrics when nil.
	Metrics Metrics

	// Logger defaults to the shared logger when nil.
	Logger *logrus.Logger
}

// NewEngine wires the dispatch state machine.
func NewEngine(models *ModelStore, store cache.Gateway, publisher bus.Publisher, opts EngineOptions) *Engine {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.Logger
	}
	return &Engine{
		models:      models,
		store:       store,
		publisher:   publisher,
		activityMap: opts.ActivityMapName,
		activityTTL: opts.ActivityTTL,
		metrics:     metrics,
		logger:      logger.WithField("component", "orchestration-engine"),
	}
}

// HandleExecuted advances the flow after a processor reported an activity
// outcome. The observed status comes from the event payload.
func (e *Engine) HandleExecuted(ctx context.Context, event bus.ActivityExecutedEvent) error {
	return e.advance(ctx, event.ExecutionFrame, event.Status)
}

// HandleFailed advances the flow after a processor reported an activity
// failure. The observed status is always Failed, regardless of the payload.
func (e *Engine) HandleFailed(ctx context.Context, event bus.ActivityFailedEvent) error {
	return e.advance(ctx, event.ExecutionFrame, domain.StatusFailed)
}

// advance is the shared state machine behind both event consumers.
//
// Order of operations: load model, resolve step, short-circuit terminal
// branches, read the tombstone, fan out in parallel, then retire the source
// blob. Cleanup runs even when edges failed or the fan-out was suppressed;
// only an unknown step leaves the blob in place.
func (e *Engine) advance(ctx context.Context, frame domain.ExecutionFrame, status domain.ActivityStatus) error {
	logger := e.logger.WithFields(common.FrameFields(frame)).WithField("status", status)

	model, err := e.models.Load(ctx, frame.OrchestratedFlowID)
	if err != nil {
		return err
	}

	step, ok := model.StepEntities[frame.StepID]
	if !ok {
		return fmt.Errorf("flow %s: %w: %s", frame.OrchestratedFlowID, ErrStepUnknown, frame.StepID)
	}

	sourceKey := cache.ActivityDataKey(frame)

	if len(step.NextStepIDs) == 0 {
		if err := e.store.Remove(ctx, e.activityMap, sourceKey); err != nil {
			return fmt.Errorf("failed to retire terminal activity data: %w", err)
		}
		logger.Info("branch completed")
		e.metrics.BranchCompleted(frame)
		return nil
	}

	var fanOutErr error
	if model.Cancelled {
		logger.Info("flow cancelled, fan-out suppressed")
		e.metrics.FanOutSuppressed(frame.OrchestratedFlowID)
	} else {
		fanOutErr = e.fanOut(ctx, model, frame, step, status, sourceKey, logger)
	}

	// The source blob is retired even when edges failed: redelivery restarts
	// the whole fan-out with fresh publish IDs and fresh copies.
	if err := e.store.Remove(ctx, e.activityMap, sourceKey); err != nil {
		cleanupErr := fmt.Errorf("failed to retire activity data: %w", err)
		if fanOutErr != nil {
			return errors.Join(fanOutErr, cleanupErr)
		}
		return cleanupErr
	}

	return fanOutErr
}

// fanOut dispatches every admitted successor edge in parallel. Each edge gets
// a fresh publish ID and its own copy of the activity data, copied before the
// command is published. Every edge is attempted; the first error is returned
// after all have finished.
func (e *Engine) fanOut(ctx context.Context, model *domain.OrchestrationCacheModel, frame domain.ExecutionFrame, step domain.Step, status domain.ActivityStatus, sourceKey string, logger *logrus.Entry) error {
	group := new(errgroup.Group)
	for _, nextID := range step.NextStepIDs {
		group.Go(func() error {
			next, ok := model.StepEntities[nextID]
			if !ok {
				return fmt.Errorf("flow %s: %w: successor %s", frame.OrchestratedFlowID, ErrStepUnknown, nextID)
			}
			if !next.EntryCondition.Admits(status) {
				logger.WithFields(logrus.Fields{
					"next_step_id":    next.ID,
					"entry_condition": next.EntryCondition,
				}).Debug("edge skipped")
				e.metrics.EdgeSkipped(frame, next.ID)
				return nil
			}
			return e.publishEdge(ctx, model, frame, next, sourceKey, logger)
		})
	}
	return group.Wait()
}

// publishEdge copies the source blob under the successor's key and publishes
// the execute command to the successor's processor queue. The copy strictly
// precedes the publish so a fast consumer always finds its input.
func (e *Engine) publishEdge(ctx context.Context, model *domain.OrchestrationCacheModel, frame domain.ExecutionFrame, next domain.Step, sourceKey string, logger *logrus.Entry) error {
	destFrame := frame
	destFrame.StepID = next.ID
	destFrame.ProcessorID = next.ProcessorID
	destFrame.PublishID = uuid.New()

	value, found, err := e.store.Get(ctx, e.activityMap, sourceKey)
	if err != nil {
		return fmt.Errorf("edge to step %s: %w", next.ID, err)
	}
	if found {
		destKey := cache.ActivityDataKey(destFrame)
		if err := e.store.Set(ctx, e.activityMap, destKey, value, e.activityTTL); err != nil {
			return fmt.Errorf("edge to step %s: %w", next.ID, err)
		}
	} else {
		logger.WithField("next_step_id", next.ID).Warn("no activity data to propagate")
	}

	processor, ok := model.Processors[next.ProcessorID]
	if !ok {
		return fmt.Errorf("edge to step %s: processor %s not in orchestration model", next.ID, next.ProcessorID)
	}

	command := bus.ExecuteActivityCommand{
		ExecutionFrame: destFrame,
		Entities:       model.Assignments[next.ID],
	}
	queue := bus.ActivityQueueName(processor.CompositeKey())
	if err := e.publisher.Publish(ctx, queue, command); err != nil {
		return fmt.Errorf("edge to step %s: %w", next.ID, err)
	}

	logger.WithFields(logrus.Fields{
		"next_step_id":    next.ID,
		"next_publish_id": destFrame.PublishID,
		"queue":           queue,
	}).Info("activity dispatched")
	e.metrics.EdgePublished(destFrame)
	return nil
}
