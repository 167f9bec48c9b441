package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/domain"
	"fabric.evalgo.org/schemaval"
)

// DefaultExecutionTimeout bounds activities whose plugin spec carries no
// timeout of its own.
const DefaultExecutionTimeout = 5 * time.Minute

// Runtime executes activities for one processor identity.
type Runtime struct {
	processor    domain.Processor
	registry     *Registry
	fallback     Activity
	store        cache.Gateway
	publisher    bus.Publisher
	activityMap  string
	activityTTL  time.Duration
	inputSchema  []byte
	outputSchema []byte
	validateIn   bool
	validateOut  bool
	timeout      time.Duration
	logger       *logrus.Entry
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// Registry resolves plugin-typed assignments; may be nil when every
	// command runs the fallback activity.
	Registry *Registry

	// Fallback runs commands that carry no plugin assignment.
	Fallback Activity

	// ActivityMapName is the map holding activity data blobs.
	ActivityMapName string

	// ActivityTTL bounds the lifetime of result blobs. Zero means no expiry.
	ActivityTTL time.Duration

	// InputSchema/OutputSchema are the processor's schema definitions,
	// resolved at host startup. Validation is skipped when nil.
	InputSchema  []byte
	OutputSchema []byte

	// EnableInputValidation/EnableOutputValidation gate validation globally;
	// a plugin spec can further narrow them per step.
	EnableInputValidation  bool
	EnableOutputValidation bool

	// ExecutionTimeout defaults to DefaultExecutionTimeout when zero.
	ExecutionTimeout time.Duration

	Logger *logrus.Logger
}

// NewRuntime wires a runtime for the given processor identity.
func NewRuntime(proc domain.Processor, store cache.Gateway, publisher bus.Publisher, opts RuntimeOptions) *Runtime {
	timeout := opts.ExecutionTimeout
	if timeout == 0 {
		timeout = DefaultExecutionTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.Logger
	}
	return &Runtime{
		processor:    proc,
		registry:     opts.Registry,
		fallback:     opts.Fallback,
		store:        store,
		publisher:    publisher,
		activityMap:  opts.ActivityMapName,
		activityTTL:  opts.ActivityTTL,
		inputSchema:  opts.InputSchema,
		outputSchema: opts.OutputSchema,
		validateIn:   opts.EnableInputValidation,
		validateOut:  opts.EnableOutputValidation,
		timeout:      timeout,
		logger: logger.WithFields(logrus.Fields{
			"component": "processor-runtime",
			"processor": proc.CompositeKey(),
		}),
	}
}

// QueueName returns the command queue this runtime consumes.
func (r *Runtime) QueueName() string {
	return bus.ActivityQueueName(r.processor.CompositeKey())
}

// CommandHandler consumes execute commands. Activity failures are a domain
// outcome: they are reported on the failed-event queue and the delivery is
// acknowledged. Only infrastructure trouble requeues.
func (r *Runtime) CommandHandler() bus.Handler {
	return func(ctx context.Context, body []byte) error {
		var command bus.ExecuteActivityCommand
		if err := json.Unmarshal(body, &command); err != nil {
			return bus.Permanent(fmt.Errorf("failed to decode execute command: %w", err))
		}
		ctx = common.WithCorrelationID(ctx, command.CorrelationID)
		return r.execute(ctx, command)
	}
}

func (r *Runtime) execute(ctx context.Context, command bus.ExecuteActivityCommand) error {
	frame := command.ExecutionFrame
	logger := r.logger.WithFields(common.FrameFields(frame))
	started := time.Now()

	key := cache.ActivityDataKey(frame)
	input, found, err := r.store.Get(ctx, r.activityMap, key)
	if err != nil {
		return fmt.Errorf("failed to read activity input: %w", err)
	}
	if !found {
		input = nil
	}

	spec := pluginSpec(command.Entities)

	if r.shouldValidateInput(spec) && input != nil {
		if err := schemaval.Validate(r.inputSchema, input); err != nil {
			var verr *schemaval.ValidationError
			if errors.As(err, &verr) {
				logger.WithField("violations", verr.Violations).Warn("input validation failed")
				return r.reportFailure(ctx, frame, started, verr.Error(), "ValidationError", true)
			}
			// validator unavailable: fail safe, requeue for a healthier host
			return err
		}
	}

	activity, err := r.resolveActivity(spec)
	if err != nil {
		logger.WithError(err).Error("no activity for command")
		return r.reportFailure(ctx, frame, started, err.Error(), "PluginResolutionError", false)
	}

	result, err := r.runBounded(ctx, activity, spec, frame, command.Entities, input)
	if err != nil {
		exceptionType := "ActivityError"
		if errors.Is(err, context.DeadlineExceeded) {
			exceptionType = "TimeoutError"
		}
		logger.WithError(err).Warn("activity failed")
		return r.reportFailure(ctx, frame, started, err.Error(), exceptionType, false)
	}

	if r.shouldValidateOutput(spec) && result != nil {
		if err := schemaval.Validate(r.outputSchema, result); err != nil {
			var verr *schemaval.ValidationError
			if errors.As(err, &verr) {
				logger.WithField("violations", verr.Violations).Warn("output validation failed")
				return r.reportFailure(ctx, frame, started, verr.Error(), "ValidationError", true)
			}
			return err
		}
	}

	if result != nil {
		if err := r.store.Set(ctx, r.activityMap, key, result, r.activityTTL); err != nil {
			return fmt.Errorf("failed to write activity result: %w", err)
		}
	} else if found {
		// a nil result leaves no output; the input must not survive under the
		// shared key and propagate downstream as if it were one
		if err := r.store.Remove(ctx, r.activityMap, key); err != nil {
			return fmt.Errorf("failed to clear activity data: %w", err)
		}
	}

	event := bus.ActivityExecutedEvent{
		ExecutionFrame:    frame,
		Status:            domain.StatusCompleted,
		DurationMs:        time.Since(started).Milliseconds(),
		ResultDataSize:    int64(len(result)),
		EntitiesProcessed: len(command.Entities),
	}
	if err := r.publisher.Publish(ctx, bus.ExecutedEventQueue, event); err != nil {
		return fmt.Errorf("failed to report activity outcome: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"duration":    event.DurationMs,
		"result_size": humanize.Bytes(uint64(len(result))),
	}).Info("activity completed")
	return nil
}

// runBounded executes the activity under its timeout.
func (r *Runtime) runBounded(ctx context.Context, activity Activity, spec *domain.PluginSpec, frame domain.ExecutionFrame, entities []domain.Assignment, input []byte) ([]byte, error) {
	timeout := r.timeout
	if spec != nil && spec.ExecutionTimeoutMs > 0 {
		timeout = time.Duration(spec.ExecutionTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := activity.Execute(ctx, frame, entities, input)
	if err == nil && ctx.Err() != nil {
		// activity ignored the deadline but ran past it
		err = ctx.Err()
	}
	return result, err
}

// reportFailure publishes the failed event; the delivery is acknowledged
// unless the report itself cannot be published.
func (r *Runtime) reportFailure(ctx context.Context, frame domain.ExecutionFrame, started time.Time, message, exceptionType string, isValidation bool) error {
	event := bus.ActivityFailedEvent{
		ExecutionFrame:      frame,
		DurationMs:          time.Since(started).Milliseconds(),
		ErrorMessage:        message,
		ExceptionType:       exceptionType,
		IsValidationFailure: isValidation,
	}
	if err := r.publisher.Publish(ctx, bus.FailedEventQueue, event); err != nil {
		return fmt.Errorf("failed to report activity failure: %w", err)
	}
	return nil
}

func (r *Runtime) resolveActivity(spec *domain.PluginSpec) (Activity, error) {
	if spec != nil && spec.TypeName != "" {
		if r.registry == nil {
			return nil, fmt.Errorf("no registry configured for plugin type %q", spec.TypeName)
		}
		return r.registry.Resolve(spec.TypeName)
	}
	if r.fallback == nil {
		return nil, errors.New("command carries no plugin assignment and no fallback activity is configured")
	}
	return r.fallback, nil
}

func (r *Runtime) shouldValidateInput(spec *domain.PluginSpec) bool {
	if !r.validateIn || r.inputSchema == nil {
		return false
	}
	if spec != nil {
		return spec.EnableInputValidation
	}
	return true
}

func (r *Runtime) shouldValidateOutput(spec *domain.PluginSpec) bool {
	if !r.validateOut || r.outputSchema == nil {
		return false
	}
	if spec != nil {
		return spec.EnableOutputValidation
	}
	return true
}

// pluginSpec returns the first plugin assignment's spec, if any.
func pluginSpec(entities []domain.Assignment) *domain.PluginSpec {
	for _, assignment := range entities {
		if assignment.Type == domain.AssignmentPlugin && assignment.Plugin != nil {
			return assignment.Plugin
		}
	}
	return nil
}
