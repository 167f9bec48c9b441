package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/domain"
)

const testActivityMap = "processor-activity"

type recorded struct {
	Queue string
	Body  []byte
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []recorded
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, recorded{Queue: queue, Body: body})
	return nil
}

func (p *recordingPublisher) executed(t *testing.T) []bus.ActivityExecutedEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var events []bus.ActivityExecutedEvent
	for _, record := range p.records {
		if record.Queue != bus.ExecutedEventQueue {
			continue
		}
		var event bus.ActivityExecutedEvent
		require.NoError(t, json.Unmarshal(record.Body, &event))
		events = append(events, event)
	}
	return events
}

func (p *recordingPublisher) failed(t *testing.T) []bus.ActivityFailedEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var events []bus.ActivityFailedEvent
	for _, record := range p.records {
		if record.Queue != bus.FailedEventQueue {
			continue
		}
		var event bus.ActivityFailedEvent
		require.NoError(t, json.Unmarshal(record.Body, &event))
		events = append(events, event)
	}
	return events
}

func newTestGateway(t *testing.T) cache.Gateway {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedisGatewayFromClient(client, time.Second)
}

func testProcessor() domain.Processor {
	return domain.Processor{ID: uuid.New(), Version: "1.0", Name: "transformer"}
}

func testFrame(proc domain.Processor) domain.ExecutionFrame {
	return domain.ExecutionFrame{
		OrchestratedFlowID: uuid.New(),
		WorkflowID:         uuid.New(),
		CorrelationID:      uuid.New(),
		StepID:             uuid.New(),
		ProcessorID:        proc.ID,
		ExecutionID:        uuid.New(),
		PublishID:          uuid.New(),
	}
}

func commandBody(t *testing.T, command bus.ExecuteActivityCommand) []byte {
	t.Helper()
	body, err := json.Marshal(command)
	require.NoError(t, err)
	return body
}

func TestRuntime_ExecuteHappyPath(t *testing.T) {
	gateway := newTestGateway(t)
	publisher := &recordingPublisher{}
	proc := testProcessor()

	echo := ActivityFunc(func(_ context.Context, _ domain.ExecutionFrame, _ []domain.Assignment, input []byte) ([]byte, error) {
		return append([]byte(`{"processed":true,"source":`), append(input, '}')...), nil
	})
	runtime := NewRuntime(proc, gateway, publisher, RuntimeOptions{
		Fallback:        echo,
		ActivityMapName: testActivityMap,
	})

	frame := testFrame(proc)
	key := cache.ActivityDataKey(frame)
	require.NoError(t, gateway.Set(context.Background(), testActivityMap, key, []byte(`"in"`), 0))

	err := runtime.CommandHandler()(context.Background(), commandBody(t, bus.ExecuteActivityCommand{ExecutionFrame: frame}))
	require.NoError(t, err)

	// result written back under the same key
	value, found, err := gateway.Get(context.Background(), testActivityMap, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"processed":true,"source":"in"}`, string(value))

	events := publisher.executed(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusCompleted, events[0].Status)
	assert.Equal(t, frame.ExecutionID, events[0].ExecutionID)
	assert.Equal(t, frame.PublishID, events[0].PublishID)
	assert.Equal(t, int64(len(value)), events[0].ResultDataSize)
	assert.Empty(t, publisher.failed(t))
}

func TestRuntime_MissingInputRunsWithNil(t *testing.T) {
	gateway := newTestGateway(t)
	publisher := &recordingPublisher{}
	proc := testProcessor()

	var sawInput []byte = []byte("sentinel")
	runtime := NewRuntime(proc, gateway, publisher, RuntimeOptions{
		Fallback: ActivityFunc(func(_ context.Context, _ domain.ExecutionFrame, _ []domain.Assignment, input []byte) ([]byte, error) {
			sawInput = input
			return nil, nil
		}),
		ActivityMapName: testActivityMap,
	})

	frame := testFrame(proc)
	err := runtime.CommandHandler()(context.Background(), commandBody(t, bus.ExecuteActivityCommand{ExecutionFrame: frame}))
	require.NoError(t, err)

	assert.Nil(t, sawInput, "entry steps have no input blob")
	require.Len(t, publisher.executed(t), 1)

	// side-effect-only activities write nothing back
	_, found, err := gateway.Get(context.Background(), testActivityMap, cache.ActivityDataKey(frame))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRuntime_NilResultClearsInputBlob(t *testing.T) {
	gateway := newTestGateway(t)
	publisher := &recordingPublisher{}
	proc := testProcessor()

	runtime := NewRuntime(proc, gateway, publisher, RuntimeOptions{
		Fallback: ActivityFunc(func(context.Context, domain.ExecutionFrame, []domain.Assignment, []byte) ([]byte, error) {
			return nil, nil
		}),
		ActivityMapName: testActivityMap,
	})

	frame := testFrame(proc)
	key := cache.ActivityDataKey(frame)
	require.NoError(t, gateway.Set(context.Background(), testActivityMap, key, []byte(`"in"`), 0))

	err := runtime.CommandHandler()(context.Background(), commandBody(t, bus.ExecuteActivityCommand{ExecutionFrame: frame}))
	require.NoError(t, err)

	// the input must not survive under the key as a phantom output
	_, found, err := gateway.Get(context.Background(), testActivityMap, key)
	require.NoError(t, err)
	assert.False(t, found)

	events := publisher.executed(t)
	require.Len(t, events, 1)
	assert.Equal(t, int64(0), events[0].ResultDataSize)
}

func TestRuntime_ActivityErrorReportsFailed(t *testing.T) {
	gateway := newTestGateway(t)
	publisher := &recordingPublisher{}
	proc := testProcessor()

	runtime := NewRuntime(proc, gateway, publisher, RuntimeOptions{
		Fallback: ActivityFunc(func(context.Context, domain.ExecutionFrame, []domain.Assignment, []byte) ([]byte, error) {
			return nil, errors.New("parse error at line 3")
		}),
		ActivityMapName: testActivityMap,
	})

	frame := testFrame(proc)
	err := runtime.CommandHandler()(context.Background(), commandBody(t, bus.ExecuteActivityCommand{ExecutionFrame: frame}))
	require.NoError(t, err, "activity failures acknowledge the delivery")

	failures := publisher.failed(t)
	require.Len(t, failures, 1)
	assert.Equal(t, "parse error at line 3", failures[0].ErrorMessage)
	assert.Equal(t, "ActivityError", failures[0].ExceptionType)
	assert.False(t, failures[0].IsValidationFailure)
	assert.Empty(t, publisher.executed(t))
}

func TestRuntime_TimeoutReportsFailed(t *testing.T) {
	gateway := newTestGateway(t)
	publisher := &recordingPublisher{}
	proc := testProcessor()

	runtime := NewRuntime(proc, gateway, publisher, RuntimeOptions{
		Fallback: ActivityFunc(func(ctx context.Context, _ domain.ExecutionFrame, _ []domain.Assignment, _ []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		ActivityMapName:  testActivityMap,
		ExecutionTimeout: 20 * time.Millisecond,
	})

	frame := testFrame(proc)
	err := runtime.CommandHandler()(context.Background(), commandBody(t, bus.ExecuteActivityCommand{ExecutionFrame: frame}))
	require.NoError(t, err)

	failures := publisher.failed(t)
	require.Len(t, failures, 1)
	assert.Equal(t, "TimeoutError", failures[0].ExceptionType)
}

func TestRuntime_PluginSpecOverridesTimeout(t *testing.T) {
	gateway := newTestGateway(t)
	publisher := &recordingPublisher{}
	proc := testProcessor()

	registry := NewRegistry()
	registry.Register("Transform.Slow", ActivityFunc(func(ctx context.Context, _ domain.ExecutionFrame, _ []domain.Assignment, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	runtime := NewRuntime(proc, gateway, publisher, RuntimeOptions{
		Registry:         registry,
		ActivityMapName:  testActivityMap,
		ExecutionTimeout: time.Hour, // spec must win
	})

	frame := testFrame(proc)
	command := bus.ExecuteActivityCommand{
		ExecutionFrame: frame,
		Entities: []domain.Assignment{{
			ID:     uuid.New(),
			StepID: frame.StepID,
			Type:   domain.AssignmentPlugin,
			Plugin: &domain.PluginSpec{TypeName: "Transform.Slow", ExecutionTimeoutMs: 20},
		}},
	}

	done := make(chan error, 1)
	go func() {
		done <- runtime.CommandHandler()(context.Background(), commandBody(t, command))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("plugin timeout was not applied")
	}
	require.Len(t, publisher.failed(t), 1)
	assert.Equal(t, "TimeoutError", publisher.failed(t)[0].ExceptionType)
}

func TestRuntime_UnknownPluginReportsFailed(t *testing.T) {
	gateway := newTestGateway(t)
	publisher := &recordingPublisher{}
	proc := testProcessor()

	runtime := NewRuntime(proc, gateway, publisher, RuntimeOptions{
		Registry:        NewRegistry(),
		ActivityMapName: testActivityMap,
	})

	frame := testFrame(proc)
	command := bus.ExecuteActivityCommand{
		ExecutionFrame: frame,
		Entities: []domain.Assignment{{
			ID:     uuid.New(),
			StepID: frame.StepID,
			Type:   domain.AssignmentPlugin,
			Plugin: &domain.PluginSpec{TypeName: "Not.Registered"},
		}},
	}

	err := runtime.CommandHandler()(context.Background(), commandBody(t, command))
	require.NoError(t, err)

	failures := publisher.failed(t)
	require.Len(t, failures, 1)
	assert.Equal(t, "PluginResolutionError", failures[0].ExceptionType)
}

func TestRuntime_InputValidation(t *testing.T) {
	schema := []byte(`{"type":"object","required":["x"],"properties":{"x":{"type":"string"}}}`)

	newValidatingRuntime := func(t *testing.T, gateway cache.Gateway, publisher bus.Publisher) *Runtime {
		return NewRuntime(testProcessor(), gateway, publisher, RuntimeOptions{
			Fallback: ActivityFunc(func(context.Context, domain.ExecutionFrame, []domain.Assignment, []byte) ([]byte, error) {
				return []byte(`{"ok":true}`), nil
			}),
			ActivityMapName:       testActivityMap,
			InputSchema:           schema,
			EnableInputValidation: true,
		})
	}

	t.Run("conforming input passes", func(t *testing.T) {
		gateway := newTestGateway(t)
		publisher := &recordingPublisher{}
		runtime := newValidatingRuntime(t, gateway, publisher)

		frame := testFrame(testProcessor())
		key := cache.ActivityDataKey(frame)
		require.NoError(t, gateway.Set(context.Background(), testActivityMap, key, []byte(`{"x":"v"}`), 0))

		err := runtime.CommandHandler()(context.Background(), commandBody(t, bus.ExecuteActivityCommand{ExecutionFrame: frame}))
		require.NoError(t, err)
		assert.Len(t, publisher.executed(t), 1)
	})

	t.Run("violating input reports validation failure", func(t *testing.T) {
		gateway := newTestGateway(t)
		publisher := &recordingPublisher{}
		runtime := newValidatingRuntime(t, gateway, publisher)

		frame := testFrame(testProcessor())
		key := cache.ActivityDataKey(frame)
		require.NoError(t, gateway.Set(context.Background(), testActivityMap, key, []byte(`{"y":1}`), 0))

		err := runtime.CommandHandler()(context.Background(), commandBody(t, bus.ExecuteActivityCommand{ExecutionFrame: frame}))
		require.NoError(t, err)

		failures := publisher.failed(t)
		require.Len(t, failures, 1)
		assert.True(t, failures[0].IsValidationFailure)
		assert.Equal(t, "ValidationError", failures[0].ExceptionType)
		assert.Empty(t, publisher.executed(t), "activity must not run on invalid input")
	})
}

func TestRuntime_OutputValidation(t *testing.T) {
	gateway := newTestGateway(t)
	publisher := &recordingPublisher{}
	proc := testProcessor()

	runtime := NewRuntime(proc, gateway, publisher, RuntimeOptions{
		Fallback: ActivityFunc(func(context.Context, domain.ExecutionFrame, []domain.Assignment, []byte) ([]byte, error) {
			return []byte(`{"wrong":"shape"}`), nil
		}),
		ActivityMapName:        testActivityMap,
		OutputSchema:           []byte(`{"type":"object","required":["result"]}`),
		EnableOutputValidation: true,
	})

	frame := testFrame(proc)
	err := runtime.CommandHandler()(context.Background(), commandBody(t, bus.ExecuteActivityCommand{ExecutionFrame: frame}))
	require.NoError(t, err)

	failures := publisher.failed(t)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].IsValidationFailure)

	// the invalid result is not persisted
	_, found, err := gateway.Get(context.Background(), testActivityMap, cache.ActivityDataKey(frame))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRuntime_MalformedCommandIsPermanent(t *testing.T) {
	runtime := NewRuntime(testProcessor(), newTestGateway(t), &recordingPublisher{}, RuntimeOptions{
		ActivityMapName: testActivityMap,
	})

	err := runtime.CommandHandler()(context.Background(), []byte(`nope`))
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
}

func TestRuntime_QueueName(t *testing.T) {
	runtime := NewRuntime(domain.Processor{Version: "2.1", Name: "csv-reader"}, newTestGateway(t), &recordingPublisher{}, RuntimeOptions{})
	assert.Equal(t, "fabric.activity.2.1.csv-reader", runtime.QueueName())
}

func TestClaimFile(t *testing.T) {
	gateway := newTestGateway(t)
	ctx := context.Background()

	won, err := ClaimFile(ctx, gateway, testActivityMap, "/data/in/report.csv", "i-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = ClaimFile(ctx, gateway, testActivityMap, "/data/in/report.csv", "i-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "second claimant must lose")

	won, err = ClaimFile(ctx, gateway, testActivityMap, "/data/in/other.csv", "i-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestHealthReporter_Run(t *testing.T) {
	gateway := newTestGateway(t)
	reporter := NewHealthReporter(gateway, "processor-health", "1.0:transformer", "i-1", 10*time.Millisecond, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reporter.Run(ctx)

	assert.Eventually(t, func() bool {
		entry, found, err := cache.GetHealth(context.Background(), gateway, "processor-health", "1.0:transformer")
		return err == nil && found && entry.Status == cache.HealthStatusHealthy && entry.InstanceID == "i-1"
	}, 2*time.Second, 10*time.Millisecond)
}
