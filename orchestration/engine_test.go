package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

const (
	testModelMap    = "orchestration-data"
	testActivityMap = "processor-activity"
)

type published struct {
	Queue string
	Body  []byte
}

// recordingPublisher captures publishes and can be told to fail per queue.
type recordingPublisher struct {
	mu       sync.Mutex
	failures map[string]error
	records  []published
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{failures: make(map[string]error)}
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[queue]; err != nil {
		return err
	}
	p.records = append(p.records, published{Queue: queue, Body: body})
	return nil
}

func (p *recordingPublisher) failQueue(queue string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[queue] = err
}

func (p *recordingPublisher) commands(t *testing.T) []bus.ExecuteActivityCommand {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	commands := make([]bus.ExecuteActivityCommand, 0, len(p.records))
	for _, record := range p.records {
		var command bus.ExecuteActivityCommand
		require.NoError(t, json.Unmarshal(record.Body, &command))
		commands = append(commands, command)
	}
	return commands
}

func (p *recordingPublisher) queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	queues := make([]string, 0, len(p.records))
	for _, record := range p.records {
		queues = append(queues, record.Queue)
	}
	return queues
}

type harness struct {
	mr        *miniredis.Miniredis
	gateway   *cache.RedisGateway
	models    *ModelStore
	publisher *recordingPublisher
	engine    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	gateway := cache.NewRedisGatewayFromClient(client, time.Second)
	models := NewModelStore(gateway, testModelMap, 0)
	publisher := newRecordingPublisher()
	engine := NewEngine(models, gateway, publisher, EngineOptions{
		ActivityMapName: testActivityMap,
	})
	return &harness{mr: mr, gateway: gateway, models: models, publisher: publisher, engine: engine}
}

// stepWith builds a step bound to a fresh processor identity.
func stepWith(condition domain.EntryCondition, next ...uuid.UUID) domain.Step {
	return domain.Step{
		ID:             uuid.New(),
		ProcessorID:    uuid.New(),
		NextStepIDs:    next,
		EntryCondition: condition,
	}
}

func flowModel(steps ...domain.Step) *domain.OrchestrationCacheModel {
	model := &domain.OrchestrationCacheModel{
		OrchestratedFlowID: uuid.New(),
		WorkflowID:         uuid.New(),
		StepEntities:       make(map[uuid.UUID]domain.Step),
		Assignments:        make(map[uuid.UUID][]domain.Assignment),
		Processors:         make(map[uuid.UUID]domain.Processor),
		BuiltAt:            time.Now().UTC(),
		Version:            "1",
	}
	for i, step := range steps {
		model.StepEntities[step.ID] = step
		model.Processors[step.ProcessorID] = domain.Processor{
			ID:      step.ProcessorID,
			Version: "1.0",
			Name:    fmt.Sprintf("proc-%d", i),
		}
	}
	return model
}

func frameFor(model *domain.OrchestrationCacheModel, step domain.Step) domain.ExecutionFrame {
	return domain.ExecutionFrame{
		OrchestratedFlowID: model.OrchestratedFlowID,
		WorkflowID:         model.WorkflowID,
		CorrelationID:      uuid.New(),
		StepID:             step.ID,
		ProcessorID:        step.ProcessorID,
		ExecutionID:        uuid.New(),
		PublishID:          uuid.New(),
	}
}

func (h *harness) seed(t *testing.T, model *domain.OrchestrationCacheModel) {
	t.Helper()
	require.NoError(t, h.models.Save(context.Background(), model))
}

func (h *harness) putBlob(t *testing.T, frame domain.ExecutionFrame, blob []byte) {
	t.Helper()
	key := cache.ActivityDataKey(frame)
	require.NoError(t, h.gateway.Set(context.Background(), testActivityMap, key, blob, 0))
}

func (h *harness) blobExists(t *testing.T, frame domain.ExecutionFrame) bool {
	t.Helper()
	exists, err := h.gateway.Exists(context.Background(), testActivityMap, cache.ActivityDataKey(frame))
	require.NoError(t, err)
	return exists
}

func executedEvent(frame domain.ExecutionFrame, status domain.ActivityStatus) bus.ActivityExecutedEvent {
	return bus.ActivityExecutedEvent{ExecutionFrame: frame, Status: status, DurationMs: 12}
}

func TestEngine_LinearAdvance(t *testing.T) {
	h := newHarness(t)

	next := stepWith(domain.PreviousCompleted)
	source := stepWith(domain.Always, next.ID)
	model := flowModel(source, next)
	h.seed(t, model)

	frame := frameFor(model, source)
	blob := []byte(`{"rows":3}`)
	h.putBlob(t, frame, blob)

	err := h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted))
	require.NoError(t, err)

	commands := h.publisher.commands(t)
	require.Len(t, commands, 1)
	command := commands[0]

	assert.Equal(t, next.ID, command.StepID)
	assert.Equal(t, next.ProcessorID, command.ProcessorID)
	assert.Equal(t, frame.ExecutionID, command.ExecutionID)
	assert.Equal(t, frame.CorrelationID, command.CorrelationID)
	assert.NotEqual(t, uuid.Nil, command.PublishID)
	assert.NotEqual(t, frame.PublishID, command.PublishID)

	queue := bus.ActivityQueueName(model.Processors[next.ProcessorID].CompositeKey())
	assert.Equal(t, []string{queue}, h.publisher.queues())

	// blob copied under the successor's key before the source was retired
	value, found, err := h.gateway.Get(context.Background(), testActivityMap, cache.ActivityDataKey(command.ExecutionFrame))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, blob, value)
	assert.False(t, h.blobExists(t, frame))
}

func TestEngine_EntryConditionFiltering(t *testing.T) {
	tests := []struct {
		condition domain.EntryCondition
		status    domain.ActivityStatus
		admitted  bool
	}{
		{domain.PreviousCompleted, domain.StatusCompleted, true},
		{domain.PreviousCompleted, domain.StatusFailed, false},
		{domain.PreviousFailed, domain.StatusFailed, true},
		{domain.PreviousFailed, domain.StatusCompleted, false},
		{domain.PreviousCancelled, domain.StatusCancelled, true},
		{domain.PreviousProcessing, domain.StatusProcessing, true},
		{domain.Always, domain.StatusFailed, true},
		{domain.Always, domain.StatusCancelled, true},
		{domain.Never, domain.StatusCompleted, false},
		{domain.EntryCondition("SometimesMaybe"), domain.StatusCompleted, false},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%s/%s", tt.condition, tt.status)
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)

			next := stepWith(tt.condition)
			source := stepWith(domain.Always, next.ID)
			model := flowModel(source, next)
			h.seed(t, model)

			frame := frameFor(model, source)
			h.putBlob(t, frame, []byte(`{}`))

			err := h.engine.HandleExecuted(context.Background(), executedEvent(frame, tt.status))
			require.NoError(t, err)

			if tt.admitted {
				assert.Len(t, h.publisher.commands(t), 1)
			} else {
				assert.Empty(t, h.publisher.commands(t))
			}
			// source blob is retired either way
			assert.False(t, h.blobExists(t, frame))
		})
	}
}

func TestEngine_FailureForcesFailedStatus(t *testing.T) {
	h := newHarness(t)

	onSuccess := stepWith(domain.PreviousCompleted)
	onFailure := stepWith(domain.PreviousFailed)
	source := stepWith(domain.Always, onSuccess.ID, onFailure.ID)
	model := flowModel(source, onSuccess, onFailure)
	h.seed(t, model)

	frame := frameFor(model, source)
	h.putBlob(t, frame, []byte(`{"attempt":1}`))

	event := bus.ActivityFailedEvent{
		ExecutionFrame: frame,
		ErrorMessage:   "boom",
		ExceptionType:  "TimeoutError",
	}
	require.NoError(t, h.engine.HandleFailed(context.Background(), event))

	commands := h.publisher.commands(t)
	require.Len(t, commands, 1)
	assert.Equal(t, onFailure.ID, commands[0].StepID)
	assert.False(t, h.blobExists(t, frame))
}

func TestEngine_FanOutFreshPublishIDs(t *testing.T) {
	h := newHarness(t)

	a := stepWith(domain.Always)
	b := stepWith(domain.Always)
	c := stepWith(domain.PreviousCompleted)
	source := stepWith(domain.Always, a.ID, b.ID, c.ID)
	model := flowModel(source, a, b, c)
	h.seed(t, model)

	frame := frameFor(model, source)
	blob := []byte(`{"payload":"x"}`)
	h.putBlob(t, frame, blob)

	require.NoError(t, h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted)))

	commands := h.publisher.commands(t)
	require.Len(t, commands, 3)

	seen := map[uuid.UUID]bool{frame.PublishID: true}
	for _, command := range commands {
		assert.Equal(t, frame.ExecutionID, command.ExecutionID)
		assert.Equal(t, frame.CorrelationID, command.CorrelationID)
		assert.NotEqual(t, uuid.Nil, command.PublishID)
		assert.False(t, seen[command.PublishID], "publish ID reused across edges")
		seen[command.PublishID] = true

		// each edge received its own copy
		value, found, err := h.gateway.Get(context.Background(), testActivityMap, cache.ActivityDataKey(command.ExecutionFrame))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, blob, value)
	}
	assert.False(t, h.blobExists(t, frame))
}

func TestEngine_TerminalBranchCleanup(t *testing.T) {
	h := newHarness(t)

	terminal := stepWith(domain.Always)
	model := flowModel(terminal)
	h.seed(t, model)

	frame := frameFor(model, terminal)
	h.putBlob(t, frame, []byte(`{"final":true}`))

	require.NoError(t, h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted)))

	assert.Empty(t, h.publisher.commands(t))
	assert.False(t, h.blobExists(t, frame))
}

func TestEngine_CancelledFlowSuppressesFanOut(t *testing.T) {
	h := newHarness(t)

	next := stepWith(domain.Always)
	source := stepWith(domain.Always, next.ID)
	model := flowModel(source, next)
	h.seed(t, model)
	require.NoError(t, h.models.Tombstone(context.Background(), model.OrchestratedFlowID))

	frame := frameFor(model, source)
	h.putBlob(t, frame, []byte(`{}`))

	require.NoError(t, h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted)))

	assert.Empty(t, h.publisher.commands(t))
	assert.False(t, h.blobExists(t, frame), "cancelled flows still retire activity data")
}

func TestEngine_ModelMissing(t *testing.T) {
	h := newHarness(t)

	frame := domain.ExecutionFrame{
		OrchestratedFlowID: uuid.New(),
		StepID:             uuid.New(),
		ExecutionID:        uuid.New(),
		PublishID:          uuid.New(),
	}
	err := h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted))
	assert.ErrorIs(t, err, ErrModelMissing)
	assert.Empty(t, h.publisher.commands(t))
}

func TestEngine_StepUnknownLeavesBlobInPlace(t *testing.T) {
	h := newHarness(t)

	known := stepWith(domain.Always)
	model := flowModel(known)
	h.seed(t, model)

	frame := frameFor(model, known)
	frame.StepID = uuid.New() // not in the model
	h.putBlob(t, frame, []byte(`{}`))

	err := h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted))
	assert.ErrorIs(t, err, ErrStepUnknown)
	assert.Empty(t, h.publisher.commands(t))
	assert.True(t, h.blobExists(t, frame), "unknown step must not destroy evidence")
}

func TestEngine_EdgeFailureAttemptsAllEdgesAndCleansUp(t *testing.T) {
	h := newHarness(t)

	broken := stepWith(domain.Always)
	healthy := stepWith(domain.Always)
	source := stepWith(domain.Always, broken.ID, healthy.ID)
	model := flowModel(source, broken, healthy)
	h.seed(t, model)

	brokenQueue := bus.ActivityQueueName(model.Processors[broken.ProcessorID].CompositeKey())
	h.publisher.failQueue(brokenQueue, errors.New("bus unavailable"))

	frame := frameFor(model, source)
	h.putBlob(t, frame, []byte(`{}`))

	err := h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrModelMissing)

	// the healthy edge was still dispatched
	commands := h.publisher.commands(t)
	require.Len(t, commands, 1)
	assert.Equal(t, healthy.ID, commands[0].StepID)

	// cleanup ran despite the edge failure
	assert.False(t, h.blobExists(t, frame))
}

func TestEngine_SuccessorMissingFromModel(t *testing.T) {
	h := newHarness(t)

	ghost := uuid.New()
	source := stepWith(domain.Always, ghost)
	model := flowModel(source)
	h.seed(t, model)

	frame := frameFor(model, source)
	h.putBlob(t, frame, []byte(`{}`))

	err := h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted))
	assert.ErrorIs(t, err, ErrStepUnknown)
	assert.False(t, h.blobExists(t, frame), "fan-out errors still retire the source blob")
}

func TestEngine_MissingSourceBlobStillPublishes(t *testing.T) {
	h := newHarness(t)

	next := stepWith(domain.Always)
	source := stepWith(domain.Always, next.ID)
	model := flowModel(source, next)
	h.seed(t, model)

	frame := frameFor(model, source)
	// no blob written for the source

	require.NoError(t, h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted)))

	commands := h.publisher.commands(t)
	require.Len(t, commands, 1)

	// the successor got a command but no input copy
	exists, err := h.gateway.Exists(context.Background(), testActivityMap, cache.ActivityDataKey(commands[0].ExecutionFrame))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEngine_RedeliveredEvent(t *testing.T) {
	h := newHarness(t)

	next := stepWith(domain.PreviousCompleted)
	source := stepWith(domain.Always, next.ID)
	model := flowModel(source, next)
	h.seed(t, model)

	frame := frameFor(model, source)
	h.putBlob(t, frame, []byte(`{"rows":3}`))

	event := executedEvent(frame, domain.StatusCompleted)
	require.NoError(t, h.engine.HandleExecuted(context.Background(), event))
	require.NoError(t, h.engine.HandleExecuted(context.Background(), event),
		"a redelivered event must not fail: the second source remove is a no-op")

	commands := h.publisher.commands(t)
	require.Len(t, commands, 2)
	assert.NotEqual(t, uuid.Nil, commands[0].PublishID)
	assert.NotEqual(t, uuid.Nil, commands[1].PublishID)
	assert.NotEqual(t, commands[0].PublishID, commands[1].PublishID,
		"each delivery fans out under a fresh publish id")

	// the first delivery consumed the source blob and copied it forward; the
	// duplicate publishes a command with no data to propagate
	assert.False(t, h.blobExists(t, frame))
	assert.True(t, h.blobExists(t, commands[0].ExecutionFrame))
	assert.False(t, h.blobExists(t, commands[1].ExecutionFrame))
}

func TestEngine_AssignmentsTravelWithCommand(t *testing.T) {
	h := newHarness(t)

	next := stepWith(domain.Always)
	source := stepWith(domain.Always, next.ID)
	model := flowModel(source, next)
	model.Assignments[next.ID] = []domain.Assignment{
		{
			ID:     uuid.New(),
			StepID: next.ID,
			Type:   domain.AssignmentDelivery,
			Delivery: &domain.Delivery{
				ID:      uuid.New(),
				Version: "1.0",
				Name:    "payload",
				Payload: json.RawMessage(`{"k":"v"}`),
			},
		},
	}
	h.seed(t, model)

	frame := frameFor(model, source)
	h.putBlob(t, frame, []byte(`{}`))

	require.NoError(t, h.engine.HandleExecuted(context.Background(), executedEvent(frame, domain.StatusCompleted)))

	commands := h.publisher.commands(t)
	require.Len(t, commands, 1)
	require.Len(t, commands[0].Entities, 1)
	assert.Equal(t, model.Assignments[next.ID][0].ID, commands[0].Entities[0].ID)
}
