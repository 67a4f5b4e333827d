package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolscribe/toolscribe/pkg/analyzer"
	"github.com/toolscribe/toolscribe/pkg/models"
	"github.com/toolscribe/toolscribe/pkg/orchestrator"
)

// echoAnalyzerScript reads the init frame and the first observation frame,
// answers the latter with one assistant-text reply carrying an observation
// envelope, then reads stdin without replying until it is closed —
// standing in for a real analyzer child process.
const echoAnalyzerScript = `
IFS= read -r init
IFS= read -r line
printf '{"kind":"assistant-text","text":"<<<OBSERVATION>>>{\"type\":\"discovery\",\"title\":\"found it\",\"facts\":[\"a\"]}","usage":{"inputTokens":10,"outputTokens":5}}\n'
while IFS= read -r line; do :; done
`

type fakeBackend struct {
	mu           sync.Mutex
	observations []models.ObservationInsert
	summaries    []models.ParsedSummary
	completed    bool
}

func (f *fakeBackend) AccumulateTokens(ctx context.Context, sessionID int64, deltaInput, deltaOutput int64) (int64, int64, error) {
	return deltaInput, deltaOutput, nil
}

func (f *fakeBackend) InsertObservation(ctx context.Context, ins models.ObservationInsert, nowEpoch int64) (models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = append(f.observations, ins)
	return models.Observation{ID: int64(len(f.observations)), Title: ins.Payload.Title}, nil
}

func (f *fakeBackend) InsertSummary(ctx context.Context, sessionID int64, project string, p models.ParsedSummary, nowEpoch int64) (models.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, p)
	return models.Summary{ID: int64(len(f.summaries)), SessionID: sessionID}, nil
}

func (f *fakeBackend) MarkSessionCompleted(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return nil
}

type fakeQueue struct {
	mu        sync.Mutex
	delivered []models.PendingMessage
	processed []int64
}

func (q *fakeQueue) Iterate(ctx context.Context, sessionID int64, fn func(models.PendingMessage) error) error {
	q.mu.Lock()
	msg := models.PendingMessage{ID: 1, SessionID: sessionID, Kind: models.PendingMessageKindObservation, ToolName: "Read"}
	q.delivered = append(q.delivered, msg)
	q.mu.Unlock()
	if err := fn(msg); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (q *fakeQueue) MarkProcessed(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed = append(q.processed, id)
	return nil
}

func (q *fakeQueue) CleanupProcessed(ctx context.Context, keepLast int) (int64, error) {
	return 0, nil
}

type fakeEvents struct {
	mu           sync.Mutex
	observations []models.Observation
	summaries    []models.Summary
	statuses     []bool
}

func (e *fakeEvents) EmitObservation(o models.Observation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observations = append(e.observations, o)
}
func (e *fakeEvents) EmitSummary(s models.Summary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summaries = append(e.summaries, s)
}
func (e *fakeEvents) EmitPrompt(p models.UserPrompt) {}
func (e *fakeEvents) EmitProcessingStatus(isProcessing bool, queueDepth int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, isProcessing)
}

type fakeMetricsSink struct {
	mu      sync.Mutex
	samples int
}

func (m *fakeMetricsSink) InvalidateCache(project *string) {}
func (m *fakeMetricsSink) BroadcastTokenUpdate(ctx context.Context, project *string) error {
	return nil
}
func (m *fakeMetricsSink) RecordSample(atEpochMillis, durationMillis int64, observationCount int, discoveryTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples++
}

func spawnEcho(ctx context.Context) (*analyzer.Process, error) {
	return analyzer.Spawn(ctx, "/bin/sh", []string{"-c", echoAnalyzerScript})
}

func TestOrchestrator_ProcessesOneObservationThenDrainsOnCancel(t *testing.T) {
	backend := &fakeBackend{}
	q := &fakeQueue{}
	ev := &fakeEvents{}
	m := &fakeMetricsSink{}

	sess := models.Session{ID: 1, AssistantSessionID: "assist-1", Project: "toolscribe", LastPromptNumber: 1}
	orch := orchestrator.New(sess, backend, q, ev, m, nil, spawnEcho, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.observations) > 0
	}, 2*time.Second, 10*time.Millisecond, "expected an observation to be emitted")

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not exit after cancellation")
	}

	assert.Equal(t, orchestrator.StateAborted, orch.State())
	assert.Len(t, backend.observations, 1)
	assert.Equal(t, "found it", backend.observations[0].Payload.Title)
	assert.Len(t, q.processed, 1)
	assert.False(t, backend.completed, "a cancelled run must not mark the session completed")
}
