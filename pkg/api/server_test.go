package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolscribe/toolscribe/pkg/api"
	"github.com/toolscribe/toolscribe/pkg/events"
	"github.com/toolscribe/toolscribe/pkg/metrics"
	"github.com/toolscribe/toolscribe/pkg/models"
	"github.com/toolscribe/toolscribe/pkg/perf"
)

type fakeSessions struct {
	initialized models.Session
	enqueued    []models.PendingMessage
}

func (f *fakeSessions) InitializeSession(ctx context.Context, assistantSessionID, project, userPromptText string) (models.Session, error) {
	f.initialized = models.Session{ID: 1, AssistantSessionID: assistantSessionID, Project: project, LastPromptNumber: 1}
	return f.initialized, nil
}

func (f *fakeSessions) Lookup(assistantSessionID string) (models.Session, bool) {
	if f.initialized.AssistantSessionID == assistantSessionID {
		return f.initialized, true
	}
	return models.Session{}, false
}

func (f *fakeSessions) Enqueue(ctx context.Context, msg models.PendingMessage) error {
	f.enqueued = append(f.enqueued, msg)
	return nil
}

type fakeMetrics struct{}

func (fakeMetrics) Summary(ctx context.Context, project *string, since string) (metrics.Summary, error) {
	return metrics.Summary{TotalObservations: 1, TotalDiscoveryTokens: 40, TotalReadTokens: 1, Savings: 39, SavingsPercent: 98, EfficiencyGain: 40.0}, nil
}
func (fakeMetrics) ByProject(ctx context.Context, since string, limit int) (metrics.ByProjectResult, error) {
	return metrics.ByProjectResult{}, nil
}
func (fakeMetrics) ByType(ctx context.Context, project *string, since string) ([]metrics.TypeTotal, error) {
	return nil, nil
}
func (fakeMetrics) TimeSeries(ctx context.Context, project *string, since, granularity string) ([]metrics.TimeSeriesPoint, error) {
	return nil, nil
}
func (fakeMetrics) Compression(ctx context.Context, project *string, since string) (metrics.CompressionResult, error) {
	return metrics.CompressionResult{}, nil
}
func (fakeMetrics) Projection(ctx context.Context, project *string, observationCount int) (metrics.EndlessModeProjection, error) {
	return metrics.EndlessModeProjection{}, nil
}

func newTestServer(sessions *fakeSessions) *api.Server {
	gin.SetMode(gin.TestMode)
	tracker := perf.New(nil)
	broadcaster := events.New(nil)
	return api.NewServer(sessions, fakeMetrics{}, tracker, broadcaster)
}

func TestHandleInboundEvent_InitializesSessionOnUserPrompt(t *testing.T) {
	sessions := &fakeSessions{}
	router := newTestServer(sessions).Router()

	body := `{"sessionId":"assist-1","project":"toolscribe","userPrompt":"fix the bug","kind":"observation","toolName":"Read"}`
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sessions.enqueued, 1)
	assert.Equal(t, models.PendingMessageKindObservation, sessions.enqueued[0].Kind)
	assert.Equal(t, "Read", sessions.enqueued[0].ToolName)
}

func TestHandleInboundEvent_RejectsMissingFields(t *testing.T) {
	router := newTestServer(&fakeSessions{}).Router()

	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTokensSummary_ReturnsCompressionScenario(t *testing.T) {
	router := newTestServer(&fakeSessions{}).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/tokens/summary", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"savingsPercent":98`)
	assert.Contains(t, rec.Body.String(), `"efficiencyGain":40`)
}
