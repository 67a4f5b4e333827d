// Package api is toolscribe's HTTP surface: the inbound tool-activity
// event endpoint, the eight bit-exact read endpoints §6 names, the live
// SSE event stream, and the ambient /metrics and /health endpoints.
//
// Grounded on the teacher's pkg/api/handlers.go (a Server struct holding
// its collaborators by interface, one method per route, gin.Context-based
// handlers returning structured JSON errors) — the teacher's own
// WebSocket hub (websocket.go/handler_ws.go) is replaced here with a
// plain SSE stream since §6 names a Server-Sent Events feed, not a
// bidirectional socket, for the read-only live feed this system needs.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolscribe/toolscribe/pkg/events"
	"github.com/toolscribe/toolscribe/pkg/metrics"
	"github.com/toolscribe/toolscribe/pkg/models"
	"github.com/toolscribe/toolscribe/pkg/perf"
)

// SessionManager is the subset of the Session Manager the HTTP layer
// drives directly.
type SessionManager interface {
	InitializeSession(ctx context.Context, assistantSessionID, project, userPromptText string) (models.Session, error)
	Lookup(assistantSessionID string) (models.Session, bool)
	Enqueue(ctx context.Context, msg models.PendingMessage) error
}

// MetricsEngine is the subset of the Token Metrics Engine the read
// endpoints expose.
type MetricsEngine interface {
	Summary(ctx context.Context, project *string, since string) (metrics.Summary, error)
	ByProject(ctx context.Context, since string, limit int) (metrics.ByProjectResult, error)
	ByType(ctx context.Context, project *string, since string) ([]metrics.TypeTotal, error)
	TimeSeries(ctx context.Context, project *string, since, granularity string) ([]metrics.TimeSeriesPoint, error)
	Compression(ctx context.Context, project *string, since string) (metrics.CompressionResult, error)
	Projection(ctx context.Context, project *string, observationCount int) (metrics.EndlessModeProjection, error)
}

// PerformanceTracker is the subset of the Performance Tracker the read
// endpoints expose.
type PerformanceTracker interface {
	GetQueueHistory(sinceEpochMillis int64) perf.QueueHistory
	GetProcessingTimes(sinceEpochMillis int64, limit int) perf.ProcessingTimes
}

// Server is toolscribe's HTTP API.
type Server struct {
	sessions SessionManager
	metrics  MetricsEngine
	perf     PerformanceTracker
	events   *events.Broadcaster
}

// NewServer builds a Server over its four collaborators.
func NewServer(sessions SessionManager, metricsEngine MetricsEngine, tracker PerformanceTracker, broadcaster *events.Broadcaster) *Server {
	return &Server{sessions: sessions, metrics: metricsEngine, perf: tracker, events: broadcaster}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/events", s.handleInboundEvent)
		api.GET("/events/stream", s.handleEventStream)

		tokens := api.Group("/tokens")
		tokens.GET("/summary", s.handleTokensSummary)
		tokens.GET("/by-project", s.handleTokensByProject)
		tokens.GET("/by-type", s.handleTokensByType)
		tokens.GET("/time-series", s.handleTokensTimeSeries)
		tokens.GET("/compression", s.handleTokensCompression)
		tokens.GET("/projection", s.handleTokensProjection)

		perf := api.Group("/performance")
		perf.GET("/queue", s.handlePerformanceQueue)
		perf.GET("/times", s.handlePerformanceTimes)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// errorJSON writes the structured JSON error object §7 requires for any
// endpoint failure.
func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error(), "status": status})
}
