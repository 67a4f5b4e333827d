package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/toolscribe/toolscribe/pkg/metrics"
)

func sinceEpochMillis(since string) int64 {
	ms, _ := metrics.ParseSince(since)
	return ms
}

// projectFilter returns the `project` query parameter as *string, nil when
// absent — the "no project filter" shape every §4.7 query accepts.
func projectFilter(c *gin.Context) *string {
	if v, ok := c.GetQuery("project"); ok && v != "" {
		return &v
	}
	return nil
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleTokensSummary(c *gin.Context) {
	result, err := s.metrics.Summary(c.Request.Context(), projectFilter(c), c.Query("since"))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTokensByProject(c *gin.Context) {
	result, err := s.metrics.ByProject(c.Request.Context(), c.Query("since"), intQuery(c, "limit", 10))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTokensByType(c *gin.Context) {
	result, err := s.metrics.ByType(c.Request.Context(), projectFilter(c), c.Query("since"))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTokensTimeSeries(c *gin.Context) {
	granularity := c.DefaultQuery("granularity", "day")
	result, err := s.metrics.TimeSeries(c.Request.Context(), projectFilter(c), c.Query("since"), granularity)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTokensCompression(c *gin.Context) {
	result, err := s.metrics.Compression(c.Request.Context(), projectFilter(c), c.Query("since"))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTokensProjection(c *gin.Context) {
	result, err := s.metrics.Projection(c.Request.Context(), projectFilter(c), intQuery(c, "observationCount", 50))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handlePerformanceQueue(c *gin.Context) {
	since := sinceEpochMillis(c.Query("since"))
	c.JSON(http.StatusOK, s.perf.GetQueueHistory(since))
}

func (s *Server) handlePerformanceTimes(c *gin.Context) {
	since := sinceEpochMillis(c.Query("since"))
	c.JSON(http.StatusOK, s.perf.GetProcessingTimes(since, intQuery(c, "limit", 0)))
}
