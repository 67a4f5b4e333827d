package metrics

import (
	"context"
	"fmt"
	"sort"
)

// Summary is the §4.7 token summary record, and also the shape of the
// `tokens` field in an outbound token_update event (§6).
type Summary struct {
	TotalObservations         int64   `json:"totalObservations"`
	TotalReadTokens           int64   `json:"totalReadTokens"`
	TotalDiscoveryTokens      int64   `json:"totalDiscoveryTokens"`
	Savings                   int64   `json:"savings"`
	SavingsPercent            float64 `json:"savingsPercent"`
	EfficiencyGain            float64 `json:"efficiencyGain"`
	AvgReadTokensPerObs       float64 `json:"avgReadTokensPerObs"`
	AvgDiscoveryTokensPerObs  float64 `json:"avgDiscoveryTokensPerObs"`
}

func summarize(rows []obsRow) Summary {
	var s Summary
	s.TotalObservations = int64(len(rows))
	for _, r := range rows {
		s.TotalReadTokens += readTokens(r)
		s.TotalDiscoveryTokens += r.DiscoveryTokens
	}
	s.Savings = s.TotalDiscoveryTokens - s.TotalReadTokens
	if s.TotalDiscoveryTokens > 0 {
		s.SavingsPercent = round(float64(s.Savings) / float64(s.TotalDiscoveryTokens) * 100)
	}
	if s.TotalReadTokens > 0 {
		s.EfficiencyGain = roundTo(float64(s.TotalDiscoveryTokens)/float64(s.TotalReadTokens), 1)
	}
	if s.TotalObservations > 0 {
		s.AvgReadTokensPerObs = round(float64(s.TotalReadTokens) / float64(s.TotalObservations))
		s.AvgDiscoveryTokensPerObs = round(float64(s.TotalDiscoveryTokens) / float64(s.TotalObservations))
	}
	return s
}

// Summary computes the cached token summary for an optional project and
// since filter.
func (e *Engine) Summary(ctx context.Context, project *string, since string) (Summary, error) {
	key := fmt.Sprintf("summary|%s|%s", since, projectKey(project))
	v, err := e.cached(key, defaultCacheTTL, func() (any, error) {
		rows, err := e.fetch(ctx, project, since, false, 0)
		if err != nil {
			return nil, err
		}
		return summarize(rows), nil
	})
	if err != nil {
		return Summary{}, err
	}
	return v.(Summary), nil
}

// QuickSummary is the uncached fast path used by the throttled live push
// (§4.7's "Quick summary").
func (e *Engine) QuickSummary(ctx context.Context, project *string, since string) (Summary, error) {
	rows, err := e.fetch(ctx, project, since, false, 0)
	if err != nil {
		return Summary{}, err
	}
	return summarize(rows), nil
}

// ProjectTotal is one row of the by-project query.
type ProjectTotal struct {
	Project string `json:"project"`
	Summary
}

// ByProjectResult is the §4.7 by-project response.
type ByProjectResult struct {
	Projects      []ProjectTotal `json:"projects"`
	TotalProjects int            `json:"totalProjects"`
}

// ByProject returns the top `limit` projects by discovery-token spend,
// descending, plus the total distinct-project count.
func (e *Engine) ByProject(ctx context.Context, since string, limit int) (ByProjectResult, error) {
	key := fmt.Sprintf("by-project|%s|%d", since, limit)
	v, err := e.cached(key, defaultCacheTTL, func() (any, error) {
		rows, err := e.fetch(ctx, nil, since, false, 0)
		if err != nil {
			return nil, err
		}
		grouped := make(map[string][]obsRow)
		for _, r := range rows {
			grouped[r.Project] = append(grouped[r.Project], r)
		}
		totals := make([]ProjectTotal, 0, len(grouped))
		for project, rs := range grouped {
			totals = append(totals, ProjectTotal{Project: project, Summary: summarize(rs)})
		}
		sort.Slice(totals, func(i, j int) bool {
			return totals[i].TotalDiscoveryTokens > totals[j].TotalDiscoveryTokens
		})
		if limit > 0 && len(totals) > limit {
			totals = totals[:limit]
		}
		return ByProjectResult{Projects: totals, TotalProjects: len(grouped)}, nil
	})
	if err != nil {
		return ByProjectResult{}, err
	}
	return v.(ByProjectResult), nil
}

// TypeTotal is one row of the by-type query.
type TypeTotal struct {
	Type string `json:"type"`
	Summary
}

// ByType returns every observation type present for a project, ordered by
// discovery-token spend descending.
func (e *Engine) ByType(ctx context.Context, project *string, since string) ([]TypeTotal, error) {
	key := fmt.Sprintf("by-type|%s|%s", since, projectKey(project))
	v, err := e.cached(key, defaultCacheTTL, func() (any, error) {
		rows, err := e.fetch(ctx, project, since, false, 0)
		if err != nil {
			return nil, err
		}
		grouped := make(map[string][]obsRow)
		for _, r := range rows {
			grouped[r.Type] = append(grouped[r.Type], r)
		}
		totals := make([]TypeTotal, 0, len(grouped))
		for t, rs := range grouped {
			totals = append(totals, TypeTotal{Type: t, Summary: summarize(rs)})
		}
		sort.Slice(totals, func(i, j int) bool {
			return totals[i].TotalDiscoveryTokens > totals[j].TotalDiscoveryTokens
		})
		return totals, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]TypeTotal), nil
}

// TimeSeriesPoint is one bucket of the time-series query, with cumulative
// running totals up to and including this bucket.
type TimeSeriesPoint struct {
	BucketStartEpoch    int64 `json:"bucketStartEpoch"`
	Observations        int64 `json:"observations"`
	ReadTokens           int64 `json:"readTokens"`
	DiscoveryTokens      int64 `json:"discoveryTokens"`
	CumulativeReadTokens      int64 `json:"cumulativeReadTokens"`
	CumulativeDiscoveryTokens int64 `json:"cumulativeDiscoveryTokens"`
}

func granularitySeconds(granularity string) int64 {
	switch granularity {
	case "hour":
		return 3600
	case "week":
		return 7 * 24 * 3600
	default: // "day"
		return 24 * 3600
	}
}

// TimeSeries buckets observations by hour/day/week, each bucket carrying
// both its own totals and the running cumulative up to that point.
func (e *Engine) TimeSeries(ctx context.Context, project *string, since, granularity string) ([]TimeSeriesPoint, error) {
	key := fmt.Sprintf("time-series|%s|%s|%s", since, granularity, projectKey(project))
	v, err := e.cached(key, defaultCacheTTL, func() (any, error) {
		rows, err := e.fetch(ctx, project, since, false, 0)
		if err != nil {
			return nil, err
		}
		bucketSeconds := granularitySeconds(granularity)
		buckets := make(map[int64]*TimeSeriesPoint)
		var order []int64
		for _, r := range rows {
			bucketStart := (r.CreatedAtEpoch / 1000 / bucketSeconds) * bucketSeconds
			point, ok := buckets[bucketStart]
			if !ok {
				point = &TimeSeriesPoint{BucketStartEpoch: bucketStart}
				buckets[bucketStart] = point
				order = append(order, bucketStart)
			}
			point.Observations++
			point.ReadTokens += readTokens(r)
			point.DiscoveryTokens += r.DiscoveryTokens
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

		result := make([]TimeSeriesPoint, 0, len(order))
		var cumRead, cumDiscovery int64
		for _, bucketStart := range order {
			point := *buckets[bucketStart]
			cumRead += point.ReadTokens
			cumDiscovery += point.DiscoveryTokens
			point.CumulativeReadTokens = cumRead
			point.CumulativeDiscoveryTokens = cumDiscovery
			result = append(result, point)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]TimeSeriesPoint), nil
}

// CompressionResult is the §4.7 compression query response.
type CompressionResult struct {
	AvgCompressionRatio float64                     `json:"avgCompressionRatio"`
	ByType              map[string]float64          `json:"byType"`
}

// Compression computes the overall and per-type average compression
// ratio: how much smaller the compressed (read-token) representation is
// than the heuristic original (2x discovery tokens).
func (e *Engine) Compression(ctx context.Context, project *string, since string) (CompressionResult, error) {
	key := fmt.Sprintf("compression|%s|%s", since, projectKey(project))
	v, err := e.cached(key, defaultCacheTTL, func() (any, error) {
		rows, err := e.fetch(ctx, project, since, false, 0)
		if err != nil {
			return nil, err
		}
		byType := make(map[string][]obsRow)
		for _, r := range rows {
			byType[r.Type] = append(byType[r.Type], r)
		}
		result := CompressionResult{ByType: make(map[string]float64, len(byType))}
		result.AvgCompressionRatio = compressionRatio(rows)
		for t, rs := range byType {
			result.ByType[t] = compressionRatio(rs)
		}
		return result, nil
	})
	if err != nil {
		return CompressionResult{}, err
	}
	return v.(CompressionResult), nil
}

func compressionRatio(rows []obsRow) float64 {
	var totalOriginal, totalCompressed int64
	for _, r := range rows {
		totalOriginal += r.DiscoveryTokens * 2
		totalCompressed += readTokens(r)
	}
	if totalOriginal == 0 {
		return 0
	}
	return roundTo(1-float64(totalCompressed)/float64(totalOriginal), 2)
}

// EndlessModeProjection is the §4.7 endless-mode projection response.
type EndlessModeProjection struct {
	TotalTokensWithout int64   `json:"totalTokensWithout"`
	TotalTokensEndless int64   `json:"totalTokensEndless"`
	TokensSaved        int64   `json:"tokensSaved"`
	PercentSaved       float64 `json:"percentSaved"`
	EfficiencyGain     float64 `json:"efficiencyGain"`
}

// Projection simulates the "without endless mode" and "with endless mode"
// running-context cost over the observationCount most recent observations
// for a project, newest-first per the spec, folded oldest-to-newest so the
// two cumulative streams (D_w/C_w and D_e/C_e) accumulate in chronological
// order.
func (e *Engine) Projection(ctx context.Context, project *string, observationCount int) (EndlessModeProjection, error) {
	if observationCount <= 0 {
		observationCount = 50
	}
	key := fmt.Sprintf("projection|%s|%d", projectKey(project), observationCount)
	v, err := e.cached(key, projectionCacheTTL, func() (any, error) {
		rows, err := e.fetch(ctx, project, "", true, observationCount)
		if err != nil {
			return nil, err
		}
		// rows arrived newest-first; replay oldest-first so the running
		// contexts accumulate in the order the analyzer actually produced them.
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}

		var dW, cW, dE, cE, ctxW, ctxE int64
		for _, r := range rows {
			dW += r.DiscoveryTokens
			ctxW += r.DiscoveryTokens * 2
			cW += ctxW

			dE += r.DiscoveryTokens
			ctxE += readTokens(r)
			cE += ctxE
		}

		totalW := dW + cW
		totalE := dE + cE
		proj := EndlessModeProjection{
			TotalTokensWithout: totalW,
			TotalTokensEndless: totalE,
			TokensSaved:        totalW - totalE,
		}
		if totalW > 0 {
			proj.PercentSaved = roundTo(float64(proj.TokensSaved)/float64(totalW)*1000, 0) / 10
		}
		if totalE > 0 {
			proj.EfficiencyGain = roundTo(float64(totalW)/float64(totalE), 1)
		}
		return proj, nil
	})
	if err != nil {
		return EndlessModeProjection{}, err
	}
	return v.(EndlessModeProjection), nil
}

// BroadcastTokenUpdate computes a fresh quick summary and publishes it as a
// token_update event, throttled to at most once per second (§4.7, §8
// invariant 3). Calls within the throttle window are silently dropped: the
// next successful call within 1s implies them.
func (e *Engine) BroadcastTokenUpdate(ctx context.Context, project *string) error {
	e.broadcastMu.Lock()
	now := nowFunc()
	if now.Sub(e.lastBroadcast) < broadcastInterval {
		e.broadcastMu.Unlock()
		return nil
	}
	e.lastBroadcast = now
	e.broadcastMu.Unlock()

	summary, err := e.QuickSummary(ctx, project, "")
	if err != nil {
		return err
	}
	if e.publisher != nil {
		e.publisher.Publish(tokenUpdateEvent(summary, now))
	}
	return nil
}

func projectKey(project *string) string {
	if project == nil {
		return ""
	}
	return *project
}
