// Package perf implements the Performance Tracker (C8): two bounded
// in-memory ring buffers recording queue-depth and processing-duration
// samples, plus the percentile statistics the viewer UI's performance
// panel reads.
//
// Grounded on the teacher's general preference for small mutex-protected
// structs over channels when the state is a fixed-size buffer read far
// more often than written (see pkg/config, pkg/cleanup) — there is no
// direct teacher ring-buffer to adapt, since the teacher tracks execution
// history via database rows (pkg/models/execution.go) rather than an
// in-memory structure. The prometheus/client_golang gauges alongside the
// ring buffers are ambient: production-grade tools in this corpus
// (iota-sdk) expose internal counters to `/metrics` regardless of whether
// the domain spec calls for it.
package perf

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	queueDepthCap     = 1000
	durationCap       = 500
	queueSampleEvery  = 5 * time.Second
)

// QueueSample is one point-in-time queue-depth observation.
type QueueSample struct {
	AtEpochMillis int64
	Depth         int
}

// DurationSample is one completed reply-processing record (§4.4 step 4).
type DurationSample struct {
	AtEpochMillis    int64
	DurationMillis   int64
	ObservationCount int
	DiscoveryTokens  int64
}

// Tracker is the Performance Tracker.
type Tracker struct {
	mu            sync.Mutex
	queue         []QueueSample
	durations     []DurationSample
	lastQueueSample time.Time

	queueDepthGauge    prometheus.Gauge
	processedCounter   prometheus.Counter
}

// New builds a Tracker. If reg is non-nil the Tracker registers its
// ambient prometheus gauges/counters against it.
func New(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		queueDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolscribe_queue_depth",
			Help: "Most recently sampled pending-message queue depth across all sessions.",
		}),
		processedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolscribe_observations_processed_total",
			Help: "Total observations persisted across all sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.queueDepthGauge, t.processedCounter)
	}
	return t
}

// SampleQueueDepth records a queue-depth observation, rate-limited to one
// sample per 5 seconds; calls within the window are dropped silently.
func (t *Tracker) SampleQueueDepth(depth int, atEpochMillis int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.UnixMilli(atEpochMillis)
	if !t.lastQueueSample.IsZero() && now.Sub(t.lastQueueSample) < queueSampleEvery {
		return
	}
	t.lastQueueSample = now

	t.queue = appendBounded(t.queue, QueueSample{AtEpochMillis: atEpochMillis, Depth: depth}, queueDepthCap)
	t.queueDepthGauge.Set(float64(depth))
}

// RecordDuration records one completed reply's processing duration (§4.4
// step 4, §4.8).
func (t *Tracker) RecordDuration(s DurationSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.durations = appendBounded(t.durations, s, durationCap)
	t.processedCounter.Add(float64(s.ObservationCount))
}

// RecordSample is RecordDuration in the parameter shape the Session
// Orchestrator's MetricsSink capability expects (§9).
func (t *Tracker) RecordSample(atEpochMillis, durationMillis int64, observationCount int, discoveryTokens int64) {
	t.RecordDuration(DurationSample{
		AtEpochMillis:    atEpochMillis,
		DurationMillis:   durationMillis,
		ObservationCount: observationCount,
		DiscoveryTokens:  discoveryTokens,
	})
}

func appendBounded[T any](buf []T, item T, cap int) []T {
	buf = append(buf, item)
	if len(buf) > cap {
		buf = buf[len(buf)-cap:]
	}
	return buf
}

// ProcessingTimes is the §4.8 getProcessingTimes response.
type ProcessingTimes struct {
	Samples               []DurationSample `json:"samples"`
	AvgMillis             float64          `json:"avg"`
	P50Millis             float64          `json:"p50"`
	P95Millis             float64          `json:"p95"`
	ObservationsPerMinute float64          `json:"observationsPerMinute"`
	AvgQueueDepth         float64          `json:"avgQueueDepth"`
	PeakQueueDepth        int              `json:"peakQueueDepth"`
}

// GetProcessingTimes returns every duration sample at or after sinceEpochMillis
// (0 means unbounded), newest `limit` of them (0 means unbounded), plus
// avg/p50/p95 computed by the nearest-rank method on the filtered set, and
// the queue-depth avg/peak for the same window folded in from
// GetQueueHistory (§4.8).
func (t *Tracker) GetProcessingTimes(sinceEpochMillis int64, limit int) ProcessingTimes {
	t.mu.Lock()
	all := make([]DurationSample, len(t.durations))
	copy(all, t.durations)
	t.mu.Unlock()

	var filtered []DurationSample
	for _, s := range all {
		if sinceEpochMillis == 0 || s.AtEpochMillis >= sinceEpochMillis {
			filtered = append(filtered, s)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	if len(filtered) == 0 {
		return ProcessingTimes{}
	}

	durations := make([]int64, len(filtered))
	var sumDuration int64
	var sumObservations int64
	for i, s := range filtered {
		durations[i] = s.DurationMillis
		sumDuration += s.DurationMillis
		sumObservations += int64(s.ObservationCount)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	result := ProcessingTimes{
		Samples:   filtered,
		AvgMillis: float64(sumDuration) / float64(len(durations)),
		P50Millis: float64(nearestRank(durations, 50)),
		P95Millis: float64(nearestRank(durations, 95)),
	}

	first, last := filtered[0].AtEpochMillis, filtered[len(filtered)-1].AtEpochMillis
	spanMinutes := float64(last-first) / 60000.0
	if spanMinutes > 0 {
		result.ObservationsPerMinute = float64(sumObservations) / spanMinutes
	}

	history := t.GetQueueHistory(sinceEpochMillis)
	result.AvgQueueDepth = history.AvgDepth
	result.PeakQueueDepth = history.PeakDepth
	return result
}

// nearestRank returns the p-th percentile of sorted (ascending) using the
// nearest-rank method: index = ceil(p/100 * n) - 1 (§4.8, §8 scenario 6).
func nearestRank(sorted []int64, p int) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(p)/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// QueueHistory is the §4.8 getQueueHistory response.
type QueueHistory struct {
	Samples        []QueueSample `json:"samples"`
	AvgDepth       float64       `json:"avgQueueDepth"`
	PeakDepth      int           `json:"peakQueueDepth"`
}

// GetQueueHistory returns queue-depth samples at or after sinceEpochMillis
// (0 means unbounded), with avg/peak depth folded in.
func (t *Tracker) GetQueueHistory(sinceEpochMillis int64) QueueHistory {
	t.mu.Lock()
	all := make([]QueueSample, len(t.queue))
	copy(all, t.queue)
	t.mu.Unlock()

	var filtered []QueueSample
	for _, s := range all {
		if sinceEpochMillis == 0 || s.AtEpochMillis >= sinceEpochMillis {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return QueueHistory{}
	}

	var sum int64
	var peak int
	for _, s := range filtered {
		sum += int64(s.Depth)
		if s.Depth > peak {
			peak = s.Depth
		}
	}
	return QueueHistory{
		Samples:   filtered,
		AvgDepth:  float64(sum) / float64(len(filtered)),
		PeakDepth: peak,
	}
}
