package perf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/toolscribe/toolscribe/pkg/perf"
)

func TestGetProcessingTimes_NearestRankPercentiles(t *testing.T) {
	tracker := perf.New(nil)
	for i, d := range []int64{10, 20, 30, 40, 50} {
		tracker.RecordDuration(perf.DurationSample{
			AtEpochMillis:    int64(i),
			DurationMillis:   d,
			ObservationCount: 1,
		})
	}

	times := tracker.GetProcessingTimes(0, 0)

	assert.Equal(t, float64(30), times.AvgMillis)
	assert.Equal(t, float64(30), times.P50Millis)
	assert.Equal(t, float64(50), times.P95Millis)
}

func TestGetProcessingTimes_EmptyIsAllZero(t *testing.T) {
	tracker := perf.New(nil)
	times := tracker.GetProcessingTimes(0, 0)
	assert.Equal(t, perf.ProcessingTimes{}, times)
}

func TestSampleQueueDepth_RateLimited(t *testing.T) {
	tracker := perf.New(nil)
	tracker.SampleQueueDepth(3, 0)
	tracker.SampleQueueDepth(7, 1000) // within 5s window, dropped
	tracker.SampleQueueDepth(9, 6000) // past the window, recorded

	history := tracker.GetQueueHistory(0)
	assert.Len(t, history.Samples, 2)
	assert.Equal(t, 9, history.PeakDepth)
}
