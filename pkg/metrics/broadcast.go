package metrics

import (
	"time"

	"github.com/toolscribe/toolscribe/pkg/events"
)

// nowFunc is overridden in tests to make the broadcast throttle deterministic.
var nowFunc = time.Now

// tokenUpdatePayload is the payload of an outbound token_update event
// (§6): the summary numbers under `tokens`, plus the timestamp the event
// was computed at.
type tokenUpdatePayload struct {
	Type      string  `json:"type"`
	Tokens    Summary `json:"tokens"`
	Timestamp int64   `json:"timestamp"`
}

func tokenUpdateEvent(summary Summary, at time.Time) events.Event {
	return events.Event{
		Kind: events.KindTokenUpdate,
		Payload: tokenUpdatePayload{
			Type:      string(events.KindTokenUpdate),
			Tokens:    summary,
			Timestamp: at.UnixMilli(),
		},
	}
}
