package events

import "github.com/toolscribe/toolscribe/pkg/models"

// observationEvent/summaryEvent/promptEvent/statusEvent are the §6 outbound
// live-event payload shapes carried alongside their Kind.
type observationEvent struct {
	Type        string             `json:"type"`
	Observation models.Observation `json:"observation"`
}

type summaryEvent struct {
	Type    string         `json:"type"`
	Summary models.Summary `json:"summary"`
}

type promptEvent struct {
	Type   string            `json:"type"`
	Prompt models.UserPrompt `json:"prompt"`
}

type statusEvent struct {
	Type          string `json:"type"`
	IsProcessing  bool   `json:"isProcessing"`
	QueueDepth    int    `json:"queueDepth"`
}

// Sink publishes the four record-shaped live events directly onto a
// Broadcaster, in the exact §6 payload shape. It satisfies the Session
// Orchestrator's ObservationEvents capability (§9) structurally — no
// import of pkg/orchestrator is needed since Go interfaces are satisfied
// by method shape alone, keeping the dependency one-way (orchestrator
// never imports events, events never imports orchestrator).
type Sink struct {
	b *Broadcaster
}

// NewSink wraps a Broadcaster as an ObservationEvents-shaped publisher.
func NewSink(b *Broadcaster) *Sink {
	return &Sink{b: b}
}

func (s *Sink) EmitObservation(o models.Observation) {
	s.b.Publish(Event{Kind: KindNewObservation, Payload: observationEvent{Type: string(KindNewObservation), Observation: o}})
}

func (s *Sink) EmitSummary(sum models.Summary) {
	s.b.Publish(Event{Kind: KindNewSummary, Payload: summaryEvent{Type: string(KindNewSummary), Summary: sum}})
}

func (s *Sink) EmitPrompt(p models.UserPrompt) {
	s.b.Publish(Event{Kind: KindNewPrompt, Payload: promptEvent{Type: string(KindNewPrompt), Prompt: p}})
}

func (s *Sink) EmitProcessingStatus(isProcessing bool, queueDepth int) {
	s.b.Publish(Event{Kind: KindProcessingStatus, Payload: statusEvent{
		Type:         string(KindProcessingStatus),
		IsProcessing: isProcessing,
		QueueDepth:   queueDepth,
	}})
}
