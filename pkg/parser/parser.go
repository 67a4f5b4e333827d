// Package parser implements the Response Parser (C3): a total, pure
// function that turns one analyzer reply's assistant-text into the zero or
// more observation records, and zero or one summary record, it contains.
//
// The analyzer is asked to wrap each record in a tagged envelope on its own
// line so the parser never has to understand prose — it only has to find
// and decode the envelopes. Anything outside an envelope, and any envelope
// that fails to decode, is silently skipped: a malformed or chatty reply
// degrades to fewer records, never an error.
package parser

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/toolscribe/toolscribe/pkg/models"
)

const (
	observationTag = "<<<OBSERVATION>>>"
	summaryTag     = "<<<SUMMARY>>>"
)

// observationWire and summaryWire are the JSON shapes the analyzer emits
// inside an envelope line, e.g.:
//
//	<<<OBSERVATION>>>{"type":"discovery","title":"...","facts":["..."]}
type observationWire struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	Narrative     string   `json:"narrative"`
	Text          string   `json:"text"`
	Facts         []string `json:"facts"`
	Concepts      []string `json:"concepts"`
	FilesRead     []string `json:"filesRead"`
	FilesModified []string `json:"filesModified"`
}

type summaryWire struct {
	Request      string `json:"request"`
	Investigated string `json:"investigated"`
	Learned      string `json:"learned"`
	Completed    string `json:"completed"`
	NextSteps    string `json:"nextSteps"`
	Notes        string `json:"notes"`
}

// Parse scans text line by line and decodes every recognized envelope it
// finds. A reply with no envelopes returns (nil, nil). At most one summary
// is returned: if the analyzer emits more than one SUMMARY envelope in the
// same reply (it shouldn't, but nothing prevents it), only the first wins.
func Parse(text string) ([]models.ParsedObservation, *models.ParsedSummary) {
	var observations []models.ParsedObservation
	var summary *models.ParsedSummary

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, observationTag):
			if obs, ok := decodeObservation(line[len(observationTag):]); ok {
				observations = append(observations, obs)
			}
		case strings.HasPrefix(line, summaryTag):
			if summary == nil {
				if sum, ok := decodeSummary(line[len(summaryTag):]); ok {
					summary = &sum
				}
			}
		}
	}
	return observations, summary
}

func decodeObservation(payload string) (models.ParsedObservation, bool) {
	var wire observationWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return models.ParsedObservation{}, false
	}
	if wire.Type == "" && wire.Title == "" && wire.Text == "" {
		return models.ParsedObservation{}, false
	}
	return models.ParsedObservation{
		Type:          wire.Type,
		Title:         wire.Title,
		Subtitle:      wire.Subtitle,
		Narrative:     wire.Narrative,
		Text:          wire.Text,
		Facts:         wire.Facts,
		Concepts:      wire.Concepts,
		FilesRead:     wire.FilesRead,
		FilesModified: wire.FilesModified,
	}, true
}

func decodeSummary(payload string) (models.ParsedSummary, bool) {
	var wire summaryWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return models.ParsedSummary{}, false
	}
	return models.ParsedSummary{
		Request:      wire.Request,
		Investigated: wire.Investigated,
		Learned:      wire.Learned,
		Completed:    wire.Completed,
		NextSteps:    wire.NextSteps,
		Notes:        wire.Notes,
	}, true
}
