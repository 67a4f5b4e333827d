// Package models holds the plain data types shared across toolscribe's
// components — the observation-store schema (§3 of the spec) expressed as
// Go structs rather than an ORM's generated models (see DESIGN.md for why
// the teacher's ent-generated types are not reused).
package models

import "context"

// SessionStatus is the lifecycle state of a Session row in the store.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// Session is a unit of analyzer work for one user-prompt invocation.
type Session struct {
	ID                 int64         `db:"id"`
	AnalyzerSessionID  string        `db:"analyzer_session_id"`
	AssistantSessionID string        `db:"assistant_session_id"`
	Project            string        `db:"project"`
	CurrentPrompt      string        `db:"current_prompt"`
	LastPromptNumber   int           `db:"last_prompt_number"`
	CumulativeInput    int64         `db:"cumulative_input_tokens"`
	CumulativeOutput   int64         `db:"cumulative_output_tokens"`
	Status             SessionStatus `db:"status"`
	StartedAtEpoch     int64         `db:"started_at_epoch"`
}

// PendingMessageKind distinguishes the two analyzer input shapes a queued
// message can translate to.
type PendingMessageKind string

const (
	PendingMessageKindObservation PendingMessageKind = "observation"
	PendingMessageKindSummarize   PendingMessageKind = "summarize"
)

// PendingMessageState tracks whether a queued message still needs delivery.
type PendingMessageState string

const (
	PendingMessageStatePending   PendingMessageState = "pending"
	PendingMessageStateProcessed PendingMessageState = "processed"
)

// PendingMessage is one deferred analyzer input (§3, §4.2).
type PendingMessage struct {
	ID           int64               `db:"id"`
	SessionID    int64               `db:"session_id"`
	Kind         PendingMessageKind  `db:"kind"`
	ToolName     string              `db:"tool_name"`
	ToolInput    []byte              `db:"tool_input"`
	ToolResponse []byte              `db:"tool_response"`
	Cwd          string              `db:"cwd"`
	LastUserMessage      string      `db:"last_user_message"`
	LastAssistantMessage string      `db:"last_assistant_message"`
	PromptNumber int                 `db:"prompt_number"`
	State        PendingMessageState `db:"state"`
	CreatedAtEpoch int64             `db:"created_at_epoch"`
}

// Observation is one distilled finding (§3).
//
// Facts, Concepts, FilesRead, and FilesModified are stored as JSON arrays
// (TEXT columns holding `[...]`) so the store never needs a side table for
// what is, for every practical purpose, an ordered list of short strings.
type Observation struct {
	ID                 int64  `db:"id" json:"id"`
	AssistantSessionID string `db:"assistant_session_id" json:"assistantSessionId"`
	Project            string `db:"project" json:"project"`
	Type               string `db:"type" json:"type"`
	Title              string `db:"title" json:"title"`
	Subtitle           string `db:"subtitle" json:"subtitle"`
	Narrative          string `db:"narrative" json:"narrative"`
	Text               string `db:"text" json:"text"`
	Facts              string `db:"facts" json:"facts"`
	Concepts           string `db:"concepts" json:"concepts"`
	FilesRead          string `db:"files_read" json:"filesRead"`
	FilesModified      string `db:"files_modified" json:"filesModified"`
	PromptNumber       int    `db:"prompt_number" json:"promptNumber"`
	CreatedAtEpoch     int64  `db:"created_at_epoch" json:"createdAtEpoch"`
	DiscoveryTokens    int64  `db:"discovery_tokens" json:"discoveryTokens"`
}

// Summary is one end-of-session roll-up (§3).
type Summary struct {
	ID             int64  `db:"id" json:"id"`
	SessionID      int64  `db:"session_id" json:"sessionId"`
	Project        string `db:"project" json:"project"`
	Request        string `db:"request" json:"request,omitempty"`
	Investigated   string `db:"investigated" json:"investigated,omitempty"`
	Learned        string `db:"learned" json:"learned,omitempty"`
	Completed      string `db:"completed" json:"completed,omitempty"`
	NextSteps      string `db:"next_steps" json:"nextSteps,omitempty"`
	Notes          string `db:"notes" json:"notes,omitempty"`
	CreatedAtEpoch int64  `db:"created_at_epoch" json:"createdAtEpoch"`
}

// UserPrompt is one recorded user utterance (§3).
type UserPrompt struct {
	ID                 int64  `db:"id" json:"id"`
	AssistantSessionID string `db:"assistant_session_id" json:"assistantSessionId"`
	Project            string `db:"project" json:"project"`
	PromptNumber       int    `db:"prompt_number" json:"promptNumber"`
	PromptText         string `db:"prompt_text" json:"promptText"`
	CreatedAtEpoch     int64  `db:"created_at_epoch" json:"createdAtEpoch"`
}

// PageQuery is the common shape of the store's newest-first range scans.
type PageQuery struct {
	Project *string
	AfterID *int64
	Limit   int
}

// ObservationInsert carries the fields insertObservation needs beyond the
// envelope the parser produces.
type ObservationInsert struct {
	AssistantSessionID string
	Project            string
	PromptNumber        int
	DiscoveryTokens     int64
	Payload             ParsedObservation
}

// ParsedObservation is the envelope the Response Parser (C3) produces for
// one observation record, before the store assigns it an id/timestamp.
type ParsedObservation struct {
	Type          string
	Title         string
	Subtitle      string
	Narrative     string
	Text          string
	Facts         []string
	Concepts      []string
	FilesRead     []string
	FilesModified []string
}

// ParsedSummary is the envelope the Response Parser produces for a summary
// record.
type ParsedSummary struct {
	Request      string
	Investigated string
	Learned      string
	Completed    string
	NextSteps    string
	Notes        string
}

// Reader is the subset of the Observation Store (C1) needed by read-only
// collaborators (main.go's initial_load snapshot reads through it; the
// Token Metrics Engine queries the store's read handle directly). It is
// satisfied by *store.Store without importing pkg/store from packages that
// only ever read.
type Reader interface {
	ListObservations(ctx context.Context, q PageQuery) ([]Observation, error)
	ListSummaries(ctx context.Context, q PageQuery) ([]Summary, error)
	ListPrompts(ctx context.Context, q PageQuery) ([]UserPrompt, error)
}
