package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/toolscribe/toolscribe/pkg/models"
)

// inboundEvent is the wire shape §6 defines, posted by the hosting tool
// harness once per tool invocation (kind=observation) or once per
// end-of-turn summarize request (kind=summarize). Unknown fields are
// ignored by encoding/json's default decode behavior.
type inboundEvent struct {
	SessionID            string          `json:"sessionId" binding:"required"`
	Project              string          `json:"project" binding:"required"`
	UserPrompt           string          `json:"userPrompt"`
	Kind                 string          `json:"kind" binding:"required,oneof=observation summarize"`
	ToolName             string          `json:"toolName"`
	ToolInput            json.RawMessage `json:"toolInput"`
	ToolResponse         json.RawMessage `json:"toolResponse"`
	Cwd                  string          `json:"cwd"`
	LastUserMessage      string          `json:"lastUserMessage"`
	LastAssistantMessage string          `json:"lastAssistantMessage"`
}

// handleInboundEvent is POST /api/events: the single entry point through
// which the hosting tool harness reports tool activity and requests a
// session summary. A non-empty userPrompt starts (or resurrects) the
// session; every event, regardless of userPrompt, is queued for analyzer
// delivery via the Pending Message Queue (§4.2) so the Session Manager
// never restarts an analyzer that's already running (§4.5).
func (s *Server) handleInboundEvent(c *gin.Context) {
	var ev inboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	sess, ok := s.sessions.Lookup(ev.SessionID)
	if ev.UserPrompt != "" || !ok {
		var err error
		sess, err = s.sessions.InitializeSession(c.Request.Context(), ev.SessionID, ev.Project, ev.UserPrompt)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err)
			return
		}
	}

	kind := models.PendingMessageKindObservation
	if ev.Kind == "summarize" {
		kind = models.PendingMessageKindSummarize
	}

	msg := models.PendingMessage{
		SessionID:            sess.ID,
		Kind:                 kind,
		ToolName:             ev.ToolName,
		ToolInput:            ev.ToolInput,
		ToolResponse:         ev.ToolResponse,
		Cwd:                  ev.Cwd,
		LastUserMessage:      ev.LastUserMessage,
		LastAssistantMessage: ev.LastAssistantMessage,
		PromptNumber:         sess.LastPromptNumber,
		CreatedAtEpoch:       time.Now().UnixMilli(),
	}
	if err := s.sessions.Enqueue(c.Request.Context(), msg); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"sessionId": sess.ID, "status": "queued"})
}

// handleEventStream is GET /api/events/stream: a Server-Sent Events feed
// of every live event kind §4.6 defines. A new subscriber first receives
// the caller-supplied initial_load snapshot, then live events as they
// happen, until the client disconnects.
func (s *Server) handleEventStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sub := s.events.Subscribe()
	defer sub.Close()

	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), event.Payload)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
