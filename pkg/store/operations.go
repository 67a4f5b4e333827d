package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/toolscribe/toolscribe/pkg/models"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// CreateSession inserts a new session row and returns it populated with its
// assigned id and start timestamp.
func (s *Store) CreateSession(ctx context.Context, analyzerSessionID, assistantSessionID, project, firstPrompt string, nowEpoch int64) (models.Session, error) {
	sess := models.Session{
		AnalyzerSessionID:  analyzerSessionID,
		AssistantSessionID: assistantSessionID,
		Project:            project,
		CurrentPrompt:      firstPrompt,
		LastPromptNumber:   1,
		Status:             models.SessionStatusActive,
		StartedAtEpoch:     nowEpoch,
	}
	err := s.withWrite(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO sessions (analyzer_session_id, assistant_session_id, project, current_prompt, last_prompt_number, status, started_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.AnalyzerSessionID, sess.AssistantSessionID, sess.Project, sess.CurrentPrompt, sess.LastPromptNumber, sess.Status, sess.StartedAtEpoch)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		sess.ID = id
		return nil
	})
	return sess, err
}

// GetSessionByAssistantID looks up an active or completed session by the
// coding assistant's own session identifier, used by the Session Manager
// to resurrect a session whose assistant session id returns after its
// previous orchestrator ended.
func (s *Store) GetSessionByAssistantID(ctx context.Context, assistantSessionID string) (models.Session, error) {
	var sess models.Session
	err := s.readDB.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE assistant_session_id = ?`, assistantSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	return sess, err
}

// GetSession looks up a session by its store-assigned id.
func (s *Store) GetSession(ctx context.Context, id int64) (models.Session, error) {
	var sess models.Session
	err := s.readDB.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	return sess, err
}

// AdvancePrompt records a new user prompt against an existing session,
// bumping its prompt counter and current-prompt text.
func (s *Store) AdvancePrompt(ctx context.Context, sessionID int64, promptNumber int, promptText string) error {
	return s.withWrite(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE sessions SET last_prompt_number = ?, current_prompt = ? WHERE id = ?`,
			promptNumber, promptText, sessionID)
		return err
	})
}

// AccumulateTokens adds to a session's cumulative input/output token
// counters, returning the updated totals. Used by the Session Orchestrator
// (C4) to compute the discoveryTokens delta in §4.4.
func (s *Store) AccumulateTokens(ctx context.Context, sessionID int64, deltaInput, deltaOutput int64) (cumInput, cumOutput int64, err error) {
	err = s.withWrite(ctx, func(tx *sqlx.Tx) error {
		_, execErr := tx.Exec(`
			UPDATE sessions
			SET cumulative_input_tokens = cumulative_input_tokens + ?,
			    cumulative_output_tokens = cumulative_output_tokens + ?
			WHERE id = ?`, deltaInput, deltaOutput, sessionID)
		if execErr != nil {
			return execErr
		}
		row := tx.QueryRow(`SELECT cumulative_input_tokens, cumulative_output_tokens FROM sessions WHERE id = ?`, sessionID)
		return row.Scan(&cumInput, &cumOutput)
	})
	return cumInput, cumOutput, err
}

// MarkSessionCompleted flips a session's status once its orchestrator has
// drained and no further work will arrive for it.
func (s *Store) MarkSessionCompleted(ctx context.Context, sessionID int64) error {
	return s.withWrite(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, models.SessionStatusCompleted, sessionID)
		return err
	})
}

// EnqueuePendingMessage durably records one analyzer input so it survives a
// crash between enqueue and delivery (§4.2).
func (s *Store) EnqueuePendingMessage(ctx context.Context, msg models.PendingMessage) (models.PendingMessage, error) {
	msg.State = models.PendingMessageStatePending
	err := s.withWrite(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO pending_messages (session_id, kind, tool_name, tool_input, tool_response, cwd, last_user_message, last_assistant_message, prompt_number, state, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.SessionID, msg.Kind, msg.ToolName, msg.ToolInput, msg.ToolResponse, msg.Cwd, msg.LastUserMessage, msg.LastAssistantMessage, msg.PromptNumber, msg.State, msg.CreatedAtEpoch)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		msg.ID = id
		return nil
	})
	return msg, err
}

// PendingForSession returns every message still awaiting delivery for a
// session, oldest first — the shape iterate() replays on startup or after a
// crash, per §4.2's re-yield-on-restart rule.
func (s *Store) PendingForSession(ctx context.Context, sessionID int64) ([]models.PendingMessage, error) {
	var msgs []models.PendingMessage
	err := s.readDB.SelectContext(ctx, &msgs, `
		SELECT * FROM pending_messages
		WHERE session_id = ? AND state = ?
		ORDER BY id ASC`, sessionID, models.PendingMessageStatePending)
	return msgs, err
}

// AllPendingSessionIDs lists the distinct sessions with undelivered messages,
// used to resume every in-flight orchestrator after a restart.
func (s *Store) AllPendingSessionIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.readDB.SelectContext(ctx, &ids, `
		SELECT DISTINCT session_id FROM pending_messages WHERE state = ? ORDER BY session_id`,
		models.PendingMessageStatePending)
	return ids, err
}

// MarkPendingProcessed flips a pending message to processed once the
// orchestrator has folded its reply into the store.
func (s *Store) MarkPendingProcessed(ctx context.Context, id int64) error {
	return s.withWrite(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE pending_messages SET state = ? WHERE id = ?`, models.PendingMessageStateProcessed, id)
		return err
	})
}

// CleanupProcessed deletes processed pending messages beyond the most
// recent keepLast across the whole store, bounding table growth (§4.2, §9).
// The retention window is global, not per-session, per §9.1.
func (s *Store) CleanupProcessed(ctx context.Context, keepLast int) (int64, error) {
	var affected int64
	err := s.withWrite(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM pending_messages
			WHERE state = ? AND id NOT IN (
				SELECT id FROM pending_messages
				WHERE state = ?
				ORDER BY id DESC
				LIMIT ?
			)`, models.PendingMessageStateProcessed, models.PendingMessageStateProcessed, keepLast)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// InsertObservation persists one distilled observation and returns it with
// its assigned id and timestamp filled in.
func (s *Store) InsertObservation(ctx context.Context, ins models.ObservationInsert, nowEpoch int64) (models.Observation, error) {
	obs := models.Observation{
		AssistantSessionID: ins.AssistantSessionID,
		Project:            ins.Project,
		Type:               ins.Payload.Type,
		Title:              ins.Payload.Title,
		Subtitle:           ins.Payload.Subtitle,
		Narrative:          ins.Payload.Narrative,
		Text:               ins.Payload.Text,
		Facts:              toJSONArray(ins.Payload.Facts),
		Concepts:           toJSONArray(ins.Payload.Concepts),
		FilesRead:          toJSONArray(ins.Payload.FilesRead),
		FilesModified:      toJSONArray(ins.Payload.FilesModified),
		PromptNumber:       ins.PromptNumber,
		CreatedAtEpoch:     nowEpoch,
		DiscoveryTokens:    ins.DiscoveryTokens,
	}
	err := s.withWrite(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO observations (assistant_session_id, project, type, title, subtitle, narrative, text, facts, concepts, files_read, files_modified, prompt_number, created_at_epoch, discovery_tokens)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			obs.AssistantSessionID, obs.Project, obs.Type, obs.Title, obs.Subtitle, obs.Narrative, obs.Text,
			obs.Facts, obs.Concepts, obs.FilesRead, obs.FilesModified, obs.PromptNumber, obs.CreatedAtEpoch, obs.DiscoveryTokens)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		obs.ID = id
		return nil
	})
	return obs, err
}

// InsertSummary persists one end-of-session roll-up.
func (s *Store) InsertSummary(ctx context.Context, sessionID int64, project string, p models.ParsedSummary, nowEpoch int64) (models.Summary, error) {
	sum := models.Summary{
		SessionID:      sessionID,
		Project:        project,
		Request:        p.Request,
		Investigated:   p.Investigated,
		Learned:        p.Learned,
		Completed:      p.Completed,
		NextSteps:      p.NextSteps,
		Notes:          p.Notes,
		CreatedAtEpoch: nowEpoch,
	}
	err := s.withWrite(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO summaries (session_id, project, request, investigated, learned, completed, next_steps, notes, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.SessionID, sum.Project, sum.Request, sum.Investigated, sum.Learned, sum.Completed, sum.NextSteps, sum.Notes, sum.CreatedAtEpoch)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		sum.ID = id
		return nil
	})
	return sum, err
}

// InsertPrompt records one user-visible prompt for the viewer timeline.
func (s *Store) InsertPrompt(ctx context.Context, assistantSessionID, project string, promptNumber int, text string, nowEpoch int64) (models.UserPrompt, error) {
	p := models.UserPrompt{
		AssistantSessionID: assistantSessionID,
		Project:            project,
		PromptNumber:       promptNumber,
		PromptText:         text,
		CreatedAtEpoch:     nowEpoch,
	}
	err := s.withWrite(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO user_prompts (assistant_session_id, project, prompt_number, prompt_text, created_at_epoch)
			VALUES (?, ?, ?, ?, ?)`,
			p.AssistantSessionID, p.Project, p.PromptNumber, p.PromptText, p.CreatedAtEpoch)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	})
	return p, err
}

// ListObservations returns observations newest-first, optionally scoped to a
// project and paginated by the id cursor in q.AfterID.
func (s *Store) ListObservations(ctx context.Context, q models.PageQuery) ([]models.Observation, error) {
	query, args := rangeQuery("observations", q)
	var rows []models.Observation
	err := s.readDB.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

// ListSummaries returns summaries newest-first, optionally scoped to a project.
func (s *Store) ListSummaries(ctx context.Context, q models.PageQuery) ([]models.Summary, error) {
	query, args := rangeQuery("summaries", q)
	var rows []models.Summary
	err := s.readDB.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

// ListPrompts returns recorded prompts newest-first, optionally scoped to a project.
func (s *Store) ListPrompts(ctx context.Context, q models.PageQuery) ([]models.UserPrompt, error) {
	query, args := rangeQuery("user_prompts", q)
	var rows []models.UserPrompt
	err := s.readDB.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

// rangeQuery builds the common newest-first, cursor-paginated SELECT shared
// by the three read-collection endpoints.
func rangeQuery(table string, q models.PageQuery) (string, []any) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE 1=1", table)
	var args []any
	if q.Project != nil {
		query += " AND project = ?"
		args = append(args, *q.Project)
	}
	if q.AfterID != nil {
		query += " AND id < ?"
		args = append(args, *q.AfterID)
	}
	query += " ORDER BY id DESC"
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	return query, args
}

func toJSONArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// FromJSONArray parses a store-encoded JSON array column back into a slice,
// used by read paths (HTTP responses, vector-index payload building) that
// need the list rather than its string form. Malformed content (which
// should never occur, since only toJSONArray ever writes these columns)
// degrades to an empty slice rather than an error.
func FromJSONArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
