package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

func (s *Store) InsertSpan(ctx context.Context, span *TraceSpan) error {
	if span.ID == "" {
		span.ID = uuid.NewString()
	}
	span.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_spans (id, session_id, workflow_run_id, message_id, span_type, name, input_tokens,
		 output_tokens, duration_ms, status, input_preview, output_preview, sequence, round_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.ID, span.SessionID, span.WorkflowRunID, span.MessageID, span.SpanType, span.Name,
		span.InputTokens, span.OutputTokens, span.DurationMS, span.Status,
		span.InputPreview, span.OutputPreview, span.Sequence, span.RoundNumber, span.CreatedAt)
	return err
}

// BackfillSpanMessageID stamps the persisted assistant message id onto the
// given spans after the message exists.
func (s *Store) BackfillSpanMessageID(ctx context.Context, spanIDs []string, messageID string) error {
	for _, id := range spanIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE trace_spans SET message_id = ? WHERE id = ?`, messageID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListSpans(ctx context.Context, sessionID string) ([]*TraceSpan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, workflow_run_id, message_id, span_type, name, input_tokens, output_tokens,
		 duration_ms, status, input_preview, output_preview, sequence, round_number, created_at
		 FROM trace_spans WHERE session_id = ? ORDER BY created_at, sequence`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []*TraceSpan
	for rows.Next() {
		var span TraceSpan
		if err := rows.Scan(&span.ID, &span.SessionID, &span.WorkflowRunID, &span.MessageID, &span.SpanType,
			&span.Name, &span.InputTokens, &span.OutputTokens, &span.DurationMS, &span.Status,
			&span.InputPreview, &span.OutputPreview, &span.Sequence, &span.RoundNumber, &span.CreatedAt); err != nil {
			return nil, err
		}
		spans = append(spans, &span)
	}
	return spans, rows.Err()
}
