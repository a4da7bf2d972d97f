package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentplane/agentplane/pkg/store"
)

const previewLimit = 200

// SpanRecorder collects trace spans for one generation. Sequence numbers are
// contiguous from 0 in emission order, so the UI can replay the generation.
// Recording is best-effort; a failed insert never fails the request.
type SpanRecorder struct {
	store     *store.Store
	sessionID string
	runID     string
	tracer    trace.Tracer

	mu  sync.Mutex
	seq int
	ids []string
}

func NewSpanRecorder(s *store.Store, sessionID, runID string) *SpanRecorder {
	return &SpanRecorder{
		store:     s,
		sessionID: sessionID,
		runID:     runID,
		tracer:    Tracer("agentplane"),
	}
}

// Record persists one span and mirrors it to OpenTelemetry. The span's
// previews are truncated and its sequence assigned here.
func (r *SpanRecorder) Record(ctx context.Context, span *store.TraceSpan) {
	span.SessionID = r.sessionID
	span.WorkflowRunID = r.runID
	span.InputPreview = Truncate(span.InputPreview, previewLimit)
	span.OutputPreview = Truncate(span.OutputPreview, previewLimit)

	r.mu.Lock()
	span.Sequence = r.seq
	r.seq++
	r.mu.Unlock()

	if err := r.store.InsertSpan(ctx, span); err != nil {
		slog.Warn("Failed to record trace span", "span_type", span.SpanType, "name", span.Name, "error", err)
		return
	}

	r.mu.Lock()
	r.ids = append(r.ids, span.ID)
	r.mu.Unlock()

	r.mirror(ctx, span)
}

// mirror emits the already-finished span to OpenTelemetry with its real
// start and end times.
func (r *SpanRecorder) mirror(ctx context.Context, span *store.TraceSpan) {
	end := time.Now()
	start := end.Add(-time.Duration(span.DurationMS) * time.Millisecond)
	_, otelSpan := r.tracer.Start(ctx, span.SpanType+"."+span.Name,
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String(AttrSessionID, r.sessionID),
			attribute.String(AttrRunID, r.runID),
			attribute.Int(AttrRound, span.RoundNumber),
			attribute.Int("input_tokens", span.InputTokens),
			attribute.Int("output_tokens", span.OutputTokens),
		),
	)
	if span.Status == "error" {
		otelSpan.SetStatus(codes.Error, span.OutputPreview)
	}
	otelSpan.End(trace.WithTimestamp(end))
}

// Backfill stamps the persisted assistant message onto all recorded spans.
func (r *SpanRecorder) Backfill(ctx context.Context, messageID string) {
	r.mu.Lock()
	ids := make([]string, len(r.ids))
	copy(ids, r.ids)
	r.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if err := r.store.BackfillSpanMessageID(ctx, ids, messageID); err != nil {
		slog.Warn("Failed to backfill span message ids", "message_id", messageID, "error", err)
	}
}
