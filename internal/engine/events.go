package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/streaming"
)

// Recorder persists run history. *store.LibSQLStore satisfies it.
// Recorder failures are logged and never fail a run.
type Recorder interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
	RecordStep(ctx context.Context, exec *store.StepExecution) error
	AppendEvent(ctx context.Context, event *store.Event) error
}

// emitter delivers one run's events to the recorder and the hub.
type emitter struct {
	runID      string
	workflowID string
	recorder   Recorder
	hub        streaming.EventHub
	logger     *slog.Logger

	// mu serializes appends so the store assigns sequence numbers in
	// emission order even when fan-out branches emit concurrently.
	mu sync.Mutex
}

func (em *emitter) emit(ctx context.Context, stepID, eventType string, payload map[string]any) {
	ctx = context.WithoutCancel(ctx)

	if em.recorder != nil {
		raw := rawJSON(payload)
		em.mu.Lock()
		err := em.recorder.AppendEvent(ctx, &store.Event{
			RunID:   em.runID,
			StepID:  stepID,
			Type:    eventType,
			Payload: raw,
		})
		em.mu.Unlock()
		if err != nil {
			em.logger.WarnContext(ctx, "append event failed",
				slog.String("event_type", eventType),
				slog.String("error", err.Error()),
			)
		}
	}
	em.publish(ctx, stepID, eventType, payload)
}

// publish sends an event to the hub only. Used for high-volume events such
// as streamed agent deltas that are not worth persisting.
func (em *emitter) publish(ctx context.Context, stepID, eventType string, payload map[string]any) {
	if em.hub == nil {
		return
	}
	err := em.hub.Publish(context.WithoutCancel(ctx), streaming.RunEvent{
		RunID:      em.runID,
		WorkflowID: em.workflowID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		em.logger.DebugContext(ctx, "publish event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// rawJSON marshals v for persistence. Values that cannot be encoded are
// stored as nil rather than failing the run.
func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
