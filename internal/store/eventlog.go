package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// EventLog provides event-sourcing reads on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps s.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with the next per-run sequence number.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns a run's events with sequence > since, in sequence order.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// SnapshotPayload is the part of a step event payload replay reads.
type SnapshotPayload struct {
	Output     json.RawMessage `json:"output,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ReplayEvents folds a run's events into the latest state of every step it
// touched. A gap in the sequence is reported as a store error.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepState)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{RunID: runID, StepID: e.StepID}
			states[e.StepID] = ss
		}

		var p SnapshotPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ss.Visits++
			ts := e.Timestamp
			ss.StartedAt = &ts
			ss.CompletedAt = nil
			ss.Error = nil

		case schema.EventStepRetrying:
			ss.Status = schema.StepStatusRetrying
			ss.Retries++

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = p.Output
			ss.DurationMs = p.DurationMs

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Error = p.Error
			ss.Output = p.Output
			ss.DurationMs = p.DurationMs
		}
	}
	return states, nil
}

// Follow polls for new events of a run and sends them on the returned channel
// until ctx is done or the run reaches a terminal event. The channel is closed
// when following stops.
func (el *EventLog) Follow(ctx context.Context, runID string, since int64, interval time.Duration) <-chan *Event {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			events, err := el.store.GetEvents(ctx, runID, since)
			if err != nil {
				return
			}
			for _, e := range events {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
				since = e.Sequence
				if isRunTerminal(e.Type) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func isRunTerminal(eventType string) bool {
	switch eventType {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled, schema.EventRunTimedOut:
		return true
	}
	return false
}
