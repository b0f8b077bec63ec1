package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/rendis/stepwise/pkg/schema"
)

func newBenchStore(b *testing.B) *LibSQLStore {
	b.Helper()
	s, err := NewLibSQLStore("file:" + b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s
}

func seedBenchRun(b *testing.B, s *LibSQLStore) string {
	b.Helper()
	id := uuid.NewString()
	if err := s.CreateRun(context.Background(), &Run{
		ID: id, WorkflowID: "bench", Status: schema.RunStatusRunning,
		Definition: schema.Workflow{ID: "bench", Steps: []schema.Step{{ID: "s1"}}},
	}); err != nil {
		b.Fatal(err)
	}
	return id
}

func BenchmarkEventAppend(b *testing.B) {
	s := newBenchStore(b)
	runID := seedBenchRun(b, s)
	ctx := context.Background()
	payload := []byte(`{"output":{"ok":true}}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.AppendEvent(ctx, &Event{RunID: runID, StepID: "s1", Type: schema.EventStepCompleted, Payload: payload}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReplayEvents(b *testing.B) {
	for _, n := range []int{10, 100} {
		b.Run(fmt.Sprintf("events=%d", n), func(b *testing.B) {
			s := newBenchStore(b)
			el := NewEventLog(s)
			runID := seedBenchRun(b, s)
			ctx := context.Background()
			for i := 0; i < n; i++ {
				step := fmt.Sprintf("s%d", i%5)
				_ = s.AppendEvent(ctx, &Event{RunID: runID, StepID: step, Type: schema.EventStepStarted})
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := el.ReplayEvents(ctx, runID); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
