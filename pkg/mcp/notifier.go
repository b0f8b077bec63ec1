package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/streaming"
)

// forwardEvents pushes runID's events to the calling client as
// notifications/message until the returned stop function is called.
// Best-effort: it does nothing without a hub or a client session.
func (s *Server) forwardEvents(ctx context.Context, runID string) (stop func()) {
	session := server.ClientSessionFromContext(ctx)
	if s.hub == nil || session == nil {
		return func() {}
	}

	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
	if err != nil {
		s.logger.Debug("event subscription failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			err := s.mcpServer.SendNotificationToSpecificClient(session.SessionID(), "notifications/message", map[string]any{
				"level":  "info",
				"logger": "stepwise",
				"data":   ev,
			})
			if errors.Is(err, server.ErrSessionNotFound) {
				cancel()
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
