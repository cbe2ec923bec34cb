package logger

import (
	"context"
	"log/slog"

	"replydesk/backend/internal/middleware"
)

// ContextHandler decorates every record logged with a context (InfoContext
// and friends) with the request's correlation id.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := middleware.GetCorrelationID(ctx); id != "" && id != "unknown" {
		r.AddAttrs(slog.String("correlationId", id))
	}
	return h.Handler.Handle(ctx, r)
}
