package delivery

import (
	"context"

	"github.com/angelmondragon/eventbus/pkg/logger"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

// LogHandler logs every envelope and succeeds.
type LogHandler struct {
	logg *logger.Logger
}

func NewLogHandler(logg *logger.Logger) *LogHandler {
	if logg == nil {
		logg = logger.Nop()
	}
	return &LogHandler{logg: logg}
}

func (h *LogHandler) Handle(ctx context.Context, env outbox.Envelope) error {
	h.logg.Info(h.logg.WithFields(ctx, map[string]any{
		"payload_type":  env.PayloadType,
		"payload_bytes": len(env.Payload),
		"occurred_at":   env.OccurredAt,
	}), "event received")
	return nil
}
