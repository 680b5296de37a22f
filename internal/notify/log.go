package notify

import (
	"context"
	"log/slog"

	"github.com/user/wacopilot/internal/outbox"
)

// LogNotifier writes notifications to a slog.Logger. Failures log at error
// level, retries at warn, everything else at info.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	level := slog.LevelInfo
	switch msg.Event.Type {
	case outbox.EventFailed:
		level = slog.LevelError
	case outbox.EventRetryScheduled:
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, msg.Title,
		"detail", msg.Body,
		"job_id", string(msg.Event.JobID),
		"kind", string(msg.Event.Kind),
		"attempts", msg.Event.Attempts,
	)
	return nil
}
