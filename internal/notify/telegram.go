package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/wacopilot/internal/outbox"
)

const maxTelegramMessage = 4096

// JobControl is the part of the outbox queue exposed to bot commands.
type JobControl interface {
	Stats(ctx context.Context) (outbox.Stats, error)
	RetryFailedJobs(ctx context.Context) (int, error)
}

// TelegramNotifier sends notifications to one chat and answers the
// /status and /retry commands from that chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	jobs   JobControl
	logger *slog.Logger
}

// NewTelegramNotifier creates a bot client. jobs may be nil, in which case
// commands report that the queue is unavailable.
func NewTelegramNotifier(token string, chatID int64, jobs JobControl, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, jobs: jobs, logger: logger.With("component", "telegram")}, nil
}

func (t *TelegramNotifier) Notify(_ context.Context, msg Message) error {
	return t.send(t.chatID, formatTelegram(msg))
}

// Start long-polls for bot commands until ctx is done.
func (t *TelegramNotifier) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				t.logger.Warn("ignoring command from unknown chat", "chat_id", update.Message.Chat.ID)
				continue
			}
			reply := t.handleCommand(ctx, update.Message.Command())
			if err := t.send(t.chatID, reply); err != nil {
				t.logger.Error("send reply", "error", err)
			}
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

func (t *TelegramNotifier) handleCommand(ctx context.Context, command string) string {
	switch command {
	case "start", "help":
		return "wacopilot notifications are on. Commands: /status, /retry"

	case "status":
		if t.jobs == nil {
			return "Job queue is not available."
		}
		stats, err := t.jobs.Stats(ctx)
		if err != nil {
			return "Error fetching status."
		}
		return formatStats(stats)

	case "retry":
		if t.jobs == nil {
			return "Job queue is not available."
		}
		n, err := t.jobs.RetryFailedJobs(ctx)
		if err != nil {
			return "Error retrying failed jobs."
		}
		return fmt.Sprintf("Requeued %d failed job(s).", n)

	default:
		return "Unknown command. Available: /status, /retry"
	}
}

func (t *TelegramNotifier) send(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

func formatTelegram(msg Message) string {
	return fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body)
}

func formatStats(s outbox.Stats) string {
	return fmt.Sprintf("Jobs pending: %d\nProcessing: %d\nFailed: %d", s.Pending, s.Processing, s.Failed)
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
