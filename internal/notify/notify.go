// Package notify periodically reports overdue loans to librarians over
// Telegram. It is an optional sidecar: the server runs fine without a token.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"onlib/internal/models"
	"onlib/internal/protocol"
	"onlib/internal/storage"
)

// Notifier polls the store for overdue rentals and pushes a summary to the
// configured chats.
type Notifier struct {
	api      *tgbotapi.BotAPI
	db       storage.Storage
	chatIDs  []int64
	interval time.Duration
	logger   *zap.Logger
}

// New creates a notifier. It validates the token against the Telegram API.
func New(token string, db storage.Storage, chatIDs []int64, interval time.Duration, logger *zap.Logger) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error("Failed to create bot API", zap.Error(err))
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Notifier bot created", zap.String("bot_username", api.Self.UserName))

	return &Notifier{
		api:      api,
		db:       db,
		chatIDs:  chatIDs,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run sends a summary on every tick until ctx is cancelled. The first check
// runs immediately.
func (n *Notifier) Run(ctx context.Context) {
	n.logger.Info("Overdue notifier started",
		zap.Duration("interval", n.interval),
		zap.Int("chats", len(n.chatIDs)),
	)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	n.check(ctx)
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Overdue notifier stopped")
			return
		case <-ticker.C:
			n.check(ctx)
		}
	}
}

func (n *Notifier) check(ctx context.Context) {
	debts, err := n.db.GetAllDebts(ctx)
	if err != nil {
		n.logger.Error("Failed to load debts for notification", zap.Error(err))
		return
	}

	var overdue []models.DebtRecord
	for _, d := range debts {
		if d.IsOverdue {
			overdue = append(overdue, d)
		}
	}
	if len(overdue) == 0 {
		return
	}

	text := formatSummary(overdue)
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.api.Send(msg); err != nil {
			n.logger.Error("Failed to send overdue notification",
				zap.Int64("chat_id", chatID),
				zap.Error(err),
			)
		}
	}
	n.logger.Info("Overdue notification sent", zap.Int("overdue_rentals", len(overdue)))
}

func formatSummary(overdue []models.DebtRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overdue rentals: %d\n", len(overdue))
	for _, d := range overdue {
		fmt.Fprintf(&b, "- %s: %q, due %s\n",
			d.UserLogin, d.BookTitle, d.EndDate.Format(protocol.DateLayout))
	}
	return b.String()
}
