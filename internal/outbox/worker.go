package outbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

// Sender delivers one message to a Telegram identity.
type Sender interface {
	SendMessage(telegramID, text string) error
}

// TelegramSender sends through the Bot API.
type TelegramSender struct {
	api *tgbotapi.BotAPI
}

func NewTelegramSender(api *tgbotapi.BotAPI) *TelegramSender {
	return &TelegramSender{api: api}
}

func (s *TelegramSender) SendMessage(telegramID, text string) error {
	chatID, err := strconv.ParseInt(telegramID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram id %q: %v", telegramID, err)
	}
	_, err = s.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// Worker drains pending notifications on a short interval. It is the
// only mutator of notification status: producers just append rows.
type Worker struct {
	storage  storage.OutboxStorage
	sender   Sender
	interval time.Duration
	logger   *zap.Logger
}

func NewWorker(store storage.OutboxStorage, sender Sender, interval time.Duration, logger *zap.Logger) *Worker {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Worker{
		storage:  store,
		sender:   sender,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled; the in-flight drain finishes first.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Delivery worker stopped")
			return
		case <-ticker.C:
			w.drain(context.Background())
		}
	}
}

// drain attempts delivery of every pending row, isolating per-row
// failures so one bad recipient does not block the queue.
func (w *Worker) drain(ctx context.Context) {
	pending, err := w.storage.ListPendingNotifications(ctx)
	if err != nil {
		w.logger.Error("Failed to list pending notifications", zap.Error(err))
		return
	}

	for _, notification := range pending {
		status := models.NotificationSent
		if err := w.sender.SendMessage(notification.TelegramID, notification.Text); err != nil {
			w.logger.Error("Failed to deliver notification",
				zap.Error(err),
				zap.Int64("notification_id", notification.ID),
				zap.String("telegram_id", notification.TelegramID))
			status = models.NotificationFailed
		} else {
			w.logger.Info("Notification delivered",
				zap.Int64("notification_id", notification.ID),
				zap.String("telegram_id", notification.TelegramID))
		}
		if err := w.storage.MarkNotification(ctx, notification.ID, status); err != nil {
			w.logger.Error("Failed to mark notification",
				zap.Error(err),
				zap.Int64("notification_id", notification.ID))
		}
	}
}

// Drain runs one poll iteration immediately. Used by tests and the
// notifier's startup pass.
func (w *Worker) Drain(ctx context.Context) {
	w.drain(ctx)
}
