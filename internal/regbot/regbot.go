package regbot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/auth"
	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

// Bot runs the multi-step registration dialogue over Telegram. The
// dialogue state is a durable keyed session row with an expiry, so an
// in-flight registration survives restarts and horizontal scaling.
type Bot struct {
	api        *tgbotapi.BotAPI
	storage    storage.Storage
	auth       *auth.Service
	sessionTTL time.Duration
	siteURL    string
	logger     *zap.Logger
}

func New(api *tgbotapi.BotAPI, store storage.Storage, authService *auth.Service, sessionTTL time.Duration, siteURL string, logger *zap.Logger) *Bot {
	if sessionTTL == 0 {
		sessionTTL = time.Hour
	}
	return &Bot{
		api:        api,
		storage:    store,
		auth:       authService,
		sessionTTL: sessionTTL,
		siteURL:    siteURL,
		logger:     logger,
	}
}

// Start consumes updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	telegramID := strconv.FormatInt(message.From.ID, 10)

	if message.IsCommand() {
		switch message.Command() {
		case "start":
			b.handleStart(ctx, message, telegramID)
		default:
			b.sendMessage(message.Chat.ID, "Unknown command. Use /start to register.")
		}
		return
	}

	b.handleStep(ctx, message, telegramID)
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message, telegramID string) {
	if _, err := b.storage.GetUserByTelegramID(ctx, telegramID); err == nil {
		b.sendMessage(message.Chat.ID, "You are already registered! Log in on the website.")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		b.logger.Error("Failed to look up user",
			zap.Error(err),
			zap.String("telegram_id", telegramID))
		b.sendMessage(message.Chat.ID, "Something went wrong. Please try again.")
		return
	}

	session := &models.Session{
		TelegramID: telegramID,
		Step:       models.SessionStepUsername,
		ExpiresAt:  time.Now().Add(b.sessionTTL),
	}
	if err := b.storage.SaveSession(ctx, session); err != nil {
		b.logger.Error("Failed to save session",
			zap.Error(err),
			zap.String("telegram_id", telegramID))
		b.sendMessage(message.Chat.ID, "Something went wrong. Please try again.")
		return
	}
	b.sendMessage(message.Chat.ID, "Enter your username:")
}

func (b *Bot) handleStep(ctx context.Context, message *tgbotapi.Message, telegramID string) {
	session, err := b.storage.GetSession(ctx, telegramID)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(message.Chat.ID, "Start the registration with /start")
		return
	}
	if err != nil {
		b.logger.Error("Failed to load session",
			zap.Error(err),
			zap.String("telegram_id", telegramID))
		return
	}

	switch session.Step {
	case models.SessionStepUsername:
		username := strings.TrimSpace(message.Text)
		if _, err := b.storage.GetUserByUsername(ctx, username); err == nil {
			b.sendMessage(message.Chat.ID, "Username is taken. Choose another one:")
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			b.logger.Error("Failed to check username", zap.Error(err))
			return
		}
		session.Username = username
		session.Step = models.SessionStepPassword
		session.ExpiresAt = time.Now().Add(b.sessionTTL)
		if err := b.storage.SaveSession(ctx, session); err != nil {
			b.logger.Error("Failed to advance session", zap.Error(err))
			return
		}
		b.sendMessage(message.Chat.ID, "Enter your password:")

	case models.SessionStepPassword:
		password := message.Text
		if _, err := b.auth.Register(ctx, telegramID, session.Username, password); err != nil {
			b.logger.Error("Registration failed",
				zap.Error(err),
				zap.String("telegram_id", telegramID))
			b.sendMessage(message.Chat.ID,
				fmt.Sprintf("Registration error: %v. Start over with /start", err))
			return
		}
		if err := b.storage.DeleteSession(ctx, telegramID); err != nil {
			b.logger.Error("Failed to delete session", zap.Error(err))
		}
		b.sendMessage(message.Chat.ID, fmt.Sprintf(
			"Registration complete!\nUsername: %s\nLog in on the website: %s",
			session.Username, b.siteURL))
		b.logger.Info("User registered",
			zap.String("telegram_id", telegramID),
			zap.String("username", session.Username))

	default:
		b.sendMessage(message.Chat.ID, "Start the registration with /start")
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
