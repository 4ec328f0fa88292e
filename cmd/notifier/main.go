package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/auth"
	"github.com/astakh/prosto-bots/internal/outbox"
	"github.com/astakh/prosto-bots/internal/regbot"
	"github.com/astakh/prosto-bots/internal/storage"
	"github.com/astakh/prosto-bots/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal("Failed to create Telegram bot", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Delivery worker drains the notification outbox on a short poll.
	// The wait group keeps the process alive until an in-flight drain
	// finishes.
	worker := outbox.NewWorker(store, outbox.NewTelegramSender(api), cfg.Service.DeliveryInterval, logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Registration dialogue
	authService := auth.NewService(store, cfg.Server.JWTSecret, cfg.Service.FreePeriodDays)
	bot := regbot.New(api, store, authService, cfg.Service.SessionTTL, cfg.Server.BaseURL, logger)

	logger.Info("Notifier started", zap.String("bot", api.Self.UserName))
	if err := bot.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}

	wg.Wait()
	logger.Info("Notifier stopped")
}
