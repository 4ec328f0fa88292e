package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/auth"
	"github.com/astakh/prosto-bots/internal/avito"
	"github.com/astakh/prosto-bots/internal/billing"
	"github.com/astakh/prosto-bots/internal/dispatcher"
	"github.com/astakh/prosto-bots/internal/httpapi"
	"github.com/astakh/prosto-bots/internal/storage"
	"github.com/astakh/prosto-bots/internal/token"
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

	// Platform client and token lifecycle
	platform := avito.NewClient(avito.ClientConfig{
		AuthURL:      cfg.Avito.AuthURL,
		TokenURL:     cfg.Avito.TokenURL,
		APIURL:       cfg.Avito.APIURL,
		ClientID:     cfg.Avito.ClientID,
		ClientSecret: cfg.Avito.ClientSecret,
		RedirectURI:  cfg.Avito.RedirectURI,
		Scope:        cfg.Avito.Scope,
		WebhookBase:  cfg.Server.BaseURL,
		Timeout:      cfg.Avito.Timeout,
	}, logger)
	tokens := token.NewManager(store, platform, logger)

	// Conversation dispatcher
	llm := dispatcher.NewDeepSeekClient(cfg.DeepSeek.APIKey, cfg.DeepSeek.BaseURL)
	disp := dispatcher.New(store, llm, cfg.DeepSeek.Model, cfg.DeepSeek.Temperature, cfg.DeepSeek.Timeout, logger)

	// Auth and HTTP API
	authService := auth.NewService(store, cfg.Server.JWTSecret, cfg.Service.FreePeriodDays)
	handler := httpapi.NewRouter(store, authService, tokens, disp, platform, httpapi.Config{
		CookieName: cfg.Server.CookieName,
		DailyCost:  cfg.Service.BotDailyCost,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Billing scheduler runs in-process at a fixed cadence; request
	// handlers never trigger a sweep. The wait group keeps the process
	// alive until an in-flight sweep finishes.
	scheduler := billing.NewScheduler(store, cfg.Service.BotDailyCost, cfg.Service.BillingPeriod, logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	server := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Server listening", zap.String("addr", cfg.Server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server error", zap.Error(err))
	}

	wg.Wait()
	logger.Info("Server stopped")
}
