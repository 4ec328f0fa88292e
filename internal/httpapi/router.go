package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/auth"
	"github.com/astakh/prosto-bots/internal/avito"
	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

// Dispatcher runs one conversation turn.
type Dispatcher interface {
	HandleMessage(ctx context.Context, botID, userID int64, text string, isTest bool) (models.StructuredResponse, error)
}

// TokenManager keeps bot credentials valid.
type TokenManager interface {
	EnsureValidToken(ctx context.Context, botID int64) (string, error)
	CompleteAuthorization(ctx context.Context, botID int64, ownerTelegramID, code string) (*models.Credential, error)
}

// Platform is the slice of the Avito client the handlers use.
type Platform interface {
	AuthorizeURL(botID int64) string
	FetchItems(ctx context.Context, accessToken string) ([]avito.Item, error)
	SendMessage(ctx context.Context, accessToken string, accountID int64, chatID, text string) error
	UnsubscribeWebhook(ctx context.Context, accessToken string, accountID int64) error
}

type Router struct {
	storage    storage.Storage
	auth       *auth.Service
	tokens     TokenManager
	dispatcher Dispatcher
	platform   Platform
	logger     *zap.Logger
	cookieName string
	dailyCost  float64
}

type Config struct {
	CookieName string
	DailyCost  float64
}

func NewRouter(store storage.Storage, authService *auth.Service, tokens TokenManager, dispatcher Dispatcher, platform Platform, cfg Config, logger *zap.Logger) http.Handler {
	r := &Router{
		storage:    store,
		auth:       authService,
		tokens:     tokens,
		dispatcher: dispatcher,
		platform:   platform,
		logger:     logger,
		cookieName: cfg.CookieName,
		dailyCost:  cfg.DailyCost,
	}

	mux := chi.NewRouter()

	mux.Get("/health", r.handleHealth)
	mux.Post("/auth/register", r.handleRegister)
	mux.Post("/auth/login", r.handleLogin)
	mux.Get("/auth/logout", r.handleLogout)
	mux.Post("/avito/webhook/{accountID}", r.handleWebhook)

	mux.Group(func(pr chi.Router) {
		pr.Use(r.authMiddleware)
		pr.Get("/bots", r.handleListBots)
		pr.Post("/bots/create", r.handleCreateBot)
		pr.Post("/bots/{botID}/update", r.handleUpdateBot)
		pr.Post("/bots/{botID}/activate", r.handleActivateBot)
		pr.Post("/bots/{botID}/stop", r.handleStopBot)
		pr.Post("/bots/{botID}/delete", r.handleDeleteBot)
		pr.Get("/bots/{botID}/logs", r.handleBotLogs)
		pr.Post("/balance/top-up", r.handleTopUp)
		pr.Get("/oauth/avito", r.handleOAuthRedirect)
		pr.Get("/oauth/avito/callback", r.handleOAuthCallback)
		pr.Get("/oauth/avito/select-items/{botID}", r.handleListItems)
		pr.Post("/oauth/avito/select-items/{botID}", r.handleSelectItems)
		pr.Get("/test/{botID}", r.handleTestHistory)
		pr.Post("/test/{botID}/send", r.handleTestSend)
		pr.Post("/test/{botID}/reset", r.handleTestReset)
	})

	return mux
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type contextKey string

const userContextKey contextKey = "user"

// authMiddleware resolves the session cookie to a user. The cookie
// carries a bearer-prefixed JWT.
func (r *Router) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		cookie, err := req.Cookie(r.cookieName)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(cookie.Value, "Bearer"))
		user, err := r.auth.UserFromToken(req.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		ctx := context.WithValue(req.Context(), userContextKey, user)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func currentUser(req *http.Request) *models.User {
	user, _ := req.Context().Value(userContextKey).(*models.User)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
