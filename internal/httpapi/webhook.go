package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

// WebhookPayload is one messenger event from the platform.
type WebhookPayload struct {
	AuthorID int64          `json:"author_id"`
	ChatID   string         `json:"chat_id"`
	ChatType string         `json:"chat_type"`
	Content  WebhookContent `json:"content"`
	Created  int64          `json:"created"`
	ID       string         `json:"id"`
	ItemID   *int64         `json:"item_id"`
	Read     *int64         `json:"read"`
	Type     string         `json:"type"`
	UserID   int64          `json:"user_id"`
}

type WebhookContent struct {
	Text string `json:"text"`
}

// handleWebhook acknowledges the event immediately and processes it in
// the background. Once the payload is structurally valid, processing
// failures never turn into a non-200 response.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(req, "accountID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var payload WebhookPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.ChatID == "" || payload.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	go r.processWebhook(accountID, payload)

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) processWebhook(accountID int64, payload WebhookPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// The ack and the processing live on opposite sides of a goroutine,
	// so every log line of one ingestion shares a trace id.
	logger := r.logger.With(
		zap.String("trace_id", uuid.New().String()),
		zap.Int64("account_id", accountID),
		zap.String("message_id", payload.ID))

	if err := r.ingestWebhook(ctx, accountID, payload, logger); err != nil {
		logger.Error("Webhook processing failed", zap.Error(err))
	}
}

func (r *Router) ingestWebhook(ctx context.Context, accountID int64, payload WebhookPayload, logger *zap.Logger) error {
	// Persist the raw event first: bot_id stays NULL until the account
	// is reconciled to a bot.
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	inbound := &models.Message{
		Text:      payload.Content.Text,
		Response:  string(raw),
		Status:    "received",
		Timestamp: time.Now(),
		AccountID: accountID,
	}
	if err := r.storage.SaveMessage(ctx, inbound); err != nil {
		return err
	}

	// Echoes of the account's own outbound messages come back through
	// the webhook too; only counterparty text is dispatched.
	if payload.Type != "message" || payload.AuthorID == accountID || payload.Content.Text == "" {
		return nil
	}

	cred, err := r.storage.GetCredentialByAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Webhook for an unbound account")
		return nil
	}
	if err != nil {
		return err
	}

	bot, err := r.storage.GetBotByID(ctx, cred.BotID)
	if err != nil {
		return err
	}
	if bot.Status != models.BotActive {
		logger.Info("Dropping message for inactive bot",
			zap.Int64("bot_id", bot.ID))
		return nil
	}
	if payload.ItemID != nil && !bot.Items.Matches(strconv.FormatInt(*payload.ItemID, 10)) {
		logger.Info("Dropping message outside the bot's item selection",
			zap.Int64("bot_id", bot.ID),
			zap.Int64("item_id", *payload.ItemID))
		return nil
	}

	response, err := r.dispatcher.HandleMessage(ctx, bot.ID, bot.UserID, payload.Content.Text, false)
	if err != nil {
		return err
	}

	accessToken, err := r.tokens.EnsureValidToken(ctx, bot.ID)
	if err != nil {
		return err
	}
	if err := r.platform.SendMessage(ctx, accessToken, accountID, payload.ChatID, response.Response); err != nil {
		return err
	}

	logger.Info("Webhook message dispatched",
		zap.Int64("bot_id", bot.ID),
		zap.String("chat_id", payload.ChatID))
	return nil
}
