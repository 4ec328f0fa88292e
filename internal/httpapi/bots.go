package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

var fieldLinePattern = regexp.MustCompile(`^\[([^\]]+)\]\s+\[(.+)\]$`)

// parseFieldList parses the "[name] [description]" line format used
// for both parameter and action definitions. A malformed line rejects
// the whole request before anything is persisted.
func parseFieldList(text, fieldName string) ([][2]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var result [][2]string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		match := fieldLinePattern.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			return nil, fmt.Errorf("invalid line format in %s: %s", fieldName, line)
		}
		result = append(result, [2]string{match[1], match[2]})
	}
	return result, nil
}

func parseParameters(text string) ([]models.Parameter, error) {
	pairs, err := parseFieldList(text, "parameters")
	if err != nil {
		return nil, err
	}
	parameters := make([]models.Parameter, 0, len(pairs))
	for _, pair := range pairs {
		parameters = append(parameters, models.Parameter{Name: pair[0], Description: pair[1]})
	}
	return parameters, nil
}

func parseActions(text string) ([]models.Action, error) {
	pairs, err := parseFieldList(text, "actions")
	if err != nil {
		return nil, err
	}
	actions := make([]models.Action, 0, len(pairs))
	for _, pair := range pairs {
		actions = append(actions, models.Action{Name: pair[0], Description: pair[1]})
	}
	return actions, nil
}

func (r *Router) botParam(req *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(req, "botID"), 10, 64)
}

// ownedBot loads the bot scoped to the requesting user; the sandbox
// path and the live path are owner-checked identically.
func (r *Router) ownedBot(w http.ResponseWriter, req *http.Request) (*models.Bot, *models.User, bool) {
	user := currentUser(req)
	botID, err := r.botParam(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return nil, nil, false
	}
	bot, err := r.storage.GetBot(req.Context(), botID, user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "bot not found")
		return nil, nil, false
	}
	if err != nil {
		r.logger.Error("Failed to load bot", zap.Error(err), zap.Int64("bot_id", botID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, nil, false
	}
	return bot, user, true
}

type botRequest struct {
	Prompt     string `json:"prompt"`
	Parameters string `json:"parameters"`
	Actions    string `json:"actions"`
}

func (r *Router) handleCreateBot(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	var body botRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	parameters, err := parseParameters(body.Parameters)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actions, err := parseActions(body.Actions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The first bot is free to create; beyond that the user needs an
	// active trial or a balance covering one day of usage.
	existing, err := r.storage.ListBots(req.Context(), user.ID)
	if err != nil {
		r.logger.Error("Failed to list bots", zap.Error(err), zap.Int64("user_id", user.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(existing) >= 1 && !user.TrialActive(time.Now()) && user.Balance < r.dailyCost {
		r.notify(req, user.TelegramID, "Insufficient funds to create a bot. Top up your balance.")
		writeError(w, http.StatusBadRequest, "insufficient funds")
		return
	}

	bot := &models.Bot{
		UserID:     user.ID,
		Prompt:     body.Prompt,
		Status:     models.BotStopped,
		Parameters: parameters,
		Actions:    actions,
	}
	botID, err := r.storage.CreateBot(req.Context(), bot)
	if err != nil {
		r.logger.Error("Failed to create bot", zap.Error(err), zap.Int64("user_id", user.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.notify(req, user.TelegramID, fmt.Sprintf("Bot #%d created!", botID))
	r.logger.Info("Bot created", zap.Int64("bot_id", botID), zap.Int64("user_id", user.ID))
	writeJSON(w, http.StatusCreated, bot)
}

func (r *Router) handleListBots(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)
	bots, err := r.storage.ListBots(req.Context(), user.ID)
	if err != nil {
		r.logger.Error("Failed to list bots", zap.Error(err), zap.Int64("user_id", user.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if bots == nil {
		bots = []*models.Bot{}
	}
	writeJSON(w, http.StatusOK, bots)
}

func (r *Router) handleUpdateBot(w http.ResponseWriter, req *http.Request) {
	bot, user, ok := r.ownedBot(w, req)
	if !ok {
		return
	}

	var body botRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	parameters, err := parseParameters(body.Parameters)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actions, err := parseActions(body.Actions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bot.Prompt = body.Prompt
	bot.Parameters = parameters
	bot.Actions = actions
	if err := r.storage.UpdateBotConfig(req.Context(), bot); err != nil {
		r.logger.Error("Failed to update bot", zap.Error(err), zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.logger.Info("Bot updated", zap.Int64("bot_id", bot.ID), zap.Int64("user_id", user.ID))
	writeJSON(w, http.StatusOK, bot)
}

// handleActivateBot enforces the activation invariant: a bot may only
// become active when it is authorized and has an item selection, and
// its owner can afford it or is on trial.
func (r *Router) handleActivateBot(w http.ResponseWriter, req *http.Request) {
	bot, user, ok := r.ownedBot(w, req)
	if !ok {
		return
	}

	if !bot.IsAuthorized {
		r.notify(req, user.TelegramID, fmt.Sprintf("Bot #%d cannot be activated: connect an Avito account.", bot.ID))
		writeError(w, http.StatusBadRequest, "connect an Avito account")
		return
	}
	if bot.Items == nil {
		r.notify(req, user.TelegramID, fmt.Sprintf("Bot #%d cannot be activated: select items.", bot.ID))
		writeError(w, http.StatusBadRequest, "select items")
		return
	}
	if !user.TrialActive(time.Now()) && user.Balance < r.dailyCost {
		r.notify(req, user.TelegramID, fmt.Sprintf("Insufficient funds to activate bot #%d. Top up your balance.", bot.ID))
		writeError(w, http.StatusBadRequest, "insufficient funds")
		return
	}

	if err := r.storage.SetBotStatus(req.Context(), bot.ID, models.BotActive); err != nil {
		r.logger.Error("Failed to activate bot", zap.Error(err), zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.notify(req, user.TelegramID, fmt.Sprintf("Bot #%d activated!", bot.ID))
	r.logger.Info("Bot activated", zap.Int64("bot_id", bot.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.BotActive)})
}

func (r *Router) handleStopBot(w http.ResponseWriter, req *http.Request) {
	bot, user, ok := r.ownedBot(w, req)
	if !ok {
		return
	}

	if err := r.storage.SetBotStatus(req.Context(), bot.ID, models.BotStopped); err != nil {
		r.logger.Error("Failed to stop bot", zap.Error(err), zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.notify(req, user.TelegramID, fmt.Sprintf("Bot #%d stopped.", bot.ID))
	r.logger.Info("Bot stopped", zap.Int64("bot_id", bot.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.BotStopped)})
}

func (r *Router) handleDeleteBot(w http.ResponseWriter, req *http.Request) {
	bot, user, ok := r.ownedBot(w, req)
	if !ok {
		return
	}

	// Best effort: detach the webhook before the credential cascades
	// away. A dangling subscription only costs dropped events for an
	// account nobody answers for anymore.
	if cred, err := r.storage.GetCredential(req.Context(), bot.ID); err == nil {
		if accessToken, err := r.tokens.EnsureValidToken(req.Context(), bot.ID); err == nil {
			if err := r.platform.UnsubscribeWebhook(req.Context(), accessToken, cred.AvitoUserID); err != nil {
				r.logger.Warn("Failed to unsubscribe webhook",
					zap.Error(err),
					zap.Int64("bot_id", bot.ID),
					zap.Int64("account_id", cred.AvitoUserID))
			}
		}
	}

	if err := r.storage.DeleteBot(req.Context(), bot.ID); err != nil {
		r.logger.Error("Failed to delete bot", zap.Error(err), zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.notify(req, user.TelegramID, fmt.Sprintf("Bot #%d deleted.", bot.ID))
	r.logger.Info("Bot deleted", zap.Int64("bot_id", bot.ID))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Router) handleBotLogs(w http.ResponseWriter, req *http.Request) {
	bot, _, ok := r.ownedBot(w, req)
	if !ok {
		return
	}

	messages, err := r.storage.ListBotMessages(req.Context(), bot.ID)
	if err != nil {
		r.logger.Error("Failed to load bot logs", zap.Error(err), zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (r *Router) handleTopUp(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	var body struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := r.storage.AddBalance(req.Context(), user.ID, body.Amount); err != nil {
		r.logger.Error("Failed to top up balance", zap.Error(err), zap.Int64("user_id", user.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// notify appends an outbox row, logging failures instead of failing
// the request.
func (r *Router) notify(req *http.Request, telegramID, text string) {
	if err := r.storage.EnqueueNotification(req.Context(), telegramID, text); err != nil {
		r.logger.Error("Failed to enqueue notification",
			zap.Error(err),
			zap.String("telegram_id", telegramID))
	}
}
