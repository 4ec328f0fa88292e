package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
)

// handleOAuthRedirect sends the owner to the platform's authorization
// page. The bot id rides in the state parameter.
func (r *Router) handleOAuthRedirect(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)
	botID, err := strconv.ParseInt(req.URL.Query().Get("bot_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}
	if _, err := r.storage.GetBot(req.Context(), botID, user.ID); err != nil {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	r.logger.Info("Redirecting to authorization",
		zap.Int64("bot_id", botID),
		zap.Int64("user_id", user.ID))
	http.Redirect(w, req, r.platform.AuthorizeURL(botID), http.StatusFound)
}

// handleOAuthCallback finishes the flow: code exchange, account
// reconciliation, credential upsert and webhook subscription all run in
// the token manager. A webhook-subscription failure is reported but the
// persisted credential stands.
func (r *Router) handleOAuthCallback(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)
	code := req.URL.Query().Get("code")
	state := req.URL.Query().Get("state")

	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}
	botID, err := strconv.ParseInt(state, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid state parameter")
		return
	}
	if _, err := r.storage.GetBot(req.Context(), botID, user.ID); err != nil {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	cred, err := r.tokens.CompleteAuthorization(req.Context(), botID, user.TelegramID, code)
	if err != nil && cred == nil {
		r.logger.Error("Authorization failed",
			zap.Error(err),
			zap.Int64("bot_id", botID))
		writeError(w, http.StatusBadGateway, "authorization with Avito failed")
		return
	}
	if err != nil {
		// Credential persisted, webhook subscription failed: the owner
		// can retry by re-authorizing.
		r.notify(req, user.TelegramID,
			fmt.Sprintf("Avito account connected to bot #%d, but the webhook subscription failed. Try re-authorizing.", botID))
	} else {
		r.notify(req, user.TelegramID, fmt.Sprintf("Avito account connected to bot #%d.", botID))
	}

	r.logger.Info("Bot authorized", zap.Int64("bot_id", botID))
	http.Redirect(w, req, fmt.Sprintf("/oauth/avito/select-items/%d", botID), http.StatusSeeOther)
}

// handleListItems lists the account's catalog so the owner can choose
// what the bot answers for.
func (r *Router) handleListItems(w http.ResponseWriter, req *http.Request) {
	bot, user, ok := r.ownedBot(w, req)
	if !ok {
		return
	}
	if !bot.IsAuthorized {
		writeError(w, http.StatusBadRequest, "Avito account is not connected")
		return
	}

	accessToken, err := r.tokens.EnsureValidToken(req.Context(), bot.ID)
	if err != nil {
		r.logger.Error("Failed to obtain access token",
			zap.Error(err),
			zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusBadGateway, "failed to reach Avito")
		return
	}
	items, err := r.platform.FetchItems(req.Context(), accessToken)
	if err != nil {
		r.logger.Error("Failed to fetch items",
			zap.Error(err),
			zap.Int64("bot_id", bot.ID))
		r.notify(req, user.TelegramID, fmt.Sprintf("Failed to fetch items for bot #%d.", bot.ID))
		writeError(w, http.StatusBadGateway, "failed to fetch items")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleSelectItems stores the bot's item selection: either everything
// on the account or an explicit id list.
func (r *Router) handleSelectItems(w http.ResponseWriter, req *http.Request) {
	bot, _, ok := r.ownedBot(w, req)
	if !ok {
		return
	}
	if !bot.IsAuthorized {
		writeError(w, http.StatusBadRequest, "Avito account is not connected")
		return
	}

	var body struct {
		All     bool     `json:"all"`
		ItemIDs []string `json:"item_ids"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !body.All && len(body.ItemIDs) == 0 {
		writeError(w, http.StatusBadRequest, "select at least one item")
		return
	}

	selection := &models.ItemSelection{All: body.All}
	if !body.All {
		selection.Items = body.ItemIDs
	}
	if err := r.storage.SetBotItems(req.Context(), bot.ID, selection); err != nil {
		r.logger.Error("Failed to save item selection",
			zap.Error(err),
			zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.logger.Info("Item selection saved",
		zap.Int64("bot_id", bot.ID),
		zap.Bool("all", body.All),
		zap.Int("items", len(body.ItemIDs)))
	writeJSON(w, http.StatusOK, selection)
}
