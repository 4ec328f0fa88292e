package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
)

// Sandbox test mode: the owner talks to their bot without touching the
// live conversation history. Test turns live in their own partition.

func (r *Router) handleTestHistory(w http.ResponseWriter, req *http.Request) {
	bot, _, ok := r.ownedBot(w, req)
	if !ok {
		return
	}

	turns, err := r.storage.ListTurns(req.Context(), bot.ID, true)
	if err != nil {
		r.logger.Error("Failed to load test history",
			zap.Error(err),
			zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if turns == nil {
		turns = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, turns)
}

func (r *Router) handleTestSend(w http.ResponseWriter, req *http.Request) {
	bot, user, ok := r.ownedBot(w, req)
	if !ok {
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	response, err := r.dispatcher.HandleMessage(req.Context(), bot.ID, user.ID, body.Message, true)
	if err != nil {
		r.logger.Error("Test dispatch failed",
			zap.Error(err),
			zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (r *Router) handleTestReset(w http.ResponseWriter, req *http.Request) {
	bot, user, ok := r.ownedBot(w, req)
	if !ok {
		return
	}

	if err := r.storage.DeleteTestMessages(req.Context(), bot.ID); err != nil {
		r.logger.Error("Failed to reset test history",
			zap.Error(err),
			zap.Int64("bot_id", bot.ID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.notify(req, user.TelegramID, fmt.Sprintf("Test dialogue for bot #%d reset.", bot.ID))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
