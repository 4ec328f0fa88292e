package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/auth"
)

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body struct {
		TelegramID string `json:"telegram_id"`
		Username   string `json:"username"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := r.auth.Register(req.Context(), body.TelegramID, body.Username, body.Password)
	if errors.Is(err, auth.ErrUsernameTaken) || errors.Is(err, auth.ErrTelegramTaken) || errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		r.logger.Error("Registration failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	r.logger.Info("User registered", zap.Int64("user_id", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := r.auth.Login(req.Context(), body.Username, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     r.cookieName,
		Value:    "Bearer " + token,
		Path:     "/",
		HttpOnly: true,
	})
	r.logger.Info("Login successful", zap.String("username", body.Username))
	writeJSON(w, http.StatusOK, map[string]string{"token_type": "bearer"})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     r.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
