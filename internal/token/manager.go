package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/avito"
	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

// ErrCredentialMissing indicates the bot has never completed the OAuth
// flow; the owner must authorize before outbound platform calls work.
var ErrCredentialMissing = errors.New("credential missing")

// ErrUpstreamAuth indicates the token endpoint rejected an exchange or
// refresh. Not retried automatically: the caller decides whether to
// prompt reauthorization.
var ErrUpstreamAuth = errors.New("upstream authorization failed")

// Platform is the slice of the Avito client the manager needs.
type Platform interface {
	ExchangeCode(ctx context.Context, code string) (*avito.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*avito.TokenResponse, error)
	SubscribeWebhook(ctx context.Context, accessToken string, accountID int64) error
}

// Manager keeps one non-expired access token per bot.
type Manager struct {
	storage  storage.Storage
	platform Platform
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(store storage.Storage, platform Platform, logger *zap.Logger) *Manager {
	return &Manager{
		storage:  store,
		platform: platform,
		logger:   logger,
		now:      time.Now,
	}
}

// EnsureValidToken returns a non-expired access token for the bot,
// refreshing and persisting it first when the stored one has lapsed.
// A still-valid token is returned without any network call. Concurrent
// refreshes for one bot are tolerated: last writer wins.
func (m *Manager) EnsureValidToken(ctx context.Context, botID int64) (string, error) {
	cred, err := m.storage.GetCredential(ctx, botID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("bot %d: %w", botID, ErrCredentialMissing)
	}
	if err != nil {
		return "", err
	}

	if !cred.Expired(m.now()) {
		return cred.AccessToken, nil
	}

	refreshed, err := m.platform.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		m.logger.Error("Token refresh failed",
			zap.Error(err),
			zap.Int64("bot_id", botID))
		return "", fmt.Errorf("refreshing token for bot %d: %w", botID, ErrUpstreamAuth)
	}

	cred.AccessToken = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		// The platform may omit the refresh token; keep the old one.
		cred.RefreshToken = refreshed.RefreshToken
	}
	cred.ExpiresAt = m.now().Add(time.Duration(refreshed.ExpiresIn) * time.Second)
	if refreshed.Scope != "" {
		cred.Scope = refreshed.Scope
	}

	if err := m.storage.UpsertCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("persisting refreshed token for bot %d: %v", botID, err)
	}

	m.logger.Info("Access token refreshed",
		zap.Int64("bot_id", botID),
		zap.Time("expires_at", cred.ExpiresAt))
	return cred.AccessToken, nil
}

// CompleteAuthorization exchanges an authorization code, reconciles
// account ownership, persists the credential, marks the bot authorized
// and finally subscribes the webhook. The credential is persisted
// before the subscription call, so a subscription failure surfaces
// alongside the already-written credential rather than rolling it back.
func (m *Manager) CompleteAuthorization(ctx context.Context, botID int64, ownerTelegramID, code string) (*models.Credential, error) {
	grant, err := m.platform.ExchangeCode(ctx, code)
	if err != nil {
		m.logger.Error("Authorization code exchange failed",
			zap.Error(err),
			zap.Int64("bot_id", botID))
		return nil, fmt.Errorf("exchanging code for bot %d: %w", botID, ErrUpstreamAuth)
	}

	// One bot per external account: stop and unbind the previous holder.
	if previous, err := m.storage.GetCredentialByAccount(ctx, grant.UserID); err == nil && previous.BotID != botID {
		if err := m.storage.SetBotStatus(ctx, previous.BotID, models.BotStopped); err != nil {
			m.logger.Error("Failed to stop previous account holder",
				zap.Error(err),
				zap.Int64("bot_id", previous.BotID))
		}
		if err := m.storage.DeleteCredential(ctx, previous.BotID); err != nil {
			return nil, fmt.Errorf("unbinding bot %d: %v", previous.BotID, err)
		}
		if err := m.storage.EnqueueNotification(ctx, ownerTelegramID,
			fmt.Sprintf("Avito account switched to bot #%d. Previous bot #%d stopped.", botID, previous.BotID)); err != nil {
			m.logger.Error("Failed to enqueue switch notification", zap.Error(err))
		}
		m.logger.Info("Account rebound to another bot",
			zap.Int64("account_id", grant.UserID),
			zap.Int64("previous_bot_id", previous.BotID),
			zap.Int64("bot_id", botID))
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	cred := &models.Credential{
		BotID:        botID,
		AvitoUserID:  grant.UserID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(grant.ExpiresIn) * time.Second),
		Scope:        grant.Scope,
	}
	if err := m.storage.UpsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("persisting credential for bot %d: %v", botID, err)
	}
	if err := m.storage.SetBotAuthorized(ctx, botID, true); err != nil {
		return nil, err
	}

	if err := m.platform.SubscribeWebhook(ctx, cred.AccessToken, cred.AvitoUserID); err != nil {
		m.logger.Error("Webhook subscription failed after authorization",
			zap.Error(err),
			zap.Int64("bot_id", botID),
			zap.Int64("account_id", cred.AvitoUserID))
		return cred, fmt.Errorf("subscribing webhook for bot %d: %w", botID, err)
	}

	m.logger.Info("Authorization completed",
		zap.Int64("bot_id", botID),
		zap.Int64("account_id", cred.AvitoUserID))
	return cred, nil
}
