package avito

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TokenResponse is the token endpoint reply for both the authorization
// code exchange and the refresh grant. RefreshToken may be empty: the
// platform is allowed to omit it on refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	UserID       int64  `json:"user_id"`
}

// Item is one catalog listing on the connected account.
type Item struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Client talks to the Avito OAuth and messenger APIs. Every call is
// bounded by the configured timeout.
type Client struct {
	httpClient   *http.Client
	authURL      string
	tokenURL     string
	apiURL       string
	clientID     string
	clientSecret string
	redirectURI  string
	scope        string
	webhookBase  string
	logger       *zap.Logger
}

type ClientConfig struct {
	AuthURL      string
	TokenURL     string
	APIURL       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	WebhookBase  string
	Timeout      time.Duration
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		authURL:      cfg.AuthURL,
		tokenURL:     cfg.TokenURL,
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		scope:        cfg.Scope,
		webhookBase:  strings.TrimRight(cfg.WebhookBase, "/"),
		logger:       logger,
	}
}

// AuthorizeURL builds the user-facing authorization redirect. The bot
// id travels in the state parameter and comes back on the callback.
func (c *Client) AuthorizeURL(botID int64) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("response_type", "code")
	q.Set("state", fmt.Sprintf("%d", botID))
	q.Set("scope", c.scope)
	return c.authURL + "?" + q.Encode()
}

func (c *Client) token(ctx context.Context, form url.Values) (*TokenResponse, error) {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Token endpoint returned an error",
			zap.Int("status", resp.StatusCode),
			zap.String("grant_type", form.Get("grant_type")))
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" || token.ExpiresIn == 0 {
		return nil, fmt.Errorf("token endpoint returned an incomplete grant")
	}
	return &token, nil
}

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	return c.token(ctx, form)
}

// Refresh obtains a new access token for the stored refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.token(ctx, form)
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("avito api %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// SubscribeWebhook points the account's messenger events at this
// service. Called after every fresh authorization.
func (c *Client) SubscribeWebhook(ctx context.Context, accessToken string, accountID int64) error {
	hookURL := fmt.Sprintf("%s/avito/webhook/%d", c.webhookBase, accountID)
	payload := map[string]string{"url": hookURL}
	if err := c.do(ctx, http.MethodPost, "/messenger/v3/webhook", accessToken, payload, nil); err != nil {
		return err
	}
	c.logger.Info("Webhook subscribed",
		zap.Int64("account_id", accountID),
		zap.String("url", hookURL))
	return nil
}

// UnsubscribeWebhook detaches messenger events from this service,
// used when the bot holding the account is deleted.
func (c *Client) UnsubscribeWebhook(ctx context.Context, accessToken string, accountID int64) error {
	hookURL := fmt.Sprintf("%s/avito/webhook/%d", c.webhookBase, accountID)
	payload := map[string]string{"url": hookURL}
	if err := c.do(ctx, http.MethodPost, "/messenger/v1/webhook/unsubscribe", accessToken, payload, nil); err != nil {
		return err
	}
	c.logger.Info("Webhook unsubscribed",
		zap.Int64("account_id", accountID),
		zap.String("url", hookURL))
	return nil
}

// FetchItems lists the account's catalog items.
func (c *Client) FetchItems(ctx context.Context, accessToken string) ([]Item, error) {
	var result struct {
		Items []Item `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/core/v1/items", accessToken, nil, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// SendMessage posts a chat reply on behalf of the connected account.
func (c *Client) SendMessage(ctx context.Context, accessToken string, accountID int64, chatID, text string) error {
	path := fmt.Sprintf("/messenger/v1/accounts/%d/chats/%s/messages", accountID, chatID)
	payload := map[string]any{
		"message": map[string]string{"text": text},
		"type":    "text",
	}
	return c.do(ctx, http.MethodPost, path, accessToken, payload, nil)
}
