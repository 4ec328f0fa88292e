package models

import "time"

type BotStatus string

const (
	BotStopped BotStatus = "stopped"
	BotActive  BotStatus = "active"
)

// User represents a registered operator account. Balance is debited by
// the billing sweep only and must never go negative.
type User struct {
	ID               int64     `json:"id"`
	TelegramID       string    `json:"telegram_id"`
	Username         string    `json:"username"`
	PasswordHash     string    `json:"-"`
	RegistrationDate time.Time `json:"registration_date"`
	TrialEndDate     time.Time `json:"trial_end_date"`
	Balance          float64   `json:"balance"`
}

// TrialActive reports whether the one-bot trial exemption still applies.
func (u *User) TrialActive(now time.Time) bool {
	return u.TrialEndDate.After(now)
}

// Parameter is a named piece of data the model must collect during a
// conversation.
type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Action is a named operation the model may request per reply.
type Action struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ItemSelection is the set of catalog items a bot answers for: either
// every item on the account or an explicit id list. A nil selection
// means the owner has not chosen yet, which blocks activation.
type ItemSelection struct {
	All   bool     `json:"all"`
	Items []string `json:"items,omitempty"`
}

func (s *ItemSelection) Matches(itemID string) bool {
	if s == nil {
		return false
	}
	if s.All {
		return true
	}
	for _, id := range s.Items {
		if id == itemID {
			return true
		}
	}
	return false
}

type Bot struct {
	ID           int64          `json:"id"`
	UserID       int64          `json:"user_id"`
	Prompt       string         `json:"prompt"`
	Status       BotStatus      `json:"status"`
	Items        *ItemSelection `json:"items"`
	IsAuthorized bool           `json:"is_authorized"`
	Parameters   []Parameter    `json:"parameters"`
	Actions      []Action       `json:"actions"`
}

// Credential is the OAuth token pair binding a bot to one Avito
// account. Exactly one bot may hold a given account at a time.
type Credential struct {
	BotID        int64     `json:"bot_id"`
	AvitoUserID  int64     `json:"avito_user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
}

func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Message is one conversation turn: the inbound text and the serialized
// structured response. BotID is nil for webhook payloads ingested
// before account reconciliation. Test turns never mix with live ones.
type Message struct {
	ID        int64     `json:"id"`
	BotID     *int64    `json:"bot_id"`
	Text      string    `json:"text"`
	Response  string    `json:"response"`
	Status    string    `json:"status"`
	IsTest    bool      `json:"is_test"`
	Timestamp time.Time `json:"timestamp"`
	AccountID int64     `json:"account_id"`
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is an outbox row addressed to a user's Telegram
// account. Producers only append; the delivery worker owns the status.
type Notification struct {
	ID         int64              `json:"id"`
	TelegramID string             `json:"telegram_id"`
	Text       string             `json:"text"`
	Status     NotificationStatus `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	SentAt     *time.Time         `json:"sent_at,omitempty"`
}

// Session is a durable registration-dialogue state row keyed by the
// Telegram identity, so an in-flight registration survives restarts.
type Session struct {
	TelegramID string    `json:"telegram_id"`
	Step       string    `json:"step"`
	Username   string    `json:"username"`
	ExpiresAt  time.Time `json:"expires_at"`
}

const (
	SessionStepUsername = "username"
	SessionStepPassword = "password"
)
