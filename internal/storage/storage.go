package storage

import (
	"context"
	"errors"
	"time"

	"github.com/astakh/prosto-bots/internal/models"
)

// ErrNotFound indicates the requested row does not exist or is not
// visible to the requesting owner.
var ErrNotFound = errors.New("not found")

// ErrInsufficientFunds indicates a conditional debit found the balance
// below the requested amount; the balance is left untouched.
var ErrInsufficientFunds = errors.New("insufficient funds")

// billingClaimTTL bounds how long a claimed billing period may stay
// uncompleted before another sweep may reclaim it. A claim whose
// process died mid-sweep becomes retryable after this window.
const billingClaimTTL = time.Hour

type Storage interface {
	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID string) (*models.User, error)
	ListUsersWithActiveBots(ctx context.Context) ([]*models.User, error)
	// DebitBalance decrements balance by amount only when the balance
	// covers it, as a single relative update.
	DebitBalance(ctx context.Context, userID int64, amount float64) error
	AddBalance(ctx context.Context, userID int64, amount float64) error

	// Bots
	CreateBot(ctx context.Context, bot *models.Bot) (int64, error)
	GetBot(ctx context.Context, botID, userID int64) (*models.Bot, error)
	GetBotByID(ctx context.Context, botID int64) (*models.Bot, error)
	ListBots(ctx context.Context, userID int64) ([]*models.Bot, error)
	ListActiveBots(ctx context.Context, userID int64) ([]*models.Bot, error)
	UpdateBotConfig(ctx context.Context, bot *models.Bot) error
	SetBotStatus(ctx context.Context, botID int64, status models.BotStatus) error
	SetBotAuthorized(ctx context.Context, botID int64, authorized bool) error
	SetBotItems(ctx context.Context, botID int64, items *models.ItemSelection) error
	DeleteBot(ctx context.Context, botID int64) error

	// Credentials
	UpsertCredential(ctx context.Context, cred *models.Credential) error
	GetCredential(ctx context.Context, botID int64) (*models.Credential, error)
	GetCredentialByAccount(ctx context.Context, avitoUserID int64) (*models.Credential, error)
	DeleteCredential(ctx context.Context, botID int64) error

	// Messages
	SaveMessage(ctx context.Context, msg *models.Message) error
	ListTurns(ctx context.Context, botID int64, isTest bool) ([]*models.Message, error)
	ListBotMessages(ctx context.Context, botID int64) ([]*models.Message, error)
	DeleteTestMessages(ctx context.Context, botID int64) error

	// Billing: TryStartBillingRun records the start of a sweep for the
	// given period and reports whether this caller won the period. A
	// period that was claimed but never completed becomes claimable
	// again once its claim goes stale. CompleteBillingRun seals the
	// period after a successful sweep.
	TryStartBillingRun(ctx context.Context, periodStart time.Time) (bool, error)
	CompleteBillingRun(ctx context.Context, periodStart time.Time) error

	Close() error

	OutboxStorage
	SessionStorage
}

// OutboxStorage is the append-only notification queue shared between
// producers and the delivery worker.
type OutboxStorage interface {
	EnqueueNotification(ctx context.Context, telegramID, text string) error
	ListPendingNotifications(ctx context.Context) ([]*models.Notification, error)
	MarkNotification(ctx context.Context, id int64, status models.NotificationStatus) error
}

// SessionStorage holds durable registration-dialogue state.
type SessionStorage interface {
	GetSession(ctx context.Context, telegramID string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, telegramID string) error
}
