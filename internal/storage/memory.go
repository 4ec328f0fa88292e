package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/astakh/prosto-bots/internal/models"
)

// MemoryStorage is an in-process Storage used for tests and local runs
// without a database.
type MemoryStorage struct {
	mu            sync.RWMutex
	users         map[int64]*models.User
	bots          map[int64]*models.Bot
	credentials   map[int64]*models.Credential // keyed by bot id
	messages      []*models.Message
	notifications []*models.Notification
	sessions      map[string]*models.Session
	billingRuns   map[time.Time]*billingRun
	nextUserID    int64
	nextBotID     int64
	nextMsgID     int64
	nextNotifID   int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:       make(map[int64]*models.User),
		bots:        make(map[int64]*models.Bot),
		credentials: make(map[int64]*models.Credential),
		sessions:    make(map[string]*models.Session),
		billingRuns: make(map[time.Time]*billingRun),
	}
}

type billingRun struct {
	startedAt   time.Time
	completedAt *time.Time
}

// Users

func (s *MemoryStorage) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUserID++
	user.ID = s.nextUserID
	copied := *user
	s.users[user.ID] = &copied
	return nil
}

func (s *MemoryStorage) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if user, exists := s.users[id]; exists {
		copied := *user
		return &copied, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Username == username {
			copied := *user
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetUserByTelegramID(ctx context.Context, telegramID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.TelegramID == telegramID {
			copied := *user
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) ListUsersWithActiveBots(ctx context.Context) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]bool)
	var users []*models.User
	for _, bot := range s.bots {
		if bot.Status != models.BotActive || seen[bot.UserID] {
			continue
		}
		if user, exists := s.users[bot.UserID]; exists {
			seen[bot.UserID] = true
			copied := *user
			users = append(users, &copied)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStorage) DebitBalance(ctx context.Context, userID int64, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return ErrNotFound
	}
	if user.Balance < amount {
		return ErrInsufficientFunds
	}
	user.Balance -= amount
	return nil
}

func (s *MemoryStorage) AddBalance(ctx context.Context, userID int64, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return ErrNotFound
	}
	user.Balance += amount
	return nil
}

// Bots

func (s *MemoryStorage) CreateBot(ctx context.Context, bot *models.Bot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextBotID++
	bot.ID = s.nextBotID
	copied := *bot
	s.bots[bot.ID] = &copied
	return bot.ID, nil
}

func (s *MemoryStorage) GetBot(ctx context.Context, botID, userID int64) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bot, exists := s.bots[botID]
	if !exists || bot.UserID != userID {
		return nil, ErrNotFound
	}
	copied := *bot
	return &copied, nil
}

func (s *MemoryStorage) GetBotByID(ctx context.Context, botID int64) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bot, exists := s.bots[botID]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *bot
	return &copied, nil
}

func (s *MemoryStorage) listBots(userID int64, activeOnly bool) []*models.Bot {
	var bots []*models.Bot
	for _, bot := range s.bots {
		if bot.UserID != userID {
			continue
		}
		if activeOnly && bot.Status != models.BotActive {
			continue
		}
		copied := *bot
		bots = append(bots, &copied)
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	return bots
}

func (s *MemoryStorage) ListBots(ctx context.Context, userID int64) ([]*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listBots(userID, false), nil
}

func (s *MemoryStorage) ListActiveBots(ctx context.Context, userID int64) ([]*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listBots(userID, true), nil
}

func (s *MemoryStorage) UpdateBotConfig(ctx context.Context, bot *models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.bots[bot.ID]
	if !exists {
		return ErrNotFound
	}
	existing.Prompt = bot.Prompt
	existing.Parameters = bot.Parameters
	existing.Actions = bot.Actions
	return nil
}

func (s *MemoryStorage) SetBotStatus(ctx context.Context, botID int64, status models.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, exists := s.bots[botID]
	if !exists {
		return ErrNotFound
	}
	bot.Status = status
	return nil
}

func (s *MemoryStorage) SetBotAuthorized(ctx context.Context, botID int64, authorized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, exists := s.bots[botID]
	if !exists {
		return ErrNotFound
	}
	bot.IsAuthorized = authorized
	return nil
}

func (s *MemoryStorage) SetBotItems(ctx context.Context, botID int64, items *models.ItemSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, exists := s.bots[botID]
	if !exists {
		return ErrNotFound
	}
	bot.Items = items
	return nil
}

func (s *MemoryStorage) DeleteBot(ctx context.Context, botID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bots[botID]; !exists {
		return ErrNotFound
	}
	delete(s.bots, botID)
	delete(s.credentials, botID)

	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.BotID != nil && *msg.BotID == botID {
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	return nil
}

// Credentials

func (s *MemoryStorage) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Same uniqueness as the tokens table: one bot per external account.
	for _, existing := range s.credentials {
		if existing.AvitoUserID == cred.AvitoUserID && existing.BotID != cred.BotID {
			return fmt.Errorf("error upserting credential: account %d already bound to bot %d",
				cred.AvitoUserID, existing.BotID)
		}
	}
	copied := *cred
	s.credentials[cred.BotID] = &copied
	return nil
}

func (s *MemoryStorage) GetCredential(ctx context.Context, botID int64) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, exists := s.credentials[botID]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *cred
	return &copied, nil
}

func (s *MemoryStorage) GetCredentialByAccount(ctx context.Context, avitoUserID int64) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cred := range s.credentials {
		if cred.AvitoUserID == avitoUserID {
			copied := *cred
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) DeleteCredential(ctx context.Context, botID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, botID)
	return nil
}

// Messages

func (s *MemoryStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsgID++
	msg.ID = s.nextMsgID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	copied := *msg
	s.messages = append(s.messages, &copied)
	return nil
}

func (s *MemoryStorage) ListTurns(ctx context.Context, botID int64, isTest bool) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []*models.Message
	for _, msg := range s.messages {
		if msg.BotID == nil || *msg.BotID != botID || msg.IsTest != isTest {
			continue
		}
		copied := *msg
		msgs = append(msgs, &copied)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

func (s *MemoryStorage) ListBotMessages(ctx context.Context, botID int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []*models.Message
	for _, msg := range s.messages {
		if msg.BotID == nil || *msg.BotID != botID {
			continue
		}
		copied := *msg
		msgs = append(msgs, &copied)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.After(msgs[j].Timestamp) })
	return msgs, nil
}

func (s *MemoryStorage) DeleteTestMessages(ctx context.Context, botID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.BotID != nil && *msg.BotID == botID && msg.IsTest {
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	return nil
}

// Notifications

func (s *MemoryStorage) EnqueueNotification(ctx context.Context, telegramID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextNotifID++
	s.notifications = append(s.notifications, &models.Notification{
		ID:         s.nextNotifID,
		TelegramID: telegramID,
		Text:       text,
		Status:     models.NotificationPending,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (s *MemoryStorage) ListPendingNotifications(ctx context.Context) ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*models.Notification
	for _, n := range s.notifications {
		if n.Status == models.NotificationPending {
			copied := *n
			pending = append(pending, &copied)
		}
	}
	return pending, nil
}

func (s *MemoryStorage) MarkNotification(ctx context.Context, id int64, status models.NotificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID == id {
			now := time.Now()
			n.Status = status
			n.SentAt = &now
			return nil
		}
	}
	return ErrNotFound
}

// Sessions

func (s *MemoryStorage) GetSession(ctx context.Context, telegramID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[telegramID]
	if !exists || !session.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStorage) SaveSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.sessions[session.TelegramID] = &copied
	return nil
}

func (s *MemoryStorage) DeleteSession(ctx context.Context, telegramID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, telegramID)
	return nil
}

// Billing

func (s *MemoryStorage) TryStartBillingRun(ctx context.Context, periodStart time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := periodStart.UTC().Truncate(time.Second)
	if run, exists := s.billingRuns[key]; exists {
		if run.completedAt != nil || time.Since(run.startedAt) < billingClaimTTL {
			return false, nil
		}
	}
	s.billingRuns[key] = &billingRun{startedAt: time.Now()}
	return true, nil
}

func (s *MemoryStorage) CompleteBillingRun(ctx context.Context, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.billingRuns[periodStart.UTC().Truncate(time.Second)]
	if !exists {
		return ErrNotFound
	}
	now := time.Now()
	run.completedAt = &now
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
