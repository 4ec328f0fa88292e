package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

// Users

func (s *PostgresStorage) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (telegram_id, username, password_hash, registration_date, trial_end_date, balance)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		user.TelegramID,
		user.Username,
		user.PasswordHash,
		user.RegistrationDate,
		user.TrialEndDate,
		user.Balance,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("error creating user: %v", err)
	}
	return nil
}

func (s *PostgresStorage) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	query := `
		SELECT id, telegram_id, username, password_hash, registration_date, trial_end_date, balance
		FROM users WHERE ` + where

	user := &models.User{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.TelegramID,
		&user.Username,
		&user.PasswordHash,
		&user.RegistrationDate,
		&user.TrialEndDate,
		&user.Balance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %v", err)
	}
	return user, nil
}

func (s *PostgresStorage) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, "id = $1", id)
}

func (s *PostgresStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, "username = $1", username)
}

func (s *PostgresStorage) GetUserByTelegramID(ctx context.Context, telegramID string) (*models.User, error) {
	return s.getUser(ctx, "telegram_id = $1", telegramID)
}

func (s *PostgresStorage) ListUsersWithActiveBots(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT DISTINCT u.id, u.telegram_id, u.username, u.password_hash, u.registration_date, u.trial_end_date, u.balance
		FROM users u
		JOIN bots b ON b.user_id = u.id
		WHERE b.status = 'active'
		ORDER BY u.id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying users with active bots: %v", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		err := rows.Scan(
			&user.ID,
			&user.TelegramID,
			&user.Username,
			&user.PasswordHash,
			&user.RegistrationDate,
			&user.TrialEndDate,
			&user.Balance,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning user: %v", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStorage) DebitBalance(ctx context.Context, userID int64, amount float64) error {
	// Relative, guarded update: never clamps, never overwrites.
	query := `
		UPDATE users
		SET balance = balance - $1
		WHERE id = $2 AND balance >= $1`

	result, err := s.db.ExecContext(ctx, query, amount, userID)
	if err != nil {
		return fmt.Errorf("error debiting balance: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if affected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (s *PostgresStorage) AddBalance(ctx context.Context, userID int64, amount float64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id = $2`, amount, userID)
	if err != nil {
		return fmt.Errorf("error adding balance: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Bots

func (s *PostgresStorage) CreateBot(ctx context.Context, bot *models.Bot) (int64, error) {
	parameters, err := json.Marshal(bot.Parameters)
	if err != nil {
		return 0, fmt.Errorf("error encoding parameters: %v", err)
	}
	actions, err := json.Marshal(bot.Actions)
	if err != nil {
		return 0, fmt.Errorf("error encoding actions: %v", err)
	}
	items, err := encodeItems(bot.Items)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO bots (user_id, prompt, status, items, is_authorized, parameters, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err = s.db.QueryRowContext(ctx, query,
		bot.UserID,
		bot.Prompt,
		bot.Status,
		items,
		bot.IsAuthorized,
		parameters,
		actions,
	).Scan(&bot.ID)
	if err != nil {
		return 0, fmt.Errorf("error creating bot: %v", err)
	}
	return bot.ID, nil
}

func encodeItems(items *models.ItemSelection) (any, error) {
	if items == nil {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("error encoding items: %v", err)
	}
	return data, nil
}

func scanBot(row interface{ Scan(...any) error }) (*models.Bot, error) {
	bot := &models.Bot{}
	var items []byte
	var parameters, actions []byte
	err := row.Scan(
		&bot.ID,
		&bot.UserID,
		&bot.Prompt,
		&bot.Status,
		&items,
		&bot.IsAuthorized,
		&parameters,
		&actions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning bot: %v", err)
	}
	if items != nil {
		bot.Items = &models.ItemSelection{}
		if err := json.Unmarshal(items, bot.Items); err != nil {
			return nil, fmt.Errorf("error decoding items: %v", err)
		}
	}
	if err := json.Unmarshal(parameters, &bot.Parameters); err != nil {
		return nil, fmt.Errorf("error decoding parameters: %v", err)
	}
	if err := json.Unmarshal(actions, &bot.Actions); err != nil {
		return nil, fmt.Errorf("error decoding actions: %v", err)
	}
	return bot, nil
}

const botColumns = "id, user_id, prompt, status, items, is_authorized, parameters, actions"

func (s *PostgresStorage) GetBot(ctx context.Context, botID, userID int64) (*models.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = $1 AND user_id = $2`
	return scanBot(s.db.QueryRowContext(ctx, query, botID, userID))
}

func (s *PostgresStorage) GetBotByID(ctx context.Context, botID int64) (*models.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = $1`
	return scanBot(s.db.QueryRowContext(ctx, query, botID))
}

func (s *PostgresStorage) listBots(ctx context.Context, where string, args ...any) ([]*models.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE ` + where + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying bots: %v", err)
	}
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

func (s *PostgresStorage) ListBots(ctx context.Context, userID int64) ([]*models.Bot, error) {
	return s.listBots(ctx, "user_id = $1", userID)
}

func (s *PostgresStorage) ListActiveBots(ctx context.Context, userID int64) ([]*models.Bot, error) {
	return s.listBots(ctx, "user_id = $1 AND status = 'active'", userID)
}

func (s *PostgresStorage) UpdateBotConfig(ctx context.Context, bot *models.Bot) error {
	parameters, err := json.Marshal(bot.Parameters)
	if err != nil {
		return fmt.Errorf("error encoding parameters: %v", err)
	}
	actions, err := json.Marshal(bot.Actions)
	if err != nil {
		return fmt.Errorf("error encoding actions: %v", err)
	}

	query := `
		UPDATE bots
		SET prompt = $1, parameters = $2, actions = $3
		WHERE id = $4`

	result, err := s.db.ExecContext(ctx, query, bot.Prompt, parameters, actions, bot.ID)
	if err != nil {
		return fmt.Errorf("error updating bot: %v", err)
	}
	return requireAffected(result)
}

func (s *PostgresStorage) SetBotStatus(ctx context.Context, botID int64, status models.BotStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = $1 WHERE id = $2`, status, botID)
	if err != nil {
		return fmt.Errorf("error updating bot status: %v", err)
	}
	return requireAffected(result)
}

func (s *PostgresStorage) SetBotAuthorized(ctx context.Context, botID int64, authorized bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET is_authorized = $1 WHERE id = $2`, authorized, botID)
	if err != nil {
		return fmt.Errorf("error updating bot authorization: %v", err)
	}
	return requireAffected(result)
}

func (s *PostgresStorage) SetBotItems(ctx context.Context, botID int64, items *models.ItemSelection) error {
	encoded, err := encodeItems(items)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET items = $1 WHERE id = $2`, encoded, botID)
	if err != nil {
		return fmt.Errorf("error updating bot items: %v", err)
	}
	return requireAffected(result)
}

func (s *PostgresStorage) DeleteBot(ctx context.Context, botID int64) error {
	// tokens and messages cascade via foreign keys.
	result, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = $1`, botID)
	if err != nil {
		return fmt.Errorf("error deleting bot: %v", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Credentials

func (s *PostgresStorage) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO tokens (bot_id, avito_user_id, access_token, refresh_token, expires_at, scope)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bot_id) DO UPDATE SET
			avito_user_id = $2, access_token = $3, refresh_token = $4, expires_at = $5, scope = $6`

	_, err := s.db.ExecContext(ctx, query,
		cred.BotID,
		cred.AvitoUserID,
		cred.AccessToken,
		cred.RefreshToken,
		cred.ExpiresAt,
		cred.Scope,
	)
	if err != nil {
		return fmt.Errorf("error upserting credential: %v", err)
	}
	return nil
}

func (s *PostgresStorage) getCredential(ctx context.Context, where string, arg any) (*models.Credential, error) {
	query := `
		SELECT bot_id, avito_user_id, access_token, refresh_token, expires_at, scope
		FROM tokens WHERE ` + where

	cred := &models.Credential{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&cred.BotID,
		&cred.AvitoUserID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.ExpiresAt,
		&cred.Scope,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying credential: %v", err)
	}
	return cred, nil
}

func (s *PostgresStorage) GetCredential(ctx context.Context, botID int64) (*models.Credential, error) {
	return s.getCredential(ctx, "bot_id = $1", botID)
}

func (s *PostgresStorage) GetCredentialByAccount(ctx context.Context, avitoUserID int64) (*models.Credential, error) {
	return s.getCredential(ctx, "avito_user_id = $1", avitoUserID)
}

func (s *PostgresStorage) DeleteCredential(ctx context.Context, botID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE bot_id = $1`, botID)
	if err != nil {
		return fmt.Errorf("error deleting credential: %v", err)
	}
	return nil
}

// Messages

func (s *PostgresStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (bot_id, text, response, status, is_test, timestamp, account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		msg.BotID,
		msg.Text,
		msg.Response,
		msg.Status,
		msg.IsTest,
		msg.Timestamp,
		msg.AccountID,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("error saving message: %v", err)
	}
	return nil
}

func (s *PostgresStorage) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %v", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		err := rows.Scan(
			&msg.ID,
			&msg.BotID,
			&msg.Text,
			&msg.Response,
			&msg.Status,
			&msg.IsTest,
			&msg.Timestamp,
			&msg.AccountID,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PostgresStorage) ListTurns(ctx context.Context, botID int64, isTest bool) ([]*models.Message, error) {
	query := `
		SELECT id, bot_id, text, response, status, is_test, timestamp, account_id
		FROM messages
		WHERE bot_id = $1 AND is_test = $2
		ORDER BY timestamp ASC`
	return s.queryMessages(ctx, query, botID, isTest)
}

func (s *PostgresStorage) ListBotMessages(ctx context.Context, botID int64) ([]*models.Message, error) {
	query := `
		SELECT id, bot_id, text, response, status, is_test, timestamp, account_id
		FROM messages
		WHERE bot_id = $1
		ORDER BY timestamp DESC`
	return s.queryMessages(ctx, query, botID)
}

func (s *PostgresStorage) DeleteTestMessages(ctx context.Context, botID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE bot_id = $1 AND is_test = TRUE`, botID)
	if err != nil {
		return fmt.Errorf("error deleting test messages: %v", err)
	}
	return nil
}

// Notifications

func (s *PostgresStorage) EnqueueNotification(ctx context.Context, telegramID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (telegram_id, text, status, created_at) VALUES ($1, $2, 'pending', NOW())`,
		telegramID, text)
	if err != nil {
		return fmt.Errorf("error enqueueing notification: %v", err)
	}
	return nil
}

func (s *PostgresStorage) ListPendingNotifications(ctx context.Context) ([]*models.Notification, error) {
	query := `
		SELECT id, telegram_id, text, status, created_at, sent_at
		FROM notifications
		WHERE status = 'pending'
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying pending notifications: %v", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var sentAt sql.NullTime
		err := rows.Scan(&n.ID, &n.TelegramID, &n.Text, &n.Status, &n.CreatedAt, &sentAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning notification: %v", err)
		}
		if sentAt.Valid {
			n.SentAt = &sentAt.Time
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *PostgresStorage) MarkNotification(ctx context.Context, id int64, status models.NotificationStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = $1, sent_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("error marking notification: %v", err)
	}
	return requireAffected(result)
}

// Sessions

func (s *PostgresStorage) GetSession(ctx context.Context, telegramID string) (*models.Session, error) {
	query := `
		SELECT telegram_id, step, username, expires_at
		FROM sessions WHERE telegram_id = $1 AND expires_at > NOW()`

	session := &models.Session{}
	err := s.db.QueryRowContext(ctx, query, telegramID).Scan(
		&session.TelegramID,
		&session.Step,
		&session.Username,
		&session.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying session: %v", err)
	}
	return session, nil
}

func (s *PostgresStorage) SaveSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (telegram_id, step, username, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (telegram_id) DO UPDATE SET step = $2, username = $3, expires_at = $4`

	_, err := s.db.ExecContext(ctx, query,
		session.TelegramID, session.Step, session.Username, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("error saving session: %v", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteSession(ctx context.Context, telegramID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE telegram_id = $1`, telegramID)
	if err != nil {
		return fmt.Errorf("error deleting session: %v", err)
	}
	return nil
}

// Billing

func (s *PostgresStorage) TryStartBillingRun(ctx context.Context, periodStart time.Time) (bool, error) {
	// A conflicting row blocks the claim unless it is an abandoned
	// claim: uncompleted and older than the claim TTL.
	query := `
		INSERT INTO billing_runs (period_start) VALUES ($1)
		ON CONFLICT (period_start) DO UPDATE SET started_at = NOW()
		WHERE billing_runs.completed_at IS NULL
		  AND billing_runs.started_at < NOW() - INTERVAL '1 hour'`

	result, err := s.db.ExecContext(ctx, query, periodStart)
	if err != nil {
		return false, fmt.Errorf("error recording billing run: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %v", err)
	}
	return affected == 1, nil
}

func (s *PostgresStorage) CompleteBillingRun(ctx context.Context, periodStart time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE billing_runs SET completed_at = NOW() WHERE period_start = $1`, periodStart)
	if err != nil {
		return fmt.Errorf("error completing billing run: %v", err)
	}
	return requireAffected(result)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
