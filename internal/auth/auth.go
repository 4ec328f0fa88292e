package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrTelegramTaken      = errors.New("telegram id already registered")
)

// Service implements registration, password verification and cookie
// session tokens for the dashboard API.
type Service struct {
	storage   storage.Storage
	jwtSecret []byte
	tokenTTL  time.Duration
	trialDays int
}

func NewService(store storage.Storage, jwtSecret string, trialDays int) *Service {
	return &Service{
		storage:   store,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  24 * time.Hour,
		trialDays: trialDays,
	}
}

// Register creates a user with a zero balance and the trial window
// open from now.
func (s *Service) Register(ctx context.Context, telegramID, username, password string) (*models.User, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	if _, err := s.storage.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if _, err := s.storage.GetUserByTelegramID(ctx, telegramID); err == nil {
		return nil, ErrTelegramTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %v", err)
	}

	now := time.Now()
	user := &models.User{
		TelegramID:       telegramID,
		Username:         username,
		PasswordHash:     string(hash),
		RegistrationDate: now,
		TrialEndDate:     now.Add(time.Duration(s.trialDays) * 24 * time.Hour),
		Balance:          0,
	}
	if err := s.storage.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies the password and issues a session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.storage.GetUserByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	claims := jwt.MapClaims{
		"username": user.Username,
		"exp":      time.Now().Add(s.tokenTTL).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.jwtSecret)
}

// ParseToken validates a session token and returns the username inside.
func (s *Service) ParseToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	username, _ := claims["username"].(string)
	if username == "" {
		return "", ErrInvalidToken
	}
	return username, nil
}

// UserFromToken resolves a session token to its user row.
func (s *Service) UserFromToken(ctx context.Context, token string) (*models.User, error) {
	username, err := s.ParseToken(token)
	if err != nil {
		return nil, err
	}
	user, err := s.storage.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return user, nil
}
