package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/astakh/prosto-bots/internal/storage"
)

func TestRegisterAndLogin(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := NewService(store, "secret", 14)
	ctx := context.Background()

	user, err := service.Register(ctx, "tg-1", "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if user.Balance != 0 {
		t.Fatalf("new accounts start with zero balance, got %v", user.Balance)
	}
	if !user.TrialActive(time.Now()) {
		t.Fatal("trial window must be open right after registration")
	}
	if user.PasswordHash == "hunter2" {
		t.Fatal("password must not be stored in the clear")
	}

	token, err := service.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := service.UserFromToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ID != user.ID {
		t.Fatalf("token resolved to user %d, want %d", resolved.ID, user.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := NewService(store, "secret", 14)
	ctx := context.Background()

	if _, err := service.Register(ctx, "tg-2", "bob", "correct"); err != nil {
		t.Fatal(err)
	}
	if _, err := service.Login(ctx, "bob", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := service.Login(ctx, "nobody", "correct"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := NewService(store, "secret", 14)
	ctx := context.Background()

	if _, err := service.Register(ctx, "tg-3", "carol", "pw"); err != nil {
		t.Fatal(err)
	}
	if _, err := service.Register(ctx, "tg-4", "carol", "pw"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := service.Register(ctx, "tg-3", "carol2", "pw"); !errors.Is(err, ErrTelegramTaken) {
		t.Fatalf("expected ErrTelegramTaken, got %v", err)
	}
}

func TestParseTokenRejectsForgery(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := NewService(store, "secret", 14)
	other := NewService(store, "different-secret", 14)
	ctx := context.Background()

	if _, err := service.Register(ctx, "tg-5", "dave", "pw"); err != nil {
		t.Fatal(err)
	}
	token, err := other.Login(ctx, "dave", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := service.ParseToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token signed with another secret must be rejected, got %v", err)
	}
	if _, err := service.ParseToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
