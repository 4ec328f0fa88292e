package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/astakh/prosto-bots/internal/models"
)

func TestDebitBalanceInsufficient(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user := &models.User{TelegramID: "tg-1", Username: "alice", Balance: 30}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}

	err := store.DebitBalance(ctx, user.ID, 50)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	after, _ := store.GetUserByID(ctx, user.ID)
	if after.Balance != 30 {
		t.Fatalf("rejected debit must leave balance intact, got %v", after.Balance)
	}

	if err := store.DebitBalance(ctx, user.ID, 30); err != nil {
		t.Fatal(err)
	}
	after, _ = store.GetUserByID(ctx, user.ID)
	if after.Balance != 0 {
		t.Fatalf("expected zero balance, got %v", after.Balance)
	}
}

func TestTurnPartitionsAreDisjoint(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user := &models.User{TelegramID: "tg-2", Username: "bob"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	botID, err := store.CreateBot(ctx, &models.Bot{UserID: user.ID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	save := func(text string, isTest bool) {
		t.Helper()
		if err := store.SaveMessage(ctx, &models.Message{
			BotID:    &botID,
			Text:     text,
			Response: "{}",
			IsTest:   isTest,
			Status:   "processed",
		}); err != nil {
			t.Fatal(err)
		}
	}
	save("live-1", false)
	save("test-1", true)
	save("live-2", false)
	save("test-2", true)

	live, err := store.ListTurns(ctx, botID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 || live[0].Text != "live-1" || live[1].Text != "live-2" {
		t.Fatalf("unexpected live partition: %+v", live)
	}
	sandbox, err := store.ListTurns(ctx, botID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(sandbox) != 2 || sandbox[0].Text != "test-1" || sandbox[1].Text != "test-2" {
		t.Fatalf("unexpected test partition: %+v", sandbox)
	}

	if err := store.DeleteTestMessages(ctx, botID); err != nil {
		t.Fatal(err)
	}
	sandbox, _ = store.ListTurns(ctx, botID, true)
	if len(sandbox) != 0 {
		t.Fatalf("test reset must clear the test partition, %d left", len(sandbox))
	}
	live, _ = store.ListTurns(ctx, botID, false)
	if len(live) != 2 {
		t.Fatalf("test reset must not touch live turns, %d left", len(live))
	}
}

func TestCredentialAccountLookup(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user := &models.User{TelegramID: "tg-3", Username: "carol"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	botID, err := store.CreateBot(ctx, &models.Bot{UserID: user.ID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	cred := &models.Credential{
		BotID:        botID,
		AvitoUserID:  777,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := store.UpsertCredential(ctx, cred); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetCredentialByAccount(ctx, 777)
	if err != nil {
		t.Fatal(err)
	}
	if got.BotID != botID {
		t.Fatalf("expected bot %d, got %d", botID, got.BotID)
	}

	if _, err := store.GetCredentialByAccount(ctx, 778); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
	}

	if err := store.DeleteCredential(ctx, botID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetCredential(ctx, botID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpsertCredentialReplaces(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user := &models.User{TelegramID: "tg-4", Username: "dave"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	botID, err := store.CreateBot(ctx, &models.Bot{UserID: user.ID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	first := &models.Credential{BotID: botID, AvitoUserID: 1, AccessToken: "old", RefreshToken: "r1", ExpiresAt: time.Now()}
	if err := store.UpsertCredential(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &models.Credential{BotID: botID, AvitoUserID: 1, AccessToken: "new", RefreshToken: "r2", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.UpsertCredential(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetCredential(ctx, botID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "new" || got.RefreshToken != "r2" {
		t.Fatalf("upsert must replace the stored pair, got %+v", got)
	}
}

func TestUpsertCredentialRejectsBoundAccount(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user := &models.User{TelegramID: "tg-8", Username: "grace"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	firstBot, err := store.CreateBot(ctx, &models.Bot{UserID: user.ID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	secondBot, err := store.CreateBot(ctx, &models.Bot{UserID: user.ID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.UpsertCredential(ctx, &models.Credential{BotID: firstBot, AvitoUserID: 42, AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	err = store.UpsertCredential(ctx, &models.Credential{BotID: secondBot, AvitoUserID: 42, AccessToken: "b", RefreshToken: "r2", ExpiresAt: time.Now()})
	if err == nil {
		t.Fatal("an account already bound to another bot must be rejected")
	}

	// Releasing the account frees it for the other bot.
	if err := store.DeleteCredential(ctx, firstBot); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertCredential(ctx, &models.Credential{BotID: secondBot, AvitoUserID: 42, AccessToken: "b", RefreshToken: "r2", ExpiresAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func TestBillingRunStaleClaimReclaimed(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()
	period := time.Now().UTC().Truncate(24 * time.Hour)

	won, err := store.TryStartBillingRun(ctx, period)
	if err != nil || !won {
		t.Fatalf("first claim must win: %v %v", won, err)
	}
	if won, _ := store.TryStartBillingRun(ctx, period); won {
		t.Fatal("a fresh claim must not be reclaimed")
	}

	// A claim whose holder died mid-sweep ages past the TTL and becomes
	// available again.
	key := period.UTC().Truncate(time.Second)
	store.billingRuns[key].startedAt = time.Now().Add(-2 * billingClaimTTL)
	won, err = store.TryStartBillingRun(ctx, period)
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Fatal("an abandoned claim must be reclaimable after the TTL")
	}
}

func TestBillingRunCompletionSealsPeriod(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()
	period := time.Now().UTC().Truncate(24 * time.Hour)

	if err := store.CompleteBillingRun(ctx, period); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completing an unclaimed period must fail, got %v", err)
	}

	if won, err := store.TryStartBillingRun(ctx, period); err != nil || !won {
		t.Fatalf("claim must win: %v %v", won, err)
	}
	if err := store.CompleteBillingRun(ctx, period); err != nil {
		t.Fatal(err)
	}

	// Once completed the period never reopens, even past the claim TTL.
	key := period.UTC().Truncate(time.Second)
	store.billingRuns[key].startedAt = time.Now().Add(-2 * billingClaimTTL)
	if won, _ := store.TryStartBillingRun(ctx, period); won {
		t.Fatal("a completed period must never be swept again")
	}
}

func TestNotificationLifecycle(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	if err := store.EnqueueNotification(ctx, "tg-5", "hello"); err != nil {
		t.Fatal(err)
	}
	pending, err := store.ListPendingNotifications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Text != "hello" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	if err := store.MarkNotification(ctx, pending[0].ID, models.NotificationSent); err != nil {
		t.Fatal(err)
	}
	pending, _ = store.ListPendingNotifications(ctx)
	if len(pending) != 0 {
		t.Fatalf("sent rows must leave the pending set, %d left", len(pending))
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	if _, err := store.GetSession(ctx, "tg-6"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing session, got %v", err)
	}

	session := &models.Session{
		TelegramID: "tg-6",
		Step:       models.SessionStepUsername,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSession(ctx, "tg-6")
	if err != nil {
		t.Fatal(err)
	}
	if got.Step != models.SessionStepUsername {
		t.Fatalf("unexpected step %q", got.Step)
	}

	got.Step = models.SessionStepPassword
	got.Username = "erin"
	if err := store.SaveSession(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetSession(ctx, "tg-6")
	if got.Step != models.SessionStepPassword || got.Username != "erin" {
		t.Fatalf("session update lost, got %+v", got)
	}

	if err := store.DeleteSession(ctx, "tg-6"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSession(ctx, "tg-6"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	stale := &models.Session{TelegramID: "tg-stale", Step: models.SessionStepUsername, ExpiresAt: time.Now().Add(-time.Minute)}
	if err := store.SaveSession(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSession(ctx, "tg-stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("an expired session must read back as missing, got %v", err)
	}
}

func TestDeleteBotCascades(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user := &models.User{TelegramID: "tg-7", Username: "frank"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	botID, err := store.CreateBot(ctx, &models.Bot{UserID: user.ID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertCredential(ctx, &models.Credential{BotID: botID, AvitoUserID: 9, AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveMessage(ctx, &models.Message{BotID: &botID, Text: "hi", Status: "processed"}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteBot(ctx, botID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetBotByID(ctx, botID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted bot, got %v", err)
	}
	if _, err := store.GetCredential(ctx, botID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("credential must be removed with the bot, got %v", err)
	}
	turns, _ := store.ListTurns(ctx, botID, false)
	if len(turns) != 0 {
		t.Fatalf("messages must be removed with the bot, %d left", len(turns))
	}
}
