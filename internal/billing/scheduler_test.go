package billing

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

const dailyCost = 50.0

func newTestScheduler(store storage.Storage) *Scheduler {
	return NewScheduler(store, dailyCost, 24*time.Hour, zap.NewNop())
}

func seedUser(t *testing.T, store storage.Storage, trialEnd time.Time, balance float64, activeBots int) *models.User {
	t.Helper()
	ctx := context.Background()
	user := &models.User{
		TelegramID:   "tg-" + time.Now().Format("150405.000000000"),
		Username:     "user-" + time.Now().Format("150405.000000000"),
		TrialEndDate: trialEnd,
		Balance:      balance,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < activeBots; i++ {
		bot := &models.Bot{UserID: user.ID, Prompt: "p", Status: models.BotActive, IsAuthorized: true, Items: &models.ItemSelection{All: true}}
		if _, err := store.CreateBot(ctx, bot); err != nil {
			t.Fatal(err)
		}
	}
	return user
}

func TestTrialSingleBotNotCharged(t *testing.T) {
	store := storage.NewMemoryStorage()
	s := newTestScheduler(store)
	ctx := context.Background()

	user := seedUser(t, store, time.Now().Add(24*time.Hour), 100, 1)

	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	after, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Balance != 100 {
		t.Fatalf("trial user with one bot must not be charged, balance went to %v", after.Balance)
	}
	bots, _ := store.ListActiveBots(ctx, user.ID)
	if len(bots) != 1 {
		t.Fatalf("bot must stay active, %d active", len(bots))
	}
}

func TestExpiredTrialInsufficientFundsStopsBot(t *testing.T) {
	store := storage.NewMemoryStorage()
	s := newTestScheduler(store)
	ctx := context.Background()

	user := seedUser(t, store, time.Now().Add(-24*time.Hour), dailyCost-1, 1)

	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	after, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Balance != dailyCost-1 {
		t.Fatalf("a rejected charge must not touch the balance, got %v", after.Balance)
	}
	active, _ := store.ListActiveBots(ctx, user.ID)
	if len(active) != 0 {
		t.Fatalf("expected the bot to be stopped, %d still active", len(active))
	}
	pending, _ := store.ListPendingNotifications(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected one notification per stopped bot, got %d", len(pending))
	}
}

func TestTwoBotsChargedDouble(t *testing.T) {
	store := storage.NewMemoryStorage()
	s := newTestScheduler(store)
	ctx := context.Background()

	user := seedUser(t, store, time.Now().Add(-24*time.Hour), 500, 2)

	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	after, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Balance != 500-2*dailyCost {
		t.Fatalf("expected balance %v, got %v", 500-2*dailyCost, after.Balance)
	}
	active, _ := store.ListActiveBots(ctx, user.ID)
	if len(active) != 2 {
		t.Fatalf("statuses must not change on a successful charge, %d active", len(active))
	}
}

func TestTrialDoesNotCoverSecondBot(t *testing.T) {
	store := storage.NewMemoryStorage()
	s := newTestScheduler(store)
	ctx := context.Background()

	// Trial is active, but a second bot makes the whole fleet billable.
	user := seedUser(t, store, time.Now().Add(24*time.Hour), 500, 2)

	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	after, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Balance != 500-2*dailyCost {
		t.Fatalf("expected balance %v, got %v", 500-2*dailyCost, after.Balance)
	}
}

func TestUsersWithoutActiveBotsSkipped(t *testing.T) {
	store := storage.NewMemoryStorage()
	s := newTestScheduler(store)
	ctx := context.Background()

	user := &models.User{TelegramID: "tg-idle", Username: "idle", Balance: 100, TrialEndDate: time.Now().Add(-time.Hour)}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	bot := &models.Bot{UserID: user.ID, Prompt: "p", Status: models.BotStopped}
	if _, err := store.CreateBot(ctx, bot); err != nil {
		t.Fatal(err)
	}

	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := store.GetUserByID(ctx, user.ID)
	if after.Balance != 100 {
		t.Fatalf("stopped bots must not be billed, balance %v", after.Balance)
	}
}

func TestUsersChargedOncePerPeriod(t *testing.T) {
	store := storage.NewMemoryStorage()
	s := newTestScheduler(store)
	ctx := context.Background()

	user := seedUser(t, store, time.Now().Add(-24*time.Hour), 500, 1)

	s.iterate()
	s.iterate()

	after, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Balance != 500-dailyCost {
		t.Fatalf("two ticks within one period must charge once, balance %v", after.Balance)
	}
}

// blockingStorage parks the sweep inside ListUsersWithActiveBots until
// the test releases it, so cancellation can land mid-iteration.
type blockingStorage struct {
	storage.Storage
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStorage) ListUsersWithActiveBots(ctx context.Context) ([]*models.User, error) {
	close(b.entered)
	<-b.release
	return b.Storage.ListUsersWithActiveBots(ctx)
}

func TestRunFinishesInFlightSweepOnCancel(t *testing.T) {
	blocked := &blockingStorage{
		Storage: storage.NewMemoryStorage(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := NewScheduler(blocked, dailyCost, 24*time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-blocked.entered
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a sweep was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(blocked.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the sweep finished")
	}
}

func TestBillingPeriodClaimedOnce(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	period := time.Now().UTC().Truncate(24 * time.Hour)
	won, err := store.TryStartBillingRun(ctx, period)
	if err != nil || !won {
		t.Fatalf("first claim must win: %v %v", won, err)
	}
	won, err = store.TryStartBillingRun(ctx, period)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatal("a second sweep within the same period must be a no-op")
	}
}
