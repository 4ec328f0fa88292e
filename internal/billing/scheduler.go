package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

// ErrInsufficientFunds mirrors the storage sentinel for callers that
// check billing preconditions.
var ErrInsufficientFunds = storage.ErrInsufficientFunds

// Scheduler charges every user with active bots once per period,
// stopping the bots of users who cannot pay. It must only ever run
// from its own loop: request handlers never invoke a sweep.
type Scheduler struct {
	storage   storage.Storage
	dailyCost float64
	period    time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewScheduler(store storage.Storage, dailyCost float64, period time.Duration, logger *zap.Logger) *Scheduler {
	if period == 0 {
		period = 24 * time.Hour
	}
	return &Scheduler{
		storage:   store,
		dailyCost: dailyCost,
		period:    period,
		logger:    logger,
		now:       time.Now,
	}
}

// Run drives the sweep until ctx is cancelled. An in-flight sweep
// finishes before Run returns. A failed iteration is logged and never
// terminates the loop. The tick is a fraction of the billing period so
// a period abandoned by a crashed or failed sweep is picked up again
// the same day.
func (s *Scheduler) Run(ctx context.Context) {
	tick := s.period / 24
	if tick < time.Minute {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.iterate()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Billing scheduler stopped")
			return
		case <-ticker.C:
			s.iterate()
		}
	}
}

func (s *Scheduler) iterate() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Billing sweep panicked", zap.Any("panic", r))
		}
	}()

	// The sweep runs on a background context so a shutdown signal does
	// not abort it mid-charge; the loop exits after the iteration.
	ctx := context.Background()

	periodStart := s.now().UTC().Truncate(s.period)
	won, err := s.storage.TryStartBillingRun(ctx, periodStart)
	if err != nil {
		s.logger.Error("Failed to claim billing period", zap.Error(err))
		return
	}
	if !won {
		return
	}

	if err := s.Sweep(ctx); err != nil {
		// The period stays uncompleted so a later tick retries it.
		s.logger.Error("Billing sweep failed", zap.Error(err))
		return
	}
	if err := s.storage.CompleteBillingRun(ctx, periodStart); err != nil {
		s.logger.Error("Failed to record billing completion",
			zap.Error(err),
			zap.Time("period_start", periodStart))
		return
	}
	s.logger.Info("Billing sweep completed",
		zap.Time("period_start", periodStart))
}

// Sweep performs one fleet-wide charge pass. Exported so tests can
// drive a single deterministic iteration.
func (s *Scheduler) Sweep(ctx context.Context) error {
	users, err := s.storage.ListUsersWithActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("listing users with active bots: %v", err)
	}

	for _, user := range users {
		if err := s.chargeUser(ctx, user); err != nil {
			// Per-user isolation: one failed charge must not block the
			// rest of the fleet.
			s.logger.Error("Failed to charge user",
				zap.Error(err),
				zap.Int64("user_id", user.ID))
		}
	}
	return nil
}

func (s *Scheduler) chargeUser(ctx context.Context, user *models.User) error {
	bots, err := s.storage.ListActiveBots(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(bots) == 0 {
		return nil
	}

	// Trial exemption covers exactly one active bot; a second bot makes
	// the whole fleet billable.
	if user.TrialActive(s.now()) && len(bots) == 1 {
		s.logger.Info("Trial exemption applied",
			zap.Int64("user_id", user.ID),
			zap.Int64("bot_id", bots[0].ID))
		return nil
	}

	cost := float64(len(bots)) * s.dailyCost
	err = s.storage.DebitBalance(ctx, user.ID, cost)
	if errors.Is(err, storage.ErrInsufficientFunds) {
		return s.suspend(ctx, user, bots)
	}
	if err != nil {
		return err
	}

	s.logger.Info("Charged daily usage",
		zap.Int64("user_id", user.ID),
		zap.Int("active_bots", len(bots)),
		zap.Float64("cost", cost))
	return nil
}

func (s *Scheduler) suspend(ctx context.Context, user *models.User, bots []*models.Bot) error {
	for _, bot := range bots {
		if err := s.storage.SetBotStatus(ctx, bot.ID, models.BotStopped); err != nil {
			return fmt.Errorf("stopping bot %d: %v", bot.ID, err)
		}
		if err := s.storage.EnqueueNotification(ctx, user.TelegramID,
			fmt.Sprintf("Insufficient balance for bot #%d. Top up your balance.", bot.ID)); err != nil {
			s.logger.Error("Failed to enqueue suspension notification",
				zap.Error(err),
				zap.Int64("bot_id", bot.ID))
		}
	}
	s.logger.Warn("Bots suspended for unpaid balance",
		zap.Int64("user_id", user.ID),
		zap.Int("stopped", len(bots)))
	return nil
}
