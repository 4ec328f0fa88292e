package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/astakh/prosto-bots/internal/models"
	"github.com/astakh/prosto-bots/internal/storage"
)

type fakeSender struct {
	sent    []string
	failFor map[string]bool
}

func (f *fakeSender) SendMessage(telegramID, text string) error {
	if f.failFor[telegramID] {
		return errors.New("delivery refused")
	}
	f.sent = append(f.sent, telegramID+":"+text)
	return nil
}

func TestDrainMarksSentAndFailed(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := &fakeSender{failFor: map[string]bool{"tg-bad": true}}
	worker := NewWorker(store, sender, time.Second, zap.NewNop())
	ctx := context.Background()

	if err := store.EnqueueNotification(ctx, "tg-good", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueNotification(ctx, "tg-bad", "oops"); err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueNotification(ctx, "tg-good", "again"); err != nil {
		t.Fatal(err)
	}

	worker.Drain(ctx)

	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 deliveries, got %d: %v", len(sender.sent), sender.sent)
	}
	pending, err := store.ListPendingNotifications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("every row must leave the pending set after a drain, %d left", len(pending))
	}
}

func TestDrainFailureDoesNotBlockQueue(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := &fakeSender{failFor: map[string]bool{"tg-bad": true}}
	worker := NewWorker(store, sender, time.Second, zap.NewNop())
	ctx := context.Background()

	// The failing row is first in insertion order.
	if err := store.EnqueueNotification(ctx, "tg-bad", "first"); err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueNotification(ctx, "tg-good", "second"); err != nil {
		t.Fatal(err)
	}

	worker.Drain(ctx)

	if len(sender.sent) != 1 || sender.sent[0] != "tg-good:second" {
		t.Fatalf("later rows must still be delivered, sent %v", sender.sent)
	}
}

func TestDrainIsIdempotentAfterDelivery(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := &fakeSender{}
	worker := NewWorker(store, sender, time.Second, zap.NewNop())
	ctx := context.Background()

	if err := store.EnqueueNotification(ctx, "tg-1", "once"); err != nil {
		t.Fatal(err)
	}
	worker.Drain(ctx)
	worker.Drain(ctx)

	if len(sender.sent) != 1 {
		t.Fatalf("a delivered row must never be re-sent, got %d sends", len(sender.sent))
	}
}

// blockingOutbox parks the drain inside ListPendingNotifications until
// the test releases it, so cancellation can land mid-iteration.
type blockingOutbox struct {
	storage.OutboxStorage
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (b *blockingOutbox) ListPendingNotifications(ctx context.Context) ([]*models.Notification, error) {
	if !b.once {
		b.once = true
		close(b.entered)
		<-b.release
	}
	return b.OutboxStorage.ListPendingNotifications(ctx)
}

func TestRunFinishesInFlightDrainOnCancel(t *testing.T) {
	blocked := &blockingOutbox{
		OutboxStorage: storage.NewMemoryStorage(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	worker := NewWorker(blocked, &fakeSender{}, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	<-blocked.entered
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a drain was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(blocked.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the drain finished")
	}
}

func TestTelegramSenderRejectsBadChatID(t *testing.T) {
	sender := NewTelegramSender(nil)
	if err := sender.SendMessage("not-a-number", "text"); err == nil {
		t.Fatal("expected an error for a non-numeric telegram id")
	}
}
