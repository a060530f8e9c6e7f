package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "kpibot/internal/transport"
	logx "kpibot/pkg/logx"
)

type recordingAdapter struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	delay time.Duration
}

func (a *recordingAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recordingAdapter) Stop(context.Context) error                     { return nil }

func (a *recordingAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return kit.MessageRef{}, errors.New("telegram down")
	}
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *recordingAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (a *recordingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueDelivers(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	s := New(Config{Workers: 2, QueueSize: 8, RatePerSec: 1000}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Stop(ctx)
		cancel()
	}()

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "hi", Key: "k"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "all deliveries", func() bool { return ad.count() == 5 })

	if h := s.History(); len(h) != 5 {
		t.Fatalf("history = %d items, want 5", len(h))
	}
}

func TestStopDrainsQueuedNotifications(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{delay: 5 * time.Millisecond}
	s := New(Config{Workers: 1, QueueSize: 16, RatePerSec: 1000}, ad, logx.Nop(), nil)
	s.Start(context.Background())

	for i := 0; i < 10; i++ {
		if err := s.Enqueue(Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "queued", Key: "k"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.Stop(ctx)
	cancel()

	if got := ad.count(); got != 10 {
		t.Fatalf("delivered %d of 10 queued notifications before Stop returned", got)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	s := New(Config{}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	s.Stop(ctx)
	cancel()

	if err := s.Enqueue(Notification{Key: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	s := New(Config{Workers: 1, QueueSize: 1, RatePerSec: 1}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Stop(ctx)
		cancel()
	}()

	// Saturate: with a 1-slot queue and a 1/s limiter some enqueues must fail.
	var full bool
	for i := 0; i < 50; i++ {
		if err := s.Enqueue(Notification{Key: "k"}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull under saturation")
	}
}

func TestFailedSendDoesNotStopWorkers(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{fail: true}
	s := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Stop(ctx)
		cancel()
	}()

	if err := s.Enqueue(Notification{Key: "fail"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Let the failing delivery happen, then recover the adapter.
	time.Sleep(20 * time.Millisecond)
	ad.mu.Lock()
	ad.fail = false
	ad.mu.Unlock()

	if err := s.Enqueue(Notification{Key: "ok", Text: "second"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "delivery after failure", func() bool { return ad.count() == 1 })
}
