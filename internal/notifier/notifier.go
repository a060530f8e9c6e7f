// Package notifier delivers user-facing messages through the messaging
// transport without letting a slow or failing Telegram API stall the poll
// loops: bounded queue, small worker pool, token-bucket rate limit.
//
// Send failures are logged and counted, never propagated; a missed
// notification must not take down the poller that produced it.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kpibot/internal/eventbus"
	rtsup "kpibot/internal/runtime/supervisor"
	kit "kpibot/internal/transport"
	logx "kpibot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the notification pipeline.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

// Notification is one outbound message.
type Notification struct {
	Target  kit.ChatTarget
	Text    string
	Options *kit.SendOptions

	// Key identifies the notification in logs/events (e.g. "newmsg:42:7").
	Key string
}

type HistoryItem struct {
	At   time.Time
	Key  string
	Text string
}

const historyMax = 200

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan Notification
	sup       *rtsup.Supervisor

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	queue := s.queue
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.Go0("notifier.worker", func(c context.Context) {
			s.workerLoop(c, queue)
		})
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	queue := s.queue
	s.queue = nil
	sup := s.sup
	s.sup = nil
	// Close under the lock: Enqueue sends under the same lock, so there is
	// no send-after-close race.
	close(queue)
	s.mu.Unlock()

	if sup == nil {
		return
	}
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("notifier drain incomplete", logx.Err(err))
	}
	sup.Cancel()
}

// Enqueue submits a notification for async delivery. Non-blocking.
func (s *Service) Enqueue(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting || s.queue == nil {
		return ErrStopped
	}
	select {
	case s.queue <- n:
		return nil
	default:
		s.log.Warn("notification dropped (queue full)",
			logx.String("key", n.Key),
			logx.Int("queue_cap", cap(s.queue)))
		return ErrQueueFull
	}
}

// History returns a copy of the recent delivery history (newest last).
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) workerLoop(ctx context.Context, queue <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-queue:
			if !ok {
				return
			}
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := s.adapter.SendText(sendCtx, n.Target, n.Text, n.Options)
	cancel()

	if err != nil {
		s.log.Warn("notification send failed",
			logx.String("key", n.Key),
			logx.Int64("chat_id", n.Target.ChatID),
			logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "notifier.failed", Data: n.Key})
		}
		return
	}

	s.log.Debug("notification sent",
		logx.String("key", n.Key),
		logx.Int64("chat_id", n.Target.ChatID))

	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Key: n.Key, Text: n.Text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}
