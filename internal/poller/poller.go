// Package poller runs one background chat-list polling loop per logged-in
// user. Each loop diffs unread counts against its previous observation and
// hands "new message" notifications to the notifier.
//
// Lifecycle contract:
//   - at most one loop per user (Spawn is idempotent)
//   - a loop only runs while its user has a session; it re-checks the store
//     and its own registration once per cycle
//   - a 401 from the chat-list endpoint drops the session and ends the loop;
//     any other error is logged and polling continues
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kpibot/internal/eventbus"
	"kpibot/internal/kpi"
	"kpibot/internal/notifier"
	rtsup "kpibot/internal/runtime/supervisor"
	kit "kpibot/internal/transport"
	logx "kpibot/pkg/logx"
)

// ChatLister is the slice of the KPI client the poller needs.
type ChatLister interface {
	ChatList(ctx context.Context, accessToken string) ([]kpi.Chat, error)
}

// SessionTokens is the slice of the session store the poller needs.
type SessionTokens interface {
	AccessToken(userID int64) (string, bool)
	Delete(userID int64) bool
}

// Sink accepts outbound notifications.
type Sink interface {
	Enqueue(n notifier.Notification) error
}

type Config struct {
	// Interval between poll cycles. Default 5s.
	Interval time.Duration

	// WebAppURL is attached to new-message notifications as an inline
	// button. Empty disables the button.
	WebAppURL string
}

type Manager struct {
	mu    sync.Mutex
	cfg   Config
	loops map[int64]*loop
	sup   *rtsup.Supervisor

	sessions SessionTokens
	api      ChatLister
	sink     Sink
	bus      eventbus.Bus
	log      logx.Logger
}

type loop struct {
	cancel context.CancelFunc
}

func NewManager(cfg Config, sessions SessionTokens, api ChatLister, sink Sink, bus eventbus.Bus, log logx.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:      cfg,
		loops:    map[int64]*loop{},
		sessions: sessions,
		api:      api,
		sink:     sink,
		bus:      bus,
		log:      log,
	}
}

// Apply updates the poll interval; running loops pick it up on their next cycle.
func (m *Manager) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Start is idempotent. Loops spawned later run under the supervisor created here.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log))
}

// Stop cancels all loops and waits for them until ctx deadline.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	for id, l := range m.loops {
		l.cancel()
		delete(m.loops, id)
	}
	m.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("poller stop incomplete", logx.Err(err))
	}
}

// Running reports whether a loop is registered for userID.
func (m *Manager) Running(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[userID]
	return ok
}

// Spawn starts a poll loop for userID unless one is already registered.
// Returns true when a new loop was started.
func (m *Manager) Spawn(userID int64) bool {
	m.mu.Lock()
	if m.sup == nil {
		m.mu.Unlock()
		m.log.Warn("spawn before start; ignoring", logx.Int64("user_id", userID))
		return false
	}
	if _, ok := m.loops[userID]; ok {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(m.sup.Context())
	l := &loop{cancel: cancel}
	m.loops[userID] = l
	sup := m.sup
	m.mu.Unlock()

	sup.Go0(fmt.Sprintf("poller.user.%d", userID), func(context.Context) {
		m.run(ctx, userID, l)
	})
	return true
}

// StopUser cancels and unregisters the loop for userID (no-op when absent).
// This is the logout path; the loop itself also exits when the session is gone.
func (m *Manager) StopUser(userID int64) {
	m.mu.Lock()
	l, ok := m.loops[userID]
	if ok {
		delete(m.loops, userID)
	}
	m.mu.Unlock()
	if ok {
		l.cancel()
	}
}

// registered reports whether this exact loop instance still owns the slot.
// A generation check, so a stale loop never unregisters its replacement.
func (m *Manager) registered(userID int64, l *loop) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loops[userID] == l
}

func (m *Manager) unregister(userID int64, l *loop) {
	m.mu.Lock()
	if m.loops[userID] == l {
		delete(m.loops, userID)
	}
	m.mu.Unlock()
}

func (m *Manager) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Interval
}

func (m *Manager) webAppURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.WebAppURL
}

func (m *Manager) run(ctx context.Context, userID int64, l *loop) {
	log := m.log.With(logx.Int64("user_id", userID))
	defer func() {
		m.unregister(userID, l)
		l.cancel()
		log.Debug("poll loop exited")
	}()
	log.Info("poll loop started", logx.Duration("interval", m.interval()))

	// Last observed unread count per peer. Absent means 0.
	prevUnread := map[int64]int{}

	for {
		// Exit conditions are checked once per cycle, at the top.
		if ctx.Err() != nil {
			return
		}
		if !m.registered(userID, l) {
			return
		}
		// Re-read the token every cycle: a logout or session replacement
		// mid-loop must be observed at the next boundary.
		token, ok := m.sessions.AccessToken(userID)
		if !ok {
			return
		}

		chats, err := m.api.ChatList(ctx, token)
		switch {
		case err == nil:
			m.diff(userID, chats, prevUnread, log)

		case errors.Is(err, kpi.ErrUnauthorized):
			// The only error that ends polling on its own: notify, drop the
			// session, and let a future /start build everything fresh.
			log.Info("access token rejected; dropping session")
			m.enqueue(userID, notifier.Notification{
				Target: kit.ChatTarget{ChatID: userID},
				Text:   "⚠️ Your session has expired. Please log in again with /start.",
				Key:    fmt.Sprintf("expired:%d", userID),
			})
			m.sessions.Delete(userID)
			if m.bus != nil {
				m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionExpired, Data: userID})
			}
			return

		case errors.Is(err, context.Canceled):
			return

		default:
			// Transient failure: swallow and keep polling. No backoff by design;
			// the fixed interval already paces retries.
			log.Warn("chatlist poll failed", logx.Err(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval()):
		}
	}
}

// diff emits one notification per peer whose unread count increased since the
// last observation, and unconditionally records the new count. Decreases are
// recorded too, so a later increase over the lower baseline still triggers.
func (m *Manager) diff(userID int64, chats []kpi.Chat, prevUnread map[int64]int, log logx.Logger) {
	for _, c := range chats {
		prev := prevUnread[c.User.ID]
		if c.UnreadCount > prev {
			n := notifier.Notification{
				Target:  kit.ChatTarget{ChatID: userID},
				Text:    formatNewMessage(c),
				Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
				Key:     fmt.Sprintf("newmsg:%d:%d", userID, c.User.ID),
			}
			if url := m.webAppURL(); url != "" {
				n.Options.WebApp = &kit.WebAppButton{Text: "📬 Read message", URL: url}
			}
			m.enqueue(userID, n)
			if m.bus != nil {
				m.bus.Publish(eventbus.Event{Type: eventbus.TypeNotified, Data: n.Key})
			}
			log.Debug("unread increase",
				logx.Int64("peer_id", c.User.ID),
				logx.Int("prev", prev),
				logx.Int("unread", c.UnreadCount))
		}
		prevUnread[c.User.ID] = c.UnreadCount
	}
}

func (m *Manager) enqueue(userID int64, n notifier.Notification) {
	if m.sink == nil {
		return
	}
	// Delivery problems are the notifier's to report; the loop moves on.
	_ = m.sink.Enqueue(n)
}
