// Package controller owns the Telegram conversation: commands, the two-step
// login dialog, and the wiring between a successful login and the per-user
// poll loop.
package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"kpibot/internal/eventbus"
	"kpibot/internal/kpi"
	rtsup "kpibot/internal/runtime/supervisor"
	"kpibot/internal/session"
	kit "kpibot/internal/transport"
	logx "kpibot/pkg/logx"
)

// Authenticator is the slice of the KPI client the controller needs.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*kpi.LoginResult, error)
}

// PollerControl starts and stops per-user poll loops.
type PollerControl interface {
	Spawn(userID int64) bool
	StopUser(userID int64)
	Running(userID int64) bool
}

type Config struct {
	// WebAppURL is attached to login/status replies as an inline button.
	// Empty disables the button.
	WebAppURL string
}

// conversation is the per-user login dialog state. Only the login flow is
// stateful; every command works from any state.
type convState int

const (
	stateIdle convState = iota
	stateAwaitUsername
	stateAwaitPassword
)

type conversation struct {
	state    convState
	username string

	// busy blocks a second credential check while one is in flight.
	busy bool

	// cancelled is set by /cancel while busy; the in-flight check discards
	// its outcome instead of reviving the dialog.
	cancelled bool
}

type Controller struct {
	mu    sync.Mutex
	cfg   Config
	convs map[int64]*conversation

	sessions *session.Store
	auth     Authenticator
	pollers  PollerControl
	adapter  kit.Adapter
	bus      eventbus.Bus
	log      logx.Logger
}

func New(cfg Config, sessions *session.Store, auth Authenticator, pollers PollerControl, adapter kit.Adapter, bus eventbus.Bus, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:      cfg,
		convs:    map[int64]*conversation{},
		sessions: sessions,
		auth:     auth,
		pollers:  pollers,
		adapter:  adapter,
		bus:      bus,
		log:      log,
	}
}

// Apply picks up hot-reloaded settings.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Run consumes updates until ctx is done or the channel closes. Each update
// is handled in its own goroutine so one user's slow login check cannot
// stall everyone else's commands.
func (c *Controller) Run(ctx context.Context, updates <-chan kit.Update) {
	sup := rtsup.New(ctx, rtsup.WithLogger(c.log))
	defer func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Wait(waitCtx)
		sup.Cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			msg := upd.Message
			if msg == nil || msg.IsGroup {
				continue
			}
			m := *msg
			sup.Go0("controller.update", func(hctx context.Context) {
				c.handle(hctx, m)
			})
		}
	}
}

func (c *Controller) handle(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		c.handleCommand(ctx, msg, text)
		return
	}
	c.handleDialog(ctx, msg, text)
}

func (c *Controller) handleCommand(ctx context.Context, msg kit.Message, text string) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	// Strip the "@botname" suffix Telegram adds in some clients.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		c.cmdStart(ctx, msg)
	case "/status":
		c.cmdStatus(ctx, msg)
	case "/logout":
		c.cmdLogout(ctx, msg)
	case "/cancel":
		c.cmdCancel(ctx, msg)
	default:
		c.reply(ctx, msg.FromID, msgUnknownCommand, nil)
	}
}

func (c *Controller) cmdStart(ctx context.Context, msg kit.Message) {
	if s := c.sessions.Get(msg.FromID); s != nil {
		// Already logged in. Make sure the poll loop is alive (it is not,
		// for example, right after a crash-restart of a single loop).
		c.pollers.Spawn(msg.FromID)
		c.reply(ctx, msg.FromID, formatAlreadyLoggedIn(s), c.webAppOptions())
		return
	}

	c.mu.Lock()
	c.convs[msg.FromID] = &conversation{state: stateAwaitUsername}
	c.mu.Unlock()

	c.reply(ctx, msg.FromID, msgAskUsername, nil)
}

func (c *Controller) cmdStatus(ctx context.Context, msg kit.Message) {
	s := c.sessions.Get(msg.FromID)
	if s == nil {
		c.reply(ctx, msg.FromID, msgNotLoggedIn, nil)
		return
	}
	c.reply(ctx, msg.FromID, formatStatus(s, c.pollers.Running(msg.FromID)), c.webAppOptions())
}

func (c *Controller) cmdLogout(ctx context.Context, msg kit.Message) {
	// Order matters: drop the session first so the loop also exits on its
	// own at the next cycle even if StopUser were to miss it.
	had := c.sessions.Delete(msg.FromID)
	c.pollers.StopUser(msg.FromID)

	c.mu.Lock()
	delete(c.convs, msg.FromID)
	c.mu.Unlock()

	if !had {
		c.reply(ctx, msg.FromID, msgNotLoggedIn, nil)
		return
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeLogout, Data: msg.FromID})
	}
	c.reply(ctx, msg.FromID, msgLoggedOut, nil)
}

// cmdCancel ends the login dialog from any state. A check already in flight
// cannot be aborted mid-call, so it is flagged instead; checkCredentials
// discards its outcome when it returns.
func (c *Controller) cmdCancel(ctx context.Context, msg kit.Message) {
	c.mu.Lock()
	conv, ok := c.convs[msg.FromID]
	response := msgNothingToCancel
	switch {
	case !ok || conv.state == stateIdle:
	case conv.busy:
		conv.cancelled = true
		response = msgLoginCancelled
	default:
		delete(c.convs, msg.FromID)
		response = msgLoginCancelled
	}
	c.mu.Unlock()

	c.reply(ctx, msg.FromID, response, nil)
}

// handleDialog advances the login conversation with a plain-text message.
func (c *Controller) handleDialog(ctx context.Context, msg kit.Message, text string) {
	c.mu.Lock()
	conv, ok := c.convs[msg.FromID]
	if !ok || conv.state == stateIdle {
		c.mu.Unlock()
		c.reply(ctx, msg.FromID, msgIdleHint, nil)
		return
	}
	if conv.busy {
		c.mu.Unlock()
		c.reply(ctx, msg.FromID, msgCheckInFlight, nil)
		return
	}

	switch conv.state {
	case stateAwaitUsername:
		conv.username = text
		conv.state = stateAwaitPassword
		c.mu.Unlock()
		c.reply(ctx, msg.FromID, msgAskPassword, nil)

	case stateAwaitPassword:
		username := conv.username
		conv.busy = true
		c.mu.Unlock()
		c.checkCredentials(ctx, msg.FromID, username, text)

	default:
		c.mu.Unlock()
	}
}

// checkCredentials runs the login call behind a visible progress message and
// edits that message in place with the outcome.
func (c *Controller) checkCredentials(ctx context.Context, userID int64, username, password string) {
	ref, err := c.adapter.SendText(ctx, kit.ChatTarget{ChatID: userID}, msgChecking, htmlOptions(nil))
	progress := err == nil

	loginCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	res, err := c.auth.Login(loginCtx, username, password)
	cancel()

	show := func(text string, opt *kit.SendOptions) {
		if progress {
			if err := c.adapter.EditText(ctx, ref, text, opt); err == nil {
				return
			}
		}
		c.reply(ctx, userID, text, opt)
	}

	// /cancel during the check means the outcome is discarded: no session,
	// no poller, no re-opened dialog.
	takeCancelled := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		conv, ok := c.convs[userID]
		if !ok || conv.cancelled {
			delete(c.convs, userID)
			return true
		}
		return false
	}

	if takeCancelled() {
		c.log.Debug("login check discarded after cancel", logx.Int64("user_id", userID))
		show(msgLoginCancelled, nil)
		return
	}

	switch {
	case err == nil:
		c.sessions.Save(&session.Session{
			UserID:       userID,
			AccessToken:  res.Access,
			RefreshToken: res.Refresh,
			Username:     username,
			Profile:      res.User,
		})
		c.mu.Lock()
		delete(c.convs, userID)
		c.mu.Unlock()

		c.pollers.Spawn(userID)
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeLogin, Data: userID})
		}
		c.log.Info("user logged in", logx.Int64("user_id", userID))
		show(formatLoginSuccess(&res.User), c.webAppOptions())

	case errors.Is(err, kpi.ErrInvalidCredentials):
		// Back to the username step, keeping the conversation open.
		c.mu.Lock()
		c.convs[userID] = &conversation{state: stateAwaitUsername}
		c.mu.Unlock()
		c.log.Info("login rejected", logx.Int64("user_id", userID))
		show(msgBadCredentials, nil)

	default:
		// Service trouble is not the user's fault; end the dialog cleanly.
		c.mu.Lock()
		delete(c.convs, userID)
		c.mu.Unlock()
		c.log.Warn("login check failed", logx.Int64("user_id", userID), logx.Err(err))
		show(msgServiceUnavailable, nil)
	}
}

func (c *Controller) webAppOptions() *kit.SendOptions {
	c.mu.Lock()
	url := c.cfg.WebAppURL
	c.mu.Unlock()
	if url == "" {
		return htmlOptions(nil)
	}
	return htmlOptions(&kit.WebAppButton{Text: "📬 Open inbox", URL: url})
}

func htmlOptions(btn *kit.WebAppButton) *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, WebApp: btn}
}

func (c *Controller) reply(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) {
	if opt == nil {
		opt = htmlOptions(nil)
	}
	if _, err := c.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
