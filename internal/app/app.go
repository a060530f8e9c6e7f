// Package app assembles the bot: config, logging, the Telegram adapter, the
// KPI client, sessions, pollers, notifier and the conversation controller.
// It owns startup order, config hot-reload fanout and stepped shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kpibot/internal/config"
	"kpibot/internal/controller"
	"kpibot/internal/eventbus"
	"kpibot/internal/kpi"
	"kpibot/internal/notifier"
	"kpibot/internal/poller"
	rtsup "kpibot/internal/runtime/supervisor"
	"kpibot/internal/session"
	kit "kpibot/internal/transport"
	tgadapter "kpibot/internal/transport/telegram/adapter"
	logx "kpibot/pkg/logx"
)

const updatesBuffer = 128

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	adapter  *tgadapter.Adapter
	api      *kpi.Client
	sessions *session.Store
	notif    *notifier.Service
	pollers  *poller.Manager
	ctrl     *controller.Controller
}

// New loads the config at path and constructs every component. Nothing is
// started yet; Run does that.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return Validate(c) })

	bus := eventbus.New()

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := tgadapter.New(tgadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	reqTimeout, _ := config.ParseDurationOrDefault("api.request_timeout", cfg.API.RequestTimeout, 15*time.Second)
	api, err := kpi.NewClient(kpi.Config{
		BaseURL:        cfg.API.BaseURL,
		RequestTimeout: reqTimeout,
	})
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	sessions := session.NewStore()

	notif := notifier.New(notifierConfig(cfg), adapter, log.With(logx.String("comp", "notifier")), bus)

	pcfg, _ := pollerConfig(cfg)
	pollers := poller.NewManager(pcfg, sessions, api, notif, bus, log.With(logx.String("comp", "poller")))

	ctrl := controller.New(controller.Config{WebAppURL: cfg.WebApp.URL},
		sessions, api, pollers, adapter, bus, log.With(logx.String("comp", "controller")))

	return &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log,
		bus:      bus,
		adapter:  adapter,
		api:      api,
		sessions: sessions,
		notif:    notif,
		pollers:  pollers,
		ctrl:     ctrl,
	}, nil
}

// Validate rejects configs the bot cannot run with. Used both at startup and
// as the hot-reload gate.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(cfg.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("api.request_timeout", cfg.API.RequestTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("poller.interval", cfg.Poller.Interval); err != nil {
		return err
	}
	if cfg.Notifier.Workers < 0 || cfg.Notifier.QueueSize < 0 || cfg.Notifier.RatePerSec < 0 {
		return errors.New("notifier values must be >= 0")
	}
	return nil
}

func notifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
	}
}

func pollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 5*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Interval: interval, WebAppURL: cfg.WebApp.URL}, nil
}

// Run starts everything and blocks until ctx is cancelled or a fatal
// component error cancels the supervisor. Shutdown is stepped with per-step
// deadlines so one stuck component cannot hang the process.
func (a *App) Run(ctx context.Context) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app"))),
		rtsup.WithCancelOnError(true),
	)

	// The notifier is not tied to the supervisor context: its workers exit
	// when Stop closes the queue, so notifications still queued at shutdown
	// drain within Stop's deadline.
	a.notif.Start(context.Background())
	a.pollers.Start(sup.Context())

	updates := make(chan kit.Update, updatesBuffer)
	if err := a.adapter.Start(sup.Context(), updates); err != nil {
		sup.Cancel()
		a.shutdown()
		return fmt.Errorf("start telegram adapter: %w", err)
	}

	sup.Go0("controller.dispatch", func(c context.Context) {
		a.ctrl.Run(c, updates)
	})

	sup.Go("config.watch", a.cfgMgr.Watch)

	cfgCh := a.cfgMgr.Subscribe(2)
	sup.Go0("config.fanout", func(c context.Context) {
		defer a.cfgMgr.Unsubscribe(cfgCh)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	events, unsub := a.bus.Subscribe(64)
	sup.Go0("events.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("bot started", logx.Int("updates_buffer", updatesBuffer))

	<-sup.Context().Done()

	a.log.Info("shutting down")
	a.shutdown()
	sup.Cancel()

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := sup.Wait(waitCtx)
	_ = a.logSvc.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if serr := sup.Err(); serr != nil && !errors.Is(serr, context.Canceled) {
		return serr
	}
	return nil
}

// applyConfig fans a hot-reloaded config out to the live components. The
// Telegram token and API base URL need a restart; everything else applies
// in place.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if pcfg, err := pollerConfig(cfg); err == nil {
		a.pollers.Apply(pcfg)
	}
	a.notif.Apply(notifierConfig(cfg))
	a.ctrl.Apply(controller.Config{WebAppURL: cfg.WebApp.URL})

	a.log.Info("config applied",
		logx.String("log_level", cfg.Logging.Level),
		logx.String("poll_interval", cfg.Poller.Interval))
}

// shutdown stops the outer surface first (no new updates), then the loops
// that produce notifications, then the notifier so queued messages drain.
func (a *App) shutdown() {
	step := func(name string, d time.Duration, fn func(ctx context.Context)) {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		start := time.Now()
		fn(ctx)
		a.log.Debug("shutdown step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	step("telegram", 3*time.Second, func(ctx context.Context) { _ = a.adapter.Stop(ctx) })
	step("pollers", 5*time.Second, a.pollers.Stop)
	step("notifier", 5*time.Second, a.notif.Stop)
}
