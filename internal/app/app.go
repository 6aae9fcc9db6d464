// Package app wires configuration, storage, transport, and the services
// into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"gatebot/internal/approval"
	"gatebot/internal/bot"
	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/notify"
	rtsup "gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	tgadapter "gatebot/internal/transport/telegram/adapter"
	logx "gatebot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	log    logx.Logger

	store       storage.Store
	adapter     *tgadapter.Adapter
	notifier    *notify.Service
	approvals   *approval.Service
	broadcaster *broadcast.Service
	router      *bot.Router

	sup     *rtsup.Supervisor
	cron    *cron.Cron
	cfgSub  chan *config.Config
	updates chan kit.Update
}

// New loads and validates the config and constructs every component.
// Any error here is fatal: the process must not start partially configured.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, _ := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	adapter, err := tgadapter.New(tgadapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init telegram adapter: %w", err)
	}

	notifier := notify.New(notifierConfig(cfg), adapter, log.With(logx.String("comp", "notify")))

	markup := func(rows ...[]kit.Button) any { return tgadapter.InlineMarkup(rows...) }
	approvals := approval.New(
		approval.Config{ApproverID: cfg.Approval.ApproverID},
		store, adapter, notifier, markup,
		log.With(logx.String("comp", "approval")),
	)

	broadcaster := broadcast.New(broadcastConfig(cfg), store, adapter, log.With(logx.String("comp", "broadcast")))

	router := bot.New(
		bot.Config{ApproverID: cfg.Approval.ApproverID},
		adapter, approvals, broadcaster, store,
		log.With(logx.String("comp", "router")),
	)

	return &App{
		cfgMgr:      mgr,
		log:         log,
		store:       store,
		adapter:     adapter,
		notifier:    notifier,
		approvals:   approvals,
		broadcaster: broadcaster,
		router:      router,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))

	a.notifier.Start(a.sup.Context())
	a.broadcaster.Start(a.sup.Context())

	a.updates = make(chan kit.Update, 256)
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}

	updates := a.updates
	a.sup.Go0("router", func(c context.Context) {
		a.router.Run(c, updates)
	})

	// Config hot reload: the watcher feeds the manager, the apply loop feeds
	// the services.
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch,
		rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
	)
	a.cfgSub = a.cfgMgr.Subscribe(1)
	sub := a.cfgSub
	a.sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				if cfg == nil {
					continue
				}
				a.broadcaster.Apply(broadcastConfig(cfg))
				a.notifier.Apply(notifierConfig(cfg))
				a.log.Info("runtime config applied")
			}
		}
	})

	a.startMaintenance()

	a.log.Info("gatebot started")
	return nil
}

// startMaintenance schedules the background prune of decided-submission
// markers.
func (a *App) startMaintenance() {
	cfg := a.cfgMgr.Get()
	schedule := "@hourly"
	retain := 24 * time.Hour
	if cfg != nil && cfg.Maintain != nil {
		if cfg.Maintain.PruneSchedule != "" {
			schedule = cfg.Maintain.PruneSchedule
		}
		if d, err := config.ParseDurationField("maintenance.retain_decided", cfg.Maintain.RetainDecided); err == nil && d > 0 {
			retain = d
		}
	}

	a.cron = cron.New()
	_, err := a.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.store.PruneDecided(ctx, time.Now().Add(-retain))
		if err != nil {
			a.log.Warn("prune decided submissions failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("pruned decided submissions", logx.Int("count", n))
		}
	})
	if err != nil {
		a.log.Warn("maintenance schedule invalid; prune disabled", logx.String("schedule", schedule), logx.Err(err))
		a.cron = nil
		return
	}
	a.cron.Start()
}

// Stop shuts the pipeline down back-to-front: intake first, then the
// services draining outbound work, then storage.
func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}

	a.broadcaster.Stop(ctx)
	a.notifier.Stop(ctx)

	if a.cfgSub != nil {
		a.cfgMgr.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}

	var err error
	if a.sup != nil {
		if werr := a.sup.Stop(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}

	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}

	a.log.Info("gatebot stopped")
	_ = a.log.Close()
	return err
}

func broadcastConfig(cfg *config.Config) broadcast.Config {
	poll, _ := config.ParseDurationField("broadcast.poll_interval", cfg.Broadcast.PollInterval)
	send, _ := config.ParseDurationField("broadcast.send_interval", cfg.Broadcast.SendInterval)
	return broadcast.Config{
		PollInterval: poll,
		Workers:      cfg.Broadcast.Workers,
		QueueSize:    cfg.Broadcast.QueueSize,
		SendInterval: send,
	}
}

func notifierConfig(cfg *config.Config) notify.Config {
	base, _ := config.ParseDurationField("notifier.retry_base", cfg.Notifier.RetryBase)
	maxDelay, _ := config.ParseDurationField("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay)
	window, _ := config.ParseDurationField("notifier.dedup_window", cfg.Notifier.DedupWindow)
	return notify.Config{
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   window,
	}
}
