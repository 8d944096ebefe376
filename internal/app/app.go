// Package app wires configuration, logging, storage, the scheduler, and its
// consumers into one runnable bot process.
package app

import (
	"context"
	"fmt"
	"time"

	"modbot/internal/audit"
	"modbot/internal/config"
	"modbot/internal/eventbus"
	"modbot/internal/janitor"
	"modbot/internal/moderation"
	"modbot/internal/observability/debugserver"
	"modbot/internal/runtime/supervisor"
	"modbot/internal/scheduler"
	"modbot/internal/storage"
	"modbot/internal/transport"
	"modbot/internal/transport/console"
	logx "modbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	sched *scheduler.Service
	mod   *moderation.Service
	rec   *audit.Recorder
	jan   *janitor.Service
	dbg   *debugserver.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "transport"))
	adapter := console.New(bootLog)

	// logx.New applies the config immediately. Bootstrap with the relay
	// disabled, set the target, then Apply the final config so a configured
	// relay never warns about a missing target.
	baseLogCfg := mapLoggingConfig(cfg)
	relayEnabled := baseLogCfg.Relay.Enabled
	baseLogCfg.Relay.Enabled = false
	logSvc, log := logx.New(baseLogCfg, adapter)
	log = log.With(logx.String("comp", "app"))

	logSvc.SetRelayTarget(transport.ChannelTarget{
		GuildID:   cfg.Discord.ModLogGuildID,
		ChannelID: cfg.Discord.ModLogChannelID,
	})
	if relayEnabled {
		final := baseLogCfg
		final.Relay.Enabled = true
		logSvc.Apply(final)
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := scheduler.NewRegistry()
	sched := scheduler.New(schedCfg, store, reg, bus, log.With(logx.String("comp", "scheduler")))

	mod := moderation.New(adapter, sched, transport.ChannelTarget{
		GuildID:   cfg.Discord.ModLogGuildID,
		ChannelID: cfg.Discord.ModLogChannelID,
	}, log.With(logx.String("comp", "moderation")))
	// Handlers must exist before any guild is resumed.
	mod.RegisterKinds(reg)

	rec := audit.NewRecorder(bus, store, log.With(logx.String("comp", "audit")))

	janCfg, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	jan := janitor.New(janCfg, store, log.With(logx.String("comp", "janitor")))

	dbg := debugserver.New(debugserver.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}, sched, log.With(logx.String("comp", "debug")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: adapter,
		sched:   sched,
		mod:     mod,
		rec:     rec,
		jan:     jan,
		dbg:     dbg,
	}, nil
}

// Moderation exposes the moderation service for command frontends.
func (a *App) Moderation() *moderation.Service { return a.mod }

// Scheduler exposes the scheduler for operational snapshots.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional reload: a config that fails validation is never committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapLoggingConfigChecked(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapJanitorConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}

	a.rec.Start(a.sup.Context())

	// Resume persisted tasks before the tick loop starts so nothing fires
	// against a half-restored working set.
	if n, err := a.sched.ResumeAll(a.sup.Context()); err != nil {
		return fmt.Errorf("resume persisted tasks: %w", err)
	} else if n > 0 {
		a.log.Info("resumed persisted tasks", logx.Int("count", n))
	}

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if err := a.jan.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.dbg.Enabled() {
		if err := a.dbg.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed config changes at runtime: logging is applied
// live, the scheduler is started/stopped on its enabled flag, and storage or
// janitor changes only warn (they need a restart).
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest committed config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(ctx, newCfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.SetRelayTarget(transport.ChannelTarget{
		GuildID:   cfg.Discord.ModLogGuildID,
		ChannelID: cfg.Discord.ModLogChannelID,
	})
	a.logs.Apply(mapLoggingConfig(cfg))

	prevEnabled := a.sched.Enabled()
	newSchedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		// Validator should have rejected this; keep the previous config.
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	switch {
	case prevEnabled && !newSchedCfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && newSchedCfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.SetEnabled(true)
		a.sched.Start(ctx)
	}
	if !newSchedCfg.Enabled {
		a.sched.SetEnabled(false)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.sup.Cancel()

	// Bound each shutdown step so one stalled component cannot hang the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("debug", 2*time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	step("janitor", 5*time.Second, func(context.Context) error { a.jan.Stop(); return nil })
	// Scheduler stop flushes pending persistence before the store closes.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("audit", 2*time.Second, func(context.Context) error { a.rec.Stop(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
