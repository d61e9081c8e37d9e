// Package app assembles the daemon: config, logging, storage, recovery,
// the admission controller, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/api"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/executor/cmdrunner"
	"dispatchd/internal/janitor"
	"dispatchd/internal/push"
	"dispatchd/internal/recovery"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	runner *cmdrunner.Runner
	ctrl   *dispatch.Controller
	jan    *janitor.Service
	notif  *push.Notifier
	api    *api.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		logs.Close()
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	runner, err := mapRunner(cfg, log.With(logx.String("comp", "executor")))
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}

	settings, err := dispatch.SettingsFromConfig(cfg.Queue)
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}
	ctrl := dispatch.New(settings, store, runner, log.With(logx.String("comp", "dispatch")), bus)

	janOpts, err := janitor.OptionsFromConfig(cfg.Janitor)
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}
	jan := janitor.New(janOpts, store, log.With(logx.String("comp", "janitor")), bus)

	notif := push.New(push.OptionsFromConfig(cfg.Push), store, log.With(logx.String("comp", "push")), bus)

	apiOpts, err := api.OptionsFromConfig(cfg.API)
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}
	srv := api.New(apiOpts, ctrl, store, notif, log.With(logx.String("comp", "api")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     bus,
		store:   store,
		runner:  runner,
		ctrl:    ctrl,
		jan:     jan,
		notif:   notif,
		api:     srv,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Drain the interrupted-execution ledger and fail orphans before the
	// admission loop starts claiming work.
	sum, err := recovery.Recover(a.sup.Context(), a.store, a.ctrl.RecoveredPriority(),
		a.log.With(logx.String("comp", "recovery")), a.bus)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if sum.OrphansFailed > 0 || sum.Resumed > 0 || sum.Skipped > 0 || sum.Failed > 0 {
		a.log.Info("recovery complete",
			logx.Int64("orphans_failed", sum.OrphansFailed),
			logx.Int("resumed", sum.Resumed),
			logx.Int("skipped", sum.Skipped),
			logx.Int("failed", sum.Failed),
		)
	}

	a.ctrl.Start(a.sup.Context())
	if err := a.jan.Start(); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if err := a.api.Start(); err != nil {
		return err
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "api":
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	// apply logging updates first so later log lines honor the new level
	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if settings, err := dispatch.SettingsFromConfig(newCfg.Queue); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.ctrl.Apply(settings)
	}

	if strings.TrimSpace(newCfg.Executor.Command) == "" {
		a.log.Warn("invalid executor config; keeping previous",
			logx.String("err", "executor.command is required"))
	} else if grace, err := config.ParseDurationField("executor.stop_grace", newCfg.Executor.StopGrace); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.runner.Configure(newCfg.Executor.Command, newCfg.Executor.Args, grace)
	}

	if opts, err := janitor.OptionsFromConfig(newCfg.Janitor); err != nil {
		a.log.Warn("invalid janitor config; keeping previous", logx.Err(err))
	} else if err := a.jan.Apply(ctx, opts); err != nil {
		a.log.Warn("janitor apply failed", logx.Err(err))
	}

	a.notif.Apply(push.OptionsFromConfig(newCfg.Push))

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the app run context so background loops start unwinding
	// immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// API first so no new submissions race the ledger write.
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("push", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	// Dispatch writes in-flight executions to the interrupted ledger; give
	// it room to stop child processes.
	step("dispatch", 15*time.Second, func(c context.Context) error { a.ctrl.Stop(c); return nil })
	step("janitor", 2*time.Second, func(c context.Context) error { a.jan.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapRunner(cfg *config.Config, log logx.Logger) (*cmdrunner.Runner, error) {
	if strings.TrimSpace(cfg.Executor.Command) == "" {
		return nil, fmt.Errorf("executor.command is required")
	}
	grace, err := config.ParseDurationField("executor.stop_grace", cfg.Executor.StopGrace)
	if err != nil {
		return nil, err
	}
	return cmdrunner.New(cfg.Executor.Command, cfg.Executor.Args, grace, log), nil
}

// validateConfig gates hot reloads: a config that fails here is rejected
// before any component sees it.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Executor.Command) == "" {
		return fmt.Errorf("executor.command is required")
	}
	if _, err := config.ParseDurationField("executor.stop_grace", cfg.Executor.StopGrace); err != nil {
		return err
	}
	if _, err := dispatch.SettingsFromConfig(cfg.Queue); err != nil {
		return err
	}
	if _, err := janitor.OptionsFromConfig(cfg.Janitor); err != nil {
		return err
	}
	if _, err := api.OptionsFromConfig(cfg.API); err != nil {
		return err
	}
	return nil
}
