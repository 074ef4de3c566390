// Package app wires config, logging, the device, the dispatch coordinator
// and the scheduler into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/device"
	"courier/internal/dispatch"
	"courier/internal/endpoint"
	"courier/internal/eventbus"
	"courier/internal/protocol"
	"courier/internal/runtime/supervisor"
	"courier/internal/schedule"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// Options are command line overrides applied on top of the config file.
type Options struct {
	DryRun   bool
	LogLevel string
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	dev    device.Device
	engine *protocol.Engine
	coord  *dispatch.Coordinator
	sched  *schedule.Service
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, opts.LogLevel))
	log = log.With(logx.String("comp", "app"))

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	reg, err := endpoint.New(cfg.Endpoints)
	if err != nil {
		return fail(err)
	}

	devOpts, err := mapDeviceOptions(cfg, opts.DryRun)
	if err != nil {
		return fail(err)
	}
	dev, err := device.Open(devOpts, log.With(logx.String("comp", "device")))
	if err != nil {
		return fail(err)
	}

	pcfg, err := mapProtocolConfig(cfg)
	if err != nil {
		return fail(err)
	}
	eng := protocol.New(pcfg, log.With(logx.String("comp", "protocol")))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	bus := eventbus.New()
	coord, err := dispatch.New(dispatch.Options{
		Config:   dcfg,
		Registry: reg,
		Device:   dev,
		Engine:   eng,
		Log:      log.With(logx.String("comp", "dispatch")),
		Bus:      bus,
		Store:    store,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return fail(err)
	}

	jobs, err := mapJobs(cfg)
	if err != nil {
		return fail(err)
	}
	sched := schedule.New(coord, cfg.Timezone, log)
	if err := sched.Apply(jobs, cfg.Timezone); err != nil {
		return fail(err)
	}

	log.Info("app ready",
		logx.String("device", dev.Name()),
		logx.Int("endpoints", reg.Len()),
		logx.Int("schedules", len(jobs)),
	)

	return &App{
		opts:   opts,
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		dev:    dev,
		engine: eng,
		coord:  coord,
		sched:  sched,
	}, nil
}

func (a *App) Coordinator() *dispatch.Coordinator { return a.coord }
func (a *App) Scheduler() *schedule.Service       { return a.sched }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Logger() logx.Logger                { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the coordinator. With serve, the scheduler and the config
// watcher run too; one-shot commands leave them off.
func (a *App) Start(ctx context.Context, serve bool) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.coord.Start(a.sup.Context()); err != nil {
		return err
	}
	if !serve {
		return nil
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.sched.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
				// keep only the latest pending config
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
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

// applyConfig pushes the hot-reloadable parts of cfg to running components.
// The validator already accepted cfg, so mapping errors here are unexpected.
func (a *App) applyConfig(prev, cfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(cfg, a.opts.LogLevel))

	var errs []error
	if dcfg, err := mapDispatchConfig(cfg); err != nil {
		errs = append(errs, err)
	} else {
		a.coord.Apply(dcfg)
	}
	if pcfg, err := mapProtocolConfig(cfg); err != nil {
		errs = append(errs, err)
	} else {
		a.engine.Apply(pcfg)
	}
	if jobs, err := mapJobs(cfg); err != nil {
		errs = append(errs, err)
	} else if err := a.sched.Apply(jobs, cfg.Timezone); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("config partially applied; keeping previous values", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// scheduler first so nothing new is enqueued while dispatch drains
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "dispatch", 3*time.Second, a.coord.Stop)
	a.sup.Cancel()
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases what NewApp opened when Start never ran.
func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is left running and logged when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		took := time.Since(start)
		lvl := logx.LevelDebug
		if took >= 500*time.Millisecond {
			lvl = logx.LevelInfo
		}
		a.log.Log(lvl, "stop step end", logx.String("name", name), logx.Duration("took", took))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
