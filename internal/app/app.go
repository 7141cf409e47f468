// Package app wires the relay together: config, logging, storage, the status
// probe, the subscription manager, the wake notifier and the Telegram
// transport. It owns start/stop ordering and config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"ilswbot/internal/config"
	"ilswbot/internal/eventbus"
	"ilswbot/internal/notifier"
	"ilswbot/internal/observability/debug"
	"ilswbot/internal/probe"
	"ilswbot/internal/runtime/supervisor"
	"ilswbot/internal/storage"
	"ilswbot/internal/subscription"
	kit "ilswbot/internal/transport"
	"ilswbot/internal/transport/telegram/adapter"
	"ilswbot/internal/transport/telegram/router"
	logx "ilswbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter *adapter.Adapter
	prober  *probe.HTTPProber
	subs    *subscription.Manager
	notif   *notifier.Service
	router  *router.Router
	debug   *debug.Service

	updates chan kit.Update
	started time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkTiming(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	ad, err := adapter.New(mapAdapterConfig(cfg), bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	// Start with the Telegram sink off so Apply doesn't warn about a
	// missing target, then enable it once the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver), logx.String("path", cfg.Storage.Path))

	bus := eventbus.New()
	prober := probe.NewHTTP(mapProbeConfig(cfg), nil, root)
	subs := subscription.NewManager(store, prober, bus, root, mapSettings(cfg))
	notif := notifier.New(mapNotifierConfig(cfg), ad, store, prober, subs, bus, root)
	rt := router.New(mapRouterConfig(cfg, ad.Username()), ad, subs, root)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		prober:  prober,
		subs:    subs,
		notif:   notif,
		router:  rt,
		updates: make(chan kit.Update, 256),
	}
	a.debug = debug.New(mapDebugConfig(cfg), a.health, root)
	return a, nil
}

// checkTiming rejects a probe timeout that would not fit in one notifier
// tick. Overlapping ticks are skipped, so such a config would starve waiters.
func checkTiming(cfg *config.Config) error {
	interval := config.DurationOr(cfg.Notifier.Interval, notifier.DefaultInterval)
	timeout := config.DurationOr(cfg.Status.Timeout, probe.DefaultTimeout)
	if timeout >= interval {
		return fmt.Errorf("status.timeout (%s) must be shorter than notifier.interval (%s)", timeout, interval)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkTiming(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	menuCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, router.Commands()); err != nil {
		a.log.Warn("menu commands not updated", logx.Err(err))
	}
	cancel()

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.notif.Start(a.sup.Context())
	a.debug.Start(a.sup.Context())

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Int64("chat_id", e.ChatID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts; only the newest config matters
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(applied, next)
				applied = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()
	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("bot", a.adapter.Username()))
	return nil
}

// applyConfig pushes a reloaded config to every live component. Sections that
// cannot change at runtime are only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	sum := config.SummarizeConfigChange(prev, next)
	if len(sum.Sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sum.Sections, ","))}, sum.Fields...)...)

	if len(sum.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(sum.RestartRequired, ",")))
	}

	if sum.Changed("telegram") || sum.Changed("logging") {
		// target first so Apply doesn't warn when Telegram logging is enabled
		a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogConfig(next))
	}
	if sum.Changed("status") {
		a.prober.Apply(mapProbeConfig(next))
	}
	if sum.Changed("tracked") || sum.Changed("texts") {
		a.subs.Apply(mapSettings(next))
	}
	if sum.Changed("notifier") || sum.Changed("texts") {
		a.notif.Apply(mapNotifierConfig(next))
	}
	if sum.Changed("debug") {
		a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(next))
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sum.Sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// never extend the caller's deadline
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(stepCtx, max)
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
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Notifier first, while its context is live, so an in-flight wake batch
	// finishes and clears the flags of chats it already messaged.
	step("notifier", 3*time.Second, a.notif.Stop)

	// then cancel so the remaining background loops start unwinding
	a.sup.Cancel()
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("debug", 2*time.Second, a.debug.Stop)
	// dispatcher, reload and watch loops; they may still touch storage
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
