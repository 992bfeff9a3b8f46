// Package app is the composition root: it wires config, logging, storage,
// the session keeper, dispatch and the operator surfaces, and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wablast/internal/config"
	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	"wablast/internal/httpapi"
	"wablast/internal/metrics"
	"wablast/internal/provider/whatsapp"
	"wablast/internal/retention"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/session"
	"wablast/internal/storage"
	"wablast/internal/transport/telegram"
	logx "wablast/pkg/logx"
	"wablast/pkg/systemd"
)

const openTimeout = 30 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	wa       *whatsapp.Factory
	sess     *session.Manager
	engine   *dispatch.Engine
	dispatch *dispatch.Service
	server   *httpapi.Server
	bot      *telegram.Bot
	pruner   *retention.Service

	notify systemd.Notifier
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The Telegram sink is enabled only after the bot exists and is set as sender.
	logCfg := mapLogging(cfg)
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, root: log, log: appLog, logs: logSvc, bus: eventbus.New(), notify: systemd.Default}
	if err := a.build(cfg, log); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	if a.bot != nil {
		logSvc.SetSender(a.bot)
		logSvc.Apply(mapLogging(cfg))
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	sessCfg, waCfg, err := mapSession(cfg)
	if err != nil {
		return err
	}
	octx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	a.wa, err = whatsapp.Open(octx, waCfg, comp("whatsapp"))
	if err != nil {
		return err
	}
	a.sess = session.New(sessCfg, a.wa.New, comp("session"),
		session.WithBus(a.bus),
		session.WithObserver(met),
	)

	engCfg, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	svcCfg, err := mapDispatchService(cfg)
	if err != nil {
		return err
	}
	a.engine = dispatch.NewEngine(engCfg, a.sess, comp("dispatch"))
	opts := []dispatch.ServiceOption{dispatch.WithServiceBus(a.bus), dispatch.WithServiceObserver(met)}
	if a.store != nil {
		opts = append(opts, dispatch.WithStore(a.store))
	}
	a.dispatch = dispatch.NewService(svcCfg, a.engine, comp("dispatch"), opts...)

	srvCfg, err := mapHTTPServer(cfg)
	if err != nil {
		return err
	}
	router := httpapi.NewRouter(httpapi.Config{
		Session:        a.sess,
		Dispatch:       a.dispatch,
		Store:          a.store,
		Health:         func() any { return a.sup.Snapshot() },
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		StaticDir:      cfg.HTTP.StaticDir,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		CSVColumn:      cfg.Dispatch.CSVColumn,
		QRSize:         cfg.HTTP.QRSize,
		Token:          cfg.HTTP.Token,
		Pprof:          cfg.HTTP.Pprof,
		Logger:         comp("http"),
	})
	a.server = httpapi.NewServer(srvCfg, router, comp("http"))

	if cfg.Telegram.Enabled() {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return err
		}
		a.bot, err = telegram.New(tc, a.sess, comp("telegram"),
			telegram.WithJobs(a.dispatch),
			telegram.WithBus(a.bus),
		)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}

	if a.store != nil {
		rc, err := mapRetention(cfg)
		if err != nil {
			return err
		}
		a.pruner = retention.New(rc, a.store, comp("retention"))
	}
	return nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
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

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sess.Start(a.sup)
	a.dispatch.Start(a.sup)
	a.sup.GoRestart("http.server", a.server.Serve,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithMaxRestarts(5),
	)
	if a.bot != nil {
		a.bot.Start(a.sup)
	}
	if a.pruner != nil {
		if err := a.pruner.Start(a.sup); err != nil {
			return err
		}
	}

	a.startEventLog()
	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := systemd.Ready(a.notify); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify READY sent")
	}
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, a.notify, iv, func() bool { return a.sup.Err() == nil })
		})
	}

	a.log.Info("app started")
	return nil
}

// startEventLog logs bus traffic at debug and mirrors session state to the
// systemd status line.
func (a *App) startEventLog() {
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
				if st, isState := e.Data.(session.Status); isState {
					_, _ = systemd.Status(a.notify, "session "+st.State.String())
				}
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	_, _ = systemd.Stopping(a.notify)

	// Cancelling the supervisor unwinds every loop: the HTTP server shuts
	// down, the dispatch worker returns, the session tears its connection down.
	a.sup.Cancel()
	a.step(ctx, "supervisor", 20*time.Second, a.sup.Wait)
	a.step(ctx, "resources", 5*time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() {
	if a.wa != nil {
		if err := a.wa.Close(); err != nil {
			a.log.Warn("closing device store failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing storage failed", logx.Err(err))
		}
	}
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
