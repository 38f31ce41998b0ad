// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"postbot/internal/batch"
	"postbot/internal/browser"
	"postbot/internal/config"
	"postbot/internal/eventbus"
	"postbot/internal/httpapi"
	"postbot/internal/instruction"
	"postbot/internal/model"
	"postbot/internal/notifier"
	"postbot/internal/provider"
	"postbot/internal/queue"
	"postbot/internal/registry"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
	"postbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg     *registry.Registry
	session *browser.Session
	prov    *provider.Client
	batch   *batch.Scheduler
	queue   *queue.Queue
	notif   *notifier.Service
	sched   *schedule.Service
	http    *httpapi.Server

	httpEnabled bool
	notifToken  string
}

// New loads the config at cfgPath (plus .env) and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.Registry.Path, log.With(logx.String("comp", "registry")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	session := NewSession(cfg, log)
	prov := provider.New(mapProviderConfig(cfg), log.With(logx.String("comp", "provider")))
	interp := instruction.New(log.With(logx.String("comp", "interpreter")), instruction.WithTimeouts(mapTimeouts(cfg)))

	sched := batch.New(mapBatchConfig(cfg), batch.Deps{
		Registry: reg,
		Provider: prov,
		Launcher: session,
		Executor: interp,
		Log:      log.With(logx.String("comp", "batch")),
		Bus:      bus,
	})
	if cfg.Batch.Concurrency != 0 {
		if err := sched.SetConcurrency(cfg.Batch.Concurrency); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	q := queue.New(store, sched, log.With(logx.String("comp", "queue")), bus)

	a := &App{
		cfgm:        cfgm,
		log:         log.With(logx.String("comp", "app")),
		logs:        logSvc,
		bus:         bus,
		store:       store,
		reg:         reg,
		session:     session,
		prov:        prov,
		batch:       sched,
		queue:       q,
		httpEnabled: cfg.HTTP.Enabled,
	}

	a.notif = notifier.New(mapNotifierConfig(cfg), nil, log.With(logx.String("comp", "notifier")), bus)
	a.applyNotifierToken(notifierToken(cfg))

	a.sched = schedule.New(q, log.With(logx.String("comp", "schedule")))
	if err := a.sched.Apply(mapSchedules(cfg)); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.http = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
		Queue:       q,
		Registry:    reg,
		Concurrency: sched,
		Session:     session,
		History:     store,
		Logs:        logSvc,
		Schedules:   a.sched,
		Log:         log,
	})
	return a, nil
}

// OpenStore opens the configured queue and history store.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

// NewSession returns the browser session manager for cfg.
func NewSession(cfg *config.Config, log logx.Logger) *browser.Session {
	return browser.NewSession(mapBrowserConfig(cfg), log.With(logx.String("comp", "browser")))
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

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return a.sched.Validate(mapSchedules(cfg))
	})

	if n := a.queue.Load(a.sup.Context()); n > 0 {
		a.log.Info("resuming persisted jobs", logx.Int("jobs", n))
	}
	a.sup.Go("queue", a.queue.Run)
	a.sup.Go("notifier", a.notif.Run)
	a.sched.Start()

	if a.httpEnabled {
		a.sup.Go("http", a.http.Serve)
	}

	a.sup.Go("systemd.watchdog", systemd.Watchdog)
	a.watchEvents()
	a.watchConfig()

	a.sup.Go("config.watch", a.cfgm.Watch)

	if !a.session.Exists() {
		a.log.Warn("no saved browser session; run the login command before posting")
	}
	_, _ = systemd.Ready()
	a.setStatus()
	a.log.Info("app started")
	return nil
}

func (a *App) setStatus() {
	s := "idle"
	if n := a.queue.Len(); n > 0 {
		s = strconv.Itoa(n) + " queued"
	}
	if a.queue.Processing() {
		s = "posting, " + s
	}
	_, _ = systemd.Status(s)
}

// watchEvents logs bus traffic at debug level and mirrors queue state into
// the systemd status line.
func (a *App) watchEvents() {
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
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.String("job", e.JobID), logx.Time("time", e.Time))
				switch e.Type {
				case eventbus.JobEnqueued, eventbus.JobStarted, eventbus.JobFinished, eventbus.JobFailed:
					a.setStatus()
				}
			}
		}
	})
}

func (a *App) watchConfig() {
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
				_, _ = systemd.Reloading()
				a.apply(lastApplied, newCfg)
				lastApplied = newCfg
				_, _ = systemd.Ready()
			}
		}
	})
}

// apply pushes a committed config into the running components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.prov.Apply(mapProviderConfig(newCfg))
	a.session.Apply(mapBrowserConfig(newCfg))
	a.batch.Apply(mapBatchConfig(newCfg))
	if newCfg.Batch.Concurrency != 0 && newCfg.Batch.Concurrency != oldCfg.Batch.Concurrency {
		if err := a.batch.SetConcurrency(newCfg.Batch.Concurrency); err != nil {
			a.log.Warn("batch.concurrency not applied", logx.Err(err))
		}
	}

	a.notif.Apply(mapNotifierConfig(newCfg))
	a.applyNotifierToken(notifierToken(newCfg))

	if err := a.sched.Apply(mapSchedules(newCfg)); err != nil {
		a.log.Warn("schedules not applied; keeping previous", logx.Err(err))
	}

	a.http.Apply(mapHTTPConfig(newCfg))

	var restart []string
	if oldCfg.Storage != newCfg.Storage {
		restart = append(restart, "storage")
	}
	if oldCfg.Registry != newCfg.Registry {
		restart = append(restart, "registry")
	}
	if oldCfg.Browser.Timeouts != newCfg.Browser.Timeouts {
		restart = append(restart, "browser.timeouts")
	}
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled || oldCfg.HTTP.Addr != newCfg.HTTP.Addr || oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof ||
		!reflect.DeepEqual(oldCfg.HTTP.CORSOrigins, newCfg.HTTP.CORSOrigins) {
		restart = append(restart, "http.listener")
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// applyNotifierToken rebuilds the Telegram sender when the token changes.
// An empty token detaches the sender.
func (a *App) applyNotifierToken(token string) {
	if token == a.notifToken {
		return
	}
	a.notifToken = token
	if token == "" {
		a.notif.SetSender(nil)
		return
	}
	tg, err := notifier.NewTelegram(token)
	if err != nil {
		a.log.Warn("telegram notifier unavailable", logx.Err(err))
		a.notif.SetSender(nil)
		return
	}
	a.notif.SetSender(tg)
}

// Enqueue submits a job from outside the HTTP surface (CLI, tests).
func (a *App) Enqueue(req model.JobRequest) (string, error) { return a.queue.Enqueue(req) }

// Stop cancels every loop and releases resources. The job being processed,
// if any, stays at the head of the persisted queue.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.queue.Stop()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("schedules", 2*time.Second, a.sched.Stop)
	step("supervisor", 10*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
