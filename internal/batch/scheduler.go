// Package batch fans one job out across its destinations.
//
// One browser instance and one authenticated context serve the whole job.
// Destinations are processed in chunks of at most N concurrent tabs, with a
// staggered tab start inside a chunk and a jittered pause between chunks.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"postbot/internal/browser"
	"postbot/internal/eventbus"
	"postbot/internal/instruction"
	"postbot/internal/model"
	"postbot/internal/pace"
	"postbot/internal/provider"
	logx "postbot/pkg/logx"
)

const (
	MinConcurrency     = 1
	MaxConcurrency     = 5
	DefaultConcurrency = 3
)

var ErrInvalidConcurrency = fmt.Errorf("concurrency must be between %d and %d", MinConcurrency, MaxConcurrency)

// Registry is the part of the destination registry the scheduler needs.
type Registry interface {
	ByCategory(category string) []model.Destination
	BroadcastSet() map[string]bool
	IncrementFailure(url string) error
	AutoName(url, name string) (bool, error)
}

// Provider resolves programs and receives best-effort outcome reports.
type Provider interface {
	GetInstructions(ctx context.Context, actorID, taskType string, data provider.TaskData) (provider.Instructions, error)
	UpdateLog(ctx context.Context, logID, status, errMsg string)
}

// Executor runs programs against tabs.
type Executor interface {
	Open(ctx context.Context, tab browser.Tab, url string) error
	Execute(ctx context.Context, tab browser.Tab, prog instruction.Program) error
}

// NameDetection reads "<guild>: <channel>" from the page after a successful
// run and stores it for destinations still carrying the placeholder name.
type NameDetection struct {
	Enabled         bool
	GuildSelector   string
	ChannelSelector string
}

type Config struct {
	ActorID       string
	TabStaggerMin time.Duration
	TabStaggerMax time.Duration
	ChunkDelayMin time.Duration
	ChunkDelayMax time.Duration
	NameDetection NameDetection
}

func DefaultConfig() Config {
	return Config{
		ActorID:       "ANONYMOUS_USER",
		TabStaggerMin: 500 * time.Millisecond,
		TabStaggerMax: 1500 * time.Millisecond,
		ChunkDelayMin: 5 * time.Second,
		ChunkDelayMax: 10 * time.Second,
	}
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Registry Registry
	Provider Provider
	Launcher browser.Launcher
	Executor Executor
	Log      logx.Logger
	Bus      eventbus.Bus
}

type Scheduler struct {
	reg      Registry
	prov     Provider
	launcher browser.Launcher
	exec     Executor
	log      logx.Logger
	bus      eventbus.Bus

	concurrency atomic.Int32

	mu  sync.RWMutex
	cfg Config

	sleep  pace.SleepFunc
	jitter pace.JitterFunc
}

type Option func(*Scheduler)

// WithPacing replaces the sleep and jitter sources.
func WithPacing(sleep pace.SleepFunc, jitter pace.JitterFunc) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
		if jitter != nil {
			s.jitter = jitter
		}
	}
}

func New(cfg Config, deps Deps, opts ...Option) *Scheduler {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	s := &Scheduler{
		reg:      deps.Registry,
		prov:     deps.Provider,
		launcher: deps.Launcher,
		exec:     deps.Executor,
		log:      deps.Log,
		bus:      deps.Bus,
		cfg:      cfg,
		sleep:    pace.Sleep,
		jitter:   pace.Between,
	}
	s.concurrency.Store(DefaultConcurrency)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps actor, pacing and name detection settings. Concurrency is
// changed only through SetConcurrency.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Scheduler) Concurrency() int { return int(s.concurrency.Load()) }

// SetConcurrency sets the chunk size used from the next job on. Values
// outside [1,5] are rejected and the previous value is kept.
func (s *Scheduler) SetConcurrency(n int) error {
	if n < MinConcurrency || n > MaxConcurrency {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrency, n)
	}
	if old := s.concurrency.Swap(int32(n)); int(old) != n {
		s.log.Info("concurrency updated", logx.Int("from", int(old)), logx.Int("to", n))
	}
	return nil
}

// Chunks splits list into consecutive chunks of at most n items.
func Chunks[T any](list []T, n int) [][]T {
	if n <= 0 {
		n = 1
	}
	out := make([][]T, 0, (len(list)+n-1)/n)
	for i := 0; i < len(list); i += n {
		end := min(i+n, len(list))
		out = append(out, list[i:end])
	}
	return out
}

type programs struct {
	standard  provider.Instructions
	broadcast provider.Instructions
}

func (p programs) pick(broadcast bool) provider.Instructions {
	if broadcast {
		return p.broadcast
	}
	return p.standard
}

// Process runs the single attempt of a post job. Provider errors abort the
// job before any browser is launched; per-destination errors are counted and
// never abort siblings.
func (s *Scheduler) Process(ctx context.Context, job model.Job) (model.Result, error) {
	if job.Type != "" && job.Type != model.TaskPost {
		return model.Result{}, fmt.Errorf("unsupported task kind %q", job.Type)
	}
	cfg := s.config()
	n := s.Concurrency()
	log := s.log.With(logx.String("job", job.ID), logx.String("post_type", job.PostType))

	dests := s.reg.ByCategory(job.PostType)
	if len(dests) == 0 {
		log.Warn("no destinations for category")
		return model.Result{}, nil
	}
	members := s.reg.BroadcastSet()
	log.Info("starting post job", logx.Int("destinations", len(dests)), logx.Int("concurrency", n))

	progs, err := s.resolve(ctx, cfg.ActorID, job)
	if err != nil {
		log.Error("operation aborted by provider", logx.Err(err))
		return model.Result{}, err
	}

	inst, err := s.launcher.Launch(ctx)
	if err != nil {
		return model.Result{}, fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if cerr := inst.Close(); cerr != nil {
			log.Warn("failed to close browser", logx.Err(cerr))
		}
	}()

	var (
		res    model.Result
		resMu  sync.Mutex
		chunks = Chunks(dests, n)
	)
	for ci, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log.Info("processing chunk", logx.Int("chunk", ci+1), logx.Int("of", len(chunks)))
		s.bus.Publish(eventbus.Event{Type: eventbus.ChunkStarted, JobID: job.ID,
			Chunk: &eventbus.Chunk{Index: ci + 1, Of: len(chunks), Size: len(chunk)}})

		var wg sync.WaitGroup
		started := 0
		for _, d := range chunk {
			d.Broadcast = d.Broadcast || members[d.URL]
			if d.Paused {
				log.Info("skipping paused destination", logx.String("url", d.URL))
				resMu.Lock()
				res.Skipped++
				resMu.Unlock()
				s.bus.Publish(eventbus.Event{Type: eventbus.DestinationSkipped, JobID: job.ID, Destination: &d})
				continue
			}
			if started > 0 {
				if err := s.sleep(ctx, s.jitter(cfg.TabStaggerMin, cfg.TabStaggerMax)); err != nil {
					break
				}
			}
			started++

			wg.Add(1)
			go func(d model.Destination) {
				defer wg.Done()
				ok := s.destination(ctx, log, inst, cfg, job.ID, d, progs.pick(d.Broadcast))
				resMu.Lock()
				if ok {
					res.Success++
				} else {
					res.Failed++
				}
				resMu.Unlock()
			}(d)
		}
		wg.Wait()

		if ci < len(chunks)-1 {
			delay := s.jitter(cfg.ChunkDelayMin, cfg.ChunkDelayMax)
			log.Info("waiting before next chunk", logx.Duration("delay", delay))
			if err := s.sleep(ctx, delay); err != nil {
				return res, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	log.Info("post job summary", logx.Int("success", res.Success), logx.Int("failed", res.Failed), logx.Int("skipped", res.Skipped))
	return res, nil
}

// resolve requests both traffic-class programs in parallel. The first error
// cancels the other request.
func (s *Scheduler) resolve(ctx context.Context, actor string, job model.Job) (programs, error) {
	var p programs
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(everyone bool, dst *provider.Instructions) func() error {
		return func() error {
			ins, err := s.prov.GetInstructions(gctx, actor, provider.TaskPostMessage, provider.TaskData{
				Message:     job.Message,
				IsEveryone:  everyone,
				Attachments: job.Attachments,
			})
			if err != nil {
				return err
			}
			*dst = ins
			return nil
		}
	}
	g.Go(fetch(false, &p.standard))
	g.Go(fetch(true, &p.broadcast))
	if err := g.Wait(); err != nil {
		return programs{}, err
	}
	return p, nil
}

// destination processes one destination in its own tab and reports whether
// it succeeded. It never panics and never returns an error.
func (s *Scheduler) destination(ctx context.Context, log logx.Logger, inst browser.Instance, cfg Config, jobID string, d model.Destination, ins provider.Instructions) (ok bool) {
	log = log.With(logx.String("url", d.URL))
	defer func() {
		if r := recover(); r != nil {
			log.Error("destination task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			ok = false
			s.fail(ctx, log, jobID, d, ins.LogID, fmt.Errorf("panic: %v", r))
		}
	}()

	err := s.run(ctx, inst, cfg, log, d, ins.Program)
	if err != nil {
		s.fail(ctx, log, jobID, d, ins.LogID, err)
		return false
	}

	log.Info("message sent")
	s.bus.Publish(eventbus.Event{Type: eventbus.DestinationSucceeded, JobID: jobID, Destination: &d})
	if ins.LogID != "" {
		s.prov.UpdateLog(context.WithoutCancel(ctx), ins.LogID, provider.StatusSuccess, "")
	}
	return true
}

func (s *Scheduler) run(ctx context.Context, inst browser.Instance, cfg Config, log logx.Logger, d model.Destination, prog instruction.Program) error {
	tab, err := inst.NewTab(ctx)
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	defer func() {
		if cerr := tab.Close(); cerr != nil {
			log.Debug("failed to close tab", logx.Err(cerr))
		}
	}()

	if err := s.exec.Open(ctx, tab, d.URL); err != nil {
		return err
	}
	if err := s.exec.Execute(ctx, tab, prog); err != nil {
		return err
	}
	s.detectName(ctx, log, tab, cfg.NameDetection, d)
	return nil
}

func (s *Scheduler) fail(ctx context.Context, log logx.Logger, jobID string, d model.Destination, logID string, err error) {
	if ctx.Err() != nil {
		// Shutdown, not a destination failure.
		log.Warn("destination interrupted", logx.Err(err))
		return
	}
	log.Error("failed posting", logx.Err(err))
	if rerr := s.reg.IncrementFailure(d.URL); rerr != nil {
		log.Warn("failed to record destination failure", logx.Err(rerr))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.DestinationFailed, JobID: jobID, Destination: &d, Error: err.Error()})
	if logID != "" {
		s.prov.UpdateLog(context.WithoutCancel(ctx), logID, provider.StatusFailed, err.Error())
	}
}

// detectName is best-effort and only touches placeholder names.
func (s *Scheduler) detectName(ctx context.Context, log logx.Logger, tab browser.Tab, nd NameDetection, d model.Destination) {
	if !nd.Enabled || nd.GuildSelector == "" || nd.ChannelSelector == "" {
		return
	}
	if d.Name != "" && d.Name != model.DefaultDestinationName {
		return
	}
	guild, err := tab.TextContent(ctx, nd.GuildSelector)
	if err != nil {
		log.Debug("name detection skipped", logx.Err(err))
		return
	}
	channel, err := tab.TextContent(ctx, nd.ChannelSelector)
	if err != nil {
		log.Debug("name detection skipped", logx.Err(err))
		return
	}
	guild, channel = strings.TrimSpace(guild), strings.TrimSpace(channel)
	if guild == "" || channel == "" {
		return
	}
	name := guild + ": " + channel
	if changed, err := s.reg.AutoName(d.URL, name); err != nil {
		log.Debug("failed to store detected name", logx.Err(err))
	} else if changed {
		log.Info("detected destination name", logx.String("name", name))
	}
}
