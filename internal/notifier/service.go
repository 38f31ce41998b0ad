package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	"postbot/internal/pace"
	logx "postbot/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

// Service turns job outcome events into chat messages.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter

	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem

	sleep pace.SleepFunc
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus, sleep: pace.Sleep}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	// Burst of one: summaries are rare and bursts come from chunked failures.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	s.mu.Unlock()
}

// SetSender swaps the transport, e.g. after the bot token changed.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Run forwards job outcomes until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	events, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.JobFinished && ev.Type != eventbus.JobFailed {
				continue
			}
			if ev.Outcome == nil {
				continue
			}
			if err := s.NotifyOutcome(ctx, *ev.Outcome); err != nil && !errors.Is(err, ErrDisabled) && ctx.Err() == nil {
				s.log.Warn("job summary not delivered", logx.String("job", ev.JobID), logx.Err(err))
			}
		}
	}
}

// NotifyOutcome sends the summary of one job attempt.
func (s *Service) NotifyOutcome(ctx context.Context, out model.Outcome) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.OnlyFailed && out.Error == "" && out.Failed == 0 {
		return nil
	}
	return s.Send(ctx, FormatOutcome(out))
}

// Send delivers text with rate limiting and retries.
func (s *Service) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	cfg, sender, lim := s.cfg, s.sender, s.limiter
	s.mu.Unlock()
	if !cfg.Enabled || sender == nil {
		return ErrDisabled
	}
	to := Target{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = sender.Send(cctx, to, text)
		cancel()
		if lastErr == nil {
			s.record(text, nil)
			return nil
		}
		s.log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempt))
		if attempt > cfg.RetryMax {
			break
		}
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			return err
		}
	}
	s.record(text, lastErr)
	return lastErr
}

func (s *Service) record(text string, err error) {
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// History returns recent sends, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// FormatOutcome renders a one-line summary.
func FormatOutcome(out model.Outcome) string {
	took := (time.Duration(out.TookMS) * time.Millisecond).Round(100 * time.Millisecond)
	if out.Error != "" {
		return fmt.Sprintf("❌ %s job %s failed after %s: %s", out.PostType, shortID(out.JobID), took, out.Error)
	}
	mark := "✅"
	if out.Failed > 0 {
		mark = "⚠️"
	}
	return fmt.Sprintf("%s %s: %d sent, %d failed, %d skipped (%s)", mark, out.PostType, out.Success, out.Failed, out.Skipped, took)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// retryDelay is the delay before the attempt after attempt: exponential from
// RetryBase, capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
