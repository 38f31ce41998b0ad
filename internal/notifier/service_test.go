package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	"postbot/internal/pace"
	logx "postbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	to    []Target
}

func (f *fakeSender) Send(ctx context.Context, to Target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("bad gateway")
	}
	f.sent = append(f.sent, text)
	f.to = append(f.to, to)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newService(cfg Config, s Sender, bus eventbus.Bus) *Service {
	cfg.RatePerSec = 1000
	svc := New(cfg, s, logx.Nop(), bus)
	svc.sleep = pace.NoSleep
	return svc
}

func TestFormatOutcome(t *testing.T) {
	ok := FormatOutcome(model.Outcome{JobID: "0123456789", PostType: "Suno link", TookMS: 12340, Success: 3, Failed: 0, Skipped: 1})
	if ok != "✅ Suno link: 3 sent, 0 failed, 1 skipped (12.3s)" {
		t.Fatalf("ok = %q", ok)
	}
	partial := FormatOutcome(model.Outcome{PostType: "x", Success: 1, Failed: 2})
	if !strings.HasPrefix(partial, "⚠️") {
		t.Fatalf("partial = %q", partial)
	}
	failed := FormatOutcome(model.Outcome{JobID: "0123456789", PostType: "x", Error: "forbidden"})
	if !strings.Contains(failed, "01234567 failed") || !strings.HasSuffix(failed, "forbidden") {
		t.Fatalf("failed = %q", failed)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	s := &fakeSender{fails: 2}
	svc := newService(Config{Enabled: true, ChatID: 42, ThreadID: 7, RetryMax: 2}, s, nil)
	if err := svc.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := s.messages(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("sent = %v", got)
	}
	if s.to[0] != (Target{ChatID: 42, ThreadID: 7}) {
		t.Fatalf("target = %+v", s.to[0])
	}
	if h := svc.History(); len(h) != 1 || h[0].Err != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	s := &fakeSender{fails: 5}
	svc := newService(Config{Enabled: true, ChatID: 1, RetryMax: 1}, s, nil)
	if err := svc.Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if h := svc.History(); len(h) != 1 || h[0].Err == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDisabledSendsNothing(t *testing.T) {
	s := &fakeSender{}
	svc := newService(Config{Enabled: false}, s, nil)
	if err := svc.Send(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
	svc = newService(Config{Enabled: true}, nil, nil)
	if err := svc.Send(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("nil sender err = %v", err)
	}
}

func TestOnlyFailedSkipsCleanJobs(t *testing.T) {
	s := &fakeSender{}
	svc := newService(Config{Enabled: true, ChatID: 1, OnlyFailed: true}, s, nil)
	_ = svc.NotifyOutcome(context.Background(), model.Outcome{PostType: "x", Success: 2})
	_ = svc.NotifyOutcome(context.Background(), model.Outcome{PostType: "x", Success: 1, Failed: 1})
	if got := s.messages(); len(got) != 1 {
		t.Fatalf("sent = %v", got)
	}
}

func TestRunForwardsJobEvents(t *testing.T) {
	bus := eventbus.New()
	s := &fakeSender{}
	svc := newService(Config{Enabled: true, ChatID: 1}, s, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no summary sent")
		}
		bus.Publish(eventbus.Event{Type: eventbus.JobStarted, JobID: "ignored", Job: &model.Job{ID: "ignored"}})
		bus.Publish(eventbus.Event{Type: eventbus.JobFinished, JobID: "j1", Outcome: &model.Outcome{JobID: "j1", PostType: "Suno link", Success: 1}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	for _, m := range s.messages() {
		if !strings.Contains(m, "Suno link: 1 sent") {
			t.Fatalf("unexpected message %q", m)
		}
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 3 * time.Second}
	for attempt := 1; attempt < 6; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > 3*time.Second {
			t.Fatalf("attempt %d delay = %s", attempt, d)
		}
	}
}
