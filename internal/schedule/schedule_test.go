package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
	}{
		{"0 9 * * *", SpecCron, 0, "0 9 * * *"},
		{"@daily", SpecCron, 0, "@daily"},
		{"cron:*/5 * * * *", SpecCron, 0, "*/5 * * * *"},
		{"55m", SpecInterval, 55 * time.Minute, ""},
		{"02:30", SpecInterval, 2*time.Hour + 30*time.Minute, ""},
		{"every:1h", SpecInterval, time.Hour, ""},
		{"interval:00:45", SpecInterval, 45 * time.Minute, ""},
	}
	for _, tc := range cases {
		p, err := ParseSpec(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if p.Kind != tc.kind || p.Every != tc.every || p.Cron != tc.cron {
			t.Fatalf("%q = %+v", tc.in, p)
		}
	}
	for _, bad := range []string{"", "soon", "every:", "00:75", "-5m", "cron:"} {
		if _, err := ParseSpec(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

type recorder struct {
	mu   sync.Mutex
	reqs []model.JobRequest
	err  error
}

func (r *recorder) Enqueue(req model.JobRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.reqs = append(r.reqs, req)
	return "job-" + req.PostType, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func TestApplyRejectsInvalidSetAtomically(t *testing.T) {
	svc := New(&recorder{}, logx.Nop())
	if err := svc.Apply([]Definition{{Name: "a", Spec: "1h", PostType: "Suno link"}}); err != nil {
		t.Fatal(err)
	}
	err := svc.Apply([]Definition{
		{Name: "b", Spec: "2h", PostType: "x"},
		{Name: "c", Spec: "61 * * * *", PostType: "x"},
	})
	if err == nil {
		t.Fatal("expected invalid cron to be rejected")
	}
	snap := svc.Snapshot()
	if len(snap) != 1 || snap[0].Name != "a" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunNowEnqueuesPostJob(t *testing.T) {
	rec := &recorder{}
	svc := New(rec, logx.Nop())
	_ = svc.Apply([]Definition{{Name: "daily", Spec: "@daily", Message: "new track", PostType: "Suno link"}})

	id, err := svc.RunNow("daily")
	if err != nil || id != "job-Suno link" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	if rec.reqs[0].Type != model.TaskPost || rec.reqs[0].Message != "new track" {
		t.Fatalf("request = %+v", rec.reqs[0])
	}
	if snap := svc.Snapshot(); snap[0].LastJobID != id {
		t.Fatalf("snapshot = %+v", snap)
	}

	if _, err := svc.RunNow("nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("unknown err = %v", err)
	}

	rec.err = errors.New("queue stopped")
	if _, err := svc.RunNow("daily"); err == nil {
		t.Fatal("expected enqueue error")
	}
	if snap := svc.Snapshot(); snap[0].LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestIntervalFires(t *testing.T) {
	rec := &recorder{}
	svc := New(rec, logx.Nop())
	if err := svc.Apply([]Definition{{Name: "fast", Spec: "every:1s", PostType: "x"}}); err != nil {
		t.Fatal(err)
	}
	svc.Start()
	defer func() { _ = svc.Stop(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interval schedule never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
