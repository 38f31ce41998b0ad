package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postbot/internal/config"
	"postbot/internal/model"
)

func TestMappersCarryConfig(t *testing.T) {
	off := false
	cfg := &config.Config{
		Provider: config.ProviderConfig{ActorID: "actor-7", Timeout: "5s"},
		Browser: config.BrowserConfig{
			Headless: &off,
			Timeouts: config.BrowserTimeouts{Navigate: "20s", Content: ""},
		},
		Batch: config.BatchConfig{
			TabStaggerMin: "100ms",
			TabStaggerMax: "300ms",
			NameDetection: config.NameDetectionConfig{Enabled: true, GuildSelector: "h1", ChannelSelector: "h2"},
		},
		HTTP: config.HTTPConfig{Enabled: true},
		Schedules: []config.ScheduleConfig{
			{Name: "a", Spec: "1h", PostType: "Suno link"},
			{Name: "b", Spec: "1h", PostType: "Suno link", Disabled: true},
		},
	}
	config.ApplyDefaults(cfg)

	bc := mapBatchConfig(cfg)
	if bc.ActorID != "actor-7" || bc.TabStaggerMin != 100*time.Millisecond || bc.ChunkDelayMin != 5*time.Second {
		t.Fatalf("batch = %+v", bc)
	}
	if !bc.NameDetection.Enabled || bc.NameDetection.GuildSelector != "h1" {
		t.Fatalf("name detection = %+v", bc.NameDetection)
	}

	tm := mapTimeouts(cfg)
	if tm.Navigate != 20*time.Second || tm.WaitForContent != 10*time.Second {
		t.Fatalf("timeouts = %+v", tm)
	}
	if bcfg := mapBrowserConfig(cfg); bcfg.Headless || bcfg.LoginURL == "" {
		t.Fatalf("browser = %+v", bcfg)
	}
	if pc := mapProviderConfig(cfg); pc.Timeout != 5*time.Second {
		t.Fatalf("provider = %+v", pc)
	}
	if lc := mapLogConfig(cfg); !lc.Subscribers.Enabled {
		t.Fatal("http needs the log subscriber sink")
	}
	if defs := mapSchedules(cfg); len(defs) != 1 || defs[0].Name != "a" {
		t.Fatalf("schedules = %+v", defs)
	}
	if nc := mapNotifierConfig(cfg); nc.Enabled {
		t.Fatalf("notifier = %+v", nc)
	}
	for driver, want := range map[string]string{"": "file", "none": "memory", "sqlite3": "sqlite3"} {
		cfg.Storage.Driver = driver
		sc, err := mapStorageConfig(cfg)
		if err != nil || sc.Driver != want {
			t.Fatalf("driver %q -> %+v, %v", driver, sc, err)
		}
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv(config.EnvConcurrency, "")
	t.Setenv(config.EnvTelegramToken, "")
	dir := t.TempDir()
	body := `
logging:
  level: error
storage:
  driver: memory
registry:
  path: ` + filepath.Join(dir, "channels.json") + `
browser:
  state_path: ` + filepath.Join(dir, "session.json") + `
batch:
  concurrency: 2
`
	path := filepath.Join(dir, "postbot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestStartStop(t *testing.T) {
	a := newTestApp(t)
	if a.batch.Concurrency() != 2 {
		t.Fatalf("concurrency = %d", a.batch.Concurrency())
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-a.Done():
		t.Fatalf("stopped early: %v", a.Err())
	case <-time.After(100 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := a.Enqueue(model.JobRequest{Message: "late", PostType: "Suno link"}); err == nil {
		t.Fatal("enqueue after stop should fail")
	}
}

func TestApplyPushesReloadedConfig(t *testing.T) {
	a := newTestApp(t)
	oldCfg := a.cfgm.Get()

	next := *oldCfg
	next.Batch.Concurrency = 4
	next.Schedules = []config.ScheduleConfig{{Name: "daily", Spec: "@daily", Message: "m", PostType: "Suno link"}}
	a.apply(oldCfg, &next)

	if a.batch.Concurrency() != 4 {
		t.Fatalf("concurrency = %d", a.batch.Concurrency())
	}
	if snap := a.sched.Snapshot(); len(snap) != 1 || snap[0].Name != "daily" {
		t.Fatalf("schedules = %+v", snap)
	}
}
