package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseYAMLAppliesDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "postbot.yaml", `
logging:
  level: debug
storage:
  driver: sqlite
batch:
  concurrency: 2
  tab_stagger_min: 100ms
  tab_stagger_max: 200ms
schedules:
  - name: morning
    spec: "0 9 * * *"
    message: hello
    post_type: Suno link
`)
	m := NewManager(p)
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Batch.Concurrency != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Storage.Path != "./data/postbot.db" {
		t.Fatalf("sqlite default path = %q", cfg.Storage.Path)
	}
	if cfg.Provider.ActorID != DefaultActorID || cfg.HTTP.MaxUploadFiles != 10 || cfg.HTTP.MaxUploadBytes != 10<<20 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Provider, cfg.HTTP)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].PostType != "Suno link" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit")
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"unknown.json":  `{"logging":{"level":"info"},"mystery":1}`,
		"trailing.json": `{"logging":{}} {"logging":{}}`,
	} {
		m := NewManager(writeFile(t, dir, name, body))
		m.SetEnv(noEnv)
		if _, err := m.Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	m.SetEnv(noEnv)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "file" || cfg.Registry.Path == "" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json", `{"provider":{"base_url":"http://file","api_key":"file-key"}}`)
	env := map[string]string{
		EnvProviderAPIKey: "env-key",
		EnvActorID:        "actor-9",
		EnvTelegramToken:  "tg",
		EnvConcurrency:    "4",
	}
	m := NewManager(p)
	m.SetEnv(func(k string) string { return env[k] })
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.APIKey != "env-key" || cfg.Provider.BaseURL != "http://file" || cfg.Provider.ActorID != "actor-9" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if cfg.Notifier == nil || cfg.Notifier.Token != "tg" || cfg.Batch.Concurrency != 4 {
		t.Fatalf("notifier=%+v batch=%+v", cfg.Notifier, cfg.Batch)
	}

	env[EnvConcurrency] = "many"
	if _, err := m.Parse(); err == nil {
		t.Fatal("non-numeric concurrency must fail")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{Driver: "redis"},
		Batch:   BatchConfig{Concurrency: 9, ChunkDelayMin: "10s", ChunkDelayMax: "1s"},
		HTTP:    HTTPConfig{Username: "admin"},
		Schedules: []ScheduleConfig{
			{Name: "a", Spec: "@hourly", PostType: "x"},
			{Name: "a", Spec: "", PostType: "x"},
		},
		Notifier: &NotifierConfig{Enabled: true},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"storage.driver", "batch.concurrency", "batch.chunk_delay", "http:", "duplicate", "schedules[1].spec", "notifier.token", "notifier.chat_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestReloadSkipsUnchangedAndRejected(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if m.Reload(context.Background()) {
		t.Fatal("unchanged content must not publish")
	}

	writeFile(t, filepath.Dir(p), "c.json", `{"logging":{"level":"debug"}}`)
	if !m.Reload(context.Background()) {
		t.Fatal("changed content must publish")
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("nothing published")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return context.Canceled })
	writeFile(t, filepath.Dir(p), "c.json", `{"logging":{"level":"warn"}}`)
	if m.Reload(context.Background()) {
		t.Fatal("rejected config must not publish")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config must not be committed")
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	m.SetEnv(noEnv)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Dir(p), "c.json", `{"logging":{"level":"error"}}`)

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "error" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	cancel()
	<-done
}

func TestWriteRoundTripsYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out", "postbot.yaml")
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Schedules = []ScheduleConfig{{Name: "n", Spec: "every:1h", Message: "m", PostType: "Suno link"}}
	if err := Write(p, cfg); err != nil {
		t.Fatal(err)
	}
	m := NewManager(p)
	m.SetEnv(noEnv)
	got, err := m.Parse()
	if err != nil {
		t.Fatalf("parse written file: %v", err)
	}
	if got.Registry.Path != cfg.Registry.Path || len(got.Schedules) != 1 {
		t.Fatalf("got = %+v", got)
	}
}

func TestSummarizeHidesSecrets(t *testing.T) {
	a := &Config{Provider: ProviderConfig{APIKey: "one"}}
	b := &Config{Provider: ProviderConfig{APIKey: "two"}, Notifier: &NotifierConfig{Token: "secret-token"}}
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "notifier,provider" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}
