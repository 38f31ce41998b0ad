package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSubscribersReceiveEntriesAboveMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level:       "DEBUG",
		Subscribers: SubscribersConfig{Enabled: true, MinLevel: "INFO", RatePerSec: 100},
	})
	t.Cleanup(func() { _ = svc.Close() })

	ch, unsub := svc.Subscribe(8)
	defer unsub()

	log.Debug("hidden")
	log.Warn("job failed", String("job", "abc"))

	select {
	case e := <-ch:
		if e.Message != "job failed" {
			t.Fatalf("message = %q, want %q", e.Message, "job failed")
		}
		if e.Level != "warning" {
			t.Fatalf("level = %q, want warning", e.Level)
		}
		if e.Fields["job"] != "abc" {
			t.Fatalf("fields = %v, want job=abc", e.Fields)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra entry: %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	svc, _ := New(Config{Subscribers: SubscribersConfig{Enabled: true}})
	t.Cleanup(func() { _ = svc.Close() })

	ch, unsub := svc.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestNewWriterEmitsJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(String("comp", "queue"))
	log.Info("job done", Int("success", 3))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if m["comp"] != "queue" || m["message"] != "job done" {
		t.Fatalf("unexpected log line: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want short file:line", c)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
}

func TestCloseEndsSubscriptions(t *testing.T) {
	svc, _ := New(Config{Subscribers: SubscribersConfig{Enabled: true}})
	ch, unsub := svc.Subscribe(1)
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Close")
	}
	unsub()
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{"": "info", "WARNING": "warn", " debug ": "debug", "bogus": "info", "error": "error"} {
		if got := parseLevel(in, zerolog.InfoLevel).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
