package app

import (
	"fmt"
	"strings"
	"time"

	"postbot/internal/batch"
	"postbot/internal/browser"
	"postbot/internal/config"
	"postbot/internal/httpapi"
	"postbot/internal/instruction"
	"postbot/internal/notifier"
	"postbot/internal/provider"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Durations below are validated by config.Validate before they get here, so
// the mappers fall back to defaults instead of failing.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Subscribers: logx.SubscribersConfig{
			Enabled:    cfg.Logging.Stream.Enabled || cfg.HTTP.Enabled,
			MinLevel:   cfg.Logging.Stream.MinLevel,
			RatePerSec: cfg.Logging.Stream.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: strings.TrimSpace(sc.Path)}, nil
	case "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapProviderConfig(cfg *config.Config) provider.Config {
	return provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: config.DurationOr(cfg.Provider.Timeout, 30*time.Second),
	}
}

func mapBrowserConfig(cfg *config.Config) browser.Config {
	headless := true
	if cfg.Browser.Headless != nil {
		headless = *cfg.Browser.Headless
	}
	return browser.Config{
		StatePath:        cfg.Browser.StatePath,
		Headless:         headless,
		ExecutablePath:   cfg.Browser.ExecutablePath,
		LoginURL:         cfg.Browser.LoginURL,
		LoginSuccessGlob: cfg.Browser.LoginSuccessGlob,
		LoginTimeout:     config.DurationOr(cfg.Browser.LoginTimeout, 5*time.Minute),
	}
}

func mapTimeouts(cfg *config.Config) instruction.Timeouts {
	t := instruction.DefaultTimeouts()
	bt := cfg.Browser.Timeouts
	t.Navigate = config.DurationOr(bt.Navigate, t.Navigate)
	t.Click = config.DurationOr(bt.Click, t.Click)
	t.WaitForElement = config.DurationOr(bt.Element, t.WaitForElement)
	t.WaitForContent = config.DurationOr(bt.Content, t.WaitForContent)
	t.Settle = config.DurationOr(bt.Settle, t.Settle)
	t.SettlePause = config.DurationOr(bt.SettlePause, t.SettlePause)
	return t
}

func mapBatchConfig(cfg *config.Config) batch.Config {
	bc := batch.DefaultConfig()
	bc.ActorID = cfg.Provider.ActorID
	b := cfg.Batch
	bc.TabStaggerMin = config.DurationOr(b.TabStaggerMin, bc.TabStaggerMin)
	bc.TabStaggerMax = config.DurationOr(b.TabStaggerMax, bc.TabStaggerMax)
	bc.ChunkDelayMin = config.DurationOr(b.ChunkDelayMin, bc.ChunkDelayMin)
	bc.ChunkDelayMax = config.DurationOr(b.ChunkDelayMax, bc.ChunkDelayMax)
	bc.NameDetection = batch.NameDetection{
		Enabled:         b.NameDetection.Enabled,
		GuildSelector:   b.NameDetection.GuildSelector,
		ChannelSelector: b.NameDetection.ChannelSelector,
	}
	return bc
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	return httpapi.Config{
		Addr:           h.Addr,
		UploadDir:      h.UploadDir,
		Username:       h.Username,
		Password:       h.Password,
		PasswordHash:   h.PasswordHash,
		CORSOrigins:    h.CORSOrigins,
		MaxUploadFiles: h.MaxUploadFiles,
		MaxUploadBytes: h.MaxUploadBytes,
		ReadTimeout:    config.DurationOr(h.ReadTimeout, 0),
		IdleTimeout:    config.DurationOr(h.IdleTimeout, 2*time.Minute),
		Pprof:          h.Pprof,
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	if cfg.Notifier == nil {
		return notifier.Config{}
	}
	n := cfg.Notifier
	return notifier.Config{
		Enabled:    n.Enabled,
		ChatID:     n.ChatID,
		ThreadID:   n.ThreadID,
		RatePerSec: n.RatePerSec,
		OnlyFailed: n.OnlyFailed,
		RetryMax:   3,
	}
}

func notifierToken(cfg *config.Config) string {
	if cfg.Notifier == nil || !cfg.Notifier.Enabled {
		return ""
	}
	return cfg.Notifier.Token
}

func mapSchedules(cfg *config.Config) []schedule.Definition {
	out := make([]schedule.Definition, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Disabled {
			continue
		}
		out = append(out, schedule.Definition{Name: s.Name, Spec: s.Spec, Message: s.Message, PostType: s.PostType})
	}
	return out
}
