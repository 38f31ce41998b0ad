package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultProviderURL = "http://localhost:4000/api/v1"
	DefaultActorID     = "ANONYMOUS_USER"
	DefaultHTTPAddr    = "127.0.0.1:3001"
)

// ApplyDefaults fills paths and addresses left empty. Durations stay as
// written and are defaulted where they are parsed.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.Path == "" {
		if isSQLite(cfg.Storage.Driver) {
			cfg.Storage.Path = "./data/postbot.db"
		} else {
			cfg.Storage.Path = "./data/postbot"
		}
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = "./data/channels.json"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = DefaultProviderURL
	}
	if cfg.Provider.ActorID == "" {
		cfg.Provider.ActorID = DefaultActorID
	}
	if cfg.Browser.StatePath == "" {
		cfg.Browser.StatePath = "./data/session.json"
	}
	if cfg.Browser.LoginURL == "" {
		cfg.Browser.LoginURL = "https://discord.com/login"
	}
	if cfg.Browser.LoginSuccessGlob == "" {
		cfg.Browser.LoginSuccessGlob = "**/channels/**"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.HTTP.UploadDir == "" {
		cfg.HTTP.UploadDir = "./data/uploads"
	}
	if cfg.HTTP.MaxUploadFiles <= 0 {
		cfg.HTTP.MaxUploadFiles = 10
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		cfg.HTTP.MaxUploadBytes = 10 << 20
	}
	if n := cfg.Notifier; n != nil && n.RatePerSec <= 0 {
		n.RatePerSec = 1
	}
}

func isSQLite(driver string) bool {
	d := strings.ToLower(strings.TrimSpace(driver))
	return d == "sqlite" || d == "sqlite3"
}

// Validate checks the fields a reload must not break. All problems are
// reported together.
func Validate(cfg *Config) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "memory", "none":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("provider.timeout", cfg.Provider.Timeout)
	dur("browser.login_timeout", cfg.Browser.LoginTimeout)

	t := cfg.Browser.Timeouts
	dur("browser.timeouts.navigate", t.Navigate)
	dur("browser.timeouts.click", t.Click)
	dur("browser.timeouts.element", t.Element)
	dur("browser.timeouts.content", t.Content)
	dur("browser.timeouts.settle", t.Settle)
	dur("browser.timeouts.settle_pause", t.SettlePause)

	b := cfg.Batch
	if b.Concurrency != 0 && (b.Concurrency < 1 || b.Concurrency > 5) {
		add(fmt.Errorf("batch.concurrency: must be between 1 and 5, got %d", b.Concurrency))
	}
	add(durRange("batch.tab_stagger", b.TabStaggerMin, b.TabStaggerMax))
	add(durRange("batch.chunk_delay", b.ChunkDelayMin, b.ChunkDelayMax))
	if nd := b.NameDetection; nd.Enabled && (nd.GuildSelector == "" || nd.ChannelSelector == "") {
		add(errors.New("batch.name_detection: guild_selector and channel_selector are required when enabled"))
	}

	h := cfg.HTTP
	if h.Username != "" && h.Password == "" && h.PasswordHash == "" {
		add(errors.New("http: username set without password or password_hash"))
	}
	dur("http.read_timeout", h.ReadTimeout)
	dur("http.idle_timeout", h.IdleTimeout)

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			add(errors.New("notifier.token: required when enabled"))
		}
		if n.ChatID == 0 {
			add(errors.New("notifier.chat_id: required when enabled"))
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Schedules {
		p := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name: required", p))
		case seen[name]:
			add(fmt.Errorf("%s.name: duplicate %q", p, name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Spec) == "" {
			add(fmt.Errorf("%s.spec: required", p))
		}
		if strings.TrimSpace(s.PostType) == "" {
			add(fmt.Errorf("%s.post_type: required", p))
		}
	}
	return errors.Join(errs...)
}

func durRange(path, lo, hi string) error {
	l, err := ParseDurationField(path+"_min", lo)
	if err != nil {
		return err
	}
	h, err := ParseDurationField(path+"_max", hi)
	if err != nil {
		return err
	}
	if l > 0 && h > 0 && h < l {
		return fmt.Errorf("%s: max %s is below min %s", path, h, l)
	}
	return nil
}
