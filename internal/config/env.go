package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over the file so secrets can stay out of it.
const (
	EnvProviderAPIKey = "POSTBOT_PROVIDER_API_KEY"
	EnvProviderURL    = "POSTBOT_PROVIDER_URL"
	EnvActorID        = "POSTBOT_ACTOR_ID"
	EnvTelegramToken  = "POSTBOT_TELEGRAM_TOKEN"
	EnvHTTPPassword   = "POSTBOT_HTTP_PASSWORD"
	EnvConcurrency    = "POSTBOT_CONCURRENCY"
)

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	get := func(k string) (string, bool) {
		v := strings.TrimSpace(getenv(k))
		return v, v != ""
	}
	if v, ok := get(EnvProviderAPIKey); ok {
		cfg.Provider.APIKey = v
	}
	if v, ok := get(EnvProviderURL); ok {
		cfg.Provider.BaseURL = v
	}
	if v, ok := get(EnvActorID); ok {
		cfg.Provider.ActorID = v
	}
	if v, ok := get(EnvHTTPPassword); ok {
		cfg.HTTP.Password = v
	}
	if v, ok := get(EnvTelegramToken); ok {
		if cfg.Notifier == nil {
			cfg.Notifier = &NotifierConfig{}
		}
		cfg.Notifier.Token = v
	}
	if v, ok := get(EnvConcurrency); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConcurrency, err)
		}
		cfg.Batch.Concurrency = n
	}
	return nil
}
