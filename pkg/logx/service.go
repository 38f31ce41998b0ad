package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level       string
	Console     bool
	File        FileConfig
	Subscribers SubscribersConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// SubscribersConfig controls the live fan-out behind the HTTP log stream.
type SubscribersConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks. Apply rebuilds them while loggers handed out
// earlier keep working.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]

	stream stream
}

// New applies cfg and returns the service plus its root logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{stream: stream{subs: map[uint64]chan Entry{}}}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stream.configure(cfg.Subscribers)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./postbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Subscribers.Enabled {
		writers = append(writers, &s.stream)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close releases the log file and closes every subscriber channel.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	s.stream.closeAll()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Subscribe registers a live subscriber. Logging never blocks on it: a full
// buffer drops the entry for that subscriber only. The returned func
// unsubscribes and is safe to call more than once, also after Close.
func (s *Service) Subscribe(buffer int) (<-chan Entry, func()) {
	return s.stream.subscribe(buffer)
}
