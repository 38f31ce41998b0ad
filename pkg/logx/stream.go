package logx

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Entry is one log line as delivered to subscribers.
type Entry struct {
	Time    time.Time      `json:"timestamp"`
	Level   string         `json:"type"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// stream is a zerolog.LevelWriter that decodes each JSON line into an Entry
// and fans it out.
type stream struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	minLevel zerolog.Level

	subsMu sync.RWMutex
	subs   map[uint64]chan Entry
	seq    uint64
}

func (st *stream) configure(cfg SubscribersConfig) {
	rps := max(1, cfg.RatePerSec)
	st.mu.Lock()
	st.minLevel = parseLevel(cfg.MinLevel, zerolog.InfoLevel)
	st.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	st.mu.Unlock()
}

func (st *stream) subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	st.subsMu.Lock()
	st.seq++
	id := st.seq
	st.subs[id] = ch
	st.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			st.subsMu.Lock()
			if _, ok := st.subs[id]; ok {
				delete(st.subs, id)
				close(ch)
			}
			st.subsMu.Unlock()
		})
	}
}

func (st *stream) closeAll() {
	st.subsMu.Lock()
	for id, ch := range st.subs {
		delete(st.subs, id)
		close(ch)
	}
	st.subsMu.Unlock()
}

func (st *stream) Write(p []byte) (int, error) { return st.WriteLevel(zerolog.InfoLevel, p) }

func (st *stream) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	st.mu.Lock()
	lim, minLevel := st.limiter, st.minLevel
	st.mu.Unlock()

	if level < minLevel || (lim != nil && !lim.Allow()) {
		return len(p), nil
	}
	e, ok := decodeEntry(p)
	if !ok {
		return len(p), nil
	}

	st.subsMu.RLock()
	for _, ch := range st.subs {
		select {
		case ch <- e:
		default:
		}
	}
	st.subsMu.RUnlock()
	return len(p), nil
}

func decodeEntry(p []byte) (Entry, bool) {
	p = bytes.TrimSpace(p)
	if len(p) == 0 {
		return Entry{}, false
	}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		msg := string(p)
		if len(msg) > 2000 {
			msg = msg[:1997] + "..."
		}
		return Entry{Time: time.Now(), Level: "info", Message: msg}, true
	}

	e := Entry{Time: time.Now()}
	e.Level, _ = m[zerolog.LevelFieldName].(string)
	e.Message, _ = m[zerolog.MessageFieldName].(string)
	if ts, ok := m[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(timeFormat, ts); err == nil {
			e.Time = t
		}
	}
	// the UI filters on "warning"
	if e.Level == "warn" {
		e.Level = "warning"
	}
	for k, v := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		if e.Fields == nil {
			e.Fields = map[string]any{}
		}
		e.Fields[k] = v
	}
	return e, true
}
