package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.queue.json     (whole queue, replaced atomically on save)
//   - <prefix>.outcomes.jsonl (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	queuePath    string
	outcomesPath string
	outcomesFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outcomesPath := prefix + ".outcomes.jsonl"
	of, err := os.OpenFile(outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		queuePath:    prefix + ".queue.json",
		outcomesPath: outcomesPath,
		outcomesFile: of,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return nil
	}
	err := s.outcomesFile.Close()
	s.outcomesFile = nil
	return err
}

// LoadQueue returns the persisted queue. A missing file is an empty queue;
// an unreadable one is reported so the caller can decide to start fresh.
func (s *fileStore) LoadQueue(ctx context.Context) ([]model.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.queuePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var jobs []model.Job
	if err := json.Unmarshal(b, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *fileStore) SaveQueue(ctx context.Context, jobs []model.Job) error {
	_ = ctx
	if jobs == nil {
		jobs = []model.Job{}
	}
	b, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return ErrClosed
	}

	tmp := s.queuePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.queuePath)
}

func (s *fileStore) AppendOutcome(ctx context.Context, o model.Outcome) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.outcomesFile).Encode(o)
}

// RecentOutcomes returns up to limit outcomes, newest first.
func (s *fileStore) RecentOutcomes(ctx context.Context, limit int) ([]model.Outcome, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.outcomesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]model.Outcome, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var o model.Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			s.log.Debug("skip malformed outcome line", logx.Err(err))
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, o)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	reverseOutcomes(ring)
	return ring, nil
}

func reverseOutcomes(v []model.Outcome) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}
