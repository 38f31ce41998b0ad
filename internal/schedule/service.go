// Package schedule enqueues recurring post jobs.
//
// Each definition fires on a cron expression or a fixed interval and hands a
// normal job request to the queue. Execution is never done here.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

var ErrUnknown = errors.New("unknown schedule")

// Enqueuer accepts job requests.
type Enqueuer interface {
	Enqueue(req model.JobRequest) (string, error)
}

// Definition is one recurring post.
type Definition struct {
	Name     string
	Spec     string
	Message  string
	PostType string
}

// Entry is the runtime view of a definition.
type Entry struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	PostType  string    `json:"postType"`
	Next      time.Time `json:"next,omitzero"`
	Prev      time.Time `json:"prev,omitzero"`
	LastJobID string    `json:"lastJobId,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type entry struct {
	def    Definition
	id     cron.EntryID
	lastID string
	lastEr string
}

type Service struct {
	log    logx.Logger
	enq    Enqueuer
	parser cron.Parser
	loc    *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	started bool
	entries map[string]*entry
}

type Option func(*Service)

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(enq Enqueuer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log,
		enq: enq,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     time.Local,
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) schedule(spec string) (cron.Schedule, error) {
	p, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	if p.Kind == SpecInterval {
		return cron.Every(p.Every), nil
	}
	sch, err := s.parser.Parse(p.Cron)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", p.Cron, err)
	}
	return sch, nil
}

// Validate checks every definition without touching the running set.
func (s *Service) Validate(defs []Definition) error {
	var errs []error
	for _, d := range defs {
		if _, err := s.schedule(d.Spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Apply replaces the definition set. Nothing changes when any definition is
// invalid.
func (s *Service) Apply(defs []Definition) error {
	if err := s.Validate(defs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.c.Stop()
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	old := s.entries
	s.entries = make(map[string]*entry, len(defs))
	for _, d := range defs {
		sch, _ := s.schedule(d.Spec)
		e := &entry{def: d}
		if prev, ok := old[d.Name]; ok {
			e.lastID, e.lastEr = prev.lastID, prev.lastEr
		}
		name := d.Name
		e.id = s.c.Schedule(sch, cron.FuncJob(func() { s.fire(name) }))
		s.entries[name] = e
	}
	if s.started {
		s.c.Start()
	}
	s.log.Info("schedules applied", logx.Int("count", len(defs)))
	return nil
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	}
	s.started = true
	s.c.Start()
}

// Stop halts triggering and waits for a running trigger to return.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	started := s.started
	s.started = false
	s.mu.Unlock()
	if c == nil || !started {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow fires a definition immediately.
func (s *Service) RunNow(name string) (string, error) {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return s.fire(name)
}

func (s *Service) fire(name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	def := e.def
	s.mu.Unlock()

	id, err := s.enq.Enqueue(model.JobRequest{Type: model.TaskPost, Message: def.Message, PostType: def.PostType})

	s.mu.Lock()
	if cur, ok := s.entries[name]; ok {
		cur.lastID, cur.lastEr = id, ""
		if err != nil {
			cur.lastEr = err.Error()
		}
	}
	s.mu.Unlock()

	log := s.log.With(logx.String("schedule", name))
	if err != nil {
		log.Warn("scheduled post not enqueued", logx.Err(err))
		return "", err
	}
	log.Info("scheduled post enqueued", logx.String("job", id), logx.String("post_type", def.PostType))
	return id, nil
}

// Snapshot lists definitions by name with their next and previous run.
func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		v := Entry{
			Name:      e.def.Name,
			Spec:      strings.TrimSpace(e.def.Spec),
			PostType:  e.def.PostType,
			LastJobID: e.lastID,
			LastError: e.lastEr,
		}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			v.Next, v.Prev = ce.Next, ce.Prev
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
