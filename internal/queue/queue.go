// Package queue implements the durable, single-process job queue.
//
// Jobs are processed strictly one at a time in FIFO order. The head job is
// peeked, attempted once, then popped and persisted whatever the outcome.
// A job interrupted by shutdown stays at the head and is attempted again on
// the next start.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

var ErrStopped = errors.New("queue stopped")

// Processor performs the single attempt of a job.
type Processor interface {
	Process(ctx context.Context, job model.Job) (model.Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job model.Job) (model.Result, error)

func (f ProcessorFunc) Process(ctx context.Context, job model.Job) (model.Result, error) {
	return f(ctx, job)
}

type Queue struct {
	log   logx.Logger
	store storage.Store
	proc  Processor
	bus   eventbus.Bus

	mu      sync.Mutex
	jobs    []model.Job
	stopped bool

	// processing is the exclusive in-flight flag; only the holder attempts jobs.
	processing bool

	kick chan struct{}

	now    func() time.Time
	remove func(path string) error
}

func New(store storage.Store, proc Processor, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if store == nil {
		store = storage.NewMemory()
	}
	return &Queue{
		log:    log,
		store:  store,
		proc:   proc,
		bus:    bus,
		kick:   make(chan struct{}, 1),
		now:    time.Now,
		remove: os.Remove,
	}
}

// Load replaces the in-memory queue with the persisted one. An unreadable
// queue is logged and treated as empty.
func (q *Queue) Load(ctx context.Context) int {
	jobs, err := q.store.LoadQueue(ctx)
	if err != nil {
		q.log.Error("failed to load queue", logx.Err(err))
		jobs = nil
	}
	// nothing is in flight after a restart
	for i := range jobs {
		jobs[i].Status = model.JobPending
	}
	q.mu.Lock()
	q.jobs = jobs
	n := len(q.jobs)
	q.mu.Unlock()
	q.log.Info("queue loaded", logx.Int("jobs", n))
	return n
}

// Run processes jobs until ctx is canceled. Jobs already queued (for example
// reloaded by Load) are processed without waiting for a new Enqueue.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	q.signal()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.kick:
			q.ProcessAll(ctx)
		}
	}
}

// Stop rejects further Enqueue calls. Cancel the Run context to end processing.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
}

// Enqueue assigns an id and pending status, appends and persists the job and
// returns immediately. Processing is triggered asynchronously.
func (q *Queue) Enqueue(req model.JobRequest) (string, error) {
	if req.Type == "" {
		req.Type = model.TaskPost
	}
	job := model.Job{
		ID:          uuid.NewString(),
		AddedAt:     q.now().UTC(),
		Status:      model.JobPending,
		Type:        req.Type,
		Message:     req.Message,
		PostType:    req.PostType,
		Attachments: req.Attachments,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	q.jobs = append(q.jobs, job)
	size := len(q.jobs)
	q.persistLocked()
	q.mu.Unlock()

	q.log.Info("job added to queue", logx.String("job", job.ID), logx.Int("size", size))
	q.bus.Publish(eventbus.Event{Type: eventbus.JobEnqueued, JobID: job.ID, Job: &job})
	q.signal()
	return job.ID, nil
}

// Snapshot returns a copy of the queued jobs, head first.
func (q *Queue) Snapshot() []model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.Job(nil), q.jobs...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Processing reports whether a job is currently in flight.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

func (q *Queue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// ProcessAll attempts queued jobs until the queue is empty or ctx is done.
// It returns false without doing anything if another call is already processing.
func (q *Queue) ProcessAll(ctx context.Context) bool {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return false
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for ctx.Err() == nil {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			break
		}
		job := q.jobs[0] // peek
		q.jobs[0].Status = model.JobProcessing
		q.mu.Unlock()

		q.attempt(ctx, job)
	}
	if ctx.Err() == nil {
		q.log.Info("queue processing complete")
	}
	return true
}

func (q *Queue) attempt(ctx context.Context, job model.Job) {
	log := q.log.With(logx.String("job", job.ID))
	log.Info("processing job", logx.String("type", string(job.Type)), logx.String("post_type", job.PostType))
	q.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, JobID: job.ID, Job: &job})

	started := q.now()
	res, err := q.call(ctx, job)

	if ctx.Err() != nil {
		// Interrupted by shutdown: keep the job at the head, like a crash.
		q.mu.Lock()
		if len(q.jobs) > 0 && q.jobs[0].ID == job.ID {
			q.jobs[0].Status = model.JobPending
		}
		q.mu.Unlock()
		log.Warn("job interrupted; left at head of queue", logx.Err(err))
		return
	}

	q.mu.Lock()
	if len(q.jobs) > 0 && q.jobs[0].ID == job.ID {
		q.jobs = q.jobs[1:] // pop
	}
	q.persistLocked()
	q.mu.Unlock()

	out := model.Outcome{
		JobID:     job.ID,
		PostType:  job.PostType,
		StartedAt: started.UTC(),
		TookMS:    q.now().Sub(started).Milliseconds(),
		Success:   res.Success,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
	}
	if err != nil {
		out.Error = err.Error()
		log.Error("job failed", logx.Err(err))
		q.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, JobID: job.ID, Outcome: &out, Error: out.Error})
	} else {
		log.Info("job completed and removed from queue",
			logx.Int("success", res.Success), logx.Int("failed", res.Failed), logx.Int("skipped", res.Skipped))
		q.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, JobID: job.ID, Outcome: &out})
	}
	if aerr := q.store.AppendOutcome(context.Background(), out); aerr != nil {
		log.Warn("failed to record job outcome", logx.Err(aerr))
	}

	q.cleanup(log, job)
}

// call runs the processor, converting a panic into a job failure.
func (q *Queue) call(ctx context.Context, job model.Job) (res model.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job processor panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if q.proc == nil {
		return model.Result{}, errors.New("no processor configured")
	}
	return q.proc.Process(ctx, job)
}

func (q *Queue) cleanup(log logx.Logger, job model.Job) {
	for _, p := range job.AttachmentPaths() {
		err := q.remove(p)
		switch {
		case err == nil:
			log.Info("deleted attachment", logx.String("path", p))
		case errors.Is(err, os.ErrNotExist):
		default:
			log.Error("failed to delete attachment", logx.String("path", p), logx.Err(err))
		}
	}
}

// persistLocked writes the whole queue with every job pending, so a crash
// mid-attempt reloads the head as pending. Failures are logged; the in-memory
// queue stays authoritative.
func (q *Queue) persistLocked() {
	jobs := make([]model.Job, len(q.jobs))
	for i, j := range q.jobs {
		j.Status = model.JobPending
		jobs[i] = j
	}
	if err := q.store.SaveQueue(context.Background(), jobs); err != nil {
		q.log.Error("failed to save queue", logx.Err(err))
	}
}
