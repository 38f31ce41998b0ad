// Package eventbus fans job and destination lifecycle events out to
// in-process listeners (notifier, systemd status, debug log).
package eventbus

import (
	"sync"
	"time"

	"postbot/internal/model"
)

type Type string

const (
	JobEnqueued Type = "job.enqueued"
	JobStarted  Type = "job.started"
	JobFinished Type = "job.finished"
	JobFailed   Type = "job.failed"

	ChunkStarted Type = "chunk.started"

	DestinationSucceeded Type = "destination.succeeded"
	DestinationFailed    Type = "destination.failed"
	DestinationSkipped   Type = "destination.skipped"
)

// Event carries the subject of its Type: Job for enqueued/started, Outcome
// for finished/failed, Chunk for chunk.started and Destination (plus Error on
// failure) for the destination events.
type Event struct {
	Type  Type      `json:"type"`
	Time  time.Time `json:"time"`
	JobID string    `json:"jobId,omitempty"`

	Job         *model.Job         `json:"job,omitempty"`
	Outcome     *model.Outcome     `json:"outcome,omitempty"`
	Destination *model.Destination `json:"destination,omitempty"`
	Chunk       *Chunk             `json:"chunk,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Chunk positions one batch of tabs inside a job.
type Chunk struct {
	Index int `json:"index"` // 1-based
	Of    int `json:"of"`
	Size  int `json:"size"`
}

// Bus never blocks the publisher: a subscriber whose buffer is full misses
// the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus { return &memBus{subs: map[chan Event]struct{}{}} }

// Nop drops everything.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// unsubscribe closes under the write lock
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 8))
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
