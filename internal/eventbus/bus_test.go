package eventbus

import (
	"testing"
	"time"

	"postbot/internal/model"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	slow, unsubSlow := b.Subscribe(1)
	fast, unsubFast := b.Subscribe(16)
	defer unsubSlow()
	defer unsubFast()

	// the minimum buffer is 8, so overflow the slow subscriber with 9
	for i := 0; i < 9; i++ {
		b.Publish(Event{Type: JobStarted, JobID: "j1"})
	}
	b.Publish(Event{Type: JobFinished, JobID: "j1", Outcome: &model.Outcome{JobID: "j1", Success: 2}})

	if e := <-slow; e.Type != JobStarted || e.Time.IsZero() || e.JobID != "j1" {
		t.Fatalf("first event = %+v", e)
	}
	if len(slow) != 7 {
		t.Fatalf("slow subscriber kept %d more events, want 7", len(slow))
	}

	var last Event
	for i := 0; i < 10; i++ {
		last = <-fast
	}
	if last.Type != JobFinished || last.Outcome == nil || last.Outcome.Success != 2 {
		t.Fatalf("last event = %+v", last)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(2)
	unsub()
	unsub()
	b.Publish(Event{Type: JobEnqueued})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
