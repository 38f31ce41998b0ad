package notifier

import (
	"context"
	"time"
)

// Config controls job summaries.
type Config struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	RatePerSec int
	OnlyFailed bool

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Target is a chat, optionally narrowed to a forum thread.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}
