package storage

import (
	"context"
	"errors"
	"strings"

	"postbot/internal/model"
	logx "postbot/pkg/logx"
)

// Store is the persistence API used by the queue.
//
// LoadQueue/SaveQueue form the queue repository: SaveQueue replaces the whole
// persisted list, in order.
type Store interface {
	LoadQueue(ctx context.Context) ([]model.Job, error)
	SaveQueue(ctx context.Context, jobs []model.Job) error

	AppendOutcome(ctx context.Context, o model.Outcome) error
	RecentOutcomes(ctx context.Context, limit int) ([]model.Outcome, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "none":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
