package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"postbot/internal/model"
	logx "postbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadQueue(ctx context.Context) ([]model.Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM queue ORDER BY pos ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var j model.Job
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			s.log.Warn("skip unreadable queued job", logx.Err(err))
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SaveQueue replaces the persisted queue in one transaction.
func (s *sqliteStore) SaveQueue(ctx context.Context, jobs []model.Job) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue`); err != nil {
		return err
	}
	for i, j := range jobs {
		payload, err := json.Marshal(j)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue(pos, id, payload) VALUES(?,?,?)`,
			i, j.ID, string(payload),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o model.Outcome) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if o.StartedAt.IsZero() {
		o.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(job_id, post_type, started_at, took_ms, success, failed, skipped, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		o.JobID, o.PostType, o.StartedAt.UTC().Format(time.RFC3339Nano), o.TookMS,
		o.Success, o.Failed, o.Skipped, nullStr(o.Error),
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]model.Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, post_type, started_at, took_ms, success, failed, skipped, err
		 FROM outcomes ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Outcome
	for rows.Next() {
		var (
			o       model.Outcome
			started string
			errText sql.NullString
		)
		if err := rows.Scan(&o.JobID, &o.PostType, &started, &o.TookMS, &o.Success, &o.Failed, &o.Skipped, &errText); err != nil {
			return nil, err
		}
		o.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		o.Error = errText.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
