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

	_ "modernc.org/sqlite"

	"wablast/internal/dispatch"
	logx "wablast/pkg/logx"
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

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
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

func (s *sqliteStore) SaveReport(ctx context.Context, r dispatch.Report) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	sum := r.Summary()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports(job_id, started_at, finished_at, blocks, total, delivered, failed, body)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   started_at=excluded.started_at, finished_at=excluded.finished_at, blocks=excluded.blocks,
		   total=excluded.total, delivered=excluded.delivered, failed=excluded.failed, body=excluded.body`,
		r.JobID, sum.StartedAt.UnixMilli(), sum.FinishedAt.UnixMilli(), sum.Blocks,
		sum.Total, sum.Delivered, sum.Failed, string(body),
	)
	return err
}

func (s *sqliteStore) GetReport(ctx context.Context, id string) (dispatch.Report, bool, error) {
	if s == nil || s.db == nil {
		return dispatch.Report{}, false, ErrDisabled
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE job_id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Report{}, false, nil
	}
	if err != nil {
		return dispatch.Report{}, false, err
	}
	var r dispatch.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return dispatch.Report{}, false, fmt.Errorf("decode report %s: %w", id, err)
	}
	return r, true, nil
}

func (s *sqliteStore) ListReports(ctx context.Context, limit int) ([]dispatch.Summary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, started_at, finished_at, blocks, total, delivered, failed
		 FROM reports ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.Summary
	for rows.Next() {
		var (
			sum               dispatch.Summary
			started, finished int64
		)
		if err := rows.Scan(&sum.JobID, &started, &finished, &sum.Blocks, &sum.Total, &sum.Delivered, &sum.Failed); err != nil {
			return nil, err
		}
		sum.StartedAt = time.UnixMilli(started)
		sum.FinishedAt = time.UnixMilli(finished)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneReports(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE finished_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Actor, e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
