package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"wablast/internal/dispatch"
	logx "wablast/pkg/logx"
)

// Store is the persistence API used by the dispatch service and operators.
type Store interface {
	SaveReport(ctx context.Context, r dispatch.Report) error
	GetReport(ctx context.Context, id string) (dispatch.Report, bool, error)
	// ListReports returns the newest summaries first; limit <= 0 means all.
	ListReports(ctx context.Context, limit int) ([]dispatch.Summary, error)
	// PruneReports deletes reports finished before the cutoff.
	PruneReports(ctx context.Context, before time.Time) (int, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
