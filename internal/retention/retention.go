// Package retention deletes stored dispatch reports older than a cutoff on a
// cron schedule.
package retention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wablast/internal/runtime/supervisor"
	logx "wablast/pkg/logx"
)

// Pruner is the storage side of retention.
type Pruner interface {
	PruneReports(ctx context.Context, before time.Time) (int, error)
}

type Config struct {
	// Schedule is a 5-field cron expression or a descriptor such as "@daily".
	Schedule string
	// MaxAge of 0 disables pruning.
	MaxAge  time.Duration
	Timeout time.Duration
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("storage.prune_schedule: invalid %q: %w", spec, err)
	}
	return nil
}

type Service struct {
	store Pruner
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, store Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Service{store: store, log: log, now: time.Now, cfg: cfg}
}

// SetMaxAge changes the cutoff used by the next run.
func (s *Service) SetMaxAge(d time.Duration) {
	s.mu.Lock()
	s.cfg.MaxAge = d
	s.mu.Unlock()
}

// Start registers the schedule and hosts the cron runner on sup.
func (s *Service) Start(sup *supervisor.Supervisor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(strings.TrimSpace(s.cfg.Schedule), func() { s.RunOnce(sup.Context()) }); err != nil {
		return fmt.Errorf("storage.prune_schedule: %w", err)
	}
	s.c = c
	c.Start()
	s.log.Info("report retention scheduled", logx.String("schedule", s.cfg.Schedule), logx.Duration("max_age", s.cfg.MaxAge))

	sup.Go0("retention.cron", func(ctx context.Context) {
		<-ctx.Done()
		<-c.Stop().Done()
	})
	return nil
}

// RunOnce prunes reports older than MaxAge and returns how many went.
func (s *Service) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	maxAge, timeout := s.cfg.MaxAge, s.cfg.Timeout
	s.mu.Unlock()
	if maxAge <= 0 || s.store == nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	cutoff := s.now().Add(-maxAge)
	n, err := s.store.PruneReports(ctx, cutoff)
	if err != nil {
		s.log.Warn("report prune failed", logx.Time("before", cutoff), logx.Err(err))
		return 0
	}
	fields := []logx.Field{logx.Int("deleted", n), logx.Time("before", cutoff), logx.Duration("took", time.Since(start))}
	if n > 0 {
		s.log.Info("old reports pruned", fields...)
	} else {
		s.log.Debug("report prune: nothing to delete", fields...)
	}
	return n
}
