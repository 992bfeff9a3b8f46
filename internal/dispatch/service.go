package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/runtime/supervisor"
	logx "wablast/pkg/logx"
)

type ServiceConfig struct {
	QueueSize int
	StatusMax int
	StatusTTL time.Duration
	// PersistTimeout bounds saving one report.
	PersistTimeout time.Duration
}

const (
	defaultQueueSize = 16
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// WorkerName is the supervisor name of the dispatch worker.
const WorkerName = "dispatch.worker"

type job struct {
	Job
	done chan Report
}

type statusEntry struct {
	st     JobStatus
	report *Report
}

// Service runs jobs one at a time on a single worker so the shared
// connection is never driven by two senders.
type Service struct {
	engine *Engine
	store  ReportStore
	bus    eventbus.Bus
	obs    Observer
	log    logx.Logger
	cfg    ServiceConfig

	mu      sync.Mutex
	queue   chan job
	running bool
	stopped chan struct{}

	statusMu sync.RWMutex
	status   map[string]*statusEntry
}

type ServiceOption func(*Service)

func WithStore(st ReportStore) ServiceOption { return func(s *Service) { s.store = st } }

func WithServiceBus(b eventbus.Bus) ServiceOption { return func(s *Service) { s.bus = b } }

func WithServiceObserver(o Observer) ServiceOption { return func(s *Service) { s.obs = o } }

func NewService(cfg ServiceConfig, engine *Engine, log logx.Logger, opts ...ServiceOption) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.StatusMax <= 0 {
		cfg.StatusMax = defaultStatusMax
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	s := &Service{
		engine:  engine,
		bus:     eventbus.Nop(),
		obs:     nopObserver{},
		log:     log,
		cfg:     cfg,
		queue:   make(chan job, cfg.QueueSize),
		stopped: make(chan struct{}),
		status:  map[string]*statusEntry{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Engine() *Engine { return s.engine }

// Start runs the worker on sup until sup's context ends.
func (s *Service) Start(sup *supervisor.Supervisor) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	sup.Go(WorkerName, func(ctx context.Context) error {
		defer s.markStopped()
		s.log.Info("dispatch worker started", logx.Int("queue_cap", cap(s.queue)))
		s.worker(ctx)
		s.log.Info("dispatch worker stopped")
		return nil
	})
}

func (s *Service) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		close(s.stopped)
	}
}

// Submit queues j and returns its ID without waiting.
func (s *Service) Submit(j Job) (string, error) {
	q, _, err := s.enqueue(j, nil)
	if err != nil {
		return "", err
	}
	return q.ID, nil
}

// Run queues j and waits for its report. If ctx ends first the job keeps
// running and ctx's error is returned.
func (s *Service) Run(ctx context.Context, j Job) (Report, error) {
	q, stopped, err := s.enqueue(j, make(chan Report, 1))
	if err != nil {
		return Report{}, err
	}
	select {
	case r := <-q.done:
		return r, nil
	case <-stopped:
		select {
		case r := <-q.done:
			return r, nil
		default:
			return Report{}, ErrStopped
		}
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (s *Service) enqueue(j Job, done chan Report) (job, <-chan struct{}, error) {
	j = s.engine.Prepare(j)
	now := time.Now()
	s.pruneStatus(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.log.Debug("dispatch not running; rejecting job", logx.String("job", j.ID))
		return job{}, nil, ErrStopped
	}
	q := job{Job: j, done: done}
	s.statusMu.Lock()
	s.status[j.ID] = &statusEntry{st: JobStatus{ID: j.ID, Total: len(j.Recipients), CreatedAt: now}}
	s.statusMu.Unlock()

	select {
	case s.queue <- q:
		s.obs.ObserveQueueDepth(len(s.queue))
		s.log.Debug("dispatch job enqueued", logx.String("job", j.ID), logx.Int("total", len(j.Recipients)), logx.Int("queue_len", len(s.queue)), logx.Int("queue_cap", cap(s.queue)))
		return q, s.stopped, nil
	default:
		s.statusMu.Lock()
		delete(s.status, j.ID)
		s.statusMu.Unlock()
		s.log.Warn("dispatch queue full; rejecting job", logx.String("job", j.ID), logx.Int("queue_cap", cap(s.queue)))
		return job{}, nil, ErrQueueFull
	}
}

// Status returns counters for a known job.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	e, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return e.st, true
}

// Report returns the finished report for id from memory or the store.
func (s *Service) Report(ctx context.Context, id string) (Report, error) {
	s.statusMu.RLock()
	e, ok := s.status[id]
	var (
		rep      *Report
		finished bool
	)
	if ok {
		rep, finished = e.report, e.st.Finished
	}
	s.statusMu.RUnlock()

	if ok && !finished {
		return Report{}, ErrNotFinished
	}
	if rep != nil {
		return *rep, nil
	}
	if s.store == nil {
		return Report{}, ErrUnknownJob
	}
	r, found, err := s.store.GetReport(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("load report %s: %w", id, err)
	}
	if !found {
		return Report{}, ErrUnknownJob
	}
	return r, nil
}
