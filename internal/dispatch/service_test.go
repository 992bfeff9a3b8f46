package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/recipient"
	"wablast/internal/runtime/supervisor"
	logx "wablast/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	reports map[string]Report
}

func (m *memStore) SaveReport(_ context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports == nil {
		m.reports = map[string]Report{}
	}
	m.reports[r.JobID] = r
	return nil
}

func (m *memStore) GetReport(_ context.Context, id string) (Report, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	return r, ok, nil
}

func startService(t *testing.T, sess Session, cfg ServiceConfig, opts ...ServiceOption) *Service {
	t.Helper()
	e := NewEngine(EngineConfig{BlockSize: 2}, sess, logx.Nop(), WithWait(func(context.Context, time.Duration, <-chan struct{}) {}))
	s := NewService(cfg, e, logx.Nop(), opts...)
	sup := supervisor.New(context.Background())
	s.Start(sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return s
}

func TestServiceRun(t *testing.T) {
	store := &memStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := startService(t, newFakeSession(true), ServiceConfig{}, WithStore(store), WithServiceBus(bus))
	rep, err := s.Run(context.Background(), NewJob(recipients(3), "hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Delivered() != 3 || rep.Blocks != 2 {
		t.Fatalf("report = %+v", rep.Summary())
	}

	st, ok := s.Status(rep.JobID)
	if !ok || !st.Finished || st.Done != 3 || st.Failed != 0 {
		t.Fatalf("status = %+v, ok=%v", st, ok)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.DispatchFinished {
			t.Fatalf("event type = %s", ev.Type)
		}
		if sum, ok := ev.Data.(Summary); !ok || sum.JobID != rep.JobID {
			t.Fatalf("event data = %#v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch.finished event")
	}

	if _, ok, _ := store.GetReport(context.Background(), rep.JobID); !ok {
		t.Fatal("report was not persisted")
	}
}

func TestServiceSubmitAndReport(t *testing.T) {
	store := &memStore{}
	s := startService(t, newFakeSession(true), ServiceConfig{}, WithStore(store))

	id, err := s.Submit(NewJob([]recipient.Recipient{"1", "2"}, "hi"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var rep Report
	for {
		rep, err = s.Report(context.Background(), id)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNotFinished) || time.Now().After(deadline) {
			t.Fatalf("Report: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rep.JobID != id || len(rep.Outcomes) != 2 {
		t.Fatalf("report = %+v", rep.Summary())
	}

	if _, err := s.Report(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Report(missing) err = %v, want ErrUnknownJob", err)
	}
}

func TestServiceReportFallsBackToStore(t *testing.T) {
	store := &memStore{}
	_ = store.SaveReport(context.Background(), Report{JobID: "old", Blocks: 1})
	s := startService(t, newFakeSession(true), ServiceConfig{}, WithStore(store))

	rep, err := s.Report(context.Background(), "old")
	if err != nil || rep.JobID != "old" {
		t.Fatalf("Report = %+v, %v", rep, err)
	}
}

func TestServiceNotStarted(t *testing.T) {
	e := NewEngine(EngineConfig{}, newFakeSession(true), logx.Nop())
	s := NewService(ServiceConfig{}, e, logx.Nop())
	if _, err := s.Submit(NewJob(nil, "x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit err = %v, want ErrStopped", err)
	}
}

func TestServiceQueueFull(t *testing.T) {
	sess := newFakeSession(true)
	sess.block = make(chan struct{})
	defer close(sess.block)
	s := startService(t, sess, ServiceConfig{QueueSize: 1})

	// First job occupies the worker, second fills the queue.
	first, err := s.Submit(NewJob([]recipient.Recipient{"1"}, "x"))
	if err != nil {
		t.Fatalf("Submit #1: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _ := s.Status(first); st.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first job never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := s.Submit(NewJob([]recipient.Recipient{"2"}, "x")); err != nil {
		t.Fatalf("Submit #2: %v", err)
	}
	if _, err := s.Submit(NewJob([]recipient.Recipient{"3"}, "x")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit #3 err = %v, want ErrQueueFull", err)
	}
}

func TestPruneStatusKeepsUnfinished(t *testing.T) {
	e := NewEngine(EngineConfig{}, newFakeSession(true), logx.Nop())
	s := NewService(ServiceConfig{StatusMax: 2, StatusTTL: time.Hour}, e, logx.Nop())
	now := time.Now()
	s.status["old"] = &statusEntry{st: JobStatus{ID: "old", Finished: true, DoneAt: now.Add(-2 * time.Hour)}}
	s.status["a"] = &statusEntry{st: JobStatus{ID: "a", Finished: true, DoneAt: now.Add(-3 * time.Minute)}}
	s.status["b"] = &statusEntry{st: JobStatus{ID: "b", Finished: true, DoneAt: now.Add(-time.Minute)}}
	s.status["run"] = &statusEntry{st: JobStatus{ID: "run", Running: true}}

	s.pruneStatus(now)

	for _, id := range []string{"b", "run"} {
		if _, ok := s.status[id]; !ok {
			t.Fatalf("%s was pruned", id)
		}
	}
	for _, id := range []string{"old", "a"} {
		if _, ok := s.status[id]; ok {
			t.Fatalf("%s was kept", id)
		}
	}
}
