package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"wablast/internal/provider"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

// linkedClient reports ready when it holds stored credentials and asks for a
// new pairing otherwise.
type linkedClient struct {
	linked bool
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []string
}

func (c *linkedClient) Initialize(_ context.Context, events chan<- provider.Event) error {
	ev := provider.Event{Kind: provider.EventPairing, Code: "pair-again"}
	if c.linked {
		ev = provider.Event{Kind: provider.EventReady}
	}
	go func() {
		select {
		case events <- ev:
		case <-c.closed:
		}
	}()
	return nil
}

func (c *linkedClient) Send(_ context.Context, address, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, address)
	return nil
}

func (c *linkedClient) ClearSession(context.Context) error { return nil }

func (c *linkedClient) Destroy(context.Context) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestRunAcrossLogout(t *testing.T) {
	var (
		mu      sync.Mutex
		clients []*linkedClient
	)
	factory := func(context.Context) (provider.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		c := &linkedClient{linked: len(clients) == 0, closed: make(chan struct{})}
		clients = append(clients, c)
		return c, nil
	}

	m := session.New(session.Config{RestartMinBackoff: time.Millisecond, RestartMaxBackoff: 5 * time.Millisecond}, factory, logx.Nop())
	sup := supervisor.New(context.Background())
	m.Start(sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	eventually(t, "session ready", m.IsReady)

	e := newTestEngine(m, &waitRecorder{}, EngineConfig{BlockSize: 2, BlockDelay: time.Second})
	rs := recipients(6)
	seen := 0
	rep := e.Run(context.Background(), NewJob(rs, "hello"), func(Outcome) {
		seen++
		if seen != 2 {
			return
		}
		if err := m.Logout(context.Background()); err != nil {
			t.Errorf("Logout: %v", err)
		}
	})

	if len(rep.Outcomes) != len(rs) {
		t.Fatalf("outcomes = %d, want %d", len(rep.Outcomes), len(rs))
	}
	for i, o := range rep.Outcomes {
		if o.Recipient != rs[i] {
			t.Fatalf("outcome %d is for %s, want %s", i, o.Recipient, rs[i])
		}
		switch {
		case i < 2 && o.Status != StatusDelivered:
			t.Fatalf("outcome %d = %+v, want delivered", i, o)
		case i >= 2 && (o.Status != StatusFailed || o.Category != CategorySessionUnavailable):
			t.Fatalf("outcome %d = %+v, want session_unavailable", i, o)
		}
	}

	mu.Lock()
	first := clients[0]
	mu.Unlock()
	first.mu.Lock()
	sent := len(first.sent)
	first.mu.Unlock()
	if sent != 2 {
		t.Fatalf("provider saw %d sends, want 2", sent)
	}

	eventually(t, "pairing required", func() bool { return m.State() == session.StatePairingRequired })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
