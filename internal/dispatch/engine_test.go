package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"wablast/internal/provider"
	"wablast/internal/recipient"
	logx "wablast/pkg/logx"
)

type fakeSession struct {
	mu    sync.Mutex
	ready bool
	errs  map[string]error
	sent  []string
	block chan struct{}
}

func newFakeSession(ready bool) *fakeSession {
	return &fakeSession{ready: ready, errs: map[string]error{}}
}

func (s *fakeSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSession) setReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

func (s *fakeSession) Send(ctx context.Context, address, _ string) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return provider.ErrNotConnected
	}
	s.sent = append(s.sent, address)
	return s.errs[address]
}

func (s *fakeSession) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	hook  func(n int)
}

func (w *waitRecorder) wait(_ context.Context, d time.Duration, _ <-chan struct{}) {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	n := len(w.waits)
	hook := w.hook
	w.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

func recipients(n int) []recipient.Recipient {
	out := make([]recipient.Recipient, n)
	for i := range out {
		out[i] = recipient.Recipient(fmt.Sprintf("1555000%04d", i))
	}
	return out
}

func newTestEngine(sess Session, w *waitRecorder, cfg EngineConfig) *Engine {
	return NewEngine(cfg, sess, logx.Nop(), WithWait(w.wait))
}

func TestPartitionBlockCount(t *testing.T) {
	t.Parallel()
	for n := 0; n <= 20; n++ {
		rs := recipients(n)
		for b := 1; b <= 7; b++ {
			blocks := Partition(rs, b)
			want := (n + b - 1) / b
			if len(blocks) != want {
				t.Fatalf("n=%d b=%d: %d blocks, want %d", n, b, len(blocks), want)
			}
			var joined []recipient.Recipient
			for _, blk := range blocks {
				if len(blk) == 0 || len(blk) > b {
					t.Fatalf("n=%d b=%d: bad block size %d", n, b, len(blk))
				}
				joined = append(joined, blk...)
			}
			if n > 0 && !reflect.DeepEqual(joined, rs) {
				t.Fatalf("n=%d b=%d: concatenation differs from input", n, b)
			}
		}
	}
}

func TestRunBlocksAndPacing(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(true)
	w := &waitRecorder{}
	e := newTestEngine(sess, w, EngineConfig{BlockSize: 2, BlockDelay: 3 * time.Second})

	rs := recipients(5)
	rep := e.Run(context.Background(), NewJob(rs, "hello"), nil)

	if rep.Blocks != 3 {
		t.Fatalf("Blocks = %d, want 3", rep.Blocks)
	}
	if len(w.waits) != 2 {
		t.Fatalf("waits = %d, want 2", len(w.waits))
	}
	for _, d := range w.waits {
		if d != 3*time.Second {
			t.Fatalf("wait = %s, want 3s", d)
		}
	}
	want := []string{
		"Sending block 1/3...",
		"Sent to " + rs[0].String(),
		"Sent to " + rs[1].String(),
		"Waiting 3s before the next block...",
		"Sending block 2/3...",
		"Sent to " + rs[2].String(),
		"Sent to " + rs[3].String(),
		"Waiting 3s before the next block...",
		"Sending block 3/3...",
		"Sent to " + rs[4].String(),
	}
	if !reflect.DeepEqual(rep.Lines, want) {
		t.Fatalf("Lines =\n%q\nwant\n%q", rep.Lines, want)
	}
	if rep.Delivered() != 5 || rep.Failed() != 0 {
		t.Fatalf("delivered=%d failed=%d", rep.Delivered(), rep.Failed())
	}
}

func TestPrepareBlockDelay(t *testing.T) {
	t.Parallel()
	e := newTestEngine(newFakeSession(true), &waitRecorder{}, EngineConfig{BlockSize: 2, BlockDelay: 4 * time.Second})

	if got := e.Prepare(Job{}).BlockDelay; got != 4*time.Second {
		t.Fatalf("unset delay = %s, want engine default", got)
	}
	if got := e.Prepare(Job{BlockDelay: time.Second}).BlockDelay; got != time.Second {
		t.Fatalf("override = %s, want 1s", got)
	}
	if got := e.Prepare(Job{BlockDelay: time.Second, NoBlockDelay: true}).BlockDelay; got != 0 {
		t.Fatalf("no-delay job = %s, want 0", got)
	}
}

func TestRunWithoutBlockDelay(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	e := newTestEngine(newFakeSession(true), w, EngineConfig{BlockSize: 1, BlockDelay: 3 * time.Second})

	job := NewJob(recipients(3), "hi")
	job.NoBlockDelay = true
	rep := e.Run(context.Background(), job, nil)

	if rep.Delivered() != 3 {
		t.Fatalf("delivered = %d, want 3", rep.Delivered())
	}
	for _, d := range w.waits {
		if d != 0 {
			t.Fatalf("wait = %s, want 0", d)
		}
	}
	if rep.Lines[2] != "Waiting 0s before the next block..." {
		t.Fatalf("pause line = %q", rep.Lines[2])
	}
}

func TestRunSingleBlockHasNoWait(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	e := newTestEngine(newFakeSession(true), w, EngineConfig{BlockSize: 10})
	rep := e.Run(context.Background(), NewJob(recipients(4), "x"), nil)
	if rep.Blocks != 1 || len(w.waits) != 0 {
		t.Fatalf("blocks=%d waits=%d, want 1 and 0", rep.Blocks, len(w.waits))
	}
}

func TestRunPreservesOrderAndDuplicates(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(true)
	e := newTestEngine(sess, &waitRecorder{}, EngineConfig{BlockSize: 2})
	rs := []recipient.Recipient{"3", "1", "3", "2"}
	rep := e.Run(context.Background(), NewJob(rs, "x"), nil)

	got := make([]recipient.Recipient, 0, len(rep.Outcomes))
	for _, o := range rep.Outcomes {
		got = append(got, o.Recipient)
	}
	if !reflect.DeepEqual(got, rs) {
		t.Fatalf("outcome order = %v, want %v", got, rs)
	}
	if sent := sess.sentTo(); !reflect.DeepEqual(sent, []string{"3", "1", "3", "2"}) {
		t.Fatalf("sent = %v", sent)
	}
}

func TestRunClassifiesProviderError(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(true)
	sess.errs["222"] = errors.New("Invalid wid given\n    at Client.sendMessage")
	e := newTestEngine(sess, &waitRecorder{}, EngineConfig{BlockSize: 5})

	var seen []Outcome
	rep := e.Run(context.Background(), NewJob([]recipient.Recipient{"111", "222", "333"}, "x"), func(o Outcome) {
		seen = append(seen, o)
	})

	o := rep.Outcomes[1]
	if o.Status != StatusFailed || o.Category != CategoryInvalidNumber {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Detail != "Invalid wid given" {
		t.Fatalf("Detail = %q", o.Detail)
	}
	if rep.Lines[2] != "Error with 222: "+CategoryInvalidNumber.Description() {
		t.Fatalf("line = %q", rep.Lines[2])
	}
	if !rep.Outcomes[2].Delivered() {
		t.Fatal("failure must not abort the job")
	}
	if len(seen) != 3 {
		t.Fatalf("progress saw %d outcomes, want 3", len(seen))
	}
}

func TestRunNotReadyNeverContactsProvider(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(false)
	e := newTestEngine(sess, &waitRecorder{}, EngineConfig{BlockSize: 2})
	rep := e.Run(context.Background(), NewJob(recipients(3), "x"), nil)

	for _, o := range rep.Outcomes {
		if o.Category != CategorySessionUnavailable {
			t.Fatalf("outcome = %+v, want session unavailable", o)
		}
	}
	if len(sess.sentTo()) != 0 {
		t.Fatal("provider was contacted while not ready")
	}
}

func TestRunSessionLostMidJob(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(true)
	w := &waitRecorder{hook: func(n int) {
		if n == 1 {
			sess.setReady(false)
		}
	}}
	e := newTestEngine(sess, w, EngineConfig{BlockSize: 2})
	rs := recipients(6)
	rep := e.Run(context.Background(), NewJob(rs, "x"), nil)

	if len(rep.Outcomes) != 6 {
		t.Fatalf("outcomes = %d, want 6", len(rep.Outcomes))
	}
	for i, o := range rep.Outcomes {
		if i < 2 {
			if !o.Delivered() {
				t.Fatalf("outcome %d = %+v, want delivered", i, o)
			}
			continue
		}
		if o.Category != CategorySessionUnavailable {
			t.Fatalf("outcome %d = %+v, want session unavailable", i, o)
		}
	}
	if got := len(sess.sentTo()); got != 2 {
		t.Fatalf("provider sends = %d, want 2", got)
	}
}

func TestRunEmpty(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	e := newTestEngine(newFakeSession(true), w, EngineConfig{})
	rep := e.Run(context.Background(), NewJob(nil, "x"), nil)
	if rep.Blocks != 0 || len(rep.Outcomes) != 0 || len(w.waits) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Lines) != 1 {
		t.Fatalf("Lines = %q, want exactly one", rep.Lines)
	}
}

func TestRunCanceledStillReportsEveryRecipient(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(true)
	ctx, cancel := context.WithCancel(context.Background())
	w := &waitRecorder{hook: func(int) { cancel() }}
	e := newTestEngine(sess, w, EngineConfig{BlockSize: 1})
	rep := e.Run(ctx, NewJob(recipients(3), "x"), nil)

	if len(rep.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(rep.Outcomes))
	}
	if !rep.Outcomes[0].Delivered() || rep.Outcomes[1].Delivered() || rep.Outcomes[2].Delivered() {
		t.Fatalf("outcomes = %+v", rep.Outcomes)
	}
}

func TestSleepWaitAbortsOnLoss(t *testing.T) {
	t.Parallel()
	abort := make(chan struct{})
	close(abort)
	start := time.Now()
	sleepWait(context.Background(), time.Minute, abort)
	if time.Since(start) > time.Second {
		t.Fatal("wait did not abort")
	}
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(true)
	sess.block = make(chan struct{})
	e := newTestEngine(sess, &waitRecorder{}, EngineConfig{SendTimeout: 20 * time.Millisecond})
	rep := e.Run(context.Background(), NewJob([]recipient.Recipient{"1"}, "x"), nil)
	o := rep.Outcomes[0]
	if o.Delivered() || o.Category != CategoryUnknown {
		t.Fatalf("outcome = %+v", o)
	}
}
