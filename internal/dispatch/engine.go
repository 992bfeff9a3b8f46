// Package dispatch delivers one message body to an ordered recipient list
// through the session keeper, block by block, and reports every outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wablast/internal/recipient"
	logx "wablast/pkg/logx"
)

// EngineConfig holds the live-reloadable delivery settings.
type EngineConfig struct {
	BlockSize  int
	BlockDelay time.Duration
	// SendTimeout bounds one provider send; zero means no bound.
	SendTimeout time.Duration
	// SendRatePerSec caps sends per second; zero disables the limiter.
	SendRatePerSec float64
}

const (
	DefaultBlockSize  = 1
	DefaultBlockDelay = 5 * time.Second
)

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.BlockDelay < 0 {
		c.BlockDelay = 0
	}
	return c
}

// Pacer decides how long to pause before block next (1-based index of the
// block about to start).
type Pacer interface {
	Delay(job Job, next int) time.Duration
}

// FixedPacer waits the job's block delay before every block but the first.
type FixedPacer struct{}

func (FixedPacer) Delay(job Job, _ int) time.Duration { return job.BlockDelay }

// WaitFunc suspends for d. It returns early when ctx ends or abort closes.
type WaitFunc func(ctx context.Context, d time.Duration, abort <-chan struct{})

func sleepWait(ctx context.Context, d time.Duration, abort <-chan struct{}) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-abort:
	}
}

type Engine struct {
	sess  Session
	log   logx.Logger
	pacer Pacer
	wait  WaitFunc
	now   func() time.Time

	mu      sync.Mutex
	cfg     EngineConfig
	limiter *rate.Limiter
}

type EngineOption func(*Engine)

func WithPacer(p Pacer) EngineOption { return func(e *Engine) { e.pacer = p } }

func WithWait(w WaitFunc) EngineOption { return func(e *Engine) { e.wait = w } }

func NewEngine(cfg EngineConfig, sess Session, log logx.Logger, opts ...EngineOption) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		sess:  sess,
		log:   log,
		pacer: FixedPacer{},
		wait:  sleepWait,
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.Apply(cfg)
	return e
}

// Apply swaps the delivery settings. Jobs already running keep the block
// layout they started with.
func (e *Engine) Apply(cfg EngineConfig) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.SendRatePerSec > 0 {
		burst := max(1, int(cfg.SendRatePerSec))
		lim = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), burst)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) Config() EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Prepare fills unset job fields from the current settings.
func (e *Engine) Prepare(job Job) Job {
	cfg := e.Config()
	if job.ID == "" {
		job.ID = NewJob(nil, "").ID
	}
	if job.BlockSize <= 0 {
		job.BlockSize = cfg.BlockSize
	}
	switch {
	case job.NoBlockDelay:
		job.BlockDelay = 0
	case job.BlockDelay <= 0:
		job.BlockDelay = cfg.BlockDelay
	}
	return job
}

// Run drives job to completion and returns the full report. Individual send
// failures are recorded, never returned. progress, when non-nil, sees every
// outcome as it is recorded.
func (e *Engine) Run(ctx context.Context, job Job, progress func(Outcome)) Report {
	job = e.Prepare(job)
	blocks := Partition(job.Recipients, job.BlockSize)
	rep := Report{JobID: job.ID, Blocks: len(blocks), StartedAt: e.now()}
	log := e.log.With(logx.String("job", job.ID))

	if len(blocks) == 0 {
		rep.Lines = []string{"No recipients: 0 blocks to send."}
		rep.FinishedAt = e.now()
		return rep
	}

	log.Info("dispatch started", logx.Int("recipients", len(job.Recipients)), logx.Int("blocks", len(blocks)), logx.Int("block_size", job.BlockSize))
	rep.Outcomes = make([]Outcome, 0, len(job.Recipients))
	for i, block := range blocks {
		rep.Lines = append(rep.Lines, fmt.Sprintf("Sending block %d/%d...", i+1, len(blocks)))
		for _, r := range block {
			o, line := e.sendOne(ctx, log, job, r)
			rep.Outcomes = append(rep.Outcomes, o)
			rep.Lines = append(rep.Lines, line)
			if progress != nil {
				progress(o)
			}
		}
		if i == len(blocks)-1 {
			break
		}
		d := e.pacer.Delay(job, i+2)
		rep.Lines = append(rep.Lines, fmt.Sprintf("Waiting %s before the next block...", d))
		e.wait(ctx, d, e.lossSignal())
	}
	rep.FinishedAt = e.now()
	log.Info("dispatch finished", logx.Int("delivered", rep.Delivered()), logx.Int("failed", rep.Failed()), logx.Duration("dur", rep.FinishedAt.Sub(rep.StartedAt)))
	return rep
}

func (e *Engine) sendOne(ctx context.Context, log logx.Logger, job Job, r recipient.Recipient) (Outcome, string) {
	if err := ctx.Err(); err != nil {
		return Outcome{Recipient: r, Status: StatusFailed, Category: CategoryUnknown, Detail: err.Error()},
			fmt.Sprintf("Error with %s: dispatch canceled", r)
	}
	if !e.sess.IsReady() {
		o := Outcome{Recipient: r, Status: StatusFailed, Category: CategorySessionUnavailable, Detail: "session not ready"}
		return o, failLine(o)
	}

	e.mu.Lock()
	lim := e.limiter
	timeout := e.cfg.SendTimeout
	e.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Outcome{Recipient: r, Status: StatusFailed, Category: CategoryUnknown, Detail: err.Error()},
				fmt.Sprintf("Error with %s: dispatch canceled", r)
		}
	}

	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := e.sess.Send(sctx, r.String(), job.Body)
	if err == nil {
		log.Debug("sent", logx.String("to", r.String()))
		return Outcome{Recipient: r, Status: StatusDelivered}, fmt.Sprintf("Sent to %s", r)
	}

	cat, detail := Classify(err)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		detail = "send timed out: " + detail
	}
	log.Warn("send failed", logx.String("to", r.String()), logx.String("category", string(cat)), logx.Err(err))
	o := Outcome{Recipient: r, Status: StatusFailed, Category: cat, Detail: detail}
	return o, failLine(o)
}

func failLine(o Outcome) string {
	return fmt.Sprintf("Error with %s: %s", o.Recipient, o.Category.Description())
}

func (e *Engine) lossSignal() <-chan struct{} {
	if ln, ok := e.sess.(lossNotifier); ok {
		return ln.Lost()
	}
	return nil
}
