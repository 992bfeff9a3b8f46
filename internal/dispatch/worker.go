package dispatch

import (
	"context"
	"time"

	"wablast/internal/eventbus"
	logx "wablast/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	for {
		// stop wins over queued work
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.obs.ObserveQueueDepth(len(s.queue))
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.setRunning(j.ID)

	rep := s.engine.Run(ctx, j.Job, func(o Outcome) {
		s.obs.ObserveOutcome(string(o.Status), string(o.Category))
		s.markDone(j.ID, o.Delivered())
	})
	s.finish(j.ID, rep)
	s.obs.ObserveJob(time.Since(start), len(rep.Outcomes))

	if j.done != nil {
		j.done <- rep
	}

	sum := rep.Summary()
	fields := []logx.Field{
		logx.String("job", j.ID),
		logx.Int("total", sum.Total),
		logx.Int("failed", sum.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if sum.Failed > 0 {
		s.log.Warn("dispatch job finished with failures", fields...)
	} else {
		s.log.Info("dispatch job finished", fields...)
	}

	s.persist(rep)
	s.bus.Publish(eventbus.Event{Type: eventbus.DispatchFinished, Data: sum})
}

func (s *Service) persist(rep Report) {
	if s.store == nil {
		return
	}
	// The job may have been stopped by shutdown; still record what happened.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.store.SaveReport(ctx, rep); err != nil {
		s.log.Error("save dispatch report failed", logx.String("job", rep.JobID), logx.Err(err))
	}
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if e := s.status[id]; e != nil {
		e.st.StartedAt = time.Now()
		e.st.Running = true
	}
}

func (s *Service) markDone(id string, delivered bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if e := s.status[id]; e != nil {
		e.st.Done++
		if !delivered {
			e.st.Failed++
		}
	}
}

func (s *Service) finish(id string, rep Report) {
	now := time.Now()
	s.statusMu.Lock()
	if e := s.status[id]; e != nil {
		e.st.DoneAt = now
		e.st.Running = false
		e.st.Finished = true
		e.report = &rep
	}
	s.statusMu.Unlock()
	s.pruneStatus(now)
}
