package broadcast

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// execJob fans one claimed job out to its resolved audience. Each job gets
// its own limiter, so concurrent jobs pace independently.
func (s *Service) execJob(ctx context.Context, job storage.BroadcastJob) {
	start := time.Now()
	s.setRunning(job.ID, true)
	defer s.setRunning(job.ID, false)

	recipients, err := s.store.Audience(ctx, job.Target)
	if err != nil {
		s.log.Error("audience resolution failed", logx.String("job", job.ID), logx.String("target", job.Target), logx.Err(err))
		return
	}
	s.setTotal(job.ID, len(recipients))
	s.log.Info("broadcast job started", logx.String("job", job.ID), logx.String("target", job.Target), logx.Int("total", len(recipients)))

	limiter := rate.NewLimiter(rate.Every(s.sendInterval()), 1)
	for _, uid := range recipients {
		if err := limiter.Wait(ctx); err != nil {
			s.log.Warn("broadcast job interrupted", logx.String("job", job.ID), logx.Err(err))
			return
		}
		// One unreachable recipient never aborts the job.
		if _, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: uid}, job.Message, nil); err != nil {
			s.markFail(job.ID)
			s.log.Warn("broadcast send failed", logx.String("job", job.ID), logx.Int64("chat_id", uid), logx.Err(err))
		}
		s.markDone(job.ID)
	}

	st, _ := s.Status(job.ID)
	fields := []logx.Field{
		logx.String("job", job.ID),
		logx.Int("total", st.Total),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}
}

func (s *Service) setRunning(id string, v bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return
	}
	if v {
		st.StartedAt = time.Now()
		st.Running = true
	} else {
		st.DoneAt = time.Now()
		st.Running = false
	}
}

func (s *Service) setTotal(id string, n int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Total = n
	}
}

func (s *Service) markDone(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Done++
	}
}

func (s *Service) markFail(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Failed++
	}
}
