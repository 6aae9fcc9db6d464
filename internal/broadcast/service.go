package broadcast

import (
	"context"
	"errors"
	"time"

	rtsup "gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

func New(cfg Config, store storage.Store, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:   store,
		adapter: adapter,
		log:     log,
		status:  map[string]*JobStatus{},
	}
	s.Apply(cfg)
	return s
}

// Apply installs a new config. Intervals take effect on the next poll/send;
// the worker count only changes on restart.
func (s *Service) Apply(cfg Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = 100 * time.Millisecond
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PollInterval
}

func (s *Service) sendInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SendInterval
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		// already running
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan storage.BroadcastJob, cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "broadcast"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queue := s.queue
	s.mu.Unlock()

	// The monitor is deliberately restart-looped: a fatal error in one poll
	// iteration is logged and polling resumes, it never exits the process.
	sup.GoRestart("broadcast.monitor", func(c context.Context) error {
		return s.monitor(c, queue)
	},
		rtsup.WithRestartBackoff(cfg.PollInterval, 30*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.Go0("broadcast.worker", func(c context.Context) {
			s.worker(c, queue, idx)
		})
	}

	s.log.Info("broadcast service started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("poll_interval", cfg.PollInterval))
}

// Stop cancels the monitor and waits for in-flight fan-outs up to the ctx
// deadline. Workers abandon remaining recipients once their context ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()

	if sup == nil {
		return
	}
	start := time.Now()
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("broadcast stop incomplete", logx.Err(err))
	}
	s.log.Info("broadcast service stopped", logx.Duration("took", time.Since(start)))
}

// monitor is the long-lived poll loop: list pending jobs, claim each one,
// hand claimed jobs to the worker pool.
func (s *Service) monitor(ctx context.Context, queue chan<- storage.BroadcastJob) error {
	for {
		// Re-read the interval each round so Apply() takes effect live.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval()):
		}
		if err := s.pollOnce(ctx, queue); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Log and keep polling on the normal interval.
			s.log.Error("broadcast poll failed", logx.Err(err))
		}
	}
}

func (s *Service) pollOnce(ctx context.Context, queue chan<- storage.BroadcastJob) error {
	jobs, err := s.store.PendingJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		claimed, err := s.store.ClaimJob(ctx, job.ID)
		if errors.Is(err, storage.ErrAlreadyClaimed) || errors.Is(err, storage.ErrNotFound) {
			// A concurrent claimer took it; nothing to do.
			continue
		}
		if err != nil {
			return err
		}

		s.statusMu.Lock()
		s.status[claimed.ID] = &JobStatus{ID: claimed.ID, Target: claimed.Target, ClaimedAt: claimed.ClaimedAt}
		s.statusMu.Unlock()
		s.pruneStatus(time.Now())

		select {
		case queue <- claimed:
			s.log.Debug("broadcast job dispatched", logx.String("job", claimed.ID), logx.String("target", claimed.Target))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) worker(ctx context.Context, queue <-chan storage.BroadcastJob, idx int) {
	s.log.Debug("broadcast worker started", logx.Int("worker", idx))
	defer s.log.Debug("broadcast worker stopped", logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-queue:
			s.execJob(ctx, job)
		}
	}
}

// Snapshot returns the known job statuses, newest claim first.
func (s *Service) Snapshot() []JobStatus {
	s.statusMu.RLock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		if st != nil {
			out = append(out, *st)
		}
	}
	s.statusMu.RUnlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ClaimedAt.After(out[j-1].ClaimedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Status returns the completion view for one job id.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	return *st, true
}
