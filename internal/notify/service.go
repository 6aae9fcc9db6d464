// Package notify implements the async outbound notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// Best-effort notices ride this pipeline so a transport failure is never
// conflated with the state transition that triggered the notice. Sends that
// must return a message handle go through the adapter directly instead.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

type opKind int

const (
	opSend opKind = iota
	opEdit
)

// Op is one outbound notification: a new message to a target, or an
// in-place edit of a previously sent one.
type Op struct {
	kind    opKind
	to      kit.ChatTarget
	ref     kit.MessageRef
	text    string
	options *kit.SendOptions

	// key deduplicates retried enqueues of the same logical notice
	// (e.g. "decide:<submission id>"). Empty means no dedup.
	key string
}

// Key reports the dedup key the op was built with.
func (o Op) Key() string { return o.key }

func SendOp(to kit.ChatTarget, text string, opt *kit.SendOptions, key string) Op {
	return Op{kind: opSend, to: to, text: text, options: opt, key: key}
}

func EditOp(ref kit.MessageRef, text string, opt *kit.SendOptions, key string) Op {
	return Op{kind: opEdit, ref: ref, text: text, options: opt, key: key}
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter

	cfg     Config
	limiter *rate.Limiter

	queue chan Op
	// sendWG tracks Enqueue calls that captured the queue; Stop waits for
	// them before closing it.
	sendWG sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		dedup:   map[string]time.Time{},
	}
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	return s
}

// Apply installs a new config; rate limit and retry policy take effect on
// the next delivery. Worker and queue sizing only change on restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		// already running
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan Op, cfg.QueueSize)
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		s.workerWG.Add(1)
		go func(idx int) {
			defer s.workerWG.Done()
			s.workerLoop(idx)
		}(i)
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("rps", cfg.RatePerSec))
}

// Stop stops intake and drains in-flight work best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	s.queue = nil
	s.runCancel = nil
	s.mu.Unlock()

	if q == nil {
		return
	}
	// Late Enqueues now observe a nil queue; wait out the in-flight ones
	// before closing intake.
	s.sendWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("notifier stopped")
}

// Enqueue queues an op for delivery. A full queue or a stopped service is
// reported to the caller but, per the propagation policy, callers treat the
// result as best-effort and only log it.
func (s *Service) Enqueue(op Op) error {
	// The WaitGroup add happens under the same lock that Stop uses to
	// retire the queue, so Stop cannot close it mid-send.
	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if op.key != "" && s.suppressed(op.key) {
		s.log.Debug("notification deduplicated", logx.String("key", op.key))
		return nil
	}

	select {
	case q <- op:
		return nil
	default:
		s.log.Warn("notifier queue full; dropping notification", logx.String("key", op.key))
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(idx int) {
	s.mu.Lock()
	q := s.queue
	ctx := s.runCtx
	s.mu.Unlock()
	if q == nil || ctx == nil {
		return
	}

	s.log.Debug("notifier worker started", logx.Int("worker", idx))
	defer s.log.Debug("notifier worker stopped", logx.Int("worker", idx))
	for op := range q {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, op)
	}
}

func (s *Service) deliver(ctx context.Context, op Op) {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	cfg := s.cfg
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}

	var last error
	for attempt := 0; ; attempt++ {
		last = s.attempt(ctx, op)
		if last == nil {
			if op.key != "" {
				s.remember(op.key)
			}
			return
		}
		if attempt >= cfg.RetryMax || ctx.Err() != nil {
			break
		}

		delay := cfg.RetryBase << attempt
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	// Final failure is absorbed here: logged, never propagated.
	s.log.Warn("notification delivery failed",
		logx.String("key", op.key),
		logx.Int64("chat_id", targetChat(op)),
		logx.Int("attempts", cfg.RetryMax+1),
		logx.Err(last))
}

func (s *Service) attempt(ctx context.Context, op Op) error {
	switch op.kind {
	case opEdit:
		return s.adapter.EditText(ctx, op.ref, op.text, op.options)
	default:
		_, err := s.adapter.SendText(ctx, op.to, op.text, op.options)
		return err
	}
}

func targetChat(op Op) int64 {
	if op.kind == opEdit {
		return op.ref.ChatID
	}
	return op.to.ChatID
}

func (s *Service) dedupWindow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DedupWindow
}

func (s *Service) suppressed(key string) bool {
	if s.dedupWindow() <= 0 {
		return false
	}
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[key]
	if ok && now.Before(until) {
		return true
	}
	// Opportunistic cleanup of expired entries.
	for k, u := range s.dedup {
		if now.After(u) {
			delete(s.dedup, k)
		}
	}
	return false
}

func (s *Service) remember(key string) {
	w := s.dedupWindow()
	if w <= 0 {
		return
	}
	s.dmu.Lock()
	s.dedup[key] = time.Now().Add(w)
	s.dmu.Unlock()
}
