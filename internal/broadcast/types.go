package broadcast

import (
	"sync"
	"time"

	rtsup "gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Config struct {
	// PollInterval is how often the monitor lists pending jobs. Shorter
	// intervals trade latency for store load; correctness does not depend
	// on it.
	PollInterval time.Duration
	// Workers bounds the number of jobs fanning out concurrently.
	Workers   int
	QueueSize int
	// SendInterval is the fixed pause between sends within one job.
	SendInterval time.Duration
}

// JobStatus is the in-memory completion view of one claimed job. Distinct
// from the stored job state, which only records the claim.
type JobStatus struct {
	ID        string
	Target    string
	Total     int
	Done      int
	Failed    int
	Running   bool
	ClaimedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
}

type Service struct {
	cfg     Config
	store   storage.Store
	adapter kit.Adapter
	log     logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	queue chan storage.BroadcastJob

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}
