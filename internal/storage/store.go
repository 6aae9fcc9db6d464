package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Store is the persistence API used by the approval and broadcast services.
//
// The claim primitives (DecideSubmission, RemoveSubmission, ClaimJob) must
// each be a single indivisible check-and-mutate: concurrent actors racing
// over the same record see exactly one winner, and every loser observes
// ErrNotFound / ErrAlreadyClaimed. A read followed by a separate write is
// not an acceptable implementation.
type Store interface {
	// UpsertUser registers the user on first contact (status pending) and
	// refreshes the display name on later contacts. Returns the status the
	// user has after the call.
	UpsertUser(ctx context.Context, id int64, displayName string) (UserStatus, error)
	// UserStatus returns UserUnregistered for unknown ids.
	UserStatus(ctx context.Context, id int64) (UserStatus, error)
	User(ctx context.Context, id int64) (User, error)
	SetUserStatus(ctx context.Context, id int64, st UserStatus) error

	CreateSubmission(ctx context.Context, submitterID int64, fileRef, fileName string) (Submission, error)
	AttachNoticeRef(ctx context.Context, id string, ref kit.MessageRef) error
	Submission(ctx context.Context, id string) (Submission, error)
	// DecideSubmission atomically moves a pending submission to approved or
	// rejected and returns the updated record. ErrNotFound if the submission
	// was already decided or cancelled.
	DecideSubmission(ctx context.Context, id string, st SubmissionStatus) (Submission, error)
	// RemoveSubmission atomically deletes a pending submission (cancellation)
	// and returns the record as it was. ErrNotFound if already consumed.
	RemoveSubmission(ctx context.Context, id string) (Submission, error)
	// PruneDecided deletes terminal submission markers older than the cutoff.
	PruneDecided(ctx context.Context, olderThan time.Time) (int, error)

	CreateJob(ctx context.Context, target, message string) (BroadcastJob, error)
	PendingJobs(ctx context.Context) ([]BroadcastJob, error)
	// ClaimJob atomically moves a pending job to sent. ErrAlreadyClaimed if a
	// concurrent claimer got there first.
	ClaimJob(ctx context.Context, id string) (BroadcastJob, error)

	// Audience resolves a target selector ("all", "approved", "pending",
	// "rejected") to user ids.
	Audience(ctx context.Context, target string) ([]int64, error)

	Close() error
}

// Open initializes the configured store. An empty driver defaults to memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func normalizeTarget(target string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(target))
	switch t {
	case "all", "approved", "pending", "rejected":
		return t, nil
	default:
		return "", errors.New("unknown audience target: " + target)
	}
}
