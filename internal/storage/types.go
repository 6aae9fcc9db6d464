package storage

import (
	"errors"
	"time"

	kit "gatebot/internal/transport"
)

var (
	// ErrNotFound means the target record no longer exists at the moment of
	// action. For claim primitives this is the expected outcome of losing a
	// race, not a condition to alarm on.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyClaimed means a concurrent claimer consumed the job first.
	ErrAlreadyClaimed = errors.New("job already claimed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default; state is lost on restart)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type UserStatus string

const (
	UserUnregistered UserStatus = "unregistered"
	UserPending      UserStatus = "pending"
	UserApproved     UserStatus = "approved"
	UserRejected     UserStatus = "rejected"
)

type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionApproved  SubmissionStatus = "approved"
	SubmissionRejected  SubmissionStatus = "rejected"
	SubmissionCancelled SubmissionStatus = "cancelled"
)

type JobState string

const (
	JobPending JobState = "pending"
	JobSent    JobState = "sent"
)

type User struct {
	ID          int64
	DisplayName string
	Status      UserStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Submission is a single user-submitted file awaiting a binary decision.
// All fields except Status and NoticeRef are immutable after creation.
type Submission struct {
	ID          string
	SubmitterID int64
	FileRef     string
	FileName    string
	// NoticeRef points at the approver's notice so it can be edited once
	// the submission reaches a terminal status. Set once after creation.
	NoticeRef kit.MessageRef
	Status    SubmissionStatus
	CreatedAt time.Time
	DecidedAt time.Time
}

// BroadcastJob describes one message to be delivered to a resolved audience.
type BroadcastJob struct {
	ID        string
	Target    string
	Message   string
	State     JobState
	CreatedAt time.Time
	ClaimedAt time.Time
}
