package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	kit "gatebot/internal/transport"
)

// Memory is the in-process store. A single mutex guards every operation, so
// each claim primitive is one critical section: the check and the mutation
// cannot interleave with another actor's.
type Memory struct {
	mu          sync.Mutex
	users       map[int64]*User
	submissions map[string]*Submission
	jobs        map[string]*BroadcastJob
}

func NewMemory() *Memory {
	return &Memory{
		users:       map[int64]*User{},
		submissions: map[string]*Submission{},
		jobs:        map[string]*BroadcastJob{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) UpsertUser(ctx context.Context, id int64, displayName string) (UserStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	u := m.users[id]
	if u == nil {
		u = &User{ID: id, DisplayName: displayName, Status: UserPending, CreatedAt: now, UpdatedAt: now}
		m.users[id] = u
		return u.Status, nil
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	u.UpdatedAt = now
	return u.Status, nil
}

func (m *Memory) UserStatus(ctx context.Context, id int64) (UserStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil {
		return UserUnregistered, nil
	}
	return u.Status, nil
}

func (m *Memory) User(ctx context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (m *Memory) SetUserStatus(ctx context.Context, id int64, st UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil {
		return ErrNotFound
	}
	u.Status = st
	u.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CreateSubmission(ctx context.Context, submitterID int64, fileRef, fileName string) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Submission{
		ID:          uuid.NewString(),
		SubmitterID: submitterID,
		FileRef:     fileRef,
		FileName:    fileName,
		Status:      SubmissionPending,
		CreatedAt:   time.Now(),
	}
	m.submissions[s.ID] = s
	return *s, nil
}

func (m *Memory) AttachNoticeRef(ctx context.Context, id string, ref kit.MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.submissions[id]
	if s == nil {
		return ErrNotFound
	}
	s.NoticeRef = ref
	return nil
}

func (m *Memory) Submission(ctx context.Context, id string) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.submissions[id]
	if s == nil {
		return Submission{}, ErrNotFound
	}
	return *s, nil
}

func (m *Memory) DecideSubmission(ctx context.Context, id string, st SubmissionStatus) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.submissions[id]
	if s == nil || s.Status != SubmissionPending {
		return Submission{}, ErrNotFound
	}
	s.Status = st
	s.DecidedAt = time.Now()
	return *s, nil
}

func (m *Memory) RemoveSubmission(ctx context.Context, id string) (Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.submissions[id]
	if s == nil || s.Status != SubmissionPending {
		return Submission{}, ErrNotFound
	}
	delete(m.submissions, id)
	cp := *s
	cp.Status = SubmissionCancelled
	return cp, nil
}

func (m *Memory) PruneDecided(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.submissions {
		if s.Status != SubmissionPending && s.DecidedAt.Before(olderThan) {
			delete(m.submissions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateJob(ctx context.Context, target, message string) (BroadcastJob, error) {
	t, err := normalizeTarget(target)
	if err != nil {
		return BroadcastJob{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j := &BroadcastJob{
		ID:        uuid.NewString(),
		Target:    t,
		Message:   message,
		State:     JobPending,
		CreatedAt: time.Now(),
	}
	m.jobs[j.ID] = j
	return *j, nil
}

func (m *Memory) PendingJobs(ctx context.Context) ([]BroadcastJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BroadcastJob
	for _, j := range m.jobs {
		if j.State == JobPending {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *Memory) ClaimJob(ctx context.Context, id string) (BroadcastJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j == nil {
		return BroadcastJob{}, ErrNotFound
	}
	if j.State != JobPending {
		return BroadcastJob{}, ErrAlreadyClaimed
	}
	j.State = JobSent
	j.ClaimedAt = time.Now()
	return *j, nil
}

func (m *Memory) Audience(ctx context.Context, target string) ([]int64, error) {
	t, err := normalizeTarget(target)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id, u := range m.users {
		if t == "all" || string(u.Status) == t {
			out = append(out, id)
		}
	}
	return out, nil
}
