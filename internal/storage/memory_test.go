package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestUpsertUserFirstContact(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	st, err := m.UpsertUser(ctx, 1, "Alice")
	if err != nil {
		t.Fatalf("UpsertUser error: %v", err)
	}
	if st != UserPending {
		t.Fatalf("status = %s, want %s", st, UserPending)
	}

	// Second contact keeps the status and refreshes the name.
	if err := m.SetUserStatus(ctx, 1, UserApproved); err != nil {
		t.Fatalf("SetUserStatus error: %v", err)
	}
	st, err = m.UpsertUser(ctx, 1, "Alice A.")
	if err != nil {
		t.Fatalf("UpsertUser error: %v", err)
	}
	if st != UserApproved {
		t.Fatalf("status after re-upsert = %s, want %s", st, UserApproved)
	}
	u, err := m.User(ctx, 1)
	if err != nil {
		t.Fatalf("User error: %v", err)
	}
	if u.DisplayName != "Alice A." {
		t.Fatalf("DisplayName = %q, want %q", u.DisplayName, "Alice A.")
	}
}

func TestUserStatusUnknown(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	st, err := m.UserStatus(context.Background(), 404)
	if err != nil {
		t.Fatalf("UserStatus error: %v", err)
	}
	if st != UserUnregistered {
		t.Fatalf("status = %s, want %s", st, UserUnregistered)
	}
}

func TestDecideSubmissionTerminalOnce(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.CreateSubmission(ctx, 7, "file-ref", "report.csv")
	if err != nil {
		t.Fatalf("CreateSubmission error: %v", err)
	}

	got, err := m.DecideSubmission(ctx, sub.ID, SubmissionApproved)
	if err != nil {
		t.Fatalf("DecideSubmission error: %v", err)
	}
	if got.Status != SubmissionApproved {
		t.Fatalf("status = %s, want %s", got.Status, SubmissionApproved)
	}

	if _, err := m.DecideSubmission(ctx, sub.ID, SubmissionRejected); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second decide err = %v, want ErrNotFound", err)
	}
	if _, err := m.RemoveSubmission(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel after decide err = %v, want ErrNotFound", err)
	}

	// Decided marker is retained until pruned.
	kept, err := m.Submission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Submission error: %v", err)
	}
	if kept.Status != SubmissionApproved {
		t.Fatalf("retained status = %s, want %s", kept.Status, SubmissionApproved)
	}
}

func TestRemoveSubmissionDeletes(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.CreateSubmission(ctx, 7, "file-ref", "report.csv")
	if err != nil {
		t.Fatalf("CreateSubmission error: %v", err)
	}

	got, err := m.RemoveSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("RemoveSubmission error: %v", err)
	}
	if got.Status != SubmissionCancelled {
		t.Fatalf("status = %s, want %s", got.Status, SubmissionCancelled)
	}
	if _, err := m.Submission(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled record still present (err = %v)", err)
	}
	if _, err := m.DecideSubmission(ctx, sub.ID, SubmissionApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("decide after cancel err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentDecideCancelSingleWinner(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		sub, err := m.CreateSubmission(ctx, 7, "ref", "f")
		if err != nil {
			t.Fatalf("CreateSubmission error: %v", err)
		}

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = m.DecideSubmission(ctx, sub.ID, SubmissionApproved)
		}()
		go func() {
			defer wg.Done()
			_, results[1] = m.RemoveSubmission(ctx, sub.ID)
		}()
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
			} else if !errors.Is(err, ErrNotFound) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("winners = %d, want exactly 1", wins)
		}
	}
}

func TestClaimJobExclusive(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	job, err := m.CreateJob(ctx, "approved", "hello")
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	var wg sync.WaitGroup
	const claimers = 8
	results := make([]error, claimers)
	wg.Add(claimers)
	for i := 0; i < claimers; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, results[i] = m.ClaimJob(ctx, job.ID)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	pending, err := m.PendingJobs(ctx)
	if err != nil {
		t.Fatalf("PendingJobs error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending jobs after claim = %d, want 0", len(pending))
	}
}

func TestCreateJobRejectsUnknownTarget(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	if _, err := m.CreateJob(context.Background(), "everybody", "hi"); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestAudience(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	seed := map[int64]UserStatus{
		1: UserApproved,
		2: UserApproved,
		3: UserPending,
		4: UserRejected,
	}
	for id, st := range seed {
		if _, err := m.UpsertUser(ctx, id, ""); err != nil {
			t.Fatalf("UpsertUser error: %v", err)
		}
		if err := m.SetUserStatus(ctx, id, st); err != nil {
			t.Fatalf("SetUserStatus error: %v", err)
		}
	}

	tests := []struct {
		target string
		want   int
	}{
		{"all", 4},
		{"approved", 2},
		{"pending", 1},
		{"rejected", 1},
	}
	for _, tt := range tests {
		got, err := m.Audience(ctx, tt.target)
		if err != nil {
			t.Fatalf("Audience(%q) error: %v", tt.target, err)
		}
		if len(got) != tt.want {
			t.Fatalf("Audience(%q) = %d users, want %d", tt.target, len(got), tt.want)
		}
	}

	if _, err := m.Audience(ctx, "nope"); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestPruneDecided(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	old, _ := m.CreateSubmission(ctx, 1, "r1", "a")
	fresh, _ := m.CreateSubmission(ctx, 1, "r2", "b")
	pending, _ := m.CreateSubmission(ctx, 1, "r3", "c")

	if _, err := m.DecideSubmission(ctx, old.ID, SubmissionApproved); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := m.DecideSubmission(ctx, fresh.ID, SubmissionRejected); err != nil {
		t.Fatalf("decide: %v", err)
	}

	// Backdate the first decision.
	m.mu.Lock()
	m.submissions[old.ID].DecidedAt = time.Now().Add(-48 * time.Hour)
	m.mu.Unlock()

	n, err := m.PruneDecided(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneDecided error: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := m.Submission(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("old decided submission should be pruned")
	}
	if _, err := m.Submission(ctx, fresh.ID); err != nil {
		t.Fatal("fresh decided submission should be retained")
	}
	if _, err := m.Submission(ctx, pending.ID); err != nil {
		t.Fatal("pending submission must never be pruned")
	}
}
