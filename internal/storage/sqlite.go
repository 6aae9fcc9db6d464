package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertUser(ctx context.Context, id int64, displayName string) (UserStatus, error) {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, display_name, status, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
		   updated_at = excluded.updated_at`,
		id, displayName, string(UserPending), now, now,
	)
	if err != nil {
		return UserUnregistered, err
	}
	return s.UserStatus(ctx, id)
}

func (s *sqliteStore) UserStatus(ctx context.Context, id int64) (UserStatus, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM users WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return UserUnregistered, nil
	}
	if err != nil {
		return UserUnregistered, err
	}
	return UserStatus(st), nil
}

func (s *sqliteStore) User(ctx context.Context, id int64) (User, error) {
	var u User
	var status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, status, created_at, updated_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Status = UserStatus(status)
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return u, nil
}

func (s *sqliteStore) SetUserStatus(ctx context.Context, id int64, st UserStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, updated_at = ? WHERE id = ?`,
		string(st), time.Now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CreateSubmission(ctx context.Context, submitterID int64, fileRef, fileName string) (Submission, error) {
	sub := Submission{
		ID:          uuid.NewString(),
		SubmitterID: submitterID,
		FileRef:     fileRef,
		FileName:    fileName,
		Status:      SubmissionPending,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions(id, submitter_id, file_ref, file_name, status, created_at)
		 VALUES(?,?,?,?,?,?)`,
		sub.ID, sub.SubmitterID, sub.FileRef, sub.FileName, string(sub.Status), sub.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (s *sqliteStore) AttachNoticeRef(ctx context.Context, id string, ref kit.MessageRef) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET notice_chat_id = ?, notice_msg_id = ? WHERE id = ?`,
		ref.ChatID, ref.MessageID, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const submissionCols = `id, submitter_id, file_ref, file_name, notice_chat_id, notice_msg_id, status, created_at, decided_at`

func scanSubmission(row *sql.Row) (Submission, error) {
	var sub Submission
	var status, createdAt string
	var decidedAt sql.NullString
	err := row.Scan(&sub.ID, &sub.SubmitterID, &sub.FileRef, &sub.FileName,
		&sub.NoticeRef.ChatID, &sub.NoticeRef.MessageID, &status, &createdAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	sub.Status = SubmissionStatus(status)
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if decidedAt.Valid {
		sub.DecidedAt, _ = time.Parse(time.RFC3339Nano, decidedAt.String)
	}
	return sub, nil
}

func (s *sqliteStore) Submission(ctx context.Context, id string) (Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE id = ?`, id)
	return scanSubmission(row)
}

// DecideSubmission is a single conditional UPDATE keyed on the pending
// status: whichever actor's statement runs first wins, every other actor
// scans no row and gets ErrNotFound.
func (s *sqliteStore) DecideSubmission(ctx context.Context, id string, st SubmissionStatus) (Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE submissions SET status = ?, decided_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+submissionCols,
		string(st), time.Now().Format(time.RFC3339Nano), id, string(SubmissionPending),
	)
	return scanSubmission(row)
}

// RemoveSubmission is the cancellation claim: a single conditional DELETE
// that hands back the consumed record.
func (s *sqliteStore) RemoveSubmission(ctx context.Context, id string) (Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM submissions WHERE id = ? AND status = ? RETURNING `+submissionCols,
		id, string(SubmissionPending),
	)
	sub, err := scanSubmission(row)
	if err != nil {
		return Submission{}, err
	}
	sub.Status = SubmissionCancelled
	return sub, nil
}

func (s *sqliteStore) PruneDecided(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM submissions WHERE status != ? AND decided_at < ?`,
		string(SubmissionPending), olderThan.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CreateJob(ctx context.Context, target, message string) (BroadcastJob, error) {
	t, err := normalizeTarget(target)
	if err != nil {
		return BroadcastJob{}, err
	}
	j := BroadcastJob{
		ID:        uuid.NewString(),
		Target:    t,
		Message:   message,
		State:     JobPending,
		CreatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcast_jobs(id, target, message, state, created_at) VALUES(?,?,?,?,?)`,
		j.ID, j.Target, j.Message, string(j.State), j.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return BroadcastJob{}, err
	}
	return j, nil
}

func (s *sqliteStore) PendingJobs(ctx context.Context) ([]BroadcastJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, message, state, created_at FROM broadcast_jobs
		 WHERE state = ? ORDER BY created_at`,
		string(JobPending),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadcastJob
	for rows.Next() {
		var j BroadcastJob
		var state, createdAt string
		if err := rows.Scan(&j.ID, &j.Target, &j.Message, &state, &createdAt); err != nil {
			return nil, err
		}
		j.State = JobState(state)
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimJob is a single conditional UPDATE: at most one claimer observes the
// pending row, everyone else gets ErrAlreadyClaimed.
func (s *sqliteStore) ClaimJob(ctx context.Context, id string) (BroadcastJob, error) {
	var j BroadcastJob
	var state, createdAt, claimedAt string
	err := s.db.QueryRowContext(ctx,
		`UPDATE broadcast_jobs SET state = ?, claimed_at = ?
		 WHERE id = ? AND state = ?
		 RETURNING id, target, message, state, created_at, claimed_at`,
		string(JobSent), time.Now().Format(time.RFC3339Nano), id, string(JobPending),
	).Scan(&j.ID, &j.Target, &j.Message, &state, &createdAt, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastJob{}, ErrAlreadyClaimed
	}
	if err != nil {
		return BroadcastJob{}, err
	}
	j.State = JobState(state)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.ClaimedAt, _ = time.Parse(time.RFC3339Nano, claimedAt)
	return j, nil
}

func (s *sqliteStore) Audience(ctx context.Context, target string) ([]int64, error) {
	t, err := normalizeTarget(target)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	if t == "all" {
		rows, err = s.db.QueryContext(ctx, `SELECT id FROM users`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id FROM users WHERE status = ?`, t)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
