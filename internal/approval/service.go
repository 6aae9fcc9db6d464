// Package approval owns the submission state machine: pending submissions
// move exactly once to approved, rejected, or cancelled, driven by three
// actors racing over the same record. The store's claim primitives are the
// single point of truth; this service never reads a status and then writes
// one in a separate step.
package approval

import (
	"context"
	"errors"
	"fmt"

	"gatebot/internal/notify"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Config struct {
	// ApproverID is the single chat authorized to decide submissions.
	ApproverID int64
}

// Notifier is the best-effort outbound pipeline. Enqueue failures are
// logged by the caller and never abort a committed transition.
type Notifier interface {
	Enqueue(op notify.Op) error
}

// MarkupFunc builds adapter-specific inline markup from button rows.
type MarkupFunc func(rows ...[]kit.Button) any

// SubmissionView is a submission plus the resolved submitter display name,
// for rendering notices.
type SubmissionView struct {
	storage.Submission
	SubmitterName string
}

type Service struct {
	cfg      Config
	store    storage.Store
	adapter  kit.Adapter
	notifier Notifier
	markup   MarkupFunc
	log      logx.Logger
}

func New(cfg Config, store storage.Store, adapter kit.Adapter, notifier Notifier, markup MarkupFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		adapter:  adapter,
		notifier: notifier,
		markup:   markup,
		log:      log,
	}
}

// RegisterOrGreet is the idempotent first-contact upsert. It always
// succeeds and reports the user's current standing so the caller can greet
// accordingly.
func (s *Service) RegisterOrGreet(ctx context.Context, userID int64, displayName string) (storage.UserStatus, error) {
	st, err := s.store.UpsertUser(ctx, userID, displayName)
	if err != nil {
		return storage.UserUnregistered, fmt.Errorf("upsert user: %w", err)
	}
	return st, nil
}

// Submit creates a pending submission and notifies both parties: the
// approver gets a notice with Approve/Reject controls (sent synchronously,
// its handle is attached to the record), the submitter gets a confirmation
// with a Cancel control (best-effort).
func (s *Service) Submit(ctx context.Context, userID int64, fileRef, fileName string) (storage.Submission, error) {
	st, err := s.store.UserStatus(ctx, userID)
	if err != nil {
		return storage.Submission{}, fmt.Errorf("user status: %w", err)
	}
	switch st {
	case storage.UserRejected:
		return storage.Submission{}, ErrUnauthorized
	case storage.UserUnregistered:
		if _, err := s.store.UpsertUser(ctx, userID, ""); err != nil {
			return storage.Submission{}, fmt.Errorf("auto-register: %w", err)
		}
		return storage.Submission{}, ErrNotRegistered
	}

	sub, err := s.store.CreateSubmission(ctx, userID, fileRef, fileName)
	if err != nil {
		return storage.Submission{}, fmt.Errorf("create submission: %w", err)
	}
	view := s.view(ctx, sub)

	// The approver notice is sent through the adapter directly: its handle
	// must come back so the notice can be edited once the race resolves.
	ref, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.cfg.ApproverID}, approverNoticeText(view), &kit.SendOptions{
		ReplyMarkupAdapter: s.markup([]kit.Button{
			{Text: "Approve", Data: EncodeCallback(VerbApprove, sub.ID)},
			{Text: "Reject", Data: EncodeCallback(VerbReject, sub.ID)},
		}),
	})
	if err != nil {
		// The submission stays pending; the approver can still act on it
		// later, there's just no notice to edit.
		s.log.Warn("approver notice send failed", logx.String("submission", sub.ID), logx.Err(err))
	} else if err := s.store.AttachNoticeRef(ctx, sub.ID, ref); err != nil {
		s.log.Warn("attach notice ref failed", logx.String("submission", sub.ID), logx.Err(err))
	} else {
		sub.NoticeRef = ref
	}

	s.enqueue(sub.ID, notify.SendOp(kit.ChatTarget{ChatID: userID}, submitterConfirmText(view), &kit.SendOptions{
		ReplyMarkupAdapter: s.markup([]kit.Button{
			{Text: "Cancel", Data: EncodeCallback(VerbCancel, sub.ID)},
		}),
	}, "confirm:"+sub.ID))

	s.log.Info("submission created",
		logx.String("submission", sub.ID),
		logx.Int64("submitter", userID),
		logx.String("file", fileName))
	return sub, nil
}

// Decide resolves a pending submission to approved or rejected. Only the
// fixed approver may call it; losing the race against a cancel (or a prior
// decision) yields ErrAlreadyProcessed with no side effects.
func (s *Service) Decide(ctx context.Context, actorID int64, submissionID string, approve bool) (storage.Submission, error) {
	if actorID != s.cfg.ApproverID {
		return storage.Submission{}, ErrUnauthorized
	}

	st := storage.SubmissionRejected
	if approve {
		st = storage.SubmissionApproved
	}
	sub, err := s.store.DecideSubmission(ctx, submissionID, st)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Submission{}, ErrAlreadyProcessed
	}
	if err != nil {
		return storage.Submission{}, fmt.Errorf("decide submission: %w", err)
	}

	// The transition above is authoritative. Everything below is
	// best-effort and must not roll it back.
	userStatus := storage.UserRejected
	if approve {
		userStatus = storage.UserApproved
	}
	if err := s.store.SetUserStatus(ctx, sub.SubmitterID, userStatus); err != nil {
		s.log.Warn("set user status failed", logx.Int64("user", sub.SubmitterID), logx.Err(err))
	}

	view := s.view(ctx, sub)
	if sub.NoticeRef.ChatID != 0 {
		s.enqueue(sub.ID, notify.EditOp(sub.NoticeRef, approverDecidedText(view, approve), nil, "notice:"+sub.ID))
	}
	s.enqueue(sub.ID, notify.SendOp(kit.ChatTarget{ChatID: sub.SubmitterID}, submitterDecidedText(view, approve), nil, "decide:"+sub.ID))

	s.log.Info("submission decided",
		logx.String("submission", sub.ID),
		logx.String("status", string(st)),
		logx.Int64("submitter", sub.SubmitterID))
	return sub, nil
}

// Cancel lets the submitter withdraw their own pending submission.
// ownNotice is the submitter's confirmation message (the one carrying the
// Cancel control); a zero ref skips that edit.
func (s *Service) Cancel(ctx context.Context, actorID int64, submissionID string, ownNotice kit.MessageRef) (storage.Submission, error) {
	// Ownership is immutable, so reading it ahead of the claim is safe: the
	// claim itself remains the single atomic consume step.
	cur, err := s.store.Submission(ctx, submissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Submission{}, ErrAlreadyProcessed
	}
	if err != nil {
		return storage.Submission{}, fmt.Errorf("load submission: %w", err)
	}
	if cur.SubmitterID != actorID {
		return storage.Submission{}, ErrUnauthorized
	}

	sub, err := s.store.RemoveSubmission(ctx, submissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Submission{}, ErrAlreadyProcessed
	}
	if err != nil {
		return storage.Submission{}, fmt.Errorf("remove submission: %w", err)
	}

	view := s.view(ctx, sub)
	if ownNotice.ChatID != 0 {
		s.enqueue(sub.ID, notify.EditOp(ownNotice, submitterCancelledText(view), nil, "cancelled:"+sub.ID))
	}
	if sub.NoticeRef.ChatID != 0 {
		s.enqueue(sub.ID, notify.EditOp(sub.NoticeRef, approverWithdrawnText(view), nil, "notice:"+sub.ID))
	}

	s.log.Info("submission cancelled",
		logx.String("submission", sub.ID),
		logx.Int64("submitter", sub.SubmitterID))
	return sub, nil
}

func (s *Service) view(ctx context.Context, sub storage.Submission) SubmissionView {
	v := SubmissionView{Submission: sub, SubmitterName: fmt.Sprintf("user %d", sub.SubmitterID)}
	if u, err := s.store.User(ctx, sub.SubmitterID); err == nil && u.DisplayName != "" {
		v.SubmitterName = u.DisplayName
	}
	return v
}

func (s *Service) enqueue(submissionID string, op notify.Op) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Enqueue(op); err != nil {
		s.log.Warn("notification enqueue failed", logx.String("submission", submissionID), logx.Err(err))
	}
}
