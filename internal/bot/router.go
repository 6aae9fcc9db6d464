// Package bot routes incoming transport updates to the approval and
// broadcast services: commands and file submissions from messages, and
// approve/reject/cancel controls from callbacks.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"gatebot/internal/approval"
	"gatebot/internal/broadcast"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Config struct {
	ApproverID int64
}

type Router struct {
	cfg         Config
	adapter     kit.Adapter
	approvals   *approval.Service
	broadcaster *broadcast.Service
	store       storage.Store
	log         logx.Logger
}

func New(cfg Config, adapter kit.Adapter, approvals *approval.Service, broadcaster *broadcast.Service, store storage.Store, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:         cfg,
		adapter:     adapter,
		approvals:   approvals,
		broadcaster: broadcaster,
		store:       store,
		log:         log,
	}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up kit.Update) {
	// One bad update must not take down the router loop.
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *kit.Message) {
	// Submissions and commands are a direct-chat surface.
	if m.IsGroup {
		return
	}

	if m.Document != nil {
		r.handleSubmission(ctx, m)
		return
	}

	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		if text != "" {
			r.reply(ctx, m.ChatID, "Send me a file to submit it for review. /help for more.")
		}
		return
	}

	cmd, args, _ := strings.Cut(text, " ")
	switch strings.ToLower(cmd) {
	case "/start":
		r.handleStart(ctx, m)
	case "/help":
		r.reply(ctx, m.ChatID, helpText(m.FromID == r.cfg.ApproverID))
	case "/broadcast":
		r.handleBroadcast(ctx, m, strings.TrimSpace(args))
	case "/status":
		r.handleStatus(ctx, m)
	default:
		r.reply(ctx, m.ChatID, "Unknown command. /help")
	}
}

func (r *Router) handleStart(ctx context.Context, m *kit.Message) {
	st, err := r.approvals.RegisterOrGreet(ctx, m.FromID, m.FromName)
	if err != nil {
		r.log.Error("register failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Something went wrong, please try again.")
		return
	}
	switch st {
	case storage.UserApproved:
		r.reply(ctx, m.ChatID, "Welcome back! You're approved. Send a file any time.")
	case storage.UserRejected:
		r.reply(ctx, m.ChatID, "Your access was rejected. You cannot submit files.")
	default:
		r.reply(ctx, m.ChatID, "Hi! Send me a file and I'll pass it on for review.")
	}
}

func (r *Router) handleSubmission(ctx context.Context, m *kit.Message) {
	sub, err := r.approvals.Submit(ctx, m.FromID, m.Document.FileRef, m.Document.FileName)
	switch {
	case errors.Is(err, approval.ErrNotRegistered):
		r.reply(ctx, m.ChatID, "You're registered now — please send the file again.")
	case errors.Is(err, approval.ErrUnauthorized):
		r.reply(ctx, m.ChatID, "Your access was rejected. You cannot submit files.")
	case err != nil:
		r.log.Error("submit failed", logx.Int64("user", m.FromID), logx.Err(err))
		r.reply(ctx, m.ChatID, "Something went wrong, please try again.")
	default:
		r.log.Debug("submission routed", logx.String("submission", sub.ID), logx.Int64("user", m.FromID))
	}
}

func (r *Router) handleBroadcast(ctx context.Context, m *kit.Message, args string) {
	if m.FromID != r.cfg.ApproverID {
		r.reply(ctx, m.ChatID, "Not allowed.")
		return
	}
	target, message, ok := strings.Cut(args, " ")
	message = strings.TrimSpace(message)
	if !ok || message == "" {
		r.reply(ctx, m.ChatID, "Usage: /broadcast <all|approved|pending|rejected> <message>")
		return
	}
	job, err := r.store.CreateJob(ctx, target, message)
	if err != nil {
		r.reply(ctx, m.ChatID, "Cannot queue broadcast: "+err.Error())
		return
	}
	r.reply(ctx, m.ChatID, fmt.Sprintf("Broadcast %s queued for %q.", job.ID, job.Target))
}

func (r *Router) handleStatus(ctx context.Context, m *kit.Message) {
	if m.FromID != r.cfg.ApproverID {
		r.reply(ctx, m.ChatID, "Not allowed.")
		return
	}
	jobs := r.broadcaster.Snapshot()
	if len(jobs) == 0 {
		r.reply(ctx, m.ChatID, "No broadcast jobs yet.")
		return
	}
	var b strings.Builder
	b.WriteString("Recent broadcasts:\n")
	for i, st := range jobs {
		if i >= 10 {
			break
		}
		state := "done"
		if st.Running {
			state = "running"
		} else if st.DoneAt.IsZero() {
			state = "queued"
		}
		fmt.Fprintf(&b, "%s → %s: %d/%d sent, %d failed (%s)\n", st.ID, st.Target, st.Done-st.Failed, st.Total, st.Failed, state)
	}
	r.reply(ctx, m.ChatID, b.String())
}

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	verb, submissionID, ok := approval.DecodeCallback(cb.Data)
	if !ok {
		r.answer(ctx, cb.ID, "")
		return
	}

	var err error
	var toast string
	switch verb {
	case approval.VerbApprove:
		_, err = r.approvals.Decide(ctx, cb.FromID, submissionID, true)
		toast = "Approved"
	case approval.VerbReject:
		_, err = r.approvals.Decide(ctx, cb.FromID, submissionID, false)
		toast = "Rejected"
	case approval.VerbCancel:
		ownRef := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
		_, err = r.approvals.Cancel(ctx, cb.FromID, submissionID, ownRef)
		toast = "Cancelled"
	}

	switch {
	case errors.Is(err, approval.ErrAlreadyProcessed):
		// Expected outcome of the decide/cancel race, not an error.
		r.answer(ctx, cb.ID, "Already processed")
	case errors.Is(err, approval.ErrUnauthorized):
		r.answer(ctx, cb.ID, "Not allowed")
	case err != nil:
		r.log.Error("callback action failed", logx.String("submission", submissionID), logx.Err(err))
		r.answer(ctx, cb.ID, "Something went wrong")
	default:
		r.answer(ctx, cb.ID, toast)
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		r.log.Warn("reply send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (r *Router) answer(ctx context.Context, callbackID, text string) {
	if err := r.adapter.AnswerCallback(ctx, callbackID, text); err != nil {
		r.log.Warn("callback answer failed", logx.Err(err))
	}
}

func helpText(isApprover bool) string {
	var b strings.Builder
	b.WriteString("Send me a file to submit it for review.\n")
	b.WriteString("While a submission is pending you can cancel it with its Cancel button.\n")
	if isApprover {
		b.WriteString("\nApprover commands:\n")
		b.WriteString("/broadcast <target> <message> — queue a broadcast\n")
		b.WriteString("/status — recent broadcast jobs\n")
	}
	return b.String()
}
