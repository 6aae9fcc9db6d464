package bot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"gatebot/internal/approval"
	"gatebot/internal/broadcast"
	"gatebot/internal/notify"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

const approverID int64 = 1000

type fakeAdapter struct {
	mu      sync.Mutex
	sends   []sentMessage
	answers []string
	nextID  int
}

type sentMessage struct {
	chatID int64
	text   string
	opt    *kit.SendOptions
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sentMessage{chatID: to.ChatID, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) lastReplyTo(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sends) - 1; i >= 0; i-- {
		if f.sends[i].chatID == chatID {
			return f.sends[i].text
		}
	}
	return ""
}

// submissionIDFromNotice digs the submission id out of the inline controls
// attached to the latest message sent to chatID.
func (f *fakeAdapter) submissionIDFromNotice(t *testing.T, chatID int64) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sends) - 1; i >= 0; i-- {
		m := f.sends[i]
		if m.chatID != chatID || m.opt == nil || m.opt.ReplyMarkupAdapter == nil {
			continue
		}
		rows, ok := m.opt.ReplyMarkupAdapter.([][]kit.Button)
		if !ok || len(rows) == 0 || len(rows[0]) == 0 {
			continue
		}
		_, id, ok := approval.DecodeCallback(rows[0][0].Data)
		if !ok {
			continue
		}
		return id
	}
	t.Fatalf("no notice with controls sent to chat %d", chatID)
	return ""
}

func (f *fakeAdapter) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1]
}

type dropNotifier struct{}

func (dropNotifier) Enqueue(notify.Op) error { return nil }

func markup(rows ...[]kit.Button) any { return rows }

func newTestRouter(t *testing.T) (*Router, *fakeAdapter, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	adapter := &fakeAdapter{}
	approvals := approval.New(approval.Config{ApproverID: approverID}, store, adapter, dropNotifier{}, markup, logx.Nop())
	broadcaster := broadcast.New(broadcast.Config{}, store, adapter, logx.Nop())
	r := New(Config{ApproverID: approverID}, adapter, approvals, broadcaster, store, logx.Nop())
	return r, adapter, store
}

func message(fromID int64, text string) *kit.Message {
	return &kit.Message{ChatID: fromID, FromID: fromID, FromName: "Tester", Text: text}
}

func TestStartRegistersAndGreets(t *testing.T) {
	t.Parallel()
	r, adapter, store := newTestRouter(t)
	ctx := context.Background()

	r.handleMessage(ctx, message(7, "/start"))
	if got := adapter.lastReplyTo(7); !strings.Contains(got, "Send me a file") {
		t.Fatalf("greeting = %q", got)
	}
	st, err := store.UserStatus(ctx, 7)
	if err != nil {
		t.Fatalf("UserStatus: %v", err)
	}
	if st != storage.UserPending {
		t.Fatalf("status = %s, want %s", st, storage.UserPending)
	}

	// Approved users get the returning-user greeting.
	if err := store.SetUserStatus(ctx, 7, storage.UserApproved); err != nil {
		t.Fatalf("SetUserStatus: %v", err)
	}
	r.handleMessage(ctx, message(7, "/start"))
	if got := adapter.lastReplyTo(7); !strings.Contains(got, "approved") {
		t.Fatalf("greeting = %q", got)
	}
}

func TestGroupMessagesIgnored(t *testing.T) {
	t.Parallel()
	r, adapter, _ := newTestRouter(t)
	m := message(7, "/start")
	m.IsGroup = true
	r.handleMessage(context.Background(), m)
	if got := adapter.lastReplyTo(7); got != "" {
		t.Fatalf("unexpected reply to group chat: %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	r, adapter, _ := newTestRouter(t)
	r.handleMessage(context.Background(), message(7, "/frobnicate"))
	if got := adapter.lastReplyTo(7); !strings.Contains(got, "Unknown command") {
		t.Fatalf("reply = %q", got)
	}
}

func TestPlainTextGetsHint(t *testing.T) {
	t.Parallel()
	r, adapter, _ := newTestRouter(t)
	r.handleMessage(context.Background(), message(7, "hello?"))
	if got := adapter.lastReplyTo(7); !strings.Contains(got, "Send me a file") {
		t.Fatalf("reply = %q", got)
	}
}

func TestDocumentRoutesToSubmission(t *testing.T) {
	t.Parallel()
	r, adapter, store := newTestRouter(t)
	ctx := context.Background()

	// First contact with a document: auto-registered, asked to resend.
	m := message(7, "")
	m.Document = &kit.Document{FileRef: "ref-1", FileName: "report.csv"}
	r.handleMessage(ctx, m)
	if got := adapter.lastReplyTo(7); !strings.Contains(got, "registered") {
		t.Fatalf("reply = %q", got)
	}

	// Approved submitter: the approver receives the notice.
	if err := store.SetUserStatus(ctx, 7, storage.UserApproved); err != nil {
		t.Fatalf("SetUserStatus: %v", err)
	}
	r.handleMessage(ctx, m)
	if got := adapter.lastReplyTo(approverID); !strings.Contains(got, "report.csv") {
		t.Fatalf("approver notice = %q", got)
	}
}

func TestBroadcastCommandApproverOnly(t *testing.T) {
	t.Parallel()
	r, adapter, store := newTestRouter(t)
	ctx := context.Background()

	r.handleMessage(ctx, message(7, "/broadcast all hi"))
	if got := adapter.lastReplyTo(7); got != "Not allowed." {
		t.Fatalf("reply = %q", got)
	}
	if jobs, _ := store.PendingJobs(ctx); len(jobs) != 0 {
		t.Fatal("unauthorized broadcast must not queue a job")
	}

	r.handleMessage(ctx, message(approverID, "/broadcast approved release is out"))
	if got := adapter.lastReplyTo(approverID); !strings.Contains(got, "queued") {
		t.Fatalf("reply = %q", got)
	}
	jobs, err := store.PendingJobs(ctx)
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Target != "approved" || jobs[0].Message != "release is out" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestBroadcastCommandUsage(t *testing.T) {
	t.Parallel()
	r, adapter, _ := newTestRouter(t)
	ctx := context.Background()

	for _, args := range []string{"/broadcast", "/broadcast all", "/broadcast all "} {
		r.handleMessage(ctx, message(approverID, args))
		if got := adapter.lastReplyTo(approverID); !strings.Contains(got, "Usage:") {
			t.Fatalf("reply to %q = %q, want usage", args, got)
		}
	}

	r.handleMessage(ctx, message(approverID, "/broadcast everyone hi"))
	if got := adapter.lastReplyTo(approverID); !strings.Contains(got, "Cannot queue") {
		t.Fatalf("reply = %q, want target rejection", got)
	}
}

func TestCallbackDecideFlow(t *testing.T) {
	t.Parallel()
	r, adapter, store := newTestRouter(t)
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, 7, "Alice"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := store.SetUserStatus(ctx, 7, storage.UserApproved); err != nil {
		t.Fatalf("SetUserStatus: %v", err)
	}
	m := message(7, "")
	m.Document = &kit.Document{FileRef: "ref-1", FileName: "report.csv"}
	r.handleMessage(ctx, m)

	subID := adapter.submissionIDFromNotice(t, approverID)

	// A non-approver pressing Approve is refused.
	r.handleCallback(ctx, &kit.Callback{ID: "cb1", FromID: 7, Data: approval.EncodeCallback(approval.VerbApprove, subID)})
	if got := adapter.lastAnswer(); got != "Not allowed" {
		t.Fatalf("answer = %q", got)
	}

	// The approver approves.
	r.handleCallback(ctx, &kit.Callback{ID: "cb2", FromID: approverID, Data: approval.EncodeCallback(approval.VerbApprove, subID)})
	if got := adapter.lastAnswer(); got != "Approved" {
		t.Fatalf("answer = %q", got)
	}

	// A second press hits the resolved record.
	r.handleCallback(ctx, &kit.Callback{ID: "cb3", FromID: approverID, Data: approval.EncodeCallback(approval.VerbReject, subID)})
	if got := adapter.lastAnswer(); got != "Already processed" {
		t.Fatalf("answer = %q", got)
	}

	// Foreign callback data is acknowledged silently.
	r.handleCallback(ctx, &kit.Callback{ID: "cb4", FromID: approverID, Data: "other-plugin:xyz"})
	if got := adapter.lastAnswer(); got != "" {
		t.Fatalf("answer = %q, want silent ack", got)
	}
}

func TestCallbackCancelFlow(t *testing.T) {
	t.Parallel()
	r, adapter, store := newTestRouter(t)
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, 7, "Alice"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := store.SetUserStatus(ctx, 7, storage.UserApproved); err != nil {
		t.Fatalf("SetUserStatus: %v", err)
	}
	m := message(7, "")
	m.Document = &kit.Document{FileRef: "ref-1", FileName: "report.csv"}
	r.handleMessage(ctx, m)

	subID := adapter.submissionIDFromNotice(t, approverID)

	r.handleCallback(ctx, &kit.Callback{ID: "cb1", FromID: 7, ChatID: 7, MessageID: 2,
		Data: approval.EncodeCallback(approval.VerbCancel, subID)})
	if got := adapter.lastAnswer(); got != "Cancelled" {
		t.Fatalf("answer = %q", got)
	}
	if _, err := store.Submission(ctx, subID); err == nil {
		t.Fatal("cancelled submission should be gone")
	}
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	r, adapter, _ := newTestRouter(t)
	ctx := context.Background()

	r.handleMessage(ctx, message(7, "/status"))
	if got := adapter.lastReplyTo(7); got != "Not allowed." {
		t.Fatalf("reply = %q", got)
	}

	r.handleMessage(ctx, message(approverID, "/status"))
	if got := adapter.lastReplyTo(approverID); !strings.Contains(got, "No broadcast jobs") {
		t.Fatalf("reply = %q", got)
	}
}

func TestHelpMentionsApproverCommands(t *testing.T) {
	t.Parallel()
	if strings.Contains(helpText(false), "/broadcast") {
		t.Fatal("submitter help should not list approver commands")
	}
	if !strings.Contains(helpText(true), "/broadcast") {
		t.Fatal("approver help should list /broadcast")
	}
}
