package remailer

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/remailer/classify"
	"github.com/dhcgn/remailer/entity"
	"github.com/dhcgn/remailer/folder"
	"github.com/dhcgn/remailer/model"
	"github.com/dhcgn/remailer/rewrite"
)

var folders = folder.Set{
	Incoming:  "INBOX",
	Original:  "INBOX.Original",
	NoTag:     "INBOX.NoTag",
	Exception: "INBOX.Exception",
	Sent:      "INBOX.Sent",
}

type fakeMailbox struct {
	move     bool
	messages map[model.MessageRef][]byte
	order    []model.MessageRef
	missing  map[string]bool
	calls    []string
	appended map[string][][]byte
	listErr  error
	failMove map[model.MessageRef]bool
}

func newFakeMailbox(move bool) *fakeMailbox {
	return &fakeMailbox{
		move:     move,
		messages: map[model.MessageRef][]byte{},
		appended: map[string][][]byte{},
		missing:  map[string]bool{},
		failMove: map[model.MessageRef]bool{},
	}
}

func (f *fakeMailbox) add(ref model.MessageRef, raw string) {
	f.messages[ref] = []byte(raw)
	f.order = append(f.order, ref)
}

func (f *fakeMailbox) SupportsMove() bool { return f.move }

func (f *fakeMailbox) Move(_ context.Context, ref model.MessageRef, dest string) error {
	f.calls = append(f.calls, "move "+ref.String()+" "+dest)
	if f.failMove[ref] {
		return errors.New("NO move refused")
	}
	return nil
}

func (f *fakeMailbox) Copy(_ context.Context, ref model.MessageRef, dest string) error {
	f.calls = append(f.calls, "copy "+ref.String()+" "+dest)
	return nil
}

func (f *fakeMailbox) MarkDeleted(_ context.Context, ref model.MessageRef) error {
	f.calls = append(f.calls, "delete "+ref.String())
	return nil
}

func (f *fakeMailbox) ListMessageIDs(_ context.Context, name string) ([]model.MessageRef, error) {
	f.calls = append(f.calls, "list "+name)
	return f.order, f.listErr
}

func (f *fakeMailbox) FetchRaw(_ context.Context, ref model.MessageRef) ([]byte, error) {
	raw, ok := f.messages[ref]
	if !ok {
		return nil, errors.New("NO no such message")
	}
	return raw, nil
}

func (f *fakeMailbox) Append(_ context.Context, name string, raw []byte) error {
	f.calls = append(f.calls, "append "+name)
	f.appended[name] = append(f.appended[name], raw)
	return nil
}

func (f *fakeMailbox) CheckFolder(_ context.Context, name string) error {
	if f.missing[name] {
		return errors.New("NO mailbox does not exist")
	}
	return nil
}

func (f *fakeMailbox) Reclaim(context.Context) error {
	f.calls = append(f.calls, "expunge")
	return nil
}

type sent struct {
	from, to string
	header   string
	raw      []byte
}

type fakeTransport struct {
	sent   []sent
	reject map[string]bool
}

func (f *fakeTransport) Send(_ context.Context, from, to string, raw []byte) error {
	if f.reject[to] {
		return errors.New("550 mailbox unavailable")
	}
	msg, err := entity.Parse(raw)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sent{from: from, to: to, header: msg.Header.Get("To"), raw: raw})
	return nil
}

type memoryJournal struct{ results []model.Result }

func (m *memoryJournal) Record(_ context.Context, res model.Result) error {
	m.results = append(m.results, res)
	return nil
}

func msg(lines ...string) string {
	return strings.Join(lines, "\r\n")
}

var (
	taggedMessage = msg(
		"From: list@example.net",
		"Subject: Tagged",
		"Content-Type: text/plain",
		"",
		"Hi ${remail-to:x@example.com} and ${remail-to:y@example.com}",
	)
	untaggedMessage = msg(
		"From: list@example.net",
		"Subject: Plain",
		"Content-Type: text/plain",
		"",
		"nothing to see",
	)
)

func newRemailer(t *testing.T, mb *fakeMailbox, tr Transport, opts Options) *Remailer {
	t.Helper()
	p, err := rewrite.New(rewrite.Options{}, nil)
	if err != nil {
		t.Fatalf("rewrite.New() error = %v", err)
	}
	c := classify.New(p, classify.Options{
		From: "relay@example.com",
		Now:  func() time.Time { return time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	opts.Folders = folders
	opts.From = "relay@example.com"
	r, err := New(mb, tr, c, opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestProcessInbox_TaggedAndUntagged(t *testing.T) {
	mb := newFakeMailbox(true)
	mb.add(1, taggedMessage)
	mb.add(2, untaggedMessage)
	tr := &fakeTransport{}
	journal := &memoryJournal{}

	r := newRemailer(t, mb, tr, Options{Journal: journal})
	summary, err := r.ProcessInbox(context.Background())
	if err != nil {
		t.Fatalf("ProcessInbox() error = %v", err)
	}

	wantCalls := []string{
		"list INBOX",
		"move 1 INBOX.Original",
		"append INBOX.Sent",
		"move 2 INBOX.NoTag",
	}
	if !reflect.DeepEqual(mb.calls, wantCalls) {
		t.Errorf("mailbox calls = %v, want %v", mb.calls, wantCalls)
	}

	if len(tr.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(tr.sent))
	}
	for i, to := range []string{"x@example.com", "y@example.com"} {
		if tr.sent[i].to != to || tr.sent[i].from != "relay@example.com" {
			t.Errorf("send %d = %+v", i, tr.sent[i])
		}
		if tr.sent[i].header != "x@example.com, y@example.com" {
			t.Errorf("send %d To header = %q", i, tr.sent[i].header)
		}
	}

	archived := string(mb.appended["INBOX.Sent"][0])
	if strings.Contains(archived, "${remail-to") {
		t.Errorf("archived copy still carries tags: %q", archived)
	}
	for i, s := range tr.sent {
		if &s.raw[0] != &mb.appended["INBOX.Sent"][0][0] {
			t.Errorf("send %d did not reuse the archived bytes", i)
		}
	}

	if summary.Scanned != 2 || summary.Tagged != 1 || summary.Untagged != 1 || summary.Sent != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if len(journal.results) != 2 || journal.results[0].Subject != "Tagged" {
		t.Errorf("journal = %+v", journal.results)
	}
}

func TestProcessInbox_UntaggedNeverSends(t *testing.T) {
	mb := newFakeMailbox(true)
	mb.add(5, untaggedMessage)
	tr := &fakeTransport{}

	r := newRemailer(t, mb, tr, Options{})
	if _, err := r.ProcessInbox(context.Background()); err != nil {
		t.Fatalf("ProcessInbox() error = %v", err)
	}
	if len(tr.sent) != 0 || len(mb.appended) != 0 {
		t.Errorf("untagged message was relayed: sent=%v appended=%v", tr.sent, mb.appended)
	}
}

func TestProcessInbox_FailureIsolation(t *testing.T) {
	mb := newFakeMailbox(true)
	mb.add(1, "Content-Type: multipart/mixed; boundary=\"b\"\r\n\r\n--b\r\nbroken header without colon\r\n\r\nx\r\n--b--\r\n")
	mb.order = append(mb.order, 2) // listed but not fetchable
	mb.add(3, taggedMessage)
	mb.add(4, untaggedMessage)
	mb.failMove[4] = true
	tr := &fakeTransport{}

	r := newRemailer(t, mb, tr, Options{})
	summary, err := r.ProcessInbox(context.Background())
	if err != nil {
		t.Fatalf("ProcessInbox() error = %v", err)
	}

	if summary.Failed != 3 || summary.Tagged != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(tr.sent) != 2 {
		t.Errorf("good message not relayed: %v", tr.sent)
	}
	for _, call := range mb.calls {
		if strings.HasPrefix(call, "move 1") || strings.HasPrefix(call, "move 2") {
			t.Errorf("failed message was moved: %s", call)
		}
	}
}

func TestProcessInbox_SendErrorsDoNotStopOtherRecipients(t *testing.T) {
	mb := newFakeMailbox(true)
	mb.add(1, taggedMessage)
	tr := &fakeTransport{reject: map[string]bool{"x@example.com": true}}

	r := newRemailer(t, mb, tr, Options{})
	summary, err := r.ProcessInbox(context.Background())
	if err != nil {
		t.Fatalf("ProcessInbox() error = %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0].to != "y@example.com" {
		t.Errorf("sent = %v", tr.sent)
	}
	if summary.Sent != 1 || summary.SendErrors != 1 || summary.Tagged != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestProcessInbox_CopyFallbackAndReclaim(t *testing.T) {
	mb := newFakeMailbox(false)
	mb.add(9, untaggedMessage)

	r := newRemailer(t, mb, &fakeTransport{}, Options{})
	if _, err := r.ProcessInbox(context.Background()); err != nil {
		t.Fatalf("ProcessInbox() error = %v", err)
	}
	want := []string{"list INBOX", "copy 9 INBOX.NoTag", "delete 9"}
	if !reflect.DeepEqual(mb.calls, want) {
		t.Fatalf("calls = %v, want %v", mb.calls, want)
	}

	if err := r.Reclaim(context.Background()); err != nil {
		t.Fatalf("Reclaim() error = %v", err)
	}
	if mb.calls[len(mb.calls)-1] != "expunge" {
		t.Errorf("calls = %v, want trailing expunge", mb.calls)
	}
}

func TestProcessInbox_DryRun(t *testing.T) {
	mb := newFakeMailbox(true)
	mb.add(1, taggedMessage)

	r := newRemailer(t, mb, nil, Options{DryRun: true})
	summary, err := r.ProcessInbox(context.Background())
	if err != nil {
		t.Fatalf("ProcessInbox() error = %v", err)
	}
	if len(mb.calls) != 1 {
		t.Errorf("dry run touched the mailbox: %v", mb.calls)
	}
	if summary.Tagged != 1 || summary.Sent != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestProcessInbox_ListError(t *testing.T) {
	mb := newFakeMailbox(true)
	mb.listErr = errors.New("BAD select failed")

	r := newRemailer(t, mb, &fakeTransport{}, Options{})
	if _, err := r.ProcessInbox(context.Background()); err == nil {
		t.Fatal("expected list failure to be returned")
	}
}

func TestValidateFolderStructure(t *testing.T) {
	mb := newFakeMailbox(true)
	r := newRemailer(t, mb, &fakeTransport{}, Options{})
	if err := r.ValidateFolderStructure(context.Background()); err != nil {
		t.Fatalf("ValidateFolderStructure() error = %v", err)
	}

	mb.missing["INBOX.Exception"] = true
	err := r.ValidateFolderStructure(context.Background())
	if err == nil || !strings.Contains(err.Error(), "INBOX.Exception") {
		t.Errorf("error = %v, want missing exception folder", err)
	}
}
