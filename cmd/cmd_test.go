package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"

	"github.com/dhcgn/remailer/classify"
	"github.com/dhcgn/remailer/credential"
	"github.com/dhcgn/remailer/folder"
	"github.com/dhcgn/remailer/mbox"
	"github.com/dhcgn/remailer/model"
	"github.com/dhcgn/remailer/rewrite"
)

const archive = "From alice@example.com Fri Feb 12 09:00:00 2021\n" +
	"From: alice@example.com\n" +
	"Subject: Forward please\n" +
	"Content-Type: text/plain; charset=utf-8\n" +
	"\n" +
	"Hi ${remail-to:bob@example.org} and ${remail-to:Carol@example.net}\n" +
	"\n" +
	"From news@list.example Fri Feb 12 10:00:00 2021\n" +
	"From: news@list.example\n" +
	"Subject: Weekly news\n" +
	"Content-Type: text/plain; charset=utf-8\n" +
	"\n" +
	"Nothing to forward.\n" +
	"\n"

func testReplayer(t *testing.T) *replayer {
	t.Helper()
	processor, err := rewrite.New(rewrite.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	classifier := classify.New(processor, classify.Options{From: "relay@example.com"})
	return newReplayer(classifier, slog.New(slog.DiscardHandler))
}

func TestReplayer_Run(t *testing.T) {
	reader, err := mbox.NewReader(mbox.Options{Path: "inline"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	stream := func(ctx context.Context, out chan<- model.Envelope) error {
		return reader.StreamFrom(ctx, strings.NewReader(archive), out)
	}

	outPath := filepath.Join(t.TempDir(), "out.mbox")
	w, err := mbox.Create(outPath, "relay@example.com")
	if err != nil {
		t.Fatal(err)
	}

	r := testReplayer(t)
	r.writer = w

	var results []model.Result
	if err := r.run(context.Background(), stream, func(res model.Result) { results = append(results, res) }); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Outcome != model.OutcomeTagged || len(results[0].Recipients) != 2 {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].Outcome != model.OutcomeUntagged || results[1].Subject != "Weekly news" {
		t.Errorf("second result = %+v", results[1])
	}
	if r.summary.Scanned != 2 || r.summary.Tagged != 1 || r.summary.Untagged != 1 {
		t.Errorf("summary = %+v", r.summary)
	}
	if r.counters["Sender"]["alice@example.com"] != 1 || r.counters["Recipient"]["bob@example.org"] != 1 {
		t.Errorf("counters = %v", r.counters)
	}

	n, err := mbox.CountMessages(outPath)
	if err != nil || n != 1 {
		t.Fatalf("CountMessages() = %d, %v; want 1 rewritten message", n, err)
	}
	data, _ := os.ReadFile(outPath)
	if bytes.Contains(data, []byte("${remail-to:")) {
		t.Errorf("rewritten message still carries tags:\n%s", data)
	}
}

func TestReplayer_HandleErrors(t *testing.T) {
	r := testReplayer(t)

	res := r.handle(context.Background(), model.Envelope{Err: errors.New("truncated")})
	if res.Outcome != model.OutcomeFailed || res.Err == nil {
		t.Errorf("stream error result = %+v", res)
	}

	res = r.handle(context.Background(), model.Envelope{Message: model.Message{Raw: []byte("this line has no colon\r\n\r\nbody")}})
	if res.Outcome != model.OutcomeFailed {
		t.Errorf("unparsable result = %+v", res)
	}
}

func TestSaveCSVReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	counters := map[string]map[string]int{
		"Sender":    {"a@example.com": 3, "b@example.com": 5},
		"Recipient": {},
	}
	if err := saveCSVReports(counters, []string{"Sender", "Recipient"}, dir, 1); err != nil {
		t.Fatalf("saveCSVReports() error = %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "report_sender.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1][0] != "b@example.com" || records[1][1] != "5" {
		t.Errorf("records = %v", records)
	}

	if _, err := os.Stat(filepath.Join(dir, "report_recipient.csv")); err != nil {
		t.Errorf("empty counter should still produce a report: %v", err)
	}
	if got := normalizeName("Delivered-To Header"); got != "delivered_to_header" {
		t.Errorf("normalizeName() = %q", got)
	}
}

type fakeFolders struct {
	existing map[string]bool
	failing  map[string]bool
	created  []string
}

func (f *fakeFolders) CheckFolder(_ context.Context, name string) error {
	if f.existing[name] {
		return nil
	}
	return errors.New("does not exist")
}

func (f *fakeFolders) EnsureFolder(_ context.Context, name string) error {
	if f.failing[name] {
		return errors.New("permission denied")
	}
	f.created = append(f.created, name)
	return nil
}

func TestCheckFolders(t *testing.T) {
	set := folder.Set{Incoming: "INBOX", Original: "O", NoTag: "N", Exception: "E", Sent: "S"}

	mb := &fakeFolders{existing: map[string]bool{"INBOX": true, "O": true}}
	if err := checkFolders(context.Background(), mb, set, false); err == nil {
		t.Error("missing folders should fail without --create-folders")
	}
	if len(mb.created) != 0 {
		t.Errorf("created = %v", mb.created)
	}

	mb = &fakeFolders{existing: map[string]bool{"INBOX": true}, failing: map[string]bool{"S": true}}
	err := checkFolders(context.Background(), mb, set, true)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("checkFolders() error = %v", err)
	}
	if strings.Join(mb.created, ",") != "O,N,E" {
		t.Errorf("created = %v", mb.created)
	}
}

func TestCredentialCmd(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	store := &credential.Store{
		Open:   func() (keyring.Keyring, error) { return ring, nil },
		Getenv: func(string) string { return "" },
	}

	run := func(stdin string, args ...string) (string, error) {
		c := credentialCmd(store)
		var out bytes.Buffer
		c.SetArgs(args)
		c.SetIn(strings.NewReader(stdin))
		c.SetOut(&out)
		c.SetErr(io.Discard)
		err := c.Execute()
		return out.String(), err
	}

	if _, err := run("s3cret\n", "set", "imap"); err != nil {
		t.Fatalf("set error = %v", err)
	}
	if got, _ := store.Get(credential.IMAP); got != "s3cret" {
		t.Errorf("stored password = %q", got)
	}

	if _, err := run("", "set", "smtp"); err == nil {
		t.Error("empty password should be refused")
	}
	if _, err := run("x\n", "set", "pop3"); err == nil {
		t.Error("unknown account should fail")
	}

	out, err := run("", "delete", "imap")
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if !strings.Contains(out, "deleted imap password") {
		t.Errorf("output = %q", out)
	}
	if _, err := store.Get(credential.IMAP); !errors.Is(err, keyring.ErrKeyNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}
