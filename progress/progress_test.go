package progress

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/remailer/filter"
	"github.com/dhcgn/remailer/journal"
	"github.com/dhcgn/remailer/model"
	"github.com/dhcgn/remailer/stats"
)

func init() {
	pterm.DisableColor()
}

func TestSummaryTable(t *testing.T) {
	out, err := SummaryTable(stats.Summary{Scanned: 12, Tagged: 5, Untagged: 6, Failed: 1, Sent: 9}, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("SummaryTable() error = %v", err)
	}
	for _, want := range []string{"Scanned", "12", "Tagged", "Failed", "1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestHitsTable(t *testing.T) {
	out, err := HitsTable([]filter.Hit{{Rule: filter.ExcludeBody, Pattern: "unsubscribe", Count: 4}})
	if err != nil {
		t.Fatalf("HitsTable() error = %v", err)
	}
	if !strings.Contains(out, "exclude-body") || !strings.Contains(out, "unsubscribe") || !strings.Contains(out, "4") {
		t.Errorf("hits table:\n%s", out)
	}
}

func TestHistoryTable(t *testing.T) {
	entries := []journal.Entry{{
		UID:        42,
		Outcome:    string(model.OutcomeTagged),
		Folder:     "INBOX/remailer-original",
		Recipients: "a@example.com,b@example.com",
		Sent:       2,
		Subject:    strings.Repeat("long subject ", 10),
		RecordedAt: time.Now(),
	}}
	out, err := HistoryTable(entries)
	if err != nil {
		t.Fatalf("HistoryTable() error = %v", err)
	}
	for _, want := range []string{"42", "tagged", "a@example.com, b@example.com", "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}
}

func TestDisabledBarIgnoresCalls(t *testing.T) {
	bar := New(3, false)
	bar.Update(model.Result{Subject: "x", Err: errors.New("boom")})
	bar.Stop()
	if bar.pb != nil {
		t.Error("disabled bar should not start a printer")
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("short", 10); got != "short" {
		t.Errorf("shorten() = %q", got)
	}
	if got := shorten("ünïcödé-text", 8); got != "ünïcö..." {
		t.Errorf("shorten() = %q", got)
	}
}
