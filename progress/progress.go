package progress

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/remailer/filter"
	"github.com/dhcgn/remailer/journal"
	"github.com/dhcgn/remailer/model"
	"github.com/dhcgn/remailer/stats"
)

// Bar manages a progress bar for tracking message processing.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar over total messages. A disabled bar ignores
// every call, so callers need not check.
func New(total int, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled && total > 0}

	if bar.enabled {
		pterm.Info.Printf("Messages in archive: %d\n", total)
		pb, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Classifying messages").
			Start()
		if err != nil {
			bar.enabled = false
			return bar
		}
		bar.pb = pb
	}

	return bar
}

// Update advances the bar by one message.
func (b *Bar) Update(res model.Result) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pb.Increment()
	if res.Subject != "" {
		b.pb.UpdateTitle("Classifying: " + shorten(res.Subject, 40))
	}
	if res.Err != nil {
		pterm.Error.Printf("message %s: %v\n", res.Ref, res.Err)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// SummaryTable renders the counters of a replay or cycle.
func SummaryTable(s stats.Summary, duration time.Duration) (string, error) {
	data := pterm.TableData{
		{"Metric", "Count"},
		{"Scanned", strconv.Itoa(s.Scanned)},
		{"Tagged", strconv.Itoa(s.Tagged)},
		{"Untagged", strconv.Itoa(s.Untagged)},
		{"Failed", strconv.Itoa(s.Failed)},
		{"Sent", strconv.Itoa(s.Sent)},
		{"Send errors", strconv.Itoa(s.SendErrors)},
		{"Duration", duration.Round(time.Millisecond).String()},
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

// HitsTable renders the match count of each filter pattern.
func HitsTable(hits []filter.Hit) (string, error) {
	data := pterm.TableData{{"Rule", "Pattern", "Matches"}}
	for _, h := range hits {
		data = append(data, []string{string(h.Rule), h.Pattern, strconv.Itoa(h.Count)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

// HistoryTable renders journal entries, newest first.
func HistoryTable(entries []journal.Entry) (string, error) {
	data := pterm.TableData{{"Time", "UID", "Outcome", "Folder", "Recipients", "Sent", "Subject", "Error"}}
	for _, e := range entries {
		data = append(data, []string{
			e.RecordedAt.Local().Format(time.DateTime),
			strconv.FormatInt(e.UID, 10),
			e.Outcome,
			e.Folder,
			strings.Join(e.RecipientList(), ", "),
			strconv.Itoa(e.Sent),
			shorten(e.Subject, 50),
			shorten(e.Error, 60),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

// PrintSummary writes the summary section, plus filter hits when any
// pattern was configured.
func PrintSummary(s stats.Summary, duration time.Duration, hits []filter.Hit) error {
	table, err := SummaryTable(s, duration)
	if err != nil {
		return err
	}
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Println(table)

	if len(hits) > 0 {
		table, err := HitsTable(hits)
		if err != nil {
			return err
		}
		pterm.DefaultSection.Println("Filter matches")
		pterm.Println(table)
	}

	if s.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", s.LastError)
	}
	return nil
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
