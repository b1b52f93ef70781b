package stats

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dhcgn/remailer/model"
)

// Summary counts what happened during one or more cycles.
type Summary struct {
	Scanned    int
	Tagged     int
	Untagged   int
	Failed     int
	Sent       int
	SendErrors int
	LastError  error
}

// Add folds one message result into the summary.
func (s *Summary) Add(res model.Result) {
	s.Scanned++
	switch res.Outcome {
	case model.OutcomeTagged:
		s.Tagged++
	case model.OutcomeUntagged:
		s.Untagged++
	case model.OutcomeFailed:
		s.Failed++
	}
	s.Sent += res.Sent
	if res.SendErr != nil {
		s.SendErrors++
		s.LastError = res.SendErr
	}
	if res.Err != nil {
		s.LastError = res.Err
	}
}

// Merge adds the counters of other to s.
func (s *Summary) Merge(other Summary) {
	s.Scanned += other.Scanned
	s.Tagged += other.Tagged
	s.Untagged += other.Untagged
	s.Failed += other.Failed
	s.Sent += other.Sent
	s.SendErrors += other.SendErrors
	if other.LastError != nil {
		s.LastError = other.LastError
	}
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"tagged", s.Tagged,
		"untagged", s.Untagged,
		"failed", s.Failed,
		"sent", s.Sent,
		"sendErrors", s.SendErrors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates cycle summaries across a long-running poll loop.
type Collector struct {
	mu      sync.Mutex
	cycles  int
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(s Summary) {
	c.mu.Lock()
	c.cycles++
	c.summary.Merge(s)
	c.mu.Unlock()
}

// Snapshot returns the totals so far and the number of cycles recorded.
func (c *Collector) Snapshot() (Summary, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary, c.cycles
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

// Pair is a counted key.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
