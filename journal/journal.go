package journal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/remailer/model"
)

// Entry is one journaled message result.
type Entry struct {
	ID         string    `db:"id"`
	RunID      string    `db:"run_id"`
	UID        int64     `db:"uid"`
	Subject    string    `db:"subject"`
	Outcome    string    `db:"outcome"`
	Folder     string    `db:"folder"`
	Recipients string    `db:"recipients"`
	Sent       int       `db:"sent"`
	Error      string    `db:"error"`
	RecordedAt time.Time `db:"recorded_at"`
}

// RecipientList splits the stored recipients.
func (e Entry) RecipientList() []string {
	if e.Recipients == "" {
		return nil
	}
	return strings.Split(e.Recipients, ",")
}

// Store persists entries. Recent returns the newest entries first.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Run journals the results of one poll cycle under a shared run id.
type Run struct {
	store Store
	id    string
	now   func() time.Time
}

func NewRun(store Store) *Run {
	return &Run{store: store, id: uuid.New().String(), now: time.Now}
}

func (r *Run) ID() string {
	return r.id
}

// Record appends res to the store.
func (r *Run) Record(ctx context.Context, res model.Result) error {
	var errText []string
	if res.Err != nil {
		errText = append(errText, res.Err.Error())
	}
	if res.SendErr != nil {
		errText = append(errText, res.SendErr.Error())
	}

	return r.store.Append(ctx, Entry{
		ID:         uuid.New().String(),
		RunID:      r.id,
		UID:        int64(res.Ref),
		Subject:    res.Subject,
		Outcome:    string(res.Outcome),
		Folder:     res.Folder,
		Recipients: strings.Join(res.Recipients, ","),
		Sent:       res.Sent,
		Error:      strings.Join(errText, "; "),
		RecordedAt: r.now().UTC(),
	})
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("entry id is empty")
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
