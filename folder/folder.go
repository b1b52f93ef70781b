package folder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/remailer/classify"
	"github.com/dhcgn/remailer/model"
)

// Set names the five folders the remailer works with.
type Set struct {
	Incoming  string
	Original  string
	NoTag     string
	Exception string
	Sent      string
}

// All returns every configured folder in a stable order.
func (s Set) All() []string {
	return []string{s.Incoming, s.Original, s.NoTag, s.Exception, s.Sent}
}

// Validate reports the first empty folder name.
func (s Set) Validate() error {
	names := []string{"incoming", "original", "no-tag", "exception", "sent"}
	for i, f := range s.All() {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%s folder name is empty", names[i])
		}
	}
	return nil
}

// Destination returns the folder a message of the given kind is filed into.
func (s Set) Destination(kind classify.Kind) string {
	if kind == classify.Tagged {
		return s.Original
	}
	return s.NoTag
}

// Mailbox is the part of the server session the mover needs. Ids refer to
// messages in the currently selected folder.
type Mailbox interface {
	SupportsMove() bool
	Move(ctx context.Context, ref model.MessageRef, dest string) error
	Copy(ctx context.Context, ref model.MessageRef, dest string) error
	MarkDeleted(ctx context.Context, ref model.MessageRef) error
}

// Mover relocates messages between folders.
type Mover struct {
	mailbox Mailbox
	logger  *slog.Logger
}

func New(mailbox Mailbox, logger *slog.Logger) *Mover {
	return &Mover{mailbox: mailbox, logger: logger}
}

// MoveMessage moves ref to dest. Without server-side MOVE the message is
// copied and flagged deleted; the space is reclaimed later by the caller,
// never here.
func (m *Mover) MoveMessage(ctx context.Context, ref model.MessageRef, dest string) error {
	if m.mailbox.SupportsMove() {
		if err := m.mailbox.Move(ctx, ref, dest); err != nil {
			return fmt.Errorf("move %d to %s: %w", ref, dest, err)
		}
		m.debug("moved message", ref, dest, "move")
		return nil
	}

	if err := m.mailbox.Copy(ctx, ref, dest); err != nil {
		return fmt.Errorf("copy %d to %s: %w", ref, dest, err)
	}
	if err := m.mailbox.MarkDeleted(ctx, ref); err != nil {
		return fmt.Errorf("mark %d deleted: %w", ref, err)
	}
	m.debug("moved message", ref, dest, "copy+delete")
	return nil
}

func (m *Mover) debug(msg string, ref model.MessageRef, dest, method string) {
	if m.logger != nil {
		m.logger.Debug(msg, "uid", ref, "folder", dest, "method", method)
	}
}
