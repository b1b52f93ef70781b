package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/remailer/model"
)

var ErrMessageNotFound = errors.New("message not found")

// Security selects how the connection is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Security           Security
	InsecureSkipVerify bool
}

// Session is one logged-in connection. It is not safe for concurrent use.
type Session struct {
	client   *imapclient.Client
	logger   *slog.Logger
	move     bool
	selected string
	cleanup  func()
}

// Dial connects, logs in and reads the server capabilities.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
	}

	var (
		client *imapclient.Client
		err    error
	)

	switch opts.Security {
	case SecurityTLS, "":
		client, err = imapclient.DialTLS(address, options)
	case SecurityStartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	case SecurityNone:
		client, err = imapclient.DialInsecure(address, options)
	default:
		return nil, fmt.Errorf("unknown imap security %q", opts.Security)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	s := &Session{client: client, logger: logger}

	caps, err := client.Capability().Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap capability: %w", err)
	}
	s.move = caps.Has(imapv2.CapMove)

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "security", opts.Security, "move", s.move)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	s.cleanup = func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if logger != nil {
					logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && logger != nil {
			logger.Debug("imap connection closed", "err", err)
		}
	}

	return s, nil
}

// Close logs out and closes the connection.
func (s *Session) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// SupportsMove reports whether the server advertised MOVE.
func (s *Session) SupportsMove() bool {
	return s.move
}

// ListMessageIDs selects name and returns the UIDs of every message that is
// not flagged deleted.
func (s *Session) ListMessageIDs(ctx context.Context, name string) ([]model.MessageRef, error) {
	if err := s.selectFolder(name); err != nil {
		return nil, err
	}

	criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagDeleted}}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search %s: %w", name, err)
	}

	uids := data.AllUIDs()
	refs := make([]model.MessageRef, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, model.MessageRef(uid))
	}
	return refs, nil
}

// FetchRaw returns the full raw message without setting \Seen.
func (s *Session) FetchRaw(ctx context.Context, ref model.MessageRef) ([]byte, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	opts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	cmd := s.client.Fetch(uidSet(ref), opts)
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return nil, fmt.Errorf("fetch %d: %w", ref, err)
		}
		return nil, fmt.Errorf("fetch %d: %w", ref, ErrMessageNotFound)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %d: %w", ref, err)
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("fetch %d: %w", ref, ErrMessageNotFound)
	}
	return raw, nil
}

func (s *Session) Move(ctx context.Context, ref model.MessageRef, dest string) error {
	if _, err := s.client.Move(uidSet(ref), dest).Wait(); err != nil {
		return fmt.Errorf("uid move: %w", err)
	}
	return nil
}

func (s *Session) Copy(ctx context.Context, ref model.MessageRef, dest string) error {
	if _, err := s.client.Copy(uidSet(ref), dest).Wait(); err != nil {
		return fmt.Errorf("uid copy: %w", err)
	}
	return nil
}

func (s *Session) MarkDeleted(ctx context.Context, ref model.MessageRef) error {
	flags := &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}
	if err := s.client.Store(uidSet(ref), flags, nil).Close(); err != nil {
		return fmt.Errorf("uid store: %w", err)
	}
	return nil
}

// Reclaim expunges every message flagged deleted in the selected folder.
func (s *Session) Reclaim(ctx context.Context) error {
	if s.selected == "" {
		return nil
	}
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge %s: %w", s.selected, err)
	}
	return nil
}

// Append stores raw in name.
func (s *Session) Append(ctx context.Context, name string, raw []byte) error {
	cmd := s.client.Append(name, int64(len(raw)), nil)

	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

// CheckFolder reports an error unless name exists and can be selected.
func (s *Session) CheckFolder(ctx context.Context, name string) error {
	data, err := s.client.List("", name, nil).Collect()
	if err != nil {
		return fmt.Errorf("list %s: %w", name, err)
	}
	for _, mb := range data {
		if !strings.EqualFold(mb.Mailbox, name) {
			continue
		}
		for _, attr := range mb.Attrs {
			if attr == imapv2.MailboxAttrNoSelect || attr == imapv2.MailboxAttrNonExistent {
				return fmt.Errorf("mailbox %s is not selectable", name)
			}
		}
		return nil
	}
	return fmt.Errorf("mailbox %s does not exist", name)
}

// EnsureFolder creates name unless it already exists.
func (s *Session) EnsureFolder(ctx context.Context, name string) error {
	cmd := s.client.Create(name, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if s.logger != nil {
					s.logger.Debug("imap mailbox already exists", "mailbox", name)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", name, err)
	}

	if s.logger != nil {
		s.logger.Info("imap mailbox created", "mailbox", name)
	}

	return nil
}

func (s *Session) selectFolder(name string) error {
	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", name, err)
	}
	s.selected = name
	if s.logger != nil {
		s.logger.Debug("imap mailbox selected", "mailbox", name, "messages", data.NumMessages)
	}
	return nil
}

func uidSet(ref model.MessageRef) imapv2.UIDSet {
	return imapv2.UIDSetNum(imapv2.UID(ref))
}
