package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// Security selects how the submission connection is protected.
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
	// LocalName is sent with EHLO; go-smtp uses "localhost" when empty. It is
	// ignored with SecurityStartTLS, where the EHLO happens while dialing.
	LocalName string
	Timeout   time.Duration
}

// Transport submits messages over one lazily opened connection that is kept
// until Close.
type Transport struct {
	opts   Options
	logger *slog.Logger
	client *gosmtp.Client
}

func New(opts Options, logger *slog.Logger) *Transport {
	return &Transport{opts: opts, logger: logger}
}

// Send delivers the serialized message raw to a single recipient.
func (t *Transport) Send(ctx context.Context, from, to string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := t.connect()
	if err != nil {
		return err
	}

	if err := c.SendMail(from, []string{to}, bytes.NewReader(raw)); err != nil {
		if rerr := c.Reset(); rerr != nil {
			t.drop()
		}
		return fmt.Errorf("smtp send: %w", err)
	}

	if t.logger != nil {
		t.logger.Debug("smtp message submitted", "from", from, "to", to, "size", len(raw))
	}
	return nil
}

// Close quits the connection if one is open.
func (t *Transport) Close() error {
	if t.client == nil {
		return nil
	}
	c := t.client
	t.client = nil

	if err := c.Quit(); err != nil {
		_ = c.Close()
		return fmt.Errorf("smtp quit: %w", err)
	}
	return nil
}

func (t *Transport) connect() (*gosmtp.Client, error) {
	if t.client != nil {
		return t.client, nil
	}
	if t.opts.Host == "" {
		return nil, fmt.Errorf("smtp host is empty")
	}

	address := net.JoinHostPort(t.opts.Host, strconv.Itoa(t.opts.Port))
	tlsConfig := &tls.Config{
		ServerName:         t.opts.Host,
		InsecureSkipVerify: t.opts.InsecureSkipVerify,
	}

	var (
		c   *gosmtp.Client
		err error
	)
	switch t.opts.Security {
	case SecurityTLS, "":
		c, err = gosmtp.DialTLS(address, tlsConfig)
	case SecurityStartTLS:
		c, err = gosmtp.DialStartTLS(address, tlsConfig)
	case SecurityNone:
		c, err = gosmtp.Dial(address)
	default:
		return nil, fmt.Errorf("unknown smtp security %q", t.opts.Security)
	}
	if err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", address, err)
	}

	if t.opts.Timeout > 0 {
		c.CommandTimeout = t.opts.Timeout
		c.SubmissionTimeout = t.opts.Timeout
	}

	if t.opts.LocalName != "" && t.opts.Security != SecurityStartTLS {
		if err := c.Hello(t.opts.LocalName); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp hello: %w", err)
		}
	}

	if t.opts.Username != "" {
		auth := sasl.NewPlainClient("", t.opts.Username, t.opts.Password)
		if err := c.Auth(auth); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	if t.logger != nil {
		t.logger.Debug("smtp connection established", "address", address, "security", t.opts.Security, "user", t.opts.Username)
	}

	t.client = c
	return c, nil
}

func (t *Transport) drop() {
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}
