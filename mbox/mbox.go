package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/remailer/filter"
	"github.com/dhcgn/remailer/model"
)

// Options configures an archive reader.
type Options struct {
	Path   string
	Filter filter.Options
}

// Reader streams the messages of an mbox archive.
type Reader struct {
	path   string
	filter *filter.Filter
	logger *slog.Logger
}

func NewReader(opts Options, logger *slog.Logger) (*Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{path: path, filter: f, logger: logger}, nil
}

// Filter returns the filter applied to every message, for hit reporting.
func (r *Reader) Filter() *filter.Filter {
	return r.filter
}

// Stream sends every message of the archive that passes the filter to out.
// Unreadable messages are sent as envelopes carrying an error.
func (r *Reader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return r.StreamFrom(ctx, file, out)
}

func (r *Reader) StreamFrom(ctx context.Context, src io.Reader, out chan<- model.Envelope) error {
	reader := mboxlib.NewReader(src)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return r.emitError(ctx, out, idx, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return r.emitError(ctx, out, idx, fmt.Errorf("message %d read: %w", idx, err))
		}

		header, body := filter.SplitRawMessage(raw)
		if !r.filter.Allows(header, body) {
			r.logger.Debug("message filtered", "index", idx)
			continue
		}

		msg := describe(raw)
		msg.Index = idx
		if err := emit(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (r *Reader) emitError(ctx context.Context, out chan<- model.Envelope, idx int, err error) error {
	r.logger.Error("mbox stream error", "path", r.path, "err", err)
	return emit(ctx, out, model.Envelope{Message: model.Message{Index: idx}, Err: err})
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// describe fills the informational fields of a message. A header that does
// not parse leaves them empty; the full MIME parse happens downstream.
func describe(raw []byte) model.Message {
	msg := model.Message{Raw: raw}

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return msg
	}
	msg.ID = strings.Trim(strings.TrimSpace(parsed.Header.Get("Message-Id")), "<>")
	if date := parsed.Header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			msg.ReceivedAt = t
		}
	}
	return msg
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return countFrom(file)
}

func countFrom(src io.Reader) (int, error) {
	reader := mboxlib.NewReader(src)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}

		// Continue counting even if the body cannot be read.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

// Writer appends messages to an mbox archive.
type Writer struct {
	file *os.File
	w    *mboxlib.Writer
	from string
}

// Create truncates path and returns a writer whose envelope lines use from.
func Create(path, from string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create mbox: %w", err)
	}
	return &Writer{file: file, w: mboxlib.NewWriter(file), from: from}, nil
}

func newWriter(dst io.Writer, from string) *Writer {
	return &Writer{w: mboxlib.NewWriter(dst), from: from}
}

// Write stores one message. A zero date uses the current time.
func (w *Writer) Write(raw []byte, date time.Time) error {
	if date.IsZero() {
		date = time.Now()
	}
	mw, err := w.w.CreateMessage(w.from, date)
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := mw.Write(raw); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	err := w.w.Close()
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
