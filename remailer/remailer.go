package remailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/remailer/classify"
	"github.com/dhcgn/remailer/entity"
	"github.com/dhcgn/remailer/folder"
	"github.com/dhcgn/remailer/model"
	"github.com/dhcgn/remailer/stats"
)

// Mailbox is the server session a cycle runs against.
type Mailbox interface {
	folder.Mailbox
	ListMessageIDs(ctx context.Context, folder string) ([]model.MessageRef, error)
	FetchRaw(ctx context.Context, ref model.MessageRef) ([]byte, error)
	Append(ctx context.Context, folder string, raw []byte) error
	CheckFolder(ctx context.Context, folder string) error
	Reclaim(ctx context.Context) error
}

// Transport delivers a serialized message to a single recipient.
type Transport interface {
	Send(ctx context.Context, from, to string, raw []byte) error
}

// Journal records per-message results. It is informational only.
type Journal interface {
	Record(ctx context.Context, res model.Result) error
}

type Options struct {
	Folders folder.Set
	From    string
	DryRun  bool
	Journal Journal
}

// Remailer moves every message out of the incoming folder and relays the
// tagged ones.
type Remailer struct {
	mailbox    Mailbox
	transport  Transport
	classifier *classify.Classifier
	mover      *folder.Mover
	opts       Options
	logger     *slog.Logger
}

func New(mailbox Mailbox, transport Transport, classifier *classify.Classifier, opts Options, logger *slog.Logger) (*Remailer, error) {
	if mailbox == nil {
		return nil, fmt.Errorf("mailbox must not be nil")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier must not be nil")
	}
	if transport == nil && !opts.DryRun {
		return nil, fmt.Errorf("transport must not be nil")
	}
	if err := opts.Folders.Validate(); err != nil {
		return nil, err
	}
	if opts.From == "" {
		return nil, fmt.Errorf("from address is empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Remailer{
		mailbox:    mailbox,
		transport:  transport,
		classifier: classifier,
		mover:      folder.New(mailbox, logger),
		opts:       opts,
		logger:     logger,
	}, nil
}

// ValidateFolderStructure checks that every configured folder exists.
func (r *Remailer) ValidateFolderStructure(ctx context.Context) error {
	for _, name := range r.opts.Folders.All() {
		if err := r.mailbox.CheckFolder(ctx, name); err != nil {
			return fmt.Errorf("folder %q: %w", name, err)
		}
	}
	r.logger.Debug("folder structure validated", "folders", r.opts.Folders.All(), "move", r.mailbox.SupportsMove())
	return nil
}

// ProcessInbox handles every message currently in the incoming folder, in
// server order. A failing message is logged and left in place; only a failure
// to list the folder is returned.
func (r *Remailer) ProcessInbox(ctx context.Context) (stats.Summary, error) {
	var summary stats.Summary

	refs, err := r.mailbox.ListMessageIDs(ctx, r.opts.Folders.Incoming)
	if err != nil {
		return summary, fmt.Errorf("list %s: %w", r.opts.Folders.Incoming, err)
	}
	r.logger.Info("messages waiting", "folder", r.opts.Folders.Incoming, "count", len(refs))

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		res := r.processMessage(ctx, ref)
		summary.Add(res)
		r.record(ctx, res)
	}

	return summary, nil
}

// Reclaim expunges messages flagged by the copy fallback of the mover.
func (r *Remailer) Reclaim(ctx context.Context) error {
	if r.opts.DryRun || r.mailbox.SupportsMove() {
		return nil
	}
	if err := r.mailbox.Reclaim(ctx); err != nil {
		return fmt.Errorf("reclaim deleted: %w", err)
	}
	return nil
}

func (r *Remailer) processMessage(ctx context.Context, ref model.MessageRef) model.Result {
	res := model.Result{Ref: ref, Outcome: model.OutcomeFailed}

	raw, err := r.mailbox.FetchRaw(ctx, ref)
	if err != nil {
		res.Err = fmt.Errorf("fetch: %w", err)
		return r.failed(res)
	}

	msg, err := entity.Parse(raw)
	if err != nil {
		res.Err = err
		return r.failed(res)
	}
	res.Subject = subject(msg)
	r.logger.Info("processing message", "uid", ref, "subject", res.Subject)

	out, err := r.classifier.Classify(ctx, msg)
	if err != nil {
		res.Err = fmt.Errorf("classify: %w", err)
		return r.failed(res)
	}

	dest := r.opts.Folders.Destination(out.Kind)
	res.Recipients = out.Recipients.List()
	r.logger.Info("message classified", "uid", ref, "kind", out.Kind, "recipients", out.Recipients.Len(), "folder", dest)

	if r.opts.DryRun {
		res.Outcome = outcomeOf(out.Kind)
		res.Folder = dest
		return res
	}

	if err := r.mover.MoveMessage(ctx, ref, dest); err != nil {
		res.Err = err
		return r.failed(res)
	}
	res.Outcome = outcomeOf(out.Kind)
	res.Folder = dest

	if out.Kind != classify.Tagged {
		return res
	}

	res.SendErr = r.dispatch(ctx, &res, out.Message)
	return res
}

// dispatch serializes the rewritten message once, archives it and sends the
// same bytes to each recipient. Every recipient is attempted; the failures
// are joined.
func (r *Remailer) dispatch(ctx context.Context, res *model.Result, msg *entity.Entity) error {
	var errs []error

	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	if err := r.mailbox.Append(ctx, r.opts.Folders.Sent, raw); err != nil {
		r.logger.Warn("archive to sent failed", "uid", res.Ref, "folder", r.opts.Folders.Sent, "err", err)
		errs = append(errs, fmt.Errorf("append to %s: %w", r.opts.Folders.Sent, err))
	}

	for _, to := range res.Recipients {
		r.logger.Info("sending message", "uid", res.Ref, "to", to)
		if err := r.transport.Send(ctx, r.opts.From, to, raw); err != nil {
			r.logger.Warn("send failed", "uid", res.Ref, "to", to, "err", err)
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
			continue
		}
		res.Sent++
	}

	return errors.Join(errs...)
}

func (r *Remailer) failed(res model.Result) model.Result {
	r.logger.Error("message left in place", "uid", res.Ref, "subject", res.Subject, "err", res.Err)
	return res
}

func (r *Remailer) record(ctx context.Context, res model.Result) {
	if r.opts.Journal == nil {
		return
	}
	if err := r.opts.Journal.Record(ctx, res); err != nil {
		r.logger.Warn("journal write failed", "uid", res.Ref, "err", err)
	}
}

func outcomeOf(kind classify.Kind) model.Outcome {
	if kind == classify.Tagged {
		return model.OutcomeTagged
	}
	return model.OutcomeUntagged
}

func subject(msg *entity.Entity) string {
	s, err := msg.Header.Text("Subject")
	if err != nil {
		return msg.Header.Get("Subject")
	}
	return s
}
