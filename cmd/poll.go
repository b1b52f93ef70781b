package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/remailer/classify"
	"github.com/dhcgn/remailer/config"
	"github.com/dhcgn/remailer/imap"
	"github.com/dhcgn/remailer/journal"
	"github.com/dhcgn/remailer/remailer"
	"github.com/dhcgn/remailer/runner"
	"github.com/dhcgn/remailer/smtp"
	"github.com/dhcgn/remailer/stats"
)

// Poll runs the remailer loop until interrupted, or a single cycle with
// --once.
func Poll(c *cobra.Command, _ []string) error {
	cfg, logger, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.ValidateMailbox(cfg); err != nil {
		return err
	}
	if err := config.ValidateTransport(cfg); err != nil {
		return err
	}

	classifier, err := newClassifier(cfg, logger)
	if err != nil {
		return err
	}

	store, err := openJournal(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &poller{
		cfg:        cfg,
		logger:     logger,
		classifier: classifier,
		store:      store,
		dial:       dialIMAP(cfg.IMAPOptions(), logger),
		transport:  smtpTransport(cfg.SMTPOptions(), logger),
	}
	r, err := runner.New(cfg.PollInterval, p.cycle, logger)
	if err != nil {
		return err
	}

	logger.Info("starting remailer",
		"imap", cfg.IMAPHost,
		"incoming", cfg.Folders.Incoming,
		"interval", cfg.PollInterval,
		"dryRun", cfg.DryRun,
		"once", cfg.Once,
	)

	if cfg.Once {
		return r.RunOnce(ctx)
	}
	return r.Run(ctx)
}

// session is a mailbox connection owned by a single cycle.
type session interface {
	remailer.Mailbox
	Close()
}

// closingTransport is an SMTP connection owned by a single cycle.
type closingTransport interface {
	remailer.Transport
	Close() error
}

type poller struct {
	cfg        config.Config
	logger     *slog.Logger
	classifier *classify.Classifier
	store      journal.Store
	dial       func(ctx context.Context) (session, error)
	transport  func() closingTransport
	// validated is set once the folder structure has been checked on a
	// live connection.
	validated bool
}

func dialIMAP(opts imap.Options, logger *slog.Logger) func(context.Context) (session, error) {
	return func(ctx context.Context) (session, error) {
		s, err := imap.Dial(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func smtpTransport(opts smtp.Options, logger *slog.Logger) func() closingTransport {
	return func() closingTransport {
		return smtp.New(opts, logger)
	}
}

// cycle opens one IMAP session, drains the incoming folder and closes
// everything again. Until the folder structure has been validated once, a
// validation failure is fatal; cycles that fail earlier retry it.
func (p *poller) cycle(ctx context.Context, n int) (stats.Summary, error) {
	mb, err := p.dial(ctx)
	if err != nil {
		return stats.Summary{}, err
	}
	defer mb.Close()

	opts := remailer.Options{
		Folders: p.cfg.Folders,
		From:    p.cfg.From,
		DryRun:  p.cfg.DryRun,
	}
	if p.store != nil {
		run := journal.NewRun(p.store)
		opts.Journal = run
		p.logger.Debug("journal run started", "run", run.ID(), "cycle", n)
	}

	var transport remailer.Transport
	if !p.cfg.DryRun {
		t := p.transport()
		defer func() {
			if err := t.Close(); err != nil {
				p.logger.Warn("smtp close failed", "err", err)
			}
		}()
		transport = t
	}

	rm, err := remailer.New(mb, transport, p.classifier, opts, p.logger)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("%w: %w", runner.ErrFatal, err)
	}

	if !p.validated {
		if err := rm.ValidateFolderStructure(ctx); err != nil {
			return stats.Summary{}, fmt.Errorf("%w: %w", runner.ErrFatal, err)
		}
		p.validated = true
	}

	summary, err := rm.ProcessInbox(ctx)
	if err != nil {
		return summary, err
	}
	if err := rm.Reclaim(ctx); err != nil {
		return summary, err
	}
	return summary, nil
}
