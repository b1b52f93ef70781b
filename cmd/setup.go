package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/remailer/classify"
	"github.com/dhcgn/remailer/config"
	"github.com/dhcgn/remailer/journal"
	"github.com/dhcgn/remailer/redirect"
	"github.com/dhcgn/remailer/rewrite"
)

// Register adds every subcommand to root.
func Register(root *cobra.Command) {
	root.AddCommand(
		newValidateCmd(),
		newReplayCmd(),
		newHistoryCmd(),
		newCredentialCmd(),
	)
}

// setup loads the configuration and logger shared by every command.
func setup(c *cobra.Command) (config.Config, *slog.Logger, func(), error) {
	noop := func() {}

	cfg, err := config.LoadConfig(c)
	if err != nil {
		return config.Config{}, nil, noop, err
	}

	logger, cleanup, err := config.NewLogger(cfg)
	if err != nil {
		return config.Config{}, nil, noop, fmt.Errorf("setup logger: %w", err)
	}
	slog.SetDefault(logger)

	return cfg, logger, func() { _ = cleanup() }, nil
}

// newClassifier builds the part pipeline. The redirect resolver is only
// created when link remapping is on.
func newClassifier(cfg config.Config, logger *slog.Logger) (*classify.Classifier, error) {
	var resolver rewrite.Resolver
	if cfg.RemapLinks {
		resolver = redirect.New(cfg.RedirectOptions(), logger)
	}

	processor, err := rewrite.New(cfg.RewriteOptions(), resolver)
	if err != nil {
		return nil, err
	}
	return classify.New(processor, cfg.ClassifyOptions()), nil
}

// openJournal returns nil when journaling is disabled.
func openJournal(cfg config.Config) (journal.Store, error) {
	if cfg.JournalPath == "" {
		return nil, nil
	}
	if cfg.JournalPath == ":memory:" {
		return journal.NewMemoryStore(), nil
	}
	store, err := journal.OpenSQLite(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return store, nil
}
