package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/remailer/config"
	"github.com/dhcgn/remailer/folder"
	"github.com/dhcgn/remailer/imap"
)

// folderChecker is the part of an IMAP session validate needs.
type folderChecker interface {
	CheckFolder(ctx context.Context, name string) error
	EnsureFolder(ctx context.Context, name string) error
}

func newValidateCmd() *cobra.Command {
	var create bool

	c := &cobra.Command{
		Use:   "validate",
		Short: "Check the IMAP connection and the configured folders",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, logger, cleanup, err := setup(c)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := config.ValidateMailbox(cfg); err != nil {
				return err
			}

			session, err := imap.Dial(c.Context(), cfg.IMAPOptions(), logger)
			if err != nil {
				return err
			}
			defer session.Close()

			if session.SupportsMove() {
				pterm.Success.Println("Server supports MOVE")
			} else {
				pterm.Warning.Println("Server lacks MOVE; messages are copied and expunged")
			}

			return checkFolders(c.Context(), session, cfg.Folders, create)
		},
	}
	c.Flags().BoolVar(&create, "create-folders", false, "Create missing folders")
	return c
}

// checkFolders reports every configured folder and returns an error naming
// the ones that are unusable.
func checkFolders(ctx context.Context, mb folderChecker, set folder.Set, create bool) error {
	var errs []error
	for _, name := range set.All() {
		err := mb.CheckFolder(ctx, name)
		if err != nil && create {
			if cerr := mb.EnsureFolder(ctx, name); cerr != nil {
				err = fmt.Errorf("%w; create: %w", err, cerr)
			} else {
				pterm.Info.Printf("Created %s\n", name)
				err = nil
			}
		}
		if err != nil {
			pterm.Error.Printf("%s: %v\n", name, err)
			errs = append(errs, err)
			continue
		}
		pterm.Success.Printf("%s\n", name)
	}
	return errors.Join(errs...)
}
