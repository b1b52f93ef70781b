package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/remailer/cmd"
	"github.com/dhcgn/remailer/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "remailer",
		Short:        "Relay tagged messages from an IMAP mailbox to the addresses named in their bodies",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         cmd.Poll,
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
