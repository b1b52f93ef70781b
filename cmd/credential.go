package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/remailer/credential"
)

func newCredentialCmd() *cobra.Command {
	return credentialCmd(credential.Default())
}

func credentialCmd(store *credential.Store) *cobra.Command {
	c := &cobra.Command{
		Use:   "credential",
		Short: "Manage the IMAP and SMTP passwords kept in the system keyring",
	}

	set := &cobra.Command{
		Use:   "set <imap|smtp>",
		Short: "Store a password read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			account, err := credential.ParseAccount(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.ErrOrStderr(), "%s password: ", account)
			password, err := readLine(c.InOrStdin())
			if err != nil {
				return err
			}
			if err := store.Set(account, password); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "stored %s password\n", account)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <imap|smtp>",
		Short: "Remove a stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			account, err := credential.ParseAccount(args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(account); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "deleted %s password\n", account)
			return nil
		},
	}

	c.AddCommand(set, del)
	return c
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
