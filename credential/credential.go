package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "remailer"

// Account names a stored password.
type Account string

const (
	IMAP Account = "imap"
	SMTP Account = "smtp"
)

// ParseAccount validates a command-line account name.
func ParseAccount(name string) (Account, error) {
	switch Account(name) {
	case IMAP, SMTP:
		return Account(name), nil
	}
	return "", fmt.Errorf("unknown account %q (want imap or smtp)", name)
}

// EnvVar is the environment variable consulted for the account.
func (a Account) EnvVar() string {
	switch a {
	case IMAP:
		return "IMAP_PASS"
	case SMTP:
		return "SMTP_PASS"
	}
	return ""
}

func (a Account) key() string {
	return string(a) + "-password"
}

// Store reads and writes passwords. Open is called lazily so the keyring is
// never touched unless it is needed.
type Store struct {
	Open   func() (keyring.Keyring, error)
	Getenv func(string) string
}

// Default returns a Store backed by the system keyring and the process
// environment.
func Default() *Store {
	return &Store{Open: openKeyring, Getenv: os.Getenv}
}

func openKeyring() (keyring.Keyring, error) {
	dir := "~/.config/remailer/credentials"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".config", "remailer", "credentials")
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("remailer-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Resolve returns explicit when set, then the account's environment
// variable, then, if useKeyring is true, the keyring entry. An empty result
// with a nil error means no password is configured anywhere.
func (s *Store) Resolve(account Account, explicit string, useKeyring bool) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if s.Getenv != nil {
		if v := s.Getenv(account.EnvVar()); v != "" {
			return v, nil
		}
	}
	if !useKeyring {
		return "", nil
	}

	v, err := s.Get(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	return v, err
}

// Get retrieves the account password from the keyring.
func (s *Store) Get(account Account) (string, error) {
	ring, err := s.Open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(account.key())
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", account.key(), err)
	}
	return string(item.Data), nil
}

// Set stores the account password in the keyring.
func (s *Store) Set(account Account, value string) error {
	if value == "" {
		return fmt.Errorf("refusing to store an empty password")
	}
	ring, err := s.Open()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{
		Key:   account.key(),
		Data:  []byte(value),
		Label: fmt.Sprintf("remailer %s password", account),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account.key(), err)
	}
	return nil
}

// Delete removes the account password from the keyring.
func (s *Store) Delete(account Account) error {
	ring, err := s.Open()
	if err != nil {
		return err
	}
	if err := ring.Remove(account.key()); err != nil {
		return fmt.Errorf("deleting credential %q: %w", account.key(), err)
	}
	return nil
}
