package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/remailer/classify"
	"github.com/dhcgn/remailer/credential"
	"github.com/dhcgn/remailer/folder"
	"github.com/dhcgn/remailer/imap"
	"github.com/dhcgn/remailer/redirect"
	"github.com/dhcgn/remailer/rewrite"
	"github.com/dhcgn/remailer/smtp"
)

// Config captures every option of the remailer and its subcommands.
type Config struct {
	IMAPHost               string
	IMAPPort               int
	IMAPUser               string
	IMAPPass               string
	IMAPSecurity           string
	InsecureSkipVerify     bool
	SMTPHost               string
	SMTPPort               int
	SMTPUser               string
	SMTPPass               string
	SMTPSecurity           string
	SMTPLocalName          string
	SMTPInsecureSkipVerify bool
	SMTPTimeout            time.Duration
	UseKeyring             bool

	Folders           folder.Set
	From              string
	TimeZone          string
	Location          *time.Location
	ProvenanceHeaders []string

	RemapLinks             bool
	RedirectorPattern      string
	ResolveInsecure        bool
	ResolveTimeout         time.Duration
	SuppressTrackingPixels bool
	TrackingPixelPattern   string
	DeleteHTMLParts        bool

	PollInterval time.Duration
	Once         bool
	DryRun       bool
	JournalPath  string
	LogLevel     string
	LogDir       string
}

// RegisterFlags attaches all CLI flags to the provided command. The flags are
// persistent so every subcommand shares them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultJournal, err := defaultJournalPath()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file; keys are the flag names")
	flags.String("env-file", ".env", "Dotenv file loaded before flags are read")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring)")
	flags.String("imap-security", "tls", "IMAP connection security: tls, starttls, none")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification for IMAP (not recommended)")

	flags.String("smtp-host", "", "SMTP submission hostname")
	flags.Int("smtp-port", 587, "SMTP submission port")
	flags.String("smtp-user", "", "SMTP username; empty disables authentication")
	flags.String("smtp-pass", "", "SMTP password (falls back to SMTP_PASS env var, then the keyring)")
	flags.String("smtp-security", "starttls", "SMTP connection security: tls, starttls, none")
	flags.String("smtp-local-name", "", "Host name announced in EHLO; ignored with starttls")
	flags.Bool("smtp-insecure-skip-verify", false, "Skip TLS certificate verification for SMTP (not recommended)")
	flags.Duration("smtp-timeout", 2*time.Minute, "Timeout for each SMTP command")
	flags.Bool("keyring", false, "Look up missing passwords in the system keyring")

	flags.String("incoming-folder", "INBOX", "Folder scanned for new messages")
	flags.String("original-folder", "INBOX/remailer-original", "Folder receiving tagged originals")
	flags.String("notag-folder", "INBOX/remailer-original-notag", "Folder receiving untagged originals")
	flags.String("exception-folder", "INBOX/remailer-exception", "Folder reserved for failed messages")
	flags.String("sent-folder", "INBOX/remailer-sent", "Folder receiving a copy of each relayed message")
	flags.String("from", "", "Sender address of relayed messages")
	flags.String("timezone", "America/Chicago", "Time zone of the Date header on relayed messages")
	flags.StringSlice("provenance-header", classify.DefaultProvenanceHeaders, "Header kept on relayed messages (repeatable)")

	flags.Bool("remap-links", false, "Replace redirector links with their destination")
	flags.String("redirector-pattern", "", "Regex matching redirector links")
	flags.Bool("resolve-insecure", true, "Skip certificate checks when resolving redirector links")
	flags.Duration("resolve-timeout", 15*time.Second, "Timeout for each redirect lookup")
	flags.Bool("suppress-tracking-pixels", false, "Delete tracking pixel URLs")
	flags.String("tracking-pixel-pattern", "", "Regex matching tracking pixel URLs")
	flags.Bool("delete-html-parts", false, "Drop text/html parts from relayed messages")

	flags.Duration("poll-interval", 60*time.Second, "Delay between poll cycles")
	flags.Bool("once", false, "Run a single poll cycle and exit")
	flags.Bool("dry-run", false, "Classify messages without moving, archiving or sending")
	flags.String("journal", defaultJournal, "SQLite journal of processed messages; empty disables it")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files in addition to stdout")

	return nil
}

// LoadEnvFile loads a dotenv file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfig merges flags, REMAILER_* environment variables and the optional
// config file into a validated Config. Flags set on the command line win.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	return load(cmd, credential.Default())
}

func load(cmd *cobra.Command, creds *credential.Store) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, err
	}

	if err := LoadEnvFile(v.GetString("env-file")); err != nil {
		return Config{}, err
	}

	v.SetEnvPrefix("REMAILER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		IMAPHost:               v.GetString("imap-host"),
		IMAPPort:               v.GetInt("imap-port"),
		IMAPUser:               v.GetString("imap-user"),
		IMAPPass:               v.GetString("imap-pass"),
		IMAPSecurity:           strings.ToLower(v.GetString("imap-security")),
		InsecureSkipVerify:     v.GetBool("insecure-skip-verify"),
		SMTPHost:               v.GetString("smtp-host"),
		SMTPPort:               v.GetInt("smtp-port"),
		SMTPUser:               v.GetString("smtp-user"),
		SMTPPass:               v.GetString("smtp-pass"),
		SMTPSecurity:           strings.ToLower(v.GetString("smtp-security")),
		SMTPLocalName:          v.GetString("smtp-local-name"),
		SMTPInsecureSkipVerify: v.GetBool("smtp-insecure-skip-verify"),
		SMTPTimeout:            v.GetDuration("smtp-timeout"),
		UseKeyring:             v.GetBool("keyring"),
		Folders: folder.Set{
			Incoming:  v.GetString("incoming-folder"),
			Original:  v.GetString("original-folder"),
			NoTag:     v.GetString("notag-folder"),
			Exception: v.GetString("exception-folder"),
			Sent:      v.GetString("sent-folder"),
		},
		From:                   strings.TrimSpace(v.GetString("from")),
		TimeZone:               v.GetString("timezone"),
		ProvenanceHeaders:      v.GetStringSlice("provenance-header"),
		RemapLinks:             v.GetBool("remap-links"),
		RedirectorPattern:      v.GetString("redirector-pattern"),
		ResolveInsecure:        v.GetBool("resolve-insecure"),
		ResolveTimeout:         v.GetDuration("resolve-timeout"),
		SuppressTrackingPixels: v.GetBool("suppress-tracking-pixels"),
		TrackingPixelPattern:   v.GetString("tracking-pixel-pattern"),
		DeleteHTMLParts:        v.GetBool("delete-html-parts"),
		PollInterval:           v.GetDuration("poll-interval"),
		Once:                   v.GetBool("once"),
		DryRun:                 v.GetBool("dry-run"),
		JournalPath:            v.GetString("journal"),
		LogLevel:               strings.ToLower(v.GetString("log-level")),
		LogDir:                 v.GetString("log-dir"),
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.JournalPath != "" && cfg.JournalPath != ":memory:" {
		cfg.JournalPath = filepath.Clean(cfg.JournalPath)
	}

	var err error
	cfg.IMAPPass, err = creds.Resolve(credential.IMAP, cfg.IMAPPass, cfg.UseKeyring)
	if err != nil {
		return Config{}, err
	}
	cfg.SMTPPass, err = creds.Resolve(credential.SMTP, cfg.SMTPPass, cfg.UseKeyring)
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	if err := cfg.Folders.Validate(); err != nil {
		return err
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return fmt.Errorf("invalid --timezone: %w", err)
	}
	cfg.Location = loc

	if cfg.RemapLinks && strings.TrimSpace(cfg.RedirectorPattern) == "" {
		return fmt.Errorf("--remap-links requires --redirector-pattern")
	}
	if cfg.SuppressTrackingPixels && strings.TrimSpace(cfg.TrackingPixelPattern) == "" {
		return fmt.Errorf("--suppress-tracking-pixels requires --tracking-pixel-pattern")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}

	return nil
}

// ValidateMailbox checks the options needed to open an IMAP session.
func ValidateMailbox(cfg Config) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if cfg.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or the keyring")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	return validSecurity("--imap-security", cfg.IMAPSecurity)
}

// ValidateTransport checks the options needed to relay messages.
func ValidateTransport(cfg Config) error {
	if cfg.From == "" {
		return fmt.Errorf("--from is required")
	}
	if _, ok := rewrite.ValidateAddress(cfg.From); !ok {
		return fmt.Errorf("--from %q is not an email address", cfg.From)
	}
	if cfg.DryRun {
		return nil
	}
	if cfg.SMTPHost == "" {
		return fmt.Errorf("--smtp-host is required")
	}
	if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
		return fmt.Errorf("--smtp-port must be between 1 and 65535")
	}
	if cfg.SMTPUser != "" && cfg.SMTPPass == "" {
		return fmt.Errorf("SMTP password must be provided via --smtp-pass, SMTP_PASS env var or the keyring")
	}
	return validSecurity("--smtp-security", cfg.SMTPSecurity)
}

func validSecurity(flag, value string) error {
	switch value {
	case "tls", "starttls", "none":
		return nil
	}
	return fmt.Errorf("invalid %s: %s", flag, value)
}

// RewriteOptions returns the part pipeline toggles.
func (c Config) RewriteOptions() rewrite.Options {
	return rewrite.Options{
		RemapLinks:             c.RemapLinks,
		RedirectorPattern:      c.RedirectorPattern,
		SuppressTrackingPixels: c.SuppressTrackingPixels,
		TrackingPixelPattern:   c.TrackingPixelPattern,
		DeleteHTMLParts:        c.DeleteHTMLParts,
	}
}

func (c Config) ClassifyOptions() classify.Options {
	return classify.Options{
		From:              c.From,
		Location:          c.Location,
		ProvenanceHeaders: c.ProvenanceHeaders,
	}
}

func (c Config) RedirectOptions() redirect.Options {
	return redirect.Options{
		InsecureSkipVerify: c.ResolveInsecure,
		Timeout:            c.ResolveTimeout,
	}
}

func (c Config) IMAPOptions() imap.Options {
	return imap.Options{
		Host:               c.IMAPHost,
		Port:               c.IMAPPort,
		Username:           c.IMAPUser,
		Password:           c.IMAPPass,
		Security:           imap.Security(c.IMAPSecurity),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

func (c Config) SMTPOptions() smtp.Options {
	return smtp.Options{
		Host:               c.SMTPHost,
		Port:               c.SMTPPort,
		Username:           c.SMTPUser,
		Password:           c.SMTPPass,
		Security:           smtp.Security(c.SMTPSecurity),
		InsecureSkipVerify: c.SMTPInsecureSkipVerify,
		LocalName:          c.SMTPLocalName,
		Timeout:            c.SMTPTimeout,
	}
}

func defaultJournalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".remailer", "journal.db"), nil
}
