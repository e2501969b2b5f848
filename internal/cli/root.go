package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/loftsync/internal/app"
	"github.com/roach88/loftsync/internal/clock"
	"github.com/roach88/loftsync/internal/config"
	"github.com/roach88/loftsync/internal/ids"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LocalDB    string
	Storage    string
	RemoteURL  string
	RemoteDSN  string
	CollabURL  string
	Token      string
	Verbose    bool
	Format     string // "json" | "text"

	// Clock, IDs and RemoteIDs override the app defaults (for testing).
	Clock     clock.Clock
	IDs       ids.Generator
	RemoteIDs ids.Generator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the loftsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loftsync",
		Short: "loftsync - local-first document sync",
		Long: `Local-first document sync: create workspaces, folders and documents
offline, push and pull them selectively, resolve conflicts, and adopt the
ids the cloud assigns on first sync.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	flags.StringVar(&opts.LocalDB, "db", "", "path to the local SQLite database (overrides config)")
	flags.StringVar(&opts.Storage, "storage", "", "document storage DSN (overrides config)")
	flags.StringVar(&opts.RemoteURL, "remote", "", "cloud base URL (overrides config)")
	flags.StringVar(&opts.RemoteDSN, "remote-dsn", "", "storage DSN used directly as the cloud (overrides config)")
	flags.StringVar(&opts.CollabURL, "collab", "", "live collaboration relay URL, ws:// or wss:// (overrides config)")
	flags.StringVar(&opts.Token, "token", "", "cloud bearer token (overrides config)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewNewCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewOpenCommand(opts))
	cmd.AddCommand(NewProvenanceCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewPushFolderCommand(opts))
	cmd.AddCommand(NewPushWorkspaceCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewLocalOnlyCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewUnifyCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig resolves the config file, env and flag overrides, in that
// order of increasing precedence.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.LocalDB != "" {
		cfg.LocalDB = o.LocalDB
	}
	if o.Storage != "" {
		cfg.Storage = o.Storage
	}
	if o.RemoteURL != "" {
		cfg.Remote.URL, cfg.Remote.DSN = o.RemoteURL, ""
	}
	if o.RemoteDSN != "" {
		cfg.Remote.DSN, cfg.Remote.URL = o.RemoteDSN, ""
	}
	if o.CollabURL != "" {
		cfg.Collab.URL = o.CollabURL
	}
	if o.Token != "" {
		cfg.Remote.Token = o.Token
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the slog handler for diagnostics on w.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openApp builds the App for one command invocation. Callers must Close it.
func (o *RootOptions) openApp(cmd *cobra.Command, f *OutputFormatter) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	a, err := app.New(app.Options{
		Config:    cfg,
		Clock:     o.Clock,
		IDs:       o.IDs,
		RemoteIDs: o.RemoteIDs,
		Logger:    logger,
	})
	if err != nil {
		f.Error(ErrCodeOpen, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open workspace data", err)
	}
	return a, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
