package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/loftsync/internal/collab"
	"github.com/roach88/loftsync/internal/storage"
	"github.com/roach88/loftsync/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr   string
	Tokens []string

	// OnListen is called with the bound address once the server accepts
	// connections (for testing).
	OnListen func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development cloud: REST API plus live collaboration relay",
		Long: `Run a development cloud backed by a storage DSN (remote.dsn in the
config, --remote-dsn, or memory:// by default).

  POST/GET/PUT /v1/{workspaces|folders|documents}[/{id}]
  GET          /collab/{doc-id}   (WebSocket relay)

Example:
  loftsync serve --addr 127.0.0.1:8080 --remote-dsn sqlite:///tmp/cloud.db --tokens dev`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringSliceVar(&opts.Tokens, "tokens", nil, "accepted bearer tokens (none accepts every request)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		f.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	dsn := cfg.Remote.DSN
	if dsn == "" {
		dsn = "memory://"
	}
	provider, err := storage.Open(dsn)
	if err != nil {
		f.Error(ErrCodeOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open cloud storage", err)
	}
	defer func() {
		if closeErr := provider.Close(); closeErr != nil {
			logger.Error("error closing cloud storage", "error", closeErr)
		}
	}()

	var remoteOpts []transport.RemoteOption
	if opts.Clock != nil {
		remoteOpts = append(remoteOpts, transport.WithRemoteClock(opts.Clock))
	}
	backend := transport.NewStoreRemote(provider, remoteOpts...)
	mux := http.NewServeMux()
	mux.Handle("/v1/", transport.NewHandler(backend, opts.Tokens, logger))
	mux.Handle("GET /collab/{doc}", collab.NewRelay(logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		f.Error(ErrCodeOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	logger.Info("cloud serving", "addr", addr, "dsn", dsn, "tokens", len(opts.Tokens))
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s (collab at ws://%s/collab/{doc})\n", addr, addr)
	if opts.OnListen != nil {
		opts.OnListen(addr)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	logger.Info("cloud stopped gracefully")
	return nil
}
