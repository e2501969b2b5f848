package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/loftsync/internal/app"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/registry"
	"github.com/roach88/loftsync/internal/selective"
	"github.com/roach88/loftsync/internal/status"
)

// withApp opens the App, runs fn and closes the App.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app.App, f *OutputFormatter) error) error {
	f := opts.formatter(cmd)
	a, err := opts.openApp(cmd, f)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			f.VerboseLog("close: %v", closeErr)
		}
	}()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a, f)
}

// reportResult prints a sync result; failures exit with ExitFailure.
func reportResult(f *OutputFormatter, res selective.Result) error {
	if res.Success {
		return f.Success(resultView{res})
	}
	code := ErrCodeSyncFailed
	switch {
	case res.Status == status.Conflict:
		code = ErrCodeConflict
	case res.Error == selective.ReasonNotAuthenticated:
		code = ErrCodeUnauthenticated
	case strings.HasSuffix(res.Error, "not found locally"):
		code = ErrCodeNotFound
	}
	f.Error(code, res.Error, resultView{res})
	return NewExitError(ExitFailure, res.Error)
}

// reportError prints err and maps it to an exit code: unknown ids are
// command errors, anything else is a failure.
func reportError(f *OutputFormatter, message string, err error) error {
	if errors.Is(err, localstore.ErrNotFound) || errors.Is(err, registry.ErrNotRegistered) {
		f.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, message, err)
	}
	if errors.Is(err, localstore.ErrIDTaken) {
		f.Error(ErrCodeInvalidArgs, err.Error(), nil)
		return WrapExitError(ExitCommandError, message, err)
	}
	f.Error(ErrCodeGeneric, err.Error(), nil)
	return WrapExitError(ExitFailure, message, err)
}

// invalidArgs prints and returns a usage-level error.
func invalidArgs(f *OutputFormatter, message string) error {
	f.Error(ErrCodeInvalidArgs, message, nil)
	return NewExitError(ExitCommandError, message)
}
