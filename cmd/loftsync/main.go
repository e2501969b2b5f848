package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/loftsync/internal/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCommand()
	root.Version = version

	if err := root.Execute(); err != nil {
		// Commands print their own structured errors; this covers usage
		// and flag parsing failures.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(cli.ExitCommandError)
		}
		os.Exit(exitErr.Code)
	}
}
