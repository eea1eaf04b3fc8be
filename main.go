// Command epicenter is the entry point for the workspace engine's CLI
// surface (spec.md §6): it parses flags/environment via cli.RootCmd and
// runs the `serve` subcommand, exiting with the codes spec.md §6 reserves
// (0 success, 1 unrecoverable config error, 2 I/O error at startup).
package main

import (
	"fmt"
	"os"

	"github.com/Leftium/epicenter-sub001/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitConfig)
	}
}
