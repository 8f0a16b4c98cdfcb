package main

import (
	"fmt"
	"os"

	"github.com/piwi3910/rdmaxfer/cmd/rdmaxfer/commands"
	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/session"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	metrics.Version = Version

	rootCmd := commands.NewRootCmd(Version, Commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(session.ExitCode(err))
	}
}
