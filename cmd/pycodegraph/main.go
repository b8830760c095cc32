// Package main provides the pycodegraph CLI: the orchestrated pipeline
// (analyze) plus backup and cache management.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shiftcmd/pycodegraph/cmd/pycodegraph/commands"
	"github.com/shiftcmd/pycodegraph/pkg/version"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalidArgs = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "pycodegraph",
		Short:         "Analyze a Python source tree into a queryable code-knowledge graph",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	root.AddCommand(
		commands.NewAnalyzeCommand(&configPath),
		commands.NewBackupsCommand(&configPath),
		commands.NewCacheCommand(&configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "pycodegraph:", err)

		if commands.IsConfigError(err) {
			return exitInvalidArgs
		}

		return exitFailure
	}

	return exitOK
}
