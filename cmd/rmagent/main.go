package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rmagent/internal/app"
)

const (
	exitCodeFailure = 1
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// run executes the CLI.
// Params: none.
// Returns: process exit code.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFailure
	}
	return 0
}

func main() {
	os.Exit(run())
}

// newRootCommand wires all subcommands.
// Params: none.
// Returns: root command.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rmagent",
		Short:         "Riemann host-check agent and event client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit=%s date=%s)", version, commit, date),
	}

	cmd.AddCommand(
		newRunCommand(),
		newSendCommand(),
		newQueryCommand(),
		newVersionCommand(),
	)
	return cmd
}

// newRunCommand starts the agent with SIGHUP-triggered config reload.
// Params: none.
// Returns: run command.
func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run configured checks and publish them to the collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			reloadSignal := make(chan os.Signal, 1)
			signal.Notify(reloadSignal, syscall.SIGHUP)
			defer signal.Stop(reloadSignal)

			reload := make(chan struct{}, 1)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-reloadSignal:
						select {
						case reload <- struct{}{}:
						default:
						}
					}
				}
			}()

			return app.Run(ctx, app.Runtime{ConfigPath: configPath, Reload: reload})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to TOML config file or directory")
	return cmd
}

// newVersionCommand prints build information.
// Params: none.
// Returns: version command.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rmagent version=%s commit=%s date=%s\n", version, commit, date)
		},
	}
}
