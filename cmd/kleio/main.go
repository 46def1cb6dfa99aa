// Package main provides the kleio command line interface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/Epistimio/kleio/cmd/kleio/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kleio",
		Short: "Kleio - journaled execution of computational experiments",
		Long: `Kleio journals every invocation of a user program as a trial:
its exact command line, configuration, code version and host, plus
everything it prints and measures while running. Trials are
content-addressed, resumable and branchable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			format := log.FormatJSON
			if log.IsTerminal() {
				format = log.FormatTerminal
			}
			ctx := log.Context(cmd.Context(), log.WithFormat(format))
			if commands.Verbosity >= 2 {
				ctx = log.Context(ctx, log.WithDebug())
			}
			cmd.SetContext(ctx)
		},
	}

	rootCmd.PersistentFlags().StringSliceVar(&commands.ConfigPaths, "config", nil, "configuration file(s), first match wins per key")
	rootCmd.PersistentFlags().BoolVar(&commands.Debug, "debug", false, "use the in-memory backend, nothing is persisted")
	rootCmd.PersistentFlags().CountVarP(&commands.Verbosity, "verbose", "v", "increase verbosity (-vv for debug logs)")

	rootCmd.AddCommand(
		commands.NewRunCommand(),
		commands.NewSaveCommand(),
		commands.NewExecCommand(),
		commands.NewBranchCommand(),
		commands.NewHuntCommand(),
		commands.NewCureCommand(),
		commands.NewSuspendCommand(),
		commands.NewSwitchoverCommand(),
		commands.NewStatusCommand(),
		commands.NewListCommand(),
		commands.NewInfoCommand(),
		commands.NewCatCommand(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
