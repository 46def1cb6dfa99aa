package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Epistimio/kleio/cmdline"
	"github.com/Epistimio/kleio/evc"
)

// NewBranchCommand creates the branch command.
func NewBranchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch <trial-id> [-- --key value ...]",
		Short: "Create a child trial inheriting the parent's history, with configuration overrides",
		Long: `Branch freezes the parent's history at its current end time and registers
a child trial whose configuration is the parent's command line with the
given option overrides applied. Positional arguments cannot be overridden.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			parent, err := se.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			overrides, err := cmdline.New().Parse(args[1:])
			if err != nil {
				return fmt.Errorf("parse overrides: %w", err)
			}
			child, err := evc.Branch(ctx, se.s, parent.ID(), evc.BranchOptions{
				Overrides: overrides,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Trial %s branched into %s\n", parent.ShortID(), child.Trial().ShortID())
			fmt.Printf("Execute the branch with:\n$ kleio exec %s\n", child.Trial().ShortID())
			return nil
		},
	}
	return cmd
}
