package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSuspendCommand creates the suspend command.
func NewSuspendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend <trial-id>",
		Short: "Suspend a running trial; its worker stops at the next heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			t, err := se.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			if err := t.Suspend(ctx, se.s); err != nil {
				return err
			}
			fmt.Printf("Trial %s suspended\n", t.ShortID())
			fmt.Printf("Resume it with:\n$ kleio exec %s\n", t.ShortID())
			return nil
		},
	}
}

// NewSwitchoverCommand creates the switchover command.
func NewSwitchoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "switchover <trial-id>",
		Short: "Mark a broken or stuck-reserved trial as executable again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			t, err := se.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			if err := t.Switchover(ctx, se.s); err != nil {
				return err
			}
			fmt.Printf("Trial %s marked as executable\n", t.ShortID())
			return nil
		},
	}
}
