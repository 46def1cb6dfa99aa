package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Epistimio/kleio/hostinfo"
	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/worker"
)

// NewHuntCommand creates the hunt command: the worker loop.
func NewHuntCommand() *cobra.Command {
	var (
		exec               executionFlags
		tags               []string
		allowHostChange    bool
		allowVersionChange bool
		allowAnyChange     bool
	)
	cmd := &cobra.Command{
		Use:   "hunt [flags]",
		Short: "Execute reservable trials matching the tag filter until none remain",
		Long: `Hunt repeatedly reserves and executes trials whose status allows
execution and which carry all the requested tags. A trial recorded on a
different host or code version is skipped unless the matching
--allow-*-change flag is set, in which case it is branched first and the
branch is executed here.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			c, err := exec.consumer(se)
			if err != nil {
				return err
			}
			w, err := worker.New(worker.Options{
				Store:              se.s,
				Consumer:           c,
				Tags:               tags,
				Host:               hostinfo.Fetch(ctx, se.cfg.HostEnvVars),
				Version:            store.Document{},
				AllowHostChange:    allowHostChange,
				AllowVersionChange: allowVersionChange,
				AllowAnyChange:     allowAnyChange,
			})
			if err != nil {
				return err
			}
			return w.Hunt(ctx)
		},
	}
	exec.register(cmd)
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "only hunt trials carrying all these tags")
	cmd.Flags().BoolVar(&allowHostChange, "allow-host-change", false, "branch and execute trials recorded on another host")
	cmd.Flags().BoolVar(&allowVersionChange, "allow-version-change", false, "branch and execute trials recorded on another code version")
	cmd.Flags().BoolVar(&allowAnyChange, "allow-any-change", false, "implies both --allow-host-change and --allow-version-change")
	return cmd
}

// NewCureCommand creates the cure command.
func NewCureCommand() *cobra.Command {
	var (
		exec      executionFlags
		threshold int
	)
	cmd := &cobra.Command{
		Use:   "cure",
		Short: "Mark running trials with stale heartbeats as failed over",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			cured, err := worker.Cure(ctx, se.s, exec.heartbeatRate, threshold)
			if err != nil {
				return err
			}
			if len(cured) == 0 {
				fmt.Println("No lost trial found")
				return nil
			}
			for _, id := range cured {
				fmt.Printf("Trial %s marked as failover\n", id[:7])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&exec.heartbeatRate, "heartbeat", worker.DefaultHeartbeatRate, "heartbeat interval the workers were started with")
	cmd.Flags().IntVar(&threshold, "threshold", worker.DefaultCureThreshold, "missed heartbeats before a worker is considered lost")
	return cmd
}
