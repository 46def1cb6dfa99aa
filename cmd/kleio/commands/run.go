package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Epistimio/kleio/cmdline"
	"github.com/Epistimio/kleio/hostinfo"
	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/trial"
	"github.com/Epistimio/kleio/vcs"
	"github.com/Epistimio/kleio/worker"
)

// executionFlags are shared by the subcommands that spawn the user program.
type executionFlags struct {
	workingDir    string
	capture       bool
	heartbeatRate time.Duration
}

func (f *executionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.workingDir, "working-dir", "", "root directory for per-trial working dirs (default: temp dir)")
	cmd.Flags().BoolVar(&f.capture, "capture", false, "journal subprocess output without echoing it")
	cmd.Flags().DurationVar(&f.heartbeatRate, "heartbeat", worker.DefaultHeartbeatRate, "interval between liveness heartbeats")
}

func (f *executionFlags) consumer(se *session) (*worker.Consumer, error) {
	return worker.NewConsumer(worker.ConsumerOptions{
		Store:         se.s,
		WorkingDir:    f.workingDir,
		Database:      se.cfg.Database,
		Capture:       f.capture,
		Verbosity:     Verbosity,
		HeartbeatRate: f.heartbeatRate,
		Output:        os.Stdout,
	})
}

// NewRunCommand creates the run command: register the trial and execute it.
func NewRunCommand() *cobra.Command {
	var (
		exec executionFlags
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Register a trial for the given command line and execute it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			t, err := registerTrial(ctx, se, args, tags)
			if err != nil {
				return err
			}
			c, err := exec.consumer(se)
			if err != nil {
				return err
			}
			return c.Consume(ctx, t)
		},
	}
	exec.register(cmd)
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag the trial (repeatable)")
	return cmd
}

// NewSaveCommand creates the save command: register without executing.
func NewSaveCommand() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "save [flags] -- <command> [args...]",
		Short: "Register a trial for the given command line without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			t, err := registerTrial(ctx, se, args, tags)
			if err != nil {
				return err
			}
			fmt.Printf("Trial saved with id: %s\n", t.ShortID())
			fmt.Printf("Execute it with:\n$ kleio exec %s\n", t.ShortID())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag the trial (repeatable)")
	return cmd
}

// NewExecCommand creates the exec command: execute a registered trial.
func NewExecCommand() *cobra.Command {
	var exec executionFlags
	cmd := &cobra.Command{
		Use:   "exec <trial-id>",
		Short: "Execute a registered trial, resuming it if it was suspended",
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
			c, err := exec.consumer(se)
			if err != nil {
				return err
			}
			return c.Consume(ctx, t)
		},
	}
	exec.register(cmd)
	return cmd
}

// registerTrial builds the trial header for argv and saves it. An existing
// trial with the same identity is loaded instead, so run doubles as resume.
func registerTrial(ctx context.Context, se *session, argv, tags []string) (*trial.Trial, error) {
	configuration, err := cmdline.New().Parse(argv)
	if err != nil {
		return nil, fmt.Errorf("parse commandline: %w", err)
	}
	version := store.Document{}
	if script := vcs.UserScript(argv); script != "" {
		v, err := vcs.Infer(ctx, script)
		switch {
		case err == nil:
			version = v
		case errors.Is(err, vcs.ErrNoRepository):
		default:
			return nil, err
		}
	}

	t := trial.New(trial.Options{
		Host:          hostinfo.Fetch(ctx, se.cfg.HostEnvVars),
		Version:       version,
		Commandline:   argv,
		Configuration: asDocument(configuration),
	})
	if err := t.Save(ctx, se.s); err != nil {
		if !errors.Is(err, trial.ErrTrialExists) {
			return nil, err
		}
		fmt.Printf("Trial %s already registered, resuming it\n", t.ShortID())
		if t, err = trial.Load(ctx, se.s, t.ID(), trial.Interval{}); err != nil {
			return nil, err
		}
	}
	existing := map[string]bool{}
	for _, tag := range t.Tags() {
		existing[tag] = true
	}
	for _, tag := range tags {
		if existing[tag] {
			continue
		}
		if err := t.AddTag(ctx, se.s, tag); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func asDocument(m map[string]any) store.Document {
	out := make(store.Document, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
