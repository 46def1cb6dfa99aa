// Package worker implements the tag-filtered reservation loop, the consumer
// that supervises the user subprocess with heartbeats, and the cure scan that
// revives trials whose worker was lost.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/Epistimio/kleio/config"
	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/trial"
)

// DefaultHeartbeatRate is how often a running trial attests liveness.
const DefaultHeartbeatRate = 10 * time.Second

var (
	// ErrSuspended propagates a local SIGINT after the trial has been
	// suspended; the hunt loop stops on it.
	ErrSuspended = errors.New("execution suspended by user")

	// ErrInterrupted propagates a SIGTERM after the trial has been
	// interrupted; the hunt loop stops on it.
	ErrInterrupted = errors.New("execution interrupted by signal")

	// errRemoteSuspend cancels supervision when a heartbeat discovers the
	// trial was suspended from another process. The hunt loop swallows it.
	errRemoteSuspend = errors.New("trial suspended remotely")
)

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Store store.Store
	// WorkingDir is the root under which per-trial directories are created.
	WorkingDir string
	// Database is forwarded to the subprocess environment so the client
	// library can journal against the same store.
	Database config.Database
	// Capture silences the echo of subprocess output to the worker's own
	// streams; the event log always receives it.
	Capture bool
	// Verbosity is forwarded as KLEIO_VERBOSITY.
	Verbosity     int
	HeartbeatRate time.Duration
	// Output receives operator messages and echoed subprocess output.
	Output io.Writer
}

// Consumer executes one trial at a time: reserve, run the subprocess under
// supervision, commit the terminal status.
type Consumer struct {
	store         store.Store
	rootDir       string
	db            config.Database
	capture       bool
	verbosity     int
	heartbeatRate time.Duration
	out           io.Writer
}

// NewConsumer validates opts and returns a Consumer.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = os.TempDir()
	}
	rate := opts.HeartbeatRate
	if rate <= 0 {
		rate = DefaultHeartbeatRate
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	return &Consumer{
		store:         opts.Store,
		rootDir:       filepath.Join(workingDir, "kleio"),
		db:            opts.Database,
		capture:       opts.Capture,
		verbosity:     opts.Verbosity,
		heartbeatRate: rate,
		out:           out,
	}, nil
}

// Consume reserves t, runs it to completion and commits the terminal status.
// The terminal status is always set here, never inside launch. A failed
// reservation is not an error for the hunt loop; it logs and returns nil.
func (c *Consumer) Consume(ctx context.Context, t *trial.Trial) error {
	if err := t.Reserve(ctx, c.store); err != nil {
		fmt.Fprintf(c.out, "Failed to reserve '%s': %s\n", t.ShortID(), err)
		if t.Status() == trial.StatusBroken {
			fmt.Fprintf(c.out, "You can mark a broken trial as executable with:\n")
			fmt.Fprintf(c.out, "$ kleio switchover %s\n", t.ShortID())
		}
		if trial.IsRaceCondition(err) || isInvalidState(err) {
			return nil
		}
		return err
	}
	fmt.Fprintf(c.out, "Trial reserved with id: %s\n", t.ShortID())

	workingDir := filepath.Join(c.rootDir, t.ShortID())
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return fmt.Errorf("create working dir %s: %w", workingDir, err)
	}

	if err := t.Running(ctx, c.store); err != nil {
		return err
	}
	code, err := c.launch(ctx, t, workingDir)
	switch {
	case errors.Is(err, errRemoteSuspend):
		// The suspended status was already written remotely; leave it.
		fmt.Fprintf(c.out, "Execution of '%s' suspended remotely\n", t.ShortID())
		return nil
	case errors.Is(err, ErrSuspended):
		fmt.Fprintf(c.out, "\nExecution of '%s' interrupted by user\n", t.ShortID())
		fmt.Fprintf(c.out, "Execution can be resumed with:\n$ kleio exec %s\n", t.ShortID())
		// The status may already have moved remotely; both the sequence
		// race and the stale local state are benign here.
		if serr := t.Suspend(ctx, c.store); serr != nil && !trial.IsRaceCondition(serr) && !isInvalidState(serr) {
			return serr
		}
		return ErrSuspended
	case errors.Is(err, ErrInterrupted):
		if serr := t.Interrupt(ctx, c.store); serr != nil && !trial.IsRaceCondition(serr) {
			return serr
		}
		return ErrInterrupted
	case err != nil:
		if berr := t.Broken(ctx, c.store); berr != nil && !trial.IsRaceCondition(berr) {
			log.Error(ctx, berr, log.KV{K: "trial", V: t.ShortID()})
		}
		return err
	case code != 0:
		fmt.Fprintf(c.out, "Process returned with code %d\n", code)
		fmt.Fprintf(c.out, "You can check the log with:\n$ kleio cat --stderr %s\n", t.ShortID())
		fmt.Fprintf(c.out, "To retry, mark the trial as executable with:\n$ kleio switchover %s\n", t.ShortID())
		return t.Broken(ctx, c.store)
	default:
		fmt.Fprintf(c.out, "Trial successfully executed\n")
		return t.Complete(ctx, c.store)
	}
}

// launch spawns the user process with the journaling environment and
// supervises it with three concurrent tasks: stdout reader, stderr reader
// and heartbeat. It returns the exit code; the caller owns the terminal
// status.
func (c *Consumer) launch(ctx context.Context, t *trial.Trial, workingDir string) (int, error) {
	argv := t.Commandline()
	if len(argv) == 0 {
		return -1, errors.New("trial has an empty commandline")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(),
		config.EnvTrialID+"="+t.ID(),
		config.EnvDBName+"="+c.db.Name,
		config.EnvDBType+"="+c.db.Type,
		config.EnvDBAddress+"="+c.db.Address,
		fmt.Sprintf("%s=%d", config.EnvVerbosity, c.verbosity),
		"PYTHONUNBUFFERED=1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}

	// Signal handlers live exactly as long as the supervision scope. The
	// child is never killed; it is expected to exit on its own signal.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %q: %w", argv[0], err)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		c.logStream(ctx, stdout, t.LogStdout)
	}()
	go func() {
		defer readers.Done()
		c.logStream(ctx, stderr, t.LogStderr)
	}()

	heartbeatStop := make(chan struct{})
	heartbeatErr := make(chan error, 1)
	go func() {
		heartbeatErr <- c.heartbeat(ctx, t, heartbeatStop)
	}()

	// One-shot latch: only the first signal decides the terminal status.
	var caught os.Signal
	sigDone := make(chan struct{})
	go func() {
		defer close(sigDone)
		select {
		case caught = <-sigCh:
		case <-heartbeatStop:
		}
	}()

	// Readers drain to EOF, then the process is reaped. A remote suspend
	// discovered by the heartbeat cancels the wait instead: the child is
	// never killed, the detached waiter reaps it whenever it exits.
	waitDone := make(chan error, 1)
	go func() {
		readers.Wait()
		waitDone <- cmd.Wait()
	}()

	var waitErr error
	select {
	case <-heartbeatErr:
		// The heartbeat only returns before being stopped on a remote
		// suspend.
		close(heartbeatStop)
		<-sigDone
		return -1, errRemoteSuspend
	case waitErr = <-waitDone:
	}
	close(heartbeatStop)
	<-sigDone

	if hbErr := <-heartbeatErr; errors.Is(hbErr, errRemoteSuspend) {
		return cmd.ProcessState.ExitCode(), errRemoteSuspend
	}
	switch caught {
	case os.Interrupt:
		return cmd.ProcessState.ExitCode(), ErrSuspended
	case syscall.SIGTERM:
		return cmd.ProcessState.ExitCode(), ErrInterrupted
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return -1, waitErr
	}
	return cmd.ProcessState.ExitCode(), nil
}

// logStream journals lines until EOF, echoing them unless capture is on.
func (c *Consumer) logStream(ctx context.Context, r io.Reader, logLine func(context.Context, store.Store, string) error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if err := logLine(ctx, c.store, line); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "dropping output line"})
		}
		if !c.capture {
			fmt.Fprintln(c.out, line)
		}
	}
}

// heartbeat re-asserts running every heartbeatRate. A race on the status
// append means someone else wrote a status; when it reads back suspended the
// supervision scope is cancelled via errRemoteSuspend.
func (c *Consumer) heartbeat(ctx context.Context, t *trial.Trial, stop <-chan struct{}) error {
	ticker := time.NewTicker(c.heartbeatRate)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			err := t.Heartbeat(ctx, c.store)
			if err == nil {
				continue
			}
			if !trial.IsRaceCondition(err) && !isInvalidState(err) {
				log.Error(ctx, err, log.KV{K: "msg", V: "heartbeat failed"}, log.KV{K: "trial", V: t.ShortID()})
				continue
			}
			// Only the status history may be replayed here: the reader
			// goroutines still own the output histories.
			if uerr := t.UpdateStatus(ctx, c.store); uerr != nil {
				log.Error(ctx, uerr, log.KV{K: "trial", V: t.ShortID()})
				continue
			}
			if t.Status() == trial.StatusSuspended {
				return errRemoteSuspend
			}
		}
	}
}

func isInvalidState(err error) bool {
	var invalid *trial.InvalidStateError
	return errors.As(err, &invalid)
}
