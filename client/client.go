// Package client is the in-process journaling library for user programs. A
// program launched by a worker finds its trial id in the environment and logs
// statistics and artifacts against it; outside a worker the package degrades
// to a backup logger that only echoes.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/Epistimio/kleio/config"
	"github.com/Epistimio/kleio/evc"
	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/trial"
)

// ErrNotActive is returned when an operation requires a live journaling
// session but KLEIO_TRIAL_ID is not set.
var ErrNotActive = errors.New("kleio is not active: KLEIO_TRIAL_ID is not set")

// Journal is what user programs log through. Logger implements it against the
// store, BackupLogger against stderr.
type Journal interface {
	// TrialID identifies the trial being journalled, empty for the backup.
	TrialID() string
	// LogStatistic appends one measurement document.
	LogStatistic(ctx context.Context, values store.Document) error
	// LogArtifact stores the blob and journals it under filename.
	LogArtifact(ctx context.Context, filename string, r io.Reader, metadata store.Document) error
	// LoadConfiguration returns the composed configuration.
	LoadConfiguration(ctx context.Context) (store.Document, error)
	// LoadStatistics returns the composed statistics view.
	LoadStatistics(ctx context.Context) (*trial.Statistics, error)
	// LoadArtifacts returns handles on the composed artifacts matching
	// filename and query. Handles support chunked reads and full download.
	LoadArtifacts(ctx context.Context, filename string, query store.Document) ([]store.File, error)
	// Close releases the underlying store when the journal owns it.
	Close(ctx context.Context) error
}

// IsOn reports whether the process runs under a worker.
func IsOn() bool { return os.Getenv(config.EnvTrialID) != "" }

// Open returns the journal for this process: a Logger bound to the trial
// named by the environment, or a BackupLogger when there is none. The
// database settings come from the same environment contract the worker set.
func Open(ctx context.Context) (Journal, error) {
	if !IsOn() {
		return &BackupLogger{out: os.Stderr}, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	s, err := config.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l, err := NewLogger(ctx, s, os.Getenv(config.EnvTrialID))
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	l.ownsStore = true
	log.Debug(ctx, log.KV{K: "msg", V: "journal opened"}, log.KV{K: "trial", V: l.node.Trial().ShortID()})
	return l, nil
}

// Logger journals against its own trial.
type Logger struct {
	store     store.Store
	node      *evc.Node
	ownsStore bool
}

// NewLogger binds a journal to the trial with the given id.
func NewLogger(ctx context.Context, s store.Store, trialID string) (*Logger, error) {
	node, err := evc.Load(ctx, s, trialID, trial.Interval{})
	if err != nil {
		return nil, fmt.Errorf("load trial %q: %w", trialID, err)
	}
	return &Logger{store: s, node: node}, nil
}

// TrialID returns the id of the journalled trial.
func (l *Logger) TrialID() string { return l.node.Trial().ID() }

// LogStatistic appends one measurement at the current runtime.
func (l *Logger) LogStatistic(ctx context.Context, values store.Document) error {
	return l.node.Trial().LogStatistic(ctx, l.store, values, time.Time{}, "")
}

// LogArtifact stores the blob and journals it under filename.
func (l *Logger) LogArtifact(ctx context.Context, filename string, r io.Reader, metadata store.Document) error {
	return l.node.Trial().LogArtifact(ctx, l.store, filename, r, metadata, time.Time{}, "")
}

// LoadConfiguration returns the composed configuration, branch history
// included.
func (l *Logger) LoadConfiguration(ctx context.Context) (store.Document, error) {
	return l.node.Configuration(ctx)
}

// LoadStatistics returns the composed statistics view.
func (l *Logger) LoadStatistics(ctx context.Context) (*trial.Statistics, error) {
	return l.node.Statistics(ctx)
}

// LoadArtifacts returns handles on the composed artifacts.
func (l *Logger) LoadArtifacts(ctx context.Context, filename string, query store.Document) ([]store.File, error) {
	return l.node.Artifacts(ctx, filename, query)
}

// Close releases the store when the journal opened it.
func (l *Logger) Close(ctx context.Context) error {
	if !l.ownsStore {
		return nil
	}
	return l.store.Close(ctx)
}

// AnalyzeLogger journals measurements into another trial on behalf of this
// process, typically a post-hoc analysis writing derived statistics back into
// the trial it analyzes.
type AnalyzeLogger struct {
	Logger
	// creatorID marks inserted events as coming from the analyzing trial.
	creatorID string
	// ownTags defaults the tags field on inserted statistics.
	ownTags []string
}

// OpenAnalyze binds a journal to the target trial, with the current process's
// trial as creator. It requires an active session.
func OpenAnalyze(ctx context.Context, targetID string) (*AnalyzeLogger, error) {
	if !IsOn() {
		return nil, ErrNotActive
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	s, err := config.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := NewAnalyzeLogger(ctx, s, targetID, os.Getenv(config.EnvTrialID))
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	a.ownsStore = true
	return a, nil
}

// NewAnalyzeLogger binds a journal to targetID with creatorID as the event
// creator. The creator trial's tags become the default tags on inserted
// statistics.
func NewAnalyzeLogger(ctx context.Context, s store.Store, targetID, creatorID string) (*AnalyzeLogger, error) {
	l, err := NewLogger(ctx, s, targetID)
	if err != nil {
		return nil, err
	}
	creator, err := trial.Load(ctx, s, creatorID, trial.Interval{})
	if err != nil {
		return nil, fmt.Errorf("load creator trial %q: %w", creatorID, err)
	}
	return &AnalyzeLogger{
		Logger:    *l,
		creatorID: creatorID,
		ownTags:   creator.Tags(),
	}, nil
}

// InsertStatistic backdates one measurement into the target trial, marked
// with the analyzing trial as creator. Concurrent writers race on the event
// sequence; losing the race replays the target and retries.
func (a *AnalyzeLogger) InsertStatistic(ctx context.Context, timestamp time.Time, values store.Document) error {
	if _, ok := values["tags"]; !ok && len(a.ownTags) > 0 {
		values = cloneWith(values, "tags", strings.Join(a.ownTags, ";"))
	}
	t := a.node.Trial()
	for {
		err := t.LogStatistic(ctx, a.store, values, timestamp, a.creatorID)
		if err == nil {
			return nil
		}
		if !store.IsDuplicateKey(err) {
			return err
		}
		if err := t.Update(ctx, a.store); err != nil {
			return err
		}
	}
}

func cloneWith(doc store.Document, key string, value any) store.Document {
	out := make(store.Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[key] = value
	return out
}

// BackupLogger is the degraded journal used outside a worker: writes echo to
// out, reads return empty results.
type BackupLogger struct {
	out io.Writer
}

// NewBackupLogger returns a backup journal echoing to out.
func NewBackupLogger(out io.Writer) *BackupLogger {
	if out == nil {
		out = os.Stderr
	}
	return &BackupLogger{out: out}
}

func (b *BackupLogger) TrialID() string { return "" }

func (b *BackupLogger) LogStatistic(_ context.Context, values store.Document) error {
	fmt.Fprintf(b.out, "kleio is not active, statistic not journalled: %v\n", values)
	return nil
}

func (b *BackupLogger) LogArtifact(_ context.Context, filename string, _ io.Reader, _ store.Document) error {
	fmt.Fprintf(b.out, "kleio is not active, artifact %q not journalled\n", filename)
	return nil
}

func (b *BackupLogger) LoadConfiguration(context.Context) (store.Document, error) {
	return store.Document{}, nil
}

func (b *BackupLogger) LoadStatistics(context.Context) (*trial.Statistics, error) {
	return trial.NewStatistics(nil), nil
}

func (b *BackupLogger) LoadArtifacts(context.Context, string, store.Document) ([]store.File, error) {
	return nil, nil
}

func (b *BackupLogger) Close(context.Context) error { return nil }
