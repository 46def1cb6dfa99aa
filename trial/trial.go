// Package trial implements the event-sourced trial entity: the
// content-addressed immutable header, the replayed attributes (status, tags,
// stdout, stderr, statistics, artifacts) and the status state machine.
package trial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"goa.design/clue/log"

	"github.com/Epistimio/kleio/store"
)

// Trial statuses.
const (
	StatusNew         = "new"
	StatusReserved    = "reserved"
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusBroken      = "broken"
	StatusSuspended   = "suspended"
	StatusFailover    = "failover"
	StatusSwitchover  = "switchover"
	StatusBranched    = "branched"
)

// ReservableStatuses are the statuses a worker may reserve from.
var ReservableStatuses = []string{
	StatusNew, StatusSuspended, StatusInterrupted, StatusFailover, StatusSwitchover,
}

// IsReservable reports whether a worker may reserve a trial in this status.
func IsReservable(status string) bool {
	for _, s := range ReservableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Collection names.
const (
	CollectionImmutables = "trials.immutables"
	CollectionReports    = "trials.reports"
	CollectionStatus     = "status"
	CollectionTags       = "tags"
	CollectionStdout     = "stdout"
	CollectionStderr     = "stderr"
	CollectionStatistics = "statistics"
	CollectionArtifacts  = "artifacts"
)

var (
	// ErrTrialExists reports an identity collision on the immutable header.
	ErrTrialExists = errors.New("trial already exists")

	// ErrNotFound reports that no trial matches the given id.
	ErrNotFound = errors.New("trial not found")
)

// RaceConditionError reports that another writer changed the trial status
// underneath us. The caller should reload and decide.
type RaceConditionError struct {
	Msg string
}

func (e *RaceConditionError) Error() string { return e.Msg }

// IsRaceCondition reports whether err is a RaceConditionError.
func IsRaceCondition(err error) bool {
	var race *RaceConditionError
	return errors.As(err, &race)
}

// InvalidStateError reports a status transition not allowed by the state
// machine.
type InvalidStateError struct {
	From string
	To   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid transition from status %q to %q", e.From, e.To)
}

// Options holds the five immutable header fields plus the replay interval.
type Options struct {
	Refers        store.Document
	Host          store.Document
	Version       store.Document
	Commandline   []string
	Configuration store.Document
	Interval      Interval
}

// Trial is a content-addressed invocation of a user program plus all
// journalled state from its execution. The header fields never change after
// save; all mutable state flows through the event attributes.
type Trial struct {
	id            string
	refers        store.Document
	host          store.Document
	version       store.Document
	commandline   []string
	configuration store.Document
	interval      Interval

	status     *itemAttribute
	tags       *listAttribute
	stdout     *listAttribute
	stderr     *listAttribute
	statistics *listAttribute
	artifacts  *fileAttribute
}

// New builds a trial from its header fields, eagerly computing the id and
// binding the event attributes to it. The store is not touched until Save,
// Update or a status operation.
func New(opts Options) *Trial {
	refers := opts.Refers
	if refers == nil {
		refers = store.Document{"parent_id": nil, "timestamp": nil}
	}
	host := opts.Host
	if host == nil {
		host = store.Document{}
	}
	version := opts.Version
	if version == nil {
		version = store.Document{}
	}
	configuration := opts.Configuration
	if configuration == nil {
		configuration = store.Document{}
	}
	id := computeID(refers, host, version, opts.Commandline, configuration)
	return &Trial{
		id:            id,
		refers:        refers,
		host:          host,
		version:       version,
		commandline:   opts.Commandline,
		configuration: configuration,
		interval:      opts.Interval,
		status:        newItemAttribute(id, CollectionStatus, opts.Interval),
		tags:          newListAttribute(id, CollectionTags, opts.Interval),
		stdout:        newListAttribute(id, CollectionStdout, opts.Interval),
		stderr:        newListAttribute(id, CollectionStderr, opts.Interval),
		statistics:    newListAttribute(id, CollectionStatistics, opts.Interval),
		artifacts:     newFileAttribute(id, CollectionArtifacts, opts.Interval),
	}
}

// Load reads the immutable header of id and replays the event attributes
// within interval. Returns ErrNotFound when the id is unknown.
func Load(ctx context.Context, s store.Store, id string, interval Interval) (*Trial, error) {
	docs, err := s.Read(ctx, CollectionImmutables, store.Document{"_id": id}, nil)
	if err != nil {
		return nil, fmt.Errorf("load trial %s: %w", id, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t, err := fromHeader(docs[0], interval)
	if err != nil {
		return nil, err
	}
	if err := t.Update(ctx, s); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadPrefix resolves a short id prefix to a single trial. It errors when the
// prefix is ambiguous.
func LoadPrefix(ctx context.Context, s store.Store, prefix string, interval Interval) (*Trial, error) {
	docs, err := s.Read(ctx, CollectionImmutables,
		store.Document{"_id": store.Document{"$regex": "^" + prefix}}, nil)
	if err != nil {
		return nil, fmt.Errorf("search trial %s: %w", prefix, err)
	}
	switch len(docs) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
	default:
		ids := make([]string, len(docs))
		for i, doc := range docs {
			ids[i] = shortID(fmt.Sprintf("%v", doc["_id"]))
		}
		return nil, fmt.Errorf("trial id prefix %q is ambiguous: %v", prefix, ids)
	}
	t, err := fromHeader(docs[0], interval)
	if err != nil {
		return nil, err
	}
	if err := t.Update(ctx, s); err != nil {
		return nil, err
	}
	return t, nil
}

func fromHeader(doc store.Document, interval Interval) (*Trial, error) {
	cmdline, err := toStringSlice(doc["commandline"])
	if err != nil {
		return nil, fmt.Errorf("trial %v: %w", doc["_id"], err)
	}
	t := New(Options{
		Refers:        asDocument(doc["refers"]),
		Host:          asDocument(doc["host"]),
		Version:       asDocument(doc["version"]),
		Commandline:   cmdline,
		Configuration: asDocument(doc["configuration"]),
		Interval:      interval,
	})
	if stored := fmt.Sprintf("%v", doc["_id"]); stored != t.id {
		return nil, fmt.Errorf("trial %s: stored header hashes to %s", stored, t.id)
	}
	return t, nil
}

// ID returns the content-addressed trial id.
func (t *Trial) ID() string { return t.id }

// ShortID returns the first 7 hex characters of the id, for operator output.
func (t *Trial) ShortID() string { return shortID(t.id) }

func shortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// Refers returns the parent reference document.
func (t *Trial) Refers() store.Document { return t.refers }

// ParentID returns the parent trial id, empty for a root.
func (t *Trial) ParentID() string {
	if p, ok := t.refers["parent_id"].(string); ok {
		return p
	}
	return ""
}

// RefersTimestamp returns the branch bound, nil for a root.
func (t *Trial) RefersTimestamp() *time.Time {
	if ts, ok := t.refers["timestamp"].(time.Time); ok {
		return &ts
	}
	return nil
}

// Host returns the recorded host descriptor.
func (t *Trial) Host() store.Document { return t.host }

// Version returns the recorded code version descriptor.
func (t *Trial) Version() store.Document { return t.version }

// Commandline returns the canonical argv.
func (t *Trial) Commandline() []string { return t.commandline }

// Configuration returns the parsed configuration mapping.
func (t *Trial) Configuration() store.Document { return t.configuration }

// Status returns the replayed status; a trial with no status history is new.
func (t *Trial) Status() string {
	if v := t.status.Value(); v != nil {
		return fmt.Sprintf("%v", v)
	}
	return StatusNew
}

// StatusHistory returns the replayed status events.
func (t *Trial) StatusHistory() []Event { return t.status.History() }

// StartTime returns the runtime timestamp of the first status event.
func (t *Trial) StartTime() *time.Time {
	h := t.status.History()
	if len(h) == 0 {
		return nil
	}
	ts := h[0].RuntimeTimestamp
	return &ts
}

// EndTime returns the runtime timestamp of the last status event, which for
// a running trial is the last heartbeat.
func (t *Trial) EndTime() *time.Time {
	h := t.status.History()
	if len(h) == 0 {
		return nil
	}
	ts := h[len(h)-1].RuntimeTimestamp
	return &ts
}

// Tags returns the replayed tag list.
func (t *Trial) Tags() []string {
	values := t.tags.Values()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}

// Stdout returns the replayed stdout lines.
func (t *Trial) Stdout() []string { return stringValues(t.stdout) }

// Stderr returns the replayed stderr lines.
func (t *Trial) Stderr() []string { return stringValues(t.stderr) }

func stringValues(a *listAttribute) []string {
	values := a.Values()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}

// StdoutEvents returns the raw stdout events.
func (t *Trial) StdoutEvents() []Event { return t.stdout.History() }

// StderrEvents returns the raw stderr events.
func (t *Trial) StderrEvents() []Event { return t.stderr.History() }

// StatisticsEvents returns the raw statistics events.
func (t *Trial) StatisticsEvents() []Event { return t.statistics.History() }

// ArtifactEvents returns the raw artifact events.
func (t *Trial) ArtifactEvents() []Event { return t.artifacts.History() }

// Statistics returns the replayed statistics view.
func (t *Trial) Statistics() *Statistics {
	return newStatistics(t.statistics.History())
}

// UpdateStatus replays only the status history. The consumer heartbeat uses
// it while the output readers still own the stdout and stderr histories.
func (t *Trial) UpdateStatus(ctx context.Context, s store.Store) error {
	return t.status.Load(ctx, s)
}

// Update replays every event attribute from the store.
func (t *Trial) Update(ctx context.Context, s store.Store) error {
	for _, a := range []interface {
		Load(context.Context, store.Store) error
	}{t.status, t.tags, t.stdout, t.stderr, t.statistics, t.artifacts} {
		if err := a.Load(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Save inserts the immutable header, seeds the status history with new, and
// materializes the report document. Saving an already saved trial returns
// ErrTrialExists.
func (t *Trial) Save(ctx context.Context, s store.Store) error {
	header := store.Document{
		"_id":           t.id,
		"refers":        t.refers,
		"host":          t.host,
		"version":       t.version,
		"commandline":   toAnySlice(t.commandline),
		"configuration": t.configuration,
	}
	err := s.Insert(ctx, CollectionImmutables, header)
	switch {
	case store.IsDuplicateKey(err):
		return fmt.Errorf("%w: %s", ErrTrialExists, t.id)
	case err != nil:
		return fmt.Errorf("save trial %s: %w", t.id, err)
	}
	if len(t.status.History()) == 0 {
		if _, err := t.status.Set(ctx, s, StatusNew, time.Time{}); err != nil {
			return fmt.Errorf("seed status for trial %s: %w", t.id, err)
		}
	}
	log.Debug(ctx, log.KV{K: "msg", V: "trial saved"}, log.KV{K: "trial", V: t.ShortID()})
	return t.SaveReport(ctx, s)
}

// SaveReport rewrites the derived report document from the replayed state.
// Last writer wins; the event log stays authoritative.
func (t *Trial) SaveReport(ctx context.Context, s store.Store) error {
	registry := store.Document{"status": t.Status()}
	if ts := t.StartTime(); ts != nil {
		registry["start_time"] = *ts
	}
	if ts := t.EndTime(); ts != nil {
		registry["end_time"] = *ts
	}
	update := store.Document{"$set": store.Document{
		"refers":        t.refers,
		"host":          t.host,
		"version":       t.version,
		"commandline":   toAnySlice(t.commandline),
		"configuration": t.configuration,
		"tags":          toAnySlice(t.Tags()),
		"registry":      registry,
	}}
	if _, err := s.ReadAndWrite(ctx, CollectionReports, store.Document{"_id": t.id}, update); err != nil {
		return fmt.Errorf("save report for trial %s: %w", t.id, err)
	}
	return nil
}

// AddTag appends a tag and refreshes the report.
func (t *Trial) AddTag(ctx context.Context, s store.Store, tag string) error {
	if _, err := t.tags.Add(ctx, s, tag, time.Time{}); err != nil {
		return fmt.Errorf("add tag to trial %s: %w", t.id, err)
	}
	return t.SaveReport(ctx, s)
}

// LogStdout appends one stdout line.
func (t *Trial) LogStdout(ctx context.Context, s store.Store, line string) error {
	_, err := t.stdout.Add(ctx, s, line, time.Time{})
	return err
}

// LogStderr appends one stderr line.
func (t *Trial) LogStderr(ctx context.Context, s store.Store, line string) error {
	_, err := t.stderr.Add(ctx, s, line, time.Time{})
	return err
}

// LogStatistic appends a statistics item, optionally backdated and on behalf
// of another creator.
func (t *Trial) LogStatistic(ctx context.Context, s store.Store, item store.Document, runtime time.Time, creator string) error {
	_, err := t.statistics.AddAs(ctx, s, item, runtime, creator)
	return err
}

// LogArtifact stores the blob and journals it under filename, optionally
// backdated and on behalf of another creator.
func (t *Trial) LogArtifact(ctx context.Context, s store.Store, filename string, r io.Reader, metadata store.Document, runtime time.Time, creator string) error {
	_, err := t.artifacts.Add(ctx, s, filename, r, metadata, runtime, creator)
	return err
}

// Artifacts returns handles on the journalled blobs matching filename and
// query within the trial's interval.
func (t *Trial) Artifacts(ctx context.Context, s store.Store, filename string, query store.Document) ([]store.File, error) {
	return t.artifacts.Get(ctx, s, filename, query)
}

// --- status state machine ---

// Reserve transitions a reservable trial to reserved.
func (t *Trial) Reserve(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusReserved, ReservableStatuses, time.Time{})
}

// Running transitions a reserved trial to running.
func (t *Trial) Running(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusRunning, []string{StatusReserved}, time.Time{})
}

// Heartbeat re-asserts running, advancing the runtime timestamp that cure
// uses as the liveness clock.
func (t *Trial) Heartbeat(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusRunning, []string{StatusRunning}, time.Time{})
}

// Complete transitions a running trial to completed.
func (t *Trial) Complete(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusCompleted, []string{StatusRunning}, time.Time{})
}

// Broken transitions a running trial to broken.
func (t *Trial) Broken(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusBroken, []string{StatusRunning}, time.Time{})
}

// Interrupt transitions a running trial to interrupted.
func (t *Trial) Interrupt(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusInterrupted, []string{StatusRunning}, time.Time{})
}

// Suspend transitions a running trial to suspended.
func (t *Trial) Suspend(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusSuspended, []string{StatusRunning}, time.Time{})
}

// Switchover manually revives a reserved or broken trial.
func (t *Trial) Switchover(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusSwitchover, []string{StatusReserved, StatusBroken}, time.Time{})
}

// Failover revives a trial whose worker was lost. Cure calls this on stale
// running trials.
func (t *Trial) Failover(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusFailover, []string{StatusRunning}, time.Time{})
}

// Branched terminally marks a trial as superseded by a child.
func (t *Trial) Branched(ctx context.Context, s store.Store) error {
	return t.transition(ctx, s, StatusBranched, ReservableStatuses, time.Time{})
}

func (t *Trial) transition(ctx context.Context, s store.Store, to string, from []string, runtime time.Time) error {
	current := t.Status()
	allowed := false
	for _, f := range from {
		if f == current {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidStateError{From: current, To: to}
	}
	if _, err := t.status.Set(ctx, s, to, runtime); err != nil {
		if store.IsDuplicateKey(err) {
			return &RaceConditionError{
				Msg: fmt.Sprintf("status of trial %s changed concurrently while setting %q", t.ShortID(), to),
			}
		}
		return fmt.Errorf("set status %q on trial %s: %w", to, t.id, err)
	}
	log.Debug(ctx,
		log.KV{K: "msg", V: "status transition"},
		log.KV{K: "trial", V: t.ShortID()},
		log.KV{K: "from", V: current},
		log.KV{K: "to", V: to},
	)
	return t.SaveReport(ctx, s)
}

// --- helpers ---

func asDocument(v any) store.Document {
	if doc, ok := v.(store.Document); ok {
		return doc
	}
	return store.Document{}
}

func toStringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("commandline element %d is %T, not a string", i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("commandline is %T, not a list", v)
	}
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// EnsureIndexes creates the collection indexes the engine relies on.
func EnsureIndexes(ctx context.Context, s store.Store) error {
	if err := s.EnsureIndex(ctx, CollectionImmutables, []store.Key{{Field: "refers.parent_id", Order: store.Ascending}}, false); err != nil {
		return err
	}
	for _, keys := range [][]store.Key{
		{{Field: "tags", Order: store.Ascending}},
		{{Field: "registry.status", Order: store.Ascending}},
	} {
		if err := s.EnsureIndex(ctx, CollectionReports, keys, false); err != nil {
			return err
		}
	}
	events := []string{
		CollectionStatus, CollectionTags, CollectionStdout,
		CollectionStderr, CollectionStatistics, CollectionArtifacts,
	}
	for _, coll := range events {
		for _, field := range []string{"trial_id", "runtime_timestamp", "creation_timestamp"} {
			if err := s.EnsureIndex(ctx, coll, []store.Key{{Field: field, Order: store.Ascending}}, false); err != nil {
				return err
			}
		}
	}
	return nil
}
