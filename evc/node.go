// Package evc implements the Evolutionary-Version-Control tree: parent and
// child relationships created by branching, and the time-bounded composition
// of parent and child event streams into unified views.
package evc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"goa.design/clue/log"

	"github.com/Epistimio/kleio/cmdline"
	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/trial"
)

// TimedValue is one step in the evolution of a composed header field across
// branch boundaries.
type TimedValue struct {
	Timestamp time.Time
	Value     any
}

// TimedCommandline is a commandline stamped with its trial's start time.
type TimedCommandline struct {
	Timestamp time.Time
	Argv      []string
}

// Node wraps a trial and lazily resolves its parent and children through the
// store. The parent is loaded once as a view frozen at the branch timestamp;
// children are discovered by querying the immutable headers.
type Node struct {
	trial *trial.Trial
	store store.Store

	parent         *Node
	parentLoaded   bool
	children       []*Node
	childrenLoaded bool
}

// Load reads the trial and wraps it in a node.
func Load(ctx context.Context, s store.Store, id string, interval trial.Interval) (*Node, error) {
	t, err := trial.Load(ctx, s, id, interval)
	if err != nil {
		return nil, err
	}
	return &Node{trial: t, store: s}, nil
}

// LoadPrefix resolves a short id prefix and wraps the trial in a node.
func LoadPrefix(ctx context.Context, s store.Store, prefix string, interval trial.Interval) (*Node, error) {
	t, err := trial.LoadPrefix(ctx, s, prefix, interval)
	if err != nil {
		return nil, err
	}
	return &Node{trial: t, store: s}, nil
}

// Wrap builds a node around an already loaded trial.
func Wrap(s store.Store, t *trial.Trial) *Node {
	return &Node{trial: t, store: s}
}

// Trial returns the wrapped trial.
func (n *Node) Trial() *trial.Trial { return n.trial }

// Parent returns the parent node, nil for a root. The parent trial is loaded
// as a view under (nil, refers.timestamp] so nothing past the branch point is
// visible through this node.
func (n *Node) Parent(ctx context.Context) (*Node, error) {
	if n.parentLoaded {
		return n.parent, nil
	}
	n.parentLoaded = true
	parentID := n.trial.ParentID()
	if parentID == "" {
		return nil, nil
	}
	parent, err := Load(ctx, n.store, parentID, trial.Interval{Hi: n.trial.RefersTimestamp()})
	if err != nil {
		return nil, fmt.Errorf("load parent of trial %s: %w", n.trial.ShortID(), err)
	}
	n.parent = parent
	return n.parent, nil
}

// Children returns the nodes whose refers.parent_id points at this trial.
func (n *Node) Children(ctx context.Context) ([]*Node, error) {
	if n.childrenLoaded {
		return n.children, nil
	}
	docs, err := n.store.Read(ctx, trial.CollectionImmutables,
		store.Document{"refers.parent_id": n.trial.ID()},
		&store.ReadOptions{Projection: store.Document{"_id": 1}})
	if err != nil {
		return nil, fmt.Errorf("load children of trial %s: %w", n.trial.ShortID(), err)
	}
	n.childrenLoaded = true
	for _, doc := range docs {
		child, err := Load(ctx, n.store, fmt.Sprintf("%v", doc["_id"]), trial.Interval{})
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)
	}
	return n.children, nil
}

// Stdout concatenates the parent's composed stdout with this trial's.
func (n *Node) Stdout(ctx context.Context) ([]string, error) {
	return n.composedLines(ctx, (*trial.Trial).Stdout, (*Node).Stdout)
}

// Stderr concatenates the parent's composed stderr with this trial's.
func (n *Node) Stderr(ctx context.Context) ([]string, error) {
	return n.composedLines(ctx, (*trial.Trial).Stderr, (*Node).Stderr)
}

func (n *Node) composedLines(ctx context.Context, own func(*trial.Trial) []string, composed func(*Node, context.Context) ([]string, error)) ([]string, error) {
	lines := own(n.trial)
	parent, err := n.Parent(ctx)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return lines, nil
	}
	inherited, err := composed(parent, ctx)
	if err != nil {
		return nil, err
	}
	return append(inherited, lines...), nil
}

// Statistics composes the parent's statistics history with this trial's.
func (n *Node) Statistics(ctx context.Context) (*trial.Statistics, error) {
	own := trial.NewStatistics(n.trial.StatisticsEvents())
	parent, err := n.Parent(ctx)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return own, nil
	}
	inherited, err := parent.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	return inherited.Merge(own), nil
}

// Artifacts chains the parent's contribution then this trial's, each handle
// carrying the blob metadata it was stored with.
func (n *Node) Artifacts(ctx context.Context, filename string, query store.Document) ([]store.File, error) {
	own, err := n.trial.Artifacts(ctx, n.store, filename, query)
	if err != nil {
		return nil, err
	}
	parent, err := n.Parent(ctx)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return own, nil
	}
	inherited, err := parent.Artifacts(ctx, filename, query)
	if err != nil {
		return nil, err
	}
	return append(inherited, own...), nil
}

// Commandlines returns the commandline evolution along the branch chain,
// oldest first.
func (n *Node) Commandlines(ctx context.Context) ([]TimedCommandline, error) {
	own := TimedCommandline{Argv: n.trial.Commandline()}
	if ts := n.trial.StartTime(); ts != nil {
		own.Timestamp = *ts
	}
	parent, err := n.Parent(ctx)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return []TimedCommandline{own}, nil
	}
	inherited, err := parent.Commandlines(ctx)
	if err != nil {
		return nil, err
	}
	return append(inherited, own), nil
}

// Configuration returns the composed configuration: keys unchanged across
// branch boundaries map to their scalar value, changed keys map to the
// ordered []TimedValue history of the change.
func (n *Node) Configuration(ctx context.Context) (store.Document, error) {
	return n.composedDiff(ctx, (*trial.Trial).Configuration, (*Node).Configuration)
}

// Hosts returns the composed host descriptor diff across branch boundaries.
func (n *Node) Hosts(ctx context.Context) (store.Document, error) {
	return n.composedDiff(ctx, (*trial.Trial).Host, (*Node).Hosts)
}

// Versions returns the composed version descriptor diff across branch
// boundaries.
func (n *Node) Versions(ctx context.Context) (store.Document, error) {
	return n.composedDiff(ctx, (*trial.Trial).Version, (*Node).Versions)
}

func (n *Node) composedDiff(ctx context.Context, own func(*trial.Trial) store.Document, composed func(*Node, context.Context) (store.Document, error)) (store.Document, error) {
	parent, err := n.Parent(ctx)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return own(n.trial), nil
	}
	inherited, err := composed(parent, ctx)
	if err != nil {
		return nil, err
	}
	return eventBasedDiff(parent.boundTime(), n.startTime(), inherited, own(n.trial)), nil
}

// boundTime is the instant the parent's contribution is stamped with: its
// end time within the view, falling back to the child's branch timestamp.
func (n *Node) boundTime() time.Time {
	if ts := n.trial.EndTime(); ts != nil {
		return *ts
	}
	if ts := n.trial.RefersTimestamp(); ts != nil {
		return *ts
	}
	return time.Time{}
}

func (n *Node) startTime() time.Time {
	if ts := n.trial.StartTime(); ts != nil {
		return *ts
	}
	return time.Time{}
}

// eventBasedDiff merges new over old at the flattened key level. A key whose
// value is identical on both sides stays a scalar; a changed key becomes (or
// extends) a []TimedValue history, the old value stamped at oldTime and the
// new one at newTime. A key only present on the new side starts its history
// at newTime.
func eventBasedDiff(oldTime, newTime time.Time, old, new store.Document) store.Document {
	flat := Flatten(old)
	for key, newItem := range Flatten(new) {
		prior, ok := flat[key]
		if !ok {
			flat[key] = []TimedValue{{Timestamp: newTime, Value: newItem}}
			continue
		}
		if history, isHistory := prior.([]TimedValue); isHistory {
			if !reflect.DeepEqual(history[len(history)-1].Value, newItem) {
				flat[key] = append(history, TimedValue{Timestamp: newTime, Value: newItem})
			}
			continue
		}
		if reflect.DeepEqual(prior, newItem) {
			continue
		}
		flat[key] = []TimedValue{
			{Timestamp: oldTime, Value: prior},
			{Timestamp: newTime, Value: newItem},
		}
	}
	return Unflatten(flat)
}

// BranchOptions tunes Branch. Zero values inherit from the parent.
type BranchOptions struct {
	// Timestamp bounds the inherited parent history. Nil means the parent's
	// current end time as stored.
	Timestamp *time.Time
	// Overrides are configuration keys merged over the parent's through the
	// commandline round-trip.
	Overrides map[string]any
	// Version is the child's code version; nil inherits the parent's.
	Version store.Document
	// Host is the child's host descriptor; nil inherits the parent's.
	Host store.Document
}

// Branch creates a child of parentID: it freezes a view of the parent at the
// branch timestamp, merges the configuration overrides through the command
// parser round-trip, saves the child with refers pointing at the parent and
// copies the parent's tags. A duplicate child id means another worker
// branched first and surfaces as a race condition.
func Branch(ctx context.Context, s store.Store, parentID string, opts BranchOptions) (*Node, error) {
	parent, err := Load(ctx, s, parentID, trial.Interval{Hi: opts.Timestamp})
	if err != nil {
		return nil, err
	}
	timestamp := opts.Timestamp
	if timestamp == nil {
		// The stored end time is already millisecond-truncated, so the
		// child's hash cannot drift from sub-millisecond precision loss.
		timestamp = parent.trial.EndTime()
	}
	if timestamp == nil {
		return nil, fmt.Errorf("trial %s has no event history to branch from", parent.trial.ShortID())
	}

	parser := cmdline.New()
	merged, err := parser.Parse(parent.trial.Commandline())
	if err != nil {
		return nil, fmt.Errorf("parse commandline of trial %s: %w", parent.trial.ShortID(), err)
	}
	for k, v := range opts.Overrides {
		merged[k] = v
	}
	argv, err := parser.Format(merged)
	if err != nil {
		return nil, fmt.Errorf("format branched commandline: %w", err)
	}
	configuration, err := cmdline.New().Parse(argv)
	if err != nil {
		return nil, fmt.Errorf("reparse branched commandline: %w", err)
	}

	host := opts.Host
	if host == nil {
		host = parent.trial.Host()
	}
	version := opts.Version
	if version == nil {
		version = parent.trial.Version()
	}

	child := trial.New(trial.Options{
		Refers: store.Document{
			"parent_id": parentID,
			"timestamp": timestamp.UTC().Truncate(time.Millisecond),
		},
		Host:          host,
		Version:       version,
		Commandline:   argv,
		Configuration: toDocument(configuration),
	})
	if err := child.Save(ctx, s); err != nil {
		if errors.Is(err, trial.ErrTrialExists) {
			return nil, &trial.RaceConditionError{
				Msg: fmt.Sprintf("branch already exist with id '%s'", child.ID()),
			}
		}
		return nil, err
	}
	for _, tag := range parent.trial.Tags() {
		if err := child.AddTag(ctx, s, tag); err != nil {
			return nil, err
		}
	}
	log.Info(ctx,
		log.KV{K: "msg", V: "trial branched"},
		log.KV{K: "parent", V: parent.trial.ShortID()},
		log.KV{K: "child", V: child.ShortID()},
	)
	return &Node{trial: child, store: s, parent: parent, parentLoaded: true}, nil
}

func toDocument(m map[string]any) store.Document {
	out := make(store.Document, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
