package evc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/store/inmem"
	"github.com/Epistimio/kleio/trial"
)

func newParent(t *testing.T, ctx context.Context, s store.Store) *trial.Trial {
	t.Helper()
	tr := trial.New(trial.Options{
		Host:          store.Document{"hostname": "h1", "user": "alice"},
		Version:       store.Document{"type": "git", "head_sha": "abc"},
		Commandline:   []string{"python", "a.py", "--lr", "0.1"},
		Configuration: store.Document{"_pos_0": "python", "_pos_1": "a.py", "lr": "0.1"},
	})
	require.NoError(t, tr.Save(ctx, s))
	return tr
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	t.Parallel()

	doc := store.Document{
		"cpu": store.Document{"model": "x", "cores": 8},
		"os":  "linux",
	}
	flat := Flatten(doc)
	assert.Equal(t, "x", flat["cpu.model"])
	assert.Equal(t, 8, flat["cpu.cores"])
	assert.Equal(t, "linux", flat["os"])
	assert.Equal(t, doc, Unflatten(flat))
}

func TestBranchCreatesChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	parent := newParent(t, ctx, s)
	require.NoError(t, parent.AddTag(ctx, s, "mnist"))

	node, err := Branch(ctx, s, parent.ID(), BranchOptions{
		Overrides: map[string]any{"lr": "0.01"},
		Host:      store.Document{"hostname": "h2", "user": "alice"},
	})
	require.NoError(t, err)

	child := node.Trial()
	assert.NotEqual(t, parent.ID(), child.ID())
	assert.Equal(t, parent.ID(), child.ParentID())
	require.NotNil(t, child.RefersTimestamp())
	assert.Equal(t, []string{"python", "a.py", "--lr", "0.01"}, child.Commandline())
	assert.Equal(t, "0.01", child.Configuration()["lr"])
	assert.Equal(t, []string{"mnist"}, child.Tags())

	p, err := node.Parent(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, parent.ID(), p.Trial().ID())

	parentNode, err := Load(ctx, s, parent.ID(), trial.Interval{})
	require.NoError(t, err)
	children, err := parentNode.Children(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID(), children[0].Trial().ID())
}

func TestBranchDefaultTimestampIsStoredEndTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	parent := newParent(t, ctx, s)

	node, err := Branch(ctx, s, parent.ID(), BranchOptions{
		Overrides: map[string]any{"lr": "0.5"},
	})
	require.NoError(t, err)

	refreshed, err := trial.Load(ctx, s, parent.ID(), trial.Interval{})
	require.NoError(t, err)
	require.NotNil(t, refreshed.EndTime())
	ts := node.Trial().RefersTimestamp()
	require.NotNil(t, ts)
	assert.True(t, ts.Equal(*refreshed.EndTime()))
}

func TestBranchRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	parent := newParent(t, ctx, s)
	ts := time.Now().UTC().Truncate(time.Millisecond)

	_, err := Branch(ctx, s, parent.ID(), BranchOptions{
		Timestamp: &ts,
		Overrides: map[string]any{"lr": "0.5"},
	})
	require.NoError(t, err)

	_, err = Branch(ctx, s, parent.ID(), BranchOptions{
		Timestamp: &ts,
		Overrides: map[string]any{"lr": "0.5"},
	})
	assert.True(t, trial.IsRaceCondition(err), "expected race condition, got %v", err)
	assert.Contains(t, err.Error(), "branch already exist")
}

func TestComposedOutputAndVisibilityBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	parent := newParent(t, ctx, s)
	require.NoError(t, parent.LogStdout(ctx, s, "parent line 1"))
	require.NoError(t, parent.LogStdout(ctx, s, "parent line 2"))

	ts := time.Now().UTC().Truncate(time.Millisecond)
	node, err := Branch(ctx, s, parent.ID(), BranchOptions{
		Timestamp: &ts,
		Overrides: map[string]any{"lr": "0.9"},
	})
	require.NoError(t, err)

	// Parent output after the branch point never reaches the child.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, parent.LogStdout(ctx, s, "parent line 3"))
	require.NoError(t, node.Trial().LogStdout(ctx, s, "child line 1"))

	reloaded, err := Load(ctx, s, node.Trial().ID(), trial.Interval{})
	require.NoError(t, err)
	lines, err := reloaded.Stdout(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent line 1", "parent line 2", "child line 1"}, lines)
}

func TestComposedConfigurationDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	parent := newParent(t, ctx, s)
	node, err := Branch(ctx, s, parent.ID(), BranchOptions{
		Overrides: map[string]any{"lr": "0.01"},
	})
	require.NoError(t, err)

	reloaded, err := Load(ctx, s, node.Trial().ID(), trial.Interval{})
	require.NoError(t, err)
	config, err := reloaded.Configuration(ctx)
	require.NoError(t, err)

	// Unchanged keys stay scalar.
	assert.Equal(t, "a.py", config["_pos_1"])

	// The changed key carries its evolution.
	history, ok := config["lr"].([]TimedValue)
	require.True(t, ok, "lr should be a timed history, got %T", config["lr"])
	require.Len(t, history, 2)
	assert.Equal(t, "0.1", history[0].Value)
	assert.Equal(t, "0.01", history[1].Value)
	assert.True(t, history[0].Timestamp.Before(history[1].Timestamp) ||
		history[0].Timestamp.Equal(history[1].Timestamp))
}

func TestComposedHostsDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	parent := newParent(t, ctx, s)
	node, err := Branch(ctx, s, parent.ID(), BranchOptions{
		Overrides: map[string]any{"lr": "0.2"},
		Host:      store.Document{"hostname": "h2", "user": "alice"},
	})
	require.NoError(t, err)

	reloaded, err := Load(ctx, s, node.Trial().ID(), trial.Interval{})
	require.NoError(t, err)
	hosts, err := reloaded.Hosts(ctx)
	require.NoError(t, err)

	assert.Equal(t, "alice", hosts["user"])
	history, ok := hosts["hostname"].([]TimedValue)
	require.True(t, ok)
	require.Len(t, history, 2)
	assert.Equal(t, "h1", history[0].Value)
	assert.Equal(t, "h2", history[1].Value)
}

func TestComposedStatisticsAndArtifacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	parent := newParent(t, ctx, s)
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Minute)
	require.NoError(t, parent.LogStatistic(ctx, s, store.Document{"loss": 0.9}, base, ""))
	require.NoError(t, parent.LogArtifact(ctx, s, "weights.bin",
		bytes.NewReader([]byte("v1")), nil, base, ""))

	node, err := Branch(ctx, s, parent.ID(), BranchOptions{
		Overrides: map[string]any{"lr": "0.3"},
	})
	require.NoError(t, err)
	child := node.Trial()
	require.NoError(t, child.LogStatistic(ctx, s, store.Document{"loss": 0.4}, time.Time{}, ""))
	require.NoError(t, child.LogArtifact(ctx, s, "weights.bin",
		bytes.NewReader([]byte("v2")), nil, time.Time{}, ""))

	reloaded, err := Load(ctx, s, child.ID(), trial.Interval{})
	require.NoError(t, err)

	stats, err := reloaded.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Len())
	assert.Equal(t, 0.9, stats.History()[0].Values["loss"])
	assert.Equal(t, 0.4, stats.History()[1].Values["loss"])

	files, err := reloaded.Artifacts(ctx, "weights.bin", nil)
	require.NoError(t, err)
	require.Len(t, files, 2)
	first, err := files[0].Download()
	require.NoError(t, err)
	second, err := files[1].Download()
	require.NoError(t, err)
	assert.Equal(t, "v1", string(first))
	assert.Equal(t, "v2", string(second))
	for _, f := range files {
		require.NoError(t, f.Close())
	}
}

func TestCommandlines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	parent := newParent(t, ctx, s)
	node, err := Branch(ctx, s, parent.ID(), BranchOptions{
		Overrides: map[string]any{"lr": "0.7"},
	})
	require.NoError(t, err)

	reloaded, err := Load(ctx, s, node.Trial().ID(), trial.Interval{})
	require.NoError(t, err)
	cmds, err := reloaded.Commandlines(ctx)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"python", "a.py", "--lr", "0.1"}, cmds[0].Argv)
	assert.Equal(t, []string{"python", "a.py", "--lr", "0.7"}, cmds[1].Argv)
}
