package trial

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/store/inmem"
)

func newTestTrial() *Trial {
	return New(Options{
		Host:          store.Document{"hostname": "h1"},
		Version:       store.Document{"type": "git", "head_sha": "abc"},
		Commandline:   []string{"python", "a.py", "--x=1"},
		Configuration: store.Document{"x": "1"},
	})
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	assert.Equal(t, StatusNew, tr.Status())

	loaded, err := Load(ctx, s, tr.ID(), Interval{})
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), loaded.ID())
	assert.Equal(t, StatusNew, loaded.Status())
	assert.Equal(t, tr.Commandline(), loaded.Commandline())
}

func TestSaveTwiceReportsExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	err := newTestTrial().Save(ctx, s)
	assert.ErrorIs(t, err, ErrTrialExists)

	n, err := s.Count(ctx, CollectionImmutables, store.Document{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLoadUnknown(t *testing.T) {
	t.Parallel()
	_, err := Load(context.Background(), inmem.New("test"), "deadbeef", Interval{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))

	loaded, err := LoadPrefix(ctx, s, tr.ShortID(), Interval{})
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), loaded.ID())

	_, err = LoadPrefix(ctx, s, "zzzzzzz", Interval{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateMachineHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	require.NoError(t, tr.Reserve(ctx, s))
	require.NoError(t, tr.Running(ctx, s))
	require.NoError(t, tr.Heartbeat(ctx, s))
	require.NoError(t, tr.Complete(ctx, s))

	var statuses []string
	for _, ev := range tr.StatusHistory() {
		statuses = append(statuses, ev.Item.(string))
		assert.Equal(t, EventSet, ev.Type)
	}
	assert.Equal(t, []string{"new", "reserved", "running", "running", "completed"}, statuses)

	reports, err := s.Read(ctx, CollectionReports, store.Document{"_id": tr.ID()}, nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	registry := reports[0]["registry"].(store.Document)
	assert.Equal(t, StatusCompleted, registry["status"])
	assert.NotNil(t, registry["start_time"])
	assert.NotNil(t, registry["end_time"])
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name string
		run  func(ctx context.Context, s store.Store, tr *Trial) error
	}{
		{"running before reserve", func(ctx context.Context, s store.Store, tr *Trial) error {
			return tr.Running(ctx, s)
		}},
		{"complete before running", func(ctx context.Context, s store.Store, tr *Trial) error {
			return tr.Complete(ctx, s)
		}},
		{"heartbeat before running", func(ctx context.Context, s store.Store, tr *Trial) error {
			return tr.Heartbeat(ctx, s)
		}},
		{"switchover from new", func(ctx context.Context, s store.Store, tr *Trial) error {
			return tr.Switchover(ctx, s)
		}},
		{"reserve after completed", func(ctx context.Context, s store.Store, tr *Trial) error {
			if err := tr.Reserve(ctx, s); err != nil {
				return err
			}
			if err := tr.Running(ctx, s); err != nil {
				return err
			}
			if err := tr.Complete(ctx, s); err != nil {
				return err
			}
			return tr.Reserve(ctx, s)
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := inmem.New("test")
			tr := newTestTrial()
			require.NoError(t, tr.Save(ctx, s))
			var invalid *InvalidStateError
			assert.ErrorAs(t, tc.run(ctx, s, tr), &invalid)
		})
	}
}

func TestReserveRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))

	// Two replicas of the same trial race to reserve it; the store's unique
	// event ids let exactly one win.
	a, err := Load(ctx, s, tr.ID(), Interval{})
	require.NoError(t, err)
	b, err := Load(ctx, s, tr.ID(), Interval{})
	require.NoError(t, err)

	require.NoError(t, a.Reserve(ctx, s))
	err = b.Reserve(ctx, s)
	assert.True(t, IsRaceCondition(err), "expected race condition, got %v", err)
}

func TestFailoverAndSwitchover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	require.NoError(t, tr.Reserve(ctx, s))
	require.NoError(t, tr.Running(ctx, s))
	require.NoError(t, tr.Failover(ctx, s))
	assert.True(t, IsReservable(tr.Status()))

	require.NoError(t, tr.Reserve(ctx, s))
	require.NoError(t, tr.Running(ctx, s))
	require.NoError(t, tr.Broken(ctx, s))
	require.NoError(t, tr.Switchover(ctx, s))
	assert.True(t, IsReservable(tr.Status()))
}

func TestBranchedIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	require.NoError(t, tr.Branched(ctx, s))
	assert.Equal(t, StatusBranched, tr.Status())
	assert.False(t, IsReservable(tr.Status()))

	var invalid *InvalidStateError
	assert.ErrorAs(t, tr.Reserve(ctx, s), &invalid)
}

func TestTagsAndOutput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	require.NoError(t, tr.AddTag(ctx, s, "mnist"))
	require.NoError(t, tr.AddTag(ctx, s, "baseline"))
	require.NoError(t, tr.LogStdout(ctx, s, "epoch 1"))
	require.NoError(t, tr.LogStdout(ctx, s, "epoch 2"))
	require.NoError(t, tr.LogStderr(ctx, s, "warning: deprecated"))

	loaded, err := Load(ctx, s, tr.ID(), Interval{})
	require.NoError(t, err)
	assert.Equal(t, []string{"mnist", "baseline"}, loaded.Tags())
	assert.Equal(t, []string{"epoch 1", "epoch 2"}, loaded.Stdout())
	assert.Equal(t, []string{"warning: deprecated"}, loaded.Stderr())

	reports, err := s.Read(ctx, CollectionReports,
		store.Document{"tags": store.Document{"$all": []any{"mnist"}}}, nil)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestEventSequenceContiguous(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	for i := 0; i < 12; i++ {
		require.NoError(t, tr.LogStdout(ctx, s, "line"))
	}

	loaded, err := Load(ctx, s, tr.ID(), Interval{})
	require.NoError(t, err)
	events := loaded.StdoutEvents()
	require.Len(t, events, 12)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestIntervalBoundsReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := tr.stdout.register(ctx, s, EventAdd, "line", base.Add(time.Duration(i)*time.Minute), "")
		require.NoError(t, err)
	}

	hi := base.Add(2 * time.Minute)
	view := New(Options{
		Host:          tr.Host(),
		Version:       tr.Version(),
		Commandline:   tr.Commandline(),
		Configuration: tr.Configuration(),
		Interval:      Interval{Hi: &hi},
	})
	require.NoError(t, view.Update(ctx, s))
	assert.Len(t, view.StdoutEvents(), 3)
	for _, ev := range view.StdoutEvents() {
		assert.False(t, ev.RuntimeTimestamp.After(hi))
	}

	// A later Update must not surface events past the bound.
	require.NoError(t, view.Update(ctx, s))
	assert.Len(t, view.StdoutEvents(), 3)
}

func TestReloadSeesEventsInSameMillisecond(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, tr.LogStatistic(ctx, s, store.Document{"epoch": 1}, at, ""))

	replica, err := Load(ctx, s, tr.ID(), Interval{})
	require.NoError(t, err)
	require.Len(t, replica.StatisticsEvents(), 1)

	// A second writer lands on the same runtime millisecond; the replica's
	// reload window must include the boundary.
	require.NoError(t, tr.LogStatistic(ctx, s, store.Document{"epoch": 2}, at, ""))

	require.NoError(t, replica.Update(ctx, s))
	events := replica.StatisticsEvents()
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)

	// Replaying again must not duplicate the boundary events.
	require.NoError(t, replica.Update(ctx, s))
	assert.Len(t, replica.StatisticsEvents(), 2)
}

func TestUpdateStatusRefreshesOnlyStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	require.NoError(t, tr.Reserve(ctx, s))
	require.NoError(t, tr.Running(ctx, s))

	replica, err := Load(ctx, s, tr.ID(), Interval{})
	require.NoError(t, err)

	require.NoError(t, tr.LogStdout(ctx, s, "late line"))
	require.NoError(t, tr.Suspend(ctx, s))

	require.NoError(t, replica.UpdateStatus(ctx, s))
	assert.Equal(t, StatusSuspended, replica.Status())
	assert.Empty(t, replica.Stdout())

	require.NoError(t, replica.Update(ctx, s))
	assert.Equal(t, []string{"late line"}, replica.Stdout())
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, tr.LogStatistic(ctx, s, store.Document{"loss": 0.9, "epoch": 1}, base, ""))
	require.NoError(t, tr.LogStatistic(ctx, s, store.Document{"loss": 0.5, "epoch": 2}, base.Add(time.Minute), ""))
	require.NoError(t, tr.LogStatistic(ctx, s, store.Document{"acc": 0.8}, base.Add(2*time.Minute), ""))

	stats := tr.Statistics()
	assert.Equal(t, 3, stats.Len())
	assert.Equal(t, []string{"acc", "epoch", "loss"}, stats.Keys())

	last, ok := stats.Last("loss")
	require.True(t, ok)
	assert.Equal(t, 0.5, last)

	series := stats.Series("loss")
	require.Len(t, series, 2)
	assert.Equal(t, 0.9, series[0].Values["loss"])
}

func TestArtifactRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := inmem.New("test")

	tr := newTestTrial()
	require.NoError(t, tr.Save(ctx, s))
	payload := bytes.Repeat([]byte("w"), 3*store.DefaultChunkSize+100)
	require.NoError(t, tr.LogArtifact(ctx, s, "weights.bin", bytes.NewReader(payload),
		store.Document{"epoch": 3}, time.Time{}, ""))

	files, err := tr.Artifacts(ctx, s, "weights.bin", nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	f := files[0]
	defer f.Close()

	var got []byte
	for i := 0; i < 3; i++ {
		chunk, err := f.ReadChunk()
		require.NoError(t, err)
		assert.Len(t, chunk, store.DefaultChunkSize)
		got = append(got, chunk...)
	}
	rest, err := f.Download()
	require.NoError(t, err)
	got = append(got, rest...)
	assert.Equal(t, payload, got)
	assert.NotNil(t, f.Metadata()["runtime_timestamp"])

	events := tr.ArtifactEvents()
	require.Len(t, events, 1)
	item := events[0].Item.(store.Document)
	assert.Equal(t, "weights.bin", item["filename"])
	assert.NotEmpty(t, item["file_id"])
}
