package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/Epistimio/kleio/evc"
	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/trial"
	"github.com/Epistimio/kleio/vcs"
)

// InferVersion recomputes the local code version for a user script. The
// default implementation shells out to git.
type InferVersion func(ctx context.Context, userScript string) (store.Document, error)

// Options configures a Worker.
type Options struct {
	Store    store.Store
	Consumer *Consumer
	// Tags filters the candidates; empty means all trials.
	Tags []string
	// Host is the local host descriptor compared against candidates.
	Host store.Document
	// Version is the fallback local version when no user script can be
	// resolved for a candidate.
	Version store.Document
	// Policy flags. AllowAnyChange implies the other two.
	AllowHostChange    bool
	AllowVersionChange bool
	AllowAnyChange     bool
	// InferVersion overrides the git probe, mainly for tests.
	InferVersion InferVersion
}

// Worker drives the hunt loop: reserve runnable trials under a tag filter,
// branch them transparently when host or code version diverged, and execute
// them through the consumer.
type Worker struct {
	store              store.Store
	consumer           *Consumer
	tags               []string
	host               store.Document
	version            store.Document
	allowHostChange    bool
	allowVersionChange bool
	inferVersion       InferVersion

	metrics *metrics
}

type metrics struct {
	reserved  metric.Int64Counter
	completed metric.Int64Counter
	broken    metric.Int64Counter
	branched  metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("kleio/worker")
	reserved, _ := meter.Int64Counter("kleio.trials.reserved",
		metric.WithDescription("Trials reserved by this worker"))
	completed, _ := meter.Int64Counter("kleio.trials.completed",
		metric.WithDescription("Trials executed to completion"))
	broken, _ := meter.Int64Counter("kleio.trials.broken",
		metric.WithDescription("Trials that ended broken"))
	branched, _ := meter.Int64Counter("kleio.trials.branched",
		metric.WithDescription("Trials branched on host or version divergence"))
	return &metrics{reserved: reserved, completed: completed, broken: broken, branched: branched}
}

// New validates opts and returns a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Consumer == nil {
		return nil, errors.New("consumer is required")
	}
	infer := opts.InferVersion
	if infer == nil {
		infer = vcs.Infer
	}
	return &Worker{
		store:              opts.Store,
		consumer:           opts.Consumer,
		tags:               opts.Tags,
		host:               opts.Host,
		version:            opts.Version,
		allowHostChange:    opts.AllowHostChange || opts.AllowAnyChange,
		allowVersionChange: opts.AllowVersionChange || opts.AllowAnyChange,
		inferVersion:       infer,
		metrics:            newMetrics(),
	}, nil
}

// Hunt loops over reservable trials matching the tag filter until a full
// pass discovers no new candidate. Per-candidate errors are isolated; only
// suspension and interruption stop the loop.
func (w *Worker) Hunt(ctx context.Context) error {
	attempted := map[string]bool{}
	for {
		candidates, err := w.candidates(ctx)
		if err != nil {
			return err
		}
		progress := false
		for _, id := range candidates {
			if attempted[id] {
				continue
			}
			attempted[id] = true
			progress = true

			if err := ctx.Err(); err != nil {
				return err
			}
			node, err := w.processTrial(ctx, id)
			if err != nil {
				log.Error(ctx, err, log.KV{K: "trial", V: id})
				continue
			}
			if node == nil {
				continue
			}
			attempted[node.Trial().ID()] = true
			if err := w.executeTrial(ctx, node); err != nil {
				if errors.Is(err, ErrSuspended) || errors.Is(err, ErrInterrupted) {
					return err
				}
				log.Error(ctx, err, log.KV{K: "trial", V: node.Trial().ShortID()})
			}
		}
		if !progress {
			return nil
		}
	}
}

// candidates queries the report collection for reservable trials carrying
// all requested tags, cheapest projection first.
func (w *Worker) candidates(ctx context.Context) ([]string, error) {
	query := store.Document{
		"registry.status": store.Document{"$in": toAny(trial.ReservableStatuses)},
	}
	if len(w.tags) > 0 {
		query["tags"] = store.Document{"$all": toAny(w.tags)}
	}
	docs, err := w.store.Read(ctx, trial.CollectionReports, query, &store.ReadOptions{
		Projection: store.Document{"registry.status": 1},
	})
	if err != nil {
		return nil, fmt.Errorf("query reservable trials: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, fmt.Sprintf("%v", doc["_id"]))
	}
	return ids, nil
}

// processTrial refreshes the candidate and decides whether to execute it
// directly, branch it first, or skip it. Nil without error means skip.
func (w *Worker) processTrial(ctx context.Context, id string) (*evc.Node, error) {
	node, err := evc.Load(ctx, w.store, id, trial.Interval{})
	if err != nil {
		return nil, err
	}
	t := node.Trial()
	if !trial.IsReservable(t.Status()) {
		// A concurrent worker won the candidate.
		return nil, nil
	}

	hostDiffers := !reflect.DeepEqual(t.Host(), w.host)

	// The same script path may point at a different commit now than when
	// the candidate ran, so the local version is recomputed per trial.
	localVersion := w.version
	if script := vcs.UserScript(t.Commandline()); script != "" {
		if v, err := w.inferVersion(ctx, script); err == nil {
			localVersion = v
		} else if !errors.Is(err, vcs.ErrNoRepository) {
			return nil, err
		}
	}
	versionDiffers := !reflect.DeepEqual(t.Version(), localVersion)

	if hostDiffers && !w.allowHostChange {
		log.Debug(ctx, log.KV{K: "msg", V: "skipping trial on host mismatch"}, log.KV{K: "trial", V: t.ShortID()})
		return nil, nil
	}
	if versionDiffers && !w.allowVersionChange {
		log.Debug(ctx, log.KV{K: "msg", V: "skipping trial on version mismatch"}, log.KV{K: "trial", V: t.ShortID()})
		return nil, nil
	}
	if !hostDiffers && !versionDiffers {
		return evc.Load(ctx, w.store, id, trial.Interval{})
	}

	// Terminally mark the parent first so the next pass cannot re-select
	// it, then branch. Losing either race means another worker got there.
	if err := t.Branched(ctx, w.store); err != nil {
		if trial.IsRaceCondition(err) || isInvalidState(err) {
			return nil, nil
		}
		return nil, err
	}
	child, err := evc.Branch(ctx, w.store, id, evc.BranchOptions{
		Host:    w.host,
		Version: localVersion,
	})
	if err != nil {
		if trial.IsRaceCondition(err) {
			return nil, nil
		}
		return nil, err
	}
	w.metrics.branched.Add(ctx, 1)
	return child, nil
}

// executeTrial consumes the node and records the outcome.
func (w *Worker) executeTrial(ctx context.Context, node *evc.Node) error {
	t := node.Trial()
	w.metrics.reserved.Add(ctx, 1)
	err := w.consumer.Consume(ctx, t)
	switch t.Status() {
	case trial.StatusCompleted:
		w.metrics.completed.Add(ctx, 1)
	case trial.StatusBroken:
		w.metrics.broken.Add(ctx, 1)
	}
	return err
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
