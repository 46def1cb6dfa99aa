package worker

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/trial"
)

// DefaultCureThreshold is how many missed heartbeats mark a worker as lost.
const DefaultCureThreshold = 10

// Cure scans for running trials whose last heartbeat is older than
// heartbeatRate times threshold and appends failover, bringing them back
// into the reservable set. Returns the ids of the cured trials.
func Cure(ctx context.Context, s store.Store, heartbeatRate time.Duration, threshold int) ([]string, error) {
	if heartbeatRate <= 0 {
		heartbeatRate = DefaultHeartbeatRate
	}
	if threshold <= 0 {
		threshold = DefaultCureThreshold
	}
	cutoff := time.Now().UTC().Truncate(time.Millisecond).
		Add(-time.Duration(threshold) * heartbeatRate)

	docs, err := s.Read(ctx, trial.CollectionReports, store.Document{
		"registry.status":   trial.StatusRunning,
		"registry.end_time": store.Document{"$lt": cutoff},
	}, &store.ReadOptions{Projection: store.Document{"registry.status": 1}})
	if err != nil {
		return nil, fmt.Errorf("scan stale running trials: %w", err)
	}

	var cured []string
	for _, doc := range docs {
		id := fmt.Sprintf("%v", doc["_id"])
		t, err := trial.Load(ctx, s, id, trial.Interval{})
		if err != nil {
			log.Error(ctx, err, log.KV{K: "trial", V: id})
			continue
		}
		// Recheck against the replayed state: the report is only a cache
		// and the worker may have heartbeated since the scan.
		if t.Status() != trial.StatusRunning {
			continue
		}
		if end := t.EndTime(); end == nil || !end.Before(cutoff) {
			continue
		}
		if err := t.Failover(ctx, s); err != nil {
			if trial.IsRaceCondition(err) || isInvalidState(err) {
				continue
			}
			return cured, err
		}
		log.Info(ctx, log.KV{K: "msg", V: "trial cured"}, log.KV{K: "trial", V: t.ShortID()})
		cured = append(cured, id)
	}
	return cured, nil
}
