package trial

import (
	"sort"
	"time"

	"github.com/Epistimio/kleio/store"
)

// Statistic is one recorded measurement at its logical time.
type Statistic struct {
	RuntimeTimestamp time.Time
	Values           store.Document
}

// Statistics is the replayed statistics view: the full history in runtime
// order plus per-key access. Items are arbitrary key/value documents logged
// by the user program.
type Statistics struct {
	history []Statistic
}

func newStatistics(events []Event) *Statistics {
	stats := make([]Statistic, 0, len(events))
	for _, ev := range events {
		if ev.Type != EventAdd {
			continue
		}
		values, ok := ev.Item.(store.Document)
		if !ok {
			continue
		}
		stats = append(stats, Statistic{
			RuntimeTimestamp: ev.RuntimeTimestamp,
			Values:           values,
		})
	}
	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].RuntimeTimestamp.Before(stats[j].RuntimeTimestamp)
	})
	return &Statistics{history: stats}
}

// NewStatistics builds the replayed view from raw statistics events.
func NewStatistics(events []Event) *Statistics {
	return newStatistics(events)
}

// Merge returns a view over both histories, re-sorted by runtime.
func (s *Statistics) Merge(other *Statistics) *Statistics {
	combined := make([]Statistic, 0, len(s.history)+len(other.history))
	combined = append(combined, s.history...)
	combined = append(combined, other.history...)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].RuntimeTimestamp.Before(combined[j].RuntimeTimestamp)
	})
	return &Statistics{history: combined}
}

// History returns all measurements in runtime order.
func (s *Statistics) History() []Statistic { return s.history }

// Keys returns the sorted set of keys seen across the history.
func (s *Statistics) Keys() []string {
	seen := map[string]struct{}{}
	for _, stat := range s.history {
		for k := range stat.Values {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Series returns the timestamped values recorded under key.
func (s *Statistics) Series(key string) []Statistic {
	var out []Statistic
	for _, stat := range s.history {
		v, ok := stat.Values[key]
		if !ok {
			continue
		}
		out = append(out, Statistic{
			RuntimeTimestamp: stat.RuntimeTimestamp,
			Values:           store.Document{key: v},
		})
	}
	return out
}

// Last returns the most recent value recorded under key.
func (s *Statistics) Last(key string) (any, bool) {
	for i := len(s.history) - 1; i >= 0; i-- {
		if v, ok := s.history[i].Values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Len returns the number of measurements.
func (s *Statistics) Len() int { return len(s.history) }
