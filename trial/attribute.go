package trial

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Epistimio/kleio/store"
)

// Event types.
const (
	EventSet    = "set"
	EventAdd    = "add"
	EventRemove = "remove"
)

// Event is one append-only record in an attribute's history.
type Event struct {
	Seq               int64
	TrialID           string
	CreatorID         string
	Type              string
	Item              any
	CreationTimestamp time.Time
	RuntimeTimestamp  time.Time
}

// Interval bounds the visible event history: [Lo, Hi], both optional and
// inclusive. Views over a parent trial set Hi to the branch timestamp so the
// inherited history is frozen at the branch point.
type Interval struct {
	Lo *time.Time
	Hi *time.Time
}

// eventID builds the unique event key "<trial_id>.<seq>".
func eventID(trialID string, seq int64) string {
	return fmt.Sprintf("%s.%d", trialID, seq)
}

// parseSeq extracts the sequence number from an event _id.
func parseSeq(id string) (int64, error) {
	i := strings.LastIndexByte(id, '.')
	if i < 0 {
		return 0, fmt.Errorf("malformed event id %q", id)
	}
	return strconv.ParseInt(id[i+1:], 10, 64)
}

// attribute is the shared replay machinery. Concrete kinds (item, list, file)
// embed it and add their fold semantics.
type attribute struct {
	trialID  string
	name     string
	interval Interval
	history  []Event
}

func newAttribute(trialID, name string, interval Interval) attribute {
	return attribute{trialID: trialID, name: name, interval: interval}
}

// Load fetches events in [last_seen, Hi] and merges them into history.
// The lower bound is inclusive: events sharing the last seen runtime
// millisecond must resurface or a reload would lose them. De-duplication
// is by sequence number.
func (a *attribute) Load(ctx context.Context, s store.Store) error {
	query := store.Document{"trial_id": a.trialID}
	bounds := store.Document{}
	if last, ok := a.lastRuntime(); ok {
		bounds["$gte"] = last
	} else if a.interval.Lo != nil {
		bounds["$gte"] = *a.interval.Lo
	}
	if a.interval.Hi != nil {
		bounds["$lte"] = *a.interval.Hi
	}
	if len(bounds) > 0 {
		query["runtime_timestamp"] = bounds
	}

	docs, err := s.Read(ctx, a.name, query, nil)
	if err != nil {
		return fmt.Errorf("load %s events for %s: %w", a.name, a.trialID, err)
	}

	seen := make(map[int64]struct{}, len(a.history))
	for _, ev := range a.history {
		seen[ev.Seq] = struct{}{}
	}
	for _, doc := range docs {
		ev, err := eventFromDoc(doc)
		if err != nil {
			return fmt.Errorf("load %s events for %s: %w", a.name, a.trialID, err)
		}
		if _, ok := seen[ev.Seq]; ok {
			continue
		}
		seen[ev.Seq] = struct{}{}
		a.history = append(a.history, ev)
	}
	sort.Slice(a.history, func(i, j int) bool { return a.history[i].Seq < a.history[j].Seq })
	return nil
}

// register allocates the next sequence number and appends the event. A
// duplicate key error from the store means another writer raced to the same
// sequence; it flows up untranslated so callers can reload-and-retry or
// surface a race depending on the attribute.
func (a *attribute) register(ctx context.Context, s store.Store, typ string, item any, runtime time.Time, creator string) (Event, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if runtime.IsZero() {
		runtime = now
	}
	runtime = runtime.UTC().Truncate(time.Millisecond)
	if creator == "" {
		creator = a.trialID
	}
	ev := Event{
		Seq:               a.lastSeq() + 1,
		TrialID:           a.trialID,
		CreatorID:         creator,
		Type:              typ,
		Item:              item,
		CreationTimestamp: now,
		RuntimeTimestamp:  runtime,
	}
	if err := s.Insert(ctx, a.name, ev.toDoc()); err != nil {
		return Event{}, err
	}
	a.history = append(a.history, ev)
	return ev, nil
}

// History returns the replayed events in sequence order.
func (a *attribute) History() []Event {
	return a.history
}

func (a *attribute) lastSeq() int64 {
	if len(a.history) == 0 {
		return 0
	}
	return a.history[len(a.history)-1].Seq
}

func (a *attribute) lastRuntime() (time.Time, bool) {
	var max time.Time
	for _, ev := range a.history {
		if ev.RuntimeTimestamp.After(max) {
			max = ev.RuntimeTimestamp
		}
	}
	return max, !max.IsZero()
}

func (ev Event) toDoc() store.Document {
	return store.Document{
		"_id":                eventID(ev.TrialID, ev.Seq),
		"trial_id":           ev.TrialID,
		"creator_id":         ev.CreatorID,
		"type":               ev.Type,
		"item":               ev.Item,
		"creation_timestamp": ev.CreationTimestamp,
		"runtime_timestamp":  ev.RuntimeTimestamp,
	}
}

func eventFromDoc(doc store.Document) (Event, error) {
	id, _ := doc["_id"].(string)
	seq, err := parseSeq(id)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		Seq:  seq,
		Type: fmt.Sprintf("%v", doc["type"]),
		Item: doc["item"],
	}
	ev.TrialID, _ = doc["trial_id"].(string)
	ev.CreatorID, _ = doc["creator_id"].(string)
	ev.CreationTimestamp, _ = doc["creation_timestamp"].(time.Time)
	ev.RuntimeTimestamp, _ = doc["runtime_timestamp"].(time.Time)
	return ev, nil
}

// itemAttribute replays to the last set item. Used for status.
type itemAttribute struct {
	attribute
}

func newItemAttribute(trialID, name string, interval Interval) *itemAttribute {
	return &itemAttribute{newAttribute(trialID, name, interval)}
}

// Set appends a set event.
func (a *itemAttribute) Set(ctx context.Context, s store.Store, item any, runtime time.Time) (Event, error) {
	return a.register(ctx, s, EventSet, item, runtime, "")
}

// Value returns the latest item, or nil when the history is empty.
func (a *itemAttribute) Value() any {
	if len(a.history) == 0 {
		return nil
	}
	return a.history[len(a.history)-1].Item
}

// listAttribute replays to the fold of add/remove events in insertion order.
// Used for tags, stdout, stderr and statistics.
type listAttribute struct {
	attribute
}

func newListAttribute(trialID, name string, interval Interval) *listAttribute {
	return &listAttribute{newAttribute(trialID, name, interval)}
}

// Add appends an add event.
func (a *listAttribute) Add(ctx context.Context, s store.Store, item any, runtime time.Time) (Event, error) {
	return a.register(ctx, s, EventAdd, item, runtime, "")
}

// AddAs appends an add event on behalf of another creator (co-creator writes
// from the client library of a sibling analysis trial).
func (a *listAttribute) AddAs(ctx context.Context, s store.Store, item any, runtime time.Time, creator string) (Event, error) {
	return a.register(ctx, s, EventAdd, item, runtime, creator)
}

// Remove appends a remove event.
func (a *listAttribute) Remove(ctx context.Context, s store.Store, item any, runtime time.Time) (Event, error) {
	return a.register(ctx, s, EventRemove, item, runtime, "")
}

// Values folds the history: add appends, remove drops the first equal item.
func (a *listAttribute) Values() []any {
	var out []any
	for _, ev := range a.history {
		switch ev.Type {
		case EventAdd:
			out = append(out, ev.Item)
		case EventRemove:
			for i, item := range out {
				if fmt.Sprintf("%v", item) == fmt.Sprintf("%v", ev.Item) {
					out = append(out[:i], out[i+1:]...)
					break
				}
			}
		}
	}
	return out
}

// fileAttribute journals blob artifacts: the body goes to the blob store, the
// event carries the metadata plus the returned blob id.
type fileAttribute struct {
	attribute
}

func newFileAttribute(trialID, name string, interval Interval) *fileAttribute {
	return &fileAttribute{newAttribute(trialID, name, interval)}
}

// Add stores the blob and appends the referencing event.
func (a *fileAttribute) Add(ctx context.Context, s store.Store, filename string, r io.Reader, metadata store.Document, runtime time.Time, creator string) (Event, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if runtime.IsZero() {
		runtime = now
	}
	runtime = runtime.UTC().Truncate(time.Millisecond)

	blobMeta := store.Document{
		"filename":          filename,
		"trial_id":          a.trialID,
		"runtime_timestamp": runtime,
	}
	for k, v := range metadata {
		if _, reserved := blobMeta[k]; !reserved {
			blobMeta[k] = v
		}
	}
	fileID, err := s.WriteFile(ctx, a.name, r, blobMeta)
	if err != nil {
		return Event{}, fmt.Errorf("store %s blob %s: %w", a.name, filename, err)
	}

	item := store.Document{"filename": filename, "file_id": fileID}
	for k, v := range metadata {
		if _, reserved := item[k]; !reserved {
			item[k] = v
		}
	}
	return a.register(ctx, s, EventAdd, item, runtime, creator)
}

// Get returns handles on the blobs matching filename and query within the
// attribute's interval, in upload order.
func (a *fileAttribute) Get(ctx context.Context, s store.Store, filename string, query store.Document) ([]store.File, error) {
	filter := store.Document{"trial_id": a.trialID}
	for k, v := range query {
		filter[k] = v
	}
	if filename != "" {
		filter["filename"] = filename
	}
	bounds := store.Document{}
	if a.interval.Lo != nil {
		bounds["$gte"] = *a.interval.Lo
	}
	if a.interval.Hi != nil {
		bounds["$lte"] = *a.interval.Hi
	}
	if len(bounds) > 0 {
		filter["runtime_timestamp"] = bounds
	}
	files, err := s.ReadFile(ctx, a.name, filter)
	if err != nil {
		return nil, fmt.Errorf("read %s blobs for %s: %w", a.name, a.trialID, err)
	}
	return files, nil
}
