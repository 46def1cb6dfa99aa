// Package inmem provides an in-memory implementation of store.Store for
// debugging and tests. It honours unique indexes and mongo-style query
// operators so that the optimistic-concurrency paths exercised against the
// production backend behave identically here.
package inmem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Epistimio/kleio/store"
)

// Store is a process-local store.Store. Safe for concurrent use.
type Store struct {
	name string

	mu          sync.Mutex
	collections map[string]*collection
	files       map[string][]*blob
	nextFileID  int
}

type collection struct {
	docs    []store.Document
	indexes []index
}

type index struct {
	fields []string
	unique bool
}

type blob struct {
	id       string
	data     []byte
	metadata store.Document
}

// New returns an empty Store.
func New(name string) *Store {
	if name == "" {
		name = "kleio"
	}
	return &Store{
		name:        name,
		collections: make(map[string]*collection),
		files:       make(map[string][]*blob),
	}
}

func (s *Store) Name() string    { return s.name }
func (s *Store) Type() string    { return "inmem" }
func (s *Store) Address() string { return "" }

// Close is a no-op for the in-memory backend.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{}
		s.collections[name] = c
	}
	return c
}

// EnsureIndex records the index; only unique indexes affect behaviour.
func (s *Store) EnsureIndex(_ context.Context, collName string, keys []store.Key, unique bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = k.Field
	}
	c := s.coll(collName)
	for _, idx := range c.indexes {
		if idx.unique == unique && strings.Join(idx.fields, ",") == strings.Join(fields, ",") {
			return nil
		}
	}
	c.indexes = append(c.indexes, index{fields: fields, unique: unique})
	return nil
}

// Insert appends doc, enforcing _id uniqueness and declared unique indexes.
func (s *Store) Insert(_ context.Context, collName string, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collName)
	doc = cloneDoc(doc)
	if id, ok := doc["_id"]; ok {
		for _, existing := range c.docs {
			if equal(existing["_id"], id) {
				return fmt.Errorf("%w: _id %v in %s", store.ErrDuplicateKey, id, collName)
			}
		}
	}
	for _, idx := range c.indexes {
		if !idx.unique {
			continue
		}
		for _, existing := range c.docs {
			same := true
			for _, field := range idx.fields {
				if !equal(lookup(existing, field), lookup(doc, field)) {
					same = false
					break
				}
			}
			if same {
				return fmt.Errorf("%w: index (%s) in %s",
					store.ErrDuplicateKey, strings.Join(idx.fields, ","), collName)
			}
		}
	}
	c.docs = append(c.docs, doc)
	return nil
}

// Read returns clones of the matching documents.
func (s *Store) Read(_ context.Context, collName string, query store.Document, opts *store.ReadOptions) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collName)
	var out []store.Document
	for _, doc := range c.docs {
		if match(doc, query) {
			out = append(out, cloneDoc(doc))
		}
	}
	if opts != nil {
		if len(opts.Sort) > 0 {
			sortDocs(out, opts.Sort)
		}
		if opts.Limit > 0 && int64(len(out)) > opts.Limit {
			out = out[:opts.Limit]
		}
		if len(opts.Projection) > 0 {
			for i, doc := range out {
				out[i] = project(doc, opts.Projection)
			}
		}
	}
	return out, nil
}

// ReadAndWrite updates the first matching document in place, inserting the
// query fields merged with the update when nothing matches.
func (s *Store) ReadAndWrite(_ context.Context, collName string, query, update store.Document) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collName)
	set, ok := update["$set"].(store.Document)
	if !ok {
		if m, isMap := update["$set"].(map[string]any); isMap {
			set = m
		} else {
			return nil, fmt.Errorf("inmem: update must be a $set document")
		}
	}
	for _, doc := range c.docs {
		if match(doc, query) {
			applySet(doc, set)
			return cloneDoc(doc), nil
		}
	}
	doc := store.Document{}
	for k, v := range query {
		if !strings.HasPrefix(k, "$") && !isOperatorDoc(v) {
			doc[k] = clone(v)
		}
	}
	applySet(doc, set)
	c.docs = append(c.docs, doc)
	return cloneDoc(doc), nil
}

// Count returns the number of matching documents.
func (s *Store) Count(_ context.Context, collName string, query store.Document) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, doc := range s.coll(collName).docs {
		if match(doc, query) {
			n++
		}
	}
	return n, nil
}

// WriteFile stores the blob bytes with their metadata.
func (s *Store) WriteFile(_ context.Context, collName string, r io.Reader, metadata store.Document) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read blob: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFileID++
	id := fmt.Sprintf("file-%d", s.nextFileID)
	s.files[collName] = append(s.files[collName], &blob{
		id:       id,
		data:     data,
		metadata: cloneDoc(metadata),
	})
	return id, nil
}

// ReadFile returns handles on blobs whose metadata matches query.
func (s *Store) ReadFile(_ context.Context, collName string, query store.Document) ([]store.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.File
	for _, b := range s.files[collName] {
		if match(b.metadata, query) {
			out = append(out, &fileHandle{
				metadata: cloneDoc(b.metadata),
				reader:   bytes.NewReader(b.data),
			})
		}
	}
	return out, nil
}

type fileHandle struct {
	metadata store.Document
	reader   *bytes.Reader
}

func (f *fileHandle) Metadata() store.Document { return f.metadata }

func (f *fileHandle) ReadChunk() ([]byte, error) {
	buf := make([]byte, store.DefaultChunkSize)
	n, err := f.reader.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (f *fileHandle) Download() ([]byte, error) {
	var b bytes.Buffer
	if _, err := b.ReadFrom(f.reader); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (f *fileHandle) Close() error { return nil }

// --- query evaluation ---

func match(doc, query store.Document) bool {
	for key, cond := range query {
		if !matchField(lookupOK(doc, key))(cond) {
			return false
		}
	}
	return true
}

func matchField(value any, present bool) func(cond any) bool {
	return func(cond any) bool {
		ops, ok := asDoc(cond)
		if !ok || !isOperatorDoc(cond) {
			return present && equal(value, cond)
		}
		for op, operand := range ops {
			switch op {
			case "$eq":
				if !present || !equal(value, operand) {
					return false
				}
			case "$ne":
				if present && equal(value, operand) {
					return false
				}
			case "$gt", "$gte", "$lt", "$lte":
				if !present {
					return false
				}
				cmp, comparable := compare(value, operand)
				if !comparable {
					return false
				}
				switch op {
				case "$gt":
					if cmp <= 0 {
						return false
					}
				case "$gte":
					if cmp < 0 {
						return false
					}
				case "$lt":
					if cmp >= 0 {
						return false
					}
				case "$lte":
					if cmp > 0 {
						return false
					}
				}
			case "$in":
				if !present || !contains(operand, value) {
					return false
				}
			case "$all":
				list, isList := asList(value)
				if !present || !isList {
					return false
				}
				wanted, _ := asList(operand)
				for _, w := range wanted {
					found := false
					for _, item := range list {
						if equal(item, w) {
							found = true
							break
						}
					}
					if !found {
						return false
					}
				}
			case "$exists":
				want, _ := operand.(bool)
				if present != want {
					return false
				}
			case "$regex":
				str, isStr := value.(string)
				pattern, _ := operand.(string)
				if !present || !isStr {
					return false
				}
				re, err := regexp.Compile(pattern)
				if err != nil || !re.MatchString(str) {
					return false
				}
			default:
				return false
			}
		}
		return true
	}
}

func contains(operand, value any) bool {
	list, ok := asList(operand)
	if !ok {
		return false
	}
	for _, item := range list {
		if equal(item, value) {
			return true
		}
	}
	return false
}

func isOperatorDoc(v any) bool {
	doc, ok := asDoc(v)
	if !ok || len(doc) == 0 {
		return false
	}
	for k := range doc {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func asDoc(v any) (store.Document, bool) {
	switch d := v.(type) {
	case store.Document:
		return d, true
	default:
		return nil, false
	}
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func lookup(doc store.Document, path string) any {
	v, _ := lookupOK(doc, path)
	return v
}

func lookupOK(doc store.Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		sub, ok := asDoc(current)
		if !ok {
			return nil, false
		}
		current, ok = sub[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equal(a, b any) bool {
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compare(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case bb:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func sortDocs(docs []store.Document, keys []store.Key) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			cmp, ok := compare(lookup(docs[i], key.Field), lookup(docs[j], key.Field))
			if !ok || cmp == 0 {
				continue
			}
			if key.Order == store.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func project(doc, projection store.Document) store.Document {
	out := store.Document{}
	if id, ok := doc["_id"]; ok {
		out["_id"] = id
	}
	for path, include := range projection {
		if n, ok := toFloat(include); !ok || n == 0 {
			continue
		}
		if v, ok := lookupOK(doc, path); ok {
			setPath(out, path, clone(v))
		}
	}
	return out
}

func setPath(doc store.Document, path string, value any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		sub, ok := doc[part].(store.Document)
		if !ok {
			sub = store.Document{}
			doc[part] = sub
		}
		doc = sub
	}
	doc[parts[len(parts)-1]] = value
}

func applySet(doc, set store.Document) {
	for path, value := range set {
		setPath(doc, path, clone(value))
	}
}

func cloneDoc(doc store.Document) store.Document {
	out := make(store.Document, len(doc))
	for k, v := range doc {
		out[k] = clone(v)
	}
	return out
}

func clone(v any) any {
	switch t := v.(type) {
	case store.Document:
		return cloneDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = clone(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
