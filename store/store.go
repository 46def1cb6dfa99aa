// Package store defines the narrow document-store interface the engine is
// built on. Two backends implement it: a MongoDB client for production and an
// in-memory store for debugging and tests. Both honour unique indexes and
// surface unique-key violations as ErrDuplicateKey, which is how optimistic
// concurrency is implemented throughout the engine.
package store

import (
	"context"
	"errors"
	"io"
)

// Document is the unit of storage. Nested documents are Documents, arrays are
// []any, timestamps are time.Time truncated to millisecond precision.
type Document = map[string]any

// Sort orders for index keys and read sorting.
const (
	Ascending  = 1
	Descending = -1
)

// Key names an indexed or sorted field with its order. Dotted paths address
// nested fields.
type Key struct {
	Field string
	Order int
}

// ReadOptions tunes a Read call.
type ReadOptions struct {
	// Projection restricts returned fields. Keys map to 1 (include).
	// The _id field is always returned.
	Projection Document
	// Sort orders results. Defaults to natural (insertion) order.
	Sort []Key
	// Limit caps the number of returned documents when > 0.
	Limit int64
}

var (
	// ErrDuplicateKey reports a unique index violation on Insert. Call sites
	// translate it into their domain error (trial already exists, race on a
	// status transition, branch already exists).
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound reports that ReadAndWrite matched no document and upsert
	// was not requested.
	ErrNotFound = errors.New("document not found")
)

// IsDuplicateKey reports whether err stems from a unique index violation.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// File is a handle on a stored blob and its metadata. Reads are chunked;
// Download drains the remaining chunks into memory.
type File interface {
	io.Closer

	// Metadata returns the document the blob was indexed with.
	Metadata() Document
	// ReadChunk returns the next chunk of at most DefaultChunkSize bytes,
	// or io.EOF after the last one.
	ReadChunk() ([]byte, error)
	// Download reads all remaining chunks and returns the assembled bytes.
	Download() ([]byte, error)
}

// DefaultChunkSize is the blob chunk size used by both backends. It matches
// the GridFS default so chunked reads line up with stored chunks.
const DefaultChunkSize = 255 * 1024

// Store is the event log store adapter. Collections are created lazily on
// first use by both backends.
type Store interface {
	// Name returns the database name.
	Name() string
	// Type identifies the backend ("mongodb" or "inmem").
	Type() string
	// Address returns the connection address, empty for inmem.
	Address() string

	// EnsureIndex idempotently creates an index over keys.
	EnsureIndex(ctx context.Context, collection string, keys []Key, unique bool) error

	// Insert writes a single document. A provided _id must be unique;
	// violations of any unique index return ErrDuplicateKey.
	Insert(ctx context.Context, collection string, doc Document) error

	// Read returns the documents matching query. Query values are matched
	// by equality unless they are operator documents ($eq, $ne, $gt, $gte,
	// $lt, $lte, $in, $all, $exists, $regex). Dotted keys address nested
	// fields.
	Read(ctx context.Context, collection string, query Document, opts *ReadOptions) ([]Document, error)

	// ReadAndWrite atomically applies update ({$set: {...}}) to the first
	// document matching query, inserting it when absent, and returns the
	// updated document.
	ReadAndWrite(ctx context.Context, collection string, query, update Document) (Document, error)

	// Count returns the number of documents matching query.
	Count(ctx context.Context, collection string, query Document) (int64, error)

	// WriteFile stores a blob with its metadata and returns the blob id.
	WriteFile(ctx context.Context, collection string, r io.Reader, metadata Document) (string, error)

	// ReadFile returns handles on the blobs whose metadata matches query,
	// in upload order.
	ReadFile(ctx context.Context, collection string, query Document) ([]File, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}
