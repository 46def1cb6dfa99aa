// Package mongo implements the production store.Store backend on MongoDB.
// Blobs go through GridFS so chunked reads line up with stored chunks.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/Epistimio/kleio/store"
)

var _ health.Pinger = (*Store)(nil)

type (
	// Options configures the MongoDB store.
	Options struct {
		Client   *mongodriver.Client
		Database string
		Address  string
		Timeout  time.Duration
	}

	// Store is the MongoDB-backed store.Store. It also implements
	// clue health.Pinger for readiness checks.
	Store struct {
		mongo   *mongodriver.Client
		db      database
		name    string
		address string
		timeout time.Duration
	}
)

const defaultTimeout = 5 * time.Second

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		mongo:   opts.Client,
		db:      mongoDatabase{db: opts.Client.Database(opts.Database)},
		name:    opts.Database,
		address: opts.Address,
		timeout: timeout,
	}, nil
}

// Open connects to address and returns a Store on the named database.
func Open(ctx context.Context, address, database string) (*Store, error) {
	uri := address
	if !strings.Contains(uri, "://") {
		uri = "mongodb://" + uri
	}
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	return New(Options{Client: client, Database: database, Address: address})
}

func (s *Store) Name() string    { return s.name }
func (s *Store) Type() string    { return "mongodb" }
func (s *Store) Address() string { return s.address }

// Ping satisfies health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.mongo.Disconnect(ctx)
}

// EnsureIndex idempotently creates an index over keys.
func (s *Store) EnsureIndex(ctx context.Context, collName string, keys []store.Key, unique bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	model := bson.D{}
	for _, k := range keys {
		model = append(model, bson.E{Key: k.Field, Value: k.Order})
	}
	_, err := s.db.Collection(collName).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    model,
		Options: options.Index().SetUnique(unique),
	})
	if err != nil {
		return fmt.Errorf("ensure index on %s: %w", collName, err)
	}
	return nil
}

// Insert writes doc, translating unique index violations.
func (s *Store) Insert(ctx context.Context, collName string, doc store.Document) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.Collection(collName).InsertOne(ctx, toBSON(doc))
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", store.ErrDuplicateKey, err)
	}
	if err != nil {
		return fmt.Errorf("insert into %s: %w", collName, err)
	}
	return nil
}

// Read returns the documents matching query.
func (s *Store) Read(ctx context.Context, collName string, query store.Document, opts *store.ReadOptions) ([]store.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fo := options.Find()
	if opts != nil {
		if len(opts.Projection) > 0 {
			fo.SetProjection(toBSON(opts.Projection))
		}
		if len(opts.Sort) > 0 {
			sort := bson.D{}
			for _, k := range opts.Sort {
				sort = append(sort, bson.E{Key: k.Field, Value: k.Order})
			}
			fo.SetSort(sort)
		}
		if opts.Limit > 0 {
			fo.SetLimit(opts.Limit)
		}
	}
	cur, err := s.db.Collection(collName).Find(ctx, toBSON(query), fo)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collName, err)
	}
	return drain(ctx, cur, collName)
}

// ReadAndWrite atomically applies update to the first match, upserting when
// absent, and returns the post-update document.
func (s *Store) ReadAndWrite(ctx context.Context, collName string, query, update store.Document) (store.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.db.Collection(collName).FindOneAndUpdate(ctx, toBSON(query), toBSON(update),
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	)
	if err := res.Err(); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateKey, err)
		}
		return nil, fmt.Errorf("find and update in %s: %w", collName, err)
	}
	var raw bson.M
	if err := res.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", collName, err)
	}
	return normalizeDoc(raw), nil
}

// Count returns the number of documents matching query.
func (s *Store) Count(ctx context.Context, collName string, query store.Document) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.db.Collection(collName).CountDocuments(ctx, toBSON(query))
	if err != nil {
		return 0, fmt.Errorf("count in %s: %w", collName, err)
	}
	return n, nil
}

// WriteFile uploads the blob to the GridFS bucket named collName.
func (s *Store) WriteFile(ctx context.Context, collName string, r io.Reader, metadata store.Document) (string, error) {
	b, err := s.db.Bucket(collName)
	if err != nil {
		return "", fmt.Errorf("open bucket %s: %w", collName, err)
	}
	filename, meta := splitFileMetadata(metadata)
	id, err := b.UploadFromStream(filename, r, options.GridFSUpload().SetMetadata(toBSON(meta)))
	if err != nil {
		return "", fmt.Errorf("upload to %s: %w", collName, err)
	}
	return id.Hex(), nil
}

// ReadFile returns handles on the blobs whose metadata matches query, in
// upload order.
func (s *Store) ReadFile(ctx context.Context, collName string, query store.Document) ([]store.File, error) {
	b, err := s.db.Bucket(collName)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", collName, err)
	}
	cur, err := b.Find(fileFilter(query), options.GridFSFind().SetSort(bson.D{{Key: "uploadDate", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find in bucket %s: %w", collName, err)
	}
	docs, err := drain(ctx, cur, collName)
	if err != nil {
		return nil, err
	}
	files := make([]store.File, 0, len(docs))
	for _, doc := range docs {
		id, ok := doc["_id"]
		if !ok {
			return nil, fmt.Errorf("bucket %s: file document without _id", collName)
		}
		oid, err := primitive.ObjectIDFromHex(fmt.Sprintf("%v", id))
		if err != nil {
			return nil, fmt.Errorf("bucket %s: invalid file id %v: %w", collName, id, err)
		}
		stream, err := b.OpenDownloadStream(oid)
		if err != nil {
			return nil, fmt.Errorf("open download stream %v: %w", id, err)
		}
		files = append(files, &gridFile{metadata: mergeFileMetadata(doc), stream: stream})
	}
	return files, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// splitFileMetadata pulls the GridFS filename out of the metadata document.
func splitFileMetadata(metadata store.Document) (string, store.Document) {
	filename := ""
	meta := make(store.Document, len(metadata))
	for k, v := range metadata {
		if k == "filename" {
			filename, _ = v.(string)
			continue
		}
		meta[k] = v
	}
	return filename, meta
}

// fileFilter maps query keys onto the fs.files document layout: filename is
// top level, everything else nests under metadata.
func fileFilter(query store.Document) bson.M {
	filter := bson.M{}
	for k, v := range query {
		if k == "filename" || k == "_id" || strings.HasPrefix(k, "metadata.") {
			filter[k] = toBSONValue(v)
			continue
		}
		filter["metadata."+k] = toBSONValue(v)
	}
	return filter
}

// mergeFileMetadata flattens a fs.files document back into the metadata shape
// WriteFile was given.
func mergeFileMetadata(doc store.Document) store.Document {
	out := store.Document{}
	if meta, ok := doc["metadata"].(store.Document); ok {
		for k, v := range meta {
			out[k] = v
		}
	}
	for _, k := range []string{"_id", "filename", "length", "chunkSize", "uploadDate"} {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	return out
}

func drain(ctx context.Context, cur cursor, collName string) (docs []store.Document, err error) {
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collName, err)
		}
		docs = append(docs, normalizeDoc(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collName, err)
	}
	return docs, nil
}

// gridFile adapts a GridFS download stream to store.File.
type gridFile struct {
	metadata store.Document
	stream   io.ReadCloser
}

func (f *gridFile) Metadata() store.Document { return f.metadata }

func (f *gridFile) ReadChunk() ([]byte, error) {
	buf := make([]byte, store.DefaultChunkSize)
	n, err := io.ReadFull(f.stream, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, err
}

func (f *gridFile) Download() ([]byte, error) {
	return io.ReadAll(f.stream)
}

func (f *gridFile) Close() error { return f.stream.Close() }

// --- value conversion ---

// toBSON prepares a document for the driver: times are truncated to
// millisecond precision so stored values round-trip exactly.
func toBSON(doc store.Document) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = toBSONValue(v)
	}
	return out
}

func toBSONValue(v any) any {
	switch t := v.(type) {
	case store.Document:
		return toBSON(t)
	case []any:
		out := make(bson.A, len(t))
		for i, item := range t {
			out[i] = toBSONValue(item)
		}
		return out
	case []string:
		out := make(bson.A, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case time.Time:
		return t.UTC().Truncate(time.Millisecond)
	default:
		return v
	}
}

// normalizeDoc converts driver types back to the plain document model:
// primitive.M/D become Documents, primitive.A becomes []any, DateTime becomes
// time.Time in UTC.
func normalizeDoc(raw bson.M) store.Document {
	out := make(store.Document, len(raw))
	for k, v := range raw {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return normalizeDoc(t)
	case bson.D:
		out := make(store.Document, len(t))
		for _, e := range t {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Binary:
		return append([]byte(nil), t.Data...)
	default:
		return v
	}
}

// --- driver seams ---

type database interface {
	Collection(name string) collection
	Bucket(name string) (bucket, error)
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) singleResult
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type singleResult interface {
	Decode(val any) error
	Err() error
}

type bucket interface {
	UploadFromStream(filename string, source io.Reader, opts ...*options.UploadOptions) (primitive.ObjectID, error)
	Find(filter any, opts ...*options.GridFSFindOptions) (cursor, error)
	OpenDownloadStream(fileID any) (io.ReadCloser, error)
}

type mongoDatabase struct {
	db *mongodriver.Database
}

func (d mongoDatabase) Collection(name string) collection {
	return mongoCollection{coll: d.db.Collection(name)}
}

func (d mongoDatabase) Bucket(name string) (bucket, error) {
	b, err := gridfs.NewBucket(d.db, options.GridFSBucket().SetName(name))
	if err != nil {
		return nil, err
	}
	return mongoBucket{bucket: b}, nil
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error          { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                    { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

type mongoBucket struct {
	bucket *gridfs.Bucket
}

func (b mongoBucket) UploadFromStream(filename string, source io.Reader, opts ...*options.UploadOptions) (primitive.ObjectID, error) {
	return b.bucket.UploadFromStream(filename, source, opts...)
}

func (b mongoBucket) Find(filter any, opts ...*options.GridFSFindOptions) (cursor, error) {
	cur, err := b.bucket.Find(filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (b mongoBucket) OpenDownloadStream(fileID any) (io.ReadCloser, error) {
	return b.bucket.OpenDownloadStream(fileID)
}
