package mongo

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Epistimio/kleio/store"
)

func TestInsertTranslatesDuplicateKey(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{
		insertErr: mongodriver.WriteException{
			WriteErrors: []mongodriver.WriteError{{Code: 11000, Message: "E11000 duplicate key"}},
		},
	}
	s := storeWith(coll)

	err := s.Insert(context.Background(), "trials", store.Document{"_id": "abc"})
	assert.True(t, store.IsDuplicateKey(err))
}

func TestInsertTruncatesTimestamps(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	s := storeWith(coll)

	ts := time.Date(2023, 4, 5, 6, 7, 8, 123456789, time.UTC)
	err := s.Insert(context.Background(), "events", store.Document{
		"_id":                "t.1",
		"creation_timestamp": ts,
		"item":               store.Document{"runtime_timestamp": ts},
	})
	require.NoError(t, err)
	require.Len(t, coll.inserted, 1)

	doc, ok := coll.inserted[0].(bson.M)
	require.True(t, ok)
	assert.Equal(t, ts.Truncate(time.Millisecond), doc["creation_timestamp"])
	nested, ok := doc["item"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, ts.Truncate(time.Millisecond), nested["runtime_timestamp"])
}

func TestReadNormalizesDriverTypes(t *testing.T) {
	t.Parallel()

	ts := primitive.NewDateTimeFromTime(time.Date(2023, 4, 5, 6, 7, 8, 900000000, time.UTC))
	coll := &fakeCollection{
		findDocs: []bson.M{{
			"_id":  "t.1",
			"when": ts,
			"item": bson.M{"value": bson.A{int32(1), "two"}},
			"list": bson.D{{Key: "k", Value: "v"}},
		}},
	}
	s := storeWith(coll)

	docs, err := s.Read(context.Background(), "events", store.Document{"_id": "t.1"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc := docs[0]

	when, ok := doc["when"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, ts.Time().UTC(), when)

	item, ok := doc["item"].(store.Document)
	require.True(t, ok)
	assert.Equal(t, []any{int32(1), "two"}, item["value"])

	list, ok := doc["list"].(store.Document)
	require.True(t, ok)
	assert.Equal(t, "v", list["k"])
}

func TestReadForwardsOptions(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	s := storeWith(coll)

	_, err := s.Read(context.Background(), "trials", store.Document{}, &store.ReadOptions{
		Projection: store.Document{"registry.status": 1},
		Sort:       []store.Key{{Field: "_id", Order: store.Descending}},
		Limit:      5,
	})
	require.NoError(t, err)
	require.NotNil(t, coll.findOpts)
	require.NotNil(t, coll.findOpts.Limit)
	assert.Equal(t, int64(5), *coll.findOpts.Limit)
	sort, ok := coll.findOpts.Sort.(bson.D)
	require.True(t, ok)
	require.Len(t, sort, 1)
	assert.Equal(t, "_id", sort[0].Key)
	assert.Equal(t, store.Descending, sort[0].Value)
}

func TestReadAndWriteReturnsUpdatedDocument(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{
		updated: bson.M{"_id": "t1", "registry": bson.M{"status": "running"}},
	}
	s := storeWith(coll)

	doc, err := s.ReadAndWrite(context.Background(), "reports",
		store.Document{"_id": "t1", "registry.status": "reserved"},
		store.Document{"$set": store.Document{"registry.status": "running"}})
	require.NoError(t, err)
	assert.Equal(t, "running", doc["registry"].(store.Document)["status"])

	require.NotNil(t, coll.updateOpts)
	require.NotNil(t, coll.updateOpts.Upsert)
	assert.True(t, *coll.updateOpts.Upsert)
	require.NotNil(t, coll.updateOpts.ReturnDocument)
	assert.Equal(t, options.After, *coll.updateOpts.ReturnDocument)
}

func TestReadAndWriteTranslatesDuplicateKey(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{
		updateErr: mongodriver.CommandError{Code: 11000, Message: "E11000 duplicate key"},
	}
	s := storeWith(coll)

	_, err := s.ReadAndWrite(context.Background(), "reports",
		store.Document{"_id": "t1"},
		store.Document{"$set": store.Document{"registry.status": "running"}})
	assert.True(t, store.IsDuplicateKey(err))
}

func TestEnsureIndexBuildsModel(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{}
	s := storeWith(coll)

	err := s.EnsureIndex(context.Background(), "events", []store.Key{
		{Field: "trial", Order: store.Ascending},
		{Field: "seq", Order: store.Ascending},
	}, true)
	require.NoError(t, err)
	require.Len(t, coll.indexModels, 1)
	model := coll.indexModels[0]
	keys, ok := model.Keys.(bson.D)
	require.True(t, ok)
	require.Len(t, keys, 2)
	assert.Equal(t, "trial", keys[0].Key)
	require.NotNil(t, model.Options)
	require.NotNil(t, model.Options.Unique)
	assert.True(t, *model.Options.Unique)
}

func TestFileFilterNestsMetadata(t *testing.T) {
	t.Parallel()

	filter := fileFilter(store.Document{
		"filename": "stdout",
		"trial":    "t1",
		"_id":      "x",
	})
	assert.Equal(t, "stdout", filter["filename"])
	assert.Equal(t, "t1", filter["metadata.trial"])
	assert.Equal(t, "x", filter["_id"])
}

func TestGridFileChunking(t *testing.T) {
	t.Parallel()

	payload := make([]byte, store.DefaultChunkSize+7)
	for i := range payload {
		payload[i] = byte(i)
	}
	f := &gridFile{
		metadata: store.Document{"filename": "stats"},
		stream:   io.NopCloser(&sliceReader{data: payload}),
	}
	defer f.Close()

	chunk, err := f.ReadChunk()
	require.NoError(t, err)
	assert.Len(t, chunk, store.DefaultChunkSize)

	rest, err := f.Download()
	require.NoError(t, err)
	assert.Len(t, rest, 7)

	_, err = f.ReadChunk()
	assert.ErrorIs(t, err, io.EOF)
}

func storeWith(coll *fakeCollection) *Store {
	return &Store{
		db:      fakeDatabase{coll: coll},
		name:    "kleio",
		timeout: time.Second,
	}
}

type sliceReader struct {
	data []byte
	pos  int
}

// Read returns at most 1024 bytes per call so chunked reads span several
// reads of the underlying stream.
func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p[:min(len(p), 1024)], r.data[r.pos:])
	r.pos += n
	return n, nil
}

type fakeDatabase struct {
	coll *fakeCollection
}

func (d fakeDatabase) Collection(string) collection { return d.coll }

func (d fakeDatabase) Bucket(string) (bucket, error) {
	return nil, errors.New("bucket not faked")
}

type fakeCollection struct {
	insertErr   error
	inserted    []any
	findDocs    []bson.M
	findOpts    *options.FindOptions
	updated     bson.M
	updateErr   error
	updateOpts  *options.FindOneAndUpdateOptions
	indexModels []mongodriver.IndexModel
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	c.inserted = append(c.inserted, document)
	return &mongodriver.InsertOneResult{InsertedID: "x"}, nil
}

func (c *fakeCollection) Find(_ context.Context, _ any, opts ...*options.FindOptions) (cursor, error) {
	if len(opts) > 0 {
		c.findOpts = opts[0]
	}
	return &fakeCursor{docs: c.findDocs}, nil
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, _, _ any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	if len(opts) > 0 {
		c.updateOpts = opts[0]
	}
	return &fakeSingleResult{doc: c.updated, err: c.updateErr}
}

func (c *fakeCollection) CountDocuments(context.Context, any, ...*options.CountOptions) (int64, error) {
	return int64(len(c.findDocs)), nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{coll: c}
}

type fakeIndexView struct {
	coll *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...*options.CreateIndexesOptions) (string, error) {
	v.coll.indexModels = append(v.coll.indexModels, model)
	return "", nil
}

type fakeCursor struct {
	docs []bson.M
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	p, ok := val.(*bson.M)
	if !ok {
		return errors.New("unexpected decode target")
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error                { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

type fakeSingleResult struct {
	doc bson.M
	err error
}

func (r *fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	p, ok := val.(*bson.M)
	if !ok {
		return errors.New("unexpected decode target")
	}
	*p = r.doc
	return nil
}

func (r *fakeSingleResult) Err() error { return r.err }
