package odmongo_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kinfkong/odmongo"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const testURL = "mongodb://localhost:27018/odmongo_test"

// fakeCursor replays a fixed list of documents. When failWith is set, the
// cursor reports it once the documents run out.
type fakeCursor struct {
	docs     []bson.M
	pos      int
	failWith error
	closed   bool
	exhaust  bool
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.closed || c.pos >= len(c.docs) {
		c.exhaust = true
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val interface{}) error {
	out, ok := val.(*bson.M)
	if !ok {
		return errors.New("fakeCursor: Decode needs *bson.M")
	}
	*out = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) All(ctx context.Context, results interface{}) error {
	out, ok := results.(*[]bson.M)
	if !ok {
		return errors.New("fakeCursor: All needs *[]bson.M")
	}
	if c.failWith != nil {
		return c.failWith
	}
	remaining := append([]bson.M{}, c.docs[c.pos:]...)
	c.pos = len(c.docs)
	c.closed = true
	*out = remaining
	return nil
}

func (c *fakeCursor) Err() error {
	if c.exhaust {
		return c.failWith
	}
	return nil
}

func (c *fakeCursor) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

// fakeCollection answers every find and aggregate with its documents and
// records what it was asked.
type fakeCollection struct {
	mu   sync.Mutex
	name string
	docs []bson.M

	findErr   error
	cursorErr error
	countN    int64

	findCalls   int
	lastFilter  interface{}
	lastFind    []*options.FindOptions
	lastCount   []*options.CountOptions
	aggCalls    int
	lastStages  interface{}
	lastAggOpts []*options.AggregateOptions
	inserted    []interface{}
	updates     [][2]interface{}
	cursors     []*fakeCursor
}

func (c *fakeCollection) Name() string { return c.name }

func (c *fakeCollection) newCursor() *fakeCursor {
	cursor := &fakeCursor{docs: append([]bson.M{}, c.docs...), failWith: c.cursorErr}
	c.cursors = append(c.cursors, cursor)
	return cursor
}

func (c *fakeCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (odmongo.DriverCursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findCalls++
	c.lastFilter = filter
	c.lastFind = opts
	if c.findErr != nil {
		return nil, c.findErr
	}
	return c.newCursor(), nil
}

func (c *fakeCollection) Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (odmongo.DriverCursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggCalls++
	c.lastStages = pipeline
	c.lastAggOpts = opts
	if c.findErr != nil {
		return nil, c.findErr
	}
	return c.newCursor(), nil
}

func (c *fakeCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFilter = filter
	c.lastCount = opts
	if c.findErr != nil {
		return 0, c.findErr
	}
	return c.countN, nil
}

func (c *fakeCollection) InsertOne(ctx context.Context, document interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserted = append(c.inserted, document)
	return "generated-id", nil
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter, update interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, [2]interface{}{filter, update})
	return nil
}

type fakeDatabase struct {
	mu          sync.Mutex
	name        string
	collections map[string]*fakeCollection
	opened      map[string]int
}

func (d *fakeDatabase) Name() string { return d.name }

func (d *fakeDatabase) Collection(name string) odmongo.Collection {
	return d.coll(name)
}

func (d *fakeDatabase) coll(name string) *fakeCollection {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened[name]++
	c, ok := d.collections[name]
	if !ok {
		c = &fakeCollection{name: name}
		d.collections[name] = c
	}
	return c
}

type fakeClient struct {
	mu           sync.Mutex
	data         map[string][]bson.M
	databases    map[string]*fakeDatabase
	disconnected bool
	pingErr      error
}

func newFakeClient(data map[string][]bson.M) *fakeClient {
	return &fakeClient{data: data, databases: make(map[string]*fakeDatabase)}
}

func (c *fakeClient) Database(name string) odmongo.Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.databases[name]
	if !ok {
		db = &fakeDatabase{name: name, collections: make(map[string]*fakeCollection), opened: make(map[string]int)}
		for coll, docs := range c.data {
			db.collections[coll] = &fakeCollection{name: coll, docs: docs}
		}
		c.databases[name] = db
	}
	return db
}

func (c *fakeClient) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

// fakeColl returns the fake behind the named collection of the test
// database.
func (c *fakeClient) fakeColl(name string) *fakeCollection {
	return c.Database("odmongo_test").(*fakeDatabase).coll(name)
}

// NewTestConnection connects a Connection to a fake client holding data.
func NewTestConnection(t *testing.T, data map[string][]bson.M, opts ...odmongo.ConnectionOption) (*odmongo.Connection, *fakeClient) {
	t.Helper()
	client := newFakeClient(data)
	factory := func(ctx context.Context, mongoURL string, _ ...*options.ClientOptions) (odmongo.Client, error) {
		return client, nil
	}
	conn := odmongo.NewConnection(append([]odmongo.ConnectionOption{odmongo.WithClientFactory(factory)}, opts...)...)
	require.NoError(t, conn.Connect(context.Background(), testURL))
	return conn, client
}

// NewTestModel extends Base with a model bound to conn and collection.
func NewTestModel(t *testing.T, name, collection string, conn *odmongo.Connection) *odmongo.Model {
	t.Helper()
	m, err := odmongo.Base.Extend(name, odmongo.WithCollection(collection))
	require.NoError(t, err)
	if conn != nil {
		require.NoError(t, m.SetConnection(conn))
	}
	return m
}
