// driver.go - Narrow view of the MongoDB driver used by connections, builders and cursors

package odmongo

import (
	"context"
	"net/url"
	"strings"

	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client is the part of *mongo.Client a Connection needs.
type Client interface {
	Database(name string) Database
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Database is the part of *mongo.Database a Connection needs.
type Database interface {
	Name() string
	Collection(name string) Collection
}

// Collection is the part of *mongo.Collection the builders and documents use.
type Collection interface {
	Name() string
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (DriverCursor, error)
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (DriverCursor, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	InsertOne(ctx context.Context, document interface{}) (interface{}, error)
	UpdateOne(ctx context.Context, filter, update interface{}) error
}

// DriverCursor is a server-side cursor. *mongo.Cursor implements it.
type DriverCursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	All(ctx context.Context, results interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// ClientFactory opens a client for a connection string.
type ClientFactory func(ctx context.Context, mongoURL string, opts ...*options.ClientOptions) (Client, error)

// DialMongo is the default ClientFactory. Retryable writes are disabled so
// standalone servers accept writes.
func DialMongo(ctx context.Context, mongoURL string, opts ...*options.ClientOptions) (Client, error) {
	clientOptions := options.Client().ApplyURI(mongoURL).SetRetryWrites(false)
	all := append([]*options.ClientOptions{clientOptions}, opts...)

	client, err := mongodrv.Connect(ctx, all...)
	if err != nil {
		return nil, err
	}
	return WrapClient(client), nil
}

// WrapClient adapts an already connected *mongo.Client.
func WrapClient(client *mongodrv.Client) Client {
	return &mongoClient{client: client}
}

// DatabaseNameFromURL extracts the database name from the URL path. The
// leading separator is stripped; an empty path selects "test".
func DatabaseNameFromURL(mongoURL string) (string, error) {
	parsedURL, err := url.Parse(mongoURL)
	if err != nil {
		return "", err
	}
	dbName := strings.TrimPrefix(parsedURL.Path, "/")
	if dbName == "" {
		dbName = "test"
	}
	return dbName, nil
}

type mongoClient struct {
	client *mongodrv.Client
}

func (c *mongoClient) Database(name string) Database {
	return &mongoDatabase{db: c.client.Database(name)}
}

func (c *mongoClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

func (c *mongoClient) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

type mongoDatabase struct {
	db *mongodrv.Database
}

func (d *mongoDatabase) Name() string { return d.db.Name() }

func (d *mongoDatabase) Collection(name string) Collection {
	return &mongoCollection{coll: d.db.Collection(name)}
}

type mongoCollection struct {
	coll *mongodrv.Collection
}

func (c *mongoCollection) Name() string { return c.coll.Name() }

func (c *mongoCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (DriverCursor, error) {
	cursor, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (DriverCursor, error) {
	cursor, err := c.coll.Aggregate(ctx, pipeline, opts...)
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (c *mongoCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c *mongoCollection) InsertOne(ctx context.Context, document interface{}) (interface{}, error) {
	result, err := c.coll.InsertOne(ctx, document)
	if err != nil {
		return nil, err
	}
	return result.InsertedID, nil
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update interface{}) error {
	_, err := c.coll.UpdateOne(ctx, filter, update)
	return err
}
