// connection.go - Connection: client lifecycle, collection cache and model binding

package odmongo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Connection owns a driver client, the selected database, a cache of
// collection handles and the models bound to it with Define.
type Connection struct {
	mu            sync.Mutex
	client        Client
	ownsClient    bool
	clientFactory ClientFactory
	db            Database
	collections   map[string]Collection
	models        map[string]*Model
	logger        *zap.Logger
	metrics       *Metrics
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithClient injects an already connected client. Connect then only selects
// the database.
func WithClient(client Client) ConnectionOption {
	return func(c *Connection) { c.client = client }
}

// WithClientFactory replaces DialMongo.
func WithClientFactory(factory ClientFactory) ConnectionOption {
	return func(c *Connection) { c.clientFactory = factory }
}

// WithLogger sets the logger used for connection and driver events.
func WithLogger(logger *zap.Logger) ConnectionOption {
	return func(c *Connection) { c.logger = logger }
}

// WithMetrics enables operation metrics.
func WithMetrics(metrics *Metrics) ConnectionOption {
	return func(c *Connection) { c.metrics = metrics }
}

// NewConnection creates an unconnected Connection.
func NewConnection(opts ...ConnectionOption) *Connection {
	c := &Connection{
		clientFactory: DialMongo,
		collections:   make(map[string]Collection),
		models:        make(map[string]*Model),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Connect opens the client (unless one was injected) and selects the
// database named by the URL path.
func (c *Connection) Connect(ctx context.Context, mongoURL string, opts ...*options.ClientOptions) error {
	dbName, err := DatabaseNameFromURL(mongoURL)
	if err != nil {
		return fmt.Errorf("odmongo: parse connection url: %w", err)
	}
	return c.connect(ctx, mongoURL, dbName, opts...)
}

// ConnectConfig connects using cfg. The connect timeout bounds the initial
// handshake only.
func (c *Connection) ConnectConfig(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	dbName := cfg.Database
	if dbName == "" {
		var err error
		if dbName, err = DatabaseNameFromURL(cfg.URL); err != nil {
			return fmt.Errorf("odmongo: parse connection url: %w", err)
		}
	}

	clientOptions := options.Client().SetRetryWrites(cfg.RetryWrites)
	if cfg.AppName != "" {
		clientOptions.SetAppName(cfg.AppName)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	return c.connect(ctx, cfg.URL, dbName, clientOptions)
}

func (c *Connection) connect(ctx context.Context, mongoURL, dbName string, opts ...*options.ClientOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := LoggerFromContext(ctx, c.logger)
	if c.client == nil {
		client, err := c.clientFactory(ctx, mongoURL, opts...)
		if err != nil {
			logger.Warn("connect failed", zap.String("database", dbName), zap.Error(err))
			return err
		}
		c.client = client
		c.ownsClient = true
	}

	c.db = c.client.Database(dbName)
	c.collections = make(map[string]Collection)
	logger.Debug("connected", zap.String("database", dbName))
	return nil
}

// Ping checks the server is reachable.
func (c *Connection) Ping(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Ping(ctx)
}

// Close disconnects the client if this connection opened it.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || !c.ownsClient {
		return nil
	}
	err := c.client.Disconnect(ctx)
	c.client = nil
	c.db = nil
	c.ownsClient = false
	c.collections = make(map[string]Collection)
	return err
}

// DatabaseName returns the selected database, or "" before Connect.
func (c *Connection) DatabaseName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return ""
	}
	return c.db.Name()
}

// Collection returns the handle for name, creating and caching it on first
// use.
func (c *Connection) Collection(name string) (Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil, ErrNotConnected
	}
	if coll, ok := c.collections[name]; ok {
		return coll, nil
	}

	coll := &instrumentedCollection{
		inner:   c.db.Collection(name),
		logger:  c.logger,
		metrics: c.metrics,
	}
	c.collections[name] = coll
	c.logger.Debug("collection handle created", zap.String("collection", name))
	return coll, nil
}

// Define binds base to this connection under name and records the bound
// model. base is not modified.
func (c *Connection) Define(name string, base *Model) (*Model, error) {
	bound, err := bindModel(base, name, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.models[bound.Name()] = bound
	c.mu.Unlock()
	return bound, nil
}

// DefineAll binds every model in models, in name order. Models that fail to
// bind are skipped and their errors are returned together.
func (c *Connection) DefineAll(models map[string]*Model) error {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs *multierror.Error
	for _, name := range names {
		if _, err := c.Define(name, models[name]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Model returns the model bound under name.
func (c *Connection) Model(name string) (*Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.models[name]
	return m, ok
}

// Models returns the names of all bound models, sorted.
func (c *Connection) Models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
