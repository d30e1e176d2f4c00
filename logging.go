// logging.go - Logger plumbing and the instrumented collection handle

package odmongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type loggerKey struct{}

// ContextWithLogger stores a logger in the context. Operations run with that
// context log through it instead of the connection logger.
func ContextWithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext extracts a logger from the context, or returns fallback.
func LoggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// instrumentedCollection logs and measures every call before handing it to
// the wrapped driver collection. Errors pass through untouched.
type instrumentedCollection struct {
	inner   Collection
	logger  *zap.Logger
	metrics *Metrics
}

func (c *instrumentedCollection) Name() string { return c.inner.Name() }

func (c *instrumentedCollection) done(ctx context.Context, op string, started time.Time, err error) {
	logger := LoggerFromContext(ctx, c.logger)
	fields := []zap.Field{
		zap.String("collection", c.inner.Name()),
		zap.String("op", op),
		zap.Duration("duration", time.Since(started)),
	}
	if err != nil {
		logger.Warn("driver operation failed", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("driver operation", fields...)
	}
	c.metrics.observe(c.inner.Name(), op, started, err)
}

func (c *instrumentedCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (DriverCursor, error) {
	started := time.Now()
	cursor, err := c.inner.Find(ctx, filter, opts...)
	c.done(ctx, "find", started, err)
	return cursor, err
}

func (c *instrumentedCollection) Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (DriverCursor, error) {
	started := time.Now()
	cursor, err := c.inner.Aggregate(ctx, pipeline, opts...)
	c.done(ctx, "aggregate", started, err)
	return cursor, err
}

func (c *instrumentedCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	started := time.Now()
	n, err := c.inner.CountDocuments(ctx, filter, opts...)
	c.done(ctx, "count", started, err)
	return n, err
}

func (c *instrumentedCollection) InsertOne(ctx context.Context, document interface{}) (interface{}, error) {
	started := time.Now()
	id, err := c.inner.InsertOne(ctx, document)
	c.done(ctx, "insert", started, err)
	return id, err
}

func (c *instrumentedCollection) UpdateOne(ctx context.Context, filter, update interface{}) error {
	started := time.Now()
	err := c.inner.UpdateOne(ctx, filter, update)
	c.done(ctx, "update", started, err)
	return err
}
