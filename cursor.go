// cursor.go - Cursor adapter shared by query and aggregation results

package odmongo

import (
	"context"
	"iter"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// CursorState is the consumption state of a Cursor.
type CursorState int

const (
	// CursorIdle means nothing was pulled yet.
	CursorIdle CursorState = iota
	// CursorStreaming means at least one item was pulled with Next or Stream.
	CursorStreaming
	// CursorExhausted means the handle reported no more items, failed, was
	// drained by CollectAll or was closed.
	CursorExhausted
)

func (s CursorState) String() string {
	switch s {
	case CursorIdle:
		return "idle"
	case CursorStreaming:
		return "streaming"
	case CursorExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Cursor wraps one driver cursor and converts each raw document with a
// hydration function. A Cursor is single pass and not restartable.
//
// Consume it either item by item (Next or Stream) or in bulk (CollectAll),
// not both: CollectAll on a partially streamed cursor fails with
// ErrMixedConsumption. Pulls are serialized and Stream hands each item to
// exactly one of several concurrent consumers; Current is only meaningful
// for a single consumer driving Next.
type Cursor[T any] struct {
	mu      sync.Mutex
	handle  DriverCursor
	hydrate func(bson.M) T
	state   CursorState
	current T
	err     error
}

// QueryCursor yields hydrated model documents.
type QueryCursor = Cursor[*Document]

// AggregateCursor yields raw pipeline output.
type AggregateCursor = Cursor[bson.M]

func newCursor[T any](handle DriverCursor, hydrate func(bson.M) T) *Cursor[T] {
	return &Cursor[T]{handle: handle, hydrate: hydrate}
}

func rawDocument(doc bson.M) bson.M { return doc }

// Next advances to the next item. It returns false once the cursor is
// exhausted or failed; check Err to tell the two apart. Calling Next again
// after that keeps returning false.
func (c *Cursor[T]) Next(ctx context.Context) bool {
	_, ok := c.pull(ctx)
	return ok
}

// pull loads the next item and returns it under the same lock, so
// concurrent pullers never observe each other's item.
func (c *Cursor[T]) pull(ctx context.Context) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if c.state == CursorExhausted {
		c.current = zero
		return zero, false
	}

	if !c.handle.Next(ctx) {
		c.state = CursorExhausted
		c.current = zero
		c.err = c.handle.Err()
		return zero, false
	}

	var raw bson.M
	if err := c.handle.Decode(&raw); err != nil {
		c.state = CursorExhausted
		c.current = zero
		c.err = err
		return zero, false
	}

	c.state = CursorStreaming
	c.current = c.hydrate(raw)
	return c.current, true
}

// Current returns the item loaded by the last successful Next.
func (c *Cursor[T]) Current() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Err returns the driver error that ended the cursor, if any.
func (c *Cursor[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the consumption state.
func (c *Cursor[T]) State() CursorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stream returns the remaining items as a lazy sequence. A driver error is
// yielded once as the final pair.
func (c *Cursor[T]) Stream(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, ok := c.pull(ctx)
			if !ok {
				break
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// CollectAll drains the whole cursor into a slice. On an exhausted cursor it
// returns an empty slice.
func (c *Cursor[T]) CollectAll(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CursorStreaming:
		return nil, ErrMixedConsumption
	case CursorExhausted:
		if c.err != nil {
			return nil, c.err
		}
		return []T{}, nil
	}

	var raws []bson.M
	err := c.handle.All(ctx, &raws)
	c.state = CursorExhausted
	if err != nil {
		c.err = err
		return nil, err
	}

	result := make([]T, len(raws))
	for i, raw := range raws {
		result[i] = c.hydrate(raw)
	}
	return result, nil
}

// Unwrap returns the underlying driver cursor.
func (c *Cursor[T]) Unwrap() DriverCursor {
	return c.handle
}

// Close releases the driver cursor. The cursor is exhausted afterwards.
func (c *Cursor[T]) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CursorExhausted
	return c.handle.Close(ctx)
}
