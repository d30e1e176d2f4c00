package odmongo_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kinfkong/odmongo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newCursorFixture(t *testing.T, docs []bson.M) (*odmongo.QueryCursor, *fakeCollection) {
	t.Helper()
	conn, client := NewTestConnection(t, map[string][]bson.M{"items": docs})
	model := NewTestModel(t, "Item", "items", conn)
	cursor, err := model.Find().Execute(context.Background())
	require.NoError(t, err)
	return cursor, client.fakeColl("items")
}

func TestCursorNextUntilExhausted(t *testing.T) {
	ctx := context.Background()
	cursor, _ := newCursorFixture(t, []bson.M{{"_id": 1}, {"_id": 2}})
	assert.Equal(t, odmongo.CursorIdle, cursor.State())

	var ids []interface{}
	for cursor.Next(ctx) {
		assert.Equal(t, odmongo.CursorStreaming, cursor.State())
		ids = append(ids, cursor.Current().Fields["_id"])
	}
	assert.Equal(t, []interface{}{1, 2}, ids)
	assert.NoError(t, cursor.Err())
	assert.Equal(t, odmongo.CursorExhausted, cursor.State())

	// Pulling past the end never repeats an item.
	assert.False(t, cursor.Next(ctx))
	assert.Nil(t, cursor.Current())
	assert.NoError(t, cursor.Err())
}

func TestCursorStream(t *testing.T) {
	ctx := context.Background()
	cursor, _ := newCursorFixture(t, []bson.M{{"_id": 1}, {"_id": 2}, {"_id": 3}})

	var ids []interface{}
	for doc, err := range cursor.Stream(ctx) {
		require.NoError(t, err)
		ids = append(ids, doc.Fields["_id"])
		if len(ids) == 2 {
			break
		}
	}
	assert.Equal(t, []interface{}{1, 2}, ids)

	// Breaking out leaves the rest for the next consumer.
	for doc, err := range cursor.Stream(ctx) {
		require.NoError(t, err)
		ids = append(ids, doc.Fields["_id"])
	}
	assert.Equal(t, []interface{}{1, 2, 3}, ids)

	count := 0
	for range cursor.Stream(ctx) {
		count++
	}
	assert.Zero(t, count)
}

func TestCursorStreamConcurrentConsumers(t *testing.T) {
	ctx := context.Background()
	docs := make([]bson.M, 200)
	want := make([]interface{}, len(docs))
	for i := range docs {
		docs[i] = bson.M{"_id": i}
		want[i] = i
	}
	cursor, _ := newCursorFixture(t, docs)

	var (
		mu  sync.Mutex
		got []interface{}
		wg  sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for doc, err := range cursor.Stream(ctx) {
				if err != nil {
					return
				}
				mu.Lock()
				got = append(got, doc.Fields["_id"])
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every item reaches exactly one consumer.
	assert.ElementsMatch(t, want, got)
	assert.Equal(t, odmongo.CursorExhausted, cursor.State())
}

func TestCursorCollectAll(t *testing.T) {
	ctx := context.Background()
	cursor, _ := newCursorFixture(t, []bson.M{{"_id": 1}, {"_id": 2}})

	docs, err := cursor.CollectAll(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, doc := range docs {
		assert.False(t, doc.IsNew)
	}
	assert.Equal(t, odmongo.CursorExhausted, cursor.State())

	again, err := cursor.CollectAll(ctx)
	require.NoError(t, err)
	assert.NotNil(t, again)
	assert.Empty(t, again)
	assert.False(t, cursor.Next(ctx))
}

func TestCursorCollectAllAfterNext(t *testing.T) {
	ctx := context.Background()
	cursor, _ := newCursorFixture(t, []bson.M{{"_id": 1}, {"_id": 2}})

	require.True(t, cursor.Next(ctx))
	_, err := cursor.CollectAll(ctx)
	assert.ErrorIs(t, err, odmongo.ErrMixedConsumption)

	// The failed bulk read does not consume anything.
	require.True(t, cursor.Next(ctx))
	assert.Equal(t, 2, cursor.Current().Fields["_id"])
}

func TestCursorCollectAllOnEmpty(t *testing.T) {
	cursor, _ := newCursorFixture(t, nil)
	docs, err := cursor.CollectAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCursorDriverErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("cursor killed")

	conn, client := NewTestConnection(t, map[string][]bson.M{"items": {{"_id": 1}}})
	model := NewTestModel(t, "Item", "items", conn)
	client.fakeColl("items").cursorErr = boom

	cursor, err := model.Find().Execute(ctx)
	require.NoError(t, err)
	require.True(t, cursor.Next(ctx))
	assert.False(t, cursor.Next(ctx))
	assert.Same(t, boom, cursor.Err())
	assert.Equal(t, odmongo.CursorExhausted, cursor.State())

	// A failed cursor reports the failure to a later bulk read too.
	_, err = cursor.CollectAll(ctx)
	assert.Same(t, boom, err)

	cursor, err = model.Find().Execute(ctx)
	require.NoError(t, err)
	_, err = cursor.CollectAll(ctx)
	assert.Same(t, boom, err)
	assert.Equal(t, odmongo.CursorExhausted, cursor.State())

	cursor, err = model.Find().Execute(ctx)
	require.NoError(t, err)
	var last error
	n := 0
	for doc, err := range cursor.Stream(ctx) {
		if err != nil {
			last = err
			assert.Nil(t, doc)
			continue
		}
		n++
	}
	assert.Equal(t, 1, n)
	assert.Same(t, boom, last)
}

func TestCursorUnwrapAndClose(t *testing.T) {
	ctx := context.Background()
	cursor, fake := newCursorFixture(t, []bson.M{{"_id": 1}})

	require.Len(t, fake.cursors, 1)
	assert.Same(t, fake.cursors[0], cursor.Unwrap())

	require.NoError(t, cursor.Close(ctx))
	assert.True(t, fake.cursors[0].closed)
	assert.Equal(t, odmongo.CursorExhausted, cursor.State())
	assert.False(t, cursor.Next(ctx))
}

func TestCursorStateString(t *testing.T) {
	assert.Equal(t, "idle", odmongo.CursorIdle.String())
	assert.Equal(t, "streaming", odmongo.CursorStreaming.String())
	assert.Equal(t, "exhausted", odmongo.CursorExhausted.String())
	assert.Equal(t, "unknown", odmongo.CursorState(42).String())
}
