// query.go - Query builder: filter criteria, find options and the find/count terminals

package odmongo

import (
	"context"
	"iter"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// QueryOptions are the find options accumulated by a Query. Nil pointers and
// empty slices mean "not set".
type QueryOptions struct {
	Sort       bson.D
	Skip       *int64
	Limit      *int64
	Projection []string
}

func (o QueryOptions) clone() QueryOptions {
	out := o
	if o.Sort != nil {
		out.Sort = make(bson.D, len(o.Sort))
		copy(out.Sort, o.Sort)
	}
	if o.Skip != nil {
		n := *o.Skip
		out.Skip = &n
	}
	if o.Limit != nil {
		n := *o.Limit
		out.Limit = &n
	}
	if o.Projection != nil {
		out.Projection = append([]string(nil), o.Projection...)
	}
	return out
}

// merge lays extra over o. Set fields of extra win; sort keys merge one by
// one.
func (o QueryOptions) merge(extra QueryOptions) QueryOptions {
	out := o.clone()
	for _, elem := range extra.Sort {
		out.Sort = setD(out.Sort, elem.Key, elem.Value)
	}
	if extra.Skip != nil {
		n := *extra.Skip
		out.Skip = &n
	}
	if extra.Limit != nil {
		n := *extra.Limit
		out.Limit = &n
	}
	if extra.Projection != nil {
		out.Projection = append([]string(nil), extra.Projection...)
	}
	return out
}

func (o QueryOptions) projection() bson.D {
	if len(o.Projection) == 0 {
		return nil
	}
	proj := make(bson.D, 0, len(o.Projection))
	for _, field := range o.Projection {
		proj = setD(proj, field, 1)
	}
	return proj
}

func (o QueryOptions) findOptions() *options.FindOptions {
	findOpts := options.Find()
	if len(o.Sort) > 0 {
		findOpts.SetSort(o.Sort)
	}
	if o.Skip != nil {
		findOpts.SetSkip(*o.Skip)
	}
	if o.Limit != nil {
		findOpts.SetLimit(*o.Limit)
	}
	if proj := o.projection(); proj != nil {
		findOpts.SetProjection(proj)
	}
	return findOpts
}

func (o QueryOptions) countOptions() *options.CountOptions {
	countOpts := options.Count()
	if o.Skip != nil {
		countOpts.SetSkip(*o.Skip)
	}
	if o.Limit != nil {
		countOpts.SetLimit(*o.Limit)
	}
	return countOpts
}

// Query accumulates filter criteria and find options. Builder calls never
// touch the driver; only the terminals (Execute, All, Stream, One, Count) do.
//
// A builder call with a malformed argument leaves the query unchanged and
// records the error; Err returns the first one and every terminal fails
// with it.
type Query struct {
	criteria bson.M
	opts     QueryOptions
	model    *Model
	err      error
}

// NewQuery creates an unbound query. Each criteria argument is merged with
// Where.
func NewQuery(criteria ...interface{}) *Query {
	q := &Query{criteria: bson.M{}}
	for _, c := range criteria {
		q.Where(c)
	}
	return q
}

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Err returns the first validation error recorded by a builder call.
func (q *Query) Err() error { return q.err }

// Model returns the model the query is bound to, or nil.
func (q *Query) Model() *Model { return q.model }

// Where shallow-merges criteria into the filter; later keys overwrite
// earlier ones. criteria may be a bson.M, a map, a bson.D or another *Query.
func (q *Query) Where(criteria interface{}) *Query {
	m, err := toM("query.where", criteria)
	if err != nil {
		return q.fail(err)
	}
	for k, v := range m {
		q.criteria[k] = v
	}
	return q
}

// Eq adds {field: {$eq: value}}.
func (q *Query) Eq(field string, value interface{}) *Query {
	return q.compare("eq", "$eq", field, value)
}

// Neq adds {field: {$ne: value}}.
func (q *Query) Neq(field string, value interface{}) *Query {
	return q.compare("neq", "$ne", field, value)
}

// Gt adds {field: {$gt: value}}.
func (q *Query) Gt(field string, value interface{}) *Query {
	return q.compare("gt", "$gt", field, value)
}

// Gte adds {field: {$gte: value}}.
func (q *Query) Gte(field string, value interface{}) *Query {
	return q.compare("gte", "$gte", field, value)
}

// Lt adds {field: {$lt: value}}.
func (q *Query) Lt(field string, value interface{}) *Query {
	return q.compare("lt", "$lt", field, value)
}

// Lte adds {field: {$lte: value}}.
func (q *Query) Lte(field string, value interface{}) *Query {
	return q.compare("lte", "$lte", field, value)
}

// compare merges one operator into the field's condition, so Gt followed by
// Lt on the same field keeps both bounds. A plain value already stored for
// the field becomes its $eq operand.
func (q *Query) compare(name, operator, field string, value interface{}) *Query {
	if field == "" {
		return q.fail(validationErrorf("query."+name, "field name must not be empty"))
	}

	cond := bson.M{}
	if existing, ok := q.criteria[field]; ok {
		if ops, isOps := operatorDoc(existing); isOps {
			for k, v := range ops {
				cond[k] = v
			}
		} else {
			cond["$eq"] = existing
		}
	}
	cond[operator] = value
	q.criteria[field] = cond
	return q
}

// operatorDoc reports whether v is a non-empty document whose keys are all
// query operators.
func operatorDoc(v interface{}) (map[string]interface{}, bool) {
	var m map[string]interface{}
	switch d := v.(type) {
	case bson.M:
		m = d
	case map[string]interface{}:
		m = d
	case bson.D:
		m = make(map[string]interface{}, len(d))
		for _, elem := range d {
			m[elem.Key] = elem.Value
		}
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// And sets {$and: [branches...]}. Each branch is a mapping or a *Query.
func (q *Query) And(branches ...interface{}) *Query {
	return q.combine("and", "$and", branches)
}

// Or sets {$or: [branches...]}. Each branch is a mapping or a *Query.
func (q *Query) Or(branches ...interface{}) *Query {
	return q.combine("or", "$or", branches)
}

func (q *Query) combine(name, operator string, branches []interface{}) *Query {
	if len(branches) == 0 {
		return q.fail(validationErrorf("query."+name, "needs at least one branch"))
	}
	list := make(bson.A, len(branches))
	for i, branch := range branches {
		m, err := toM("query."+name, branch)
		if err != nil {
			return q.fail(err)
		}
		list[i] = m
	}
	q.criteria[operator] = list
	return q
}

// Select sets the projection to the given field names, replacing any
// previous one. Arguments may be strings or []string and are flattened.
func (q *Query) Select(fields ...interface{}) *Query {
	var names []string
	for _, f := range fields {
		switch v := f.(type) {
		case string:
			names = append(names, v)
		case []string:
			names = append(names, v...)
		default:
			return q.fail(validationErrorf("query.select", "field names must be strings, got %T", f))
		}
	}
	for _, name := range names {
		if name == "" {
			return q.fail(validationErrorf("query.select", "field names must not be empty"))
		}
	}
	q.opts.Projection = names
	return q
}

// Sort merges fields into the sort specification key by key; a later value
// for a key replaces the earlier one in place. Use bson.D to control the
// order of new keys; map keys are added in lexical order.
func (q *Query) Sort(fields interface{}) *Query {
	d, err := toD("query.sort", fields)
	if err != nil {
		return q.fail(err)
	}
	for _, elem := range d {
		q.opts.Sort = setD(q.opts.Sort, elem.Key, elem.Value)
	}
	return q
}

// SortBy is Sort with mgo-style field names: "-field" sorts descending.
func (q *Query) SortBy(fields ...string) *Query {
	var sort bson.D
	for _, field := range fields {
		order := 1
		if strings.HasPrefix(field, "-") {
			order = -1
			field = field[1:]
		}
		if field == "" {
			return q.fail(validationErrorf("query.sort", "field names must not be empty"))
		}
		sort = append(sort, bson.E{Key: field, Value: order})
	}
	return q.Sort(sort)
}

// Skip sets the number of documents to skip.
func (q *Query) Skip(n int) *Query {
	if n < 0 {
		return q.fail(validationErrorf("query.skip", "must be a non-negative integer, got %d", n))
	}
	skip := int64(n)
	q.opts.Skip = &skip
	return q
}

// Limit sets the maximum number of documents returned.
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		return q.fail(validationErrorf("query.limit", "must be a non-negative integer, got %d", n))
	}
	limit := int64(n)
	q.opts.Limit = &limit
	return q
}

// ToJSON returns a copy of the filter criteria.
func (q *Query) ToJSON() bson.M {
	return cloneM(q.criteria)
}

// GetOptions returns a copy of the accumulated options.
func (q *Query) GetOptions() QueryOptions {
	return q.opts.clone()
}

func (q *Query) collection() (Collection, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.model == nil {
		return nil, ErrNoModel
	}
	return q.model.GetCollection()
}

func (q *Query) mergedOptions(extra []QueryOptions) QueryOptions {
	opts := q.opts.clone()
	for _, e := range extra {
		opts = opts.merge(e)
	}
	return opts
}

// Execute issues the find and wraps the driver cursor. extra options are
// laid over the accumulated ones.
func (q *Query) Execute(ctx context.Context, extra ...QueryOptions) (*QueryCursor, error) {
	coll, err := q.collection()
	if err != nil {
		return nil, err
	}
	opts := q.mergedOptions(extra)

	cursor, err := coll.Find(ctx, q.ToJSON(), opts.findOptions())
	if err != nil {
		return nil, err
	}
	return newCursor(cursor, q.model.Hydrate), nil
}

// All executes the query and returns every hydrated document.
func (q *Query) All(ctx context.Context) ([]*Document, error) {
	cursor, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return cursor.CollectAll(ctx)
}

// Stream executes the query when iteration starts and yields hydrated
// documents one by one.
func (q *Query) Stream(ctx context.Context) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		cursor, err := q.Execute(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cursor.Close(ctx)
		for doc, err := range cursor.Stream(ctx) {
			if !yield(doc, err) {
				return
			}
		}
	}
}

// One returns the first matching document, or ErrNotFound.
func (q *Query) One(ctx context.Context) (*Document, error) {
	one := int64(1)
	cursor, err := q.Execute(ctx, QueryOptions{Limit: &one})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	if cursor.Next(ctx) {
		return cursor.Current(), nil
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// Count counts the matching documents, honouring skip and limit.
func (q *Query) Count(ctx context.Context, extra ...QueryOptions) (int64, error) {
	coll, err := q.collection()
	if err != nil {
		return 0, err
	}
	opts := q.mergedOptions(extra)
	return coll.CountDocuments(ctx, q.ToJSON(), opts.countOptions())
}
