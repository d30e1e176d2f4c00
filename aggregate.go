// aggregate.go - Aggregation pipeline builder and the aggregate terminals

package odmongo

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Ref names the collection read by a $lookup or $unionWith stage. It is one
// of Coll, *Model, *Aggregate (bound to a model) or Union.
type Ref interface {
	isRef()
}

// Coll is a literal collection name.
type Coll string

func (Coll) isRef()       {}
func (*Model) isRef()     {}
func (*Aggregate) isRef() {}
func (Union) isRef()      {}

// Union is the structured form of a $unionWith argument.
type Union struct {
	Coll     Ref      // Coll or *Model
	Pipeline Pipeline // optional
}

// Pipeline is a nested pipeline: Stages, an *Aggregate or a Branch.
type Pipeline interface {
	isPipeline()
}

// Stages is a raw stage list, used as given.
type Stages []bson.D

// Branch builds a nested pipeline from a fresh builder scoped to the same
// model as its parent. It must return a builder.
type Branch func(*Aggregate) *Aggregate

func (Stages) isPipeline()     {}
func (Branch) isPipeline()     {}
func (*Aggregate) isPipeline() {}

// LookupSpec describes a $lookup stage. A non-empty LocalField selects the
// simple join (LocalField, ForeignField, As); otherwise the pipeline join
// (Let, Pipeline, As) is used.
type LookupSpec struct {
	From         Ref // Coll or *Model
	As           string
	LocalField   string
	ForeignField string
	Let          bson.M
	Pipeline     Pipeline
}

// Aggregate accumulates an ordered aggregation pipeline. Stage methods
// validate their argument and append exactly one stage; a malformed
// argument appends nothing and records an error returned by Err and by every
// terminal.
type Aggregate struct {
	stages    []bson.D
	model     *Model
	err       error
	allowDisk bool
	batchSize int32
	maxTime   time.Duration
	collation *options.Collation
}

// NewAggregate creates an unbound pipeline starting with stages.
func NewAggregate(stages ...bson.D) *Aggregate {
	a := &Aggregate{stages: make([]bson.D, 0, len(stages))}
	for _, stage := range stages {
		a.Push(stage)
	}
	return a
}

func (a *Aggregate) bind(m *Model) *Aggregate {
	a.model = m
	return a
}

func (a *Aggregate) fail(err error) *Aggregate {
	if a.err == nil {
		a.err = err
	}
	return a
}

func (a *Aggregate) appendStage(name string, value interface{}) *Aggregate {
	a.stages = append(a.stages, bson.D{{Key: name, Value: value}})
	return a
}

// Err returns the first error recorded by a stage method.
func (a *Aggregate) Err() error { return a.err }

// Model returns the model the pipeline is bound to, or nil.
func (a *Aggregate) Model() *Model { return a.model }

// Push appends a raw stage.
func (a *Aggregate) Push(stage bson.D) *Aggregate {
	if len(stage) == 0 {
		return a.fail(validationErrorf("aggregate.push", "stage must not be empty"))
	}
	raw := make(bson.D, len(stage))
	copy(raw, stage)
	a.stages = append(a.stages, raw)
	return a
}

// AddFields appends {$addFields: fields}.
func (a *Aggregate) AddFields(fields interface{}) *Aggregate {
	d, err := toD("aggregate.addFields", fields)
	if err != nil {
		return a.fail(err)
	}
	return a.appendStage("$addFields", d)
}

// Count appends {$count: field}.
func (a *Aggregate) Count(field string) *Aggregate {
	if field == "" {
		return a.fail(validationErrorf("aggregate.count", "must be a non-empty field name"))
	}
	return a.appendStage("$count", field)
}

// Group appends {$group: fields}. fields must contain an _id key; a nil _id
// groups every document together.
func (a *Aggregate) Group(fields interface{}) *Aggregate {
	d, err := toD("aggregate.group", fields)
	if err != nil {
		return a.fail(err)
	}
	if !hasKey(d, "_id") {
		return a.fail(validationErrorf("aggregate.group", "must have an _id key"))
	}
	return a.appendStage("$group", d)
}

// Limit appends {$limit: n}.
func (a *Aggregate) Limit(n int) *Aggregate {
	if n < 0 {
		return a.fail(validationErrorf("aggregate.limit", "must be a non-negative integer, got %d", n))
	}
	return a.appendStage("$limit", int64(n))
}

// Skip appends {$skip: n}.
func (a *Aggregate) Skip(n int) *Aggregate {
	if n < 0 {
		return a.fail(validationErrorf("aggregate.skip", "must be a non-negative integer, got %d", n))
	}
	return a.appendStage("$skip", int64(n))
}

// Match appends {$match: criteria}. query is a mapping, a *Query, or a
// func(*Query) *Query that receives a fresh query and is called right away.
func (a *Aggregate) Match(query interface{}) *Aggregate {
	if build, ok := query.(func(*Query) *Query); ok {
		if build == nil {
			return a.fail(validationErrorf("aggregate.match", "query function must not be nil"))
		}
		fresh := NewQuery()
		fresh.model = a.model
		q := build(fresh)
		if q == nil {
			return a.fail(validationErrorf("aggregate.match", "query function must return a query"))
		}
		query = q
	}
	m, err := toM("aggregate.match", query)
	if err != nil {
		return a.fail(err)
	}
	return a.appendStage("$match", m)
}

// Project appends {$project: projection}.
func (a *Aggregate) Project(projection interface{}) *Aggregate {
	d, err := toD("aggregate.project", projection)
	if err != nil {
		return a.fail(err)
	}
	return a.appendStage("$project", d)
}

// Sort appends {$sort: fields}. Use bson.D to keep key order.
func (a *Aggregate) Sort(fields interface{}) *Aggregate {
	d, err := toD("aggregate.sort", fields)
	if err != nil {
		return a.fail(err)
	}
	return a.appendStage("$sort", d)
}

// Unwind appends {$unwind: spec}. spec is a field path string, passed
// through unchanged, or a document with a path key.
func (a *Aggregate) Unwind(spec interface{}) *Aggregate {
	if path, ok := spec.(string); ok {
		if path == "" {
			return a.fail(validationErrorf("aggregate.unwind", "must be a non-empty string or an object"))
		}
		return a.appendStage("$unwind", path)
	}
	d, err := toD("aggregate.unwind", spec)
	if err != nil {
		return a.fail(validationErrorf("aggregate.unwind", "must be a string or an object, got %T", spec))
	}
	if !hasKey(d, "path") {
		return a.fail(validationErrorf("aggregate.unwind", "object form must have a path key"))
	}
	return a.appendStage("$unwind", d)
}

// ReplaceRoot appends {$replaceRoot: {newRoot: ...}}. A string names the
// field promoted to the root ("items" and "$items" are equivalent); a
// document is used as the new root expression.
func (a *Aggregate) ReplaceRoot(newRoot interface{}) *Aggregate {
	var root interface{}
	if field, ok := newRoot.(string); ok {
		field = strings.TrimPrefix(field, "$")
		if field == "" {
			return a.fail(validationErrorf("aggregate.replaceRoot", "must be a non-empty field name or an object"))
		}
		root = "$" + field
	} else {
		d, err := toD("aggregate.replaceRoot", newRoot)
		if err != nil {
			return a.fail(err)
		}
		root = d
	}
	return a.appendStage("$replaceRoot", bson.D{{Key: "newRoot", Value: root}})
}

// Lookup appends a $lookup stage joining spec.From.
func (a *Aggregate) Lookup(spec LookupSpec) *Aggregate {
	const op = "aggregate.lookup"

	from, err := collectionOf(op, spec.From)
	if err != nil {
		return a.fail(err)
	}
	if spec.As == "" {
		return a.fail(validationErrorf(op, "as must be a non-empty field name"))
	}

	lookup := bson.D{{Key: "from", Value: from}}
	if spec.LocalField != "" {
		if spec.ForeignField == "" {
			return a.fail(validationErrorf(op, "foreignField is required with localField"))
		}
		lookup = append(lookup,
			bson.E{Key: "localField", Value: spec.LocalField},
			bson.E{Key: "foreignField", Value: spec.ForeignField},
			bson.E{Key: "as", Value: spec.As},
		)
		return a.appendStage("$lookup", lookup)
	}

	if spec.Pipeline == nil {
		return a.fail(validationErrorf(op, "needs localField and foreignField, or a pipeline"))
	}
	scope, _ := spec.From.(*Model)
	stages, err := resolvePipeline(op, "pipeline", spec.Pipeline, scope)
	if err != nil {
		return a.fail(err)
	}
	if spec.Let != nil {
		lookup = append(lookup, bson.E{Key: "let", Value: spec.Let})
	}
	lookup = append(lookup,
		bson.E{Key: "pipeline", Value: stages},
		bson.E{Key: "as", Value: spec.As},
	)
	return a.appendStage("$lookup", lookup)
}

// Facet appends one $facet stage with a sub-pipeline per output name.
// Branch closures receive a fresh builder bound to this pipeline's model.
// Every facet output is an array of documents, even when a branch yields a
// single result.
func (a *Aggregate) Facet(branches map[string]Pipeline) *Aggregate {
	const op = "aggregate.facet"

	if len(branches) == 0 {
		return a.fail(validationErrorf(op, "needs at least one branch"))
	}
	names := make([]string, 0, len(branches))
	for name := range branches {
		if name == "" {
			return a.fail(validationErrorf(op, "branch names must not be empty"))
		}
		names = append(names, name)
	}
	sort.Strings(names)

	facet := make(bson.D, 0, len(names))
	for _, name := range names {
		stages, err := resolvePipeline(op, name, branches[name], a.model)
		if err != nil {
			return a.fail(err)
		}
		facet = append(facet, bson.E{Key: name, Value: stages})
	}
	return a.appendStage("$facet", facet)
}

// UnionWith appends a $unionWith stage. A Coll or *Model yields the short
// form; a Union or a model-bound *Aggregate yield {coll, pipeline}.
func (a *Aggregate) UnionWith(ref Ref) *Aggregate {
	const op = "aggregate.unionWith"

	switch r := ref.(type) {
	case Coll, *Model:
		name, err := collectionOf(op, r)
		if err != nil {
			return a.fail(err)
		}
		return a.appendStage("$unionWith", name)

	case Union:
		name, err := collectionOf(op, r.Coll)
		if err != nil {
			return a.fail(err)
		}
		union := bson.D{{Key: "coll", Value: name}}
		if r.Pipeline != nil {
			scope, _ := r.Coll.(*Model)
			stages, err := resolvePipeline(op, "pipeline", r.Pipeline, scope)
			if err != nil {
				return a.fail(err)
			}
			union = append(union, bson.E{Key: "pipeline", Value: stages})
		}
		return a.appendStage("$unionWith", union)

	case *Aggregate:
		if r == nil {
			return a.fail(validationErrorf(op, "pipeline must not be nil"))
		}
		if r.err != nil {
			return a.fail(r.err)
		}
		if r.model == nil {
			return a.fail(validationErrorf(op, "pipeline must be bound to a model"))
		}
		name, err := r.model.CollectionName()
		if err != nil {
			return a.fail(err)
		}
		union := bson.D{{Key: "coll", Value: name}}
		if len(r.stages) > 0 {
			union = append(union, bson.E{Key: "pipeline", Value: r.ToJSON()})
		}
		return a.appendStage("$unionWith", union)

	case nil:
		return a.fail(validationErrorf(op, "needs a collection, a model, a union or a bound pipeline"))

	default:
		return a.fail(validationErrorf(op, "unsupported reference %T", ref))
	}
}

// collectionOf resolves a Coll or *Model to a collection name.
func collectionOf(op string, ref Ref) (string, error) {
	switch r := ref.(type) {
	case Coll:
		if r == "" {
			return "", validationErrorf(op, "collection name must not be empty")
		}
		return string(r), nil
	case *Model:
		if r == nil {
			return "", validationErrorf(op, "model must not be nil")
		}
		return r.CollectionName()
	case nil:
		return "", validationErrorf(op, "a collection name or a model is required")
	default:
		return "", validationErrorf(op, "%T does not name a collection", ref)
	}
}

// resolvePipeline turns a nested pipeline into its stage list. Branch
// closures get a fresh builder bound to scope.
func resolvePipeline(op, name string, p Pipeline, scope *Model) (mongodrv.Pipeline, error) {
	switch v := p.(type) {
	case Stages:
		stages := make(mongodrv.Pipeline, len(v))
		copy(stages, v)
		return stages, nil
	case *Aggregate:
		if v == nil {
			return nil, validationErrorf(op, "%s: pipeline must not be nil", name)
		}
		if v.err != nil {
			return nil, fmt.Errorf("%s: %w", name, v.err)
		}
		return v.ToJSON(), nil
	case Branch:
		if v == nil {
			return nil, validationErrorf(op, "%s: branch function must not be nil", name)
		}
		out := v(NewAggregate().bind(scope))
		if out == nil {
			return nil, validationErrorf(op, "%s: branch function must return a builder", name)
		}
		if out.err != nil {
			return nil, fmt.Errorf("%s: %w", name, out.err)
		}
		return out.ToJSON(), nil
	case nil:
		return nil, validationErrorf(op, "%s: pipeline is required", name)
	default:
		return nil, validationErrorf(op, "%s: unsupported pipeline %T", name, p)
	}
}

// ToJSON returns a copy of the stage list.
func (a *Aggregate) ToJSON() mongodrv.Pipeline {
	stages := make(mongodrv.Pipeline, len(a.stages))
	copy(stages, a.stages)
	return stages
}

// AllowDiskUse lets the server write temporary files during aggregation.
func (a *Aggregate) AllowDiskUse() *Aggregate {
	a.allowDisk = true
	return a
}

// Batch sets the cursor batch size.
func (a *Aggregate) Batch(n int) *Aggregate {
	if n < 0 || n > math.MaxInt32 {
		return a.fail(validationErrorf("aggregate.batch", "must be an integer between 0 and %d, got %d", math.MaxInt32, n))
	}
	a.batchSize = int32(n)
	return a
}

// SetMaxTime bounds the server-side execution time.
func (a *Aggregate) SetMaxTime(d time.Duration) *Aggregate {
	a.maxTime = d
	return a
}

// Collation sets the string comparison rules.
func (a *Aggregate) Collation(collation *options.Collation) *Aggregate {
	a.collation = collation
	return a
}

func (a *Aggregate) aggregateOptions() *options.AggregateOptions {
	opts := options.Aggregate()
	if a.allowDisk {
		opts.SetAllowDiskUse(true)
	}
	if a.batchSize > 0 {
		opts.SetBatchSize(a.batchSize)
	}
	if a.maxTime > 0 {
		opts.SetMaxTime(a.maxTime)
	}
	if a.collation != nil {
		opts.SetCollation(a.collation)
	}
	return opts
}

// Execute runs the pipeline against the bound model's collection. Options
// passed here are applied after the builder's own.
func (a *Aggregate) Execute(ctx context.Context, opts ...*options.AggregateOptions) (*AggregateCursor, error) {
	if a.err != nil {
		return nil, a.err
	}
	if a.model == nil {
		return nil, ErrNoModel
	}
	coll, err := a.model.GetCollection()
	if err != nil {
		return nil, err
	}

	all := append([]*options.AggregateOptions{a.aggregateOptions()}, opts...)
	cursor, err := coll.Aggregate(ctx, a.ToJSON(), all...)
	if err != nil {
		return nil, err
	}
	return newCursor(cursor, rawDocument), nil
}

// All runs the pipeline and returns every result document.
func (a *Aggregate) All(ctx context.Context) ([]bson.M, error) {
	cursor, err := a.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return cursor.CollectAll(ctx)
}

// Stream runs the pipeline when iteration starts and yields results one by
// one.
func (a *Aggregate) Stream(ctx context.Context) iter.Seq2[bson.M, error] {
	return func(yield func(bson.M, error) bool) {
		cursor, err := a.Execute(ctx)
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

// One runs the pipeline and returns the first result, or ErrNotFound.
func (a *Aggregate) One(ctx context.Context) (bson.M, error) {
	cursor, err := a.Execute(ctx)
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
