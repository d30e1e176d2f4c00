// model.go - Model descriptors, the per-model configuration registry and connection binding

package odmongo

import (
	"context"
	"sync"

	"github.com/gobuffalo/flect"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Validator checks a document before it is saved.
type Validator func(ctx context.Context, doc *Document) error

// Model describes a class of documents stored in one collection. Models form
// a hierarchy rooted at a registry's root model (Base for the default
// registry); behaviour such as validation is inherited along it.
//
// The connection is inherited from the nearest ancestor that has one. The
// collection name is not inherited: every model reading it must set its own.
type Model struct {
	name      string
	parent    *Model
	registry  *Registry
	validator Validator
}

// ModelOption configures a model created by Extend.
type ModelOption func(*Model) error

// WithCollection sets the collection name of the new model.
func WithCollection(name string) ModelOption {
	return func(m *Model) error { return m.SetCollection(name) }
}

// WithDerivedCollection sets the collection name to DefaultCollectionName of
// the model name.
func WithDerivedCollection() ModelOption {
	return func(m *Model) error { return m.SetCollection(DefaultCollectionName(m.name)) }
}

// WithValidator sets the validator run by Document.Save.
func WithValidator(v Validator) ModelOption {
	return func(m *Model) error {
		m.validator = v
		return nil
	}
}

// DefaultCollectionName derives a snake_case collection name from a model
// name: "UserActivity" becomes "user_activity".
func DefaultCollectionName(modelName string) string {
	return flect.Underscore(modelName)
}

type binding struct {
	connection *Connection
	collection string
}

// Registry stores the connection and collection configured on each model,
// keyed by model identity.
type Registry struct {
	mu       sync.RWMutex
	bindings map[*Model]*binding
	root     *Model
}

// NewRegistry creates a registry with its own root model.
func NewRegistry() *Registry {
	r := &Registry{bindings: make(map[*Model]*binding)}
	r.root = &Model{name: "Model", registry: r}
	return r
}

// Root returns the registry's root model.
func (r *Registry) Root() *Model { return r.root }

func (r *Registry) own(m *Model) *binding {
	b, ok := r.bindings[m]
	if !ok {
		b = &binding{}
		r.bindings[m] = b
	}
	return b
}

var defaultRegistry = NewRegistry()

// Base is the root model of the default registry. It cannot carry a
// collection; extend it to define concrete models.
var Base = defaultRegistry.Root()

// Extend creates a child model named name.
func (m *Model) Extend(name string, opts ...ModelOption) (*Model, error) {
	child := &Model{name: name, parent: m, registry: m.registry}
	for _, opt := range opts {
		if err := opt(child); err != nil {
			return nil, err
		}
	}
	return child, nil
}

// MustExtend is like Extend but panics on error. It is meant for
// package-level model declarations.
func (m *Model) MustExtend(name string, opts ...ModelOption) *Model {
	child, err := m.Extend(name, opts...)
	if err != nil {
		panic(err)
	}
	return child
}

// Name returns the model name.
func (m *Model) Name() string {
	if m.name == "" {
		return "Model"
	}
	return m.name
}

// Parent returns the model this one extends, or nil for a root.
func (m *Model) Parent() *Model { return m.parent }

// IsRoot reports whether m is a registry root.
func (m *Model) IsRoot() bool { return m.parent == nil }

// SetConnection configures the connection used by m and, unless they set
// their own, by its descendants.
func (m *Model) SetConnection(conn *Connection) error {
	if conn == nil {
		return &ConfigError{Model: m.Name(), Reason: "connection must be a non-nil *Connection"}
	}
	m.registry.mu.Lock()
	m.registry.own(m).connection = conn
	m.registry.mu.Unlock()
	return nil
}

// Connection returns the connection of m or of its nearest ancestor.
func (m *Model) Connection() (*Connection, error) {
	m.registry.mu.RLock()
	defer m.registry.mu.RUnlock()

	for cur := m; cur != nil; cur = cur.parent {
		if b, ok := m.registry.bindings[cur]; ok && b.connection != nil {
			return b.connection, nil
		}
	}
	return nil, &ConfigError{
		Model:  m.Name(),
		Reason: "no connection was configured; call " + m.Name() + ".SetConnection(connection) before using the model",
	}
}

// SetCollection configures the collection name of m only. It always fails
// on a root model.
func (m *Model) SetCollection(name string) error {
	if m.IsRoot() {
		return &ConfigError{
			Model:  m.Name(),
			Reason: "cannot configure a collection on the base model; extend it and configure the collection on the child",
		}
	}
	if name == "" {
		return &ConfigError{Model: m.Name(), Reason: "collection must be a non-empty string"}
	}
	m.registry.mu.Lock()
	m.registry.own(m).collection = name
	m.registry.mu.Unlock()
	return nil
}

// CollectionName returns the collection name set on m itself.
func (m *Model) CollectionName() (string, error) {
	m.registry.mu.RLock()
	defer m.registry.mu.RUnlock()

	if b, ok := m.registry.bindings[m]; ok && b.collection != "" {
		return b.collection, nil
	}
	return "", &ConfigError{
		Model:  m.Name(),
		Reason: "no collection was configured; call " + m.Name() + ".SetCollection(name) before using the model",
	}
}

// GetCollection resolves the collection handle through the model's
// connection.
func (m *Model) GetCollection() (Collection, error) {
	name, err := m.CollectionName()
	if err != nil {
		return nil, err
	}
	conn, err := m.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Collection(name)
}

func (m *Model) validatorFor() Validator {
	for cur := m; cur != nil; cur = cur.parent {
		if cur.validator != nil {
			return cur.validator
		}
	}
	return nil
}

// bindModel derives a model from base whose connection and collection are
// preset. base keeps its own configuration.
func bindModel(base *Model, name string, conn *Connection) (*Model, error) {
	if base == nil {
		return nil, &ConfigError{Model: name, Reason: "cannot bind a nil model"}
	}
	collection, err := base.CollectionName()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = base.Name()
	}

	bound := &Model{name: name, parent: base, registry: base.registry}
	if err := bound.SetConnection(conn); err != nil {
		return nil, err
	}
	if err := bound.SetCollection(collection); err != nil {
		return nil, err
	}
	return bound, nil
}

// New creates an unsaved document.
func (m *Model) New(fields bson.M) *Document {
	if fields == nil {
		fields = bson.M{}
	}
	return &Document{Fields: fields, IsNew: true, model: m}
}

// Hydrate turns a stored document into a model instance marked as
// persisted.
func (m *Model) Hydrate(fields bson.M) *Document {
	doc := m.New(fields)
	doc.IsNew = false
	return doc
}

// HydrateAll hydrates each document in order.
func (m *Model) HydrateAll(docs []bson.M) []*Document {
	result := make([]*Document, len(docs))
	for i, fields := range docs {
		result[i] = m.Hydrate(fields)
	}
	return result
}

// Find starts a query bound to m. Each criteria argument is merged with
// Where.
func (m *Model) Find(criteria ...interface{}) *Query {
	q := NewQuery()
	q.model = m
	for _, c := range criteria {
		q.Where(c)
	}
	return q
}

// Aggregate starts a pipeline bound to m.
func (m *Model) Aggregate(stages ...bson.D) *Aggregate {
	return NewAggregate(stages...).bind(m)
}

// FindByID returns the document with the given _id. A string that is a
// valid ObjectID hex is matched as an ObjectID.
func (m *Model) FindByID(ctx context.Context, id interface{}) (*Document, error) {
	if s, ok := id.(string); ok && primitive.IsValidObjectID(s) {
		oid, err := primitive.ObjectIDFromHex(s)
		if err != nil {
			return nil, err
		}
		id = oid
	}
	return m.Find(bson.M{"_id": id}).One(ctx)
}

// Document is an instance of a model.
type Document struct {
	Fields bson.M
	IsNew  bool
	model  *Model
}

// Model returns the model the document belongs to.
func (d *Document) Model() *Model { return d.model }

// Connection returns the connection of the document's model.
func (d *Document) Connection() (*Connection, error) { return d.model.Connection() }

// Collection returns the collection handle of the document's model.
func (d *Document) Collection() (Collection, error) { return d.model.GetCollection() }

// ToJSON returns the raw fields.
func (d *Document) ToJSON() bson.M { return d.Fields }

// Decode copies the fields into out, honouring bson struct tags.
func (d *Document) Decode(out interface{}) error {
	return decodeInto(d.Fields, out)
}

// Validate runs the model validator, if any.
func (d *Document) Validate(ctx context.Context) error {
	if v := d.model.validatorFor(); v != nil {
		return v(ctx, d)
	}
	return nil
}

// Save validates the document, then inserts it when new or updates it by
// _id otherwise.
func (d *Document) Save(ctx context.Context) error {
	if err := d.Validate(ctx); err != nil {
		return err
	}
	coll, err := d.Collection()
	if err != nil {
		return err
	}

	if d.IsNew {
		id, err := coll.InsertOne(ctx, d.ToJSON())
		if err != nil {
			return err
		}
		if _, ok := d.Fields["_id"]; !ok && id != nil {
			d.Fields["_id"] = id
		}
		d.IsNew = false
		return nil
	}

	id, ok := d.Fields["_id"]
	if !ok {
		return validationErrorf("model.save", "persisted %s document has no _id", d.model.Name())
	}
	set := make(bson.M, len(d.Fields))
	for k, v := range d.Fields {
		if k != "_id" {
			set[k] = v
		}
	}
	return coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
}
