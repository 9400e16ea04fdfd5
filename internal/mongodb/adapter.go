// Package mongodb implements the docstore Adapter on a MongoDB database.
//
// Matching, sorting and paging are delegated to the server. Collections are
// restricted to the same allow-list as the JSON backend and ids come from the
// same kind of store-wide counter, kept in the "counters" collection and
// incremented atomically with $inc.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/maruel/docstore/internal/docstore"
	"github.com/maruel/docstore/internal/jsondb"
	"github.com/maruel/docstore/internal/query"
)

const (
	countersCollection = docstore.CountersCollection
	counterID          = "documents"
)

// Options configures an Adapter.
type Options struct {
	Defaults   map[string]docstore.Document
	References map[string]map[string]string
	Validator  docstore.Validator
	Now        func() time.Time
}

// Adapter is the MongoDB backed docstore.Adapter.
type Adapter struct {
	client  *mongo.Client
	db      *mongo.Database
	allowed []string
	opts    Options
}

var _ docstore.Adapter = (*Adapter)(nil)

// Connect dials uri, checks the connection and returns an adapter on database.
func Connect(ctx context.Context, uri, database string, collections []string, opts Options) (*Adapter, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to ping mongodb: %w", err), client.Disconnect(ctx))
	}
	a := New(client.Database(database), collections, opts)
	a.client = client
	return a, nil
}

// New returns an adapter on db. The caller owns the client.
func New(db *mongo.Database, collections []string, opts Options) *Adapter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{db: db, allowed: slices.Clone(collections), opts: opts}
}

// Close disconnects the client opened by Connect.
func (a *Adapter) Close(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	return a.client.Disconnect(ctx)
}

// GetDocuments implements docstore.Adapter.
func (a *Adapter) GetDocuments(ctx context.Context, req docstore.GetDocumentsRequest) (docstore.PageResult, error) {
	coll, err := a.collection(req.Collection)
	if err != nil {
		return docstore.PageResult{}, err
	}
	keys, err := docstore.ParseSortSpec(req.Sort)
	if err != nil {
		slog.WarnContext(ctx, "mongodb: ignoring sort", "collection", req.Collection, "err", err)
		keys = nil
	}
	preq := query.PageRequest{Page: req.Page, PageSize: req.PageSize}
	if _, err := query.Paginate(0, preq); err != nil {
		return docstore.PageResult{}, err
	}
	filter := toBSON(req.Match)
	count, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return docstore.PageResult{}, fmt.Errorf("failed to count %q: %w", req.Collection, err)
	}
	w, err := query.Paginate(int(count), preq)
	if err != nil {
		return docstore.PageResult{}, err
	}
	res := docstore.PageResult{Data: []docstore.Document{}, Count: int(count), CurrentPage: w.CurrentPage, TotalPages: w.TotalPages}
	if w.End <= w.Start {
		return res, nil
	}
	fo := options.Find()
	if len(keys) != 0 {
		fo.SetSort(sortDoc(keys))
	}
	if req.Page != nil {
		fo.SetSkip(int64(w.Start)).SetLimit(int64(w.End - w.Start))
	}
	cursor, err := coll.Find(ctx, filter, fo)
	if err != nil {
		return docstore.PageResult{}, fmt.Errorf("failed to find in %q: %w", req.Collection, err)
	}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return docstore.PageResult{}, fmt.Errorf("failed to read %q: %w", req.Collection, err)
	}
	for _, m := range raw {
		res.Data = append(res.Data, fromBSONDoc(m))
	}
	a.populate(ctx, req.Collection, res.Data, req.Populate)
	return res, nil
}

// GetDocument implements docstore.Adapter.
func (a *Adapter) GetDocument(ctx context.Context, req docstore.MatchRequest) (docstore.DocumentResult, error) {
	d, err := a.findOne(ctx, req.Collection, req.Match)
	return docstore.DocumentResult{Data: d}, err
}

// CountDocuments implements docstore.Adapter.
func (a *Adapter) CountDocuments(ctx context.Context, req docstore.MatchRequest) (int, error) {
	coll, err := a.collection(req.Collection)
	if err != nil {
		return 0, err
	}
	n, err := coll.CountDocuments(ctx, toBSON(req.Match))
	if err != nil {
		return 0, fmt.Errorf("failed to count %q: %w", req.Collection, err)
	}
	return int(n), nil
}

// CreateDocument implements docstore.Adapter.
func (a *Adapter) CreateDocument(ctx context.Context, req docstore.CreateDocumentRequest) (docstore.DocumentResult, error) {
	coll, err := a.collection(req.Collection)
	if err != nil {
		return docstore.DocumentResult{}, err
	}
	doc := jsondb.CloneDocument(a.opts.Defaults[req.Collection])
	if doc == nil {
		doc = docstore.Document{}
	}
	maps.Copy(doc, fromBSONDoc(toBSON(req.Update)))
	if id, ok := doc["_id"]; !ok || id == nil {
		if doc["_id"], err = a.nextID(ctx); err != nil {
			return docstore.DocumentResult{}, err
		}
	}
	doc["createdAt"] = a.timestamp()
	if doc, err = a.validate(ctx, req.Collection, doc); err != nil {
		return docstore.DocumentResult{}, err
	}
	if _, err := coll.InsertOne(ctx, toBSON(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return docstore.DocumentResult{}, fmt.Errorf("%w: %v in collection %q", docstore.ErrDuplicateID, doc["_id"], req.Collection)
		}
		return docstore.DocumentResult{}, fmt.Errorf("failed to insert into %q: %w", req.Collection, err)
	}
	return docstore.DocumentResult{Data: doc}, nil
}

// UpdateDocument implements docstore.Adapter. The matched document is merged,
// validated and replaced as a whole.
func (a *Adapter) UpdateDocument(ctx context.Context, req docstore.UpdateDocumentRequest) (docstore.DocumentResult, error) {
	coll, err := a.collection(req.Collection)
	if err != nil {
		return docstore.DocumentResult{}, err
	}
	cur, err := a.findOne(ctx, req.Collection, req.Match)
	if err != nil || cur == nil {
		return docstore.DocumentResult{}, err
	}
	patch := fromBSONDoc(toBSON(req.Update))
	if id, ok := patch["_id"]; ok && !query.Equal(id, cur["_id"]) {
		return docstore.DocumentResult{}, &docstore.ValidationError{Collection: req.Collection, Err: errors.New("_id cannot be changed")}
	}
	id := cur["_id"]
	maps.Copy(cur, patch)
	cur["updatedAt"] = a.timestamp()
	if cur, err = a.validate(ctx, req.Collection, cur); err != nil {
		return docstore.DocumentResult{}, err
	}
	r, err := coll.ReplaceOne(ctx, bson.M{"_id": toBSON(id)}, toBSON(cur))
	if err != nil {
		return docstore.DocumentResult{}, fmt.Errorf("failed to update %q: %w", req.Collection, err)
	}
	if r.MatchedCount == 0 {
		// Deleted concurrently.
		return docstore.DocumentResult{}, nil
	}
	return docstore.DocumentResult{Data: cur}, nil
}

// DeleteDocument implements docstore.Adapter.
func (a *Adapter) DeleteDocument(ctx context.Context, req docstore.MatchRequest) error {
	coll, err := a.collection(req.Collection)
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, toBSON(req.Match)); err != nil {
		return fmt.Errorf("failed to delete from %q: %w", req.Collection, err)
	}
	return nil
}

// DeleteDocuments implements docstore.Adapter.
func (a *Adapter) DeleteDocuments(ctx context.Context, req docstore.MatchRequest) (int, error) {
	coll, err := a.collection(req.Collection)
	if err != nil {
		return 0, err
	}
	r, err := coll.DeleteMany(ctx, toBSON(req.Match))
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %q: %w", req.Collection, err)
	}
	return int(r.DeletedCount), nil
}

func (a *Adapter) collection(name string) (*mongo.Collection, error) {
	if name == countersCollection || !slices.Contains(a.allowed, name) {
		return nil, &docstore.UnknownCollectionError{Collection: name}
	}
	return a.db.Collection(name), nil
}

func (a *Adapter) findOne(ctx context.Context, collection string, match map[string]any) (docstore.Document, error) {
	coll, err := a.collection(collection)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := coll.FindOne(ctx, toBSON(match)).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find in %q: %w", collection, err)
	}
	return fromBSONDoc(m), nil
}

// nextID increments the store-wide counter.
func (a *Adapter) nextID(ctx context.Context) (int64, error) {
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := a.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": counterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	return out.Seq, nil
}

func (a *Adapter) populate(ctx context.Context, collection string, docs []docstore.Document, paths []string) {
	refs := a.opts.References[collection]
	for _, p := range paths {
		target, ok := refs[p]
		if !ok {
			continue
		}
		coll, err := a.collection(target)
		if err != nil {
			continue
		}
		cursor, err := coll.Find(ctx, bson.M{})
		var raw []bson.M
		if err == nil {
			err = cursor.All(ctx, &raw)
		}
		if err != nil {
			slog.WarnContext(ctx, "mongodb: failed to populate", "collection", collection, "target", target, "err", err)
			continue
		}
		targets := make([]docstore.Document, len(raw))
		for i, m := range raw {
			targets[i] = fromBSONDoc(m)
		}
		docstore.Substitute(docs, p, targets)
	}
}

func (a *Adapter) validate(ctx context.Context, collection string, doc docstore.Document) (docstore.Document, error) {
	if a.opts.Validator == nil {
		return doc, nil
	}
	out, err := a.opts.Validator.Validate(ctx, collection, doc)
	if err != nil {
		return nil, &docstore.ValidationError{Collection: collection, Err: err}
	}
	if out == nil {
		return doc, nil
	}
	return out, nil
}

func (a *Adapter) timestamp() string {
	return a.opts.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// sortDoc converts sort keys to a MongoDB sort document.
func sortDoc(keys []query.SortKey) bson.D {
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k.Field, Value: int(k.Direction)})
	}
	return d
}

// toBSON converts decoded JSON into values the driver encodes faithfully.
// json.Number is a string type and would otherwise be stored as text.
func toBSON(v any) any {
	switch t := v.(type) {
	case nil:
		return bson.M{}
	case map[string]any:
		out := make(bson.M, len(t))
		for k, e := range t {
			out[k] = toBSONValue(e)
		}
		return out
	default:
		return toBSONValue(v)
	}
}

func toBSONValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return string(t)
	case map[string]any:
		return toBSON(t)
	case []any:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = toBSONValue(e)
		}
		return out
	default:
		return v
	}
}

// fromBSONDoc converts a decoded document back to plain JSON values.
func fromBSONDoc(v any) docstore.Document {
	m, _ := fromBSON(v).(map[string]any)
	if m == nil {
		m = docstore.Document{}
	}
	return m
}

func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case int32:
		return int64(t)
	case bson.ObjectID:
		return t.Hex()
	case bson.DateTime:
		return t.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	default:
		return v
	}
}
