// Implements the CRUD service layer over jsondb.

package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/maruel/docstore/internal/jsondb"
	"github.com/maruel/docstore/internal/lock"
	"github.com/maruel/docstore/internal/query"
)

// DefaultStoreName is used in lock keys when Options.Store is empty.
const DefaultStoreName = "docstore"

var errIDChange = errors.New("_id cannot be changed")

// Recorder is told about every persisted collection file.
type Recorder interface {
	Record(ctx context.Context, collection, path string) error
}

// Options configures a Service.
type Options struct {
	// Store names the store in lock keys: locks:<Store>:<collection>.
	Store string
	// Defaults holds per-collection fields applied under the payload on create.
	Defaults map[string]Document
	// References maps collection -> field path -> referenced collection, for
	// populate.
	References map[string]map[string]string
	Validator  Validator
	Metrics    *Metrics
	Recorder   Recorder
	// Now returns the timestamp stamped on documents. Defaults to time.Now.
	Now func() time.Time
}

// Service is the JSON file backed Adapter. Every operation runs under the
// collection's lock, reads the whole collection and, for mutations, writes it
// back atomically.
type Service struct {
	db    *jsondb.Store
	locks *lock.Manager
	ids   *IDAllocator
	opts  Options
}

var _ Adapter = (*Service)(nil)

// NewService returns a Service. db must declare the counter collection.
func NewService(db *jsondb.Store, locks *lock.Manager, opts Options) (*Service, error) {
	if opts.Store == "" {
		opts.Store = DefaultStoreName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ids, err := NewIDAllocator(db, locks, opts.Store)
	if err != nil {
		return nil, err
	}
	return &Service{db: db, locks: locks, ids: ids, opts: opts}, nil
}

// Collections returns the collections reachable through the service.
func (s *Service) Collections() []string {
	return slices.DeleteFunc(s.db.Names(), func(n string) bool { return n == CountersCollection })
}

// Get returns the first document matching match, or nil.
func (s *Service) Get(ctx context.Context, collection string, match map[string]any) (Document, error) {
	var found Document
	err := s.withCollection(ctx, "get", collection, func(ctx context.Context) error {
		docs, err := s.load(collection)
		if err != nil {
			return err
		}
		expr := query.Compile(match)
		if i := slices.IndexFunc(docs, expr.Match); i >= 0 {
			found = jsondb.CloneDocument(docs[i])
		}
		return nil
	})
	return found, err
}

// GetMany filters, sorts, pages and populates documents.
func (s *Service) GetMany(ctx context.Context, req GetDocumentsRequest) (PageResult, error) {
	keys := s.sortKeys(ctx, req.Collection, req.Sort)
	preq := query.PageRequest{Page: req.Page, PageSize: req.PageSize}
	if _, err := query.Paginate(0, preq); err != nil {
		return PageResult{}, err
	}
	var res PageResult
	err := s.withCollection(ctx, "find", req.Collection, func(ctx context.Context) error {
		docs, err := s.load(req.Collection)
		if err != nil {
			return err
		}
		matched := query.Sort(query.Filter(docs, query.Compile(req.Match)), keys)
		w, err := query.Paginate(len(matched), preq)
		if err != nil {
			return err
		}
		res = PageResult{
			Data:        jsondb.CloneDocuments(query.Slice(matched, w)),
			Count:       len(matched),
			CurrentPage: w.CurrentPage,
			TotalPages:  w.TotalPages,
		}
		return nil
	})
	if err != nil {
		return PageResult{}, err
	}
	// Outside the collection lock: populate takes the referenced collections'
	// locks.
	s.populate(ctx, req.Collection, res.Data, req.Populate)
	return res, nil
}

// Count returns the number of documents matching match.
func (s *Service) Count(ctx context.Context, collection string, match map[string]any) (int, error) {
	n := 0
	err := s.withCollection(ctx, "count", collection, func(ctx context.Context) error {
		docs, err := s.load(collection)
		if err != nil {
			return err
		}
		n = len(query.Filter(docs, query.Compile(match)))
		return nil
	})
	return n, err
}

// Create appends a new document built from the collection defaults, an _id,
// update and a createdAt timestamp. A unique _id in update is kept; otherwise
// one is allocated.
func (s *Service) Create(ctx context.Context, collection string, update map[string]any) (Document, error) {
	payload, err := normalize(update)
	if err != nil {
		return nil, err
	}
	var created Document
	err = s.withCollection(ctx, "create", collection, func(ctx context.Context) error {
		docs, err := s.load(collection)
		if err != nil {
			return err
		}
		id, ok := payload["_id"]
		if ok && id != nil {
			if indexByID(docs, id) >= 0 {
				return fmt.Errorf("%w: %v in collection %q", ErrDuplicateID, id, collection)
			}
		} else {
			n, err := s.ids.Next(ctx, maxIntID(docs))
			if err != nil {
				return err
			}
			id = n
		}
		doc := jsondb.CloneDocument(s.opts.Defaults[collection])
		if doc == nil {
			doc = Document{}
		}
		doc["_id"] = id
		maps.Copy(doc, payload)
		doc["_id"] = id
		doc["createdAt"] = s.timestamp()
		if doc, err = s.validate(ctx, collection, doc); err != nil {
			return err
		}
		if err := s.persist(ctx, collection, append(slices.Clip(docs), doc)); err != nil {
			return err
		}
		created = jsondb.CloneDocument(doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update shallow-merges patch onto the first document matching match and
// stamps updatedAt. It returns the updated document, or nil when nothing
// matched.
func (s *Service) Update(ctx context.Context, collection string, match, patch map[string]any) (Document, error) {
	p, err := normalize(patch)
	if err != nil {
		return nil, err
	}
	var updated Document
	err = s.withCollection(ctx, "update", collection, func(ctx context.Context) error {
		docs, err := s.load(collection)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(docs, query.Compile(match).Match)
		if i < 0 {
			return nil
		}
		if id, ok := p["_id"]; ok && !query.Equal(id, docs[i]["_id"]) {
			return &ValidationError{Collection: collection, Err: errIDChange}
		}
		merged := jsondb.CloneDocument(docs[i])
		maps.Copy(merged, p)
		merged["updatedAt"] = s.timestamp()
		if merged, err = s.validate(ctx, collection, merged); err != nil {
			return err
		}
		next := slices.Clone(docs)
		next[i] = merged
		if err := s.persist(ctx, collection, next); err != nil {
			return err
		}
		updated = jsondb.CloneDocument(merged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the first document matching match and reports whether one
// was removed.
func (s *Service) Delete(ctx context.Context, collection string, match map[string]any) (bool, error) {
	removed := false
	err := s.withCollection(ctx, "delete", collection, func(ctx context.Context) error {
		docs, err := s.load(collection)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(docs, query.Compile(match).Match)
		if i < 0 {
			return nil
		}
		if err := s.persist(ctx, collection, slices.Delete(slices.Clone(docs), i, i+1)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// DeleteMany removes every document matching match and returns how many were
// removed. Selection and removal evaluate the predicate once per document.
func (s *Service) DeleteMany(ctx context.Context, collection string, match map[string]any) (int, error) {
	n := 0
	err := s.withCollection(ctx, "delete_many", collection, func(ctx context.Context) error {
		docs, err := s.load(collection)
		if err != nil {
			return err
		}
		expr := query.Compile(match)
		kept := make([]Document, 0, len(docs))
		for _, d := range docs {
			if !expr.Match(d) {
				kept = append(kept, d)
			}
		}
		removed := len(docs) - len(kept)
		if removed == 0 {
			return nil
		}
		if err := s.persist(ctx, collection, kept); err != nil {
			return err
		}
		n = removed
		return nil
	})
	return n, err
}

// GetDocuments implements Adapter.
func (s *Service) GetDocuments(ctx context.Context, req GetDocumentsRequest) (PageResult, error) {
	return s.GetMany(ctx, req)
}

// GetDocument implements Adapter.
func (s *Service) GetDocument(ctx context.Context, req MatchRequest) (DocumentResult, error) {
	d, err := s.Get(ctx, req.Collection, req.Match)
	return DocumentResult{Data: d}, err
}

// CountDocuments implements Adapter.
func (s *Service) CountDocuments(ctx context.Context, req MatchRequest) (int, error) {
	return s.Count(ctx, req.Collection, req.Match)
}

// CreateDocument implements Adapter.
func (s *Service) CreateDocument(ctx context.Context, req CreateDocumentRequest) (DocumentResult, error) {
	d, err := s.Create(ctx, req.Collection, req.Update)
	return DocumentResult{Data: d}, err
}

// UpdateDocument implements Adapter.
func (s *Service) UpdateDocument(ctx context.Context, req UpdateDocumentRequest) (DocumentResult, error) {
	d, err := s.Update(ctx, req.Collection, req.Match, req.Update)
	return DocumentResult{Data: d}, err
}

// DeleteDocument implements Adapter.
func (s *Service) DeleteDocument(ctx context.Context, req MatchRequest) error {
	_, err := s.Delete(ctx, req.Collection, req.Match)
	return err
}

// DeleteDocuments implements Adapter.
func (s *Service) DeleteDocuments(ctx context.Context, req MatchRequest) (int, error) {
	return s.DeleteMany(ctx, req.Collection, req.Match)
}

// withCollection runs fn under the collection's lock. Lock failures, including
// the nested counter lock, surface as *LockAcquisitionError.
func (s *Service) withCollection(ctx context.Context, op, collection string, fn func(ctx context.Context) error) error {
	if collection == CountersCollection || !s.db.Has(collection) {
		return &UnknownCollectionError{Collection: collection}
	}
	start := time.Now()
	err := s.locks.WithLock(ctx, lockKey(s.opts.Store, collection), fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		err = &LockAcquisitionError{Collection: collection, Err: err}
	}
	s.opts.Metrics.observe(collection, op, start, err)
	return err
}

func (s *Service) load(collection string) ([]Document, error) {
	docs, err := s.db.Load(collection)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %q: %w", collection, err)
	}
	s.opts.Metrics.setDocuments(collection, len(docs))
	return docs, nil
}

// persist refuses to write once the lock's lease has run out: another holder
// may already own the collection.
func (s *Service) persist(ctx context.Context, collection string, docs []Document) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("lock on collection %q expired before persist: %w", collection, err)
	}
	if err := s.db.Persist(collection, docs); err != nil {
		return fmt.Errorf("failed to persist collection %q: %w", collection, err)
	}
	s.opts.Metrics.setDocuments(collection, len(docs))
	s.record(ctx, collection)
	return nil
}

// record commits the collection file to history. Failures are logged: the data
// is already persisted.
func (s *Service) record(ctx context.Context, collection string) {
	if s.opts.Recorder == nil {
		return
	}
	path, err := s.db.Path(collection)
	if err == nil {
		err = s.locks.WithLock(ctx, lockKey(s.opts.Store, historyLock), func(ctx context.Context) error {
			return s.opts.Recorder.Record(ctx, collection, path)
		})
	}
	if err != nil {
		slog.WarnContext(ctx, "docstore: failed to record history", "collection", collection, "err", err)
	}
}

func (s *Service) validate(ctx context.Context, collection string, doc Document) (Document, error) {
	if s.opts.Validator == nil {
		return doc, nil
	}
	out, err := s.opts.Validator.Validate(ctx, collection, doc)
	if err != nil {
		return nil, &ValidationError{Collection: collection, Err: err}
	}
	if out == nil {
		return doc, nil
	}
	if id, ok := out["_id"]; !ok || !query.Equal(id, doc["_id"]) {
		return nil, &ValidationError{Collection: collection, Err: errIDChange}
	}
	return out, nil
}

func (s *Service) timestamp() string {
	return s.opts.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// sortKeys normalizes a sort spec. An unusable spec is logged and ignored.
func (s *Service) sortKeys(ctx context.Context, collection string, spec any) []query.SortKey {
	keys, err := ParseSortSpec(spec)
	if err != nil {
		slog.WarnContext(ctx, "docstore: ignoring sort", "collection", collection, "err", err)
		return nil
	}
	return keys
}

// ParseSortSpec parses the Sort of a GetDocumentsRequest. Encoded JSON keeps
// its key order.
func ParseSortSpec(spec any) ([]query.SortKey, error) {
	switch t := spec.(type) {
	case json.RawMessage:
		return query.ParseSortJSON(t)
	case []byte:
		return query.ParseSortJSON(t)
	default:
		return query.ParseSort(spec)
	}
}

// historyLock starts with a dot so no collection can share its lock key.
const historyLock = ".history"

func lockKey(store, name string) string {
	return "locks:" + store + ":" + name
}

// normalize deep copies a caller payload into plain decoded JSON.
func normalize(in map[string]any) (Document, error) {
	if in == nil {
		return Document{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

func decodeDocument(raw []byte) (Document, error) {
	var d Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return d, nil
}

func indexByID(docs []Document, id any) int {
	return slices.IndexFunc(docs, func(d Document) bool {
		v, ok := d["_id"]
		return ok && query.Equal(v, id)
	})
}

// maxIntID returns the largest integer _id in docs, or 0.
func maxIntID(docs []Document) int64 {
	var m int64
	for _, d := range docs {
		if n, ok := toInt64(d["_id"]); ok && n > m {
			m = n
		}
	}
	return m
}
