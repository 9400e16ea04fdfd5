package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/maruel/docstore/internal/jsondb"
	"github.com/maruel/docstore/internal/lock"
	"github.com/maruel/docstore/internal/query"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)

func testCollections() []jsondb.Collection {
	return []jsondb.Collection{{Name: "users"}, {Name: "teams"}, {Name: "projects"}, Counters()}
}

func testLockOptions() lock.Options {
	return lock.Options{TTL: 5 * time.Second, RetryCount: 2000, RetryDelay: time.Millisecond, RetryJitter: time.Millisecond}
}

func newTestServiceIn(t *testing.T, dir string, provider lock.Provider, opts Options) *Service {
	t.Helper()
	db, err := jsondb.Open(dir, testCollections())
	if err != nil {
		t.Fatal(err)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	s, err := NewService(db, lock.NewManager(provider, testLockOptions()), opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	return newTestServiceIn(t, t.TempDir(), lock.NewLocal(), opts)
}

func mustCreate(t *testing.T, s *Service, collection string, update map[string]any) Document {
	t.Helper()
	d, err := s.Create(t.Context(), collection, update)
	if err != nil {
		t.Fatalf("Create(%v) error = %v", update, err)
	}
	return d
}

func TestNewService(t *testing.T) {
	db, err := jsondb.Open(t.TempDir(), []jsondb.Collection{{Name: "users"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService(db, lock.NewManager(lock.NewLocal(), lock.Options{}), Options{}); err == nil {
		t.Error("NewService() without a counter collection should fail")
	}
	s := newTestService(t, Options{})
	if got := s.Collections(); len(got) != 3 || got[0] != "projects" {
		t.Errorf("Collections() = %v", got)
	}
}

func TestEndToEndUsers(t *testing.T) {
	ctx := t.Context()
	s := newTestService(t, Options{})
	for _, u := range []map[string]any{
		{"username": "alice", "isRegistered": true},
		{"username": "bob", "isRegistered": true},
		{"username": "charlie", "isRegistered": false},
	} {
		if _, err := s.CreateDocument(ctx, CreateDocumentRequest{Collection: "users", Update: u}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.DeleteDocuments(ctx, MatchRequest{Collection: "users", Match: map[string]any{"isRegistered": true}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("DeleteDocuments() = %d, want 2", n)
	}
	res, err := s.GetDocuments(ctx, GetDocumentsRequest{Collection: "users", Match: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Data) != 1 || res.Data[0]["username"] != "charlie" {
		t.Errorf("GetDocuments() = %+v, want only charlie", res)
	}
	if res.Count != 1 || res.CurrentPage != 1 || res.TotalPages != 1 {
		t.Errorf("GetDocuments() page info = %+v", res)
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	ctx := t.Context()
	s := newTestService(t, Options{})
	in := map[string]any{"name": "alpha", "n": 3, "tags": []string{"x"}, "meta": map[string]any{"k": true}}
	created := mustCreate(t, s, "projects", in)
	if !query.Equal(created["_id"], 1) {
		t.Errorf("_id = %v, want 1", created["_id"])
	}
	if created["createdAt"] != "2024-01-02T03:04:05.006Z" {
		t.Errorf("createdAt = %v", created["createdAt"])
	}
	got, err := s.GetDocument(ctx, MatchRequest{Collection: "projects", Match: map[string]any{"_id": created["_id"]}})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{}
	for k, v := range in {
		want[k] = v
	}
	want["_id"] = 1
	want["createdAt"] = "2024-01-02T03:04:05.006Z"
	if !query.Equal(got.Data, want) {
		t.Errorf("GetDocument() = %v, want %v", got.Data, want)
	}
	if !query.Equal(got.Data, created) {
		t.Errorf("GetDocument() = %v, Create() = %v", got.Data, created)
	}

	// Returned documents are copies.
	created["name"] = "mutated"
	again, _ := s.Get(ctx, "projects", map[string]any{"_id": 1})
	if again["name"] != "alpha" {
		t.Error("Create returned an alias of the stored document")
	}

	missing, err := s.GetDocument(ctx, MatchRequest{Collection: "projects", Match: map[string]any{"_id": 99}})
	if err != nil || missing.Data != nil {
		t.Errorf("GetDocument(missing) = %v, %v", missing, err)
	}
}

func TestCreateIDs(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	s := newTestServiceIn(t, dir, lock.NewLocal(), Options{})

	t.Run("shared counter", func(t *testing.T) {
		a := mustCreate(t, s, "users", map[string]any{"name": "a"})
		b := mustCreate(t, s, "teams", map[string]any{"name": "b"})
		if !query.Equal(a["_id"], 1) || !query.Equal(b["_id"], 2) {
			t.Errorf("ids = %v, %v", a["_id"], b["_id"])
		}
	})

	t.Run("caller id kept", func(t *testing.T) {
		d := mustCreate(t, s, "users", map[string]any{"_id": "u-alice", "name": "alice"})
		if d["_id"] != "u-alice" {
			t.Errorf("_id = %v", d["_id"])
		}
		if _, err := s.Create(ctx, "users", map[string]any{"_id": "u-alice"}); !errors.Is(err, ErrDuplicateID) {
			t.Errorf("duplicate Create() error = %v", err)
		}
	})

	t.Run("skips existing ids", func(t *testing.T) {
		path := filepath.Join(dir, "projects.json")
		if err := os.WriteFile(path, []byte(`[{"_id": 41, "name": "imported"}]`), 0o600); err != nil {
			t.Fatal(err)
		}
		d := mustCreate(t, s, "projects", map[string]any{"name": "new"})
		if !query.Equal(d["_id"], 42) {
			t.Errorf("_id = %v, want 42", d["_id"])
		}
		next := mustCreate(t, s, "users", nil)
		if !query.Equal(next["_id"], 43) {
			t.Errorf("_id = %v, want 43", next["_id"])
		}
	})

	t.Run("counter persisted", func(t *testing.T) {
		raw, err := os.ReadFile(filepath.Join(dir, "counters.json"))
		if err != nil {
			t.Fatal(err)
		}
		var docs []map[string]any
		if err := json.Unmarshal(raw, &docs); err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 || docs[0]["_id"] != "documents" || !query.Equal(docs[0]["seq"], 43) {
			t.Errorf("counters.json = %s", raw)
		}
	})
}

func TestConcurrentCreates(t *testing.T) {
	// Two services over the same directory stand in for two processes sharing
	// a lock provider.
	dir := t.TempDir()
	provider := lock.NewLocal()
	services := []*Service{
		newTestServiceIn(t, dir, provider, Options{}),
		newTestServiceIn(t, dir, provider, Options{}),
	}
	const perWorker = 10
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Go(func() {
			s := services[w%len(services)]
			for i := range perWorker {
				if _, err := s.Create(t.Context(), "users", map[string]any{"worker": w, "i": i}); err != nil {
					t.Error(err)
					return
				}
			}
		})
	}
	wg.Wait()
	res, err := services[0].GetMany(t.Context(), GetDocumentsRequest{Collection: "users"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 4*perWorker {
		t.Fatalf("Count = %d, want %d: lost writes", res.Count, 4*perWorker)
	}
	seen := map[string]bool{}
	for _, d := range res.Data {
		id := fmt.Sprint(d["_id"])
		if seen[id] {
			t.Errorf("duplicate _id %s", id)
		}
		seen[id] = true
	}
}

func TestGetDocumentsPaging(t *testing.T) {
	ctx := t.Context()
	s := newTestService(t, Options{})
	for i := range 10 {
		mustCreate(t, s, "users", map[string]any{"rank": 10 - i})
	}
	page, size := 2, 3
	res, err := s.GetDocuments(ctx, GetDocumentsRequest{Collection: "users", Page: &page, PageSize: &size, Sort: "rank"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Data) != 3 || res.CurrentPage != 2 || res.TotalPages != 4 || res.Count != 10 {
		t.Fatalf("GetDocuments() = %+v", res)
	}
	if !query.Equal(res.Data[0]["rank"], 4) {
		t.Errorf("first rank of page 2 = %v, want 4", res.Data[0]["rank"])
	}

	t.Run("json sort keeps key order", func(t *testing.T) {
		res, err := s.GetDocuments(ctx, GetDocumentsRequest{Collection: "users", Sort: json.RawMessage(`{"rank": -1}`)})
		if err != nil {
			t.Fatal(err)
		}
		if !query.Equal(res.Data[0]["rank"], 10) {
			t.Errorf("first rank = %v, want 10", res.Data[0]["rank"])
		}
	})

	t.Run("bad sort is ignored", func(t *testing.T) {
		res, err := s.GetDocuments(ctx, GetDocumentsRequest{Collection: "users", Sort: 42})
		if err != nil || len(res.Data) != 10 || !query.Equal(res.Data[0]["rank"], 10) {
			t.Errorf("GetDocuments() = %v, %v", res.Data, err)
		}
	})

	t.Run("invalid page", func(t *testing.T) {
		zero := 0
		_, err := s.GetDocuments(ctx, GetDocumentsRequest{Collection: "users", Page: &zero})
		if !errors.Is(err, ErrInvalidPageRequest) {
			t.Errorf("GetDocuments(page=0) error = %v", err)
		}
	})

	t.Run("out of range page", func(t *testing.T) {
		far := 9
		res, err := s.GetDocuments(ctx, GetDocumentsRequest{Collection: "users", Page: &far, PageSize: &size})
		if err != nil || len(res.Data) != 0 || res.TotalPages != 4 {
			t.Errorf("GetDocuments(page=9) = %+v, %v", res, err)
		}
	})
}

func TestCountAndDelete(t *testing.T) {
	ctx := t.Context()
	s := newTestService(t, Options{})
	for _, tags := range [][]string{{"a"}, {"a", "b"}, {"c"}} {
		mustCreate(t, s, "users", map[string]any{"tags": tags})
	}
	n, err := s.CountDocuments(ctx, MatchRequest{Collection: "users", Match: map[string]any{"tags": "a"}})
	if err != nil || n != 2 {
		t.Errorf("CountDocuments() = %d, %v", n, err)
	}
	n, err = s.CountDocuments(ctx, MatchRequest{Collection: "users", Match: map[string]any{"tags": map[string]any{"$in": "a"}}})
	if err != nil || n != 0 {
		t.Errorf("CountDocuments(non-array $in) = %d, %v", n, err)
	}

	ok, err := s.Delete(ctx, "users", map[string]any{"tags": "a"})
	if err != nil || !ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}
	if n, _ := s.Count(ctx, "users", map[string]any{"tags": "a"}); n != 1 {
		t.Errorf("Delete removed %d documents, want the first only", 2-n)
	}
	ok, err = s.Delete(ctx, "users", map[string]any{"tags": "zzz"})
	if err != nil || ok {
		t.Errorf("Delete(missing) = %v, %v", ok, err)
	}
	if err := s.DeleteDocument(ctx, MatchRequest{Collection: "users", Match: map[string]any{"tags": "c"}}); err != nil {
		t.Error(err)
	}
	if n, _ := s.Count(ctx, "users", nil); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestDeleteDocumentsIdempotent(t *testing.T) {
	ctx := t.Context()
	s := newTestService(t, Options{})
	for i := range 5 {
		mustCreate(t, s, "users", map[string]any{"even": i%2 == 0})
	}
	req := MatchRequest{Collection: "users", Match: map[string]any{"even": true}}
	first, err := s.DeleteDocuments(ctx, req)
	if err != nil || first != 3 {
		t.Fatalf("first DeleteDocuments() = %d, %v", first, err)
	}
	second, err := s.DeleteDocuments(ctx, req)
	if err != nil || second != 0 {
		t.Fatalf("second DeleteDocuments() = %d, %v", second, err)
	}
	if n, _ := s.CountDocuments(ctx, req); n != 0 {
		t.Errorf("%d matching documents remain", n)
	}
	if n, _ := s.Count(ctx, "users", nil); n != 2 {
		t.Errorf("%d documents remain, want 2", n)
	}
}

func TestUpdate(t *testing.T) {
	ctx := t.Context()
	later := fixedNow.Add(time.Hour)
	now := fixedNow
	s := newTestService(t, Options{Now: func() time.Time { return now }})
	mustCreate(t, s, "users", map[string]any{"name": "alice", "age": 30, "role": "admin"})
	now = later

	res, err := s.UpdateDocument(ctx, UpdateDocumentRequest{
		Collection: "users",
		Match:      map[string]any{"name": "alice"},
		Update:     map[string]any{"age": 31, "team": map[string]any{"id": 7}},
	})
	if err != nil {
		t.Fatal(err)
	}
	d := res.Data
	if !query.Equal(d["age"], 31) || d["role"] != "admin" || !query.Equal(d["team"], map[string]any{"id": 7}) {
		t.Errorf("UpdateDocument() = %v", d)
	}
	if d["createdAt"] != "2024-01-02T03:04:05.006Z" || d["updatedAt"] != "2024-01-02T04:04:05.006Z" {
		t.Errorf("timestamps = %v, %v", d["createdAt"], d["updatedAt"])
	}
	stored, _ := s.Get(ctx, "users", map[string]any{"_id": 1})
	if !query.Equal(stored, d) {
		t.Errorf("stored = %v, returned = %v", stored, d)
	}

	res, err = s.UpdateDocument(ctx, UpdateDocumentRequest{Collection: "users", Match: map[string]any{"name": "nobody"}, Update: map[string]any{"x": 1}})
	if err != nil || res.Data != nil {
		t.Errorf("UpdateDocument(missing) = %v, %v", res, err)
	}

	_, err = s.Update(ctx, "users", map[string]any{"name": "alice"}, map[string]any{"_id": 99})
	if !errors.Is(err, ErrValidationFailed) {
		t.Errorf("Update(_id change) error = %v", err)
	}
	if _, err := s.Update(ctx, "users", map[string]any{"name": "alice"}, map[string]any{"_id": 1, "x": 1}); err != nil {
		t.Errorf("Update(same _id) error = %v", err)
	}
}

func TestUnknownCollection(t *testing.T) {
	ctx := t.Context()
	s := newTestService(t, Options{})
	for _, name := range []string{"nope", CountersCollection} {
		_, err := s.GetDocuments(ctx, GetDocumentsRequest{Collection: name})
		var uce *UnknownCollectionError
		if !errors.Is(err, ErrUnknownCollection) || !errors.As(err, &uce) || uce.Collection != name {
			t.Errorf("GetDocuments(%q) error = %v", name, err)
		}
		if _, err := s.Create(ctx, name, map[string]any{}); !errors.Is(err, ErrUnknownCollection) {
			t.Errorf("Create(%q) error = %v", name, err)
		}
	}
}

func TestLockAcquisitionFailed(t *testing.T) {
	ctx := t.Context()
	provider := lock.NewLocal()
	db, err := jsondb.Open(t.TempDir(), testCollections())
	if err != nil {
		t.Fatal(err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	s, err := NewService(db, lock.NewManager(provider, lock.Options{TTL: time.Second, RetryCount: 1, RetryDelay: time.Millisecond}), Options{Store: "main", Metrics: metrics})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := provider.TryAcquire(ctx, "locks:main:users", "someone-else", time.Minute); !ok {
		t.Fatal("setup failed")
	}
	_, err = s.Create(ctx, "users", map[string]any{"name": "x"})
	var lae *LockAcquisitionError
	if !errors.Is(err, ErrLockAcquisitionFailed) || !errors.As(err, &lae) || lae.Collection != "users" {
		t.Fatalf("Create() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.LockFailuresTotal.WithLabelValues("users")); got != 1 {
		t.Errorf("lock failures = %v, want 1", got)
	}

	t.Run("counter lock", func(t *testing.T) {
		if ok, _ := provider.TryAcquire(ctx, "locks:main:counters", "someone-else", time.Minute); !ok {
			t.Fatal("setup failed")
		}
		_, err := s.Create(ctx, "teams", map[string]any{"name": "x"})
		if !errors.As(err, &lae) || lae.Collection != "teams" {
			t.Errorf("Create() error = %v", err)
		}
		if n, _ := s.Count(ctx, "teams", nil); n != 0 {
			t.Errorf("document written without an id: %d", n)
		}
	})
}

func TestValidation(t *testing.T) {
	ctx := t.Context()
	reject := errors.New("name is required")
	var calls int
	s := newTestService(t, Options{
		Validator: ValidatorFunc(func(_ context.Context, collection string, doc Document) (Document, error) {
			calls++
			if _, ok := doc["name"]; !ok {
				return nil, reject
			}
			doc["normalized"] = true
			return doc, nil
		}),
		Defaults: map[string]Document{"users": {"role": "member", "name": "default-overridden"}},
	})
	if _, err := s.Create(ctx, "users", map[string]any{"age": 3}); err != nil {
		t.Fatalf("defaults should have supplied name: %v", err)
	}
	d := mustCreate(t, s, "users", map[string]any{"name": "ok"})
	if d["normalized"] != true || d["role"] != "member" || d["name"] != "ok" {
		t.Errorf("Create() = %v", d)
	}

	s2 := newTestService(t, Options{Validator: ValidatorFunc(func(context.Context, string, Document) (Document, error) {
		return nil, reject
	})})
	_, err := s2.Create(ctx, "users", map[string]any{"name": "x"})
	var ve *ValidationError
	if !errors.Is(err, ErrValidationFailed) || !errors.Is(err, reject) || !errors.As(err, &ve) || ve.Collection != "users" {
		t.Errorf("Create() error = %v", err)
	}
	if n, _ := s2.Count(ctx, "users", nil); n != 0 {
		t.Errorf("rejected document was persisted")
	}
	if calls != 2 {
		t.Errorf("validator called %d times, want 2", calls)
	}
}

func TestExpiredLeaseDoesNotPersist(t *testing.T) {
	ctx := t.Context()
	db, err := jsondb.Open(t.TempDir(), testCollections())
	if err != nil {
		t.Fatal(err)
	}
	slow := ValidatorFunc(func(ctx context.Context, _ string, doc Document) (Document, error) {
		<-ctx.Done()
		return doc, nil
	})
	m := lock.NewManager(lock.NewLocal(), lock.Options{TTL: 30 * time.Millisecond})
	s, err := NewService(db, m, Options{Validator: slow})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "users", map[string]any{"_id": "a"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Create() error = %v, want deadline exceeded", err)
	}
	docs, err := db.Load("users")
	if err != nil || len(docs) != 0 {
		t.Errorf("collection = %v, %v; want untouched", docs, err)
	}
}

func TestPopulate(t *testing.T) {
	ctx := t.Context()
	s := newTestService(t, Options{References: map[string]map[string]string{
		"projects": {"teamId": "teams", "memberIds": "users", "owner.userId": "users", "bogus": "nope"},
	}})
	team := mustCreate(t, s, "teams", map[string]any{"name": "core"})
	alice := mustCreate(t, s, "users", map[string]any{"name": "alice"})
	bob := mustCreate(t, s, "users", map[string]any{"name": "bob"})
	mustCreate(t, s, "projects", map[string]any{
		"name":      "p",
		"teamId":    team["_id"],
		"memberIds": []any{alice["_id"], 999, bob["_id"]},
		"owner":     map[string]any{"userId": bob["_id"]},
		"bogus":     1,
	})

	res, err := s.GetDocuments(ctx, GetDocumentsRequest{
		Collection: "projects",
		Populate:   []string{"teamId", "memberIds", "owner.userId", "bogus", "undeclared"},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := res.Data[0]
	if tm, ok := p["teamId"].(map[string]any); !ok || tm["name"] != "core" {
		t.Errorf("teamId = %v", p["teamId"])
	}
	members, _ := p["memberIds"].([]any)
	if len(members) != 3 {
		t.Fatalf("memberIds = %v", p["memberIds"])
	}
	if m, ok := members[0].(map[string]any); !ok || m["name"] != "alice" {
		t.Errorf("memberIds[0] = %v", members[0])
	}
	if !query.Equal(members[1], 999) {
		t.Errorf("unresolved reference changed: %v", members[1])
	}
	if owner, ok := p["owner"].(map[string]any)["userId"].(map[string]any); !ok || owner["name"] != "bob" {
		t.Errorf("owner.userId = %v", p["owner"])
	}
	if !query.Equal(p["bogus"], 1) {
		t.Errorf("bogus = %v", p["bogus"])
	}

	stored, _ := s.Get(ctx, "projects", nil)
	if !query.Equal(stored["teamId"], team["_id"]) {
		t.Errorf("populate modified the stored document: %v", stored["teamId"])
	}
}

type recorderFunc func(ctx context.Context, collection, path string) error

func (f recorderFunc) Record(ctx context.Context, collection, path string) error {
	return f(ctx, collection, path)
}

func TestRecorderAndMetrics(t *testing.T) {
	ctx := t.Context()
	var recorded []string
	metrics := NewMetrics(prometheus.NewRegistry())
	s := newTestService(t, Options{
		Metrics: metrics,
		Recorder: recorderFunc(func(_ context.Context, collection, path string) error {
			if filepath.Base(path) != collection+".json" {
				t.Errorf("path = %q", path)
			}
			recorded = append(recorded, collection)
			if collection == "teams" {
				return errors.New("git unavailable")
			}
			return nil
		}),
	})
	mustCreate(t, s, "users", map[string]any{"name": "a"})
	mustCreate(t, s, "teams", map[string]any{"name": "b"})
	if _, err := s.Count(ctx, "users", nil); err != nil {
		t.Fatal(err)
	}
	if len(recorded) != 2 || recorded[0] != "users" || recorded[1] != "teams" {
		t.Errorf("recorded = %v", recorded)
	}
	if got := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("users", "create", "ok")); got != 1 {
		t.Errorf("create ops = %v", got)
	}
	if got := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("users", "count", "ok")); got != 1 {
		t.Errorf("count ops = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Documents.WithLabelValues("users")); got != 1 {
		t.Errorf("documents gauge = %v", got)
	}
}
