package snapdb

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"reflect"
	"sync"
	"testing"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

var errInjected = errors.New("injected failure")

func usersModule() *CollectionDescriptor {
	return &CollectionDescriptor{
		Name:       "users",
		PrimaryKey: "id",
		Columns: []Column{
			{Name: "email", Index: KeyPath{"email"}, Unique: true},
			{Name: "name", Index: KeyPath{"name"}},
			{Name: "tags", Index: KeyPath{"tags"}, MultiEntry: true},
			{Name: "age"},
		},
	}
}

func postsModule() *CollectionDescriptor {
	return &CollectionDescriptor{
		Name:       "posts",
		PrimaryKey: "id",
		Columns: []Column{
			{Name: "author", Index: KeyPath{"author"}},
		},
	}
}

func TestDB(t *testing.T) {
	ctx := context.Background()
	u1 := Record{"id": "u1", "name": "foo", "email": "foo@example.com"}
	u2 := Record{"id": "u2", "name": "bar", "email": "bar@example.com"}

	db := setup(t, 1, usersModule())
	users := must(db.Collection(ctx, "users"))

	n, err := users.BulkCreate(ctx, []Record{u1, u2})
	ok(t, err)
	deepEqual(t, n, 2)

	deepEqual(t, must(users.FindByPk(ctx, "u1")), u1)
	deepEqual(t, must(users.Count(ctx)), 2)
	deepEqual(t, collect(t, users.FindAll(ctx)), []Record{u1, u2})
	deepEqual(t, collect(t, users.FindAllLike(ctx, Query{Match: Record{"email": "bar@example.com"}})), []Record{u2})

	ok(t, users.Delete(ctx, "u1"))
	_, err = users.FindByPk(ctx, "u1")
	isErr(t, err, ErrNotFound)
	isempty(t, collect(t, users.FindAllLike(ctx, Query{Match: Record{"email": "foo@example.com"}})))
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opt  Options
	}{
		{"no name", Options{Version: 1}},
		{"zero version", Options{Name: "x"}},
		{"no primary key", Options{Name: "x", Version: 1, Modules: []*CollectionDescriptor{{Name: "a"}}}},
		{"duplicate collection", Options{Name: "x", Version: 1, Modules: []*CollectionDescriptor{usersModule(), usersModule()}}},
		{"duplicate index", Options{Name: "x", Version: 1, Modules: []*CollectionDescriptor{{
			Name: "a", PrimaryKey: "id",
			Columns: []Column{{Name: "i", Index: KeyPath{"x"}}, {Name: "i", Index: KeyPath{"y"}}},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			if err == nil {
				t.Fatalf("** New succeeded, wanted error")
			}
		})
	}
}

func TestNew_IsLazy(t *testing.T) {
	ctx := context.Background()
	e := newFaultyEngine()
	db := must(New(Options{Name: "lazy", Version: 1, Modules: []*CollectionDescriptor{usersModule()}, Engine: e}))
	t.Cleanup(func() { db.Close() })

	_ = db.Registry()
	_ = db.Version()
	_, err := db.Collection(ctx, "nope")
	isErr(t, err, ErrUnknownCollection)
	deepEqual(t, e.opens, 0)

	must(db.Collection(ctx, "users"))
	must(db.Collection(ctx, "users"))
	must(db.Backup(ctx))
	deepEqual(t, e.opens, 1)
}

func TestConnect_NoEngine(t *testing.T) {
	db := must(New(Options{Name: "x", Version: 1}))
	_, err := db.Connect(context.Background())
	isErr(t, err, ErrUnsupportedEnvironment)
}

func TestCollection_DeclaredButNotPhysical(t *testing.T) {
	ctx := context.Background()
	e := NewMemoryEngine()
	db1 := setupWith(t, Options{Name: "app", Version: 2, Modules: []*CollectionDescriptor{usersModule()}, Engine: e})
	must(db1.Connect(ctx))
	ok(t, db1.Close())

	// same version, more collections: no migration runs
	db2 := setupWith(t, Options{Name: "app", Version: 2, Modules: []*CollectionDescriptor{usersModule(), postsModule()}, Engine: e})
	_, err := db2.Collection(ctx, "posts")
	isErr(t, err, ErrUnknownCollection)
}

func TestCollection_Update(t *testing.T) {
	ctx := context.Background()
	db := setup(t, 1, usersModule())
	users := must(db.Collection(ctx, "users"))

	ok(t, users.Update(ctx, Record{"id": "u1", "name": "foo", "email": "a@example.com"}))
	ok(t, users.Update(ctx, Record{"id": "u1", "name": "boo", "email": "b@example.com"}))

	deepEqual(t, must(users.Count(ctx)), 1)
	deepEqual(t, must(users.FindByPk(ctx, "u1"))["name"], any("boo"))
	isempty(t, collect(t, users.FindAllLike(ctx, Query{Index: "email", Range: Only("a@example.com")})))
	isempty(t, collect(t, users.FindAllLike(ctx, Query{Index: "name", Range: Only("foo")})))
	deepEqual(t, len(collect(t, users.FindAllLike(ctx, Query{Index: "email", Range: Only("b@example.com")}))), 1)
}

func TestCollection_UpdateWithoutKey(t *testing.T) {
	ctx := context.Background()
	db := setup(t, 1, usersModule())
	users := must(db.Collection(ctx, "users"))

	err := users.Update(ctx, Record{"name": "anonymous"})
	isErr(t, err, ErrWrite)
	isErr(t, err, ErrInvalidKey)
}

func TestCollection_FindAllOrder(t *testing.T) {
	ctx := context.Background()
	db := setup(t, 1, &CollectionDescriptor{Name: "nums", PrimaryKey: "n"})
	nums := must(db.Collection(ctx, "nums"))

	must(nums.BulkCreate(ctx, []Record{{"n": 10}, {"n": 2}, {"n": -5}, {"n": 33.5}}))

	for range 2 {
		var got []any
		for rec, err := range nums.FindAll(ctx) {
			ok(t, err)
			got = append(got, rec["n"])
		}
		deepEqual(t, got, []any{int64(-5), int64(2), int64(10), 33.5})
	}
}

func TestCollection_FindAllStopsEarly(t *testing.T) {
	ctx := context.Background()
	db := setup(t, 1, usersModule())
	users := must(db.Collection(ctx, "users"))
	must(users.BulkCreate(ctx, []Record{{"id": "a"}, {"id": "b"}, {"id": "c"}}))

	var got []any
	for rec, err := range users.FindAll(ctx) {
		ok(t, err)
		got = append(got, rec["id"])
		if len(got) == 2 {
			break
		}
	}
	deepEqual(t, got, []any{"a", "b"})

	// the read transaction must be released by now
	ok(t, users.Update(ctx, Record{"id": "d"}))
}

func TestCollection_FindAllLike(t *testing.T) {
	ctx := context.Background()
	db := setup(t, 1, usersModule())
	users := must(db.Collection(ctx, "users"))

	u1 := Record{"id": "u1", "name": "foo", "email": "foo@example.com", "tags": []any{"admin", "staff"}}
	u2 := Record{"id": "u2", "name": "bubble", "email": "bubble@example.com", "tags": []any{"staff"}}
	u3 := Record{"id": "u3", "name": "bar", "email": "bar@example.com"}
	u4 := Record{"id": "u4", "name": "bar", "email": "bar2@example.com", "tags": []any{"staff", "staff"}}
	u5 := Record{"id": "u5", "name": "bar", "email": "bar3@example.com"}
	must(users.BulkCreate(ctx, []Record{u5, u4, u3, u2, u1}))

	find := func(q Query) []Record {
		t.Helper()
		return collect(t, users.FindAllLike(ctx, q))
	}

	// unique index: at most one match
	deepEqual(t, find(Query{Index: "email", Range: Only("bar2@example.com")}), []Record{u4})
	deepEqual(t, find(Query{Match: Record{"email": "bar3@example.com"}}), []Record{u5})
	isempty(t, find(Query{Match: Record{"email": "nobody@example.com"}}))

	// non-unique index: all matches, in primary key order
	deepEqual(t, find(Query{Index: "name", Range: Only("bar")}), []Record{u3, u4, u5})
	deepEqual(t, find(Query{Match: Record{"name": "bar"}}), []Record{u3, u4, u5})

	// index order, then primary key order
	deepEqual(t, find(Query{Index: "name"}), []Record{u3, u4, u5, u2, u1})
	deepEqual(t, find(Query{Index: "name", Range: Bound("bar", "foo", true, true)}), []Record{u2})
	deepEqual(t, find(Query{Index: "name", Range: LowerBound("bubble", false)}), []Record{u2, u1})
	deepEqual(t, find(Query{Index: "name", Range: UpperBound("bubble", true)}), []Record{u3, u4, u5})

	// multiEntry: one entry per distinct element
	deepEqual(t, find(Query{Index: "tags", Range: Only("staff")}), []Record{u1, u2, u4})
	deepEqual(t, find(Query{Match: Record{"tags": "admin"}}), []Record{u1})

	// primary key range
	deepEqual(t, find(Query{Range: Bound("u2", "u4", false, false)}), []Record{u2, u3, u4})
	deepEqual(t, find(Query{Match: Record{"id": "u3"}}), []Record{u3})

	// no usable index: full scan with filter
	deepEqual(t, find(Query{Filter: func(rec Record) bool { return rec["tags"] == nil }}), []Record{u3, u5})
	deepEqual(t, find(Query{Match: Record{"name": "bar"}, Filter: func(rec Record) bool { return rec["id"] != "u4" }}), []Record{u3, u5})

	_, err := first(users.FindAllLike(ctx, Query{Index: "missing"}))
	isErr(t, err, ErrRead)
	isErr(t, err, ErrNoSuchIndex)
}

func TestCollection_UniqueConstraint(t *testing.T) {
	ctx := context.Background()
	db := setup(t, 1, usersModule())
	users := must(db.Collection(ctx, "users"))
	must(users.BulkCreate(ctx, []Record{{"id": "u1", "email": "a@example.com"}}))

	_, err := users.BulkCreate(ctx, []Record{
		{"id": "u2", "email": "b@example.com"},
		{"id": "u3", "email": "a@example.com"},
	})
	isErr(t, err, ErrWrite)
	isErr(t, err, ErrConstraint)

	var ce *CollectionError
	if !errors.As(err, &ce) {
		t.Fatalf("** got %T, wanted *CollectionError", err)
	}
	deepEqual(t, ce.Key, any("u3"))

	// nothing from the failed batch was applied
	deepEqual(t, must(users.Count(ctx)), 1)
	_, err = users.FindByPk(ctx, "u2")
	isErr(t, err, ErrNotFound)
}

func TestCollection_Clear(t *testing.T) {
	ctx := context.Background()
	db := setup(t, 1, usersModule())
	users := must(db.Collection(ctx, "users"))
	must(users.BulkCreate(ctx, []Record{{"id": "u1", "email": "a@example.com"}, {"id": "u2"}}))

	ok(t, users.Clear(ctx))
	deepEqual(t, must(users.Count(ctx)), 0)
	isempty(t, collect(t, users.FindAllLike(ctx, Query{Index: "email"})))

	// the collection and its indexes survive
	must(users.BulkCreate(ctx, []Record{{"id": "u3", "email": "a@example.com"}}))
	deepEqual(t, len(collect(t, users.FindAllLike(ctx, Query{Index: "email", Range: Only("a@example.com")}))), 1)
}

func TestCollection_DropAndDestroy(t *testing.T) {
	ctx := context.Background()
	var events []EventKind
	db := setupWith(t, Options{
		Name:    "app",
		Version: 1,
		Modules: []*CollectionDescriptor{usersModule(), postsModule()},
		Engine:  NewMemoryEngine(),
		Observer: ObserverFunc(func(ev Event) error {
			events = append(events, ev.Kind)
			return nil
		}),
	})

	users := must(db.Collection(ctx, "users"))
	must(users.BulkCreate(ctx, []Record{{"id": "u1"}}))
	ok(t, users.Drop(ctx))
	posts := must(db.Collection(ctx, "posts"))
	ok(t, posts.Destroy(ctx))

	deepEqual(t, events, []EventKind{EventBulkCreate, EventDrop, EventDestroy})
	isempty(t, db.Registry().CollectionNames())
	isempty(t, must(db.Connect(ctx)).CollectionNames())

	_, err := db.Collection(ctx, "users")
	isErr(t, err, ErrUnknownCollection)
}

func TestCollection_CancelledContext(t *testing.T) {
	db := setup(t, 1, usersModule())
	users := must(db.Collection(context.Background(), "users"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := users.BulkCreate(ctx, []Record{{"id": "u1"}})
	isErr(t, err, ErrWrite)
	isErr(t, err, context.Canceled)
	_, err = users.Count(ctx)
	isErr(t, err, ErrRead)
	_, err = first(users.FindAll(ctx))
	isErr(t, err, context.Canceled)
}

func TestObserver(t *testing.T) {
	ctx := context.Background()
	var events []Event
	db := setupWith(t, Options{
		Name:    "app",
		Version: 1,
		Modules: []*CollectionDescriptor{usersModule()},
		Engine:  NewMemoryEngine(),
		Observer: Observers(
			ObserverFunc(func(ev Event) error {
				panic("boom")
			}),
			ObserverFunc(func(ev Event) error {
				return errors.New("sink unavailable")
			}),
			ObserverFunc(func(ev Event) error {
				events = append(events, ev)
				return nil
			}),
		),
	})
	users := must(db.Collection(ctx, "users"))

	recs := []Record{{"id": "u1"}, {"id": "u2"}}
	deepEqual(t, must(users.BulkCreate(ctx, recs)), 2)
	must(users.FindByPk(ctx, "u1"))
	deepEqual(t, must(users.Count(ctx)), 2)
	deepEqual(t, len(collect(t, users.FindAll(ctx))), 2)
	ok(t, users.Clear(ctx))

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind.String())
		deepEqual(t, ev.Collection.Name, "users")
	}
	deepEqual(t, kinds, []string{"bulkCreate", "findByPk", "count", "findAll", "clear"})
	deepEqual(t, events[0].Data, any(recs))
	deepEqual(t, events[2].Data, any(2))
	deepEqual(t, events[3].Data, any(2))

	// failed operations are not reported
	events = nil
	_, err := users.FindByPk(ctx, "nope")
	isErr(t, err, ErrNotFound)
	isempty(t, events)
}

func TestMigration_FailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	e := newFaultyEngine()
	e.failUpgrade = errInjected
	db := setupWith(t, Options{Name: "app", Version: 1, Modules: []*CollectionDescriptor{usersModule()}, Engine: e})

	_, err := db.Collection(ctx, "users")
	isErr(t, err, ErrMigration)
	isErr(t, err, errInjected)

	e.failUpgrade = nil
	users, err := db.Collection(ctx, "users")
	ok(t, err)
	deepEqual(t, must(users.Count(ctx)), 0)
	deepEqual(t, e.opens, 2)
}

func TestConnect_OpenFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	e := newFaultyEngine()
	e.failOpen = errInjected
	db := setupWith(t, Options{Name: "app", Version: 1, Modules: []*CollectionDescriptor{usersModule()}, Engine: e})

	_, err := db.Collection(ctx, "users")
	isErr(t, err, ErrConnection)
	isErr(t, err, errInjected)
	if errors.Is(err, ErrMigration) {
		t.Fatalf("** open failure reported as migration failure: %v", err)
	}
	db.mu.Lock()
	cached := db.conn
	db.mu.Unlock()
	if cached != nil {
		t.Fatal("** failed open left a cached connection")
	}

	e.failOpen = nil
	users, err := db.Collection(ctx, "users")
	ok(t, err)
	deepEqual(t, must(users.Count(ctx)), 0)
	deepEqual(t, e.opens, 2)
}

func TestMigration_CreatesNewCollections(t *testing.T) {
	ctx := context.Background()
	e := NewMemoryEngine()

	plain := &CollectionDescriptor{Name: "users", PrimaryKey: "id"}
	db1 := setupWith(t, Options{Name: "app", Version: 1, Modules: []*CollectionDescriptor{plain}, Engine: e})
	users := must(db1.Collection(ctx, "users"))
	must(users.BulkCreate(ctx, []Record{{"id": "u1", "name": "foo"}}))
	ok(t, db1.Close())

	// existing collections are never altered
	db2 := setupWith(t, Options{Name: "app", Version: 2, Modules: []*CollectionDescriptor{plain, postsModule()}, Engine: e})
	posts := must(db2.Collection(ctx, "posts"))
	must(posts.BulkCreate(ctx, []Record{{"id": "p1", "author": "u1"}}))
	deepEqual(t, len(collect(t, posts.FindAllLike(ctx, Query{Match: Record{"author": "u1"}}))), 1)
	deepEqual(t, must(must(db2.Collection(ctx, "users")).Count(ctx)), 1)
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	e := NewMemoryEngine()
	db := setupWith(t, Options{Name: "app", Version: 1, Modules: []*CollectionDescriptor{usersModule()}, Engine: e})
	must(must(db.Collection(ctx, "users")).BulkCreate(ctx, []Record{{"id": "u1"}}))

	ok(t, db.Drop(ctx))

	users := must(db.Collection(ctx, "users"))
	deepEqual(t, must(users.Count(ctx)), 0)
}

func TestBoltPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opt := Options{
		Name:    "app",
		Version: 1,
		Modules: []*CollectionDescriptor{usersModule()},
		Engine:  NewBoltEngine(dir, KVOptions{IsTesting: true}),
	}

	db1 := setupWith(t, opt)
	must(must(db1.Collection(ctx, "users")).BulkCreate(ctx, []Record{
		{"id": "u1", "email": "a@example.com", "tags": []any{"x", "y"}},
		{"id": "u2", "email": "b@example.com"},
	}))
	ok(t, db1.Close())

	opt.Engine = NewBoltEngine(dir, KVOptions{IsTesting: true})
	db2 := setupWith(t, opt)
	users := must(db2.Collection(ctx, "users"))
	deepEqual(t, must(users.Count(ctx)), 2)
	deepEqual(t, must(users.FindByPk(ctx, "u1"))["tags"], any([]any{"x", "y"}))
	deepEqual(t, len(collect(t, users.FindAllLike(ctx, Query{Match: Record{"email": "b@example.com"}}))), 1)

	ok(t, db2.Drop(ctx))
}

func setup(t testing.TB, version uint64, modules ...*CollectionDescriptor) *DB {
	t.Helper()
	return setupWith(t, Options{
		Name:    "test",
		Version: version,
		Modules: modules,
		Engine:  NewMemoryEngine(),
		Verbose: testing.Verbose(),
	})
}

func setupWith(t testing.TB, opt Options) *DB {
	t.Helper()
	db := must(New(opt))
	t.Cleanup(func() { db.Close() })
	return db
}

func collect(t testing.TB, seq iter.Seq2[Record, error]) []Record {
	t.Helper()
	result := []Record{}
	for rec, err := range seq {
		if err != nil {
			t.Fatalf("** iteration failed: %v", err)
		}
		result = append(result, rec)
	}
	return result
}

// first returns the first record or error produced by seq.
func first(seq iter.Seq2[Record, error]) (Record, error) {
	for rec, err := range seq {
		return rec, err
	}
	return nil, nil
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func isErr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

// faultyEngine wraps a memory engine, counting opens and injecting failures.
type faultyEngine struct {
	Engine

	mu          sync.Mutex
	opens       int
	puts        int
	failOpen    error
	failUpgrade error
	failPutAt   int
	failCursor  string
}

func newFaultyEngine() *faultyEngine {
	return &faultyEngine{Engine: NewMemoryEngine()}
}

func (e *faultyEngine) Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (Conn, error) {
	e.mu.Lock()
	e.opens++
	failOpen, failUpgrade := e.failOpen, e.failUpgrade
	e.mu.Unlock()
	if failOpen != nil {
		return nil, failOpen
	}

	conn, err := e.Engine.Open(ctx, name, version, func(up Upgrade) error {
		if err := upgrade(up); err != nil {
			return err
		}
		return failUpgrade
	})
	if err != nil {
		return nil, err
	}
	return &faultyConn{Conn: conn, e: e}, nil
}

type faultyConn struct {
	Conn
	e *faultyEngine
}

func (c *faultyConn) Begin(names []string, mode TxnMode) (Txn, error) {
	txn, err := c.Conn.Begin(names, mode)
	if err != nil {
		return nil, err
	}
	return &faultyTxn{Txn: txn, e: c.e}, nil
}

type faultyTxn struct {
	Txn
	e *faultyEngine
}

func (t *faultyTxn) Put(coll string, rec Record) error {
	t.e.mu.Lock()
	t.e.puts++
	fail := t.e.failPutAt > 0 && t.e.puts == t.e.failPutAt
	t.e.mu.Unlock()
	if fail {
		return errInjected
	}
	return t.Txn.Put(coll, rec)
}

func (t *faultyTxn) OpenCursor(coll string, r KeyRange) (Cursor, error) {
	t.e.mu.Lock()
	fail := coll == t.e.failCursor
	t.e.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return t.Txn.OpenCursor(coll, r)
}
