package snapdb

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

const (
	metaBucket      = "_meta"
	storeBucketPref = "s:"
	dataBucket      = "data"
	indexBucketPref = "i:"
)

var catalogKey = []byte("catalog")

// KVOptions configures a KVEngine.
type KVOptions struct {
	Logger    *slog.Logger
	IsTesting bool
	MmapSize  int
}

// KVEngine implements Engine on top of a sorted key/value storage: one bolt
// file per database, or process memory.
//
// Each collection is a root bucket holding a data bucket (encoded primary
// key => value) and one bucket per index. Unique indexes map index key =>
// primary key; other indexes store index key + primary key with an empty value.
type KVEngine struct {
	dir    string
	opt    KVOptions
	logger *slog.Logger

	mu  sync.Mutex
	dbs map[string]*kvDatabase
	mem map[string]*memStorage
}

// NewBoltEngine returns an engine that keeps each database in <dir>/<name>.db.
func NewBoltEngine(dir string, opt KVOptions) *KVEngine {
	return newKVEngine(dir, opt)
}

// NewMemoryEngine returns an engine whose databases live in memory for as
// long as the engine itself.
func NewMemoryEngine() *KVEngine {
	e := newKVEngine("", KVOptions{IsTesting: true})
	e.mem = make(map[string]*memStorage)
	return e
}

func newKVEngine(dir string, opt KVOptions) *KVEngine {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KVEngine{
		dir:    dir,
		opt:    opt,
		logger: logger,
		dbs:    make(map[string]*kvDatabase),
	}
}

func (e *KVEngine) isMemory() bool {
	return e.mem != nil
}

func (e *KVEngine) dbPath(name string) string {
	return filepath.Join(e.dir, name+".db")
}

// Probe verifies that the data directory can be used.
func (e *KVEngine) Probe() error {
	if e.isMemory() {
		return nil
	}
	if e.dir == "" {
		return fmt.Errorf("data directory not configured")
	}
	return os.MkdirAll(e.dir, 0o755)
}

type kvDatabase struct {
	engine *KVEngine
	name   string
	st     storage
	refs   int

	mu  sync.Mutex
	cat *catalog
}

func (e *KVEngine) Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("empty database name")
	}
	kdb, err := e.acquire(name)
	if err != nil {
		return nil, err
	}

	kdb.mu.Lock()
	if kdb.cat.Version < version {
		err = kdb.upgrade(version, upgrade)
	}
	current := kdb.cat.Version
	kdb.mu.Unlock()
	if err != nil {
		e.release(kdb)
		return nil, err
	}
	return &kvConn{db: kdb, version: current}, nil
}

func (e *KVEngine) acquire(name string) (*kvDatabase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kdb := e.dbs[name]; kdb != nil {
		kdb.refs++
		return kdb, nil
	}

	var st storage
	if e.isMemory() {
		ms := e.mem[name]
		if ms == nil {
			ms = newMemStorage()
			e.mem[name] = ms
		}
		st = ms
	} else {
		if err := os.MkdirAll(e.dir, 0o755); err != nil {
			return nil, err
		}
		var err error
		st, err = openBoltStorage(e.dbPath(name), e.opt.IsTesting, e.opt.MmapSize)
		if err != nil {
			return nil, err
		}
	}

	cat, err := readCatalog(st)
	if err != nil {
		if !e.isMemory() {
			st.Close()
		}
		return nil, err
	}
	kdb := &kvDatabase{engine: e, name: name, st: st, refs: 1, cat: cat}
	e.dbs[name] = kdb
	return kdb, nil
}

func (e *KVEngine) release(kdb *kvDatabase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	kdb.refs--
	if kdb.refs > 0 {
		return nil
	}
	delete(e.dbs, kdb.name)
	if e.isMemory() {
		return nil
	}
	return kdb.st.Close()
}

// DeleteDatabase fails if the database is still open.
func (e *KVEngine) DeleteDatabase(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kdb := e.dbs[name]; kdb != nil {
		return fmt.Errorf("database %s is still open (%d connections)", name, kdb.refs)
	}
	if e.isMemory() {
		if ms := e.mem[name]; ms != nil {
			ms.Close()
			delete(e.mem, name)
		}
		return nil
	}
	err := os.Remove(e.dbPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func readCatalog(st storage) (*catalog, error) {
	stx, err := st.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer stx.Rollback()
	return loadCatalog(stx)
}

func (kdb *kvDatabase) upgrade(version uint64, upgrade UpgradeFunc) (err error) {
	stx, err := kdb.st.BeginTx(true)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			stx.Rollback()
		}
	}()

	cat, err := loadCatalog(stx)
	if err != nil {
		return err
	}
	up := &kvUpgrade{
		kdb:        kdb,
		stx:        stx,
		cat:        cat,
		oldVersion: cat.Version,
		newVersion: version,
	}
	kdb.engine.logger.Info("upgrading database", "db", kdb.name, "from", cat.Version, "to", version)
	if upgrade != nil {
		err = func() (err error) {
			defer recoverErr(&err)
			return upgrade(up)
		}()
		if err != nil {
			return fmt.Errorf("%s: upgrade to v%d: %w", kdb.name, version, err)
		}
	}

	cat.Version = version
	if err = saveCatalog(stx, cat); err != nil {
		return err
	}
	if err = stx.Commit(); err != nil {
		return err
	}
	kdb.cat = cat
	return nil
}

// catalog describes the physical layout of one database.
type catalog struct {
	Version uint64                 `msgpack:"v"`
	Stores  map[string]*storeState `msgpack:"s"`
}

type storeState struct {
	KeyPath          KeyPath                `msgpack:"k"`
	LastIndexOrdinal uint64                 `msgpack:"li"`
	Indices          map[string]*indexState `msgpack:"i"`
	Created          time.Time              `msgpack:"t"`

	name             string                 `msgpack:"-"`
	indexStatesByOrd map[uint64]*indexState `msgpack:"-"`
}

type indexState struct {
	IndexOrdinal uint64  `msgpack:"o"`
	KeyPath      KeyPath `msgpack:"k"`
	Unique       bool    `msgpack:"u,omitempty"`
	MultiEntry   bool    `msgpack:"m,omitempty"`

	name string `msgpack:"-"`
}

func loadCatalog(stx storageTx) (*catalog, error) {
	cat := new(catalog)
	if b := stx.Bucket(metaBucket, ""); b != nil {
		if raw := b.Get(catalogKey); raw != nil {
			if err := decodeMsgPack(raw, cat); err != nil {
				return nil, fmt.Errorf("failed to decode catalog: %w", err)
			}
		}
	}
	if cat.Stores == nil {
		cat.Stores = make(map[string]*storeState)
	}
	for name, ss := range cat.Stores {
		ss.init(name)
	}
	return cat, nil
}

func saveCatalog(stx storageTx, cat *catalog) error {
	raw, err := encodeMsgPack(nil, cat)
	if err != nil {
		return err
	}
	b, err := stx.CreateBucket(metaBucket, "")
	if err != nil {
		return err
	}
	return b.Put(catalogKey, raw)
}

func (ss *storeState) init(name string) {
	ss.name = name
	if ss.Indices == nil {
		ss.Indices = make(map[string]*indexState)
	}
	ss.indexStatesByOrd = make(map[uint64]*indexState, len(ss.Indices))
	for iname, is := range ss.Indices {
		is.name = iname
		ss.indexStatesByOrd[is.IndexOrdinal] = is
	}
}

func (ss *storeState) sortedIndices() []*indexState {
	return slices.SortedFunc(maps.Values(ss.Indices), func(a, b *indexState) int {
		return cmp.Compare(a.IndexOrdinal, b.IndexOrdinal)
	})
}

func (ss *storeState) info() *CollectionInfo {
	ci := &CollectionInfo{Name: ss.name, KeyPath: slices.Clone(ss.KeyPath)}
	for _, is := range ss.sortedIndices() {
		ci.Indexes = append(ci.Indexes, IndexInfo{
			Name:         is.name,
			KeyPath:      slices.Clone(is.KeyPath),
			IndexOptions: IndexOptions{Unique: is.Unique, MultiEntry: is.MultiEntry},
		})
	}
	return ci
}

func storeBucketName(name string) string {
	return storeBucketPref + name
}

func indexBucketName(index string) string {
	return indexBucketPref + index
}

type kvUpgrade struct {
	kdb        *kvDatabase
	stx        storageTx
	cat        *catalog
	oldVersion uint64
	newVersion uint64
}

func (up *kvUpgrade) OldVersion() uint64 { return up.oldVersion }
func (up *kvUpgrade) NewVersion() uint64 { return up.newVersion }

func (up *kvUpgrade) HasCollection(name string) bool {
	return up.cat.Stores[name] != nil
}

func (up *kvUpgrade) CreateCollection(name string, keyPath KeyPath) error {
	if up.cat.Stores[name] != nil {
		return fmt.Errorf("%s: %w", name, ErrCollectionExists)
	}
	if keyPath.IsZero() {
		return fmt.Errorf("%s: key path is required", name)
	}
	if _, err := up.stx.CreateBucket(storeBucketName(name), dataBucket); err != nil {
		return err
	}
	ss := &storeState{KeyPath: slices.Clone(keyPath), Created: time.Now()}
	ss.init(name)
	up.cat.Stores[name] = ss
	up.kdb.engine.logger.Debug("created collection", "db", up.kdb.name, "collection", name, "key", keyPath.String())
	return nil
}

// CreateIndex adds an index and builds it from the records already stored.
func (up *kvUpgrade) CreateIndex(collection, index string, keyPath KeyPath, opt IndexOptions) error {
	ss := up.cat.Stores[collection]
	if ss == nil {
		return fmt.Errorf("%s: %w", collection, ErrNoSuchCollection)
	}
	if ss.Indices[index] != nil {
		return fmt.Errorf("%s.%s: %w", collection, index, ErrIndexExists)
	}
	if keyPath.IsZero() {
		return fmt.Errorf("%s.%s: key path is required", collection, index)
	}
	if opt.MultiEntry && keyPath.IsCompound() {
		return fmt.Errorf("%s.%s: multiEntry index cannot have a compound key path", collection, index)
	}
	if _, err := up.stx.CreateBucket(storeBucketName(collection), indexBucketName(index)); err != nil {
		return err
	}
	ss.LastIndexOrdinal++
	is := &indexState{
		IndexOrdinal: ss.LastIndexOrdinal,
		KeyPath:      slices.Clone(keyPath),
		Unique:       opt.Unique,
		MultiEntry:   opt.MultiEntry,
		name:         index,
	}
	ss.Indices[index] = is
	ss.indexStatesByOrd[is.IndexOrdinal] = is
	return up.reindex(ss)
}

func (up *kvUpgrade) reindex(ss *storeState) error {
	dataB := up.stx.Bucket(storeBucketName(ss.name), dataBucket)
	if dataB == nil || dataB.KeyCount() == 0 {
		return nil
	}
	logger := up.kdb.engine.logger
	logger.Info("re-indexing collection", "db", up.kdb.name, "collection", ss.name)
	start := time.Now()

	var recs []Record
	c := dataB.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var vle value
		if err := vle.decode(v); err != nil {
			return err
		}
		rec, err := decodeRecord(vle.Data)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	w := &kvWriter{stx: up.stx, ss: ss, schemaVer: up.newVersion}
	for _, rec := range recs {
		if err := w.put(rec); err != nil {
			return err
		}
	}
	logger.Info("re-indexed collection", "db", up.kdb.name, "collection", ss.name, "rows", len(recs), "ms", time.Since(start).Milliseconds())
	return nil
}

type kvConn struct {
	db      *kvDatabase
	version uint64

	mu     sync.Mutex
	closed bool
}

func (c *kvConn) Name() string    { return c.db.name }
func (c *kvConn) Version() uint64 { return c.version }

func (c *kvConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *kvConn) CollectionNames() []string {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return sortedStoreNames(c.db.cat)
}

func (c *kvConn) Describe(name string) (*CollectionInfo, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	ss := c.db.cat.Stores[name]
	if ss == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNoSuchCollection)
	}
	return ss.info(), nil
}

func (c *kvConn) Begin(names []string, mode TxnMode) (Txn, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.db.mu.Lock()
	cat := c.db.cat
	scope := make(map[string]*storeState, len(names))
	for _, name := range names {
		ss := cat.Stores[name]
		if ss == nil {
			c.db.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", name, ErrNoSuchCollection)
		}
		scope[name] = ss
	}
	c.db.mu.Unlock()

	stx, err := c.db.st.BeginTx(mode == ReadWrite)
	if err != nil {
		return nil, err
	}
	return &kvTxn{
		conn:  c,
		stx:   stx,
		mode:  mode,
		scope: scope,
	}, nil
}

// DeleteCollection removes a collection with all its records and indexes.
func (c *kvConn) DeleteCollection(name string) error {
	if c.isClosed() {
		return ErrClosed
	}
	kdb := c.db
	kdb.mu.Lock()
	defer kdb.mu.Unlock()
	if kdb.cat.Stores[name] == nil {
		return fmt.Errorf("%s: %w", name, ErrNoSuchCollection)
	}

	stx, err := kdb.st.BeginTx(true)
	if err != nil {
		return err
	}
	defer stx.Rollback()
	cat, err := loadCatalog(stx)
	if err != nil {
		return err
	}
	delete(cat.Stores, name)
	err = stx.DeleteBucket(storeBucketName(name), "")
	if err != nil && err != errBucketNotFound {
		return err
	}
	if err := saveCatalog(stx, cat); err != nil {
		return err
	}
	if err := stx.Commit(); err != nil {
		return err
	}
	kdb.cat = cat
	return nil
}

func (c *kvConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.db.engine.release(c.db)
}
