package snapdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// DB is a schema-declared document database. It is safe for concurrent use.
type DB struct {
	name     string
	engine   Engine
	observer Observer
	logger   *slog.Logger
	verbose  bool

	mu   sync.Mutex
	reg  *Registry
	conn Conn
}

type Options struct {
	Name    string
	Version uint64
	Modules []*CollectionDescriptor

	// Observer, if set, is notified after every successful collection operation.
	Observer Observer

	Engine Engine

	Logger  *slog.Logger
	Verbose bool
}

// New validates the options. It does not touch the engine; the connection
// is established by the first call that needs it.
func New(opt Options) (*DB, error) {
	reg, err := newRegistry(opt.Name, opt.Version, opt.Modules)
	if err != nil {
		return nil, fmt.Errorf("snapdb: %w", err)
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		name:     opt.Name,
		engine:   opt.Engine,
		observer: opt.Observer,
		logger:   logger,
		verbose:  opt.Verbose,
		reg:      reg,
	}, nil
}

func (db *DB) Name() string {
	return db.name
}

// Version returns the schema version of the registry, which may have been
// raised by Recovery.
func (db *DB) Version() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.reg.version
}

// Registry returns a copy of the current schema registry.
func (db *DB) Registry() *Registry {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.reg.clone()
}

// Connect returns the live connection, opening and migrating the database
// on first use.
func (db *DB) Connect(ctx context.Context) (Conn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.connectLocked(ctx)
}

func (db *DB) connectLocked(ctx context.Context) (Conn, error) {
	if db.conn != nil {
		return db.conn, nil
	}
	if db.engine == nil {
		return nil, dbErr(ErrUnsupportedEnvironment, db.name, errors.New("no engine configured"))
	}
	if p, ok := db.engine.(Prober); ok {
		if err := p.Probe(); err != nil {
			return nil, dbErr(ErrUnsupportedEnvironment, db.name, err)
		}
	}

	reg := db.reg
	var upgraded bool
	conn, err := db.engine.Open(ctx, reg.name, reg.version, func(up Upgrade) error {
		upgraded = true
		return db.migrate(up, reg)
	})
	if err != nil {
		if upgraded {
			return nil, dbErr(ErrMigration, db.name, err)
		}
		return nil, dbErr(ErrConnection, db.name, err)
	}
	if db.verbose {
		db.logger.Info("db: connected", "db", db.name, "version", conn.Version(), "collections", len(conn.CollectionNames()))
	}
	db.conn = conn
	return conn, nil
}

// migrate creates every declared collection that is not physically present
// yet, along with its indexes. Existing collections are left alone.
func (db *DB) migrate(up Upgrade, reg *Registry) error {
	for _, name := range reg.CollectionNames() {
		if up.HasCollection(name) {
			continue
		}
		cd := reg.collections[name]
		if err := up.CreateCollection(name, KeyPath{cd.PrimaryKey}); err != nil {
			return collErrf(ErrMigration, name, "create", nil, err)
		}
		for _, col := range cd.Indexes() {
			opt := IndexOptions{Unique: col.Unique, MultiEntry: col.MultiEntry}
			if err := up.CreateIndex(name, col.Name, col.Index, opt); err != nil {
				return indexErrf(ErrMigration, name, col.Name, "create index", err)
			}
		}
		db.logger.Info("db: created collection", "db", db.name, "collection", name, "version", up.NewVersion())
	}
	return nil
}

// Close releases the connection. The next operation reconnects, migrating
// to the current registry version if it has been raised since.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closeLocked()
}

func (db *DB) closeLocked() error {
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

// Drop closes the connection and deletes the whole database.
func (db *DB) Drop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.closeLocked(); err != nil {
		return dbErr(ErrWrite, db.name, err)
	}
	if db.engine == nil {
		return dbErr(ErrUnsupportedEnvironment, db.name, errors.New("no engine configured"))
	}
	if err := db.engine.DeleteDatabase(db.name); err != nil {
		return dbErr(ErrWrite, db.name, err)
	}
	db.logger.Info("db: dropped database", "db", db.name)
	return nil
}

// Collection returns a handle for a declared collection. Names missing from
// the registry fail with ErrUnknownCollection without touching the engine.
func (db *DB) Collection(ctx context.Context, name string) (*Collection, error) {
	db.mu.Lock()
	cd := db.reg.Collection(name)
	if cd == nil {
		db.mu.Unlock()
		return nil, collErrf(ErrUnknownCollection, name, "open", nil, nil)
	}
	cd = cd.Clone()
	conn, err := db.connectLocked(ctx)
	db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(conn.CollectionNames(), name) {
		return nil, collErrf(ErrUnknownCollection, name, "open", nil, fmt.Errorf("declared at version %d but not created yet, reconnect to migrate", db.Version()))
	}
	return &Collection{db: db, conn: conn, desc: cd}, nil
}

func (db *DB) forgetCollection(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.reg.remove(name)
}
