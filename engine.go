package snapdb

import (
	"bytes"
	"context"
)

// Engine is the transactional object-store that a DB runs on top of.
// KVEngine is the implementation shipped with this package.
type Engine interface {
	// Open opens (creating if needed) the named database. If the stored
	// version is lower than version, upgrade is called inside the
	// version-change transaction; an error from it rolls everything back.
	// Opening with a version lower than the stored one upgrades nothing, and
	// the returned Conn reports the stored version.
	Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (Conn, error)

	// DeleteDatabase removes the named database with all of its data.
	DeleteDatabase(name string) error
}

// Prober is implemented by engines that can tell in advance whether they
// are usable in the current environment.
type Prober interface {
	Probe() error
}

type UpgradeFunc func(up Upgrade) error

// Upgrade is the schema-changing view of a database available during Open.
type Upgrade interface {
	OldVersion() uint64
	NewVersion() uint64
	HasCollection(name string) bool
	CreateCollection(name string, keyPath KeyPath) error
	CreateIndex(collection, index string, keyPath KeyPath, opt IndexOptions) error
}

type IndexOptions struct {
	Unique     bool
	MultiEntry bool
}

type IndexInfo struct {
	Name    string
	KeyPath KeyPath
	IndexOptions
}

// CollectionInfo is the engine's own description of a physical collection.
type CollectionInfo struct {
	Name    string
	KeyPath KeyPath
	Indexes []IndexInfo
}

// Conn is an open database.
type Conn interface {
	Name() string
	Version() uint64

	// CollectionNames lists physical collections in sorted order.
	CollectionNames() []string
	Describe(name string) (*CollectionInfo, error)

	// Begin starts a transaction scoped to the given collections.
	Begin(names []string, mode TxnMode) (Txn, error)

	DeleteCollection(name string) error
	Close() error
}

type TxnMode int

const (
	ReadOnly TxnMode = iota
	ReadWrite
)

func (m TxnMode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Txn is a transaction over a fixed set of collections. Its methods are
// safe for concurrent use; calls are applied one at a time in arrival order.
type Txn interface {
	Mode() TxnMode

	// Get returns the record stored under key, or nil if there is none.
	Get(collection string, key any) (Record, error)
	// Put inserts or replaces a record by its primary key.
	Put(collection string, rec Record) error
	Delete(collection string, key any) error
	Clear(collection string) error
	Count(collection string) (int, error)

	// OpenCursor iterates records in primary key order.
	OpenCursor(collection string, r KeyRange) (Cursor, error)
	// OpenIndexCursor iterates records in index key order, then primary key order.
	OpenIndexCursor(collection, index string, r KeyRange) (Cursor, error)

	Commit() error
	// Abort rolls back the transaction. Calling it after Commit or Abort is a no-op.
	Abort() error
}

// Cursor is a forward iterator. Next must be called before the first record
// is available.
type Cursor interface {
	Next() bool
	Key() any
	PrimaryKey() any
	Record() Record
	Err() error
}

// KeyRange limits a cursor to a range of keys. The zero KeyRange is unbounded.
type KeyRange struct {
	Lower, Upper         any
	LowerOpen, UpperOpen bool
	hasLower, hasUpper   bool
}

// Only matches a single key.
func Only(key any) KeyRange {
	return KeyRange{Lower: key, Upper: key, hasLower: true, hasUpper: true}
}

func Bound(lower, upper any, lowerOpen, upperOpen bool) KeyRange {
	return KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen, hasLower: true, hasUpper: true}
}

func LowerBound(lower any, open bool) KeyRange {
	return KeyRange{Lower: lower, LowerOpen: open, hasLower: true}
}

func UpperBound(upper any, open bool) KeyRange {
	return KeyRange{Upper: upper, UpperOpen: open, hasUpper: true}
}

func (r KeyRange) IsZero() bool {
	return !r.hasLower && !r.hasUpper
}

// encodedRange is a KeyRange in encoded key space.
type encodedRange struct {
	lower, upper         []byte
	lowerOpen, upperOpen bool
}

func (r KeyRange) encode() (er encodedRange, err error) {
	if r.hasLower {
		er.lower, err = EncodeKey(r.Lower)
		if err != nil {
			return er, err
		}
		er.lowerOpen = r.LowerOpen
	}
	if r.hasUpper {
		er.upper, err = EncodeKey(r.Upper)
		if err != nil {
			return er, err
		}
		er.upperOpen = r.UpperOpen
	}
	return er, nil
}

// aboveLower reports whether an encoded key is past the lower bound.
func (er *encodedRange) aboveLower(key []byte) bool {
	if er.lower == nil {
		return true
	}
	c := bytes.Compare(key, er.lower)
	return c > 0 || (c == 0 && !er.lowerOpen)
}

func (er *encodedRange) belowUpper(key []byte) bool {
	if er.upper == nil {
		return true
	}
	c := bytes.Compare(key, er.upper)
	return c < 0 || (c == 0 && !er.upperOpen)
}
