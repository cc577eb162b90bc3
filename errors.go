package snapdb

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by DB and Collection methods matches one
// of these via errors.Is; the engine's native error stays reachable through
// the same chain.
var (
	ErrUnsupportedEnvironment = errors.New("no usable storage engine")
	ErrConnection             = errors.New("connection failed")
	ErrMigration              = errors.New("migration failed")
	ErrUnknownCollection      = errors.New("unknown collection")
	ErrWrite                  = errors.New("write failed")
	ErrRead                   = errors.New("read failed")
	ErrExport                 = errors.New("export failed")
	ErrImport                 = errors.New("import failed")
	ErrIdentityMismatch       = errors.New("database identity mismatch")
	ErrNotFound               = errors.New("not found")
)

// Engine errors.
var (
	ErrNoSuchCollection = errors.New("no such collection")
	ErrCollectionExists = errors.New("collection already exists")
	ErrIndexExists      = errors.New("index already exists")
	ErrNoSuchIndex      = errors.New("no such index")
	ErrConstraint       = errors.New("unique constraint violation")
	ErrTxnDone          = errors.New("transaction already finished")
	ErrReadOnly         = errors.New("transaction is read-only")
	ErrOutOfScope       = errors.New("collection not in transaction scope")
	ErrClosed           = errors.New("connection closed")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// CollectionError carries an error kind (one of the Err* sentinels above)
// along with the collection, operation and key it happened on, and the
// underlying engine error.
type CollectionError struct {
	Kind       error
	Collection string
	Index      string
	Op         string
	Key        any
	Err        error
}

func collErrf(kind error, coll, op string, key any, err error) error {
	return &CollectionError{Kind: kind, Collection: coll, Op: op, Key: key, Err: err}
}

func indexErrf(kind error, coll, index, op string, err error) error {
	return &CollectionError{Kind: kind, Collection: coll, Index: index, Op: op, Err: err}
}

func (e *CollectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *CollectionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Op != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Op)
	}
	if e.Key != nil {
		fmt.Fprintf(&buf, " %v", e.Key)
	}
	if buf.Len() > 0 {
		buf.WriteString(": ")
	}
	buf.WriteString(e.Kind.Error())
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// dbErr wraps an engine error into a database-level error kind.
func dbErr(kind error, dbName string, err error) error {
	if err == nil {
		return kind
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", dbName, kind, err)
}
