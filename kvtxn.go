package snapdb

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"
)

type kvTxn struct {
	conn  *kvConn
	stx   storageTx
	mode  TxnMode
	scope map[string]*storeState

	mu   sync.Mutex
	done bool
}

func (t *kvTxn) Mode() TxnMode {
	return t.mode
}

// store must be called with t.mu held.
func (t *kvTxn) store(coll string, write bool) (*storeState, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if write && t.mode != ReadWrite {
		return nil, fmt.Errorf("%s: %w", coll, ErrReadOnly)
	}
	ss := t.scope[coll]
	if ss == nil {
		return nil, fmt.Errorf("%s: %w", coll, ErrOutOfScope)
	}
	return ss, nil
}

func (t *kvTxn) writer(ss *storeState) *kvWriter {
	return &kvWriter{stx: t.stx, ss: ss, schemaVer: t.conn.version}
}

func (t *kvTxn) Get(coll string, key any) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, err := t.store(coll, false)
	if err != nil {
		return nil, err
	}
	pkRaw, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	dataB := t.stx.Bucket(storeBucketName(ss.name), dataBucket)
	if dataB == nil {
		return nil, fmt.Errorf("%s: %w", coll, ErrNoSuchCollection)
	}
	raw := dataB.Get(pkRaw)
	if raw == nil {
		return nil, nil
	}
	return decodeStoredRecord(raw)
}

func (t *kvTxn) Put(coll string, rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, err := t.store(coll, true)
	if err != nil {
		return err
	}
	return t.writer(ss).put(rec)
}

func (t *kvTxn) Delete(coll string, key any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, err := t.store(coll, true)
	if err != nil {
		return err
	}
	pkRaw, err := EncodeKey(key)
	if err != nil {
		return err
	}
	return t.writer(ss).delete(pkRaw)
}

func (t *kvTxn) Clear(coll string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, err := t.store(coll, true)
	if err != nil {
		return err
	}
	root := storeBucketName(ss.name)
	subs := []string{dataBucket}
	for _, is := range ss.sortedIndices() {
		subs = append(subs, indexBucketName(is.name))
	}
	for _, sub := range subs {
		err := t.stx.DeleteBucket(root, sub)
		if err != nil && err != errBucketNotFound {
			return err
		}
		if _, err := t.stx.CreateBucket(root, sub); err != nil {
			return err
		}
	}
	return nil
}

func (t *kvTxn) Count(coll string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, err := t.store(coll, false)
	if err != nil {
		return 0, err
	}
	dataB := t.stx.Bucket(storeBucketName(ss.name), dataBucket)
	if dataB == nil {
		return 0, fmt.Errorf("%s: %w", coll, ErrNoSuchCollection)
	}
	return dataB.KeyCount(), nil
}

func (t *kvTxn) OpenCursor(coll string, r KeyRange) (Cursor, error) {
	return t.openCursor(coll, "", r)
}

func (t *kvTxn) OpenIndexCursor(coll, index string, r KeyRange) (Cursor, error) {
	if index == "" {
		return nil, fmt.Errorf("%s: empty index name: %w", coll, ErrNoSuchIndex)
	}
	return t.openCursor(coll, index, r)
}

func (t *kvTxn) openCursor(coll, index string, r KeyRange) (Cursor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, err := t.store(coll, false)
	if err != nil {
		return nil, err
	}
	er, err := r.encode()
	if err != nil {
		return nil, err
	}
	root := storeBucketName(ss.name)
	dataB := t.stx.Bucket(root, dataBucket)
	if dataB == nil {
		return nil, fmt.Errorf("%s: %w", coll, ErrNoSuchCollection)
	}
	cur := &kvCursor{txn: t, dataB: dataB, er: er}
	if index == "" {
		cur.c = dataB.Cursor()
		return cur, nil
	}
	is := ss.Indices[index]
	if is == nil {
		return nil, fmt.Errorf("%s.%s: %w", coll, index, ErrNoSuchIndex)
	}
	ib := t.stx.Bucket(root, indexBucketName(index))
	if ib == nil {
		return nil, fmt.Errorf("%s.%s: %w", coll, index, ErrNoSuchIndex)
	}
	cur.index = is
	cur.c = ib.Cursor()
	return cur, nil
}

func (t *kvTxn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if t.mode != ReadWrite {
		return t.stx.Rollback()
	}
	return t.stx.Commit()
}

func (t *kvTxn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	return t.stx.Rollback()
}

type kvCursor struct {
	txn   *kvTxn
	c     storageCursor
	dataB storageBucket
	index *indexState
	er    encodedRange

	started bool
	done    bool
	key     any
	pk      any
	rec     Record
	err     error
}

func (cur *kvCursor) Next() bool {
	cur.txn.mu.Lock()
	defer cur.txn.mu.Unlock()
	if cur.done {
		return false
	}
	if cur.txn.done {
		return cur.fail(ErrTxnDone)
	}

	var k, v []byte
	if !cur.started {
		cur.started = true
		if cur.er.lower != nil {
			k, v = cur.c.Seek(cur.er.lower)
		} else {
			k, v = cur.c.First()
		}
	} else {
		k, v = cur.c.Next()
	}

	for ; k != nil; k, v = cur.c.Next() {
		keyRaw, pkRaw := k, k
		if cur.index != nil {
			if cur.index.Unique {
				pkRaw = v
			} else {
				n, err := keyLen(k)
				if err != nil {
					return cur.fail(err)
				}
				keyRaw, pkRaw = k[:n], k[n:]
			}
		}
		if !cur.er.aboveLower(keyRaw) {
			continue
		}
		if !cur.er.belowUpper(keyRaw) {
			break
		}

		raw := v
		if cur.index != nil {
			raw = cur.dataB.Get(pkRaw)
			if raw == nil {
				return cur.fail(dataErrf(pkRaw, 0, nil, "index %s points to a missing record", cur.index.name))
			}
		}
		rec, err := decodeStoredRecord(raw)
		if err != nil {
			return cur.fail(err)
		}
		key, _, err := DecodeKey(keyRaw)
		if err != nil {
			return cur.fail(err)
		}
		pk := key
		if cur.index != nil {
			pk, _, err = DecodeKey(pkRaw)
			if err != nil {
				return cur.fail(err)
			}
		}
		cur.key, cur.pk, cur.rec = key, pk, rec
		return true
	}
	cur.done = true
	cur.key, cur.pk, cur.rec = nil, nil, nil
	return false
}

func (cur *kvCursor) fail(err error) bool {
	cur.err = err
	cur.done = true
	return false
}

func (cur *kvCursor) Key() any        { return cur.key }
func (cur *kvCursor) PrimaryKey() any { return cur.pk }
func (cur *kvCursor) Record() Record  { return cur.rec }
func (cur *kvCursor) Err() error      { return cur.err }

func decodeStoredRecord(raw []byte) (Record, error) {
	var vle value
	if err := vle.decode(raw); err != nil {
		return nil, err
	}
	return decodeRecord(vle.Data)
}

// kvWriter maintains a record together with its index entries.
type kvWriter struct {
	stx       storageTx
	ss        *storeState
	schemaVer uint64
}

func (w *kvWriter) dataB() (storageBucket, error) {
	b := w.stx.Bucket(storeBucketName(w.ss.name), dataBucket)
	if b == nil {
		return nil, fmt.Errorf("%s: %w", w.ss.name, ErrNoSuchCollection)
	}
	return b, nil
}

func (w *kvWriter) indexBucket(is *indexState) (storageBucket, error) {
	b := w.stx.Bucket(storeBucketName(w.ss.name), indexBucketName(is.name))
	if b == nil {
		return nil, fmt.Errorf("%s.%s: %w", w.ss.name, is.name, ErrNoSuchIndex)
	}
	return b, nil
}

func (w *kvWriter) put(rec Record) error {
	pk, ok := extractKey(rec, w.ss.KeyPath)
	if !ok {
		return fmt.Errorf("%w: record has no %s", ErrInvalidKey, w.ss.KeyPath)
	}
	pkRaw, err := EncodeKey(pk)
	if err != nil {
		return err
	}
	dataB, err := w.dataB()
	if err != nil {
		return err
	}

	rows := w.indexRows(rec, pkRaw)
	defer releaseIndexRows(rows)
	for _, row := range rows {
		if !row.Index.Unique {
			continue
		}
		ib, err := w.indexBucket(row.Index)
		if err != nil {
			return err
		}
		if owner := ib.Get(row.KeyRaw); owner != nil && !bytes.Equal(owner, pkRaw) {
			key, _, _ := DecodeKey(row.KeyRaw)
			return fmt.Errorf("%s.%s %v: %w", w.ss.name, row.Index.name, key, ErrConstraint)
		}
	}

	var modCount uint64
	if old := dataB.Get(pkRaw); old != nil {
		var vle value
		if err := vle.decode(old); err != nil {
			return err
		}
		modCount = vle.ModCount + 1
		if err := w.removeIndexKeys(vle.Index, rows); err != nil {
			return err
		}
	}

	buf := reserveValueHeader(nil)
	buf, err = encodeMsgPack(buf, rec)
	if err != nil {
		return err
	}
	indexOff := len(buf)
	buf = appendIndexKeys(buf, rows)
	buf = putValueHeader(buf, vfDefault, w.schemaVer, modCount, indexOff)
	if err := dataB.Put(pkRaw, buf); err != nil {
		return err
	}

	for _, row := range rows {
		ib, err := w.indexBucket(row.Index)
		if err != nil {
			return err
		}
		if err := ib.Put(row.KeyRaw, row.ValueRaw); err != nil {
			return err
		}
	}
	return nil
}

func (w *kvWriter) delete(pkRaw []byte) error {
	dataB, err := w.dataB()
	if err != nil {
		return err
	}
	old := dataB.Get(pkRaw)
	if old == nil {
		return nil
	}
	var vle value
	if err := vle.decode(old); err != nil {
		return err
	}
	if err := w.removeIndexKeys(vle.Index, nil); err != nil {
		return err
	}
	return dataB.Delete(pkRaw)
}

// removeIndexKeys deletes the entries recorded in oldIndex that newRows no
// longer produce. Entries of indexes dropped since are ignored.
func (w *kvWriter) removeIndexKeys(oldIndex []byte, newRows indexRows) error {
	var firstErr error
	err := findRemovedIndexKeys(oldIndex, newRows, func(ord uint64, key []byte) {
		is := w.ss.indexStatesByOrd[ord]
		if is == nil || firstErr != nil {
			return
		}
		ib, err := w.indexBucket(is)
		if err == nil {
			err = ib.Delete(key)
		}
		firstErr = err
	})
	if err != nil {
		return err
	}
	return firstErr
}

// indexRows computes the index entries of a record. Records whose index key
// is missing or invalid are left out of that index.
func (w *kvWriter) indexRows(rec Record, pkRaw []byte) indexRows {
	rows := indexRowsPool.Get().(indexRows)
	for _, is := range w.ss.sortedIndices() {
		key, ok := extractKey(rec, is.KeyPath)
		if !ok {
			continue
		}
		if is.MultiEntry && isArrayKey(key) {
			rv := reflect.ValueOf(key)
			for i, n := 0, rv.Len(); i < n; i++ {
				rows = appendIndexRow(rows, is, rv.Index(i).Interface(), pkRaw)
			}
		} else {
			rows = appendIndexRow(rows, is, key, pkRaw)
		}
	}
	return rows.finalize()
}

func appendIndexRow(rows indexRows, is *indexState, key any, pkRaw []byte) indexRows {
	keyRaw, err := EncodeKey(key)
	if err != nil {
		return rows
	}
	row := indexRow{Ord: is.IndexOrdinal, Index: is}
	if is.Unique {
		row.KeyRaw, row.ValueRaw = keyRaw, pkRaw
	} else {
		row.KeyRaw, row.ValueRaw = append(keyRaw, pkRaw...), []byte{}
	}
	return append(rows, row)
}

func isArrayKey(key any) bool {
	if _, ok := key.([]byte); ok {
		return false
	}
	if key == nil {
		return false
	}
	k := reflect.TypeOf(key).Kind()
	return k == reflect.Slice || k == reflect.Array
}
