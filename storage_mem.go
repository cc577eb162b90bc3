package snapdb

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
)

const memBucketSep = "\x00"

// memStorage keeps buckets as immutable sorted slices shared between
// transactions. A write transaction copies a bucket the first time it
// modifies it, and commit publishes the transaction's bucket map.
type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

func newMemStorage() *memStorage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
	}
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	tx := &memTx{base: s, writable: writable, buckets: maps.Clone(s.buckets)}
	if writable {
		s.writer = true
		tx.owned = make(map[string]bool)
	}
	return tx, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	closed   bool

	buckets map[string]*memBucket
	owned   map[string]bool // buckets copied by this tx
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) ensureOpen() {
	if tx.closed {
		panic("tx is closed")
	}
}

// own returns a bucket this tx may modify in place.
func (tx *memTx) own(key string) (*memBucket, error) {
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	b := tx.buckets[key]
	if b == nil {
		return nil, errBucketNotFound
	}
	if !tx.owned[key] {
		b = &memBucket{items: slices.Clone(b.items)}
		tx.buckets[key] = b
		tx.owned[key] = true
	}
	return b, nil
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	tx.ensureOpen()
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return nil
	}
	return memBucketHandle{tx: tx, key: key}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	tx.ensureOpen()
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	// sub-buckets live under an existing root, as in bolt
	for _, key := range []string{memBucketKey(name, ""), memBucketKey(name, sub)} {
		if tx.buckets[key] == nil {
			tx.buckets[key] = &memBucket{}
			tx.owned[key] = true
		}
	}
	return memBucketHandle{tx: tx, key: memBucketKey(name, sub)}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	tx.ensureOpen()
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return errBucketNotFound
	}
	delete(tx.buckets, key)
	if sub == "" {
		prefix := name + memBucketSep
		for k := range tx.buckets {
			if strings.HasPrefix(k, prefix) {
				delete(tx.buckets, k)
			}
		}
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	defer tx.closeLocked()
	if tx.base.closed {
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

type memBucket struct {
	items []memKV // sorted by key
}

type memKV struct {
	key   []byte
	value []byte
}

// search returns the position of the first key >= key.
func (b *memBucket) search(key []byte) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool {
		return bytes.Compare(b.items[i].key, key) >= 0
	})
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

// memBucketHandle resolves its bucket on every call, so it sees the copy
// made by the tx's first write.
type memBucketHandle struct {
	tx  *memTx
	key string
}

func (h memBucketHandle) bucket() *memBucket {
	h.tx.ensureOpen()
	if b := h.tx.buckets[h.key]; b != nil {
		return b
	}
	return &memBucket{}
}

func (h memBucketHandle) Get(key []byte) []byte {
	b := h.bucket()
	if i, ok := b.search(key); ok {
		return b.items[i].value
	}
	return nil
}

func (h memBucketHandle) Put(key, value []byte) error {
	b, err := h.tx.own(h.key)
	if err != nil {
		return err
	}
	kv := memKV{key: slices.Clone(key), value: slices.Clone(value)}
	if i, ok := b.search(key); ok {
		b.items[i] = kv
	} else {
		b.items = slices.Insert(b.items, i, kv)
	}
	return nil
}

func (h memBucketHandle) Delete(key []byte) error {
	b, err := h.tx.own(h.key)
	if err != nil {
		return err
	}
	if i, ok := b.search(key); ok {
		b.items = slices.Delete(b.items, i, i+1)
	}
	return nil
}

func (h memBucketHandle) Cursor() storageCursor {
	return &memCursor{h: h}
}

func (h memBucketHandle) KeyCount() int { return len(h.bucket().items) }

// memCursor remembers the last key it returned rather than a slice index,
// so rows deleted or inserted while iterating don't make it skip entries.
type memCursor struct {
	h       memBucketHandle
	key     []byte
	started bool
}

func (c *memCursor) at(i int) ([]byte, []byte) {
	b := c.h.bucket()
	c.started = true
	if i >= len(b.items) {
		c.key = nil
		return nil, nil
	}
	kv := b.items[i]
	c.key = kv.key
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.at(0)
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i, _ := c.h.bucket().search(seek)
	return c.at(i)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if !c.started {
		return c.First()
	}
	if c.key == nil {
		return nil, nil
	}
	i, found := c.h.bucket().search(c.key)
	if found {
		i++
	}
	return c.at(i)
}
