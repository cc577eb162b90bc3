package snapdb

import (
	"encoding/json"
	"fmt"
)

type CollectionStats struct {
	Rows      int
	IndexRows int

	DataSize  int
	IndexSize int
}

func (cs *CollectionStats) TotalSize() int {
	return cs.DataSize + cs.IndexSize
}

// Inspector is implemented by connections that can report on their storage.
// KVEngine connections implement it.
type Inspector interface {
	Stats(collection string) (CollectionStats, error)
	Dump(f DumpFlags) (string, error)
}

// Stats walks the collection's buckets. Sizes are key plus value bytes.
func (c *kvConn) Stats(name string) (CollectionStats, error) {
	var result CollectionStats
	err := c.view(func(stx storageTx, cat *catalog) error {
		ss := cat.Stores[name]
		if ss == nil {
			return fmt.Errorf("%s: %w", name, ErrNoSuchCollection)
		}
		root := storeBucketName(name)
		if b := stx.Bucket(root, dataBucket); b != nil {
			result.Rows, result.DataSize = bucketUsage(b)
		}
		for _, is := range ss.sortedIndices() {
			if b := stx.Bucket(root, indexBucketName(is.name)); b != nil {
				n, size := bucketUsage(b)
				result.IndexRows += n
				result.IndexSize += size
			}
		}
		return nil
	})
	return result, err
}

func bucketUsage(b storageBucket) (n, size int) {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		n++
		size += len(k) + len(v)
	}
	return n, size
}

// view runs f in a read-only storage transaction.
func (c *kvConn) view(f func(stx storageTx, cat *catalog) error) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.db.mu.Lock()
	cat := c.db.cat
	c.db.mu.Unlock()

	stx, err := c.db.st.BeginTx(false)
	if err != nil {
		return err
	}
	defer stx.Rollback()
	return f(stx, cat)
}

func loggableRecord(rec Record) string {
	if rec == nil {
		return "<none>"
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(raw)
}
