package snapdb

import (
	"context"
	"iter"
)

// Collection is a short-lived handle for one collection. Each method runs in
// its own transaction: read-only for reads, read-write for writes.
type Collection struct {
	db   *DB
	conn Conn
	desc *CollectionDescriptor
}

func (c *Collection) Name() string {
	return c.desc.Name
}

func (c *Collection) Descriptor() *CollectionDescriptor {
	return c.desc.Clone()
}

func (c *Collection) primaryKey(rec Record) any {
	pk, _ := lookupPath(rec, c.desc.PrimaryKey)
	return pk
}

func (c *Collection) write(ctx context.Context, op string, key any, f func(txn Txn) (any, error)) error {
	if err := ctx.Err(); err != nil {
		return collErrf(ErrWrite, c.desc.Name, op, key, err)
	}
	txn, err := c.conn.Begin([]string{c.desc.Name}, ReadWrite)
	if err != nil {
		return collErrf(ErrWrite, c.desc.Name, op, key, err)
	}
	if failedKey, err := f(txn); err != nil {
		txn.Abort()
		if failedKey != nil {
			key = failedKey
		}
		return collErrf(ErrWrite, c.desc.Name, op, key, err)
	}
	if err := txn.Commit(); err != nil {
		return collErrf(ErrWrite, c.desc.Name, op, key, err)
	}
	return nil
}

func (c *Collection) read(ctx context.Context, op string, key any, f func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return collErrf(ErrRead, c.desc.Name, op, key, err)
	}
	txn, err := c.conn.Begin([]string{c.desc.Name}, ReadOnly)
	if err != nil {
		return collErrf(ErrRead, c.desc.Name, op, key, err)
	}
	defer txn.Abort()
	if err := f(txn); err != nil {
		return collErrf(ErrRead, c.desc.Name, op, key, err)
	}
	return nil
}

// BulkCreate upserts all records in one transaction and returns how many
// were written. If any record is rejected, none are.
func (c *Collection) BulkCreate(ctx context.Context, records []Record) (int, error) {
	err := c.write(ctx, "bulkCreate", nil, func(txn Txn) (any, error) {
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := txn.Put(c.desc.Name, rec); err != nil {
				return c.primaryKey(rec), err
			}
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	c.db.logOp("PUT", c.desc.Name, "records", len(records))
	c.db.notify(EventBulkCreate, c.desc, records)
	return len(records), nil
}

// Update upserts a single record.
func (c *Collection) Update(ctx context.Context, rec Record) error {
	key := c.primaryKey(rec)
	err := c.write(ctx, "update", key, func(txn Txn) (any, error) {
		return nil, txn.Put(c.desc.Name, rec)
	})
	if err != nil {
		return err
	}
	if c.db.verbose {
		c.db.logOp("PUT", c.desc.Name, "key", key, "record", loggableRecord(rec))
	}
	c.db.notify(EventUpdate, c.desc, rec)
	return nil
}

// Delete removes the record with the given primary key. Deleting a missing
// record is not an error.
func (c *Collection) Delete(ctx context.Context, key any) error {
	err := c.write(ctx, "delete", key, func(txn Txn) (any, error) {
		return nil, txn.Delete(c.desc.Name, key)
	})
	if err != nil {
		return err
	}
	c.db.logOp("DELETE", c.desc.Name, "key", key)
	c.db.notify(EventDelete, c.desc, key)
	return nil
}

// FindByPk returns the record with the given primary key, or an error
// matching ErrNotFound.
func (c *Collection) FindByPk(ctx context.Context, key any) (Record, error) {
	var rec Record
	err := c.read(ctx, "findByPk", key, func(txn Txn) error {
		var err error
		rec, err = txn.Get(c.desc.Name, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, collErrf(ErrNotFound, c.desc.Name, "findByPk", key, nil)
	}
	c.db.logOp("GET", c.desc.Name, "key", key)
	c.db.notify(EventFindByPk, c.desc, rec)
	return rec, nil
}

func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.read(ctx, "count", nil, func(txn Txn) error {
		var err error
		n, err = txn.Count(c.desc.Name)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.db.notify(EventCount, c.desc, n)
	return n, nil
}

// Clear deletes every record but keeps the collection and its indexes.
func (c *Collection) Clear(ctx context.Context) error {
	err := c.write(ctx, "clear", nil, func(txn Txn) (any, error) {
		return nil, txn.Clear(c.desc.Name)
	})
	if err != nil {
		return err
	}
	c.db.logOp("CLEAR", c.desc.Name)
	c.db.notify(EventClear, c.desc, nil)
	return nil
}

// FindAll iterates over all records in primary key order. Each iteration
// runs in its own read-only transaction, so the sequence can be ranged over
// any number of times.
func (c *Collection) FindAll(ctx context.Context) iter.Seq2[Record, error] {
	return c.scan(ctx, EventFindAll, scanPlan{})
}

// FindAllLike iterates over the records matching q. See Query.
func (c *Collection) FindAllLike(ctx context.Context, q Query) iter.Seq2[Record, error] {
	plan, err := c.plan(q)
	if err != nil {
		return func(yield func(Record, error) bool) {
			yield(nil, collErrf(ErrRead, c.desc.Name, "findAllLike", nil, err))
		}
	}
	return c.scan(ctx, EventFindAllLike, plan)
}

func (c *Collection) scan(ctx context.Context, kind EventKind, plan scanPlan) iter.Seq2[Record, error] {
	op := kind.String()
	return func(yield func(Record, error) bool) {
		fail := func(err error) {
			yield(nil, collErrf(ErrRead, c.desc.Name, op, nil, err))
		}
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}
		txn, err := c.conn.Begin([]string{c.desc.Name}, ReadOnly)
		if err != nil {
			fail(err)
			return
		}
		defer txn.Abort()

		var cur Cursor
		if plan.index != "" {
			cur, err = txn.OpenIndexCursor(c.desc.Name, plan.index, plan.rng)
		} else {
			cur, err = txn.OpenCursor(c.desc.Name, plan.rng)
		}
		if err != nil {
			fail(err)
			return
		}

		var n int
		for cur.Next() {
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}
			rec := cur.Record()
			if !plan.matches(rec) {
				continue
			}
			n++
			if !yield(rec, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			fail(err)
			return
		}
		if plan.index != "" {
			c.db.logOp("SCAN", c.desc.Name, "index", plan.index, "records", n)
		} else {
			c.db.logOp("SCAN", c.desc.Name, "records", n)
		}
		c.db.notify(kind, c.desc, n)
	}
}

// Drop removes the collection with all its data, and removes it from the
// registry.
func (c *Collection) Drop(ctx context.Context) error {
	return c.remove(ctx, EventDrop)
}

// Destroy is the same as Drop but reports a destroy event.
func (c *Collection) Destroy(ctx context.Context) error {
	return c.remove(ctx, EventDestroy)
}

func (c *Collection) remove(ctx context.Context, kind EventKind) error {
	op := kind.String()
	if err := ctx.Err(); err != nil {
		return collErrf(ErrWrite, c.desc.Name, op, nil, err)
	}
	if err := c.conn.DeleteCollection(c.desc.Name); err != nil {
		return collErrf(ErrWrite, c.desc.Name, op, nil, err)
	}
	c.db.forgetCollection(c.desc.Name)
	c.db.logOp("DROP", c.desc.Name)
	c.db.notify(kind, c.desc, nil)
	return nil
}
