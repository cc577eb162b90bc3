package snapdb

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// Recovery merges a snapshot into the database.
//
// The snapshot must belong to this database (ErrIdentityMismatch otherwise).
// A snapshot with a higher version replaces the registry; collections it
// introduces are created on the next connect, not by this call. Records are
// upserted by primary key into collections that exist both physically and in
// the snapshot; data for other collections is ignored. All puts happen in
// one transaction: on any failure nothing is applied and the error matches
// ErrImport.
func (db *DB) Recovery(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return dbErr(ErrImport, db.name, fmt.Errorf("nil snapshot"))
	}
	if snap.Name != db.name {
		return dbErr(ErrIdentityMismatch, db.name, fmt.Errorf("snapshot is of database %q", snap.Name))
	}
	if err := snap.Validate(); err != nil {
		return dbErr(ErrImport, db.name, err)
	}
	start := time.Now()

	db.mu.Lock()
	if db.reg.adopt(snap.Version, snap.Collections) {
		db.logger.Info("db: adopted schema version from snapshot", "db", db.name, "version", snap.Version, "collections", len(db.reg.collections))
	}
	conn, err := db.connectLocked(ctx)
	db.mu.Unlock()
	if err != nil {
		return err
	}

	var eligible []string
	for _, name := range conn.CollectionNames() {
		if _, ok := snap.Data[name]; ok {
			eligible = append(eligible, name)
		}
	}
	for name := range snap.Data {
		if !slices.Contains(eligible, name) {
			db.logger.Info("db: recovery skips missing collection", "db", db.name, "collection", name, "records", len(snap.Data[name]))
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	txn, err := conn.Begin(eligible, ReadWrite)
	if err != nil {
		return dbErr(ErrImport, db.name, err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range eligible {
		g.Go(func() error {
			for _, rec := range snap.Data[name] {
				if err := gctx.Err(); err != nil {
					return collErrf(ErrImport, name, "put", nil, err)
				}
				if err := txn.Put(name, rec); err != nil {
					pk := any(nil)
					if cd := snap.Collections[name]; cd != nil {
						pk, _ = lookupPath(rec, cd.PrimaryKey)
					}
					return collErrf(ErrImport, name, "put", pk, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		txn.Abort()
		return dbErr(ErrImport, db.name, err)
	}
	if err := txn.Commit(); err != nil {
		txn.Abort()
		return dbErr(ErrImport, db.name, err)
	}
	db.logger.Info("db: recovery done", "db", db.name, "collections", len(eligible), "ms", time.Since(start).Milliseconds())
	return nil
}
