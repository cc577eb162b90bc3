package snapdb

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Backup exports every physical collection, including ones no longer
// declared in the registry, from a single read-only transaction. Either all
// collections are exported or the call fails with ErrExport.
func (db *DB) Backup(ctx context.Context) (*Snapshot, error) {
	conn, err := db.Connect(ctx)
	if err != nil {
		return nil, err
	}
	reg := db.Registry()
	start := time.Now()

	snap := &Snapshot{
		Name:        db.name,
		Version:     reg.version,
		Collections: reg.collections,
		Data:        make(map[string][]Record),
	}
	names := conn.CollectionNames()
	for _, name := range names {
		if snap.Collections[name] != nil {
			continue
		}
		info, err := conn.Describe(name)
		if err != nil {
			return nil, collErrf(ErrExport, name, "describe", nil, err)
		}
		if cd := descriptorFromInfo(info); cd != nil {
			snap.Collections[name] = cd
		}
	}
	if len(names) == 0 {
		return snap, nil
	}

	txn, err := conn.Begin(names, ReadOnly)
	if err != nil {
		return nil, dbErr(ErrExport, db.name, err)
	}
	defer txn.Abort()

	results := make([][]Record, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			cur, err := txn.OpenCursor(name, KeyRange{})
			if err != nil {
				return collErrf(ErrExport, name, "backup", nil, err)
			}
			recs := []Record{}
			for cur.Next() {
				if err := gctx.Err(); err != nil {
					return collErrf(ErrExport, name, "backup", nil, err)
				}
				recs = append(recs, cur.Record())
			}
			if err := cur.Err(); err != nil {
				return collErrf(ErrExport, name, "backup", cur.PrimaryKey(), err)
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, dbErr(ErrExport, db.name, err)
	}

	for i, name := range names {
		snap.Data[name] = results[i]
	}
	db.logger.Info("db: backup done", "db", db.name, "version", snap.Version, "collections", len(names), "records", snap.RecordCount(), "ms", time.Since(start).Milliseconds())
	return snap, nil
}

// descriptorFromInfo describes a physical collection that the registry does
// not know about. Descriptors declare a single primary key field, so a
// collection keyed by a compound path gets no descriptor and its records go
// unchecked by Validate.
func descriptorFromInfo(info *CollectionInfo) *CollectionDescriptor {
	if len(info.KeyPath) != 1 {
		return nil
	}
	cd := &CollectionDescriptor{Name: info.Name, PrimaryKey: info.KeyPath[0]}
	for _, idx := range info.Indexes {
		cd.Columns = append(cd.Columns, Column{
			Name:       idx.Name,
			Index:      idx.KeyPath,
			Unique:     idx.Unique,
			MultiEntry: idx.MultiEntry,
		})
	}
	return cd
}
