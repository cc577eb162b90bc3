package snapdb

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is a whole-database export: schema plus every record of every
// collection, each collection in primary key order.
type Snapshot struct {
	Name        string                           `json:"name"`
	Version     uint64                           `json:"version"`
	Collections map[string]*CollectionDescriptor `json:"modules"`
	Data        map[string][]Record              `json:"data"`
}

// Validate checks that every record carries the primary key declared for its
// collection. Collections without a descriptor are not checked.
func (snap *Snapshot) Validate() error {
	if snap.Name == "" {
		return fmt.Errorf("snapshot has no database name")
	}
	for coll, recs := range snap.Data {
		cd := snap.Collections[coll]
		if cd == nil {
			continue
		}
		for i, rec := range recs {
			if rec == nil {
				return fmt.Errorf("%s[%d]: nil record", coll, i)
			}
			if err := cd.checkRecord(rec); err != nil {
				return fmt.Errorf("%s[%d]: %w", coll, i, err)
			}
		}
	}
	return nil
}

// RecordCount returns the total number of records across collections.
func (snap *Snapshot) RecordCount() int {
	var n int
	for _, recs := range snap.Data {
		n += len(recs)
	}
	return n
}

// Digest hashes the name, version and data of the snapshot. Snapshots with
// the same records in the same order have the same digest no matter how
// their numbers are typed, so a snapshot loaded from JSON hashes the same as
// the one it was written from.
func (snap *Snapshot) Digest() (uint64, error) {
	canon := struct {
		Name    string         `msgpack:"n"`
		Version uint64         `msgpack:"v"`
		Data    map[string]any `msgpack:"d"`
	}{
		Name:    snap.Name,
		Version: snap.Version,
		Data:    make(map[string]any, len(snap.Data)),
	}
	for coll, recs := range snap.Data {
		items := make([]any, len(recs))
		for i, rec := range recs {
			items[i] = canonicalValue(rec)
		}
		canon.Data[coll] = items
	}
	raw, err := encodeMsgPack(nil, &canon)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(raw), nil
}

// canonicalValue converts numbers to float64 and times to their JSON form,
// recursively.
func canonicalValue(v any) any {
	switch v := v.(type) {
	case nil, string, bool, float64, []byte:
		return v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, el := range v {
			out[k] = canonicalValue(el)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			out[i] = canonicalValue(el)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = canonicalValue(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}

// WriteSnapshot writes snap as JSON.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// ReadSnapshot reads a JSON snapshot. Numbers are decoded as float64.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	snap := new(Snapshot)
	if err := json.NewDecoder(r).Decode(snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	if snap.Data == nil {
		snap.Data = make(map[string][]Record)
	}
	if snap.Collections == nil {
		snap.Collections = make(map[string]*CollectionDescriptor)
	}
	for name, cd := range snap.Collections {
		if cd != nil && cd.Name == "" {
			cd.Name = name
		}
	}
	return snap, nil
}

// SaveSnapshotFile writes snap to path atomically, through a temporary file
// in the same directory.
func SaveSnapshotFile(path string, snap *Snapshot) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if err = WriteSnapshot(f, snap); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	snap, err := ReadSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}
