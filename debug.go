package snapdb

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type DumpFlags uint64

const (
	DumpCollectionHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the raw contents of every collection, for debugging and tests.
func (c *kvConn) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	err := c.view(func(stx storageTx, cat *catalog) error {
		for _, name := range sortedStoreNames(cat) {
			dumpStore(&buf, f, stx, cat.Stores[name])
		}
		return nil
	})
	return buf.String(), err
}

func sortedStoreNames(cat *catalog) []string {
	return slices.Sorted(maps.Keys(cat.Stores))
}

func dumpStore(w *strings.Builder, f DumpFlags, stx storageTx, ss *storeState) {
	prefix := ss.name
	root := storeBucketName(ss.name)
	dataB := stx.Bucket(root, dataBucket)
	if dataB == nil {
		fmt.Fprintf(w, "%s ** MISSING DATA BUCKET\n", prefix)
		return
	}

	if f.Contains(DumpCollectionHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows, key %s)\n", prefix, dataB.KeyCount(), ss.KeyPath)
	}
	if f.Contains(DumpStats) {
		rows, size := bucketUsage(dataB)
		fmt.Fprintf(w, "%s.stats: rows = %d, data_size = %d\n", prefix, rows, size)
	}

	if f.Contains(DumpRows) {
		c := dataB.Cursor()
		var rowPos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rowPos++
			dumpRow(w, prefix, rowPos, v)
		}
	}

	if f.Contains(DumpIndices) {
		for _, is := range ss.sortedIndices() {
			fmt.Fprintln(w, dumpSep2)
			iprefix := prefix + ".i." + is.name
			fmt.Fprintf(w, "%s (0x%x) %s%s%s\n", iprefix, is.IndexOrdinal, is.KeyPath,
				map[bool]string{false: "", true: " UNIQUE"}[is.Unique],
				map[bool]string{false: "", true: " MULTI"}[is.MultiEntry])
			ib := stx.Bucket(root, indexBucketName(is.name))
			if ib == nil || !f.Contains(DumpIndexRows) {
				continue
			}
			c := ib.Cursor()
			var rowPos int
			for k, v := c.First(); k != nil; k, v = c.Next() {
				rowPos++
				dumpIndexRow(w, iprefix, rowPos, is, k, v)
			}
		}
	}
}

func dumpRow(w *strings.Builder, prefix string, rowPos int, v []byte) {
	var vle value
	if err := vle.decode(v); err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	rec, err := decodeRecord(vle.Data)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = (m%d s%d) ** ERROR: %v\n", prefix, rowPos, vle.ModCount, vle.SchemaVer, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = (m%d s%d) %s\n", prefix, rowPos, vle.ModCount, vle.SchemaVer, loggableRecord(rec))
}

func dumpIndexRow(w *strings.Builder, prefix string, rowPos int, is *indexState, k, v []byte) {
	keyRaw, pkRaw := k, v
	if !is.Unique {
		n, err := keyLen(k)
		if err != nil {
			fmt.Fprintf(w, "%s.%d: ** ERROR: %v\n", prefix, rowPos, err)
			return
		}
		keyRaw, pkRaw = k[:n], k[n:]
	}
	fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, rowPos, rawKeyString(keyRaw), rawKeyString(pkRaw))
}

func rawKeyString(raw []byte) string {
	key, _, err := DecodeKey(raw)
	if err != nil {
		return "<" + hexstr(raw) + ">"
	}
	if s, ok := key.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(key)
}
