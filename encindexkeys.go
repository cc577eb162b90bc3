package snapdb

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// indexRow is one entry a record contributes to an index bucket.
type indexRow struct {
	Ord      uint64
	Index    *indexState
	KeyRaw   []byte // index bucket key
	ValueRaw []byte // index bucket value
}

type indexRows []indexRow

func (a indexRows) Len() int      { return len(a) }
func (a indexRows) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a indexRows) Less(i, j int) bool {
	if a[i].Ord != a[j].Ord {
		return a[i].Ord < a[j].Ord
	}
	return bytes.Compare(a[i].KeyRaw, a[j].KeyRaw) < 0
}

func (a indexRows) finalize() indexRows {
	sort.Sort(a)
	// multiEntry arrays may repeat a value; keep one entry per key
	out := a[:0]
	for i, row := range a {
		if i > 0 && row.Ord == a[i-1].Ord && bytes.Equal(row.KeyRaw, a[i-1].KeyRaw) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func appendIndexKeys(buf []byte, rows indexRows) []byte {
	var total = binary.MaxVarintLen32 + len(rows)*(binary.MaxVarintLen64+binary.MaxVarintLen32)
	for _, row := range rows {
		total += len(row.KeyRaw)
	}

	w := prealloc(buf, total)
	w.AppendUvarinti(len(rows))
	for _, row := range rows {
		w.AppendUvarint(row.Ord)
		w.AppendVarBytes(row.KeyRaw)
	}
	return w.Trimmed()
}

func decodeIndexKeys(data []byte, f func(ord uint64, key []byte)) error {
	if len(data) == 0 {
		return nil
	}
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ord, err := d.Uvarint()
		if err != nil {
			return err
		}
		key, err := d.VarBytes()
		if err != nil {
			return err
		}
		f(ord, key)
	}
	return nil
}

type indexDiffer struct {
	newRows indexRows
}

func (d *indexDiffer) checkOldKey(oldOrd uint64, oldKey []byte) bool {
	// Look for a new row that's >= old row.
	for len(d.newRows) > 0 {
		newOrd := d.newRows[0].Ord
		if oldOrd < newOrd {
			return false
		} else if oldOrd == newOrd {
			c := bytes.Compare(oldKey, d.newRows[0].KeyRaw)
			if c < 0 {
				return false
			} else if c == 0 {
				return true // found exact match
			}
		}
		d.newRows = d.newRows[1:] // shift to next new row and compare again
	}
	return false // no more new rows, so remaining old rows have been deleted
}

func findRemovedIndexKeys(oldData []byte, newRows indexRows, removed func(ord uint64, key []byte)) error {
	d := indexDiffer{newRows}
	return decodeIndexKeys(oldData, func(ord uint64, key []byte) {
		if !d.checkOldKey(ord, key) {
			removed(ord, key)
		}
	})
}
