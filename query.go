package snapdb

import (
	"bytes"
	"fmt"
	"reflect"
)

// Query selects records for FindAllLike.
//
// If Index names a declared index, Range applies to that index's keys;
// otherwise Range applies to the primary key. With no Index, a Match that
// supplies the primary key or every key path of some declared index is
// answered through it. Otherwise the whole collection is scanned.
//
// A record matches when each Match field equals the record's field (or, for
// array fields, is one of its elements) and Filter, if set, returns true.
type Query struct {
	Index  string
	Range  KeyRange
	Match  Record
	Filter func(rec Record) bool
}

type scanPlan struct {
	index  string
	rng    KeyRange
	match  Record
	filter func(rec Record) bool
}

func (c *Collection) plan(q Query) (scanPlan, error) {
	p := scanPlan{index: q.Index, rng: q.Range, match: q.Match, filter: q.Filter}
	if q.Index != "" {
		if _, ok := c.desc.IndexNamed(q.Index); !ok {
			return p, fmt.Errorf("%s.%s: %w", c.desc.Name, q.Index, ErrNoSuchIndex)
		}
		return p, nil
	}
	if len(q.Match) == 0 || !q.Range.IsZero() {
		return p, nil
	}

	if pk, ok := lookupPath(q.Match, c.desc.PrimaryKey); ok && isValidKey(pk) {
		p.rng = Only(pk)
		return p, nil
	}
	var best *Column
	for _, col := range c.desc.Indexes() {
		key, ok := extractKey(q.Match, col.Index)
		if !ok || !isValidKey(key) {
			continue
		}
		if col.MultiEntry && isArrayKey(key) {
			continue
		}
		if best == nil || (col.Unique && !best.Unique) {
			best = &col
		}
	}
	if best != nil {
		key, _ := extractKey(q.Match, best.Index)
		p.index, p.rng = best.Name, Only(key)
	}
	return p, nil
}

func (p *scanPlan) matches(rec Record) bool {
	for path, want := range flattenMatch(p.match) {
		got, ok := lookupPath(rec, path)
		if !ok || !matchValue(got, want) {
			return false
		}
	}
	if p.filter != nil && !p.filter(rec) {
		return false
	}
	return true
}

// flattenMatch turns {"a": {"b": 1}} into {"a.b": 1} so that nested match
// values are compared field by field.
func flattenMatch(m Record) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if sub, ok := v.(map[string]any); ok && len(sub) > 0 {
				walk(prefix+k+".", sub)
			} else {
				out[prefix+k] = v
			}
		}
	}
	walk("", m)
	return out
}

func matchValue(got, want any) bool {
	if valuesEqual(got, want) {
		return true
	}
	if isArrayKey(got) && !isArrayKey(want) {
		rv := reflect.ValueOf(got)
		for i, n := 0, rv.Len(); i < n; i++ {
			if valuesEqual(rv.Index(i).Interface(), want) {
				return true
			}
		}
	}
	return false
}

// valuesEqual compares key-like values by their encoded form, so that 1,
// int64(1) and 1.0 are equal. Anything else falls back to reflect.DeepEqual.
func valuesEqual(a, b any) bool {
	ak, aerr := EncodeKey(a)
	bk, berr := EncodeKey(b)
	if aerr == nil && berr == nil {
		return bytes.Equal(ak, bk)
	}
	return reflect.DeepEqual(a, b)
}

func isValidKey(key any) bool {
	_, err := EncodeKey(key)
	return err == nil
}
