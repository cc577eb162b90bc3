package snapdb

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Record is a stored document. It must contain its collection's primary key.
type Record = map[string]any

// Column declares a record field. Columns with a non-empty Index get a
// secondary index named after the column.
type Column struct {
	Name       string
	Index      KeyPath
	Unique     bool
	MultiEntry bool
}

func (col Column) IsIndexed() bool {
	return !col.Index.IsZero()
}

type columnAttributes struct {
	Unique     bool `json:"unique,omitempty"`
	MultiEntry bool `json:"multiEntry,omitempty"`
}

type columnJSON struct {
	Name       string            `json:"name"`
	Index      KeyPath           `json:"index,omitempty"`
	Attributes *columnAttributes `json:"attributes,omitempty"`
}

func (col Column) MarshalJSON() ([]byte, error) {
	cj := columnJSON{Name: col.Name, Index: col.Index}
	if col.Unique || col.MultiEntry {
		cj.Attributes = &columnAttributes{col.Unique, col.MultiEntry}
	}
	return json.Marshal(cj)
}

func (col *Column) UnmarshalJSON(data []byte) error {
	var cj columnJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	*col = Column{Name: cj.Name, Index: cj.Index}
	if cj.Attributes != nil {
		col.Unique, col.MultiEntry = cj.Attributes.Unique, cj.Attributes.MultiEntry
	}
	return nil
}

// CollectionDescriptor is the declared shape of a collection. It must not
// change after the schema version that introduced it has been applied.
type CollectionDescriptor struct {
	Name       string   `json:"name"`
	PrimaryKey string   `json:"primary"`
	Columns    []Column `json:"columns"`
}

// Indexes returns the columns that declare an index.
func (cd *CollectionDescriptor) Indexes() []Column {
	var result []Column
	for _, col := range cd.Columns {
		if col.IsIndexed() {
			result = append(result, col)
		}
	}
	return result
}

func (cd *CollectionDescriptor) IndexNamed(name string) (Column, bool) {
	for _, col := range cd.Columns {
		if col.IsIndexed() && col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

func (cd *CollectionDescriptor) Clone() *CollectionDescriptor {
	if cd == nil {
		return nil
	}
	c := *cd
	c.Columns = slices.Clone(cd.Columns)
	for i := range c.Columns {
		c.Columns[i].Index = slices.Clone(c.Columns[i].Index)
	}
	return &c
}

func (cd *CollectionDescriptor) validate() error {
	if cd == nil {
		return fmt.Errorf("nil collection descriptor")
	}
	if cd.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if cd.PrimaryKey == "" {
		return fmt.Errorf("%s: primary key is required", cd.Name)
	}
	seen := make(map[string]bool)
	for _, col := range cd.Indexes() {
		if col.Name == "" {
			return fmt.Errorf("%s: indexed column needs a name", cd.Name)
		}
		if seen[col.Name] {
			return fmt.Errorf("%s: duplicate index %q", cd.Name, col.Name)
		}
		seen[col.Name] = true
		if col.MultiEntry && col.Index.IsCompound() {
			return fmt.Errorf("%s.%s: multiEntry index cannot have a compound key path", cd.Name, col.Name)
		}
	}
	return nil
}

// checkRecord verifies that rec carries a usable primary key.
func (cd *CollectionDescriptor) checkRecord(rec Record) error {
	pk, ok := lookupPath(rec, cd.PrimaryKey)
	if !ok {
		return fmt.Errorf("%w: record has no %q field", ErrInvalidKey, cd.PrimaryKey)
	}
	if _, err := EncodeKey(pk); err != nil {
		return err
	}
	return nil
}

// Registry holds the declared collections and the schema version. It does no I/O.
type Registry struct {
	name        string
	version     uint64
	collections map[string]*CollectionDescriptor
}

func newRegistry(name string, version uint64, modules []*CollectionDescriptor) (*Registry, error) {
	if name == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if version < 1 {
		return nil, fmt.Errorf("database version must be >= 1, got %d", version)
	}
	reg := &Registry{
		name:        name,
		version:     version,
		collections: make(map[string]*CollectionDescriptor, len(modules)),
	}
	for _, cd := range modules {
		if err := cd.validate(); err != nil {
			return nil, err
		}
		if reg.collections[cd.Name] != nil {
			return nil, fmt.Errorf("duplicate collection %q", cd.Name)
		}
		reg.collections[cd.Name] = cd.Clone()
	}
	return reg, nil
}

func (reg *Registry) Name() string {
	return reg.name
}

func (reg *Registry) Version() uint64 {
	return reg.version
}

func (reg *Registry) Collection(name string) *CollectionDescriptor {
	return reg.collections[name]
}

// CollectionNames returns declared collection names in sorted order.
func (reg *Registry) CollectionNames() []string {
	return slices.Sorted(maps.Keys(reg.collections))
}

func (reg *Registry) Collections() map[string]*CollectionDescriptor {
	result := make(map[string]*CollectionDescriptor, len(reg.collections))
	for name, cd := range reg.collections {
		result[name] = cd.Clone()
	}
	return result
}

func (reg *Registry) clone() *Registry {
	return &Registry{
		name:        reg.name,
		version:     reg.version,
		collections: reg.Collections(),
	}
}

// adopt switches to a newer version and its collection map. Returns false
// (and changes nothing) unless version is strictly greater.
func (reg *Registry) adopt(version uint64, collections map[string]*CollectionDescriptor) bool {
	if version <= reg.version {
		return false
	}
	reg.version = version
	reg.collections = make(map[string]*CollectionDescriptor, len(collections))
	for name, cd := range collections {
		if cd == nil {
			continue
		}
		cd = cd.Clone()
		if cd.Name == "" {
			cd.Name = name
		}
		reg.collections[name] = cd
	}
	return true
}

func (reg *Registry) remove(name string) {
	delete(reg.collections, name)
}
