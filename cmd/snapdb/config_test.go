package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/andreyvit/snapdb"
)

const sampleConfig = `
name: app
version: 2
dir: ./data
modules:
  - name: users
    primary: id
    columns:
      - name: email
        index: email
        unique: true
      - name: tags
        index: tags
        multiEntry: true
      - name: byCity
        index: [profile.city, name]
      - name: age
  - name: posts
    primary: id
    columns:
      - name: author
        index: author
`

func writeConfig(t testing.TB, content string) string {
	path := filepath.Join(t.TempDir(), "snapdb.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, cfg.Name, "app")
	deepEqual(t, cfg.Version, uint64(2))
	deepEqual(t, cfg.Dir, "./data")
	deepEqual(t, cfg.Verbose, false)

	deepEqual(t, cfg.Descriptors(), []*snapdb.CollectionDescriptor{
		{Name: "users", PrimaryKey: "id", Columns: []snapdb.Column{
			{Name: "email", Index: snapdb.KeyPath{"email"}, Unique: true},
			{Name: "tags", Index: snapdb.KeyPath{"tags"}, MultiEntry: true},
			{Name: "byCity", Index: snapdb.KeyPath{"profile.city", "name"}},
			{Name: "age"},
		}},
		{Name: "posts", PrimaryKey: "id", Columns: []snapdb.Column{
			{Name: "author", Index: snapdb.KeyPath{"author"}},
		}},
	})
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv("SNAPDB_DIR", "/var/lib/snapdb")
	t.Setenv("SNAPDB_VERSION", "5")
	t.Setenv("SNAPDB_VERBOSE", "true")

	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, cfg.Name, "app")
	deepEqual(t, cfg.Dir, "/var/lib/snapdb")
	deepEqual(t, cfg.Version, uint64(5))
	deepEqual(t, cfg.Verbose, true)
	deepEqual(t, len(cfg.Modules), 2)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SNAPDB_NAME", "scratch")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, cfg.Name, "scratch")
	deepEqual(t, cfg.Version, uint64(1))
	deepEqual(t, cfg.Dir, ".")
	deepEqual(t, len(cfg.Descriptors()), 0)
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if _, err := loadConfig(writeConfig(t, "name: [unterminated")); err == nil {
		t.Fatal("expected an error for invalid YAML")
	}
}

func TestConfig_OptionsAreValidated(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "name: app\nmodules:\n  - name: users\n"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = snapdb.New(cfg.Options(snapdb.NewMemoryEngine()))
	if err == nil {
		t.Fatal("expected missing primary key to be rejected")
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	t.Helper()
	if !reflect.DeepEqual(a, e) {
		t.Fatalf("** got %#v, wanted %#v", a, e)
	}
}
