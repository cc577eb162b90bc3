package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andreyvit/snapdb"
)

type cli struct {
	t      *testing.T
	config string
	dir    string
}

func setupCLI(t *testing.T) *cli {
	return &cli{t: t, config: writeConfig(t, sampleConfig), dir: t.TempDir()}
}

func (c *cli) exec(stdin string, args ...string) (string, error) {
	c.t.Helper()
	out, _, err := c.execFull(stdin, args...)
	return out, err
}

func (c *cli) execFull(stdin string, args ...string) (string, string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", c.config, "--dir", c.dir}, args...))
	err := cmd.ExecuteContext(context.Background())
	if testing.Verbose() && errOut.Len() > 0 {
		c.t.Log(errOut.String())
	}
	return out.String(), errOut.String(), err
}

func (c *cli) run(stdin string, args ...string) string {
	c.t.Helper()
	out, err := c.exec(stdin, args...)
	if err != nil {
		c.t.Fatalf("snapdb %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestCLI_PutGetCount(t *testing.T) {
	c := setupCLI(t)
	c.run(`[{"id": "u1", "name": "foo", "email": "foo@example.com"}, {"id": "u2", "name": "bar"}]`, "put", "users")
	c.run(`{"id": 1, "author": "u1"} {"id": 2, "author": "u2"}`, "put", "posts", "-")

	deepEqual(t, c.run("", "count", "users"), "2\n")
	deepEqual(t, c.run("", "count", "posts"), "2\n")
	deepEqual(t, c.run("", "get", "users", "u2"), "{\n  \"id\": \"u2\",\n  \"name\": \"bar\"\n}\n")
	deepEqual(t, c.run("", "get", "posts", "1"), "{\n  \"author\": \"u1\",\n  \"id\": 1\n}\n")

	_, err := c.exec("", "get", "users", "u9")
	isErr(t, err, snapdb.ErrNotFound)
	_, err = c.exec("", "count", "ghosts")
	isErr(t, err, snapdb.ErrUnknownCollection)
	_, err = c.exec("[1]", "put", "users")
	if err == nil {
		t.Fatal("expected non-object input to fail")
	}
}

func TestCLI_Find(t *testing.T) {
	c := setupCLI(t)
	c.run(`[
		{"id": "u1", "name": "foo", "email": "foo@example.com", "tags": ["a", "b"]},
		{"id": "u2", "name": "bar", "email": "bar@example.com", "tags": ["b"]},
		{"id": "u3", "name": "foo"}
	]`, "put", "users")

	deepEqual(t, c.run("", "find", "users", "--index", "email", "--key", "bar@example.com"),
		`{"email":"bar@example.com","id":"u2","name":"bar","tags":["b"]}`+"\n")
	deepEqual(t, c.run("", "find", "users", "--index", "tags", "--key", "b", "--match", "name=foo"),
		`{"email":"foo@example.com","id":"u1","name":"foo","tags":["a","b"]}`+"\n")
	deepEqual(t, strings.Count(c.run("", "find", "users", "--match", "name=foo"), "\n"), 2)
	deepEqual(t, strings.Count(c.run("", "find", "users"), "\n"), 3)

	_, err := c.exec("", "find", "users", "--index", "nope")
	isErr(t, err, snapdb.ErrNoSuchIndex)
	_, err = c.exec("", "find", "users", "--match", "name")
	if err == nil {
		t.Fatal("expected malformed --match to fail")
	}
}

func TestCLI_BackupRestore(t *testing.T) {
	c := setupCLI(t)
	c.run(`[{"id": "u1", "name": "foo"}]`, "put", "users")
	file := filepath.Join(t.TempDir(), "backup.json")
	c.run("", "backup", file)

	snap, err := snapdb.LoadSnapshotFile(file)
	ok(t, err)
	deepEqual(t, snap.Name, "app")
	deepEqual(t, snap.Version, uint64(2))
	deepEqual(t, snap.RecordCount(), 1)

	stdout := c.run("", "backup")
	snap2, err := snapdb.ReadSnapshot(strings.NewReader(stdout))
	ok(t, err)
	deepEqual(t, must(snap2.Digest()), must(snap.Digest()))

	// restore into a fresh directory
	c2 := &cli{t: t, config: c.config, dir: t.TempDir()}
	c2.run("", "restore", file)
	deepEqual(t, c2.run("", "get", "users", "u1"), "{\n  \"id\": \"u1\",\n  \"name\": \"foo\"\n}\n")

	_, err = c2.exec("", "restore", filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected missing snapshot to fail")
	}
}

func TestCLI_LsDropDump(t *testing.T) {
	c := setupCLI(t)
	c.run(`{"id": "u1", "email": "foo@example.com"}`, "put", "users")

	out := c.run("", "ls")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	deepEqual(t, len(lines), 3)
	deepEqual(t, strings.Fields(lines[0])[0], "COLLECTION")
	deepEqual(t, strings.Fields(lines[1])[:3], []string{"posts", "0", "0"})
	deepEqual(t, strings.Fields(lines[2])[:3], []string{"users", "1", "1"})

	dump := c.run("", "dump")
	if !strings.Contains(dump, "users") || !strings.Contains(dump, "email") {
		t.Fatalf("dump does not mention users.email:\n%s", dump)
	}

	c.run("", "drop", "posts")
	out = c.run("", "ls")
	deepEqual(t, strings.Count(strings.TrimSpace(out), "\n"), 1)
}

func TestCLI_Metrics(t *testing.T) {
	c := setupCLI(t)
	_, stderr, err := c.execFull(`[{"id": "u1"}, {"id": "u2"}]`, "--metrics", "put", "users")
	ok(t, err)
	for _, line := range []string{
		`snapdb_collection_ops_total{collection="users",op="bulkCreate"} 1`,
		`snapdb_collection_records_total{collection="users",op="bulkCreate"} 2`,
	} {
		if !strings.Contains(stderr, line) {
			t.Fatalf("** metrics output lacks %q:\n%s", line, stderr)
		}
	}

	_, stderr, err = c.execFull("", "count", "users")
	ok(t, err)
	if strings.Contains(stderr, "snapdb_collection_ops_total") {
		t.Fatalf("** metrics printed without --metrics:\n%s", stderr)
	}
}

func TestParseKey(t *testing.T) {
	deepEqual(t, parseKey("u1"), any("u1"))
	deepEqual(t, parseKey("42"), any(float64(42)))
	deepEqual(t, parseKey(`"42"`), any("42"))
	deepEqual(t, parseKey(`["a", 1]`), any([]any{"a", float64(1)}))
	deepEqual(t, parseKey(`{"a": 1}`), any(`{"a": 1}`))
	deepEqual(t, parseKey("null"), any("null"))
}

func ok(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("** %v", err)
	}
}

func isErr(t testing.TB, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("** got error %v, wanted %v", err, target)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
