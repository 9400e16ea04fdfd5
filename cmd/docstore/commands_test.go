package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/docstore/internal/config"
	"github.com/maruel/docstore/internal/docstore"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.History.Enabled = true
	cfg.References = map[string]map[string]string{"projects": {"teamId": "teams"}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	a, err := newApp(t.Context(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := a.Close(t.Context()); err != nil {
			t.Error(err)
		}
	})
	return a
}

func runJSON(t *testing.T, a *app, out any, args ...string) {
	t.Helper()
	var buf bytes.Buffer
	if err := run(t.Context(), a, args, &buf); err != nil {
		t.Fatalf("run(%q) error = %v", args, err)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		t.Fatalf("run(%q) printed %q: %v", args, buf.String(), err)
	}
}

func TestCommands(t *testing.T) {
	a := newTestApp(t)
	for _, data := range []string{
		`{"username":"alice","isRegistered":true}`,
		`{"username":"bob","isRegistered":true}`,
		`{"username":"charlie","isRegistered":false}`,
	} {
		var d map[string]any
		runJSON(t, a, &d, "create", "users", "-data", data)
		if d["username"] == nil || d["_id"] == nil || d["createdAt"] == nil {
			t.Errorf("create printed %v", d)
		}
	}

	var n int
	runJSON(t, a, &n, "count", "users", "-match", `{"isRegistered":true}`)
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	var page docstore.PageResult
	runJSON(t, a, &page, "find", "users", "-sort", `{"username":-1}`, "-page", "1", "-page-size", "2")
	if page.Count != 3 || page.TotalPages != 2 || len(page.Data) != 2 || page.Data[0]["username"] != "charlie" {
		t.Errorf("find = %+v", page)
	}

	var deleted map[string]int
	runJSON(t, a, &deleted, "delete-many", "users", "-match", `{"isRegistered":true}`)
	if deleted["deleted"] != 2 {
		t.Errorf("delete-many = %v", deleted)
	}
	runJSON(t, a, &deleted, "delete-many", "users", "-match", `{"isRegistered":true}`)
	if deleted["deleted"] != 0 {
		t.Errorf("second delete-many = %v", deleted)
	}

	var got map[string]any
	runJSON(t, a, &got, "update", "users", "-match", `{"username":"charlie"}`, "-data", `{"age":7}`)
	if got["age"] != 7.0 || got["updatedAt"] == nil {
		t.Errorf("update = %v", got)
	}
	runJSON(t, a, &got, "get", "users", "-match", `{"username":"charlie"}`)
	if got["age"] != 7.0 {
		t.Errorf("get = %v", got)
	}
	runJSON(t, a, nil, "delete", "users", "-match", `{"username":"charlie"}`)
	got = nil
	runJSON(t, a, &got, "get", "users", "-match", `{"username":"charlie"}`)
	if got != nil {
		t.Errorf("get after delete = %v", got)
	}

	var commits []map[string]any
	runJSON(t, a, &commits, "history", "users")
	// Three creates, one effective delete-many, one update and one delete.
	if len(commits) != 6 {
		t.Errorf("history = %d commits, want 6", len(commits))
	}

	var names []string
	runJSON(t, a, &names, "collections")
	if len(names) != len(config.DefaultCollections) {
		t.Errorf("collections = %v", names)
	}
}

func TestCommandsPopulate(t *testing.T) {
	a := newTestApp(t)
	var team map[string]any
	runJSON(t, a, &team, "create", "teams", "-data", `{"name":"core"}`)
	runJSON(t, a, nil, "create", "projects", "-data", `{"name":"p","teamId":`+strings.TrimSpace(mustJSON(t, team["_id"]))+`}`)
	var page docstore.PageResult
	runJSON(t, a, &page, "find", "projects", "-populate", "teamId")
	if tm, ok := page.Data[0]["teamId"].(map[string]any); !ok || tm["name"] != "core" {
		t.Errorf("find -populate = %v", page.Data)
	}
}

func TestCommandErrors(t *testing.T) {
	a := newTestApp(t)
	ctx := t.Context()
	var buf bytes.Buffer
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"unknown collection", []string{"find", "nope"}, docstore.ErrUnknownCollection},
		{"counters", []string{"count", "counters"}, docstore.ErrUnknownCollection},
		{"bad page", []string{"find", "users", "-page", "0"}, docstore.ErrInvalidPageRequest},
		{"non-numeric page", []string{"find", "users", "-page", "x"}, docstore.ErrInvalidPageRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(ctx, a, tt.args, &buf); !errors.Is(err, tt.want) {
				t.Errorf("run(%q) error = %v, want %v", tt.args, err, tt.want)
			}
		})
	}
	for _, args := range [][]string{
		{},
		{"bogus"},
		{"find"},
		{"find", "users", "-match", "{"},
		{"find", "users", "extra"},
		{"create", "users", "-data", "[1]"},
		{"history", "users", "-show", "nothex"},
	} {
		if err := run(ctx, a, args, &buf); err == nil {
			t.Errorf("run(%q) should fail", args)
		}
	}
}

func TestParseObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte(`{"n": 12345678901234567890}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := parseObject("@" + path)
	if err != nil {
		t.Fatal(err)
	}
	if m["n"] != json.Number("12345678901234567890") {
		t.Errorf("parseObject() = %#v", m)
	}
	if m, err := parseObject(""); m != nil || err != nil {
		t.Errorf("parseObject(\"\") = %v, %v", m, err)
	}
	if _, err := parseObject(`{} {}`); err == nil {
		t.Error("parseObject() should reject trailing data")
	}
}

func TestSortArg(t *testing.T) {
	if _, ok := sortArg(`{"a":1}`).(json.RawMessage); !ok {
		t.Error("JSON object spec should stay encoded")
	}
	if _, ok := sortArg(` [["a",1]]`).(json.RawMessage); !ok {
		t.Error("JSON array spec should stay encoded")
	}
	if got := sortArg("-a b"); got != "-a b" {
		t.Errorf("sortArg() = %v", got)
	}
	if got := sortArg(""); got != nil {
		t.Errorf("sortArg(\"\") = %v", got)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
