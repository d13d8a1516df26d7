package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "todo"
version = "0.1.0"

[source]
entry = "app/main.ql"

[build]
out_dir = "public"
borrow_check = false
bytecode = false
rpc_prefix = "/api"
runtime = "./runtime.js"
cache = ".quill/cache.db"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "todo" {
		t.Errorf("project name = %q, want todo", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if m.Source.Entry != "app/main.ql" {
		t.Errorf("source entry = %q, want app/main.ql", m.Source.Entry)
	}
	b := m.Build
	if b.OutDir != "public" || b.BorrowCheck || b.Bytecode || b.RPCPrefix != "/api" || b.Runtime != "./runtime.js" {
		t.Errorf("build = %+v", b)
	}

	abs, _ := filepath.Abs(dir)
	if m.Dir != abs {
		t.Errorf("dir = %q, want %q", m.Dir, abs)
	}
	if got, want := m.EntryPath(), filepath.Join(abs, "app", "main.ql"); got != want {
		t.Errorf("EntryPath = %q, want %q", got, want)
	}
	if got, want := m.OutPath(), filepath.Join(abs, "public"); got != want {
		t.Errorf("OutPath = %q, want %q", got, want)
	}
	if got, want := m.CachePath(), filepath.Join(abs, ".quill", "cache.db"); got != want {
		t.Errorf("CachePath = %q, want %q", got, want)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Source.Entry != filepath.Join("src", "main.ql") {
		t.Errorf("default entry = %q", m.Source.Entry)
	}
	b := m.Build
	if b.OutDir != "dist" || !b.BorrowCheck || !b.Bytecode || b.RPCPrefix != "/_rpc" || b.Runtime != "quill/runtime" {
		t.Errorf("default build = %+v", b)
	}
	if m.CachePath() != "" {
		t.Errorf("cache enabled by default: %q", m.CachePath())
	}
	if m.Project.Version != "0.0.0" {
		t.Errorf("default version = %q", m.Project.Version)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[project\nname = 1", "parse error in"},
		{"wrong type", "[build]\nbytecode = \"yes\"", "parse error in"},
		{"unknown key", "[build]\nbytcode = true\n[extra]\nx = 1", "unknown keys in"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tc.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}

	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("missing file: err = %v", err)
	}
}

func TestUnknownKeyNamed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[build]\nbytcode = true")
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "build.bytcode") {
		t.Errorf("err = %v, want the misspelled key named", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[project]\nname = \"found-project\"\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no quill.toml exists")
	}
}

func TestDefaultProjectName(t *testing.T) {
	m := Default("/work/todo-app")
	if m.Project.Name != "todo-app" {
		t.Errorf("name = %q, want todo-app", m.Project.Name)
	}
	m.Build.OutDir = "/abs/out"
	if m.OutPath() != "/abs/out" {
		t.Errorf("absolute out dir rewritten: %q", m.OutPath())
	}
}
