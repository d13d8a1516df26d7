// Package manifest handles quill.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the project manifest.
const FileName = "quill.toml"

// Manifest represents a quill.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Source  Source  `toml:"source"`
	Build   Build   `toml:"build"`

	// Dir is the directory containing the quill.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures the compilation entry point.
type Source struct {
	Entry string `toml:"entry"`
}

// Build configures compilation and output.
type Build struct {
	OutDir      string `toml:"out_dir"`
	BorrowCheck bool   `toml:"borrow_check"`
	Bytecode    bool   `toml:"bytecode"`
	RPCPrefix   string `toml:"rpc_prefix"`
	Runtime     string `toml:"runtime"`
	Cache       string `toml:"cache"` // empty disables the compile cache
}

// Default returns the configuration used when a key is absent.
func Default(dir string) *Manifest {
	return &Manifest{
		Project: Project{Name: filepath.Base(dir), Version: "0.0.0"},
		Source:  Source{Entry: filepath.Join("src", "main.ql")},
		Build: Build{
			OutDir:      "dist",
			BorrowCheck: true,
			Bytecode:    true,
			RPCPrefix:   "/_rpc",
			Runtime:     "quill/runtime",
		},
		Dir: dir,
	}
}

// Load parses a quill.toml file from the given directory. Keys missing from
// the file keep their defaults; unknown keys are an error.
func Load(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	path := filepath.Join(abs, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default(abs)
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown key%s in %s: %s", plural(len(keys)), path, strings.Join(keys, ", "))
	}
	m.Dir = abs
	return m, nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// FindAndLoad walks up from startDir to find a quill.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// resolve joins a manifest-relative path onto the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// EntryPath returns the absolute path of the entry source file.
func (m *Manifest) EntryPath() string {
	return m.resolve(m.Source.Entry)
}

// OutPath returns the absolute path of the output directory.
func (m *Manifest) OutPath() string {
	return m.resolve(m.Build.OutDir)
}

// CachePath returns the absolute path of the compile cache database, or ""
// when caching is disabled.
func (m *Manifest) CachePath() string {
	return m.resolve(m.Build.Cache)
}
