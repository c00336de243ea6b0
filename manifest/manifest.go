// Package manifest handles cash.toml project configuration.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up next to bytecode inputs.
const FileName = "cash.toml"

// Manifest represents a cash.toml project configuration.
type Manifest struct {
	Project Project      `toml:"project"`
	Build   BuildConfig  `toml:"build"`
	Cache   CacheConfig  `toml:"cache"`
	Server  ServerConfig `toml:"server"`

	// Dir is the directory containing the cash.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name string `toml:"name"`
}

// BuildConfig configures native builds.
type BuildConfig struct {
	Output   string `toml:"output"`
	Clang    string `toml:"clang"`
	Target   string `toml:"target"`
	OptLevel int    `toml:"opt-level"`
	EmitLLVM bool   `toml:"emit-llvm"`
}

// CacheConfig configures the artifact cache.
type CacheConfig struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// ServerConfig configures the compile service.
type ServerConfig struct {
	Addr       string `toml:"addr"`
	HealthAddr string `toml:"health-addr"`
	StepLimit  int    `toml:"step-limit"`
}

// Default returns the configuration used for keys absent from cash.toml,
// rooted at dir.
func Default(dir string) *Manifest {
	return &Manifest{
		Build: BuildConfig{
			Clang: "clang",
		},
		Cache: CacheConfig{
			Path: filepath.Join(".cashier", "cache.db"),
		},
		Server: ServerConfig{
			Addr:       ":4567",
			HealthAddr: ":4568",
			StepLimit:  1_000_000,
		},
		Dir: dir,
	}
}

// Load parses a cash.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
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
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if m.Build.OptLevel < 0 || m.Build.OptLevel > 3 {
		return nil, fmt.Errorf("%s: build.opt-level %d out of range 0-3", path, m.Build.OptLevel)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a cash.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
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

// LoadFor returns the manifest governing input, or the defaults rooted at
// input's directory if there is none.
func LoadFor(input string) (*Manifest, error) {
	dir := filepath.Dir(input)
	m, err := FindAndLoad(dir)
	if err != nil || m != nil {
		return m, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return Default(abs), nil
}

// Write encodes m as a cash.toml file in dir.
func Write(dir string, m *Manifest) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// OutputPath returns the executable to build from input: build.output if
// set, otherwise input without its extension.
func (m *Manifest) OutputPath(input string) string {
	if m.Build.Output != "" {
		return m.resolve(m.Build.Output)
	}
	out := strings.TrimSuffix(input, filepath.Ext(input))
	if out == input {
		out += ".out"
	}
	return out
}

// CachePath returns the artifact cache database, or "" if caching is
// disabled.
func (m *Manifest) CachePath() string {
	if m.Cache.Disabled {
		return ""
	}
	return m.resolve(m.Cache.Path)
}
