package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/compiler"
	"github.com/chazu/cashier/manifest"
	"github.com/chazu/cashier/ssa"
)

func writeProgram(t *testing.T, dir string, w *cash.Writer) string {
	t.Helper()
	path := filepath.Join(dir, "prog.cash")
	if err := os.WriteFile(path, w.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeProgram(t, dir, cash.NewWriter(0, 1, 0).I32(40).I32(2).Op(cash.OpSum).Ret())

	status, err := runCommand([]string{path})
	if err != nil {
		t.Fatalf("runCommand failed: %v", err)
	}
	if status != 42 {
		t.Errorf("status = %d, want 42", status)
	}
}

func TestRunCommandStepLimitFromManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte("[server]\nstep-limit = 50\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := cash.NewWriter(0, 1, 0)
	w.Loop(func(w *cash.Writer) { w.Bool(true).Call(compiler.PrintBool, 1) })
	path := writeProgram(t, dir, w)

	if _, err := runCommand([]string{path}); !errors.Is(err, ssa.ErrStepLimit) {
		t.Errorf("runCommand = %v, want ErrStepLimit", err)
	}
}

func TestDisCommand(t *testing.T) {
	path := writeProgram(t, t.TempDir(), cash.NewWriter(0, 1, 0).I32(1).Ret())
	if err := disCommand([]string{path}); err != nil {
		t.Errorf("disCommand failed: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.cash")
	if err := os.WriteFile(bad, []byte{0, 1}, 0o644); err != nil {
		t.Fatal(err)
	}
	var de *cash.DecodeError
	if err := disCommand([]string{bad}); !errors.As(err, &de) {
		t.Errorf("disCommand(bad) = %v, want *cash.DecodeError", err)
	}
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "demo")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := initCommand([]string{dir}); err != nil {
		t.Fatalf("initCommand failed: %v", err)
	}

	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Project.Name != "demo" {
		t.Errorf("project name = %q, want demo", m.Project.Name)
	}

	if err := initCommand([]string{dir}); err == nil {
		t.Error("second initCommand overwrote the manifest")
	}
}
