package driver

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/cashier/cache"
	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/compiler"
	"github.com/chazu/cashier/native"
	"github.com/chazu/cashier/ssa"
)

func greeting() []byte {
	w := cash.NewWriter(1, 2, 3)
	w.Str("hi").Call("say", 1)
	w.I32(7).Ret()
	w.Fun("say", cash.TyVoid, []cash.Param{{Name: "s", Ty: cash.TyString}}, func(w *cash.Writer) {
		w.Var("s").Call(compiler.PrintStr, 1)
	})
	return w.Bytes()
}

func TestBuild(t *testing.T) {
	res, err := Build(context.Background(), greeting(), Options{ModuleName: "greet"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if res.Module.Name != "greet" {
		t.Errorf("module name = %q, want greet", res.Module.Name)
	}
	a := res.Artifact
	key := cache.Key(greeting(), compiler.Fingerprint(compiler.WithModuleName("greet")), native.LoweringVersion)
	if a.Version != [3]uint8{1, 2, 3} || a.Key != key {
		t.Errorf("artifact header = %v %x", a.Version, a.Key)
	}
	if strings.Join(a.Functions, ",") != "main,say" {
		t.Errorf("Functions = %v, want [main say]", a.Functions)
	}
	if !strings.Contains(a.LLVM, "define void @say(i8* %s)") {
		t.Errorf("LLVM missing say:\n%s", a.LLVM)
	}
	if res.Cached {
		t.Error("uncached build reported cached")
	}
}

func TestBuildCached(t *testing.T) {
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	first, err := Build(ctx, greeting(), Options{Cache: c})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Build(ctx, greeting(), Options{Cache: c})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached || !second.Cached {
		t.Errorf("Cached = %t, %t; want false, true", first.Cached, second.Cached)
	}
	if second.Artifact.ID != first.Artifact.ID || second.Module == nil {
		t.Errorf("cached build = %+v", second)
	}
}

func TestBuildCacheKeyCoversOptions(t *testing.T) {
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if _, err := Build(ctx, greeting(), Options{Cache: c, ModuleName: "a"}); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		name string
		opts Options
	}{
		{"module name", Options{ModuleName: "b"}},
		{"extern", Options{ModuleName: "a", Compiler: []compiler.Option{
			compiler.WithExtern("tick", ssa.TypeI32),
		}}},
		{"builtins", Options{ModuleName: "a", Compiler: []compiler.Option{
			compiler.WithExtern(compiler.PrintStr, ssa.TypeVoid, ssa.TypeString),
			compiler.WithoutBuiltins(),
		}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.Cache = c
			res, err := Build(ctx, greeting(), tc.opts)
			if err != nil {
				t.Fatal(err)
			}
			if res.Cached {
				t.Error("build with other options was served from the cache")
			}
		})
	}

	res, err := Build(ctx, greeting(), Options{Cache: c, ModuleName: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Error("identical rebuild missed the cache")
	}
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(context.Background(), []byte{1}, Options{})
	var de *cash.DecodeError
	if !errors.As(err, &de) {
		t.Errorf("Build of garbage = %v, want *cash.DecodeError", err)
	}

	_, err = Build(context.Background(), cash.NewWriter(0, 0, 0).Op(cash.OpBreak).Bytes(), Options{})
	if !errors.Is(err, compiler.ErrMalformedNesting) {
		t.Errorf("Build = %v, want ErrMalformedNesting", err)
	}
}

func TestRun(t *testing.T) {
	status, out, err := RunBytes(greeting(), 0)
	if err != nil {
		t.Fatalf("RunBytes failed: %v", err)
	}
	if status != 7 || out != "hi\n" {
		t.Errorf("RunBytes = %d, %q; want 7, %q", status, out, "hi\n")
	}

	w := cash.NewWriter(0, 1, 0)
	w.Loop(func(w *cash.Writer) { w.I32(1).Call(compiler.PrintI32, 1) })
	var buf bytes.Buffer
	prog, err := cash.Decode(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	mod, err := compiler.Compile(prog)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Run(mod, &buf, 100); !errors.Is(err, ssa.ErrStepLimit) {
		t.Errorf("Run = %v, want ErrStepLimit", err)
	}
	if !strings.HasPrefix(buf.String(), "1\n") {
		t.Errorf("output before the limit = %q", buf.String())
	}
}
