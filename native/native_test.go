package native

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/compiler"
	"github.com/chazu/cashier/ssa"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

func compileWriter(t *testing.T, w *cash.Writer) *ssa.Module {
	t.Helper()
	prog, err := cash.Decode(w.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	mod, err := compiler.Compile(prog)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return mod
}

func lowerText(t *testing.T, mod *ssa.Module) string {
	t.Helper()
	m, err := Lower(mod)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	return m.String()
}

func fib() *cash.Writer {
	w := cash.NewWriter(0, 1, 0)
	w.I32(10).Call("fib", 1).Ret()
	w.Fun("fib", cash.TyI32, []cash.Param{{Name: "n", Ty: cash.TyI32}}, func(w *cash.Writer) {
		w.Var("n").I32(2).Op(cash.OpLt).Branch(
			func(w *cash.Writer) { w.Var("n").Ret() },
			func(w *cash.Writer) {
				w.Var("n").I32(1).Op(cash.OpSub).Call("fib", 1)
				w.Var("n").I32(2).Op(cash.OpSub).Call("fib", 1)
				w.Op(cash.OpSum).Ret()
			})
	})
	return w
}

// fakeClang writes a shell script standing in for clang and returns its
// path. The script copies its input to the -o output.
func fakeClang(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "clang")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const copyScript = `out=
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) in="$1"; shift ;;
  esac
done
cp "$in" "$out"
`

// ---------------------------------------------------------------------------
// Lowering
// ---------------------------------------------------------------------------

func TestLowerMain(t *testing.T) {
	w := cash.NewWriter(0, 1, 0).I32(3).I32(4).Op(cash.OpSum).I32(5).Op(cash.OpSum).Ret()
	text := lowerText(t, compileWriter(t, w))

	for _, want := range []string{
		"define i32 @main()",
		"ret i32 12",
		"@printf(",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("IR missing %q:\n%s", want, text)
		}
	}
}

func TestLowerFunctions(t *testing.T) {
	text := lowerText(t, compileWriter(t, fib()))

	for _, want := range []string{
		"define i32 @fib(i32 %n)",
		"call i32 @fib(",
		"icmp slt i32",
		"alloca i32",
		"store i32 %n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("IR missing %q:\n%s", want, text)
		}
	}
}

func TestLowerPhisAndFloats(t *testing.T) {
	w := cash.NewWriter(0, 1, 0)
	w.F64(1.5).Bool(true).Call("pick", 2).Call(compiler.PrintF64, 1)
	w.Fun("pick", cash.TyF64, []cash.Param{{Name: "x", Ty: cash.TyF64}, {Name: "c", Ty: cash.TyBool}}, func(w *cash.Writer) {
		w.Var("c").Var("x").F64(0).Op(cash.OpGt).Op(cash.OpLogicAnd)
		w.Branch(
			func(w *cash.Writer) { w.Var("x").Op(cash.OpNeg) },
			func(w *cash.Writer) { w.Var("x").F64(2).Op(cash.OpRem) },
		)
		w.Ret()
	})
	text := lowerText(t, compileWriter(t, w))

	for _, want := range []string{
		"phi i1",
		"phi double",
		"fcmp ogt double",
		"fneg double",
		"frem double",
		"define double @pick(double %x, i1 %c)",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("IR missing %q:\n%s", want, text)
		}
	}
}

func TestLowerStrings(t *testing.T) {
	w := cash.NewWriter(0, 1, 0)
	w.Str("hi").Call(compiler.PrintStr, 1)
	w.Str("hi").Call(compiler.PrintStr, 1)
	w.Bool(true).Call(compiler.PrintBool, 1)
	text := lowerText(t, compileWriter(t, w))

	if n := strings.Count(text, `c"hi\00"`); n != 1 {
		t.Errorf("string constant emitted %d times, want once:\n%s", n, text)
	}
	for _, want := range []string{"private unnamed_addr constant", `c"true\00"`, "select i1"} {
		if !strings.Contains(text, want) {
			t.Errorf("IR missing %q:\n%s", want, text)
		}
	}
}

func TestLowerExternDeclaration(t *testing.T) {
	w := cash.NewWriter(0, 1, 0).Call("tick", 0).Ret()
	prog, err := cash.Decode(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	mod, err := compiler.Compile(prog, compiler.WithExtern("tick", ssa.TypeI32))
	if err != nil {
		t.Fatal(err)
	}
	text := lowerText(t, mod)
	if !strings.Contains(text, "declare i32 @tick()") {
		t.Errorf("IR missing tick declaration:\n%s", text)
	}
}

func TestLowerErrors(t *testing.T) {
	m := ssa.NewModule("bad")
	m.DeclareExtern("printf", ssa.TypeI32, ssa.TypeString)
	if _, err := Lower(m); !errors.Is(err, ErrReservedName) {
		t.Errorf("Lower = %v, want ErrReservedName", err)
	}

	m = ssa.NewModule("bad")
	m.NewFunc("main", ssa.TypeI32)
	if _, err := Lower(m); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Lower of unterminated block = %v, want ErrUnsupported", err)
	}
}

// ---------------------------------------------------------------------------
// Toolchain
// ---------------------------------------------------------------------------

func TestToolchainArgs(t *testing.T) {
	tests := []struct {
		tc   Toolchain
		want string
	}{
		{Toolchain{}, "-O0 -Wno-override-module -o out in.ll"},
		{Toolchain{OptLevel: 2, Target: "x86_64-unknown-linux-gnu"}, "-O2 --target=x86_64-unknown-linux-gnu -Wno-override-module -o out in.ll"},
		{Toolchain{OptLevel: 9}, "-O3 -Wno-override-module -o out in.ll"},
	}
	for _, tt := range tests {
		if got := strings.Join(tt.tc.Args("in.ll", "out"), " "); got != tt.want {
			t.Errorf("Args = %q, want %q", got, tt.want)
		}
	}
}

func TestToolchainLink(t *testing.T) {
	tc := Toolchain{Clang: fakeClang(t, copyScript)}
	out := filepath.Join(t.TempDir(), "prog")
	if err := tc.Link(context.Background(), "; module\n", out); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "; module\n" {
		t.Errorf("output = %q", data)
	}
}

func TestToolchainFailure(t *testing.T) {
	tc := Toolchain{Clang: fakeClang(t, "echo 'error: boom' >&2\nexit 1\n")}
	err := tc.Link(context.Background(), "", filepath.Join(t.TempDir(), "prog"))
	var te *ToolchainError
	if !errors.As(err, &te) {
		t.Fatalf("Link = %v, want *ToolchainError", err)
	}
	if !strings.Contains(te.Error(), "error: boom") {
		t.Errorf("Error() = %q, want toolchain output", te.Error())
	}
}

func TestWorkerSerializesLinks(t *testing.T) {
	w, err := NewWorker(Toolchain{Clang: fakeClang(t, copyScript)})
	if err != nil {
		t.Fatal(err)
	}
	scratch := w.Toolchain().ScratchDir
	dir := t.TempDir()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out := filepath.Join(dir, "prog"+string(rune('a'+n)))
			if err := w.Link(context.Background(), "; "+out, out); err != nil {
				errs <- err
				return
			}
			data, err := os.ReadFile(out)
			if err != nil {
				errs <- err
				return
			}
			if string(data) != "; "+out {
				errs <- errors.New("link of " + out + " produced another module")
			}
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	w.Stop()
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch directory %s survived Stop", scratch)
	}
}

func TestWorkerCanceled(t *testing.T) {
	w, err := NewWorker(Toolchain{Clang: fakeClang(t, copyScript)})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Link(ctx, "", filepath.Join(t.TempDir(), "prog")); !errors.Is(err, context.Canceled) {
		t.Errorf("Link = %v, want context.Canceled", err)
	}
}

func TestWorkerStopped(t *testing.T) {
	w, err := NewWorker(Toolchain{Clang: fakeClang(t, copyScript)})
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()

	out := filepath.Join(t.TempDir(), "prog")
	done := make(chan error, 1)
	go func() {
		done <- w.Link(context.Background(), "", out)
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrWorkerStopped) {
			t.Errorf("Link after Stop = %v, want ErrWorkerStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Link after Stop did not return")
	}
}

func TestLinkWithClang(t *testing.T) {
	clang, err := exec.LookPath(DefaultClang)
	if err != nil {
		t.Skip("clang not installed")
	}
	m, err := Lower(compileWriter(t, fib()))
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "fib")
	if err := (Toolchain{Clang: clang}).Link(context.Background(), m.String(), out); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	err = exec.Command(out).Run()
	var exit *exec.ExitError
	if !errors.As(err, &exit) || exit.ExitCode() != 55 {
		t.Errorf("fib exited with %v, want status 55", err)
	}
}
