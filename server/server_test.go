package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/cashier/cache"
	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/compiler"
	"github.com/chazu/cashier/ssa"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

func bg() context.Context { return context.Background() }

func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

func newTestService(t *testing.T, c *cache.Cache) *CompileService {
	t.Helper()
	return NewCompileService(NewModuleStore(), c, 10_000)
}

func sumProgram() []byte {
	return cash.NewWriter(0, 1, 0).
		I32(3).I32(4).Op(cash.OpSum).I32(5).Op(cash.OpSum).
		Str("hello").Call(compiler.PrintStr, 1).
		Ret().Bytes()
}

func field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}

// ---------------------------------------------------------------------------
// Compile
// ---------------------------------------------------------------------------

func TestCompile_ReturnsArtifact(t *testing.T) {
	svc := newTestService(t, nil)

	resp, err := svc.Compile(bg(), connectReq(wrapperspb.Bytes(sumProgram())))
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	msg := resp.Msg
	if id := field(msg, "id").GetStringValue(); id == "" {
		t.Error("Compile should return an artifact id")
	}
	if v := field(msg, "version").GetStringValue(); v != "0.1.0" {
		t.Errorf("version = %q, want 0.1.0", v)
	}
	if llvm := field(msg, "llvm").GetStringValue(); !strings.Contains(llvm, "define i32 @main()") {
		t.Errorf("llvm missing main:\n%s", llvm)
	}
	fns := field(msg, "functions").GetListValue().GetValues()
	if len(fns) != 1 || fns[0].GetStringValue() != "main" {
		t.Errorf("functions = %v, want [main]", fns)
	}
	if field(msg, "cached").GetBoolValue() {
		t.Error("first compile reported cached")
	}
	if svc.modules.Len() != 1 {
		t.Errorf("module store holds %d modules, want 1", svc.modules.Len())
	}
}

func TestCompile_UsesCache(t *testing.T) {
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	svc := newTestService(t, c)

	first, err := svc.Compile(bg(), connectReq(wrapperspb.Bytes(sumProgram())))
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Compile(bg(), connectReq(wrapperspb.Bytes(sumProgram())))
	if err != nil {
		t.Fatal(err)
	}
	if !field(second.Msg, "cached").GetBoolValue() {
		t.Error("second compile was not served from the cache")
	}
	if a, b := field(first.Msg, "id").GetStringValue(), field(second.Msg, "id").GetStringValue(); a != b {
		t.Errorf("cached artifact id = %q, want %q", b, a)
	}
}

func TestCompile_InvalidInput(t *testing.T) {
	svc := newTestService(t, nil)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", []byte{0, 1}},
		{"undefined variable", cash.NewWriter(0, 1, 0).Var("x").Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Compile(bg(), connectReq(wrapperspb.Bytes(tt.data)))
			if connect.CodeOf(err) != connect.CodeInvalidArgument {
				t.Errorf("Compile error = %v, want CodeInvalidArgument", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_StatusAndOutput(t *testing.T) {
	svc := newTestService(t, nil)

	resp, err := svc.Run(bg(), connectReq(wrapperspb.Bytes(sumProgram())))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if status := field(resp.Msg, "status").GetNumberValue(); status != 12 {
		t.Errorf("status = %v, want 12", status)
	}
	if out := field(resp.Msg, "output").GetStringValue(); out != "hello\n" {
		t.Errorf("output = %q, want %q", out, "hello\n")
	}
}

func TestRun_StepLimit(t *testing.T) {
	svc := newTestService(t, nil)

	w := cash.NewWriter(0, 1, 0)
	w.Loop(func(w *cash.Writer) { w.I32(1).Call(compiler.PrintI32, 1) })
	_, err := svc.Run(bg(), connectReq(wrapperspb.Bytes(w.Bytes())))
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Fatalf("Run error = %v, want CodeFailedPrecondition", err)
	}
	if !strings.Contains(err.Error(), ssa.ErrStepLimit.Error()) {
		t.Errorf("Run error = %v, want step limit", err)
	}
}

func TestRunCompiled(t *testing.T) {
	svc := newTestService(t, nil)

	resp, err := svc.Compile(bg(), connectReq(wrapperspb.Bytes(sumProgram())))
	if err != nil {
		t.Fatal(err)
	}
	id := field(resp.Msg, "id").GetStringValue()

	run, err := svc.RunCompiled(bg(), connectReq(wrapperspb.String(id)))
	if err != nil {
		t.Fatalf("RunCompiled returned error: %v", err)
	}
	if status := field(run.Msg, "status").GetNumberValue(); status != 12 {
		t.Errorf("status = %v, want 12", status)
	}

	_, err = svc.RunCompiled(bg(), connectReq(wrapperspb.String("missing")))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("RunCompiled(missing) = %v, want CodeNotFound", err)
	}
	_, err = svc.RunCompiled(bg(), connectReq(wrapperspb.String("")))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("RunCompiled(\"\") = %v, want CodeInvalidArgument", err)
	}
}

// ---------------------------------------------------------------------------
// Module store
// ---------------------------------------------------------------------------

func TestModuleStore_Sweep(t *testing.T) {
	s := NewModuleStore()
	s.Put("a", ssa.NewModule("a"))
	s.Put("b", ssa.NewModule("b"))

	if _, ok := s.Lookup("a"); !ok {
		t.Fatal("Lookup(a) failed")
	}
	if n := s.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep(1h) removed %d, want 0", n)
	}

	time.Sleep(100 * time.Millisecond)
	s.Lookup("a")
	if n := s.Sweep(50 * time.Millisecond); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, ok := s.Lookup("b"); ok {
		t.Error("idle module b survived the sweep")
	}

	s.Release("a")
	if s.Len() != 0 {
		t.Errorf("Len = %d after Release, want 0", s.Len())
	}
}

// ---------------------------------------------------------------------------
// Over the wire
// ---------------------------------------------------------------------------

func TestServer_ConnectOverHTTP(t *testing.T) {
	s := New(WithStepLimit(10_000))
	defer s.Stop()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, opts := range [][]connect.ClientOption{nil, {connect.WithProtoJSON()}} {
		compile := connect.NewClient[wrapperspb.BytesValue, structpb.Struct](http.DefaultClient, srv.URL+CompileProcedure, opts...)
		run := connect.NewClient[wrapperspb.StringValue, structpb.Struct](http.DefaultClient, srv.URL+RunCompiledProcedure, opts...)

		resp, err := compile.CallUnary(bg(), connectReq(wrapperspb.Bytes(sumProgram())))
		if err != nil {
			t.Fatalf("Compile over HTTP: %v", err)
		}
		id := field(resp.Msg, "id").GetStringValue()

		out, err := run.CallUnary(bg(), connectReq(wrapperspb.String(id)))
		if err != nil {
			t.Fatalf("RunCompiled over HTTP: %v", err)
		}
		if status := field(out.Msg, "status").GetNumberValue(); status != 12 {
			t.Errorf("status = %v, want 12", status)
		}
	}

	bad := connect.NewClient[wrapperspb.BytesValue, structpb.Struct](http.DefaultClient, srv.URL+RunProcedure)
	_, err := bad.CallUnary(bg(), connectReq(wrapperspb.Bytes([]byte{1, 2, 3})))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("Run of garbage = %v, want CodeInvalidArgument", err)
	}
}

func TestServer_Health(t *testing.T) {
	s := New()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.ServeHealth(lis)
	defer s.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(bg(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.Status)
	}
}
