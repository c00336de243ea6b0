// Package server exposes compilation and interpretation of bytecode
// containers as Connect procedures, with a gRPC health service alongside.
package server

import (
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chazu/cashier/cache"
)

var log = commonlog.GetLogger("cashier.server")

// Service and procedure names.
const (
	ServiceName          = "cashier.v1.CompileService"
	CompileProcedure     = "/" + ServiceName + "/Compile"
	RunProcedure         = "/" + ServiceName + "/Run"
	RunCompiledProcedure = "/" + ServiceName + "/RunCompiled"
)

// CompileServer serves the compile service over Connect (HTTP/JSON and
// binary protobuf) and a standard gRPC health service.
type CompileServer struct {
	modules *ModuleStore
	mux     *http.ServeMux
	health  *health.Server
	grpc    *grpc.Server

	stopSweeper func()
}

// ServerOption configures a CompileServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	cache     *cache.Cache
	stepLimit int
	moduleTTL time.Duration
}

// WithCache stores compiled artifacts in c.
func WithCache(c *cache.Cache) ServerOption {
	return func(cfg *serverConfig) { cfg.cache = c }
}

// WithStepLimit bounds interpretation in Run and RunCompiled. Zero means
// unlimited.
func WithStepLimit(n int) ServerOption {
	return func(cfg *serverConfig) { cfg.stepLimit = n }
}

// WithModuleTTL sets how long an unused compiled module is kept.
func WithModuleTTL(ttl time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.moduleTTL = ttl }
}

// New creates a CompileServer.
func New(opts ...ServerOption) *CompileServer {
	cfg := &serverConfig{
		stepLimit: 1_000_000,
		moduleTTL: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	modules := NewModuleStore()
	s := &CompileServer{
		modules: modules,
		mux:     http.NewServeMux(),
		health:  health.NewServer(),
		grpc:    grpc.NewServer(),
	}

	svc := NewCompileService(modules, cfg.cache, cfg.stepLimit)
	s.mux.Handle(CompileProcedure, connect.NewUnaryHandler(CompileProcedure, svc.Compile))
	s.mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, svc.Run))
	s.mux.Handle(RunCompiledProcedure, connect.NewUnaryHandler(RunCompiledProcedure, svc.RunCompiled))

	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	if cfg.moduleTTL > 0 {
		s.stopSweeper = modules.StartSweeper(cfg.moduleTTL/6, cfg.moduleTTL)
	}
	return s
}

// Handler returns the HTTP handler serving the Connect procedures.
func (s *CompileServer) Handler() http.Handler {
	return s.mux
}

// Modules returns the store of compiled modules.
func (s *CompileServer) Modules() *ModuleStore {
	return s.modules
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *CompileServer) ListenAndServe(addr string) error {
	log.Noticef("compile service listening on %s", addr)
	log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, CompileProcedure)
	return http.ListenAndServe(addr, s.mux)
}

// ServeHealth serves the gRPC health service on lis until Stop.
func (s *CompileServer) ServeHealth(lis net.Listener) error {
	log.Noticef("health service listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop marks the service as not serving and shuts down the health server
// and the module sweeper.
func (s *CompileServer) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
}
