package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/cashier/cache"
	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/compiler"
	"github.com/chazu/cashier/driver"
	"github.com/chazu/cashier/ssa"
)

// CompileService implements the compile service procedures. Each request
// compiles with its own compiler state, so requests run concurrently.
type CompileService struct {
	modules   *ModuleStore
	cache     *cache.Cache
	stepLimit int
}

// NewCompileService creates a CompileService. c may be nil.
func NewCompileService(modules *ModuleStore, c *cache.Cache, stepLimit int) *CompileService {
	return &CompileService{
		modules:   modules,
		cache:     c,
		stepLimit: stepLimit,
	}
}

// Compile builds a bytecode container into LLVM IR and keeps the compiled
// module for RunCompiled.
func (s *CompileService) Compile(
	ctx context.Context,
	req *connect.Request[wrapperspb.BytesValue],
) (*connect.Response[structpb.Struct], error) {
	data := req.Msg.GetValue()
	if len(data) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bytecode is required"))
	}

	res, err := driver.Build(ctx, data, driver.Options{Cache: s.cache})
	if err != nil {
		return nil, buildError(err)
	}
	a := res.Artifact
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.modules.Put(a.ID, res.Module)

	functions := make([]any, len(a.Functions))
	for i, name := range a.Functions {
		functions[i] = name
	}
	out, err := structpb.NewStruct(map[string]any{
		"id":        a.ID,
		"version":   res.Program.VersionString(),
		"llvm":      a.LLVM,
		"functions": functions,
		"cached":    res.Cached,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	log.Infof("compiled artifact %s (%d instructions, cached=%t)", a.ID, res.Program.Len(), res.Cached)
	return connect.NewResponse(out), nil
}

// Run compiles a bytecode container and interprets its entry point.
func (s *CompileService) Run(
	ctx context.Context,
	req *connect.Request[wrapperspb.BytesValue],
) (*connect.Response[structpb.Struct], error) {
	data := req.Msg.GetValue()
	if len(data) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bytecode is required"))
	}

	prog, err := cash.Decode(data)
	if err != nil {
		return nil, buildError(err)
	}
	mod, err := compiler.Compile(prog)
	if err != nil {
		return nil, buildError(err)
	}
	return s.run(mod)
}

// RunCompiled interprets a module kept by an earlier Compile.
func (s *CompileService) RunCompiled(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[structpb.Struct], error) {
	id := req.Msg.GetValue()
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("artifact id is required"))
	}
	mod, ok := s.modules.Lookup(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("artifact %q not found", id))
	}
	return s.run(mod)
}

func (s *CompileService) run(mod *ssa.Module) (*connect.Response[structpb.Struct], error) {
	var out bytes.Buffer
	status, err := driver.Run(mod, &out, s.stepLimit)
	if err != nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, err)
	}
	msg, err := structpb.NewStruct(map[string]any{
		"status": float64(status),
		"output": out.String(),
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// buildError maps pipeline failures to Connect codes: malformed input is
// the caller's fault, anything else is internal.
func buildError(err error) error {
	var de *cash.DecodeError
	var ce *compiler.CompileError
	if errors.As(err, &de) || errors.As(err, &ce) {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
