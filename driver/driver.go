// Package driver runs the decode, compile and lower pipeline shared by the
// command line and the compile service.
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tliron/commonlog"

	"github.com/chazu/cashier/cache"
	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/compiler"
	"github.com/chazu/cashier/native"
	"github.com/chazu/cashier/ssa"
)

var log = commonlog.GetLogger("cashier.driver")

// Options configures a build.
type Options struct {
	ModuleName string
	Cache      *cache.Cache // nil disables caching
	Compiler   []compiler.Option
}

// Result is the outcome of a build.
type Result struct {
	Program  *cash.Program
	Module   *ssa.Module
	Artifact *cache.Artifact
	Cached   bool // Artifact came from the cache
}

// Build decodes and compiles data, then lowers the module to LLVM IR
// unless the cache already holds an artifact for the same bytes.
func Build(ctx context.Context, data []byte, opts Options) (*Result, error) {
	prog, err := cash.Decode(data)
	if err != nil {
		return nil, err
	}
	log.Debugf("decoded %d instructions (bytecode v%s)", prog.Len(), prog.VersionString())

	copts := opts.Compiler
	if opts.ModuleName != "" {
		copts = append([]compiler.Option{compiler.WithModuleName(opts.ModuleName)}, copts...)
	}
	mod, err := compiler.Compile(prog, copts...)
	if err != nil {
		return nil, err
	}
	res := &Result{Program: prog, Module: mod}

	key := cache.Key(data, compiler.Fingerprint(copts...), native.LoweringVersion)
	if opts.Cache != nil {
		a, err := opts.Cache.Get(ctx, key)
		switch {
		case err == nil:
			res.Artifact, res.Cached = a, true
			return res, nil
		case !errors.Is(err, cache.ErrNotFound):
			log.Warningf("cache lookup failed: %s", err)
		}
	}

	irm, err := native.Lower(mod)
	if err != nil {
		return nil, err
	}
	res.Artifact = &cache.Artifact{
		Version:   prog.Version,
		Key:       key,
		LLVM:      irm.String(),
		Functions: definedFuncs(mod),
	}
	if opts.Cache != nil {
		if err := opts.Cache.Put(ctx, res.Artifact); err != nil {
			log.Warningf("cache store failed: %s", err)
		}
	}
	return res, nil
}

// definedFuncs lists the functions a module defines, externs excluded.
func definedFuncs(mod *ssa.Module) []string {
	var names []string
	for _, f := range mod.Funcs {
		if !f.Extern {
			names = append(names, f.Name)
		}
	}
	return names
}

// Run interprets the entry point of mod, writing builtin output to w.
// stepLimit bounds the evaluated values; zero means unlimited.
func Run(mod *ssa.Module, w io.Writer, stepLimit int) (int32, error) {
	in := &ssa.Interpreter{
		Module:    mod,
		Externs:   compiler.Builtins(w),
		StepLimit: stepLimit,
	}
	v, err := in.Run(compiler.EntryPoint)
	if err != nil {
		return 0, err
	}
	status, ok := v.(int32)
	if !ok {
		return 0, fmt.Errorf("%s returned %T, want int32", compiler.EntryPoint, v)
	}
	log.Debugf("%s returned %d after %d steps", compiler.EntryPoint, status, in.Steps())
	return status, nil
}

// RunBytes builds and interprets data, returning the status and the
// builtin output.
func RunBytes(data []byte, stepLimit int) (int32, string, error) {
	prog, err := cash.Decode(data)
	if err != nil {
		return 0, "", err
	}
	mod, err := compiler.Compile(prog)
	if err != nil {
		return 0, "", err
	}
	var out bytes.Buffer
	status, err := Run(mod, &out, stepLimit)
	return status, out.String(), err
}
