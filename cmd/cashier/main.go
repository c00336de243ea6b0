// cashier CLI - builds, runs and inspects cash bytecode containers
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/cashier/cache"
	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/driver"
	"github.com/chazu/cashier/manifest"
	"github.com/chazu/cashier/native"
	"github.com/chazu/cashier/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: cashier <command> [options] <path>\n\n")
	fmt.Fprintf(os.Stderr, "Compiles cash bytecode containers to native executables.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  build [-o out] [-emit-llvm] [-v] <path>...  Compile and link with clang\n")
	fmt.Fprintf(os.Stderr, "  run [-steps n] [-v] <path>                  Interpret main, exit with its status\n")
	fmt.Fprintf(os.Stderr, "  dis <path>                                  Print a disassembly\n")
	fmt.Fprintf(os.Stderr, "  serve [-addr a] [-health-addr a] [-v]       Start the compile service\n")
	fmt.Fprintf(os.Stderr, "  init [-name n] [dir]                        Write a default %s\n", manifest.FileName)
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  cashier build prog.cash          # ./prog\n")
	fmt.Fprintf(os.Stderr, "  cashier build -emit-llvm -o app prog.cash\n")
	fmt.Fprintf(os.Stderr, "  cashier run prog.cash; echo $?\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "build":
		err = buildCommand(args)
	case "run":
		var status int32
		status, err = runCommand(args)
		if err == nil {
			os.Exit(int(status))
		}
	case "dis":
		err = disCommand(args)
	case "serve":
		err = serveCommand(args)
	case "init":
		err = initCommand(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlags returns a flag set for a subcommand that exits with usage on
// parse errors.
func newFlags(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		usage()
		fmt.Fprintf(os.Stderr, "\nOptions for %s:\n", name)
		fs.PrintDefaults()
	}
	verbose := fs.Bool("v", false, "Verbose output")
	return fs, verbose
}

func configureLogging(verbose bool) {
	verbosity := 0
	if verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
}

// onePath returns the single positional argument or exits with usage.
func onePath(fs *flag.FlagSet) string {
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	return fs.Arg(0)
}

// ---------------------------------------------------------------------------
// build
// ---------------------------------------------------------------------------

func buildCommand(args []string) error {
	fs, verbose := newFlags("build")
	output := fs.String("o", "", "Output executable (single input only)")
	emitLLVM := fs.Bool("emit-llvm", false, "Also write the LLVM IR next to the output")
	fs.Parse(args)
	configureLogging(*verbose)

	paths := fs.Args()
	if len(paths) == 0 || (*output != "" && len(paths) > 1) {
		fs.Usage()
		os.Exit(2)
	}

	// Every input shares the toolchain of the first manifest.
	m, err := manifest.LoadFor(paths[0])
	if err != nil {
		return err
	}
	worker, err := native.NewWorker(native.Toolchain{
		Clang:    m.Build.Clang,
		Target:   m.Build.Target,
		OptLevel: m.Build.OptLevel,
	})
	if err != nil {
		return err
	}
	defer worker.Stop()

	var c *cache.Cache
	if path := m.CachePath(); path != "" {
		if c, err = cache.Open(path); err != nil {
			return err
		}
		defer c.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errs := make([]error, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			out := *output
			if out == "" {
				out = m.OutputPath(path)
			}
			errs[i] = buildOne(ctx, worker, c, path, out, *emitLLVM || m.Build.EmitLLVM)
		}(i, path)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("%s: %w", paths[i], err)
		}
	}
	return nil
}

func buildOne(ctx context.Context, worker *native.Worker, c *cache.Cache, path, output string, emitLLVM bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(output)
	res, err := driver.Build(ctx, data, driver.Options{ModuleName: name, Cache: c})
	if err != nil {
		return err
	}

	if emitLLVM {
		if err := os.WriteFile(output+".ll", []byte(res.Artifact.LLVM), 0o644); err != nil {
			return err
		}
	}
	if err := worker.Link(ctx, res.Artifact.LLVM, output); err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", path, output)
	return nil
}

// ---------------------------------------------------------------------------
// run, dis
// ---------------------------------------------------------------------------

func runCommand(args []string) (int32, error) {
	fs, verbose := newFlags("run")
	steps := fs.Int("steps", 0, "Step limit (0 = manifest server.step-limit, -1 = unlimited)")
	fs.Parse(args)
	configureLogging(*verbose)
	path := onePath(fs)

	limit := *steps
	if limit == 0 {
		m, err := manifest.LoadFor(path)
		if err != nil {
			return 0, err
		}
		limit = m.Server.StepLimit
	}
	if limit < 0 {
		limit = 0
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	status, out, err := driver.RunBytes(data, limit)
	fmt.Print(out)
	return status, err
}

func disCommand(args []string) error {
	fs, verbose := newFlags("dis")
	fs.Parse(args)
	configureLogging(*verbose)
	path := onePath(fs)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	prog, err := cash.Decode(data)
	if err != nil {
		return err
	}
	fmt.Print(prog.Disassemble())
	return nil
}

// ---------------------------------------------------------------------------
// serve, init
// ---------------------------------------------------------------------------

func serveCommand(args []string) error {
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return err
	}
	if m == nil {
		dir, err := filepath.Abs(".")
		if err != nil {
			return err
		}
		m = manifest.Default(dir)
	}

	fs, verbose := newFlags("serve")
	addr := fs.String("addr", m.Server.Addr, "Connect (HTTP) listen address")
	healthAddr := fs.String("health-addr", m.Server.HealthAddr, "gRPC health listen address")
	fs.Parse(args)
	configureLogging(*verbose)

	opts := []server.ServerOption{server.WithStepLimit(m.Server.StepLimit)}
	if path := m.CachePath(); path != "" {
		c, err := cache.Open(path)
		if err != nil {
			return err
		}
		defer c.Close()
		opts = append(opts, server.WithCache(c))
	}

	srv := server.New(opts...)
	defer srv.Stop()

	lis, err := net.Listen("tcp", *healthAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.ServeHealth(lis); err != nil {
			fmt.Fprintf(os.Stderr, "Health server error: %v\n", err)
		}
	}()
	return srv.ListenAndServe(*addr)
}

func initCommand(args []string) error {
	fs, verbose := newFlags("init")
	name := fs.String("name", "", "Project name (default: directory name)")
	fs.Parse(args)
	configureLogging(*verbose)

	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(abs, manifest.FileName)); err == nil {
		return fmt.Errorf("%s already exists in %s", manifest.FileName, abs)
	}

	m := manifest.Default(abs)
	m.Project.Name = *name
	if m.Project.Name == "" {
		m.Project.Name = filepath.Base(abs)
	}
	if err := manifest.Write(abs, m); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", filepath.Join(abs, manifest.FileName))
	return nil
}
