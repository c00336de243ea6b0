package compiler

import (
	"fmt"
	"io"
	"strings"

	"github.com/chazu/cashier/ssa"
)

// Option configures a compilation.
type Option func(*options)

type options struct {
	moduleName string
	builtins   bool
	maxDepth   int
	externs    []extern
}

type extern struct {
	name   string
	ret    ssa.Type
	params []ssa.Type
}

// DefaultMaxDepth bounds how deeply regions and logical operands may nest.
const DefaultMaxDepth = 10000

func defaultOptions() options {
	return options{moduleName: "main", builtins: true, maxDepth: DefaultMaxDepth}
}

// WithModuleName names the produced module.
func WithModuleName(name string) Option {
	return func(o *options) {
		o.moduleName = name
	}
}

// WithExtern declares an additional runtime function callable by name.
func WithExtern(name string, ret ssa.Type, params ...ssa.Type) Option {
	return func(o *options) {
		o.externs = append(o.externs, extern{name: name, ret: ret, params: params})
	}
}

// WithMaxDepth bounds region nesting. Deeper programs fail with
// ErrMalformedNesting instead of exhausting the stack. n <= 0 selects
// DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(o *options) {
		if n <= 0 {
			n = DefaultMaxDepth
		}
		o.maxDepth = n
	}
}

// WithoutBuiltins leaves the print_* runtime functions undeclared.
func WithoutBuiltins() Option {
	return func(o *options) {
		o.builtins = false
	}
}

// Fingerprint renders every setting in opts that shapes the compiled
// module. Two option sets with equal fingerprints produce the same module
// from the same bytecode. The depth bound only decides acceptance and is
// left out.
func Fingerprint(opts ...Option) string {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "module=%q builtins=%t", o.moduleName, o.builtins)
	for _, e := range o.externs {
		fmt.Fprintf(&sb, " extern=%q(", e.name)
		for i, p := range e.params {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(p.String())
		}
		fmt.Fprintf(&sb, ")%s", e.ret)
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Builtins
// ---------------------------------------------------------------------------

// Builtin names, declared as externs in every module unless
// WithoutBuiltins is given.
const (
	PrintI32  = "print_i32"
	PrintF64  = "print_f64"
	PrintBool = "print_bool"
	PrintStr  = "print_str"
)

var builtins = []extern{
	{name: PrintI32, ret: ssa.TypeVoid, params: []ssa.Type{ssa.TypeI32}},
	{name: PrintF64, ret: ssa.TypeVoid, params: []ssa.Type{ssa.TypeF64}},
	{name: PrintBool, ret: ssa.TypeVoid, params: []ssa.Type{ssa.TypeBool}},
	{name: PrintStr, ret: ssa.TypeVoid, params: []ssa.Type{ssa.TypeString}},
}

// IsBuiltin reports whether name is one of the print_* runtime functions.
func IsBuiltin(name string) bool {
	for _, b := range builtins {
		if b.name == name {
			return true
		}
	}
	return false
}

// Builtins returns interpreter bindings for the builtin runtime functions
// that write to w, one value per line.
func Builtins(w io.Writer) map[string]ssa.ExternFunc {
	line := func(format string) ssa.ExternFunc {
		return func(args []any) (any, error) {
			_, err := fmt.Fprintf(w, format+"\n", args[0])
			return nil, err
		}
	}
	return map[string]ssa.ExternFunc{
		PrintI32:  line("%d"),
		PrintF64:  line("%.6g"),
		PrintBool: line("%t"),
		PrintStr:  line("%s"),
	}
}
