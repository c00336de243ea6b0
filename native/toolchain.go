package native

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultClang is the compiler driver used when Toolchain.Clang is empty.
const DefaultClang = "clang"

// Toolchain describes how LLVM IR is turned into an executable.
type Toolchain struct {
	Clang    string // driver binary; DefaultClang if empty
	Target   string // target triple; host default if empty
	OptLevel int    // 0-3

	// ScratchDir holds intermediate files. A temporary directory is
	// created per link if it is empty.
	ScratchDir string
}

// ToolchainError reports a failed toolchain invocation with its output.
type ToolchainError struct {
	Command string
	Err     error
	Output  string
}

func (e *ToolchainError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ToolchainError) Unwrap() error { return e.Err }

func (t Toolchain) clang() string {
	if t.Clang == "" {
		return DefaultClang
	}
	return t.Clang
}

// Args returns the driver arguments for compiling input to output.
func (t Toolchain) Args(input, output string) []string {
	level := t.OptLevel
	if level < 0 {
		level = 0
	} else if level > 3 {
		level = 3
	}
	args := []string{fmt.Sprintf("-O%d", level)}
	if t.Target != "" {
		args = append(args, "--target="+t.Target)
	}
	return append(args, "-Wno-override-module", "-o", output, input)
}

// Link writes llvmIR to the scratch directory and compiles it into the
// executable output.
func (t Toolchain) Link(ctx context.Context, llvmIR, output string) error {
	dir := t.ScratchDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "cashier-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	input := filepath.Join(dir, "module.ll")
	if err := os.WriteFile(input, []byte(llvmIR), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", input, err)
	}

	args := t.Args(input, output)
	log.Debugf("running %s %s", t.clang(), strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, t.clang(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &ToolchainError{Command: t.clang(), Err: err, Output: string(out)}
	}
	return nil
}
