package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/cashier/cash"
)

// ---------------------------------------------------------------------------
// Compile Error Types
// ---------------------------------------------------------------------------

var (
	ErrStackUnderflow   = errors.New("stack underflow")
	ErrUndefinedSymbol  = errors.New("undefined symbol")
	ErrTypeMismatch     = errors.New("type mismatch")
	ErrMalformedNesting = errors.New("malformed nesting")
	ErrUnknownOpcode    = errors.New("unknown opcode")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrDuplicateSymbol  = errors.New("duplicate symbol")
)

// CompileError reports the instruction at which compilation stopped.
type CompileError struct {
	Index  int
	Op     cash.Opcode
	Kind   error
	Detail string
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile error at instruction %d (%s): %v", e.Index, e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Kind
}
