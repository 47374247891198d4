package cpu

import (
	"errors"
	"fmt"
)

// ErrInvalidOpcode is the #UD outcome: the decoder rejected the byte
// stream, or a mode-illegal encoding was attempted (e.g. PUSHA in long
// mode).
var ErrInvalidOpcode = errors.New("cpu: invalid opcode (#UD)")

// ErrDivideError is raised by DIV/IDIV on a zero divisor or quotient
// overflow.
var ErrDivideError = errors.New("cpu: divide error")

// ErrHalted is returned by Step/Run once HLT has executed.
var ErrHalted = errors.New("cpu: halted")

// ErrGeneralProtection is the #GP outcome: a segment-load validity check
// failed, e.g. reloading CS from a descriptor that isn't a code segment.
var ErrGeneralProtection = errors.New("cpu: general protection fault (#GP)")

// ErrBudgetExhausted is returned by Run when the instruction budget runs
// out without the CPU halting.
var ErrBudgetExhausted = errors.New("cpu: run budget exhausted")

// UnimplementedError reports that a handler declined a specific, otherwise
// validly decoded encoding. It surfaces to callers verbatim per spec §7.
type UnimplementedError struct {
	Mnemonic string
	Opcode   []byte
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("cpu: unimplemented opcode %x (%s)", e.Opcode, e.Mnemonic)
}

func unimplemented(mnemonic string, opcode ...byte) error {
	return &UnimplementedError{Mnemonic: mnemonic, Opcode: opcode}
}
