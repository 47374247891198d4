// Package cpu implements the tier-0 x86/IA-32e instruction executor: a
// decoded-dispatch interpreter covering real, protected, and long mode.
package cpu

import (
	"github.com/aerocore-emu/aerocore/cpubus"
)

// Mode selects the CPU's current operating mode, which determines bitness,
// segment-load semantics, and interrupt-frame shape.
type Mode int

const (
	ModeReal Mode = iota
	ModeProtected
	ModeLong
)

// GPR indices, in ModR/M encoding order (matches the teacher's regs32
// comment: "Order: EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI").
const (
	RegRAX = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// Segment register indices (matches the teacher's x86Seg* constants).
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

// RFLAGS bit positions (matches the teacher's x86Flag* constants, widened
// to uint64 for the long-mode register file).
const (
	FlagCF   uint64 = 1 << 0
	FlagPF   uint64 = 1 << 2
	FlagAF   uint64 = 1 << 4
	FlagZF   uint64 = 1 << 6
	FlagSF   uint64 = 1 << 7
	FlagTF   uint64 = 1 << 8
	FlagIF   uint64 = 1 << 9
	FlagDF   uint64 = 1 << 10
	FlagOF   uint64 = 1 << 11
	FlagIOPL uint64 = 3 << 12
	FlagNT   uint64 = 1 << 14
	FlagRF   uint64 = 1 << 16
	FlagVM   uint64 = 1 << 17
	FlagAC   uint64 = 1 << 18
	FlagVIF  uint64 = 1 << 19
	FlagVIP  uint64 = 1 << 20
	FlagID   uint64 = 1 << 21

	// statusFlagsMask is the set of flags LazyFlags materialization owns.
	statusFlagsMask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// Segment is the cached descriptor-load result for one segment register:
// selector plus the decoded {base, limit, attrs} triple.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attrs    uint16
}

// DTR is a descriptor table register (GDTR/IDTR): base address + limit.
type DTR struct {
	Base  uint64
	Limit uint16
}

// FlagOp tags which ALU shape produced a LazyFlags record.
type FlagOp int

const (
	FlagOpAdd FlagOp = iota
	FlagOpSub
	FlagOpLogic
)

// LazyFlags defers EFLAGS status-bit computation until a consumer actually
// reads CF/OF/SF/ZF/AF/PF. Valid is false once materialized (or before the
// first ALU op), at which point the State's Flags field holds ground truth.
type LazyFlags struct {
	Valid    bool
	Op       FlagOp
	CarryIn  uint64 // carry-in for Add, borrow-in for Sub; ignored for Logic
	SizeBits uint8  // 8, 16, 32, or 64
	Lhs, Rhs uint64
	Result   uint64
}

// State holds all CPU-architectural state. It is constructed once per
// machine and mutated only by an Executor.
type State struct {
	GPR [16]uint64
	RIP uint64

	// Flags holds the control/system bits (IF, DF, TF, ...) plus the
	// materialized status bits once Lazy.Valid is false. Status bits are
	// stale while Lazy.Valid is true; call MaterializeFlags before reading
	// them directly.
	Flags uint64
	Lazy  LazyFlags

	Seg  [6]Segment
	GDTR DTR
	IDTR DTR
	TR   Segment

	Mode Mode
	// A20Mask is ANDed into every CPU-formed linear address (fetch, operand,
	// stack, string) via Executor.gateA20, independent of any A20 gating the
	// memory bus itself applies.
	A20Mask uint64

	TSC    uint64
	TSCAux uint32
	MSR    map[uint32]uint64

	Halted bool
}

// NewState returns a State reset to the power-on defaults used by Reset.
func NewState() *State {
	s := &State{MSR: make(map[uint32]uint64)}
	s.Reset()
	return s
}

// Reset restores power-on state: real mode, CS=0xF000 base 0xF0000 (the
// traditional 0xFFFF0000 reset vector alias is not modeled; CS instead follows
// the plain real-mode rule base=selector<<4 like every other segment), A20
// disabled, flags cleared except the always-set bit 1, TSC zeroed.
func (s *State) Reset() {
	*s = State{MSR: s.MSR}
	if s.MSR == nil {
		s.MSR = make(map[uint32]uint64)
	} else {
		for k := range s.MSR {
			delete(s.MSR, k)
		}
	}
	s.Mode = ModeReal
	s.A20Mask = ^uint64(0)
	s.Flags = 1 << 1
	for i := range s.Seg {
		s.Seg[i] = Segment{Selector: 0, Base: 0, Limit: 0xFFFF}
	}
	s.Seg[SegCS] = Segment{Selector: 0xF000, Base: 0xF0000, Limit: 0xFFFF}
	s.RIP = 0xFFF0
}

// ipMask returns the RIP mask for the current mode (16/32/64-bit wide).
func (s *State) ipMask() uint64 {
	switch s.Mode {
	case ModeReal:
		return 0xFFFF
	case ModeProtected:
		return 0xFFFFFFFF
	default:
		return ^uint64(0)
	}
}

// bitness returns the default operand bit width for the current mode,
// before any 0x66/0x67 prefix or REX.W adjustment.
func (s *State) bitness() uint8 {
	switch s.Mode {
	case ModeReal:
		return 16
	case ModeProtected:
		return 32
	default:
		return 32 // long mode default operand size is 32 unless REX.W
	}
}

// Executor drives a State through Step/Run against a memory and port bus.
type Executor struct {
	S    *State
	Mem  cpubus.MemoryBus
	Port cpubus.PortBus

	// cur holds the decode context for the instruction currently being
	// executed; handlers consult it (REX presence, prefixes) while
	// resolving operands. Valid only during a Step call.
	cur *decodeCtx
}

// NewExecutor constructs an Executor around a fresh State.
func NewExecutor(mem cpubus.MemoryBus, port cpubus.PortBus) *Executor {
	return &Executor{S: NewState(), Mem: mem, Port: port}
}
