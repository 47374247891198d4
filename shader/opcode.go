// Package shader decodes the SM4/SM5-style DXBC token stream described by
// spec §4.4 into a strongly typed instruction/declaration module: an
// opcode-token dialect check, a declaration/instruction split, operand
// decode with extended-modifier chaining, and a structural refinement pass
// for opcodes whose identity is ambiguous without cross-referencing
// declarations in the same module.
package shader

// Opcode token bit layout, per spec §4.4: bits {0..10}=opcode, {11..23}=
// instruction length (legacy Aero encoding), {24..30}=instruction length
// (official DXBC encoding), {31}=extended-token bit.
const (
	opcodeMask      = 0x7FF
	opcodeLenShift  = 11
	opcodeLenMask   = 0x1FFF
	officialLenShift = 24
	officialLenMask  = 0x7F
	opcodeExtendedBit = 1 << 31
)

// Opcode-level extended modifier tokens chain off the primary opcode token
// the same way operand extended tokens chain off an operand token (bit 31
// signals another token follows). extModType occupies bits [0:5]; the
// remaining bits are interpreted per type. Kept separate from an
// instruction's own length field so a control-flow test/compare value never
// overlaps the legacy length bits.
const (
	extModTypeMask = 0x3F

	extModTypeGeneric = 0
	extModSaturateBit = 1 << 13

	extModTypeTest = 1
	extModTestShift = 6
	extModTestMask  = 0xF
)

// declarationOpcodeMin is the boundary between instruction and declaration
// opcode space: opcodes at or above this are declarations.
const declarationOpcodeMin = 0x100

// Instruction opcodes. Values are an internally authored numbering (the
// upstream protocol crate defining the real DXBC opcode enum was not part of
// the retrieval pack); what matters is that decode and any future encode
// agree on them.
const (
	opAdd uint32 = iota
	opIAdd
	opMul
	opIMul
	opUMul
	opMad
	opIMad
	opUMad
	opMin
	opMax
	opIMin
	opIMax
	opUMin
	opUMax
	opAnd
	opOr
	opXor
	opNot
	opMov
	opMovC
	opIf
	opIfC
	opElse
	opEndIf
	opBreak
	opBreakC
	opContinue
	opContinueC
	opRet
	opDiscard
	opSetP
	opSample
	opLd
	opLdStructured
	opLdStructuredUav
	opLdUavTyped
	opStoreRaw
	opStoreStructured
	opStoreUavTyped
	opBufInfo
	opBufInfoUav
	opNop
	opCustomData
	opHsControlPointPhase
	opHsForkPhase
	opHsJoinPhase
)

// Declaration opcodes, all >= declarationOpcodeMin per spec §4.4.
const (
	opDclGlobalFlags uint32 = declarationOpcodeMin + iota
	opDclTemps
	opDclIndexableTemp
	opDclInput
	opDclOutput
	opDclConstantBuffer
	opDclSampler
	opDclResource
	opDclResourceStructured
	opDclResourceRaw
	opDclUavTyped
	opDclUavStructured
	opDclUavRaw
	opDclThreadGroup
)

// customDataClass identifies the interpretation of a customdata block's
// payload.
const customDataClassImmediateConstantBuffer = 1

// BufferKind distinguishes a raw (ByteAddressBuffer-style) resource from a
// structured one, affecting how bufinfo/store instructions are refined.
type BufferKind int

const (
	BufferRaw BufferKind = iota
	BufferStructured
)
