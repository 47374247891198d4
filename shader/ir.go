package shader

// CmpOp is the comparison operator carried by comparison-based flow control
// and setp instructions, per spec §4.4.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpGe
	CmpLe
	CmpGt
	CmpEqU
	CmpNeU
	CmpLtU
	CmpGeU
	CmpLeU
	CmpGtU
)

// TestBool selects the zero/non-zero predicate an `if` without an in-token
// comparison operator tests its condition against. `breakc`/`continuec`
// decode only with a comparison operator; without one they are InstUnknown.
type TestBool int

const (
	TestZero TestBool = iota
	TestNonZero
)

// InstOp tags the instruction variant Instruction decodes into.
type InstOp int

const (
	InstUnknown InstOp = iota
	InstMov
	InstMovC
	InstAdd
	InstIAdd
	InstMul
	InstIMul
	InstUMul
	InstMad
	InstIMad
	InstUMad
	InstMin
	InstMax
	InstIMin
	InstIMax
	InstUMin
	InstUMax
	InstAnd
	InstOr
	InstXor
	InstNot
	InstIf
	InstIfC
	InstElse
	InstEndIf
	InstBreak
	InstBreakC
	InstContinue
	InstContinueC
	InstRet
	InstDiscard
	InstSetP
	InstSample
	InstLd
	InstLdStructured
	InstLdStructuredUav
	InstLdUavTyped
	InstStoreRaw
	InstStoreStructured
	InstStoreUavTyped
	InstBufInfoRaw
	InstBufInfoStructured
	InstBufInfoRawUav
	InstBufInfoStructuredUav
)

// TextureRef/SamplerRef/UavRef/BufferRef name the resource slot an
// instruction addresses.
type TextureRef struct{ Slot uint32 }
type SamplerRef struct{ Slot uint32 }
type UavRef struct{ Slot uint32 }
type BufferRef struct{ Slot uint32 }

// Instruction is the strongly typed decode of one SM4/SM5 instruction. Not
// every field is meaningful for every Op; Op determines which are populated,
// mirroring the way the original's per-variant enum is flattened into one
// tagged Go struct (the same pattern the cpu package's decode uses for its
// Operand type).
type Instruction struct {
	Op InstOp

	AtDword int

	Dst  DstOperand
	Srcs []SrcOperand

	Pred *PredicateOperand

	Cmp  CmpOp
	Test TestBool

	Texture TextureRef
	Sampler SamplerRef
	Uav     UavRef
	Buffer  BufferRef

	BufferKind  BufferKind
	StrideBytes uint32

	// Opcode holds the raw opcode value when Op == InstUnknown.
	Opcode uint32
}

// HullPhase names a hull-shader phase marker.
type HullPhase int

const (
	HullControlPoint HullPhase = iota
	HullFork
	HullJoin
)

// DeclOp tags the declaration variant Declaration decodes into.
type DeclOp int

const (
	DeclUnknown DeclOp = iota
	DeclGlobalFlags
	DeclTemps
	DeclIndexableTemp
	DeclInput
	DeclOutput
	DeclConstantBuffer
	DeclSampler
	DeclResourceTexture
	DeclResourceStructured
	DeclResourceRaw
	DeclUavTyped
	DeclUavStructured
	DeclUavRaw
	DeclThreadGroupSize
	DeclCustomData
	DeclImmediateConstantBuffer
	DeclHsPhase
)

// customDataClassComment is the fallback class recorded for a customdata
// block whose class token could not be recovered (e.g. truncated by an
// extended-token chain), matching comment/debug-metadata blocks.
const customDataClassComment = 0

// Declaration is the strongly typed decode of one declaration, per spec
// §4.4. As with Instruction, Op determines which fields are meaningful.
type Declaration struct {
	Op DeclOp

	Slot  uint32
	Count uint32

	BufferKind BufferKind
	Stride     uint32

	TempCount uint32

	IndexableTempIndex         uint32
	IndexableTempNumComponents uint32
	IndexableTempComponentCount uint32

	RegIndex uint32
	Mask     WriteMask

	CustomDataClass uint32
	CustomDataDwords []uint32

	ThreadGroupX, ThreadGroupY, ThreadGroupZ uint32

	Phase      HullPhase
	InstrIndex int

	GlobalFlags uint32

	// Opcode holds the raw opcode value when Op == DeclUnknown.
	Opcode uint32
}

// Module is the fully decoded shader program: its declarations and its
// executable instruction stream, post-refinement.
type Module struct {
	Decls        []Declaration
	Instructions []Instruction
}
