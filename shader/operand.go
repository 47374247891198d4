package shader

// Operand token bit layout, per spec §4.4's field list
// {num_components, selection_mode, type, component_sel, index_dimension,
// index0_rep, index1_rep, index2_rep, extended}. The exact bit positions are
// an internally authored layout (the upstream operand-token format was not
// part of the retrieval pack); decode and any future encode must agree.
const (
	operandNumComponentsMask = 0x3

	operandSelectionModeShift = 2
	operandSelectionModeMask  = 0x3

	operandComponentSelShift = 4
	operandComponentSelMask  = 0xFF

	operandTypeShift = 12
	operandTypeMask  = 0xFF

	operandIndexDimShift = 20
	operandIndexDimMask  = 0x3

	operandIndex0RepShift = 22
	operandIndex1RepShift = 24
	operandIndex2RepShift = 26
	operandIndexRepMask   = 0x3

	operandExtendedBit = 1 << 31
)

// Selection modes.
const (
	selMask    = 0
	selSwizzle = 1
	selSelect1 = 2
)

// Index representations. Only immediate32 is supported; anything else is
// UnsupportedIndexRepresentation per spec §4.4.
const indexRepImmediate32 = 0

// Index dimensions.
const (
	indexDim0D = 0
	indexDim1D = 1
	indexDim2D = 2
)

// Operand types this decoder understands.
const (
	operandTypeTemp uint32 = iota
	operandTypeInput
	operandTypeOutput
	operandTypeOutputDepth
	operandTypeConstantBuffer
	operandTypeSampler
	operandTypeResource
	operandTypeUnorderedAccessView
	operandTypeImmediate32
	operandTypePredicate
	operandTypeInputThreadID
	operandTypeInputThreadGroupID
)

// OperandModifier is the extended-token modifier chained onto a source
// operand, per spec §4.4.
type OperandModifier int

const (
	ModNone OperandModifier = iota
	ModNeg
	ModAbs
	ModAbsNeg
)

func modifierFromBits(m uint32) OperandModifier {
	switch m {
	case 1:
		return ModNeg
	case 2:
		return ModAbs
	case 3:
		return ModAbsNeg
	default:
		return ModNone
	}
}

// RegFile names the register space an operand addresses.
type RegFile int

const (
	RegTemp RegFile = iota
	RegInput
	RegOutput
	RegOutputDepth
)

// RegisterRef names one register within a RegFile.
type RegisterRef struct {
	File  RegFile
	Index uint32
}

// WriteMask is a 4-bit per-component write mask (bit i enables component i).
type WriteMask uint8

const WriteMaskXYZW WriteMask = 0xF

// Swizzle selects, per destination component, which source component
// contributes (values 0..3 = x,y,z,w).
type Swizzle [4]uint8

func decodeSwizzle(sel uint32) Swizzle {
	return Swizzle{
		uint8(sel & 0x3),
		uint8((sel >> 2) & 0x3),
		uint8((sel >> 4) & 0x3),
		uint8((sel >> 6) & 0x3),
	}
}

// SrcKind tags how a SrcOperand resolves.
type SrcKind int

const (
	SrcRegister SrcKind = iota
	SrcImmediate
	SrcConstantBuffer
	SrcComputeBuiltin
)

// ComputeBuiltin names a compute-stage system-value source.
type ComputeBuiltin int

const (
	BuiltinDispatchThreadID ComputeBuiltin = iota
	BuiltinThreadGroupID
)

// SrcOperand is a decoded source operand: a register/immediate/CB/builtin
// reference plus the swizzle and modifier applied to it.
type SrcOperand struct {
	Kind     SrcKind
	Reg      RegisterRef
	CBSlot   uint32
	CBReg    uint32
	Imm      [4]uint32
	Builtin  ComputeBuiltin
	Swizzle  Swizzle
	Modifier OperandModifier
}

// DstOperand is a decoded destination operand.
type DstOperand struct {
	Reg      RegisterRef
	Mask     WriteMask
	Saturate bool
}

// PredicateOperand selects a scalar component of a predicate register to
// gate a predicated instruction, per spec §4.4.
type PredicateOperand struct {
	Index     uint32
	Component uint8
	Invert    bool
}

// rawOperand is the unrefined decode of one operand token plus its index
// dwords/extended-modifier chain/immediate payload, mirroring the original's
// internal RawOperand before it is specialized into Src/Dst/Predicate.
type rawOperand struct {
	ty             uint32
	selectionMode  uint32
	componentSel   uint32
	modifier       OperandModifier
	indices        []uint32
	imm32          *[4]uint32
}

func decodeRawOperand(r *tokenReader) (rawOperand, error) {
	token, err := r.readU32()
	if err != nil {
		return rawOperand{}, err
	}

	numComponents := token & operandNumComponentsMask
	selMode := (token >> operandSelectionModeShift) & operandSelectionModeMask
	ty := (token >> operandTypeShift) & operandTypeMask
	componentSel := (token >> operandComponentSelShift) & operandComponentSelMask
	indexDim := (token >> operandIndexDimShift) & operandIndexDimMask
	idxReps := [3]uint32{
		(token >> operandIndex0RepShift) & operandIndexRepMask,
		(token >> operandIndex1RepShift) & operandIndexRepMask,
		(token >> operandIndex2RepShift) & operandIndexRepMask,
	}

	modifier := ModNone
	extended := token&operandExtendedBit != 0
	for extended {
		ext, err := r.readU32()
		if err != nil {
			return rawOperand{}, err
		}
		extended = ext&operandExtendedBit != 0
		extType := ext & 0x3F
		if extType != 0 {
			return rawOperand{}, &DecodeError{AtDword: r.baseAt + r.pos - 1, Kind: ErrUnsupportedExtendedOperand, Operand: extType}
		}
		modifier = modifierFromBits((ext >> 6) & 0x3)
	}

	var dim int
	switch indexDim {
	case indexDim0D:
		dim = 0
	case indexDim1D:
		dim = 1
	case indexDim2D:
		dim = 2
	default:
		return rawOperand{}, &DecodeError{AtDword: r.baseAt + r.pos - 1, Kind: ErrUnsupportedIndexDimension, Operand: indexDim}
	}

	indices := make([]uint32, 0, dim)
	for i := 0; i < dim; i++ {
		if idxReps[i] != indexRepImmediate32 {
			return rawOperand{}, &DecodeError{AtDword: r.baseAt + r.pos - 1, Kind: ErrUnsupportedIndexRepresentation, Operand: idxReps[i]}
		}
		v, err := r.readU32()
		if err != nil {
			return rawOperand{}, err
		}
		indices = append(indices, v)
	}

	var imm32 *[4]uint32
	if ty == operandTypeImmediate32 {
		switch numComponents {
		case 1:
			v, err := r.readU32()
			if err != nil {
				return rawOperand{}, err
			}
			imm32 = &[4]uint32{v, v, v, v}
		case 2:
			var vals [4]uint32
			for i := range vals {
				v, err := r.readU32()
				if err != nil {
					return rawOperand{}, err
				}
				vals[i] = v
			}
			imm32 = &vals
		default:
			return rawOperand{}, &DecodeError{AtDword: r.baseAt + r.pos - 1, Kind: ErrUnsupportedOperand, Msg: "immediate32 with unsupported component count"}
		}
	}

	return rawOperand{ty: ty, selectionMode: selMode, componentSel: componentSel, modifier: modifier, indices: indices, imm32: imm32}, nil
}

func oneIndex(ty uint32, indices []uint32, at int) (uint32, error) {
	if len(indices) != 1 {
		return 0, &DecodeError{AtDword: at, Kind: ErrInvalidRegisterIndices, Operand: ty}
	}
	return indices[0], nil
}
