package shader

// decodeSrc decodes one source operand: a register/immediate/CB/builtin
// reference refined from a rawOperand, carrying its swizzle and modifier.
func decodeSrc(r *tokenReader) (SrcOperand, error) {
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return SrcOperand{}, err
	}

	swz, err := swizzleFromRaw(op, at)
	if err != nil {
		return SrcOperand{}, err
	}

	switch op.ty {
	case operandTypeImmediate32:
		return SrcOperand{Kind: SrcImmediate, Imm: *op.imm32, Swizzle: swz, Modifier: op.modifier}, nil
	case operandTypeTemp:
		idx, err := oneIndex(op.ty, op.indices, at)
		if err != nil {
			return SrcOperand{}, err
		}
		return SrcOperand{Kind: SrcRegister, Reg: RegisterRef{File: RegTemp, Index: idx}, Swizzle: swz, Modifier: op.modifier}, nil
	case operandTypeInput:
		idx, err := oneIndex(op.ty, op.indices, at)
		if err != nil {
			return SrcOperand{}, err
		}
		return SrcOperand{Kind: SrcRegister, Reg: RegisterRef{File: RegInput, Index: idx}, Swizzle: swz, Modifier: op.modifier}, nil
	case operandTypeOutput:
		idx, err := oneIndex(op.ty, op.indices, at)
		if err != nil {
			return SrcOperand{}, err
		}
		return SrcOperand{Kind: SrcRegister, Reg: RegisterRef{File: RegOutput, Index: idx}, Swizzle: swz, Modifier: op.modifier}, nil
	case operandTypeOutputDepth:
		idx := uint32(0)
		if len(op.indices) == 1 {
			idx = op.indices[0]
		} else if len(op.indices) != 0 {
			return SrcOperand{}, &DecodeError{AtDword: at, Kind: ErrInvalidRegisterIndices, Operand: op.ty}
		}
		return SrcOperand{Kind: SrcRegister, Reg: RegisterRef{File: RegOutputDepth, Index: idx}, Swizzle: swz, Modifier: op.modifier}, nil
	case operandTypeConstantBuffer:
		if len(op.indices) != 2 {
			return SrcOperand{}, &DecodeError{AtDword: at, Kind: ErrInvalidRegisterIndices, Operand: op.ty}
		}
		return SrcOperand{Kind: SrcConstantBuffer, CBSlot: op.indices[0], CBReg: op.indices[1], Swizzle: swz, Modifier: op.modifier}, nil
	case operandTypeInputThreadID:
		if len(op.indices) != 0 {
			return SrcOperand{}, &DecodeError{AtDword: at, Kind: ErrInvalidRegisterIndices, Operand: op.ty}
		}
		return SrcOperand{Kind: SrcComputeBuiltin, Builtin: BuiltinDispatchThreadID, Swizzle: swz, Modifier: op.modifier}, nil
	case operandTypeInputThreadGroupID:
		if len(op.indices) != 0 {
			return SrcOperand{}, &DecodeError{AtDword: at, Kind: ErrInvalidRegisterIndices, Operand: op.ty}
		}
		return SrcOperand{Kind: SrcComputeBuiltin, Builtin: BuiltinThreadGroupID, Swizzle: swz, Modifier: op.modifier}, nil
	default:
		return SrcOperand{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
}

func swizzleFromRaw(op rawOperand, at int) (Swizzle, error) {
	switch op.selectionMode {
	case selSwizzle:
		return decodeSwizzle(op.componentSel), nil
	case selSelect1:
		c := uint8(op.componentSel & 0x3)
		return Swizzle{c, c, c, c}, nil
	case selMask:
		return Swizzle{0, 1, 2, 3}, nil
	default:
		return Swizzle{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperand, Msg: "unsupported operand selection mode"}
	}
}

// decodeDst decodes one destination operand: only Temp/Output/OutputDepth
// registers are valid destinations.
func decodeDst(r *tokenReader) (DstOperand, error) {
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return DstOperand{}, err
	}
	if op.ty == operandTypeImmediate32 {
		return DstOperand{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}

	mask, err := maskFromRaw(op, at)
	if err != nil {
		return DstOperand{}, err
	}

	switch op.ty {
	case operandTypeTemp:
		idx, err := oneIndex(op.ty, op.indices, at)
		if err != nil {
			return DstOperand{}, err
		}
		return DstOperand{Reg: RegisterRef{File: RegTemp, Index: idx}, Mask: mask}, nil
	case operandTypeOutput:
		idx, err := oneIndex(op.ty, op.indices, at)
		if err != nil {
			return DstOperand{}, err
		}
		return DstOperand{Reg: RegisterRef{File: RegOutput, Index: idx}, Mask: mask}, nil
	case operandTypeOutputDepth:
		idx := uint32(0)
		if len(op.indices) == 1 {
			idx = op.indices[0]
		} else if len(op.indices) != 0 {
			return DstOperand{}, &DecodeError{AtDword: at, Kind: ErrInvalidRegisterIndices, Operand: op.ty}
		}
		return DstOperand{Reg: RegisterRef{File: RegOutputDepth, Index: idx}, Mask: mask}, nil
	default:
		return DstOperand{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
}

func maskFromRaw(op rawOperand, at int) (WriteMask, error) {
	switch op.selectionMode {
	case selMask:
		return WriteMask(op.componentSel & 0xF), nil
	case selSelect1:
		return WriteMask(1 << (op.componentSel & 0x3)), nil
	default:
		return 0, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperand, Msg: "unsupported destination selection mode"}
	}
}

// decodePredicateOperand decodes a predicate-gating operand: an invert flag
// is carried by the NEG modifier (Neg or AbsNeg), flattening predicate
// negation into the same extended-modifier mechanism other operands use.
func decodePredicateOperand(r *tokenReader) (PredicateOperand, error) {
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return PredicateOperand{}, err
	}
	return predicateOperandFromRaw(op, at)
}

func predicateOperandFromRaw(op rawOperand, at int) (PredicateOperand, error) {
	if op.ty != operandTypePredicate {
		return PredicateOperand{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
	idx, err := oneIndex(op.ty, op.indices, at)
	if err != nil {
		return PredicateOperand{}, err
	}
	var comp uint8
	switch op.selectionMode {
	case selSelect1:
		comp = uint8(op.componentSel & 0x3)
	case selSwizzle:
		s := decodeSwizzle(op.componentSel)
		comp = s[0]
	default:
		return PredicateOperand{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperand, Msg: "unsupported predicate operand selection mode"}
	}
	invert := op.modifier == ModNeg || op.modifier == ModAbsNeg
	return PredicateOperand{Index: idx, Component: comp, Invert: invert}, nil
}

// decodePredicateDst decodes setp's destination predicate register.
func decodePredicateDst(r *tokenReader) (PredicateOperand, error) {
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return PredicateOperand{}, err
	}
	return predicateDstFromRaw(op, at)
}

func predicateDstFromRaw(op rawOperand, at int) (PredicateOperand, error) {
	if op.ty != operandTypePredicate {
		return PredicateOperand{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
	idx, err := oneIndex(op.ty, op.indices, at)
	if err != nil {
		return PredicateOperand{}, err
	}
	mask, err := maskFromRaw(op, at)
	if err != nil {
		return PredicateOperand{}, err
	}
	comp := uint8(0)
	for c := uint8(0); c < 4; c++ {
		if mask&(1<<c) != 0 {
			comp = c
			break
		}
	}
	return PredicateOperand{Index: idx, Component: comp}, nil
}
