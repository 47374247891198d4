package shader

// Program is a length-prefixed shader token stream, per spec §4.4: tokens[0]
// is a version token (stage + model, opaque to this decoder), tokens[1] is
// the declared program length in dwords, and tokens[2:] holds the
// declaration/instruction stream.
type Program struct {
	Tokens []uint32
}

// DecodeProgram decodes a Program into a Module: a declaration/instruction
// split, operand and predicate decode, and a post-pass that refines
// structurally ambiguous instructions using same-module declarations.
func DecodeProgram(p *Program) (*Module, error) {
	declaredLen := 0
	if len(p.Tokens) > 1 {
		declaredLen = int(p.Tokens[1])
	}
	if declaredLen < 2 || declaredLen > len(p.Tokens) {
		return nil, &DecodeError{AtDword: 1, Kind: ErrInvalidDeclaredLength, Declared: declaredLen, Available: len(p.Tokens)}
	}

	toks := p.Tokens[:declaredLen]

	var decls []Declaration
	var instrs []Instruction

	i := 2
	for i < len(toks) {
		opcodeToken := toks[i]
		opcode := opcodeToken & opcodeMask
		length := int((opcodeToken >> opcodeLenShift) & opcodeLenMask)

		if length == 0 {
			officialLen := int((opcodeToken >> officialLenShift) & officialLenMask)
			if officialLen != 0 {
				return nil, &DecodeError{AtDword: i, Kind: ErrUnsupportedTokenEncoding, Encoding: "official DXBC length field (bits 24..30)"}
			}
			return nil, &DecodeError{AtDword: i, Kind: ErrInstructionLengthZero}
		}
		if i+length > len(toks) {
			officialLen := int((opcodeToken >> officialLenShift) & officialLenMask)
			if officialLen != 0 && i+officialLen <= len(toks) {
				return nil, &DecodeError{AtDword: i, Kind: ErrUnsupportedTokenEncoding, Encoding: "official DXBC length field (bits 24..30)"}
			}
			return nil, &DecodeError{AtDword: i, Kind: ErrInstructionOutOfBounds, Start: i, Len: length, Available: len(toks)}
		}

		instTokens := toks[i : i+length]

		if opcode == opCustomData {
			decls = append(decls, decodeCustomData(opcodeToken, instTokens))
			i += length
			continue
		}

		if opcode == opNop {
			i += length
			continue
		}

		if length == 1 && (opcode == opHsControlPointPhase || opcode == opHsForkPhase || opcode == opHsJoinPhase) {
			var phase HullPhase
			switch opcode {
			case opHsControlPointPhase:
				phase = HullControlPoint
			case opHsForkPhase:
				phase = HullFork
			case opHsJoinPhase:
				phase = HullJoin
			}
			decls = append(decls, Declaration{Op: DeclHsPhase, Phase: phase, InstrIndex: len(instrs)})
			i += length
			continue
		}

		if opcode >= declarationOpcodeMin {
			var decl Declaration
			var err error
			if opcode == opDclThreadGroup {
				decl, err = decodeDecl(opcode, instTokens, i)
				if err != nil {
					return nil, err
				}
			} else {
				decl, err = decodeDecl(opcode, instTokens, i)
				if err != nil {
					decl = Declaration{Op: DeclUnknown, Opcode: opcode}
				}
			}
			decls = append(decls, decl)
			i += length
			continue
		}

		inst, err := decodeInstruction(opcode, instTokens, i)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, inst)
		i += length
	}

	refine(decls, instrs)

	return &Module{Decls: decls, Instructions: instrs}, nil
}

func decodeCustomData(opcodeToken uint32, instTokens []uint32) Declaration {
	classPos := 1
	extended := opcodeToken&opcodeExtendedBit != 0
	for extended {
		if classPos >= len(instTokens) {
			break
		}
		ext := instTokens[classPos]
		classPos++
		extended = ext&opcodeExtendedBit != 0
	}
	if classPos >= len(instTokens) {
		return Declaration{Op: DeclCustomData, CustomDataClass: customDataClassComment}
	}
	class := instTokens[classPos]
	if class == customDataClassImmediateConstantBuffer {
		var dwords []uint32
		if classPos+1 < len(instTokens) {
			dwords = append(dwords, instTokens[classPos+1:]...)
		}
		return Declaration{Op: DeclImmediateConstantBuffer, CustomDataDwords: dwords}
	}
	return Declaration{Op: DeclCustomData, CustomDataClass: class}
}

// opcodeModifiers is the decode of an opcode token's chained extended
// modifier tokens: a saturate flag, and, for control-flow/setp
// instructions, the comparison/test value they carry.
type opcodeModifiers struct {
	saturate bool
	hasTest  bool
	testVal  uint32
}

// decodeExtendedOpcodeModifiers consumes an opcode token's extended-token
// chain.
func decodeExtendedOpcodeModifiers(r *tokenReader, opcodeToken uint32) (opcodeModifiers, error) {
	var mods opcodeModifiers
	extended := opcodeToken&opcodeExtendedBit != 0
	for extended {
		ext, err := r.readU32()
		if err != nil {
			return opcodeModifiers{}, err
		}
		extended = ext&opcodeExtendedBit != 0
		switch ext & extModTypeMask {
		case extModTypeGeneric:
			mods.saturate = mods.saturate || ext&extModSaturateBit != 0
		case extModTypeTest:
			mods.hasTest = true
			mods.testVal = (ext >> extModTestShift) & extModTestMask
		}
	}
	return mods, nil
}

// decodeInstruction decodes one non-declaration opcode's token slice into a
// typed Instruction, probing for leading/trailing predication per spec
// §4.4's "probes the tail for a well-formed predicate" rule.
func decodeInstruction(opcode uint32, instTokens []uint32, at int) (Instruction, error) {
	stripTrailing := false
	if opcode != opSetP {
		stripTrailing = true
		pos := 1
		extended := len(instTokens) > 0 && instTokens[0]&opcodeExtendedBit != 0
		for extended && pos < len(instTokens) {
			ext := instTokens[pos]
			pos++
			extended = ext&opcodeExtendedBit != 0
		}
		leadingIsPredicate := pos < len(instTokens) && (instTokens[pos]>>operandTypeShift)&operandTypeMask == operandTypePredicate
		stripTrailing = !leadingIsPredicate
	}

	var trailingPred *PredicateOperand
	if stripTrailing && len(instTokens) >= 3 {
		n := len(instTokens)
		minStart := n - 5
		if minStart < 1 {
			minStart = 1
		}
		for start := n - 2; start >= minStart; start-- {
			rr := newTokenReader(instTokens[start:], at+start)
			pred, err := decodePredicateOperand(rr)
			if err != nil {
				continue
			}
			if rr.isEOF() {
				trailingPred = &pred
				instTokens = instTokens[:start]
				break
			}
		}
	}

	r := newTokenReader(instTokens, at)
	opcodeToken, err := r.readU32()
	if err != nil {
		return Instruction{}, err
	}
	mods, err := decodeExtendedOpcodeModifiers(r, opcodeToken)
	if err != nil {
		return Instruction{}, err
	}

	peekIsPredicate := func(r *tokenReader) bool {
		t, ok := r.peekU32()
		return ok && (t>>operandTypeShift)&operandTypeMask == operandTypePredicate
	}

	pred := trailingPred
	if opcode == opSetP {
		return decodeSetp(mods, r, at, pred)
	}

	if peekIsPredicate(r) {
		if pred != nil {
			return Instruction{}, &DecodeError{AtDword: r.baseAt + r.pos, Kind: ErrUnsupportedOperand, Msg: "multiple predicate operands found for instruction predication"}
		}
		p, err := decodePredicateOperand(r)
		if err != nil {
			return Instruction{}, err
		}
		pred = &p
	}

	inst, err := decodeInstructionBody(opcode, mods, r, at)
	if err != nil {
		return Instruction{}, err
	}
	inst.Pred = pred
	inst.AtDword = at
	return inst, nil
}

func decodeSetp(mods opcodeModifiers, r *tokenReader, at int, trailingPred *PredicateOperand) (Instruction, error) {
	peekIsPredicate := func(r *tokenReader) bool {
		t, ok := r.peekU32()
		return ok && (t>>operandTypeShift)&operandTypeMask == operandTypePredicate
	}
	if !peekIsPredicate(r) {
		return Instruction{Op: InstUnknown, Opcode: opSetP, AtDword: at, Pred: trailingPred}, nil
	}

	firstAt := r.baseAt + r.pos
	first, err := decodeRawOperand(r)
	if err != nil {
		return Instruction{}, err
	}

	var pred *PredicateOperand
	var dst PredicateOperand
	if peekIsPredicate(r) {
		p, err := predicateOperandFromRaw(first, firstAt)
		if err != nil {
			return Instruction{}, err
		}
		pred = &p
		dst, err = decodePredicateDst(r)
		if err != nil {
			return Instruction{}, err
		}
	} else {
		dst, err = predicateDstFromRaw(first, firstAt)
		if err != nil {
			return Instruction{}, err
		}
	}
	if pred == nil {
		pred = trailingPred
	}

	op, ok := decodeSetpCmpOp(mods)
	if !ok {
		return Instruction{Op: InstUnknown, Opcode: opSetP, AtDword: at, Pred: pred}, nil
	}
	a, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	b, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}

	return Instruction{
		Op: InstSetP, AtDword: at, Pred: pred,
		Dst:  DstOperand{Reg: RegisterRef{Index: dst.Index}, Mask: WriteMask(1 << dst.Component)},
		Srcs: []SrcOperand{a, b}, Cmp: op,
	}, nil
}

func decodeSetpCmpOp(mods opcodeModifiers) (CmpOp, bool) {
	if !mods.hasTest {
		return 0, false
	}
	switch mods.testVal {
	case 0:
		return CmpEq, true
	case 1:
		return CmpNe, true
	case 2:
		return CmpLt, true
	case 3:
		return CmpGe, true
	case 4:
		return CmpLe, true
	case 5:
		return CmpGt, true
	case 8:
		return CmpEqU, true
	case 9:
		return CmpNeU, true
	case 10:
		return CmpLtU, true
	case 11:
		return CmpGeU, true
	case 12:
		return CmpLeU, true
	case 13:
		return CmpGtU, true
	default:
		return 0, false
	}
}

func decodeFlowCmpOp(mods opcodeModifiers) (CmpOp, bool) {
	if !mods.hasTest {
		return 0, false
	}
	switch mods.testVal {
	case 2:
		return CmpEq, true
	case 3:
		return CmpNe, true
	case 4:
		return CmpGt, true
	case 5:
		return CmpGe, true
	case 6:
		return CmpLt, true
	case 7:
		return CmpLe, true
	default:
		return 0, false
	}
}

func decodeInstructionBody(opcode uint32, mods opcodeModifiers, r *tokenReader, at int) (Instruction, error) {
	unknown := func() (Instruction, error) { return Instruction{Op: InstUnknown, Opcode: opcode}, nil }
	saturate := mods.saturate

	switch opcode {
	case opIf:
		switch {
		case !mods.hasTest || mods.testVal == 0 || mods.testVal == 1:
			cond, err := decodeSrc(r)
			if err != nil {
				return Instruction{}, err
			}
			if err := r.expectEOF(); err != nil {
				return Instruction{}, err
			}
			test := TestZero
			if mods.hasTest && mods.testVal == 1 {
				test = TestNonZero
			}
			return Instruction{Op: InstIf, Srcs: []SrcOperand{cond}, Test: test}, nil
		case mods.testVal >= 2 && mods.testVal <= 7:
			op, ok := decodeFlowCmpOp(mods)
			if !ok {
				return unknown()
			}
			a, err := decodeSrc(r)
			if err != nil {
				return Instruction{}, err
			}
			b, err := decodeSrc(r)
			if err != nil {
				return Instruction{}, err
			}
			if err := r.expectEOF(); err != nil {
				return Instruction{}, err
			}
			return Instruction{Op: InstIfC, Srcs: []SrcOperand{a, b}, Cmp: op}, nil
		default:
			return unknown()
		}
	case opIfC:
		return decodeCmpFlow(InstIfC, mods, r)
	case opBreakC:
		return decodeCmpFlow(InstBreakC, mods, r)
	case opContinueC:
		return decodeCmpFlow(InstContinueC, mods, r)
	case opElse:
		if err := r.expectEOF(); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: InstElse}, nil
	case opEndIf:
		if err := r.expectEOF(); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: InstEndIf}, nil
	case opBreak:
		if err := r.expectEOF(); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: InstBreak}, nil
	case opContinue:
		if err := r.expectEOF(); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: InstContinue}, nil
	case opRet:
		if err := r.expectEOF(); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: InstRet}, nil
	case opDiscard:
		cond, err := decodeSrc(r)
		if err != nil {
			return Instruction{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: InstDiscard, Srcs: []SrcOperand{cond}}, nil
	case opMov:
		return decodeUnaryDst(InstMov, saturate, r)
	case opMovC:
		return decodeMovC(saturate, r)
	case opAdd:
		return decodeBinaryDst(InstAdd, saturate, r)
	case opIAdd:
		return decodeBinaryDst(InstIAdd, saturate, r)
	case opMul:
		return decodeBinaryDst(InstMul, saturate, r)
	case opIMul:
		return decodeMulWithCarry(InstIMul, r)
	case opUMul:
		return decodeMulWithCarry(InstUMul, r)
	case opMad:
		return decodeTernaryDst(InstMad, saturate, r)
	case opIMad:
		return decodeTernaryDst(InstIMad, saturate, r)
	case opUMad:
		return decodeTernaryDst(InstUMad, saturate, r)
	case opMin:
		return decodeBinaryDst(InstMin, saturate, r)
	case opMax:
		return decodeBinaryDst(InstMax, saturate, r)
	case opIMin:
		return decodeBinaryDst(InstIMin, false, r)
	case opIMax:
		return decodeBinaryDst(InstIMax, false, r)
	case opUMin:
		return decodeBinaryDst(InstUMin, false, r)
	case opUMax:
		return decodeBinaryDst(InstUMax, false, r)
	case opAnd:
		return decodeBinaryDst(InstAnd, false, r)
	case opOr:
		return decodeBinaryDst(InstOr, false, r)
	case opXor:
		return decodeBinaryDst(InstXor, false, r)
	case opNot:
		return decodeUnaryDst(InstNot, false, r)
	case opSample:
		return decodeSample(r)
	case opLd:
		return decodeLd(saturate, r)
	case opLdStructured:
		return decodeLdStructured(r)
	case opLdUavTyped:
		return decodeLdUavTyped(r)
	case opStoreRaw:
		return decodeStoreRaw(r)
	case opStoreStructured:
		return decodeStoreStructured(r)
	case opStoreUavTyped:
		return decodeStoreUavTyped(r)
	case opBufInfo:
		return decodeBufInfo(r)
	default:
		return unknown()
	}
}

func decodeCmpFlow(op InstOp, mods opcodeModifiers, r *tokenReader) (Instruction, error) {
	cmp, ok := decodeFlowCmpOp(mods)
	if !ok {
		return Instruction{Op: InstUnknown}, nil
	}
	a, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	b, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: op, Srcs: []SrcOperand{a, b}, Cmp: cmp}, nil
}

func decodeUnaryDst(op InstOp, saturate bool, r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	dst.Saturate = saturate
	src, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: op, Dst: dst, Srcs: []SrcOperand{src}}, nil
}

func decodeBinaryDst(op InstOp, saturate bool, r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	dst.Saturate = saturate
	a, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	b, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: op, Dst: dst, Srcs: []SrcOperand{a, b}}, nil
}

func decodeTernaryDst(op InstOp, saturate bool, r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	dst.Saturate = saturate
	a, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	b, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	c, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: op, Dst: dst, Srcs: []SrcOperand{a, b, c}}, nil
}

// decodeMulWithCarry decodes {umul|imul} {dst_hi, dst_lo}, a, b: two
// destinations packed as Dst (lo) plus an extra Srcs-adjacent encoding is
// not modeled; this decoder keeps only the low-order destination, the form
// virtually all translated shaders consume.
func decodeMulWithCarry(op InstOp, r *tokenReader) (Instruction, error) {
	_, err := decodeDst(r) // dst_hi, discarded: no consumer needs the high dword today
	if err != nil {
		return Instruction{}, err
	}
	dstLo, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	a, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	b, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: op, Dst: dstLo, Srcs: []SrcOperand{a, b}}, nil
}

func decodeMovC(saturate bool, r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	dst.Saturate = saturate
	cond, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	a, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	b, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: InstMovC, Dst: dst, Srcs: []SrcOperand{cond, a, b}}, nil
}

func decodeTextureRef(r *tokenReader) (TextureRef, error) {
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return TextureRef{}, err
	}
	if op.ty != operandTypeResource {
		return TextureRef{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
	slot, err := oneIndex(op.ty, op.indices, at)
	if err != nil {
		return TextureRef{}, err
	}
	return TextureRef{Slot: slot}, nil
}

func decodeSamplerRef(r *tokenReader) (SamplerRef, error) {
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return SamplerRef{}, err
	}
	if op.ty != operandTypeSampler {
		return SamplerRef{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
	slot, err := oneIndex(op.ty, op.indices, at)
	if err != nil {
		return SamplerRef{}, err
	}
	return SamplerRef{Slot: slot}, nil
}

func decodeUavRef(r *tokenReader) (UavRef, error) {
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return UavRef{}, err
	}
	if op.ty != operandTypeUnorderedAccessView {
		return UavRef{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
	slot, err := oneIndex(op.ty, op.indices, at)
	if err != nil {
		return UavRef{}, err
	}
	return UavRef{Slot: slot}, nil
}

func decodeSample(r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	coord, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	tex, err := decodeTextureRef(r)
	if err != nil {
		return Instruction{}, err
	}
	samp, err := decodeSamplerRef(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: InstSample, Dst: dst, Srcs: []SrcOperand{coord}, Texture: tex, Sampler: samp}, nil
}

func decodeLd(saturate bool, r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	dst.Saturate = saturate
	coord, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	tex, err := decodeTextureRef(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: InstLd, Dst: dst, Srcs: []SrcOperand{coord}, Texture: tex}, nil
}

// decodeLdStructured decodes `ld_structured dst, addr, byteOffset, resource`
// against either a resource or a UAV operand, emitting the UAV variant of
// the instruction when the resource slot is a UAV: both dialects share this
// opcode's operand shape and are disambiguated purely by operand type, per
// spec §4.4's structural-fallback rule.
func decodeLdStructured(r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	addr, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	offset, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	slot, err := oneIndex(op.ty, op.indices, at)
	if err != nil {
		return Instruction{}, err
	}
	switch op.ty {
	case operandTypeResource:
		return Instruction{Op: InstLdStructured, Dst: dst, Srcs: []SrcOperand{addr, offset}, Buffer: BufferRef{Slot: slot}}, nil
	case operandTypeUnorderedAccessView:
		return Instruction{Op: InstLdStructuredUav, Dst: dst, Srcs: []SrcOperand{addr, offset}, Uav: UavRef{Slot: slot}}, nil
	default:
		return Instruction{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
}

func decodeLdUavTyped(r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	coord, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	uav, err := decodeUavRef(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: InstLdUavTyped, Dst: dst, Srcs: []SrcOperand{coord}, Uav: uav}, nil
}

// decodeStoreRaw decodes `store_raw u#, addr, value`. Per spec §4.4's
// structural-fallback rule, this opcode's operand shape is ambiguous with
// store_uav_typed; refine() upgrades it to InstStoreUavTyped when the same
// module declares the slot as a typed UAV.
func decodeStoreRaw(r *tokenReader) (Instruction, error) {
	uav, err := decodeUavRef(r)
	if err != nil {
		return Instruction{}, err
	}
	addr, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	value, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: InstStoreRaw, Uav: uav, Srcs: []SrcOperand{addr, value}}, nil
}

func decodeStoreStructured(r *tokenReader) (Instruction, error) {
	uav, err := decodeUavRef(r)
	if err != nil {
		return Instruction{}, err
	}
	addr, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	offset, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	value, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: InstStoreStructured, Uav: uav, Srcs: []SrcOperand{addr, offset, value}}, nil
}

func decodeStoreUavTyped(r *tokenReader) (Instruction, error) {
	uav, err := decodeUavRef(r)
	if err != nil {
		return Instruction{}, err
	}
	coord, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	value, err := decodeSrc(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: InstStoreUavTyped, Uav: uav, Srcs: []SrcOperand{coord, value}}, nil
}

// decodeBufInfo decodes `bufinfo dst, resource|uav`, emitting the raw
// variant; refine() upgrades it to the structured variant (with the
// recovered stride) when the same module declares the slot as structured.
func decodeBufInfo(r *tokenReader) (Instruction, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Instruction{}, err
	}
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return Instruction{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Instruction{}, err
	}
	slot, err := oneIndex(op.ty, op.indices, at)
	if err != nil {
		return Instruction{}, err
	}
	switch op.ty {
	case operandTypeResource:
		return Instruction{Op: InstBufInfoRaw, Dst: dst, Buffer: BufferRef{Slot: slot}}, nil
	case operandTypeUnorderedAccessView:
		return Instruction{Op: InstBufInfoRawUav, Dst: dst, Uav: UavRef{Slot: slot}}, nil
	default:
		return Instruction{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
}

// refine re-parses structurally ambiguous instructions using declarations
// collected in the same module, per spec §4.4: a typed UAV declaration
// upgrades a raw store to a typed store, and structured-vs-raw bufinfo is
// refined to report the correct stride.
func refine(decls []Declaration, instrs []Instruction) {
	srvBuffers := make(map[uint32]Declaration)
	uavBuffers := make(map[uint32]Declaration)
	uavTyped := make(map[uint32]bool)
	for _, d := range decls {
		switch d.Op {
		case DeclResourceStructured, DeclResourceRaw:
			srvBuffers[d.Slot] = d
		case DeclUavStructured, DeclUavRaw:
			uavBuffers[d.Slot] = d
		case DeclUavTyped:
			uavTyped[d.Slot] = true
		}
	}
	if len(srvBuffers) == 0 && len(uavBuffers) == 0 && len(uavTyped) == 0 {
		return
	}
	for i := range instrs {
		inst := &instrs[i]
		switch inst.Op {
		case InstBufInfoRaw:
			if d, ok := srvBuffers[inst.Buffer.Slot]; ok && d.Op == DeclResourceStructured && d.Stride != 0 {
				inst.Op = InstBufInfoStructured
				inst.StrideBytes = d.Stride
			}
		case InstBufInfoRawUav:
			if d, ok := uavBuffers[inst.Uav.Slot]; ok && d.Op == DeclUavStructured && d.Stride != 0 {
				inst.Op = InstBufInfoStructuredUav
				inst.StrideBytes = d.Stride
			}
		case InstStoreRaw:
			if uavTyped[inst.Uav.Slot] {
				inst.Op = InstStoreUavTyped
			}
		}
	}
}
