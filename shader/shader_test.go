package shader

import "testing"

func opcodeToken(opcode uint32, length int) uint32 {
	return (opcode & opcodeMask) | uint32(length&0x1FFF)<<opcodeLenShift
}

func opcodeTokenOfficialLen(opcode uint32, officialLen int) uint32 {
	return (opcode & opcodeMask) | uint32(officialLen&0x7F)<<officialLenShift
}

const identitySwizzle = 0xE4 // x,y,z,w packed 2 bits each

func regOperandToken(ty uint32, selMode uint32, componentSel uint32) uint32 {
	return (2 << 0) | (selMode&operandSelectionModeMask)<<operandSelectionModeShift |
		(ty&operandTypeMask)<<operandTypeShift |
		(componentSel&operandComponentSelMask)<<operandComponentSelShift |
		(indexDim1D&operandIndexDimMask)<<operandIndexDimShift
}

func dstOperandTokens(ty uint32, index uint32, mask uint32) []uint32 {
	return []uint32{regOperandToken(ty, selMask, mask), index}
}

func srcOperandTokens(ty uint32, index uint32) []uint32 {
	return []uint32{regOperandToken(ty, selSwizzle, identitySwizzle), index}
}

func predOperandTokens(index uint32, component uint32) []uint32 {
	return []uint32{regOperandToken(operandTypePredicate, selSelect1, component), index}
}

func slotOperandTokens(ty uint32, slot uint32) []uint32 {
	return []uint32{regOperandToken(ty, selMask, 0xF), slot}
}

func buildProgram(body ...[]uint32) *Program {
	toks := []uint32{0x40000, 0}
	for _, b := range body {
		toks = append(toks, b...)
	}
	toks[1] = uint32(len(toks))
	return &Program{Tokens: toks}
}

func instr(opcode uint32, operands ...[]uint32) []uint32 {
	var flat []uint32
	for _, o := range operands {
		flat = append(flat, o...)
	}
	length := 1 + len(flat)
	out := make([]uint32, 0, length)
	out = append(out, opcodeToken(opcode, length))
	out = append(out, flat...)
	return out
}

func TestDialectMismatchDetectedInOpcodeToken(t *testing.T) {
	tok := opcodeTokenOfficialLen(opMov, 3)
	p := buildProgram([]uint32{tok, 0, 0})
	_, err := DecodeProgram(p)
	if err == nil {
		t.Fatal("expected an error for mismatched dialect length fields")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrUnsupportedTokenEncoding {
		t.Fatalf("expected ErrUnsupportedTokenEncoding, got %v", err)
	}
	if de.AtDword != 2 {
		t.Fatalf("expected error at dword 2, got %d", de.AtDword)
	}
}

func TestDeclarationInstructionSplit(t *testing.T) {
	dclTemps := instr(opDclTemps, []uint32{4})
	mov := instr(opMov, dstOperandTokens(operandTypeTemp, 0, 0xF), srcOperandTokens(operandTypeTemp, 1))
	p := buildProgram(dclTemps, mov)

	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Decls) != 1 || m.Decls[0].Op != DeclTemps || m.Decls[0].TempCount != 4 {
		t.Fatalf("unexpected decls: %+v", m.Decls)
	}
	if len(m.Instructions) != 1 || m.Instructions[0].Op != InstMov {
		t.Fatalf("unexpected instructions: %+v", m.Instructions)
	}
}

func TestMovDecodesDstAndSrc(t *testing.T) {
	mov := instr(opMov, dstOperandTokens(operandTypeTemp, 0, 0xF), srcOperandTokens(operandTypeTemp, 1))
	p := buildProgram(mov)

	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(m.Instructions))
	}
	inst := m.Instructions[0]
	if inst.Dst.Reg.Index != 0 || inst.Dst.Mask != WriteMaskXYZW {
		t.Fatalf("unexpected dst: %+v", inst.Dst)
	}
	if len(inst.Srcs) != 1 || inst.Srcs[0].Reg.Index != 1 || inst.Srcs[0].Swizzle != (Swizzle{0, 1, 2, 3}) {
		t.Fatalf("unexpected src: %+v", inst.Srcs[0])
	}
}

func extTestModToken(testVal uint32) uint32 {
	return extModTypeTest | (testVal&extModTestMask)<<extModTestShift
}

func TestIfCComparisonFlowControl(t *testing.T) {
	// test value 4 = Gt, carried by a chained extended opcode modifier token.
	modTok := extTestModToken(4)
	body := []uint32{0, modTok}
	body = append(body, srcOperandTokens(operandTypeTemp, 0)...)
	body = append(body, srcOperandTokens(operandTypeTemp, 1)...)
	body[0] = opcodeToken(opIf, len(body)) | opcodeExtendedBit

	p := buildProgram(body)
	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Instructions) != 1 || m.Instructions[0].Op != InstIfC || m.Instructions[0].Cmp != CmpGt {
		t.Fatalf("unexpected instruction: %+v", m.Instructions)
	}
}

func TestSetPLeadingPredicatePair(t *testing.T) {
	// cmp value 2 = Lt, carried by a chained extended opcode modifier token.
	// Leading pair: gating predicate p1.x, then destination predicate p0.x.
	gate := predOperandTokens(1, 0)
	predDst := predOperandTokens(0, 0)
	a := srcOperandTokens(operandTypeTemp, 0)
	b := srcOperandTokens(operandTypeTemp, 1)
	flat := append(append(append(append([]uint32{}, gate...), predDst...), a...), b...)
	modTok := extTestModToken(2)
	length := 2 + len(flat)
	tok := opcodeToken(opSetP, length) | opcodeExtendedBit
	body := append([]uint32{tok, modTok}, flat...)

	p := buildProgram(body)
	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(m.Instructions))
	}
	inst := m.Instructions[0]
	if inst.Op != InstSetP || inst.Cmp != CmpLt {
		t.Fatalf("unexpected setp decode: %+v", inst)
	}
	if inst.Dst.Reg.Index != 0 {
		t.Fatalf("unexpected setp dst: %+v", inst.Dst)
	}
}

func TestSampleResourceOp(t *testing.T) {
	dst := dstOperandTokens(operandTypeTemp, 0, 0xF)
	coord := srcOperandTokens(operandTypeTemp, 1)
	tex := slotOperandTokens(operandTypeResource, 3)
	samp := slotOperandTokens(operandTypeSampler, 2)
	sample := instr(opSample, dst, coord, tex, samp)

	p := buildProgram(sample)
	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inst := m.Instructions[0]
	if inst.Op != InstSample || inst.Texture.Slot != 3 || inst.Sampler.Slot != 2 {
		t.Fatalf("unexpected sample decode: %+v", inst)
	}
}

func TestBufInfoRefinedToStructured(t *testing.T) {
	dclRes := instr(opDclResourceStructured, slotOperandTokens(operandTypeResource, 1), []uint32{16})
	dst := dstOperandTokens(operandTypeTemp, 0, 0xF)
	res := slotOperandTokens(operandTypeResource, 1)
	bufinfo := instr(opBufInfo, dst, res)

	p := buildProgram(dclRes, bufinfo)
	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Instructions) != 1 || m.Instructions[0].Op != InstBufInfoStructured || m.Instructions[0].StrideBytes != 16 {
		t.Fatalf("expected bufinfo refined to structured with stride 16, got %+v", m.Instructions)
	}
}

func TestStoreRawRefinedToUavTyped(t *testing.T) {
	dclUav := instr(opDclUavTyped, slotOperandTokens(operandTypeUnorderedAccessView, 0))
	uav := slotOperandTokens(operandTypeUnorderedAccessView, 0)
	addr := srcOperandTokens(operandTypeTemp, 0)
	value := srcOperandTokens(operandTypeTemp, 1)
	store := instr(opStoreRaw, uav, addr, value)

	p := buildProgram(dclUav, store)
	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Instructions) != 1 || m.Instructions[0].Op != InstStoreUavTyped {
		t.Fatalf("expected store_raw refined to store_uav_typed, got %+v", m.Instructions)
	}
}

func TestStoreRawStaysRawWithoutTypedUavDecl(t *testing.T) {
	uav := slotOperandTokens(operandTypeUnorderedAccessView, 0)
	addr := srcOperandTokens(operandTypeTemp, 0)
	value := srcOperandTokens(operandTypeTemp, 1)
	store := instr(opStoreRaw, uav, addr, value)

	p := buildProgram(store)
	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Instructions) != 1 || m.Instructions[0].Op != InstStoreRaw {
		t.Fatalf("expected store_raw to remain unrefined, got %+v", m.Instructions)
	}
}

func TestDclThreadGroupRequiresFullPayload(t *testing.T) {
	// dcl_thread_group needs 3 payload dwords; the declared length (2) carries only 1.
	tok := opcodeToken(opDclThreadGroup, 2)
	p := buildProgram([]uint32{tok, 8})
	_, err := DecodeProgram(p)
	if err == nil {
		t.Fatal("expected dcl_thread_group decode failure to abort the whole decode")
	}
}

func TestUnknownDeclarationDowngradesInsteadOfAborting(t *testing.T) {
	badOpcode := uint32(0x1FF) // >= declarationOpcodeMin, not a known declaration
	tok := opcodeToken(badOpcode, 2)
	p := buildProgram([]uint32{tok, 0})

	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("expected non-dcl_thread_group declaration failures to downgrade, got error: %v", err)
	}
	if len(m.Decls) != 1 || m.Decls[0].Op != DeclUnknown {
		t.Fatalf("expected a single DeclUnknown, got %+v", m.Decls)
	}
}

func TestNopAndCustomDataAreNotExecutable(t *testing.T) {
	nop := instr(opNop)
	comment := instr(opCustomData, []uint32{customDataClassComment + 5})
	mov := instr(opMov, dstOperandTokens(operandTypeTemp, 0, 0xF), srcOperandTokens(operandTypeTemp, 1))

	p := buildProgram(nop, comment, mov)
	m, err := DecodeProgram(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Instructions) != 1 || m.Instructions[0].Op != InstMov {
		t.Fatalf("expected only the mov to be executable, got %+v", m.Instructions)
	}
	if len(m.Decls) != 1 || m.Decls[0].Op != DeclCustomData {
		t.Fatalf("expected customdata recorded as a declaration, got %+v", m.Decls)
	}
}

func TestErrorCarriesDwordOffsetForTruncatedOperand(t *testing.T) {
	// mov with a dst operand token but no index dword following it.
	tok := opcodeToken(opMov, 2)
	p := buildProgram([]uint32{tok, regOperandToken(operandTypeTemp, selMask, 0xF)})

	_, err := DecodeProgram(p)
	if err == nil {
		t.Fatal("expected an unexpected-EOF error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
	if de.AtDword != 4 {
		t.Fatalf("expected error at dword 4 (the missing index), got %d", de.AtDword)
	}
}
