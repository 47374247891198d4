package cpu

// decode is the top-level opcode dispatch: it consumes whatever additional
// bytes (ModR/M, SIB, displacement, immediate) the opcode requires and
// populates d.mnemonic plus whatever of d.dst/d.src/d.imm/d.rel/d.cc/
// d.width/d.sub the chosen mnemonic's handler expects. It must not mutate
// architectural state (GPRs/flags/memory data) — only the instruction
// stream is consumed here; semantics run in the handler.
func (e *Executor) decode(d *decodeCtx, opcode []byte) error {
	if len(opcode) == 2 && opcode[0] == 0x0F {
		return e.decode0F(d, opcode[1])
	}
	op := opcode[0]

	switch {
	case op <= 0x3D && op&0xC0 == 0x00 && (op&7) <= 5 && op != 0x0F:
		return e.decodeArithBlock(d, op)
	}

	switch op {
	case 0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57:
		return e.decodePushReg(d, op-0x50)
	case 0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F:
		return e.decodePopReg(d, op-0x58)
	case 0x60:
		if e.S.Mode == ModeLong {
			return ErrInvalidOpcode
		}
		d.mnemonic = "PUSHA"
		return nil
	case 0x61:
		if e.S.Mode == ModeLong {
			return ErrInvalidOpcode
		}
		d.mnemonic = "POPA"
		return nil
	case 0x68:
		return e.decodePushImm(d, d.operandBits)
	case 0x6A:
		return e.decodePushImm(d, 8)
	case 0x69:
		return e.decodeIMulImm(d, d.immBits())
	case 0x6B:
		return e.decodeIMulImm(d, 8)
	case 0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x76, 0x77,
		0x78, 0x79, 0x7A, 0x7B, 0x7C, 0x7D, 0x7E, 0x7F:
		return e.decodeJccShort(d, int(op-0x70))
	case 0x80:
		return e.decodeGroup1(d, 8, 8)
	case 0x81:
		return e.decodeGroup1(d, d.operandBits, d.immBits())
	case 0x83:
		return e.decodeGroup1(d, d.operandBits, 8)
	case 0x84:
		return e.decodeTest(d, 8)
	case 0x85:
		return e.decodeTest(d, d.operandBits)
	case 0x86, 0x87:
		return e.decodeXchg(d, d.widthOf(op))
	case 0x88, 0x89, 0x8A, 0x8B:
		return e.decodeMovRM(d, op)
	case 0x8D:
		return e.decodeLea(d)
	case 0x90:
		d.mnemonic = "NOP"
		return nil
	case 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97:
		return e.decodeXchgAcc(d, op-0x90)
	case 0xA4, 0xA5:
		return e.decodeString(d, "MOVS", d.widthOf(op))
	case 0xA6, 0xA7:
		return e.decodeString(d, "CMPS", d.widthOf(op))
	case 0xAA, 0xAB:
		return e.decodeString(d, "STOS", d.widthOf(op))
	case 0xAC, 0xAD:
		return e.decodeString(d, "LODS", d.widthOf(op))
	case 0xAE, 0xAF:
		return e.decodeString(d, "SCAS", d.widthOf(op))
	case 0xA8:
		return e.decodeTestAcc(d, 8)
	case 0xA9:
		return e.decodeTestAcc(d, d.operandBits)
	case 0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7:
		return e.decodeMovRegImm(d, op-0xB0, 8)
	case 0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF:
		return e.decodeMovRegImm(d, op-0xB8, d.operandBits)
	case 0xC0, 0xC1:
		return e.decodeShiftGroup(d, d.widthOf(op), true)
	case 0xC2:
		return e.decodeRet(d, "RET", true, false)
	case 0xC3:
		return e.decodeRet(d, "RET", false, false)
	case 0xC6, 0xC7:
		return e.decodeMovImm(d, d.widthOf(op))
	case 0xC9:
		d.mnemonic = "LEAVE"
		return nil
	case 0xCA:
		return e.decodeRet(d, "RETF", true, true)
	case 0xCB:
		return e.decodeRet(d, "RETF", false, true)
	case 0xCC:
		d.mnemonic = "INT3"
		return nil
	case 0xCD:
		b, err := d.fetch8()
		if err != nil {
			return err
		}
		d.imm = uint64(b)
		d.mnemonic = "INT"
		return nil
	case 0xCF:
		d.mnemonic = "IRET"
		return nil
	case 0xD0, 0xD1:
		return e.decodeShiftGroup(d, d.widthOf(op), false)
	case 0xD2, 0xD3:
		return e.decodeShiftGroupCL(d, d.widthOf(op))
	case 0xE0, 0xE1, 0xE2, 0xE3:
		return e.decodeLoop(d, op)
	case 0xE8:
		return e.decodeCallNear(d)
	case 0xE9:
		return e.decodeJmpNear(d, d.operandBits)
	case 0xEB:
		return e.decodeJmpNear(d, 8)
	case 0xF4:
		d.mnemonic = "HLT"
		return nil
	case 0xF5:
		d.mnemonic = "CMC"
		return nil
	case 0xF6, 0xF7:
		return e.decodeGroup3(d, d.widthOf(op))
	case 0xF8:
		d.mnemonic = "CLC"
		return nil
	case 0xF9:
		d.mnemonic = "STC"
		return nil
	case 0xFA:
		d.mnemonic = "CLI"
		return nil
	case 0xFB:
		d.mnemonic = "STI"
		return nil
	case 0xFC:
		d.mnemonic = "CLD"
		return nil
	case 0xFD:
		d.mnemonic = "STD"
		return nil
	case 0xFE:
		return e.decodeGroup45(d, 8)
	case 0xFF:
		return e.decodeGroup45(d, d.operandBits)
	}
	return ErrInvalidOpcode
}

func (e *Executor) decode0F(d *decodeCtx, op2 byte) error {
	switch {
	case op2 >= 0x40 && op2 <= 0x4F:
		return e.decodeCMovcc(d, int(op2-0x40))
	case op2 >= 0x80 && op2 <= 0x8F:
		return e.decodeJccNear(d, int(op2-0x80))
	case op2 >= 0x90 && op2 <= 0x9F:
		return e.decodeSetcc(d, int(op2-0x90))
	}
	switch op2 {
	case 0x01:
		return e.decode0F01(d)
	case 0x06:
		d.mnemonic = "CLTS"
		return nil
	case 0x30:
		d.mnemonic = "WRMSR"
		return nil
	case 0x31:
		d.mnemonic = "RDTSC"
		return nil
	case 0x32:
		d.mnemonic = "RDMSR"
		return nil
	case 0xA2:
		d.mnemonic = "CPUID"
		return nil
	case 0xAF:
		return e.decodeIMulRM(d)
	}
	return ErrInvalidOpcode
}

func (e *Executor) decode0F01(d *decodeCtx) error {
	mb, err := d.fetch8()
	if err != nil {
		return err
	}
	d.mod = mb >> 6
	d.regF = (mb >> 3) & 7
	d.rm = mb & 7
	if d.mod == 3 && d.regF == 7 && d.rm == 1 {
		d.mnemonic = "RDTSCP"
		return nil
	}
	// Re-decode as a full ModR/M (memory form) for LGDT/LIDT.
	if d.mod == 3 {
		return unimplemented("0F01", 0x0F, 0x01)
	}
	seg := segOr(d.segOverride, SegDS)
	switch d.addressBits {
	case 16:
		if err := d.decodeModRM16(seg); err != nil {
			return err
		}
	default:
		if err := d.decodeModRM32or64(seg); err != nil {
			return err
		}
	}
	d.dst = d.rmOperand
	switch d.regF {
	case 2:
		d.mnemonic = "LGDT"
	case 3:
		d.mnemonic = "LIDT"
	case 0:
		d.mnemonic = "SGDT"
	case 1:
		d.mnemonic = "SIDT"
	default:
		return unimplemented("0F01", 0x0F, 0x01)
	}
	return nil
}

// widthOf returns 8 for the byte form of a w-bit-selected opcode pair
// (even opcode) or the decoded operand width for the wide form (odd
// opcode) — the standard x86 Eb/Ev encoding convention.
func (d *decodeCtx) widthOf(opcode byte) uint8 {
	if opcode&1 == 0 {
		return 8
	}
	return d.operandBits
}
