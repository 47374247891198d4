package cpu

// arithMnemonics indexes the eight ALU-block mnemonics by their reg-field /
// block-index value (0..7), matching x86's standard block layout.
var arithMnemonics = [8]string{"ADD", "OR", "ADC", "SBB", "AND", "SUB", "XOR", "CMP"}

func (e *Executor) decodeArithBlock(d *decodeCtx, op byte) error {
	block := op >> 3
	form := op & 7
	mnem := arithMnemonics[block]
	d.mnemonic = mnem
	switch form {
	case 0: // Eb, Gb
		if err := d.decodeModRM(); err != nil {
			return err
		}
		d.dst = d.rmOperand
		d.src = d.regOperand(8)
		d.dst.Bits, d.src.Bits = 8, 8
	case 1: // Ev, Gv
		if err := d.decodeModRM(); err != nil {
			return err
		}
		d.dst = d.rmOperand
		d.src = d.regOperand(d.operandBits)
	case 2: // Gb, Eb
		if err := d.decodeModRM(); err != nil {
			return err
		}
		d.dst = d.regOperand(8)
		d.src = d.rmOperand
		d.src.Bits = 8
	case 3: // Gv, Ev
		if err := d.decodeModRM(); err != nil {
			return err
		}
		d.dst = d.regOperand(d.operandBits)
		d.src = d.rmOperand
	case 4: // AL, Ib
		b, err := d.fetch8()
		if err != nil {
			return err
		}
		d.dst = Operand{Kind: opReg, Reg: RegRAX, Bits: 8}
		d.src = Operand{Kind: opImm, Imm: uint64(b), Bits: 8}
	case 5: // eAX, Iz
		imm, err := d.fetchImm(d.immBits())
		if err != nil {
			return err
		}
		d.dst = Operand{Kind: opReg, Reg: RegRAX, Bits: d.operandBits}
		d.src = Operand{Kind: opImm, Imm: imm, Bits: d.operandBits}
	}
	return nil
}

// fetchImm reads and sign-extends an immediate of the given bit width.
func (d *decodeCtx) fetchImm(bits uint8) (uint64, error) {
	switch bits {
	case 8:
		v, err := d.fetch8()
		return uint64(int64(int8(v))), err
	case 16:
		v, err := d.fetch16()
		return uint64(int64(int16(v))), err
	case 32:
		v, err := d.fetch32()
		return uint64(int64(int32(v))), err
	default:
		return d.fetch64()
	}
}

func (e *Executor) decodePushReg(d *decodeCtx, lowBits byte) error {
	bits := d.operandBits
	if e.S.Mode == ModeLong {
		bits = 64
	}
	d.mnemonic = "PUSH"
	d.src = Operand{Kind: opReg, Reg: d.extReg(lowBits, d.rexB), Bits: bits}
	return nil
}

func (e *Executor) decodePopReg(d *decodeCtx, lowBits byte) error {
	bits := d.operandBits
	if e.S.Mode == ModeLong {
		bits = 64
	}
	d.mnemonic = "POP"
	d.dst = Operand{Kind: opReg, Reg: d.extReg(lowBits, d.rexB), Bits: bits}
	return nil
}

func (e *Executor) decodePushImm(d *decodeCtx, bits uint8) error {
	imm, err := d.fetchImm(bits)
	if err != nil {
		return err
	}
	d.mnemonic = "PUSH"
	d.src = Operand{Kind: opImm, Imm: imm, Bits: d.operandBits}
	return nil
}

func (e *Executor) decodeIMulImm(d *decodeCtx, immBits uint8) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	imm, err := d.fetchImm(immBits)
	if err != nil {
		return err
	}
	d.dst = d.regOperand(d.operandBits)
	d.src = d.rmOperand
	d.imm = imm
	d.mnemonic = "IMUL3"
	return nil
}

func (e *Executor) decodeIMulRM(d *decodeCtx) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.dst = d.regOperand(d.operandBits)
	d.src = d.rmOperand
	d.mnemonic = "IMUL2"
	return nil
}

func (e *Executor) decodeJccShort(d *decodeCtx, cc int) error {
	b, err := d.fetch8()
	if err != nil {
		return err
	}
	d.cc = cc
	d.rel = int64(int8(b))
	d.mnemonic = "Jcc"
	return nil
}

func (e *Executor) decodeJccNear(d *decodeCtx, cc int) error {
	v, err := d.fetchImm(d.immBits())
	if err != nil {
		return err
	}
	d.cc = cc
	d.rel = int64(v)
	d.mnemonic = "Jcc"
	return nil
}

func (e *Executor) decodeSetcc(d *decodeCtx, cc int) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.dst = d.rmOperand
	d.dst.Bits = 8
	d.cc = cc
	d.mnemonic = "SETcc"
	return nil
}

func (e *Executor) decodeCMovcc(d *decodeCtx, cc int) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.dst = d.regOperand(d.operandBits)
	d.src = d.rmOperand
	d.cc = cc
	d.mnemonic = "CMOVcc"
	return nil
}

func (e *Executor) decodeGroup1(d *decodeCtx, width, immBits uint8) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.rmOperand.Bits = width
	imm, err := d.fetchImm(immBits)
	if err != nil {
		return err
	}
	d.mnemonic = arithMnemonics[d.regF]
	d.dst = d.rmOperand
	d.src = Operand{Kind: opImm, Imm: imm, Bits: width}
	return nil
}

func (e *Executor) decodeTest(d *decodeCtx, width uint8) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.rmOperand.Bits = width
	d.dst = d.rmOperand
	d.src = d.regOperand(width)
	d.mnemonic = "TEST"
	return nil
}

func (e *Executor) decodeTestAcc(d *decodeCtx, width uint8) error {
	imm, err := d.fetchImm(width)
	if err != nil {
		return err
	}
	d.dst = Operand{Kind: opReg, Reg: RegRAX, Bits: width}
	d.src = Operand{Kind: opImm, Imm: imm, Bits: width}
	d.mnemonic = "TEST"
	return nil
}

func (e *Executor) decodeXchg(d *decodeCtx, width uint8) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.rmOperand.Bits = width
	d.dst = d.rmOperand
	d.src = d.regOperand(width)
	d.mnemonic = "XCHG"
	return nil
}

func (e *Executor) decodeXchgAcc(d *decodeCtx, lowBits byte) error {
	d.dst = Operand{Kind: opReg, Reg: RegRAX, Bits: d.operandBits}
	d.src = Operand{Kind: opReg, Reg: d.extReg(lowBits, d.rexB), Bits: d.operandBits}
	d.mnemonic = "XCHG"
	return nil
}

func (e *Executor) decodeMovRM(d *decodeCtx, op byte) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	width := d.widthOf(op &^ 2)
	d.rmOperand.Bits = width
	if op&2 != 0 { // Gv,Ev / Gb,Eb (direction bit set: reg is dest)
		d.dst = d.regOperand(width)
		d.src = d.rmOperand
	} else {
		d.dst = d.rmOperand
		d.src = d.regOperand(width)
	}
	d.mnemonic = "MOV"
	return nil
}

func (e *Executor) decodeMovImm(d *decodeCtx, width uint8) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.rmOperand.Bits = width
	immBits := width
	if width == 64 {
		immBits = 32
	}
	imm, err := d.fetchImm(immBits)
	if err != nil {
		return err
	}
	d.dst = d.rmOperand
	d.src = Operand{Kind: opImm, Imm: imm, Bits: width}
	d.mnemonic = "MOV"
	return nil
}

func (e *Executor) decodeMovRegImm(d *decodeCtx, lowBits byte, width uint8) error {
	idx := d.extReg(lowBits, d.rexB)
	imm, err := d.fetchImm(width)
	if err != nil {
		return err
	}
	d.dst = Operand{Kind: opReg, Reg: idx, Bits: width}
	d.src = Operand{Kind: opImm, Imm: imm, Bits: width}
	d.mnemonic = "MOV"
	return nil
}

func (e *Executor) decodeLea(d *decodeCtx) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	if d.rmOperand.Kind != opMem {
		return ErrInvalidOpcode
	}
	d.dst = d.regOperand(d.operandBits)
	d.src = d.rmOperand
	d.mnemonic = "LEA"
	return nil
}

var shiftMnemonics = [8]string{"ROL", "ROR", "RCL", "RCR", "SHL", "SHR", "SHL", "SAR"}

func (e *Executor) decodeShiftGroup(d *decodeCtx, width uint8, hasImm8 bool) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.rmOperand.Bits = width
	d.dst = d.rmOperand
	if hasImm8 {
		b, err := d.fetch8()
		if err != nil {
			return err
		}
		d.imm = uint64(b)
	} else {
		d.imm = 1
	}
	d.mnemonic = shiftMnemonics[d.regF]
	d.sub = int(d.regF)
	return nil
}

func (e *Executor) decodeShiftGroupCL(d *decodeCtx, width uint8) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.rmOperand.Bits = width
	d.dst = d.rmOperand
	d.mnemonic = shiftMnemonics[d.regF]
	d.sub = int(d.regF)
	d.src = Operand{Kind: opReg, Reg: RegRCX, Bits: 8}
	return nil
}

var group3Mnemonics = [8]string{"TEST", "TEST", "NOT", "NEG", "MUL", "IMUL1", "DIV", "IDIV"}

func (e *Executor) decodeGroup3(d *decodeCtx, width uint8) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.rmOperand.Bits = width
	d.dst = d.rmOperand
	d.mnemonic = group3Mnemonics[d.regF]
	if d.regF <= 1 {
		imm, err := d.fetchImm(width)
		if err != nil {
			return err
		}
		d.src = Operand{Kind: opImm, Imm: imm, Bits: width}
	}
	return nil
}

func (e *Executor) decodeGroup45(d *decodeCtx, width uint8) error {
	if err := d.decodeModRM(); err != nil {
		return err
	}
	d.rmOperand.Bits = width
	d.dst = d.rmOperand
	switch d.regF {
	case 0:
		d.mnemonic = "INC"
	case 1:
		d.mnemonic = "DEC"
	case 2:
		d.mnemonic = "CALL_IND"
	case 3:
		d.mnemonic = "CALLF_IND"
	case 4:
		d.mnemonic = "JMP_IND"
	case 5:
		d.mnemonic = "JMPF_IND"
	case 6:
		d.mnemonic = "PUSH"
		d.src = d.dst
	default:
		return ErrInvalidOpcode
	}
	return nil
}

func (e *Executor) decodeRet(d *decodeCtx, mnemonic string, hasImm16 bool, far bool) error {
	if hasImm16 {
		v, err := d.fetch16()
		if err != nil {
			return err
		}
		d.imm = uint64(v)
	}
	_ = far
	d.mnemonic = mnemonic
	return nil
}

func (e *Executor) decodeCallNear(d *decodeCtx) error {
	v, err := d.fetchImm(d.immBits())
	if err != nil {
		return err
	}
	d.rel = int64(v)
	d.mnemonic = "CALL"
	return nil
}

func (e *Executor) decodeJmpNear(d *decodeCtx, relBits uint8) error {
	v, err := d.fetchImm(relBits)
	if err != nil {
		return err
	}
	d.rel = int64(v)
	d.mnemonic = "JMP"
	return nil
}

func (e *Executor) decodeLoop(d *decodeCtx, op byte) error {
	b, err := d.fetch8()
	if err != nil {
		return err
	}
	d.rel = int64(int8(b))
	switch op {
	case 0xE0:
		d.mnemonic = "LOOPNE"
	case 0xE1:
		d.mnemonic = "LOOPE"
	case 0xE2:
		d.mnemonic = "LOOP"
	case 0xE3:
		d.mnemonic = "JCXZ"
	}
	return nil
}

// decodeString resolves the element width for a string mnemonic (from the
// opcode's w-bit) and leaves the actual SI/DI stepping to the handler,
// which needs live access to the segment-override/REP state.
func (e *Executor) decodeString(d *decodeCtx, mnemonic string, width uint8) error {
	d.mnemonic = mnemonic
	d.width = width
	return nil
}
