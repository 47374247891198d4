package cpu

func init() {
	registerHandler("ADD", arithHandler)
	registerHandler("ADC", arithHandler)
	registerHandler("SUB", arithHandler)
	registerHandler("SBB", arithHandler)
	registerHandler("CMP", arithHandler)
	registerHandler("OR", logicHandler)
	registerHandler("AND", logicHandler)
	registerHandler("XOR", logicHandler)
	registerHandler("TEST", logicHandler)
	registerHandler("INC", incDecHandler)
	registerHandler("DEC", incDecHandler)
	registerHandler("NOT", notNegHandler)
	registerHandler("NEG", notNegHandler)
	registerHandler("MUL", mulHandler)
	registerHandler("IMUL1", mulHandler)
	registerHandler("DIV", divHandler)
	registerHandler("IDIV", divHandler)
	registerHandler("IMUL2", imul2Handler)
	registerHandler("IMUL3", imul3Handler)
	registerHandler("ROL", shiftRotateHandler)
	registerHandler("ROR", shiftRotateHandler)
	registerHandler("RCL", shiftRotateHandler)
	registerHandler("RCR", shiftRotateHandler)
	registerHandler("SHL", shiftRotateHandler)
	registerHandler("SHR", shiftRotateHandler)
	registerHandler("SAR", shiftRotateHandler)
}

// arithHandler implements ADD/ADC/SUB/SBB/CMP: all share the same lazy-flag
// shape (FlagOpAdd or FlagOpSub), differing only in carry-in and whether the
// result is written back (CMP discards it).
func arithHandler(e *Executor, d *decodeCtx) error {
	lhs, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	rhs, err := e.readOperand(d.src)
	if err != nil {
		return err
	}
	bits := d.dst.Bits
	mask := sizeMask(bits)

	var carryIn uint64
	var op FlagOp
	var result uint64
	switch d.mnemonic {
	case "ADD":
		op = FlagOpAdd
		result = (lhs + rhs) & mask
	case "ADC":
		op = FlagOpAdd
		if e.S.ReadFlag(FlagCF) {
			carryIn = 1
		}
		result = (lhs + rhs + carryIn) & mask
	case "SUB", "CMP":
		op = FlagOpSub
		result = (lhs - rhs) & mask
	case "SBB":
		op = FlagOpSub
		if e.S.ReadFlag(FlagCF) {
			carryIn = 1
		}
		result = (lhs - rhs - carryIn) & mask
	}
	e.S.SetLazyArith(op, carryIn, bits, lhs, rhs, result)
	if d.mnemonic == "CMP" {
		return nil
	}
	return e.writeOperand(d.dst, result)
}

// logicHandler implements OR/AND/XOR/TEST: CF=OF=0, AF undefined (modeled as
// 0), ZF/SF/PF from the result. TEST discards the result.
func logicHandler(e *Executor, d *decodeCtx) error {
	lhs, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	rhs, err := e.readOperand(d.src)
	if err != nil {
		return err
	}
	bits := d.dst.Bits
	mask := sizeMask(bits)
	var result uint64
	switch d.mnemonic {
	case "OR":
		result = (lhs | rhs) & mask
	case "AND", "TEST":
		result = (lhs & rhs) & mask
	case "XOR":
		result = (lhs ^ rhs) & mask
	}
	e.S.SetLazyArith(FlagOpLogic, 0, bits, lhs, rhs, result)
	if d.mnemonic == "TEST" {
		return nil
	}
	return e.writeOperand(d.dst, result)
}

// incDecHandler implements INC/DEC, which update ZF/SF/OF/AF/PF but leave CF
// untouched — handled by materializing first, then patching the one flag.
func incDecHandler(e *Executor, d *decodeCtx) error {
	v, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	bits := d.dst.Bits
	mask := sizeMask(bits)
	cf := e.S.ReadFlag(FlagCF)
	var result uint64
	var op FlagOp
	var rhs uint64 = 1
	if d.mnemonic == "INC" {
		op = FlagOpAdd
		result = (v + 1) & mask
	} else {
		op = FlagOpSub
		result = (v - 1) & mask
	}
	e.S.SetLazyArith(op, 0, bits, v, rhs, result)
	e.S.MaterializeFlags()
	e.S.SetFlag(FlagCF, cf)
	return e.writeOperand(d.dst, result)
}

func notNegHandler(e *Executor, d *decodeCtx) error {
	v, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	bits := d.dst.Bits
	mask := sizeMask(bits)
	if d.mnemonic == "NOT" {
		return e.writeOperand(d.dst, (^v)&mask)
	}
	result := (-v) & mask
	e.S.SetLazyArith(FlagOpSub, 0, bits, 0, v, result)
	e.S.MaterializeFlags()
	e.S.SetFlag(FlagCF, v != 0)
	return e.writeOperand(d.dst, result)
}

// mulHandler implements unsigned MUL and one-operand signed IMUL, writing the
// double-width product into AX/DX:AX/EDX:EAX/RDX:RAX and setting CF=OF to the
// overflow-into-upper-half indicator.
func mulHandler(e *Executor, d *decodeCtx) error {
	src, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	bits := d.dst.Bits
	mask := sizeMask(bits)

	if d.mnemonic == "MUL" {
		a := e.S.ReadGPR(RegRAX, bits, e.cur.hasREX) & mask
		full := a * src
		lo := full & mask
		hi := (full >> bits) & mask
		writeWideAcc(e, bits, lo, hi)
		overflow := hi != 0
		e.S.SetFlag(FlagCF, overflow)
		e.S.SetFlag(FlagOF, overflow)
		e.S.Lazy.Valid = false
		return nil
	}
	// IMUL1: signed.
	a := signExtend(e.S.ReadGPR(RegRAX, bits, e.cur.hasREX), bits)
	s := signExtend(src, bits)
	full := a * s
	lo := uint64(full) & mask
	hi := (uint64(full) >> bits) & mask
	writeWideAcc(e, bits, lo, hi)
	extended := signExtend(lo, bits) == full
	e.S.SetFlag(FlagCF, !extended)
	e.S.SetFlag(FlagOF, !extended)
	e.S.Lazy.Valid = false
	return nil
}

func writeWideAcc(e *Executor, bits uint8, lo, hi uint64) {
	switch bits {
	case 8:
		e.S.WriteGPR(RegRAX, (hi<<8)|lo, 16, false)
	case 16:
		e.S.WriteGPR(RegRAX, lo, 16, false)
		e.S.WriteGPR(RegRDX, hi, 16, false)
	case 32:
		e.S.WriteGPR(RegRAX, lo, 32, false)
		e.S.WriteGPR(RegRDX, hi, 32, false)
	default:
		e.S.WriteGPR(RegRAX, lo, 64, false)
		e.S.WriteGPR(RegRDX, hi, 64, false)
	}
}

func signExtend(v uint64, bits uint8) int64 {
	switch bits {
	case 8:
		return int64(int8(v))
	case 16:
		return int64(int16(v))
	case 32:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func divHandler(e *Executor, d *decodeCtx) error {
	divisor, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	bits := d.dst.Bits
	mask := sizeMask(bits)
	if divisor&mask == 0 {
		return ErrDivideError
	}
	if d.mnemonic == "DIV" {
		dividend := wideAcc(e, bits)
		q := dividend / (divisor & mask)
		r := dividend % (divisor & mask)
		if q > mask {
			return ErrDivideError
		}
		writeWideAcc(e, bits, q, 0)
		if bits == 8 {
			e.S.WriteGPR(RegRAX, (e.S.ReadGPR(RegRAX, 16, false)&^0xFF00)|((r&0xFF)<<8), 16, false)
		} else {
			e.S.WriteGPR(RegRDX, r, bits, false)
		}
		e.S.Lazy.Valid = false
		return nil
	}
	dividend := int64(wideAcc(e, bits))
	div := signExtend(divisor, bits)
	q := dividend / div
	r := dividend % div
	if q > int64(mask>>1) || q < -int64(mask>>1)-1 {
		return ErrDivideError
	}
	if bits == 8 {
		e.S.WriteGPR(RegRAX, (uint64(q)&0xFF)|((uint64(r)&0xFF)<<8), 16, false)
	} else {
		e.S.WriteGPR(RegRAX, uint64(q), bits, false)
		e.S.WriteGPR(RegRDX, uint64(r), bits, false)
	}
	e.S.Lazy.Valid = false
	return nil
}

func wideAcc(e *Executor, bits uint8) uint64 {
	switch bits {
	case 8:
		return e.S.ReadGPR(RegRAX, 16, false)
	case 16:
		return (e.S.ReadGPR(RegRDX, 16, false) << 16) | e.S.ReadGPR(RegRAX, 16, false)
	case 32:
		return (e.S.ReadGPR(RegRDX, 32, false) << 32) | e.S.ReadGPR(RegRAX, 32, false)
	default:
		return e.S.ReadGPR(RegRAX, 64, false) // RDX:RAX 128-bit div unsupported; 64-bit dividend only
	}
}

func imul2Handler(e *Executor, d *decodeCtx) error {
	return imulMultiply(e, d, d.dst, d.src)
}

func imul3Handler(e *Executor, d *decodeCtx) error {
	src, err := e.readOperand(d.src)
	if err != nil {
		return err
	}
	bits := d.dst.Bits
	s := signExtend(src, bits)
	im := signExtend(d.imm, bits)
	full := s * im
	result := uint64(full) & sizeMask(bits)
	extended := signExtend(result, bits) == full
	e.S.SetFlag(FlagCF, !extended)
	e.S.SetFlag(FlagOF, !extended)
	e.S.Lazy.Valid = false
	return e.writeOperand(d.dst, result)
}

func imulMultiply(e *Executor, d *decodeCtx, dst, src Operand) error {
	a, err := e.readOperand(dst)
	if err != nil {
		return err
	}
	b, err := e.readOperand(src)
	if err != nil {
		return err
	}
	bits := dst.Bits
	sa := signExtend(a, bits)
	sb := signExtend(b, bits)
	full := sa * sb
	result := uint64(full) & sizeMask(bits)
	extended := signExtend(result, bits) == full
	e.S.SetFlag(FlagCF, !extended)
	e.S.SetFlag(FlagOF, !extended)
	e.S.Lazy.Valid = false
	return e.writeOperand(dst, result)
}

// shiftRotateHandler implements the shift/rotate group (ROL/ROR/RCL/RCR/
// SHL/SHR/SAR). Per spec, the count is masked to 5 bits (6 in 64-bit width)
// before use, and OF is only defined (and only set) when the masked count
// equals exactly 1.
func shiftRotateHandler(e *Executor, d *decodeCtx) error {
	v, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	bits := d.dst.Bits
	mask := sizeMask(bits)

	var count uint64
	if d.src.Kind == opReg {
		count, _ = e.readOperand(d.src)
	} else {
		count = d.imm
	}
	countMask := uint64(0x1F)
	if bits == 64 {
		countMask = 0x3F
	}
	count &= countMask
	if count == 0 {
		return nil
	}

	var result uint64
	var cf bool
	switch d.mnemonic {
	case "SHL":
		wide := v << count
		result = wide & mask
		cf = (wide>>(bits-1))&1 != 0
		if count <= uint64(bits) {
			cf = ((v << (count - 1)) & (uint64(1) << (bits - 1))) != 0
		}
	case "SHR":
		cf = count > 0 && (v>>(count-1))&1 != 0
		result = (v & mask) >> count
	case "SAR":
		sv := signExtend(v, bits)
		cf = count > 0 && (v>>(count-1))&1 != 0
		result = uint64(sv>>count) & mask
	case "ROL":
		n := uint64(bits)
		c := count % n
		result = ((v << c) | (v >> (n - c))) & mask
		cf = result&1 != 0
	case "ROR":
		n := uint64(bits)
		c := count % n
		result = ((v >> c) | (v << (n - c))) & mask
		cf = (result>>(bits-1))&1 != 0
	case "RCL":
		n := uint64(bits) + 1
		c := count % n
		cfIn := uint64(0)
		if e.S.ReadFlag(FlagCF) {
			cfIn = 1
		}
		wide := (v & mask) | (cfIn << bits)
		for i := uint64(0); i < c; i++ {
			top := (wide >> bits) & 1
			wide = ((wide << 1) | top) & ((mask << 1) | 1)
		}
		result = wide & mask
		cf = (wide>>bits)&1 != 0
	case "RCR":
		cfIn := uint64(0)
		if e.S.ReadFlag(FlagCF) {
			cfIn = 1
		}
		wide := (v & mask) | (cfIn << bits)
		n := uint64(bits) + 1
		c := count % n
		for i := uint64(0); i < c; i++ {
			bottom := wide & 1
			wide = (wide >> 1) | (bottom << bits)
		}
		result = wide & mask
		cf = (wide>>bits)&1 != 0
	}

	switch d.mnemonic {
	case "SHL", "SHR", "SAR":
		e.S.SetLazyArith(FlagOpLogic, 0, bits, v, 0, result)
	}
	e.S.MaterializeFlags()
	e.S.SetFlag(FlagCF, cf)
	if count == 1 {
		switch d.mnemonic {
		case "SHL":
			of := (result>>(bits-1))&1 != 0 != cf
			e.S.SetFlag(FlagOF, of)
		case "SHR":
			e.S.SetFlag(FlagOF, (v>>(bits-1))&1 != 0)
		case "SAR":
			e.S.SetFlag(FlagOF, false)
		case "ROL":
			e.S.SetFlag(FlagOF, (result>>(bits-1))&1 != 0 != cf)
		case "ROR":
			top := (result >> (bits - 1)) & 1
			second := (result >> (bits - 2)) & 1
			e.S.SetFlag(FlagOF, top != second)
		case "RCL":
			of := (result>>(bits-1))&1 != 0 != cf
			e.S.SetFlag(FlagOF, of)
		case "RCR":
			top := (v >> (bits - 1)) & 1
			e.S.SetFlag(FlagOF, top != 0 != cf)
		}
	}

	return e.writeOperand(d.dst, result)
}
