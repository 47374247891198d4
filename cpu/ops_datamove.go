package cpu

func init() {
	registerHandler("MOV", movHandler)
	registerHandler("LEA", leaHandler)
	registerHandler("XCHG", xchgHandler)
	registerHandler("PUSH", pushHandler)
	registerHandler("POP", popHandler)
	registerHandler("PUSHA", pushaHandler)
	registerHandler("POPA", popaHandler)
	registerHandler("LEAVE", leaveHandler)
	registerHandler("NOP", func(e *Executor, d *decodeCtx) error { return nil })
}

func movHandler(e *Executor, d *decodeCtx) error {
	v, err := e.readOperand(d.src)
	if err != nil {
		return err
	}
	return e.writeOperand(d.dst, v&sizeMask(d.dst.Bits))
}

func leaHandler(e *Executor, d *decodeCtx) error {
	return e.writeOperand(d.dst, d.src.Addr&sizeMask(d.dst.Bits))
}

func xchgHandler(e *Executor, d *decodeCtx) error {
	a, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	b, err := e.readOperand(d.src)
	if err != nil {
		return err
	}
	if err := e.writeOperand(d.dst, b); err != nil {
		return err
	}
	return e.writeOperand(d.src, a)
}

// stackWidth returns the push/pop operand width: 64 in long mode (stack
// slots are always 8 bytes there regardless of operand-size prefix), else
// the decoded operand width.
func stackWidth(e *Executor, d *decodeCtx) uint8 {
	if e.S.Mode == ModeLong {
		return 64
	}
	return d.operandBits
}

func pushHandler(e *Executor, d *decodeCtx) error {
	v, err := e.readOperand(d.src)
	if err != nil {
		return err
	}
	bits := stackWidth(e, d)
	bytes := uint64(bits / 8)
	sp := e.S.GPR[RegRSP] - bytes
	addr := e.gateA20(e.S.Seg[SegSS].Base + (sp & sizeMask(addrWidth(e))))
	if err := writeMemWidth(e, addr, v, bits); err != nil {
		return err
	}
	e.S.GPR[RegRSP] = sp
	return nil
}

func popHandler(e *Executor, d *decodeCtx) error {
	bits := stackWidth(e, d)
	bytes := uint64(bits / 8)
	sp := e.S.GPR[RegRSP]
	addr := e.gateA20(e.S.Seg[SegSS].Base + (sp & sizeMask(addrWidth(e))))
	v, err := readMemWidth(e, addr, bits)
	if err != nil {
		return err
	}
	e.S.GPR[RegRSP] = sp + bytes
	return e.writeOperand(d.dst, v)
}

func addrWidth(e *Executor) uint8 {
	switch e.S.Mode {
	case ModeReal:
		return 16
	case ModeProtected:
		return 32
	default:
		return 64
	}
}

func readMemWidth(e *Executor, addr uint64, bits uint8) (uint64, error) {
	switch bits {
	case 8:
		v, err := e.Mem.ReadU8(addr)
		return uint64(v), err
	case 16:
		v, err := e.Mem.ReadU16(addr)
		return uint64(v), err
	case 32:
		v, err := e.Mem.ReadU32(addr)
		return uint64(v), err
	default:
		return e.Mem.ReadU64(addr)
	}
}

func writeMemWidth(e *Executor, addr uint64, v uint64, bits uint8) error {
	switch bits {
	case 8:
		return e.Mem.WriteU8(addr, uint8(v))
	case 16:
		return e.Mem.WriteU16(addr, uint16(v))
	case 32:
		return e.Mem.WriteU32(addr, uint32(v))
	default:
		return e.Mem.WriteU64(addr, v)
	}
}

var pushaOrder = [8]int{RegRAX, RegRCX, RegRDX, RegRBX, RegRSP, RegRBP, RegRSI, RegRDI}

func pushaHandler(e *Executor, d *decodeCtx) error {
	bits := d.operandBits
	bytes := uint64(bits / 8)
	origSP := e.S.GPR[RegRSP]
	sp := origSP
	for _, r := range pushaOrder {
		v := origSP
		if r != RegRSP {
			v = e.S.ReadGPR(r, bits, false)
		}
		sp -= bytes
		addr := e.gateA20(e.S.Seg[SegSS].Base + (sp & sizeMask(addrWidth(e))))
		if err := writeMemWidth(e, addr, v, bits); err != nil {
			return err
		}
	}
	e.S.GPR[RegRSP] = sp
	return nil
}

func popaHandler(e *Executor, d *decodeCtx) error {
	bits := d.operandBits
	bytes := uint64(bits / 8)
	sp := e.S.GPR[RegRSP]
	for i := len(pushaOrder) - 1; i >= 0; i-- {
		r := pushaOrder[i]
		addr := e.gateA20(e.S.Seg[SegSS].Base + (sp & sizeMask(addrWidth(e))))
		v, err := readMemWidth(e, addr, bits)
		if err != nil {
			return err
		}
		sp += bytes
		if r != RegRSP {
			e.S.WriteGPR(r, v, bits, false)
		}
	}
	e.S.GPR[RegRSP] = sp
	return nil
}

func leaveHandler(e *Executor, d *decodeCtx) error {
	bits := addrWidth(e)
	e.S.GPR[RegRSP] = e.S.GPR[RegRBP]
	stkBits := stackWidth(e, d)
	addr := e.gateA20(e.S.Seg[SegSS].Base + (e.S.GPR[RegRSP] & sizeMask(bits)))
	v, err := readMemWidth(e, addr, stkBits)
	if err != nil {
		return err
	}
	e.S.GPR[RegRSP] += uint64(stkBits / 8)
	e.S.WriteGPR(RegRBP, v, stkBits, e.cur.hasREX)
	return nil
}
