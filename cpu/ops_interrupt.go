package cpu

func init() {
	registerHandler("INT", intHandler)
	registerHandler("INT3", int3Handler)
	registerHandler("IRET", iretHandler)
	registerHandler("LGDT", lgdtHandler)
	registerHandler("LIDT", lidtHandler)
	registerHandler("SGDT", sgdtHandler)
	registerHandler("SIDT", sidtHandler)
}

func intHandler(e *Executor, d *decodeCtx) error {
	return e.deliverInterrupt(uint8(d.imm))
}

func int3Handler(e *Executor, d *decodeCtx) error {
	return e.deliverInterrupt(3)
}

// deliverInterrupt implements spec §4.1 "Interrupts": a mode-appropriate
// frame push followed by a jump through the vector table, with RIP already
// advanced past the INT/INT3 instruction by the caller (Step commits
// next_ip only if the handler didn't branch, so we explicitly branch here
// using next_ip as the return address).
func (e *Executor) deliverInterrupt(v uint8) error {
	d := e.cur
	nextIP := (d.instrStart + uint64(d.len)) & e.S.ipMask()
	e.S.MaterializeFlags()

	switch e.S.Mode {
	case ModeReal:
		sp := e.S.GPR[RegRSP]
		push16 := func(val uint16) error {
			sp -= 2
			return e.Mem.WriteU16(e.gateA20(e.S.Seg[SegSS].Base+(sp&0xFFFF)), val)
		}
		if err := push16(uint16(e.S.Flags)); err != nil {
			return err
		}
		if err := push16(e.S.Seg[SegCS].Selector); err != nil {
			return err
		}
		if err := push16(uint16(nextIP)); err != nil {
			return err
		}
		e.S.GPR[RegRSP] = sp
		e.S.SetFlag(FlagIF, false)
		e.S.SetFlag(FlagTF, false)
		addr := e.gateA20(uint64(v) * 4)
		ipLo, err := e.Mem.ReadU16(addr)
		if err != nil {
			return err
		}
		csLo, err := e.Mem.ReadU16(addr + 2)
		if err != nil {
			return err
		}
		if err := e.loadSegment(SegCS, csLo); err != nil {
			return err
		}
		branchTo(e, uint64(ipLo), d)
		return nil

	case ModeProtected:
		gate := e.S.IDTR.Base + uint64(v)*8
		lo, err := e.Mem.ReadU32(gate)
		if err != nil {
			return err
		}
		hi, err := e.Mem.ReadU32(gate + 4)
		if err != nil {
			return err
		}
		if hi&0x8000 == 0 {
			return unimplemented("IDT gate not present", byte(v))
		}
		selector := uint16(lo >> 16)
		offset := uint64(lo&0xFFFF) | uint64(hi&0xFFFF0000)
		gateType := (hi >> 8) & 0x1F
		if err := pushReturnAddr32(e, uint32(e.S.Flags)); err != nil {
			return err
		}
		if err := pushReturnAddr32(e, uint32(e.S.Seg[SegCS].Selector)); err != nil {
			return err
		}
		if err := pushReturnAddr32(e, uint32(nextIP)); err != nil {
			return err
		}
		if gateType == 0x0E { // 32-bit interrupt gate
			e.S.SetFlag(FlagIF, false)
		}
		if err := e.loadSegment(SegCS, selector); err != nil {
			return err
		}
		branchTo(e, offset, d)
		return nil

	default: // ModeLong
		gate := e.S.IDTR.Base + uint64(v)*16
		lo, err := e.Mem.ReadU32(gate)
		if err != nil {
			return err
		}
		mid, err := e.Mem.ReadU32(gate + 4)
		if err != nil {
			return err
		}
		hi, err := e.Mem.ReadU32(gate + 8)
		if err != nil {
			return err
		}
		if mid&0x8000 == 0 {
			return unimplemented("IDT gate not present", byte(v))
		}
		selector := uint16(lo >> 16)
		offset := uint64(lo&0xFFFF) | uint64(mid&0xFFFF0000) | uint64(hi)<<32
		gateType := (mid >> 8) & 0x1F
		if err := pushReturnAddr(e, e.S.Flags); err != nil {
			return err
		}
		if err := pushReturnAddr(e, uint64(e.S.Seg[SegCS].Selector)); err != nil {
			return err
		}
		if err := pushReturnAddr(e, nextIP); err != nil {
			return err
		}
		if gateType == 0x0E {
			e.S.SetFlag(FlagIF, false)
		}
		if err := e.loadSegment(SegCS, selector); err != nil {
			return err
		}
		branchTo(e, offset, d)
		return nil
	}
}

func pushReturnAddr32(e *Executor, v uint32) error {
	sp := e.S.GPR[RegRSP] - 4
	if err := e.Mem.WriteU32(e.gateA20(e.S.Seg[SegSS].Base+(sp&0xFFFFFFFF)), v); err != nil {
		return err
	}
	e.S.GPR[RegRSP] = sp
	return nil
}

// iretHandler reverses deliverInterrupt per-mode.
func iretHandler(e *Executor, d *decodeCtx) error {
	switch e.S.Mode {
	case ModeReal:
		sp := e.S.GPR[RegRSP]
		pop16 := func() (uint16, error) {
			v, err := e.Mem.ReadU16(e.gateA20(e.S.Seg[SegSS].Base + (sp & 0xFFFF)))
			sp += 2
			return v, err
		}
		ip, err := pop16()
		if err != nil {
			return err
		}
		cs, err := pop16()
		if err != nil {
			return err
		}
		flags, err := pop16()
		if err != nil {
			return err
		}
		e.S.GPR[RegRSP] = sp
		if err := e.loadSegment(SegCS, cs); err != nil {
			return err
		}
		e.S.Flags = (e.S.Flags &^ 0xFFFF) | uint64(flags)
		e.S.Lazy.Valid = false
		branchTo(e, uint64(ip), d)
		return nil
	case ModeProtected:
		ip, err := popReturnAddr32(e)
		if err != nil {
			return err
		}
		cs, err := popReturnAddr32(e)
		if err != nil {
			return err
		}
		flags, err := popReturnAddr32(e)
		if err != nil {
			return err
		}
		if err := e.loadSegment(SegCS, uint16(cs)); err != nil {
			return err
		}
		e.S.Flags = uint64(flags)
		e.S.Lazy.Valid = false
		branchTo(e, uint64(ip), d)
		return nil
	default:
		ip, err := popReturnAddr(e)
		if err != nil {
			return err
		}
		cs, err := popReturnAddr(e)
		if err != nil {
			return err
		}
		flags, err := popReturnAddr(e)
		if err != nil {
			return err
		}
		if err := e.loadSegment(SegCS, uint16(cs)); err != nil {
			return err
		}
		e.S.Flags = flags
		e.S.Lazy.Valid = false
		branchTo(e, ip, d)
		return nil
	}
}

func popReturnAddr32(e *Executor) (uint32, error) {
	sp := e.S.GPR[RegRSP]
	v, err := e.Mem.ReadU32(e.gateA20(e.S.Seg[SegSS].Base + (sp & 0xFFFFFFFF)))
	if err != nil {
		return 0, err
	}
	e.S.GPR[RegRSP] = sp + 4
	return v, nil
}

func lgdtHandler(e *Executor, d *decodeCtx) error {
	limit, base, err := readDTR(e, d.dst)
	if err != nil {
		return err
	}
	e.S.GDTR = DTR{Base: base, Limit: limit}
	return nil
}

func lidtHandler(e *Executor, d *decodeCtx) error {
	limit, base, err := readDTR(e, d.dst)
	if err != nil {
		return err
	}
	e.S.IDTR = DTR{Base: base, Limit: limit}
	return nil
}

func sgdtHandler(e *Executor, d *decodeCtx) error {
	return writeDTR(e, d.dst, e.S.GDTR)
}

func sidtHandler(e *Executor, d *decodeCtx) error {
	return writeDTR(e, d.dst, e.S.IDTR)
}

func readDTR(e *Executor, op Operand) (limit uint16, base uint64, err error) {
	addr := e.gateA20(e.S.Seg[op.Seg].Base + op.Addr)
	lo, err := e.Mem.ReadU16(addr)
	if err != nil {
		return 0, 0, err
	}
	baseBits := uint32(0)
	b32, err := e.Mem.ReadU32(addr + 2)
	if err != nil {
		return 0, 0, err
	}
	baseBits = b32
	base = uint64(baseBits)
	if e.S.Mode == ModeLong {
		hi, err := e.Mem.ReadU32(addr + 6)
		if err != nil {
			return 0, 0, err
		}
		base |= uint64(hi) << 32
	}
	return lo, base, nil
}

func writeDTR(e *Executor, op Operand, dtr DTR) error {
	addr := e.gateA20(e.S.Seg[op.Seg].Base + op.Addr)
	if err := e.Mem.WriteU16(addr, dtr.Limit); err != nil {
		return err
	}
	if err := e.Mem.WriteU32(addr+2, uint32(dtr.Base)); err != nil {
		return err
	}
	if e.S.Mode == ModeLong {
		if err := e.Mem.WriteU32(addr+6, uint32(dtr.Base>>32)); err != nil {
			return err
		}
	}
	return nil
}
