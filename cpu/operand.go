package cpu

// gateA20 applies the CPU's A20 mask to a linear address before it reaches
// the memory bus, per spec §3/§4.1: every CPU-initiated fetch, operand,
// stack, and string access goes through this mask.
func (e *Executor) gateA20(addr uint64) uint64 {
	return addr & e.S.A20Mask
}

// readOperand resolves an Operand to its value, per spec §4.1's uniform
// read_operand(instr, idx) -> (value, bits) abstraction.
func (e *Executor) readOperand(op Operand) (uint64, error) {
	switch op.Kind {
	case opReg:
		return e.S.ReadGPR(op.Reg, op.Bits, e.cur.hasREX), nil
	case opImm:
		return op.Imm, nil
	case opMem:
		addr := e.gateA20(e.S.Seg[op.Seg].Base + op.Addr)
		switch op.Bits {
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
			v, err := e.Mem.ReadU64(addr)
			return v, err
		}
	default:
		return 0, ErrInvalidOpcode
	}
}

// writeOperand is the symmetric write-back half of readOperand.
func (e *Executor) writeOperand(op Operand, value uint64) error {
	switch op.Kind {
	case opReg:
		e.S.WriteGPR(op.Reg, value, op.Bits, e.cur.hasREX)
		return nil
	case opMem:
		addr := e.gateA20(e.S.Seg[op.Seg].Base + op.Addr)
		switch op.Bits {
		case 8:
			return e.Mem.WriteU8(addr, uint8(value))
		case 16:
			return e.Mem.WriteU16(addr, uint16(value))
		case 32:
			return e.Mem.WriteU32(addr, uint32(value))
		default:
			return e.Mem.WriteU64(addr, value)
		}
	default:
		return ErrInvalidOpcode
	}
}

// loadSegment implements the selector-load helper shared by MOV-to-seg,
// far branches, and interrupt return: in real mode it sets base=selector
// shl 4 without touching the GDT; in protected/long mode it reads an
// 8-byte descriptor from GDTR.base+(selector&^7).
func (e *Executor) loadSegment(seg int, selector uint16) error {
	if e.S.Mode == ModeReal {
		e.S.Seg[seg] = Segment{Selector: selector, Base: uint64(selector) << 4, Limit: 0xFFFF}
		return nil
	}
	tableBase := e.S.GDTR.Base
	idx := uint64(selector &^ 7)
	lo, err := e.Mem.ReadU32(tableBase + idx)
	if err != nil {
		return err
	}
	hi, err := e.Mem.ReadU32(tableBase + idx + 4)
	if err != nil {
		return err
	}
	base := uint64(lo>>16&0xFFFF) | uint64(hi&0xFF)<<16 | uint64(hi>>24&0xFF)<<24
	limitLow := lo & 0xFFFF
	limitHigh := hi & 0xF0000
	limit := limitLow | limitHigh
	attrs := uint16(hi >> 8 & 0xF0FF)
	if attrs&0x8000 != 0 { // G bit: limit is in 4K pages
		limit = limit<<12 | 0xFFF
	}
	if e.S.Mode == ModeLong {
		base |= uint64(hi) << 32 // upper 32 bits only meaningful for system descriptors; harmless for code/data
	}
	if seg == SegCS {
		const typeS, typeExec = 0x10, 0x08
		if attrs&typeS == 0 || attrs&typeExec == 0 {
			return ErrGeneralProtection
		}
	}
	e.S.Seg[seg] = Segment{Selector: selector, Base: base, Limit: limit, Attrs: attrs}
	return nil
}
