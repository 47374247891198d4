package cpu

func init() {
	registerHandler("Jcc", jccHandler)
	registerHandler("SETcc", setccHandler)
	registerHandler("CMOVcc", cmovccHandler)
	registerHandler("JMP", jmpRelHandler)
	registerHandler("CALL", callRelHandler)
	registerHandler("RET", retHandler)
	registerHandler("RETF", retfHandler)
	registerHandler("LOOP", loopHandler)
	registerHandler("LOOPE", loopHandler)
	registerHandler("LOOPNE", loopHandler)
	registerHandler("JCXZ", loopHandler)
	registerHandler("CALL_IND", callIndHandler)
	registerHandler("JMP_IND", jmpIndHandler)
	registerHandler("CALLF_IND", callfIndHandler)
	registerHandler("JMPF_IND", jmpfIndHandler)
	registerHandler("CLI", func(e *Executor, d *decodeCtx) error { e.S.SetFlag(FlagIF, false); return nil })
	registerHandler("STI", func(e *Executor, d *decodeCtx) error { e.S.SetFlag(FlagIF, true); return nil })
	registerHandler("CLD", func(e *Executor, d *decodeCtx) error { e.S.SetFlag(FlagDF, false); return nil })
	registerHandler("STD", func(e *Executor, d *decodeCtx) error { e.S.SetFlag(FlagDF, true); return nil })
	registerHandler("CLC", func(e *Executor, d *decodeCtx) error { e.S.SetFlag(FlagCF, false); return nil })
	registerHandler("STC", func(e *Executor, d *decodeCtx) error { e.S.SetFlag(FlagCF, true); return nil })
	registerHandler("CMC", func(e *Executor, d *decodeCtx) error { e.S.SetFlag(FlagCF, !e.S.ReadFlag(FlagCF)); return nil })
}

// condition evaluates one of the 16 standard x86 condition codes against
// materialized EFLAGS.
func condition(e *Executor, cc int) bool {
	zf := e.S.ReadFlag(FlagZF)
	cf := e.S.ReadFlag(FlagCF)
	sf := e.S.ReadFlag(FlagSF)
	of := e.S.ReadFlag(FlagOF)
	pf := e.S.ReadFlag(FlagPF)
	switch cc {
	case 0: // O
		return of
	case 1: // NO
		return !of
	case 2: // B/C/NAE
		return cf
	case 3: // NB/NC/AE
		return !cf
	case 4: // E/Z
		return zf
	case 5: // NE/NZ
		return !zf
	case 6: // BE/NA
		return cf || zf
	case 7: // NBE/A
		return !cf && !zf
	case 8: // S
		return sf
	case 9: // NS
		return !sf
	case 10: // P/PE
		return pf
	case 11: // NP/PO
		return !pf
	case 12: // L/NGE
		return sf != of
	case 13: // NL/GE
		return sf == of
	case 14: // LE/NG
		return zf || sf != of
	default: // NLE/G
		return !zf && sf == of
	}
}

func branchTo(e *Executor, target uint64, d *decodeCtx) {
	e.S.RIP = target & e.S.ipMask()
	d.branched = true
}

func jccHandler(e *Executor, d *decodeCtx) error {
	if !condition(e, d.cc) {
		return nil
	}
	nextIP := (d.instrStart + uint64(d.len)) & e.S.ipMask()
	branchTo(e, nextIP+uint64(d.rel), d)
	return nil
}

func setccHandler(e *Executor, d *decodeCtx) error {
	var v uint64
	if condition(e, d.cc) {
		v = 1
	}
	return e.writeOperand(d.dst, v)
}

func cmovccHandler(e *Executor, d *decodeCtx) error {
	if !condition(e, d.cc) {
		return nil
	}
	v, err := e.readOperand(d.src)
	if err != nil {
		return err
	}
	return e.writeOperand(d.dst, v)
}

func jmpRelHandler(e *Executor, d *decodeCtx) error {
	nextIP := (d.instrStart + uint64(d.len)) & e.S.ipMask()
	branchTo(e, nextIP+uint64(d.rel), d)
	return nil
}

func callRelHandler(e *Executor, d *decodeCtx) error {
	nextIP := (d.instrStart + uint64(d.len)) & e.S.ipMask()
	if err := pushReturnAddr(e, nextIP); err != nil {
		return err
	}
	branchTo(e, nextIP+uint64(d.rel), d)
	return nil
}

func pushReturnAddr(e *Executor, retAddr uint64) error {
	bits := addrWidth(e)
	if e.S.Mode != ModeLong {
		bits = e.S.bitness()
	}
	bytes := uint64(bits / 8)
	sp := e.S.GPR[RegRSP] - bytes
	addr := e.gateA20(e.S.Seg[SegSS].Base + (sp & sizeMask(addrWidth(e))))
	if err := writeMemWidth(e, addr, retAddr, bits); err != nil {
		return err
	}
	e.S.GPR[RegRSP] = sp
	return nil
}

func popReturnAddr(e *Executor) (uint64, error) {
	bits := e.S.bitness()
	if e.S.Mode == ModeLong {
		bits = 64
	}
	bytes := uint64(bits / 8)
	sp := e.S.GPR[RegRSP]
	addr := e.gateA20(e.S.Seg[SegSS].Base + (sp & sizeMask(addrWidth(e))))
	v, err := readMemWidth(e, addr, bits)
	if err != nil {
		return 0, err
	}
	e.S.GPR[RegRSP] = sp + bytes
	return v, nil
}

func retHandler(e *Executor, d *decodeCtx) error {
	target, err := popReturnAddr(e)
	if err != nil {
		return err
	}
	if d.imm != 0 {
		e.S.GPR[RegRSP] += d.imm
	}
	branchTo(e, target, d)
	return nil
}

// retfHandler pops IP then CS; the far-return privilege/stack-switch
// machinery of protected/long mode is out of scope (see Non-goals), so this
// models only the flat-address-space behavior used by a backend-less guest.
func retfHandler(e *Executor, d *decodeCtx) error {
	target, err := popReturnAddr(e)
	if err != nil {
		return err
	}
	sel, err := popReturnAddr(e)
	if err != nil {
		return err
	}
	if err := e.loadSegment(SegCS, uint16(sel)); err != nil {
		return err
	}
	if d.imm != 0 {
		e.S.GPR[RegRSP] += d.imm
	}
	branchTo(e, target, d)
	return nil
}

func loopHandler(e *Executor, d *decodeCtx) error {
	nextIP := (d.instrStart + uint64(d.len)) & e.S.ipMask()
	take := false
	switch d.mnemonic {
	case "JCXZ":
		cx := e.S.GPR[RegRCX] & sizeMask(addrWidth(e))
		take = cx == 0
	default:
		bits := addrWidth(e)
		cx := (e.S.GPR[RegRCX] - 1) & sizeMask(bits)
		e.S.GPR[RegRCX] = (e.S.GPR[RegRCX] &^ sizeMask(bits)) | cx
		switch d.mnemonic {
		case "LOOP":
			take = cx != 0
		case "LOOPE":
			take = cx != 0 && e.S.ReadFlag(FlagZF)
		case "LOOPNE":
			take = cx != 0 && !e.S.ReadFlag(FlagZF)
		}
	}
	if take {
		branchTo(e, nextIP+uint64(d.rel), d)
	}
	return nil
}

func callIndHandler(e *Executor, d *decodeCtx) error {
	target, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	nextIP := (d.instrStart + uint64(d.len)) & e.S.ipMask()
	if err := pushReturnAddr(e, nextIP); err != nil {
		return err
	}
	branchTo(e, target, d)
	return nil
}

func jmpIndHandler(e *Executor, d *decodeCtx) error {
	target, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	branchTo(e, target, d)
	return nil
}

// callfIndHandler/jmpfIndHandler model far indirect call/jmp through a
// memory operand holding {offset, selector}; only the flat-model subset
// (offset becomes RIP, selector reloads CS base) is implemented.
func callfIndHandler(e *Executor, d *decodeCtx) error {
	offset, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	selAddr := d.dst.Addr + uint64(d.dst.Bits/8)
	selOp := Operand{Kind: opMem, Seg: d.dst.Seg, Addr: selAddr, Bits: 16}
	sel, err := e.readOperand(selOp)
	if err != nil {
		return err
	}
	nextIP := (d.instrStart + uint64(d.len)) & e.S.ipMask()
	if err := pushReturnAddr(e, nextIP); err != nil {
		return err
	}
	if err := e.loadSegment(SegCS, uint16(sel)); err != nil {
		return err
	}
	branchTo(e, offset, d)
	return nil
}

func jmpfIndHandler(e *Executor, d *decodeCtx) error {
	offset, err := e.readOperand(d.dst)
	if err != nil {
		return err
	}
	selAddr := d.dst.Addr + uint64(d.dst.Bits/8)
	selOp := Operand{Kind: opMem, Seg: d.dst.Seg, Addr: selAddr, Bits: 16}
	sel, err := e.readOperand(selOp)
	if err != nil {
		return err
	}
	if err := e.loadSegment(SegCS, uint16(sel)); err != nil {
		return err
	}
	branchTo(e, offset, d)
	return nil
}
