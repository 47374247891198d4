package cpu

func init() {
	registerHandler("MOVS", stringHandler)
	registerHandler("STOS", stringHandler)
	registerHandler("LODS", stringHandler)
	registerHandler("CMPS", stringHandler)
	registerHandler("SCAS", stringHandler)
}

// stringHandler implements MOVS/STOS/LODS/CMPS/SCAS, including REP/REPE/
// REPNE repetition. Element width comes from d.width (set by decode); SI/DI/
// CX step at d.addressBits; DF controls the stride direction; a segment
// override applies only to the SI-side (source) operand, never to DI (ES is
// fixed, per the x86 string-instruction rule).
func stringHandler(e *Executor, d *decodeCtx) error {
	bits := d.width
	bytes := uint64(bits / 8)
	addrBits := d.addressBits
	addrMask := sizeMask(addrBits)
	srcSeg := segOr(d.segOverride, SegDS)

	step := func() (bool, error) {
		switch d.mnemonic {
		case "MOVS":
			v, err := readMemWidth(e, e.gateA20(e.S.Seg[srcSeg].Base+(e.S.GPR[RegRSI]&addrMask)), bits)
			if err != nil {
				return false, err
			}
			if err := writeMemWidth(e, e.gateA20(e.S.Seg[SegES].Base+(e.S.GPR[RegRDI]&addrMask)), v, bits); err != nil {
				return false, err
			}
			advance(e, RegRSI, bytes, addrMask)
			advance(e, RegRDI, bytes, addrMask)
			return true, nil
		case "STOS":
			v := e.S.ReadGPR(RegRAX, bits, false)
			if err := writeMemWidth(e, e.gateA20(e.S.Seg[SegES].Base+(e.S.GPR[RegRDI]&addrMask)), v, bits); err != nil {
				return false, err
			}
			advance(e, RegRDI, bytes, addrMask)
			return true, nil
		case "LODS":
			v, err := readMemWidth(e, e.gateA20(e.S.Seg[srcSeg].Base+(e.S.GPR[RegRSI]&addrMask)), bits)
			if err != nil {
				return false, err
			}
			e.S.WriteGPR(RegRAX, v, bits, false)
			advance(e, RegRSI, bytes, addrMask)
			return true, nil
		case "CMPS":
			lhs, err := readMemWidth(e, e.gateA20(e.S.Seg[srcSeg].Base+(e.S.GPR[RegRSI]&addrMask)), bits)
			if err != nil {
				return false, err
			}
			rhs, err := readMemWidth(e, e.gateA20(e.S.Seg[SegES].Base+(e.S.GPR[RegRDI]&addrMask)), bits)
			if err != nil {
				return false, err
			}
			result := (lhs - rhs) & sizeMask(bits)
			e.S.SetLazyArith(FlagOpSub, 0, bits, lhs, rhs, result)
			advance(e, RegRSI, bytes, addrMask)
			advance(e, RegRDI, bytes, addrMask)
			return true, nil
		case "SCAS":
			acc := e.S.ReadGPR(RegRAX, bits, false)
			v, err := readMemWidth(e, e.gateA20(e.S.Seg[SegES].Base+(e.S.GPR[RegRDI]&addrMask)), bits)
			if err != nil {
				return false, err
			}
			result := (acc - v) & sizeMask(bits)
			e.S.SetLazyArith(FlagOpSub, 0, bits, acc, v, result)
			advance(e, RegRDI, bytes, addrMask)
			return true, nil
		}
		return false, ErrInvalidOpcode
	}

	if d.repPrefix == 0 {
		_, err := step()
		return err
	}

	cmpKind := d.mnemonic == "CMPS" || d.mnemonic == "SCAS"
	for {
		cx := e.S.GPR[RegRCX] & addrMask
		if cx == 0 {
			break
		}
		if _, err := step(); err != nil {
			return err
		}
		cx--
		e.S.GPR[RegRCX] = (e.S.GPR[RegRCX] &^ addrMask) | cx
		if cmpKind {
			zf := e.S.ReadFlag(FlagZF)
			if d.repPrefix == 1 && !zf { // REPE: stop when ZF clears
				break
			}
			if d.repPrefix == 2 && zf { // REPNE: stop when ZF sets
				break
			}
		}
		if cx == 0 {
			break
		}
	}
	return nil
}

func advance(e *Executor, reg int, bytes, addrMask uint64) {
	df := e.S.ReadFlag(FlagDF)
	delta := bytes
	v := e.S.GPR[reg] & addrMask
	if df {
		v = (v - delta) & addrMask
	} else {
		v = (v + delta) & addrMask
	}
	e.S.GPR[reg] = (e.S.GPR[reg] &^ addrMask) | v
}
