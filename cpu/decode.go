package cpu

import "fmt"

// operandKind tags how an Operand resolves.
type operandKind int

const (
	opNone operandKind = iota
	opReg
	opMem
	opImm
)

// Operand is the uniform operand descriptor produced by decode and consumed
// by read_operand/write_operand, per spec §4.1's "Dispatch" paragraph.
type Operand struct {
	Kind operandKind
	Reg  int // GPR index, valid when Kind==opReg
	Bits uint8

	// Memory operand fields (Kind==opMem). Addr is the effective address
	// within the segment (base+index*scale+disp, or next_ip+disp for a
	// RIP-relative operand); Seg selects which segment's base is added to
	// form the final linear address passed to the bus.
	Addr uint64
	Seg  int

	// Imm holds an immediate value (Kind==opImm), sign-extended into a
	// uint64 per the operand's declared width.
	Imm uint64
}

// decodeCtx accumulates the transient state of one instruction decode: a
// cursor into guest memory plus every prefix/REX bit gathered so far.
type decodeCtx struct {
	e *Executor

	instrStart uint64 // RIP at the first prefix byte
	cur        uint64 // current linear fetch address
	len        int

	segOverride int // -1 = none
	repPrefix   int // 0 none, 1 REP/REPE, 2 REPNE
	lock        bool
	opSizeOv    bool // 0x66 seen
	addrSizeOv  bool // 0x67 seen

	hasREX         bool
	rexW, rexR, rexX, rexB bool

	operandBits uint8
	addressBits uint8

	modrmDone bool
	mod, regF, rm byte
	rmOperand     Operand
	ripRelative   bool
	ripDisp       int64

	// Populated by the decode phase, consumed by the execute phase once
	// next_ip (and hence any RIP-relative address) is known.
	mnemonic string
	dst, src Operand
	imm      uint64
	rel      int64 // branch displacement
	cc       int   // condition code for Jcc/SETcc/CMOVcc
	width    uint8 // element width for string ops / shift-rotate group
	sub      int   // secondary selector (group reg field, e.g. shift kind)

	branched bool
}

func (d *decodeCtx) fetch8() (byte, error) {
	v, err := d.e.Mem.ReadU8(d.cur)
	if err != nil {
		return 0, err
	}
	d.cur++
	d.len++
	return v, nil
}

func (d *decodeCtx) fetch16() (uint16, error) {
	lo, err := d.fetch8()
	if err != nil {
		return 0, err
	}
	hi, err := d.fetch8()
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (d *decodeCtx) fetch32() (uint32, error) {
	lo, err := d.fetch16()
	if err != nil {
		return 0, err
	}
	hi, err := d.fetch16()
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

func (d *decodeCtx) fetch64() (uint64, error) {
	lo, err := d.fetch32()
	if err != nil {
		return 0, err
	}
	hi, err := d.fetch32()
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// extReg applies a REX.R / REX.B extension bit to a 3-bit register field.
func (d *decodeCtx) extReg(field byte, ext bool) int {
	idx := int(field)
	if ext {
		idx += 8
	}
	return idx
}

// decodePrefixesAndOpcode consumes legacy prefixes, an optional REX byte
// (long mode only), and the opcode byte(s), leaving d.cur positioned after
// the opcode. It returns the opcode bytes (1 or 2, for the 0x0F map).
func (d *decodeCtx) decodePrefixesAndOpcode() ([]byte, error) {
	d.segOverride = -1
	for {
		b, err := d.fetch8()
		if err != nil {
			return nil, err
		}
		switch b {
		case 0x26:
			d.segOverride = SegES
			continue
		case 0x2E:
			d.segOverride = SegCS
			continue
		case 0x36:
			d.segOverride = SegSS
			continue
		case 0x3E:
			d.segOverride = SegDS
			continue
		case 0x64:
			d.segOverride = SegFS
			continue
		case 0x65:
			d.segOverride = SegGS
			continue
		case 0x66:
			d.opSizeOv = true
			continue
		case 0x67:
			d.addrSizeOv = true
			continue
		case 0xF0:
			d.lock = true
			continue
		case 0xF2:
			d.repPrefix = 2
			continue
		case 0xF3:
			d.repPrefix = 1
			continue
		}
		if d.e.S.Mode == ModeLong && b&0xF0 == 0x40 {
			d.hasREX = true
			d.rexW = b&0x08 != 0
			d.rexR = b&0x04 != 0
			d.rexX = b&0x02 != 0
			d.rexB = b&0x01 != 0
			continue
		}
		// b is the opcode byte.
		if b == 0x0F {
			b2, err := d.fetch8()
			if err != nil {
				return nil, err
			}
			return []byte{0x0F, b2}, nil
		}
		return []byte{b}, nil
	}
}

// computeWidths derives operand/address bit widths from mode + prefixes +
// REX.W, per spec's recovered feature that operand size and address size
// track independently.
func (d *decodeCtx) computeWidths() {
	def := d.e.S.bitness()
	d.operandBits = def
	d.addressBits = def
	if d.e.S.Mode == ModeLong {
		d.operandBits = 32
		d.addressBits = 64
		if d.rexW {
			d.operandBits = 64
		}
		if d.opSizeOv {
			d.operandBits = 16
		}
		if d.addrSizeOv {
			d.addressBits = 32
		}
		return
	}
	if d.opSizeOv {
		if def == 16 {
			d.operandBits = 32
		} else {
			d.operandBits = 16
		}
	}
	if d.addrSizeOv {
		if def == 16 {
			d.addressBits = 32
		} else {
			d.addressBits = 16
		}
	}
}

// decodeModRM reads the ModR/M byte (and SIB/displacement if present),
// resolving the r/m field into d.rmOperand. The register field is
// extracted but left to the caller to combine with REX.R.
func (d *decodeCtx) decodeModRM() error {
	b, err := d.fetch8()
	if err != nil {
		return err
	}
	d.mod = b >> 6
	d.regF = (b >> 3) & 7
	d.rm = b & 7
	d.modrmDone = true

	if d.mod == 3 {
		idx := d.extReg(d.rm, d.rexB)
		d.rmOperand = Operand{Kind: opReg, Reg: idx, Bits: d.operandBits}
		return nil
	}

	seg := SegDS
	if d.segOverride >= 0 {
		seg = d.segOverride
	}

	switch d.addressBits {
	case 16:
		return d.decodeModRM16(seg)
	default:
		return d.decodeModRM32or64(seg)
	}
}

// decodeModRM16 implements the classical eight base+index combinations.
func (d *decodeCtx) decodeModRM16(seg int) error {
	var base, index uint64
	haveBase, haveIndex := true, true
	switch d.rm {
	case 0:
		base, index = d.e.S.GPR[RegRBX], d.e.S.GPR[RegRSI]
	case 1:
		base, index = d.e.S.GPR[RegRBX], d.e.S.GPR[RegRDI]
	case 2:
		base, index, seg = d.e.S.GPR[RegRBP], d.e.S.GPR[RegRSI], segOr(d.segOverride, SegSS)
	case 3:
		base, index, seg = d.e.S.GPR[RegRBP], d.e.S.GPR[RegRDI], segOr(d.segOverride, SegSS)
	case 4:
		base, haveIndex = d.e.S.GPR[RegRSI], false
	case 5:
		base, haveIndex = d.e.S.GPR[RegRDI], false
	case 6:
		if d.mod == 0 {
			haveBase = false
			disp, err := d.fetch16()
			if err != nil {
				return err
			}
			d.setMem(seg, uint64(disp))
			return nil
		}
		base, seg = d.e.S.GPR[RegRBP], segOr(d.segOverride, SegSS)
	case 7:
		base = d.e.S.GPR[RegRBX]
		haveIndex = false
	}
	var disp uint64
	switch d.mod {
	case 1:
		v, err := d.fetch8()
		if err != nil {
			return err
		}
		disp = uint64(int64(int8(v)))
	case 2:
		v, err := d.fetch16()
		if err != nil {
			return err
		}
		disp = uint64(int64(int16(v)))
	}
	addr := disp
	if haveBase {
		addr += base & 0xFFFF
	}
	if haveIndex {
		addr += index & 0xFFFF
	}
	d.setMem(seg, addr&0xFFFF)
	return nil
}

func segOr(override int, def int) int {
	if override >= 0 {
		return override
	}
	return def
}

// decodeModRM32or64 implements SIB-based 32/64-bit addressing including
// RIP-relative (mod=0, rm=5, 64-bit addressing only).
func (d *decodeCtx) decodeModRM32or64(seg int) error {
	rm := d.rm
	base := -1
	index := -1
	scale := uint8(1)
	haveBaseDisp32 := false

	if rm == 4 {
		sib, err := d.fetch8()
		if err != nil {
			return err
		}
		ss := sib >> 6
		idxF := (sib >> 3) & 7
		baseF := sib & 7
		scale = uint8(1) << ss
		if !(idxF == 4 && !d.rexX) {
			index = d.extReg(idxF, d.rexX)
		}
		if baseF == 5 && d.mod == 0 {
			haveBaseDisp32 = true
		} else {
			base = d.extReg(baseF, d.rexB)
			if baseF == 4 || baseF == 5 {
				seg = segOr(d.segOverride, SegSS)
			}
		}
	} else if rm == 5 && d.mod == 0 {
		if d.addressBits == 64 {
			d32, err := d.fetch32()
			if err != nil {
				return err
			}
			d.ripRelative = true
			d.ripDisp = int64(int32(d32))
			d.setMemSeg(seg)
			return nil
		}
		haveBaseDisp32 = true
	} else {
		base = d.extReg(rm, d.rexB)
		if rm == 5 {
			seg = segOr(d.segOverride, SegSS)
		}
	}

	var disp int64
	switch {
	case haveBaseDisp32:
		v, err := d.fetch32()
		if err != nil {
			return err
		}
		disp = int64(int32(v))
	case d.mod == 1:
		v, err := d.fetch8()
		if err != nil {
			return err
		}
		disp = int64(int8(v))
	case d.mod == 2:
		v, err := d.fetch32()
		if err != nil {
			return err
		}
		disp = int64(int32(v))
	}

	addr := uint64(disp)
	if base >= 0 {
		addr += d.e.S.GPR[base]
	}
	if index >= 0 {
		addr += d.e.S.GPR[index] * uint64(scale)
	}
	if d.addressBits == 32 {
		addr &= 0xFFFFFFFF
	}
	d.setMem(seg, addr)
	return nil
}

func (d *decodeCtx) setMem(seg int, addr uint64) {
	d.rmOperand = Operand{Kind: opMem, Seg: seg, Addr: addr, Bits: d.operandBits}
}

func (d *decodeCtx) setMemSeg(seg int) {
	d.rmOperand = Operand{Kind: opMem, Seg: seg, Bits: d.operandBits}
}

// regOperand returns the ModR/M reg-field operand (REX.R-extended) at the
// given bit width.
func (d *decodeCtx) regOperand(bits uint8) Operand {
	return Operand{Kind: opReg, Reg: d.extReg(d.regF, d.rexR), Bits: bits}
}

// finishRipRelative resolves any pending RIP-relative r/m operand now that
// the full instruction length (and hence next_ip) is known. Per the
// testable property in spec §8, the displacement is added exactly once.
func (d *decodeCtx) finishRipRelative(nextIP uint64) {
	if d.ripRelative && d.rmOperand.Kind == opMem {
		addr := uint64(int64(nextIP) + d.ripDisp)
		d.rmOperand.Addr = addr
		// Decoders copy rmOperand into src/dst before next_ip is known.
		if d.src.Kind == opMem {
			d.src.Addr = addr
		}
		if d.dst.Kind == opMem {
			d.dst.Addr = addr
		}
	}
}

func (d *decodeCtx) immBits() uint8 {
	if d.operandBits == 64 {
		return 32 // immediates remain 32-bit and sign-extend into 64-bit ops
	}
	return d.operandBits
}

func fmtOpcode(b []byte) string { return fmt.Sprintf("%x", b) }
