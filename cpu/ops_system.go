package cpu

const (
	msrTSC    = 0x00000010
	msrTSCAux = 0xC0000103
)

func init() {
	registerHandler("HLT", func(e *Executor, d *decodeCtx) error { e.S.Halted = true; return nil })
	registerHandler("CLTS", func(e *Executor, d *decodeCtx) error { return nil })
	registerHandler("CPUID", cpuidHandler)
	registerHandler("RDTSC", rdtscHandler)
	registerHandler("RDTSCP", rdtscpHandler)
	registerHandler("RDMSR", rdmsrHandler)
	registerHandler("WRMSR", wrmsrHandler)
}

// cpuidHandler returns the fixed baseline from spec §4.1: leaf 0 vendor
// string, leaf 1 TSC/MSR/CMPXCHG8B/SSE/SSE2 feature bits, extended leaf
// 0x80000001 Long-Mode+RDTSCP, and 0x80000007 Invariant TSC.
func cpuidHandler(e *Executor, d *decodeCtx) error {
	leaf := uint32(e.S.GPR[RegRAX])
	var a, b, c, dx uint32
	switch leaf {
	case 0:
		a = 0x80000007
		b, c, dx = 0x756E6547, 0x6C65746E, 0x49656E69 // "Genu" "ntel" "ineI" (EBX,ECX,EDX order)
	case 1:
		a = 0x000106A0
		const (
			featTSC   = 1 << 4
			featMSR   = 1 << 5
			featCX8   = 1 << 8
			featSSE   = 1 << 25
			featSSE2  = 1 << 26
		)
		dx = featTSC | featMSR | featCX8 | featSSE | featSSE2
	case 0x80000000:
		a = 0x80000007
	case 0x80000001:
		const (
			featRDTSCP = 1 << 27
			featLM     = 1 << 29
		)
		dx = featRDTSCP | featLM
	case 0x80000007:
		const featInvariantTSC = 1 << 8
		dx = featInvariantTSC
	}
	e.S.GPR[RegRAX] = (e.S.GPR[RegRAX] &^ 0xFFFFFFFF) | uint64(a)
	e.S.GPR[RegRBX] = (e.S.GPR[RegRBX] &^ 0xFFFFFFFF) | uint64(b)
	e.S.GPR[RegRCX] = (e.S.GPR[RegRCX] &^ 0xFFFFFFFF) | uint64(c)
	e.S.GPR[RegRDX] = (e.S.GPR[RegRDX] &^ 0xFFFFFFFF) | uint64(dx)
	return nil
}

func rdtscHandler(e *Executor, d *decodeCtx) error {
	e.S.GPR[RegRAX] = (e.S.GPR[RegRAX] &^ 0xFFFFFFFF) | (e.S.TSC & 0xFFFFFFFF)
	e.S.GPR[RegRDX] = (e.S.GPR[RegRDX] &^ 0xFFFFFFFF) | (e.S.TSC >> 32)
	return nil
}

func rdtscpHandler(e *Executor, d *decodeCtx) error {
	if err := rdtscHandler(e, d); err != nil {
		return err
	}
	e.S.GPR[RegRCX] = (e.S.GPR[RegRCX] &^ 0xFFFFFFFF) | uint64(e.S.TSCAux)
	return nil
}

func rdmsrHandler(e *Executor, d *decodeCtx) error {
	idx := uint32(e.S.GPR[RegRCX])
	var v uint64
	switch idx {
	case msrTSC:
		v = e.S.TSC
	case msrTSCAux:
		v = uint64(e.S.TSCAux)
	default:
		v = e.S.MSR[idx]
	}
	e.S.GPR[RegRAX] = (e.S.GPR[RegRAX] &^ 0xFFFFFFFF) | (v & 0xFFFFFFFF)
	e.S.GPR[RegRDX] = (e.S.GPR[RegRDX] &^ 0xFFFFFFFF) | (v >> 32)
	return nil
}

func wrmsrHandler(e *Executor, d *decodeCtx) error {
	idx := uint32(e.S.GPR[RegRCX])
	v := (e.S.GPR[RegRDX]&0xFFFFFFFF)<<32 | (e.S.GPR[RegRAX] & 0xFFFFFFFF)
	switch idx {
	case msrTSC:
		e.S.TSC = v
	case msrTSCAux:
		e.S.TSCAux = uint32(v)
	default:
		e.S.MSR[idx] = v
	}
	return nil
}
