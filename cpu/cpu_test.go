package cpu

import (
	"testing"

	"github.com/aerocore-emu/aerocore/cpubus"
)

func newTestExecutor(t *testing.T) (*Executor, *cpubus.FlatMemory) {
	t.Helper()
	mem := cpubus.NewFlatMemory(1 << 20)
	ports := cpubus.NewFlatPorts()
	e := NewExecutor(mem, ports)
	e.S.Mode = ModeProtected
	e.S.Seg[SegCS] = Segment{Base: 0, Limit: 0xFFFFFFFF}
	e.S.Seg[SegSS] = Segment{Base: 0, Limit: 0xFFFFFFFF}
	e.S.Seg[SegDS] = Segment{Base: 0, Limit: 0xFFFFFFFF}
	e.S.Seg[SegES] = Segment{Base: 0, Limit: 0xFFFFFFFF}
	e.S.RIP = 0x1000
	e.S.GPR[RegRSP] = 0x8000
	return e, mem
}

func loadCode(t *testing.T, mem *cpubus.FlatMemory, addr uint64, code []byte) {
	t.Helper()
	for i, b := range code {
		if err := mem.WriteU8(addr+uint64(i), b); err != nil {
			t.Fatalf("loadCode: %v", err)
		}
	}
}

func TestAddSetsLazyFlagsAndWritesBack(t *testing.T) {
	e, mem := newTestExecutor(t)
	// mov eax, 5 ; add eax, 3
	loadCode(t, mem, e.S.RIP, []byte{0xB8, 0x05, 0x00, 0x00, 0x00, 0x83, 0xC0, 0x03})
	if err := e.Step(); err != nil {
		t.Fatalf("mov step: %v", err)
	}
	if err := e.Step(); err != nil {
		t.Fatalf("add step: %v", err)
	}
	if e.S.GPR[RegRAX] != 8 {
		t.Fatalf("eax = %d, want 8", e.S.GPR[RegRAX])
	}
	if e.S.ReadFlag(FlagZF) {
		t.Fatalf("ZF should be clear")
	}
	if e.S.ReadFlag(FlagCF) {
		t.Fatalf("CF should be clear")
	}
}

func TestRipRelativeNormalizedOnce(t *testing.T) {
	e, mem := newTestExecutor(t)
	e.S.Mode = ModeLong
	e.S.Seg[SegCS] = Segment{Base: 0}
	e.S.RIP = 0x2000
	// lea rax, [rip+0x10] ; REX.W(48) 8D 05 disp32
	loadCode(t, mem, e.S.RIP, []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00})
	if err := e.Step(); err != nil {
		t.Fatalf("lea step: %v", err)
	}
	wantNextIP := uint64(0x2000 + 7)
	want := wantNextIP + 0x10
	if e.S.GPR[RegRAX] != want {
		t.Fatalf("rax = %#x, want %#x", e.S.GPR[RegRAX], want)
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	e, mem := newTestExecutor(t)
	e.S.GPR[RegRBX] = 0xDEADBEEF
	// push ebx ; pop eax
	loadCode(t, mem, e.S.RIP, []byte{0x53, 0x58})
	if err := e.Step(); err != nil {
		t.Fatalf("push step: %v", err)
	}
	if err := e.Step(); err != nil {
		t.Fatalf("pop step: %v", err)
	}
	if e.S.GPR[RegRAX] != 0xDEADBEEF {
		t.Fatalf("eax = %#x, want 0xDEADBEEF", e.S.GPR[RegRAX])
	}
}

func TestJccTakenAndNotTaken(t *testing.T) {
	e, mem := newTestExecutor(t)
	// Taken: cmp eax, eax (always equal) ; je +2 skips the add eax,1 that follows.
	loadCode(t, mem, e.S.RIP, []byte{
		0x39, 0xC0, // cmp eax, eax
		0x74, 0x02, // je +2
		0x83, 0xC0, 0x01, // add eax, 1 (should be skipped)
	})
	start := e.S.RIP
	if err := e.Step(); err != nil {
		t.Fatalf("cmp step: %v", err)
	}
	if err := e.Step(); err != nil {
		t.Fatalf("je step: %v", err)
	}
	if e.S.RIP != start+4+2 {
		t.Fatalf("rip = %#x, want %#x", e.S.RIP, start+4+2)
	}

	// Not taken: cmp eax, ebx with eax != ebx ; je +2 falls through.
	e.S.GPR[RegRBX] = e.S.GPR[RegRAX] + 1
	next := start + 7
	e.S.RIP = next
	loadCode(t, mem, next, []byte{
		0x39, 0xD8, // cmp eax, ebx
		0x74, 0x02, // je +2
	})
	if err := e.Step(); err != nil {
		t.Fatalf("cmp step (not taken): %v", err)
	}
	if err := e.Step(); err != nil {
		t.Fatalf("je step (not taken): %v", err)
	}
	if e.S.RIP != next+4 {
		t.Fatalf("rip = %#x, want %#x", e.S.RIP, next+4)
	}
}

func TestDivideErrorOnZeroDivisor(t *testing.T) {
	e, mem := newTestExecutor(t)
	e.S.GPR[RegRAX] = 10
	e.S.GPR[RegRCX] = 0
	// div ecx ; F7 /6
	loadCode(t, mem, e.S.RIP, []byte{0xF7, 0xF1})
	if err := e.Step(); err != ErrDivideError {
		t.Fatalf("err = %v, want ErrDivideError", err)
	}
}

func TestStringMovsWithRepAdvancesByCount(t *testing.T) {
	e, mem := newTestExecutor(t)
	for i := 0; i < 4; i++ {
		mem.WriteU8(0x3000+uint64(i), byte(0xA0+i))
	}
	e.S.GPR[RegRSI] = 0x3000
	e.S.GPR[RegRDI] = 0x4000
	e.S.GPR[RegRCX] = 4
	// rep movsb
	loadCode(t, mem, e.S.RIP, []byte{0xF3, 0xA4})
	if err := e.Step(); err != nil {
		t.Fatalf("rep movsb: %v", err)
	}
	if e.S.GPR[RegRCX] != 0 {
		t.Fatalf("rcx = %d, want 0", e.S.GPR[RegRCX])
	}
	for i := 0; i < 4; i++ {
		v, _ := mem.ReadU8(0x4000 + uint64(i))
		if v != byte(0xA0+i) {
			t.Fatalf("dest[%d] = %#x, want %#x", i, v, 0xA0+i)
		}
	}
}

func TestHaltReturnsErrHalted(t *testing.T) {
	e, mem := newTestExecutor(t)
	loadCode(t, mem, e.S.RIP, []byte{0xF4})
	if err := e.Step(); err != nil {
		t.Fatalf("hlt step: %v", err)
	}
	if err := e.Step(); err != ErrHalted {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
}

func TestIretRejectsNonCodeSegmentSelector(t *testing.T) {
	e, mem := newTestExecutor(t)
	e.S.GDTR = DTR{Base: 0x6000, Limit: 0xFFFF}

	// Selector 0x10: a data-segment descriptor (S=1, executable=0).
	writeDescriptor(t, mem, 0x6000+0x10, 0, 0xFFFFF, 0x92, 0xC)
	// Selector 0x18: a proper code-segment descriptor (S=1, executable=1).
	writeDescriptor(t, mem, 0x6000+0x18, 0, 0xFFFFF, 0x9A, 0xC)

	// iretd, with IP/CS/FLAGS pushed on the stack.
	loadCode(t, mem, e.S.RIP, []byte{0xCF})
	sp := e.S.GPR[RegRSP]
	mustWriteU32(t, mem, sp, 0x1234)   // return IP
	mustWriteU32(t, mem, sp+4, 0x0010) // return CS: data segment selector
	mustWriteU32(t, mem, sp+8, 0x2)    // flags

	if err := e.Step(); err != ErrGeneralProtection {
		t.Fatalf("err = %v, want ErrGeneralProtection", err)
	}

	// iretHandler already popped IP/CS/FLAGS before the rejected segment
	// load; replay the frame with a valid code-segment selector.
	e.S.GPR[RegRSP] = sp
	mustWriteU32(t, mem, sp+4, 0x0018) // return CS: code segment selector
	if err := e.Step(); err != nil {
		t.Fatalf("iret into code segment: %v", err)
	}
	if e.S.RIP != 0x1234 {
		t.Fatalf("rip = %#x, want 0x1234", e.S.RIP)
	}
}

func mustWriteU32(t *testing.T, mem *cpubus.FlatMemory, addr uint64, v uint32) {
	t.Helper()
	if err := mem.WriteU32(addr, v); err != nil {
		t.Fatalf("mustWriteU32: %v", err)
	}
}

// writeDescriptor encodes a classic 8-byte GDT descriptor at addr: base,
// limit, the single access byte, and the high flags nibble (G/D-B/L/AVL).
func writeDescriptor(t *testing.T, mem *cpubus.FlatMemory, addr uint64, base, limit uint32, access, flags uint8) {
	t.Helper()
	lo := (limit & 0xFFFF) | (base&0xFFFF)<<16
	hi := (base>>16)&0xFF | uint32(access)<<8 | (limit>>16&0xF)<<16 | uint32(flags)<<20 | (base>>24&0xFF)<<24
	mustWriteU32(t, mem, addr, lo)
	mustWriteU32(t, mem, addr+4, hi)
}

func TestCpuidLeaf0VendorString(t *testing.T) {
	e, mem := newTestExecutor(t)
	e.S.GPR[RegRAX] = 0
	loadCode(t, mem, e.S.RIP, []byte{0x0F, 0xA2})
	if err := e.Step(); err != nil {
		t.Fatalf("cpuid step: %v", err)
	}
	if uint32(e.S.GPR[RegRBX]) != 0x756E6547 {
		t.Fatalf("ebx = %#x, want GenuineIntel EBX", uint32(e.S.GPR[RegRBX]))
	}
}
