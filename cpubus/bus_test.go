package cpubus

import "testing"

func TestFlatMemoryReadWriteRoundTrip(t *testing.T) {
	m := NewFlatMemory(4096)
	if err := m.WriteU32(0x100, 0xdeadbeef); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}
	got, err := m.ReadU32(0x100)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("got %#x, want %#x", got, 0xdeadbeef)
	}
}

func TestFlatMemoryOutOfRange(t *testing.T) {
	m := NewFlatMemory(16)
	if err := m.WriteU64(12, 1); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if _, err := m.ReadU64(9); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestFlatMemoryA20Gate(t *testing.T) {
	m := NewFlatMemory(3 << 20)
	m.SetA20(true)
	if err := m.WriteU8(0x10_0000, 0x42); err != nil {
		t.Fatalf("WriteU8: %v", err)
	}
	// With A20 gated, bit 20 is masked off so 0x000000 and 0x100000 alias.
	got, err := m.ReadU8(0)
	if err != nil {
		t.Fatalf("ReadU8: %v", err)
	}
	if got != 0x42 {
		t.Fatalf("expected A20 aliasing, got %#x", got)
	}

	m.SetA20(false)
	if err := m.WriteU8(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteU8(0x10_0000, 0x7a); err != nil {
		t.Fatalf("WriteU8: %v", err)
	}
	got, err = m.ReadU8(0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("expected no aliasing with A20 disabled, got %#x", got)
	}
}

func TestCheckedAdd(t *testing.T) {
	if sum, ov := CheckedAdd(10, 20); ov || sum != 30 {
		t.Fatalf("CheckedAdd(10,20) = %d,%v", sum, ov)
	}
	if _, ov := CheckedAdd(^uint64(0), 1); !ov {
		t.Fatal("expected overflow")
	}
}

func TestCheckedMulAdd(t *testing.T) {
	if sum, ov := CheckedMulAdd(0x1000, 4, 16); ov || sum != 0x1040 {
		t.Fatalf("CheckedMulAdd = %d,%v", sum, ov)
	}
	if _, ov := CheckedMulAdd(0, ^uint64(0), 2); !ov {
		t.Fatal("expected multiply overflow")
	}
}

func TestFlatPorts(t *testing.T) {
	p := NewFlatPorts()
	p.OutU16(0x3f8, 0x1234)
	if got := p.InU16(0x3f8); got != 0x1234 {
		t.Fatalf("got %#x", got)
	}
	if got := p.InU8(0x9999); got != 0 {
		t.Fatalf("unmapped port should read as zero-valued default, got %#x", got)
	}
}
