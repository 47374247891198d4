package nic

import (
	"testing"

	"github.com/aerocore-emu/aerocore/cpubus"
)

func newTestNIC(t *testing.T) (*NIC, *cpubus.FlatMemory) {
	t.Helper()
	mem := cpubus.NewFlatMemory(1 << 20)
	n := NewNIC(mem, [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	// Enable Bus Master Enable so DMA-capable paths run.
	n.WriteConfig(0x04, 1<<2)
	return n, mem
}

func writeLegacyDescriptor(mem *cpubus.FlatMemory, gpa, bufAddr uint64, length uint16, cmd, css byte) {
	var desc [descSize]byte
	for i := 0; i < 8; i++ {
		desc[i] = byte(bufAddr >> (8 * i))
	}
	desc[8] = byte(length)
	desc[9] = byte(length >> 8)
	desc[10] = 0 // CSO
	desc[11] = cmd
	desc[12] = 0 // status
	desc[13] = css
	mem.WritePhysical(gpa, desc[:])
}

func TestTXSingleFrame(t *testing.T) {
	n, mem := newTestNIC(t)

	const ringBase = 0x10000
	const bufAddr = 0x20000
	const ringLen = 1 * descSize

	frame := make([]byte, 14)
	for i := range frame {
		frame[i] = 0x11
	}
	mem.WritePhysical(bufAddr, frame)

	writeLegacyDescriptor(mem, ringBase, bufAddr, 14, cmdEOP|cmdRS, 0)

	n.WriteMMIO32(regTDBAL, ringBase)
	n.WriteMMIO32(regTDBAH, 0)
	n.WriteMMIO32(regTDLEN, ringLen)
	n.WriteMMIO32(regTDH, 0)
	n.WriteMMIO32(regTCTL, 1)
	n.WriteMMIO32(regIMS, icrTXDW)

	// TDT write is register-only; Poll() is the guest-memory-touching step.
	n.WriteMMIO32(regTDT, 1)
	n.Poll()

	sent := n.DrainTransmitted()
	if len(sent) != 1 {
		t.Fatalf("expected 1 transmitted frame, got %d", len(sent))
	}
	if len(sent[0]) != 14 {
		t.Fatalf("expected 14-byte frame, got %d", len(sent[0]))
	}
	for i, b := range sent[0] {
		if b != 0x11 {
			t.Fatalf("frame byte %d = %#x, want 0x11", i, b)
		}
	}

	status, err := mem.ReadU8(ringBase + 12)
	if err != nil {
		t.Fatalf("reading descriptor status: %v", err)
	}
	if status&statusDD == 0 {
		t.Fatalf("expected DD set on descriptor status, got %#x", status)
	}

	icr := n.ReadMMIO32(regICR)
	if icr&icrTXDW == 0 {
		t.Fatalf("expected ICR.TXDW set, got %#x", icr)
	}
}

func TestTXRegisterOnlyWriteDoesNotTouchMemory(t *testing.T) {
	n, mem := newTestNIC(t)

	const ringBase = 0x10000
	const bufAddr = 0x20000
	const ringLen = 1 * descSize

	writeLegacyDescriptor(mem, ringBase, bufAddr, 14, cmdEOP|cmdRS, 0)

	n.WriteMMIO32(regTDBAL, ringBase)
	n.WriteMMIO32(regTDLEN, ringLen)
	n.WriteMMIO32(regTDH, 0)

	// Register-only write (no AndPoll): descriptor must remain untouched.
	n.WriteMMIO32(regTDT, 1)

	status, _ := mem.ReadU8(ringBase + 12)
	if status&statusDD != 0 {
		t.Fatalf("register-only TDT write must not process descriptors, DD already set")
	}
	if len(n.DrainTransmitted()) != 0 {
		t.Fatalf("register-only TDT write must not transmit frames")
	}
}

func TestRXOversizedFrameDropped(t *testing.T) {
	n, _ := newTestNIC(t)

	oversized := make([]byte, 1523)
	icrBefore := n.ReadMMIO32(regICR)

	if err := n.EnqueueFrame(oversized); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}

	n.WriteMMIO32(regRDBAL, 0x30000)
	n.WriteMMIO32(regRDLEN, 4*descSize)
	n.WriteMMIO32(regRDH, 0)
	n.WriteMMIO32(regRDT, 3)
	n.Poll()

	if n.regs.rdh != 0 {
		t.Fatalf("expected no RX descriptor consumed, rdh=%d", n.regs.rdh)
	}
	icrAfter := n.ReadMMIO32(regICR)
	if icrAfter != icrBefore {
		t.Fatalf("expected ICR unchanged, before=%#x after=%#x", icrBefore, icrAfter)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	n, mem := newTestNIC(t)

	writeLegacyDescriptor(mem, 0x10000, 0x20000, 14, cmdEOP, 0)
	n.WriteMMIO32(regTDBAL, 0x10000)
	n.WriteMMIO32(regTDLEN, descSize)
	n.otherRegs[0x9000] = 0xDEADBEEF

	saved := n.Save()

	other := NewNIC(mem, n.mac)
	if err := other.Load(saved); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if other.regs.tdbal != n.regs.tdbal || other.regs.tdlen != n.regs.tdlen {
		t.Fatalf("TX ring registers did not round-trip")
	}
	if other.otherRegs[0x9000] != 0xDEADBEEF {
		t.Fatalf("sparse register map did not round-trip")
	}

	saved2 := other.Save()
	other2 := NewNIC(mem, n.mac)
	if err := other2.Load(saved2); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	saved3 := other2.Save()
	if string(saved2) != string(saved3) {
		t.Fatalf("snapshot save is not deterministic across reload")
	}
}
