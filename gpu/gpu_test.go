package gpu

import (
	"encoding/binary"
	"testing"

	"github.com/aerocore-emu/aerocore/cpubus"
)

func writeRingHeader(mem *cpubus.FlatMemory, gpa uint64, entryCount, entryStride uint32, head, tail uint32) {
	sizeBytes := uint32(RingHeaderSize) + entryCount*entryStride
	var buf [RingHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], ringMagic)
	binary.LittleEndian.PutUint32(buf[4:8], ringABIVersion)
	binary.LittleEndian.PutUint32(buf[8:12], sizeBytes)
	binary.LittleEndian.PutUint32(buf[12:16], entryCount)
	binary.LittleEndian.PutUint32(buf[16:20], entryStride)
	binary.LittleEndian.PutUint32(buf[24:28], head)
	binary.LittleEndian.PutUint32(buf[28:32], tail)
	mem.WritePhysical(gpa, buf[:])
}

func writeSubmitDesc(mem *cpubus.FlatMemory, gpa uint64, desc SubmitDesc) {
	var buf [SubmitDescSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], desc.DescSizeBytes)
	binary.LittleEndian.PutUint32(buf[4:8], desc.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], desc.ContextID)
	binary.LittleEndian.PutUint32(buf[12:16], desc.EngineID)
	binary.LittleEndian.PutUint64(buf[16:24], desc.CmdGPA)
	binary.LittleEndian.PutUint32(buf[24:28], desc.CmdSizeBytes)
	binary.LittleEndian.PutUint64(buf[32:40], desc.AllocTableGPA)
	binary.LittleEndian.PutUint32(buf[40:44], desc.AllocTableSize)
	binary.LittleEndian.PutUint64(buf[48:56], desc.SignalFence)
	mem.WritePhysical(gpa, buf[:])
}

func writeCmdStream(mem *cpubus.FlatMemory, gpa uint64, vsyncPresent bool) uint32 {
	const packetSize = 16
	total := uint32(CmdStreamHeaderSize + packetSize)
	var buf [CmdStreamHeaderSize + packetSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], cmdStreamMagic)
	binary.LittleEndian.PutUint32(buf[4:8], 1)
	binary.LittleEndian.PutUint32(buf[8:12], total)
	off := CmdStreamHeaderSize
	binary.LittleEndian.PutUint32(buf[off:off+4], cmdOpcodePresent)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], packetSize)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], 0) // scanout_id
	var flags uint32
	if vsyncPresent {
		flags = presentFlagVsync
	}
	binary.LittleEndian.PutUint32(buf[off+12:off+16], flags)
	mem.WritePhysical(gpa, buf[:])
	return total
}

func newTestExecutor(mode FenceCompletionMode) (*Executor, *Regs, *cpubus.FlatMemory) {
	mem := cpubus.NewFlatMemory(1 << 20)
	cfg := DefaultExecutorConfig()
	cfg.FenceCompletion = mode
	e := NewExecutor(cfg)
	regs := &Regs{RingControl: RingControlEnable, RingGPA: 0x10000, RingSizeBytes: RingHeaderSize + 64}
	return e, regs, mem
}

func TestRingHeaderIsValidRejectsSizeMismatch(t *testing.T) {
	h := RingHeader{Magic: ringMagic, ABIVersion: ringABIVersion, SizeBytes: RingHeaderSize + 64, EntryCount: 1, EntryStrideBytes: 64}
	if !h.IsValid(RingHeaderSize + 64) {
		t.Fatalf("expected valid header to pass")
	}
	if h.IsValid(RingHeaderSize + 128) {
		t.Fatalf("expected register size mismatch to fail validation")
	}
}

func TestProcessDoorbellImmediateCompletesFence(t *testing.T) {
	e, regs, mem := newTestExecutor(Immediate)
	regs.RingSizeBytes = RingHeaderSize + 64
	writeRingHeader(mem, regs.RingGPA, 1, 64, 0, 1)
	writeSubmitDesc(mem, regs.RingGPA+RingHeaderSize, SubmitDesc{
		DescSizeBytes: SubmitDescSize, SignalFence: 5,
	})

	e.ProcessDoorbell(regs, mem)

	if regs.CompletedFence != 5 {
		t.Fatalf("expected completed fence 5, got %d", regs.CompletedFence)
	}
	if regs.Stats.Submissions != 1 {
		t.Fatalf("expected 1 submission recorded, got %d", regs.Stats.Submissions)
	}
	head, err := mem.ReadU32(regs.RingGPA + 24)
	if err != nil || head != 1 {
		t.Fatalf("expected ring head advanced to 1, got %d (err %v)", head, err)
	}
}

func TestProcessDoorbellDeferredWaitsForBackend(t *testing.T) {
	e, regs, mem := newTestExecutor(Deferred)
	e.SetBackend(NullBackend{})
	regs.RingSizeBytes = RingHeaderSize + 64
	writeRingHeader(mem, regs.RingGPA, 1, 64, 0, 1)
	writeSubmitDesc(mem, regs.RingGPA+RingHeaderSize, SubmitDesc{
		DescSizeBytes: SubmitDescSize, SignalFence: 7,
	})

	e.ProcessDoorbell(regs, mem)
	if regs.CompletedFence != 0 {
		t.Fatalf("expected fence not yet completed under Deferred+NullBackend, got %d", regs.CompletedFence)
	}

	e.CompleteFence(regs, mem, 7)
	if regs.CompletedFence != 7 {
		t.Fatalf("expected fence 7 completed after CompleteFence, got %d", regs.CompletedFence)
	}
}

func TestProcessDoorbellDeferredOutOfOrderCompletion(t *testing.T) {
	e, regs, mem := newTestExecutor(Deferred)
	regs.RingSizeBytes = RingHeaderSize + 128
	writeRingHeader(mem, regs.RingGPA, 2, 64, 0, 2)
	writeSubmitDesc(mem, regs.RingGPA+RingHeaderSize, SubmitDesc{
		DescSizeBytes: SubmitDescSize, SignalFence: 3,
	})
	writeSubmitDesc(mem, regs.RingGPA+RingHeaderSize+64, SubmitDesc{
		DescSizeBytes: SubmitDescSize, SignalFence: 8,
	})

	e.ProcessDoorbell(regs, mem)

	// Completing the higher fence first must not advance completed_fence
	// until the lower one also completes.
	e.CompleteFence(regs, mem, 8)
	if regs.CompletedFence != 0 {
		t.Fatalf("expected completed fence to stay 0 pending fence 3, got %d", regs.CompletedFence)
	}

	e.CompleteFence(regs, mem, 3)
	if regs.CompletedFence != 8 {
		t.Fatalf("expected completed fence to jump to 8 once fence 3 lands, got %d", regs.CompletedFence)
	}
}

func TestProcessVblankTickPacesVsyncPresent(t *testing.T) {
	e, regs, mem := newTestExecutor(Immediate)
	regs.RingSizeBytes = RingHeaderSize + 64
	regs.Features = FeatureVblank
	regs.Scanout0.Enable = true
	regs.Scanout0.Width, regs.Scanout0.Height = 4, 4

	const cmdGPA = 0x40000
	cmdSize := writeCmdStream(mem, cmdGPA, true)
	writeRingHeader(mem, regs.RingGPA, 1, 64, 0, 1)
	writeSubmitDesc(mem, regs.RingGPA+RingHeaderSize, SubmitDesc{
		DescSizeBytes: SubmitDescSize, Flags: FlagPresent,
		CmdGPA: cmdGPA, CmdSizeBytes: cmdSize, SignalFence: 9,
	})

	e.ProcessDoorbell(regs, mem)
	if regs.CompletedFence != 0 {
		t.Fatalf("expected vsynced fence to stay pending after process_doorbell, got %d", regs.CompletedFence)
	}

	e.ProcessVblankTick(regs, mem)
	if regs.CompletedFence != 9 {
		t.Fatalf("expected vsynced fence to complete after one vblank tick, got %d", regs.CompletedFence)
	}
}

func TestScanoutWritebackRepacksBGR565(t *testing.T) {
	mem := cpubus.NewFlatMemory(1 << 16)
	regs := &Regs{Scanout0: Scanout0Config{Enable: true, Width: 1, Height: 1, FBGPA: 0x1000, Format: FormatBGR565}}
	scan := Scanout{Width: 1, Height: 1, RGBA8: []byte{0xFF, 0x00, 0x00, 0xFF}}

	if err := writeScanout0RGBA8(regs, mem, scan); err != nil {
		t.Fatalf("writeback failed: %v", err)
	}
	v, err := mem.ReadU16(0x1000)
	if err != nil {
		t.Fatalf("reading back pixel: %v", err)
	}
	want := uint16(0x1F) << 11
	if v != want {
		t.Fatalf("expected packed red pixel %#x, got %#x", want, v)
	}
}

func TestSaveLoadRoundTripsPendingFences(t *testing.T) {
	e, regs, mem := newTestExecutor(Immediate)
	regs.RingSizeBytes = RingHeaderSize + 64
	writeRingHeader(mem, regs.RingGPA, 1, 64, 0, 1)
	writeSubmitDesc(mem, regs.RingGPA+RingHeaderSize, SubmitDesc{
		DescSizeBytes: SubmitDescSize, Flags: FlagNoIRQ, SignalFence: 42,
	})
	e.ProcessDoorbell(regs, mem)
	if regs.CompletedFence != 42 {
		t.Fatalf("setup: expected fence 42 completed, got %d", regs.CompletedFence)
	}

	blob := e.Save(regs)

	e2, regs2, _ := newTestExecutor(Immediate)
	if err := e2.Load(regs2, blob); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if regs2.CompletedFence != 42 {
		t.Fatalf("expected restored completed fence 42, got %d", regs2.CompletedFence)
	}
	if regs2.RingGPA != regs.RingGPA || regs2.RingSizeBytes != regs.RingSizeBytes {
		t.Fatalf("expected restored ring config to match original")
	}
}
