// Package gpu implements the AeroGPU command ring executor: a doorbell-
// driven dispatcher that consumes guest submission descriptors from a ring
// in guest memory, hands them to a pluggable backend, and tracks fence
// completion under two disciplines (immediate and deferred).
package gpu

import (
	"encoding/binary"

	"github.com/aerocore-emu/aerocore/cpubus"
)

const (
	ringMagic      = 0x41474D31 // "AGM1"
	ringABIVersion = 1

	// RingHeaderSize is the fixed byte layout of the ring header in guest
	// memory: magic, abi_version, size_bytes, entry_count,
	// entry_stride_bytes, reserved, head, tail.
	RingHeaderSize = 32
	// SubmitDescSize is the fixed byte layout of a submit descriptor.
	SubmitDescSize = 56
)

// Submission flag bits, per spec §4.3/§6.
const (
	FlagPresent = 1 << 0
	FlagNoIRQ   = 1 << 1
)

// RingHeader mirrors the guest-visible ring header layout.
type RingHeader struct {
	Magic            uint32
	ABIVersion       uint32
	SizeBytes        uint32
	EntryCount       uint32
	EntryStrideBytes uint32
	Reserved         uint32
	Head             uint32
	Tail             uint32
}

// ReadRingHeader reads and decodes the fixed-layout header at gpa.
func ReadRingHeader(mem cpubus.MemoryBus, gpa uint64) (RingHeader, error) {
	var buf [RingHeaderSize]byte
	if err := mem.ReadPhysical(gpa, buf[:]); err != nil {
		return RingHeader{}, err
	}
	return RingHeader{
		Magic:            binary.LittleEndian.Uint32(buf[0:4]),
		ABIVersion:       binary.LittleEndian.Uint32(buf[4:8]),
		SizeBytes:        binary.LittleEndian.Uint32(buf[8:12]),
		EntryCount:       binary.LittleEndian.Uint32(buf[12:16]),
		EntryStrideBytes: binary.LittleEndian.Uint32(buf[16:20]),
		Reserved:         binary.LittleEndian.Uint32(buf[20:24]),
		Head:             binary.LittleEndian.Uint32(buf[24:28]),
		Tail:             binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

// WriteHead writes back just the head field, the only field the device
// mutates in guest memory. It is a no-op if gpa+24 would overflow the
// address space, so callers recovering from an unmappable ring never panic.
func WriteHead(mem cpubus.MemoryBus, gpa uint64, head uint32) {
	if addr, overflow := cpubus.CheckedAdd(gpa, 24); !overflow {
		_ = mem.WriteU32(addr, head)
	}
}

// ReadTail reads just the tail field, tolerating an address that cannot be
// formed safely by returning 0 (which makes any caller-computed pending
// count collapse to 0, the safe default when the ring mapping is broken).
func ReadTail(mem cpubus.MemoryBus, gpa uint64) uint32 {
	addr, overflow := cpubus.CheckedAdd(gpa, 28)
	if overflow {
		return 0
	}
	var buf [4]byte
	if err := mem.ReadPhysical(addr, buf[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// IsValid rejects bad magic, bad ABI, a size_bytes inconsistent with the
// declared entry geometry, or a header size_bytes that disagrees with the
// device's own ring_size_bytes register (the two are set up together by the
// guest driver and must match).
func (h RingHeader) IsValid(regRingSizeBytes uint32) bool {
	if h.Magic != ringMagic || h.ABIVersion != ringABIVersion {
		return false
	}
	if h.EntryCount == 0 || h.EntryStrideBytes == 0 {
		return false
	}
	want, overflow := cpubus.CheckedMulAdd(uint64(RingHeaderSize), uint64(h.EntryCount), uint64(h.EntryStrideBytes))
	if overflow || want != uint64(h.SizeBytes) || uint64(h.SizeBytes) != uint64(regRingSizeBytes) {
		return false
	}
	return true
}

// SlotIndex maps a ring position to its entry index, wrapping modulo the
// declared entry count.
func (h RingHeader) SlotIndex(pos uint32) uint32 {
	return pos % h.EntryCount
}

// SubmitDesc mirrors the guest-visible 56-byte submission descriptor.
type SubmitDesc struct {
	DescSizeBytes    uint32
	Flags            uint32
	ContextID        uint32
	EngineID         uint32
	CmdGPA           uint64
	CmdSizeBytes     uint32
	AllocTableGPA    uint64
	AllocTableSize   uint32
	SignalFence      uint64
}

// ReadSubmitDesc reads and decodes a submission descriptor at gpa.
func ReadSubmitDesc(mem cpubus.MemoryBus, gpa uint64) (SubmitDesc, error) {
	var buf [SubmitDescSize]byte
	if err := mem.ReadPhysical(gpa, buf[:]); err != nil {
		return SubmitDesc{}, err
	}
	// Fields are laid out with natural u64 alignment (matching the
	// original C-ABI struct), so u64 fields fall on 8-byte boundaries and
	// the descriptor occupies the full 56 declared bytes including two
	// 4-byte alignment gaps.
	return SubmitDesc{
		DescSizeBytes:  binary.LittleEndian.Uint32(buf[0:4]),
		Flags:          binary.LittleEndian.Uint32(buf[4:8]),
		ContextID:      binary.LittleEndian.Uint32(buf[8:12]),
		EngineID:       binary.LittleEndian.Uint32(buf[12:16]),
		CmdGPA:         binary.LittleEndian.Uint64(buf[16:24]),
		CmdSizeBytes:   binary.LittleEndian.Uint32(buf[24:28]),
		AllocTableGPA:  binary.LittleEndian.Uint64(buf[32:40]),
		AllocTableSize: binary.LittleEndian.Uint32(buf[40:44]),
		SignalFence:    binary.LittleEndian.Uint64(buf[48:56]),
	}, nil
}
