package gpu

import (
	"encoding/binary"

	"github.com/aerocore-emu/aerocore/cpubus"
)

const (
	allocTableMagic = 0x41475431 // "AGT1"

	// AllocTableHeaderSize is the fixed byte layout of an allocation table
	// header: magic, abi_version, size_bytes, entry_count,
	// entry_stride_bytes, reserved.
	AllocTableHeaderSize = 24
	// AllocEntrySize is the fixed byte layout of one allocation entry.
	AllocEntrySize = 24
)

// AllocTableHeader is the guest-visible header prefixing a submission's
// optional allocation table, per spec §4.3/§6.
type AllocTableHeader struct {
	Magic            uint32
	ABIVersion       uint32
	SizeBytes        uint32
	EntryCount       uint32
	EntryStrideBytes uint32
	Reserved         uint32
}

// ReadAllocTableHeader reads and decodes the fixed-layout header at gpa.
func ReadAllocTableHeader(mem cpubus.MemoryBus, gpa uint64) (AllocTableHeader, error) {
	var buf [AllocTableHeaderSize]byte
	if err := mem.ReadPhysical(gpa, buf[:]); err != nil {
		return AllocTableHeader{}, err
	}
	return AllocTableHeader{
		Magic:            binary.LittleEndian.Uint32(buf[0:4]),
		ABIVersion:       binary.LittleEndian.Uint32(buf[4:8]),
		SizeBytes:        binary.LittleEndian.Uint32(buf[8:12]),
		EntryCount:       binary.LittleEndian.Uint32(buf[12:16]),
		EntryStrideBytes: binary.LittleEndian.Uint32(buf[16:20]),
		Reserved:         binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// AllocEntry names one guest allocation backing a submission's resources, as
// the {alloc_id, gpa, size_bytes} triples spec §6 describes.
type AllocEntry struct {
	AllocID   uint32
	GPA       uint64
	SizeBytes uint64
}

// ReadAllocEntry reads and decodes one allocation entry at gpa. Only the
// understood prefix is read; a larger declared entry_stride_bytes (a
// forward-compat extension) is tolerated by the caller skipping the extra
// trailing bytes between entries.
func ReadAllocEntry(mem cpubus.MemoryBus, gpa uint64) (AllocEntry, error) {
	var buf [AllocEntrySize]byte
	if err := mem.ReadPhysical(gpa, buf[:]); err != nil {
		return AllocEntry{}, err
	}
	return AllocEntry{
		AllocID:   binary.LittleEndian.Uint32(buf[0:4]),
		GPA:       binary.LittleEndian.Uint64(buf[8:16]),
		SizeBytes: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}
