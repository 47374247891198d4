// Package cpubus defines the capability interfaces the CPU executor and the
// device models proxy all guest-memory and port-I/O traffic through.
package cpubus

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfRange is returned by a MemoryBus implementation when an access
// falls outside backing storage. Callers guard against address wrap before
// invoking the bus; the bus itself only rejects accesses it cannot satisfy.
var ErrOutOfRange = errors.New("cpubus: address out of range")

// MemoryBus is the physical-memory read/write capability shared by the CPU
// executor and every device model. Implementations apply A20 gating (or any
// other address remapping) before touching backing storage.
type MemoryBus interface {
	ReadPhysical(addr uint64, dst []byte) error
	WritePhysical(addr uint64, src []byte) error

	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)

	WriteU8(addr uint64, v uint8) error
	WriteU16(addr uint64, v uint16) error
	WriteU32(addr uint64, v uint32) error
	WriteU64(addr uint64, v uint64) error
}

// PortBus is the 8/16/32-bit port-I/O capability. Port space has no error
// channel on real hardware, so reads/writes never fail. The value a port
// with nothing behind it reads as is up to the implementation (FlatPorts
// returns 0 for a port that was never written).
type PortBus interface {
	InU8(port uint16) uint8
	InU16(port uint16) uint16
	InU32(port uint16) uint32

	OutU8(port uint16, v uint8)
	OutU16(port uint16, v uint16)
	OutU32(port uint16, v uint32)
}

// FlatMemory is a reference MemoryBus backed by a single contiguous byte
// slice with an A20 gate, mirroring the teacher's MachineBus flat-array
// backing store. It is the bus used by package tests across cpu/nic/gpu.
type FlatMemory struct {
	mem      []byte
	a20Mask  uint64
	a20Gated bool
}

// NewFlatMemory allocates a FlatMemory of the given size with A20 gating
// disabled (full address space visible).
func NewFlatMemory(size int) *FlatMemory {
	return &FlatMemory{mem: make([]byte, size), a20Mask: ^uint64(0)}
}

// SetA20 enables or disables the A20 gate. When gated, bit 20 of every
// address is forced to match legacy wraparound behavior (addr & ^(1<<20)).
func (f *FlatMemory) SetA20(enabled bool) {
	f.a20Gated = enabled
	if enabled {
		f.a20Mask = ^(uint64(1) << 20)
	} else {
		f.a20Mask = ^uint64(0)
	}
}

func (f *FlatMemory) gate(addr uint64) uint64 {
	return addr & f.a20Mask
}

// Bytes exposes the backing slice for snapshot/debug use.
func (f *FlatMemory) Bytes() []byte { return f.mem }

func (f *FlatMemory) ReadPhysical(addr uint64, dst []byte) error {
	addr = f.gate(addr)
	if addr > uint64(len(f.mem)) || uint64(len(dst)) > uint64(len(f.mem))-addr {
		return ErrOutOfRange
	}
	copy(dst, f.mem[addr:addr+uint64(len(dst))])
	return nil
}

func (f *FlatMemory) WritePhysical(addr uint64, src []byte) error {
	addr = f.gate(addr)
	if addr > uint64(len(f.mem)) || uint64(len(src)) > uint64(len(f.mem))-addr {
		return ErrOutOfRange
	}
	copy(f.mem[addr:addr+uint64(len(src))], src)
	return nil
}

func (f *FlatMemory) ReadU8(addr uint64) (uint8, error) {
	var b [1]byte
	if err := f.ReadPhysical(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *FlatMemory) ReadU16(addr uint64) (uint16, error) {
	var b [2]byte
	if err := f.ReadPhysical(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (f *FlatMemory) ReadU32(addr uint64) (uint32, error) {
	var b [4]byte
	if err := f.ReadPhysical(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (f *FlatMemory) ReadU64(addr uint64) (uint64, error) {
	var b [8]byte
	if err := f.ReadPhysical(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (f *FlatMemory) WriteU8(addr uint64, v uint8) error {
	return f.WritePhysical(addr, []byte{v})
}

func (f *FlatMemory) WriteU16(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return f.WritePhysical(addr, b[:])
}

func (f *FlatMemory) WriteU32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return f.WritePhysical(addr, b[:])
}

func (f *FlatMemory) WriteU64(addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return f.WritePhysical(addr, b[:])
}

// FlatPorts is a reference PortBus backed by a sparse map, used by device
// tests that need a port-I/O surface without a full chipset.
type FlatPorts struct {
	regs map[uint16]uint32
}

func NewFlatPorts() *FlatPorts {
	return &FlatPorts{regs: make(map[uint16]uint32)}
}

func (p *FlatPorts) InU8(port uint16) uint8   { return uint8(p.regs[port]) }
func (p *FlatPorts) InU16(port uint16) uint16 { return uint16(p.regs[port]) }
func (p *FlatPorts) InU32(port uint16) uint32 { return p.regs[port] }

func (p *FlatPorts) OutU8(port uint16, v uint8)   { p.regs[port] = uint32(v) }
func (p *FlatPorts) OutU16(port uint16, v uint16) { p.regs[port] = uint32(v) }
func (p *FlatPorts) OutU32(port uint16, v uint32) { p.regs[port] = v }

// CheckedAdd computes base+offset and reports whether it overflowed a
// uint64, used throughout nic/gpu for guest-pointer arithmetic (spec's
// "checked add/multiply" rule — never dereference a wrapped address).
func CheckedAdd(base, offset uint64) (uint64, bool) {
	sum := base + offset
	return sum, sum < base
}

// CheckedMulAdd computes base+count*stride and reports overflow.
func CheckedMulAdd(base uint64, count, stride uint64) (uint64, bool) {
	if stride != 0 && count > (^uint64(0))/stride {
		return 0, true
	}
	return CheckedAdd(base, count*stride)
}
