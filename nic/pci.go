package nic

import "encoding/binary"

// resetPCI seeds the identity bytes of the 256-byte config space: vendor/
// device/class/header-type/subsystem/interrupt-pin, all read-only, per
// spec §6.
func (n *NIC) resetPCI() {
	for i := range n.pci {
		n.pci[i] = 0
	}
	binary.LittleEndian.PutUint16(n.pci[0x00:], pciVendorE1000)
	binary.LittleEndian.PutUint16(n.pci[0x02:], pciDeviceE1000)
	n.pci[0x09] = 0x00 // prog IF
	n.pci[0x0A] = 0x00 // subclass: ethernet
	n.pci[0x0B] = pciClassNet
	n.pci[0x0E] = 0x00 // header type
	n.pci[0x3D] = 0x01 // interrupt pin A
	n.bar0ProbePend = false
	n.bar1ProbePend = false
	n.bar0 = 0
	n.bar1 = 1 // I/O indicator bit set even before a base is chosen
}

// pciBAR0ProbeMask/pciBAR1ProbeMask are the decoded probe masks: writing all-ones to a
// BAR and reading it back reports the size (standard PCI BAR-sizing dance).
func pciBAR0ProbeMask() uint32 { return ^uint32(mmioSize-1) &^ 0xF }
func pciBAR1ProbeMask() uint32 { return (^uint32(ioSize-1) &^ 0x3) | 0x1 }

// ReadConfig reads a dword from PCI config space at the given byte offset.
func (n *NIC) ReadConfig(offset uint8) uint32 {
	off := int(offset &^ 3)
	switch off {
	case 0x10: // BAR0
		return n.bar0
	case 0x14: // BAR1
		return n.bar1
	}
	if off+4 > len(n.pci) {
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(n.pci[off:])
}

// WriteConfig writes a dword to PCI config space, applying read-only
// masking for identity bytes, BAR-sizing semantics, and the Command/Status
// read-only-status-on-shared-store rule.
func (n *NIC) WriteConfig(offset uint8, v uint32) {
	off := int(offset &^ 3)
	switch off {
	case 0x04: // Command (lo16 writable) + Status (hi16 read-only)
		status := binary.LittleEndian.Uint16(n.pci[6:])
		binary.LittleEndian.PutUint16(n.pci[4:], uint16(v))
		binary.LittleEndian.PutUint16(n.pci[6:], status)
		return
	case 0x10:
		n.writeBAR(&n.bar0, v, pciBAR0ProbeMask(), 0)
		return
	case 0x14:
		n.writeBAR(&n.bar1, v, pciBAR1ProbeMask(), 1)
		return
	}
	if off < 0x10 || off == 0x2C {
		return // identity bytes (incl. subsystem IDs) are read-only
	}
	if off == 0x3C {
		pin := n.pci[0x3D] // interrupt pin is read-only; interrupt line is not
		binary.LittleEndian.PutUint32(n.pci[off:], v)
		n.pci[0x3D] = pin
		return
	}
	if off+4 <= len(n.pci) {
		binary.LittleEndian.PutUint32(n.pci[off:], v)
	}
}

// writeBAR implements the probe dance: a full-width all-ones store latches
// the probe mask (so the driver can read back the BAR size); any other
// 32-bit-aligned store latches the decoded base, preserving the low
// indicator bits (memory-type/prefetch for BAR0, the I/O bit for BAR1).
func (n *NIC) writeBAR(bar *uint32, v, probeMask uint32, ioBit uint32) {
	if v == 0xFFFFFFFF {
		*bar = probeMask | ioBit
		return
	}
	*bar = (v &^ 0xF) | ioBit
	if ioBit == 1 {
		*bar = (v &^ 0x3) | 1
	}
}
