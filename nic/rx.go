package nic

import "github.com/aerocore-emu/aerocore/cpubus"

const (
	rxStatusDD  = 1 << 0
	rxStatusEOP = 1 << 1
	rxErrorsRXE = 1 << 7
)

// pollRX delivers queued host-side frames into the RX ring, one descriptor
// per frame, while head != tail-1 (the keep-one-empty invariant).
func (n *NIC) pollRX() {
	n.rxNeedsFlush = false
	if !n.busMasterEnabled() {
		return
	}
	ringCap := n.ringCapacity(n.regs.rdlen)
	if ringCap == 0 {
		return
	}
	for len(n.rxPending) > 0 {
		next := (n.regs.rdh + 1) % ringCap
		if next == n.regs.rdt {
			break // ring full: one slot always reserved
		}
		frame := n.rxPending[0]
		n.rxPending = n.rxPending[1:]
		n.deliverFrame(frame, ringCap)
	}
}

func (n *NIC) deliverFrame(frame []byte, ringCap uint32) {
	gpa, overflow := cpubus.CheckedMulAdd(uint64(n.regs.rdbal)|uint64(n.regs.rdbah)<<32, uint64(n.regs.rdh), descSize)
	if overflow {
		n.regs.rdh = n.regs.rdt
		n.errCounter++
		return
	}
	var desc [descSize]byte
	if err := n.mem.ReadPhysical(gpa, desc[:]); err != nil {
		n.errCounter++
		return
	}
	bufAddr := leU64(desc[0:8])
	bufLen := leU16(desc[8:10])

	if len(frame) > int(bufLen) {
		// Buffer too small: complete with length=0 and RXE rather than
		// deliver a truncated frame.
		n.mem.WriteU16(gpa+8, 0)
		n.mem.WriteU8(gpa+13, rxErrorsRXE)
		n.mem.WriteU8(gpa+12, rxStatusDD|rxStatusEOP)
		n.regs.rdh = (n.regs.rdh + 1) % ringCap
		return
	}
	if err := n.mem.WritePhysical(bufAddr, frame); err != nil {
		n.errCounter++
		return
	}
	n.mem.WriteU16(gpa+8, uint16(len(frame)))
	n.mem.WriteU16(gpa+10, 0) // checksum offload not modeled on RX
	n.mem.WriteU8(gpa+12, rxStatusDD|rxStatusEOP)
	n.mem.WriteU8(gpa+13, 0)

	n.regs.rdh = (n.regs.rdh + 1) % ringCap
	n.raiseInterrupt(icrRXT0)
}
