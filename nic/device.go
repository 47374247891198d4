// Package nic implements the E1000-class PCI NIC device model: PCI config
// space with BAR sizing, an MMIO register window, an I/O-BAR indirection
// window, RX/TX descriptor rings, and offload-capable TX processing.
package nic

import (
	"errors"

	"github.com/aerocore-emu/aerocore/cpubus"
)

const (
	mmioSize = 128 * 1024
	ioSize   = 64

	pciVendorE1000 = 0x8086
	pciDeviceE1000 = 0x100E
	pciClassNet    = 0x02
)

// ErrOversizedFrame is returned by EnqueueFrame for a host frame outside the
// accepted 14..1522-byte length range (undersized frames included); the
// frame is not queued.
var ErrOversizedFrame = errors.New("nic: frame exceeds RX buffer")

// NIC is the E1000-class device model. It owns no goroutines: MMIO/PIO
// writes either mutate register state directly or set a needs-poll flag
// that a later Poll call consumes, per spec §4.2's "register-only vs.
// DMA-capable paths".
type NIC struct {
	mem cpubus.MemoryBus

	pci           [256]byte
	bar0          uint32 // decoded MMIO base
	bar1          uint32 // decoded I/O base
	bar0ProbePend bool
	bar1ProbePend bool

	regs      regFile
	otherRegs map[uint32]uint32

	eeprom [64]uint16
	phy    [32]uint16
	ioaddr uint32

	mac [6]byte

	txNeedsPoll  bool
	rxNeedsFlush bool

	txState txState

	rxPending [][]byte // host-enqueued frames awaiting RX delivery
	txOut     [][]byte // frames the device has transmitted, for host consumption

	errCounter uint64

	intxAsserted bool // current INTx pin level, recomputed on every ICR/IMS change
}

type regFile struct {
	ctrl, status             uint32
	eecd, eerd, ctrlExt, mdic uint32
	icr, ics, ims             uint32
	rctl, tctl                uint32
	rdbal, rdbah, rdlen, rdh, rdt uint32
	tdbal, tdbah, tdlen, tdh, tdt uint32
	ral0, rah0                uint32
}

// NewNIC constructs a NIC seeded with the given MAC address.
func NewNIC(mem cpubus.MemoryBus, mac [6]byte) *NIC {
	n := &NIC{mem: mem, mac: mac, otherRegs: make(map[uint32]uint32)}
	n.resetPCI()
	n.Reset()
	return n
}

// Reset implements CTRL.RST: clears all runtime registers, ring pointers,
// pending TX/RX state, and non-identity MMIO, then re-seeds EEPROM and PHY.
func (n *NIC) Reset() {
	n.regs = regFile{}
	n.otherRegs = make(map[uint32]uint32)
	n.ioaddr = 0
	n.txNeedsPoll = false
	n.rxNeedsFlush = false
	n.txState = txState{}
	n.rxPending = nil
	n.txOut = nil
	n.intxAsserted = false
	n.seedEEPROM()
	n.seedPHY()
	n.regs.ral0 = uint32(n.mac[0]) | uint32(n.mac[1])<<8 | uint32(n.mac[2])<<16 | uint32(n.mac[3])<<24
	n.regs.rah0 = uint32(n.mac[4]) | uint32(n.mac[5])<<8 | 1<<31 // AV bit
}

// busMasterEnabled reports PCI Command bit 2.
func (n *NIC) busMasterEnabled() bool {
	cmd := n.pciCommand()
	return cmd&(1<<2) != 0
}

// intxEnabled reports PCI Command bit 10 (INTx Disable) is clear.
func (n *NIC) intxEnabled() bool {
	cmd := n.pciCommand()
	return cmd&(1<<10) == 0
}

func (n *NIC) pciCommand() uint16 {
	return uint16(n.pci[4]) | uint16(n.pci[5])<<8
}

// raiseInterrupt ORs cause bits into ICR and returns whether INTx should now
// be asserted (cause bits present in IMS, INTx enabled).
func (n *NIC) raiseInterrupt(cause uint32) bool {
	n.regs.icr |= cause
	return n.recomputeINTx()
}

// recomputeINTx re-derives the INTx pin level from the current ICR/IMS/PCI
// Command state and stores it, so any register write that changes one of
// those (not just raiseInterrupt) keeps intxAsserted current.
func (n *NIC) recomputeINTx() bool {
	n.intxAsserted = n.intxEnabled() && n.regs.icr&n.regs.ims != 0
	return n.intxAsserted
}

// INTxAsserted reports the NIC's current INTx pin level, as last computed
// from ICR & IMS (and the PCI Command INTx-disable bit).
func (n *NIC) INTxAsserted() bool {
	return n.intxAsserted
}

// EnqueueFrame queues a host-received frame for RX delivery into the guest.
// Oversized/undersized frames are rejected at enqueue per spec §4.2.
func (n *NIC) EnqueueFrame(frame []byte) error {
	const maxFrame = 1522
	const minFrame = 14
	if len(frame) < minFrame || len(frame) > maxFrame {
		n.errCounter++
		return ErrOversizedFrame
	}
	const maxQueueDepth = 256
	if len(n.rxPending) >= maxQueueDepth {
		n.rxPending = n.rxPending[1:] // drop oldest on overflow
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	n.rxPending = append(n.rxPending, cp)
	n.rxNeedsFlush = true
	return nil
}

// DrainTransmitted returns and clears frames the device has sent to the
// (simulated) link since the last call.
func (n *NIC) DrainTransmitted() [][]byte {
	out := n.txOut
	n.txOut = nil
	return out
}

// Poll is the single point where guest memory is touched: it runs TX
// processing if needed, then flushes RX if needed.
func (n *NIC) Poll() {
	if n.txNeedsPoll || n.regs.tdh != n.regs.tdt {
		n.pollTX()
	}
	if n.rxNeedsFlush || len(n.rxPending) > 0 {
		n.pollRX()
	}
}
