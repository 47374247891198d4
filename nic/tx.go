package nic

import "github.com/aerocore-emu/aerocore/cpubus"

const descSize = 16

// cmd bits shared by legacy and extended-data descriptors.
const (
	cmdEOP  = 1 << 0
	cmdIFCS = 1 << 1
	cmdIC   = 1 << 2
	cmdRS   = 1 << 3
	cmdDEXT = 1 << 5
	cmdTSE  = 1 << 7
)

const (
	popsIXSM = 1 << 0
	popsTXSM = 1 << 1

	statusDD = 1 << 0
)

// txContext caches the most recently posted context descriptor's checksum
// spans and TSO parameters, consumed by a later Data descriptor.
type txContext struct {
	ipcss, ipcso   uint8
	ipcse          uint16
	tucss, tucso   uint8
	tucse          uint16
	mss            uint16
	hdrLen         uint8
	tcpHdrLen      uint8
	valid          bool
}

type txPacketKind int

const (
	txPacketNone txPacketKind = iota
	txPacketLegacy
	txPacketAdvanced
)

type txState struct {
	ctx      txContext
	agg      []byte
	dropMode bool
	kind     txPacketKind
}

const maxAggBytes = 256 * 1024
const maxDescsPerPoll = 4096

// pollTX processes up to maxDescsPerPoll TX descriptors per call, per
// spec §4.2's TX pipeline.
func (n *NIC) pollTX() {
	n.txNeedsPoll = false
	if !n.busMasterEnabled() {
		return
	}
	for i := 0; i < maxDescsPerPoll && n.regs.tdh != n.regs.tdt; i++ {
		n.processOneTXDescriptor()
	}
}

// maxRingDescriptors is the implementation cap on ring descriptor count.
const maxRingDescriptors = 65536

// ringCapacity returns the descriptor count encoded by lenBytes, or 0 if
// lenBytes is not a positive multiple of descSize or exceeds the ring cap —
// per the "Ring sanity" invariant, both cases are rejected outright rather
// than truncated.
func (n *NIC) ringCapacity(lenBytes uint32) uint32 {
	if lenBytes == 0 || lenBytes%descSize != 0 {
		return 0
	}
	count := lenBytes / descSize
	if count > maxRingDescriptors {
		return 0
	}
	return count
}

func (n *NIC) processOneTXDescriptor() {
	ringCap := n.ringCapacity(n.regs.tdlen)
	if ringCap == 0 {
		return
	}
	gpa, overflow := cpubus.CheckedMulAdd(uint64(n.regs.tdbal)|uint64(n.regs.tdbah)<<32, uint64(n.regs.tdh), descSize)
	if overflow {
		n.regs.tdh = n.regs.tdt
		n.errCounter++
		return
	}
	var buf [descSize]byte
	if err := n.mem.ReadPhysical(gpa, buf[:]); err != nil {
		n.errCounter++
		n.regs.tdh = (n.regs.tdh + 1) % ringCap
		return
	}

	cmd := buf[11]
	if cmd&cmdDEXT == 0 {
		n.processLegacy(buf[:], gpa)
	} else {
		dtyp := buf[10] >> 4
		if dtyp == 0 {
			n.processContext(buf[:], gpa)
		} else {
			n.processData(buf[:], gpa)
		}
	}

	n.regs.tdh = (n.regs.tdh + 1) % ringCap
}

func (n *NIC) switchKind(newKind txPacketKind) {
	if n.txState.kind != txPacketNone && n.txState.kind != newKind {
		n.txState.agg = nil
		n.txState.dropMode = false
	}
	n.txState.kind = newKind
}

func (n *NIC) appendAgg(b []byte) {
	if n.txState.dropMode {
		return
	}
	if len(n.txState.agg)+len(b) > maxAggBytes {
		n.txState.dropMode = true
		n.txState.agg = nil
		return
	}
	n.txState.agg = append(n.txState.agg, b...)
}

func (n *NIC) processLegacy(desc []byte, gpa uint64) {
	n.switchKind(txPacketLegacy)
	addr := leU64(desc[0:8])
	length := leU16(desc[8:10])
	cso := desc[10]
	cmd := desc[11]
	css := desc[13]

	buf := make([]byte, length)
	if err := n.mem.ReadPhysical(addr, buf); err != nil {
		n.errCounter++
	} else {
		n.appendAgg(buf)
	}

	if cmd&cmdEOP != 0 {
		if cmd&cmdIC != 0 {
			applyLegacyChecksum(n.txState.agg, css, cso)
		}
		n.emitFrame()
	}
	n.completeDescriptor(gpa, cmd)
}

func (n *NIC) processContext(desc []byte, gpa uint64) {
	n.switchKind(txPacketAdvanced)
	n.txState.ctx = txContext{
		ipcss:     desc[0],
		ipcso:     desc[1],
		ipcse:     leU16(desc[2:4]),
		tucss:     desc[4],
		tucso:     desc[5],
		tucse:     leU16(desc[6:8]),
		mss:       leU16(desc[12:14]),
		hdrLen:    desc[14],
		tcpHdrLen: desc[15],
		valid:     true,
	}
	cmd := desc[11]
	n.completeDescriptor(gpa, cmd)
}

func (n *NIC) processData(desc []byte, gpa uint64) {
	n.switchKind(txPacketAdvanced)
	addr := leU64(desc[0:8])
	length := leU16(desc[8:10])
	cmd := desc[11]
	popts := desc[13]

	buf := make([]byte, length)
	if err := n.mem.ReadPhysical(addr, buf); err != nil {
		n.errCounter++
	} else {
		n.appendAgg(buf)
	}

	if cmd&cmdEOP != 0 {
		if cmd&cmdTSE != 0 && n.txState.ctx.valid {
			n.segmentTSO(popts)
		} else {
			if n.txState.ctx.valid {
				applyAdvancedChecksum(n.txState.agg, n.txState.ctx, popts)
			}
			n.emitFrame()
		}
	}
	n.completeDescriptor(gpa, cmd)
}

// completeDescriptor sets DD on the status byte written back to guest
// memory and, if cmd.RS is set, raises TXDW and INTx when unmasked.
func (n *NIC) completeDescriptor(gpa uint64, cmd uint8) {
	n.mem.WriteU8(gpa+12, statusDD)
	if cmd&cmdRS != 0 {
		n.raiseInterrupt(icrTXDW)
	}
}

func (n *NIC) emitFrame() {
	if !n.txState.dropMode && len(n.txState.agg) > 0 {
		frame := make([]byte, len(n.txState.agg))
		copy(frame, n.txState.agg)
		n.txOut = append(n.txOut, frame)
	}
	n.txState.agg = nil
	n.txState.dropMode = false
	n.txState.kind = txPacketNone
}

// segmentTSO splits the aggregated payload into MSS-sized frames using the
// context's header template, per spec §4.2's TSO description.
func (n *NIC) segmentTSO(popts uint8) {
	ctx := n.txState.ctx
	payload := n.txState.agg
	hdrLen := int(ctx.hdrLen)
	if hdrLen > len(payload) || n.txState.dropMode {
		n.emitFrame()
		return
	}
	header := payload[:hdrLen]
	body := payload[hdrLen:]
	mss := int(ctx.mss)
	if mss <= 0 {
		mss = len(body)
		if mss == 0 {
			mss = 1
		}
	}
	for off := 0; off < len(body); off += mss {
		end := off + mss
		if end > len(body) {
			end = len(body)
		}
		frame := make([]byte, hdrLen+(end-off))
		copy(frame, header)
		copy(frame[hdrLen:], body[off:end])
		applyAdvancedChecksum(frame, ctx, popts)
		n.txOut = append(n.txOut, frame)
	}
	n.txState.agg = nil
	n.txState.dropMode = false
	n.txState.kind = txPacketNone
}

func applyLegacyChecksum(frame []byte, css, cso uint8) {
	if int(css) >= len(frame) || int(cso)+2 > len(frame) {
		return
	}
	sum := internetChecksum(frame[css:])
	frame[cso] = byte(sum)
	frame[cso+1] = byte(sum >> 8)
}

func applyAdvancedChecksum(frame []byte, ctx txContext, popts uint8) {
	if popts&popsIXSM != 0 && int(ctx.ipcss) < len(frame) && int(ctx.ipcso)+2 <= len(frame) {
		end := int(ctx.ipcse) + 1
		if end > len(frame) || end <= int(ctx.ipcss) {
			end = len(frame)
		}
		sum := internetChecksum(frame[ctx.ipcss:end])
		frame[ctx.ipcso] = byte(sum)
		frame[ctx.ipcso+1] = byte(sum >> 8)
	}
	if popts&popsTXSM != 0 && int(ctx.tucss) < len(frame) && int(ctx.tucso)+2 <= len(frame) {
		end := int(ctx.tucse) + 1
		if end > len(frame) || end <= int(ctx.tucss) {
			end = len(frame)
		}
		sum := internetChecksum(frame[ctx.tucss:end])
		frame[ctx.tucso] = byte(sum)
		frame[ctx.tucso+1] = byte(sum >> 8)
	}
}

// internetChecksum computes the standard ones'-complement 16-bit checksum.
func internetChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i]) | uint32(b[i+1])<<8
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func leU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
