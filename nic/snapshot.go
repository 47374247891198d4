package nic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	snapshotMagic   = "AONC"
	snapshotVersion = 1
)

// Tag identifiers for the TLV snapshot format. Unknown tags encountered on
// load are skipped (forward-compat); known tags may appear in any order.
const (
	tagPCI        = 1
	tagBARs       = 2
	tagRegs       = 3
	tagOtherRegs  = 4
	tagEEPROM     = 5
	tagPHY        = 6
	tagMAC        = 7
	tagIOAddr     = 8
	tagTXState    = 9
	tagRXPending  = 10
	tagTXOut      = 11
	tagErrCounter = 12
)

const maxSnapshotQueueDepth = 256
const maxSnapshotFrameLen = 1522

// Save encodes the device's full guest-observable state as a tagged,
// length-prefixed byte stream with a canonical device-ID+version prefix.
// Sparse maps are written in sorted-key order so that two semantically
// equal devices produce byte-identical output.
func (n *NIC) Save() []byte {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(snapshotVersion))

	writeTLV(&buf, tagPCI, n.pci[:])

	var bars bytes.Buffer
	binary.Write(&bars, binary.LittleEndian, n.bar0)
	binary.Write(&bars, binary.LittleEndian, n.bar1)
	binary.Write(&bars, binary.LittleEndian, boolByte(n.bar0ProbePend))
	binary.Write(&bars, binary.LittleEndian, boolByte(n.bar1ProbePend))
	writeTLV(&buf, tagBARs, bars.Bytes())

	var regs bytes.Buffer
	for _, v := range n.regs.fields() {
		binary.Write(&regs, binary.LittleEndian, v)
	}
	writeTLV(&buf, tagRegs, regs.Bytes())

	var other bytes.Buffer
	keys := make([]uint32, 0, len(n.otherRegs))
	for k := range n.otherRegs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	binary.Write(&other, binary.LittleEndian, uint32(len(keys)))
	for _, k := range keys {
		binary.Write(&other, binary.LittleEndian, k)
		binary.Write(&other, binary.LittleEndian, n.otherRegs[k])
	}
	writeTLV(&buf, tagOtherRegs, other.Bytes())

	var eeprom bytes.Buffer
	for _, w := range n.eeprom {
		binary.Write(&eeprom, binary.LittleEndian, w)
	}
	writeTLV(&buf, tagEEPROM, eeprom.Bytes())

	var phy bytes.Buffer
	for _, w := range n.phy {
		binary.Write(&phy, binary.LittleEndian, w)
	}
	writeTLV(&buf, tagPHY, phy.Bytes())

	writeTLV(&buf, tagMAC, n.mac[:])

	var ioaddr bytes.Buffer
	binary.Write(&ioaddr, binary.LittleEndian, n.ioaddr)
	writeTLV(&buf, tagIOAddr, ioaddr.Bytes())

	writeTLV(&buf, tagTXState, encodeTXState(n.txState))
	writeTLV(&buf, tagRXPending, encodeFrameQueue(n.rxPending))
	writeTLV(&buf, tagTXOut, encodeFrameQueue(n.txOut))

	var errCounter bytes.Buffer
	binary.Write(&errCounter, binary.LittleEndian, n.errCounter)
	writeTLV(&buf, tagErrCounter, errCounter.Bytes())

	return buf.Bytes()
}

// Load restores device state from a Save-produced byte stream. Every field
// is sanitized on the way in: BARs are re-decoded from their raw dwords,
// queued frames outside the valid length range are dropped, over-cap queues
// are truncated oldest-first, ring head/tail outside the decoded descriptor
// count reset to 0, the sparse register map discards out-of-range offsets,
// and INTx level is recomputed from the restored ICR/IMS.
func (n *NIC) Load(data []byte) error {
	if len(data) < 8 || string(data[:4]) != snapshotMagic {
		return fmt.Errorf("nic: bad snapshot magic")
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != snapshotVersion {
		return fmt.Errorf("nic: unsupported snapshot version %d", version)
	}

	var rawRegs, rawOther []byte
	var haveRegs bool
	rest := data[8:]
	for len(rest) >= 6 {
		tag := binary.LittleEndian.Uint16(rest[0:2])
		length := binary.LittleEndian.Uint32(rest[2:6])
		rest = rest[6:]
		if uint32(len(rest)) < length {
			return fmt.Errorf("nic: truncated snapshot record (tag %d)", tag)
		}
		payload := rest[:length]
		rest = rest[length:]

		switch tag {
		case tagPCI:
			n.loadPCI(payload)
		case tagBARs:
			n.loadBARs(payload)
		case tagRegs:
			rawRegs = payload
			haveRegs = true
		case tagOtherRegs:
			rawOther = payload
		case tagEEPROM:
			n.loadEEPROM(payload)
		case tagPHY:
			n.loadPHY(payload)
		case tagMAC:
			if len(payload) == 6 {
				copy(n.mac[:], payload)
			}
		case tagIOAddr:
			if len(payload) >= 4 {
				n.ioaddr = binary.LittleEndian.Uint32(payload)
			}
		case tagTXState:
			n.txState = decodeTXState(payload)
		case tagRXPending:
			n.rxPending = sanitizeFrameQueue(decodeFrameQueue(payload))
		case tagTXOut:
			n.txOut = sanitizeFrameQueue(decodeFrameQueue(payload))
		case tagErrCounter:
			if len(payload) >= 8 {
				n.errCounter = binary.LittleEndian.Uint64(payload)
			}
		default:
			// unknown tag: ignored for forward-compatibility
		}
	}

	if haveRegs {
		n.regs.setFields(rawRegs)
	}
	n.loadOtherRegs(rawOther)
	n.sanitizeRings()
	return nil
}

func writeTLV(buf *bytes.Buffer, tag uint16, payload []byte) {
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
}

func boolByte(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func boolU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// fields returns the regFile's dwords in a fixed, stable order matched by
// setFields.
func (r *regFile) fields() []uint32 {
	return []uint32{
		r.ctrl, r.status, r.eecd, r.eerd, r.ctrlExt, r.mdic,
		r.icr, r.ics, r.ims,
		r.rctl, r.tctl,
		r.rdbal, r.rdbah, r.rdlen, r.rdh, r.rdt,
		r.tdbal, r.tdbah, r.tdlen, r.tdh, r.tdt,
		r.ral0, r.rah0,
	}
}

func (r *regFile) setFields(payload []byte) {
	n := len(payload) / 4
	vals := make([]uint32, n)
	for i := 0; i < n; i++ {
		vals[i] = binary.LittleEndian.Uint32(payload[i*4 : i*4+4])
	}
	get := func(i int) uint32 {
		if i < len(vals) {
			return vals[i]
		}
		return 0
	}
	r.ctrl, r.status, r.eecd, r.eerd, r.ctrlExt, r.mdic = get(0), get(1), get(2), get(3), get(4), get(5)
	r.icr, r.ics, r.ims = get(6), get(7), get(8)
	r.rctl, r.tctl = get(9), get(10)
	r.rdbal, r.rdbah, r.rdlen, r.rdh, r.rdt = get(11), get(12), get(13), get(14), get(15)
	r.tdbal, r.tdbah, r.tdlen, r.tdh, r.tdt = get(16), get(17), get(18), get(19), get(20)
	r.ral0, r.rah0 = get(21), get(22)
}

func (n *NIC) loadPCI(payload []byte) {
	if len(payload) != len(n.pci) {
		return
	}
	copy(n.pci[:], payload)
}

func (n *NIC) loadBARs(payload []byte) {
	if len(payload) < 10 {
		return
	}
	n.WriteConfig(0x10, binary.LittleEndian.Uint32(payload[0:4]))
	n.WriteConfig(0x14, binary.LittleEndian.Uint32(payload[4:8]))
}

func (n *NIC) loadEEPROM(payload []byte) {
	for i := 0; i < len(n.eeprom) && (i+1)*2 <= len(payload); i++ {
		n.eeprom[i] = binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
	}
}

func (n *NIC) loadPHY(payload []byte) {
	for i := 0; i < len(n.phy) && (i+1)*2 <= len(payload); i++ {
		n.phy[i] = binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
	}
}

func (n *NIC) loadOtherRegs(payload []byte) {
	n.otherRegs = make(map[uint32]uint32)
	if len(payload) < 4 {
		return
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	off := 4
	for i := uint32(0); i < count && off+8 <= len(payload); i++ {
		offset := binary.LittleEndian.Uint32(payload[off : off+4])
		value := binary.LittleEndian.Uint32(payload[off+4 : off+8])
		off += 8
		if offset < mmioSize {
			n.otherRegs[offset] = value
		}
	}
}

func encodeTXState(st txState) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint8(st.kind))
	binary.Write(&buf, binary.LittleEndian, boolU8(st.dropMode))
	binary.Write(&buf, binary.LittleEndian, boolU8(st.ctx.valid))
	binary.Write(&buf, binary.LittleEndian, st.ctx.ipcss)
	binary.Write(&buf, binary.LittleEndian, st.ctx.ipcso)
	binary.Write(&buf, binary.LittleEndian, st.ctx.ipcse)
	binary.Write(&buf, binary.LittleEndian, st.ctx.tucss)
	binary.Write(&buf, binary.LittleEndian, st.ctx.tucso)
	binary.Write(&buf, binary.LittleEndian, st.ctx.tucse)
	binary.Write(&buf, binary.LittleEndian, st.ctx.mss)
	binary.Write(&buf, binary.LittleEndian, st.ctx.hdrLen)
	binary.Write(&buf, binary.LittleEndian, st.ctx.tcpHdrLen)
	binary.Write(&buf, binary.LittleEndian, uint32(len(st.agg)))
	buf.Write(st.agg)
	return buf.Bytes()
}

func decodeTXState(payload []byte) txState {
	var st txState
	r := bytes.NewReader(payload)
	var kind, drop, valid uint8
	binary.Read(r, binary.LittleEndian, &kind)
	binary.Read(r, binary.LittleEndian, &drop)
	binary.Read(r, binary.LittleEndian, &valid)
	binary.Read(r, binary.LittleEndian, &st.ctx.ipcss)
	binary.Read(r, binary.LittleEndian, &st.ctx.ipcso)
	binary.Read(r, binary.LittleEndian, &st.ctx.ipcse)
	binary.Read(r, binary.LittleEndian, &st.ctx.tucss)
	binary.Read(r, binary.LittleEndian, &st.ctx.tucso)
	binary.Read(r, binary.LittleEndian, &st.ctx.tucse)
	binary.Read(r, binary.LittleEndian, &st.ctx.mss)
	binary.Read(r, binary.LittleEndian, &st.ctx.hdrLen)
	binary.Read(r, binary.LittleEndian, &st.ctx.tcpHdrLen)
	var aggLen uint32
	binary.Read(r, binary.LittleEndian, &aggLen)
	if aggLen > maxAggBytes {
		aggLen = 0
	}
	agg := make([]byte, aggLen)
	r.Read(agg)

	st.kind = txPacketKind(kind)
	st.dropMode = drop != 0
	st.ctx.valid = valid != 0
	st.agg = agg
	return st
}

func encodeFrameQueue(frames [][]byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(frames)))
	for _, f := range frames {
		binary.Write(&buf, binary.LittleEndian, uint32(len(f)))
		buf.Write(f)
	}
	return buf.Bytes()
}

func decodeFrameQueue(payload []byte) [][]byte {
	if len(payload) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	off := 4
	var out [][]byte
	for i := uint32(0); i < count && off+4 <= len(payload); i++ {
		flen := binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		if off+int(flen) > len(payload) {
			break
		}
		frame := make([]byte, flen)
		copy(frame, payload[off:off+int(flen)])
		off += int(flen)
		out = append(out, frame)
	}
	return out
}

// sanitizeFrameQueue drops frames outside the valid length range and
// truncates an over-cap queue oldest-first.
func sanitizeFrameQueue(frames [][]byte) [][]byte {
	var out [][]byte
	for _, f := range frames {
		if len(f) < 14 || len(f) > maxSnapshotFrameLen {
			continue
		}
		out = append(out, f)
	}
	if len(out) > maxSnapshotQueueDepth {
		out = out[len(out)-maxSnapshotQueueDepth:]
	}
	return out
}

// sanitizeRings resets ring head/tail to 0 when they fall outside the
// decoded descriptor count, and recomputes INTx level from ICR/IMS.
func (n *NIC) sanitizeRings() {
	rxCap := n.ringCapacity(n.regs.rdlen)
	if rxCap == 0 || n.regs.rdh >= rxCap || n.regs.rdt >= rxCap {
		n.regs.rdh, n.regs.rdt = 0, 0
	}
	txCap := n.ringCapacity(n.regs.tdlen)
	if txCap == 0 || n.regs.tdh >= txCap || n.regs.tdt >= txCap {
		n.regs.tdh, n.regs.tdt = 0, 0
	}
	n.recomputeINTx()
}
