package gpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	snapshotMagic   = "AOGP"
	snapshotVersion = 1
)

// Tag identifiers for the TLV snapshot format, per the nic package's
// convention. Unknown tags encountered on load are skipped.
const (
	tagRegs                  = 1
	tagScanout0               = 2
	tagPendingFences          = 3
	tagInFlight               = 4
	tagCompletedBeforeSubmit = 5
)

// Save encodes the device's full guest-observable and in-flight-fence
// state as a tagged, length-prefixed byte stream, mirroring the original's
// save_snapshot_state/save_pending_submissions_snapshot_state split: regs
// and scanout config are plain fixed-layout blobs, while the fence-tracking
// maps are written in sorted-key order so two semantically equal executors
// produce byte-identical output.
func (e *Executor) Save(regs *Regs) []byte {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(snapshotVersion))

	var r bytes.Buffer
	binary.Write(&r, binary.LittleEndian, regs.ABIVersion)
	binary.Write(&r, binary.LittleEndian, regs.RingControl)
	binary.Write(&r, binary.LittleEndian, regs.RingGPA)
	binary.Write(&r, binary.LittleEndian, regs.RingSizeBytes)
	binary.Write(&r, binary.LittleEndian, regs.FenceGPA)
	binary.Write(&r, binary.LittleEndian, regs.CompletedFence)
	binary.Write(&r, binary.LittleEndian, regs.Features)
	binary.Write(&r, binary.LittleEndian, regs.IRQEnable)
	binary.Write(&r, binary.LittleEndian, regs.IRQStatus)
	binary.Write(&r, binary.LittleEndian, uint32(regs.LastErrorCode))
	binary.Write(&r, binary.LittleEndian, regs.LastErrorFence)
	binary.Write(&r, binary.LittleEndian, regs.Stats.Doorbells)
	binary.Write(&r, binary.LittleEndian, regs.Stats.Submissions)
	binary.Write(&r, binary.LittleEndian, regs.Stats.MalformedSubmissions)
	binary.Write(&r, binary.LittleEndian, regs.Stats.GPUExecErrors)
	writeTLV(&buf, tagRegs, r.Bytes())

	var s bytes.Buffer
	binary.Write(&s, binary.LittleEndian, boolByte(regs.Scanout0.Enable))
	binary.Write(&s, binary.LittleEndian, regs.Scanout0.Width)
	binary.Write(&s, binary.LittleEndian, regs.Scanout0.Height)
	binary.Write(&s, binary.LittleEndian, regs.Scanout0.FBGPA)
	binary.Write(&s, binary.LittleEndian, uint32(regs.Scanout0.Format))
	writeTLV(&buf, tagScanout0, s.Bytes())

	var pf bytes.Buffer
	binary.Write(&pf, binary.LittleEndian, uint32(len(e.pendingFences)))
	for _, entry := range e.pendingFences {
		binary.Write(&pf, binary.LittleEndian, entry.fence)
		binary.Write(&pf, binary.LittleEndian, boolByte(entry.wantsIRQ))
		binary.Write(&pf, binary.LittleEndian, uint32(entry.kind))
	}
	writeTLV(&buf, tagPendingFences, pf.Bytes())

	keys := e.sortedInFlightKeys()
	var inFlight bytes.Buffer
	binary.Write(&inFlight, binary.LittleEndian, uint32(len(keys)))
	for _, k := range keys {
		entry := e.inFlight[k]
		binary.Write(&inFlight, binary.LittleEndian, k)
		binary.Write(&inFlight, binary.LittleEndian, entry.flags)
		binary.Write(&inFlight, binary.LittleEndian, uint32(entry.kind))
		binary.Write(&inFlight, binary.LittleEndian, boolByte(entry.completedBackend))
		binary.Write(&inFlight, binary.LittleEndian, boolByte(entry.vblankReady))
	}
	writeTLV(&buf, tagInFlight, inFlight.Bytes())

	cbsKeys := make([]uint64, 0, len(e.completedBeforeSubmit))
	for k := range e.completedBeforeSubmit {
		cbsKeys = append(cbsKeys, k)
	}
	sortU64(cbsKeys)
	var cbs bytes.Buffer
	binary.Write(&cbs, binary.LittleEndian, uint32(len(cbsKeys)))
	for _, k := range cbsKeys {
		binary.Write(&cbs, binary.LittleEndian, k)
	}
	writeTLV(&buf, tagCompletedBeforeSubmit, cbs.Bytes())

	return buf.Bytes()
}

// Load restores regs and the executor's fence-tracking maps from a
// Save-produced byte stream. Backend state and the external-drain queue are
// intentionally not part of the snapshot: the backend rebuilds its own state
// on resume, and a pending-drain queue is transient bring-up plumbing.
func (e *Executor) Load(regs *Regs, data []byte) error {
	if len(data) < 8 || string(data[:4]) != snapshotMagic {
		return fmt.Errorf("gpu: bad snapshot magic")
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != snapshotVersion {
		return fmt.Errorf("gpu: unsupported snapshot version %d", version)
	}

	e.pendingFences = nil
	e.inFlight = make(map[uint64]*inFlightSubmission)
	e.completedBeforeSubmit = make(map[uint64]bool)

	rest := data[8:]
	for len(rest) >= 6 {
		tag := binary.LittleEndian.Uint16(rest[0:2])
		length := binary.LittleEndian.Uint32(rest[2:6])
		rest = rest[6:]
		if uint32(len(rest)) < length {
			return fmt.Errorf("gpu: truncated snapshot record (tag %d)", tag)
		}
		payload := rest[:length]
		rest = rest[length:]

		switch tag {
		case tagRegs:
			loadRegs(regs, payload)
		case tagScanout0:
			loadScanout0(regs, payload)
		case tagPendingFences:
			e.loadPendingFences(payload)
		case tagInFlight:
			e.loadInFlight(payload)
		case tagCompletedBeforeSubmit:
			e.loadCompletedBeforeSubmit(payload)
		}
	}
	return nil
}

func loadRegs(regs *Regs, payload []byte) {
	if len(payload) < 4+4+8+4+8+8+4+4+4+4+8+8+8+8+8 {
		return
	}
	r := bytes.NewReader(payload)
	binary.Read(r, binary.LittleEndian, &regs.ABIVersion)
	binary.Read(r, binary.LittleEndian, &regs.RingControl)
	binary.Read(r, binary.LittleEndian, &regs.RingGPA)
	binary.Read(r, binary.LittleEndian, &regs.RingSizeBytes)
	binary.Read(r, binary.LittleEndian, &regs.FenceGPA)
	binary.Read(r, binary.LittleEndian, &regs.CompletedFence)
	binary.Read(r, binary.LittleEndian, &regs.Features)
	binary.Read(r, binary.LittleEndian, &regs.IRQEnable)
	binary.Read(r, binary.LittleEndian, &regs.IRQStatus)
	var code uint32
	binary.Read(r, binary.LittleEndian, &code)
	regs.LastErrorCode = AerogpuErrorCode(code)
	binary.Read(r, binary.LittleEndian, &regs.LastErrorFence)
	binary.Read(r, binary.LittleEndian, &regs.Stats.Doorbells)
	binary.Read(r, binary.LittleEndian, &regs.Stats.Submissions)
	binary.Read(r, binary.LittleEndian, &regs.Stats.MalformedSubmissions)
	binary.Read(r, binary.LittleEndian, &regs.Stats.GPUExecErrors)
}

func loadScanout0(regs *Regs, payload []byte) {
	if len(payload) < 4+4+4+8+4 {
		return
	}
	r := bytes.NewReader(payload)
	var enable uint32
	binary.Read(r, binary.LittleEndian, &enable)
	regs.Scanout0.Enable = enable != 0
	binary.Read(r, binary.LittleEndian, &regs.Scanout0.Width)
	binary.Read(r, binary.LittleEndian, &regs.Scanout0.Height)
	binary.Read(r, binary.LittleEndian, &regs.Scanout0.FBGPA)
	var format uint32
	binary.Read(r, binary.LittleEndian, &format)
	regs.Scanout0.Format = ScanoutFormat(format)
}

func (e *Executor) loadPendingFences(payload []byte) {
	if len(payload) < 4 {
		return
	}
	r := bytes.NewReader(payload)
	var count uint32
	binary.Read(r, binary.LittleEndian, &count)
	for i := uint32(0); i < count; i++ {
		var fence uint64
		var wantsIRQ, kind uint32
		if binary.Read(r, binary.LittleEndian, &fence) != nil ||
			binary.Read(r, binary.LittleEndian, &wantsIRQ) != nil ||
			binary.Read(r, binary.LittleEndian, &kind) != nil {
			return
		}
		e.pendingFences = append(e.pendingFences, pendingFenceCompletion{
			fence: fence, wantsIRQ: wantsIRQ != 0, kind: pendingFenceKind(kind),
		})
	}
}

func (e *Executor) loadInFlight(payload []byte) {
	if len(payload) < 4 {
		return
	}
	r := bytes.NewReader(payload)
	var count uint32
	binary.Read(r, binary.LittleEndian, &count)
	for i := uint32(0); i < count; i++ {
		var fence uint64
		var flags, kind, completedBackend, vblankReady uint32
		if binary.Read(r, binary.LittleEndian, &fence) != nil ||
			binary.Read(r, binary.LittleEndian, &flags) != nil ||
			binary.Read(r, binary.LittleEndian, &kind) != nil ||
			binary.Read(r, binary.LittleEndian, &completedBackend) != nil ||
			binary.Read(r, binary.LittleEndian, &vblankReady) != nil {
			return
		}
		e.inFlight[fence] = &inFlightSubmission{
			flags: flags, kind: pendingFenceKind(kind),
			completedBackend: completedBackend != 0,
			vblankReady:      vblankReady != 0,
		}
	}
}

func (e *Executor) loadCompletedBeforeSubmit(payload []byte) {
	if len(payload) < 4 {
		return
	}
	r := bytes.NewReader(payload)
	var count uint32
	binary.Read(r, binary.LittleEndian, &count)
	for i := uint32(0); i < count; i++ {
		var fence uint64
		if binary.Read(r, binary.LittleEndian, &fence) != nil {
			return
		}
		e.completedBeforeSubmit[fence] = true
	}
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

func sortU64(keys []uint64) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}
