package gpu

import (
	"encoding/binary"
	"errors"
)

var (
	errStreamTooShortToScan  = errors.New("gpu: cmd stream too short to scan for present")
	errStreamBadHeaderToScan = errors.New("gpu: cmd stream has a bad header")
	errStreamBadPacketToScan = errors.New("gpu: cmd stream has a malformed packet")
)

const (
	cmdStreamMagic = 0x41474331 // "AGC1"

	// CmdStreamHeaderSize is the fixed byte layout of a command stream's
	// header: magic, abi_version, size_bytes, flags, plus 8 reserved bytes.
	CmdStreamHeaderSize = 24

	// cmdOpcodePresent is the one opcode the executor needs to recognize on
	// its own: everything else in the stream is opaque backend payload.
	cmdOpcodePresent = 0x10
	// presentFlagVsync marks a PRESENT command as paced by the next vblank.
	presentFlagVsync = 1 << 0
)

// CmdStreamHeader is the fixed-layout header every command stream begins
// with, per spec §3/§6.
type CmdStreamHeader struct {
	Magic      uint32
	ABIVersion uint32
	SizeBytes  uint32
	Flags      uint32
}

// decodeCmdStreamHeader decodes the header from a captured byte prefix,
// rejecting a bad magic.
func decodeCmdStreamHeader(prefix []byte) (CmdStreamHeader, bool) {
	if len(prefix) < CmdStreamHeaderSize {
		return CmdStreamHeader{}, false
	}
	h := CmdStreamHeader{
		Magic:      binary.LittleEndian.Uint32(prefix[0:4]),
		ABIVersion: binary.LittleEndian.Uint32(prefix[4:8]),
		SizeBytes:  binary.LittleEndian.Uint32(prefix[8:12]),
		Flags:      binary.LittleEndian.Uint32(prefix[12:16]),
	}
	if h.Magic != cmdStreamMagic {
		return CmdStreamHeader{}, false
	}
	return h, true
}

// cmdStreamHasVsyncPresent walks a captured command stream's packets
// looking for a PRESENT command with the vsync flag set. It tolerates a
// stream truncated to just its header (returns false, nil) but reports an
// error on an internally inconsistent packet walk, mirroring the original's
// leniency: a malformed stream still executes (for pacing purposes, treated
// as non-vsynced) but is counted as a decode anomaly by the caller.
func cmdStreamHasVsyncPresent(data []byte) (bool, error) {
	if len(data) < CmdStreamHeaderSize {
		return false, errStreamTooShortToScan
	}
	header, ok := decodeCmdStreamHeader(data)
	if !ok {
		return false, errStreamBadHeaderToScan
	}
	limit := uint64(len(data))
	if uint64(header.SizeBytes) < limit {
		limit = uint64(header.SizeBytes)
	}

	offset := uint64(CmdStreamHeaderSize)
	for offset+8 <= limit {
		opcode := binary.LittleEndian.Uint32(data[offset : offset+4])
		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if size < 8 || size%4 != 0 {
			return false, errStreamBadPacketToScan
		}
		if offset+uint64(size) > limit {
			return false, errStreamBadPacketToScan
		}
		if opcode == cmdOpcodePresent && size >= 16 {
			flags := binary.LittleEndian.Uint32(data[offset+12 : offset+16])
			if flags&presentFlagVsync != 0 {
				return true, nil
			}
		}
		offset += uint64(size)
	}
	return false, nil
}
