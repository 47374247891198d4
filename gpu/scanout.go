package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/aerocore-emu/aerocore/cpubus"
)

// maxScanoutWritebackBytes bounds the repacked framebuffer the executor is
// willing to write into guest memory in one call, defending against a
// guest-programmed scanout size that would otherwise force an unbounded
// host allocation.
const maxScanoutWritebackBytes = 64 * 1024 * 1024

// bytesPerPixel returns the repacked row stride unit for a scanout format.
func bytesPerPixel(f ScanoutFormat) int {
	switch f {
	case FormatBGR565, FormatBGR5551:
		return 2
	default:
		return 4
	}
}

// packPixel converts one RGBA8 (r,g,b,a, each 0-255) texel into the target
// format's byte encoding. sRGB variants reorder channels identically to
// their linear counterparts: the format tag only affects how a backend
// interprets the bytes for gamma purposes, not the repacking byte layout.
func packPixel(f ScanoutFormat, r, g, b, a byte, dst []byte) {
	switch f {
	case FormatBGRA8, FormatBGRA8SRGB:
		dst[0], dst[1], dst[2], dst[3] = b, g, r, a
	case FormatBGRX8, FormatBGRX8SRGB:
		dst[0], dst[1], dst[2], dst[3] = b, g, r, 0xFF
	case FormatRGBA8:
		dst[0], dst[1], dst[2], dst[3] = r, g, b, a
	case FormatRGBX8:
		dst[0], dst[1], dst[2], dst[3] = r, g, b, 0xFF
	case FormatBGR565:
		v := uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
		binary.LittleEndian.PutUint16(dst, v)
	case FormatBGR5551:
		var alphaBit uint16
		if a >= 0x80 {
			alphaBit = 1
		}
		v := uint16(r>>3)<<10 | uint16(g>>3)<<5 | uint16(b>>3) | alphaBit
		binary.LittleEndian.PutUint16(dst, v)
	default:
		dst[0], dst[1], dst[2], dst[3] = r, g, b, a
	}
}

// writeScanout0RGBA8 re-packs a backend-presented RGBA8 framebuffer into
// the configured scanout format and writes it row-by-row into guest memory
// at Scanout0.FBGPA, rejecting oversized dimensions and address-space wrap.
func writeScanout0RGBA8(regs *Regs, mem cpubus.MemoryBus, scan Scanout) error {
	if !regs.Scanout0.Enable {
		return nil
	}
	dstW, dstH := int(regs.Scanout0.Width), int(regs.Scanout0.Height)
	if dstW == 0 || dstH == 0 {
		return nil
	}
	if regs.Scanout0.FBGPA == 0 {
		return fmt.Errorf("gpu: scanout0 fb_gpa is not set")
	}

	srcW, srcH := int(scan.Width), int(scan.Height)
	w, h := dstW, dstH
	if srcW < w {
		w = srcW
	}
	if srcH < h {
		h = srcH
	}

	bpp := bytesPerPixel(regs.Scanout0.Format)
	rowBytes := dstW * bpp
	total, overflow := cpubus.CheckedMulAdd(0, uint64(rowBytes), uint64(dstH))
	if overflow || total > maxScanoutWritebackBytes {
		return fmt.Errorf("gpu: scanout writeback too large")
	}
	if _, overflow := cpubus.CheckedAdd(regs.Scanout0.FBGPA, total); overflow {
		return fmt.Errorf("gpu: scanout writeback address wraps")
	}

	row := make([]byte, rowBytes)
	for y := 0; y < dstH; y++ {
		for i := range row {
			row[i] = 0
		}
		if y < h {
			srcRow := y * srcW * 4
			for x := 0; x < w; x++ {
				si := srcRow + x*4
				if si+4 > len(scan.RGBA8) {
					break
				}
				packPixel(regs.Scanout0.Format, scan.RGBA8[si], scan.RGBA8[si+1], scan.RGBA8[si+2], scan.RGBA8[si+3], row[x*bpp:])
			}
		}
		if err := mem.WritePhysical(regs.Scanout0.FBGPA+uint64(y*rowBytes), row); err != nil {
			return err
		}
	}
	return nil
}
