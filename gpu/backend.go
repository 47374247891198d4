package gpu

import "github.com/aerocore-emu/aerocore/cpubus"

// Submission is the decoded, backend-facing view of a guest command
// submission: flags, context/engine routing, the fence to signal, and the
// command-stream bytes (plus an optional allocation table), per §6's
// backend capability.
type Submission struct {
	Flags       uint32
	ContextID   uint32
	EngineID    uint32
	SignalFence uint64
	CmdStream   []byte
	AllocTable  []byte
}

// Completion reports a backend-driven fence completion, with an optional
// error when the backend could not execute the submission.
type Completion struct {
	Fence uint64
	Err   error
}

// Scanout is an RGBA8 framebuffer snapshot read back from the backend.
type Scanout struct {
	Width, Height uint32
	RGBA8         []byte
}

// Backend is the pluggable GPU capability the executor hands submissions
// to, per spec §6.
type Backend interface {
	Reset()
	Submit(mem cpubus.MemoryBus, sub Submission) error
	PollCompletions() []Completion
	ReadScanoutRGBA8(scanoutID uint32) (Scanout, bool)
}

// NullBackend accepts every submission immediately with no rendering
// side effects; it stands in for an unconfigured backend, mirroring the
// bring-up default used before a real backend is attached.
type NullBackend struct{}

func (NullBackend) Reset()                                      {}
func (NullBackend) Submit(cpubus.MemoryBus, Submission) error    { return nil }
func (NullBackend) PollCompletions() []Completion                { return nil }
func (NullBackend) ReadScanoutRGBA8(uint32) (Scanout, bool)       { return Scanout{}, false }
