package gpu

import (
	"sort"

	"github.com/aerocore-emu/aerocore/cpubus"
)

// FenceCompletionMode selects how a submission's fence is retired, per
// spec §4.3.
type FenceCompletionMode int

const (
	// Immediate is the legacy bring-up path: a fence completes inside the
	// executor, optionally paced by vblank when its command stream contains
	// a vsynced PRESENT.
	Immediate FenceCompletionMode = iota
	// Deferred leaves a fence in-flight until the backend calls
	// CompleteFence, supporting out-of-order completion.
	Deferred
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Verbose             bool
	KeepLastSubmissions int
	FenceCompletion     FenceCompletionMode
}

// DefaultExecutorConfig mirrors the original's bring-up defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{KeepLastSubmissions: 64, FenceCompletion: Immediate}
}

const (
	maxAllocTableBytes              = 16 * 1024 * 1024
	maxCmdStreamBytes               = 64 * 1024 * 1024
	maxPendingSubmissions           = 256
	maxPendingSubmissionsTotalBytes = 128 * 1024 * 1024
)

type pendingFenceKind int

const (
	pendingImmediate pendingFenceKind = iota
	pendingVblank
)

type pendingFenceCompletion struct {
	fence    uint64
	wantsIRQ bool
	kind     pendingFenceKind
}

// inFlightSubmission tracks one Deferred-mode fence's readiness.
type inFlightSubmission struct {
	flags            uint32
	kind             pendingFenceKind
	completedBackend bool
	vblankReady      bool
}

// merge combines a duplicate-fence submission into an existing in-flight
// entry, preserving the more restrictive completion/IRQ semantics, per
// spec §9.
func (s *inFlightSubmission) merge(other inFlightSubmission) {
	noIRQNoise := (s.flags & other.flags) & FlagNoIRQ
	orBits := (s.flags | other.flags) &^ FlagNoIRQ
	s.flags = orBits | noIRQNoise

	newKind := pendingImmediate
	if s.kind == pendingVblank || other.kind == pendingVblank {
		newKind = pendingVblank
	}
	if s.kind == pendingImmediate && newKind == pendingVblank {
		s.vblankReady = false
	}
	s.kind = newKind
	s.completedBackend = s.completedBackend || other.completedBackend
	if s.kind == pendingImmediate {
		s.vblankReady = true
	}
}

func (s *inFlightSubmission) isReady() bool {
	if s.kind == pendingImmediate {
		return s.completedBackend
	}
	return s.completedBackend && s.vblankReady
}

// SubmissionRecord is a retained, decoded submission kept for host-side
// debugging (spec §4.3's "bounded ring of retained submissions").
type SubmissionRecord struct {
	RingHead, RingTail uint32
	Desc               SubmitDesc
	AllocTableHeader   *AllocTableHeader
	Allocs             []AllocEntry
	CmdStreamHeader    *CmdStreamHeader
	CmdStream          []byte
	DecodeFailed       bool
}

// Executor is the ring-based AeroGPU command dispatcher described by
// spec §4.3: it drains submit descriptors off a guest-memory ring, hands
// them to a pluggable Backend, and retires fences under either completion
// discipline.
type Executor struct {
	cfg ExecutorConfig

	lastSubmissions []SubmissionRecord

	// pendingSubmissions holds Deferred-mode decoded submissions awaiting an
	// external (out-of-process) backend's drain, via DrainPendingSubmissions.
	// Populated only when no in-process backend has been configured.
	pendingSubmissions      []Submission
	pendingSubmissionsBytes int

	pendingFences []pendingFenceCompletion
	inFlight      map[uint64]*inFlightSubmission
	// completedBeforeSubmit records a fence CompleteFence saw before its
	// owning ring entry was processed, so process_doorbell can apply it
	// retroactively.
	completedBeforeSubmit map[uint64]bool

	backendConfigured bool
	backend           Backend
}

// NewExecutor constructs an Executor with an unconfigured (NullBackend)
// backend.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		cfg:                    cfg,
		inFlight:               make(map[uint64]*inFlightSubmission),
		completedBeforeSubmit:  make(map[uint64]bool),
		backend:                NullBackend{},
	}
}

// SetBackend attaches an in-process backend, discarding any queued
// drain-mode submissions (the two execution models are mutually exclusive).
func (e *Executor) SetBackend(b Backend) {
	e.pendingSubmissions = nil
	e.pendingSubmissionsBytes = 0
	e.backendConfigured = true
	e.backend = b
}

// Reset clears all executor-owned state, per spec's device reset semantics.
func (e *Executor) Reset() {
	e.pendingSubmissions = nil
	e.pendingSubmissionsBytes = 0
	e.pendingFences = nil
	e.inFlight = make(map[uint64]*inFlightSubmission)
	e.completedBeforeSubmit = make(map[uint64]bool)
	e.backend.Reset()
}

// DrainPendingSubmissions returns and clears submissions queued for an
// external backend to execute (Deferred mode, no in-process backend set).
func (e *Executor) DrainPendingSubmissions() []Submission {
	if len(e.pendingSubmissions) == 0 {
		return nil
	}
	out := e.pendingSubmissions
	e.pendingSubmissions = nil
	e.pendingSubmissionsBytes = 0
	return out
}

func submissionPayloadLen(sub Submission) int {
	n := len(sub.CmdStream) + len(sub.AllocTable)
	return n
}

// pushPendingSubmission enqueues a Deferred-mode submission for external
// drain, dropping the oldest entries (and failing their fences) if the
// bounded queue would overflow, per spec §4.3's defensive caps.
func (e *Executor) pushPendingSubmission(regs *Regs, mem cpubus.MemoryBus, sub Submission) {
	subBytes := submissionPayloadLen(sub)
	if subBytes > maxPendingSubmissionsTotalBytes {
		e.failQueuedFence(regs, mem, sub.SignalFence)
		return
	}
	for len(e.pendingSubmissions) >= maxPendingSubmissions ||
		e.pendingSubmissionsBytes+subBytes > maxPendingSubmissionsTotalBytes {
		if len(e.pendingSubmissions) == 0 {
			e.pendingSubmissionsBytes = 0
			break
		}
		dropped := e.pendingSubmissions[0]
		e.pendingSubmissions = e.pendingSubmissions[1:]
		e.pendingSubmissionsBytes -= submissionPayloadLen(dropped)
		if e.pendingSubmissionsBytes < 0 {
			e.pendingSubmissionsBytes = 0
		}
		e.failQueuedFence(regs, mem, dropped.SignalFence)
	}
	e.pendingSubmissionsBytes += subBytes
	e.pendingSubmissions = append(e.pendingSubmissions, sub)
}

func (e *Executor) failQueuedFence(regs *Regs, mem cpubus.MemoryBus, fence uint64) {
	if fence == 0 || fence <= regs.CompletedFence {
		return
	}
	regs.Stats.GPUExecErrors++
	regs.RecordError(ErrBackend, fence)
	if entry, ok := e.inFlight[fence]; ok {
		entry.vblankReady = true
	}
	e.CompleteFence(regs, mem, fence)
}

// FlushPendingFences unblocks any fences waiting on vblank pacing. Callers
// invoke this when vblank pacing becomes unavailable (feature disabled or
// scanout0 disabled) so a guest never waits forever on a vblank that will
// not arrive.
func (e *Executor) FlushPendingFences(regs *Regs, mem cpubus.MemoryBus) {
	if e.cfg.FenceCompletion != Immediate {
		for _, entry := range e.inFlight {
			if entry.kind == pendingVblank {
				entry.vblankReady = true
			}
		}
		e.advanceCompletedFence(regs, mem)
		return
	}
	if len(e.pendingFences) == 0 {
		return
	}
	advanced := false
	wantsIRQ := false
	for _, entry := range e.pendingFences {
		if entry.fence > regs.CompletedFence {
			regs.CompletedFence = entry.fence
			advanced = true
			wantsIRQ = wantsIRQ || entry.wantsIRQ
		}
	}
	e.pendingFences = nil
	if advanced {
		e.writeFencePage(regs, mem)
		e.maybeRaiseFenceIRQ(regs, wantsIRQ)
	}
}

// ProcessVblankTick advances vblank-gated state: it latches the scanout
// vblank IRQ status bit (if unmasked) and completes at most one
// vsync-delayed fence, per spec §4.3/§8 scenario 4.
func (e *Executor) ProcessVblankTick(regs *Regs, mem cpubus.MemoryBus) {
	if regs.Features&FeatureVblank != 0 && regs.Scanout0.Enable && regs.IRQEnable&IRQScanoutVblank != 0 {
		regs.IRQStatus |= IRQScanoutVblank
	}

	if e.cfg.FenceCompletion != Immediate {
		if fence, ok := e.lowestInFlightFence(); ok {
			entry := e.inFlight[fence]
			if entry.kind == pendingVblank && entry.completedBackend && !entry.vblankReady {
				entry.vblankReady = true
			}
		}
		e.advanceCompletedFence(regs, mem)
		return
	}

	var toComplete []pendingFenceCompletion
	if len(e.pendingFences) > 0 && e.pendingFences[0].kind == pendingVblank {
		toComplete = append(toComplete, e.pendingFences[0])
		e.pendingFences = e.pendingFences[1:]
	}
	for len(e.pendingFences) > 0 && e.pendingFences[0].kind == pendingImmediate {
		toComplete = append(toComplete, e.pendingFences[0])
		e.pendingFences = e.pendingFences[1:]
	}
	e.completeFences(regs, mem, toComplete)
}

func (e *Executor) lowestInFlightFence() (uint64, bool) {
	if len(e.inFlight) == 0 {
		return 0, false
	}
	keys := e.sortedInFlightKeys()
	return keys[0], true
}

func (e *Executor) sortedInFlightKeys() []uint64 {
	keys := make([]uint64, 0, len(e.inFlight))
	for k := range e.inFlight {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// CompleteFence is the Deferred-mode backend hook: it marks fence as
// backend-completed and advances regs.CompletedFence as far as readiness
// allows. A completion arriving before process_doorbell sees the owning
// descriptor is recorded and applied retroactively.
func (e *Executor) CompleteFence(regs *Regs, mem cpubus.MemoryBus, fence uint64) {
	if fence <= regs.CompletedFence {
		return
	}
	entry, ok := e.inFlight[fence]
	if !ok {
		e.completedBeforeSubmit[fence] = true
		return
	}
	entry.completedBackend = true
	e.advanceCompletedFence(regs, mem)
}

// PollBackendCompletions drains the backend's completion queue, records any
// Backend errors, performs PRESENT scanout writeback, and (Deferred mode)
// retires the fence.
func (e *Executor) PollBackendCompletions(regs *Regs, mem cpubus.MemoryBus) {
	completions := e.backend.PollCompletions()
	for _, c := range completions {
		if c.Err != nil {
			regs.Stats.GPUExecErrors++
			regs.RecordError(ErrBackend, c.Fence)
		}
		if e.cfg.FenceCompletion == Deferred && c.Fence > regs.CompletedFence {
			if entry, ok := e.inFlight[c.Fence]; ok && entry.flags&FlagPresent != 0 {
				if scan, ok := e.backend.ReadScanoutRGBA8(0); ok {
					if err := writeScanout0RGBA8(regs, mem, scan); err != nil {
						regs.Stats.GPUExecErrors++
						regs.RecordError(ErrBackend, c.Fence)
					}
				}
			}
		}
		if e.cfg.FenceCompletion == Deferred {
			e.CompleteFence(regs, mem, c.Fence)
		}
	}
}

// ReadPresentedScanoutRGBA8 exposes the backend's last-presented scanout
// for host-side display.
func (e *Executor) ReadPresentedScanoutRGBA8(scanoutID uint32) (Scanout, bool) {
	return e.backend.ReadScanoutRGBA8(scanoutID)
}

func (e *Executor) advanceCompletedFence(regs *Regs, mem cpubus.MemoryBus) {
	advanced := false
	wantsIRQ := false
	for {
		keys := e.sortedInFlightKeys()
		if len(keys) == 0 {
			break
		}
		next := keys[0]
		if next <= regs.CompletedFence {
			delete(e.inFlight, next)
			continue
		}
		entry := e.inFlight[next]
		if !entry.isReady() {
			break
		}
		regs.CompletedFence = next
		advanced = true
		if entry.flags&FlagNoIRQ == 0 {
			wantsIRQ = true
		}
		delete(e.inFlight, next)
	}
	if advanced {
		e.writeFencePage(regs, mem)
		e.maybeRaiseFenceIRQ(regs, wantsIRQ)
	}
}

type decodeErrKind int

const (
	decodeErrNone decodeErrKind = iota
	decodeErrCmdDecode
	decodeErrOob
)

func worseDecodeErr(a, b decodeErrKind) decodeErrKind {
	if a == decodeErrOob || b == decodeErrOob {
		return decodeErrOob
	}
	if a != decodeErrNone {
		return a
	}
	return b
}

func decodeAllocTable(mem cpubus.MemoryBus, desc SubmitDesc) (*AllocTableHeader, []AllocEntry, decodeErrKind) {
	if desc.AllocTableGPA == 0 && desc.AllocTableSize == 0 {
		return nil, nil, decodeErrNone
	}
	if desc.AllocTableGPA == 0 || desc.AllocTableSize == 0 {
		return nil, nil, decodeErrCmdDecode
	}
	if _, overflow := cpubus.CheckedAdd(desc.AllocTableGPA, uint64(desc.AllocTableSize)); overflow {
		return nil, nil, decodeErrOob
	}
	if desc.AllocTableSize < AllocTableHeaderSize {
		return nil, nil, decodeErrCmdDecode
	}
	header, err := ReadAllocTableHeader(mem, desc.AllocTableGPA)
	if err != nil {
		return nil, nil, decodeErrOob
	}
	if header.Magic != allocTableMagic {
		return &header, nil, decodeErrCmdDecode
	}
	if header.SizeBytes < AllocTableHeaderSize {
		return &header, nil, decodeErrCmdDecode
	}
	if header.SizeBytes > desc.AllocTableSize {
		return &header, nil, decodeErrCmdDecode
	}
	if header.SizeBytes > maxAllocTableBytes {
		return &header, nil, decodeErrCmdDecode
	}
	if header.EntryStrideBytes < AllocEntrySize {
		return &header, nil, decodeErrCmdDecode
	}

	want, overflow := cpubus.CheckedMulAdd(AllocTableHeaderSize, uint64(header.EntryCount), uint64(header.EntryStrideBytes))
	if overflow || want > uint64(header.SizeBytes) {
		return &header, nil, decodeErrOob
	}

	allocs := make([]AllocEntry, 0, header.EntryCount)
	seen := make(map[uint32]bool, header.EntryCount)
	for i := uint32(0); i < header.EntryCount; i++ {
		entryOff, overflow := cpubus.CheckedMulAdd(AllocTableHeaderSize, uint64(i), uint64(header.EntryStrideBytes))
		if overflow {
			return &header, allocs, decodeErrOob
		}
		entryGPA, overflow := cpubus.CheckedAdd(desc.AllocTableGPA, entryOff)
		if overflow {
			return &header, allocs, decodeErrOob
		}
		entry, err := ReadAllocEntry(mem, entryGPA)
		if err != nil {
			return &header, allocs, decodeErrOob
		}
		if entry.AllocID == 0 || entry.SizeBytes == 0 {
			return &header, allocs, decodeErrCmdDecode
		}
		if _, overflow := cpubus.CheckedAdd(entry.GPA, entry.SizeBytes); overflow {
			return &header, allocs, decodeErrOob
		}
		if seen[entry.AllocID] {
			return &header, allocs, decodeErrCmdDecode
		}
		seen[entry.AllocID] = true
		allocs = append(allocs, entry)
	}
	return &header, allocs, decodeErrNone
}

func decodeCmdStream(mem cpubus.MemoryBus, desc SubmitDesc) (*CmdStreamHeader, []byte, decodeErrKind) {
	if desc.CmdGPA == 0 && desc.CmdSizeBytes == 0 {
		return nil, nil, decodeErrNone
	}
	if desc.CmdGPA == 0 || desc.CmdSizeBytes == 0 {
		return nil, nil, decodeErrCmdDecode
	}
	if _, overflow := cpubus.CheckedAdd(desc.CmdGPA, uint64(desc.CmdSizeBytes)); overflow {
		return nil, nil, decodeErrOob
	}
	if desc.CmdSizeBytes < CmdStreamHeaderSize {
		buf := make([]byte, desc.CmdSizeBytes)
		_ = mem.ReadPhysical(desc.CmdGPA, buf)
		return nil, buf, decodeErrCmdDecode
	}

	prefix := make([]byte, CmdStreamHeaderSize)
	if err := mem.ReadPhysical(desc.CmdGPA, prefix); err != nil {
		return nil, nil, decodeErrOob
	}
	header, ok := decodeCmdStreamHeader(prefix)
	if !ok {
		return nil, prefix, decodeErrCmdDecode
	}
	if header.SizeBytes > desc.CmdSizeBytes {
		return &header, prefix, decodeErrOob
	}
	if header.SizeBytes > maxCmdStreamBytes {
		return &header, prefix, decodeErrCmdDecode
	}

	full := make([]byte, header.SizeBytes)
	if err := mem.ReadPhysical(desc.CmdGPA, full); err != nil {
		return &header, nil, decodeErrOob
	}
	return &header, full, decodeErrNone
}

// ProcessDoorbell is the executor's main entry point: it drains pending
// ring entries, decodes each submission, hands it to the backend (or
// queues it for external drain), and schedules fence completion, per
// spec §4.3.
func (e *Executor) ProcessDoorbell(regs *Regs, mem cpubus.MemoryBus) {
	regs.Stats.Doorbells++

	if regs.Features&FeatureVblank == 0 || !regs.Scanout0.Enable {
		e.FlushPendingFences(regs, mem)
	}

	if regs.RingControl&RingControlEnable == 0 {
		return
	}
	if regs.RingGPA == 0 || regs.RingSizeBytes == 0 {
		regs.Stats.MalformedSubmissions++
		regs.RecordError(ErrCmdDecode, 0)
		return
	}

	if _, overflow := cpubus.CheckedAdd(regs.RingGPA, RingHeaderSize); overflow {
		tail := ReadTail(mem, regs.RingGPA)
		WriteHead(mem, regs.RingGPA, tail)
		regs.Stats.MalformedSubmissions++
		regs.RecordError(ErrOob, 0)
		return
	}
	if _, overflow := cpubus.CheckedAdd(regs.RingGPA, uint64(regs.RingSizeBytes)); overflow {
		tail := ReadTail(mem, regs.RingGPA)
		WriteHead(mem, regs.RingGPA, tail)
		regs.Stats.MalformedSubmissions++
		regs.RecordError(ErrOob, 0)
		return
	}

	ring, err := ReadRingHeader(mem, regs.RingGPA)
	if err != nil || !ring.IsValid(regs.RingSizeBytes) {
		regs.Stats.MalformedSubmissions++
		regs.RecordError(ErrCmdDecode, 0)
		return
	}

	head := ring.Head
	tail := ring.Tail
	pending := tail - head
	if pending == 0 {
		return
	}
	if pending > ring.EntryCount {
		WriteHead(mem, regs.RingGPA, tail)
		regs.Stats.MalformedSubmissions++
		regs.RecordError(ErrCmdDecode, 0)
		return
	}

	max := ring.EntryCount
	if pending < max {
		max = pending
	}
	processed := uint32(0)

	for head != tail && processed < max {
		base, overflow := cpubus.CheckedAdd(regs.RingGPA, RingHeaderSize)
		if !overflow {
			slot := uint64(ring.SlotIndex(head))
			var off uint64
			off, overflow = cpubus.CheckedMulAdd(0, slot, uint64(ring.EntryStrideBytes))
			if !overflow {
				base, overflow = cpubus.CheckedAdd(base, off)
			}
		}
		if overflow {
			WriteHead(mem, regs.RingGPA, tail)
			regs.Stats.MalformedSubmissions++
			regs.RecordError(ErrOob, 0)
			return
		}
		descGPA := base

		desc, err := ReadSubmitDesc(mem, descGPA)
		regs.Stats.Submissions++
		if err != nil {
			regs.Stats.MalformedSubmissions++
		} else if desc.DescSizeBytes == 0 || desc.DescSizeBytes > ring.EntryStrideBytes {
			regs.Stats.MalformedSubmissions++
		}

		allocHeader, allocs, allocErr := decodeAllocTable(mem, desc)
		cmdHeader, cmdStream, cmdErr := decodeCmdStream(mem, desc)

		worst := worseDecodeErr(allocErr, cmdErr)
		decodeFailed := worst != decodeErrNone
		if decodeFailed {
			regs.Stats.MalformedSubmissions++
			code := ErrCmdDecode
			if worst == decodeErrOob {
				code = ErrOob
			}
			regs.RecordError(code, desc.SignalFence)
		}

		e.processSubmission(regs, mem, desc, cmdHeader, cmdStream, cmdErr, allocHeader, allocs, allocErr)

		if e.cfg.KeepLastSubmissions > 0 {
			if len(e.lastSubmissions) == e.cfg.KeepLastSubmissions {
				e.lastSubmissions = e.lastSubmissions[1:]
			}
			e.lastSubmissions = append(e.lastSubmissions, SubmissionRecord{
				RingHead: head, RingTail: tail, Desc: desc,
				AllocTableHeader: allocHeader, Allocs: allocs,
				CmdStreamHeader: cmdHeader, CmdStream: cmdStream,
				DecodeFailed: decodeFailed,
			})
		}

		head++
		processed++
		WriteHead(mem, regs.RingGPA, head)
	}

	if e.cfg.FenceCompletion == Immediate {
		e.completeImmediateFences(regs, mem)
		e.PollBackendCompletions(regs, mem)
	} else {
		e.PollBackendCompletions(regs, mem)
	}
}

func (e *Executor) processSubmission(regs *Regs, mem cpubus.MemoryBus, desc SubmitDesc, cmdHeader *CmdStreamHeader, cmdStream []byte, cmdErr decodeErrKind, allocHeader *AllocTableHeader, allocs []AllocEntry, allocErr decodeErrKind) {
	decodeFailed := cmdErr != decodeErrNone || allocErr != decodeErrNone
	cmdStreamOK := desc.CmdGPA != 0 && desc.CmdSizeBytes != 0 && cmdHeader != nil && cmdErr == decodeErrNone
	vsyncPresent := false
	if cmdStreamOK {
		if v, err := cmdStreamHasVsyncPresent(cmdStream); err == nil {
			vsyncPresent = v
		} else {
			regs.Stats.MalformedSubmissions++
		}
	}

	var allocTableBytes []byte
	if desc.AllocTableGPA != 0 && desc.AllocTableSize != 0 && allocHeader != nil && allocErr == decodeErrNone {
		size := allocHeader.SizeBytes
		if size != 0 {
			allocTableBytes = make([]byte, size)
			_ = mem.ReadPhysical(desc.AllocTableGPA, allocTableBytes)
		}
	}

	wantsPresent := desc.Flags&FlagPresent != 0
	canPaceVsync := vsyncPresent && regs.Features&FeatureVblank != 0 && regs.Scanout0.Enable
	kind := pendingImmediate
	if canPaceVsync {
		kind = pendingVblank
	}
	wantsIRQ := desc.Flags&FlagNoIRQ == 0

	switch e.cfg.FenceCompletion {
	case Immediate:
		if cmdStreamOK && !decodeFailed {
			sub := Submission{
				Flags: desc.Flags, ContextID: desc.ContextID, EngineID: desc.EngineID,
				SignalFence: desc.SignalFence, CmdStream: cmdStream, AllocTable: allocTableBytes,
			}
			if err := e.backend.Submit(mem, sub); err != nil {
				regs.Stats.GPUExecErrors++
				regs.RecordError(ErrBackend, desc.SignalFence)
			}
			if wantsPresent {
				if scan, ok := e.backend.ReadScanoutRGBA8(0); ok {
					if err := writeScanout0RGBA8(regs, mem, scan); err != nil {
						regs.Stats.GPUExecErrors++
						regs.RecordError(ErrBackend, desc.SignalFence)
					}
				}
			}
		} else if decodeFailed {
			regs.Stats.GPUExecErrors++
			regs.RecordError(ErrBackend, desc.SignalFence)
		}

		last := regs.CompletedFence
		if n := len(e.pendingFences); n > 0 {
			last = e.pendingFences[n-1].fence
		}
		if desc.SignalFence > last {
			e.pendingFences = append(e.pendingFences, pendingFenceCompletion{fence: desc.SignalFence, wantsIRQ: wantsIRQ, kind: kind})
		} else if desc.SignalFence == last && len(e.pendingFences) > 0 {
			back := &e.pendingFences[len(e.pendingFences)-1]
			back.wantsIRQ = back.wantsIRQ || wantsIRQ
			if back.kind == pendingImmediate && kind == pendingVblank {
				back.kind = pendingVblank
			}
		}

	case Deferred:
		submissionFailed := decodeFailed
		insertedNew := false
		if desc.SignalFence > regs.CompletedFence {
			alreadyCompleted := e.completedBeforeSubmit[desc.SignalFence]
			delete(e.completedBeforeSubmit, desc.SignalFence)
			incoming := inFlightSubmission{
				flags: desc.Flags, kind: kind,
				completedBackend: alreadyCompleted,
				vblankReady:      kind == pendingImmediate,
			}
			if existing, ok := e.inFlight[desc.SignalFence]; ok {
				existing.merge(incoming)
			} else {
				cp := incoming
				e.inFlight[desc.SignalFence] = &cp
				insertedNew = true
			}
			if alreadyCompleted && e.inFlight[desc.SignalFence].kind == pendingImmediate {
				e.advanceCompletedFence(regs, mem)
			}
		}

		if submissionFailed && insertedNew {
			if entry, ok := e.inFlight[desc.SignalFence]; ok {
				entry.vblankReady = true
			}
			e.CompleteFence(regs, mem, desc.SignalFence)
		}

		if !submissionFailed {
			sub := Submission{
				Flags: desc.Flags, ContextID: desc.ContextID, EngineID: desc.EngineID,
				SignalFence: desc.SignalFence, CmdStream: cmdStream, AllocTable: allocTableBytes,
			}
			if e.backendConfigured {
				if err := e.backend.Submit(mem, sub); err != nil {
					regs.Stats.GPUExecErrors++
					regs.RecordError(ErrBackend, desc.SignalFence)
					if entry, ok := e.inFlight[desc.SignalFence]; ok {
						entry.vblankReady = true
					}
					e.CompleteFence(regs, mem, desc.SignalFence)
				}
			} else {
				e.pushPendingSubmission(regs, mem, sub)
			}
		}
	}
}

func (e *Executor) completeImmediateFences(regs *Regs, mem cpubus.MemoryBus) {
	var toComplete []pendingFenceCompletion
	for len(e.pendingFences) > 0 && e.pendingFences[0].kind == pendingImmediate {
		toComplete = append(toComplete, e.pendingFences[0])
		e.pendingFences = e.pendingFences[1:]
	}
	e.completeFences(regs, mem, toComplete)
}

func (e *Executor) completeFences(regs *Regs, mem cpubus.MemoryBus, entries []pendingFenceCompletion) {
	if len(entries) == 0 {
		return
	}
	advanced := false
	wantsIRQ := false
	for _, entry := range entries {
		if entry.fence > regs.CompletedFence {
			regs.CompletedFence = entry.fence
			advanced = true
			wantsIRQ = wantsIRQ || entry.wantsIRQ
		}
	}
	if advanced {
		e.writeFencePage(regs, mem)
		e.maybeRaiseFenceIRQ(regs, wantsIRQ)
	}
}

// writeFencePage makes the completed fence observable to the guest by
// writing it to the FENCE_GPA page, if one is configured.
func (e *Executor) writeFencePage(regs *Regs, mem cpubus.MemoryBus) {
	if regs.FenceGPA == 0 {
		return
	}
	_ = mem.WriteU64(regs.FenceGPA, regs.CompletedFence)
}

func (e *Executor) maybeRaiseFenceIRQ(regs *Regs, wantsIRQ bool) {
	if !wantsIRQ {
		return
	}
	if regs.IRQEnable&IRQFence != 0 {
		regs.IRQStatus |= IRQFence
	}
}
