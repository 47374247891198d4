// Command aerocore is a small interactive demo shell: it wires the CPU
// executor to an in-process NIC and GPU executor over a flat memory bus,
// puts the terminal in raw mode, and lets a human single-step the machine
// one key at a time while a background goroutine paces vblank. It is not
// part of the emulator core, in the same way the teacher's ie32to64 tool
// sits beside the core it exercises.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/aerocore-emu/aerocore/cpu"
	"github.com/aerocore-emu/aerocore/cpubus"
	"github.com/aerocore-emu/aerocore/gpu"
	"github.com/aerocore-emu/aerocore/nic"
)

const vblankHz = 60

func main() {
	memMiB := flag.Int("mem", 1, "flat memory size in MiB")
	flag.Parse()

	pageSize := hostPageSize()
	memBytes := roundUpToPage(*memMiB*1024*1024, pageSize)

	mem := cpubus.NewFlatMemory(memBytes)
	exec := cpu.NewExecutor(mem, cpubus.NewFlatPorts())
	gpuExec := gpu.NewExecutor(gpu.DefaultExecutorConfig())
	gpuRegs := &gpu.Regs{}
	net := nic.NewNIC(mem, [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})

	m := &machine{exec: exec, gpuExec: gpuExec, gpuRegs: gpuRegs, net: net}

	fmt.Printf("aerocore demo shell: %d MiB flat memory (page size %d)\n", memBytes/(1024*1024), pageSize)
	fmt.Println("keys: [space/n] step  [r] run 1000  [d] gpu doorbell  [p] nic poll  [q] quit")

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Fprintln(os.Stderr, "aerocore: stdin is not a terminal, running a fixed step budget instead")
		m.step(1000)
		m.printState()
		return
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aerocore: failed to enter raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return runVblankTicker(ctx, m) })
	eg.Go(func() error { return runInputLoop(ctx, cancel, fd, m) })

	if err := eg.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "aerocore: %v\n", err)
	}
}

// machine bundles the devices the demo wires together, guarded by mu since
// the input loop and the vblank ticker both touch them concurrently.
type machine struct {
	mu      sync.Mutex
	exec    *cpu.Executor
	gpuExec *gpu.Executor
	gpuRegs *gpu.Regs
	net     *nic.NIC
}

func (m *machine) step(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		if m.exec.S.Halted {
			return
		}
		if err := m.exec.Step(); err != nil {
			fmt.Fprintf(os.Stderr, "\r\naerocore: step fault: %v\r\n", err)
			return
		}
	}
}

func (m *machine) doorbell() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gpuExec.ProcessDoorbell(m.gpuRegs, m.exec.Mem)
}

func (m *machine) pollNIC() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.net.Poll()
}

func (m *machine) vblankTick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gpuExec.ProcessVblankTick(m.gpuRegs, m.exec.Mem)
}

func (m *machine) printState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.exec.S
	fmt.Printf("\r\nRIP=%#016x RAX=%#016x RSP=%#016x FLAGS=%#x halted=%v\r\n",
		s.RIP, s.GPR[cpu.RegRAX], s.GPR[cpu.RegRSP], s.Flags, s.Halted)
}

func runVblankTicker(ctx context.Context, m *machine) error {
	ticker := time.NewTicker(time.Second / vblankHz)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.vblankTick()
		}
	}
}

func runInputLoop(ctx context.Context, cancel context.CancelFunc, fd int, m *machine) error {
	defer cancel()
	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return err
		}

		switch buf[0] {
		case 'q', 3: // 'q' or Ctrl-C
			return nil
		case ' ', 'n':
			m.step(1)
			m.printState()
		case 'r':
			m.step(1000)
			m.printState()
		case 'd':
			m.doorbell()
			fmt.Print("\r\ndoorbell processed\r\n")
		case 'p':
			m.pollNIC()
			fmt.Print("\r\nnic polled\r\n")
		}
	}
}

func roundUpToPage(size, pageSize int) int {
	if pageSize <= 0 {
		return size
	}
	rem := size % pageSize
	if rem == 0 {
		return size
	}
	return size + (pageSize - rem)
}
