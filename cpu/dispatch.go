package cpu

// Step executes exactly one instruction. If the CPU is halted it reports
// ErrHalted without consuming any bytes. Otherwise it fetches and decodes
// one instruction (resolving every operand, including normalizing any
// RIP-relative displacement against the instruction's next_ip exactly
// once), dispatches to the mnemonic's semantics handler, and commits
// RIP=next_ip unless the handler branched. TSC increments by one per
// executed instruction.
func (e *Executor) Step() error {
	if e.S.Halted {
		return ErrHalted
	}

	fetchAddr := e.gateA20(e.S.Seg[SegCS].Base + (e.S.RIP & e.S.ipMask()))
	d := &decodeCtx{e: e, instrStart: e.S.RIP, cur: fetchAddr, segOverride: -1}
	e.cur = d
	defer func() { e.cur = nil }()

	opcode, err := d.decodePrefixesAndOpcode()
	if err != nil {
		return err
	}
	d.computeWidths()

	if err := e.decode(d, opcode); err != nil {
		return err
	}

	nextIP := (d.instrStart + uint64(d.len)) & e.S.ipMask()
	d.finishRipRelative(nextIP)

	handler, ok := mnemonicTable[d.mnemonic]
	if !ok {
		return unimplemented(d.mnemonic, opcode...)
	}
	if err := handler(e, d); err != nil {
		return err
	}

	if !d.branched {
		e.S.RIP = nextIP
	}
	e.S.TSC++
	return nil
}

// Run steps up to budget instructions, stopping early on any error. It
// returns the number of instructions executed and the terminating error:
// ErrHalted if HLT was reached, ErrBudgetExhausted if the budget ran out
// first, or any other error a handler/bus produced.
func (e *Executor) Run(budget int) (int, error) {
	for i := 0; i < budget; i++ {
		if err := e.Step(); err != nil {
			return i, err
		}
	}
	return budget, ErrBudgetExhausted
}

// handlerFunc is the semantics handler for one decoded mnemonic. Spec
// §4.1 calls for "a single mnemonic table mapping decoded mnemonics to
// handlers"; mnemonicTable (built in init() across the ops_*.go files) is
// that table.
type handlerFunc func(e *Executor, d *decodeCtx) error

var mnemonicTable = map[string]handlerFunc{}

func registerHandler(mnemonic string, fn handlerFunc) {
	mnemonicTable[mnemonic] = fn
}
