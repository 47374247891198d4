package shader

// decodeDecl decodes one declaration opcode's token slice (opcode token
// included) into a Declaration. Per spec §4.4, only dcl_thread_group's
// failure is fatal to the whole decode; every other declaration's failure
// is handled by the caller downgrading to DeclUnknown.
func decodeDecl(opcode uint32, instTokens []uint32, at int) (Declaration, error) {
	r := newTokenReader(instTokens, at)
	if _, err := r.readU32(); err != nil {
		return Declaration{}, err
	}

	switch opcode {
	case opDclThreadGroup:
		x, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		y, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		z, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclThreadGroupSize, ThreadGroupX: x, ThreadGroupY: y, ThreadGroupZ: z}, nil

	case opDclGlobalFlags:
		flags, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclGlobalFlags, GlobalFlags: flags}, nil

	case opDclTemps:
		count, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclTemps, TempCount: count}, nil

	case opDclIndexableTemp:
		idx, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		numRegs, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		numComponents, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclIndexableTemp, IndexableTempIndex: idx, IndexableTempNumComponents: numComponents, IndexableTempComponentCount: numRegs}, nil

	case opDclInput:
		return decodeRegDecl(DeclInput, r, at)
	case opDclOutput:
		return decodeRegDecl(DeclOutput, r, at)

	case opDclConstantBuffer:
		rawAt := r.baseAt + r.pos
		op, err := decodeRawOperand(r)
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		if op.ty != operandTypeConstantBuffer || len(op.indices) != 2 {
			return Declaration{}, &DecodeError{AtDword: rawAt, Kind: ErrInvalidRegisterIndices, Operand: op.ty}
		}
		return Declaration{Op: DeclConstantBuffer, Slot: op.indices[0], Count: op.indices[1]}, nil

	case opDclSampler:
		slot, err := decodeSlotOperand(r, operandTypeSampler)
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclSampler, Slot: slot}, nil

	case opDclResource:
		slot, err := decodeSlotOperand(r, operandTypeResource)
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclResourceTexture, Slot: slot}, nil

	case opDclResourceStructured:
		slot, err := decodeSlotOperand(r, operandTypeResource)
		if err != nil {
			return Declaration{}, err
		}
		stride, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclResourceStructured, Slot: slot, Stride: stride, BufferKind: BufferStructured}, nil

	case opDclResourceRaw:
		slot, err := decodeSlotOperand(r, operandTypeResource)
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclResourceRaw, Slot: slot, BufferKind: BufferRaw}, nil

	case opDclUavTyped:
		slot, err := decodeSlotOperand(r, operandTypeUnorderedAccessView)
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclUavTyped, Slot: slot}, nil

	case opDclUavStructured:
		slot, err := decodeSlotOperand(r, operandTypeUnorderedAccessView)
		if err != nil {
			return Declaration{}, err
		}
		stride, err := r.readU32()
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclUavStructured, Slot: slot, Stride: stride, BufferKind: BufferStructured}, nil

	case opDclUavRaw:
		slot, err := decodeSlotOperand(r, operandTypeUnorderedAccessView)
		if err != nil {
			return Declaration{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Declaration{}, err
		}
		return Declaration{Op: DeclUavRaw, Slot: slot, BufferKind: BufferRaw}, nil

	default:
		return Declaration{}, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperand, Msg: "unknown declaration opcode"}
	}
}

func decodeRegDecl(op DeclOp, r *tokenReader, at int) (Declaration, error) {
	dst, err := decodeDst(r)
	if err != nil {
		return Declaration{}, err
	}
	if err := r.expectEOF(); err != nil {
		return Declaration{}, err
	}
	return Declaration{Op: op, RegIndex: dst.Reg.Index, Mask: dst.Mask}, nil
}

func decodeSlotOperand(r *tokenReader, wantType uint32) (uint32, error) {
	at := r.baseAt + r.pos
	op, err := decodeRawOperand(r)
	if err != nil {
		return 0, err
	}
	if op.ty != wantType {
		return 0, &DecodeError{AtDword: at, Kind: ErrUnsupportedOperandType, OperandType: op.ty}
	}
	return oneIndex(op.ty, op.indices, at)
}
