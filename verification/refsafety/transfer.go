// Copyright the refcheck authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refsafety

import (
	"github.com/movevm/refcheck/verification/bytecode"
	"github.com/movevm/refcheck/verification/vmerror"
)

// execute interprets one instruction against the abstract state. The stack
// effect of every case matches the arity of the real machine exactly; any
// mismatch the earlier passes were supposed to rule out surfaces as an
// invariant violation from the checked pops.
func execute(ctx *bytecode.FunctionContext, s *AbstractState, offset bytecode.CodeOffset, instr bytecode.Instruction) error {
	switch instr.Op {
	case bytecode.OpPop:
		v, err := s.pop(offset)
		if err != nil {
			return err
		}
		s.releaseValue(v)

	case bytecode.OpRet:
		returns := ctx.Returns()
		for range returns {
			if _, err := s.pop(offset); err != nil {
				return err
			}
		}
		return s.ret(offset)

	case bytecode.OpBranch, bytecode.OpNop:
		// no stack effect

	case bytecode.OpBrTrue, bytecode.OpBrFalse, bytecode.OpAbort:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}

	case bytecode.OpLdTrue, bytecode.OpLdFalse:
		s.push(s.valueFor(bytecode.Bool()))

	case bytecode.OpLdU64:
		s.push(s.valueFor(bytecode.U64()))

	case bytecode.OpLdConst:
		s.push(NonRefValue())

	case bytecode.OpCastU64:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		s.push(s.valueFor(bytecode.U64()))

	case bytecode.OpCopyLoc:
		v, err := s.copyLoc(ctx, offset, instr.Local)
		if err != nil {
			return err
		}
		s.push(v)

	case bytecode.OpMoveLoc:
		v, err := s.moveLoc(offset, instr.Local)
		if err != nil {
			return err
		}
		s.push(v)

	case bytecode.OpStLoc:
		v, err := s.pop(offset)
		if err != nil {
			return err
		}
		return s.stLoc(offset, instr.Local, v)

	case bytecode.OpMutBorrowLoc, bytecode.OpImmBorrowLoc:
		v, err := s.borrowLoc(offset, instr.Op == bytecode.OpMutBorrowLoc, instr.Local)
		if err != nil {
			return err
		}
		s.push(v)

	case bytecode.OpMutBorrowField, bytecode.OpImmBorrowField:
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		v, err := s.borrowField(offset, instr.Op == bytecode.OpMutBorrowField, ref, instr.Field)
		if err != nil {
			return err
		}
		s.push(v)

	case bytecode.OpMutBorrowGlobal, bytecode.OpImmBorrowGlobal:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		v, err := s.borrowGlobal(offset, instr.Op == bytecode.OpMutBorrowGlobal, instr.Struct)
		if err != nil {
			return err
		}
		s.push(v)

	case bytecode.OpFreezeRef:
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		v, err := s.freezeRef(offset, ref)
		if err != nil {
			return err
		}
		s.push(v)

	case bytecode.OpReadRef:
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		v, err := s.readRef(offset, ref)
		if err != nil {
			return err
		}
		s.push(v)

	case bytecode.OpWriteRef:
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		return s.writeRef(offset, ref)

	case bytecode.OpCall:
		callee, err := ctx.Module.FunctionDefAt(instr.Function)
		if err != nil {
			return vmerror.InvariantViolation(uint16(offset), "%v", err)
		}
		args := make([]AbstractValue, len(callee.Parameters))
		for k := len(args) - 1; k >= 0; k-- {
			if args[k], err = s.pop(offset); err != nil {
				return err
			}
		}
		results, err := s.call(offset, args, callee.Acquires, callee.Returns)
		if err != nil {
			return err
		}
		for _, v := range results {
			s.push(v)
		}

	case bytecode.OpPack:
		def, err := ctx.Module.StructDefAt(instr.Struct)
		if err != nil {
			return vmerror.InvariantViolation(uint16(offset), "%v", err)
		}
		for range def.Fields {
			if _, err := s.popNonRef(offset); err != nil {
				return err
			}
		}
		s.push(NonRefValue())

	case bytecode.OpUnpack:
		def, err := ctx.Module.StructDefAt(instr.Struct)
		if err != nil {
			return vmerror.InvariantViolation(uint16(offset), "%v", err)
		}
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		for range def.Fields {
			s.push(NonRefValue())
		}

	case bytecode.OpExists:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		s.push(s.valueFor(bytecode.Bool()))

	case bytecode.OpMoveFrom:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		if s.isGlobalBorrowed(instr.Struct) {
			return vmerror.New(vmerror.StatusGlobalReferenceConflict, uint16(offset),
				"cannot move global %d out of storage while it is borrowed", instr.Struct)
		}
		s.push(NonRefValue())

	case bytecode.OpMoveTo:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		signer, err := s.popRef(offset)
		if err != nil {
			return err
		}
		s.releaseValue(signer)

	case bytecode.OpEq, bytecode.OpNeq:
		// comparing references reads the values behind them
		for k := 0; k < 2; k++ {
			v, err := s.pop(offset)
			if err != nil {
				return err
			}
			if v.IsReference() {
				if _, err := s.readRef(offset, v); err != nil {
					return err
				}
			}
		}
		s.push(s.valueFor(bytecode.Bool()))

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpMod, bytecode.OpDiv,
		bytecode.OpBitOr, bytecode.OpBitAnd, bytecode.OpXor, bytecode.OpShl, bytecode.OpShr,
		bytecode.OpOr, bytecode.OpAnd, bytecode.OpLt, bytecode.OpGt, bytecode.OpLe, bytecode.OpGe:
		for k := 0; k < 2; k++ {
			if _, err := s.popNonRef(offset); err != nil {
				return err
			}
		}
		s.push(NonRefValue())

	case bytecode.OpNot:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		s.push(s.valueFor(bytecode.Bool()))

	case bytecode.OpVecPack:
		for k := uint16(0); k < instr.Count; k++ {
			if _, err := s.popNonRef(offset); err != nil {
				return err
			}
		}
		s.push(NonRefValue())

	case bytecode.OpVecLen:
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		if _, err := s.readRef(offset, ref); err != nil {
			return err
		}
		s.push(s.valueFor(bytecode.U64()))

	case bytecode.OpVecImmBorrow, bytecode.OpVecMutBorrow:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		v, err := s.borrowElement(offset, instr.Op == bytecode.OpVecMutBorrow, ref)
		if err != nil {
			return err
		}
		s.push(v)

	case bytecode.OpVecPushBack:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		return s.writeRef(offset, ref)

	case bytecode.OpVecPopBack:
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		if err := s.writeRef(offset, ref); err != nil {
			return err
		}
		s.push(NonRefValue())

	case bytecode.OpVecUnpack:
		if _, err := s.popNonRef(offset); err != nil {
			return err
		}
		for k := uint16(0); k < instr.Count; k++ {
			s.push(NonRefValue())
		}

	case bytecode.OpVecSwap:
		for k := 0; k < 2; k++ {
			if _, err := s.popNonRef(offset); err != nil {
				return err
			}
		}
		ref, err := s.popRef(offset)
		if err != nil {
			return err
		}
		return s.writeRef(offset, ref)

	default:
		return &vmerror.VMError{
			Status:  vmerror.StatusUnknownOpcode,
			Offset:  uint16(offset),
			Message: instr.Op.String(),
		}
	}
	return nil
}
