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

package bytecode

import "fmt"

// Opcode identifies a bytecode instruction.
type Opcode uint8

const (
	// OpPop discards the value on top of the stack.
	OpPop Opcode = iota
	// OpRet returns from the function, consuming the declared return values.
	OpRet
	// OpBranch jumps unconditionally to Target.
	OpBranch
	// OpBrTrue pops a bool and jumps to Target when it is true.
	OpBrTrue
	// OpBrFalse pops a bool and jumps to Target when it is false.
	OpBrFalse
	// OpAbort pops an abort code and terminates the transaction.
	OpAbort
	// OpNop does nothing.
	OpNop

	// OpLdTrue pushes the boolean constant true.
	OpLdTrue
	// OpLdFalse pushes the boolean constant false.
	OpLdFalse
	// OpLdU64 pushes the u64 constant in Value.
	OpLdU64
	// OpLdConst pushes a constant from the constant pool.
	OpLdConst
	// OpCastU64 pops an integer and pushes it as u64.
	OpCastU64

	// OpCopyLoc pushes a copy of local Local.
	OpCopyLoc
	// OpMoveLoc moves the value out of local Local onto the stack.
	OpMoveLoc
	// OpStLoc pops a value into local Local.
	OpStLoc

	// OpMutBorrowLoc pushes a mutable reference to local Local.
	OpMutBorrowLoc
	// OpImmBorrowLoc pushes an immutable reference to local Local.
	OpImmBorrowLoc
	// OpMutBorrowField pops a struct reference and pushes a mutable reference to field Field.
	OpMutBorrowField
	// OpImmBorrowField pops a struct reference and pushes an immutable reference to field Field.
	OpImmBorrowField
	// OpMutBorrowGlobal pops an address and pushes a mutable reference to the Struct resource.
	OpMutBorrowGlobal
	// OpImmBorrowGlobal pops an address and pushes an immutable reference to the Struct resource.
	OpImmBorrowGlobal

	// OpFreezeRef pops a mutable reference and pushes it as immutable.
	OpFreezeRef
	// OpReadRef pops a reference and pushes a copy of the referenced value.
	OpReadRef
	// OpWriteRef pops a reference and a value and stores the value through the reference.
	OpWriteRef

	// OpCall invokes function Function with arguments from the stack.
	OpCall

	// OpPack pops the fields of struct Struct and pushes the packed value.
	OpPack
	// OpUnpack pops a struct value and pushes its fields.
	OpUnpack

	// OpExists pops an address and pushes whether a Struct resource exists there.
	OpExists
	// OpMoveFrom pops an address and moves the Struct resource out of global storage.
	OpMoveFrom
	// OpMoveTo pops a signer reference and a value and publishes it into global storage.
	OpMoveTo

	// OpAdd through OpGe are binary operations popping two values and pushing one.
	OpAdd
	OpSub
	OpMul
	OpMod
	OpDiv
	OpBitOr
	OpBitAnd
	OpXor
	OpShl
	OpShr
	OpOr
	OpAnd
	OpEq
	OpNeq
	OpLt
	OpGt
	OpLe
	OpGe
	// OpNot pops a bool and pushes its negation.
	OpNot

	// OpVecPack pops Count elements and pushes a vector.
	OpVecPack
	// OpVecLen pops a vector reference and pushes its length.
	OpVecLen
	// OpVecImmBorrow pops an index and a vector reference and pushes an immutable element reference.
	OpVecImmBorrow
	// OpVecMutBorrow pops an index and a mutable vector reference and pushes a mutable element reference.
	OpVecMutBorrow
	// OpVecPushBack pops an element and a mutable vector reference and appends the element.
	OpVecPushBack
	// OpVecPopBack pops a mutable vector reference and pushes the removed last element.
	OpVecPopBack
	// OpVecUnpack pops a vector and pushes its Count elements.
	OpVecUnpack
	// OpVecSwap pops two indices and a mutable vector reference and swaps the elements.
	OpVecSwap

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	OpPop:             "pop",
	OpRet:             "ret",
	OpBranch:          "branch",
	OpBrTrue:          "br_true",
	OpBrFalse:         "br_false",
	OpAbort:           "abort",
	OpNop:             "nop",
	OpLdTrue:          "ld_true",
	OpLdFalse:         "ld_false",
	OpLdU64:           "ld_u64",
	OpLdConst:         "ld_const",
	OpCastU64:         "cast_u64",
	OpCopyLoc:         "copy_loc",
	OpMoveLoc:         "move_loc",
	OpStLoc:           "st_loc",
	OpMutBorrowLoc:    "mut_borrow_loc",
	OpImmBorrowLoc:    "imm_borrow_loc",
	OpMutBorrowField:  "mut_borrow_field",
	OpImmBorrowField:  "imm_borrow_field",
	OpMutBorrowGlobal: "mut_borrow_global",
	OpImmBorrowGlobal: "imm_borrow_global",
	OpFreezeRef:       "freeze_ref",
	OpReadRef:         "read_ref",
	OpWriteRef:        "write_ref",
	OpCall:            "call",
	OpPack:            "pack",
	OpUnpack:          "unpack",
	OpExists:          "exists",
	OpMoveFrom:        "move_from",
	OpMoveTo:          "move_to",
	OpAdd:             "add",
	OpSub:             "sub",
	OpMul:             "mul",
	OpMod:             "mod",
	OpDiv:             "div",
	OpBitOr:           "bit_or",
	OpBitAnd:          "bit_and",
	OpXor:             "xor",
	OpShl:             "shl",
	OpShr:             "shr",
	OpOr:              "or",
	OpAnd:             "and",
	OpEq:              "eq",
	OpNeq:             "neq",
	OpLt:              "lt",
	OpGt:              "gt",
	OpLe:              "le",
	OpGe:              "ge",
	OpNot:             "not",
	OpVecPack:         "vec_pack",
	OpVecLen:          "vec_len",
	OpVecImmBorrow:    "vec_imm_borrow",
	OpVecMutBorrow:    "vec_mut_borrow",
	OpVecPushBack:     "vec_push_back",
	OpVecPopBack:      "vec_pop_back",
	OpVecUnpack:       "vec_unpack",
	OpVecSwap:         "vec_swap",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// Instruction is one bytecode instruction. The operand fields are meaningful
// depending on Op; unused operands are zero.
type Instruction struct {
	Op       Opcode
	Local    LocalIndex
	Field    FieldIndex
	Struct   StructIndex
	Function FunctionIndex
	Target   CodeOffset
	Count    uint16
	Value    uint64
	Elem     *SignatureToken // element type for the vector instructions
}

// IsTerminal reports whether the instruction ends a basic block with no
// fallthrough successor.
func (i Instruction) IsTerminal() bool {
	return i.Op == OpRet || i.Op == OpAbort || i.Op == OpBranch
}

// IsBranch reports whether the instruction may transfer control to Target.
func (i Instruction) IsBranch() bool {
	return i.Op == OpBranch || i.Op == OpBrTrue || i.Op == OpBrFalse
}

func (i Instruction) String() string {
	switch i.Op {
	case OpCopyLoc, OpMoveLoc, OpStLoc, OpMutBorrowLoc, OpImmBorrowLoc:
		return fmt.Sprintf("%s %d", i.Op, i.Local)
	case OpMutBorrowField, OpImmBorrowField:
		return fmt.Sprintf("%s %d", i.Op, i.Field)
	case OpMutBorrowGlobal, OpImmBorrowGlobal, OpPack, OpUnpack, OpExists, OpMoveFrom, OpMoveTo:
		return fmt.Sprintf("%s %d", i.Op, i.Struct)
	case OpCall:
		return fmt.Sprintf("%s %d", i.Op, i.Function)
	case OpBranch, OpBrTrue, OpBrFalse:
		return fmt.Sprintf("%s %d", i.Op, i.Target)
	case OpLdU64:
		return fmt.Sprintf("%s %d", i.Op, i.Value)
	case OpVecPack, OpVecUnpack:
		return fmt.Sprintf("%s %d", i.Op, i.Count)
	default:
		return i.Op.String()
	}
}

// The constructors below make instruction streams in tests and generated code
// read like disassembly.

// Pop returns a pop instruction.
func Pop() Instruction { return Instruction{Op: OpPop} }

// Ret returns a ret instruction.
func Ret() Instruction { return Instruction{Op: OpRet} }

// Branch returns an unconditional branch to target.
func Branch(target CodeOffset) Instruction { return Instruction{Op: OpBranch, Target: target} }

// BrTrue returns a conditional branch to target.
func BrTrue(target CodeOffset) Instruction { return Instruction{Op: OpBrTrue, Target: target} }

// BrFalse returns a conditional branch to target.
func BrFalse(target CodeOffset) Instruction { return Instruction{Op: OpBrFalse, Target: target} }

// Abort returns an abort instruction.
func Abort() Instruction { return Instruction{Op: OpAbort} }

// Nop returns a nop instruction.
func Nop() Instruction { return Instruction{Op: OpNop} }

// LdTrue returns an instruction pushing true.
func LdTrue() Instruction { return Instruction{Op: OpLdTrue} }

// LdFalse returns an instruction pushing false.
func LdFalse() Instruction { return Instruction{Op: OpLdFalse} }

// LdU64 returns an instruction pushing the constant v.
func LdU64(v uint64) Instruction { return Instruction{Op: OpLdU64, Value: v} }

// CopyLoc returns an instruction copying local i.
func CopyLoc(i LocalIndex) Instruction { return Instruction{Op: OpCopyLoc, Local: i} }

// MoveLoc returns an instruction moving local i.
func MoveLoc(i LocalIndex) Instruction { return Instruction{Op: OpMoveLoc, Local: i} }

// StLoc returns an instruction storing into local i.
func StLoc(i LocalIndex) Instruction { return Instruction{Op: OpStLoc, Local: i} }

// MutBorrowLoc returns an instruction mutably borrowing local i.
func MutBorrowLoc(i LocalIndex) Instruction { return Instruction{Op: OpMutBorrowLoc, Local: i} }

// ImmBorrowLoc returns an instruction immutably borrowing local i.
func ImmBorrowLoc(i LocalIndex) Instruction { return Instruction{Op: OpImmBorrowLoc, Local: i} }

// MutBorrowField returns an instruction mutably borrowing field f.
func MutBorrowField(f FieldIndex) Instruction { return Instruction{Op: OpMutBorrowField, Field: f} }

// ImmBorrowField returns an instruction immutably borrowing field f.
func ImmBorrowField(f FieldIndex) Instruction { return Instruction{Op: OpImmBorrowField, Field: f} }

// MutBorrowGlobal returns an instruction mutably borrowing the global resource s.
func MutBorrowGlobal(s StructIndex) Instruction { return Instruction{Op: OpMutBorrowGlobal, Struct: s} }

// ImmBorrowGlobal returns an instruction immutably borrowing the global resource s.
func ImmBorrowGlobal(s StructIndex) Instruction { return Instruction{Op: OpImmBorrowGlobal, Struct: s} }

// FreezeRef returns a freeze_ref instruction.
func FreezeRef() Instruction { return Instruction{Op: OpFreezeRef} }

// ReadRef returns a read_ref instruction.
func ReadRef() Instruction { return Instruction{Op: OpReadRef} }

// WriteRef returns a write_ref instruction.
func WriteRef() Instruction { return Instruction{Op: OpWriteRef} }

// Call returns an instruction calling function f.
func Call(f FunctionIndex) Instruction { return Instruction{Op: OpCall, Function: f} }

// Pack returns an instruction packing struct s.
func Pack(s StructIndex) Instruction { return Instruction{Op: OpPack, Struct: s} }

// Unpack returns an instruction unpacking struct s.
func Unpack(s StructIndex) Instruction { return Instruction{Op: OpUnpack, Struct: s} }

// Exists returns an existence check for the global resource s.
func Exists(s StructIndex) Instruction { return Instruction{Op: OpExists, Struct: s} }

// MoveFrom returns an instruction moving the global resource s out of storage.
func MoveFrom(s StructIndex) Instruction { return Instruction{Op: OpMoveFrom, Struct: s} }

// MoveTo returns an instruction publishing a value as the global resource s.
func MoveTo(s StructIndex) Instruction { return Instruction{Op: OpMoveTo, Struct: s} }

// Binary returns a binary arithmetic, bitwise, logical or comparison instruction.
func Binary(op Opcode) Instruction { return Instruction{Op: op} }

// Not returns a boolean negation instruction.
func Not() Instruction { return Instruction{Op: OpNot} }

// CastU64 returns an instruction converting the top integer to u64.
func CastU64() Instruction { return Instruction{Op: OpCastU64} }

// VecPack returns an instruction packing n elements of type elem into a vector.
func VecPack(elem SignatureToken, n uint16) Instruction {
	return Instruction{Op: OpVecPack, Elem: &elem, Count: n}
}

// VecLen returns a vector length instruction.
func VecLen(elem SignatureToken) Instruction { return Instruction{Op: OpVecLen, Elem: &elem} }

// VecImmBorrow returns an immutable vector element borrow.
func VecImmBorrow(elem SignatureToken) Instruction {
	return Instruction{Op: OpVecImmBorrow, Elem: &elem}
}

// VecMutBorrow returns a mutable vector element borrow.
func VecMutBorrow(elem SignatureToken) Instruction {
	return Instruction{Op: OpVecMutBorrow, Elem: &elem}
}

// VecPushBack returns a vector append instruction.
func VecPushBack(elem SignatureToken) Instruction {
	return Instruction{Op: OpVecPushBack, Elem: &elem}
}

// VecPopBack returns a vector pop instruction.
func VecPopBack(elem SignatureToken) Instruction {
	return Instruction{Op: OpVecPopBack, Elem: &elem}
}

// VecUnpack returns an instruction unpacking a vector into n elements.
func VecUnpack(elem SignatureToken, n uint16) Instruction {
	return Instruction{Op: OpVecUnpack, Elem: &elem, Count: n}
}

// VecSwap returns a vector element swap instruction.
func VecSwap(elem SignatureToken) Instruction { return Instruction{Op: OpVecSwap, Elem: &elem} }
