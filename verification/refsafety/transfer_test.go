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
	"testing"

	"github.com/movevm/refcheck/verification/bytecode"
	"github.com/movevm/refcheck/verification/vmerror"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	pair := bytecode.StructDef{
		Name:      "Pair",
		Abilities: bytecode.AbilityCopy | bytecode.AbilityDrop,
		Fields:    []bytecode.SignatureToken{bytecode.U64(), bytecode.U64()},
	}
	m := bytecode.NewModule("test", []bytecode.StructDef{pair}, []bytecode.FunctionDef{{
		Name: "roundtrip",
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.LdU64(2),
			bytecode.Pack(0),
			bytecode.Unpack(0),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	}})
	wantAccepted(t, verifyNamed(t, m, "roundtrip"))
}

func TestMoveToReleasesSignerReference(t *testing.T) {
	m := coinModule(bytecode.FunctionDef{
		Name:       "publish",
		Parameters: []bytecode.SignatureToken{bytecode.Reference(false, bytecode.Signer())},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.LdU64(9),
			bytecode.MoveTo(0),
			bytecode.LdU64(1),
			bytecode.Exists(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, verifyNamed(t, m, "publish"))
}

func TestEqOnImmutableReferencesAccepted(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "ref_eq",
		Parameters: []bytecode.SignatureToken{bytecode.Reference(false, bytecode.U64())},
		Returns:    []bytecode.SignatureToken{bytecode.Bool()},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.MoveLoc(0),
			bytecode.Binary(bytecode.OpEq),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestReadThroughMutablyExtendedReferenceRejected(t *testing.T) {
	mutRef := bytecode.Reference(true, bytecode.U64())
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "read_extended",
		Parameters: []bytecode.SignatureToken{mutRef},
		Locals:     []bytecode.SignatureToken{mutRef},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.StLoc(1),
			bytecode.MoveLoc(0),
			bytecode.ReadRef(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusReadRefExistsBorrow, 3)
}

func TestVecPushBackThroughImmutableRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "push_imm",
		Parameters: []bytecode.SignatureToken{bytecode.Reference(false, bytecode.Vector(bytecode.U64()))},
		Code: []bytecode.Instruction{
			bytecode.MoveLoc(0),
			bytecode.LdU64(1),
			bytecode.VecPushBack(bytecode.U64()),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusWriteRefImmutable, 2)
}

func TestVectorMutationsThroughMutableAccepted(t *testing.T) {
	mutVec := bytecode.Reference(true, bytecode.Vector(bytecode.U64()))
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "vec_ops",
		Parameters: []bytecode.SignatureToken{mutVec},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.VecLen(bytecode.U64()),
			bytecode.Pop(),
			bytecode.CopyLoc(0),
			bytecode.LdU64(0),
			bytecode.LdU64(1),
			bytecode.VecSwap(bytecode.U64()),
			bytecode.MoveLoc(0),
			bytecode.VecPopBack(bytecode.U64()),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestVecPackUnpackBalanced(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name: "vec_roundtrip",
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.LdU64(2),
			bytecode.VecPack(bytecode.U64(), 2),
			bytecode.VecUnpack(bytecode.U64(), 2),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestArithmeticAndAbortPath(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name: "checked_math",
		Code: []bytecode.Instruction{
			bytecode.LdFalse(),
			bytecode.Not(),
			bytecode.BrTrue(5),
			bytecode.LdU64(7),
			bytecode.Abort(),
			bytecode.LdU64(5),
			bytecode.CastU64(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestCallWithBorrowedMutableArgumentRejected(t *testing.T) {
	mutRef := bytecode.Reference(true, bytecode.U64())
	m := bytecode.NewModule("test", nil, []bytecode.FunctionDef{
		{
			Name:       "use_ref",
			Parameters: []bytecode.SignatureToken{mutRef},
			Code:       []bytecode.Instruction{bytecode.Ret()},
		},
		{
			Name:   "caller",
			Locals: []bytecode.SignatureToken{bytecode.U64(), mutRef},
			Code: []bytecode.Instruction{
				bytecode.LdU64(1),
				bytecode.StLoc(0),
				bytecode.MutBorrowLoc(0),
				bytecode.StLoc(1),
				bytecode.CopyLoc(1),
				bytecode.MoveLoc(1),
				bytecode.Call(0),
				bytecode.Pop(),
				bytecode.Ret(),
			},
		},
	})
	err := verifyNamed(t, m, "caller")
	wantStatus(t, err, vmerror.StatusCallBorrowedMutable, 6)
}

func TestStoreWhileBorrowedRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:   "store_borrowed",
		Locals: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.StLoc(0),
			bytecode.ImmBorrowLoc(0),
			bytecode.LdU64(2),
			bytecode.StLoc(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusStoreLocExistsBorrow, 4)
}

func TestCopyWhileMutablyBorrowedRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:   "copy_mut_borrowed",
		Locals: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.StLoc(0),
			bytecode.MutBorrowLoc(0),
			bytecode.CopyLoc(0),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusCopyLocExistsBorrow, 3)
}

func TestCopyWithoutAbilityRejected(t *testing.T) {
	resource := bytecode.StructDef{
		Name:      "Resource",
		Abilities: bytecode.AbilityKey,
		Fields:    []bytecode.SignatureToken{bytecode.U64()},
	}
	m := bytecode.NewModule("test", []bytecode.StructDef{resource}, []bytecode.FunctionDef{{
		Name:       "dup",
		Parameters: []bytecode.SignatureToken{bytecode.Struct(0)},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	}})
	err := verifyNamed(t, m, "dup")
	wantStatus(t, err, vmerror.StatusCopyLocWithoutAbility, 0)
}

func TestFreezeWhileMutablyExtendedRejected(t *testing.T) {
	mutRef := bytecode.Reference(true, bytecode.U64())
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "freeze_extended",
		Parameters: []bytecode.SignatureToken{mutRef},
		Locals:     []bytecode.SignatureToken{mutRef},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.StLoc(1),
			bytecode.MoveLoc(0),
			bytecode.FreezeRef(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusFreezeExistsBorrow, 3)
}

func TestMoveOfMovedLocalRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "double_move",
		Parameters: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.MoveLoc(0),
			bytecode.Pop(),
			bytecode.MoveLoc(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusMoveLocUnavailable, 2)
}

func TestUnknownOpcodeFailsClosed(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name: "bogus",
		Code: []bytecode.Instruction{
			{Op: bytecode.Opcode(200)},
			bytecode.Ret(),
		},
	})
	if !vmerror.IsInvariantViolation(err) {
		t.Fatalf("an unknown opcode must fail closed, got %v", err)
	}
	if vmerror.StatusOf(err) != vmerror.StatusUnknownOpcode {
		t.Fatalf("got status %v, want %v", vmerror.StatusOf(err), vmerror.StatusUnknownOpcode)
	}
}
