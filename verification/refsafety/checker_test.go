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

	"github.com/google/go-cmp/cmp"

	"github.com/movevm/refcheck/verification/bytecode"
	"github.com/movevm/refcheck/verification/meter"
	"github.com/movevm/refcheck/verification/vmerror"
)

func verifyNamed(t *testing.T, m *bytecode.Module, name string) error {
	t.Helper()
	idx, ok := m.FunctionByName(name)
	if !ok {
		t.Fatalf("module has no function %q", name)
	}
	ctx, err := bytecode.NewFunctionContext(m, idx)
	if err != nil {
		t.Fatalf("building function context for %s: %v", name, err)
	}
	return VerifyFunction(ctx, meter.Unmetered())
}

func verifySingle(t *testing.T, def bytecode.FunctionDef) error {
	t.Helper()
	return verifyNamed(t, bytecode.NewModule("test", nil, []bytecode.FunctionDef{def}), def.Name)
}

func wantStatus(t *testing.T, err error, status vmerror.StatusCode, offset uint16) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rejection with %s at offset %d, function was accepted", status, offset)
	}
	if got := vmerror.StatusOf(err); got != status {
		t.Fatalf("got status %s, want %s (error: %v)", got, status, err)
	}
	if got := vmerror.OffsetOf(err); got != offset {
		t.Fatalf("got offset %d, want %d (error: %v)", got, offset, err)
	}
}

func wantAccepted(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("expected the function to be accepted, got: %v", err)
	}
}

func TestSecondMutableBorrowRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "double_mut",
		Parameters: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.MutBorrowLoc(0),
			bytecode.MutBorrowLoc(0),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusBorrowLocExistsBorrow, 1)
}

func TestTwoImmutableBorrowsAccepted(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "double_imm",
		Parameters: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.ImmBorrowLoc(0),
			bytecode.ImmBorrowLoc(0),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestMutableBorrowAfterFreezeRejected(t *testing.T) {
	// A frozen reference stays live as an immutable borrow, which still
	// excludes a new mutable borrow of the same local.
	err := verifySingle(t, bytecode.FunctionDef{
		Name:   "freeze_then_mut",
		Locals: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.StLoc(0),
			bytecode.MutBorrowLoc(0),
			bytecode.FreezeRef(),
			bytecode.MutBorrowLoc(0),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusBorrowLocExistsBorrow, 4)
}

func TestImmutableBorrowAfterFreezeAccepted(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:   "freeze_then_imm",
		Locals: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.StLoc(0),
			bytecode.MutBorrowLoc(0),
			bytecode.FreezeRef(),
			bytecode.ImmBorrowLoc(0),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestMoveWhileBorrowedRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "move_borrowed",
		Parameters: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.ImmBorrowLoc(0),
			bytecode.MoveLoc(0),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusMoveLocExistsBorrow, 1)
}

func TestReturnedLocalReferenceRejected(t *testing.T) {
	// The returned reference is rooted in a local of this frame; destroying
	// the frame would leave it dangling.
	err := verifySingle(t, bytecode.FunctionDef{
		Name:    "escape",
		Locals:  []bytecode.SignatureToken{bytecode.U64()},
		Returns: []bytecode.SignatureToken{bytecode.Reference(false, bytecode.U64())},
		Code: []bytecode.Instruction{
			bytecode.LdU64(7),
			bytecode.StLoc(0),
			bytecode.ImmBorrowLoc(0),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusRetUnsafeToDestroy, 3)
}

func TestReturnedParameterReferenceAccepted(t *testing.T) {
	// A reference received as a parameter is rooted in the caller's frame
	// and may flow back out.
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "pass_through",
		Parameters: []bytecode.SignatureToken{bytecode.Reference(false, bytecode.U64())},
		Returns:    []bytecode.SignatureToken{bytecode.Reference(false, bytecode.U64())},
		Code: []bytecode.Instruction{
			bytecode.MoveLoc(0),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestCallResultAliasesArguments(t *testing.T) {
	// Without inter-procedural information a returned mutable reference may
	// point anywhere a mutable argument pointed, so the borrow of local 0
	// must survive the call.
	mutRef := bytecode.Reference(true, bytecode.U64())
	m := bytecode.NewModule("test", nil, []bytecode.FunctionDef{
		{
			Name:       "id",
			Parameters: []bytecode.SignatureToken{mutRef},
			Returns:    []bytecode.SignatureToken{mutRef},
			Code: []bytecode.Instruction{
				bytecode.MoveLoc(0),
				bytecode.Ret(),
			},
		},
		{
			Name:   "caller",
			Locals: []bytecode.SignatureToken{bytecode.U64(), mutRef},
			Code: []bytecode.Instruction{
				bytecode.LdU64(0),
				bytecode.StLoc(0),
				bytecode.MutBorrowLoc(0),
				bytecode.Call(0),
				bytecode.StLoc(1),
				bytecode.MutBorrowLoc(0),
				bytecode.Pop(),
				bytecode.Ret(),
			},
		},
	})
	err := verifyNamed(t, m, "caller")
	wantStatus(t, err, vmerror.StatusBorrowLocExistsBorrow, 5)
}

func TestCallReleasingResultFreesArgument(t *testing.T) {
	mutRef := bytecode.Reference(true, bytecode.U64())
	m := bytecode.NewModule("test", nil, []bytecode.FunctionDef{
		{
			Name:       "id",
			Parameters: []bytecode.SignatureToken{mutRef},
			Returns:    []bytecode.SignatureToken{mutRef},
			Code: []bytecode.Instruction{
				bytecode.MoveLoc(0),
				bytecode.Ret(),
			},
		},
		{
			Name:   "caller",
			Locals: []bytecode.SignatureToken{bytecode.U64()},
			Code: []bytecode.Instruction{
				bytecode.LdU64(0),
				bytecode.StLoc(0),
				bytecode.MutBorrowLoc(0),
				bytecode.Call(0),
				bytecode.Pop(),
				bytecode.MutBorrowLoc(0),
				bytecode.Pop(),
				bytecode.Ret(),
			},
		},
	})
	wantAccepted(t, verifyNamed(t, m, "caller"))
}

func TestCopyAfterMoveRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "copy_moved",
		Parameters: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.MoveLoc(0),
			bytecode.Pop(),
			bytecode.CopyLoc(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusCopyLocUnavailable, 2)
}

func TestBorrowOfUnassignedLocalRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:   "borrow_unassigned",
		Locals: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.ImmBorrowLoc(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusBorrowLocUnavailable, 0)
}

func TestWriteThroughFrozenReferenceRejected(t *testing.T) {
	err := verifySingle(t, bytecode.FunctionDef{
		Name:   "write_frozen",
		Locals: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.StLoc(0),
			bytecode.LdU64(2),
			bytecode.MutBorrowLoc(0),
			bytecode.FreezeRef(),
			bytecode.WriteRef(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusWriteRefImmutable, 5)
}

func TestWriteWhileAliasLiveRejected(t *testing.T) {
	// A copied reference borrows from the original, so writing through the
	// original would invalidate the copy.
	mutRef := bytecode.Reference(true, bytecode.U64())
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "write_aliased",
		Parameters: []bytecode.SignatureToken{mutRef},
		Locals:     []bytecode.SignatureToken{mutRef},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.StLoc(1),
			bytecode.LdU64(5),
			bytecode.MoveLoc(0),
			bytecode.WriteRef(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusWriteRefExistsBorrow, 4)
}

func TestWriteAfterAliasReleasedAccepted(t *testing.T) {
	mutRef := bytecode.Reference(true, bytecode.U64())
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "write_released",
		Parameters: []bytecode.SignatureToken{mutRef},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.Pop(),
			bytecode.LdU64(5),
			bytecode.MoveLoc(0),
			bytecode.WriteRef(),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func coinModule(functions ...bytecode.FunctionDef) *bytecode.Module {
	coin := bytecode.StructDef{
		Name:      "Coin",
		Abilities: bytecode.AbilityKey | bytecode.AbilityStore,
		Fields:    []bytecode.SignatureToken{bytecode.U64()},
	}
	return bytecode.NewModule("test", []bytecode.StructDef{coin}, functions)
}

func TestImmutableFieldBorrowUnderMutableRejected(t *testing.T) {
	mutCoin := bytecode.Reference(true, bytecode.Struct(0))
	m := coinModule(bytecode.FunctionDef{
		Name:       "field_conflict",
		Parameters: []bytecode.SignatureToken{mutCoin},
		Locals:     []bytecode.SignatureToken{bytecode.Reference(true, bytecode.U64())},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.MutBorrowField(0),
			bytecode.StLoc(1),
			bytecode.MoveLoc(0),
			bytecode.ImmBorrowField(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	err := verifyNamed(t, m, "field_conflict")
	wantStatus(t, err, vmerror.StatusBorrowFieldExistsBorrow, 4)
}

func TestDisjointImmutableFieldBorrowsAccepted(t *testing.T) {
	immCoin := bytecode.Reference(false, bytecode.Struct(0))
	m := coinModule(bytecode.FunctionDef{
		Name:       "imm_fields",
		Parameters: []bytecode.SignatureToken{immCoin},
		Locals:     []bytecode.SignatureToken{bytecode.Reference(false, bytecode.U64())},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.ImmBorrowField(0),
			bytecode.StLoc(1),
			bytecode.MoveLoc(0),
			bytecode.ImmBorrowField(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, verifyNamed(t, m, "imm_fields"))
}

func TestMoveFromWhileGloballyBorrowedRejected(t *testing.T) {
	m := coinModule(bytecode.FunctionDef{
		Name:       "move_from_borrowed",
		Parameters: []bytecode.SignatureToken{bytecode.Address()},
		Locals:     []bytecode.SignatureToken{bytecode.Reference(false, bytecode.Struct(0))},
		Acquires:   []bytecode.StructIndex{0},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.ImmBorrowGlobal(0),
			bytecode.StLoc(1),
			bytecode.CopyLoc(0),
			bytecode.MoveFrom(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	err := verifyNamed(t, m, "move_from_borrowed")
	wantStatus(t, err, vmerror.StatusGlobalReferenceConflict, 4)
}

func TestSecondMutableGlobalBorrowRejected(t *testing.T) {
	m := coinModule(bytecode.FunctionDef{
		Name:       "double_global",
		Parameters: []bytecode.SignatureToken{bytecode.Address()},
		Locals:     []bytecode.SignatureToken{bytecode.Reference(true, bytecode.Struct(0))},
		Acquires:   []bytecode.StructIndex{0},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.MutBorrowGlobal(0),
			bytecode.StLoc(1),
			bytecode.CopyLoc(0),
			bytecode.MutBorrowGlobal(0),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	err := verifyNamed(t, m, "double_global")
	wantStatus(t, err, vmerror.StatusBorrowGlobalExistsBorrow, 4)
}

func TestCallAcquiresBorrowedGlobalRejected(t *testing.T) {
	m := coinModule(
		bytecode.FunctionDef{
			Name:     "withdraw",
			Acquires: []bytecode.StructIndex{0},
			Code:     []bytecode.Instruction{bytecode.Ret()},
		},
		bytecode.FunctionDef{
			Name:       "conflict",
			Parameters: []bytecode.SignatureToken{bytecode.Address()},
			Locals:     []bytecode.SignatureToken{bytecode.Reference(false, bytecode.Struct(0))},
			Acquires:   []bytecode.StructIndex{0},
			Code: []bytecode.Instruction{
				bytecode.CopyLoc(0),
				bytecode.ImmBorrowGlobal(0),
				bytecode.StLoc(1),
				bytecode.Call(0),
				bytecode.Ret(),
			},
		},
	)
	err := verifyNamed(t, m, "conflict")
	wantStatus(t, err, vmerror.StatusGlobalReferenceConflict, 3)
}

func TestVectorElementBorrowConflicts(t *testing.T) {
	// Element indices are not tracked, so a live mutable element borrow
	// excludes every other element borrow of the same vector.
	mutVec := bytecode.Reference(true, bytecode.Vector(bytecode.U64()))
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "vec_elems",
		Parameters: []bytecode.SignatureToken{mutVec},
		Locals:     []bytecode.SignatureToken{bytecode.Reference(true, bytecode.U64())},
		Code: []bytecode.Instruction{
			bytecode.CopyLoc(0),
			bytecode.LdU64(0),
			bytecode.VecMutBorrow(bytecode.U64()),
			bytecode.StLoc(1),
			bytecode.MoveLoc(0),
			bytecode.LdU64(1),
			bytecode.VecImmBorrow(bytecode.U64()),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusBorrowFieldExistsBorrow, 6)
}

func TestBranchJoinDropsOneSidedReference(t *testing.T) {
	// Local 2 holds a reference on one path only; after the join it counts
	// as unavailable and the function still returns safely.
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "one_sided_ref",
		Parameters: []bytecode.SignatureToken{bytecode.Bool()},
		Locals: []bytecode.SignatureToken{
			bytecode.U64(),
			bytecode.Reference(false, bytecode.U64()),
		},
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.StLoc(1),
			bytecode.CopyLoc(0),
			bytecode.BrTrue(6),
			bytecode.ImmBorrowLoc(1),
			bytecode.StLoc(2),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestLoopWithBorrowStabilizes(t *testing.T) {
	// while (i < n) { let r = &i; _ = *r; i = i + 1 }
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "count",
		Parameters: []bytecode.SignatureToken{bytecode.U64()},
		Locals:     []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.LdU64(0),
			bytecode.StLoc(1),
			bytecode.CopyLoc(1),
			bytecode.CopyLoc(0),
			bytecode.Binary(bytecode.OpLt),
			bytecode.BrFalse(14),
			bytecode.ImmBorrowLoc(1),
			bytecode.ReadRef(),
			bytecode.Pop(),
			bytecode.CopyLoc(1),
			bytecode.LdU64(1),
			bytecode.Binary(bytecode.OpAdd),
			bytecode.StLoc(1),
			bytecode.Branch(2),
			bytecode.Ret(),
		},
	})
	wantAccepted(t, err)
}

func TestLoopLeakingBorrowsRejected(t *testing.T) {
	// Each iteration roots one more reference in local 0 and never releases
	// it, so the backward join keeps growing until the exit path returns
	// with the borrow live.
	err := verifySingle(t, bytecode.FunctionDef{
		Name:       "leak",
		Parameters: []bytecode.SignatureToken{bytecode.Bool(), bytecode.U64()},
		Locals:     []bytecode.SignatureToken{bytecode.Reference(false, bytecode.U64())},
		Returns:    []bytecode.SignatureToken{bytecode.Reference(false, bytecode.U64())},
		Code: []bytecode.Instruction{
			bytecode.ImmBorrowLoc(1),
			bytecode.StLoc(2),
			bytecode.CopyLoc(0),
			bytecode.BrTrue(0),
			bytecode.MoveLoc(2),
			bytecode.Ret(),
		},
	})
	wantStatus(t, err, vmerror.StatusRetUnsafeToDestroy, 5)
}

func TestMeterExceeded(t *testing.T) {
	def := bytecode.FunctionDef{
		Name: "expensive",
		Code: []bytecode.Instruction{
			bytecode.LdU64(1), bytecode.Pop(),
			bytecode.LdU64(2), bytecode.Pop(),
			bytecode.LdU64(3), bytecode.Pop(),
			bytecode.Ret(),
		},
	}
	m := bytecode.NewModule("test", nil, []bytecode.FunctionDef{def})
	ctx, err := bytecode.NewFunctionContext(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = VerifyFunction(ctx, meter.NewBoundMeter(3, 0))
	if !vmerror.IsMeterExceeded(err) {
		t.Fatalf("expected the meter to reject the function, got: %v", err)
	}
	if vmerror.IsInvariantViolation(err) || vmerror.IsVerificationRejection(err) {
		t.Fatalf("meter exhaustion must not classify as a verdict on the code, got: %v", err)
	}
}

func TestStepCostScalesMeterCharge(t *testing.T) {
	def := bytecode.FunctionDef{
		Name: "short",
		Code: []bytecode.Instruction{
			bytecode.LdU64(1),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	}
	m := bytecode.NewModule("test", nil, []bytecode.FunctionDef{def})
	ctx, err := bytecode.NewFunctionContext(m, 0)
	if err != nil {
		t.Fatal(err)
	}

	// three instructions at one unit each fit the budget exactly
	if err := VerifyFunction(ctx, meter.NewBoundMeter(3, 0)); err != nil {
		t.Fatalf("expected the function to fit the budget, got: %v", err)
	}

	// at two units per step the same budget is exhausted mid-function
	err = VerifyFunctionWithOptions(ctx, meter.NewBoundMeter(3, 0), Options{StepCost: 2})
	if !vmerror.IsMeterExceeded(err) {
		t.Fatalf("expected a higher step cost to exhaust the budget, got: %v", err)
	}
}

func TestVerdictIsDeterministic(t *testing.T) {
	def := bytecode.FunctionDef{
		Name:       "double_mut",
		Parameters: []bytecode.SignatureToken{bytecode.U64()},
		Code: []bytecode.Instruction{
			bytecode.MutBorrowLoc(0),
			bytecode.MutBorrowLoc(0),
			bytecode.Pop(),
			bytecode.Pop(),
			bytecode.Ret(),
		},
	}
	m := bytecode.NewModule("test", nil, []bytecode.FunctionDef{def})

	type verdict struct {
		Status vmerror.StatusCode
		Offset uint16
	}
	run := func() verdict {
		ctx, err := bytecode.NewFunctionContext(m, 0)
		if err != nil {
			t.Fatal(err)
		}
		got := VerifyFunction(ctx, meter.Unmetered())
		return verdict{Status: vmerror.StatusOf(got), Offset: vmerror.OffsetOf(got)}
	}
	first, second := run(), run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("two runs disagree (-first +second):\n%s", diff)
	}
}
