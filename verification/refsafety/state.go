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
	"fmt"

	"github.com/movevm/refcheck/verification/bytecode"
	"github.com/movevm/refcheck/verification/vmerror"
)

// localState tracks one frame slot. A slot is Available when it holds a value,
// and unavailable (moved or never assigned) otherwise. Whether the slot is
// borrowed is tracked by the borrow graph, not here.
type localState struct {
	available bool
	value     AbstractValue
}

// AbstractState is the abstract machine state at one program point: the frame
// locals, the operand stack and the borrow graph relating every live
// reference to what it borrows from. States are cloned at branches, joined at
// merges and renumbered into a canonical form between fixpoint iterations.
type AbstractState struct {
	locals  []localState
	stack   []AbstractValue
	borrows *BorrowGraph
	nextID  RefID
}

// NewInitialState returns the abstract state at function entry: parameters
// bound to fresh values or references, remaining locals unassigned, empty
// stack.
func NewInitialState(ctx *bytecode.FunctionContext) *AbstractState {
	s := &AbstractState{
		locals:  make([]localState, ctx.NumLocals()),
		borrows: newBorrowGraph(),
		nextID:  frameRoot + 1,
	}
	def := ctx.Def()
	for i, param := range def.Parameters {
		if param.IsReference() {
			id := s.newRef(param.IsMutableReference())
			s.locals[i] = localState{available: true, value: RefValue(id)}
		} else {
			s.locals[i] = localState{available: true, value: NonRefValue()}
		}
	}
	return s
}

func (s *AbstractState) newRef(mutable bool) RefID {
	id := s.nextID
	s.nextID++
	s.borrows.addNode(id, mutable)
	return id
}

// StackDepth returns the current abstract operand stack depth.
func (s *AbstractState) StackDepth() int { return len(s.stack) }

// Borrows exposes the state's borrow graph for rendering and diagnostics.
// Callers must treat it as read-only.
func (s *AbstractState) Borrows() *BorrowGraph { return s.borrows }

func (s *AbstractState) push(v AbstractValue) {
	s.stack = append(s.stack, v)
}

// pop removes the top of the abstract stack. Underflow means the stack
// bookkeeping of an earlier pass is broken and is reported as an invariant
// violation, never as a panic.
func (s *AbstractState) pop(offset bytecode.CodeOffset) (AbstractValue, error) {
	if len(s.stack) == 0 {
		return AbstractValue{}, vmerror.InvariantViolation(uint16(offset), "operand stack underflow")
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}

func (s *AbstractState) popRef(offset bytecode.CodeOffset) (AbstractValue, error) {
	v, err := s.pop(offset)
	if err != nil {
		return v, err
	}
	if !v.IsReference() || !s.borrows.hasNode(v.Ref()) {
		return v, vmerror.InvariantViolation(uint16(offset), "expected a live reference on the stack")
	}
	return v, nil
}

func (s *AbstractState) popNonRef(offset bytecode.CodeOffset) (AbstractValue, error) {
	v, err := s.pop(offset)
	if err != nil {
		return v, err
	}
	if v.IsReference() {
		return v, vmerror.InvariantViolation(uint16(offset), "expected a non-reference value on the stack")
	}
	return v, nil
}

// valueFor returns a fresh abstract value for a newly produced value of the
// given type. Instructions never produce references this way; references only
// come from the borrow operations.
func (s *AbstractState) valueFor(bytecode.SignatureToken) AbstractValue {
	return NonRefValue()
}

// isLocalBorrowed reports whether any live reference is rooted at local i.
func (s *AbstractState) isLocalBorrowed(i bytecode.LocalIndex) bool {
	return s.borrows.hasBorrowsCovering(frameRoot, localLabel(i))
}

// isLocalMutablyBorrowed reports whether a live mutable reference is rooted at
// local i.
func (s *AbstractState) isLocalMutablyBorrowed(i bytecode.LocalIndex) bool {
	label := localLabel(i)
	return s.borrows.hasMutableBorrowsCovering(frameRoot, &label)
}

// isGlobalBorrowed reports whether any live reference is rooted at the global
// resource t.
func (s *AbstractState) isGlobalBorrowed(t bytecode.StructIndex) bool {
	return s.borrows.hasBorrowsCovering(frameRoot, globalLabel(t))
}

func (s *AbstractState) isGlobalMutablyBorrowed(t bytecode.StructIndex) bool {
	label := globalLabel(t)
	return s.borrows.hasMutableBorrowsCovering(frameRoot, &label)
}

// copyLoc reads local i without invalidating it. Copying a reference produces
// an alias that borrows from the original; copying a value requires the copy
// ability and that no mutable reference into the local is live.
func (s *AbstractState) copyLoc(ctx *bytecode.FunctionContext, offset bytecode.CodeOffset, i bytecode.LocalIndex) (AbstractValue, error) {
	local, err := s.localAt(offset, i)
	if err != nil {
		return AbstractValue{}, err
	}
	if !local.available {
		return AbstractValue{}, vmerror.New(vmerror.StatusCopyLocUnavailable, uint16(offset),
			"cannot copy local %d: value was moved out", i)
	}
	if local.value.IsReference() {
		orig := local.value.Ref()
		id := s.newRef(s.borrows.isMutable(orig))
		s.borrows.addStrongBorrow(orig, id, nil, s.borrows.isMutable(orig))
		return RefValue(id), nil
	}
	t, err := ctx.LocalType(i)
	if err != nil {
		return AbstractValue{}, vmerror.InvariantViolation(uint16(offset), "%v", err)
	}
	if !ctx.Module.Abilities(t).Has(bytecode.AbilityCopy) {
		return AbstractValue{}, vmerror.New(vmerror.StatusCopyLocWithoutAbility, uint16(offset),
			"cannot copy local %d: type %s lacks the copy ability", i, t)
	}
	if s.isLocalMutablyBorrowed(i) {
		return AbstractValue{}, vmerror.New(vmerror.StatusCopyLocExistsBorrow, uint16(offset),
			"cannot copy local %d while it is mutably borrowed", i)
	}
	return NonRefValue(), nil
}

// moveLoc reads local i and invalidates it. Moving a value out from under a
// live borrow would leave the borrow dangling.
func (s *AbstractState) moveLoc(offset bytecode.CodeOffset, i bytecode.LocalIndex) (AbstractValue, error) {
	local, err := s.localAt(offset, i)
	if err != nil {
		return AbstractValue{}, err
	}
	if !local.available {
		return AbstractValue{}, vmerror.New(vmerror.StatusMoveLocUnavailable, uint16(offset),
			"cannot move local %d: value was already moved out", i)
	}
	if !local.value.IsReference() && s.isLocalBorrowed(i) {
		return AbstractValue{}, vmerror.New(vmerror.StatusMoveLocExistsBorrow, uint16(offset),
			"cannot move local %d while it is borrowed", i)
	}
	v := local.value
	s.locals[i] = localState{}
	return v, nil
}

// stLoc stores v into local i, overwriting and releasing any prior value. A
// local may only be overwritten while no reference into it is live.
func (s *AbstractState) stLoc(offset bytecode.CodeOffset, i bytecode.LocalIndex, v AbstractValue) error {
	local, err := s.localAt(offset, i)
	if err != nil {
		return err
	}
	if local.available && !local.value.IsReference() && s.isLocalBorrowed(i) {
		return vmerror.New(vmerror.StatusStoreLocExistsBorrow, uint16(offset),
			"cannot overwrite local %d while it is borrowed", i)
	}
	if local.available && local.value.IsReference() {
		s.borrows.releaseRef(local.value.Ref())
	}
	s.locals[i] = localState{available: true, value: v}
	return nil
}

// borrowLoc creates a new reference rooted at local i. A mutable borrow
// requires exclusivity; an immutable borrow tolerates other immutable borrows.
func (s *AbstractState) borrowLoc(offset bytecode.CodeOffset, mutable bool, i bytecode.LocalIndex) (AbstractValue, error) {
	local, err := s.localAt(offset, i)
	if err != nil {
		return AbstractValue{}, err
	}
	if !local.available {
		return AbstractValue{}, vmerror.New(vmerror.StatusBorrowLocUnavailable, uint16(offset),
			"cannot borrow local %d: no value is stored in it", i)
	}
	if local.value.IsReference() {
		return AbstractValue{}, vmerror.InvariantViolation(uint16(offset),
			"cannot borrow local %d of reference type", i)
	}
	if mutable && s.isLocalBorrowed(i) {
		return AbstractValue{}, vmerror.New(vmerror.StatusBorrowLocExistsBorrow, uint16(offset),
			"cannot mutably borrow local %d while it is borrowed", i)
	}
	if !mutable && s.isLocalMutablyBorrowed(i) {
		return AbstractValue{}, vmerror.New(vmerror.StatusBorrowLocExistsBorrow, uint16(offset),
			"cannot borrow local %d while it is mutably borrowed", i)
	}
	id := s.newRef(mutable)
	s.borrows.addStrongBorrow(frameRoot, id, []BorrowLabel{localLabel(i)}, mutable)
	return RefValue(id), nil
}

// borrowField creates a reference to a field of the struct behind ref. The
// consumed parent reference is released, splicing the new edge onto whatever
// the parent borrowed from.
func (s *AbstractState) borrowField(offset bytecode.CodeOffset, mutable bool, ref AbstractValue, f bytecode.FieldIndex) (AbstractValue, error) {
	return s.borrowExtension(offset, mutable, ref, fieldLabel(f))
}

// borrowElement creates a reference to a vector element behind ref. Element
// indices are not tracked statically, so all element borrows of one vector
// overlap each other.
func (s *AbstractState) borrowElement(offset bytecode.CodeOffset, mutable bool, ref AbstractValue) (AbstractValue, error) {
	return s.borrowExtension(offset, mutable, ref, elementLabel())
}

func (s *AbstractState) borrowExtension(offset bytecode.CodeOffset, mutable bool, ref AbstractValue, label BorrowLabel) (AbstractValue, error) {
	id := ref.Ref()
	if mutable && !s.borrows.isMutable(id) {
		return AbstractValue{}, vmerror.InvariantViolation(uint16(offset),
			"mutable borrow through an immutable reference")
	}
	if !mutable && s.borrows.isMutable(id) && s.borrows.hasMutableBorrowsCovering(id, &label) {
		return AbstractValue{}, vmerror.New(vmerror.StatusBorrowFieldExistsBorrow, uint16(offset),
			"cannot borrow %s immutably while it is mutably borrowed", label)
	}
	child := s.newRef(mutable)
	s.borrows.addStrongBorrow(id, child, []BorrowLabel{label}, mutable)
	s.borrows.releaseRef(id)
	return RefValue(child), nil
}

// borrowGlobal creates a reference rooted at the global resource t.
func (s *AbstractState) borrowGlobal(offset bytecode.CodeOffset, mutable bool, t bytecode.StructIndex) (AbstractValue, error) {
	if mutable && s.isGlobalBorrowed(t) {
		return AbstractValue{}, vmerror.New(vmerror.StatusBorrowGlobalExistsBorrow, uint16(offset),
			"cannot mutably borrow global %d while it is borrowed", t)
	}
	if !mutable && s.isGlobalMutablyBorrowed(t) {
		return AbstractValue{}, vmerror.New(vmerror.StatusBorrowGlobalExistsBorrow, uint16(offset),
			"cannot borrow global %d while it is mutably borrowed", t)
	}
	id := s.newRef(mutable)
	s.borrows.addStrongBorrow(frameRoot, id, []BorrowLabel{globalLabel(t)}, mutable)
	return RefValue(id), nil
}

// borrowGasCoin creates a reference rooted at the transaction gas coin. Only
// script contexts produce this root.
func (s *AbstractState) borrowGasCoin(offset bytecode.CodeOffset, mutable bool) (AbstractValue, error) {
	label := gasCoinLabel()
	if mutable && s.borrows.hasBorrowsCovering(frameRoot, label) {
		return AbstractValue{}, vmerror.New(vmerror.StatusBorrowGlobalExistsBorrow, uint16(offset),
			"cannot mutably borrow the gas coin while it is borrowed")
	}
	if !mutable && s.borrows.hasMutableBorrowsCovering(frameRoot, &label) {
		return AbstractValue{}, vmerror.New(vmerror.StatusBorrowGlobalExistsBorrow, uint16(offset),
			"cannot borrow the gas coin while it is mutably borrowed")
	}
	id := s.newRef(mutable)
	s.borrows.addStrongBorrow(frameRoot, id, []BorrowLabel{label}, mutable)
	return RefValue(id), nil
}

// freezeRef irrevocably converts a mutable reference to an immutable one. The
// reference stays live and keeps occupying its borrow edges until released.
func (s *AbstractState) freezeRef(offset bytecode.CodeOffset, ref AbstractValue) (AbstractValue, error) {
	id := ref.Ref()
	if !s.borrows.isMutable(id) {
		return AbstractValue{}, vmerror.InvariantViolation(uint16(offset), "freeze of an immutable reference")
	}
	if s.borrows.hasMutableBorrowsCovering(id, nil) {
		return AbstractValue{}, vmerror.New(vmerror.StatusFreezeExistsBorrow, uint16(offset),
			"cannot freeze a reference while it is mutably borrowed")
	}
	s.borrows.freeze(id)
	return RefValue(id), nil
}

// readRef reads the value behind a reference and releases the reference.
func (s *AbstractState) readRef(offset bytecode.CodeOffset, ref AbstractValue) (AbstractValue, error) {
	id := ref.Ref()
	if !s.borrows.isReadable(id) {
		return AbstractValue{}, vmerror.New(vmerror.StatusReadRefExistsBorrow, uint16(offset),
			"cannot read through a reference while it is mutably borrowed")
	}
	s.borrows.releaseRef(id)
	return NonRefValue(), nil
}

// writeRef writes through a mutable reference and releases it. Writing
// requires exclusivity over everything the reference covers.
func (s *AbstractState) writeRef(offset bytecode.CodeOffset, ref AbstractValue) error {
	id := ref.Ref()
	if !s.borrows.isMutable(id) {
		return vmerror.New(vmerror.StatusWriteRefImmutable, uint16(offset),
			"cannot write through an immutable reference")
	}
	if s.borrows.hasAnyBorrows(id) {
		return vmerror.New(vmerror.StatusWriteRefExistsBorrow, uint16(offset),
			"cannot write through a reference while it is borrowed")
	}
	s.borrows.releaseRef(id)
	return nil
}

// releaseValue drops an abstract value consumed by an instruction, removing
// the borrow edges it held.
func (s *AbstractState) releaseValue(v AbstractValue) {
	if v.IsReference() {
		s.borrows.releaseRef(v.Ref())
	}
}

// call models invoking another function. Since whole-program alias analysis is
// out of scope, every reference result is assumed to alias every reference
// argument of compatible mutability; the acquired resources of the callee are
// checked against live global borrows to prevent re-entrant exclusive access.
func (s *AbstractState) call(offset bytecode.CodeOffset, args []AbstractValue,
	acquires []bytecode.StructIndex, returns []bytecode.SignatureToken) ([]AbstractValue, error) {
	for _, t := range acquires {
		if s.isGlobalBorrowed(t) {
			return nil, vmerror.New(vmerror.StatusGlobalReferenceConflict, uint16(offset),
				"callee acquires global %d which is borrowed", t)
		}
	}

	var allRefs, mutRefs []RefID
	for _, arg := range args {
		if !arg.IsReference() {
			continue
		}
		id := arg.Ref()
		if s.borrows.isMutable(id) {
			if s.borrows.hasAnyBorrows(id) {
				return nil, vmerror.New(vmerror.StatusCallBorrowedMutable, uint16(offset),
					"cannot pass a mutable reference that is borrowed")
			}
			mutRefs = append(mutRefs, id)
		}
		allRefs = append(allRefs, id)
	}

	results := make([]AbstractValue, 0, len(returns))
	for _, ret := range returns {
		switch {
		case ret.IsMutableReference():
			id := s.newRef(true)
			for _, parent := range mutRefs {
				s.borrows.addWeakBorrow(parent, id, true)
			}
			results = append(results, RefValue(id))
		case ret.IsReference():
			id := s.newRef(false)
			for _, parent := range allRefs {
				s.borrows.addWeakBorrow(parent, id, false)
			}
			results = append(results, RefValue(id))
		default:
			results = append(results, NonRefValue())
		}
	}

	for _, id := range allRefs {
		s.borrows.releaseRef(id)
	}
	return results, nil
}

// ret checks that the frame can be destroyed: every reference still rooted in
// a local or global of this frame would dangle once the frame is gone, so only
// the popped return values may keep references alive, and only ones rooted
// outside the frame.
func (s *AbstractState) ret(offset bytecode.CodeOffset) error {
	if len(s.stack) != 0 {
		return vmerror.InvariantViolation(uint16(offset),
			"operand stack is not empty at return (%d values left)", len(s.stack))
	}
	for i, local := range s.locals {
		if local.available && local.value.IsReference() {
			s.borrows.releaseRef(local.value.Ref())
			s.locals[i] = localState{}
		}
	}
	if s.borrows.hasAnyBorrows(frameRoot) {
		return vmerror.New(vmerror.StatusRetUnsafeToDestroy, uint16(offset),
			"a reference rooted in a local or global of this frame outlives the function")
	}
	return nil
}

func (s *AbstractState) localAt(offset bytecode.CodeOffset, i bytecode.LocalIndex) (localState, error) {
	if int(i) >= len(s.locals) {
		return localState{}, vmerror.InvariantViolation(uint16(offset),
			"local index %d out of range (%d locals)", i, len(s.locals))
	}
	return s.locals[i], nil
}

// Clone returns a deep copy sharing nothing mutable with s.
func (s *AbstractState) Clone() *AbstractState {
	locals := make([]localState, len(s.locals))
	copy(locals, s.locals)
	stack := make([]AbstractValue, len(s.stack))
	copy(stack, s.stack)
	return &AbstractState{
		locals:  locals,
		stack:   stack,
		borrows: s.borrows.clone(),
		nextID:  s.nextID,
	}
}

func (s *AbstractState) String() string {
	out := "locals:"
	for i, l := range s.locals {
		switch {
		case !l.available:
			out += fmt.Sprintf(" %d=_", i)
		default:
			out += fmt.Sprintf(" %d=%s", i, l.value)
		}
	}
	out += "\nstack:"
	for _, v := range s.stack {
		out += " " + v.String()
	}
	return out + "\nborrows:\n" + s.borrows.String()
}
