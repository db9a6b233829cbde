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
	"github.com/movevm/refcheck/verification/vmerror"
)

// Canonicalize renumbers the reference ids of the state into a normal form
// fully determined by where each reference is held: the reference held by
// local i gets id 1+i, the reference at stack depth k gets id
// 1+numLocals+k. Two states reached through different paths then agree on ids
// whenever they agree on structure, so the fixpoint driver can compare states
// across iterations structurally instead of id-sensitively. This is what
// bounds loop analysis: without it, every loop iteration would mint fresh ids
// and the entry state of the loop head would never stabilize.
func (s *AbstractState) Canonicalize() {
	mapping := map[RefID]RefID{frameRoot: frameRoot}
	base := frameRoot + 1
	for i, local := range s.locals {
		if local.available && local.value.IsReference() {
			id := base + RefID(i)
			mapping[local.value.Ref()] = id
			s.locals[i].value = RefValue(id)
		}
	}
	base += RefID(len(s.locals))
	for k, v := range s.stack {
		if v.IsReference() {
			id := base + RefID(k)
			mapping[v.Ref()] = id
			s.stack[k] = RefValue(id)
		}
	}
	s.borrows.renumber(func(id RefID) RefID {
		if mapped, ok := mapping[id]; ok {
			return mapped
		}
		return id
	})
	s.nextID = base + RefID(len(s.stack))
}

// JoinInto merges other into s at a control-flow merge point and reports
// whether s changed. Both states must be canonical, so that reference ids
// correspond 1:1 between the two sides.
//
// Join must be monotone: the merged state over-approximates both inputs. A
// local is Available only when Available on both sides, and the borrow edges
// are the union of both sides' edges. Monotonicity is what guarantees the
// fixpoint driver terminates; an unsound join here silently breaks
// termination rather than failing loudly, so any change to this function has
// to preserve the property that it only ever loses local availability and
// only ever adds edges.
func (s *AbstractState) JoinInto(other *AbstractState) (bool, error) {
	if len(s.locals) != len(other.locals) {
		return false, vmerror.InvariantViolation(0,
			"joining states with different frame sizes (%d vs %d)", len(s.locals), len(other.locals))
	}
	if len(s.stack) != len(other.stack) {
		return false, vmerror.InvariantViolation(0,
			"operand stack depth differs at merge point (%d vs %d)", len(s.stack), len(other.stack))
	}
	for k := range s.stack {
		if s.stack[k].IsReference() != other.stack[k].IsReference() {
			return false, vmerror.InvariantViolation(0,
				"operand stack disagrees at depth %d on whether the value is a reference", k)
		}
	}

	changed := false
	for i := range s.locals {
		mine, theirs := s.locals[i], other.locals[i]
		switch {
		case !mine.available:
			// already the conservative bottom for this slot
		case !theirs.available || mine.value.IsReference() != theirs.value.IsReference():
			// indeterminate across paths: treat as moved, unreadable until reassigned
			if mine.value.IsReference() {
				s.borrows.releaseRef(mine.value.Ref())
			}
			s.locals[i] = localState{}
			changed = true
		}
	}

	if s.borrows.joinInto(other.borrows) {
		changed = true
	}
	return changed, nil
}
