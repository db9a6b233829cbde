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

// Package refsafety proves, without executing code, that the bytecode of a
// function can never produce a dangling reference and that mutable and
// immutable borrows of the same storage location never coexist illegally. The
// abstract domain is a borrow graph over small integer reference ids; the
// transfer function interprets every instruction against an abstract operand
// stack and that graph; the fixed-point driver in the interpret package runs
// the transfer function over the control-flow graph until the per-block entry
// states stabilize.
package refsafety

import "fmt"

// RefID denotes one live reference during the analysis of one function. Ids
// are never reused while live; canonicalization renumbers them between
// fixpoint iterations so that states can be compared structurally.
type RefID int

// frameRoot is the pseudo-reference all locals, globals and the gas coin hang
// off. It plays the role of the caller-invisible frame of the function.
const frameRoot RefID = 0

// AbstractValue is a value on the abstract operand stack or in a local slot:
// either an opaque non-reference value or a reference identified by its id.
type AbstractValue struct {
	isRef bool
	id    RefID
}

// NonRefValue returns the abstract non-reference value.
func NonRefValue() AbstractValue { return AbstractValue{} }

// RefValue returns the abstract value for reference id.
func RefValue(id RefID) AbstractValue { return AbstractValue{isRef: true, id: id} }

// IsReference reports whether the value is a reference.
func (v AbstractValue) IsReference() bool { return v.isRef }

// Ref returns the reference id; only meaningful when IsReference is true.
func (v AbstractValue) Ref() RefID { return v.id }

func (v AbstractValue) String() string {
	if v.isRef {
		return fmt.Sprintf("ref(%d)", v.id)
	}
	return "value"
}
