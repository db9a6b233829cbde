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

// StructDef is one entry of the module's struct definition table.
type StructDef struct {
	Name      string
	Abilities AbilitySet
	Fields    []SignatureToken
}

// FunctionDef is one entry of the module's function definition table. The frame
// of a function has its parameters in slots [0, len(Parameters)) followed by
// its additional locals.
type FunctionDef struct {
	Name       string
	Parameters []SignatureToken
	Locals     []SignatureToken
	Returns    []SignatureToken

	// Acquires lists the global resources the function may access through
	// borrow_global, move_from or a transitive call.
	Acquires []StructIndex

	Code []Instruction
}

// Module holds the read-only definition tables shared by every function
// verification of one module. It must not be mutated while verifications run.
type Module struct {
	Name      string
	Structs   []StructDef
	Functions []FunctionDef

	byName map[string]FunctionIndex
}

// NewModule builds the lookup tables of a module. The definitions are assumed
// to have passed bounds checking.
func NewModule(name string, structs []StructDef, functions []FunctionDef) *Module {
	m := &Module{Name: name, Structs: structs, Functions: functions, byName: map[string]FunctionIndex{}}
	for i, f := range functions {
		m.byName[f.Name] = FunctionIndex(i)
	}
	return m
}

// FunctionByName resolves an intra-module call target by name.
func (m *Module) FunctionByName(name string) (FunctionIndex, bool) {
	idx, ok := m.byName[name]
	return idx, ok
}

// StructDefAt returns the struct definition at idx.
func (m *Module) StructDefAt(idx StructIndex) (*StructDef, error) {
	if int(idx) >= len(m.Structs) {
		return nil, fmt.Errorf("struct index %d out of range (%d structs)", idx, len(m.Structs))
	}
	return &m.Structs[idx], nil
}

// FunctionDefAt returns the function definition at idx.
func (m *Module) FunctionDefAt(idx FunctionIndex) (*FunctionDef, error) {
	if int(idx) >= len(m.Functions) {
		return nil, fmt.Errorf("function index %d out of range (%d functions)", idx, len(m.Functions))
	}
	return &m.Functions[idx], nil
}

// Abilities computes the ability set of a type. This mirrors the ability
// computation of the signature checker; the verifier consumes it as a lookup.
func (m *Module) Abilities(t SignatureToken) AbilitySet {
	switch t.Tag {
	case TagBool, TagU8, TagU64, TagU128, TagAddress:
		return AbilityCopy | AbilityDrop | AbilityStore
	case TagSigner:
		return AbilityDrop
	case TagVector:
		return m.Abilities(*t.Elem).Intersect(AbilityCopy | AbilityDrop | AbilityStore)
	case TagStruct:
		if int(t.Struct) < len(m.Structs) {
			return m.Structs[t.Struct].Abilities
		}
		return 0
	case TagReference, TagMutableReference:
		return AbilityCopy | AbilityDrop
	default:
		return 0
	}
}

// FunctionContext bundles everything the verification passes need to know
// about one function: its definition, its module tables and its control-flow
// graph. It is read-only once constructed.
type FunctionContext struct {
	Module *Module
	Index  FunctionIndex

	def *FunctionDef
	cfg *CFG
}

// NewFunctionContext builds the context for the function at idx, including its
// control-flow graph.
func NewFunctionContext(m *Module, idx FunctionIndex) (*FunctionContext, error) {
	def, err := m.FunctionDefAt(idx)
	if err != nil {
		return nil, err
	}
	cfg, err := BuildCFG(def.Code)
	if err != nil {
		return nil, fmt.Errorf("building CFG of %s: %w", def.Name, err)
	}
	return &FunctionContext{Module: m, Index: idx, def: def, cfg: cfg}, nil
}

// Name returns the function's name.
func (ctx *FunctionContext) Name() string { return ctx.def.Name }

// Def returns the function's definition.
func (ctx *FunctionContext) Def() *FunctionDef { return ctx.def }

// CFG returns the function's control-flow graph.
func (ctx *FunctionContext) CFG() *CFG { return ctx.cfg }

// NumLocals returns the frame size: parameters plus declared locals.
func (ctx *FunctionContext) NumLocals() int {
	return len(ctx.def.Parameters) + len(ctx.def.Locals)
}

// NumParameters returns the number of parameter slots.
func (ctx *FunctionContext) NumParameters() int { return len(ctx.def.Parameters) }

// LocalType returns the declared type of frame slot i.
func (ctx *FunctionContext) LocalType(i LocalIndex) (SignatureToken, error) {
	n := len(ctx.def.Parameters)
	switch {
	case int(i) < n:
		return ctx.def.Parameters[i], nil
	case int(i) < n+len(ctx.def.Locals):
		return ctx.def.Locals[int(i)-n], nil
	default:
		return SignatureToken{}, fmt.Errorf("local index %d out of range (%d locals)", i, ctx.NumLocals())
	}
}

// Returns returns the declared return types.
func (ctx *FunctionContext) Returns() []SignatureToken { return ctx.def.Returns }

// InstructionAt returns the instruction at the given code offset.
func (ctx *FunctionContext) InstructionAt(offset CodeOffset) (Instruction, error) {
	if int(offset) >= len(ctx.def.Code) {
		return Instruction{}, fmt.Errorf("code offset %d out of range (%d instructions)", offset, len(ctx.def.Code))
	}
	return ctx.def.Code[offset], nil
}
