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

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseModule assembles a module from its textual form. The format is a thin
// veneer over the definition tables, meant for tests and the command-line
// tool, not a surface of the verifier itself:
//
//	module demo
//
//	struct Coin has key, store {
//	    value: u64
//	}
//
//	fun get_value(c: &Coin): u64 {
//	    copy_loc 0
//	    imm_borrow_field 0
//	    read_ref
//	    ret
//	}
//
// Instructions name locals, fields and code offsets numerically; structs and
// functions are referenced by name.
func ParseModule(src string) (*Module, error) {
	p := &asmParser{structIdx: map[string]StructIndex{}, funcIdx: map[string]FunctionIndex{}}
	for _, raw := range strings.Split(src, "\n") {
		line := raw
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			p.lines = append(p.lines, line)
		}
	}

	// first pass: collect names so bodies can reference later definitions
	for _, line := range p.lines {
		fields := strings.Fields(line)
		switch fields[0] {
		case "struct":
			if len(fields) < 2 {
				return nil, fmt.Errorf("struct declaration needs a name: %q", line)
			}
			p.structIdx[fields[1]] = StructIndex(len(p.structIdx))
		case "fun":
			name := fields[1]
			if i := strings.IndexByte(name, '('); i >= 0 {
				name = name[:i]
			}
			p.funcIdx[name] = FunctionIndex(len(p.funcIdx))
		}
	}

	name := "unnamed"
	var structs []StructDef
	var funcs []FunctionDef
	for p.pos = 0; p.pos < len(p.lines); p.pos++ {
		line := p.lines[p.pos]
		switch {
		case strings.HasPrefix(line, "module "):
			name = strings.TrimSpace(strings.TrimPrefix(line, "module "))
		case strings.HasPrefix(line, "struct "):
			def, err := p.parseStruct(line)
			if err != nil {
				return nil, err
			}
			structs = append(structs, def)
		case strings.HasPrefix(line, "fun "):
			def, err := p.parseFunction(line)
			if err != nil {
				return nil, err
			}
			funcs = append(funcs, def)
		default:
			return nil, fmt.Errorf("unexpected line at top level: %q", line)
		}
	}
	return NewModule(name, structs, funcs), nil
}

type asmParser struct {
	lines     []string
	pos       int
	structIdx map[string]StructIndex
	funcIdx   map[string]FunctionIndex
}

func (p *asmParser) parseStruct(header string) (StructDef, error) {
	def := StructDef{}
	header = strings.TrimSuffix(strings.TrimPrefix(header, "struct "), "{")
	if i := strings.Index(header, " has "); i >= 0 {
		for _, ability := range strings.Split(header[i+len(" has "):], ",") {
			switch strings.TrimSpace(ability) {
			case "copy":
				def.Abilities |= AbilityCopy
			case "drop":
				def.Abilities |= AbilityDrop
			case "store":
				def.Abilities |= AbilityStore
			case "key":
				def.Abilities |= AbilityKey
			case "":
			default:
				return def, fmt.Errorf("unknown ability %q", ability)
			}
		}
		header = header[:i]
	}
	def.Name = strings.TrimSpace(header)

	for p.pos++; p.pos < len(p.lines); p.pos++ {
		line := p.lines[p.pos]
		if line == "}" {
			return def, nil
		}
		_, typeName, ok := strings.Cut(line, ":")
		if !ok {
			return def, fmt.Errorf("struct field needs name: type, got %q", line)
		}
		t, err := p.parseType(strings.TrimSuffix(strings.TrimSpace(typeName), ","))
		if err != nil {
			return def, err
		}
		def.Fields = append(def.Fields, t)
	}
	return def, fmt.Errorf("struct %s is missing its closing brace", def.Name)
}

func (p *asmParser) parseFunction(header string) (FunctionDef, error) {
	def := FunctionDef{}
	header = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(header, "fun "), "{"))

	open := strings.IndexByte(header, '(')
	closing := strings.LastIndexByte(header, ')')
	if open < 0 || closing < open {
		return def, fmt.Errorf("function declaration needs a parameter list: %q", header)
	}
	def.Name = header[:open]

	params, err := p.parseTypedList(header[open+1 : closing])
	if err != nil {
		return def, fmt.Errorf("parameters of %s: %w", def.Name, err)
	}
	def.Parameters = params

	rest := strings.TrimSpace(header[closing+1:])
	if acq, tail, found := cutKeyword(rest, "acquires"); found {
		rest = acq
		for _, structName := range strings.Split(tail, ",") {
			idx, ok := p.structIdx[strings.TrimSpace(structName)]
			if !ok {
				return def, fmt.Errorf("%s acquires unknown struct %q", def.Name, structName)
			}
			def.Acquires = append(def.Acquires, idx)
		}
	}
	if strings.HasPrefix(rest, ":") {
		for _, ret := range strings.Split(strings.TrimPrefix(rest, ":"), ",") {
			t, err := p.parseType(strings.TrimSpace(ret))
			if err != nil {
				return def, fmt.Errorf("returns of %s: %w", def.Name, err)
			}
			def.Returns = append(def.Returns, t)
		}
	} else if rest != "" {
		return def, fmt.Errorf("unexpected %q after parameter list of %s", rest, def.Name)
	}

	for p.pos++; p.pos < len(p.lines); p.pos++ {
		line := p.lines[p.pos]
		if line == "}" {
			return def, nil
		}
		if strings.HasPrefix(line, "locals ") {
			locals, err := p.parseTypedList(strings.TrimPrefix(line, "locals "))
			if err != nil {
				return def, fmt.Errorf("locals of %s: %w", def.Name, err)
			}
			def.Locals = locals
			continue
		}
		instr, err := p.parseInstruction(line)
		if err != nil {
			return def, fmt.Errorf("in %s: %w", def.Name, err)
		}
		def.Code = append(def.Code, instr)
	}
	return def, fmt.Errorf("function %s is missing its closing brace", def.Name)
}

// parseTypedList parses "name: type, name: type, ..." keeping only the types.
func (p *asmParser) parseTypedList(list string) ([]SignatureToken, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	var out []SignatureToken
	for _, item := range splitTopLevel(list) {
		_, typeName, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("expected name: type, got %q", item)
		}
		t, err := p.parseType(strings.TrimSpace(typeName))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// splitTopLevel splits on commas that are not nested inside vector<...>.
func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

func (p *asmParser) parseType(s string) (SignatureToken, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "bool":
		return Bool(), nil
	case s == "u8":
		return U8(), nil
	case s == "u64":
		return U64(), nil
	case s == "u128":
		return U128(), nil
	case s == "address":
		return Address(), nil
	case s == "signer":
		return Signer(), nil
	case strings.HasPrefix(s, "&mut "):
		inner, err := p.parseType(strings.TrimPrefix(s, "&mut "))
		if err != nil {
			return SignatureToken{}, err
		}
		return Reference(true, inner), nil
	case strings.HasPrefix(s, "&"):
		inner, err := p.parseType(strings.TrimPrefix(s, "&"))
		if err != nil {
			return SignatureToken{}, err
		}
		return Reference(false, inner), nil
	case strings.HasPrefix(s, "vector<") && strings.HasSuffix(s, ">"):
		inner, err := p.parseType(s[len("vector<") : len(s)-1])
		if err != nil {
			return SignatureToken{}, err
		}
		return Vector(inner), nil
	default:
		if idx, ok := p.structIdx[s]; ok {
			return Struct(idx), nil
		}
		return SignatureToken{}, fmt.Errorf("unknown type %q", s)
	}
}

func (p *asmParser) parseInstruction(line string) (Instruction, error) {
	name, operand, _ := strings.Cut(line, " ")
	operand = strings.TrimSpace(operand)

	var op Opcode
	found := false
	for candidate, candidateName := range opcodeNames {
		if candidateName == name {
			op = Opcode(candidate)
			found = true
			break
		}
	}
	if !found {
		return Instruction{}, fmt.Errorf("unknown instruction %q", name)
	}

	instr := Instruction{Op: op}
	switch op {
	case OpCopyLoc, OpMoveLoc, OpStLoc, OpMutBorrowLoc, OpImmBorrowLoc:
		n, err := parseUint(operand, 8)
		if err != nil {
			return instr, fmt.Errorf("%s needs a local index: %w", name, err)
		}
		instr.Local = LocalIndex(n)
	case OpMutBorrowField, OpImmBorrowField:
		n, err := parseUint(operand, 16)
		if err != nil {
			return instr, fmt.Errorf("%s needs a field index: %w", name, err)
		}
		instr.Field = FieldIndex(n)
	case OpMutBorrowGlobal, OpImmBorrowGlobal, OpPack, OpUnpack, OpExists, OpMoveFrom, OpMoveTo:
		idx, ok := p.structIdx[operand]
		if !ok {
			return instr, fmt.Errorf("%s references unknown struct %q", name, operand)
		}
		instr.Struct = idx
	case OpCall:
		idx, ok := p.funcIdx[operand]
		if !ok {
			return instr, fmt.Errorf("call references unknown function %q", operand)
		}
		instr.Function = idx
	case OpBranch, OpBrTrue, OpBrFalse:
		n, err := parseUint(operand, 16)
		if err != nil {
			return instr, fmt.Errorf("%s needs a code offset: %w", name, err)
		}
		instr.Target = CodeOffset(n)
	case OpLdU64:
		n, err := parseUint(operand, 64)
		if err != nil {
			return instr, fmt.Errorf("ld_u64 needs a value: %w", err)
		}
		instr.Value = n
	case OpVecPack, OpVecUnpack:
		elemStr, countStr, ok := strings.Cut(operand, " ")
		if !ok {
			return instr, fmt.Errorf("%s needs an element type and a count", name)
		}
		elem, err := p.parseType(elemStr)
		if err != nil {
			return instr, err
		}
		n, err := parseUint(strings.TrimSpace(countStr), 16)
		if err != nil {
			return instr, fmt.Errorf("%s needs a count: %w", name, err)
		}
		instr.Elem = &elem
		instr.Count = uint16(n)
	case OpVecLen, OpVecImmBorrow, OpVecMutBorrow, OpVecPushBack, OpVecPopBack, OpVecSwap:
		elem, err := p.parseType(operand)
		if err != nil {
			return instr, fmt.Errorf("%s needs an element type: %w", name, err)
		}
		instr.Elem = &elem
	default:
		if operand != "" {
			return instr, fmt.Errorf("%s takes no operand, got %q", name, operand)
		}
	}
	return instr, nil
}

func parseUint(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing operand")
	}
	return strconv.ParseUint(s, 10, bits)
}

// cutKeyword splits s around the first occurrence of " kw ", also handling a
// trailing " kw tail" form. It returns the head, the tail and whether kw was
// found.
func cutKeyword(s, kw string) (string, string, bool) {
	if i := strings.Index(s, kw); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+len(kw):]), true
	}
	return s, "", false
}
