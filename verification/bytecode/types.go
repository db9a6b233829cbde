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

// Package bytecode models the input consumed by the verification passes: the
// instruction stream of a function, the signature and struct tables of its
// module, and the control-flow graph derived from the instructions. The tables
// are produced by deserialization and validated by earlier passes; everything
// in this package is read-only from the point of view of the verifier.
package bytecode

import (
	"fmt"
	"strings"
)

// LocalIndex addresses a parameter or local slot of a function frame.
type LocalIndex uint8

// FieldIndex addresses a field of a struct definition.
type FieldIndex uint16

// StructIndex addresses a struct definition in the module tables.
type StructIndex uint16

// FunctionIndex addresses a function definition in the module tables.
type FunctionIndex uint16

// CodeOffset addresses an instruction in a function's code unit.
type CodeOffset uint16

// TypeTag discriminates the variants of SignatureToken.
type TypeTag uint8

const (
	// TagBool is the boolean primitive.
	TagBool TypeTag = iota
	// TagU8 is the 8-bit unsigned integer primitive.
	TagU8
	// TagU64 is the 64-bit unsigned integer primitive.
	TagU64
	// TagU128 is the 128-bit unsigned integer primitive.
	TagU128
	// TagAddress is the account address primitive.
	TagAddress
	// TagSigner is the transaction signer capability type.
	TagSigner
	// TagVector is a homogeneous vector; Elem holds the element type.
	TagVector
	// TagStruct is a declared struct; Struct holds its definition index.
	TagStruct
	// TagReference is an immutable reference; Elem holds the target type.
	TagReference
	// TagMutableReference is a mutable reference; Elem holds the target type.
	TagMutableReference
)

// SignatureToken is the closed representation of a Move type. Exactly one of
// Elem and Struct is meaningful, depending on Tag.
type SignatureToken struct {
	Tag    TypeTag
	Elem   *SignatureToken
	Struct StructIndex
}

// Bool returns the boolean type.
func Bool() SignatureToken { return SignatureToken{Tag: TagBool} }

// U8 returns the u8 type.
func U8() SignatureToken { return SignatureToken{Tag: TagU8} }

// U64 returns the u64 type.
func U64() SignatureToken { return SignatureToken{Tag: TagU64} }

// U128 returns the u128 type.
func U128() SignatureToken { return SignatureToken{Tag: TagU128} }

// Address returns the address type.
func Address() SignatureToken { return SignatureToken{Tag: TagAddress} }

// Signer returns the signer type.
func Signer() SignatureToken { return SignatureToken{Tag: TagSigner} }

// Vector returns the type of vectors with the given element type.
func Vector(elem SignatureToken) SignatureToken {
	return SignatureToken{Tag: TagVector, Elem: &elem}
}

// Struct returns the type of the struct at the given definition index.
func Struct(idx StructIndex) SignatureToken {
	return SignatureToken{Tag: TagStruct, Struct: idx}
}

// Reference returns an immutable or mutable reference to the given type.
func Reference(mutable bool, target SignatureToken) SignatureToken {
	tag := TagReference
	if mutable {
		tag = TagMutableReference
	}
	return SignatureToken{Tag: tag, Elem: &target}
}

// IsReference reports whether the token is a reference of either mutability.
func (t SignatureToken) IsReference() bool {
	return t.Tag == TagReference || t.Tag == TagMutableReference
}

// IsMutableReference reports whether the token is a mutable reference.
func (t SignatureToken) IsMutableReference() bool {
	return t.Tag == TagMutableReference
}

// Target returns the referenced type of a reference token.
func (t SignatureToken) Target() SignatureToken {
	return *t.Elem
}

func (t SignatureToken) String() string {
	switch t.Tag {
	case TagBool:
		return "bool"
	case TagU8:
		return "u8"
	case TagU64:
		return "u64"
	case TagU128:
		return "u128"
	case TagAddress:
		return "address"
	case TagSigner:
		return "signer"
	case TagVector:
		return fmt.Sprintf("vector<%s>", t.Elem)
	case TagStruct:
		return fmt.Sprintf("struct#%d", t.Struct)
	case TagReference:
		return fmt.Sprintf("&%s", t.Elem)
	case TagMutableReference:
		return fmt.Sprintf("&mut %s", t.Elem)
	default:
		return fmt.Sprintf("TypeTag(%d)", t.Tag)
	}
}

// AbilitySet is a bitset of the abilities a type has.
type AbilitySet uint8

const (
	// AbilityCopy permits duplicating values of the type.
	AbilityCopy AbilitySet = 1 << iota
	// AbilityDrop permits discarding values of the type.
	AbilityDrop
	// AbilityStore permits values of the type inside global storage.
	AbilityStore
	// AbilityKey permits values of the type as top-level global storage entries.
	AbilityKey
)

// AllAbilities is the set of every ability.
const AllAbilities = AbilityCopy | AbilityDrop | AbilityStore | AbilityKey

// Has reports whether the set contains the given ability.
func (a AbilitySet) Has(ability AbilitySet) bool { return a&ability == ability }

// Intersect returns the abilities common to both sets.
func (a AbilitySet) Intersect(b AbilitySet) AbilitySet { return a & b }

func (a AbilitySet) String() string {
	var parts []string
	if a.Has(AbilityCopy) {
		parts = append(parts, "copy")
	}
	if a.Has(AbilityDrop) {
		parts = append(parts, "drop")
	}
	if a.Has(AbilityStore) {
		parts = append(parts, "store")
	}
	if a.Has(AbilityKey) {
		parts = append(parts, "key")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}
