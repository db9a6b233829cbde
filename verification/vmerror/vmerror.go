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

// Package vmerror defines the status codes and structured errors produced by the
// bytecode verification passes. There are two classes of failures: verification
// rejections, which mean the analyzed bytecode genuinely violates a safety rule
// and the containing module must be rejected, and invariant violations, which
// mean an assumption inherited from an earlier pass does not hold. The second
// class signals a defect in the pipeline but is still surfaced as a structured
// error so that a malformed input can never crash the host process.
package vmerror

import (
	"errors"
	"fmt"
)

// StatusCode identifies the reason a function failed verification.
type StatusCode int

const (
	// StatusUnknown is the zero value and is never produced by the verifier.
	StatusUnknown StatusCode = iota

	// Verification rejections. The bytecode violates a reference-safety rule.

	// StatusCopyLocUnavailable - copying a local whose value was moved out
	StatusCopyLocUnavailable

	// StatusCopyLocWithoutAbility - copying a local whose type lacks the copy ability
	StatusCopyLocWithoutAbility

	// StatusCopyLocExistsBorrow - copying a local that is mutably borrowed
	StatusCopyLocExistsBorrow

	// StatusMoveLocUnavailable - moving a local whose value was already moved out
	StatusMoveLocUnavailable

	// StatusMoveLocExistsBorrow - moving a local while a reference into it is live
	StatusMoveLocExistsBorrow

	// StatusStoreLocExistsBorrow - overwriting a local while a reference into it is live
	StatusStoreLocExistsBorrow

	// StatusBorrowLocUnavailable - borrowing a local that holds no value
	StatusBorrowLocUnavailable

	// StatusBorrowLocExistsBorrow - a new borrow of a local conflicts with a live one
	StatusBorrowLocExistsBorrow

	// StatusBorrowFieldExistsBorrow - a new field borrow conflicts with a live one
	StatusBorrowFieldExistsBorrow

	// StatusBorrowGlobalExistsBorrow - a new global borrow conflicts with a live one
	StatusBorrowGlobalExistsBorrow

	// StatusFreezeExistsBorrow - freezing a reference that has live mutable extensions
	StatusFreezeExistsBorrow

	// StatusReadRefExistsBorrow - reading through a reference with live mutable extensions
	StatusReadRefExistsBorrow

	// StatusWriteRefExistsBorrow - writing through a reference that is still extended
	StatusWriteRefExistsBorrow

	// StatusWriteRefImmutable - writing through an immutable reference
	StatusWriteRefImmutable

	// StatusCallBorrowedMutable - passing a mutable reference that is still extended
	StatusCallBorrowedMutable

	// StatusGlobalReferenceConflict - a callee acquires a global that is borrowed here
	StatusGlobalReferenceConflict

	// StatusRetUnsafeToDestroy - returning while a reference rooted in a local is live
	StatusRetUnsafeToDestroy

	// StatusMeterExceeded - the verification cost budget was exhausted
	StatusMeterExceeded

	// Internal invariant violations. An assumption from an earlier pass is broken.

	// StatusInvariantViolation - stack or index bookkeeping from an upstream pass is broken
	StatusInvariantViolation

	// StatusUnknownOpcode - the instruction stream contains an opcode this pass cannot dispatch
	StatusUnknownOpcode
)

var statusNames = map[StatusCode]string{
	StatusUnknown:                  "UNKNOWN",
	StatusCopyLocUnavailable:       "COPYLOC_UNAVAILABLE_ERROR",
	StatusCopyLocWithoutAbility:    "COPYLOC_WITHOUT_COPY_ABILITY_ERROR",
	StatusCopyLocExistsBorrow:      "COPYLOC_EXISTS_BORROW_ERROR",
	StatusMoveLocUnavailable:       "MOVELOC_UNAVAILABLE_ERROR",
	StatusMoveLocExistsBorrow:      "MOVELOC_EXISTS_BORROW_ERROR",
	StatusStoreLocExistsBorrow:     "STLOC_EXISTS_BORROW_ERROR",
	StatusBorrowLocUnavailable:     "BORROWLOC_UNAVAILABLE_ERROR",
	StatusBorrowLocExistsBorrow:    "BORROWLOC_EXISTS_BORROW_ERROR",
	StatusBorrowFieldExistsBorrow:  "BORROWFIELD_EXISTS_BORROW_ERROR",
	StatusBorrowGlobalExistsBorrow: "BORROWGLOBAL_EXISTS_BORROW_ERROR",
	StatusFreezeExistsBorrow:       "FREEZEREF_EXISTS_BORROW_ERROR",
	StatusReadRefExistsBorrow:      "READREF_EXISTS_BORROW_ERROR",
	StatusWriteRefExistsBorrow:     "WRITEREF_EXISTS_BORROW_ERROR",
	StatusWriteRefImmutable:        "WRITEREF_IMMUTABLE_ERROR",
	StatusCallBorrowedMutable:      "CALL_BORROWED_MUTABLE_REFERENCE_ERROR",
	StatusGlobalReferenceConflict:  "GLOBAL_REFERENCE_ERROR",
	StatusRetUnsafeToDestroy:       "RET_UNSAFE_TO_DESTROY_ALL_REFERENCES_ERROR",
	StatusMeterExceeded:            "PROGRAM_TOO_COMPLEX",
	StatusInvariantViolation:       "VERIFIER_INVARIANT_VIOLATION",
	StatusUnknownOpcode:            "UNKNOWN_OPCODE",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", int(s))
}

// VMError is the structured failure produced by a verification pass. It carries
// the status code, the bytecode offset where the failure was detected, and the
// name of the function being verified.
type VMError struct {
	Status   StatusCode
	Offset   uint16
	Function string
	Message  string
}

func (e *VMError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s in %s at offset %d", e.Status, e.Function, e.Offset)
	}
	return fmt.Sprintf("%s in %s at offset %d: %s", e.Status, e.Function, e.Offset, e.Message)
}

// New returns a verification error with the given status at the given code offset.
func New(status StatusCode, offset uint16, format string, args ...any) *VMError {
	return &VMError{Status: status, Offset: offset, Message: fmt.Sprintf(format, args...)}
}

// InvariantViolation reports a broken assumption inherited from an earlier pass.
// The caller should treat the function as failing verification (fail closed).
func InvariantViolation(offset uint16, format string, args ...any) *VMError {
	return &VMError{Status: StatusInvariantViolation, Offset: offset, Message: fmt.Sprintf(format, args...)}
}

// WithFunction attaches the function name to the error for diagnostics.
func (e *VMError) WithFunction(name string) *VMError {
	e.Function = name
	return e
}

// StatusOf extracts the status code of err, or StatusUnknown if err is not a VMError.
func StatusOf(err error) StatusCode {
	var vmErr *VMError
	if errors.As(err, &vmErr) {
		return vmErr.Status
	}
	return StatusUnknown
}

// OffsetOf extracts the code offset of err, or 0 if err is not a VMError.
func OffsetOf(err error) uint16 {
	var vmErr *VMError
	if errors.As(err, &vmErr) {
		return vmErr.Offset
	}
	return 0
}

// IsVerificationRejection reports whether err rejects the bytecode for violating
// a safety rule, as opposed to signaling an internal defect.
func IsVerificationRejection(err error) bool {
	s := StatusOf(err)
	return s != StatusUnknown && s != StatusInvariantViolation &&
		s != StatusUnknownOpcode && s != StatusMeterExceeded
}

// IsInvariantViolation reports whether err signals a broken internal assumption.
func IsInvariantViolation(err error) bool {
	s := StatusOf(err)
	return s == StatusInvariantViolation || s == StatusUnknownOpcode
}

// IsMeterExceeded reports whether err signals exhaustion of the cost budget.
func IsMeterExceeded(err error) bool {
	return StatusOf(err) == StatusMeterExceeded
}
