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
	"errors"

	"github.com/movevm/refcheck/verification/bytecode"
	"github.com/movevm/refcheck/verification/interpret"
	"github.com/movevm/refcheck/verification/meter"
	"github.com/movevm/refcheck/verification/vmerror"
)

// domain adapts the borrow-graph abstract state to the fixed-point driver.
type domain struct {
	ctx      *bytecode.FunctionContext
	meter    meter.Meter
	stepCost uint64
}

// ExecuteBlock implements interpret.Domain. The meter is charged at every
// instruction, not only at block boundaries, so a single pathologically long
// block cannot bypass the budget.
func (d domain) ExecuteBlock(id bytecode.BlockID, pre *AbstractState) (*AbstractState, error) {
	block := d.ctx.CFG().BlockAt(id)
	for offset := block.Entry; ; offset++ {
		if err := d.meter.Charge(meter.ScopeFunction, d.stepCost); err != nil {
			return nil, atOffset(err, offset)
		}
		instr, err := d.ctx.InstructionAt(offset)
		if err != nil {
			return nil, vmerror.InvariantViolation(uint16(offset), "%v", err)
		}
		if err := execute(d.ctx, pre, offset, instr); err != nil {
			return nil, err
		}
		if offset == block.Exit {
			return pre, nil
		}
	}
}

// Join implements interpret.Domain.
func (d domain) Join(into, other *AbstractState) (interpret.JoinResult, error) {
	changed, err := into.JoinInto(other)
	if err != nil {
		return interpret.JoinUnchanged, err
	}
	if changed {
		return interpret.JoinChanged, nil
	}
	return interpret.JoinUnchanged, nil
}

// Canonicalize implements interpret.Domain.
func (d domain) Canonicalize(s *AbstractState) { s.Canonicalize() }

// Clone implements interpret.Domain.
func (d domain) Clone(s *AbstractState) *AbstractState { return s.Clone() }

// Options tune the analysis without affecting which programs it accepts.
type Options struct {
	// MaxBlockVisits caps how often a loop block may be re-analyzed.
	// Zero keeps the driver's default.
	MaxBlockVisits int

	// StepCost is the meter charge per instruction. Zero means one unit.
	StepCost uint64
}

// VerifyFunction proves that no execution path of the function can produce a
// dangling reference or an illegal coexistence of borrows. A nil error means
// the function is reference safe; otherwise the returned error is a
// *vmerror.VMError carrying the offending offset and the rejection reason.
func VerifyFunction(ctx *bytecode.FunctionContext, m meter.Meter) error {
	return VerifyFunctionWithOptions(ctx, m, Options{})
}

// VerifyFunctionWithOptions is VerifyFunction with explicit tuning.
func VerifyFunctionWithOptions(ctx *bytecode.FunctionContext, m meter.Meter, opts Options) error {
	stepCost := opts.StepCost
	if stepCost == 0 {
		stepCost = 1
	}
	dom := domain{ctx: ctx, meter: m, stepCost: stepCost}
	err := interpret.Analyze[*AbstractState](ctx.CFG(), dom, NewInitialState(ctx),
		interpret.Params{MaxBlockVisits: opts.MaxBlockVisits})
	if err != nil {
		var vmErr *vmerror.VMError
		if errors.As(err, &vmErr) && vmErr.Function == "" {
			vmErr.Function = ctx.Name()
		}
	}
	return err
}

// atOffset stamps a meter error with the offset it was detected at.
func atOffset(err error, offset bytecode.CodeOffset) error {
	var vmErr *vmerror.VMError
	if errors.As(err, &vmErr) && vmErr.Offset == 0 {
		vmErr.Offset = uint16(offset)
	}
	return err
}
