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

// Package meter bounds the cost of verification. Verification runs on untrusted
// input during module publication, so each pass charges the meter per step and
// aborts with a resource-exhaustion status when the budget runs out. Cost is
// bounded structurally by step counting, never by wall-clock time, which keeps
// the accept/reject outcome deterministic.
package meter

import "github.com/movevm/refcheck/verification/vmerror"

// Scope identifies the granularity a charge is accounted against.
type Scope int

const (
	// ScopeFunction accounts against the per-function budget.
	ScopeFunction Scope = iota

	// ScopeModule accounts against the whole-module budget.
	ScopeModule
)

// Meter is charged by verification passes as they work. Implementations fail
// the charge once the budget is exceeded; the returned error carries
// vmerror.StatusMeterExceeded so callers can distinguish exhaustion from a
// logic rejection.
type Meter interface {
	Charge(scope Scope, cost uint64) error
}

// BoundMeter enforces fixed per-function and per-module budgets.
type BoundMeter struct {
	funcBudget uint64
	modBudget  uint64
	funcSpent  uint64
	modSpent   uint64
}

// NewBoundMeter returns a meter with the given budgets. A zero budget means
// the corresponding scope is unlimited.
func NewBoundMeter(funcBudget, modBudget uint64) *BoundMeter {
	return &BoundMeter{funcBudget: funcBudget, modBudget: modBudget}
}

// EnterFunction resets the per-function accounting. The module accounting
// carries over.
func (m *BoundMeter) EnterFunction() {
	m.funcSpent = 0
}

// Spent returns the total units charged so far.
func (m *BoundMeter) Spent() uint64 { return m.modSpent }

// Charge implements Meter.
func (m *BoundMeter) Charge(scope Scope, cost uint64) error {
	m.funcSpent += cost
	m.modSpent += cost
	if m.funcBudget != 0 && scope == ScopeFunction && m.funcSpent > m.funcBudget {
		return vmerror.New(vmerror.StatusMeterExceeded, 0,
			"function verification cost %d exceeds budget %d", m.funcSpent, m.funcBudget)
	}
	if m.modBudget != 0 && m.modSpent > m.modBudget {
		return vmerror.New(vmerror.StatusMeterExceeded, 0,
			"module verification cost %d exceeds budget %d", m.modSpent, m.modBudget)
	}
	return nil
}

type dummyMeter struct{}

// Charge implements Meter and never fails.
func (dummyMeter) Charge(Scope, uint64) error { return nil }

// Unmetered returns a meter without a budget, for hosts that bound cost elsewhere.
func Unmetered() Meter { return dummyMeter{} }
