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

// Package verification runs the verification passes over all functions of a
// module. Functions are independent of each other: each one gets its own
// abstract state and meter, so they are verified in parallel, sharing only
// the read-only module tables.
package verification

import (
	"runtime"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/movevm/refcheck/internal/funcutil"
	"github.com/movevm/refcheck/verification/bytecode"
	"github.com/movevm/refcheck/verification/config"
	"github.com/movevm/refcheck/verification/meter"
	"github.com/movevm/refcheck/verification/refsafety"
	"github.com/movevm/refcheck/verification/vmerror"
)

var (
	functionsVerified  = metrics.NewCounter(`refcheck_functions_verified_total`)
	functionsRejected  = metrics.NewCounter(`refcheck_functions_rejected_total`)
	functionsExhausted = metrics.NewCounter(`refcheck_functions_meter_exhausted_total`)
	modulesVerified    = metrics.NewCounter(`refcheck_modules_verified_total`)
)

// Result is the verification outcome of one function.
type Result struct {
	// Function is the name of the verified function.
	Function string

	// Err is nil when the function passed, and a *vmerror.VMError otherwise.
	Err error

	// Cost is the number of meter units the verification consumed.
	Cost uint64

	// Time it took to verify the function.
	Time time.Duration
}

// ModuleResult aggregates the verification of one module.
type ModuleResult struct {
	Module  string
	Results []Result

	// TotalCost is the summed meter cost over all functions.
	TotalCost uint64

	// Err is non-nil when the module as a whole must be rejected: either
	// some function failed or the module exceeded its cost budget.
	Err error
}

// Ok reports whether the module passed verification.
func (r ModuleResult) Ok() bool { return r.Err == nil }

// VerifyModule verifies every function of the module and returns the
// aggregated outcome. Rejection of any function rejects the module.
func VerifyModule(cfg *config.Config, logger *config.LogGroup, module *bytecode.Module) ModuleResult {
	logger.Infof("Verifying module %s (%d functions) ...", module.Name, len(module.Functions))
	start := time.Now()

	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	jobs := make([]bytecode.FunctionIndex, len(module.Functions))
	for i := range module.Functions {
		jobs[i] = bytecode.FunctionIndex(i)
	}
	results := funcutil.MapParallel(jobs, func(idx bytecode.FunctionIndex) Result {
		return verifyOne(cfg, module, idx)
	}, numWorkers)

	out := ModuleResult{Module: module.Name, Results: results}
	for _, res := range results {
		out.TotalCost += res.Cost
		if res.Err == nil {
			logger.Tracef("function %s ok (%d meter units, %s)", res.Function, res.Cost, res.Time)
			continue
		}
		if out.Err == nil {
			out.Err = res.Err
		}
		if vmerror.IsMeterExceeded(res.Err) {
			logger.Warnf("function %s exhausted its meter budget: %v", res.Function, res.Err)
		} else {
			logger.Debugf("function %s rejected: %v", res.Function, res.Err)
		}
	}
	if out.Err == nil && cfg.ModuleMeterBudget != 0 && out.TotalCost > cfg.ModuleMeterBudget {
		out.Err = vmerror.New(vmerror.StatusMeterExceeded, 0,
			"module verification cost %d exceeds budget %d", out.TotalCost, cfg.ModuleMeterBudget)
	}

	modulesVerified.Inc()
	logger.Infof("Module %s verification done (%.3f s, %d meter units).",
		module.Name, time.Since(start).Seconds(), out.TotalCost)
	return out
}

// verifyOne runs the reference-safety analysis of a single function with its
// own bounded meter.
func verifyOne(cfg *config.Config, module *bytecode.Module, idx bytecode.FunctionIndex) Result {
	start := time.Now()
	name := module.Functions[idx].Name

	ctx, err := bytecode.NewFunctionContext(module, idx)
	if err != nil {
		functionsRejected.Inc()
		return Result{Function: name, Err: vmerror.InvariantViolation(0, "%v", err), Time: time.Since(start)}
	}

	m := meter.NewBoundMeter(cfg.FunctionMeterBudget, 0)
	err = refsafety.VerifyFunctionWithOptions(ctx, m, refsafety.Options{
		MaxBlockVisits: cfg.MaxBlockVisits,
		StepCost:       cfg.StepCost,
	})

	functionsVerified.Inc()
	switch {
	case vmerror.IsMeterExceeded(err):
		functionsExhausted.Inc()
	case err != nil:
		functionsRejected.Inc()
	}
	return Result{Function: name, Err: err, Cost: m.Spent(), Time: time.Since(start)}
}
