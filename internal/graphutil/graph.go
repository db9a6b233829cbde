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

// Package graphutil adapts control-flow graphs to the interfaces of existing
// graph libraries and derives the loop structure the fixed-point driver needs.
package graphutil

import (
	"github.com/yourbasic/graph"
	"golang.org/x/tools/container/intsets"

	"github.com/movevm/refcheck/verification/bytecode"
)

// CFGIterator adapts a bytecode.CFG to yourbasic/graph's Iterator so that the
// library's algorithms can run on it directly.
type CFGIterator struct {
	CFG *bytecode.CFG
}

// Order implements graph.Iterator.
func (it CFGIterator) Order() int { return it.CFG.NumBlocks() }

// Visit implements graph.Iterator.
func (it CFGIterator) Visit(v int, do func(w int, c int64) bool) bool {
	for _, succ := range it.CFG.Successors(bytecode.BlockID(v)) {
		if do(int(succ), 0) {
			return true
		}
	}
	return false
}

// IsAcyclic reports whether the CFG contains no loop. Acyclic functions reach
// their fixpoint in a single reverse-postorder pass.
func IsAcyclic(cfg *bytecode.CFG) bool {
	return graph.Acyclic(CFGIterator{CFG: cfg})
}

// LoopBlocks returns the set of blocks that participate in a loop: members of
// a non-trivial strongly connected component, plus self-looping blocks. Joins
// into these blocks are where abstract states must be canonicalized so that
// repeated visits can be compared structurally.
func LoopBlocks(cfg *bytecode.CFG) *intsets.Sparse {
	it := CFGIterator{CFG: cfg}
	loops := &intsets.Sparse{}
	for _, component := range graph.StrongComponents(it) {
		if len(component) >= 2 {
			for _, id := range component {
				loops.Insert(id)
			}
		}
	}
	// self loops form a component of size 1
	for id := 0; id < cfg.NumBlocks(); id++ {
		for _, succ := range cfg.Successors(bytecode.BlockID(id)) {
			if int(succ) == id {
				loops.Insert(id)
			}
		}
	}
	return loops
}
