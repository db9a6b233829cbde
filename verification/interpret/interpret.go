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

// Package interpret is the generic abstract-interpretation driver shared by
// verification passes: a worklist algorithm that replays each basic block's
// transfer function from its joined entry state and propagates the exit state
// into the successors until no entry state changes. The driver is parametric
// over the abstract domain; a domain only has to provide its transfer
// function, a monotone join and a canonicalization of its states.
package interpret

import (
	"golang.org/x/tools/container/intsets"

	"github.com/movevm/refcheck/internal/graphutil"
	"github.com/movevm/refcheck/verification/bytecode"
	"github.com/movevm/refcheck/verification/vmerror"
)

// JoinResult reports whether a join changed the target state.
type JoinResult int

const (
	// JoinUnchanged means the joined-into state already covered the other state.
	JoinUnchanged JoinResult = iota
	// JoinChanged means the joined-into state grew and must be re-analyzed.
	JoinChanged
)

// Domain is an abstract domain the driver can compute a fixpoint over.
//
// Join carries a proof obligation: it must be monotone, meaning the merged
// state over-approximates both inputs and repeated joins reach a fixed state
// after finitely many steps. The driver cannot detect a non-monotone join; it
// would loop until the visit cap trips instead of failing loudly.
type Domain[S any] interface {
	// ExecuteBlock replays the instructions of the block from the given
	// entry state and returns the exit state. It may mutate pre and return it.
	ExecuteBlock(block bytecode.BlockID, pre S) (S, error)

	// Join merges other into the recorded entry state `into`. Both states
	// are canonical. Join must not mutate other.
	Join(into S, other S) (JoinResult, error)

	// Canonicalize renumbers the state into the domain's normal form so that
	// states from different iterations become structurally comparable.
	Canonicalize(s S)

	// Clone returns a deep copy of the state.
	Clone(s S) S
}

// defaultMaxBlockVisits caps how often one loop block may be re-analyzed.
// A monotone domain over a finite structure stabilizes in a handful of
// iterations; the cap is a fail-closed guard against a defective join.
const defaultMaxBlockVisits = 1024

// Params tunes one run of the driver.
type Params struct {
	// MaxBlockVisits overrides the re-analysis cap for loop blocks. Zero
	// means the default.
	MaxBlockVisits int

	// PostBlockCallback is called after each analyzed block if non-nil.
	// Useful for debugging purposes.
	PostBlockCallback func(block bytecode.BlockID)
}

// Analyze drives dom over cfg to a fixpoint starting from the entry state.
// The worklist is ordered by reverse postorder so that, in the absence of
// loops, every block is analyzed exactly once after all its predecessors.
func Analyze[S any](cfg *bytecode.CFG, dom Domain[S], entry S, params Params) error {
	maxVisits := params.MaxBlockVisits
	if maxVisits == 0 {
		maxVisits = defaultMaxBlockVisits
	}

	order := cfg.ReversePostorder()
	rank := make([]int, cfg.NumBlocks())
	for r, id := range order {
		rank[id] = r
	}

	// loop membership decides where repeated visits are legitimate
	var loops *intsets.Sparse
	if !graphutil.IsAcyclic(cfg) {
		loops = graphutil.LoopBlocks(cfg)
	}

	states := make([]S, cfg.NumBlocks())
	recorded := make([]bool, cfg.NumBlocks())
	visits := make([]int, cfg.NumBlocks())

	dom.Canonicalize(entry)
	states[bytecode.EntryBlockID] = entry
	recorded[bytecode.EntryBlockID] = true

	var pending intsets.Sparse
	pending.Insert(rank[bytecode.EntryBlockID])

	var r int
	for pending.TakeMin(&r) {
		id := order[r]
		visits[id]++
		if visits[id] > maxVisits {
			if loops == nil || !loops.Has(int(id)) {
				return vmerror.InvariantViolation(uint16(cfg.BlockAt(id).Entry),
					"block %d re-analyzed %d times outside a loop", id, visits[id])
			}
			return vmerror.InvariantViolation(uint16(cfg.BlockAt(id).Entry),
				"loop analysis of block %d did not stabilize after %d iterations", id, maxVisits)
		}

		post, err := dom.ExecuteBlock(id, dom.Clone(states[id]))
		if err != nil {
			return err
		}
		dom.Canonicalize(post)

		for _, succ := range cfg.Successors(id) {
			if !recorded[succ] {
				states[succ] = dom.Clone(post)
				recorded[succ] = true
				pending.Insert(rank[succ])
				continue
			}
			res, err := dom.Join(states[succ], post)
			if err != nil {
				return err
			}
			if res == JoinChanged {
				pending.Insert(rank[succ])
			}
		}

		if params.PostBlockCallback != nil {
			params.PostBlockCallback(id)
		}
	}
	return nil
}
