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

	"golang.org/x/exp/slices"
)

// BlockID indexes a basic block of a CFG. Blocks are numbered in program
// order: block 0 starts at code offset 0.
type BlockID int

// EntryBlockID is the block verification starts from.
const EntryBlockID BlockID = 0

// Block is a maximal straight-line instruction sequence. Entry and Exit are
// inclusive code offsets.
type Block struct {
	Entry      CodeOffset
	Exit       CodeOffset
	Successors []BlockID
}

// CFG is the control-flow graph of one function's code unit. Control-flow
// well-formedness (no fallthrough past the end, targets on instruction
// boundaries) is checked by an earlier pass; BuildCFG still validates the
// little it relies on and reports violations as plain errors.
type CFG struct {
	blocks  []Block
	byEntry map[CodeOffset]BlockID
}

// BuildCFG partitions code into basic blocks and links their successors.
func BuildCFG(code []Instruction) (*CFG, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("empty code unit")
	}
	last := code[len(code)-1]
	if !last.IsTerminal() {
		return nil, fmt.Errorf("code unit falls through its last instruction %s", last)
	}

	leaders := map[CodeOffset]bool{0: true}
	for pc, instr := range code {
		if instr.IsBranch() {
			if int(instr.Target) >= len(code) {
				return nil, fmt.Errorf("branch target %d out of range at offset %d", instr.Target, pc)
			}
			leaders[instr.Target] = true
		}
		if (instr.IsBranch() || instr.IsTerminal()) && pc+1 < len(code) {
			leaders[CodeOffset(pc+1)] = true
		}
	}

	entries := make([]CodeOffset, 0, len(leaders))
	for offset := range leaders {
		entries = append(entries, offset)
	}
	slices.Sort(entries)

	cfg := &CFG{byEntry: make(map[CodeOffset]BlockID, len(entries))}
	for i, entry := range entries {
		exit := CodeOffset(len(code) - 1)
		if i+1 < len(entries) {
			exit = entries[i+1] - 1
		}
		cfg.byEntry[entry] = BlockID(i)
		cfg.blocks = append(cfg.blocks, Block{Entry: entry, Exit: exit})
	}

	for i := range cfg.blocks {
		block := &cfg.blocks[i]
		instr := code[block.Exit]
		switch {
		case instr.Op == OpRet || instr.Op == OpAbort:
			// no successors
		case instr.Op == OpBranch:
			block.Successors = []BlockID{cfg.byEntry[instr.Target]}
		case instr.Op == OpBrTrue || instr.Op == OpBrFalse:
			block.Successors = []BlockID{cfg.byEntry[instr.Target], cfg.byEntry[block.Exit+1]}
		default:
			block.Successors = []BlockID{cfg.byEntry[block.Exit+1]}
		}
	}
	return cfg, nil
}

// NumBlocks returns the number of basic blocks.
func (c *CFG) NumBlocks() int { return len(c.blocks) }

// BlockAt returns the block with the given id.
func (c *CFG) BlockAt(id BlockID) Block { return c.blocks[id] }

// BlockOfOffset returns the block whose entry is the given code offset.
func (c *CFG) BlockOfOffset(offset CodeOffset) (BlockID, bool) {
	id, ok := c.byEntry[offset]
	return id, ok
}

// Successors returns the successor block ids of the given block.
func (c *CFG) Successors(id BlockID) []BlockID { return c.blocks[id].Successors }

// ReversePostorder returns the block ids in reverse postorder of a depth-first
// traversal from the entry block. Unreachable blocks are appended in program
// order so every block gets an ordering position.
func (c *CFG) ReversePostorder() []BlockID {
	seen := make([]bool, len(c.blocks))
	var postorder []BlockID
	var visit func(BlockID)
	visit = func(id BlockID) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, succ := range c.blocks[id].Successors {
			visit(succ)
		}
		postorder = append(postorder, id)
	}
	visit(EntryBlockID)

	order := make([]BlockID, 0, len(c.blocks))
	for i := len(postorder) - 1; i >= 0; i-- {
		order = append(order, postorder[i])
	}
	for id := range c.blocks {
		if !seen[id] {
			order = append(order, BlockID(id))
		}
	}
	return order
}
