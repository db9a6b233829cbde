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

// Package render draws control-flow graphs and borrow-graph snapshots of
// functions under verification in graphviz DOT format, for debugging
// rejected modules.
package render

import (
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"

	"github.com/movevm/refcheck/verification/bytecode"
)

// CFGGraph is an abstraction over a function's control-flow graph that
// implements gonum's graph.Graph so it can be fed to the DOT encoder.
type CFGGraph struct {
	ctx *bytecode.FunctionContext
}

// NewCFGGraph wraps the control-flow graph of ctx.
func NewCFGGraph(ctx *bytecode.FunctionContext) CFGGraph {
	return CFGGraph{ctx: ctx}
}

// WriteCFG writes the function's control-flow graph in DOT format to w.
func WriteCFG(w io.Writer, ctx *bytecode.FunctionContext) error {
	data, err := dot.Marshal(NewCFGGraph(ctx), ctx.Name(), "", "  ")
	if err != nil {
		return fmt.Errorf("rendering CFG of %s: %w", ctx.Name(), err)
	}
	_, err = w.Write(data)
	return err
}

// Node implements the Graph interface.
func (g CFGGraph) Node(id int64) graph.Node {
	if id < 0 || int(id) >= g.ctx.CFG().NumBlocks() {
		return nil
	}
	return blockNode{id: id, ctx: g.ctx}
}

// Nodes returns the set of nodes in the graph.
func (g CFGGraph) Nodes() graph.Nodes {
	ids := make([]int64, g.ctx.CFG().NumBlocks())
	for i := range ids {
		ids[i] = int64(i)
	}
	return &nodeSet{ctx: g.ctx, ids: ids}
}

// From returns the set of successor nodes of id.
func (g CFGGraph) From(id int64) graph.Nodes {
	var ids []int64
	for _, succ := range g.ctx.CFG().Successors(bytecode.BlockID(id)) {
		ids = append(ids, int64(succ))
	}
	return &nodeSet{ctx: g.ctx, ids: ids}
}

// HasEdgeBetween reports whether an edge exists between the two blocks.
func (g CFGGraph) HasEdgeBetween(xid, yid int64) bool {
	return g.Edge(xid, yid) != nil || g.Edge(yid, xid) != nil
}

// Edge returns the edge between the two block ids (nil if none exists).
func (g CFGGraph) Edge(uid, vid int64) graph.Edge {
	for _, succ := range g.ctx.CFG().Successors(bytecode.BlockID(uid)) {
		if int64(succ) == vid {
			return blockEdge{from: g.Node(uid), to: g.Node(vid)}
		}
	}
	return nil
}

// blockNode wraps a basic block to implement graph.Node and the DOT encoding
// interfaces.
type blockNode struct {
	id  int64
	ctx *bytecode.FunctionContext
}

// ID returns the block id.
func (n blockNode) ID() int64 { return n.id }

// DOTID returns the DOT identifier of the block.
func (n blockNode) DOTID() string { return fmt.Sprintf("b%d", n.id) }

// Attributes labels the block with its disassembled instructions.
func (n blockNode) Attributes() []encoding.Attribute {
	block := n.ctx.CFG().BlockAt(bytecode.BlockID(n.id))
	var lines []string
	for offset := block.Entry; offset <= block.Exit; offset++ {
		instr, err := n.ctx.InstructionAt(offset)
		if err != nil {
			break
		}
		lines = append(lines, fmt.Sprintf("%d: %s", offset, instr))
	}
	return []encoding.Attribute{
		{Key: "shape", Value: "box"},
		{Key: "label", Value: strings.Join(lines, "\\l") + "\\l"},
	}
}

// nodeSet implements the graph.Nodes iterator over a set of block ids.
type nodeSet struct {
	ctx *bytecode.FunctionContext
	ids []int64
	cur int
}

// Next advances the iterator and reports whether a node is available.
func (ns *nodeSet) Next() bool {
	if ns.cur < len(ns.ids) {
		ns.cur++
		return ns.cur <= len(ns.ids)
	}
	return false
}

// Len returns the number of remaining nodes.
func (ns *nodeSet) Len() int { return len(ns.ids) - ns.cur }

// Reset rewinds the iterator.
func (ns *nodeSet) Reset() { ns.cur = 0 }

// Node returns the current node.
func (ns *nodeSet) Node() graph.Node {
	if ns.cur == 0 || ns.cur > len(ns.ids) {
		return nil
	}
	return blockNode{id: ns.ids[ns.cur-1], ctx: ns.ctx}
}

// blockEdge implements the graph.Edge interface.
type blockEdge struct {
	from graph.Node
	to   graph.Node
}

// From returns the origin of the edge.
func (e blockEdge) From() graph.Node { return e.from }

// To returns the destination of the edge.
func (e blockEdge) To() graph.Node { return e.to }

// ReversedEdge returns a new value representing the reversed edge.
func (e blockEdge) ReversedEdge() graph.Edge { return blockEdge{from: e.to, to: e.from} }
