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

package render

import (
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"

	"github.com/movevm/refcheck/verification/refsafety"
)

// BorrowGraphView adapts a borrow graph to gonum's graph.Graph so a snapshot
// of the abstract state can be fed to the DOT encoder.
type BorrowGraphView struct {
	g *refsafety.BorrowGraph
}

// NewBorrowGraphView wraps g for rendering.
func NewBorrowGraphView(g *refsafety.BorrowGraph) BorrowGraphView {
	return BorrowGraphView{g: g}
}

// WriteBorrowGraph writes the borrow graph in DOT format to w. The name
// identifies the graph in the output, typically the function under analysis.
func WriteBorrowGraph(w io.Writer, name string, g *refsafety.BorrowGraph) error {
	data, err := dot.Marshal(NewBorrowGraphView(g), name, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering borrow graph of %s: %w", name, err)
	}
	_, err = w.Write(data)
	return err
}

// Node implements the Graph interface.
func (v BorrowGraphView) Node(id int64) graph.Node {
	for _, ref := range v.g.RefIDs() {
		if int64(ref) == id {
			return refNode{id: ref, g: v.g}
		}
	}
	return nil
}

// Nodes returns the set of references in the graph.
func (v BorrowGraphView) Nodes() graph.Nodes {
	return &refNodeSet{g: v.g, ids: v.g.RefIDs()}
}

// From returns the borrowers of id.
func (v BorrowGraphView) From(id int64) graph.Nodes {
	var ids []refsafety.RefID
	for _, e := range v.g.BorrowsFrom(refsafety.RefID(id)) {
		ids = append(ids, e.To)
	}
	return &refNodeSet{g: v.g, ids: ids}
}

// HasEdgeBetween reports whether a borrow edge exists between the two ids.
func (v BorrowGraphView) HasEdgeBetween(xid, yid int64) bool {
	return v.Edge(xid, yid) != nil || v.Edge(yid, xid) != nil
}

// Edge returns the borrow edge between the two ids (nil if none exists).
func (v BorrowGraphView) Edge(uid, vid int64) graph.Edge {
	for _, e := range v.g.BorrowsFrom(refsafety.RefID(uid)) {
		if int64(e.To) == vid {
			return borrowEdge{from: v.Node(uid), to: v.Node(vid), info: e}
		}
	}
	return nil
}

// refNode wraps one reference id to implement graph.Node and the DOT
// encoding interfaces.
type refNode struct {
	id refsafety.RefID
	g  *refsafety.BorrowGraph
}

// ID returns the reference id.
func (n refNode) ID() int64 { return int64(n.id) }

// DOTID returns the DOT identifier of the reference.
func (n refNode) DOTID() string { return fmt.Sprintf("r%d", n.id) }

// Attributes labels the reference with its mutability. Id 0 is the frame
// root, the pseudo-node all locals and globals hang off.
func (n refNode) Attributes() []encoding.Attribute {
	label := fmt.Sprintf("r%d &", n.id)
	if n.id == 0 {
		label = "frame"
	} else if n.g.IsMutable(n.id) {
		label = fmt.Sprintf("r%d &mut", n.id)
	}
	return []encoding.Attribute{
		{Key: "shape", Value: "ellipse"},
		{Key: "label", Value: label},
	}
}

// refNodeSet implements the graph.Nodes iterator over reference ids.
type refNodeSet struct {
	g   *refsafety.BorrowGraph
	ids []refsafety.RefID
	cur int
}

// Next advances the iterator and reports whether a node is available.
func (ns *refNodeSet) Next() bool {
	if ns.cur < len(ns.ids) {
		ns.cur++
		return ns.cur <= len(ns.ids)
	}
	return false
}

// Len returns the number of remaining nodes.
func (ns *refNodeSet) Len() int { return len(ns.ids) - ns.cur }

// Reset rewinds the iterator.
func (ns *refNodeSet) Reset() { ns.cur = 0 }

// Node returns the current node.
func (ns *refNodeSet) Node() graph.Node {
	if ns.cur == 0 || ns.cur > len(ns.ids) {
		return nil
	}
	return refNode{id: ns.ids[ns.cur-1], g: ns.g}
}

// borrowEdge implements graph.Edge and labels itself with the borrow's
// strength, mutability and selector path.
type borrowEdge struct {
	from graph.Node
	to   graph.Node
	info refsafety.BorrowEdge
}

// From returns the borrowed-from reference.
func (e borrowEdge) From() graph.Node { return e.from }

// To returns the borrowing reference.
func (e borrowEdge) To() graph.Node { return e.to }

// ReversedEdge returns a new value representing the reversed edge.
func (e borrowEdge) ReversedEdge() graph.Edge { return borrowEdge{from: e.to, to: e.from, info: e.info} }

// Attributes renders the edge label. Weak edges are dashed: they cover the
// path and every extension of it.
func (e borrowEdge) Attributes() []encoding.Attribute {
	kind := "imm"
	if e.info.Mutable {
		kind = "mut"
	}
	var path strings.Builder
	for _, l := range e.info.Path {
		path.WriteString(l.String())
	}
	attrs := []encoding.Attribute{
		{Key: "label", Value: fmt.Sprintf("%s%s", kind, path.String())},
	}
	if !e.info.Strong {
		attrs = append(attrs, encoding.Attribute{Key: "style", Value: "dashed"})
	}
	return attrs
}
