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
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/movevm/refcheck/verification/bytecode"
)

// labelKind discriminates the selectors a borrow edge can carry.
type labelKind uint8

const (
	// labelLocal selects a local slot under the frame root.
	labelLocal labelKind = iota
	// labelGlobal selects a global resource under the frame root.
	labelGlobal
	// labelField selects a struct field under a reference.
	labelField
	// labelElement selects a vector element under a reference. Element
	// indices are not tracked, so all element borrows of one vector overlap.
	labelElement
	// labelGasCoin selects the transaction gas coin under the frame root.
	labelGasCoin
)

// BorrowLabel is one selector step on a borrow edge path.
type BorrowLabel struct {
	kind  labelKind
	index uint16
}

func localLabel(i bytecode.LocalIndex) BorrowLabel {
	return BorrowLabel{kind: labelLocal, index: uint16(i)}
}

func globalLabel(s bytecode.StructIndex) BorrowLabel {
	return BorrowLabel{kind: labelGlobal, index: uint16(s)}
}

func fieldLabel(f bytecode.FieldIndex) BorrowLabel {
	return BorrowLabel{kind: labelField, index: uint16(f)}
}

func elementLabel() BorrowLabel { return BorrowLabel{kind: labelElement} }

func gasCoinLabel() BorrowLabel { return BorrowLabel{kind: labelGasCoin} }

func (l BorrowLabel) String() string {
	switch l.kind {
	case labelLocal:
		return fmt.Sprintf("local#%d", l.index)
	case labelGlobal:
		return fmt.Sprintf("global#%d", l.index)
	case labelField:
		return fmt.Sprintf(".%d", l.index)
	case labelElement:
		return "[_]"
	case labelGasCoin:
		return "gas"
	default:
		return fmt.Sprintf("label(%d)", l.kind)
	}
}

// edge records that `to` borrows from the node the edge hangs off. A strong
// edge covers exactly its path; a weak edge covers its path and every
// extension of it. Weak edges arise when borrow paths are lost, for example
// through the conservative aliasing of call results.
type edge struct {
	to     RefID
	mut    bool
	strong bool
	path   []BorrowLabel
}

// coversFirst reports whether the edge may overlap the subtree selected by l.
// An edge with an empty path borrows the node itself and overlaps everything
// under it.
func (e edge) coversFirst(l BorrowLabel) bool {
	return len(e.path) == 0 || e.path[0] == l
}

func (e edge) equal(other edge) bool {
	if e.to != other.to || e.mut != other.mut || e.strong != other.strong || len(e.path) != len(other.path) {
		return false
	}
	for i := range e.path {
		if e.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

func (e edge) String() string {
	kind := "imm"
	if e.mut {
		kind = "mut"
	}
	strength := "strong"
	if !e.strong {
		strength = "weak"
	}
	var path []string
	for _, l := range e.path {
		path = append(path, l.String())
	}
	return fmt.Sprintf("-%s/%s[%s]->%d", kind, strength, strings.Join(path, ""), e.to)
}

// node is one reference in the borrow graph with its outgoing borrows.
type node struct {
	mutable bool
	edges   []edge
}

// BorrowGraph is an arena of reference ids with a side table of borrow edges.
// Ownership here is logical: the graph holds no pointers between nodes, only
// ids, so cloning and renumbering are plain table rewrites.
type BorrowGraph struct {
	nodes map[RefID]*node
}

func newBorrowGraph() *BorrowGraph {
	g := &BorrowGraph{nodes: map[RefID]*node{}}
	g.addNode(frameRoot, true)
	return g
}

func (g *BorrowGraph) addNode(id RefID, mutable bool) {
	g.nodes[id] = &node{mutable: mutable}
}

func (g *BorrowGraph) hasNode(id RefID) bool {
	_, ok := g.nodes[id]
	return ok
}

func (g *BorrowGraph) isMutable(id RefID) bool {
	n, ok := g.nodes[id]
	return ok && n.mutable
}

// addEdge inserts e into parent's edge list unless an equal edge exists.
func (g *BorrowGraph) addEdge(parent RefID, e edge) {
	n := g.nodes[parent]
	for _, existing := range n.edges {
		if existing.equal(e) {
			return
		}
	}
	n.edges = append(n.edges, e)
}

func (g *BorrowGraph) addStrongBorrow(parent, child RefID, path []BorrowLabel, mut bool) {
	g.addEdge(parent, edge{to: child, mut: mut, strong: true, path: path})
}

func (g *BorrowGraph) addWeakBorrow(parent, child RefID, mut bool) {
	g.addEdge(parent, edge{to: child, mut: mut, strong: false})
}

// hasAnyBorrows reports whether any reference extends id.
func (g *BorrowGraph) hasAnyBorrows(id RefID) bool {
	return len(g.nodes[id].edges) > 0
}

// hasMutableBorrowsCovering reports whether a mutable reference extends id in
// a way that may overlap label. A nil label matches every extension.
func (g *BorrowGraph) hasMutableBorrowsCovering(id RefID, label *BorrowLabel) bool {
	for _, e := range g.nodes[id].edges {
		if e.mut && (label == nil || e.coversFirst(*label)) {
			return true
		}
	}
	return false
}

// hasBorrowsCovering reports whether any reference extends id in a way that
// may overlap label.
func (g *BorrowGraph) hasBorrowsCovering(id RefID, label BorrowLabel) bool {
	for _, e := range g.nodes[id].edges {
		if e.coversFirst(label) {
			return true
		}
	}
	return false
}

// isReadable reports whether the value behind id may be read. Reading through
// a mutable reference requires that no mutable reference extends it.
func (g *BorrowGraph) isReadable(id RefID) bool {
	return !g.isMutable(id) || !g.hasMutableBorrowsCovering(id, nil)
}

// parents returns every (parent, edge) pair whose edge points at id.
func (g *BorrowGraph) parents(id RefID) []struct {
	parent RefID
	e      edge
} {
	var out []struct {
		parent RefID
		e      edge
	}
	for p, n := range g.nodes {
		for _, e := range n.edges {
			if e.to == id {
				out = append(out, struct {
					parent RefID
					e      edge
				}{p, e})
			}
		}
	}
	return out
}

// releaseRef removes id from the graph, splicing the borrows extending id onto
// the parents of id so that no extension ever dangles. The composed edge is
// strong only when both composed edges are strong; if the parent edge is weak
// the child path is dropped since the weak prefix already covers it.
func (g *BorrowGraph) releaseRef(id RefID) {
	if id == frameRoot {
		return
	}
	released, ok := g.nodes[id]
	if !ok {
		return
	}
	parentEdges := g.parents(id)
	for _, pe := range parentEdges {
		for _, ce := range released.edges {
			combined := edge{to: ce.to, mut: ce.mut, strong: pe.e.strong && ce.strong}
			if pe.e.strong {
				combined.path = append(append([]BorrowLabel{}, pe.e.path...), ce.path...)
			} else {
				combined.path = pe.e.path
			}
			g.addEdge(pe.parent, combined)
		}
	}
	delete(g.nodes, id)
	for _, n := range g.nodes {
		kept := n.edges[:0]
		for _, e := range n.edges {
			if e.to != id {
				kept = append(kept, e)
			}
		}
		n.edges = kept
	}
}

// freeze irrevocably downgrades id to an immutable reference. The borrows it
// occupies stay live, they only lose their mutable capability.
func (g *BorrowGraph) freeze(id RefID) {
	g.nodes[id].mutable = false
	for _, n := range g.nodes {
		for i := range n.edges {
			if n.edges[i].to == id {
				n.edges[i].mut = false
			}
		}
	}
}

// renumber rewrites every id through the mapping. The mapping must be total on
// the nodes of the graph and injective.
func (g *BorrowGraph) renumber(mapping func(RefID) RefID) {
	remapped := make(map[RefID]*node, len(g.nodes))
	for id, n := range g.nodes {
		edges := make([]edge, len(n.edges))
		for i, e := range n.edges {
			edges[i] = edge{to: mapping(e.to), mut: e.mut, strong: e.strong, path: e.path}
		}
		remapped[mapping(id)] = &node{mutable: n.mutable, edges: edges}
	}
	g.nodes = remapped
}

func (g *BorrowGraph) clone() *BorrowGraph {
	nodes := make(map[RefID]*node, len(g.nodes))
	for id, n := range g.nodes {
		edges := make([]edge, len(n.edges))
		copy(edges, n.edges)
		nodes[id] = &node{mutable: n.mutable, edges: edges}
	}
	return &BorrowGraph{nodes: nodes}
}

// joinInto unions the edges of other into g and reports whether g changed.
// Both graphs must be over the same canonical id set. The union only ever
// grows the edge sets, which makes the state join monotone.
func (g *BorrowGraph) joinInto(other *BorrowGraph) bool {
	changed := false
	for id, on := range other.nodes {
		n, ok := g.nodes[id]
		if !ok {
			// ids are reconciled by the state join before graphs are merged
			continue
		}
		for _, e := range on.edges {
			if _, live := g.nodes[e.to]; !live {
				// the borrower only exists on the other path; it is dead here
				continue
			}
			found := false
			for _, existing := range n.edges {
				if existing.equal(e) {
					found = true
					break
				}
			}
			if !found {
				n.edges = append(n.edges, e)
				changed = true
			}
		}
	}
	return changed
}

// refIDs returns the ids of the graph in increasing order.
func (g *BorrowGraph) refIDs() []RefID {
	ids := make([]RefID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// BorrowEdge is the read-only view of one borrow relation, for rendering and
// diagnostics outside this package.
type BorrowEdge struct {
	To      RefID
	Mutable bool
	Strong  bool
	Path    []BorrowLabel
}

// RefIDs returns the reference ids of the graph in increasing order.
func (g *BorrowGraph) RefIDs() []RefID { return g.refIDs() }

// IsMutable reports whether id is a live mutable reference.
func (g *BorrowGraph) IsMutable(id RefID) bool { return g.isMutable(id) }

// BorrowsFrom returns the outgoing borrow edges of id.
func (g *BorrowGraph) BorrowsFrom(id RefID) []BorrowEdge {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]BorrowEdge, 0, len(n.edges))
	for _, e := range n.edges {
		out = append(out, BorrowEdge{To: e.to, Mutable: e.mut, Strong: e.strong, Path: e.path})
	}
	return out
}

func (g *BorrowGraph) String() string {
	var b strings.Builder
	for _, id := range g.refIDs() {
		n := g.nodes[id]
		kind := "imm"
		if n.mutable {
			kind = "mut"
		}
		fmt.Fprintf(&b, "%d(%s):", id, kind)
		for _, e := range n.edges {
			fmt.Fprintf(&b, " %s", e)
		}
		b.WriteString("\n")
	}
	return b.String()
}
