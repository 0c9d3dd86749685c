// Copyright 2025 The Treebeard Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package forest

import (
	"fmt"

	treebeard "github.com/xadupre/treebeard"
)

// InvalidNodeIndex is the sentinel for absent parent/child references.
const InvalidNodeIndex int32 = -1

// LeafFeatureIndex marks a node as a leaf; leaves keep their value in the
// threshold field.
const LeafFeatureIndex int32 = -1

// Node is one decision node. Parent and child references are indices into the
// owning tree's arena, never pointers: the parent/child relation is cyclic
// and indices keep the arena copyable and the tiled-tree builder free to
// append without invalidating references.
type Node struct {
	Threshold    float64
	FeatureIndex int32
	LeftChild    int32
	RightChild   int32
	Parent       int32
	TileID       int32
}

// IsLeaf reports whether the node carries a leaf value.
func (n *Node) IsLeaf() bool { return n.FeatureIndex == LeafFeatureIndex }

// Tree is an ordered node arena; the first node is the root.
type Tree struct {
	nodes   []Node
	tiling  TilingDescriptor
	classID int8
}

// NewNode appends a node with no parent and no children and returns its
// index. featureIndex == LeafFeatureIndex makes it a leaf whose value is
// threshold.
func (t *Tree) NewNode(threshold float64, featureIndex int32) int32 {
	t.nodes = append(t.nodes, Node{
		Threshold:    threshold,
		FeatureIndex: featureIndex,
		LeftChild:    InvalidNodeIndex,
		RightChild:   InvalidNodeIndex,
		Parent:       InvalidNodeIndex,
		TileID:       -1,
	})
	return int32(len(t.nodes) - 1)
}

// NumNodes returns the arena size.
func (t *Tree) NumNodes() int32 { return int32(len(t.nodes)) }

// Node returns the node at index i.
func (t *Tree) Node(i int32) *Node { return &t.nodes[i] }

// SetNodeLeftChild wires node's left edge to child.
func (t *Tree) SetNodeLeftChild(node, child int32) { t.nodes[node].LeftChild = child }

// SetNodeRightChild wires node's right edge to child.
func (t *Tree) SetNodeRightChild(node, child int32) { t.nodes[node].RightChild = child }

// SetNodeParent wires node's parent edge.
func (t *Tree) SetNodeParent(node, parent int32) { t.nodes[node].Parent = parent }

// SetClassID records the class this tree votes for (multiclass only).
func (t *Tree) SetClassID(id int8) { t.classID = id }

// ClassID returns the class this tree votes for.
func (t *Tree) ClassID() int8 { return t.classID }

// SetTilingDescriptor attaches a tile coloring to this tree.
func (t *Tree) SetTilingDescriptor(d TilingDescriptor) {
	t.tiling = d
	for i := range d.TileIDs {
		t.nodes[i].TileID = d.TileIDs[i]
	}
}

// Tiling returns the attached tile coloring.
func (t *Tree) Tiling() TilingDescriptor { return t.tiling }

// Clone deep-copies the tree. The tiled-tree builder works on a clone so
// dummy nodes never leak into the source model.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		nodes:   append([]Node(nil), t.nodes...),
		classID: t.classID,
	}
	c.tiling = TilingDescriptor{
		TileIDs:     append([]int32(nil), t.tiling.TileIDs...),
		MaxTileSize: t.tiling.MaxTileSize,
	}
	return c
}

// Depth returns the number of nodes on the longest root-to-leaf path.
func (t *Tree) Depth() int32 {
	if len(t.nodes) == 0 {
		return 0
	}
	return t.depthBelow(0)
}

func (t *Tree) depthBelow(i int32) int32 {
	n := &t.nodes[i]
	if n.IsLeaf() {
		return 1
	}
	l := t.depthBelow(n.LeftChild)
	r := t.depthBelow(n.RightChild)
	if r > l {
		l = r
	}
	return l + 1
}

// Walk runs the reference traversal and returns the index of the leaf the row
// lands on.
func (t *Tree) Walk(row []float64, pred Predicate) int32 {
	i := int32(0)
	for !t.nodes[i].IsLeaf() {
		n := &t.nodes[i]
		if pred.Compare(row[n.FeatureIndex], n.Threshold) {
			i = n.LeftChild
		} else {
			i = n.RightChild
		}
	}
	return i
}

// Predict returns the leaf value the row walks to.
func (t *Tree) Predict(row []float64, pred Predicate) float64 {
	return t.nodes[t.Walk(row, pred)].Threshold
}

// MakeAllLeavesSameDepth pads shallow leaves with chains of dummy branch
// nodes whose children both resolve to the original leaf, so every
// root-to-leaf path has the same length. Walk semantics are unchanged.
func (t *Tree) MakeAllLeavesSameDepth() {
	target := t.Depth()
	// Collect first: padding appends to the arena.
	var leaves []int32
	depths := make(map[int32]int32)
	var visit func(i, d int32)
	visit = func(i, d int32) {
		n := &t.nodes[i]
		if n.IsLeaf() {
			leaves = append(leaves, i)
			depths[i] = d
			return
		}
		visit(n.LeftChild, d+1)
		visit(n.RightChild, d+1)
	}
	visit(0, 1)

	for _, leaf := range leaves {
		for d := depths[leaf]; d < target; d++ {
			parent := t.nodes[leaf].Parent
			dummy := t.NewNode(t.nodes[leaf].Threshold, 0)
			t.SetNodeLeftChild(dummy, leaf)
			t.SetNodeRightChild(dummy, leaf)
			t.SetNodeParent(dummy, parent)
			t.SetNodeParent(leaf, dummy)
			if parent != InvalidNodeIndex {
				if t.nodes[parent].LeftChild == leaf {
					t.SetNodeLeftChild(parent, dummy)
				} else {
					t.SetNodeRightChild(parent, dummy)
				}
			}
			leaf = dummy
		}
	}
}

// Validate runs the structural self-checks: every non-leaf has two valid
// children, leaves carry the leaf sentinel, the root has no parent, and
// every feature reference is in range.
func (t *Tree) Validate(numFeatures int32) error {
	if len(t.nodes) == 0 {
		return fmt.Errorf("%w: empty tree", treebeard.ErrInvalidModel)
	}
	if t.nodes[0].Parent != InvalidNodeIndex {
		return fmt.Errorf("%w: root node has parent %d", treebeard.ErrInvalidModel, t.nodes[0].Parent)
	}
	for i := range t.nodes {
		n := &t.nodes[i]
		if n.IsLeaf() {
			continue
		}
		if n.LeftChild == InvalidNodeIndex || n.RightChild == InvalidNodeIndex {
			return fmt.Errorf("%w: node %d is a branch with a missing child", treebeard.ErrInvalidModel, i)
		}
		if numFeatures > 0 && n.FeatureIndex >= numFeatures {
			return fmt.Errorf("%w: node %d references feature %d of %d", treebeard.ErrInvalidModel, i, n.FeatureIndex, numFeatures)
		}
	}
	return nil
}
