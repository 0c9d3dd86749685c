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
	"math"

	treebeard "github.com/xadupre/treebeard"
)

// Tile is a group of nodes from one source tree evaluated together at
// runtime. Nodes are kept in level order with the entry node first. A tile is
// either a lone leaf or holds exactly T branch nodes after padding.
type Tile struct {
	id       int32
	nodes    []int32
	parent   int32
	children []int32
}

// ID returns the tile id from the tiling descriptor.
func (t *Tile) ID() int32 { return t.id }

// Nodes returns the tile's node indices, entry node first, level order.
func (t *Tile) Nodes() []int32 { return t.nodes }

// Parent returns the parent tile index, or -1 for the root tile.
func (t *Tile) Parent() int32 { return t.parent }

// Children returns child tile indices in left-to-right order. A non-leaf
// tile of size T has exactly T+1 children; edges introduced by dummy padding
// may repeat a child.
func (t *Tile) Children() []int32 { return t.children }

// tiledTreeState tracks the construction state machine. Advancement is
// monotone; a validation failure is fatal to the compile.
type tiledTreeState int

const (
	statePartitioned tiledTreeState = iota
	stateSorted
	stateWired
	statePadded
	stateValidated
)

// TiledTree is a forest of tiles over one source tree. Construction works on
// a clone of the source so dummy padding never mutates the model.
type TiledTree struct {
	tree     *Tree
	tileSize int32
	tiles    []*Tile
	state    tiledTreeState
}

// NewTiledTree partitions, sorts, wires, pads and validates the tile forest
// described by the tree's tiling descriptor.
func NewTiledTree(src *Tree) (*TiledTree, error) {
	d := src.Tiling()
	if err := d.Validate(src); err != nil {
		return nil, err
	}
	tt := &TiledTree{tree: src.Clone(), tileSize: d.MaxTileSize}

	tt.partition()
	if err := tt.sortTiles(); err != nil {
		return nil, err
	}
	tt.wire()
	if err := tt.pad(); err != nil {
		return nil, err
	}
	if err := tt.validate(); err != nil {
		return nil, err
	}
	return tt, nil
}

// TileSize returns T.
func (tt *TiledTree) TileSize() int32 { return tt.tileSize }

// NumTiles returns the number of real tiles (excluding implicit-heap
// padding slots).
func (tt *TiledTree) NumTiles() int32 { return int32(len(tt.tiles)) }

// Tiles returns the tile list, root tile first.
func (tt *TiledTree) Tiles() []*Tile { return tt.tiles }

// Tree returns the (padded) working copy of the source tree.
func (tt *TiledTree) Tree() *Tree { return tt.tree }

func (tt *TiledTree) sameTile(a, b int32) bool {
	return tt.tree.Node(a).TileID == tt.tree.Node(b).TileID
}

// partition buckets node indices by tile id. Node 0 is the root, so the root
// tile always lands at tile index 0.
func (tt *TiledTree) partition() {
	idToIndex := map[int32]int32{}
	for i := int32(0); i < tt.tree.NumNodes(); i++ {
		id := tt.tree.Node(i).TileID
		idx, ok := idToIndex[id]
		if !ok {
			idx = int32(len(tt.tiles))
			idToIndex[id] = idx
			tt.tiles = append(tt.tiles, &Tile{id: id, parent: -1})
		}
		tt.tiles[idx].nodes = append(tt.tiles[idx].nodes, i)
	}
	tt.state = statePartitioned
}

// entryNode finds the unique node in the tile whose parent is outside it.
func (tt *TiledTree) entryNode(tile *Tile) (int32, error) {
	entry := InvalidNodeIndex
	for _, idx := range tile.nodes {
		parent := tt.tree.Node(idx).Parent
		if parent == InvalidNodeIndex || !tt.sameTile(parent, idx) {
			if entry != InvalidNodeIndex {
				return 0, fmt.Errorf("%w: tile %d has two entry nodes (%d, %d)",
					treebeard.ErrInvalidModel, tile.id, entry, idx)
			}
			entry = idx
		}
	}
	if entry == InvalidNodeIndex {
		return 0, fmt.Errorf("%w: tile %d has no entry node", treebeard.ErrInvalidModel, tile.id)
	}
	return entry, nil
}

// sortTile reorders a tile's nodes into level order starting at the entry
// node, descending only through in-tile children.
func (tt *TiledTree) sortTile(tile *Tile) error {
	entry, err := tt.entryNode(tile)
	if err != nil {
		return err
	}
	sorted := make([]int32, 0, len(tile.nodes))
	queue := []int32{entry}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		sorted = append(sorted, idx)
		n := tt.tree.Node(idx)
		if n.IsLeaf() {
			continue
		}
		if tt.sameTile(n.LeftChild, idx) {
			queue = append(queue, n.LeftChild)
		}
		if tt.sameTile(n.RightChild, idx) {
			queue = append(queue, n.RightChild)
		}
	}
	if len(sorted) != len(tile.nodes) {
		return fmt.Errorf("%w: tile %d is not connected (%d of %d nodes reachable from entry %d)",
			treebeard.ErrInvalidModel, tile.id, len(sorted), len(tile.nodes), entry)
	}
	tile.nodes = sorted
	return nil
}

func (tt *TiledTree) sortTiles() error {
	for _, tile := range tt.tiles {
		if err := tt.sortTile(tile); err != nil {
			return err
		}
	}
	tt.state = stateSorted
	return nil
}

func (tt *TiledTree) tileIndexOf(node int32) int32 {
	id := tt.tree.Node(node).TileID
	for i, tile := range tt.tiles {
		if tile.id == id {
			return int32(i)
		}
	}
	return -1
}

// setChildren recomputes a tile's child list by walking the in-tile subtree
// from the entry node and recording, in left-to-right order, every edge that
// leaves the tile.
func (tt *TiledTree) setChildren(tile *Tile) {
	tile.children = tile.children[:0]
	var walk func(idx int32)
	walk = func(idx int32) {
		n := tt.tree.Node(idx)
		if n.IsLeaf() {
			return
		}
		if tt.sameTile(n.LeftChild, idx) {
			walk(n.LeftChild)
		} else {
			tile.children = append(tile.children, tt.tileIndexOf(n.LeftChild))
		}
		if tt.sameTile(n.RightChild, idx) {
			walk(n.RightChild)
		} else {
			tile.children = append(tile.children, tt.tileIndexOf(n.RightChild))
		}
	}
	walk(tile.nodes[0])
}

func (tt *TiledTree) wire() {
	for _, tile := range tt.tiles {
		parent := tt.tree.Node(tile.nodes[0]).Parent
		if parent == InvalidNodeIndex {
			tile.parent = -1
		} else {
			tile.parent = tt.tileIndexOf(parent)
		}
		tt.setChildren(tile)
	}
	tt.state = stateWired
}

// pad extends every short non-leaf tile to exactly T nodes with dummy branch
// nodes. A dummy copies its candidate's threshold and feature index and
// points both children at the candidate's original leaf, so any ordered
// predicate resolves to the same leaf value and walk semantics are
// preserved. Up to two dummies hang off each candidate; an odd deficit adds
// a single one on the candidate's right.
func (tt *TiledTree) pad() error {
	for ti, tile := range tt.tiles {
		n := int32(len(tile.nodes))
		if n == tt.tileSize {
			continue
		}
		if n == 1 && tt.tree.Node(tile.nodes[0]).IsLeaf() {
			continue
		}

		// Candidates are nodes whose children are both leaves. One must
		// exist: a child of a tile node is either in the tile or a leaf, and
		// the tile cannot grow forever.
		var candidates []int32
		for _, idx := range tile.nodes {
			node := tt.tree.Node(idx)
			if tt.tree.Node(node.LeftChild).IsLeaf() && tt.tree.Node(node.RightChild).IsLeaf() {
				// Prepend so the bottom-most, right-most candidate is used
				// first.
				candidates = append([]int32{idx}, candidates...)
			}
		}
		if len(candidates) == 0 {
			return fmt.Errorf("%w: tile %d (size %d of %d) has no padding candidate",
				treebeard.ErrInvalidModel, tile.id, n, tt.tileSize)
		}

		toAdd := tt.tileSize - n
		ci := 0
		for i := int32(0); i < toAdd; i += 2 {
			cand := candidates[ci]
			// A dummy's children are both leaves, so it joins the candidate
			// list; deep deficits keep hanging dummies off earlier dummies.
			candidates = append(candidates, tt.insertDummy(int32(ti), cand, false))
			if i+1 == toAdd {
				break
			}
			candidates = append(candidates, tt.insertDummy(int32(ti), cand, true))
			ci++
		}

		if err := tt.sortTile(tile); err != nil {
			return err
		}
		tt.setChildren(tile)
	}
	tt.state = statePadded
	return nil
}

// insertDummy hangs a dummy branch node between candidate and its left or
// right leaf child and returns the dummy's index.
func (tt *TiledTree) insertDummy(tileIndex, candidate int32, left bool) int32 {
	cand := tt.tree.Node(candidate)
	leaf := cand.RightChild
	if left {
		leaf = cand.LeftChild
	}
	dummy := tt.tree.NewNode(cand.Threshold, cand.FeatureIndex)
	tt.tree.Node(dummy).TileID = tt.tiles[tileIndex].id
	tt.tree.SetNodeLeftChild(dummy, leaf)
	tt.tree.SetNodeRightChild(dummy, leaf)
	tt.tree.SetNodeParent(leaf, dummy)
	tt.tree.SetNodeParent(dummy, candidate)
	if left {
		tt.tree.SetNodeLeftChild(candidate, dummy)
	} else {
		tt.tree.SetNodeRightChild(candidate, dummy)
	}
	tt.tiles[tileIndex].nodes = append(tt.tiles[tileIndex].nodes, dummy)
	return dummy
}

// validate checks the §invariants: exact node coverage, tile sizes, leaf
// placement, and reachability of every tile from the root tile.
func (tt *TiledTree) validate() error {
	counts := make([]int32, tt.tree.NumNodes())
	for _, tile := range tt.tiles {
		for _, idx := range tile.nodes {
			counts[idx]++
		}
		size := int32(len(tile.nodes))
		switch {
		case size == 1 && tt.tileSize > 1:
			if !tt.tree.Node(tile.nodes[0]).IsLeaf() {
				return fmt.Errorf("%w: tile %d has a single non-leaf node %d",
					treebeard.ErrInvalidModel, tile.id, tile.nodes[0])
			}
		case size != tt.tileSize:
			return fmt.Errorf("%w: tile %d has %d nodes, want 1 or %d",
				treebeard.ErrInvalidModel, tile.id, size, tt.tileSize)
		default:
			if tt.tileSize > 1 {
				for _, idx := range tile.nodes {
					if tt.tree.Node(idx).IsLeaf() {
						return fmt.Errorf("%w: tile %d of size %d contains leaf %d",
							treebeard.ErrInvalidModel, tile.id, size, idx)
					}
				}
			}
		}
	}
	for idx, c := range counts {
		if c != 1 {
			return fmt.Errorf("%w: node %d appears in %d tiles", treebeard.ErrInvalidModel, idx, c)
		}
	}

	// Reachability from the root tile.
	reached := make([]bool, len(tt.tiles))
	queue := []int32{0}
	reached[0] = true
	for len(queue) > 0 {
		ti := queue[0]
		queue = queue[1:]
		for _, child := range tt.tiles[ti].children {
			if !reached[child] {
				reached[child] = true
				queue = append(queue, child)
			}
		}
	}
	for i, ok := range reached {
		if !ok {
			return fmt.Errorf("%w: tile %d (index %d) unreachable from root tile",
				treebeard.ErrInvalidModel, tt.tiles[i].id, i)
		}
	}
	tt.state = stateValidated
	return nil
}

// Depth returns the length of the longest root-tile-to-leaf-tile chain.
func (tt *TiledTree) Depth() int32 {
	var below func(ti int32) int32
	below = func(ti int32) int32 {
		var d int32
		for _, c := range tt.tiles[ti].children {
			if cd := below(c); cd > d {
				d = cd
			}
		}
		return d + 1
	}
	return below(0)
}

// IsLeafTile reports whether the tile at index ti holds a lone leaf.
func (tt *TiledTree) IsLeafTile(ti int32) bool {
	tile := tt.tiles[ti]
	return len(tile.nodes) == 1 && tt.tree.Node(tile.nodes[0]).IsLeaf()
}

// TileThresholds writes the tile's thresholds into dst (length T). A leaf
// tile replicates its value across all T slots.
func (tt *TiledTree) TileThresholds(ti int32, dst []float64) {
	tile := tt.tiles[ti]
	if tt.IsLeafTile(ti) {
		v := tt.tree.Node(tile.nodes[0]).Threshold
		for i := range dst {
			dst[i] = v
		}
		return
	}
	for i, idx := range tile.nodes {
		dst[i] = tt.tree.Node(idx).Threshold
	}
}

// TileFeatureIndices writes the tile's feature indices into dst (length T).
// A leaf tile replicates the leaf sentinel.
func (tt *TiledTree) TileFeatureIndices(ti int32, dst []int32) {
	tile := tt.tiles[ti]
	if tt.IsLeafTile(ti) {
		for i := range dst {
			dst[i] = LeafFeatureIndex
		}
		return
	}
	for i, idx := range tile.nodes {
		dst[i] = tt.tree.Node(idx).FeatureIndex
	}
}

// NumHeapTiles returns ((T+1)^D - 1) / T, the dense implicit-heap slot count
// for this tiled tree.
func (tt *TiledTree) NumHeapTiles() int32 {
	fanout := tt.tileSize + 1
	d := tt.Depth()
	n := int32(1)
	for i := int32(0); i < d; i++ {
		n *= fanout
	}
	return (n - 1) / tt.tileSize
}

// fillHeap recursively places tile attributes at their implicit-heap slots:
// the children of slot i occupy slots i*(T+1)+1 .. i*(T+1)+T+1 in order.
func (tt *TiledTree) fillHeap(ti, slot int32, emit func(ti, slot int32)) {
	emit(ti, slot)
	for i, child := range tt.tiles[ti].children {
		tt.fillHeap(child, slot*(tt.tileSize+1)+int32(i)+1, emit)
	}
}

// SerializeThresholds lays tile thresholds out in implicit-heap order.
// Unoccupied slots hold the -1 sentinel; a valid traversal never reads them.
func (tt *TiledTree) SerializeThresholds() []float64 {
	out := make([]float64, tt.NumHeapTiles()*tt.tileSize)
	for i := range out {
		out[i] = -1
	}
	tt.fillHeap(0, 0, func(ti, slot int32) {
		tt.TileThresholds(ti, out[slot*tt.tileSize:(slot+1)*tt.tileSize])
	})
	return out
}

// SerializeFeatureIndices lays tile feature indices out in implicit-heap
// order with -1 sentinels in unoccupied slots, so IsLeaf holds there.
func (tt *TiledTree) SerializeFeatureIndices() []int32 {
	out := make([]int32, tt.NumHeapTiles()*tt.tileSize)
	for i := range out {
		out[i] = -1
	}
	tt.fillHeap(0, 0, func(ti, slot int32) {
		tt.TileFeatureIndices(ti, out[slot*tt.tileSize:(slot+1)*tt.tileSize])
	})
	return out
}

// SerializeTileShapeIDs lays per-tile shape ids out in implicit-heap order,
// one id per heap slot. Unoccupied slots hold the leaf shape (0).
func (tt *TiledTree) SerializeTileShapeIDs() []int32 {
	out := make([]int32, tt.NumHeapTiles())
	tt.fillHeap(0, 0, func(ti, slot int32) {
		out[slot] = tt.TileShapeID(ti)
	})
	return out
}

// SparseTiles returns the tile visit order for sparse serialization: a
// breadth-first walk from the root tile in which every tile's children are
// contiguous. The returned childBase holds, per visited position, the
// position of the tile's first child, or -1 for leaf tiles.
func (tt *TiledTree) SparseTiles() (order []int32, childBase []int32) {
	queue := []int32{0}
	for len(queue) > 0 {
		ti := queue[0]
		queue = queue[1:]
		order = append(order, ti)
		childBase = append(childBase, -1)
		pos := len(order) - 1
		if len(tt.tiles[ti].children) > 0 {
			childBase[pos] = int32(len(order) + len(queue))
			queue = append(queue, tt.tiles[ti].children...)
		}
	}
	return order, childBase
}

// NaNThreshold is the sentinel the reorg layout stores in missing slots.
var NaNThreshold = math.NaN()
