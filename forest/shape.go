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

// TileShapeID encodes the internal connectivity of the tile at index ti as a
// bitmask: two bits per level-order slot, bit 2*i set when slot i's left
// child is inside the tile, bit 2*i+1 when its right child is. Leaf tiles
// encode as 0. The encoding is positional, so it decodes without any shared
// table: slots are handed out in the same level order the sort emits.
func (tt *TiledTree) TileShapeID(ti int32) int32 {
	if tt.IsLeafTile(ti) {
		return 0
	}
	tile := tt.tiles[ti]
	var shape int32
	for i, idx := range tile.nodes {
		n := tt.tree.Node(idx)
		if tt.sameTile(n.LeftChild, idx) {
			shape |= 1 << (2 * i)
		}
		if tt.sameTile(n.RightChild, idx) {
			shape |= 1 << (2*i + 1)
		}
	}
	return shape
}

// TileShape is the decoded form of a shape id: for every level-order slot,
// where its children live. In-tile children are slot indices; out-of-tile
// edges carry the ordinal of the outgoing edge in left-to-right order, which
// is exactly the child-tile number used by the layouts' move-to-child
// arithmetic.
type TileShape struct {
	// LeftSlot and RightSlot hold the in-tile child slot, or -1 when the
	// edge leaves the tile.
	LeftSlot  []int8
	RightSlot []int8
	// LeftExit and RightExit hold the outgoing-edge ordinal for edges that
	// leave the tile, -1 otherwise.
	LeftExit  []int8
	RightExit []int8
}

// DecodeTileShape reconstructs the slot wiring from a shape id for tiles of
// the given size. Level-order slot assignment mirrors the tile sort: slot 0
// is the entry node and in-tile children claim slots in visit order. Exit
// ordinals follow the left-to-right depth-first walk the tile wiring uses.
func DecodeTileShape(shapeID, tileSize int32) TileShape {
	s := TileShape{
		LeftSlot:  make([]int8, tileSize),
		RightSlot: make([]int8, tileSize),
		LeftExit:  make([]int8, tileSize),
		RightExit: make([]int8, tileSize),
	}
	next := int8(1)
	for i := int32(0); i < tileSize; i++ {
		s.LeftSlot[i], s.RightSlot[i] = -1, -1
		s.LeftExit[i], s.RightExit[i] = -1, -1
		if shapeID&(1<<(2*i)) != 0 {
			s.LeftSlot[i] = next
			next++
		}
		if shapeID&(1<<(2*i+1)) != 0 {
			s.RightSlot[i] = next
			next++
		}
	}

	ordinal := int8(0)
	var walk func(slot int8)
	walk = func(slot int8) {
		if s.LeftSlot[slot] >= 0 {
			walk(s.LeftSlot[slot])
		} else {
			s.LeftExit[slot] = ordinal
			ordinal++
		}
		if s.RightSlot[slot] >= 0 {
			walk(s.RightSlot[slot])
		} else {
			s.RightExit[slot] = ordinal
			ordinal++
		}
	}
	walk(0)
	return s
}
