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

// TilingDescriptor assigns every node of a tree to a tile. It is the input
// contract of the tiled-tree builder: the coloring may come from the uniform
// tiler below or from an external (probabilistic, hybrid) assignment.
type TilingDescriptor struct {
	// TileIDs[i] is the tile id of node i.
	TileIDs []int32
	// MaxTileSize is T, the size every non-leaf tile is padded to.
	MaxTileSize int32
}

// Validate checks the descriptor covers the tree exactly.
func (d TilingDescriptor) Validate(t *Tree) error {
	if int32(len(d.TileIDs)) != t.NumNodes() {
		return fmt.Errorf("%w: tiling descriptor covers %d nodes, tree has %d",
			treebeard.ErrInvalidModel, len(d.TileIDs), t.NumNodes())
	}
	if d.MaxTileSize < 1 {
		return fmt.Errorf("%w: max tile size %d", treebeard.ErrInvalidModel, d.MaxTileSize)
	}
	return nil
}

// UniformTiling greedily colors the tree top-down: each branch node joins its
// parent's tile until the tile holds T nodes, then starts a new tile. Leaves
// always get their own tile. The result satisfies the builder's entry-node
// requirement by construction: a tile is a connected subtree.
func UniformTiling(t *Tree, tileSize int32) TilingDescriptor {
	ids := make([]int32, t.NumNodes())
	for i := range ids {
		ids[i] = -1
	}
	nextID := int32(0)

	type item struct {
		node int32
		tile int32 // tile to join, -1 to open a new one
	}
	stack := []item{{node: 0, tile: -1}}
	counts := map[int32]int32{}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.Node(it.node)

		tile := it.tile
		if n.IsLeaf() || tile == -1 || counts[tile] >= tileSize {
			tile = nextID
			nextID++
		}
		ids[it.node] = tile
		counts[tile]++

		if !n.IsLeaf() {
			// Right pushed first so the left subtree fills the shared tile
			// before the right one gets a chance.
			stack = append(stack, item{node: n.RightChild, tile: tile})
			stack = append(stack, item{node: n.LeftChild, tile: tile})
		}
	}
	return TilingDescriptor{TileIDs: ids, MaxTileSize: tileSize}
}
