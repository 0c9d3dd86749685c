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
	"math/rand"
	"testing"
)

// randomTree grows a random binary tree with the given number of branch
// nodes; leaves carry distinct values so walks are distinguishable.
func randomTree(t *testing.T, rng *rand.Rand, numBranches int32, numFeatures int32) *Tree {
	t.Helper()
	tree := &Tree{}
	root := tree.NewNode(rng.Float64(), rng.Int31n(numFeatures))
	frontier := []int32{root}
	for i := int32(1); i < numBranches; i++ {
		pi := rng.Intn(len(frontier))
		parent := frontier[pi]
		child := tree.NewNode(rng.Float64(), rng.Int31n(numFeatures))
		tree.SetNodeParent(child, parent)
		if tree.Node(parent).LeftChild == InvalidNodeIndex {
			tree.SetNodeLeftChild(parent, child)
		} else {
			tree.SetNodeRightChild(parent, child)
			frontier = append(frontier[:pi], frontier[pi+1:]...)
		}
		frontier = append(frontier, child)
	}
	// Fill the remaining child slots with leaves.
	leafVal := 1.0
	for i := int32(0); i < tree.NumNodes(); i++ {
		n := tree.Node(i)
		if n.IsLeaf() {
			continue
		}
		if n.LeftChild == InvalidNodeIndex {
			leaf := tree.NewNode(leafVal, LeafFeatureIndex)
			tree.SetNodeParent(leaf, i)
			tree.SetNodeLeftChild(i, leaf)
			leafVal++
		}
		if n.RightChild == InvalidNodeIndex {
			leaf := tree.NewNode(leafVal, LeafFeatureIndex)
			tree.SetNodeParent(leaf, i)
			tree.SetNodeRightChild(i, leaf)
			leafVal++
		}
	}
	return tree
}

func TestTiledTreeCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, tileSize := range []int32{1, 2, 3, 4, 8} {
		for trial := 0; trial < 20; trial++ {
			tree := randomTree(t, rng, 1+rng.Int31n(20), 4)
			tree.SetTilingDescriptor(UniformTiling(tree, tileSize))
			tt, err := NewTiledTree(tree)
			if err != nil {
				t.Fatalf("tileSize %d trial %d: NewTiledTree: %v", tileSize, trial, err)
			}

			// Every source node sits in exactly one tile. Dummy nodes are
			// appended to the working copy, so counting stops at the source
			// arena size.
			counts := make([]int, tree.NumNodes())
			for _, tile := range tt.Tiles() {
				for _, idx := range tile.Nodes() {
					if idx < tree.NumNodes() {
						counts[idx]++
					}
				}
			}
			for idx, c := range counts {
				if c != 1 {
					t.Fatalf("tileSize %d: node %d in %d tiles", tileSize, idx, c)
				}
			}

			// Tiles are size 1 (a leaf) or exactly T; reachability from the
			// root tile is checked in TestTiledTreeConnectivity.
			for _, tile := range tt.Tiles() {
				if n := int32(len(tile.Nodes())); n != 1 && n != tileSize {
					t.Fatalf("tileSize %d: tile %d has %d nodes", tileSize, tile.ID(), n)
				}
			}
		}
	}
}

func TestTiledTreeConnectivity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		tree := randomTree(t, rng, 1+rng.Int31n(15), 3)
		tree.SetTilingDescriptor(UniformTiling(tree, 2))
		tt, err := NewTiledTree(tree)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		reached := map[int32]bool{}
		queue := []int32{0}
		for len(queue) > 0 {
			ti := queue[0]
			queue = queue[1:]
			if reached[ti] {
				continue
			}
			reached[ti] = true
			queue = append(queue, tt.Tiles()[ti].Children()...)
		}
		if len(reached) != len(tt.Tiles()) {
			t.Fatalf("trial %d: reached %d of %d tiles", trial, len(reached), len(tt.Tiles()))
		}
	}
}

// TestDummyNodeSemantics checks the padded walk lands on the same leaf value
// as the source walk for every input.
func TestDummyNodeSemantics(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for _, tileSize := range []int32{2, 3, 4} {
		for trial := 0; trial < 30; trial++ {
			tree := randomTree(t, rng, 1+rng.Int31n(12), 3)
			tree.SetTilingDescriptor(UniformTiling(tree, tileSize))
			tt, err := NewTiledTree(tree)
			if err != nil {
				t.Fatalf("tileSize %d trial %d: %v", tileSize, trial, err)
			}
			for probe := 0; probe < 32; probe++ {
				row := []float64{rng.Float64(), rng.Float64(), rng.Float64()}
				want := tree.Predict(row, CmpULT)
				got := tt.Tree().Predict(row, CmpULT)
				if got != want {
					t.Fatalf("tileSize %d: padded walk predicts %v, source walk %v", tileSize, got, want)
				}
			}
		}
	}
}

func TestImplicitHeapSerialization(t *testing.T) {
	// Root with two leaf children, T=2: the root tile pads with one dummy
	// that copies the root's threshold and feature index.
	tree := &Tree{}
	root := tree.NewNode(0.5, 0)
	l := tree.NewNode(1.0, LeafFeatureIndex)
	r := tree.NewNode(2.0, LeafFeatureIndex)
	tree.SetNodeLeftChild(root, l)
	tree.SetNodeRightChild(root, r)
	tree.SetNodeParent(l, root)
	tree.SetNodeParent(r, root)
	tree.SetTilingDescriptor(UniformTiling(tree, 2))

	tt, err := NewTiledTree(tree)
	if err != nil {
		t.Fatalf("NewTiledTree: %v", err)
	}
	if got := tt.Depth(); got != 2 {
		t.Fatalf("Depth() = %d, want 2", got)
	}
	// (3^2-1)/2 = 4 heap slots of 2 node slots each.
	if got := tt.NumHeapTiles(); got != 4 {
		t.Fatalf("NumHeapTiles() = %d, want 4", got)
	}
	th := tt.SerializeThresholds()
	fi := tt.SerializeFeatureIndices()
	if len(th) != 8 || len(fi) != 8 {
		t.Fatalf("serialized lengths %d/%d, want 8/8", len(th), len(fi))
	}
	// Tile 0: root plus its dummy, both carrying the root's split.
	if th[0] != 0.5 || th[1] != 0.5 {
		t.Errorf("root tile thresholds = %v, want [0.5 0.5]", th[:2])
	}
	if fi[0] != 0 || fi[1] != 0 {
		t.Errorf("root tile feature indices = %v, want [0 0]", fi[:2])
	}
	// Child slot 1 holds the left leaf; the dummy's two edges replicate the
	// right leaf in slots 2 and 3.
	if th[2] != 1.0 || fi[2] != -1 {
		t.Errorf("left leaf slot = (%v, %d), want (1, -1)", th[2], fi[2])
	}
	if th[4] != 2.0 || th[6] != 2.0 {
		t.Errorf("right leaf slots = (%v, %v), want (2, 2)", th[4], th[6])
	}
}

func TestDecodeTileShapeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for _, tileSize := range []int32{2, 3, 4} {
		for trial := 0; trial < 20; trial++ {
			tree := randomTree(t, rng, 3+rng.Int31n(10), 3)
			tree.SetTilingDescriptor(UniformTiling(tree, tileSize))
			tt, err := NewTiledTree(tree)
			if err != nil {
				t.Fatalf("%v", err)
			}
			for ti := int32(0); ti < tt.NumTiles(); ti++ {
				if tt.IsLeafTile(ti) {
					continue
				}
				shape := DecodeTileShape(tt.TileShapeID(ti), tileSize)
				// Every slot resolves each direction to exactly one of an
				// in-tile slot or an exit ordinal.
				exits := 0
				for s := int32(0); s < tileSize; s++ {
					if (shape.LeftSlot[s] >= 0) == (shape.LeftExit[s] >= 0) {
						t.Fatalf("slot %d left is both/neither in-tile and exit", s)
					}
					if (shape.RightSlot[s] >= 0) == (shape.RightExit[s] >= 0) {
						t.Fatalf("slot %d right is both/neither in-tile and exit", s)
					}
					if shape.LeftExit[s] >= 0 {
						exits++
					}
					if shape.RightExit[s] >= 0 {
						exits++
					}
				}
				if exits != int(tileSize)+1 {
					t.Fatalf("tile has %d outgoing edges, want %d", exits, tileSize+1)
				}
			}
		}
	}
}

func TestMakeAllLeavesSameDepth(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 10; trial++ {
		tree := randomTree(t, rng, 1+rng.Int31n(10), 3)
		want := make([]float64, 16)
		rows := make([][]float64, 16)
		for i := range rows {
			rows[i] = []float64{rng.Float64(), rng.Float64(), rng.Float64()}
			want[i] = tree.Predict(rows[i], CmpULT)
		}
		tree.MakeAllLeavesSameDepth()
		var checkDepth func(i, d int32)
		target := tree.Depth()
		checkDepth = func(i, d int32) {
			n := tree.Node(i)
			if n.IsLeaf() {
				if d != target {
					t.Fatalf("leaf %d at depth %d, want %d", i, d, target)
				}
				return
			}
			checkDepth(n.LeftChild, d+1)
			if n.RightChild != n.LeftChild {
				checkDepth(n.RightChild, d+1)
			}
		}
		checkDepth(0, 1)
		for i, row := range rows {
			if got := tree.Predict(row, CmpULT); got != want[i] {
				t.Fatalf("prediction changed after padding: got %v want %v", got, want[i])
			}
		}
	}
}
