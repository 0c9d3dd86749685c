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

package compiler

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/packed"
	"github.com/xadupre/treebeard/runtime"
)

// stump appends a single-split tree to the builder: root[f, threshold] with
// the given leaf values on the true and false edges.
func stump(b *forest.Builder, feature int32, threshold, left, right float64) {
	b.NewTree()
	root := b.NewNode(threshold, feature)
	l := b.NewNode(left, forest.LeafFeatureIndex)
	r := b.NewNode(right, forest.LeafFeatureIndex)
	b.SetNodeLeftChild(root, l)
	b.SetNodeRightChild(root, r)
	b.SetNodeParent(l, root)
	b.SetNodeParent(r, root)
	b.EndTree()
}

// twoTreeGBDT is the regression ensemble from the end-to-end scenarios:
// T0: root[f=0, 0.5] -> (1.0, 2.0); T1: root[f=1, 0.0] -> (-0.5, 0.5).
func twoTreeGBDT(t *testing.T) *forest.Forest {
	t.Helper()
	b := forest.NewBuilder()
	b.AddFeature("f0", "float")
	b.AddFeature("f1", "float")
	stump(b, 0, 0.5, 1.0, 2.0)
	stump(b, 1, 0.0, -0.5, 0.5)
	f, err := b.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	f.SetPredicate(forest.CmpULT)
	f.SetPredictionTransform(forest.TransformIdentity)
	f.SetReduction(forest.ReductionSum)
	return f
}

// compileAndPredict runs the full pipeline for the layout and pushes the
// rows through the produced module in one batch.
func compileAndPredict(t *testing.T, f *forest.Forest, opts treebeard.CompilerOptions, layout string, rows [][]float64) ([]float64, *Context, *runtime.Module) {
	t.Helper()
	opts.BatchSize = int32(len(rows))
	ctx, err := NewContext(f, opts, layout, filepath.Join(t.TempDir(), "model.json"))
	if err != nil {
		t.Fatalf("NewContext(%s): %v", layout, err)
	}
	mod, err := Compile(ctx)
	if err != nil {
		t.Fatalf("Compile(%s): %v", layout, err)
	}
	if err := ctx.Serializer.InitializeBuffers(mod); err != nil {
		t.Fatalf("InitializeBuffers(%s): %v", layout, err)
	}

	cols := int(f.NumFeatures())
	flat := make([]float64, len(rows)*cols)
	for i, row := range rows {
		copy(flat[i*cols:], row)
	}
	results := make([]float64, len(rows))
	err = ctx.Serializer.CallPredictionMethod(mod,
		runtime.NewMemref2D(flat, int64(len(rows)), int64(cols)),
		runtime.NewMemref(results))
	if err != nil {
		t.Fatalf("CallPredictionMethod(%s): %v", layout, err)
	}
	return results, ctx, mod
}

func TestTwoTreeGBDTRegressor(t *testing.T) {
	rows := [][]float64{
		{0.3, 0.1},  // 1.0 + 0.5
		{0.7, -0.1}, // 2.0 + (-0.5)
	}
	for _, layout := range []string{"array", "sparse", "reorg", "gpu_array", "gpu_sparse", "gpu_reorg"} {
		t.Run(layout, func(t *testing.T) {
			opts := treebeard.NewCompilerOptions(2, 1)
			got, ctx, mod := compileAndPredict(t, twoTreeGBDT(t), opts, layout, rows)
			if diff := cmp.Diff([]float64{1.5, 1.5}, got); diff != "" {
				t.Errorf("predictions (-want +got):\n%s", diff)
			}
			if err := ctx.Serializer.CleanupBuffers(mod); err != nil {
				t.Errorf("CleanupBuffers: %v", err)
			}
		})
	}
}

// TestTileSize2Packing exercises the tiled byte layout: with T=2, 32-bit
// thresholds and 16-bit feature indices, a tile record is 12 bytes, and the
// compiled module still reproduces the reference walk.
func TestTileSize2Packing(t *testing.T) {
	if got := packed.RecordSize(2, 32, 16); got != 12 {
		t.Fatalf("RecordSize(2, 32, 16) = %d, want 12", got)
	}
	rows := [][]float64{{0.3, 0.1}, {0.7, -0.1}, {0.3, -0.1}, {0.7, 0.1}}
	f := twoTreeGBDT(t)
	opts := treebeard.NewCompilerOptions(int32(len(rows)), 2)
	got, ctx, _ := compileAndPredict(t, f, opts, "array", rows)

	want := make([]float64, len(rows))
	for i, row := range rows {
		want[i] = f.Predict(row)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("predictions (-want +got):\n%s", diff)
	}

	key := packed.Key{TileSize: 2, ThresholdBits: 32, IndexBits: 16}
	buf, err := ctx.Store.InitializeBuffer(key)
	if err != nil {
		t.Fatalf("InitializeBuffer: %v", err)
	}
	total, err := ctx.Store.TotalTiles(key)
	if err != nil {
		t.Fatalf("TotalTiles: %v", err)
	}
	if int32(len(buf)) != total*12 {
		t.Errorf("model buffer is %d bytes for %d tiles, want %d", len(buf), total, total*12)
	}
}

// TestPeeledWalkMatchesBaseline covers the peeled walk on every sign
// combination of the two features, for several peel factors.
func TestPeeledWalkMatchesBaseline(t *testing.T) {
	rows := [][]float64{{0.3, 0.1}, {0.7, -0.1}, {0.3, -0.1}, {0.7, 0.1}}
	base := twoTreeGBDT(t)
	want := make([]float64, len(rows))
	for i, row := range rows {
		want[i] = base.Predict(row)
	}
	for _, k := range []int32{1, 2, 3, 4} {
		opts := treebeard.NewCompilerOptions(int32(len(rows)), 1, treebeard.WithPipelineSize(k))
		got, _, _ := compileAndPredict(t, twoTreeGBDT(t), opts, "array", rows)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("peel %d (-want +got):\n%s", k, diff)
		}
	}
}

// randomForest builds a regressor with random stumps and deeper trees.
func randomForest(t *testing.T, rng *rand.Rand, numTrees int, numFeatures int32) *forest.Forest {
	t.Helper()
	b := forest.NewBuilder()
	for i := int32(0); i < numFeatures; i++ {
		b.AddFeature("f", "float")
	}
	for i := 0; i < numTrees; i++ {
		b.NewTree()
		var grow func(depth int) int32
		grow = func(depth int) int32 {
			if depth == 0 || rng.Float64() < 0.3 {
				return b.NewNode(rng.NormFloat64(), forest.LeafFeatureIndex)
			}
			n := b.NewNode(rng.Float64(), rng.Int31n(numFeatures))
			l := grow(depth - 1)
			b.SetNodeLeftChild(n, l)
			b.SetNodeParent(l, n)
			r := grow(depth - 1)
			b.SetNodeRightChild(n, r)
			b.SetNodeParent(r, n)
			return n
		}
		// The root always splits so trees stay walkable by the peeled form.
		root := b.NewNode(rng.Float64(), rng.Int31n(numFeatures))
		l := grow(2 + rng.Intn(3))
		b.SetNodeLeftChild(root, l)
		b.SetNodeParent(l, root)
		r := grow(2 + rng.Intn(3))
		b.SetNodeRightChild(root, r)
		b.SetNodeParent(r, root)
		b.SetNodeParent(root, forest.InvalidNodeIndex)
		b.EndTree()
	}
	f, err := b.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	f.SetPredicate(forest.CmpULT)
	return f
}

// TestRepresentationEquivalence checks array, sparse and reorg layouts (CPU
// and GPU) agree with the reference walk on random forests. 64-bit
// thresholds keep every layout at the same precision.
func TestRepresentationEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	rows := make([][]float64, 8)
	for i := range rows {
		rows[i] = []float64{rng.Float64(), rng.Float64(), rng.Float64()}
	}
	layouts := []struct {
		name     string
		tileSize int32
	}{
		{"array", 1}, {"array", 2}, {"array", 4},
		{"sparse", 1}, {"sparse", 2}, {"sparse", 4},
		{"reorg", 1},
		{"gpu_array", 1}, {"gpu_sparse", 2}, {"gpu_reorg", 1},
	}
	for trial := 0; trial < 3; trial++ {
		seed := randomForest(t, rng, 5, 3)
		want := make([]float64, len(rows))
		for i, row := range rows {
			want[i] = seed.Predict(row)
		}
		for _, l := range layouts {
			opts := treebeard.NewCompilerOptions(int32(len(rows)), l.tileSize, treebeard.WithThresholdWidth(64))
			got, _, _ := compileAndPredict(t, cloneForest(t, seed), opts, l.name, rows)
			for i := range want {
				if math.Abs(got[i]-want[i]) > 1e-12 {
					t.Fatalf("trial %d %s T=%d row %d: got %v want %v",
						trial, l.name, l.tileSize, i, got[i], want[i])
				}
			}
		}
	}
}

// cloneForest rebuilds a forest so each compilation preprocesses a fresh
// copy.
func cloneForest(t *testing.T, src *forest.Forest) *forest.Forest {
	t.Helper()
	b := forest.NewBuilder()
	for _, feat := range src.Features() {
		b.AddFeature(feat.Name, feat.Type)
	}
	for _, tree := range src.Trees() {
		b.NewTree()
		for i := int32(0); i < tree.NumNodes(); i++ {
			n := tree.Node(i)
			idx := b.NewNode(n.Threshold, n.FeatureIndex)
			if idx != i {
				t.Fatalf("clone produced handle %d for node %d", idx, i)
			}
		}
		for i := int32(0); i < tree.NumNodes(); i++ {
			n := tree.Node(i)
			b.SetNodeParent(i, n.Parent)
			if !n.IsLeaf() {
				b.SetNodeLeftChild(i, n.LeftChild)
				b.SetNodeRightChild(i, n.RightChild)
			}
		}
		b.SetTreeClassID(tree.ClassID())
		b.EndTree()
	}
	f, err := b.Seal()
	if err != nil {
		t.Fatalf("clone Seal: %v", err)
	}
	f.SetPredicate(src.Predicate())
	f.SetPredictionTransform(src.PredictionTransform())
	f.SetReduction(src.Reduction())
	f.SetNumClasses(src.NumClasses())
	f.SetInitialOffset(src.InitialOffset())
	return f
}

// TestWalkDeterminism checks the peeled and plain walks agree on random
// forests for every peel factor.
func TestWalkDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	rows := make([][]float64, 8)
	for i := range rows {
		rows[i] = []float64{rng.Float64(), rng.Float64(), rng.Float64()}
	}
	seed := randomForest(t, rng, 4, 3)
	opts := treebeard.NewCompilerOptions(int32(len(rows)), 1, treebeard.WithThresholdWidth(64))
	want, _, _ := compileAndPredict(t, cloneForest(t, seed), opts, "array", rows)
	for _, k := range []int32{1, 2, 5} {
		peeled := treebeard.NewCompilerOptions(int32(len(rows)), 1,
			treebeard.WithThresholdWidth(64), treebeard.WithPipelineSize(k))
		got, _, _ := compileAndPredict(t, cloneForest(t, seed), peeled, "array", rows)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("peel %d (-want +got):\n%s", k, diff)
		}
	}
}

// TestMulticlassSoftmax covers the 3-class, 6-tree classifier scenario: the
// class-id buffer is [0,0,1,1,2,2], offsets advance by one tree's tiles per
// tree, and the prediction is the argmax class.
func TestMulticlassSoftmax(t *testing.T) {
	build := func() *forest.Forest {
		b := forest.NewBuilder()
		b.AddFeature("f0", "float")
		leaves := [][2]float64{
			{1.0, 0.0}, {1.0, 0.0}, // class 0 fires when f0 < 0.5
			{0.0, 1.0}, {0.0, 1.0}, // class 1 fires otherwise
			{0.2, 0.2}, {0.2, 0.2}, // class 2 never dominates
		}
		for _, lv := range leaves {
			stump(b, 0, 0.5, lv[0], lv[1])
		}
		f, err := b.Seal()
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		for i, tree := range f.Trees() {
			tree.SetClassID(int8(i / 2))
		}
		f.SetNumClasses(3)
		f.SetPredictionTransform(forest.TransformSoftmax)
		f.SetPredicate(forest.CmpULT)
		return f
	}

	rows := [][]float64{{0.3}, {0.7}}
	for _, layout := range []string{"array", "sparse", "reorg"} {
		t.Run(layout, func(t *testing.T) {
			opts := treebeard.NewCompilerOptions(2, 1)
			got, ctx, _ := compileAndPredict(t, build(), opts, layout, rows)
			if diff := cmp.Diff([]float64{0, 1}, got); diff != "" {
				t.Errorf("argmax classes (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]int8{0, 0, 1, 1, 2, 2}, ctx.Store.InitializeClassIDBuffer()); diff != "" {
				t.Errorf("class-id buffer (-want +got):\n%s", diff)
			}
			if layout == "array" {
				key := packed.Key{TileSize: 1, ThresholdBits: 32, IndexBits: 16}
				offsets, err := ctx.Store.InitializeOffsetBuffer(key)
				if err != nil {
					t.Fatalf("InitializeOffsetBuffer: %v", err)
				}
				if diff := cmp.Diff([]int32{0, 3, 6, 9, 12, 15}, offsets); diff != "" {
					t.Errorf("offsets (-want +got):\n%s", diff)
				}
			}
		})
	}
}

// TestGPUDeviceLifecycle checks the GPU module attaches a kernel binary and
// that cleanup returns every device buffer.
func TestGPUDeviceLifecycle(t *testing.T) {
	rows := [][]float64{{0.3, 0.1}, {0.7, -0.1}}
	opts := treebeard.NewCompilerOptions(2, 1)
	got, ctx, mod := compileAndPredict(t, twoTreeGBDT(t), opts, "gpu_array", rows)
	if diff := cmp.Diff([]float64{1.5, 1.5}, got); diff != "" {
		t.Errorf("predictions (-want +got):\n%s", diff)
	}
	if _, ok := mod.Binary("gpu.binary"); !ok {
		t.Errorf("module has no attached kernel binary")
	}
	if mod.Device().LiveAllocations() == 0 {
		t.Fatalf("no live device allocations after initialization")
	}
	if err := ctx.Serializer.CleanupBuffers(mod); err != nil {
		t.Fatalf("CleanupBuffers: %v", err)
	}
	if n := mod.Device().LiveAllocations(); n != 0 {
		t.Errorf("%d device buffers leaked after cleanup", n)
	}
}

// TestParallelBatchLoop shards the batch loop across cores and must agree
// with the serial emission.
func TestParallelBatchLoop(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	rows := make([][]float64, 64)
	for i := range rows {
		rows[i] = []float64{rng.Float64(), rng.Float64(), rng.Float64()}
	}
	seed := randomForest(t, rng, 4, 3)
	want := make([]float64, len(rows))
	for i, row := range rows {
		want[i] = seed.Predict(row)
	}
	opts := treebeard.NewCompilerOptions(int32(len(rows)), 1,
		treebeard.WithThresholdWidth(64), treebeard.WithNumberOfCores(4))
	got, _, _ := compileAndPredict(t, cloneForest(t, seed), opts, "array", rows)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parallel batch (-want +got):\n%s", diff)
	}
}

func TestUnknownLayoutRejected(t *testing.T) {
	_, err := NewContext(twoTreeGBDT(t), treebeard.NewCompilerOptions(1, 1), "columnar", "")
	if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

func TestInvalidWidthRejected(t *testing.T) {
	opts := treebeard.NewCompilerOptions(1, 1, treebeard.WithFeatureIndexWidth(12))
	_, err := NewContext(twoTreeGBDT(t), opts, "array", "")
	if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}
