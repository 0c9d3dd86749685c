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

package serializer

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/packed"
)

func TestRegistryNames(t *testing.T) {
	want := []string{"array", "gpu_array", "gpu_reorg", "gpu_sparse", "reorg", "sparse"}
	if diff := cmp.Diff(want, Names()); diff != "" {
		t.Errorf("registered serializers (-want +got):\n%s", diff)
	}
}

func TestUnknownSerializer(t *testing.T) {
	_, err := New("columnar", "", packed.NewStore())
	if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

func smallForest(t *testing.T) *forest.Forest {
	t.Helper()
	b := forest.NewBuilder()
	b.AddFeature("f0", "float")
	b.NewTree()
	root := b.NewNode(0.5, 0)
	l := b.NewNode(1.0, forest.LeafFeatureIndex)
	r := b.NewNode(2.0, forest.LeafFeatureIndex)
	b.SetNodeLeftChild(root, l)
	b.SetNodeRightChild(root, r)
	b.SetNodeParent(l, root)
	b.SetNodeParent(r, root)
	b.EndTree()
	f, err := b.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	f.SetPredicate(forest.CmpULT)
	return f
}

// TestPersistReadDataRoundTrip persists the array layout, clears the store,
// and reconstitutes it from the sidecar alone.
func TestPersistReadDataRoundTrip(t *testing.T) {
	f := smallForest(t)
	tree := f.Tree(0)
	tree.SetTilingDescriptor(forest.UniformTiling(tree, 1))

	path := filepath.Join(t.TempDir(), "model.json")
	store := packed.NewStore()
	s, err := New("array", path, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	opts := treebeard.NewCompilerOptions(4, 1)
	if err := s.Persist(f, opts); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	key := packed.Key{TileSize: 1, ThresholdBits: 32, IndexBits: 16}
	wantBuf, err := store.InitializeBuffer(key)
	if err != nil {
		t.Fatalf("InitializeBuffer: %v", err)
	}

	store.ClearAllData()
	if err := s.ReadData(); err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	gotBuf, err := store.InitializeBuffer(key)
	if err != nil {
		t.Fatalf("InitializeBuffer after ReadData: %v", err)
	}
	if diff := cmp.Diff(wantBuf, gotBuf); diff != "" {
		t.Errorf("model buffer after sidecar round trip (-want +got):\n%s", diff)
	}
}

func TestPersistRejectsBadWidths(t *testing.T) {
	f := smallForest(t)
	s, err := New("array", "", packed.NewStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	opts := treebeard.NewCompilerOptions(1, 1)
	opts.ThresholdTypeWidth = 48
	if err := s.Persist(f, opts); !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

func TestReorgPersistSidecar(t *testing.T) {
	f := smallForest(t)
	tree := f.Tree(0)
	tree.SetTilingDescriptor(forest.UniformTiling(tree, 1))

	path := filepath.Join(t.TempDir(), "model.json")
	s, err := New("reorg", path, packed.NewStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Persist(f, treebeard.NewCompilerOptions(4, 1)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	sc, err := packed.ReadSidecar(path)
	if err != nil {
		t.Fatalf("ReadSidecar: %v", err)
	}
	if sc.NumberOfTrees != 1 || sc.RowSize != 1 || sc.BatchSize != 4 {
		t.Errorf("sidecar params = %+v", sc)
	}
	// One tree of depth 2: 3 interleaved slots.
	if len(sc.Thresholds) != 3 || len(sc.FeatureIndices) != 3 {
		t.Errorf("interleaved lengths %d/%d, want 3/3", len(sc.Thresholds), len(sc.FeatureIndices))
	}
	if diff := cmp.Diff([]int32{0, -1, -1}, sc.FeatureIndices); diff != "" {
		t.Errorf("feature indices (-want +got):\n%s", diff)
	}
}
