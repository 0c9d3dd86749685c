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
	"fmt"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/packed"
	"github.com/xadupre/treebeard/runtime"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func init() {
	Register("array", func(path string, store *packed.Store) Serializer {
		return &tiledSerializer{path: path, store: store, name: "array"}
	})
	Register("sparse", func(path string, store *packed.Store) Serializer {
		return &tiledSerializer{path: path, store: store, name: "sparse", sparse: true}
	})
	Register("gpu_array", func(path string, store *packed.Store) Serializer {
		return &tiledSerializer{path: path, store: store, name: "gpu_array", gpu: true}
	})
	Register("gpu_sparse", func(path string, store *packed.Store) Serializer {
		return &tiledSerializer{path: path, store: store, name: "gpu_sparse", sparse: true, gpu: true}
	})
}

// tiledSerializer persists the array and sparse layouts: per-tree tile
// attribute vectors keyed by (tile size, threshold width, index width), with
// implicit-heap ordering for array and breadth-first ordering plus explicit
// child indices for sparse.
type tiledSerializer struct {
	path   string
	store  *packed.Store
	name   string
	sparse bool
	gpu    bool

	opts treebeard.CompilerOptions
	key  packed.Key

	// Buffers retained between InitializeBuffers and the prediction call.
	thresholds     runtime.Memref[float64]
	featureIndices runtime.Memref[int32]
	tileShapeIDs   runtime.Memref[int32]
	childIndices   runtime.Memref[int32]
	offsets        runtime.Memref[int32]
	lengths        runtime.Memref[int32]
	classIDs       runtime.Memref[int8]
}

func (s *tiledSerializer) Name() string { return s.name }

func (s *tiledSerializer) Persist(f *forest.Forest, opts treebeard.CompilerOptions) error {
	s.opts = opts
	s.key = packed.Key{
		TileSize:      opts.TileSize,
		ThresholdBits: opts.ThresholdTypeWidth,
		IndexBits:     opts.FeatureIndexTypeWidth,
	}
	if err := packed.CheckWidths(s.key.ThresholdBits, s.key.IndexBits); err != nil {
		return err
	}

	s.store.ClearAllData()
	s.store.SetNumTrees(f.NumTrees())
	if f.IsMultiClass() {
		s.store.SetClassIDs(f.ClassIDs())
	}

	sc := &packed.Sidecar{
		InputElementBitWidth: opts.InputElementTypeWidth,
		ReturnTypeBitWidth:   opts.ReturnTypeWidth,
		RowSize:              f.NumFeatures(),
		BatchSize:            opts.BatchSize,
		NumberOfTrees:        f.NumTrees(),
		NumberOfClasses:      f.NumClasses(),
		TileSize:             s.key.TileSize,
		ThresholdBitWidth:    s.key.ThresholdBits,
		IndexBitWidth:        s.key.IndexBits,
		ClassIDs:             f.ClassIDs(),
	}

	for i := int32(0); i < f.NumTrees(); i++ {
		tt, err := forest.NewTiledTree(f.Tree(i))
		if err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
		var entry packed.SidecarTree
		if s.sparse {
			entry = s.persistSparseTree(i, tt)
		} else {
			entry = s.persistArrayTree(i, tt)
		}
		sc.Trees = append(sc.Trees, entry)
	}

	klog.V(1).Infof("%s: persisted %d trees at tile size %d (%d/%d-bit)",
		s.name, f.NumTrees(), s.key.TileSize, s.key.ThresholdBits, s.key.IndexBits)
	if s.path == "" {
		return nil
	}
	return packed.WriteSidecar(s.path, sc)
}

// persistArrayTree stores the implicit-heap serialization: dense slots,
// sentinel-filled where no tile lives.
func (s *tiledSerializer) persistArrayTree(i int32, tt *forest.TiledTree) packed.SidecarTree {
	th := tt.SerializeThresholds()
	fi := tt.SerializeFeatureIndices()
	shapes := tt.SerializeTileShapeIDs()
	numTiles := tt.NumHeapTiles()
	s.store.AddSingleTree(s.key, i, numTiles, th, fi, shapes, nil)
	return packed.SidecarTree{
		TreeIndex:      i,
		NumberOfTiles:  numTiles,
		Thresholds:     th,
		FeatureIndices: fi,
		TileShapeIDs:   shapes,
	}
}

// persistSparseTree stores tiles breadth-first with per-tile child indices
// relative to the tree; the store rebases them when buffers materialize.
func (s *tiledSerializer) persistSparseTree(i int32, tt *forest.TiledTree) packed.SidecarTree {
	order, childBase := tt.SparseTiles()
	T := tt.TileSize()
	th := make([]float64, 0, int32(len(order))*T)
	fi := make([]int32, 0, int32(len(order))*T)
	shapes := make([]int32, 0, len(order))
	children := make([]int32, 0, len(order))
	tileTh := make([]float64, T)
	tileFi := make([]int32, T)
	for pos, ti := range order {
		tt.TileThresholds(ti, tileTh)
		tt.TileFeatureIndices(ti, tileFi)
		th = append(th, tileTh...)
		fi = append(fi, tileFi...)
		shapes = append(shapes, tt.TileShapeID(ti))
		children = append(children, int32(childBase[pos]))
	}
	numTiles := int32(len(order))
	s.store.AddSingleTree(s.key, i, numTiles, th, fi, shapes, children)
	return packed.SidecarTree{
		TreeIndex:      i,
		NumberOfTiles:  numTiles,
		Thresholds:     th,
		FeatureIndices: fi,
		TileShapeIDs:   shapes,
		ChildIndices:   children,
	}
}

// ReadData reconstitutes the store from the sidecar, allowing a process to
// initialize runtime buffers without re-importing the model.
func (s *tiledSerializer) ReadData() error {
	sc, err := packed.ReadSidecar(s.path)
	if err != nil {
		return err
	}
	s.key = packed.Key{
		TileSize:      sc.TileSize,
		ThresholdBits: sc.ThresholdBitWidth,
		IndexBits:     sc.IndexBitWidth,
	}
	s.opts.BatchSize = sc.BatchSize
	s.opts.TileSize = sc.TileSize
	s.opts.ThresholdTypeWidth = sc.ThresholdBitWidth
	s.opts.FeatureIndexTypeWidth = sc.IndexBitWidth
	s.store.ClearAllData()
	s.store.SetNumTrees(sc.NumberOfTrees)
	s.store.SetClassIDs(sc.ClassIDs)
	for _, t := range sc.Trees {
		s.store.AddSingleTree(s.key, t.TreeIndex, t.NumberOfTiles, t.Thresholds, t.FeatureIndices, t.TileShapeIDs, t.ChildIndices)
	}
	return nil
}

func (s *tiledSerializer) InitializeBuffers(mod *runtime.Module) error {
	if s.gpu {
		return s.initializeGPUBuffers(mod)
	}
	initModel, err := mod.Lookup(runtime.SymInitModel)
	if err != nil {
		return err
	}
	th, fi, shapes, children, err := initModel.(func() (runtime.Memref[float64], runtime.Memref[int32], runtime.Memref[int32], runtime.Memref[int32], error))()
	if err != nil {
		return err
	}
	s.thresholds, s.featureIndices, s.tileShapeIDs, s.childIndices = th, fi, shapes, children

	if s.offsets, err = callInit[int32](mod, runtime.SymInitOffsets); err != nil {
		return err
	}
	if s.lengths, err = callInit[int32](mod, runtime.SymInitLengths); err != nil {
		return err
	}
	if s.classIDs, err = callInit[int8](mod, runtime.SymInitClassIds); err != nil {
		return err
	}
	return nil
}

// initializeGPUBuffers materializes the host-side buffers from the store and
// hands them to the module's device initializers. The three simple buffers
// initialize concurrently; each symbol owns its own async chain.
func (s *tiledSerializer) initializeGPUBuffers(mod *runtime.Module) error {
	buf, err := s.store.InitializeBuffer(s.key)
	if err != nil {
		return err
	}
	th, fi, err := packed.UnpackTiles(buf, s.key.TileSize, s.key.ThresholdBits, s.key.IndexBits)
	if err != nil {
		return err
	}
	shapes, err := s.store.TileShapeIDs(s.key)
	if err != nil {
		return err
	}
	var children []int32
	if s.sparse {
		if children, err = s.store.ChildIndices(s.key); err != nil {
			return err
		}
	}
	initModel, err := mod.Lookup(runtime.SymInitModel)
	if err != nil {
		return err
	}
	s.thresholds, s.featureIndices, s.tileShapeIDs, s.childIndices, err =
		initModel.(func([]float64, []int32, []int32, []int32) (runtime.Memref[float64], runtime.Memref[int32], runtime.Memref[int32], runtime.Memref[int32], error))(th, fi, shapes, children)
	if err != nil {
		return err
	}

	offsets, err := s.store.InitializeOffsetBuffer(s.key)
	if err != nil {
		return err
	}
	lengths, err := s.store.InitializeLengthBuffer(s.key)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.Go(func() error {
		var err error
		s.offsets, err = callInitHost[int32](mod, runtime.SymInitOffsets, offsets)
		return err
	})
	g.Go(func() error {
		var err error
		s.lengths, err = callInitHost[int32](mod, runtime.SymInitLengths, lengths)
		return err
	})
	g.Go(func() error {
		var err error
		s.classIDs, err = callInitHost[int8](mod, runtime.SymInitClassIds, s.store.InitializeClassIDBuffer())
		return err
	})
	return g.Wait()
}

func (s *tiledSerializer) HasCustomPredictionMethod() bool { return true }

func (s *tiledSerializer) CallPredictionMethod(mod *runtime.Module, inputs, results runtime.Memref[float64]) error {
	args := []any{inputs, results, s.thresholds, s.featureIndices}
	if s.key.TileSize > 1 {
		args = append(args, s.tileShapeIDs)
	}
	if s.sparse {
		args = append(args, s.childIndices)
	}
	args = append(args, s.offsets, s.lengths, s.classIDs)
	return callPredict(mod, args)
}

func (s *tiledSerializer) CleanupBuffers(mod *runtime.Module) error {
	dealloc, err := mod.Lookup(runtime.SymDeallocBuffers)
	if err != nil {
		return err
	}
	return dealloc.(func() error)()
}

// callInit invokes a zero-argument initializer symbol.
func callInit[T any](mod *runtime.Module, name string) (runtime.Memref[T], error) {
	sym, err := mod.Lookup(name)
	if err != nil {
		return runtime.Memref[T]{}, err
	}
	return sym.(func() (runtime.Memref[T], error))()
}

// callInitHost invokes a host-buffer initializer symbol.
func callInitHost[T any](mod *runtime.Module, name string, host []T) (runtime.Memref[T], error) {
	sym, err := mod.Lookup(name)
	if err != nil {
		return runtime.Memref[T]{}, err
	}
	return sym.(func([]T) (runtime.Memref[T], error))(host)
}
