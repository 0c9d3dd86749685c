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
	Register("reorg", func(path string, store *packed.Store) Serializer {
		return &reorgSerializer{path: path, store: store, name: "reorg"}
	})
	Register("gpu_reorg", func(path string, store *packed.Store) Serializer {
		return &reorgSerializer{path: path, store: store, name: "gpu_reorg", gpu: true}
	})
}

// reorgSerializer persists the per-node interleaved layout: for N trees of
// max depth D, buffers of length N*(2^D - 1) indexed by node*N + tree.
type reorgSerializer struct {
	path  string
	store *packed.Store
	name  string
	gpu   bool

	key packed.Key

	// Interleaved host buffers, populated by Persist or ReadData.
	hostThresholds     []float64
	hostFeatureIndices []int32
	hostClassIDs       []int8

	thresholds     runtime.Memref[float64]
	featureIndices runtime.Memref[int32]
	classIDs       runtime.Memref[int8]
}

func (s *reorgSerializer) Name() string { return s.name }

func (s *reorgSerializer) Persist(f *forest.Forest, opts treebeard.CompilerOptions) error {
	if opts.TileSize != 1 {
		return fmt.Errorf("%w: reorg layout supports only scalar tiles, got tile size %d",
			treebeard.ErrUnsupportedConfig, opts.TileSize)
	}
	s.key = packed.Key{TileSize: 1, ThresholdBits: opts.ThresholdTypeWidth, IndexBits: opts.FeatureIndexTypeWidth}
	if err := packed.CheckWidths(s.key.ThresholdBits, s.key.IndexBits); err != nil {
		return err
	}

	s.store.ClearAllData()
	s.store.SetNumTrees(f.NumTrees())
	s.store.SetClassIDs(f.ClassIDs())

	perTreeTh := make([][]float64, 0, f.NumTrees())
	perTreeFi := make([][]int32, 0, f.NumTrees())
	for i := int32(0); i < f.NumTrees(); i++ {
		tt, err := forest.NewTiledTree(f.Tree(i))
		if err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
		th := tt.SerializeThresholds()
		fi := tt.SerializeFeatureIndices()
		s.store.AddSingleTree(s.key, i, tt.NumHeapTiles(), th, fi, nil, nil)
		perTreeTh = append(perTreeTh, th)
		perTreeFi = append(perTreeFi, fi)
	}
	s.hostThresholds = packed.InterleaveThresholds(perTreeTh)
	s.hostFeatureIndices = packed.InterleaveFeatureIndices(perTreeFi)
	s.hostClassIDs = f.ClassIDs()

	klog.V(1).Infof("%s: persisted %d trees, %d interleaved slots", s.name, f.NumTrees(), len(s.hostThresholds))
	if s.path == "" {
		return nil
	}
	return packed.WriteSidecar(s.path, &packed.Sidecar{
		InputElementBitWidth: opts.InputElementTypeWidth,
		ReturnTypeBitWidth:   opts.ReturnTypeWidth,
		RowSize:              f.NumFeatures(),
		BatchSize:            opts.BatchSize,
		NumberOfTrees:        f.NumTrees(),
		NumberOfClasses:      f.NumClasses(),
		Thresholds:           packed.FloatList(s.hostThresholds),
		FeatureIndices:       s.hostFeatureIndices,
		ClassIDs:             s.hostClassIDs,
	})
}

func (s *reorgSerializer) ReadData() error {
	sc, err := packed.ReadSidecar(s.path)
	if err != nil {
		return err
	}
	s.hostThresholds = []float64(sc.Thresholds)
	s.hostFeatureIndices = sc.FeatureIndices
	s.hostClassIDs = sc.ClassIDs
	return nil
}

func (s *reorgSerializer) InitializeBuffers(mod *runtime.Module) error {
	if s.gpu {
		// The three buffers ride independent async chains; initialize them
		// concurrently and await all.
		var g errgroup.Group
		g.Go(func() error {
			var err error
			s.thresholds, err = callInitHost[float64](mod, runtime.SymInitThresholds, s.hostThresholds)
			return err
		})
		g.Go(func() error {
			var err error
			s.featureIndices, err = callInitHost[int32](mod, runtime.SymInitFeatureIndices, s.hostFeatureIndices)
			return err
		})
		g.Go(func() error {
			var err error
			s.classIDs, err = callInitHost[int8](mod, runtime.SymInitClassIDs, s.hostClassIDs)
			return err
		})
		return g.Wait()
	}

	var err error
	if s.thresholds, err = callInit[float64](mod, runtime.SymInitThresholds); err != nil {
		return err
	}
	if s.featureIndices, err = callInit[int32](mod, runtime.SymInitFeatureIndices); err != nil {
		return err
	}
	if s.classIDs, err = callInit[int8](mod, runtime.SymInitClassIDs); err != nil {
		return err
	}
	return nil
}

func (s *reorgSerializer) HasCustomPredictionMethod() bool { return true }

func (s *reorgSerializer) CallPredictionMethod(mod *runtime.Module, inputs, results runtime.Memref[float64]) error {
	return callPredict(mod, []any{inputs, results, s.thresholds, s.featureIndices, s.classIDs})
}

func (s *reorgSerializer) CleanupBuffers(mod *runtime.Module) error {
	dealloc, err := mod.Lookup(runtime.SymDeallocBuffers)
	if err != nil {
		return err
	}
	return dealloc.(func() error)()
}
