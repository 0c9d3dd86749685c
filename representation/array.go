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

package representation

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/ir"
	"github.com/xadupre/treebeard/packed"
	"github.com/xadupre/treebeard/runtime"
)

func init() {
	Register("array", func() Representation { return newArrayRep(false) })
	Register("gpu_array", func() Representation { return newArrayRep(true) })
}

// arrayRep is the implicit-heap layout: tiles of a tree are laid out densely
// so that the children of tile i sit at i*(T+1)+1 .. i*(T+1)+T+1, and
// move-to-child is pure arithmetic. Node values are tile indices relative to
// the tree's offset.
type arrayRep struct {
	gpu        bool
	shapeCache *lru.Cache[int64, forest.TileShape]
}

func newArrayRep(gpu bool) *arrayRep {
	// Tile shapes repeat heavily across trees; a small LRU keyed by shape id
	// keeps the decoded slot tables shared between walkers.
	cache, _ := lru.New[int64, forest.TileShape](256)
	return &arrayRep{gpu: gpu, shapeCache: cache}
}

func (r *arrayRep) Name() string {
	if r.gpu {
		return "gpu_array"
	}
	return "array"
}

func (r *arrayRep) decodeShape(shapeID, tileSize int32) forest.TileShape {
	key := int64(tileSize)<<32 | int64(uint32(shapeID))
	if s, ok := r.shapeCache.Get(key); ok {
		return s
	}
	s := forest.DecodeTileShape(shapeID, tileSize)
	r.shapeCache.Add(key, s)
	return s
}

func (r *arrayRep) GenerateModelGlobals(b *ir.Builder, fn *ir.Func, f *forest.Forest, opts treebeard.CompilerOptions, store *packed.Store, mod *runtime.Module, dev *runtime.Device) (*ModelArgs, error) {
	args := &ModelArgs{}
	args.Thresholds = b.AppendArg(fn, ir.MemrefOf(ir.Float(opts.ThresholdTypeWidth)))
	args.FeatureIndices = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.FeatureIndexTypeWidth)))
	args.ArgOrder = []*ir.Value{args.Thresholds, args.FeatureIndices}
	if opts.TileSize > 1 {
		args.TileShapeIDs = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.TileShapeBitWidth)))
		args.ArgOrder = append(args.ArgOrder, args.TileShapeIDs)
	}
	args.Offsets = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.NodeIndexTypeWidth)))
	args.Lengths = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.NodeIndexTypeWidth)))
	args.ClassIDs = b.AppendArg(fn, ir.MemrefOf(ir.I8))
	args.ArgOrder = append(args.ArgOrder, args.Offsets, args.Lengths, args.ClassIDs)

	key := packed.Key{
		TileSize:      opts.TileSize,
		ThresholdBits: opts.ThresholdTypeWidth,
		IndexBits:     opts.FeatureIndexTypeWidth,
	}
	if r.gpu {
		if dev == nil {
			return nil, fmt.Errorf("%w: %s representation without a device", treebeard.ErrUnsupportedConfig, r.Name())
		}
		emitGPUModelInitializers(key, opts, store, mod, dev, false)
	} else {
		emitCPUModelInitializers(key, opts, store, mod, false)
	}
	return args, nil
}

// emitCPUModelInitializers exports the host-side initializer functions. The
// model buffer round-trips through the packed byte encoding so the runtime
// sees exactly the declared widths.
func emitCPUModelInitializers(key packed.Key, opts treebeard.CompilerOptions, store *packed.Store, mod *runtime.Module, sparse bool) {
	mod.Export(runtime.SymInitModel, func() (runtime.Memref[float64], runtime.Memref[int32], runtime.Memref[int32], runtime.Memref[int32], error) {
		var zero runtime.Memref[float64]
		var zi runtime.Memref[int32]
		buf, err := store.InitializeBuffer(key)
		if err != nil {
			return zero, zi, zi, zi, err
		}
		th, fi, err := packed.UnpackTiles(buf, key.TileSize, key.ThresholdBits, key.IndexBits)
		if err != nil {
			return zero, zi, zi, zi, err
		}
		shapes, err := roundTripInts(store, key, opts.TileShapeBitWidth, (*packed.Store).TileShapeIDs)
		if err != nil {
			return zero, zi, zi, zi, err
		}
		var children []int32
		if sparse {
			if children, err = roundTripInts(store, key, opts.ChildIndexBitWidth, (*packed.Store).ChildIndices); err != nil {
				return zero, zi, zi, zi, err
			}
		}
		return runtime.NewMemref(th), runtime.NewMemref(fi), runtime.NewMemref(shapes), runtime.NewMemref(children), nil
	})
	mod.Export(runtime.SymInitOffsets, func() (runtime.Memref[int32], error) {
		offs, err := store.InitializeOffsetBuffer(key)
		if err != nil {
			return runtime.Memref[int32]{}, err
		}
		return runtime.NewMemref(offs), nil
	})
	mod.Export(runtime.SymInitLengths, func() (runtime.Memref[int32], error) {
		lens, err := store.InitializeLengthBuffer(key)
		if err != nil {
			return runtime.Memref[int32]{}, err
		}
		return runtime.NewMemref(lens), nil
	})
	mod.Export(runtime.SymInitClassIds, func() (runtime.Memref[int8], error) {
		return runtime.NewMemref(store.InitializeClassIDBuffer()), nil
	})
	mod.Export(runtime.SymDeallocBuffers, func() error { return nil })
}

// roundTripInts packs and unpacks an integer buffer at the declared width so
// runtime values match what a receiver of the persisted bytes would see.
func roundTripInts(store *packed.Store, key packed.Key, bits int32, get func(*packed.Store, packed.Key) ([]int32, error)) ([]int32, error) {
	vals, err := get(store, key)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	b, err := packed.PackInts(vals, bits)
	if err != nil {
		return nil, err
	}
	return packed.UnpackInts(b, bits)
}
