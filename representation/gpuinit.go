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
	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/packed"
	"github.com/xadupre/treebeard/runtime"
)

// gpuInitThreadsPerBlock is the block width of the generated model
// initialization kernel.
const gpuInitThreadsPerBlock = 32

// deviceOwned collects the device buffers a module's initializers allocate
// so Dealloc_Buffers can release them. The serializer that triggered the
// allocations owns them and must call Dealloc_Buffers on cleanup.
type deviceOwned struct {
	free []func() error
}

func (d *deviceOwned) dealloc() error {
	var first error
	for _, f := range d.free {
		if err := f(); err != nil && first == nil {
			first = err
		}
	}
	d.free = nil
	return first
}

// emitGPUModelInitializers exports the device-side initializer functions for
// the tiled layouts. Init_Model takes the host-side packed component buffers,
// allocates device staging and model buffers with async copies, then launches
// a 1-D kernel over ceil(N/32) blocks of 32 threads in which each in-bounds
// thread writes one tile record's fields into the model buffers.
func emitGPUModelInitializers(key packed.Key, opts treebeard.CompilerOptions, store *packed.Store, mod *runtime.Module, dev *runtime.Device, sparse bool) {
	owned := &deviceOwned{}
	tileSize := int64(key.TileSize)

	mod.Export(runtime.SymInitModel, func(th []float64, fi []int32, shapes, children []int32) (runtime.Memref[float64], runtime.Memref[int32], runtime.Memref[int32], runtime.Memref[int32], error) {
		var zf runtime.Memref[float64]
		var zi runtime.Memref[int32]
		numTiles := int64(len(th)) / tileSize

		start := dev.NullToken()
		modelTh, tok := runtime.Alloc[float64](dev, int64(len(th)), start)
		modelFi, tok2 := runtime.Alloc[int32](dev, int64(len(fi)), tok)
		modelShapes, tok3 := runtime.Alloc[int32](dev, int64(len(shapes)), tok2)
		modelChildren, tok4 := runtime.Alloc[int32](dev, int64(len(children)), tok3)

		stageTh, tok5 := runtime.Alloc[float64](dev, int64(len(th)), tok4)
		copyTh := runtime.MemcpyHostToDevice(dev, stageTh, th, tok5)
		stageFi, tok6 := runtime.Alloc[int32](dev, int64(len(fi)), copyTh)
		copyFi := runtime.MemcpyHostToDevice(dev, stageFi, fi, tok6)
		stageShapes, tok7 := runtime.Alloc[int32](dev, int64(len(shapes)), copyFi)
		copyShapes := runtime.MemcpyHostToDevice(dev, stageShapes, shapes, tok7)
		stageChildren, tok8 := runtime.Alloc[int32](dev, int64(len(children)), copyShapes)
		copyChildren := runtime.MemcpyHostToDevice(dev, stageChildren, children, tok8)

		numBlocks := (numTiles + gpuInitThreadsPerBlock - 1) / gpuInitThreadsPerBlock
		if numBlocks == 0 {
			numBlocks = 1
		}
		// The views below wrap the allocated slices, so the alloc and copy
		// chain has to resolve before they are taken.
		if err := runtime.Wait(copyChildren); err != nil {
			return zf, zi, zi, zi, err
		}
		mTh, mFi, mSh, mCh :=modelTh.Memref(), modelFi.Memref(), modelShapes.Memref(), modelChildren.Memref()
		sTh, sFi, sSh, sCh := stageTh.Memref(), stageFi.Memref(), stageShapes.Memref(), stageChildren.Memref()
		launch := dev.Launch(
			runtime.Dim3{X: numBlocks, Y: 1, Z: 1},
			runtime.Dim3{X: gpuInitThreadsPerBlock, Y: 1, Z: 1},
			func(blockIdx, threadIdx runtime.Dim3) {
				i := blockIdx.X*gpuInitThreadsPerBlock + threadIdx.X
				if i >= numTiles {
					return
				}
				for j := int64(0); j < tileSize; j++ {
					mTh.Set(sTh.At(i*tileSize+j), i*tileSize+j)
					mFi.Set(sFi.At(i*tileSize+j), i*tileSize+j)
				}
				if mSh.Len() > 0 {
					mSh.Set(sSh.At(i), i)
				}
				if mCh.Len() > 0 {
					mCh.Set(sCh.At(i), i)
				}
			},
			copyChildren)
		if err := runtime.Wait(launch); err != nil {
			return zf, zi, zi, zi, err
		}

		// Staging is dead once the kernel ran; the model buffers live until
		// Dealloc_Buffers.
		for _, f := range []func() error{
			func() error { return runtime.Free(dev, stageTh) },
			func() error { return runtime.Free(dev, stageFi) },
			func() error { return runtime.Free(dev, stageShapes) },
			func() error { return runtime.Free(dev, stageChildren) },
		} {
			if err := f(); err != nil {
				return zf, zi, zi, zi, err
			}
		}
		owned.free = append(owned.free,
			func() error { return runtime.Free(dev, modelTh) },
			func() error { return runtime.Free(dev, modelFi) },
			func() error { return runtime.Free(dev, modelShapes) },
			func() error { return runtime.Free(dev, modelChildren) },
		)
		return mTh, mFi, mSh, mCh, nil
	})

	mod.Export(runtime.SymInitOffsets, gpuSimpleInit[int32](dev, owned))
	mod.Export(runtime.SymInitLengths, gpuSimpleInit[int32](dev, owned))
	mod.Export(runtime.SymInitClassIds, gpuSimpleInit[int8](dev, owned))
	mod.Export(runtime.SymDeallocBuffers, owned.dealloc)
}

// gpuSimpleInit returns the async alloc + memcpy pair initializer: no
// kernel, just a device buffer materialized from the host one.
func gpuSimpleInit[T any](dev *runtime.Device, owned *deviceOwned) func(host []T) (runtime.Memref[T], error) {
	return func(host []T) (runtime.Memref[T], error) {
		start := dev.NullToken()
		buf, tok := runtime.Alloc[T](dev, int64(len(host)), start)
		cp := runtime.MemcpyHostToDevice(dev, buf, host, tok)
		if err := runtime.Wait(cp); err != nil {
			return runtime.Memref[T]{}, err
		}
		owned.free = append(owned.free, func() error { return runtime.Free(dev, buf) })
		return buf.Memref(), nil
	}
}
