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
	"strings"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/ir"
	"github.com/xadupre/treebeard/runtime"
	"k8s.io/klog/v2"
)

// Compile runs the whole pipeline: preprocess the forest, persist the packed
// model, build and lower the IR, and emit an executable module. GPU layouts
// additionally outline the batch loop into a kernel and attach its
// serialized form to the module.
func Compile(ctx *Context) (*runtime.Module, error) {
	if err := ctx.Options.Validate(); err != nil {
		return nil, err
	}
	preprocess(ctx)
	if err := ctx.Forest.Validate(); err != nil {
		return nil, err
	}

	if err := ctx.Serializer.Persist(ctx.Forest, ctx.Options); err != nil {
		return nil, err
	}

	b := &ir.Builder{}
	irMod := ir.BuildPrediction(b, ctx.Forest, ctx.Options)
	fn := irMod.Func(ir.RuntimePredictName)

	// In-dialect rewrite: reduce the walk ops to loops over tile traversals.
	if err := ir.LowerWalks(b, fn); err != nil {
		return nil, err
	}

	gpu := strings.HasPrefix(ctx.Representation.Name(), "gpu_")
	mod := runtime.NewModule()
	var dev *runtime.Device
	if gpu {
		dev = runtime.NewDevice()
		mod.SetDevice(dev)
	}

	// The representation appends the model arguments and emits the
	// initializer functions the serializer will call at runtime.
	args, err := ctx.Representation.GenerateModelGlobals(b, fn, ctx.Forest, ctx.Options, ctx.Store, mod, dev)
	if err != nil {
		return nil, err
	}

	// Partial conversion with the representation's patterns, then the final
	// conversion of tile loads to plain memory accesses. The batch loop is
	// outlined afterwards so the kernel captures the lowered model buffer
	// references as kernel arguments.
	if err := ir.ApplyPatterns(b, fn, "convert-forest-ops",
		ctx.Representation.LoweringPatterns(args, ctx.Forest, ctx.Options),
		[]ir.OpKind{
			ir.OpEnsembleConstant, ir.OpGetTree, ir.OpGetRoot,
			ir.OpTraverseTreeTile, ir.OpIsLeaf, ir.OpIsLeafTile,
			ir.OpGetLeafValue, ir.OpGetLeafTileValue, ir.OpGetTreeClassID,
		}); err != nil {
		return nil, err
	}
	if err := lowerToTarget(b, fn); err != nil {
		return nil, err
	}

	var kernel *ir.Func
	if gpu {
		if kernel, err = outlineBatchKernel(b, irMod, fn); err != nil {
			return nil, err
		}
		// The kernel travels with the host module as a serialized blob, the
		// way a CUDA binary is annotated onto the host code.
		mod.AttachBinary("gpu.binary", []byte(kernel.Dump()))
	}

	if err := emit(irMod, mod, ctx.Options, dev); err != nil {
		return nil, err
	}
	klog.V(1).Infof("compiled %s model: %d trees, batch %d, tile size %d",
		ctx.Representation.Name(), ctx.Forest.NumTrees(), ctx.Options.BatchSize, ctx.Options.TileSize)
	return mod, nil
}

// preprocess applies the forest-level options ahead of tiling: optional
// depth-based reordering, optional leaf-depth equalization, and a tiling
// descriptor for every tree that doesn't already carry one. Probabilistic
// and hybrid colorings are produced outside the compiler; when requested but
// absent, the uniform coloring stands in.
func preprocess(ctx *Context) {
	f := ctx.Forest
	opts := &ctx.Options
	if opts.ReorderTreesByDepth {
		f.SortTreesByDepth()
	}
	for i := int32(0); i < f.NumTrees(); i++ {
		t := f.Tree(i)
		if opts.MakeAllLeavesSameDepth {
			t.MakeAllLeavesSameDepth()
		}
		if len(t.Tiling().TileIDs) != int(t.NumNodes()) {
			if opts.TilingType != treebeard.TilingUniform {
				klog.Warningf("tree %d: %v tiling requested but no external coloring attached; using uniform", i, opts.TilingType)
			}
			t.SetTilingDescriptor(forest.UniformTiling(t, opts.TileSize))
		}
	}
}
