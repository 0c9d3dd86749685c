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

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/ir"
	"github.com/xadupre/treebeard/packed"
	"github.com/xadupre/treebeard/runtime"
)

func init() {
	Register("reorg", func() Representation { return &reorgRep{} })
	Register("gpu_reorg", func() Representation { return &reorgRep{gpu: true} })
}

// reorgRep interleaves node i of every tree at buffer position
// i*numTrees + treeIndex, which makes simultaneous walks of all trees touch
// adjacent memory. Only scalar tiles can be expressed this way.
type reorgRep struct {
	gpu bool
}

func (r *reorgRep) Name() string {
	if r.gpu {
		return "gpu_reorg"
	}
	return "reorg"
}

func (r *reorgRep) GenerateModelGlobals(b *ir.Builder, fn *ir.Func, f *forest.Forest, opts treebeard.CompilerOptions, store *packed.Store, mod *runtime.Module, dev *runtime.Device) (*ModelArgs, error) {
	if opts.TileSize != 1 {
		return nil, fmt.Errorf("%w: reorg layout supports only scalar tiles, got tile size %d",
			treebeard.ErrUnsupportedConfig, opts.TileSize)
	}
	args := &ModelArgs{}
	args.Thresholds = b.AppendArg(fn, ir.MemrefOf(ir.Float(opts.ThresholdTypeWidth)))
	args.FeatureIndices = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.FeatureIndexTypeWidth)))
	args.ClassIDs = b.AppendArg(fn, ir.MemrefOf(ir.I8))
	args.ArgOrder = []*ir.Value{args.Thresholds, args.FeatureIndices, args.ClassIDs}

	key := packed.Key{
		TileSize:      1,
		ThresholdBits: opts.ThresholdTypeWidth,
		IndexBits:     opts.FeatureIndexTypeWidth,
	}

	if r.gpu {
		if dev == nil {
			return nil, fmt.Errorf("%w: %s representation without a device", treebeard.ErrUnsupportedConfig, r.Name())
		}
		owned := &deviceOwned{}
		mod.Export(runtime.SymInitThresholds, gpuSimpleInit[float64](dev, owned))
		mod.Export(runtime.SymInitFeatureIndices, gpuSimpleInit[int32](dev, owned))
		mod.Export(runtime.SymInitClassIDs, gpuSimpleInit[int8](dev, owned))
		mod.Export(runtime.SymDeallocBuffers, owned.dealloc)
		return args, nil
	}

	mod.Export(runtime.SymInitThresholds, func() (runtime.Memref[float64], error) {
		perTree, _, err := reorgPerTree(store, key)
		if err != nil {
			return runtime.Memref[float64]{}, err
		}
		return runtime.NewMemref(packed.InterleaveThresholds(perTree)), nil
	})
	mod.Export(runtime.SymInitFeatureIndices, func() (runtime.Memref[int32], error) {
		_, perTree, err := reorgPerTree(store, key)
		if err != nil {
			return runtime.Memref[int32]{}, err
		}
		return runtime.NewMemref(packed.InterleaveFeatureIndices(perTree)), nil
	})
	mod.Export(runtime.SymInitClassIDs, func() (runtime.Memref[int8], error) {
		return runtime.NewMemref(store.InitializeClassIDBuffer()), nil
	})
	mod.Export(runtime.SymDeallocBuffers, func() error { return nil })
	return args, nil
}

// reorgPerTree collects the persisted dense per-tree arrays in tree order.
func reorgPerTree(store *packed.Store, key packed.Key) ([][]float64, [][]int32, error) {
	th := make([][]float64, store.NumTrees())
	fi := make([][]int32, store.NumTrees())
	err := store.ForEachTree(key, func(treeIndex, numTiles int32, thresholds []float64, featureIndices []int32) {
		th[treeIndex] = thresholds
		fi[treeIndex] = featureIndices
	})
	if err != nil {
		return nil, nil, err
	}
	return th, fi, nil
}

func (r *reorgRep) LoweringPatterns(args *ModelArgs, f *forest.Forest, opts treebeard.CompilerOptions) []ir.Pattern {
	common := reorgCommon{args: args, numTrees: int64(f.NumTrees()), pred: f.Predicate()}
	return []ir.Pattern{
		getTreeLowering{},
		classIDLowering{classIDs: args.ClassIDs},
		arrayGetRoot{}, // the root is relative node 0 under reorg indexing too
		reorgIsLeaf{common},
		reorgGetLeafValue{common},
		reorgTraverse{common},
		ensembleConstantErase{},
	}
}

type reorgCommon struct {
	args     *ModelArgs
	numTrees int64
	pred     forest.Predicate
}

// flatOps emits node*numTrees + tree, the interleaved buffer index.
func (c reorgCommon) flatOps(b *ir.Builder, tree, node *ir.Value) ([]*ir.Op, *ir.Value) {
	n := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": c.numTrees})
	mul := b.NewOp(ir.OpMul, []*ir.Value{node, n.Results[0]}, []ir.Type{ir.Index}, nil)
	add := b.NewOp(ir.OpAdd, []*ir.Value{mul.Results[0], tree}, []ir.Type{ir.Index}, nil)
	return []*ir.Op{n, mul, add}, add.Results[0]
}

type reorgIsLeaf struct{ reorgCommon }

func (reorgIsLeaf) Match(op *ir.Op) bool {
	return op.Kind == ir.OpIsLeaf || op.Kind == ir.OpIsLeafTile
}

func (p reorgIsLeaf) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree, node := op.Operands[0], op.Operands[1]
	ops, flat := p.flatOps(b, tree, node)
	fi := b.NewOp(ir.OpLoadTileFeatureIndices, []*ir.Value{p.args.FeatureIndices, flat}, []ir.Type{ir.Index}, nil)
	minusOne := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(-1)})
	eq := b.NewOp(ir.OpCmp, []*ir.Value{fi.Results[0], minusOne.Results[0]}, []ir.Type{ir.Bool},
		map[string]any{"predicate": "eq"})
	ops = append(ops, fi, minusOne, eq)
	return ops, []*ir.Value{eq.Results[0]}, nil
}

type reorgGetLeafValue struct{ reorgCommon }

func (reorgGetLeafValue) Match(op *ir.Op) bool {
	return op.Kind == ir.OpGetLeafValue || op.Kind == ir.OpGetLeafTileValue
}

func (p reorgGetLeafValue) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree, node := op.Operands[0], op.Operands[1]
	ops, flat := p.flatOps(b, tree, node)
	th := b.NewOp(ir.OpLoadTileThresholds, []*ir.Value{p.args.Thresholds, flat}, []ir.Type{ir.F64}, nil)
	ops = append(ops, th)
	return ops, []*ir.Value{th.Results[0]}, nil
}

type reorgTraverse struct{ reorgCommon }

func (reorgTraverse) Match(op *ir.Op) bool { return op.Kind == ir.OpTraverseTreeTile }

func (p reorgTraverse) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree, node, row := op.Operands[0], op.Operands[1], op.Operands[2]
	ops, flat := p.flatOps(b, tree, node)

	fi := b.NewOp(ir.OpLoadTileFeatureIndices, []*ir.Value{p.args.FeatureIndices, flat}, []ir.Type{ir.Index}, nil)
	th := b.NewOp(ir.OpLoadTileThresholds, []*ir.Value{p.args.Thresholds, flat}, []ir.Type{ir.F64}, nil)
	x := b.NewOp(ir.OpLoad, []*ir.Value{row, fi.Results[0]}, []ir.Type{ir.F64}, nil)
	cmp := b.NewOp(ir.OpCmp, []*ir.Value{x.Results[0], th.Results[0]}, []ir.Type{ir.Bool},
		map[string]any{"predicate": predicateAttr(p.pred)})
	zero := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(0)})
	one := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(1)})
	childNum := b.NewOp(ir.OpSelect, []*ir.Value{cmp.Results[0], zero.Results[0], one.Results[0]},
		[]ir.Type{ir.Index}, nil)
	two := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(2)})
	mul := b.NewOp(ir.OpMul, []*ir.Value{node, two.Results[0]}, []ir.Type{ir.Index}, nil)
	plus1 := b.NewOp(ir.OpAdd, []*ir.Value{mul.Results[0], one.Results[0]}, []ir.Type{ir.Index}, nil)
	next := b.NewOp(ir.OpAdd, []*ir.Value{plus1.Results[0], childNum.Results[0]}, []ir.Type{ir.Node}, nil)

	ops = append(ops, fi, th, x, cmp, zero, one, childNum, two, mul, plus1, next)
	return ops, []*ir.Value{next.Results[0]}, nil
}
