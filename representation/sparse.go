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
	Register("sparse", func() Representation { return newSparseRep(false) })
	Register("gpu_sparse", func() Representation { return newSparseRep(true) })
}

// sparseRep stores tiles in breadth-first order with an explicit child-index
// field per tile record: move-to-child reads the first-child position and
// adds the taken edge's ordinal. Node values are absolute tile positions in
// the model buffer, so the root of tree t is offsets[t] itself.
type sparseRep struct {
	gpu        bool
	shapeCache *lru.Cache[int64, forest.TileShape]
}

func newSparseRep(gpu bool) *sparseRep {
	cache, _ := lru.New[int64, forest.TileShape](256)
	return &sparseRep{gpu: gpu, shapeCache: cache}
}

func (r *sparseRep) Name() string {
	if r.gpu {
		return "gpu_sparse"
	}
	return "sparse"
}

func (r *sparseRep) decodeShape(shapeID, tileSize int32) forest.TileShape {
	key := int64(tileSize)<<32 | int64(uint32(shapeID))
	if s, ok := r.shapeCache.Get(key); ok {
		return s
	}
	s := forest.DecodeTileShape(shapeID, tileSize)
	r.shapeCache.Add(key, s)
	return s
}

func (r *sparseRep) GenerateModelGlobals(b *ir.Builder, fn *ir.Func, f *forest.Forest, opts treebeard.CompilerOptions, store *packed.Store, mod *runtime.Module, dev *runtime.Device) (*ModelArgs, error) {
	args := &ModelArgs{}
	args.Thresholds = b.AppendArg(fn, ir.MemrefOf(ir.Float(opts.ThresholdTypeWidth)))
	args.FeatureIndices = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.FeatureIndexTypeWidth)))
	args.ArgOrder = []*ir.Value{args.Thresholds, args.FeatureIndices}
	if opts.TileSize > 1 {
		args.TileShapeIDs = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.TileShapeBitWidth)))
		args.ArgOrder = append(args.ArgOrder, args.TileShapeIDs)
	}
	args.ChildIndices = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.ChildIndexBitWidth)))
	args.Offsets = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.NodeIndexTypeWidth)))
	args.Lengths = b.AppendArg(fn, ir.MemrefOf(ir.Int(opts.NodeIndexTypeWidth)))
	args.ClassIDs = b.AppendArg(fn, ir.MemrefOf(ir.I8))
	args.ArgOrder = append(args.ArgOrder, args.ChildIndices, args.Offsets, args.Lengths, args.ClassIDs)

	key := packed.Key{
		TileSize:      opts.TileSize,
		ThresholdBits: opts.ThresholdTypeWidth,
		IndexBits:     opts.FeatureIndexTypeWidth,
	}
	if r.gpu {
		if dev == nil {
			return nil, fmt.Errorf("%w: %s representation without a device", treebeard.ErrUnsupportedConfig, r.Name())
		}
		emitGPUModelInitializers(key, opts, store, mod, dev, true)
	} else {
		emitCPUModelInitializers(key, opts, store, mod, true)
	}
	return args, nil
}

func (r *sparseRep) LoweringPatterns(args *ModelArgs, f *forest.Forest, opts treebeard.CompilerOptions) []ir.Pattern {
	common := sparseCommon{args: args, tileSize: int64(opts.TileSize), pred: f.Predicate()}
	patterns := []ir.Pattern{
		getTreeLowering{},
		classIDLowering{classIDs: args.ClassIDs},
		sparseGetRoot{common},
		sparseIsLeaf{common},
		sparseGetLeafValue{common},
	}
	if opts.TileSize == 1 {
		patterns = append(patterns, sparseTraverseScalar{common})
	} else {
		patterns = append(patterns, sparseTraverseTile{common, r})
	}
	return append(patterns, ensembleConstantErase{})
}

type sparseCommon struct {
	args     *ModelArgs
	tileSize int64
	pred     forest.Predicate
}

func (c sparseCommon) slotBaseOps(b *ir.Builder, node *ir.Value) ([]*ir.Op, *ir.Value) {
	if c.tileSize == 1 {
		return nil, node
	}
	t := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": c.tileSize})
	mul := b.NewOp(ir.OpMul, []*ir.Value{node, t.Results[0]}, []ir.Type{ir.Index}, nil)
	return []*ir.Op{t, mul}, mul.Results[0]
}

// sparseGetRoot loads the tree's starting tile from the offset buffer.
type sparseGetRoot struct{ sparseCommon }

func (sparseGetRoot) Match(op *ir.Op) bool { return op.Kind == ir.OpGetRoot }

func (p sparseGetRoot) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree := op.Operands[0]
	off := b.NewOp(ir.OpLoad, []*ir.Value{p.args.Offsets, tree}, []ir.Type{ir.Node}, nil)
	return []*ir.Op{off}, []*ir.Value{off.Results[0]}, nil
}

type sparseIsLeaf struct{ sparseCommon }

func (sparseIsLeaf) Match(op *ir.Op) bool {
	return op.Kind == ir.OpIsLeaf || op.Kind == ir.OpIsLeafTile
}

func (p sparseIsLeaf) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	node := op.Operands[1]
	ops, base := p.slotBaseOps(b, node)
	fi := b.NewOp(ir.OpLoad, []*ir.Value{p.args.FeatureIndices, base}, []ir.Type{ir.Index}, nil)
	minusOne := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(-1)})
	eq := b.NewOp(ir.OpCmp, []*ir.Value{fi.Results[0], minusOne.Results[0]}, []ir.Type{ir.Bool},
		map[string]any{"predicate": "eq"})
	ops = append(ops, fi, minusOne, eq)
	return ops, []*ir.Value{eq.Results[0]}, nil
}

type sparseGetLeafValue struct{ sparseCommon }

func (sparseGetLeafValue) Match(op *ir.Op) bool {
	return op.Kind == ir.OpGetLeafValue || op.Kind == ir.OpGetLeafTileValue
}

func (p sparseGetLeafValue) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	node := op.Operands[1]
	ops, base := p.slotBaseOps(b, node)
	th := b.NewOp(ir.OpLoad, []*ir.Value{p.args.Thresholds, base}, []ir.Type{ir.F64}, nil)
	ops = append(ops, th)
	return ops, []*ir.Value{th.Results[0]}, nil
}

// sparseTraverseScalar steps to childIndices[node] + childNumber.
type sparseTraverseScalar struct{ sparseCommon }

func (sparseTraverseScalar) Match(op *ir.Op) bool { return op.Kind == ir.OpTraverseTreeTile }

func (p sparseTraverseScalar) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	node, row := op.Operands[1], op.Operands[2]

	fi := b.NewOp(ir.OpLoadTileFeatureIndices, []*ir.Value{p.args.FeatureIndices, node}, []ir.Type{ir.Index}, nil)
	th := b.NewOp(ir.OpLoadTileThresholds, []*ir.Value{p.args.Thresholds, node}, []ir.Type{ir.F64}, nil)
	x := b.NewOp(ir.OpLoad, []*ir.Value{row, fi.Results[0]}, []ir.Type{ir.F64}, nil)
	cmp := b.NewOp(ir.OpCmp, []*ir.Value{x.Results[0], th.Results[0]}, []ir.Type{ir.Bool},
		map[string]any{"predicate": predicateAttr(p.pred)})
	zero := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(0)})
	one := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(1)})
	childNum := b.NewOp(ir.OpSelect, []*ir.Value{cmp.Results[0], zero.Results[0], one.Results[0]},
		[]ir.Type{ir.Index}, nil)
	base := b.NewOp(ir.OpLoadChildIndex, []*ir.Value{p.args.ChildIndices, node}, []ir.Type{ir.Index}, nil)
	next := b.NewOp(ir.OpAdd, []*ir.Value{base.Results[0], childNum.Results[0]}, []ir.Type{ir.Node}, nil)

	return []*ir.Op{fi, th, x, cmp, zero, one, childNum, base, next},
		[]*ir.Value{next.Results[0]}, nil
}

// sparseTraverseTile walks inside a multi-node tile via the shape table and
// steps to childIndices[node] + exit ordinal.
type sparseTraverseTile struct {
	sparseCommon
	rep *sparseRep
}

func (sparseTraverseTile) Match(op *ir.Op) bool { return op.Kind == ir.OpTraverseTreeTile }

func (p sparseTraverseTile) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	node, row := op.Operands[1], op.Operands[2]
	tileSize, pred, rep := p.tileSize, p.pred, p.rep

	walker := func(args []any) (int64, error) {
		node := args[0].(int64)
		row := args[1].(runtime.Memref[float64])
		th := args[2].(runtime.Memref[float64])
		fi := args[3].(runtime.Memref[int32])
		shapes := args[4].(runtime.Memref[int32])
		children := args[5].(runtime.Memref[int32])

		shape := rep.decodeShape(shapes.At(node), int32(tileSize))
		slot := int64(0)
		for {
			feat := int64(fi.At(node*tileSize + slot))
			goLeft := pred.Compare(row.At(feat), th.At(node*tileSize+slot))
			if goLeft {
				if s := shape.LeftSlot[slot]; s >= 0 {
					slot = int64(s)
					continue
				}
				return int64(children.At(node)) + int64(shape.LeftExit[slot]), nil
			}
			if s := shape.RightSlot[slot]; s >= 0 {
				slot = int64(s)
				continue
			}
			return int64(children.At(node)) + int64(shape.RightExit[slot]), nil
		}
	}

	walk := b.NewOp(ir.OpTileWalk,
		[]*ir.Value{node, row, p.args.Thresholds, p.args.FeatureIndices, p.args.TileShapeIDs, p.args.ChildIndices},
		[]ir.Type{ir.Node}, map[string]any{"walker": ir.TileWalker(walker)})
	return []*ir.Op{walk}, []*ir.Value{walk.Results[0]}, nil
}
