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
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/ir"
	"github.com/xadupre/treebeard/runtime"
)

func (r *arrayRep) LoweringPatterns(args *ModelArgs, f *forest.Forest, opts treebeard.CompilerOptions) []ir.Pattern {
	common := arrayCommon{args: args, tileSize: int64(opts.TileSize), pred: f.Predicate()}
	patterns := []ir.Pattern{
		getTreeLowering{},
		classIDLowering{classIDs: args.ClassIDs},
		arrayGetRoot{},
		arrayIsLeaf{common},
		arrayGetLeafValue{common},
	}
	if opts.TileSize == 1 {
		patterns = append(patterns, arrayTraverseScalar{common})
	} else {
		patterns = append(patterns, arrayTraverseTile{common, r})
	}
	return append(patterns, ensembleConstantErase{})
}

type arrayCommon struct {
	args     *ModelArgs
	tileSize int64
	pred     forest.Predicate
}

// absTileOps emits offsets[tree] + node, the absolute tile index of a
// relative node value.
func (c arrayCommon) absTileOps(b *ir.Builder, tree, node *ir.Value) ([]*ir.Op, *ir.Value) {
	off := b.NewOp(ir.OpLoad, []*ir.Value{c.args.Offsets, tree}, []ir.Type{ir.Index}, nil)
	abs := b.NewOp(ir.OpAdd, []*ir.Value{off.Results[0], node}, []ir.Type{ir.Index}, nil)
	return []*ir.Op{off, abs}, abs.Results[0]
}

// slotBaseOps emits abs*T, the flat index of the tile's first node slot in
// the per-node threshold and feature buffers.
func (c arrayCommon) slotBaseOps(b *ir.Builder, abs *ir.Value) ([]*ir.Op, *ir.Value) {
	if c.tileSize == 1 {
		return nil, abs
	}
	t := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": c.tileSize})
	mul := b.NewOp(ir.OpMul, []*ir.Value{abs, t.Results[0]}, []ir.Type{ir.Index}, nil)
	return []*ir.Op{t, mul}, mul.Results[0]
}

// arrayGetRoot lowers GetRoot to the relative tile index 0.
type arrayGetRoot struct{}

func (arrayGetRoot) Match(op *ir.Op) bool { return op.Kind == ir.OpGetRoot }

func (arrayGetRoot) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	zero := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Node}, map[string]any{"value": int64(0)})
	return []*ir.Op{zero}, []*ir.Value{zero.Results[0]}, nil
}

// arrayIsLeaf lowers IsLeaf and IsLeafTile: the feature index of the tile's
// first slot equals the leaf sentinel.
type arrayIsLeaf struct{ arrayCommon }

func (arrayIsLeaf) Match(op *ir.Op) bool {
	return op.Kind == ir.OpIsLeaf || op.Kind == ir.OpIsLeafTile
}

func (p arrayIsLeaf) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree, node := op.Operands[0], op.Operands[1]
	ops, abs := p.absTileOps(b, tree, node)
	baseOps, base := p.slotBaseOps(b, abs)
	ops = append(ops, baseOps...)
	fi := b.NewOp(ir.OpLoad, []*ir.Value{p.args.FeatureIndices, base}, []ir.Type{ir.Index}, nil)
	minusOne := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(-1)})
	eq := b.NewOp(ir.OpCmp, []*ir.Value{fi.Results[0], minusOne.Results[0]}, []ir.Type{ir.Bool},
		map[string]any{"predicate": "eq"})
	ops = append(ops, fi, minusOne, eq)
	return ops, []*ir.Value{eq.Results[0]}, nil
}

// arrayGetLeafValue lowers GetLeafValue and GetLeafTileValue: the threshold
// of the tile's first slot is the leaf value.
type arrayGetLeafValue struct{ arrayCommon }

func (arrayGetLeafValue) Match(op *ir.Op) bool {
	return op.Kind == ir.OpGetLeafValue || op.Kind == ir.OpGetLeafTileValue
}

func (p arrayGetLeafValue) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree, node := op.Operands[0], op.Operands[1]
	ops, abs := p.absTileOps(b, tree, node)
	baseOps, base := p.slotBaseOps(b, abs)
	ops = append(ops, baseOps...)
	th := b.NewOp(ir.OpLoad, []*ir.Value{p.args.Thresholds, base}, []ir.Type{ir.F64}, nil)
	ops = append(ops, th)
	return ops, []*ir.Value{th.Results[0]}, nil
}

// arrayTraverseScalar lowers TraverseTreeTile for tile size 1: compare the
// row feature against the node threshold and step to child 2*node+1+c.
type arrayTraverseScalar struct{ arrayCommon }

func (arrayTraverseScalar) Match(op *ir.Op) bool { return op.Kind == ir.OpTraverseTreeTile }

func (p arrayTraverseScalar) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree, node, row := op.Operands[0], op.Operands[1], op.Operands[2]
	ops, abs := p.absTileOps(b, tree, node)

	fi := b.NewOp(ir.OpLoadTileFeatureIndices, []*ir.Value{p.args.FeatureIndices, abs}, []ir.Type{ir.Index}, nil)
	th := b.NewOp(ir.OpLoadTileThresholds, []*ir.Value{p.args.Thresholds, abs}, []ir.Type{ir.F64}, nil)
	x := b.NewOp(ir.OpLoad, []*ir.Value{row, fi.Results[0]}, []ir.Type{ir.F64}, nil)
	cmp := b.NewOp(ir.OpCmp, []*ir.Value{x.Results[0], th.Results[0]}, []ir.Type{ir.Bool},
		map[string]any{"predicate": predicateAttr(p.pred)})
	zero := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(0)})
	one := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(1)})
	childNum := b.NewOp(ir.OpSelect, []*ir.Value{cmp.Results[0], zero.Results[0], one.Results[0]},
		[]ir.Type{ir.Index}, nil)
	two := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": p.tileSize + 1})
	mul := b.NewOp(ir.OpMul, []*ir.Value{node, two.Results[0]}, []ir.Type{ir.Index}, nil)
	plus1 := b.NewOp(ir.OpAdd, []*ir.Value{mul.Results[0], one.Results[0]}, []ir.Type{ir.Index}, nil)
	next := b.NewOp(ir.OpAdd, []*ir.Value{plus1.Results[0], childNum.Results[0]}, []ir.Type{ir.Node}, nil)

	ops = append(ops, fi, th, x, cmp, zero, one, childNum, two, mul, plus1, next)
	return ops, []*ir.Value{next.Results[0]}, nil
}

// arrayTraverseTile lowers TraverseTreeTile for tile size > 1 into the
// layout's tile walker: the walker decodes the tile's shape id, runs the
// in-tile comparisons, and returns the implicit-heap child for the taken
// outgoing edge.
type arrayTraverseTile struct {
	arrayCommon
	rep *arrayRep
}

func (arrayTraverseTile) Match(op *ir.Op) bool { return op.Kind == ir.OpTraverseTreeTile }

func (p arrayTraverseTile) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree, node, row := op.Operands[0], op.Operands[1], op.Operands[2]
	tileSize, pred, rep := p.tileSize, p.pred, p.rep

	walker := func(args []any) (int64, error) {
		t := args[0].(int64)
		node := args[1].(int64)
		row := args[2].(runtime.Memref[float64])
		th := args[3].(runtime.Memref[float64])
		fi := args[4].(runtime.Memref[int32])
		shapes := args[5].(runtime.Memref[int32])
		offs := args[6].(runtime.Memref[int32])

		abs := int64(offs.At(t)) + node
		shape := rep.decodeShape(shapes.At(abs), int32(tileSize))
		slot := int64(0)
		for {
			feat := int64(fi.At(abs*tileSize + slot))
			goLeft := pred.Compare(row.At(feat), th.At(abs*tileSize+slot))
			if goLeft {
				if s := shape.LeftSlot[slot]; s >= 0 {
					slot = int64(s)
					continue
				}
				return node*(tileSize+1) + 1 + int64(shape.LeftExit[slot]), nil
			}
			if s := shape.RightSlot[slot]; s >= 0 {
				slot = int64(s)
				continue
			}
			return node*(tileSize+1) + 1 + int64(shape.RightExit[slot]), nil
		}
	}

	walk := b.NewOp(ir.OpTileWalk,
		[]*ir.Value{tree, node, row, p.args.Thresholds, p.args.FeatureIndices, p.args.TileShapeIDs, p.args.Offsets},
		[]ir.Type{ir.Node}, map[string]any{"walker": ir.TileWalker(walker)})
	return []*ir.Op{walk}, []*ir.Value{walk.Results[0]}, nil
}
