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

package ir

import (
	treebeard "github.com/xadupre/treebeard"
	forestpkg "github.com/xadupre/treebeard/forest"
)

// OpRowView carves the i'th input row out of the batch memref.
const OpRowView OpKind = "memref.row_view"

// BuildPrediction constructs the high-level entry point for the forest: a
// batch loop that walks every tree per row, reduces, and applies the
// prediction transformation. The walk ops are still abstract; the lowering
// passes and the chosen representation turn them into loads and arithmetic.
func BuildPrediction(b *Builder, f *forestpkg.Forest, opts treebeard.CompilerOptions) *Module {
	fn := b.NewFunc(RuntimePredictName, []Type{MemrefOf(F64), MemrefOf(F64)}, []Type{})
	fn.Public = true
	inputs, results := fn.Args[0], fn.Args[1]
	body := fn.Body

	ensOp := b.NewOp(OpEnsembleConstant, nil, []Type{Ensemble}, map[string]any{"forest": f})
	body.Ops = append(body.Ops, ensOp)
	ens := ensOp.Results[0]

	zero := b.Constant(body, Index, int64(0))
	one := b.Constant(body, Index, int64(1))
	batch := b.Constant(body, Index, int64(opts.BatchSize))

	// The batch loop; the CPU backend may shard it across cores and the GPU
	// backend outlines its body into a kernel.
	rowLoop := b.NewOp(OpFor, []*Value{zero, batch, one}, nil, map[string]any{
		"batchLoop": true,
		"parallel":  int64(opts.NumberOfCores),
	})
	loopBlk := &Block{Args: []*Value{b.NewValue(Index)}}
	rowLoop.Regions = []*Block{loopBlk}
	body.Ops = append(body.Ops, rowLoop)
	row := loopBlk.Args[0]

	rowViewOp := b.NewOp(OpRowView, []*Value{inputs, row}, []Type{MemrefOf(F64)}, nil)
	loopBlk.Ops = append(loopBlk.Ops, rowViewOp)
	rowView := rowViewOp.Results[0]

	if f.IsMultiClass() {
		buildMulticlassBody(b, loopBlk, f, opts, ens, rowView, results, row)
	} else {
		buildRegressorBody(b, loopBlk, f, opts, ens, rowView, results, row)
	}
	loopBlk.Ops = append(loopBlk.Ops, b.NewOp(OpYield, nil, nil, nil))

	return &Module{Funcs: []*Func{fn}}
}

// RuntimePredictName is the exported name of the generated entry point.
const RuntimePredictName = "Prediction_Function"

func (b *Builder) walkOp(blk *Block, opts treebeard.CompilerOptions, tree, row *Value) *Value {
	if opts.PipelineSize > 0 {
		op := b.NewOp(OpWalkDecisionTreePeeled, []*Value{tree, row}, []Type{F64},
			map[string]any{"iterationsToPeel": int64(opts.PipelineSize)})
		blk.Ops = append(blk.Ops, op)
		return op.Results[0]
	}
	op := b.NewOp(OpWalkDecisionTree, []*Value{tree, row}, []Type{F64}, nil)
	blk.Ops = append(blk.Ops, op)
	return op.Results[0]
}

func buildRegressorBody(b *Builder, blk *Block, f *forestpkg.Forest, opts treebeard.CompilerOptions, ens, row, results, rowIdx *Value) {
	zero := b.Constant(blk, Index, int64(0))
	one := b.Constant(blk, Index, int64(1))
	numTrees := b.Constant(blk, Index, int64(f.NumTrees()))
	initial := b.Constant(blk, F64, f.InitialOffset())

	treeLoop := b.NewOp(OpFor, []*Value{zero, numTrees, one, initial}, []Type{F64}, nil)
	treeBlk := &Block{Args: []*Value{b.NewValue(Index), b.NewValue(F64)}}
	treeLoop.Regions = []*Block{treeBlk}
	blk.Ops = append(blk.Ops, treeLoop)

	t, acc := treeBlk.Args[0], treeBlk.Args[1]
	getTree := b.NewOp(OpGetTree, []*Value{ens, t}, []Type{Tree}, nil)
	treeBlk.Ops = append(treeBlk.Ops, getTree)
	pred := b.walkOp(treeBlk, opts, getTree.Results[0], row)
	sum := b.NewOp(OpAdd, []*Value{acc, pred}, []Type{F64}, nil)
	treeBlk.Ops = append(treeBlk.Ops, sum)
	treeBlk.Ops = append(treeBlk.Ops, b.NewOp(OpYield, []*Value{sum.Results[0]}, nil, nil))

	out := treeLoop.Results[0]
	if f.PredictionTransform() == forestpkg.TransformSigmoid {
		sig := b.NewOp(OpSigmoid, []*Value{out}, []Type{F64}, nil)
		blk.Ops = append(blk.Ops, sig)
		out = sig.Results[0]
	}
	blk.Ops = append(blk.Ops, b.NewOp(OpStore, []*Value{out, results, rowIdx}, nil, nil))
}

func buildMulticlassBody(b *Builder, blk *Block, f *forestpkg.Forest, opts treebeard.CompilerOptions, ens, row, results, rowIdx *Value) {
	zero := b.Constant(blk, Index, int64(0))
	one := b.Constant(blk, Index, int64(1))
	numTrees := b.Constant(blk, Index, int64(f.NumTrees()))
	numClasses := b.Constant(blk, Index, int64(f.NumClasses()))
	initial := b.Constant(blk, F64, f.InitialOffset())

	sums := b.NewOp(OpAlloc, []*Value{numClasses}, []Type{MemrefOf(F64)}, nil)
	blk.Ops = append(blk.Ops, sums)
	sumsBuf := sums.Results[0]

	// Seed every class with the initial offset.
	seed := b.NewOp(OpFor, []*Value{zero, numClasses, one}, nil, nil)
	seedBlk := &Block{Args: []*Value{b.NewValue(Index)}}
	seed.Regions = []*Block{seedBlk}
	seedBlk.Ops = append(seedBlk.Ops,
		b.NewOp(OpStore, []*Value{initial, sumsBuf, seedBlk.Args[0]}, nil, nil),
		b.NewOp(OpYield, nil, nil, nil))
	blk.Ops = append(blk.Ops, seed)

	// Accumulate every tree into its class slot.
	treeLoop := b.NewOp(OpFor, []*Value{zero, numTrees, one}, nil, nil)
	treeBlk := &Block{Args: []*Value{b.NewValue(Index)}}
	treeLoop.Regions = []*Block{treeBlk}
	blk.Ops = append(blk.Ops, treeLoop)
	t := treeBlk.Args[0]
	getTree := b.NewOp(OpGetTree, []*Value{ens, t}, []Type{Tree}, nil)
	treeBlk.Ops = append(treeBlk.Ops, getTree)
	pred := b.walkOp(treeBlk, opts, getTree.Results[0], row)
	classID := b.NewOp(OpGetTreeClassID, []*Value{ens, t}, []Type{Index}, nil)
	treeBlk.Ops = append(treeBlk.Ops, classID)
	old := b.NewOp(OpLoad, []*Value{sumsBuf, classID.Results[0]}, []Type{F64}, nil)
	treeBlk.Ops = append(treeBlk.Ops, old)
	add := b.NewOp(OpAdd, []*Value{old.Results[0], pred}, []Type{F64}, nil)
	treeBlk.Ops = append(treeBlk.Ops, add)
	treeBlk.Ops = append(treeBlk.Ops,
		b.NewOp(OpStore, []*Value{add.Results[0], sumsBuf, classID.Results[0]}, nil, nil),
		b.NewOp(OpYield, nil, nil, nil))

	// Softmax over the class sums, then argmax. The exp is emitted so the
	// generated code matches the declared transformation even though the
	// argmax is invariant under it.
	expSum := b.NewOp(OpFor, []*Value{zero, numClasses, one, b.Constant(blk, F64, 0.0)}, []Type{F64}, nil)
	expBlk := &Block{Args: []*Value{b.NewValue(Index), b.NewValue(F64)}}
	expSum.Regions = []*Block{expBlk}
	blk.Ops = append(blk.Ops, expSum)
	v := b.NewOp(OpLoad, []*Value{sumsBuf, expBlk.Args[0]}, []Type{F64}, nil)
	expBlk.Ops = append(expBlk.Ops, v)
	e := b.NewOp(OpExp, []*Value{v.Results[0]}, []Type{F64}, nil)
	expBlk.Ops = append(expBlk.Ops, e)
	es := b.NewOp(OpStore, []*Value{e.Results[0], sumsBuf, expBlk.Args[0]}, nil, nil)
	expBlk.Ops = append(expBlk.Ops, es)
	tot := b.NewOp(OpAdd, []*Value{expBlk.Args[1], e.Results[0]}, []Type{F64}, nil)
	expBlk.Ops = append(expBlk.Ops, tot)
	expBlk.Ops = append(expBlk.Ops, b.NewOp(OpYield, []*Value{tot.Results[0]}, nil, nil))
	total := expSum.Results[0]

	argmax := b.NewOp(OpFor,
		[]*Value{zero, numClasses, one, b.Constant(blk, Index, int64(0)), b.Constant(blk, F64, 0.0)},
		[]Type{Index, F64}, nil)
	amBlk := &Block{Args: []*Value{b.NewValue(Index), b.NewValue(Index), b.NewValue(F64)}}
	argmax.Regions = []*Block{amBlk}
	blk.Ops = append(blk.Ops, argmax)
	c, best, bestVal := amBlk.Args[0], amBlk.Args[1], amBlk.Args[2]
	raw := b.NewOp(OpLoad, []*Value{sumsBuf, c}, []Type{F64}, nil)
	amBlk.Ops = append(amBlk.Ops, raw)
	prob := b.NewOp(OpDiv, []*Value{raw.Results[0], total}, []Type{F64}, nil)
	amBlk.Ops = append(amBlk.Ops, prob)
	gt := b.NewOp(OpCmp, []*Value{prob.Results[0], bestVal}, []Type{Bool}, map[string]any{"predicate": "ogt"})
	amBlk.Ops = append(amBlk.Ops, gt)
	selIdx := b.NewOp(OpSelect, []*Value{gt.Results[0], c, best}, []Type{Index}, nil)
	amBlk.Ops = append(amBlk.Ops, selIdx)
	selVal := b.NewOp(OpSelect, []*Value{gt.Results[0], prob.Results[0], bestVal}, []Type{F64}, nil)
	amBlk.Ops = append(amBlk.Ops, selVal)
	amBlk.Ops = append(amBlk.Ops, b.NewOp(OpYield, []*Value{selIdx.Results[0], selVal.Results[0]}, nil, nil))

	asFloat := b.NewOp(OpCast, []*Value{argmax.Results[0]}, []Type{F64}, nil)
	blk.Ops = append(blk.Ops, asFloat)
	blk.Ops = append(blk.Ops, b.NewOp(OpStore, []*Value{asFloat.Results[0], results, rowIdx}, nil, nil))
}
