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

// walkLowering reduces forest.walk_decision_tree to its loop form:
//
//	node = GetRoot(tree)
//	while !IsLeaf(tree, node) { node = TraverseTreeTile(tree, node, row) }
//	return GetLeafValue(tree, node)
type walkLowering struct{}

func (walkLowering) Match(op *Op) bool { return op.Kind == OpWalkDecisionTree }

func (walkLowering) Rewrite(b *Builder, op *Op) ([]*Op, []*Value, error) {
	tree, row := op.Operands[0], op.Operands[1]

	root := b.NewOp(OpGetRoot, []*Value{tree}, []Type{Node}, nil)
	while := buildWalkLoop(b, tree, row, root.Results[0])
	leaf := b.NewOp(OpGetLeafValue, []*Value{tree, while.Results[0]}, []Type{F64}, nil)

	return []*Op{root, while, leaf}, []*Value{leaf.Results[0]}, nil
}

// buildWalkLoop emits the while loop shared by both walk forms: the before
// region tests IsLeaf against false and forwards the node; the after region
// traverses one tile.
func buildWalkLoop(b *Builder, tree, row, init *Value) *Op {
	while := b.NewOp(OpWhile, []*Value{init}, []Type{Node}, nil)

	before := &Block{Args: []*Value{b.NewValue(Node)}}
	node := before.Args[0]
	isLeaf := b.NewOp(OpIsLeaf, []*Value{tree, node}, []Type{Bool}, nil)
	falseConst := b.NewOp(OpConstant, nil, []Type{Bool}, map[string]any{"value": false})
	eq := b.NewOp(OpCmp, []*Value{isLeaf.Results[0], falseConst.Results[0]}, []Type{Bool},
		map[string]any{"predicate": "eq"})
	cond := b.NewOp(OpCondition, []*Value{eq.Results[0], node}, nil, nil)
	before.Ops = []*Op{isLeaf, falseConst, eq, cond}

	after := &Block{Args: []*Value{b.NewValue(Node)}}
	traverse := b.NewOp(OpTraverseTreeTile, []*Value{tree, after.Args[0], row}, []Type{Node}, nil)
	after.Ops = []*Op{traverse, b.NewOp(OpYield, []*Value{traverse.Results[0]}, nil, nil)}

	while.Regions = []*Block{before, after}
	return while
}

// walkPeeledLowering reduces forest.walk_decision_tree_peeled: the first K
// iterations are unrolled, each guarded by an IsLeafTile early exit feeding
// a nested if-else chain; the surviving path enters the plain while form.
// For trees terminating within K tiles both forms are identical.
type walkPeeledLowering struct{}

func (walkPeeledLowering) Match(op *Op) bool { return op.Kind == OpWalkDecisionTreePeeled }

func (walkPeeledLowering) Rewrite(b *Builder, op *Op) ([]*Op, []*Value, error) {
	tree, row := op.Operands[0], op.Operands[1]
	k := op.IntAttr("iterationsToPeel")

	root := b.NewOp(OpGetRoot, []*Value{tree}, []Type{Node}, nil)
	ops := []*Op{root}

	var emit func(blk *Block, node *Value, remaining int64) *Value
	emit = func(blk *Block, node *Value, remaining int64) *Value {
		traverse := b.NewOp(OpTraverseTreeTile, []*Value{tree, node, row}, []Type{Node}, nil)
		isLeaf := b.NewOp(OpIsLeafTile, []*Value{tree, traverse.Results[0]}, []Type{Bool}, nil)
		ifOp := b.NewOp(OpIf, []*Value{isLeaf.Results[0]}, []Type{F64}, nil)

		then := &Block{}
		leafVal := b.NewOp(OpGetLeafTileValue, []*Value{tree, traverse.Results[0]}, []Type{F64}, nil)
		then.Ops = []*Op{leafVal, b.NewOp(OpYield, []*Value{leafVal.Results[0]}, nil, nil)}

		els := &Block{}
		if remaining > 1 {
			inner := emit(els, traverse.Results[0], remaining-1)
			els.Ops = append(els.Ops, b.NewOp(OpYield, []*Value{inner}, nil, nil))
		} else {
			while := buildWalkLoop(b, tree, row, traverse.Results[0])
			leaf := b.NewOp(OpGetLeafValue, []*Value{tree, while.Results[0]}, []Type{F64}, nil)
			els.Ops = append(els.Ops, while, leaf,
				b.NewOp(OpYield, []*Value{leaf.Results[0]}, nil, nil))
		}

		ifOp.Regions = []*Block{then, els}
		blk.Ops = append(blk.Ops, traverse, isLeaf, ifOp)
		return ifOp.Results[0]
	}

	// The top-level chain lands in the replacement op list; everything
	// deeper nests inside else regions.
	top := &Block{}
	result := emit(top, root.Results[0], k)
	ops = append(ops, top.Ops...)

	return ops, []*Value{result}, nil
}

// LowerWalks runs the walk-lowering pass over fn.
func LowerWalks(b *Builder, fn *Func) error {
	return ApplyPatterns(b, fn, "lower-walk-decision-tree",
		[]Pattern{walkLowering{}, walkPeeledLowering{}},
		[]OpKind{OpWalkDecisionTree, OpWalkDecisionTreePeeled})
}
