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
	"strings"
	"testing"
)

func walkFunc(b *Builder, peel int64) *Func {
	fn := b.NewFunc("walk", []Type{Tree, MemrefOf(F64)}, []Type{F64})
	tree, row := fn.Args[0], fn.Args[1]
	var op *Op
	if peel > 0 {
		op = b.NewOp(OpWalkDecisionTreePeeled, []*Value{tree, row}, []Type{F64},
			map[string]any{"iterationsToPeel": peel})
	} else {
		op = b.NewOp(OpWalkDecisionTree, []*Value{tree, row}, []Type{F64}, nil)
	}
	fn.Body.Ops = append(fn.Body.Ops, op)
	return fn
}

func TestWalkLoweringShape(t *testing.T) {
	b := &Builder{}
	fn := walkFunc(b, 0)
	if err := LowerWalks(b, fn); err != nil {
		t.Fatalf("LowerWalks: %v", err)
	}
	for kind, want := range map[OpKind]int{
		OpWhile:            1,
		OpTraverseTreeTile: 1,
		OpIsLeaf:           1,
		OpGetLeafValue:     1,
		OpGetRoot:          1,
		OpIsLeafTile:       0,
	} {
		if got := CountOps(fn.Body, kind); got != want {
			t.Errorf("CountOps(%s) = %d, want %d\n%s", kind, got, want, fn.Dump())
		}
	}
}

// TestPeeledLoweringShape checks the peel-2 emission: exactly two
// TraverseTreeTile/IsLeafTile guards ahead of a single while loop.
func TestPeeledLoweringShape(t *testing.T) {
	b := &Builder{}
	fn := walkFunc(b, 2)
	if err := LowerWalks(b, fn); err != nil {
		t.Fatalf("LowerWalks: %v", err)
	}
	for kind, want := range map[OpKind]int{
		OpIsLeafTile:       2,
		OpGetLeafTileValue: 2,
		OpIf:               2,
		OpWhile:            1,
		// Two peeled traversals plus the one inside the surviving loop.
		OpTraverseTreeTile: 3,
	} {
		if got := CountOps(fn.Body, kind); got != want {
			t.Errorf("CountOps(%s) = %d, want %d\n%s", kind, got, want, fn.Dump())
		}
	}
	// The guards precede the while loop: the top-level op list carries the
	// first traversal and if, with the loop nested in the innermost else.
	var kinds []string
	for _, op := range fn.Body.Ops {
		kinds = append(kinds, string(op.Kind))
	}
	joined := strings.Join(kinds, " ")
	if !strings.Contains(joined, string(OpTraverseTreeTile)) || !strings.Contains(joined, string(OpIf)) {
		t.Errorf("top-level ops = %v", kinds)
	}
	if CountOps(&Block{Ops: fn.Body.Ops[:len(fn.Body.Ops)]}, OpWhile) != 1 {
		t.Errorf("while loop missing from lowered body")
	}
}

func TestRewriteDriverConvergence(t *testing.T) {
	b := &Builder{}
	fn := walkFunc(b, 4)
	if err := LowerWalks(b, fn); err != nil {
		t.Fatalf("LowerWalks: %v", err)
	}
	if got := CountOps(fn.Body, OpWalkDecisionTreePeeled); got != 0 {
		t.Errorf("%d unlowered peeled walks remain", got)
	}
}
