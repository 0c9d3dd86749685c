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

import "github.com/xadupre/treebeard/ir"

// tileLoadLowering is the last conversion step: after the representation has
// rewritten every tile access into a load against one of its buffers at a
// computed flat index, the typed tile-load ops reduce to plain memref loads.
type tileLoadLowering struct{}

func (tileLoadLowering) Match(op *ir.Op) bool {
	switch op.Kind {
	case ir.OpLoadTileThresholds, ir.OpLoadTileFeatureIndices, ir.OpLoadTileShapeID, ir.OpLoadChildIndex:
		return true
	}
	return false
}

func (tileLoadLowering) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	load := b.NewOp(ir.OpLoad, op.Operands, []ir.Type{op.Results[0].Type}, nil)
	return []*ir.Op{load}, []*ir.Value{load.Results[0]}, nil
}

// lowerToTarget reconciles the function down to the op set the emitter
// understands: control flow, arithmetic, and memory accesses.
func lowerToTarget(b *ir.Builder, f *ir.Func) error {
	return ir.ApplyPatterns(b, f, "convert-to-target",
		[]ir.Pattern{tileLoadLowering{}},
		[]ir.OpKind{
			ir.OpLoadTileThresholds, ir.OpLoadTileFeatureIndices,
			ir.OpLoadTileShapeID, ir.OpLoadChildIndex,
		})
}
