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
	"fmt"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/ir"
)

// outlineBatchKernel hoists the body of the batch loop into a GPU kernel
// function. The loop's induction variable becomes the kernel's thread-derived
// row index; every other value the body captures from the host function is
// threaded through as a kernel argument. The host loop is replaced by a
// launch op carrying the loop bounds and the captured values.
func outlineBatchKernel(b *ir.Builder, irMod *ir.Module, fn *ir.Func) (*ir.Func, error) {
	var loop *ir.Op
	for _, op := range fn.Body.Ops {
		if op.Kind == ir.OpFor && op.Attrs["batchLoop"] == true {
			loop = op
			break
		}
	}
	if loop == nil {
		return nil, fmt.Errorf("%w: pass %q: no batch loop to outline",
			treebeard.ErrLoweringFailure, "gpu-kernel-outlining")
	}

	body := loop.Regions[0]
	free := freeValues(body)

	kernel := &ir.Func{Name: fn.Name + "_kernel", Body: body}
	rowArg := b.NewValue(ir.Index)
	kernel.Args = []*ir.Value{rowArg}
	subst := map[*ir.Value]*ir.Value{body.Args[0]: rowArg}
	for _, v := range free {
		arg := b.NewValue(v.Type)
		kernel.Args = append(kernel.Args, arg)
		subst[v] = arg
	}
	body.Args = nil
	substituteValues(body, subst)

	launch := b.NewOp(ir.OpLaunchKernel,
		append(append([]*ir.Value{}, loop.Operands[:3]...), free...),
		nil, map[string]any{"kernel": kernel})
	for i, op := range fn.Body.Ops {
		if op == loop {
			fn.Body.Ops[i] = launch
			break
		}
	}

	irMod.Kernels = append(irMod.Kernels, kernel)
	return kernel, nil
}

// freeValues returns the values a block reads but does not define, in first
// use order.
func freeValues(blk *ir.Block) []*ir.Value {
	defined := map[*ir.Value]bool{}
	var order []*ir.Value
	seen := map[*ir.Value]bool{}

	var collectDefs func(blk *ir.Block)
	collectDefs = func(blk *ir.Block) {
		for _, a := range blk.Args {
			defined[a] = true
		}
		for _, op := range blk.Ops {
			for _, r := range op.Results {
				defined[r] = true
			}
			for _, region := range op.Regions {
				collectDefs(region)
			}
		}
	}
	collectDefs(blk)

	var collectUses func(blk *ir.Block)
	collectUses = func(blk *ir.Block) {
		for _, op := range blk.Ops {
			for _, o := range op.Operands {
				if !defined[o] && !seen[o] {
					seen[o] = true
					order = append(order, o)
				}
			}
			for _, region := range op.Regions {
				collectUses(region)
			}
		}
	}
	collectUses(blk)
	return order
}

// substituteValues rewrites operand references through the map, recursively.
func substituteValues(blk *ir.Block, subst map[*ir.Value]*ir.Value) {
	for _, op := range blk.Ops {
		for i, o := range op.Operands {
			if n, ok := subst[o]; ok {
				op.Operands[i] = n
			}
		}
		for _, region := range op.Regions {
			substituteValues(region, subst)
		}
	}
}
