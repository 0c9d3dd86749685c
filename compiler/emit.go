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
	"math"
	"sync"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/ir"
	"github.com/xadupre/treebeard/runtime"
	"golang.org/x/sync/errgroup"
)

// emit compiles the lowered prediction function into an execution plan of
// closures and exports it under the prediction symbol. The plan is built
// once; every call replays it against a fresh value frame.
func emit(irMod *ir.Module, mod *runtime.Module, opts treebeard.CompilerOptions, dev *runtime.Device) error {
	fn := irMod.Func(ir.RuntimePredictName)
	exec, err := compileFunc(fn, dev)
	if err != nil {
		return err
	}
	mod.Export(runtime.SymPredict, exec)
	return nil
}

// frame maps value ids to their runtime values. Integers, indices and node
// handles are int64; floats are float64; memrefs keep their typed form.
type frame map[int]any

func (fr frame) clone() frame {
	c := make(frame, len(fr))
	for k, v := range fr {
		c[k] = v
	}
	return c
}

type step func(fr frame) error

// blockExec is a compiled block: its steps plus the trailing yield or
// condition terminator the parent op consumes.
type blockExec struct {
	steps []step
	term  *ir.Op
}

func (b *blockExec) run(fr frame) error {
	for _, s := range b.steps {
		if err := s(fr); err != nil {
			return err
		}
	}
	return nil
}

func compileFunc(f *ir.Func, dev *runtime.Device) (func(args []any) error, error) {
	body, err := compileBlock(f.Body, dev)
	if err != nil {
		return nil, err
	}
	argIDs := make([]int, len(f.Args))
	for i, a := range f.Args {
		argIDs[i] = a.ID
	}
	return func(args []any) error {
		if len(args) != len(argIDs) {
			return fmt.Errorf("%w: entry point takes %d arguments, got %d",
				treebeard.ErrRuntimeInit, len(argIDs), len(args))
		}
		fr := make(frame, 64)
		for i, id := range argIDs {
			fr[id] = args[i]
		}
		return body.run(fr)
	}, nil
}

func compileBlock(blk *ir.Block, dev *runtime.Device) (*blockExec, error) {
	out := &blockExec{}
	for i, op := range blk.Ops {
		if (op.Kind == ir.OpYield || op.Kind == ir.OpCondition) && i == len(blk.Ops)-1 {
			out.term = op
			break
		}
		s, err := compileOp(op, dev)
		if err != nil {
			return nil, err
		}
		out.steps = append(out.steps, s)
	}
	return out, nil
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	}
	panic(fmt.Sprintf("expected integer value, got %T", v))
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	panic(fmt.Sprintf("expected float value, got %T", v))
}

func loadElem(mem any, idx int64) (any, error) {
	switch m := mem.(type) {
	case runtime.Memref[float64]:
		return m.At(idx), nil
	case runtime.Memref[int32]:
		return int64(m.At(idx)), nil
	case runtime.Memref[int8]:
		return int64(m.At(idx)), nil
	}
	return nil, fmt.Errorf("%w: load from %T", treebeard.ErrRuntimeInit, mem)
}

func storeElem(mem any, idx int64, v any) error {
	switch m := mem.(type) {
	case runtime.Memref[float64]:
		m.Set(asFloat(v), idx)
	case runtime.Memref[int32]:
		m.Set(int32(asInt(v)), idx)
	case runtime.Memref[int8]:
		m.Set(int8(asInt(v)), idx)
	default:
		return fmt.Errorf("%w: store into %T", treebeard.ErrRuntimeInit, mem)
	}
	return nil
}

func compileOp(op *ir.Op, dev *runtime.Device) (step, error) {
	switch op.Kind {
	case ir.OpConstant:
		id, v := op.Results[0].ID, op.Attrs["value"]
		return func(fr frame) error { fr[id] = v; return nil }, nil

	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv:
		return compileArith(op)

	case ir.OpCmp:
		return compileCmp(op)

	case ir.OpSelect:
		c, a, b, id := op.Operands[0].ID, op.Operands[1].ID, op.Operands[2].ID, op.Results[0].ID
		return func(fr frame) error {
			if fr[c].(bool) {
				fr[id] = fr[a]
			} else {
				fr[id] = fr[b]
			}
			return nil
		}, nil

	case ir.OpCast:
		src, id := op.Operands[0].ID, op.Results[0].ID
		if op.Results[0].Type.Kind == ir.KindFloat {
			return func(fr frame) error { fr[id] = asFloat(fr[src]); return nil }, nil
		}
		return func(fr frame) error { fr[id] = asInt(fr[src]); return nil }, nil

	case ir.OpSigmoid:
		src, id := op.Operands[0].ID, op.Results[0].ID
		return func(fr frame) error {
			fr[id] = 1.0 / (1.0 + math.Exp(-asFloat(fr[src])))
			return nil
		}, nil

	case ir.OpExp:
		src, id := op.Operands[0].ID, op.Results[0].ID
		return func(fr frame) error { fr[id] = math.Exp(asFloat(fr[src])); return nil }, nil

	case ir.OpLoad:
		mem, idx, id := op.Operands[0].ID, op.Operands[1].ID, op.Results[0].ID
		return func(fr frame) error {
			v, err := loadElem(fr[mem], asInt(fr[idx]))
			if err != nil {
				return err
			}
			fr[id] = v
			return nil
		}, nil

	case ir.OpStore:
		val, mem, idx := op.Operands[0].ID, op.Operands[1].ID, op.Operands[2].ID
		return func(fr frame) error {
			return storeElem(fr[mem], asInt(fr[idx]), fr[val])
		}, nil

	case ir.OpRowView:
		mem, row, id := op.Operands[0].ID, op.Operands[1].ID, op.Results[0].ID
		return func(fr frame) error {
			m := fr[mem].(runtime.Memref[float64])
			r := asInt(fr[row])
			fr[id] = runtime.Memref[float64]{
				Data:    m.Data,
				Offset:  m.Offset + r*m.Strides[0],
				Sizes:   []int64{m.Sizes[len(m.Sizes)-1]},
				Strides: []int64{m.Strides[len(m.Strides)-1]},
			}
			return nil
		}, nil

	case ir.OpAlloc:
		n, id := op.Operands[0].ID, op.Results[0].ID
		return func(fr frame) error {
			fr[id] = runtime.NewMemref(make([]float64, asInt(fr[n])))
			return nil
		}, nil

	case ir.OpTileWalk:
		walker := op.Attrs["walker"].(ir.TileWalker)
		operandIDs := operandIDs(op)
		id := op.Results[0].ID
		return func(fr frame) error {
			args := make([]any, len(operandIDs))
			for i, oid := range operandIDs {
				args[i] = fr[oid]
			}
			next, err := walker(args)
			if err != nil {
				return err
			}
			fr[id] = next
			return nil
		}, nil

	case ir.OpFor:
		return compileFor(op, dev)

	case ir.OpWhile:
		return compileWhile(op, dev)

	case ir.OpIf:
		return compileIf(op, dev)

	case ir.OpLaunchKernel:
		return compileLaunch(op, dev)
	}
	return nil, fmt.Errorf("%w: emitter has no lowering for %s", treebeard.ErrLoweringFailure, op.Kind)
}

func operandIDs(op *ir.Op) []int {
	ids := make([]int, len(op.Operands))
	for i, o := range op.Operands {
		ids[i] = o.ID
	}
	return ids
}

func compileArith(op *ir.Op) (step, error) {
	a, b, id := op.Operands[0].ID, op.Operands[1].ID, op.Results[0].ID
	isFloat := op.Results[0].Type.Kind == ir.KindFloat
	kind := op.Kind
	return func(fr frame) error {
		if isFloat {
			x, y := asFloat(fr[a]), asFloat(fr[b])
			switch kind {
			case ir.OpAdd:
				fr[id] = x + y
			case ir.OpSub:
				fr[id] = x - y
			case ir.OpMul:
				fr[id] = x * y
			case ir.OpDiv:
				fr[id] = x / y
			}
			return nil
		}
		x, y := asInt(fr[a]), asInt(fr[b])
		switch kind {
		case ir.OpAdd:
			fr[id] = x + y
		case ir.OpSub:
			fr[id] = x - y
		case ir.OpMul:
			fr[id] = x * y
		case ir.OpDiv:
			fr[id] = x / y
		}
		return nil
	}, nil
}

func compileCmp(op *ir.Op) (step, error) {
	a, b, id := op.Operands[0].ID, op.Operands[1].ID, op.Results[0].ID
	pred := op.Attrs["predicate"].(string)
	return func(fr frame) error {
		switch x := fr[a].(type) {
		case bool:
			y := fr[b].(bool)
			switch pred {
			case "eq":
				fr[id] = x == y
			case "ne":
				fr[id] = x != y
			default:
				return fmt.Errorf("%w: bool compare %q", treebeard.ErrLoweringFailure, pred)
			}
		case int64:
			y := asInt(fr[b])
			switch pred {
			case "eq":
				fr[id] = x == y
			case "ne":
				fr[id] = x != y
			case "slt":
				fr[id] = x < y
			default:
				return fmt.Errorf("%w: int compare %q", treebeard.ErrLoweringFailure, pred)
			}
		case float64:
			y := asFloat(fr[b])
			switch pred {
			case "eq":
				fr[id] = x == y
			case "ne":
				fr[id] = x != y
			case "olt", "ult":
				fr[id] = x < y
			case "ole", "ule":
				fr[id] = x <= y
			case "ogt", "ugt":
				fr[id] = x > y
			case "oge", "uge":
				fr[id] = x >= y
			default:
				return fmt.Errorf("%w: float compare %q", treebeard.ErrLoweringFailure, pred)
			}
		default:
			return fmt.Errorf("%w: compare on %T", treebeard.ErrLoweringFailure, fr[a])
		}
		return nil
	}, nil
}

func compileFor(op *ir.Op, dev *runtime.Device) (step, error) {
	blk := op.Regions[0]
	body, err := compileBlock(blk, dev)
	if err != nil {
		return nil, err
	}
	lb, ub, st := op.Operands[0].ID, op.Operands[1].ID, op.Operands[2].ID
	iterInits := operandIDs(op)[3:]
	iv := blk.Args[0].ID
	iterArgs := make([]int, len(blk.Args)-1)
	for i, a := range blk.Args[1:] {
		iterArgs[i] = a.ID
	}
	resultIDs := make([]int, len(op.Results))
	for i, r := range op.Results {
		resultIDs[i] = r.ID
	}
	parallel := op.IntAttr("parallel")
	isBatch := op.Attrs["batchLoop"] == true

	runIter := func(fr frame, i int64, carried []any) ([]any, error) {
		fr[iv] = i
		for k, a := range iterArgs {
			fr[a] = carried[k]
		}
		if err := body.run(fr); err != nil {
			return nil, err
		}
		next := carried
		if body.term != nil {
			next = make([]any, len(body.term.Operands))
			for k, o := range body.term.Operands {
				next[k] = fr[o.ID]
			}
		}
		return next, nil
	}

	return func(fr frame) error {
		lo, hi, inc := asInt(fr[lb]), asInt(fr[ub]), asInt(fr[st])

		// A batch loop with no loop-carried state shards across cores when
		// the options ask for it; rows only touch their own result slot.
		if isBatch && parallel > 1 && len(iterInits) == 0 {
			var g errgroup.Group
			g.SetLimit(int(parallel))
			chunk := (hi - lo + parallel - 1) / parallel
			for start := lo; start < hi; start += chunk {
				end := start + chunk
				if end > hi {
					end = hi
				}
				sub := fr.clone()
				start, end := start, end
				g.Go(func() error {
					for i := start; i < end; i += inc {
						if _, err := runIter(sub, i, nil); err != nil {
							return err
						}
					}
					return nil
				})
			}
			return g.Wait()
		}

		carried := make([]any, len(iterInits))
		for k, o := range iterInits {
			carried[k] = fr[o]
		}
		for i := lo; i < hi; i += inc {
			var err error
			if carried, err = runIter(fr, i, carried); err != nil {
				return err
			}
		}
		for k, id := range resultIDs {
			fr[id] = carried[k]
		}
		return nil
	}, nil
}

func compileWhile(op *ir.Op, dev *runtime.Device) (step, error) {
	before, err := compileBlock(op.Regions[0], dev)
	if err != nil {
		return nil, err
	}
	after, err := compileBlock(op.Regions[1], dev)
	if err != nil {
		return nil, err
	}
	inits := operandIDs(op)
	beforeArgs := make([]int, len(op.Regions[0].Args))
	for i, a := range op.Regions[0].Args {
		beforeArgs[i] = a.ID
	}
	afterArgs := make([]int, len(op.Regions[1].Args))
	for i, a := range op.Regions[1].Args {
		afterArgs[i] = a.ID
	}
	resultIDs := make([]int, len(op.Results))
	for i, r := range op.Results {
		resultIDs[i] = r.ID
	}

	return func(fr frame) error {
		carried := make([]any, len(inits))
		for i, id := range inits {
			carried[i] = fr[id]
		}
		for {
			for i, a := range beforeArgs {
				fr[a] = carried[i]
			}
			if err := before.run(fr); err != nil {
				return err
			}
			cond := fr[before.term.Operands[0].ID].(bool)
			fwd := make([]any, len(before.term.Operands)-1)
			for i, o := range before.term.Operands[1:] {
				fwd[i] = fr[o.ID]
			}
			if !cond {
				for i, id := range resultIDs {
					fr[id] = fwd[i]
				}
				return nil
			}
			for i, a := range afterArgs {
				fr[a] = fwd[i]
			}
			if err := after.run(fr); err != nil {
				return err
			}
			for i, o := range after.term.Operands {
				carried[i] = fr[o.ID]
			}
		}
	}, nil
}

func compileIf(op *ir.Op, dev *runtime.Device) (step, error) {
	then, err := compileBlock(op.Regions[0], dev)
	if err != nil {
		return nil, err
	}
	els, err := compileBlock(op.Regions[1], dev)
	if err != nil {
		return nil, err
	}
	cond := op.Operands[0].ID
	resultIDs := make([]int, len(op.Results))
	for i, r := range op.Results {
		resultIDs[i] = r.ID
	}
	return func(fr frame) error {
		branch := els
		if fr[cond].(bool) {
			branch = then
		}
		if err := branch.run(fr); err != nil {
			return err
		}
		if branch.term != nil {
			for i, o := range branch.term.Operands {
				fr[resultIDs[i]] = fr[o.ID]
			}
		}
		return nil
	}, nil
}

// compileLaunch compiles a gpu.launch_func op: the kernel body runs across a
// 1-D grid of 32-thread blocks, each in-bounds thread handling one row.
func compileLaunch(op *ir.Op, dev *runtime.Device) (step, error) {
	kernel := op.Attrs["kernel"].(*ir.Func)
	body, err := compileBlock(kernel.Body, dev)
	if err != nil {
		return nil, err
	}
	kernelArgs := make([]int, len(kernel.Args))
	for i, a := range kernel.Args {
		kernelArgs[i] = a.ID
	}
	ids := operandIDs(op)
	lb, ub := ids[0], ids[1]
	freeIDs := ids[3:]
	const threadsPerBlock = 32

	return func(fr frame) error {
		lo, hi := asInt(fr[lb]), asInt(fr[ub])
		n := hi - lo
		blocks := (n + threadsPerBlock - 1) / threadsPerBlock
		if blocks == 0 {
			blocks = 1
		}
		free := make([]any, len(freeIDs))
		for i, id := range freeIDs {
			free[i] = fr[id]
		}

		var mu sync.Mutex
		var kernelErr error
		tok := dev.Launch(
			runtime.Dim3{X: blocks, Y: 1, Z: 1},
			runtime.Dim3{X: threadsPerBlock, Y: 1, Z: 1},
			func(blockIdx, threadIdx runtime.Dim3) {
				row := lo + blockIdx.X*threadsPerBlock + threadIdx.X
				if row >= hi {
					return
				}
				sub := make(frame, 64)
				sub[kernelArgs[0]] = row
				for i, v := range free {
					sub[kernelArgs[i+1]] = v
				}
				if err := body.run(sub); err != nil {
					mu.Lock()
					if kernelErr == nil {
						kernelErr = err
					}
					mu.Unlock()
				}
			},
			dev.NullToken())
		if err := runtime.Wait(tok); err != nil {
			return err
		}
		return kernelErr
	}, nil
}
