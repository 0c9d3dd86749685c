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

// Package representation pairs each physical model layout with the lowering
// strategy that reads it. A representation contributes the entry point's
// model arguments and initializer functions, and the rewrite patterns that
// turn abstract tile ops into loads and address arithmetic for its layout.
package representation

import (
	"fmt"
	"sort"
	"sync"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/ir"
	"github.com/xadupre/treebeard/packed"
	"github.com/xadupre/treebeard/runtime"
)

// ModelArgs binds the argument values a representation appended to the entry
// function. Values not used by a layout are nil. ArgOrder lists the appended
// buffers in entry-argument order; the matching serializer marshals runtime
// memrefs in the same order.
type ModelArgs struct {
	Thresholds     *ir.Value
	FeatureIndices *ir.Value
	TileShapeIDs   *ir.Value
	ChildIndices   *ir.Value
	Offsets        *ir.Value
	Lengths        *ir.Value
	ClassIDs       *ir.Value

	ArgOrder []*ir.Value
}

// Representation is the capability interface a layout family implements.
type Representation interface {
	// Name returns the registry name.
	Name() string

	// GenerateModelGlobals appends the layout's model memref arguments to
	// fn, emits the initializer (and, for device layouts, deallocator)
	// functions into mod, and returns the argument bindings. The forest must
	// already be persisted into store by the matching serializer.
	GenerateModelGlobals(b *ir.Builder, fn *ir.Func, f *forest.Forest, opts treebeard.CompilerOptions, store *packed.Store, mod *runtime.Module, dev *runtime.Device) (*ModelArgs, error)

	// LoweringPatterns returns the conversion patterns that reduce tree and
	// tile ops to loads and arithmetic under this layout's indexing scheme.
	LoweringPatterns(args *ModelArgs, f *forest.Forest, opts treebeard.CompilerOptions) []ir.Pattern
}

// Factory produces a representation.
type Factory func() Representation

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register installs a named representation factory. Layouts self-register
// from init functions; a duplicate name is a programmer error.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("representation %q registered twice", name))
	}
	registry[name] = f
}

// New returns the representation registered under name.
func New(name string) (Representation, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown representation %q (have %v)",
			treebeard.ErrUnsupportedConfig, name, Names())
	}
	return f(), nil
}

// Names lists the registered representations.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// predicateAttr maps the forest predicate onto the cmp attribute the
// backends understand.
func predicateAttr(p forest.Predicate) string {
	switch p {
	case forest.CmpULT:
		return "ult"
	case forest.CmpULE:
		return "ule"
	case forest.CmpUGT:
		return "ugt"
	case forest.CmpUGE:
		return "uge"
	}
	return "ult"
}

// getTreeLowering erases forest.get_tree: after lowering, a tree value is
// its tree index.
type getTreeLowering struct{}

func (getTreeLowering) Match(op *ir.Op) bool { return op.Kind == ir.OpGetTree }

func (getTreeLowering) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	return nil, []*ir.Value{op.Operands[1]}, nil
}

// classIDLowering reads the per-tree class id buffer.
type classIDLowering struct {
	classIDs *ir.Value
}

func (classIDLowering) Match(op *ir.Op) bool { return op.Kind == ir.OpGetTreeClassID }

func (p classIDLowering) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	tree := op.Operands[1]
	load := b.NewOp(ir.OpLoad, []*ir.Value{p.classIDs, tree}, []ir.Type{ir.Index}, nil)
	return []*ir.Op{load}, []*ir.Value{load.Results[0]}, nil
}

// ensembleConstantErase drops the ensemble constant once every consumer has
// been rewritten to direct buffer access.
type ensembleConstantErase struct{}

func (ensembleConstantErase) Match(op *ir.Op) bool { return op.Kind == ir.OpEnsembleConstant }

func (ensembleConstantErase) Rewrite(b *ir.Builder, op *ir.Op) ([]*ir.Op, []*ir.Value, error) {
	// The ensemble value survives only as an operand of get_tree and
	// get_tree_class_id, whose patterns ignore it; replace it with a dead
	// zero constant.
	zero := b.NewOp(ir.OpConstant, nil, []ir.Type{ir.Index}, map[string]any{"value": int64(0)})
	return []*ir.Op{zero}, []*ir.Value{zero.Results[0]}, nil
}
