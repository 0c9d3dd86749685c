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

package forest

import "k8s.io/klog/v2"

type builderState int

const (
	builderEmpty builderState = iota
	builderInTree
	builderBetweenTrees
	builderSealed
)

// Builder assembles a forest one tree at a time. Calls outside the legal
// state sequence (empty → in-tree → between-trees → sealed) are programmer
// errors and abort the process; importers drive the builder mechanically and
// must never produce them.
type Builder struct {
	forest *Forest
	cur    *Tree
	state  builderState
}

// NewBuilder returns a builder over a fresh forest.
func NewBuilder() *Builder {
	return &Builder{forest: New()}
}

// Forest returns the forest under construction; after Seal, the finished one.
func (b *Builder) Forest() *Forest { return b.forest }

// AddFeature declares an input feature. Only legal before Seal.
func (b *Builder) AddFeature(name, typ string) {
	if b.state == builderSealed {
		klog.Fatalf("forest builder: AddFeature after Seal")
	}
	b.forest.AddFeature(name, typ)
}

// NewTree opens a new tree.
func (b *Builder) NewTree() {
	if b.state != builderEmpty && b.state != builderBetweenTrees {
		klog.Fatalf("forest builder: NewTree in state %d", b.state)
	}
	b.cur = b.forest.NewTree()
	b.state = builderInTree
}

// NewNode appends a node to the open tree and returns its handle.
func (b *Builder) NewNode(threshold float64, featureIndex int32) int32 {
	if b.state != builderInTree {
		klog.Fatalf("forest builder: NewNode outside a tree")
	}
	return b.cur.NewNode(threshold, featureIndex)
}

// SetNodeLeftChild wires a left edge in the open tree.
func (b *Builder) SetNodeLeftChild(node, child int32) {
	if b.state != builderInTree {
		klog.Fatalf("forest builder: SetNodeLeftChild outside a tree")
	}
	b.cur.SetNodeLeftChild(node, child)
}

// SetNodeRightChild wires a right edge in the open tree.
func (b *Builder) SetNodeRightChild(node, child int32) {
	if b.state != builderInTree {
		klog.Fatalf("forest builder: SetNodeRightChild outside a tree")
	}
	b.cur.SetNodeRightChild(node, child)
}

// SetNodeParent wires a parent edge in the open tree.
func (b *Builder) SetNodeParent(node, parent int32) {
	if b.state != builderInTree {
		klog.Fatalf("forest builder: SetNodeParent outside a tree")
	}
	b.cur.SetNodeParent(node, parent)
}

// SetTreeClassID records the open tree's class (multiclass only).
func (b *Builder) SetTreeClassID(id int8) {
	if b.state != builderInTree {
		klog.Fatalf("forest builder: SetTreeClassID outside a tree")
	}
	b.cur.SetClassID(id)
}

// EndTree closes the open tree.
func (b *Builder) EndTree() {
	if b.state != builderInTree {
		klog.Fatalf("forest builder: EndTree outside a tree")
	}
	b.cur = nil
	b.state = builderBetweenTrees
}

// Seal finishes construction and runs the forest self-checks.
func (b *Builder) Seal() (*Forest, error) {
	if b.state == builderInTree {
		klog.Fatalf("forest builder: Seal inside a tree")
	}
	b.state = builderSealed
	if err := b.forest.Validate(); err != nil {
		return nil, err
	}
	return b.forest, nil
}
