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

// Package forest holds the in-memory decision forest model: trees stored as
// flat node arenas addressed by integer index, the tiling descriptors that
// color nodes into tiles, and the tiled-tree construction that the physical
// layouts serialize.
package forest

import (
	"fmt"
	"math"
	"sort"
)

// Predicate is the ordered numeric comparison evaluated at every branch node.
// The predicate is a property of the whole forest; mixing predicates within
// one model is not supported.
type Predicate int

const (
	// CmpULT routes a row left when row[feature] < threshold.
	CmpULT Predicate = iota
	// CmpULE routes a row left when row[feature] <= threshold.
	CmpULE
	// CmpUGT routes a row left when row[feature] > threshold.
	CmpUGT
	// CmpUGE routes a row left when row[feature] >= threshold.
	CmpUGE
)

func (p Predicate) String() string {
	switch p {
	case CmpULT:
		return "ULT"
	case CmpULE:
		return "ULE"
	case CmpUGT:
		return "UGT"
	case CmpUGE:
		return "UGE"
	}
	return fmt.Sprintf("Predicate(%d)", int(p))
}

// Compare reports whether the predicate routes x down the left (true) edge.
func (p Predicate) Compare(x, threshold float64) bool {
	switch p {
	case CmpULT:
		return x < threshold
	case CmpULE:
		return x <= threshold
	case CmpUGT:
		return x > threshold
	case CmpUGE:
		return x >= threshold
	}
	return false
}

// Transform is the prediction transformation applied after reduction.
type Transform int

const (
	TransformIdentity Transform = iota
	TransformSigmoid
	TransformSoftmax
)

func (t Transform) String() string {
	switch t {
	case TransformIdentity:
		return "identity"
	case TransformSigmoid:
		return "sigmoid"
	case TransformSoftmax:
		return "softmax"
	}
	return fmt.Sprintf("Transform(%d)", int(t))
}

// Reduction combines per-tree predictions.
type Reduction int

// ReductionSum is the only supported reduction.
const ReductionSum Reduction = 0

// Feature describes one input column.
type Feature struct {
	Name string
	Type string
}

// Forest is an ordered sequence of trees plus the ensemble attributes the
// generated code needs: the input row width, the prediction transformation,
// the reduction, and the class count.
type Forest struct {
	features      []Feature
	trees         []*Tree
	transform     Transform
	reduction     Reduction
	numClasses    int32
	initialOffset float64
	predicate     Predicate
}

// New returns an empty forest.
func New() *Forest {
	return &Forest{reduction: ReductionSum}
}

// AddFeature appends an input feature.
func (f *Forest) AddFeature(name, typ string) {
	f.features = append(f.features, Feature{Name: name, Type: typ})
}

// NumFeatures returns the input row width.
func (f *Forest) NumFeatures() int32 { return int32(len(f.features)) }

// Features returns the declared input features.
func (f *Forest) Features() []Feature { return f.features }

// NewTree appends an empty tree and returns it.
func (f *Forest) NewTree() *Tree {
	t := &Tree{}
	f.trees = append(f.trees, t)
	return t
}

// NumTrees returns the number of trees.
func (f *Forest) NumTrees() int32 { return int32(len(f.trees)) }

// Tree returns the i'th tree.
func (f *Forest) Tree(i int32) *Tree { return f.trees[i] }

// Trees returns the ordered tree list.
func (f *Forest) Trees() []*Tree { return f.trees }

// SetPredictionTransform sets the post-reduction transformation.
func (f *Forest) SetPredictionTransform(t Transform) { f.transform = t }

// PredictionTransform returns the post-reduction transformation.
func (f *Forest) PredictionTransform() Transform { return f.transform }

// SetReduction sets how per-tree predictions combine.
func (f *Forest) SetReduction(r Reduction) { f.reduction = r }

// Reduction returns the configured reduction.
func (f *Forest) Reduction() Reduction { return f.reduction }

// SetNumClasses records the class count; 0 or 1 means the forest is a
// regressor, anything larger a multiclass classifier.
func (f *Forest) SetNumClasses(n int32) { f.numClasses = n }

// NumClasses returns the class count.
func (f *Forest) NumClasses() int32 { return f.numClasses }

// IsMultiClass reports whether the forest is a multiclass classifier.
func (f *Forest) IsMultiClass() bool { return f.numClasses >= 2 }

// SetInitialOffset sets the base value added to every prediction.
func (f *Forest) SetInitialOffset(v float64) { f.initialOffset = v }

// InitialOffset returns the base value.
func (f *Forest) InitialOffset() float64 { return f.initialOffset }

// SetPredicate sets the branch comparison shared by all trees.
func (f *Forest) SetPredicate(p Predicate) { f.predicate = p }

// Predicate returns the branch comparison.
func (f *Forest) Predicate() Predicate { return f.predicate }

// ClassIDs returns the per-tree class ids, one per tree.
func (f *Forest) ClassIDs() []int8 {
	ids := make([]int8, len(f.trees))
	for i, t := range f.trees {
		ids[i] = t.ClassID()
	}
	return ids
}

// MaxDepth returns the depth of the deepest tree.
func (f *Forest) MaxDepth() int32 {
	var d int32
	for _, t := range f.trees {
		if td := t.Depth(); td > d {
			d = td
		}
	}
	return d
}

// SortTreesByDepth reorders trees so depth classes cluster together. The sort
// is stable so trees of equal depth keep their relative order, which keeps
// class-id buffers deterministic.
func (f *Forest) SortTreesByDepth() {
	sort.SliceStable(f.trees, func(i, j int) bool {
		return f.trees[i].Depth() < f.trees[j].Depth()
	})
}

// Predict runs the reference walk over every tree and applies the reduction,
// initial offset and transformation. For multiclass forests the returned
// value is the argmax class index after softmax over per-class sums.
//
// This is the semantic oracle the compiled code is tested against.
func (f *Forest) Predict(row []float64) float64 {
	if f.IsMultiClass() {
		sums := make([]float64, f.numClasses)
		for i := range sums {
			sums[i] = f.initialOffset
		}
		for _, t := range f.trees {
			sums[t.ClassID()] += t.Predict(row, f.predicate)
		}
		probs := softmax(sums)
		best := 0
		for i := 1; i < len(probs); i++ {
			if probs[i] > probs[best] {
				best = i
			}
		}
		return float64(best)
	}

	acc := f.initialOffset
	for _, t := range f.trees {
		acc += t.Predict(row, f.predicate)
	}
	switch f.transform {
	case TransformSigmoid:
		return 1.0 / (1.0 + math.Exp(-acc))
	default:
		return acc
	}
}

func softmax(vals []float64) []float64 {
	max := vals[0]
	for _, v := range vals[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(vals))
	var sum float64
	for i, v := range vals {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Validate runs the structural self-checks on every tree.
func (f *Forest) Validate() error {
	for i, t := range f.trees {
		if err := t.Validate(f.NumFeatures()); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
