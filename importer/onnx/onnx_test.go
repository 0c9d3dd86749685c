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

package onnx

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/packed"
	"google.golang.org/protobuf/encoding/protowire"
)

// attribute wire-encodes an AttributeProto with one populated field class.
type attribute struct {
	name   string
	f      *float32
	i      *int64
	floats []float32
	ints   []int64
	strs   []string
}

func (a attribute) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, attrNameField, protowire.BytesType)
	b = protowire.AppendString(b, a.name)
	if a.f != nil {
		b = protowire.AppendTag(b, attrFloatField, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*a.f))
	}
	if a.i != nil {
		b = protowire.AppendTag(b, attrIntField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*a.i))
	}
	if len(a.floats) > 0 {
		var packed []byte
		for _, v := range a.floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, attrFloatsField, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(a.ints) > 0 {
		var packed []byte
		for _, v := range a.ints {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, attrIntsField, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	for _, s := range a.strs {
		b = protowire.AppendTag(b, attrStringsField, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func marshalModel(opType string, attrs []attribute) []byte {
	var node []byte
	node = protowire.AppendTag(node, nodeOpTypeField, protowire.BytesType)
	node = protowire.AppendString(node, opType)
	for _, a := range attrs {
		node = protowire.AppendTag(node, nodeAttributeField, protowire.BytesType)
		node = protowire.AppendBytes(node, a.marshal())
	}
	var graph []byte
	graph = protowire.AppendTag(graph, graphNodeField, protowire.BytesType)
	graph = protowire.AppendBytes(graph, node)
	var model []byte
	model = protowire.AppendTag(model, modelGraphField, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	return model
}

// leqRegressor is a single BRANCH_LEQ tree: root[f=0, 0.5] with target
// weights 1.0 (true edge) and 2.0 (false edge).
func leqRegressor() []byte {
	return marshalModel("TreeEnsembleRegressor", []attribute{
		{name: "base_values", floats: []float32{0}},
		{name: "post_transform", strs: []string{"NONE"}},
		{name: "nodes_treeids", ints: []int64{0, 0, 0}},
		{name: "nodes_nodeids", ints: []int64{0, 1, 2}},
		{name: "nodes_featureids", ints: []int64{0, 0, 0}},
		{name: "nodes_modes", strs: []string{"BRANCH_LEQ", "LEAF", "LEAF"}},
		{name: "nodes_values", floats: []float32{0.5, 0, 0}},
		{name: "nodes_truenodeids", ints: []int64{1, 0, 0}},
		{name: "nodes_falsenodeids", ints: []int64{2, 0, 0}},
		{name: "target_treeids", ints: []int64{0, 0}},
		{name: "target_nodeids", ints: []int64{1, 2}},
		{name: "target_ids", ints: []int64{0, 0}},
		{name: "target_weights", floats: []float32{1.0, 2.0}},
	})
}

func TestParseBranchLEQ(t *testing.T) {
	res, err := Parse(leqRegressor())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Predicate != forest.CmpULE {
		t.Errorf("predicate = %v, want ULE", res.Predicate)
	}
	if res.IsClassifier {
		t.Errorf("model parsed as classifier")
	}

	f, err := BuildForest(res, 0)
	if err != nil {
		t.Fatalf("BuildForest: %v", err)
	}
	if f.NumFeatures() != 1 {
		t.Errorf("derived %d features, want 1", f.NumFeatures())
	}

	// A row exactly on the threshold takes the true (left) edge under LEQ.
	if got := f.Predict([]float64{0.5}); got != 1.0 {
		t.Errorf("Predict(0.5) = %v, want 1.0 (boundary takes the true edge)", got)
	}
	if got := f.Predict([]float64{0.6}); got != 2.0 {
		t.Errorf("Predict(0.6) = %v, want 2.0", got)
	}

	// Round trip through the packed layout and back: thresholds survive
	// bit-exactly at 64-bit width.
	tree := f.Tree(0)
	tree.SetTilingDescriptor(forest.UniformTiling(tree, 1))
	tt, err := forest.NewTiledTree(tree)
	if err != nil {
		t.Fatalf("NewTiledTree: %v", err)
	}
	th := tt.SerializeThresholds()
	fi := tt.SerializeFeatureIndices()
	buf, err := packed.PackTiles(th, fi, 1, 64, 16)
	if err != nil {
		t.Fatalf("PackTiles: %v", err)
	}
	gotTh, gotFi, err := packed.UnpackTiles(buf, 1, 64, 16)
	if err != nil {
		t.Fatalf("UnpackTiles: %v", err)
	}
	if diff := cmp.Diff(th, gotTh); diff != "" {
		t.Errorf("thresholds (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fi, gotFi); diff != "" {
		t.Errorf("feature indices (-want +got):\n%s", diff)
	}
}

func TestMixedModesRejected(t *testing.T) {
	model := marshalModel("TreeEnsembleRegressor", []attribute{
		{name: "nodes_modes", strs: []string{"BRANCH_LT", "BRANCH_LEQ", "LEAF"}},
	})
	_, err := Parse(model)
	if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

func TestMissingValueTracksTrueRejected(t *testing.T) {
	model := marshalModel("TreeEnsembleRegressor", []attribute{
		{name: "nodes_missing_value_tracks_true", ints: []int64{0, 1, 0}},
	})
	_, err := Parse(model)
	if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

func TestUnsupportedOpTypeRejected(t *testing.T) {
	model := marshalModel("LinearRegressor", nil)
	_, err := Parse(model)
	if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

func TestClassifierSingleClassPerTree(t *testing.T) {
	two := int64(2)
	model := marshalModel("TreeEnsembleClassifier", []attribute{
		{name: "nodes_treeids", ints: []int64{0, 0, 0}},
		{name: "nodes_nodeids", ints: []int64{0, 1, 2}},
		{name: "nodes_featureids", ints: []int64{0, 0, 0}},
		{name: "nodes_modes", strs: []string{"BRANCH_LT", "LEAF", "LEAF"}},
		{name: "nodes_values", floats: []float32{0.5, 0, 0}},
		{name: "nodes_truenodeids", ints: []int64{1, 0, 0}},
		{name: "nodes_falsenodeids", ints: []int64{2, 0, 0}},
		{name: "target_treeids", ints: []int64{0, 0}},
		{name: "target_nodeids", ints: []int64{1, 2}},
		// Two different classes fed by one tree is unsupported.
		{name: "target_ids", ints: []int64{0, 1}},
		{name: "target_weights", floats: []float32{1.0, 2.0}},
		{name: "n_targets", i: &two},
	})
	res, err := Parse(model)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = BuildForest(res, 1)
	if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}
