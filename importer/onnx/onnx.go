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

// Package onnx imports TreeEnsembleRegressor and TreeEnsembleClassifier
// models from ONNX protobuf files. The reader decodes the model at the proto
// wire level; only the graph node and the tree-ensemble attributes are
// materialized.
package onnx

import (
	"fmt"
	"math"
	"os"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// Proto field numbers for the slice of the ONNX schema the importer reads.
const (
	modelGraphField = 7

	graphNodeField = 1

	nodeOpTypeField    = 4
	nodeAttributeField = 5

	attrNameField    = 1
	attrFloatField   = 2
	attrIntField     = 3
	attrFloatsField  = 7
	attrIntsField    = 8
	attrStringsField = 9
)

// ParseResult is the raw harvest of a tree-ensemble node's attributes.
type ParseResult struct {
	IsClassifier bool
	BaseValue    float64
	Transform    forest.Transform
	Predicate    forest.Predicate
	NumClasses   int64

	TreeIDs      []int64
	NodeIDs      []int64
	FeatureIDs   []int64
	Thresholds   []float64
	TrueNodeIDs  []int64
	FalseNodeIDs []int64
	Modes        []string

	TargetTreeIDs  []int64
	TargetNodeIDs  []int64
	TargetClassIDs []int64
	TargetWeights  []float64
}

// ParseFile reads an ONNX model file and extracts its single tree-ensemble
// node.
func ParseFile(path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", treebeard.ErrIOFailure, path, err)
	}
	res, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	return res, nil
}

// Parse extracts the tree ensemble from serialized ModelProto bytes.
func Parse(data []byte) (*ParseResult, error) {
	graph, err := firstSubmessage(data, modelGraphField)
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, fmt.Errorf("%w: model has no graph", treebeard.ErrIOFailure)
	}
	var node []byte
	nodeCount := 0
	if err := eachField(graph, func(num protowire.Number, wt protowire.Type, payload []byte) error {
		if num == graphNodeField && wt == protowire.BytesType {
			nodeCount++
			node = payload
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if nodeCount != 1 {
		return nil, fmt.Errorf("%w: graph has %d nodes, exactly one tree-ensemble node is supported",
			treebeard.ErrUnsupportedConfig, nodeCount)
	}
	return parseEnsembleNode(node)
}

func parseEnsembleNode(node []byte) (*ParseResult, error) {
	res := &ParseResult{Predicate: forest.CmpULT}

	var opType string
	var attrs [][]byte
	if err := eachField(node, func(num protowire.Number, wt protowire.Type, payload []byte) error {
		switch num {
		case nodeOpTypeField:
			opType = string(payload)
		case nodeAttributeField:
			attrs = append(attrs, payload)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	switch opType {
	case "TreeEnsembleRegressor":
	case "TreeEnsembleClassifier":
		res.IsClassifier = true
	default:
		return nil, fmt.Errorf("%w: op type %q, want TreeEnsembleRegressor or TreeEnsembleClassifier",
			treebeard.ErrUnsupportedConfig, opType)
	}

	for _, a := range attrs {
		if err := res.readAttribute(a); err != nil {
			return nil, err
		}
	}
	if err := res.resolvePredicate(); err != nil {
		return nil, err
	}
	return res, nil
}

func (res *ParseResult) readAttribute(data []byte) error {
	var name string
	var f float64
	var i int64
	var floats []float64
	var ints []int64
	var strs []string

	if err := eachField(data, func(num protowire.Number, wt protowire.Type, payload []byte) error {
		switch num {
		case attrNameField:
			name = string(payload)
		case attrFloatField:
			f = float64(math.Float32frombits(uint32(leFixed32(payload))))
		case attrIntField:
			i = int64(leVarint(payload))
		case attrFloatsField:
			floats = append(floats, decodeFloats(wt, payload)...)
		case attrIntsField:
			ints = append(ints, decodeInts(wt, payload)...)
		case attrStringsField:
			strs = append(strs, string(payload))
		}
		return nil
	}); err != nil {
		return err
	}

	switch name {
	case "base_values":
		if len(floats) != 1 {
			return fmt.Errorf("%w: %d base values, only one is supported", treebeard.ErrUnsupportedConfig, len(floats))
		}
		res.BaseValue = floats[0]
	case "post_transform":
		switch {
		case len(strs) == 1 && strs[0] == "NONE":
			res.Transform = forest.TransformIdentity
		case len(strs) == 1 && strs[0] == "SOFTMAX":
			res.Transform = forest.TransformSoftmax
		case len(strs) == 1 && strs[0] == "LOGISTIC":
			res.Transform = forest.TransformSigmoid
		default:
			return fmt.Errorf("%w: post_transform %v", treebeard.ErrUnsupportedConfig, strs)
		}
	case "nodes_falsenodeids":
		res.FalseNodeIDs = ints
	case "nodes_truenodeids":
		res.TrueNodeIDs = ints
	case "nodes_featureids":
		res.FeatureIDs = ints
	case "nodes_missing_value_tracks_true":
		for _, v := range ints {
			if v != 0 {
				return fmt.Errorf("%w: nodes_missing_value_tracks_true is set", treebeard.ErrUnsupportedConfig)
			}
		}
	case "nodes_modes":
		res.Modes = strs
	case "nodes_nodeids":
		res.NodeIDs = ints
	case "nodes_treeids":
		res.TreeIDs = ints
	case "nodes_values":
		res.Thresholds = floats
	case "target_ids", "class_ids":
		res.TargetClassIDs = ints
	case "target_nodeids", "class_nodeids":
		res.TargetNodeIDs = ints
	case "target_treeids", "class_treeids":
		res.TargetTreeIDs = ints
	case "target_weights", "class_weights":
		res.TargetWeights = floats
	case "n_targets":
		if res.IsClassifier {
			res.NumClasses = i
		}
	case "classlabels_int64s":
		res.NumClasses = int64(len(ints))
	default:
		klog.Warningf("onnx import: ignoring unknown attribute %q", name)
	}
	_ = f
	return nil
}

// resolvePredicate checks that every branch node shares one comparison mode
// and maps it onto the forest predicate. Mixed modes are rejected; relaxing
// this needs per-node predicates the layouts do not store.
func (res *ParseResult) resolvePredicate() error {
	first := ""
	for _, m := range res.Modes {
		if m == "LEAF" {
			continue
		}
		if first == "" {
			first = m
			continue
		}
		if m != first {
			return fmt.Errorf("%w: mixed node modes %q and %q", treebeard.ErrUnsupportedConfig, first, m)
		}
	}
	switch first {
	case "", "BRANCH_LT":
		res.Predicate = forest.CmpULT
	case "BRANCH_GEQ":
		res.Predicate = forest.CmpUGE
	case "BRANCH_GT":
		res.Predicate = forest.CmpUGT
	case "BRANCH_LEQ":
		res.Predicate = forest.CmpULE
	default:
		return fmt.Errorf("%w: node mode %q", treebeard.ErrUnsupportedConfig, first)
	}
	return nil
}

// BuildForest turns the parse result into a forest. numFeatures fixes the
// input row width; zero derives it from the largest feature id seen.
func BuildForest(res *ParseResult, numFeatures int32) (*forest.Forest, error) {
	n := len(res.NodeIDs)
	if len(res.TreeIDs) != n || len(res.FeatureIDs) != n || len(res.Thresholds) != n ||
		len(res.TrueNodeIDs) != n || len(res.FalseNodeIDs) != n || len(res.Modes) != n {
		return nil, fmt.Errorf("%w: inconsistent node attribute lengths", treebeard.ErrIOFailure)
	}

	if numFeatures <= 0 {
		for _, f := range res.FeatureIDs {
			if int32(f)+1 > numFeatures {
				numFeatures = int32(f) + 1
			}
		}
	}

	type key struct{ tree, node int64 }
	type onnxNode struct {
		feature     int64
		threshold   float64
		left, right int64
		leaf        bool
		hasChildren bool
	}
	nodes := map[key]*onnxNode{}
	var treeOrder []int64
	perTreeRoot := map[int64]int64{}
	for i := 0; i < n; i++ {
		k := key{res.TreeIDs[i], res.NodeIDs[i]}
		nodes[k] = &onnxNode{
			feature:     res.FeatureIDs[i],
			threshold:   res.Thresholds[i],
			left:        res.TrueNodeIDs[i],
			right:       res.FalseNodeIDs[i],
			leaf:        res.Modes[i] == "LEAF",
			hasChildren: res.Modes[i] != "LEAF",
		}
		if _, seen := perTreeRoot[k.tree]; !seen {
			perTreeRoot[k.tree] = k.node
			treeOrder = append(treeOrder, k.tree)
		}
	}

	// The final prediction uses the per-leaf target weight, not the node
	// value, so leaves take their weight as threshold. Classifier leaves
	// also accumulate their tree's class set.
	treeClasses := map[int64]map[int64]bool{}
	for i := range res.TargetWeights {
		k := key{res.TargetTreeIDs[i], res.TargetNodeIDs[i]}
		node, ok := nodes[k]
		if !ok {
			return nil, fmt.Errorf("%w: target references unknown node (tree %d, node %d)",
				treebeard.ErrIOFailure, k.tree, k.node)
		}
		node.threshold = res.TargetWeights[i]
		if res.IsClassifier {
			if treeClasses[k.tree] == nil {
				treeClasses[k.tree] = map[int64]bool{}
			}
			treeClasses[k.tree][res.TargetClassIDs[i]] = true
		}
	}

	b := forest.NewBuilder()
	for f := int32(0); f < numFeatures; f++ {
		b.AddFeature(fmt.Sprintf("%d", f), "float")
	}

	for _, treeID := range treeOrder {
		b.NewTree()
		var build func(nodeID int64) int32
		build = func(nodeID int64) int32 {
			nd := nodes[key{treeID, nodeID}]
			if nd.leaf || !nd.hasChildren {
				return b.NewNode(nd.threshold, forest.LeafFeatureIndex)
			}
			idx := b.NewNode(nd.threshold, int32(nd.feature))
			left := build(nd.left)
			b.SetNodeLeftChild(idx, left)
			b.SetNodeParent(left, idx)
			right := build(nd.right)
			b.SetNodeRightChild(idx, right)
			b.SetNodeParent(right, idx)
			return idx
		}
		root := build(perTreeRoot[treeID])
		b.SetNodeParent(root, forest.InvalidNodeIndex)

		if res.IsClassifier {
			classes := treeClasses[treeID]
			if len(classes) != 1 {
				return nil, fmt.Errorf("%w: tree %d targets %d classes, exactly one is supported",
					treebeard.ErrUnsupportedConfig, treeID, len(classes))
			}
			for c := range classes {
				b.SetTreeClassID(int8(c))
			}
		}
		b.EndTree()
	}

	f, err := b.Seal()
	if err != nil {
		return nil, err
	}
	f.SetInitialOffset(res.BaseValue)
	f.SetPredictionTransform(res.Transform)
	f.SetPredicate(res.Predicate)
	f.SetReduction(forest.ReductionSum)
	f.SetNumClasses(int32(res.NumClasses))
	return f, nil
}

// eachField walks a message's fields, handing the handler the payload with
// wire framing removed: bytes for length-delimited fields, the raw encoded
// group for numeric fields.
func eachField(data []byte, handle func(num protowire.Number, wt protowire.Type, payload []byte) error) error {
	for len(data) > 0 {
		num, wt, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad proto tag", treebeard.ErrIOFailure)
		}
		data = data[n:]
		var payload []byte
		var used int
		switch wt {
		case protowire.VarintType:
			_, used = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			used = 4
		case protowire.Fixed64Type:
			used = 8
		case protowire.BytesType:
			payload, used = protowire.ConsumeBytes(data)
		default:
			return fmt.Errorf("%w: unsupported wire type %d", treebeard.ErrIOFailure, wt)
		}
		if used < 0 || used > len(data) {
			return fmt.Errorf("%w: truncated proto field %d", treebeard.ErrIOFailure, num)
		}
		if payload == nil {
			payload = data[:used]
		}
		if err := handle(num, wt, payload); err != nil {
			return err
		}
		data = data[used:]
	}
	return nil
}

// firstSubmessage returns the payload of the first length-delimited field
// with the given number.
func firstSubmessage(data []byte, field protowire.Number) ([]byte, error) {
	var out []byte
	err := eachField(data, func(num protowire.Number, wt protowire.Type, payload []byte) error {
		if num == field && wt == protowire.BytesType && out == nil {
			out = payload
		}
		return nil
	})
	return out, err
}

func leVarint(payload []byte) uint64 {
	v, _ := protowire.ConsumeVarint(payload)
	return v
}

func leFixed32(payload []byte) uint32 {
	v, _ := protowire.ConsumeFixed32(payload)
	return uint32(v)
}

// decodeFloats reads a repeated float field in either packed or unpacked
// encoding.
func decodeFloats(wt protowire.Type, payload []byte) []float64 {
	var out []float64
	if wt == protowire.Fixed32Type {
		return []float64{float64(math.Float32frombits(leFixed32(payload)))}
	}
	for len(payload) >= 4 {
		out = append(out, float64(math.Float32frombits(leFixed32(payload[:4]))))
		payload = payload[4:]
	}
	return out
}

// decodeInts reads a repeated int64 field in either packed or unpacked
// encoding.
func decodeInts(wt protowire.Type, payload []byte) []int64 {
	var out []int64
	if wt == protowire.VarintType {
		return []int64{int64(leVarint(payload))}
	}
	for len(payload) > 0 {
		v, n := protowire.ConsumeVarint(payload)
		if n < 0 {
			break
		}
		out = append(out, int64(v))
		payload = payload[n:]
	}
	return out
}
