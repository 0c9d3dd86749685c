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

// Package xgboost imports gradient-boosted tree models from XGBoost's JSON
// dump format.
package xgboost

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
)

type jsonModel struct {
	Learner struct {
		GradientBooster struct {
			Model struct {
				Trees    []jsonTree `json:"trees"`
				TreeInfo []int32    `json:"tree_info"`
			} `json:"model"`
		} `json:"gradient_booster"`
		ModelParam struct {
			BaseScore  string `json:"base_score"`
			NumClass   string `json:"num_class"`
			NumFeature string `json:"num_feature"`
		} `json:"learner_model_param"`
		Objective struct {
			Name string `json:"name"`
		} `json:"objective"`
	} `json:"learner"`
}

type jsonTree struct {
	LeftChildren    []int32   `json:"left_children"`
	RightChildren   []int32   `json:"right_children"`
	Parents         []int32   `json:"parents"`
	SplitIndices    []int32   `json:"split_indices"`
	SplitConditions []float64 `json:"split_conditions"`
}

// ImportFile reads an XGBoost JSON model and builds a forest.
func ImportFile(path string) (*forest.Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", treebeard.ErrIOFailure, path, err)
	}
	f, err := Import(data)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	return f, nil
}

// Import builds a forest from XGBoost JSON bytes. XGBoost routes rows left
// when feature < threshold, so the forest predicate is ULT.
func Import(data []byte) (*forest.Forest, error) {
	var m jsonModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing model JSON: %v", treebeard.ErrIOFailure, err)
	}
	learner := &m.Learner
	trees := learner.GradientBooster.Model.Trees
	if len(trees) == 0 {
		return nil, fmt.Errorf("%w: model has no trees", treebeard.ErrIOFailure)
	}

	numFeatures, _ := strconv.ParseInt(learner.ModelParam.NumFeature, 10, 32)
	numClass, _ := strconv.ParseInt(learner.ModelParam.NumClass, 10, 32)
	baseScore := 0.0
	if learner.ModelParam.BaseScore != "" {
		v, err := strconv.ParseFloat(learner.ModelParam.BaseScore, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: base_score %q: %v", treebeard.ErrIOFailure, learner.ModelParam.BaseScore, err)
		}
		baseScore = v
	}

	b := forest.NewBuilder()
	for i := int64(0); i < numFeatures; i++ {
		b.AddFeature(fmt.Sprintf("f%d", i), "float")
	}

	treeInfo := learner.GradientBooster.Model.TreeInfo
	for ti, t := range trees {
		n := len(t.LeftChildren)
		if len(t.RightChildren) != n || len(t.SplitIndices) != n || len(t.SplitConditions) != n {
			return nil, fmt.Errorf("%w: tree %d has inconsistent array lengths", treebeard.ErrIOFailure, ti)
		}
		b.NewTree()
		handles := make([]int32, n)
		for i := 0; i < n; i++ {
			if t.LeftChildren[i] == -1 {
				handles[i] = b.NewNode(t.SplitConditions[i], forest.LeafFeatureIndex)
			} else {
				handles[i] = b.NewNode(t.SplitConditions[i], t.SplitIndices[i])
			}
		}
		for i := 0; i < n; i++ {
			if t.LeftChildren[i] == -1 {
				continue
			}
			b.SetNodeLeftChild(handles[i], handles[t.LeftChildren[i]])
			b.SetNodeParent(handles[t.LeftChildren[i]], handles[i])
			b.SetNodeRightChild(handles[i], handles[t.RightChildren[i]])
			b.SetNodeParent(handles[t.RightChildren[i]], handles[i])
		}
		b.SetNodeParent(handles[0], forest.InvalidNodeIndex)
		if numClass >= 2 && ti < len(treeInfo) {
			b.SetTreeClassID(int8(treeInfo[ti]))
		}
		b.EndTree()
	}

	f, err := b.Seal()
	if err != nil {
		return nil, err
	}
	f.SetInitialOffset(baseScore)
	f.SetPredicate(forest.CmpULT)
	f.SetReduction(forest.ReductionSum)
	f.SetNumClasses(int32(numClass))
	switch learner.Objective.Name {
	case "binary:logistic":
		f.SetPredictionTransform(forest.TransformSigmoid)
	case "multi:softmax", "multi:softprob":
		f.SetPredictionTransform(forest.TransformSoftmax)
	default:
		f.SetPredictionTransform(forest.TransformIdentity)
	}
	return f, nil
}
