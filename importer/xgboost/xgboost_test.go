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

package xgboost

import (
	"errors"
	"testing"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
)

const gbdtJSON = `{
  "learner": {
    "gradient_booster": {
      "model": {
        "trees": [
          {
            "left_children": [1, -1, -1],
            "right_children": [2, -1, -1],
            "parents": [2147483647, 0, 0],
            "split_indices": [0, 0, 0],
            "split_conditions": [0.5, 1.0, 2.0]
          },
          {
            "left_children": [1, -1, -1],
            "right_children": [2, -1, -1],
            "parents": [2147483647, 0, 0],
            "split_indices": [1, 0, 0],
            "split_conditions": [0.0, -0.5, 0.5]
          }
        ],
        "tree_info": [0, 0]
      }
    },
    "learner_model_param": {
      "base_score": "0",
      "num_class": "0",
      "num_feature": "2"
    },
    "objective": {"name": "reg:squarederror"}
  }
}`

func TestImportGBDT(t *testing.T) {
	f, err := Import([]byte(gbdtJSON))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if f.NumTrees() != 2 || f.NumFeatures() != 2 {
		t.Fatalf("imported %d trees over %d features, want 2/2", f.NumTrees(), f.NumFeatures())
	}
	if f.Predicate() != forest.CmpULT {
		t.Errorf("predicate = %v, want ULT", f.Predicate())
	}
	for _, test := range []struct {
		row  []float64
		want float64
	}{
		{[]float64{0.3, 0.1}, 1.5},
		{[]float64{0.7, -0.1}, 1.5},
		{[]float64{0.3, -0.1}, 0.5},
		{[]float64{0.7, 0.1}, 2.5},
	} {
		if got := f.Predict(test.row); got != test.want {
			t.Errorf("Predict(%v) = %v, want %v", test.row, got, test.want)
		}
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	if _, err := Import([]byte(`{"learner"`)); !errors.Is(err, treebeard.ErrIOFailure) {
		t.Errorf("truncated JSON err = %v, want ErrIOFailure", err)
	}
	if _, err := Import([]byte(`{}`)); !errors.Is(err, treebeard.ErrIOFailure) {
		t.Errorf("empty model err = %v, want ErrIOFailure", err)
	}
}
