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

package packed

import "math"

// ReorgBufferLen returns N * (2^maxDepth - 1), the length of the interleaved
// reorg buffers for numTrees trees of at most maxDepth levels.
func ReorgBufferLen(numTrees, maxDepth int32) int32 {
	return numTrees * ((1 << maxDepth) - 1)
}

// InterleaveThresholds lays per-tree dense threshold arrays out in the reorg
// order: node i of tree t lands at i*numTrees + t. Slots no tree reaches stay
// NaN; a valid traversal never reads them.
func InterleaveThresholds(perTree [][]float64) []float64 {
	n := len(perTree)
	maxLen := 0
	for _, tr := range perTree {
		if len(tr) > maxLen {
			maxLen = len(tr)
		}
	}
	buf := make([]float64, n*maxLen)
	for i := range buf {
		buf[i] = math.NaN()
	}
	for t, tr := range perTree {
		for i, v := range tr {
			buf[i*n+t] = v
		}
	}
	return buf
}

// InterleaveFeatureIndices is InterleaveThresholds for feature indices; empty
// slots hold the leaf sentinel -1 so IsLeaf holds on them.
func InterleaveFeatureIndices(perTree [][]int32) []int32 {
	n := len(perTree)
	maxLen := 0
	for _, tr := range perTree {
		if len(tr) > maxLen {
			maxLen = len(tr)
		}
	}
	buf := make([]int32, n*maxLen)
	for i := range buf {
		buf[i] = -1
	}
	for t, tr := range perTree {
		for i, v := range tr {
			buf[i*n+t] = v
		}
	}
	return buf
}
