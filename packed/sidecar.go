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

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"

	treebeard "github.com/xadupre/treebeard"
)

// FloatList marshals like a plain float array but writes the NaN sentinels
// the reorg layout stores in missing slots as null, which plain float64
// slices cannot represent in JSON.
type FloatList []float64

// MarshalJSON implements json.Marshaler.
func (l FloatList) MarshalJSON() ([]byte, error) {
	buf := []byte{'['}
	for i, v := range l {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsNaN(v) {
			buf = append(buf, "null"...)
		} else {
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler, reading null back as NaN.
func (l *FloatList) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(FloatList, len(raw))
	for i, p := range raw {
		if p == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *p
		}
	}
	*l = out
	return nil
}

// SidecarTree is one tree's worth of serialized node values in the tiled
// sidecar.
type SidecarTree struct {
	TreeIndex      int32     `json:"TreeIndex"`
	NumberOfTiles  int32     `json:"NumberOfTiles"`
	Thresholds     []float64 `json:"Thresholds"`
	FeatureIndices []int32   `json:"FeatureIndices"`
	TileShapeIDs   []int32   `json:"TileShapeIDs,omitempty"`
	ChildIndices   []int32   `json:"ChildIndices,omitempty"`
}

// Sidecar is the JSON model description persisted next to the compiled
// module. It records enough layout parameters for a receiver to reconstitute
// every buffer shape without the source model.
type Sidecar struct {
	InputElementBitWidth int32 `json:"InputElementBitWidth"`
	ReturnTypeBitWidth   int32 `json:"ReturnTypeBitWidth"`
	RowSize              int32 `json:"RowSize"`
	BatchSize            int32 `json:"BatchSize"`
	NumberOfTrees        int32 `json:"NumberOfTrees"`
	NumberOfClasses      int32 `json:"NumberOfClasses"`

	// Tiled layouts (array, sparse).
	TileSize          int32         `json:"TileSize,omitempty"`
	ThresholdBitWidth int32         `json:"ThresholdBitWidth,omitempty"`
	IndexBitWidth     int32         `json:"IndexBitWidth,omitempty"`
	Trees             []SidecarTree `json:"Trees,omitempty"`

	// Reorg layout: node i of tree t lives at i*NumberOfTrees + t.
	Thresholds     FloatList `json:"Thresholds,omitempty"`
	FeatureIndices []int32   `json:"FeatureIndices,omitempty"`
	ClassIDs       []int8    `json:"ClassIDs,omitempty"`
}

// WriteSidecar persists the sidecar as JSON at path.
func WriteSidecar(path string, sc *Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling sidecar for %q: %v", treebeard.ErrIOFailure, path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %q: %v", treebeard.ErrIOFailure, path, err)
	}
	return nil
}

// ReadSidecar loads a sidecar written by WriteSidecar.
func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", treebeard.ErrIOFailure, path, err)
	}
	sc := &Sidecar{}
	if err := json.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("%w: parsing %q: %v", treebeard.ErrIOFailure, path, err)
	}
	return sc, nil
}
