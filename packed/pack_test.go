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
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	treebeard "github.com/xadupre/treebeard"
)

func TestPackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, tileSize := range []int32{1, 2, 4, 8} {
		for _, wt := range []int32{32, 64} {
			for _, wi := range []int32{8, 16, 32} {
				numTiles := int32(1 + rng.Intn(9))
				th := make([]float64, numTiles*tileSize)
				fi := make([]int32, numTiles*tileSize)
				for i := range th {
					th[i] = rng.NormFloat64()
					fi[i] = rng.Int31n(100) - 1
				}

				buf, err := PackTiles(th, fi, tileSize, wt, wi)
				if err != nil {
					t.Fatalf("PackTiles(T=%d, Wt=%d, Wi=%d): %v", tileSize, wt, wi, err)
				}
				if got, want := int32(len(buf)), numTiles*RecordSize(tileSize, wt, wi); got != want {
					t.Fatalf("packed %d bytes, want %d", got, want)
				}

				gotTh, gotFi, err := UnpackTiles(buf, tileSize, wt, wi)
				if err != nil {
					t.Fatalf("UnpackTiles: %v", err)
				}
				for i := range th {
					want := th[i]
					if wt == 32 {
						want = float64(float32(want))
					}
					if gotTh[i] != want {
						t.Fatalf("threshold %d: got %v want %v", i, gotTh[i], want)
					}
				}
				if diff := cmp.Diff(fi, gotFi); diff != "" {
					t.Fatalf("feature indices round trip (-want +got):\n%s", diff)
				}
			}
		}
	}
}

func TestRecordSize(t *testing.T) {
	// Tile size 2 with 32-bit thresholds and 16-bit feature indices packs to
	// 2*(32+16)/8 = 12 bytes.
	if got := RecordSize(2, 32, 16); got != 12 {
		t.Fatalf("RecordSize(2, 32, 16) = %d, want 12", got)
	}
	if got := FeatureIndexOffset(2, 32); got != 8 {
		t.Fatalf("FeatureIndexOffset(2, 32) = %d, want 8", got)
	}
}

func TestUnsupportedWidths(t *testing.T) {
	for _, test := range []struct {
		wt, wi int32
	}{
		{16, 16}, {32, 64}, {48, 8}, {64, 12},
	} {
		_, err := PackTiles([]float64{1}, []int32{0}, 1, test.wt, test.wi)
		if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
			t.Errorf("PackTiles(Wt=%d, Wi=%d) err = %v, want ErrUnsupportedConfig", test.wt, test.wi, err)
		}
	}
}

func TestStoreOffsetsAndLengths(t *testing.T) {
	key := Key{TileSize: 1, ThresholdBits: 64, IndexBits: 16}
	s := NewStore()
	s.SetNumTrees(4)
	// Trees 0, 1 and 3 contribute tiles; tree 2 contributes none at this
	// tile size.
	s.AddSingleTree(key, 0, 3, []float64{1, 2, 3}, []int32{0, -1, -1}, nil, nil)
	s.AddSingleTree(key, 1, 1, []float64{4}, []int32{-1}, nil, nil)
	s.AddSingleTree(key, 3, 2, []float64{5, 6}, []int32{0, -1}, nil, nil)

	offsets, err := s.InitializeOffsetBuffer(key)
	if err != nil {
		t.Fatalf("InitializeOffsetBuffer: %v", err)
	}
	if diff := cmp.Diff([]int32{0, 3, -1, 4}, offsets); diff != "" {
		t.Fatalf("offsets (-want +got):\n%s", diff)
	}

	lengths, err := s.InitializeLengthBuffer(key)
	if err != nil {
		t.Fatalf("InitializeLengthBuffer: %v", err)
	}
	if diff := cmp.Diff([]int32{3, 1, 0, 2}, lengths); diff != "" {
		t.Fatalf("lengths (-want +got):\n%s", diff)
	}

	// The total is the sum of all lengths: 3 + 1 + 0 + 2.
	total, err := s.TotalTiles(key)
	if err != nil || total != 6 {
		t.Fatalf("TotalTiles = %d, %v; want 6", total, err)
	}

	buf, err := s.InitializeBuffer(key)
	if err != nil {
		t.Fatalf("InitializeBuffer: %v", err)
	}
	if got, want := int32(len(buf)), total*RecordSize(1, 64, 16); got != want {
		t.Fatalf("model buffer is %d bytes, want %d", got, want)
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	in := &Sidecar{
		InputElementBitWidth: 32,
		ReturnTypeBitWidth:   32,
		RowSize:              3,
		BatchSize:            8,
		NumberOfTrees:        2,
		NumberOfClasses:      0,
		Thresholds:           FloatList{0.5, math.NaN(), -1.25},
		FeatureIndices:       []int32{0, -1, 2},
		ClassIDs:             []int8{0, 0},
	}
	if err := WriteSidecar(path, in); err != nil {
		t.Fatalf("WriteSidecar: %v", err)
	}
	out, err := ReadSidecar(path)
	if err != nil {
		t.Fatalf("ReadSidecar: %v", err)
	}
	if len(out.Thresholds) != 3 || out.Thresholds[0] != 0.5 || !math.IsNaN(out.Thresholds[1]) || out.Thresholds[2] != -1.25 {
		t.Errorf("thresholds round trip = %v", out.Thresholds)
	}
	if diff := cmp.Diff(in.FeatureIndices, out.FeatureIndices); diff != "" {
		t.Errorf("feature indices (-want +got):\n%s", diff)
	}
	if out.RowSize != 3 || out.BatchSize != 8 || out.NumberOfTrees != 2 {
		t.Errorf("layout params = %+v", out)
	}
}

func TestReadSidecarMissing(t *testing.T) {
	_, err := ReadSidecar(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, treebeard.ErrIOFailure) {
		t.Fatalf("err = %v, want ErrIOFailure", err)
	}
}

func TestInterleave(t *testing.T) {
	th := InterleaveThresholds([][]float64{{1, 2, 3}, {4}})
	// buf[node*N + tree]: node 0 of both trees first.
	want := []float64{1, 4, 2, math.NaN(), 3, math.NaN()}
	if len(th) != len(want) {
		t.Fatalf("interleaved length %d, want %d", len(th), len(want))
	}
	for i := range want {
		if math.IsNaN(want[i]) != math.IsNaN(th[i]) || (!math.IsNaN(want[i]) && th[i] != want[i]) {
			t.Fatalf("slot %d = %v, want %v", i, th[i], want[i])
		}
	}
	fi := InterleaveFeatureIndices([][]int32{{0, 1, -1}, {-1}})
	if diff := cmp.Diff([]int32{0, -1, 1, -1, -1, -1}, fi); diff != "" {
		t.Fatalf("feature indices (-want +got):\n%s", diff)
	}
}
