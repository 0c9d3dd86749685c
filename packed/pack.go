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

// Package packed implements the physical tile-record encoding shared by the
// array and sparse layouts, the JSON sidecar that describes it, and the
// in-process store the compiled module's initializer functions read from.
//
// A tile record is `threshold[T] ++ feature_index[T]` in the declared widths,
// written little-endian with 1-byte packing and no alignment padding. Tile-shape
// ids and sparse child indices are not part of the record; PackInts packs each
// into a separate buffer in its own width.
package packed

import (
	"encoding/binary"
	"fmt"
	"math"

	treebeard "github.com/xadupre/treebeard"
)

// CheckWidths rejects width combinations the record format does not
// enumerate: thresholds are 32 or 64 bits, indices 8, 16 or 32.
func CheckWidths(thresholdBits, indexBits int32) error {
	switch thresholdBits {
	case 32, 64:
	default:
		return fmt.Errorf("%w: threshold width %d", treebeard.ErrUnsupportedConfig, thresholdBits)
	}
	switch indexBits {
	case 8, 16, 32:
	default:
		return fmt.Errorf("%w: feature index width %d", treebeard.ErrUnsupportedConfig, indexBits)
	}
	return nil
}

// FeatureIndexOffset returns the byte offset of the feature-index region
// within one tile record.
func FeatureIndexOffset(tileSize, thresholdBits int32) int32 {
	return tileSize * thresholdBits / 8
}

// RecordSize returns the byte size of one tile record.
func RecordSize(tileSize, thresholdBits, indexBits int32) int32 {
	return tileSize * (thresholdBits + indexBits) / 8
}

func putThreshold(dst []byte, v float64, bits int32) {
	if bits == 32 {
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	} else {
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	}
}

func getThreshold(src []byte, bits int32) float64 {
	if bits == 32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

func putIndex(dst []byte, v int32, bits int32) {
	switch bits {
	case 8:
		dst[0] = byte(int8(v))
	case 16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	default:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	}
}

func getIndex(src []byte, bits int32) int32 {
	switch bits {
	case 8:
		return int32(int8(src[0]))
	case 16:
		return int32(int16(binary.LittleEndian.Uint16(src)))
	default:
		return int32(binary.LittleEndian.Uint32(src))
	}
}

// PackTiles serializes the per-tile thresholds and feature indices of one
// tree into consecutive tile records. len(thresholds) must be a multiple of
// tileSize and equal to len(featureIndices).
func PackTiles(thresholds []float64, featureIndices []int32, tileSize, thresholdBits, indexBits int32) ([]byte, error) {
	if err := CheckWidths(thresholdBits, indexBits); err != nil {
		return nil, err
	}
	if len(thresholds) != len(featureIndices) {
		return nil, fmt.Errorf("%w: %d thresholds vs %d feature indices",
			treebeard.ErrInvalidModel, len(thresholds), len(featureIndices))
	}
	if int32(len(thresholds))%tileSize != 0 {
		return nil, fmt.Errorf("%w: %d node values is not a whole number of size-%d tiles",
			treebeard.ErrInvalidModel, len(thresholds), tileSize)
	}

	numTiles := int32(len(thresholds)) / tileSize
	recSize := RecordSize(tileSize, thresholdBits, indexBits)
	featOff := FeatureIndexOffset(tileSize, thresholdBits)
	buf := make([]byte, numTiles*recSize)
	for tile := int32(0); tile < numTiles; tile++ {
		rec := buf[tile*recSize:]
		for j := int32(0); j < tileSize; j++ {
			putThreshold(rec[j*thresholdBits/8:], thresholds[tile*tileSize+j], thresholdBits)
			putIndex(rec[featOff+j*indexBits/8:], featureIndices[tile*tileSize+j], indexBits)
		}
	}
	return buf, nil
}

// UnpackTiles reverses PackTiles.
func UnpackTiles(buf []byte, tileSize, thresholdBits, indexBits int32) ([]float64, []int32, error) {
	if err := CheckWidths(thresholdBits, indexBits); err != nil {
		return nil, nil, err
	}
	recSize := RecordSize(tileSize, thresholdBits, indexBits)
	if int32(len(buf))%recSize != 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte records",
			treebeard.ErrInvalidModel, len(buf), recSize)
	}
	numTiles := int32(len(buf)) / recSize
	featOff := FeatureIndexOffset(tileSize, thresholdBits)
	thresholds := make([]float64, numTiles*tileSize)
	featureIndices := make([]int32, numTiles*tileSize)
	for tile := int32(0); tile < numTiles; tile++ {
		rec := buf[tile*recSize:]
		for j := int32(0); j < tileSize; j++ {
			thresholds[tile*tileSize+j] = getThreshold(rec[j*thresholdBits/8:], thresholdBits)
			featureIndices[tile*tileSize+j] = getIndex(rec[featOff+j*indexBits/8:], indexBits)
		}
	}
	return thresholds, featureIndices, nil
}

// PackInts serializes a vector of integers in the given width, little-endian,
// 1-byte packed. Used for tile-shape-id and child-index buffers.
func PackInts(vals []int32, bits int32) ([]byte, error) {
	switch bits {
	case 8, 16, 32:
	default:
		return nil, fmt.Errorf("%w: index width %d", treebeard.ErrUnsupportedConfig, bits)
	}
	buf := make([]byte, int32(len(vals))*bits/8)
	for i, v := range vals {
		putIndex(buf[int32(i)*bits/8:], v, bits)
	}
	return buf, nil
}

// UnpackInts reverses PackInts.
func UnpackInts(buf []byte, bits int32) ([]int32, error) {
	switch bits {
	case 8, 16, 32:
	default:
		return nil, fmt.Errorf("%w: index width %d", treebeard.ErrUnsupportedConfig, bits)
	}
	n := int32(len(buf)) / (bits / 8)
	vals := make([]int32, n)
	for i := int32(0); i < n; i++ {
		vals[i] = getIndex(buf[i*bits/8:], bits)
	}
	return vals, nil
}
