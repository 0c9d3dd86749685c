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
	"fmt"
	"sync"

	treebeard "github.com/xadupre/treebeard"
)

// Key identifies one family of packed buffers: a tile size plus the widths
// thresholds and feature indices are packed with.
type Key struct {
	TileSize      int32
	ThresholdBits int32
	IndexBits     int32
}

// treeEntry holds one tree's serialized tile attributes.
type treeEntry struct {
	treeIndex    int32
	numTiles     int32
	thresholds   []float64
	featureIdxs  []int32
	tileShapeIDs []int32
	childIndices []int32
}

// Store keeps the packed model between the compile phase, which persists
// serialized trees into it, and the runtime phase, in which the compiled
// module's initializer functions read buffers back out. It is an explicit
// object threaded through the compilation context rather than process-global
// state; Shared returns a mutex-guarded process-wide instance for hosts that
// want the compile-and-run-in-one-process arrangement.
type Store struct {
	mu       sync.Mutex
	numTrees int32
	classIDs []int8
	entries  map[Key]*[]treeEntry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: map[Key]*[]treeEntry{}}
}

var shared = NewStore()

// Shared returns the process-wide store.
func Shared() *Store { return shared }

// SetNumTrees records the forest's tree count; offset and length buffers are
// sized by it.
func (s *Store) SetNumTrees(n int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numTrees = n
}

// NumTrees returns the recorded tree count.
func (s *Store) NumTrees() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numTrees
}

// SetClassIDs records the per-tree class ids (multiclass only).
func (s *Store) SetClassIDs(ids []int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classIDs = append([]int8(nil), ids...)
}

// AddSingleTree appends one serialized tree to the entry for key. Tile shape
// ids and child indices may be nil for layouts that do not store them.
func (s *Store) AddSingleTree(key Key, treeIndex, numTiles int32, thresholds []float64, featureIndices []int32, tileShapeIDs, childIndices []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.entries[key]
	if !ok {
		list = &[]treeEntry{}
		s.entries[key] = list
	}
	*list = append(*list, treeEntry{
		treeIndex:    treeIndex,
		numTiles:     numTiles,
		thresholds:   append([]float64(nil), thresholds...),
		featureIdxs:  append([]int32(nil), featureIndices...),
		tileShapeIDs: append([]int32(nil), tileShapeIDs...),
		childIndices: append([]int32(nil), childIndices...),
	})
}

// ClearAllData drops every persisted entry.
func (s *Store) ClearAllData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[Key]*[]treeEntry{}
	s.classIDs = nil
	s.numTrees = 0
}

func (s *Store) find(key Key) (*[]treeEntry, error) {
	list, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: no persisted trees for tile size %d widths %d/%d",
			treebeard.ErrInvalidModel, key.TileSize, key.ThresholdBits, key.IndexBits)
	}
	return list, nil
}

// TotalTiles returns the number of tile records persisted under key.
func (s *Store) TotalTiles(key Key) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return 0, err
	}
	var total int32
	for _, e := range *list {
		total += e.numTiles
	}
	return total, nil
}

// InitializeBuffer packs every persisted tree under key into one contiguous
// model buffer, in persistence order.
func (s *Store) InitializeBuffer(key Key) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return nil, err
	}
	var buf []byte
	for _, e := range *list {
		b, err := PackTiles(e.thresholds, e.featureIdxs, key.TileSize, key.ThresholdBits, key.IndexBits)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", e.treeIndex, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// TileShapeIDs concatenates every persisted tree's tile-shape ids.
func (s *Store) TileShapeIDs(key Key) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, e := range *list {
		out = append(out, e.tileShapeIDs...)
	}
	return out, nil
}

// ChildIndices concatenates every persisted tree's child indices, rebased so
// each index is absolute within the whole model buffer.
func (s *Store) ChildIndices(key Key) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return nil, err
	}
	var out []int32
	var base int32
	for _, e := range *list {
		for _, ci := range e.childIndices {
			if ci < 0 {
				out = append(out, -1)
			} else {
				out = append(out, ci+base)
			}
		}
		base += e.numTiles
	}
	return out, nil
}

// InitializeOffsetBuffer returns, per tree index, the starting tile of that
// tree within the model buffer, or -1 for trees that contribute no tiles
// under this key.
func (s *Store) InitializeOffsetBuffer(key Key) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return nil, err
	}
	offsets := make([]int32, s.numTrees)
	for i := range offsets {
		offsets[i] = -1
	}
	var cur int32
	for _, e := range *list {
		if offsets[e.treeIndex] != -1 {
			return nil, fmt.Errorf("%w: tree %d persisted twice", treebeard.ErrInvalidModel, e.treeIndex)
		}
		offsets[e.treeIndex] = cur
		cur += e.numTiles
	}
	return offsets, nil
}

// InitializeLengthBuffer returns the number of tiles each tree occupies;
// zero for absent trees.
func (s *Store) InitializeLengthBuffer(key Key) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return nil, err
	}
	lengths := make([]int32, s.numTrees)
	for _, e := range *list {
		lengths[e.treeIndex] = e.numTiles
	}
	return lengths, nil
}

// InitializeClassIDBuffer returns the per-tree class ids.
func (s *Store) InitializeClassIDBuffer() []int8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int8(nil), s.classIDs...)
}

// ForEachTree visits every persisted tree under key in persistence order.
func (s *Store) ForEachTree(key Key, visit func(treeIndex, numTiles int32, thresholds []float64, featureIndices []int32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return err
	}
	for _, e := range *list {
		visit(e.treeIndex, e.numTiles, e.thresholds, e.featureIdxs)
	}
	return nil
}

// Thresholds concatenates every persisted tree's thresholds under key, in
// persistence order. The reorg serializer uses this to re-read what it wrote.
func (s *Store) Thresholds(key Key) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, e := range *list {
		out = append(out, e.thresholds...)
	}
	return out, nil
}

// FeatureIndices concatenates every persisted tree's feature indices.
func (s *Store) FeatureIndices(key Key) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.find(key)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, e := range *list {
		out = append(out, e.featureIdxs...)
	}
	return out, nil
}
