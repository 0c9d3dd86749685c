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

// Package runtime holds what compiled modules execute against: memref
// descriptors, the module symbol table the serializers call initializer
// functions through, and the device model the GPU backend's generated host
// code drives.
package runtime

import "fmt"

// Memref describes a strided view over a backing buffer: base pointer,
// offset, and per-dimension length and stride. It mirrors the descriptor the
// generated entry points take per buffer.
type Memref[T any] struct {
	Data    []T
	Offset  int64
	Sizes   []int64
	Strides []int64
}

// NewMemref wraps data as a dense 1-D memref.
func NewMemref[T any](data []T) Memref[T] {
	return Memref[T]{Data: data, Sizes: []int64{int64(len(data))}, Strides: []int64{1}}
}

// NewMemref2D wraps data as a dense row-major rows x cols memref.
func NewMemref2D[T any](data []T, rows, cols int64) Memref[T] {
	return Memref[T]{Data: data, Sizes: []int64{rows, cols}, Strides: []int64{cols, 1}}
}

// At returns the element at the given indices.
func (m Memref[T]) At(idx ...int64) T {
	return m.Data[m.flatten(idx)]
}

// Set writes the element at the given indices.
func (m Memref[T]) Set(v T, idx ...int64) {
	m.Data[m.flatten(idx)] = v
}

func (m Memref[T]) flatten(idx []int64) int64 {
	if len(idx) != len(m.Sizes) {
		panic(fmt.Sprintf("memref rank %d indexed with %d indices", len(m.Sizes), len(idx)))
	}
	flat := m.Offset
	for d, i := range idx {
		flat += i * m.Strides[d]
	}
	return flat
}

// Len returns the extent of dimension 0.
func (m Memref[T]) Len() int64 {
	if len(m.Sizes) == 0 {
		return 0
	}
	return m.Sizes[0]
}
