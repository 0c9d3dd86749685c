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

package runtime

import (
	"fmt"
	"sync"

	treebeard "github.com/xadupre/treebeard"
	"golang.org/x/sync/errgroup"
)

// Token represents the completion of one async device operation. Generated
// host code chains tokens exactly the way the GPU dialect chains async
// dependencies, and awaits the tail of each chain before returning.
type Token struct {
	done chan struct{}
	err  error
}

// Err blocks until the operation finishes and returns its error.
func (t *Token) Err() error {
	<-t.done
	return t.err
}

// Device models the accelerator the generated host code talks to: an
// allocator that owns device buffers, async copies, and a grid launch. Every
// buffer allocated here stays live until freed; the serializer that caused
// the allocation owns it and must release it through Dealloc_Buffers.
type Device struct {
	mu     sync.Mutex
	live   map[int64]any
	nextID int64
}

// NewDevice returns an empty device.
func NewDevice() *Device {
	return &Device{live: map[int64]any{}}
}

// LiveAllocations returns the number of device buffers not yet freed.
func (d *Device) LiveAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// NullToken returns an already-resolved token, the anchor of an async chain.
func (d *Device) NullToken() *Token {
	t := &Token{done: make(chan struct{})}
	close(t.done)
	return t
}

func (d *Device) async(deps []*Token, f func() error) *Token {
	t := &Token{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for _, dep := range deps {
			if err := dep.Err(); err != nil {
				t.err = err
				return
			}
		}
		t.err = f()
	}()
	return t
}

// Wait blocks until every token resolves and returns the first error.
func Wait(tokens ...*Token) error {
	var g errgroup.Group
	for _, t := range tokens {
		g.Go(t.Err)
	}
	return g.Wait()
}

// DeviceBuffer is a device-resident allocation.
type DeviceBuffer[T any] struct {
	id   int64
	data []T
}

// Memref views the device buffer as a dense 1-D memref.
func (b *DeviceBuffer[T]) Memref() Memref[T] { return NewMemref(b.data) }

// Alloc asynchronously allocates a device buffer of n elements.
func Alloc[T any](d *Device, n int64, deps ...*Token) (*DeviceBuffer[T], *Token) {
	buf := &DeviceBuffer[T]{}
	tok := d.async(deps, func() error {
		if n < 0 {
			return fmt.Errorf("%w: device alloc of %d elements", treebeard.ErrRuntimeInit, n)
		}
		buf.data = make([]T, n)
		d.mu.Lock()
		defer d.mu.Unlock()
		buf.id = d.nextID
		d.nextID++
		d.live[buf.id] = buf
		return nil
	})
	return buf, tok
}

// MemcpyHostToDevice asynchronously copies host into the device buffer.
func MemcpyHostToDevice[T any](d *Device, dst *DeviceBuffer[T], host []T, deps ...*Token) *Token {
	return d.async(deps, func() error {
		if len(dst.data) != len(host) {
			return fmt.Errorf("%w: memcpy of %d elements into buffer of %d",
				treebeard.ErrRuntimeInit, len(host), len(dst.data))
		}
		copy(dst.data, host)
		return nil
	})
}

// Free releases a device buffer.
func Free[T any](d *Device, buf *DeviceBuffer[T]) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[buf.id]; !ok {
		return fmt.Errorf("%w: double free of device buffer %d", treebeard.ErrRuntimeInit, buf.id)
	}
	delete(d.live, buf.id)
	buf.data = nil
	return nil
}

// Dim3 is a grid or block coordinate.
type Dim3 struct {
	X, Y, Z int64
}

// Launch asynchronously runs kernel over grid x block threads. Blocks run
// concurrently; the kernel body must write disjoint locations, which the
// generated initializers guarantee by assigning one tile record per thread.
func (d *Device) Launch(grid, block Dim3, kernel func(blockIdx, threadIdx Dim3), deps ...*Token) *Token {
	return d.async(deps, func() error {
		var g errgroup.Group
		for bz := int64(0); bz < grid.Z; bz++ {
			for by := int64(0); by < grid.Y; by++ {
				for bx := int64(0); bx < grid.X; bx++ {
					blockIdx := Dim3{X: bx, Y: by, Z: bz}
					g.Go(func() error {
						for tz := int64(0); tz < block.Z; tz++ {
							for ty := int64(0); ty < block.Y; ty++ {
								for tx := int64(0); tx < block.X; tx++ {
									kernel(blockIdx, Dim3{X: tx, Y: ty, Z: tz})
								}
							}
						}
						return nil
					})
				}
			}
		}
		return g.Wait()
	})
}
