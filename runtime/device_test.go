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
	"sync/atomic"
	"testing"
)

func TestAsyncChain(t *testing.T) {
	dev := NewDevice()
	host := []float64{1, 2, 3, 4}

	start := dev.NullToken()
	buf, tok := Alloc[float64](dev, 4, start)
	cp := MemcpyHostToDevice(dev, buf, host, tok)
	if err := Wait(cp); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	m := buf.Memref()
	for i, want := range host {
		if got := m.At(int64(i)); got != want {
			t.Errorf("device[%d] = %v, want %v", i, got, want)
		}
	}
	if dev.LiveAllocations() != 1 {
		t.Errorf("LiveAllocations = %d, want 1", dev.LiveAllocations())
	}
	if err := Free(dev, buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := Free(dev, buf); err == nil {
		t.Errorf("double free succeeded")
	}
	if dev.LiveAllocations() != 0 {
		t.Errorf("LiveAllocations = %d after free, want 0", dev.LiveAllocations())
	}
}

func TestMemcpySizeMismatch(t *testing.T) {
	dev := NewDevice()
	buf, tok := Alloc[int32](dev, 2, dev.NullToken())
	cp := MemcpyHostToDevice(dev, buf, []int32{1, 2, 3}, tok)
	if err := Wait(cp); err == nil {
		t.Fatalf("memcpy of mismatched sizes succeeded")
	}
}

func TestLaunchCoversGrid(t *testing.T) {
	dev := NewDevice()
	var count atomic.Int64
	tok := dev.Launch(Dim3{X: 4, Y: 1, Z: 1}, Dim3{X: 32, Y: 1, Z: 1},
		func(blockIdx, threadIdx Dim3) {
			count.Add(1)
		}, dev.NullToken())
	if err := Wait(tok); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := count.Load(); got != 128 {
		t.Errorf("kernel ran %d times, want 128", got)
	}
}
