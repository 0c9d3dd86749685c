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

package representation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	treebeard "github.com/xadupre/treebeard"
)

func TestRegistryNames(t *testing.T) {
	want := []string{"array", "gpu_array", "gpu_reorg", "gpu_sparse", "reorg", "sparse"}
	if diff := cmp.Diff(want, Names()); diff != "" {
		t.Errorf("registered representations (-want +got):\n%s", diff)
	}
}

func TestUnknownRepresentation(t *testing.T) {
	_, err := New("columnar")
	if !errors.Is(err, treebeard.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

func TestNewReturnsDistinctInstances(t *testing.T) {
	a, err := New("array")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New("array")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.(*arrayRep) == b.(*arrayRep) {
		t.Errorf("factory returned a shared instance")
	}
	if a.Name() != "array" {
		t.Errorf("Name() = %q", a.Name())
	}
}

// TestShapeCacheReuse checks decoded tile shapes are shared through the LRU.
func TestShapeCacheReuse(t *testing.T) {
	r := newArrayRep(false)
	s1 := r.decodeShape(3, 2)
	s2 := r.decodeShape(3, 2)
	if diff := cmp.Diff(s1, s2); diff != "" {
		t.Errorf("cached shape differs (-first +second):\n%s", diff)
	}
	if r.shapeCache.Len() != 1 {
		t.Errorf("cache holds %d entries, want 1", r.shapeCache.Len())
	}
}
