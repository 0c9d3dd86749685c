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
	"sort"
)

// Well-known symbol names exported by compiled modules. The serializers look
// these up at runtime to materialize buffers before entering the prediction
// function.
const (
	SymInitModel          = "Init_Model"
	SymInitOffsets        = "Init_Offsets"
	SymInitLengths        = "Init_Lengths"
	SymInitClassIds       = "Init_ClassIds"
	SymInitThresholds     = "Init_Thresholds"
	SymInitFeatureIndices = "Init_FeatureIndices"
	SymInitClassIDs       = "Init_ClassIDs"
	SymDeallocBuffers     = "Dealloc_Buffers"
	SymPredict            = "Prediction_Function"
)

// Module is the unit the backends emit: a table of exported functions plus,
// for GPU targets, the serialized kernel binary attached to the host code.
type Module struct {
	symbols  map[string]any
	binaries map[string][]byte
	device   *Device
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{symbols: map[string]any{}, binaries: map[string][]byte{}}
}

// Export publishes fn under name. Later exports of the same name replace
// earlier ones.
func (m *Module) Export(name string, fn any) {
	m.symbols[name] = fn
}

// Lookup returns the exported function registered under name. The caller
// asserts the concrete signature, which the layout that emitted the module
// determines.
func (m *Module) Lookup(name string) (any, error) {
	fn, ok := m.symbols[name]
	if !ok {
		return nil, fmt.Errorf("module exports no symbol %q", name)
	}
	return fn, nil
}

// Symbols returns the exported names in sorted order.
func (m *Module) Symbols() []string {
	names := make([]string, 0, len(m.symbols))
	for n := range m.symbols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AttachBinary attaches a serialized kernel blob under the given annotation.
func (m *Module) AttachBinary(annotation string, blob []byte) {
	m.binaries[annotation] = blob
}

// Binary returns the kernel blob attached under the annotation, if any.
func (m *Module) Binary(annotation string) ([]byte, bool) {
	b, ok := m.binaries[annotation]
	return b, ok
}

// SetDevice attaches the device the module's generated host code drives.
func (m *Module) SetDevice(d *Device) { m.device = d }

// Device returns the attached device, or nil for CPU modules.
func (m *Module) Device() *Device { return m.device }
