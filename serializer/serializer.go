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

// Package serializer turns a forest into the packed buffers its layout
// family stores, persists the JSON sidecar describing them, and at runtime
// drives the compiled module's initializer symbols to materialize the
// buffers the prediction entry point consumes.
package serializer

import (
	"fmt"
	"sort"
	"sync"

	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/packed"
	"github.com/xadupre/treebeard/runtime"
)

// Serializer is the per-layout persistence and runtime-handoff contract.
type Serializer interface {
	// Name returns the registry name.
	Name() string

	// Persist serializes the forest's tiled trees into the store and writes
	// the JSON sidecar.
	Persist(f *forest.Forest, opts treebeard.CompilerOptions) error

	// ReadData loads a previously written sidecar.
	ReadData() error

	// InitializeBuffers calls the module's initializer symbols and retains
	// the returned buffer descriptors for the prediction call.
	InitializeBuffers(mod *runtime.Module) error

	// HasCustomPredictionMethod reports whether CallPredictionMethod knows
	// how to marshal this layout's buffers.
	HasCustomPredictionMethod() bool

	// CallPredictionMethod invokes the module's prediction entry point with
	// the retained buffers threaded behind inputs and results.
	CallPredictionMethod(mod *runtime.Module, inputs, results runtime.Memref[float64]) error

	// CleanupBuffers releases any buffers the serializer owns, including
	// device memory allocated on its behalf.
	CleanupBuffers(mod *runtime.Module) error
}

// Factory produces a serializer bound to a sidecar path and a packed store.
type Factory func(path string, store *packed.Store) Serializer

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register installs a named serializer factory. Layouts self-register from
// init functions; a duplicate name is a programmer error.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("serializer %q registered twice", name))
	}
	registry[name] = f
}

// New returns the serializer registered under name.
func New(name, path string, store *packed.Store) (Serializer, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown serializer %q (have %v)",
			treebeard.ErrUnsupportedConfig, name, Names())
	}
	return f(path, store), nil
}

// Names lists the registered serializers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// callPredict looks up and invokes the generic entry point.
func callPredict(mod *runtime.Module, args []any) error {
	sym, err := mod.Lookup(runtime.SymPredict)
	if err != nil {
		return err
	}
	fn, ok := sym.(func(args []any) error)
	if !ok {
		return fmt.Errorf("%s has unexpected signature %T", runtime.SymPredict, sym)
	}
	return fn(args)
}
