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

// Package compiler binds a forest, a representation and a serializer
// together and drives the lowering pipeline that produces an executable
// module for the CPU or GPU target.
package compiler

import (
	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/packed"
	"github.com/xadupre/treebeard/representation"
	"github.com/xadupre/treebeard/serializer"
)

// Context carries everything one compilation needs: the imported forest, the
// chosen representation and serializer, the compiler options, and the packed
// buffer store shared between the compile and runtime phases.
type Context struct {
	ModelPath   string
	SidecarPath string
	Options     treebeard.CompilerOptions
	Forest      *forest.Forest

	Representation representation.Representation
	Serializer     serializer.Serializer
	Store          *packed.Store
}

// NewContext assembles a context with the named representation and
// serializer; the two names are normally identical.
func NewContext(f *forest.Forest, opts treebeard.CompilerOptions, layoutName, sidecarPath string) (*Context, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	rep, err := representation.New(layoutName)
	if err != nil {
		return nil, err
	}
	store := packed.NewStore()
	ser, err := serializer.New(layoutName, sidecarPath, store)
	if err != nil {
		return nil, err
	}
	return &Context{
		SidecarPath:    sidecarPath,
		Options:        opts,
		Forest:         f,
		Representation: rep,
		Serializer:     ser,
		Store:          store,
	}, nil
}
