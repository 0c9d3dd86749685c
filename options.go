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

package treebeard

import "fmt"

// TilingType selects how tree nodes are colored into tiles before the tiled
// trees are built. The coloring algorithms themselves are inputs to the
// compiler; the tiled-tree builder accepts any valid coloring.
type TilingType int

const (
	TilingUniform TilingType = iota
	TilingProbabilistic
	TilingHybrid
)

func (t TilingType) String() string {
	switch t {
	case TilingUniform:
		return "uniform"
	case TilingProbabilistic:
		return "probabilistic"
	case TilingHybrid:
		return "hybrid"
	}
	return fmt.Sprintf("TilingType(%d)", int(t))
}

// ParseTilingType maps a config string onto a TilingType.
func ParseTilingType(s string) (TilingType, error) {
	switch s {
	case "uniform":
		return TilingUniform, nil
	case "probabilistic":
		return TilingProbabilistic, nil
	case "hybrid":
		return TilingHybrid, nil
	}
	return 0, fmt.Errorf("%w: unknown tiling type %q", ErrUnsupportedConfig, s)
}

// CompilerOptions holds every knob the compiler recognizes. The zero value is
// not usable; construct with NewCompilerOptions and adjust with Option funcs
// or by setting fields directly before Validate.
type CompilerOptions struct {
	// BatchSize is the number of inference rows handled per call to the
	// generated entry point.
	BatchSize int32
	// TileSize is T, the uniform arity of non-leaf tiles.
	TileSize int32

	ThresholdTypeWidth    int32
	ReturnTypeWidth       int32
	ReturnTypeFloatType   bool
	FeatureIndexTypeWidth int32
	NodeIndexTypeWidth    int32
	InputElementTypeWidth int32
	TileShapeBitWidth     int32
	ChildIndexBitWidth    int32

	TilingType             TilingType
	MakeAllLeavesSameDepth bool
	ReorderTreesByDepth    bool

	// PipelineSize is the peel factor for the peeled tree walk; -1 disables
	// peeling.
	PipelineSize int32

	// StatsProfileCSVPath optionally points at a node-hit profile used by
	// probabilistic tiling.
	StatsProfileCSVPath string

	// NumberOfCores is the CPU parallelism degree for the generated batch
	// loop; values < 2 generate a serial loop.
	NumberOfCores int32

	// NumberOfFeatures optionally fixes the input row width for importers
	// that do not carry it; 0 means derive it from the model.
	NumberOfFeatures int32
}

// NewCompilerOptions returns options for the given batch and tile size with
// the defaults the compiler was tuned for: 32-bit float thresholds, 16-bit
// feature indices.
func NewCompilerOptions(batchSize, tileSize int32, opts ...Option) CompilerOptions {
	o := CompilerOptions{
		BatchSize:             batchSize,
		TileSize:              tileSize,
		ThresholdTypeWidth:    32,
		ReturnTypeWidth:       32,
		ReturnTypeFloatType:   true,
		FeatureIndexTypeWidth: 16,
		NodeIndexTypeWidth:    16,
		InputElementTypeWidth: 32,
		TileShapeBitWidth:     16,
		ChildIndexBitWidth:    16,
		TilingType:            TilingUniform,
		PipelineSize:          -1,
		NumberOfCores:         -1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option mutates CompilerOptions at construction time.
type Option func(*CompilerOptions)

// WithThresholdWidth sets the bit width thresholds are packed with.
func WithThresholdWidth(bits int32) Option {
	return func(o *CompilerOptions) { o.ThresholdTypeWidth = bits }
}

// WithFeatureIndexWidth sets the bit width feature indices are packed with.
func WithFeatureIndexWidth(bits int32) Option {
	return func(o *CompilerOptions) { o.FeatureIndexTypeWidth = bits }
}

// WithReturnType sets the width and class of the generated return type.
func WithReturnType(bits int32, isFloat bool) Option {
	return func(o *CompilerOptions) {
		o.ReturnTypeWidth = bits
		o.ReturnTypeFloatType = isFloat
	}
}

// WithTiling selects the tile coloring algorithm.
func WithTiling(t TilingType) Option {
	return func(o *CompilerOptions) { o.TilingType = t }
}

// WithPipelineSize enables the peeled tree walk with the given peel factor.
func WithPipelineSize(k int32) Option {
	return func(o *CompilerOptions) { o.PipelineSize = k }
}

// WithNumberOfCores sets the parallelism degree of the generated batch loop.
func WithNumberOfCores(n int32) Option {
	return func(o *CompilerOptions) { o.NumberOfCores = n }
}

// WithUniformLeafDepth pads every tree so all leaves sit at the same depth.
func WithUniformLeafDepth() Option {
	return func(o *CompilerOptions) { o.MakeAllLeavesSameDepth = true }
}

// WithTreesReorderedByDepth sorts trees so depth classes cluster together.
func WithTreesReorderedByDepth() Option {
	return func(o *CompilerOptions) { o.ReorderTreesByDepth = true }
}

// Validate rejects option combinations the backends cannot pack or lower.
func (o *CompilerOptions) Validate() error {
	if o.TileSize < 1 {
		return fmt.Errorf("%w: tile size %d < 1", ErrUnsupportedConfig, o.TileSize)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("%w: batch size %d < 1", ErrUnsupportedConfig, o.BatchSize)
	}
	switch o.ThresholdTypeWidth {
	case 32, 64:
	default:
		return fmt.Errorf("%w: threshold width %d", ErrUnsupportedConfig, o.ThresholdTypeWidth)
	}
	switch o.FeatureIndexTypeWidth {
	case 8, 16, 32:
	default:
		return fmt.Errorf("%w: feature index width %d", ErrUnsupportedConfig, o.FeatureIndexTypeWidth)
	}
	switch o.ReturnTypeWidth {
	case 32, 64:
	default:
		return fmt.Errorf("%w: return type width %d", ErrUnsupportedConfig, o.ReturnTypeWidth)
	}
	for _, w := range []int32{o.NodeIndexTypeWidth, o.TileShapeBitWidth, o.ChildIndexBitWidth} {
		switch w {
		case 8, 16, 32:
		default:
			return fmt.Errorf("%w: index width %d", ErrUnsupportedConfig, w)
		}
	}
	return nil
}
