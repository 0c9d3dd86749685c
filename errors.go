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

import "errors"

// ErrUnsupportedConfig is returned when the requested compilation cannot be
// expressed: an unsupported threshold/index width combination, an unsupported
// comparison predicate, or an ONNX model with more than one target class per
// tree. The compile is abandoned immediately.
var ErrUnsupportedConfig = errors.New("unsupported configuration")

// ErrInvalidModel is returned when a forest fails a structural self-check:
// a tiling descriptor that doesn't cover the tree, a tile without an entry
// node, dummy padding that cannot find a candidate, or a failed tiled-tree
// validation.
var ErrInvalidModel = errors.New("invalid model")

// ErrLoweringFailure is returned when a rewrite pass fails to reach its
// conversion target. The error names the failing pass.
var ErrLoweringFailure = errors.New("lowering failed")

// ErrIOFailure is returned for a missing or malformed model file or JSON
// sidecar. The error carries the file path.
var ErrIOFailure = errors.New("i/o failure")

// ErrRuntimeInit is returned when a device allocation or copy fails while the
// compiled module materializes its buffers. It is surfaced to the caller and
// never recovered internally.
var ErrRuntimeInit = errors.New("runtime initialization failed")
