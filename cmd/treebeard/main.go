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

// treebeard compiles trained decision-forest models into optimized
// inference routines.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	treebeard "github.com/xadupre/treebeard"
	"github.com/xadupre/treebeard/compiler"
	"github.com/xadupre/treebeard/forest"
	"github.com/xadupre/treebeard/importer/onnx"
	"github.com/xadupre/treebeard/importer/xgboost"
	"github.com/xadupre/treebeard/runtime"
	"k8s.io/klog/v2"
)

var (
	flagBatchSize      int32
	flagTileSize       int32
	flagThresholdWidth int32
	flagReturnWidth    int32
	flagReturnFloat    bool
	flagFeatureWidth   int32
	flagNodeIndexWidth int32
	flagTileShapeWidth int32
	flagChildIdxWidth  int32
	flagTiling         string
	flagSameDepth      bool
	flagReorder        bool
	flagPipelineSize   int32
	flagStatsCSV       string
	flagCores          int32
	flagNumFeatures    int32
	flagLayout         string
	flagSidecar        string
	flagRowsCSV        string
)

func main() {
	klog.InitFlags(nil)
	root := &cobra.Command{
		Use:          "treebeard",
		Short:        "Compile decision-forest models into optimized inference routines",
		SilenceUsage: true,
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	compileCmd := &cobra.Command{
		Use:   "compile MODEL",
		Short: "Compile a model and optionally run rows through it",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}
	fs := compileCmd.Flags()
	fs.Int32Var(&flagBatchSize, "batchSize", 1, "inference rows per call")
	fs.Int32Var(&flagTileSize, "tileSize", 1, "tile size T for tile packing")
	fs.Int32Var(&flagThresholdWidth, "thresholdTypeWidth", 32, "threshold bit width (32 or 64)")
	fs.Int32Var(&flagReturnWidth, "returnTypeWidth", 32, "return type bit width (32 or 64)")
	fs.BoolVar(&flagReturnFloat, "returnTypeFloatType", true, "return type is floating point")
	fs.Int32Var(&flagFeatureWidth, "featureIndexTypeWidth", 16, "feature index bit width (8, 16 or 32)")
	fs.Int32Var(&flagNodeIndexWidth, "nodeIndexTypeWidth", 16, "node index bit width")
	fs.Int32Var(&flagTileShapeWidth, "tileShapeBitWidth", 16, "tile shape id bit width")
	fs.Int32Var(&flagChildIdxWidth, "childIndexBitWidth", 16, "sparse child index bit width")
	fs.StringVar(&flagTiling, "tilingType", "uniform", "tile coloring: uniform, probabilistic or hybrid")
	fs.BoolVar(&flagSameDepth, "makeAllLeavesSameDepth", false, "pad trees to uniform leaf depth")
	fs.BoolVar(&flagReorder, "reorderTreesByDepth", false, "cluster trees by depth")
	fs.Int32Var(&flagPipelineSize, "pipelineSize", -1, "peel factor for the peeled walk (-1 disables)")
	fs.StringVar(&flagStatsCSV, "statsProfileCSVPath", "", "node-hit profile for probabilistic tiling")
	fs.Int32Var(&flagCores, "numberOfCores", -1, "CPU parallelism degree")
	fs.Int32Var(&flagNumFeatures, "numberOfFeatures", 0, "input row width (0 derives it from the model)")
	fs.StringVar(&flagLayout, "representation", "array", "layout: array, sparse, reorg, gpu_array, gpu_sparse or gpu_reorg")
	fs.StringVar(&flagSidecar, "modelGlobalsJSONPath", "", "sidecar path (default MODEL.treebeard.json)")
	fs.StringVar(&flagRowsCSV, "rowsCSV", "", "optional CSV of input rows to predict after compiling")
	root.AddCommand(compileCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCompile(cmd *cobra.Command, cmdArgs []string) error {
	modelPath := cmdArgs[0]
	tiling, err := treebeard.ParseTilingType(flagTiling)
	if err != nil {
		return err
	}
	opts := treebeard.NewCompilerOptions(flagBatchSize, flagTileSize)
	opts.ThresholdTypeWidth = flagThresholdWidth
	opts.ReturnTypeWidth = flagReturnWidth
	opts.ReturnTypeFloatType = flagReturnFloat
	opts.FeatureIndexTypeWidth = flagFeatureWidth
	opts.NodeIndexTypeWidth = flagNodeIndexWidth
	opts.TileShapeBitWidth = flagTileShapeWidth
	opts.ChildIndexBitWidth = flagChildIdxWidth
	opts.TilingType = tiling
	opts.MakeAllLeavesSameDepth = flagSameDepth
	opts.ReorderTreesByDepth = flagReorder
	opts.PipelineSize = flagPipelineSize
	opts.StatsProfileCSVPath = flagStatsCSV
	opts.NumberOfCores = flagCores
	opts.NumberOfFeatures = flagNumFeatures

	f, err := importModel(modelPath, opts.NumberOfFeatures)
	if err != nil {
		return err
	}

	sidecar := flagSidecar
	if sidecar == "" {
		sidecar = modelPath + ".treebeard.json"
	}
	ctx, err := compiler.NewContext(f, opts, flagLayout, sidecar)
	if err != nil {
		return err
	}
	ctx.ModelPath = modelPath
	mod, err := compiler.Compile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "compiled %s with layout %s; exported symbols: %v\n",
		filepath.Base(modelPath), flagLayout, mod.Symbols())

	if flagRowsCSV == "" {
		return nil
	}
	return predictRows(cmd, ctx, mod, f)
}

func importModel(path string, numFeatures int32) (*forest.Forest, error) {
	switch filepath.Ext(path) {
	case ".onnx":
		res, err := onnx.ParseFile(path)
		if err != nil {
			return nil, err
		}
		return onnx.BuildForest(res, numFeatures)
	case ".json":
		return xgboost.ImportFile(path)
	}
	return nil, fmt.Errorf("%w: cannot infer model format of %q", treebeard.ErrUnsupportedConfig, path)
}

func predictRows(cmd *cobra.Command, ctx *compiler.Context, mod *runtime.Module, f *forest.Forest) error {
	file, err := os.Open(flagRowsCSV)
	if err != nil {
		return fmt.Errorf("%w: opening %q: %v", treebeard.ErrIOFailure, flagRowsCSV, err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return fmt.Errorf("%w: reading %q: %v", treebeard.ErrIOFailure, flagRowsCSV, err)
	}

	if err := ctx.Serializer.InitializeBuffers(mod); err != nil {
		return err
	}
	defer func() {
		if err := ctx.Serializer.CleanupBuffers(mod); err != nil {
			klog.Errorf("cleanup: %v", err)
		}
	}()

	batch := int(ctx.Options.BatchSize)
	cols := int(f.NumFeatures())
	for start := 0; start < len(records); start += batch {
		end := start + batch
		if end > len(records) {
			end = len(records)
		}
		rows := make([]float64, batch*cols)
		for i, rec := range records[start:end] {
			for j := 0; j < cols && j < len(rec); j++ {
				v, err := strconv.ParseFloat(rec[j], 64)
				if err != nil {
					return fmt.Errorf("%w: row %d column %d: %v", treebeard.ErrIOFailure, start+i, j, err)
				}
				rows[i*cols+j] = v
			}
		}
		results := make([]float64, batch)
		if err := ctx.Serializer.CallPredictionMethod(mod,
			runtime.NewMemref2D(rows, int64(batch), int64(cols)),
			runtime.NewMemref(results)); err != nil {
			return err
		}
		for i := range records[start:end] {
			fmt.Fprintf(cmd.OutOrStdout(), "%g\n", results[i])
		}
	}
	return nil
}
