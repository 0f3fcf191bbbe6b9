// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/resnet50/resnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// createImageFolder writes numPerClass noisy PNGs for each of the classes, each class with a different
// dominant color.
func createImageFolder(t *testing.T, numPerClass int) string {
	root := t.TempDir()
	classColors := []color.RGBA{{200, 30, 30, 255}, {30, 200, 30, 255}, {30, 30, 200, 255}}
	for classIdx, c := range classColors {
		dir := filepath.Join(root, fmt.Sprintf("class_%d", classIdx))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for ii := range numPerClass {
			img := image.NewRGBA(image.Rect(0, 0, 40, 40))
			for y := range 40 {
				for x := range 40 {
					noise := uint8((x*7 + y*13 + ii*17) % 40)
					img.SetRGBA(x, y, color.RGBA{R: c.R + noise, G: c.G + noise, B: c.B + noise, A: 255})
				}
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("img_%03d.png", ii)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	return root
}

func TestCreateDatasets(t *testing.T) {
	dataDir := createImageFolder(t, 10)
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamImageSize:     64,
		ParamBatchSize:     4,
		ParamEvalBatchSize: 8,
		ParamNumFolds:      3,
	})
	trainDS, trainEvalDS, validationEvalDS, err := CreateDatasets(ctx, dataDir, false)
	require.NoError(t, err)
	require.NotNil(t, validationEvalDS)
	assert.Equal(t, 3, trainEvalDS.NumClasses())
	assert.Equal(t, 30, trainEvalDS.NumExamples()+validationEvalDS.NumExamples())
	assert.Equal(t, trainEvalDS.NumExamples(), trainDS.NumExamples())

	// Training dataset is infinite, with full batches.
	for range 20 {
		_, inputs, labels, err := trainDS.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().CheckDims(4, 64, 64, 3))
		require.NoError(t, labels[0].Shape().CheckDims(4, 1))
	}

	// Without folds, there is no validation dataset.
	ctx.SetParam(ParamNumFolds, 0)
	_, trainEvalDS, validationEvalDS, err = CreateDatasets(ctx, dataDir, false)
	require.NoError(t, err)
	assert.Nil(t, validationEvalDS)
	assert.Equal(t, 30, trainEvalDS.NumExamples())

	// Invalid configurations.
	ctx.SetParams(map[string]any{ParamNumFolds: 3, ParamValidationFold: 3})
	_, _, _, err = CreateDatasets(ctx, dataDir, false)
	require.Error(t, err)
	ctx.SetParams(map[string]any{ParamValidationFold: 0, ParamBatchSize: 0})
	_, _, _, err = CreateDatasets(ctx, dataDir, false)
	require.Error(t, err)
	ctx.SetParams(map[string]any{ParamBatchSize: 4, ParamImageSize: 16})
	_, _, _, err = CreateDatasets(ctx, dataDir, false)
	require.Error(t, err)

	// The default 2x2 average pooling requires images of at least 64x64, global pooling 32x32.
	ctx.SetParam(ParamImageSize, 32)
	_, _, _, err = CreateDatasets(ctx, dataDir, false)
	require.Error(t, err)
	ctx.SetParam(resnet.ParamPooling, "avg")
	_, _, _, err = CreateDatasets(ctx, dataDir, false)
	require.NoError(t, err)
	ctx.SetParam(resnet.ParamPooling, "median")
	_, _, _, err = CreateDatasets(ctx, dataDir, false)
	require.Error(t, err)
}

func TestTrainErrors(t *testing.T) {
	ctx := CreateDefaultContext()
	err := Train(ctx, filepath.Join(t.TempDir(), "missing"), "", false, -1, nil)
	require.Error(t, err)

	// Number of classes doesn't match the image folder.
	dataDir := createImageFolder(t, 2)
	ctx.SetParams(map[string]any{
		ParamImageSize:         64,
		ParamNumFolds:          0,
		resnet.ParamNumClasses: 7,
	})
	err = Train(ctx, dataDir, "", false, -1, nil)
	require.Error(t, err)
}

// TestTrain trains a ResNet-50 on tiny images for a few steps, and checks the checkpoint is saved.
func TestTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	dataDir := createImageFolder(t, 8)
	checkpointDir := filepath.Join(t.TempDir(), "checkpoint")
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:    5,
		ParamImageSize:     64,
		ParamBatchSize:     4,
		ParamEvalBatchSize: 8,
		ParamNumFolds:      2,
	})
	require.NoError(t, Train(ctx, dataDir, checkpointDir, true, -1, nil))
	assert.Equal(t, int64(5), optimizers.GetGlobalStep(ctx))
	assert.Equal(t, 3, context.GetParamOr(ctx, resnet.ParamNumClasses, 0))
	assert.Equal(t, []string{"class_0", "class_1", "class_2"}, context.GetParamOr(ctx, ParamClassNames, []string(nil)))
	assert.NotNil(t, ctx.InspectVariable("/"+resnet.BuildScope+"/res1", "weights"))
	assert.NotNil(t, ctx.InspectVariable("/"+resnet.BuildScope+"/"+resnet.HeadScope(3)+"/dense", "weights"))

	entries, err := os.ReadDir(checkpointDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "checkpoint should have been saved")
}
