// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet50/resnet"
	"github.com/gomlx/resnet50/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// saveRandomModel initializes a ResNet-50 with random weights and saves it to a checkpoint.
func saveRandomModel(t *testing.T, numClasses int) string {
	backend := graphtest.BuildTestBackend()
	dir := filepath.Join(t.TempDir(), "model")
	ctx := training.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		resnet.ParamNumClasses:   numClasses,
		training.ParamImageSize:  64,
		training.ParamClassNames: []string{"apple", "banana", "cherry"}[:numClasses],
	})
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 1, 64, 64, 3))
		return resnet.ModelGraph(ctx, nil, []*Node{x})[0]
	})
	require.NoError(t, checkpoint.Save())
	return dir
}

func newTestImage(width, height int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetRGBA(x, y, color.RGBA{R: c.R + uint8(x%16), G: c.G + uint8(y%16), B: c.B, A: 255})
		}
	}
	return img
}

func TestClassifier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	const numClasses = 3
	dir := saveRandomModel(t, numClasses)
	c, err := NewWithBackend(graphtest.BuildTestBackend(), dir)
	require.NoError(t, err)
	assert.Equal(t, 64, c.ImageSize())
	assert.Equal(t, []string{"apple", "banana", "cherry"}, c.ClassNames())
	assert.Equal(t, "banana", c.ClassName(1))
	assert.Equal(t, "", c.ClassName(numClasses))

	imgs := []image.Image{
		newTestImage(50, 40, color.RGBA{R: 200, A: 255}),
		newTestImage(20, 64, color.RGBA{G: 200, A: 255}),
		newTestImage(32, 32, color.RGBA{B: 200, A: 255}),
	}
	predictions, err := c.ClassifyBatch(imgs)
	require.NoError(t, err)
	require.Len(t, predictions, len(imgs))
	for _, p := range predictions {
		assert.GreaterOrEqual(t, p.ClassID, 0)
		assert.Less(t, p.ClassID, numClasses)
		// The highest probability of numClasses classes is at least 1/numClasses.
		assert.GreaterOrEqual(t, p.Probability, float32(1.0/numClasses)-1e-4)
		assert.LessOrEqual(t, p.Probability, float32(1.0)+1e-4)
	}

	// Inference doesn't depend on the other examples in the batch.
	classID, probability, err := c.Classify(imgs[0])
	require.NoError(t, err)
	assert.Equal(t, predictions[0].ClassID, classID)
	assert.InDelta(t, predictions[0].Probability, probability, 1e-3)

	_, err = c.ClassifyBatch(nil)
	require.Error(t, err)
	_, _, err = c.Classify(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	require.Error(t, err)
	_, _, err = c.ClassifyFile(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	_, err := NewWithBackend(graphtest.BuildTestBackend(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
