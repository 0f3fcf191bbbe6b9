// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createImageFolder writes numPerClass solid-color PNGs of size 20x10 per class under a temporary directory.
// Class "cat" images are red, "dog" images are blue.
func createImageFolder(t *testing.T, numPerClass int) string {
	root := t.TempDir()
	colors := map[string]color.RGBA{
		"dog": {0, 0, 255, 255},
		"cat": {255, 0, 0, 255},
	}
	for className, c := range colors {
		dir := filepath.Join(root, className)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for ii := range numPerClass {
			img := image.NewRGBA(image.Rect(0, 0, 20, 10))
			for y := range 10 {
				for x := range 20 {
					img.SetRGBA(x, y, c)
				}
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%03d.png", ii)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	// Files that should be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat", "notes.txt"), []byte("not an image"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "checkpoints"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "checkpoints", "checkpoint.json"), []byte("{}"), 0o644))
	return root
}

func TestNew(t *testing.T) {
	root := createImageFolder(t, 5)
	ds, err := New("test", root)
	require.NoError(t, err)
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, []string{"cat", "dog"}, ds.ClassNames())
	assert.Equal(t, 2, ds.NumClasses())
	assert.Equal(t, 10, ds.NumExamples())

	_, err = New("empty", t.TempDir())
	require.Error(t, err)
	_, err = New("missing", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestYield(t *testing.T) {
	root := createImageFolder(t, 5)
	ds, err := New("test", root)
	require.NoError(t, err)
	ds.Size(8, 6).BatchSize(4, false)

	var gotLabels []int64
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Nil(t, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		batchSize := labels[0].Shape().Dimensions[0]
		require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, batchSize, 6, 8, 3))
		require.NoError(t, labels[0].Shape().Check(dtypes.Int64, batchSize, 1))
		gotLabels = append(gotLabels, tensors.CopyFlatData[int64](labels[0])...)
	}
	// Not shuffled: all cats (0) then all dogs (1), last batch incomplete.
	assert.Equal(t, []int64{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}, gotLabels)

	// Dropping incomplete batches.
	ds.BatchSize(4, true).Reset()
	numBatches := 0
	for {
		_, _, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		numBatches++
	}
	assert.Equal(t, 2, numBatches)
}

func TestYieldImages(t *testing.T) {
	root := createImageFolder(t, 3)
	ds, err := New("test", root)
	require.NoError(t, err)
	ds.Size(8, 8).BatchSize(6, false)
	images, labels, err := ds.YieldImages()
	require.NoError(t, err)
	require.Len(t, images, 6)
	for ii, img := range images {
		assert.Equal(t, image.Pt(8, 8), img.Bounds().Size())
		r, _, b, _ := img.At(4, 4).RGBA()
		if labels[ii] == 0 {
			assert.Greater(t, r, b, "cat images should be red")
		} else {
			assert.Greater(t, b, r, "dog images should be blue")
		}
	}
}

func TestInfiniteShuffle(t *testing.T) {
	root := createImageFolder(t, 3)
	ds, err := New("test", root)
	require.NoError(t, err)
	ds.Size(4, 4).BatchSize(4, true).Shuffle(rand.New(rand.NewSource(42))).Infinite(true)
	// Many more examples than the dataset has: it should never return io.EOF.
	for range 10 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 4, 4, 4, 3))
		for _, label := range tensors.CopyFlatData[int64](labels[0]) {
			assert.Contains(t, []int64{0, 1}, label)
		}
	}
}

func TestFolds(t *testing.T) {
	root := createImageFolder(t, 20)
	ds, err := New("test", root)
	require.NoError(t, err)
	const numFolds = 4
	total := 0
	seen := make(map[string]int)
	for fold := range numFolds {
		dsFold, err := New(fmt.Sprintf("fold-%d", fold), root)
		require.NoError(t, err)
		dsFold, err = dsFold.Folds(numFolds, []int{fold}, 7)
		if err != nil {
			// A fold may be empty by chance, but not all of them.
			continue
		}
		total += dsFold.NumExamples()
		for _, example := range dsFold.Examples() {
			seen[example.Path]++
		}
	}
	assert.Equal(t, ds.NumExamples(), total, "folds must partition the examples")
	for path, count := range seen {
		assert.Equalf(t, 1, count, "example %q in more than one fold", path)
	}

	// Deterministic.
	assert.Equal(t, FoldOf("cat/001.png", numFolds, 7), FoldOf("cat/001.png", numFolds, 7))

	_, err = ds.Folds(0, []int{0}, 0)
	require.Error(t, err)
	_, err = ds.Folds(numFolds, nil, 0)
	require.Error(t, err)
	_, err = ds.Folds(numFolds, []int{numFolds}, 0)
	require.Error(t, err)
}

func TestPreloadAndAugment(t *testing.T) {
	root := createImageFolder(t, 2)
	ds, err := New("test", root)
	require.NoError(t, err)
	ds.Size(8, 8).BatchSize(4, false).Augment(5.0, true)
	require.NoError(t, ds.Preload(false))
	dsCopy := ds.Copy().WithName("copy")
	assert.Equal(t, "copy", dsCopy.Name())
	assert.Equal(t, "test", ds.Name())
	for _, d := range []*Dataset{ds, dsCopy} {
		_, inputs, _, err := d.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 4, 8, 8, 3))
	}
}

func TestResizeWithPadding(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	resized := ResizeWithPadding(img, 10, 10)
	assert.Equal(t, image.Pt(10, 10), resized.Bounds().Size())
	for _, mode := range []ResizeMode{ResizeFill, ResizePad, ResizeStretch} {
		resized = ResizeImage(img, 7, 5, mode)
		assert.Equal(t, image.Pt(7, 5), resized.Bounds().Size())
	}
}
