// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder implements a train.Dataset of labeled images organized in a directory tree:
// one sub-directory per class, named after the class, holding the image files.
//
//	<root>/cat/001.jpg
//	<root>/cat/002.png
//	<root>/dog/001.jpg
//
// Class ids are assigned in the sorted order of the sub-directory names.
package imagefolder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Extensions of the image files read. Other files are ignored.
var Extensions = []string{".jpg", ".jpeg", ".png"}

// ResizeMode defines how images are fit to the dataset width and height.
type ResizeMode int

const (
	// ResizeFill scales the image to cover the target size, and crops the center.
	ResizeFill ResizeMode = iota

	// ResizePad scales the image to fit within the target size, preserving the aspect ratio,
	// and pads the rest with transparent black.
	ResizePad

	// ResizeStretch scales the image to the target size, ignoring the aspect ratio.
	ResizeStretch
)

// Example is one image file and its class id.
type Example struct {
	Path  string
	Label int
}

// Dataset implements train.Dataset, yielding batches of images and their labels.
//
// Inputs are a single tensor shaped `[batch_size, height, width, 3]` with values from 0 to 1,
// and labels are shaped `[batch_size, 1]` of dtype Int64.
type Dataset struct {
	name       string
	root       string
	classNames []string
	all        []Example // All examples found under root.
	examples   []Example // Examples in the selected folds.

	// Image transformation.
	width, height int
	resizeMode    ResizeMode
	angleStdDev   float64
	flipRandomly  bool
	rng           *rand.Rand
	dtype         dtypes.DType
	toTensor      *timage.ToTensorConfig

	// Sampling.
	batchSize      int
	dropIncomplete bool
	infinite       bool
	shuffle        *rand.Rand

	// Folds.
	numFolds  int
	folds     []int
	foldsSeed int32

	// muSelection protects the fields below.
	muSelection sync.Mutex
	position    int
	selection   []int

	// cache of preloaded (resized but not augmented) images, indexed like examples.
	cache []image.Image
}

var _ train.Dataset = (*Dataset)(nil)

// New scans root for images and creates a Dataset with them.
//
// The default configuration yields batches of 32 images of 224x224 (the ResNet-50 size), in order,
// for one epoch only. Use the configuration methods to change it.
func New(name, root string) (*Dataset, error) {
	ds := &Dataset{
		name:       name,
		root:       root,
		width:      224,
		height:     224,
		resizeMode: ResizeFill,
		rng:        rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
		dtype:      dtypes.Float32,
		batchSize:  32,
	}
	ds.toTensor = timage.ToTensor(ds.dtype)
	if err := ds.scan(); err != nil {
		return nil, err
	}
	ds.examples = ds.all
	ds.Reset()
	return ds, nil
}

// scan lists the class sub-directories and their image files.
// Sub-directories without images (e.g. a checkpoint directory) are not classes.
func (ds *Dataset) scan() error {
	entries, err := os.ReadDir(ds.root)
	if err != nil {
		return errors.Wrapf(err, "failed to read image folder %q", ds.root)
	}
	var dirNames []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			dirNames = append(dirNames, entry.Name())
		}
	}
	slices.Sort(dirNames)
	for _, dirName := range dirNames {
		paths, err := listImages(filepath.Join(ds.root, dirName))
		if err != nil {
			return errors.WithMessagef(err, "failed to list images of class %q", dirName)
		}
		if len(paths) == 0 {
			klog.V(1).Infof("imagefolder %q: sub-directory %q has no images, skipping", ds.name, dirName)
			continue
		}
		label := len(ds.classNames)
		ds.classNames = append(ds.classNames, dirName)
		for _, path := range paths {
			ds.all = append(ds.all, Example{Path: path, Label: label})
		}
	}
	if len(ds.classNames) == 0 {
		return errors.Errorf("image folder %q has no class sub-directories with images (%v)", ds.root, Extensions)
	}
	klog.V(1).Infof("imagefolder %q: %s images in %d classes under %q",
		ds.name, humanize.Comma(int64(len(ds.all))), len(ds.classNames), ds.root)
	return nil
}

// listImages returns the paths of the image files under dir, recursively, in lexical order.
func listImages(dir string) (paths []string, err error) {
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(Extensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk %q", dir)
	}
	return paths, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ClassNames returns the names of the classes, indexed by the class id.
func (ds *Dataset) ClassNames() []string { return ds.classNames }

// NumClasses returns the number of classes found.
func (ds *Dataset) NumClasses() int { return len(ds.classNames) }

// NumExamples returns the number of examples in the selected folds.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// Examples in the selected folds.
func (ds *Dataset) Examples() []Example { return ds.examples }

// Size sets the width and height of the images yielded. Default is 224x224.
func (ds *Dataset) Size(width, height int) *Dataset {
	ds.width, ds.height = width, height
	ds.cache = nil
	return ds
}

// Resize sets how images are fit to the configured size. Default is ResizeFill.
func (ds *Dataset) Resize(mode ResizeMode) *Dataset {
	ds.resizeMode = mode
	ds.cache = nil
	return ds
}

// DType of the yielded images. Default is Float32.
func (ds *Dataset) DType(dtype dtypes.DType) *Dataset {
	ds.dtype = dtype
	ds.toTensor = timage.ToTensor(dtype)
	return ds
}

// BatchSize sets the number of examples per yielded batch. If dropIncomplete is true, the last batch
// of an epoch is dropped if it has fewer than batchSize examples.
func (ds *Dataset) BatchSize(batchSize int, dropIncomplete bool) *Dataset {
	ds.batchSize = batchSize
	ds.dropIncomplete = dropIncomplete
	return ds
}

// Infinite configures the dataset to loop indefinitely. Use it for training with `train.Loop.RunSteps()`.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	ds.Reset()
	return ds
}

// Shuffle the examples with the given random number generator. If nil, examples are yielded in order.
// In infinite mode, it samples with replacement.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.Reset()
	return ds
}

// Augment configures random augmentation: a rotation with normally distributed angle (in degrees) of
// the given standard deviation, and horizontal flipping with 50% probability.
// Set angleStdDev to 0 and flipRandomly to false to disable augmentation (the default).
func (ds *Dataset) Augment(angleStdDev float64, flipRandomly bool) *Dataset {
	ds.angleStdDev = angleStdDev
	ds.flipRandomly = flipRandomly
	return ds
}

// Folds splits the images into numFolds folds, using a hash of the image path with foldsSeed,
// and selects only the given folds. Use it to split train and validation datasets from the same folder.
func (ds *Dataset) Folds(numFolds int, folds []int, foldsSeed int32) (*Dataset, error) {
	if numFolds <= 0 {
		return nil, errors.Errorf("number of folds must be > 0, got %d", numFolds)
	}
	if len(folds) == 0 {
		return nil, errors.Errorf("dataset with %d folds, but none selected for dataset %q", numFolds, ds.name)
	}
	for _, fold := range folds {
		if fold < 0 || fold >= numFolds {
			return nil, errors.Errorf("fold %d invalid for dataset with %d folds (folds selection is %v)",
				fold, numFolds, folds)
		}
	}
	ds.numFolds, ds.folds, ds.foldsSeed = numFolds, folds, foldsSeed
	ds.examples = make([]Example, 0, len(ds.all)*len(folds)/numFolds)
	for _, example := range ds.all {
		if ds.inFold(example.Path) {
			ds.examples = append(ds.examples, example)
		}
	}
	if len(ds.examples) == 0 {
		return nil, errors.Errorf("no images in folds %v of %d for dataset %q", folds, numFolds, ds.name)
	}
	ds.cache = nil
	ds.Reset()
	return ds, nil
}

// FoldOf returns the fold of the image path, for the given number of folds and seed.
func FoldOf(path string, numFolds int, foldsSeed int32) int {
	var buffer bytes.Buffer
	_ = binary.Write(&buffer, binary.LittleEndian, foldsSeed)
	buffer.WriteString(filepath.ToSlash(path))
	return int(crc32.ChecksumIEEE(buffer.Bytes()) % uint32(numFolds))
}

func (ds *Dataset) inFold(path string) bool {
	rel, err := filepath.Rel(ds.root, path)
	if err != nil {
		rel = path
	}
	return slices.Contains(ds.folds, FoldOf(rel, ds.numFolds, ds.foldsSeed))
}

// Copy returns a new Dataset sharing the list of examples (and the preloaded images, if any) but with its own
// sampling state. Use it to create training and evaluation datasets from the same folder.
func (ds *Dataset) Copy() *Dataset {
	ds2 := &Dataset{
		name:           ds.name,
		root:           ds.root,
		classNames:     ds.classNames,
		all:            ds.all,
		examples:       ds.examples,
		width:          ds.width,
		height:         ds.height,
		resizeMode:     ds.resizeMode,
		angleStdDev:    ds.angleStdDev,
		flipRandomly:   ds.flipRandomly,
		rng:            rand.New(rand.NewSource(ds.rng.Int63())),
		dtype:          ds.dtype,
		toTensor:       ds.toTensor,
		batchSize:      ds.batchSize,
		dropIncomplete: ds.dropIncomplete,
		infinite:       ds.infinite,
		shuffle:        ds.shuffle,
		numFolds:       ds.numFolds,
		folds:          ds.folds,
		foldsSeed:      ds.foldsSeed,
		cache:          ds.cache,
	}
	ds2.Reset()
	return ds2
}

// WithName returns the dataset with a new name.
func (ds *Dataset) WithName(name string) *Dataset {
	ds.name = name
	return ds
}

// Reset implements train.Dataset: it restarts the dataset from the beginning, creating a new shuffle if
// configured.
func (ds *Dataset) Reset() {
	ds.muSelection.Lock()
	defer ds.muSelection.Unlock()
	ds.position = 0
	ds.selection = ds.selection[:0]
	for ii := range ds.examples {
		ds.selection = append(ds.selection, ii)
	}
	if ds.shuffle != nil && !ds.infinite {
		ds.shuffle.Shuffle(len(ds.selection), func(i, j int) {
			ds.selection[i], ds.selection[j] = ds.selection[j], ds.selection[i]
		})
	}
}

// nextIndices returns the indices (into ds.examples) of the next batch, or io.EOF.
func (ds *Dataset) nextIndices() ([]int, error) {
	ds.muSelection.Lock()
	defer ds.muSelection.Unlock()
	numExamples := len(ds.selection)
	if numExamples == 0 {
		return nil, io.EOF
	}
	indices := make([]int, 0, ds.batchSize)
	for len(indices) < ds.batchSize {
		if ds.infinite {
			if ds.shuffle != nil {
				indices = append(indices, ds.selection[ds.shuffle.Intn(numExamples)])
			} else {
				indices = append(indices, ds.selection[ds.position])
				ds.position = (ds.position + 1) % numExamples
			}
			continue
		}
		if ds.position >= numExamples {
			break
		}
		indices = append(indices, ds.selection[ds.position])
		ds.position++
	}
	if len(indices) == 0 || (ds.dropIncomplete && len(indices) < ds.batchSize) {
		return nil, io.EOF
	}
	return indices, nil
}

// ReadImage reads and decodes the image file.
func ReadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imagePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imagePath)
	}
	return img, nil
}

// ResizeImage fits img to width x height using the given mode.
func ResizeImage(img image.Image, width, height int, mode ResizeMode) image.Image {
	switch mode {
	case ResizeStretch:
		return imaging.Resize(img, width, height, imaging.Lanczos)
	case ResizePad:
		return ResizeWithPadding(img, width, height)
	default:
		return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	}
}

// ResizeWithPadding scales img to fit within width x height preserving its aspect ratio,
// and pads the rest with transparent black.
func ResizeWithPadding(img image.Image, width, height int) image.Image {
	imgSize := img.Bounds().Size()
	wRatio := float64(width) / float64(imgSize.X)
	hRatio := float64(height) / float64(imgSize.Y)
	adjustedWidth, adjustedHeight := width, height
	if wRatio < hRatio {
		adjustedHeight = max(1, int(wRatio*float64(imgSize.Y)))
	} else if hRatio < wRatio {
		adjustedWidth = max(1, int(hRatio*float64(imgSize.X)))
	}
	img = imaging.Resize(img, adjustedWidth, adjustedHeight, imaging.Lanczos)
	if adjustedWidth != width || adjustedHeight != height {
		bgImg := image.NewRGBA(image.Rect(0, 0, width, height))
		img = imaging.PasteCenter(bgImg, img)
	}
	return img
}

// loadResized returns the resized (not augmented) image of example exampleIdx.
func (ds *Dataset) loadResized(exampleIdx int) (image.Image, error) {
	if ds.cache != nil && ds.cache[exampleIdx] != nil {
		return ds.cache[exampleIdx], nil
	}
	img, err := ReadImage(ds.examples[exampleIdx].Path)
	if err != nil {
		return nil, err
	}
	return ResizeImage(img, ds.width, ds.height, ds.resizeMode), nil
}

// augment applies the configured random transformations.
func (ds *Dataset) augment(img image.Image, rng *rand.Rand) image.Image {
	if ds.angleStdDev > 0 {
		img = imaging.Rotate(img, rng.NormFloat64()*ds.angleStdDev, color.Black)
		img = imaging.Fill(img, ds.width, ds.height, imaging.Center, imaging.Lanczos)
	}
	if ds.flipRandomly && rng.Intn(2) == 1 {
		img = imaging.FlipH(img)
	}
	return img
}

// YieldImages returns the next batch of images (resized and augmented) and their labels.
// It returns io.EOF at the end of an epoch, if the dataset is not infinite.
func (ds *Dataset) YieldImages() (images []image.Image, labels []int64, err error) {
	indices, err := ds.nextIndices()
	if err != nil {
		return nil, nil, err
	}
	images = make([]image.Image, len(indices))
	labels = make([]int64, len(indices))

	// Images are decoded in parallel, each worker with its own random number generator for the augmentation.
	parallelism := min(runtime.NumCPU(), len(indices))
	var wg sync.WaitGroup
	var muErr sync.Mutex
	var firstErr error
	seeds := make([]int64, parallelism)
	for ii := range seeds {
		seeds[ii] = ds.rng.Int63()
	}
	for worker := range parallelism {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seeds[worker]))
			for ii := worker; ii < len(indices); ii += parallelism {
				exampleIdx := indices[ii]
				img, err := ds.loadResized(exampleIdx)
				if err != nil {
					muErr.Lock()
					if firstErr == nil {
						firstErr = err
					}
					muErr.Unlock()
					return
				}
				images[ii] = ds.augment(img, rng)
				labels[ii] = int64(ds.examples[exampleIdx].Label)
			}
		}(worker)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, nil, firstErr
	}
	return images, labels, nil
}

// Yield implements train.Dataset. It returns:
//
//   - spec: nil.
//   - inputs: the images batch shaped `[batch_size, height, width, 3]`.
//   - labels: the class ids shaped `[batch_size, 1]` of dtype Int64.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	images, labelsValues, err := ds.YieldImages()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelsValues, len(labelsValues), 1)}
	return nil, inputs, labels, nil
}

// Preload reads and resizes all images of the dataset, and keeps them in memory. Augmentation is
// still applied at every Yield.
//
// If verbose, it displays a progress bar.
func (ds *Dataset) Preload(verbose bool) error {
	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(len(ds.examples),
			progressbar.OptionSetDescription("Preloading "+ds.name),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	cache := make([]image.Image, len(ds.examples))
	for ii, example := range ds.examples {
		img, err := ReadImage(example.Path)
		if err != nil {
			return err
		}
		cache[ii] = ResizeImage(img, ds.width, ds.height, ds.resizeMode)
		if pBar != nil {
			_ = pBar.Add(1)
		}
	}
	if pBar != nil {
		_ = pBar.Close()
	}
	ds.cache = cache
	return nil
}
