// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a ResNet-50 model trained with package training.
// It loads the model from a checkpoint and offers Classify and ClassifyBatch, which classify any image,
// by first resizing it to the model's input size.
//
// The backend can be configured with GOMLX_BACKEND.
package classifier

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet50/imagefolder"
	"github.com/gomlx/resnet50/resnet"
	"github.com/gomlx/resnet50/training"
	"github.com/pkg/errors"
)

// Classifier holds the ResNet-50 model compiled.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec executes the model: it takes a batch of images and returns the class ids and their probabilities.
	exec *context.Exec

	imageSize  int
	resizeMode imagefolder.ResizeMode
	classNames []string
	toTensor   *timage.ToTensorConfig
}

// Prediction of the classifier for one image.
type Prediction struct {
	// ClassID is the index of the class with the highest probability.
	ClassID int

	// Probability of ClassID, from 0 to 1.
	Probability float32
}

// New creates a Classifier for the model saved in checkpointDir, using the default backend.
func New(checkpointDir string) (*Classifier, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend for classifier")
	}
	return NewWithBackend(backend, checkpointDir)
}

// NewWithBackend creates a Classifier for the model saved in checkpointDir, using the given backend.
func NewWithBackend(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend:    backend,
		ctx:        context.New(),
		resizeMode: imagefolder.ResizeFill,
		toTensor:   timage.ToTensor(dtypes.Float32),
	}

	// Notice all hyperparameters are read from the checkpoint as well, so it will build the same model.
	// We don't need to keep the checkpoint handler around, since we are not going to use it to save.
	_, err := checkpoints.Load(c.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading ResNet-50 model from %q", checkpointDir)
	}
	if numClasses := context.GetParamOr(c.ctx, resnet.ParamNumClasses, 0); numClasses <= 0 {
		return nil, errors.Errorf("checkpoint %q has no valid %q (got %d)", checkpointDir, resnet.ParamNumClasses, numClasses)
	}
	c.imageSize = context.GetParamOr(c.ctx, training.ParamImageSize, 224)
	c.classNames = context.GetParamOr(c.ctx, training.ParamClassNames, []string(nil))
	c.ctx = c.ctx.Reuse() // Mark it to reuse variables: it will be an error to create a new variable.

	c.exec, err = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, images *Node) []*Node {
		logits := resnet.ModelGraph(ctx, nil, []*Node{images})[0]
		probabilities := ReduceMax(Softmax(logits, -1), -1)
		classIDs := ArgMax(logits, -1, dtypes.Int32)
		return []*Node{classIDs, probabilities}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executor for model in %q", checkpointDir)
	}
	return c, nil
}

// ImageSize returns the width and height images are resized to before being classified.
func (c *Classifier) ImageSize() int { return c.imageSize }

// ClassNames returns the names of the classes, indexed by class id.
// It may be nil, if the names were not saved with the model.
func (c *Classifier) ClassNames() []string { return c.classNames }

// ClassName returns the name of the class id, or "" if not known.
func (c *Classifier) ClassName(classID int) string {
	if classID < 0 || classID >= len(c.classNames) {
		return ""
	}
	return c.classNames[classID]
}

// Classify returns the class id of the image and its probability.
// The image is resized (and cropped to fill) to the model's input size.
func (c *Classifier) Classify(img image.Image) (classID int, probability float32, err error) {
	predictions, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return 0, 0, err
	}
	return predictions[0].ClassID, predictions[0].Probability, nil
}

// ClassifyBatch classifies all images at once, returning one Prediction per image.
//
// Each new batch size causes a new compilation of the model, so for efficiency keep the batch size fixed.
func (c *Classifier) ClassifyBatch(imgs []image.Image) ([]Prediction, error) {
	if len(imgs) == 0 {
		return nil, errors.New("no images to classify")
	}
	resized := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		if img == nil || img.Bounds().Empty() {
			return nil, errors.Errorf("image #%d is empty", ii)
		}
		resized[ii] = imagefolder.ResizeImage(imaging.Clone(img), c.imageSize, c.imageSize, c.resizeMode)
	}

	var classIDsT, probabilitiesT *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var err error
		classIDsT, probabilitiesT, err = c.exec.Exec2(c.toTensor.Batch(resized))
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to classify images")
	}
	classIDs := tensors.CopyFlatData[int32](classIDsT)
	probabilities := tensors.CopyFlatData[float32](probabilitiesT)
	predictions := make([]Prediction, len(imgs))
	for ii := range predictions {
		predictions[ii] = Prediction{ClassID: int(classIDs[ii]), Probability: probabilities[ii]}
	}
	return predictions, nil
}

// ClassifyFile reads the image file and classifies it.
func (c *Classifier) ClassifyFile(imagePath string) (classID int, probability float32, err error) {
	img, err := imagefolder.ReadImage(imagePath)
	if err != nil {
		return 0, 0, err
	}
	return c.Classify(img)
}
