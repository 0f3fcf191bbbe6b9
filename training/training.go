// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains a ResNet-50 classifier on an image folder (see package imagefolder),
// with hyperparameters taken from the context. See CreateDefaultContext for the list of hyperparameters.
package training

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet50/imagefolder"
	"github.com/gomlx/resnet50/resnet"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters (in the context) used by the training, besides those of the resnet package and
// the framework's optimizers and layers.
const (
	// ParamTrainSteps is the total number of training steps. If the model loaded from a checkpoint
	// has already been trained for more steps, no further training happens.
	ParamTrainSteps = "train_steps"

	// ParamBatchSize is the training batch size.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the batch size used for evaluation. If <= 0, it uses ParamBatchSize.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamImageSize is the width and height images are resized to.
	ParamImageSize = "image_size"

	// ParamNumFolds is the number of folds the image folder is split into. One of them (ParamValidationFold)
	// is used for validation, and the others for training. If <= 1, there is no validation set.
	ParamNumFolds = "num_folds"

	// ParamValidationFold is the fold used for validation.
	ParamValidationFold = "validation_fold"

	// ParamFoldsSeed is the seed used to hash the images into folds.
	ParamFoldsSeed = "folds_seed"

	// ParamAugmentationAngleStdDev is the standard deviation, in degrees, of the random rotation of the training images.
	ParamAugmentationAngleStdDev = "augmentation_angle_stddev"

	// ParamAugmentationRandomFlips enables random horizontal flips of the training images.
	ParamAugmentationRandomFlips = "augmentation_random_flips"

	// ParamPreload reads and resizes all images into memory before training.
	ParamPreload = "preload_images"

	// ParamClassNames is set by Train with the class names of the image folder, indexed by class id,
	// and saved with the checkpoint for inference.
	ParamClassNames = "class_names"
)

var (
	// DType used by the model.
	DType = dtypes.Float32

	// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
	// along on the models checkpoints, and may be overwritten in further training sessions.
	ParamsExcludedFromSaving = []string{
		ParamTrainSteps, ParamNumCheckpoints, ParamPreload, plotly.ParamPlots,
	}

	// CheckpointPeriod is the interval of training time between saving checkpoints.
	CheckpointPeriod = time.Minute * 3
)

// Backend is created once and reused if Train is called multiple times.
var Backend backends.Backend

// CreateDefaultContext sets the context with default hyperparameters to use with Train.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamNumCheckpoints: 3,
		ParamTrainSteps:     10_000,

		// batch_size for training.
		ParamBatchSize: 32,

		// eval_batch_size can be larger than training, it's more efficient.
		ParamEvalBatchSize: 64,

		// Data.
		ParamImageSize:               224,
		ParamNumFolds:                5,
		ParamValidationFold:          0,
		ParamFoldsSeed:               0,
		ParamAugmentationAngleStdDev: 10.0,
		ParamAugmentationRandomFlips: true,
		ParamPreload:                 false,

		// "plots" trigger generating intermediary eval data for plotting, and if running in GoNB, to actually
		// draw the plot with Plotly. The points are saved along the checkpoint.
		plotly.ParamPlots: false,

		// Optimizer.
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		regularizers.ParamL2:            1e-4,
		regularizers.ParamL1:            0.0,
		layers.ParamDropoutRate:         0.0,

		// ResNet-50: number of classes is taken from the image folder if left as 0.
		resnet.ParamNumClasses:        0,
		resnet.ParamDropoutRate:       -1.0, // Set to 0.0 for no dropout, otherwise it falls back to layers.ParamDropoutRate.
		resnet.ParamPooling:           resnet.PoolingAvg2x2.String(),
		resnet.ParamBatchNormMomentum: resnet.DefaultBatchNormMomentum,
		resnet.ParamBatchNormEpsilon:  resnet.DefaultBatchNormEpsilon,
		resnet.ParamChannelsFirst:     false,
	})
	return ctx
}

// Train a ResNet-50 model on the image folder in dataDir, with the hyperparameters in ctx.
//
// If checkpointPath is not empty, the model is loaded from the checkpoint (if one exists) and saved periodically.
// A relative checkpointPath is taken relative to dataDir.
// paramsSet are the hyperparameters set from the command line, which are not overwritten by the values
// saved in the checkpoint.
func Train(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) error {
	return exceptions.TryCatch[error](func() {
		trainModel(ctx, dataDir, checkpointPath, evaluateOnEnd, verbosity, paramsSet)
	})
}

// trainModel implements Train, panicking on errors.
func trainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		exceptions.Panicf("image folder %q doesn't exist", dataDir)
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if Backend == nil {
		Backend = must.M1(backends.New())
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	// Checkpoints saving: it loads the hyperparameters and weights, if a checkpoint already exists.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	// Create datasets used for training and evaluation.
	trainDS, trainEvalDS, validationEvalDS := must.M3(CreateDatasets(ctx, dataDir, verbosity >= 0))
	numClasses := context.GetParamOr(ctx, resnet.ParamNumClasses, 0)
	if numClasses <= 0 {
		numClasses = trainEvalDS.NumClasses()
		ctx.SetParam(resnet.ParamNumClasses, numClasses)
	} else if numClasses != trainEvalDS.NumClasses() {
		exceptions.Panicf("model configured with %s=%d, but image folder %q has %d classes",
			resnet.ParamNumClasses, numClasses, dataDir, trainEvalDS.NumClasses())
	}
	ctx.SetParam(ParamClassNames, trainEvalDS.ClassNames())
	if verbosity >= 1 {
		fmt.Printf("Image folder %q: %s training images", dataDir, humanize.Comma(int64(trainEvalDS.NumExamples())))
		if validationEvalDS != nil {
			fmt.Printf(", %s validation images", humanize.Comma(int64(validationEvalDS.NumExamples())))
		}
		fmt.Printf(", %d classes\n", numClasses)
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Metrics we are interested.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	trainer := train.NewTrainer(Backend, ctx, resnet.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Checkpoint saving: every CheckpointPeriod of training.
	if checkpoint != nil {
		train.PeriodicCallback(loop, CheckpointPeriod, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps.
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		evalDatasets := []train.Dataset{trainEvalDS}
		if validationEvalDS != nil {
			evalDatasets = append(evalDatasets, validationEvalDS)
		}
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(evalDatasets...).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages: they are used during inference.
		if batchnorm.UpdateAverages(trainer, trainEvalDS) {
			if verbosity >= 1 {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}
	klog.V(1).Infof("training done at global_step=%d", optimizers.GetGlobalStep(ctx))

	// Finally, print an evaluation on train and validation datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		evalDatasets := []train.Dataset{trainEvalDS}
		if validationEvalDS != nil {
			evalDatasets = append(evalDatasets, validationEvalDS)
		}
		must.M(commandline.ReportEval(trainer, evalDatasets...))
	}
}

// CreateDatasets from the image folder in dataDir, configured by the hyperparameters in ctx.
//
// It returns the training dataset (infinite and shuffled, with augmentation), and the evaluation
// datasets for the training and validation folds. If the number of folds is <= 1, the validation dataset is nil.
//
// If ParamPreload is set, images are read into memory, displaying a progress bar if verbose.
func CreateDatasets(ctx *context.Context, dataDir string, verbose bool) (trainDS, trainEvalDS, validationEvalDS *imagefolder.Dataset, err error) {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		err = errors.Errorf("%q must be > 0 (maybe it was not set?): %d", ParamBatchSize, batchSize)
		return
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	imageSize := context.GetParamOr(ctx, ParamImageSize, 224)
	pooling, err := resnet.PoolingFromName(context.GetParamOr(ctx, resnet.ParamPooling, resnet.PoolingAvg2x2.String()))
	if err != nil {
		err = errors.WithMessagef(err, "invalid hyperparameter %q", resnet.ParamPooling)
		return
	}
	if imageSize < pooling.MinImageSize() {
		err = errors.Errorf("%q must be >= %d for ResNet-50 with %q=%q, got %d",
			ParamImageSize, pooling.MinImageSize(), resnet.ParamPooling, pooling, imageSize)
		return
	}

	base, err := imagefolder.New("Training", dataDir)
	if err != nil {
		return
	}
	base.Size(imageSize, imageSize).DType(DType)

	numFolds := context.GetParamOr(ctx, ParamNumFolds, 0)
	if numFolds > 1 {
		validationFold := context.GetParamOr(ctx, ParamValidationFold, 0)
		if validationFold < 0 || validationFold >= numFolds {
			err = errors.Errorf("%q=%d is not a valid fold for %q=%d", ParamValidationFold, validationFold, ParamNumFolds, numFolds)
			return
		}
		foldsSeed := int32(context.GetParamOr(ctx, ParamFoldsSeed, 0))
		trainFolds := make([]int, 0, numFolds-1)
		for fold := range numFolds {
			if fold != validationFold {
				trainFolds = append(trainFolds, fold)
			}
		}
		validationEvalDS, err = base.Copy().WithName("Validation").Folds(numFolds, []int{validationFold}, foldsSeed)
		if err != nil {
			err = errors.WithMessagef(err, "failed to create validation dataset")
			return
		}
		validationEvalDS.BatchSize(evalBatchSize, false)
		if _, err = base.Folds(numFolds, trainFolds, foldsSeed); err != nil {
			err = errors.WithMessagef(err, "failed to create training dataset")
			return
		}
	}

	// Preloading before copying, so the copies share the images in memory.
	if context.GetParamOr(ctx, ParamPreload, false) {
		if err = base.Preload(verbose); err != nil {
			return
		}
		if validationEvalDS != nil {
			if err = validationEvalDS.Preload(verbose); err != nil {
				return
			}
		}
	}

	trainEvalDS = base.BatchSize(evalBatchSize, false)
	trainDS = base.Copy().WithName("Training (augmented)").
		BatchSize(batchSize, true).
		Shuffle(rand.New(rand.NewSource(time.Now().UTC().UnixNano()))).
		Infinite(true).
		Augment(
			context.GetParamOr(ctx, ParamAugmentationAngleStdDev, 0.0),
			context.GetParamOr(ctx, ParamAugmentationRandomFlips, false))
	klog.V(1).Infof("datasets created from %q with batch size %d (eval %d) and images of %dx%d",
		dataDir, batchSize, evalBatchSize, imageSize, imageSize)
	return
}
