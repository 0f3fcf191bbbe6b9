// resnet50 trains a ResNet-50 image classifier on a folder of images (one sub-directory per class),
// prints a summary of the model, or classifies images with a trained model.
//
// Training:
//
//	$ resnet50 -data=~/work/flowers -checkpoint=resnet50 -set="train_steps=20000;batch_size=64"
//
// Summary of the model for a given image size:
//
//	$ resnet50 -summary=224 -set="resnet_num_classes=1000"
//
// Classifying images with a trained model:
//
//	$ resnet50 -data=~/work/flowers -checkpoint=resnet50 -classify image1.jpg image2.png
package main

import (
	"flag"
	"fmt"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/resnet50/classifier"
	"github.com/gomlx/resnet50/resnet"
	"github.com/gomlx/resnet50/training"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/resnet50", "Image folder with one sub-directory per class. "+
		"It's also the base directory for relative -checkpoint paths.")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the train and validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. "+
		"If left empty, no checkpoints are created. If relative, it is taken relative to -data.")

	flagSummary = flag.Int("summary", 0, "If > 0, print a summary of the model for images of this size, instead of training.")

	flagClassify = flag.Bool("classify", false, "Classify the image files given as arguments, using the model "+
		"in -checkpoint, instead of training.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	var err error
	switch {
	case *flagSummary > 0:
		err = runSummary(ctx, *flagSummary)
	case *flagClassify:
		err = runClassify(flag.Args())
	default:
		err = training.Train(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func runSummary(ctx *context.Context, imageSize int) error {
	if context.GetParamOr(ctx, resnet.ParamNumClasses, 0) <= 0 {
		// Same as the ImageNet model.
		ctx.SetParam(resnet.ParamNumClasses, 1000)
	}
	backend, err := backends.New()
	if err != nil {
		return err
	}
	rows, err := summarize(backend, ctx, imageSize)
	if err != nil {
		return err
	}
	printSummary(rows, imageSize)
	return nil
}

func runClassify(imagePaths []string) error {
	if *flagCheckpoint == "" {
		return errors.New("-classify requires -checkpoint with a trained model")
	}
	if len(imagePaths) == 0 {
		return errors.New("-classify requires the paths of the images to classify as arguments")
	}
	checkpointDir := fsutil.MustReplaceTildeInDir(*flagCheckpoint)
	if !path.IsAbs(checkpointDir) {
		checkpointDir = path.Join(fsutil.MustReplaceTildeInDir(*flagDataDir), checkpointDir)
	}
	c, err := classifier.New(checkpointDir)
	if err != nil {
		return err
	}
	for _, imagePath := range imagePaths {
		classID, probability, err := c.ClassifyFile(imagePath)
		if err != nil {
			klog.Errorf("failed to classify %q: %+v", imagePath, err)
			continue
		}
		name := c.ClassName(classID)
		if name == "" {
			name = fmt.Sprintf("#%d", classID)
		}
		fmt.Printf("%s: %s (%.1f%%)\n", imagePath, name, 100*probability)
	}
	return nil
}
