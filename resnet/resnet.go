// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet implements the ResNet-50 image classification model.
//
// The topology and the names of the layers follow the classic Keras ResNet-50: a 7x7 stem
// convolution ("res1", "bn_res1"), four stages of bottleneck residual blocks ("res2a_branch2a", ...,
// "bn5c_branch2c"), a 2x2 average pooling that is flattened, and the dense classification layer
// "fc{numClasses}". Every convolution kernel is initialized with He normal initialization, and the
// optional dropout is applied after each of the 16 residual blocks.
//
// The model is built from two residual blocks: IdentityBlock, where the shortcut is the input
// itself, and ConvBlock, where the shortcut is a strided 1x1 convolution projection.
//
// The zero-padding of the stem is built with Concatenate instead of Pad, which the pure Go backend
// ("go") doesn't implement.
//
// Reference: "Deep Residual Learning for Image Recognition", https://arxiv.org/abs/1512.03385
package resnet

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// BuildScope is the scope under which ModelGraph creates the model variables.
	BuildScope = "resnet50"

	// EmbeddingSize is the number of channels output by the last stage.
	EmbeddingSize = 2048

	// DefaultBatchNormMomentum and DefaultBatchNormEpsilon are the Keras defaults.
	DefaultBatchNormMomentum = 0.99
	DefaultBatchNormEpsilon  = 1e-3
)

// Hyperparameters read by ModelGraph from the context.
const (
	// ParamNumClasses is the number of classes the classifier outputs logits for.
	ParamNumClasses = "resnet_num_classes"

	// ParamDropoutRate is the dropout rate applied to the output of each residual block, during training.
	// If negative, it falls back to layers.ParamDropoutRate.
	ParamDropoutRate = "resnet_dropout_rate"

	// ParamPooling is the pooling applied to the last feature map: "avg_pool" (2x2 average pooling, flattened),
	// "avg" (global average) or "max" (global max).
	ParamPooling = "resnet_pooling"

	// ParamBatchNormMomentum is the momentum of the batch normalization moving averages.
	ParamBatchNormMomentum = "resnet_bn_momentum"

	// ParamBatchNormEpsilon is the epsilon added to the variance by batch normalization.
	ParamBatchNormEpsilon = "resnet_bn_epsilon"

	// ParamChannelsFirst configures the images as `[batch, channels, height, width]`.
	// ModelGraph still takes channels-last images (as yielded by the datasets) and transposes them.
	ParamChannelsFirst = "resnet_channels_first"
)

// PoolingType applied to the output of the last stage, before the classification layer.
type PoolingType int

const (
	// PoolingAvg2x2 averages 2x2 windows with stride 2 and flattens the result.
	PoolingAvg2x2 PoolingType = iota

	// PoolingGlobalAvg averages over all the spatial positions.
	PoolingGlobalAvg

	// PoolingGlobalMax takes the max over all the spatial positions.
	PoolingGlobalMax
)

func (p PoolingType) String() string {
	switch p {
	case PoolingAvg2x2:
		return "avg_pool"
	case PoolingGlobalAvg:
		return "avg"
	case PoolingGlobalMax:
		return "max"
	}
	return fmt.Sprintf("PoolingType(%d)", int(p))
}

// MinImageSize returns the smallest image height and width the model accepts with this pooling:
// the 2x2 average pooling requires the last stage to output at least 2x2 positions.
func (p PoolingType) MinImageSize() int {
	if p == PoolingAvg2x2 {
		return 64
	}
	return 32
}

// PoolingFromName converts "avg_pool", "avg" or "max" to the corresponding PoolingType.
func PoolingFromName(name string) (PoolingType, error) {
	switch name {
	case "avg_pool", "":
		return PoolingAvg2x2, nil
	case "avg", "mean":
		return PoolingGlobalAvg, nil
	case "max":
		return PoolingGlobalMax, nil
	}
	return PoolingAvg2x2, fmt.Errorf("unknown resnet pooling type %q, valid values are \"avg_pool\", \"avg\" or \"max\"", name)
}

// Stage describes one stage of the network: one ConvBlock followed by NumBlocks-1 IdentityBlock.
type Stage struct {
	// Number used in the variables names (e.g. "res3a_branch2a").
	Number    int
	Filters   Filters
	NumBlocks int

	// Strides of the ConvBlock that starts the stage.
	Strides int
}

// BlockNames returns the letters naming the blocks of the stage: "a", "b", ...
func (s Stage) BlockNames() []string {
	names := make([]string, s.NumBlocks)
	for ii := range names {
		names[ii] = string(rune('a' + ii))
	}
	return names
}

// Stages of ResNet-50.
var Stages = []Stage{
	{Number: 2, Filters: Filters{64, 64, 256}, NumBlocks: 3, Strides: 1},
	{Number: 3, Filters: Filters{128, 128, 512}, NumBlocks: 4, Strides: 2},
	{Number: 4, Filters: Filters{256, 256, 1024}, NumBlocks: 6, Strides: 2},
	{Number: 5, Filters: Filters{512, 512, 2048}, NumBlocks: 3, Strides: 2},
}

// HeadScope returns the scope name of the classification layer: "fc{numClasses}", e.g. "fc1000".
func HeadScope(numClasses int) string {
	return fmt.Sprintf("fc%d", numClasses)
}

// Config for a ResNet-50 model. Create it with New, configure it, and call Done to build the model.
type Config struct {
	ctx        *context.Context
	images     *Node
	numClasses int

	dropoutRate        float64
	channelsAxisConfig images.ChannelsAxisConfig
	includeTop         bool
	pooling            PoolingType
	bnMomentum         float64
	bnEpsilon          float64
}

// New creates the configuration of a ResNet-50 model for the images x and the number of classes.
//
// The images x should be shaped `[batch_size, height, width, channels]` (or channels first, see
// Config.ChannelsAxis). Images of any size are accepted, as long as they are at least
// PoolingType.MinImageSize pixels: 64x64 for the default pooling. The original model uses 224x224.
//
// Once configured, call Config.Done and it returns the logits shaped `[batch_size, numClasses]`.
func New(ctx *context.Context, x *Node, numClasses int) *Config {
	return &Config{
		ctx:                ctx,
		images:             x,
		numClasses:         numClasses,
		channelsAxisConfig: images.ChannelsLast,
		includeTop:         true,
		pooling:            PoolingAvg2x2,
		bnMomentum:         DefaultBatchNormMomentum,
		bnEpsilon:          DefaultBatchNormEpsilon,
	}
}

// Dropout sets the dropout rate applied to the output of each of the residual blocks.
// It's only applied during training. The default is 0, no dropout.
func (cfg *Config) Dropout(rate float64) *Config {
	cfg.dropoutRate = rate
	return cfg
}

// ChannelsAxis configures the axis for the channels of the images. The default is `images.ChannelsLast`.
func (cfg *Config) ChannelsAxis(config images.ChannelsAxisConfig) *Config {
	cfg.channelsAxisConfig = config
	return cfg
}

// IncludeTop configures whether to include the final classification layer. If false, Done returns the pooled
// embedding, shaped `[batch_size, features]`, and the number of classes is ignored.
// The default is true.
func (cfg *Config) IncludeTop(includeTop bool) *Config {
	cfg.includeTop = includeTop
	return cfg
}

// Pooling sets the pooling applied to the last feature map. The default is PoolingAvg2x2.
func (cfg *Config) Pooling(pooling PoolingType) *Config {
	cfg.pooling = pooling
	return cfg
}

// BatchNormMomentum sets the momentum of all batch normalization layers.
func (cfg *Config) BatchNormMomentum(momentum float64) *Config {
	cfg.bnMomentum = momentum
	return cfg
}

// BatchNormEpsilon sets the epsilon of all batch normalization layers.
func (cfg *Config) BatchNormEpsilon(epsilon float64) *Config {
	cfg.bnEpsilon = epsilon
	return cfg
}

// Stem applies the first convolution and max-pooling, which reduce the spatial dimensions by 4.
func (cfg *Config) Stem(x *Node) *Node {
	ctx := cfg.ctx
	spatialAxes := images.GetSpatialAxes(x, cfg.channelsAxisConfig)
	inputChannels := x.Shape().Dimensions[images.GetChannelsAxis(x, cfg.channelsAxisConfig)]
	x = zeroPad(x, spatialAxes, 3)
	x = layers.Convolution(ctx.In("res1").WithInitializer(heNormal(ctx, 7*7*inputChannels)), x).
		CurrentScope().
		ChannelsAxis(cfg.channelsAxisConfig).
		Channels(64).
		KernelSize(7).
		Strides(2).
		NoPadding().
		UseBias(false).
		Done()
	x = batchnorm.New(ctx.In("bn_res1"), x, images.GetChannelsAxis(x, cfg.channelsAxisConfig)).
		CurrentScope().
		Momentum(cfg.bnMomentum).
		Epsilon(cfg.bnEpsilon).
		Done()
	x = activations.Relu(x)
	x = zeroPad(x, spatialAxes, 1)
	return MaxPool(x).ChannelsAxis(cfg.channelsAxisConfig).Window(3).Strides(2).NoPadding().Done()
}

// zeroPad pads the spatial axes of x with `amount` zeros on each side, by concatenating zeros.
func zeroPad(x *Node, spatialAxes []int, amount int) *Node {
	g := x.Graph()
	for _, axis := range spatialAxes {
		dims := slices.Clone(x.Shape().Dimensions)
		dims[axis] = amount
		zeros := Zeros(g, shapes.Make(x.DType(), dims...))
		x = Concatenate([]*Node{zeros, x, zeros}, axis)
	}
	return x
}

// Stage builds all the blocks of one stage, each followed by dropout if configured.
func (cfg *Config) Stage(x *Node, stage Stage) *Node {
	if cfg.dropoutRate < 0 || cfg.dropoutRate >= 1 {
		exceptions.Panicf("resnet50 dropout rate must be in the range [0, 1), got %g", cfg.dropoutRate)
	}
	for ii, blockName := range stage.BlockNames() {
		var block *BlockBuilder
		if ii == 0 {
			block = ConvBlock(cfg.ctx, x, 3, stage.Filters).Strides(stage.Strides)
		} else {
			block = IdentityBlock(cfg.ctx, x, 3, stage.Filters)
		}
		x = block.
			Name(stage.Number, blockName).
			ChannelsAxis(cfg.channelsAxisConfig).
			BatchNorm(cfg.bnMomentum, cfg.bnEpsilon).
			Done()
		if cfg.dropoutRate > 0 {
			rate := Scalar(x.Graph(), x.DType(), cfg.dropoutRate)
			x = layers.DropoutNormalize(cfg.ctx.In(fmt.Sprintf("dropout%d%s", stage.Number, blockName)), x, rate, true)
		}
	}
	return x
}

// Pool reduces the output of the last stage to a feature vector per example, shaped `[batch_size, features]`.
//
// With PoolingAvg2x2 there are `(height/2) * (width/2) * EmbeddingSize` features, where height and width are
// those of the last stage output. With the global poolings there are EmbeddingSize features.
func (cfg *Config) Pool(x *Node) *Node {
	batchSize := x.Shape().Dimensions[0]
	spatialAxes := images.GetSpatialAxes(x, cfg.channelsAxisConfig)
	switch cfg.pooling {
	case PoolingAvg2x2:
		for _, axis := range spatialAxes {
			if x.Shape().Dimensions[axis] < 2 {
				exceptions.Panicf("resnet50 pooling %s requires images of at least %dx%d pixels, the last stage output is %s",
					cfg.pooling, cfg.pooling.MinImageSize(), cfg.pooling.MinImageSize(), x.Shape())
			}
		}
		x = MeanPool(x).ChannelsAxis(cfg.channelsAxisConfig).Window(2).Strides(2).NoPadding().Done()
		x = Reshape(x, batchSize, x.Shape().Size()/batchSize)
	case PoolingGlobalAvg:
		x = ReduceMean(x, spatialAxes...)
	case PoolingGlobalMax:
		x = ReduceMax(x, spatialAxes...)
	default:
		exceptions.Panicf("invalid resnet pooling type %s", cfg.pooling)
	}
	return x
}

// Head is the classification layer: it takes the pooled features and returns the logits
// shaped `[batch_size, numClasses]`.
func (cfg *Config) Head(x *Node) *Node {
	if cfg.numClasses <= 0 {
		exceptions.Panicf("resnet50 requires numClasses > 0, got %d", cfg.numClasses)
	}
	logits := layers.Dense(cfg.ctx.In(HeadScope(cfg.numClasses)), x, true, cfg.numClasses)
	logits.AssertDims(x.Shape().Dimensions[0], cfg.numClasses)
	return logits
}

// Embeddings builds the stem, the 4 stages, and the pooling, returning the features shaped
// `[batch_size, features]`.
func (cfg *Config) Embeddings() *Node {
	x := cfg.images
	if x.Rank() != 4 {
		exceptions.Panicf("resnet50 requires images shaped [batch_size, height, width, channels], got %s", x.Shape())
	}
	x = cfg.Stem(x)
	for _, stage := range Stages {
		x = cfg.Stage(x, stage)
	}
	return cfg.Pool(x)
}

// Done builds the model and returns the logits shaped `[batch_size, numClasses]`, or the embedding if
// IncludeTop(false) was configured.
func (cfg *Config) Done() *Node {
	if cfg.includeTop && cfg.numClasses <= 0 {
		exceptions.Panicf("resnet50 requires numClasses > 0, got %d", cfg.numClasses)
	}
	x := cfg.Embeddings()
	if !cfg.includeTop {
		return x
	}
	return cfg.Head(x)
}

// FromContext creates a Config configured with the hyperparameters set in the context.
// See the Param* constants for the hyperparameters used.
func FromContext(ctx *context.Context, x *Node) *Config {
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	cfg := New(ctx, x, numClasses)

	dropoutRate := context.GetParamOr(ctx, ParamDropoutRate, -1.0)
	if dropoutRate < 0 {
		dropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	}
	cfg.Dropout(dropoutRate)

	pooling, err := PoolingFromName(context.GetParamOr(ctx, ParamPooling, PoolingAvg2x2.String()))
	if err != nil {
		exceptions.Panicf("invalid hyperparameter %q: %v", ParamPooling, err)
	}
	cfg.Pooling(pooling)
	cfg.BatchNormMomentum(context.GetParamOr(ctx, ParamBatchNormMomentum, DefaultBatchNormMomentum))
	cfg.BatchNormEpsilon(context.GetParamOr(ctx, ParamBatchNormEpsilon, DefaultBatchNormEpsilon))
	if context.GetParamOr(ctx, ParamChannelsFirst, false) {
		cfg.ChannelsAxis(images.ChannelsFirst)
	}
	return cfg
}

// ModelGraph implements train.ModelFn: it builds a ResNet-50 under the BuildScope, configured by the
// context hyperparameters, and returns the logits for the images in inputs[0].
//
// The number of classes must be set with the hyperparameter ParamNumClasses.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	ctx = ctx.In(BuildScope)
	x := inputs[0]
	if context.GetParamOr(ctx, ParamChannelsFirst, false) {
		x = TransposeAllAxes(x, 0, 3, 1, 2)
	}
	logits := FromContext(ctx, x).Done()
	return []*Node{logits}
}
