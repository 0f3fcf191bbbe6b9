// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Filters holds the number of output channels of the three convolutions of a bottleneck block:
// the 1x1 reduction, the kxk spatial convolution and the 1x1 expansion.
type Filters [3]int

// Out returns the number of channels output by the block.
func (f Filters) Out() int { return f[2] }

// BlockBuilder configures one bottleneck residual block. Create it with IdentityBlock or ConvBlock,
// optionally configure it, and call Done to build the block.
type BlockBuilder struct {
	ctx        *context.Context
	x          *Node
	kernelSize int
	filters    Filters
	projection bool
	strides    int

	// Naming: if stage > 0, variables are created with the Keras names (e.g. "res2a_branch2a").
	stage int
	block string

	channelsAxisConfig images.ChannelsAxisConfig
	bnMomentum         float64
	bnEpsilon          float64
	useBias            bool
}

// IdentityBlock creates a residual block whose shortcut is the input itself.
//
// The main path is a 1x1 convolution (filters[0]), a kernelSize x kernelSize convolution (filters[1])
// and a 1x1 convolution (filters[2]), each followed by batch normalization, and all but the last
// followed by a ReLU. The output is ReLU(main + x).
//
// The input must already have filters[2] channels, and the block can't change the spatial dimensions.
func IdentityBlock(ctx *context.Context, x *Node, kernelSize int, filters Filters) *BlockBuilder {
	return newBlock(ctx, x, kernelSize, filters, false)
}

// ConvBlock creates a residual block whose shortcut is a projection: a strided 1x1 convolution
// with filters[2] channels followed by batch normalization, so the shortcut matches the output
// dimensions of the main path.
//
// The main path is the same as in IdentityBlock, except the first 1x1 convolution uses the
// configured strides. The default strides is 2.
func ConvBlock(ctx *context.Context, x *Node, kernelSize int, filters Filters) *BlockBuilder {
	return newBlock(ctx, x, kernelSize, filters, true).Strides(2)
}

func newBlock(ctx *context.Context, x *Node, kernelSize int, filters Filters, projection bool) *BlockBuilder {
	return &BlockBuilder{
		ctx:                ctx,
		x:                  x,
		kernelSize:         kernelSize,
		filters:            filters,
		projection:         projection,
		strides:            1,
		channelsAxisConfig: images.ChannelsLast,
		bnMomentum:         DefaultBatchNormMomentum,
		bnEpsilon:          DefaultBatchNormEpsilon,
	}
}

// Strides sets the strides of the first convolution of the main path and of the shortcut projection.
// Only ConvBlock accepts strides other than 1.
func (b *BlockBuilder) Strides(strides int) *BlockBuilder {
	b.strides = strides
	return b
}

// Name sets the stage number and block letter used to name the variables, following the Keras
// convention: "res{stage}{block}_branch2a" for convolutions and "bn{stage}{block}_branch2a" for
// batch normalizations ("_branch1" for the shortcut projection).
//
// If not set, the variables are created in scopes "branch2a", "bn_branch2a", etc. under the
// current context scope.
func (b *BlockBuilder) Name(stage int, block string) *BlockBuilder {
	b.stage = stage
	b.block = block
	return b
}

// ChannelsAxis configures the axis for the channels (aka. "depth" or "features") dimension.
// The default is `images.ChannelsLast`.
func (b *BlockBuilder) ChannelsAxis(config images.ChannelsAxisConfig) *BlockBuilder {
	b.channelsAxisConfig = config
	return b
}

// BatchNorm sets the momentum and epsilon of the batch normalization layers of the block.
func (b *BlockBuilder) BatchNorm(momentum, epsilon float64) *BlockBuilder {
	b.bnMomentum = momentum
	b.bnEpsilon = epsilon
	return b
}

// UseBias configures whether the convolutions add a learned bias. Default is false, since every
// convolution is followed by batch normalization, which has its own offset.
func (b *BlockBuilder) UseBias(useBias bool) *BlockBuilder {
	b.useBias = useBias
	return b
}

func (b *BlockBuilder) convName(branch string) string {
	if b.stage <= 0 {
		return "branch" + branch
	}
	return fmt.Sprintf("res%d%s_branch%s", b.stage, b.block, branch)
}

func (b *BlockBuilder) bnName(branch string) string {
	if b.stage <= 0 {
		return "bn_branch" + branch
	}
	return fmt.Sprintf("bn%d%s_branch%s", b.stage, b.block, branch)
}

// heNormal returns the He normal initializer for a convolution kernel with fanIn inputs per output
// (kernel spatial size times input channels): normal distribution with standard deviation sqrt(2/fanIn).
// Biases (rank <= 1) are initialized with zeros.
func heNormal(ctx *context.Context, fanIn int) func(g *Graph, shape shapes.Shape) *Node {
	stddev := math.Sqrt(2.0 / float64(max(fanIn, 1)))
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		return MulScalar(ctx.RandomNormal(g, shape), stddev)
	}
}

// convBN applies a convolution followed by batch normalization, creating their variables
// in the given scopes.
func (b *BlockBuilder) convBN(x *Node, convScope, bnScope string, channels, kernelSize, strides int) *Node {
	inputChannels := x.Shape().Dimensions[images.GetChannelsAxis(x, b.channelsAxisConfig)]
	convCtx := b.ctx.In(convScope).WithInitializer(heNormal(b.ctx, kernelSize*kernelSize*inputChannels))
	x = layers.Convolution(convCtx, x).
		CurrentScope().
		ChannelsAxis(b.channelsAxisConfig).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(strides).
		PadSame().
		UseBias(b.useBias).
		Done()
	featureAxis := images.GetChannelsAxis(x, b.channelsAxisConfig)
	return batchnorm.New(b.ctx.In(bnScope), x, featureAxis).
		CurrentScope().
		Momentum(b.bnMomentum).
		Epsilon(b.bnEpsilon).
		Done()
}

// Done builds the block and returns its output.
func (b *BlockBuilder) Done() *Node {
	x := b.x
	if x.Rank() != 4 {
		exceptions.Panicf("resnet block requires an image batch of rank 4, got x.shape=%s", x.Shape())
	}
	if b.kernelSize <= 0 {
		exceptions.Panicf("resnet block kernel size must be > 0, got %d", b.kernelSize)
	}
	for ii, f := range b.filters {
		if f <= 0 {
			exceptions.Panicf("resnet block filters must be > 0, got filters[%d]=%d", ii, f)
		}
	}
	if b.strides <= 0 {
		exceptions.Panicf("resnet block strides must be > 0, got %d", b.strides)
	}
	channelsAxis := images.GetChannelsAxis(x, b.channelsAxisConfig)
	inputChannels := x.Shape().Dimensions[channelsAxis]
	if !b.projection {
		if b.strides != 1 {
			exceptions.Panicf("identity block can't use strides (%d), use ConvBlock instead", b.strides)
		}
		if inputChannels != b.filters.Out() {
			exceptions.Panicf("identity block requires the input channels (%d) to match filters[2] (%d), "+
				"use ConvBlock to project the shortcut", inputChannels, b.filters.Out())
		}
	}

	main := b.convBN(x, b.convName("2a"), b.bnName("2a"), b.filters[0], 1, b.strides)
	main = activations.Relu(main)
	main = b.convBN(main, b.convName("2b"), b.bnName("2b"), b.filters[1], b.kernelSize, 1)
	main = activations.Relu(main)
	main = b.convBN(main, b.convName("2c"), b.bnName("2c"), b.filters[2], 1, 1)

	shortcut := x
	if b.projection {
		shortcut = b.convBN(x, b.convName("1"), b.bnName("1"), b.filters.Out(), 1, b.strides)
	}
	return activations.Relu(Add(main, shortcut))
}
