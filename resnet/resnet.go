// Package resnet builds the ResNet-50 classifier graph on gomlx.
//
// The model function takes image batches shaped [batch, height, width, 3]
// with values in [0, 1] and returns class logits. Input normalization with
// the standard ImageNet channel statistics happens inside the graph, so
// datasets only deal in raw pixel tensors.
package resnet

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// ImageNet channel statistics.
var (
	channelMean = []float32{0.485, 0.456, 0.406}
	channelStd  = []float32{0.229, 0.224, 0.225}
)

// ResNet-50 bottleneck stage configuration.
var (
	stageBlocks  = [4]int{3, 4, 6, 3}
	stageFilters = [4]int{64, 128, 256, 512}
)

// Config holds the model hyperparameters.
type Config struct {
	NumClasses int
	// DropoutRate, when > 0, is applied after every residual stage.
	DropoutRate float64
}

// New returns the gomlx model function for a ResNet-50 classifier.
func New(cfg Config) func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	return func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		images := inputs[0]
		logits := Forward(ctx.In("resnet50"), images, cfg)
		return []*graph.Node{logits}
	}
}

// Forward builds the full ResNet-50 graph: normalization, the 7x7 stem,
// four bottleneck stages, global average pooling and the classifier head.
func Forward(ctx *context.Context, images *graph.Node, cfg Config) *graph.Node {
	x := normalize(images)

	// Stem: 7x7/2 convolution then 3x3/2 max-pool.
	x = layers.Convolution(ctx.In("stem"), x).Filters(64).KernelSize(7).Strides(2).PadSame().Done()
	x = batchnorm.New(ctx.In("stem_bn"), x, -1).Done()
	x = activations.Relu(x)
	x = graph.MaxPool(x).Window(3).Strides(2).PadSame().Done()

	for stage := 0; stage < len(stageBlocks); stage++ {
		for block := 0; block < stageBlocks[stage]; block++ {
			stride := 1
			if block == 0 && stage > 0 {
				stride = 2
			}
			blockCtx := ctx.In(fmt.Sprintf("stage%d_block%d", stage+1, block))
			x = bottleneck(blockCtx, x, stageFilters[stage], stride)
		}
		if cfg.DropoutRate > 0 {
			x = layers.Dropout(ctx.In(fmt.Sprintf("stage%d_dropout", stage+1)), x,
				graph.Scalar(x.Graph(), x.DType(), cfg.DropoutRate))
		}
	}

	// Global average pool over the spatial axes, then the dense head.
	x = graph.ReduceMean(x, 1, 2)
	return layers.Dense(ctx.In("classifier"), x, true, cfg.NumClasses)
}

// bottleneck is the 1x1-reduce / 3x3 / 1x1-expand residual block. The
// shortcut is projected when the block changes resolution or width.
func bottleneck(ctx *context.Context, x *graph.Node, filters, stride int) *graph.Node {
	shortcut := x
	inChannels := x.Shape().Dimensions[3]
	outChannels := filters * 4

	out := layers.Convolution(ctx.In("reduce"), x).Filters(filters).KernelSize(1).Strides(1).PadSame().Done()
	out = batchnorm.New(ctx.In("reduce_bn"), out, -1).Done()
	out = activations.Relu(out)

	out = layers.Convolution(ctx.In("spatial"), out).Filters(filters).KernelSize(3).Strides(stride).PadSame().Done()
	out = batchnorm.New(ctx.In("spatial_bn"), out, -1).Done()
	out = activations.Relu(out)

	out = layers.Convolution(ctx.In("expand"), out).Filters(outChannels).KernelSize(1).Strides(1).PadSame().Done()
	out = batchnorm.New(ctx.In("expand_bn"), out, -1).Done()

	if stride != 1 || inChannels != outChannels {
		shortcut = layers.Convolution(ctx.In("shortcut"), shortcut).Filters(outChannels).KernelSize(1).Strides(stride).PadSame().Done()
		shortcut = batchnorm.New(ctx.In("shortcut_bn"), shortcut, -1).Done()
	}
	return activations.Relu(graph.Add(out, shortcut))
}

// normalize shifts and scales pixel values per channel with the ImageNet
// statistics.
func normalize(x *graph.Node) *graph.Node {
	g := x.Graph()
	mean := graph.Reshape(graph.Const(g, channelMean), 1, 1, 1, 3)
	std := graph.Reshape(graph.Const(g, channelStd), 1, 1, 1, 3)
	return graph.Div(graph.Sub(x, mean), std)
}
