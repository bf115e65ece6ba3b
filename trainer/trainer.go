// Package trainer runs the gomlx training loop: epoch scheduling, evaluation,
// best-checkpoint saving, the markdown run log and the loss/accuracy plots.
package trainer

import (
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
)

// Config holds the training hyperparameters and output locations.
// Zero values fall back to the defaults applied by applyDefaults.
type Config struct {
	Architecture string
	// NumClasses is recorded in the checkpoint metadata sidecar so the
	// publisher can describe the model without the dataset at hand.
	NumClasses int

	Epochs        int
	StepsPerEpoch int

	LearningRate float64
	WeightDecay  float64
	// Learning rate is multiplied by LRGamma every LRStepEpochs epochs.
	LRStepEpochs int
	LRGamma      float64

	// TargetAccuracy is the eval accuracy (percent) that marks an epoch as
	// having met the training target in the run log.
	TargetAccuracy float64

	CheckpointDir   string
	KeepCheckpoints int
	LogDir          string
	PlotDir         string
}

func (c *Config) applyDefaults() {
	if c.Architecture == "" {
		c.Architecture = "resnet50"
	}
	if c.Epochs <= 0 {
		c.Epochs = 90
	}
	if c.StepsPerEpoch <= 0 {
		c.StepsPerEpoch = 1000
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 1e-3
	}
	if c.LRStepEpochs <= 0 {
		c.LRStepEpochs = 30
	}
	if c.LRGamma <= 0 {
		c.LRGamma = 0.1
	}
	if c.TargetAccuracy <= 0 {
		c.TargetAccuracy = 75.0
	}
	if c.KeepCheckpoints <= 0 {
		c.KeepCheckpoints = 3
	}
}

// EpochStats is one row of training history. Accuracies are percentages.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	EvalLoss  float64
	EvalAcc   float64
}

// Result summarizes a completed training run.
type Result struct {
	BestAccuracy float64
	BestEpoch    int
	History      []EpochStats
}

// Run trains modelFn on trainDS for cfg.Epochs epochs of cfg.StepsPerEpoch
// steps each, evaluating on evalDS after every epoch. The epoch with the
// highest eval accuracy is checkpointed to cfg.CheckpointDir along with a
// metadata sidecar. trainDS must be infinite; evalDS must be finite.
//
// gomlx propagates graph construction and execution failures as panics, so
// callers should run this inside exceptions.TryCatch.
func Run(backend backends.Backend, modelCtx *context.Context, modelFn train.ModelFn, trainDS, evalDS train.Dataset, cfg Config) (*Result, error) {
	cfg.applyDefaults()

	movingAcc := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	meanAcc := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")

	modelCtx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)
	gomlxTrainer := train.NewTrainer(backend, modelCtx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.Adam().WeightDecay(cfg.WeightDecay).Done(),
		[]metrics.Interface{movingAcc},
		[]metrics.Interface{meanAcc})

	loop := train.NewLoop(gomlxTrainer)
	commandline.AttachProgressBar(loop)

	var checkpoint *checkpoints.Handler
	if cfg.CheckpointDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(modelCtx).
			Dir(cfg.CheckpointDir).
			Keep(cfg.KeepCheckpoints).
			Done()
		if err != nil {
			return nil, errors.Wrapf(err, "creating checkpoint handler in %q", cfg.CheckpointDir)
		}
	}

	var runLog *RunLog
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating log directory %q", cfg.LogDir)
		}
		runLog = NewRunLog(filepath.Join(cfg.LogDir, "training_log.md"), cfg.Architecture, cfg.TargetAccuracy)
	}

	result := &Result{BestEpoch: -1}
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		lr := cfg.LearningRate * math.Pow(cfg.LRGamma, float64(epoch/cfg.LRStepEpochs))
		modelCtx.SetParam(optimizers.ParamLearningRate, lr)
		klog.Infof("Epoch %d/%d: learning rate %g", epoch+1, cfg.Epochs, lr)

		trainMetrics, err := loop.RunSteps(trainDS, cfg.StepsPerEpoch)
		if err != nil {
			return nil, errors.Wrapf(err, "training epoch %d", epoch+1)
		}

		evalLoss, evalAcc, err := evaluate(gomlxTrainer, evalDS)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating epoch %d", epoch+1)
		}

		stats := EpochStats{
			Epoch:     epoch + 1,
			TrainLoss: scalarValue(trainMetrics[0]),
			TrainAcc:  scalarValue(trainMetrics[1]) * 100,
			EvalLoss:  evalLoss,
			EvalAcc:   evalAcc,
		}
		result.History = append(result.History, stats)
		klog.Infof("Epoch %d/%d: train loss %.4f, train acc %.2f%%, eval loss %.4f, eval acc %.2f%%",
			stats.Epoch, cfg.Epochs, stats.TrainLoss, stats.TrainAcc, stats.EvalLoss, stats.EvalAcc)

		if runLog != nil {
			if err := runLog.Append(stats); err != nil {
				return nil, errors.Wrap(err, "writing run log")
			}
		}

		if stats.EvalAcc > result.BestAccuracy {
			result.BestAccuracy = stats.EvalAcc
			result.BestEpoch = stats.Epoch
			if checkpoint != nil {
				if err := checkpoint.Save(); err != nil {
					return nil, errors.Wrapf(err, "saving checkpoint for epoch %d", stats.Epoch)
				}
				meta := cfg.runMetadata(stats.Epoch, stats.EvalAcc)
				if err := meta.Save(filepath.Join(cfg.CheckpointDir, MetadataFile)); err != nil {
					return nil, errors.Wrap(err, "saving checkpoint metadata")
				}
				klog.Infof("Epoch %d/%d: new best eval accuracy %.2f%%, checkpoint saved to %s",
					stats.Epoch, cfg.Epochs, stats.EvalAcc, cfg.CheckpointDir)
			}
		}
	}

	if cfg.PlotDir != "" {
		if err := SaveCurves(cfg.PlotDir, result.History, cfg.TargetAccuracy); err != nil {
			return nil, errors.Wrap(err, "saving training curves")
		}
	}
	return result, nil
}

// evaluate runs one pass over ds and returns the weighted mean loss and
// accuracy (percent). ds is reset before and consumed until exhaustion.
func evaluate(gomlxTrainer *train.Trainer, ds train.Dataset) (loss, accuracy float64, err error) {
	ds.Reset()
	var lossSum, accSum float64
	var count int
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, errors.Wrap(err, "reading evaluation batch")
		}
		batch := labels[0].Shape().Dimensions[0]
		evalMetrics := gomlxTrainer.EvalStep(spec, inputs, labels)
		lossSum += scalarValue(evalMetrics[0]) * float64(batch)
		accSum += scalarValue(evalMetrics[1]) * float64(batch)
		count += batch
	}
	if count == 0 {
		return 0, 0, errors.New("evaluation dataset yielded no batches")
	}
	return lossSum / float64(count), accSum / float64(count) * 100, nil
}

func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}
