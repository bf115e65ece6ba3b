// Command train runs streaming ResNet-50 training against a Hugging Face
// style imagenet-1k bucket: Arrow shards are discovered and indexed up
// front, then samples are fetched, decoded and batched on the fly.
//
// Credentials come from the environment (optionally a .env file):
// AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY for the bucket and
// HUGGINGFACE_TOKEN when -upload is set.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/joho/godotenv"
	"k8s.io/klog/v2"

	"github.com/arvos-ml/arvos/datasets"
	"github.com/arvos-ml/arvos/hub"
	"github.com/arvos-ml/arvos/resnet"
	"github.com/arvos-ml/arvos/storage"
	"github.com/arvos-ml/arvos/trainer"
)

func main() {
	bucketName := flag.String("bucket", "", "S3 bucket holding the dataset (defaults to S3_BUCKET_NAME)")
	trainPrefix := flag.String("train-prefix", "imagenet/train/", "object prefix for training shards")
	evalPrefix := flag.String("eval-prefix", "imagenet/validation/", "object prefix for evaluation shards")

	epochs := flag.Int("epochs", 90, "number of training epochs")
	stepsPerEpoch := flag.Int("steps-per-epoch", 1000, "training steps per epoch")
	batchSize := flag.Int("batch-size", 64, "samples per batch")
	learningRate := flag.Float64("learning-rate", 1e-3, "initial learning rate")
	weightDecay := flag.Float64("weight-decay", 1e-4, "optimizer weight decay")
	targetAccuracy := flag.Float64("target-accuracy", 75.0, "eval accuracy (percent) that marks the training goal")

	checkpointDir := flag.String("checkpoint-dir", "checkpoints", "directory for best-model checkpoints")
	logDir := flag.String("log-dir", "logs", "directory for the markdown training log")
	plotDir := flag.String("plot-dir", "plots", "directory for loss/accuracy plots (empty disables)")

	maxRetries := flag.Int("max-retries", 3, "fetch attempts per shard before giving up")
	retryDelay := flag.Duration("retry-delay", time.Second, "base delay between fetch retries (grows linearly)")
	probe := flag.Bool("probe", false, "stat each shard before fetching it")
	skipBad := flag.Bool("skip-bad-samples", false, "replace malformed samples instead of aborting the batch")
	parallelism := flag.Int("parallelism", 0, "concurrent sample fetches per batch (0 = NumCPU)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed for shuffling and augmentation")

	uploadRepo := flag.String("upload", "", "HF Hub repo id (org/name) to upload the best checkpoint to after training")

	klog.InitFlags(nil)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Loading .env: %v", err)
	}

	ctx := context.Background()
	bucket := must.M1(storage.OpenS3FromEnv(*bucketName))
	fetcher := &storage.Fetcher{
		Bucket: bucket,
		Retry: storage.RetryPolicy{
			MaxAttempts: *maxRetries,
			BaseDelay:   *retryDelay,
			Retryable:   storage.Transient,
		},
		Probe: *probe,
	}

	klog.Infof("Discovering training shards under %q", *trainPrefix)
	trainIndex := must.M1(datasets.BuildIndex(ctx, bucket, *trainPrefix,
		datasets.IndexOptions{Fetcher: fetcher, Progress: true}))
	klog.Infof("Discovering evaluation shards under %q", *evalPrefix)
	evalIndex := must.M1(datasets.BuildIndex(ctx, bucket, *evalPrefix,
		datasets.IndexOptions{Fetcher: fetcher, Progress: true}))

	numClasses := trainIndex.Vocabulary().NumClasses()
	klog.Infof("Training on %d samples, evaluating on %d, %d classes",
		trainIndex.Len(), evalIndex.Len(), numClasses)

	// Separate streams: the shuffle RNG is drawn from concurrently with the
	// augmentation RNG.
	shuffleRNG := rand.New(rand.NewSource(*seed))
	augmentRNG := rand.New(rand.NewSource(*seed + 1))

	trainDS := datasets.NewDataset("imagenet-train", trainIndex, fetcher,
		datasets.TrainTransform(augmentRNG), *batchSize, dtypes.Float32).
		WithInfinite(true).
		WithShuffle(shuffleRNG).
		WithSkipMalformed(*skipBad).
		WithParallelism(*parallelism).
		WithContext(ctx)
	evalDS := datasets.NewDataset("imagenet-eval", evalIndex, fetcher,
		datasets.EvalTransform(), *batchSize, dtypes.Float32).
		WithParallelism(*parallelism).
		WithContext(ctx)

	modelFn := resnet.New(resnet.Config{NumClasses: numClasses, DropoutRate: 0.1})
	backend := backends.MustNew()
	modelCtx := mlcontext.New()

	cfg := trainer.Config{
		Architecture:   "resnet50",
		NumClasses:     numClasses,
		Epochs:         *epochs,
		StepsPerEpoch:  *stepsPerEpoch,
		LearningRate:   *learningRate,
		WeightDecay:    *weightDecay,
		TargetAccuracy: *targetAccuracy,
		CheckpointDir:  *checkpointDir,
		LogDir:         *logDir,
		PlotDir:        *plotDir,
	}

	var result *trainer.Result
	exception := exceptions.TryCatch[error](func() {
		result = must.M1(trainer.Run(backend, modelCtx, modelFn, trainDS, evalDS, cfg))
	})
	if exception != nil {
		klog.Fatalf("Training failed: %+v", exception)
	}
	klog.Infof("Training finished: best eval accuracy %.2f%% at epoch %d",
		result.BestAccuracy, result.BestEpoch)

	if *uploadRepo != "" {
		if err := publish(ctx, *uploadRepo, *checkpointDir); err != nil {
			klog.Fatalf("Upload failed: %+v", err)
		}
	}
}

// publish pushes the checkpoint directory and a model card to the Hub.
func publish(ctx context.Context, repoID, checkpointDir string) error {
	token := os.Getenv("HUGGINGFACE_TOKEN")
	meta, err := trainer.LoadMetadata(filepath.Join(checkpointDir, trainer.MetadataFile))
	if err != nil {
		return err
	}

	client := hub.NewClient(token)
	if err := client.CreateRepo(ctx, repoID, false); err != nil {
		return err
	}
	files, err := hub.CollectFiles(checkpointDir, "checkpoint")
	if err != nil {
		return err
	}
	card, err := hub.ModelCard(hub.CardData{
		RepoID:       repoID,
		Architecture: meta.Architecture,
		NumClasses:   meta.NumClasses,
		Epoch:        meta.Epoch,
		BestAccuracy: meta.BestAccuracy,
	})
	if err != nil {
		return err
	}
	files = append(files, hub.File{Path: "README.md", Content: []byte(card)})
	return client.UploadFiles(ctx, repoID, "Upload trained model", files)
}
