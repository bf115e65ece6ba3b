package datasets

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/arvos-ml/arvos/storage"
)

// Dataset streams image-classification samples from remote Arrow shards.
// It implements gomlx's train.Dataset: Yield produces one batch of image
// tensors shaped [batch, height, width, 3] and dense class labels shaped
// [batch, 1].
//
// Each sample lookup fetches its shard from storage independently; there is
// no cross-sample cache, so the Index, cumulative table and vocabulary are
// the only shared state, and they are read-only.
type Dataset struct {
	name      string
	index     *Index
	fetcher   *storage.Fetcher
	transform Transform
	batchSize int
	dtype     dtypes.DType
	toTensor  *timage.ToTensorConfig

	ctx           context.Context
	infinite      bool
	skipMalformed bool
	parallelism   int

	// mu protects the yield position, the shuffled order and the RNGs.
	mu       sync.Mutex
	next     int64
	order    []int
	shuffle  *rand.Rand
	resample *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a streaming dataset over a previously built index.
// The transform is applied to every decoded sample; the fetcher supplies
// shard byte streams with its retry policy.
func NewDataset(name string, index *Index, fetcher *storage.Fetcher, transform Transform, batchSize int, dtype dtypes.DType) *Dataset {
	return &Dataset{
		name:        name,
		index:       index,
		fetcher:     fetcher,
		transform:   transform,
		batchSize:   batchSize,
		dtype:       dtype,
		toTensor:    timage.ToTensor(dtype),
		ctx:         context.Background(),
		parallelism: runtime.NumCPU(),
		resample:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithInfinite makes the dataset loop forever instead of returning io.EOF
// at the end of an epoch. Use for training with RunSteps.
func (ds *Dataset) WithInfinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// WithShuffle randomizes the sample order using rng. Finite datasets yield
// a fresh permutation per epoch; infinite ones sample with replacement.
func (ds *Dataset) WithShuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.Reset()
	return ds
}

// WithSkipMalformed controls what a per-sample decode failure does: by
// default it aborts the batch; with skipping enabled the sample is logged
// and replaced by another one. Retrieval failures always abort.
func (ds *Dataset) WithSkipMalformed(skip bool) *Dataset {
	ds.skipMalformed = skip
	return ds
}

// WithParallelism sets how many samples of a batch are fetched concurrently.
func (ds *Dataset) WithParallelism(n int) *Dataset {
	if n > 0 {
		ds.parallelism = n
	}
	return ds
}

// WithContext sets the context governing shard fetches issued by Yield.
func (ds *Dataset) WithContext(ctx context.Context) *Dataset {
	ds.ctx = ctx
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Len returns the total number of samples.
func (ds *Dataset) Len() int64 { return ds.index.Len() }

// NumClasses returns the number of classes in the index vocabulary.
func (ds *Dataset) NumClasses() int { return ds.index.Vocabulary().NumClasses() }

// Index returns the immutable index backing this dataset.
func (ds *Dataset) Index() *Index { return ds.index }

// Sample resolves and decodes the sample at global index k: locate shard,
// fetch its stream (with retries), scan batches to the record, decode the
// image and map the raw label to its dense class. The transform pipeline is
// not applied here; Yield applies it per batch.
func (ds *Dataset) Sample(ctx context.Context, k int64) (image.Image, int, error) {
	shardIdx, offset, err := ds.index.Locate(k)
	if err != nil {
		return nil, 0, err
	}
	shard := ds.index.Shard(shardIdx)

	rc, err := ds.fetcher.Fetch(ctx, shard.Key)
	if err != nil {
		klog.Errorf("Sample %d: fetching shard %q: %v", k, shard.Key, err)
		return nil, 0, err
	}
	defer rc.Close()

	blob, rawLabel, err := extractRecord(rc, offset)
	if err != nil {
		derr := &DecodeError{Key: shard.Key, Sample: k, Err: err}
		klog.Errorf("Sample %d: %v", k, derr)
		return nil, 0, derr
	}
	img, err := decodeImage(blob)
	if err != nil {
		ierr := &ImageDecodeError{Key: shard.Key, Sample: k, Err: err}
		klog.Errorf("Sample %d: %v", k, ierr)
		return nil, 0, ierr
	}
	class, ok := ds.index.Vocabulary().ClassOf(rawLabel)
	if !ok {
		derr := &DecodeError{
			Key:    shard.Key,
			Sample: k,
			Err:    errors.Errorf("label %d is not in the vocabulary (it never appeared in a shard's first batch)", rawLabel),
		}
		klog.Errorf("Sample %d: %v", k, derr)
		return nil, 0, derr
	}
	return img, class, nil
}

func decodeImage(blob []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Wrap(err, "decoding image blob")
	}
	return img, nil
}

// yieldIndices selects the global sample indices for the next batch. When a
// finite epoch runs out mid-batch the short tail batch is returned, and
// io.EOF only on the following call.
func (ds *Dataset) yieldIndices() ([]int64, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	total := ds.index.Len()
	out := make([]int64, 0, ds.batchSize)
	for len(out) < ds.batchSize {
		var k int64
		switch {
		case ds.infinite && ds.shuffle != nil:
			k = ds.shuffle.Int63n(total)
		case ds.infinite:
			k = ds.next
			ds.next = (ds.next + 1) % total
		case ds.shuffle != nil:
			if ds.next >= int64(len(ds.order)) {
				if len(out) == 0 {
					return nil, io.EOF
				}
				return out, nil
			}
			k = int64(ds.order[ds.next])
			ds.next++
		default:
			if ds.next >= total {
				if len(out) == 0 {
					return nil, io.EOF
				}
				return out, nil
			}
			k = ds.next
			ds.next++
		}
		out = append(out, k)
	}
	return out, nil
}

// replacementIndex draws a substitute sample index after a skipped failure.
func (ds *Dataset) replacementIndex() int64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.resample.Int63n(ds.index.Len())
}

// maxSkipsPerSlot bounds resampling when skipping malformed samples, so a
// dataset of mostly-bad records still terminates with the last error.
const maxSkipsPerSlot = 8

type yieldedSample struct {
	img   image.Image
	class int
}

// Yield implements train.Dataset. The batch's samples are fetched by a
// bounded pool of workers; transforms run on the collecting goroutine so a
// single RNG can drive the augmentations.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ks, err := ds.yieldIndices()
	if err != nil {
		return nil, nil, nil, err
	}

	samples := make([]yieldedSample, len(ks))
	jobs := make(chan int, len(ks))
	for slot := range ks {
		jobs <- slot
	}
	close(jobs)
	errChan := make(chan error, ds.parallelism)
	var wg sync.WaitGroup
	for w := 0; w < ds.parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range jobs {
				k := ks[slot]
				for skips := 0; ; skips++ {
					img, class, err := ds.Sample(ds.ctx, k)
					if err == nil {
						samples[slot] = yieldedSample{img: img, class: class}
						break
					}
					if !ds.skipMalformed || !isMalformedSample(err) || skips >= maxSkipsPerSlot {
						errChan <- err
						return
					}
					k = ds.replacementIndex()
					klog.Warningf("Skipping malformed sample, resampling index %d: %v", k, err)
				}
			}
		}()
	}
	wg.Wait()
	close(errChan)
	if err := <-errChan; err != nil {
		return nil, nil, nil, err
	}

	images := make([]image.Image, len(samples))
	classes := make([][]int32, len(samples))
	for i, s := range samples {
		img := s.img
		if ds.transform != nil {
			img = ds.transform(img)
		}
		images[i] = img
		classes[i] = []int32{int32(s.class)}
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromValue(classes)}
	return ds, inputs, labels, nil
}

// isMalformedSample reports whether err is a per-sample decode failure, the
// only kind the skip option may swallow.
func isMalformedSample(err error) bool {
	var derr *DecodeError
	var ierr *ImageDecodeError
	return errors.As(err, &derr) || errors.As(err, &ierr)
}

// Reset implements train.Dataset: it restarts the dataset and, when
// shuffling a finite dataset, draws a fresh permutation for the new epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle == nil || ds.infinite {
		return
	}
	ds.order = ds.shuffle.Perm(int(ds.index.Len()))
}
