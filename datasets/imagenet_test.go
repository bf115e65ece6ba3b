package datasets

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/arvos-ml/arvos/storage"
)

// buildTestIndex sets up a bucket with two shards (3 and 5 samples) and
// returns the bucket plus the built index.
func buildTestIndex(t *testing.T) (*fakeBucket, *Index) {
	t.Helper()
	b := newFakeBucket()
	b.objects["ds/a.arrow"] = buildShard(t, rowsWithLabels(t, 10, 20, 10))
	b.objects["ds/b.arrow"] = buildShard(t, rowsWithLabels(t, 20, 30, 10, 30, 20))
	ix, err := BuildIndex(context.Background(), b, "ds/", IndexOptions{Fetcher: fastFetcher(b)})
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}
	return b, ix
}

func TestDataset_Sample(t *testing.T) {
	b, ix := buildTestIndex(t)
	ds := NewDataset("test", ix, fastFetcher(b), nil, 2, dtypes.Float32)

	// Sample 4 is shard b offset 1, raw label 30 -> class 2 (vocab 10,20,30).
	img, class, err := ds.Sample(context.Background(), 4)
	if err != nil {
		t.Fatalf("Sample(4) failed: %v", err)
	}
	if class != 2 {
		t.Fatalf("Sample(4) class = %d, want 2", class)
	}
	if size := img.Bounds().Size(); size.X != 8 || size.Y != 8 {
		t.Fatalf("unexpected image size %v", size)
	}
}

func TestDataset_SampleRecoversFromTransientFailures(t *testing.T) {
	b, ix := buildTestIndex(t)
	ds := NewDataset("test", ix, fastFetcher(b), nil, 2, dtypes.Float32)

	b.getFailures["ds/a.arrow"] = 2 // recovered on the 3rd attempt
	if _, _, err := ds.Sample(context.Background(), 0); err != nil {
		t.Fatalf("expected recovery within the retry budget, got %v", err)
	}
}

func TestDataset_SampleRetrievalExhaustion(t *testing.T) {
	b, ix := buildTestIndex(t)
	ds := NewDataset("test", ix, fastFetcher(b), nil, 2, dtypes.Float32)

	b.getFailures["ds/a.arrow"] = 3
	_, _, err := ds.Sample(context.Background(), 0)
	var rerr *storage.RetrievalError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RetrievalError, got %T: %v", err, err)
	}
	if rerr.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", rerr.Attempts)
	}
}

func TestDataset_SampleCorruptImage(t *testing.T) {
	b := newFakeBucket()
	rows := rowsWithLabels(t, 0, 1)
	rows[1].img = []byte("not an image")
	b.objects["ds/a.arrow"] = buildShard(t, rows)
	ix, err := BuildIndex(context.Background(), b, "ds/", IndexOptions{Fetcher: fastFetcher(b)})
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}
	ds := NewDataset("test", ix, fastFetcher(b), nil, 2, dtypes.Float32)

	_, _, err = ds.Sample(context.Background(), 1)
	var ierr *ImageDecodeError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected *ImageDecodeError, got %T: %v", err, err)
	}
	// Decode failures are not retried: one fetch for the index build, one
	// for the sample.
	if b.gets["ds/a.arrow"] != 2 {
		t.Fatalf("decode failure must not trigger refetches, saw %d gets", b.gets["ds/a.arrow"])
	}
}

func TestDataset_YieldBatch(t *testing.T) {
	b, ix := buildTestIndex(t)
	ds := NewDataset("test", ix, fastFetcher(b), nil, 4, dtypes.Float32)

	spec, inputs, labels, err := ds.Yield()
	if err != nil {
		t.Fatalf("Yield failed: %v", err)
	}
	if spec != ds {
		t.Fatal("spec should be the dataset itself")
	}
	if len(inputs) != 1 || len(labels) != 1 {
		t.Fatalf("expected 1 input and 1 label tensor, got %d and %d", len(inputs), len(labels))
	}
	dims := inputs[0].Shape().Dimensions
	if len(dims) != 4 || dims[0] != 4 || dims[1] != 8 || dims[2] != 8 || dims[3] != 3 {
		t.Fatalf("unexpected input tensor shape %v", dims)
	}
	ldims := labels[0].Shape().Dimensions
	if len(ldims) != 2 || ldims[0] != 4 || ldims[1] != 1 {
		t.Fatalf("unexpected label tensor shape %v", ldims)
	}

	// Sequential yield: first 4 samples are a[0..2] + b[0], raw labels
	// 10,20,10,20 -> classes 0,1,0,1.
	got := labels[0].Value().([][]int32)
	want := []int32{0, 1, 0, 1}
	for i := range want {
		if got[i][0] != want[i] {
			t.Fatalf("label[%d] = %d, want %d", i, got[i][0], want[i])
		}
	}
}

func TestDataset_FiniteEpochEndsWithEOF(t *testing.T) {
	b, ix := buildTestIndex(t)
	ds := NewDataset("test", ix, fastFetcher(b), nil, 4, dtypes.Float32)

	for i := 0; i < 2; i++ { // 8 samples / batch of 4
		if _, _, _, err := ds.Yield(); err != nil {
			t.Fatalf("Yield %d failed: %v", i, err)
		}
	}
	if _, _, _, err := ds.Yield(); err != io.EOF {
		t.Fatalf("expected io.EOF after the epoch, got %v", err)
	}

	ds.Reset()
	if _, _, _, err := ds.Yield(); err != nil {
		t.Fatalf("Yield after Reset failed: %v", err)
	}
}

func TestDataset_FiniteEpochKeepsTailBatch(t *testing.T) {
	b, ix := buildTestIndex(t)
	ds := NewDataset("test", ix, fastFetcher(b), nil, 3, dtypes.Float32)

	// 8 samples with a batch of 3: two full batches, then the 2-sample tail.
	var sizes []int
	for {
		_, _, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Yield failed: %v", err)
		}
		sizes = append(sizes, labels[0].Shape().Dimensions[0])
	}
	want := []int{3, 3, 2}
	if len(sizes) != len(want) {
		t.Fatalf("epoch yielded %d batches (%v), want %v", len(sizes), sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("batch sizes = %v, want %v", sizes, want)
		}
	}
}

func TestDataset_InfiniteWrapsAround(t *testing.T) {
	b, ix := buildTestIndex(t)
	ds := NewDataset("test", ix, fastFetcher(b), nil, 4, dtypes.Float32).WithInfinite(true)

	for i := 0; i < 5; i++ { // more than two epochs worth of batches
		if _, _, _, err := ds.Yield(); err != nil {
			t.Fatalf("infinite Yield %d failed: %v", i, err)
		}
	}
}

func TestDataset_ShuffledEpochCoversAllSamples(t *testing.T) {
	b, ix := buildTestIndex(t)
	// Batch of 3 over 8 samples: the shuffled epoch ends with a short batch.
	ds := NewDataset("test", ix, fastFetcher(b), nil, 3, dtypes.Float32).
		WithShuffle(rand.New(rand.NewSource(3)))

	classCount := 0
	for {
		_, _, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Yield failed: %v", err)
		}
		classCount += labels[0].Shape().Dimensions[0]
	}
	if classCount != 8 {
		t.Fatalf("shuffled epoch yielded %d samples, want 8", classCount)
	}
}

func TestDataset_SkipMalformed(t *testing.T) {
	b := newFakeBucket()
	rows := rowsWithLabels(t, 0, 1, 0, 1, 0, 1, 0, 1, 0)
	rows[0].img = []byte("corrupt")
	b.objects["ds/a.arrow"] = buildShard(t, rows)
	ix, err := BuildIndex(context.Background(), b, "ds/", IndexOptions{Fetcher: fastFetcher(b)})
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}

	// Default behavior: the bad sample aborts the batch.
	ds := NewDataset("abort", ix, fastFetcher(b), nil, 4, dtypes.Float32)
	if _, _, _, err := ds.Yield(); err == nil {
		t.Fatal("expected the malformed sample to abort the batch by default")
	}

	// With skipping enabled the batch is filled from replacements.
	skipping := NewDataset("skip", ix, fastFetcher(b), nil, 4, dtypes.Float32).
		WithSkipMalformed(true)
	_, inputs, _, err := skipping.Yield()
	if err != nil {
		t.Fatalf("Yield with skipping failed: %v", err)
	}
	if inputs[0].Shape().Dimensions[0] != 4 {
		t.Fatalf("expected a full batch of 4, got %v", inputs[0].Shape().Dimensions)
	}
}
