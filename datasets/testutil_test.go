package datasets

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/arvos-ml/arvos/storage"
)

// fakeBucket is an in-memory storage.Bucket with failure injection. The
// first getFailures[key] Get calls for a key fail; listErr fails listings.
type fakeBucket struct {
	mu          sync.Mutex
	objects     map[string][]byte
	getFailures map[string]int
	gets        map[string]int
	listErr     error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects:     make(map[string][]byte),
		getFailures: make(map[string]int),
		gets:        make(map[string]int),
	}
}

func (b *fakeBucket) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	var objs []storage.ObjectInfo
	for key, data := range b.objects {
		if strings.HasPrefix(key, prefix) {
			objs = append(objs, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

func (b *fakeBucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets[key]++
	if b.getFailures[key] > 0 {
		b.getFailures[key]--
		return nil, errors.New("injected get failure")
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBucket) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return storage.ObjectInfo{}, errors.New("no such key")
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func fastFetcher(b storage.Bucket) *storage.Fetcher {
	return &storage.Fetcher{
		Bucket: b,
		Retry:  storage.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: storage.Transient},
	}
}

// shardRow is one record in a test shard.
type shardRow struct {
	img   []byte
	label int64
}

var shardSchema = arrow.NewSchema([]arrow.Field{
	{Name: "image", Type: arrow.StructOf(
		arrow.Field{Name: "bytes", Type: arrow.BinaryTypes.Binary},
		arrow.Field{Name: "path", Type: arrow.BinaryTypes.String},
	)},
	{Name: "label", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// buildShard serializes the given record batches into an Arrow IPC stream,
// mirroring how image datasets are exported.
func buildShard(t *testing.T, batches ...[]shardRow) []byte {
	t.Helper()
	builder := array.NewRecordBuilder(memory.DefaultAllocator, shardSchema)
	defer builder.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(shardSchema))
	for _, rows := range batches {
		structB := builder.Field(0).(*array.StructBuilder)
		bytesB := structB.FieldBuilder(0).(*array.BinaryBuilder)
		pathB := structB.FieldBuilder(1).(*array.StringBuilder)
		labelB := builder.Field(1).(*array.Int64Builder)
		for _, row := range rows {
			structB.Append(true)
			bytesB.Append(row.img)
			pathB.Append("img.png")
			labelB.Append(row.label)
		}
		rec := builder.NewRecord()
		if err := w.Write(rec); err != nil {
			rec.Release()
			t.Fatalf("writing record batch: %v", err)
		}
		rec.Release()
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing IPC writer: %v", err)
	}
	return buf.Bytes()
}

// rowsWithLabels builds n rows with the given labels (cycled) and a valid
// tiny PNG as image payload.
func rowsWithLabels(t *testing.T, labels ...int64) []shardRow {
	t.Helper()
	img := tinyPNG(t, 8, 8)
	rows := make([]shardRow, len(labels))
	for i, label := range labels {
		rows[i] = shardRow{img: img, label: label}
	}
	return rows
}

func tinyPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 31), G: uint8(y * 31), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test PNG: %v", err)
	}
	return buf.Bytes()
}
