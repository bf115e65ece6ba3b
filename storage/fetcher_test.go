package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"testing"
	"time"
)

// memBucket is an in-memory Bucket with per-key failure injection: the
// first failures[key] calls to Get (and Stat) for that key fail.
type memBucket struct {
	objects  map[string][]byte
	failures map[string]int
	gets     map[string]int
	stats    map[string]int
	statFail map[string]int
}

func newMemBucket() *memBucket {
	return &memBucket{
		objects:  make(map[string][]byte),
		failures: make(map[string]int),
		gets:     make(map[string]int),
		stats:    make(map[string]int),
		statFail: make(map[string]int),
	}
}

func (b *memBucket) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var objs []ObjectInfo
	for key, data := range b.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			objs = append(objs, ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

func (b *memBucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.gets[key]++
	if b.failures[key] > 0 {
		b.failures[key]--
		return nil, errors.New("injected get failure")
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBucket) Stat(_ context.Context, key string) (ObjectInfo, error) {
	b.stats[key]++
	if b.statFail[key] > 0 {
		b.statFail[key]--
		return ObjectInfo{}, errors.New("injected stat failure")
	}
	data, ok := b.objects[key]
	if !ok {
		return ObjectInfo{}, errors.New("no such key")
	}
	return ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func testFetcher(b Bucket, attempts int) *Fetcher {
	return &Fetcher{
		Bucket: b,
		Retry:  RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Retryable: Transient},
	}
}

func TestFetcher_RecoversWithinBudget(t *testing.T) {
	b := newMemBucket()
	b.objects["shard-0.arrow"] = []byte("payload")
	b.failures["shard-0.arrow"] = 2

	f := testFetcher(b, 3)
	rc, err := f.Fetch(context.Background(), "shard-0.arrow")
	if err != nil {
		t.Fatalf("expected recovery on the 3rd attempt, got %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading fetched stream: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected payload %q", data)
	}
	if b.gets["shard-0.arrow"] != 3 {
		t.Fatalf("expected 3 get calls, got %d", b.gets["shard-0.arrow"])
	}
}

func TestFetcher_ExhaustionReturnsRetrievalError(t *testing.T) {
	b := newMemBucket()
	b.objects["shard-0.arrow"] = []byte("payload")
	b.failures["shard-0.arrow"] = 3

	f := testFetcher(b, 3)
	_, err := f.Fetch(context.Background(), "shard-0.arrow")
	var rerr *RetrievalError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RetrievalError, got %T: %v", err, err)
	}
	if rerr.Key != "shard-0.arrow" || rerr.Attempts != 3 {
		t.Fatalf("unexpected error detail: %+v", rerr)
	}
	if b.gets["shard-0.arrow"] != 3 {
		t.Fatalf("expected exactly 3 get calls, got %d", b.gets["shard-0.arrow"])
	}
}

func TestFetcher_NonRetryableReportsActualAttempts(t *testing.T) {
	b := newMemBucket()
	b.objects["shard-0.arrow"] = []byte("payload")
	b.failures["shard-0.arrow"] = 3

	f := testFetcher(b, 3)
	f.Retry.Retryable = func(error) bool { return false }
	_, err := f.Fetch(context.Background(), "shard-0.arrow")
	var rerr *RetrievalError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RetrievalError, got %T: %v", err, err)
	}
	if rerr.Attempts != 1 {
		t.Fatalf("non-retryable failure stops after one attempt, reported %d", rerr.Attempts)
	}
	if b.gets["shard-0.arrow"] != 1 {
		t.Fatalf("expected exactly 1 get call, got %d", b.gets["shard-0.arrow"])
	}
}

func TestFetcher_ProbeFailureIsRetried(t *testing.T) {
	b := newMemBucket()
	b.objects["shard-0.arrow"] = []byte("payload")
	b.statFail["shard-0.arrow"] = 1

	f := testFetcher(b, 3)
	f.Probe = true
	rc, err := f.Fetch(context.Background(), "shard-0.arrow")
	if err != nil {
		t.Fatalf("expected probe failure to be retried, got %v", err)
	}
	rc.Close()
	if b.stats["shard-0.arrow"] != 2 {
		t.Fatalf("expected 2 probes, got %d", b.stats["shard-0.arrow"])
	}
	// The failed probe must not consume a get.
	if b.gets["shard-0.arrow"] != 1 {
		t.Fatalf("expected 1 get, got %d", b.gets["shard-0.arrow"])
	}
}
