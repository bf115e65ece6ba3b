// Package storage provides access to the remote object store holding the
// dataset shards, plus the retry policy used when fetching them.
//
// The dataset code only sees the Bucket interface; S3Bucket is the
// production implementation backed by an S3-compatible store.
package storage

import (
	"context"
	"io"
)

// ObjectInfo describes a stored object as returned by listing and stat calls.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Bucket is the minimal object-store surface the dataset code needs: a
// prefix-scoped listing, a byte-stream fetch, and a metadata probe.
//
// List must page through arbitrarily large listings; implementations return
// the complete set of keys under the prefix, however many pages that takes.
type Bucket interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}
