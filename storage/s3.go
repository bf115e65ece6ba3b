package storage

import (
	"context"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// DefaultS3Endpoint is used when S3_ENDPOINT is not set.
const DefaultS3Endpoint = "s3.amazonaws.com"

// S3Bucket serves shard objects from an S3-compatible store.
type S3Bucket struct {
	client *minio.Client
	bucket string
}

var _ Bucket = (*S3Bucket)(nil)

// NewS3Bucket connects to an S3-compatible endpoint. creds may be nil to
// use the standard AWS environment variables.
func NewS3Bucket(endpoint, bucket string, creds *credentials.Credentials, secure bool) (*S3Bucket, error) {
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %q", endpoint)
	}
	return &S3Bucket{client: client, bucket: bucket}, nil
}

// OpenS3FromEnv opens the bucket named by S3_BUCKET_NAME (or the given
// override) at S3_ENDPOINT, with credentials from the environment.
func OpenS3FromEnv(bucket string) (*S3Bucket, error) {
	if bucket == "" {
		bucket = os.Getenv("S3_BUCKET_NAME")
	}
	if bucket == "" {
		return nil, errors.New("S3_BUCKET_NAME is not set")
	}
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = DefaultS3Endpoint
	}
	return NewS3Bucket(endpoint, bucket, nil, true)
}

// List enumerates every object under prefix. The underlying client pages
// through the listing, so results are not capped.
func (b *S3Bucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "listing %q", prefix)
		}
		objects = append(objects, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return objects, nil
}

// Get fetches the byte stream for key. The request is forced eagerly so
// fetch errors surface here rather than on the first Read.
func (b *S3Bucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "getting %q", key)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, errors.Wrapf(err, "getting %q", key)
	}
	return obj, nil
}

// Stat probes the object's metadata without fetching its bytes.
func (b *S3Bucket) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "stat %q", key)
	}
	return ObjectInfo{Key: key, Size: info.Size}, nil
}
