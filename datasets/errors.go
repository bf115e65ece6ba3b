package datasets

import (
	"errors"
	"fmt"
)

// ErrEmptyDataset is returned by BuildIndex when discovery finishes with no
// usable shards or no observed labels.
var ErrEmptyDataset = errors.New("datasets: no usable shards or labels discovered")

// DiscoveryError reports that the shard listing itself failed. It aborts
// dataset construction.
type DiscoveryError struct {
	Prefix string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovering shards under %q: %v", e.Prefix, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// DecodeError reports malformed batch structure while resolving a sample:
// a missing column, an unsupported column type, or a record offset past the
// end of the shard. It is fatal for the sample and never retried.
type DecodeError struct {
	Key    string
	Sample int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding sample %d from shard %q: %v", e.Sample, e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ImageDecodeError reports that a sample's image blob could not be decoded
// into an in-memory image. Fatal for the sample, never retried.
type ImageDecodeError struct {
	Key    string
	Sample int64
	Err    error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("decoding image of sample %d from shard %q: %v", e.Sample, e.Key, e.Err)
}

func (e *ImageDecodeError) Unwrap() error { return e.Err }
