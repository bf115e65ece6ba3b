package datasets

import (
	"context"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/arvos-ml/arvos/storage"
)

// ShardExt is the file extension of dataset shard objects.
const ShardExt = ".arrow"

// ListShards enumerates the shard files under prefix, in key order. A
// failed listing is fatal for dataset construction.
func ListShards(ctx context.Context, bucket storage.Bucket, prefix string) ([]storage.ObjectInfo, error) {
	objects, err := bucket.List(ctx, prefix)
	if err != nil {
		return nil, &DiscoveryError{Prefix: prefix, Err: err}
	}
	var shards []storage.ObjectInfo
	var totalBytes uint64
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ShardExt) {
			continue
		}
		shards = append(shards, obj)
		totalBytes += uint64(obj.Size)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Key < shards[j].Key })
	klog.Infof("Found %d shard files under %q (%s)", len(shards), prefix, humanize.Bytes(totalBytes))
	return shards, nil
}
