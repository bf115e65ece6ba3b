package datasets

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/arvos-ml/arvos/storage"
)

// Shard is one remote file contributing samples to the dataset.
type Shard struct {
	Key string
	// Rows is the row count of the shard's first record batch, which is
	// the shard's contribution to the dataset length.
	Rows int64
}

// Vocabulary maps raw label values to dense zero-based class indices,
// ordered by ascending raw label value.
type Vocabulary struct {
	labels []int64
	index  map[int64]int
}

func newVocabulary(seen map[int64]struct{}) *Vocabulary {
	labels := make([]int64, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	index := make(map[int64]int, len(labels))
	for i, label := range labels {
		index[label] = i
	}
	return &Vocabulary{labels: labels, index: index}
}

// NumClasses returns the number of distinct labels discovered.
func (v *Vocabulary) NumClasses() int { return len(v.labels) }

// ClassOf maps a raw label to its dense class index.
func (v *Vocabulary) ClassOf(raw int64) (int, bool) {
	class, ok := v.index[raw]
	return class, ok
}

// Labels returns the raw label values in class-index order.
func (v *Vocabulary) Labels() []int64 {
	out := make([]int64, len(v.labels))
	copy(out, v.labels)
	return out
}

// Index is the immutable lookup structure for a streamed dataset: the shard
// catalog, the cumulative sample-count table and the class vocabulary. It
// is built once by BuildIndex and never mutated, so concurrent sample
// lookups need no locking.
type Index struct {
	prefix     string
	shards     []Shard
	cumulative []int64 // len(shards)+1 entries, cumulative[0] == 0
	vocab      *Vocabulary
}

// Len returns the total number of samples across all usable shards.
func (ix *Index) Len() int64 { return ix.cumulative[len(ix.cumulative)-1] }

// NumShards returns the number of shards that contributed samples.
func (ix *Index) NumShards() int { return len(ix.shards) }

// Shard returns the i-th usable shard, in catalog order.
func (ix *Index) Shard(i int) Shard { return ix.shards[i] }

// Cumulative returns a copy of the cumulative sample-count table.
func (ix *Index) Cumulative() []int64 {
	out := make([]int64, len(ix.cumulative))
	copy(out, ix.cumulative)
	return out
}

// Vocabulary returns the class vocabulary built during discovery.
func (ix *Index) Vocabulary() *Vocabulary { return ix.vocab }

// Locate maps a global sample index to its shard and local record offset:
// the first shard whose cumulative upper bound exceeds k holds the sample.
func (ix *Index) Locate(k int64) (shard int, offset int64, err error) {
	if k < 0 || k >= ix.Len() {
		return 0, 0, errors.Errorf("sample index %d out of range [0, %d)", k, ix.Len())
	}
	shard = sort.Search(len(ix.shards), func(i int) bool { return ix.cumulative[i+1] > k })
	return shard, k - ix.cumulative[shard], nil
}

// IndexOptions configures BuildIndex.
type IndexOptions struct {
	// Fetcher used for the per-shard first-batch reads. Nil uses the
	// bucket directly with the default retry policy.
	Fetcher *storage.Fetcher
	// Progress shows a progress bar while shards are scanned.
	Progress bool
}

// BuildIndex discovers the dataset structure under prefix: it lists the
// shard files and, for each one in catalog order, fetches only the first
// record batch to learn the shard's sample count and the labels it exposes.
// This keeps discovery at one network round-trip per shard, with the caveat
// that labels appearing only in later batches of a shard never enter the
// vocabulary; looking up such a sample later fails with a DecodeError.
//
// A shard that cannot be read is logged and excluded — it contributes no
// samples, and construction continues. Discovery fails with ErrEmptyDataset
// when no shard contributed samples or no labels were observed.
func BuildIndex(ctx context.Context, bucket storage.Bucket, prefix string, opts IndexOptions) (*Index, error) {
	catalog, err := ListShards(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = &storage.Fetcher{Bucket: bucket, Retry: storage.RetryPolicy{Retryable: storage.Transient}}
	}

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(len(catalog),
			progressbar.OptionSetDescription("Scanning shards"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("shards"),
		)
	}

	seenLabels := make(map[int64]struct{})
	var shards []Shard
	cumulative := []int64{0}
	var total int64
	for _, obj := range catalog {
		rows, labels, err := readShardHeader(ctx, fetcher, obj.Key)
		if bar != nil {
			_ = bar.Add(1)
		}
		if err != nil {
			klog.Warningf("Skipping shard %q: %v", obj.Key, err)
			continue
		}
		for _, label := range labels {
			seenLabels[label] = struct{}{}
		}
		shards = append(shards, Shard{Key: obj.Key, Rows: rows})
		total += rows
		cumulative = append(cumulative, total)
		klog.V(1).Infof("Processed %q: %d records", obj.Key, rows)
	}
	if bar != nil {
		_ = bar.Close()
	}

	if len(shards) == 0 || len(seenLabels) == 0 {
		return nil, ErrEmptyDataset
	}
	vocab := newVocabulary(seenLabels)
	klog.Infof("Found %d samples with %d classes under %q", total, vocab.NumClasses(), prefix)
	return &Index{
		prefix:     prefix,
		shards:     shards,
		cumulative: cumulative,
		vocab:      vocab,
	}, nil
}
