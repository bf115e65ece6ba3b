package datasets

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/pkg/errors"

	"github.com/arvos-ml/arvos/storage"
)

// Column names expected in each shard's record batches. The image column is
// either a binary column or a struct with a "bytes" child, matching how
// image datasets are exported to Arrow.
const (
	imageColumn     = "image"
	labelColumn     = "label"
	imageBytesField = "bytes"
)

// readShardHeader fetches a shard and decodes only its first record batch,
// returning the batch's row count and the distinct label values it holds.
// Shards without a label column still contribute rows.
func readShardHeader(ctx context.Context, fetcher *storage.Fetcher, key string) (rows int64, labels []int64, err error) {
	rc, err := fetcher.Fetch(ctx, key)
	if err != nil {
		return 0, nil, err
	}
	defer rc.Close()

	rdr, err := ipc.NewReader(rc)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "opening batch stream of %q", key)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return 0, nil, errors.Wrapf(err, "reading first batch of %q", key)
		}
		return 0, nil, errors.Errorf("shard %q has no record batches", key)
	}
	rec := rdr.Record()
	rows = rec.NumRows()

	if col := fieldIndex(rec.Schema(), labelColumn); col >= 0 {
		seen := make(map[int64]struct{})
		for row := 0; row < int(rows); row++ {
			label, err := labelValue(rec.Column(col), row)
			if err != nil {
				return 0, nil, err
			}
			if _, ok := seen[label]; !ok {
				seen[label] = struct{}{}
				labels = append(labels, label)
			}
		}
	}
	return rows, labels, nil
}

// extractRecord scans the shard's batches in order, tracking a running row
// count, and returns the image blob and raw label at localOffset. Malformed
// batch structure is a decode failure, not a retry trigger.
func extractRecord(r io.Reader, localOffset int64) (blob []byte, label int64, err error) {
	rdr, err := ipc.NewReader(r)
	if err != nil {
		return nil, 0, errors.Wrap(err, "opening batch stream")
	}
	defer rdr.Release()

	var seen int64
	for rdr.Next() {
		rec := rdr.Record()
		n := rec.NumRows()
		if seen+n > localOffset {
			return recordAt(rec, int(localOffset-seen))
		}
		seen += n
	}
	if err := rdr.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "reading batch stream")
	}
	return nil, 0, errors.Errorf("record offset %d beyond end of shard (%d rows)", localOffset, seen)
}

// recordAt pulls the image blob and raw label from one row of a batch.
func recordAt(rec arrow.Record, row int) ([]byte, int64, error) {
	imgCol := fieldIndex(rec.Schema(), imageColumn)
	if imgCol < 0 {
		return nil, 0, errors.Errorf("batch has no %q column (schema: %v)", imageColumn, rec.Schema().Fields())
	}
	labCol := fieldIndex(rec.Schema(), labelColumn)
	if labCol < 0 {
		return nil, 0, errors.Errorf("batch has no %q column (schema: %v)", labelColumn, rec.Schema().Fields())
	}
	blob, err := imageBytes(rec.Column(imgCol), row)
	if err != nil {
		return nil, 0, err
	}
	label, err := labelValue(rec.Column(labCol), row)
	if err != nil {
		return nil, 0, err
	}
	// The blob aliases the batch's buffer, which is released with the
	// reader; copy it out.
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, label, nil
}

func fieldIndex(schema *arrow.Schema, name string) int {
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// imageBytes extracts the raw image blob from the image column, which is a
// struct{bytes, path} in Hugging Face exports or a plain binary column.
func imageBytes(col arrow.Array, row int) ([]byte, error) {
	if st, ok := col.(*array.Struct); ok {
		structType, ok := st.DataType().(*arrow.StructType)
		if !ok {
			return nil, errors.Errorf("image column has unexpected type %s", st.DataType())
		}
		idx, ok := structType.FieldIdx(imageBytesField)
		if !ok {
			return nil, errors.Errorf("image struct has no %q field", imageBytesField)
		}
		return binaryValue(st.Field(idx), row)
	}
	return binaryValue(col, row)
}

func binaryValue(col arrow.Array, row int) ([]byte, error) {
	switch a := col.(type) {
	case *array.Binary:
		return a.Value(row), nil
	case *array.LargeBinary:
		return a.Value(row), nil
	default:
		return nil, errors.Errorf("unsupported image bytes column type %s", col.DataType())
	}
}

func labelValue(col arrow.Array, row int) (int64, error) {
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(row), nil
	case *array.Int32:
		return int64(a.Value(row)), nil
	case *array.Int16:
		return int64(a.Value(row)), nil
	case *array.Int8:
		return int64(a.Value(row)), nil
	default:
		return 0, errors.Errorf("unsupported label column type %s", col.DataType())
	}
}
