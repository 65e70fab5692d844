package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// BatchArchiver uploads raw poll batches as JSONL objects, one line per
// batch, partitioned by UTC day.
type BatchArchiver struct {
	writer domain.BlobWriter
	prefix string
}

func NewBatchArchiver(writer domain.BlobWriter, prefix string) *BatchArchiver {
	if prefix == "" {
		prefix = "batches"
	}
	return &BatchArchiver{writer: writer, prefix: prefix}
}

// Archive writes batches to a single object keyed by at and the first
// batch id, returning the object path. Empty input uploads nothing.
func (a *BatchArchiver) Archive(ctx context.Context, batches []domain.Batch, at time.Time) (string, error) {
	if len(batches) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(batches)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	key := archivePath(a.prefix, at, batches[0].ID)
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return key, nil
}

// archivePath builds keys like batches/2024-01-02/090000.000-<id>.jsonl.
func archivePath(prefix string, at time.Time, firstID string) string {
	at = at.UTC()
	return path.Join(prefix, at.Format("2006-01-02"), at.Format("150405.000")+"-"+firstID+".jsonl")
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
