package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/AMekss/assert"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

type memWriter struct {
	objects     map[string][]byte
	contentType map[string]string
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, contentType: map[string]string{}}
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.contentType[path] = contentType
	return nil
}

func (m *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "multipart")
}

func TestBatchArchiverWritesJSONL(t *testing.T) {
	w := newMemWriter()
	a := NewBatchArchiver(w, "")
	at := time.Date(2024, 1, 2, 9, 30, 5, 250_000_000, time.UTC)

	key, err := a.Archive(context.Background(), []domain.Batch{
		{ID: "b1", SessionID: "s", Records: []domain.Record{{Instrument: "X", Metric: "LastPrice", Kind: domain.KindNumber, Value: json.RawMessage("1")}}},
		{ID: "b2", SessionID: "s"},
	}, at)
	assert.NoError(t, err)
	assert.EqualStrings(t, "batches/2024-01-02/093005.250-b1.jsonl", key)
	assert.EqualStrings(t, contentTypeJSONL, w.contentType[key])

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(w.objects[key]))
	for sc.Scan() {
		var b domain.Batch
		assert.NoError(t, json.Unmarshal(sc.Bytes(), &b))
		ids = append(ids, b.ID)
	}
	assert.EqualInt(t, 2, len(ids))
	assert.EqualStrings(t, "b2", ids[1])
}

func TestBatchArchiverSkipsEmpty(t *testing.T) {
	w := newMemWriter()
	key, err := NewBatchArchiver(w, "x").Archive(context.Background(), nil, time.Now())
	assert.NoError(t, err)
	assert.EqualStrings(t, "", key)
	assert.EqualInt(t, 0, len(w.objects))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.EqualStrings(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.EqualStrings(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.EqualStrings(t, "http://already", normaliseEndpoint("http://already", true))
}
