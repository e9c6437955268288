package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"

	"chatus/internal/core"
)

// Bodies above this size are brotli-compressed before they reach a persistent backend.
const compressThreshold = 1024

const encodingBrotli = "br"

// ErrCorruptEntry is returned when a stored entry fails its checksum.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// entryEnvelope is the serialized form of a cached response.
type entryEnvelope struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	Encoding string      `json:"encoding,omitempty"`
	Checksum uint64      `json:"checksum"`
	StoredAt time.Time   `json:"stored_at"`
}

// encodeEntry serializes resp for storage. The checksum covers the uncompressed body.
func encodeEntry(resp *core.Response) ([]byte, error) {
	env := entryEnvelope{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     resp.Body,
		Checksum: xxhash.Sum64(resp.Body),
		StoredAt: resp.StoredAt,
	}
	if env.StoredAt.IsZero() {
		env.StoredAt = time.Now().UTC()
	}

	if len(resp.Body) > compressThreshold {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(resp.Body); err != nil {
			return nil, fmt.Errorf("failed to compress body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress body: %w", err)
		}
		if buf.Len() < len(resp.Body) {
			env.Body = buf.Bytes()
			env.Encoding = encodingBrotli
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return data, nil
}

// decodeEntry restores a response written by encodeEntry.
func decodeEntry(data []byte) (*core.Response, error) {
	var env entryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse cache entry: %w", err)
	}

	body := env.Body
	if env.Encoding == encodingBrotli {
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(env.Body)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
		}
		body = decoded
	}

	if xxhash.Sum64(body) != env.Checksum {
		return nil, ErrCorruptEntry
	}

	if body == nil {
		body = []byte{}
	}
	header := env.Header
	if header == nil {
		header = http.Header{}
	}

	return &core.Response{
		StatusCode: env.Status,
		Header:     header,
		Body:       body,
		StoredAt:   env.StoredAt,
	}, nil
}
