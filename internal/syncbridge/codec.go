package syncbridge

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	markerRaw  byte = 0
	markerGzip byte = 1

	// DefaultCompressThreshold is the JSON size above which records are gzipped.
	DefaultCompressThreshold = 1024

	maxDecodedSize = 8 << 20
)

var (
	ErrUnknownMarker = errors.New("sync: unknown compression marker")
	ErrUnknownKind   = errors.New("sync: unknown record kind")
	ErrEmpty         = errors.New("sync: empty payload")
)

// Encode serializes rec as JSON with a "kind" field, prefixed by a marker
// byte: 0 for raw JSON, 1 for gzip when the JSON exceeds threshold bytes.
// A threshold <= 0 never compresses.
func Encode(rec Record, threshold int) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.Kind(), err)
	}
	kind, _ := json.Marshal(rec.Kind())
	fields["kind"] = kind
	body, err = json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.Kind(), err)
	}

	if threshold <= 0 || len(body) <= threshold {
		return append([]byte{markerRaw}, body...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(markerGzip)
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(body); err != nil {
		return nil, fmt.Errorf("compress %s: %w", rec.Kind(), err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("compress %s: %w", rec.Kind(), err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) (Record, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	var body []byte
	switch data[0] {
	case markerRaw:
		body = data[1:]
	case markerGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data[1:]))
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		defer gr.Close()
		body, err = io.ReadAll(io.LimitReader(gr, maxDecodedSize))
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMarker, data[0])
	}

	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	var rec Record
	switch head.Kind {
	case KindRequest:
		rec = &Request{}
	case KindDelta:
		rec = &Delta{}
	case KindPush:
		rec = &Push{}
	case KindAck:
		rec = &Ack{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Kind)
	}
	if err := json.Unmarshal(body, rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
	}
	return rec, nil
}
