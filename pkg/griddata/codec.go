package griddata

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"gocloud.dev/blob"
)

const magic = "LRG1"

// Precision selects the numeric width of the encoded payload.
type Precision string

const (
	// Float64 stores samples as 8-byte IEEE 754 values (lossless).
	Float64 Precision = "float64"
	// Float32 halves the payload at the cost of precision.
	Float32 Precision = "float32"
)

// WriteConfig carries the encoding choices for a write. The zero value
// means float64, uncompressed.
type WriteConfig struct {
	Precision Precision
	// GzipLevel compresses the payload when non-zero. Valid values follow
	// compress/gzip (1..9).
	GzipLevel int
}

// Header is the decoded metadata header of an encoded file.
type Header struct {
	Name        string            `json:"name"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Shape       []int             `json:"shape"`
	Time        []int64           `json:"time"` // unix seconds, UTC
	Precision   Precision         `json:"precision"`
	Compression string            `json:"compression,omitempty"` // "gzip" or empty
}

// FileInfo describes an encoded file without its payload, including the
// byte range of the raw array for reference documents.
type FileInfo struct {
	Header        Header
	PayloadOffset int64
	PayloadLength int64
}

// Steps returns the number of time steps recorded in the header.
func (i *FileInfo) Steps() int { return len(i.Header.Time) }

// Encode writes the dataset to the bucket under key using the given
// write configuration. The write is all-or-nothing at the blob layer;
// callers that need crash safety at the final path should write to a
// temporary key and move it into place.
func Encode(ctx context.Context, bucket *blob.Bucket, key string, ds *Dataset, cfg WriteConfig) error {
	if err := ds.Check(); err != nil {
		return err
	}
	if cfg.Precision == "" {
		cfg.Precision = Float64
	}

	hdr := Header{
		Name:      ds.Name,
		Attrs:     ds.Attrs,
		Shape:     ds.Shape,
		Time:      make([]int64, len(ds.Time)),
		Precision: cfg.Precision,
	}
	for i, t := range ds.Time {
		hdr.Time[i] = t.UTC().Unix()
	}
	if cfg.GzipLevel != 0 {
		hdr.Compression = "gzip"
	}

	hdrJSON, err := json.Marshal(&hdr)
	if err != nil {
		return fmt.Errorf("griddata: marshal header: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(hdrJSON)))
	buf.Write(lenBytes[:])
	buf.Write(hdrJSON)

	payload := encodePayload(ds.Values, cfg.Precision)
	if cfg.GzipLevel != 0 {
		gz := new(bytes.Buffer)
		zw, err := gzip.NewWriterLevel(gz, cfg.GzipLevel)
		if err != nil {
			return fmt.Errorf("griddata: gzip level: %w", err)
		}
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("griddata: compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("griddata: compress payload: %w", err)
		}
		payload = gz.Bytes()
	}
	buf.Write(payload)

	if err := bucket.WriteAll(ctx, key, buf.Bytes(), nil); err != nil {
		return fmt.Errorf("griddata: write %s: %w", key, err)
	}
	return nil
}

// Decode reads a whole encoded file back into a Dataset.
func Decode(ctx context.Context, bucket *blob.Bucket, key string) (*Dataset, error) {
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("griddata: read %s: %w", key, err)
	}

	hdr, offset, err := parseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("griddata: %s: %w", key, err)
	}

	payload := data[offset:]
	if hdr.Compression == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("griddata: %s: open gzip payload: %w", key, err)
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("griddata: %s: decompress payload: %w", key, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("griddata: %s: decompress payload: %w", key, err)
		}
	}

	values, err := decodePayload(payload, hdr.Precision)
	if err != nil {
		return nil, fmt.Errorf("griddata: %s: %w", key, err)
	}

	ds := &Dataset{
		Name:   hdr.Name,
		Attrs:  hdr.Attrs,
		Shape:  hdr.Shape,
		Time:   make([]time.Time, len(hdr.Time)),
		Values: values,
	}
	for i, sec := range hdr.Time {
		ds.Time[i] = time.Unix(sec, 0).UTC()
	}
	if err := ds.Check(); err != nil {
		return nil, fmt.Errorf("griddata: %s: %w", key, err)
	}
	return ds, nil
}

// DecodeHeader reads only the metadata header of an encoded file.
func DecodeHeader(ctx context.Context, bucket *blob.Bucket, key string) (*Header, error) {
	info, err := Describe(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return &info.Header, nil
}

// Describe reads the header and reports the payload byte range of an
// encoded file. Only the header bytes are fetched from storage.
func Describe(ctx context.Context, bucket *blob.Bucket, key string) (*FileInfo, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("griddata: stat %s: %w", key, err)
	}

	// Magic + header length.
	prefix := make([]byte, 8)
	r, err := bucket.NewRangeReader(ctx, key, 0, 8, nil)
	if err != nil {
		return nil, fmt.Errorf("griddata: read %s: %w", key, err)
	}
	if _, err := io.ReadFull(r, prefix); err != nil {
		r.Close()
		return nil, fmt.Errorf("griddata: read %s: %w", key, err)
	}
	r.Close()
	if string(prefix[:4]) != magic {
		return nil, fmt.Errorf("griddata: %s: bad magic", key)
	}
	hdrLen := int64(binary.LittleEndian.Uint32(prefix[4:8]))
	if hdrLen <= 0 || 8+hdrLen > attrs.Size {
		return nil, fmt.Errorf("griddata: %s: header length %d out of range", key, hdrLen)
	}

	hr, err := bucket.NewRangeReader(ctx, key, 8, hdrLen, nil)
	if err != nil {
		return nil, fmt.Errorf("griddata: read %s: %w", key, err)
	}
	hdrJSON, err := io.ReadAll(hr)
	hr.Close()
	if err != nil {
		return nil, fmt.Errorf("griddata: read %s: %w", key, err)
	}

	var hdr Header
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, fmt.Errorf("griddata: %s: unmarshal header: %w", key, err)
	}

	offset := 8 + hdrLen
	return &FileInfo{
		Header:        hdr,
		PayloadOffset: offset,
		PayloadLength: attrs.Size - offset,
	}, nil
}

func parseHeader(data []byte) (*Header, int, error) {
	if len(data) < 8 || string(data[:4]) != magic {
		return nil, 0, errors.New("bad magic")
	}
	hdrLen := int(binary.LittleEndian.Uint32(data[4:8]))
	if hdrLen <= 0 || 8+hdrLen > len(data) {
		return nil, 0, fmt.Errorf("header length %d out of range", hdrLen)
	}
	var hdr Header
	if err := json.Unmarshal(data[8:8+hdrLen], &hdr); err != nil {
		return nil, 0, fmt.Errorf("unmarshal header: %w", err)
	}
	return &hdr, 8 + hdrLen, nil
}

func encodePayload(values []float64, p Precision) []byte {
	if p == Float32 {
		out := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		}
		return out
	}
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func decodePayload(payload []byte, p Precision) ([]float64, error) {
	switch p {
	case Float32:
		if len(payload)%4 != 0 {
			return nil, fmt.Errorf("payload size %d not a multiple of 4", len(payload))
		}
		values := make([]float64, len(payload)/4)
		for i := range values {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:])))
		}
		return values, nil
	case Float64, "":
		if len(payload)%8 != 0 {
			return nil, fmt.Errorf("payload size %d not a multiple of 8", len(payload))
		}
		values := make([]float64, len(payload)/8)
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:]))
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unknown precision %q", p)
	}
}
