package webproxy

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec names accepted by [CodecByName].
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
)

// Codec transforms cache values on their way into and out of a [Store].
// Decode(Encode(p)) must return p byte for byte. Implementations must be
// safe for concurrent use.
type Codec interface {
	Name() string
	Encode(p []byte) ([]byte, error)
	Decode(p []byte) ([]byte, error)
}

// CodecByName returns the codec registered under name. An empty name
// selects the identity codec.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingIdentity, "none":
		return IdentityCodec{}, nil
	case EncodingGzip:
		return NewGzipCodec(gzip.DefaultCompression), nil
	case EncodingZstd:
		return NewZstdCodec()
	case EncodingBrotli, "brotli":
		return NewBrotliCodec(brotli.DefaultCompression), nil
	default:
		return nil, fmt.Errorf("unknown cache codec %q", name)
	}
}

// IdentityCodec stores values unchanged. It copies on both sides so callers
// can never alias the bytes held by the store.
type IdentityCodec struct{}

func (IdentityCodec) Name() string { return EncodingIdentity }

func (IdentityCodec) Encode(p []byte) ([]byte, error) { return bytes.Clone(p), nil }

func (IdentityCodec) Decode(p []byte) ([]byte, error) { return bytes.Clone(p), nil }

// GzipCodec compresses values with gzip.
type GzipCodec struct {
	level   int
	writers sync.Pool
}

// NewGzipCodec creates a gzip codec at the given compression level.
func NewGzipCodec(level int) *GzipCodec {
	c := &GzipCodec{level: level}
	c.writers.New = func() any {
		w, err := gzip.NewWriterLevel(io.Discard, level)
		if err != nil {
			w = gzip.NewWriter(io.Discard)
		}
		return w
	}
	return c
}

func (c *GzipCodec) Name() string { return EncodingGzip }

func (c *GzipCodec) Encode(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := c.writers.Get().(*gzip.Writer)
	defer c.writers.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCodec) Decode(p []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	return out, nil
}

// ZstdCodec compresses values with zstd. The encoder and decoder are
// shared; EncodeAll and DecodeAll are safe for concurrent use.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec creates a zstd codec with default settings.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Name() string { return EncodingZstd }

func (c *ZstdCodec) Encode(p []byte) ([]byte, error) {
	return c.enc.EncodeAll(p, make([]byte, 0, len(p)/2)), nil
}

func (c *ZstdCodec) Decode(p []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(p, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// BrotliCodec compresses values with brotli.
type BrotliCodec struct {
	level int
}

// NewBrotliCodec creates a brotli codec at the given quality level.
func NewBrotliCodec(level int) *BrotliCodec {
	return &BrotliCodec{level: level}
}

func (c *BrotliCodec) Name() string { return EncodingBrotli }

func (c *BrotliCodec) Encode(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("brotli encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *BrotliCodec) Decode(p []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(p)))
	if err != nil {
		return nil, fmt.Errorf("brotli decode: %w", err)
	}
	return out, nil
}
