package zarr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Codec encodes and decodes chunk payloads. Implementations mirror
// numcodecs semantics so stores written here interoperate with the
// Python ecosystem.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// BuildCodec instantiates the codec named by a configuration dict.
func BuildCodec(cfg CodecConfig) (Codec, error) {
	switch cfg.ID() {
	case "zlib":
		return zlibCodec{level: intOption(cfg, "level", 1)}, nil
	case "gzip":
		return gzipCodec{level: intOption(cfg, "level", 1)}, nil
	case "zstd":
		return zstdCodec{level: intOption(cfg, "level", 1)}, nil
	case "shuffle":
		var size = intOption(cfg, "elementsize", 4)
		if size <= 0 {
			return nil, fmt.Errorf("shuffle elementsize must be positive, got %d", size)
		}
		return shuffleCodec{elementSize: size}, nil
	case "":
		return nil, fmt.Errorf("codec configuration names no id")
	default:
		return nil, fmt.Errorf("unsupported codec %q", cfg.ID())
	}
}

// DefaultCompressor matches the store default written by the worker.
var DefaultCompressor = CodecConfig{"id": "zlib", "level": 1}

func intOption(cfg CodecConfig, key string, dflt int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return dflt
	}
}

type zlibCodec struct{ level int }

func (c zlibCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w, err = zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c zlibCodec) Decode(data []byte) ([]byte, error) {
	var r, err = zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type gzipCodec struct{ level int }

func (c gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w, err = gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gzipCodec) Decode(data []byte) ([]byte, error) {
	var r, err = gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type zstdCodec struct{ level int }

func (c zstdCodec) Encode(data []byte) ([]byte, error) {
	var w, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
	if err != nil {
		return nil, err
	}
	var out = w.EncodeAll(data, nil)
	w.Close()
	return out, nil
}

func (c zstdCodec) Decode(data []byte) ([]byte, error) {
	var r, err = zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.DecodeAll(data, nil)
}

// shuffleCodec reorders bytes so that the i-th byte of every element
// is contiguous, which typically helps the following compressor.
type shuffleCodec struct{ elementSize int }

func (c shuffleCodec) Encode(data []byte) ([]byte, error) {
	if len(data)%c.elementSize != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a multiple of element size %d",
			len(data), c.elementSize)
	}
	var n = len(data) / c.elementSize
	var out = make([]byte, len(data))
	for i := 0; i < n; i++ {
		for j := 0; j < c.elementSize; j++ {
			out[j*n+i] = data[i*c.elementSize+j]
		}
	}
	return out, nil
}

func (c shuffleCodec) Decode(data []byte) ([]byte, error) {
	if len(data)%c.elementSize != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a multiple of element size %d",
			len(data), c.elementSize)
	}
	var n = len(data) / c.elementSize
	var out = make([]byte, len(data))
	for i := 0; i < n; i++ {
		for j := 0; j < c.elementSize; j++ {
			out[i*c.elementSize+j] = data[j*n+i]
		}
	}
	return out, nil
}

// EncodeChunk applies the filters in declared order and the compressor
// last, producing the wire form of one chunk.
func EncodeChunk(data []byte, za *ZArray) ([]byte, error) {
	if !za.Dtype.Valid() {
		return nil, fmt.Errorf("cannot encode chunks of dtype %q without a codec", za.Dtype)
	}
	var err error
	for _, f := range za.Filters {
		var codec Codec
		if codec, err = BuildCodec(f); err != nil {
			return nil, fmt.Errorf("failed to build filter: %w", err)
		}
		if data, err = codec.Encode(data); err != nil {
			return nil, fmt.Errorf("filter %s failed: %w", f.ID(), err)
		}
	}
	if za.Compressor != nil {
		var codec Codec
		if codec, err = BuildCodec(za.Compressor); err != nil {
			return nil, fmt.Errorf("failed to build compressor: %w", err)
		}
		if data, err = codec.Encode(data); err != nil {
			return nil, fmt.Errorf("compressor %s failed: %w", za.Compressor.ID(), err)
		}
	}
	return data, nil
}

// DecodeChunk reverses EncodeChunk.
func DecodeChunk(data []byte, za *ZArray) ([]byte, error) {
	var err error
	if za.Compressor != nil {
		var codec Codec
		if codec, err = BuildCodec(za.Compressor); err != nil {
			return nil, fmt.Errorf("failed to build compressor: %w", err)
		}
		if data, err = codec.Decode(data); err != nil {
			return nil, fmt.Errorf("compressor %s failed: %w", za.Compressor.ID(), err)
		}
	}
	for i := len(za.Filters) - 1; i >= 0; i-- {
		var codec Codec
		if codec, err = BuildCodec(za.Filters[i]); err != nil {
			return nil, fmt.Errorf("failed to build filter: %w", err)
		}
		if data, err = codec.Decode(data); err != nil {
			return nil, fmt.Errorf("filter %s failed: %w", za.Filters[i].ID(), err)
		}
	}
	return data, nil
}
