package zarr

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	var path = "/arch/cmip6/tas_day_2000.nc"
	var token = EncodeToken(path)

	got, err := DecodeToken(token)
	require.NoError(t, err)
	require.Equal(t, path, got)

	// Case: padded tokens are accepted too.
	var padded = base64.URLEncoding.EncodeToString([]byte(`{"path":"/x.nc"}`))
	got, err = DecodeToken(padded)
	require.NoError(t, err)
	require.Equal(t, "/x.nc", got)

	// Case: garbage.
	_, err = DecodeToken("%%%")
	require.Error(t, err)
	_, err = DecodeToken(base64.RawURLEncoding.EncodeToString([]byte(`{}`)))
	require.Error(t, err)
}

func TestDtype(t *testing.T) {
	var cases = []struct {
		dtype Dtype
		kind  byte
		size  int
	}{
		{"<f8", 'f', 8},
		{"<f4", 'f', 4},
		{"<i2", 'i', 2},
		{"|b1", 'b', 1},
		{"<c16", 'c', 16},
		{"|S5", 'S', 5},
		{"<M8[ns]", 'M', 8},
		{"<U3", 'U', 12},
	}
	for _, c := range cases {
		require.Equal(t, c.kind, c.dtype.Kind(), string(c.dtype))
		size, err := c.dtype.ItemSize()
		require.NoError(t, err, string(c.dtype))
		require.Equal(t, c.size, size, string(c.dtype))
	}
	require.False(t, Dtype("|O").Valid())
	require.True(t, Dtype("<f8").Valid())
}

func TestEncodeFillValue(t *testing.T) {
	// Case: non-finite floats become strings.
	v, err := EncodeFillValue(math.NaN(), "<f8")
	require.NoError(t, err)
	require.Equal(t, "NaN", v)
	v, _ = EncodeFillValue(math.Inf(1), "<f4")
	require.Equal(t, "Infinity", v)
	v, _ = EncodeFillValue(math.Inf(-1), "<f4")
	require.Equal(t, "-Infinity", v)
	v, _ = EncodeFillValue(1.5, "<f8")
	require.Equal(t, 1.5, v)

	// Case: integers stay integral.
	v, _ = EncodeFillValue(float64(-999), "<i4")
	require.Equal(t, int64(-999), v)

	// Case: bool.
	v, _ = EncodeFillValue(true, "|b1")
	require.Equal(t, true, v)

	// Case: complex splits into a pair; non-finite parts become strings.
	v, err = EncodeFillValue(complex(math.NaN(), 2.0), "<c16")
	require.NoError(t, err)
	require.Equal(t, []any{"NaN", 2.0}, v)

	// Case: bytes encode with standard base64.
	v, _ = EncodeFillValue([]byte{0xff, 0x00}, "|S2")
	require.Equal(t, "/wA=", v)

	// Case: datetimes keep their integer view.
	v, _ = EncodeFillValue(int64(-9223372036854775808), "<M8[ns]")
	require.Equal(t, int64(math.MinInt64), v)

	// Case: nil stays nil.
	v, err = EncodeFillValue(nil, "<f8")
	require.NoError(t, err)
	require.Nil(t, v)

	// Case: object dtype is not representable.
	_, err = EncodeFillValue("x", "|O")
	require.Error(t, err)
}

func TestNewZArrayDefaultsChunksToShape(t *testing.T) {
	var za, err = NewZArray([]int64{10, 20}, nil, "<f4", nil, DefaultCompressor, nil)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20}, za.Chunks)
	require.Equal(t, "C", za.Order)
	require.Equal(t, 2, za.ZarrFormat)

	var raw, merr = json.Marshal(za)
	require.NoError(t, merr)
	require.Contains(t, string(raw), `"compressor":{"id":"zlib","level":1}`)
}

func TestConsolidated(t *testing.T) {
	var c = NewConsolidated()
	var za, _ = NewZArray([]int64{6}, []int64{4}, "<i8", float64(0), nil, nil)
	c.Put("tas/.zarray", za)
	c.Put("tas/.zattrs", map[string]any{DimensionKey: []string{"time"}})

	require.JSONEq(t, `{"zarr_format": 2}`, string(c.Get(".zgroup")))
	require.ElementsMatch(t, []string{"tas"}, c.Variables())

	got, err := c.ZArrayOf("tas")
	require.NoError(t, err)
	require.Equal(t, []int64{6}, got.Shape)

	_, err = c.ZArrayOf("pr")
	require.Error(t, err)
}

func TestParseChunkID(t *testing.T) {
	var za, _ = NewZArray([]int64{10, 7}, []int64{4, 4}, "<f4", nil, nil, nil)

	idx, err := ParseChunkID("2.1", za)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 1}, idx)
	require.Equal(t, []int64{3, 2}, GridShape(za))

	// Case: wrong rank.
	_, err = ParseChunkID("2", za)
	require.Error(t, err)
	// Case: out of range.
	_, err = ParseChunkID("3.0", za)
	require.Error(t, err)
	// Case: not a number.
	_, err = ParseChunkID("a.b", za)
	require.Error(t, err)
}

func TestChunkRegion(t *testing.T) {
	var za, _ = NewZArray([]int64{10, 7}, []int64{4, 4}, "<f4", nil, nil, nil)

	// Case: interior chunk spans the full chunk shape.
	offset, extent := ChunkRegion([]int64{0, 0}, za)
	require.Equal(t, []int64{0, 0}, offset)
	require.Equal(t, []int64{4, 4}, extent)

	// Case: edge chunk is clipped.
	offset, extent = ChunkRegion([]int64{2, 1}, za)
	require.Equal(t, []int64{8, 4}, offset)
	require.Equal(t, []int64{2, 3}, extent)
}

func TestPadChunk(t *testing.T) {
	var za, _ = NewZArray([]int64{5, 5}, []int64{2, 3}, "|S1", nil, nil, nil)

	// Case: full chunk passes through untouched.
	var full = []byte("abcdef")
	got, err := PadChunk(full, []int64{2, 3}, za)
	require.NoError(t, err)
	require.Equal(t, full, got)

	// Case: edge chunk is embedded at row strides of the chunk shape.
	got, err = PadChunk([]byte("ab"), []int64{1, 2}, za)
	require.NoError(t, err)
	require.Len(t, got, 6)
	require.Equal(t, byte('a'), got[0])
	require.Equal(t, byte('b'), got[1])

	// Case: corner chunk with two clipped dimensions.
	got, err = PadChunk([]byte("xy"), []int64{2, 1}, za)
	require.NoError(t, err)
	require.Len(t, got, 6)
	require.Equal(t, byte('x'), got[0])
	require.Equal(t, byte('y'), got[3])

	// Case: wrong payload size.
	_, err = PadChunk([]byte("abc"), []int64{1, 2}, za)
	require.Error(t, err)
}

func TestValidateChunks(t *testing.T) {
	require.NoError(t, ValidateChunks([]int64{4, 4}, []int64{4, 4}))
	require.NoError(t, ValidateChunks(nil, []int64{4, 4}))
	require.EqualError(t, ValidateChunks([]int64{4, 2}, []int64{4, 4}),
		"encoding chunks do not match inferred chunks")
}

func TestCodecRoundTrip(t *testing.T) {
	var payload = make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	for _, cfg := range []CodecConfig{
		{"id": "zlib", "level": 4},
		{"id": "gzip", "level": 2},
		{"id": "zstd", "level": 3},
		{"id": "shuffle", "elementsize": 4},
	} {
		var codec, err = BuildCodec(cfg)
		require.NoError(t, err, cfg.ID())

		enc, err := codec.Encode(payload)
		require.NoError(t, err, cfg.ID())
		dec, err := codec.Decode(enc)
		require.NoError(t, err, cfg.ID())
		require.Equal(t, payload, dec, cfg.ID())
	}

	// Case: unknown codec.
	var _, err = BuildCodec(CodecConfig{"id": "brotli9000"})
	require.Error(t, err)
}

func TestEncodeChunkAppliesFiltersThenCompressor(t *testing.T) {
	var za, err = NewZArray([]int64{4}, []int64{4}, "<f8", nil,
		CodecConfig{"id": "zlib", "level": 1},
		[]CodecConfig{{"id": "shuffle", "elementsize": 8}})
	require.NoError(t, err)

	var payload = make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	enc, err := EncodeChunk(payload, za)
	require.NoError(t, err)
	require.NotEqual(t, payload, enc)

	dec, err := DecodeChunk(enc, za)
	require.NoError(t, err)
	require.Equal(t, payload, dec)
}
