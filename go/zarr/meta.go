package zarr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// DimensionKey is the attribute naming a variable's dimensions.
const DimensionKey = "_ARRAY_DIMENSIONS"

// CodecConfig is a numcodecs configuration dict; "id" names the codec.
type CodecConfig map[string]any

// ID returns the codec identifier.
func (c CodecConfig) ID() string {
	var id, _ = c["id"].(string)
	return id
}

// ZArray is the .zarray document of one variable.
type ZArray struct {
	Chunks     []int64       `json:"chunks"`
	Compressor CodecConfig   `json:"compressor"`
	Dtype      Dtype         `json:"dtype"`
	FillValue  any           `json:"fill_value"`
	Filters    []CodecConfig `json:"filters"`
	Order      string        `json:"order"`
	Shape      []int64       `json:"shape"`
	ZarrFormat int           `json:"zarr_format"`
}

// NewZArray fills the fixed fields. Unset chunks default to the full
// shape (one chunk per array).
func NewZArray(shape, chunks []int64, dtype Dtype, fill any, compressor CodecConfig, filters []CodecConfig) (*ZArray, error) {
	if len(chunks) == 0 {
		chunks = append([]int64{}, shape...)
	}
	if len(chunks) != len(shape) {
		return nil, fmt.Errorf("chunks rank %d does not match shape rank %d", len(chunks), len(shape))
	}
	var encFill, err = EncodeFillValue(fill, dtype)
	if err != nil {
		return nil, err
	}
	return &ZArray{
		Chunks:     chunks,
		Compressor: compressor,
		Dtype:      dtype,
		FillValue:  encFill,
		Filters:    filters,
		Order:      "C",
		Shape:      shape,
		ZarrFormat: 2,
	}, nil
}

// Consolidated is the .zmetadata document of a store.
type Consolidated struct {
	Format   int                        `json:"zarr_consolidated_format"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

// NewConsolidated opens a consolidated document with the root group.
func NewConsolidated() *Consolidated {
	var c = &Consolidated{Format: 1, Metadata: map[string]json.RawMessage{}}
	c.Put(".zgroup", map[string]int{"zarr_format": 2})
	return c
}

// Put serializes |v| under |key|.
func (c *Consolidated) Put(key string, v any) {
	var raw, _ = json.Marshal(v)
	c.Metadata[key] = raw
}

// Get returns the raw document under |key|, or nil.
func (c *Consolidated) Get(key string) json.RawMessage {
	return c.Metadata[key]
}

// ZArrayOf decodes the .zarray document of a variable.
func (c *Consolidated) ZArrayOf(variable string) (*ZArray, error) {
	var raw = c.Metadata[variable+"/.zarray"]
	if raw == nil {
		return nil, fmt.Errorf("no such variable: %s", variable)
	}
	var za ZArray
	if err := json.Unmarshal(raw, &za); err != nil {
		return nil, fmt.Errorf("invalid .zarray of %s: %w", variable, err)
	}
	return &za, nil
}

// Variables lists the arrays of the store.
func (c *Consolidated) Variables() []string {
	var out []string
	for key := range c.Metadata {
		if len(key) > len("/.zarray") && key[len(key)-len("/.zarray"):] == "/.zarray" {
			out = append(out, key[:len(key)-len("/.zarray")])
		}
	}
	return out
}

// EncodeFillValue renders a fill value the way Zarr v2 JSON expects:
// non-finite floats become the strings "NaN", "Infinity" and
// "-Infinity"; complex numbers a [real, imag] pair; raw byte types a
// standard base64 string; datetimes their integer representation.
func EncodeFillValue(v any, dtype Dtype) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch dtype.Kind() {
	case 'f':
		var f, ok = toFloat(v)
		if !ok {
			return nil, fmt.Errorf("fill value %v is not a float", v)
		}
		switch {
		case math.IsNaN(f):
			return "NaN", nil
		case math.IsInf(f, 1):
			return "Infinity", nil
		case math.IsInf(f, -1):
			return "-Infinity", nil
		default:
			return f, nil
		}
	case 'i', 'u':
		var f, ok = toFloat(v)
		if !ok {
			return nil, fmt.Errorf("fill value %v is not an integer", v)
		}
		return int64(f), nil
	case 'b':
		var b, ok = v.(bool)
		if !ok {
			return nil, fmt.Errorf("fill value %v is not a bool", v)
		}
		return b, nil
	case 'c':
		var c, ok = v.(complex128)
		if !ok {
			return nil, fmt.Errorf("fill value %v is not complex", v)
		}
		var re, err = EncodeFillValue(real(c), "<f8")
		if err != nil {
			return nil, err
		}
		im, err := EncodeFillValue(imag(c), "<f8")
		if err != nil {
			return nil, err
		}
		return []any{re, im}, nil
	case 'S', 'V':
		var raw, ok = v.([]byte)
		if !ok {
			if s, sok := v.(string); sok {
				raw, ok = []byte(s), true
			}
		}
		if !ok {
			return nil, fmt.Errorf("fill value %v is not bytes", v)
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	case 'M', 'm':
		switch t := v.(type) {
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		case float64:
			// Keep the raw 64-bit pattern, as a datetime fill is
			// usually NaT (the minimal int64).
			return int64(math.Float64bits(t)), nil
		default:
			return nil, fmt.Errorf("fill value %v is not a datetime", v)
		}
	default:
		return nil, fmt.Errorf("cannot encode fill value for dtype %q", dtype)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		var f, err = t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
