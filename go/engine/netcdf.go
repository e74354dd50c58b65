package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/freva-org/freva-gateway/go/zarr"
)

// Classic NetCDF (CDF-1, CDF-2 and CDF-5) reader. The format is a
// fixed big-endian header followed by contiguous fixed-size variables
// and an interleaved record section.

const (
	ncDimension = 0x0A
	ncVariable  = 0x0B
	ncAttribute = 0x0C
)

// ncType describes one external data type.
type ncType struct {
	size  int
	dtype zarr.Dtype
}

var ncTypes = map[int32]ncType{
	1:  {1, "|i1"},      // NC_BYTE
	2:  {1, "|S1"},      // NC_CHAR
	3:  {2, ">i2"},      // NC_SHORT
	4:  {4, ">i4"},      // NC_INT
	5:  {4, ">f4"},      // NC_FLOAT
	6:  {8, ">f8"},      // NC_DOUBLE
	7:  {1, "|u1"},      // NC_UBYTE (CDF-5)
	8:  {2, ">u2"},      // NC_USHORT
	9:  {4, ">u4"},      // NC_UINT
	10: {8, ">i8"},      // NC_INT64
	11: {8, ">u8"},      // NC_UINT64
}

type ncDim struct {
	name   string
	length int64 // 0 marks the record dimension
}

type ncVar struct {
	name    string
	dimids  []int32
	attrs   map[string]any
	typ     ncType
	begin   int64
	record  bool
	shape   []int64 // with the record count substituted
	recSize int64   // bytes of one record slab, unpadded
}

type netcdfFile struct {
	f       *os.File
	version byte
	numRecs int64
	dims    []ncDim
	attrs   map[string]any
	vars    []*ncVar
	recSize int64 // stride between records of the record section
}

// headerReader decodes the big-endian header stream.
type headerReader struct {
	r       io.Reader
	version byte
	err     error
}

func (h *headerReader) read(buf []byte) {
	if h.err == nil {
		_, h.err = io.ReadFull(h.r, buf)
	}
}

func (h *headerReader) int32() int32 {
	var buf [4]byte
	h.read(buf[:])
	return int32(binary.BigEndian.Uint32(buf[:]))
}

// size reads a NON_NEG value: 4 bytes, or 8 bytes in CDF-5.
func (h *headerReader) size() int64 {
	if h.version == 5 {
		var buf [8]byte
		h.read(buf[:])
		return int64(binary.BigEndian.Uint64(buf[:]))
	}
	return int64(h.int32())
}

// offset reads a variable's begin offset: 4 bytes in CDF-1, else 8.
func (h *headerReader) offset() int64 {
	if h.version == 1 {
		return int64(h.int32())
	}
	var buf [8]byte
	h.read(buf[:])
	return int64(binary.BigEndian.Uint64(buf[:]))
}

func (h *headerReader) name() string {
	var n = h.size()
	if h.err != nil || n < 0 || n > 1<<20 {
		if h.err == nil {
			h.err = fmt.Errorf("implausible name length %d", n)
		}
		return ""
	}
	var buf = make([]byte, pad4(n))
	h.read(buf)
	return string(buf[:n])
}

func pad4(n int64) int64 { return (n + 3) &^ 3 }

// openNetCDF parses the header of a classic NetCDF file.
func openNetCDF(path string) (*Dataset, error) {
	var f, err = os.Open(cleanPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	nc, err := parseNetCDF(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	var ds = &Dataset{
		Path:   path,
		Engine: "netcdf",
		Attrs:  nc.attrs,
		Vars:   map[string]*Variable{},
		close:  f.Close,
	}
	for _, v := range nc.vars {
		var dims = make([]string, len(v.dimids))
		for i, id := range v.dimids {
			dims[i] = nc.dims[id].name
		}
		ds.Vars[v.name] = &Variable{
			Name:      v.name,
			Dims:      dims,
			Shape:     v.shape,
			Dtype:     v.typ.dtype,
			Attrs:     v.attrs,
			FillValue: v.attrs["_FillValue"],
			Reader:    &netcdfReader{file: nc, v: v},
		}
	}
	return ds, nil
}

func parseNetCDF(f *os.File) (*netcdfFile, error) {
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, err
	}
	if magic[0] != 'C' || magic[1] != 'D' || magic[2] != 'F' {
		return nil, fmt.Errorf("not a classic NetCDF file")
	}
	switch magic[3] {
	case 1, 2, 5:
	default:
		return nil, fmt.Errorf("unsupported NetCDF version %d", magic[3])
	}

	var h = &headerReader{r: f, version: magic[3]}
	var nc = &netcdfFile{f: f, version: magic[3]}

	nc.numRecs = h.size()
	if uint64(nc.numRecs) == 0xFFFFFFFF || nc.numRecs < 0 {
		return nil, fmt.Errorf("streaming record counts are not supported")
	}

	// Dimensions.
	var tag, count = h.int32(), h.size()
	if tag != ncDimension && (tag != 0 || count != 0) {
		return nil, fmt.Errorf("malformed dimension list")
	}
	for i := int64(0); i < count; i++ {
		nc.dims = append(nc.dims, ncDim{name: h.name(), length: h.size()})
	}

	// Global attributes.
	var err error
	if nc.attrs, err = readAttrs(h); err != nil {
		return nil, err
	}

	// Variables.
	tag, count = h.int32(), h.size()
	if tag != ncVariable && (tag != 0 || count != 0) {
		return nil, fmt.Errorf("malformed variable list")
	}
	var recordVars int
	for i := int64(0); i < count; i++ {
		var v = &ncVar{name: h.name()}
		var ndims = h.size()
		for d := int64(0); d < ndims; d++ {
			var id = h.int32() // dimids stay 32-bit, also in CDF-5
			if h.err == nil && (id < 0 || int(id) >= len(nc.dims)) {
				return nil, fmt.Errorf("variable %s references unknown dimension %d", v.name, id)
			}
			v.dimids = append(v.dimids, id)
		}
		if v.attrs, err = readAttrs(h); err != nil {
			return nil, err
		}
		var typ, ok = ncTypes[h.int32()]
		if h.err == nil && !ok {
			return nil, fmt.Errorf("variable %s has an unknown type", v.name)
		}
		v.typ = typ
		h.size() // vsize is advisory and overflows for large variables
		v.begin = h.offset()

		v.shape = make([]int64, len(v.dimids))
		for d, id := range v.dimids {
			v.shape[d] = nc.dims[id].length
		}
		if len(v.shape) > 0 && nc.dims[v.dimids[0]].length == 0 {
			v.record = true
			v.shape[0] = nc.numRecs
			v.recSize = product(v.shape[1:]) * int64(v.typ.size)
			recordVars++
		}
		nc.vars = append(nc.vars, v)
	}
	if h.err != nil {
		return nil, h.err
	}

	for _, v := range nc.vars {
		if v.record {
			if recordVars == 1 {
				nc.recSize = v.recSize
			} else {
				nc.recSize += pad4(v.recSize)
			}
		}
	}
	return nc, nil
}

func readAttrs(h *headerReader) (map[string]any, error) {
	var tag, count = h.int32(), h.size()
	if tag != ncAttribute && (tag != 0 || count != 0) {
		return nil, fmt.Errorf("malformed attribute list")
	}
	var out = map[string]any{}
	for i := int64(0); i < count; i++ {
		var name = h.name()
		var typID = h.int32()
		var nelems = h.size()
		var typ, ok = ncTypes[typID]
		if h.err != nil {
			return nil, h.err
		}
		if !ok {
			return nil, fmt.Errorf("attribute %s has an unknown type", name)
		}
		var raw = make([]byte, pad4(nelems*int64(typ.size)))
		h.read(raw)
		if h.err != nil {
			return nil, h.err
		}
		out[name] = decodeAttr(raw[:nelems*int64(typ.size)], typID, nelems)
	}
	return out, nil
}

// decodeAttr converts attribute bytes into a JSON-friendly value.
func decodeAttr(raw []byte, typID int32, nelems int64) any {
	if typID == 2 { // NC_CHAR
		return strings.TrimRight(string(raw), "\x00")
	}
	var vals = make([]any, 0, nelems)
	for i := int64(0); i < nelems; i++ {
		switch typID {
		case 1:
			vals = append(vals, int64(int8(raw[i])))
		case 3:
			vals = append(vals, int64(int16(binary.BigEndian.Uint16(raw[i*2:]))))
		case 4:
			vals = append(vals, int64(int32(binary.BigEndian.Uint32(raw[i*4:]))))
		case 5:
			vals = append(vals, float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))))
		case 6:
			vals = append(vals, math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:])))
		case 7:
			vals = append(vals, int64(raw[i]))
		case 8:
			vals = append(vals, int64(binary.BigEndian.Uint16(raw[i*2:])))
		case 9:
			vals = append(vals, int64(binary.BigEndian.Uint32(raw[i*4:])))
		case 10:
			vals = append(vals, int64(binary.BigEndian.Uint64(raw[i*8:])))
		case 11:
			vals = append(vals, binary.BigEndian.Uint64(raw[i*8:]))
		}
	}
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}

// netcdfReader reads hyperslabs of one variable.
type netcdfReader struct {
	file *netcdfFile
	v    *ncVar
}

// ReadRegion reads the C-order bytes of [offset, offset+extent).
func (r *netcdfReader) ReadRegion(offset, extent []int64) ([]byte, error) {
	var v = r.v
	if len(offset) != len(v.shape) || len(extent) != len(v.shape) {
		return nil, fmt.Errorf("region rank does not match variable %s", v.name)
	}
	for d := range offset {
		if offset[d] < 0 || offset[d]+extent[d] > v.shape[d] {
			return nil, fmt.Errorf("region out of bounds on dimension %d of %s", d, v.name)
		}
	}
	var itemSize = int64(v.typ.size)
	var out = make([]byte, product(extent)*itemSize)
	if len(out) == 0 {
		return out, nil
	}

	// Byte strides within the file layout of this variable.
	var fileStride = byteStrides(v.shape, itemSize)
	if v.record {
		fileStride[0] = r.file.recSize
	}
	var outStride = byteStrides(extent, itemSize)

	// Scalar variables.
	if len(v.shape) == 0 {
		var _, err = r.file.f.ReadAt(out, v.begin)
		return out, err
	}

	// The record section interleaves variables, so the record
	// dimension is never part of a contiguous run.
	var inner = len(v.shape) - 1
	var run = extent[inner] * itemSize
	if v.record && inner == 0 {
		run = itemSize
	}
	var err error
	var walk func(dim int, fileOff, outOff int64) error
	walk = func(dim int, fileOff, outOff int64) error {
		if dim == inner && run > itemSize || dim == inner && !v.record {
			var _, rerr = r.file.f.ReadAt(out[outOff:outOff+run], fileOff+offset[dim]*itemSize)
			return rerr
		}
		if dim == inner {
			for i := int64(0); i < extent[dim]; i++ {
				if _, rerr := r.file.f.ReadAt(
					out[outOff+i*itemSize:outOff+(i+1)*itemSize],
					fileOff+(offset[dim]+i)*fileStride[dim]); rerr != nil {
					return rerr
				}
			}
			return nil
		}
		for i := int64(0); i < extent[dim]; i++ {
			if err = walk(dim+1,
				fileOff+(offset[dim]+i)*fileStride[dim],
				outOff+i*outStride[dim]); err != nil {
				return err
			}
		}
		return nil
	}
	if err = walk(0, v.begin, 0); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", v.name, err)
	}
	return out, nil
}
