package zarr

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseChunkID splits a dot-joined chunk identifier ("2.0.1") into
// per-dimension indices and validates it against the chunk grid.
func ParseChunkID(id string, za *ZArray) ([]int64, error) {
	var parts = strings.Split(id, ".")
	if len(parts) != len(za.Shape) {
		return nil, fmt.Errorf("chunk %q has rank %d, array has rank %d",
			id, len(parts), len(za.Shape))
	}
	var out = make([]int64, len(parts))
	for dim, p := range parts {
		var v, err = strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid chunk index %q", p)
		}
		if v >= gridLen(za.Shape[dim], za.Chunks[dim]) {
			return nil, fmt.Errorf("chunk index %d out of range for dimension %d", v, dim)
		}
		out[dim] = v
	}
	return out, nil
}

// gridLen is the number of chunks along one dimension.
func gridLen(shape, chunk int64) int64 {
	if chunk <= 0 {
		return 1
	}
	return (shape + chunk - 1) / chunk
}

// GridShape returns the per-dimension chunk counts.
func GridShape(za *ZArray) []int64 {
	var out = make([]int64, len(za.Shape))
	for i := range za.Shape {
		out[i] = gridLen(za.Shape[i], za.Chunks[i])
	}
	return out
}

// ChunkRegion bounds one chunk within the array: the element offset
// and the actual extent, which is smaller than the chunk shape for
// edge chunks.
func ChunkRegion(index []int64, za *ZArray) (offset, extent []int64) {
	offset = make([]int64, len(index))
	extent = make([]int64, len(index))
	for dim, idx := range index {
		offset[dim] = idx * za.Chunks[dim]
		extent[dim] = za.Chunks[dim]
		if rest := za.Shape[dim] - offset[dim]; rest < extent[dim] {
			extent[dim] = rest
		}
	}
	return offset, extent
}

// ValidateChunks checks that the encoded chunk grid is compatible with
// the chunking the dataset declares.
func ValidateChunks(encoded, inferred []int64) error {
	if len(encoded) == 0 || len(inferred) == 0 {
		return nil
	}
	if len(encoded) != len(inferred) {
		return fmt.Errorf("encoding chunks do not match inferred chunks")
	}
	for i := range encoded {
		if encoded[i] != inferred[i] {
			return fmt.Errorf("encoding chunks do not match inferred chunks")
		}
	}
	return nil
}

// PadChunk embeds a partial edge chunk of |extent| into a full chunk
// buffer of the array's chunk shape. The content of padding bytes is
// undefined; readers mask it via the fill value.
func PadChunk(data []byte, extent []int64, za *ZArray) ([]byte, error) {
	var itemSize, err = za.Dtype.ItemSize()
	if err != nil {
		return nil, err
	}
	var full = true
	var wantLen = int64(itemSize)
	for dim := range extent {
		wantLen *= extent[dim]
		if extent[dim] != za.Chunks[dim] {
			full = false
		}
	}
	if int64(len(data)) != wantLen {
		return nil, fmt.Errorf("chunk payload has %d bytes, expected %d", len(data), wantLen)
	}
	if full {
		return data, nil
	}

	var fullLen = int64(itemSize)
	for _, c := range za.Chunks {
		fullLen *= c
	}
	var out = make([]byte, fullLen)

	// Copy row-major hyperslabs. The innermost contiguous run covers
	// the trailing dimensions which already span the full chunk.
	var run = int64(itemSize)
	var outer = len(extent)
	for outer > 0 && extent[outer-1] == za.Chunks[outer-1] {
		outer--
		run *= extent[outer]
	}
	if outer > 0 {
		run *= extent[outer-1]
		outer--
	}

	var srcStride = make([]int64, len(extent))
	var dstStride = make([]int64, len(extent))
	var s, d = int64(itemSize), int64(itemSize)
	for dim := len(extent) - 1; dim >= 0; dim-- {
		srcStride[dim] = s
		dstStride[dim] = d
		s *= extent[dim]
		d *= za.Chunks[dim]
	}

	var copySlab func(dim int, src, dst int64)
	copySlab = func(dim int, src, dst int64) {
		if dim == outer {
			copy(out[dst:dst+run], data[src:src+run])
			return
		}
		for i := int64(0); i < extent[dim]; i++ {
			copySlab(dim+1, src+i*srcStride[dim], dst+i*dstStride[dim])
		}
	}
	copySlab(0, 0, 0)
	return out, nil
}
