package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/freva-org/freva-gateway/go/zarr"
)

// openZarrStore opens a local Zarr v2 directory store. Consolidated
// metadata is used when present; otherwise the store is scanned for
// .zarray documents.
func openZarrStore(path string) (*Dataset, error) {
	var root = cleanPath(path)
	var ds = &Dataset{
		Path:   path,
		Engine: "zarr",
		Attrs:  map[string]any{},
		Vars:   map[string]*Variable{},
	}

	var meta = map[string]json.RawMessage{}
	if raw, err := os.ReadFile(filepath.Join(root, ".zmetadata")); err == nil {
		var cons zarr.Consolidated
		if err = json.Unmarshal(raw, &cons); err != nil {
			return nil, fmt.Errorf("invalid consolidated metadata: %w", err)
		}
		meta = cons.Metadata
	} else {
		if meta, err = scanStore(root); err != nil {
			return nil, err
		}
	}

	if raw, ok := meta[".zattrs"]; ok {
		if err := json.Unmarshal(raw, &ds.Attrs); err != nil {
			return nil, fmt.Errorf("invalid root attributes: %w", err)
		}
	}
	for key, raw := range meta {
		var name, found = strings.CutSuffix(key, "/.zarray")
		if !found {
			continue
		}
		var za zarr.ZArray
		if err := json.Unmarshal(raw, &za); err != nil {
			return nil, fmt.Errorf("invalid .zarray of %s: %w", name, err)
		}
		var attrs = map[string]any{}
		if rawAttrs, ok := meta[name+"/.zattrs"]; ok {
			if err := json.Unmarshal(rawAttrs, &attrs); err != nil {
				return nil, fmt.Errorf("invalid .zattrs of %s: %w", name, err)
			}
		}
		var dims []string
		if d, ok := attrs[zarr.DimensionKey].([]any); ok {
			for _, e := range d {
				if s, ok := e.(string); ok {
					dims = append(dims, s)
				}
			}
		}
		delete(attrs, zarr.DimensionKey)

		ds.Vars[name] = &Variable{
			Name:      name,
			Dims:      dims,
			Shape:     za.Shape,
			Chunks:    za.Chunks,
			Dtype:     za.Dtype,
			Attrs:     attrs,
			FillValue: za.FillValue,
			Reader:    &zarrReader{root: filepath.Join(root, name), za: &za},
		}
	}
	if len(ds.Vars) == 0 {
		return nil, fmt.Errorf("store %s holds no arrays", path)
	}
	return ds, nil
}

// scanStore discovers arrays of a non-consolidated store.
func scanStore(root string) (map[string]json.RawMessage, error) {
	var meta = map[string]json.RawMessage{}
	if raw, err := os.ReadFile(filepath.Join(root, ".zattrs")); err == nil {
		meta[".zattrs"] = raw
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var dir = filepath.Join(root, e.Name())
		if raw, err := os.ReadFile(filepath.Join(dir, ".zarray")); err == nil {
			meta[e.Name()+"/.zarray"] = raw
			if rawAttrs, err := os.ReadFile(filepath.Join(dir, ".zattrs")); err == nil {
				meta[e.Name()+"/.zattrs"] = rawAttrs
			}
		}
	}
	return meta, nil
}

// zarrReader reads chunk-aligned regions of one stored array.
type zarrReader struct {
	root string
	za   *zarr.ZArray
}

// ReadRegion reads a hyperslab which must be aligned to the store's
// own chunk grid, which is how the portal pages data.
func (r *zarrReader) ReadRegion(offset, extent []int64) ([]byte, error) {
	var za = r.za
	var index = make([]int64, len(offset))
	for dim := range offset {
		if za.Chunks[dim] == 0 || offset[dim]%za.Chunks[dim] != 0 {
			return nil, fmt.Errorf("region is not aligned to the stored chunk grid")
		}
		index[dim] = offset[dim] / za.Chunks[dim]
	}
	var _, want = zarr.ChunkRegion(index, za)
	for dim := range want {
		if want[dim] != extent[dim] {
			return nil, fmt.Errorf("region does not span exactly one stored chunk")
		}
	}

	var parts = make([]string, len(index))
	for dim, idx := range index {
		parts[dim] = strconv.FormatInt(idx, 10)
	}
	var name = strings.Join(parts, ".")
	if len(parts) == 0 {
		name = "0"
	}
	var itemSize, err = za.Dtype.ItemSize()
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(r.root, name))
	if os.IsNotExist(err) {
		// Absent chunks hold only the fill value.
		return make([]byte, product(extent)*int64(itemSize)), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", name, err)
	}
	data, err := zarr.DecodeChunk(raw, za)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", name, err)
	}

	// Stored chunks always carry the full chunk shape; clip the edge.
	var full = product(za.Chunks) * int64(itemSize)
	if int64(len(data)) != full {
		return nil, fmt.Errorf("chunk %s has %d bytes, expected %d", name, len(data), full)
	}
	var out = make([]byte, product(extent)*int64(itemSize))
	copySlab(out, data,
		byteStrides(extent, int64(itemSize)),
		byteStrides(za.Chunks, int64(itemSize)),
		extent, int64(itemSize))
	return out, nil
}
