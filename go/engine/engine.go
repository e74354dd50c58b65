// Package engine opens datasets for the data-loading workers. An
// engine presents any supported on-disk format as a set of typed,
// chunkable arrays from which the portal materializes a Zarr store.
package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/freva-org/freva-gateway/go/zarr"
)

// ChunkReader reads raw C-order bytes of an array region.
type ChunkReader interface {
	// ReadRegion reads the hyperslab starting at |offset| with
	// |extent| elements per dimension.
	ReadRegion(offset, extent []int64) ([]byte, error)
}

// Variable is one array of a dataset.
type Variable struct {
	Name      string
	Dims      []string
	Shape     []int64
	Chunks    []int64 // encoding chunks; empty when the format has none
	Dtype     zarr.Dtype
	Attrs     map[string]any
	FillValue any
	Reader    ChunkReader
}

// Dataset is an opened data file or store.
type Dataset struct {
	Path   string
	Engine string
	Attrs  map[string]any
	Vars   map[string]*Variable

	close func() error
}

// Names returns the variable names in stable order.
func (ds *Dataset) Names() []string {
	var out = make([]string, 0, len(ds.Vars))
	for name := range ds.Vars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases underlying file handles.
func (ds *Dataset) Close() error {
	if ds.close != nil {
		return ds.close()
	}
	return nil
}

// GuessEngine picks an engine from the path.
func GuessEngine(path string) string {
	switch {
	case strings.HasSuffix(path, ".zarr"), strings.HasSuffix(path, ".zarr/"):
		return "zarr"
	case strings.HasSuffix(path, ".nc"), strings.HasSuffix(path, ".nc4"),
		strings.HasSuffix(path, ".cdf"):
		return "netcdf"
	case strings.HasSuffix(path, ".tif"), strings.HasSuffix(path, ".tiff"):
		return "rasterio"
	case strings.HasSuffix(path, ".h5"), strings.HasSuffix(path, ".hdf5"):
		return "h5netcdf"
	default:
		return "netcdf"
	}
}

// Open opens |path| with the named engine, or a guessed one when
// |engineName| is empty.
func Open(path, engineName string) (*Dataset, error) {
	if engineName == "" {
		engineName = GuessEngine(path)
	}
	switch engineName {
	case "netcdf", "netcdf4":
		return openNetCDF(path)
	case "zarr":
		return openZarrStore(path)
	case "h5netcdf", "rasterio":
		return nil, fmt.Errorf("engine %q is not available in this deployment", engineName)
	default:
		return nil, fmt.Errorf("unknown engine %q", engineName)
	}
}

// cleanPath strips a file:// scheme prefix.
func cleanPath(path string) string {
	path = strings.TrimPrefix(path, "file://")
	return filepath.Clean(path)
}

// copySlab copies an n-dimensional region between two C-order buffers.
// Strides and offsets are in bytes; |extent| in elements.
func copySlab(dst, src []byte, dstStride, srcStride []int64, extent []int64, itemSize int64) {
	if len(extent) == 0 {
		copy(dst[:itemSize], src[:itemSize])
		return
	}
	if len(extent) == 1 {
		copy(dst[:extent[0]*itemSize], src[:extent[0]*itemSize])
		return
	}
	for i := int64(0); i < extent[0]; i++ {
		copySlab(dst[i*dstStride[0]:], src[i*srcStride[0]:],
			dstStride[1:], srcStride[1:], extent[1:], itemSize)
	}
}

// byteStrides returns C-order byte strides for a shape.
func byteStrides(shape []int64, itemSize int64) []int64 {
	var out = make([]int64, len(shape))
	var s = itemSize
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = s
		s *= shape[i]
	}
	return out
}

func product(dims []int64) int64 {
	var p = int64(1)
	for _, d := range dims {
		p *= d
	}
	return p
}
