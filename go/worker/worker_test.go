package worker

import (
	"encoding/json"
	"testing"

	"github.com/freva-org/freva-gateway/go/engine"
	"github.com/freva-org/freva-gateway/go/zarr"
	"github.com/stretchr/testify/require"
)

// memReader serves an in-memory C-order byte buffer.
type memReader struct {
	data     []byte
	shape    []int64
	itemSize int64
}

func (m *memReader) ReadRegion(offset, extent []int64) ([]byte, error) {
	var out = make([]byte, regionLen(extent)*m.itemSize)
	var srcStride = regionStrides(m.shape, m.itemSize)
	var srcOff = int64(0)
	for d := range offset {
		srcOff += offset[d] * srcStride[d]
	}
	copyRegion(out, m.data[srcOff:], regionStrides(extent, m.itemSize), srcStride, extent, m.itemSize)
	return out, nil
}

func memVar(name string, dims []string, shape []int64, data []byte) *engine.Variable {
	return &engine.Variable{
		Name:   name,
		Dims:   dims,
		Shape:  shape,
		Dtype:  "|u1",
		Attrs:  map[string]any{"units": "K", "_FillValue": float64(255)},
		Reader: &memReader{data: data, shape: shape, itemSize: 1},
	}
}

func memDataset(path string, vars ...*engine.Variable) *engine.Dataset {
	var ds = &engine.Dataset{
		Path:   path,
		Engine: "netcdf",
		Attrs:  map[string]any{"Conventions": "CF-1.7"},
		Vars:   map[string]*engine.Variable{},
	}
	for _, v := range vars {
		ds.Vars[v.Name] = v
	}
	return ds
}

func TestConsolidateDataset(t *testing.T) {
	var v = memVar("tas", []string{"time", "lat"}, []int64{2, 3}, make([]byte, 6))
	v.FillValue = float64(255)
	var cons, err = ConsolidateDataset(memDataset("/d/a.nc", v))
	require.NoError(t, err)

	require.JSONEq(t, `{"zarr_format": 2}`, string(cons.Get(".zgroup")))
	require.JSONEq(t, `{"Conventions": "CF-1.7"}`, string(cons.Get(".zattrs")))

	var za, zerr = cons.ZArrayOf("tas")
	require.NoError(t, zerr)
	// Unchunked variables become a single chunk spanning the shape.
	require.Equal(t, []int64{2, 3}, za.Chunks)
	require.Equal(t, []int64{2, 3}, za.Shape)
	require.Equal(t, zarr.Dtype("|u1"), za.Dtype)
	require.Equal(t, "zlib", za.Compressor.ID())
	require.EqualValues(t, 255, za.FillValue)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal(cons.Get("tas/.zattrs"), &attrs))
	require.Equal(t, "K", attrs["units"])
	require.NotContains(t, attrs, "_FillValue")
	require.Equal(t, []any{"time", "lat"}, attrs[zarr.DimensionKey])
}

func TestGridSignature(t *testing.T) {
	var a = memDataset("/d/a.nc",
		memVar("tas", []string{"time", "lat", "lon"}, []int64{4, 2, 3}, make([]byte, 24)),
		memVar("lat", []string{"lat"}, []int64{2}, make([]byte, 2)),
		memVar("lon", []string{"lon"}, []int64{3}, make([]byte, 3)))
	var b = memDataset("/d/b.nc",
		memVar("tas", []string{"time", "lat", "lon"}, []int64{4, 8, 9}, make([]byte, 288)),
		memVar("lat", []string{"lat"}, []int64{8}, make([]byte, 8)),
		memVar("lon", []string{"lon"}, []int64{9}, make([]byte, 9)))

	require.Equal(t,
		"dims[lat=2,lon=3,time=4]|coords[lat:lat:2,lon:lon:3]",
		GridSignature(a))
	require.NotEqual(t, GridSignature(a), GridSignature(b))

	var groups, keys = GroupBySignature([]*engine.Dataset{a, b, a})
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 2)
	require.Len(t, groups[1], 1)
	require.Equal(t, GridSignature(a), keys[0])
}

func TestConcatDatasets(t *testing.T) {
	// Two inputs of 2 and 3 steps along time, 2 cells per step.
	var a = memDataset("/d/a.nc",
		memVar("tas", []string{"time", "cell"}, []int64{2, 2}, []byte{0, 1, 2, 3}))
	var b = memDataset("/d/b.nc",
		memVar("tas", []string{"time", "cell"}, []int64{3, 2}, []byte{10, 11, 12, 13, 14, 15}))

	var out, err = concatDatasets([]*engine.Dataset{a, b}, &Plan{Dim: "time"})
	require.NoError(t, err)

	var tas = out.Vars["tas"]
	require.Equal(t, []int64{5, 2}, tas.Shape)
	// Chunks follow the seams of the first input.
	require.Equal(t, []int64{2, 2}, tas.Chunks)

	// Case: read within the first part.
	raw, rerr := tas.Reader.ReadRegion([]int64{0, 0}, []int64{2, 2})
	require.NoError(t, rerr)
	require.Equal(t, []byte{0, 1, 2, 3}, raw)

	// Case: read spanning the seam.
	raw, rerr = tas.Reader.ReadRegion([]int64{1, 0}, []int64{3, 2})
	require.NoError(t, rerr)
	require.Equal(t, []byte{2, 3, 10, 11, 12, 13}, raw)

	// Case: column read across both parts.
	raw, rerr = tas.Reader.ReadRegion([]int64{0, 1}, []int64{5, 1})
	require.NoError(t, rerr)
	require.Equal(t, []byte{1, 3, 11, 13, 15}, raw)
}

func TestConcatGuessesTimeDim(t *testing.T) {
	var a = memDataset("/d/a.nc",
		memVar("tas", []string{"time", "cell"}, []int64{1, 2}, []byte{0, 1}))
	var b = memDataset("/d/b.nc",
		memVar("tas", []string{"time", "cell"}, []int64{1, 2}, []byte{2, 3}))

	var out, err = concatDatasets([]*engine.Dataset{a, b}, &Plan{})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 2}, out.Vars["tas"].Shape)
}

func TestConcatRejectsMismatchedGrids(t *testing.T) {
	var a = memDataset("/d/a.nc",
		memVar("tas", []string{"time", "cell"}, []int64{1, 2}, []byte{0, 1}))
	var b = memDataset("/d/b.nc",
		memVar("tas", []string{"time", "cell"}, []int64{1, 5}, make([]byte, 5)))

	var _, err = concatDatasets([]*engine.Dataset{a, b}, &Plan{Dim: "time"})
	var agg *AggregationError
	require.ErrorAs(t, err, &agg)
}

func TestMergeDatasets(t *testing.T) {
	var a = memDataset("/d/a.nc",
		memVar("tas", []string{"cell"}, []int64{2}, []byte{0, 1}))
	var b = memDataset("/d/b.nc",
		memVar("pr", []string{"cell"}, []int64{2}, []byte{2, 3}))

	out, err := mergeDatasets([]*engine.Dataset{a, b}, &Plan{})
	require.NoError(t, err)
	require.Len(t, out.Vars, 2)

	// Case: conflicting shapes fail without override compat.
	var c = memDataset("/d/c.nc",
		memVar("tas", []string{"cell"}, []int64{9}, make([]byte, 9)))
	_, err = mergeDatasets([]*engine.Dataset{a, c}, &Plan{})
	var agg *AggregationError
	require.ErrorAs(t, err, &agg)

	out, err = mergeDatasets([]*engine.Dataset{a, c}, &Plan{Compat: "override"})
	require.NoError(t, err)
	require.Equal(t, []int64{2}, out.Vars["tas"].Shape)
}

func TestGroupedConsolidation(t *testing.T) {
	var a = memDataset("/d/a.nc",
		memVar("tas", []string{"time", "lat"}, []int64{1, 2}, []byte{0, 1}))
	var b = memDataset("/d/b.nc",
		memVar("tas", []string{"time", "lat"}, []int64{1, 7}, make([]byte, 7)))

	var loaded, err = newLoaded([]*engine.Dataset{a, b}, []string{"group0", "group1"})
	require.NoError(t, err)

	require.NotNil(t, loaded.Cons.Get("group0/.zgroup"))
	require.NotNil(t, loaded.Cons.Get("group1/tas/.zarray"))
	require.Contains(t, loaded.Vars, "group0/tas")
	require.Contains(t, loaded.Vars, "group1/tas")
}

func TestDescriptorRoundTrip(t *testing.T) {
	var d = &Descriptor{
		Paths:     []string{"/d/a.nc", "/d/b.nc"},
		Aggregate: &Plan{Mode: "concat", Dim: "time"},
	}
	var got Descriptor
	require.NoError(t, json.Unmarshal(d.Marshal(), &got))
	require.Equal(t, d.Paths, got.Paths)
	require.Equal(t, "concat", got.Aggregate.Mode)
}
