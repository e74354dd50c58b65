package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/freva-org/freva-gateway/go/engine"
	"github.com/freva-org/freva-gateway/go/zarr"
)

// Plan describes how multiple inputs combine into one store.
type Plan struct {
	Mode     string   `json:"aggregate,omitempty"` // auto, merge or concat
	Join     string   `json:"join,omitempty"`
	Compat   string   `json:"compat,omitempty"`
	DataVars string   `json:"data_vars,omitempty"`
	Coords   string   `json:"coords,omitempty"`
	Dim      string   `json:"dim,omitempty"`
	GroupBy  []string `json:"group_by,omitempty"`
}

// AggregationError reports why a combination failed, and for which
// input group.
type AggregationError struct {
	GroupKey string `json:"group_key,omitempty"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

func (e *AggregationError) Error() string {
	if e.GroupKey != "" {
		return fmt.Sprintf("aggregation of group %s failed: %s", e.GroupKey, e.Reason)
	}
	return fmt.Sprintf("aggregation failed: %s", e.Reason)
}

// gridCoords are the coordinate names which define a grid signature.
var gridCoords = []string{"lat", "lon", "rlat", "rlon", "x", "y"}

// GridSignature fingerprints the spatial layout of a dataset:
// dims[k=n,...]|coords[k:dims:shape,...] over the known grid axes.
func GridSignature(ds *engine.Dataset) string {
	var dimLens = map[string]int64{}
	for _, v := range ds.Vars {
		for i, d := range v.Dims {
			dimLens[d] = v.Shape[i]
		}
	}
	var dimNames = make([]string, 0, len(dimLens))
	for d := range dimLens {
		dimNames = append(dimNames, d)
	}
	sort.Strings(dimNames)
	var dims = make([]string, 0, len(dimNames))
	for _, d := range dimNames {
		dims = append(dims, fmt.Sprintf("%s=%d", d, dimLens[d]))
	}

	var coords []string
	for _, name := range gridCoords {
		var v, ok = ds.Vars[name]
		if !ok {
			continue
		}
		var shape = make([]string, len(v.Shape))
		for i, s := range v.Shape {
			shape[i] = fmt.Sprintf("%d", s)
		}
		coords = append(coords, fmt.Sprintf("%s:%s:%s",
			name, strings.Join(v.Dims, ","), strings.Join(shape, ",")))
	}
	return fmt.Sprintf("dims[%s]|coords[%s]",
		strings.Join(dims, ","), strings.Join(coords, ","))
}

// guessConcatDim picks the concatenation dimension: time when every
// input carries it, otherwise the first common dimension by name.
func guessConcatDim(datasets []*engine.Dataset) (string, error) {
	var common map[string]bool
	for _, ds := range datasets {
		var dims = map[string]bool{}
		for _, v := range ds.Vars {
			for _, d := range v.Dims {
				dims[d] = true
			}
		}
		if common == nil {
			common = dims
		} else {
			for d := range common {
				if !dims[d] {
					delete(common, d)
				}
			}
		}
	}
	if common["time"] {
		return "time", nil
	}
	var names = make([]string, 0, len(common))
	for d := range common {
		names = append(names, d)
	}
	if len(names) == 0 {
		return "", &AggregationError{Reason: "inputs share no dimension to concatenate over"}
	}
	sort.Strings(names)
	return names[0], nil
}

// openCombined opens every input and combines them per the plan.
func openCombined(paths []string, plan *Plan, engineName string) (*engine.Dataset, error) {
	if plan == nil {
		plan = &Plan{}
	}
	var datasets []*engine.Dataset
	var closeAll = func() {
		for _, ds := range datasets {
			ds.Close()
		}
	}
	for _, p := range paths {
		var ds, err = engine.Open(p, engineName)
		if err != nil {
			closeAll()
			return nil, &AggregationError{Reason: "failed to open input", Detail: err.Error()}
		}
		datasets = append(datasets, ds)
	}

	var combined, err = combine(datasets, plan)
	if err != nil {
		closeAll()
		return nil, err
	}
	return combined, nil
}

func combine(datasets []*engine.Dataset, plan *Plan) (*engine.Dataset, error) {
	if len(datasets) == 1 {
		return datasets[0], nil
	}
	switch plan.Mode {
	case "merge":
		return mergeDatasets(datasets, plan)
	case "concat":
		return concatDatasets(datasets, plan)
	default: // auto
		var combined, err = concatDatasets(datasets, plan)
		if err == nil {
			return combined, nil
		}
		return mergeDatasets(datasets, plan)
	}
}

// mergeDatasets takes the union of all variables. Conflicting variable
// definitions fail unless compat allows the first definition to win.
func mergeDatasets(datasets []*engine.Dataset, plan *Plan) (*engine.Dataset, error) {
	var out = &engine.Dataset{
		Path:   datasets[0].Path,
		Engine: datasets[0].Engine,
		Attrs:  map[string]any{},
		Vars:   map[string]*engine.Variable{},
	}
	for _, ds := range datasets {
		for k, v := range ds.Attrs {
			if _, ok := out.Attrs[k]; !ok {
				out.Attrs[k] = v
			}
		}
		for name, v := range ds.Vars {
			var have, ok = out.Vars[name]
			if !ok {
				out.Vars[name] = v
				continue
			}
			if !sameLayout(have, v) && plan.Compat != "override" {
				return nil, &AggregationError{
					Reason: fmt.Sprintf("conflicting definitions of variable %s", name),
					Detail: fmt.Sprintf("%v vs %v", have.Shape, v.Shape),
				}
			}
		}
	}
	return out, nil
}

func sameLayout(a, b *engine.Variable) bool {
	if a.Dtype != b.Dtype || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] || a.Dims[i] != b.Dims[i] {
			return false
		}
	}
	return true
}

// concatDatasets concatenates along one dimension. Variables carrying
// the dimension are stitched into a virtual array; all inputs must
// agree on every other dimension.
func concatDatasets(datasets []*engine.Dataset, plan *Plan) (*engine.Dataset, error) {
	var dim = plan.Dim
	var err error
	if dim == "" {
		if dim, err = guessConcatDim(datasets); err != nil {
			return nil, err
		}
	}
	var out = &engine.Dataset{
		Path:   datasets[0].Path,
		Engine: datasets[0].Engine,
		Attrs:  datasets[0].Attrs,
		Vars:   map[string]*engine.Variable{},
	}
	for name, first := range datasets[0].Vars {
		var axis = -1
		for i, d := range first.Dims {
			if d == dim {
				axis = i
			}
		}
		if axis < 0 {
			// Not concatenated; definitions must agree everywhere.
			for _, ds := range datasets[1:] {
				var v, ok = ds.Vars[name]
				if ok && !sameLayout(first, v) {
					return nil, &AggregationError{
						Reason: fmt.Sprintf("variable %s differs between inputs", name),
					}
				}
			}
			out.Vars[name] = first
			continue
		}

		var parts = []*engine.Variable{first}
		for _, ds := range datasets[1:] {
			var v, ok = ds.Vars[name]
			if !ok {
				return nil, &AggregationError{
					Reason: fmt.Sprintf("variable %s is missing from an input", name),
				}
			}
			if v.Dtype != first.Dtype || len(v.Shape) != len(first.Shape) {
				return nil, &AggregationError{
					Reason: fmt.Sprintf("variable %s differs between inputs", name),
				}
			}
			for i := range v.Shape {
				if i != axis && v.Shape[i] != first.Shape[i] {
					return nil, &AggregationError{
						Reason: fmt.Sprintf("variable %s differs off the %s axis", name, dim),
					}
				}
			}
			parts = append(parts, v)
		}

		var shape = append([]int64{}, first.Shape...)
		var offsets = []int64{0}
		shape[axis] = 0
		for _, p := range parts {
			shape[axis] += p.Shape[axis]
			offsets = append(offsets, shape[axis])
		}
		// Chunk along the seams so every chunk reads from one input.
		var chunks = append([]int64{}, shape...)
		chunks[axis] = first.Shape[axis]

		out.Vars[name] = &engine.Variable{
			Name:      name,
			Dims:      first.Dims,
			Shape:     shape,
			Chunks:    chunks,
			Dtype:     first.Dtype,
			Attrs:     first.Attrs,
			FillValue: first.FillValue,
			Reader:    &concatReader{parts: parts, axis: axis, offsets: offsets},
		}
	}
	return out, nil
}

// concatReader serves a virtual array stitched from per-input parts
// along one axis.
type concatReader struct {
	parts   []*engine.Variable
	axis    int
	offsets []int64 // len(parts)+1 cumulative extents along axis
}

func (r *concatReader) ReadRegion(offset, extent []int64) ([]byte, error) {
	var itemSize, err = r.parts[0].Dtype.ItemSize()
	if err != nil {
		return nil, err
	}
	var out = make([]byte, regionLen(extent)*int64(itemSize))
	var outStride = regionStrides(extent, int64(itemSize))

	var lo, hi = offset[r.axis], offset[r.axis] + extent[r.axis]
	for i, part := range r.parts {
		var pLo, pHi = r.offsets[i], r.offsets[i+1]
		if hi <= pLo || lo >= pHi {
			continue
		}
		var cutLo, cutHi = max64(lo, pLo), min64(hi, pHi)

		var subOffset = append([]int64{}, offset...)
		var subExtent = append([]int64{}, extent...)
		subOffset[r.axis] = cutLo - pLo
		subExtent[r.axis] = cutHi - cutLo

		var raw, rerr = part.Reader.ReadRegion(subOffset, subExtent)
		if rerr != nil {
			return nil, rerr
		}
		var dstOff = (cutLo - lo) * outStride[r.axis]
		copyRegion(out[dstOff:], raw, outStride,
			regionStrides(subExtent, int64(itemSize)), subExtent, int64(itemSize))
	}
	return out, nil
}

func regionLen(extent []int64) int64 {
	var n = int64(1)
	for _, e := range extent {
		n *= e
	}
	return n
}

func regionStrides(shape []int64, itemSize int64) []int64 {
	var out = make([]int64, len(shape))
	var s = itemSize
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = s
		s *= shape[i]
	}
	return out
}

func copyRegion(dst, src []byte, dstStride, srcStride, extent []int64, itemSize int64) {
	if len(extent) == 0 {
		copy(dst[:itemSize], src[:itemSize])
		return
	}
	if len(extent) == 1 {
		copy(dst[:extent[0]*itemSize], src[:extent[0]*itemSize])
		return
	}
	for i := int64(0); i < extent[0]; i++ {
		copyRegion(dst[i*dstStride[0]:], src[i*srcStride[0]:],
			dstStride[1:], srcStride[1:], extent[1:], itemSize)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// GroupBySignature partitions datasets into grid groups, in first-seen
// order. Group keys are their signatures.
func GroupBySignature(datasets []*engine.Dataset) ([][]*engine.Dataset, []string) {
	var index = map[string]int{}
	var groups [][]*engine.Dataset
	var keys []string
	for _, ds := range datasets {
		var sig = GridSignature(ds)
		var i, ok = index[sig]
		if !ok {
			i = len(groups)
			index[sig] = i
			groups = append(groups, nil)
			keys = append(keys, sig)
		}
		groups[i] = append(groups[i], ds)
	}
	return groups, keys
}

// CombineGrouped combines inputs which do not share one grid: each
// grid group combines on its own and lands in a group0, group1, ...
// subgroup of the store.
func CombineGrouped(paths []string, plan *Plan, engineName string) (*zarr.Consolidated, []*engine.Dataset, error) {
	var datasets []*engine.Dataset
	for _, p := range paths {
		var ds, err = engine.Open(p, engineName)
		if err != nil {
			for _, d := range datasets {
				d.Close()
			}
			return nil, nil, &AggregationError{Reason: "failed to open input", Detail: err.Error()}
		}
		datasets = append(datasets, ds)
	}

	var groups, keys = GroupBySignature(datasets)
	var cons = zarr.NewConsolidated()
	var combined []*engine.Dataset
	for i, group := range groups {
		var ds, err = combine(group, plan)
		if err != nil {
			var agg, ok = err.(*AggregationError)
			if ok {
				agg.GroupKey = keys[i]
			}
			for _, d := range datasets {
				d.Close()
			}
			return nil, nil, err
		}
		if err = BuildConsolidated(ds, cons, fmt.Sprintf("group%d", i)); err != nil {
			for _, d := range datasets {
				d.Close()
			}
			return nil, nil, err
		}
		combined = append(combined, ds)
	}
	return cons, combined, nil
}
