// Package worker implements the data-loading workers of the portal:
// they subscribe to the coordination channel, open datasets through
// the format engines, publish consolidated Zarr metadata and encode
// chunks on demand.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/freva-org/freva-gateway/go/engine"
	"github.com/freva-org/freva-gateway/go/zarr"
)

// Descriptor re-opens a loaded dataset in any worker process, giving
// the cache value semantics across the pool.
type Descriptor struct {
	Path   string   `json:"path"`
	Paths  []string `json:"paths,omitempty"`
	Engine string   `json:"engine,omitempty"`
	// Aggregation settings of combined datasets.
	Aggregate *Plan `json:"aggregate,omitempty"`
}

// Marshal serializes the descriptor for the cache.
func (d *Descriptor) Marshal() []byte {
	var raw, _ = json.Marshal(d)
	return raw
}

// Loaded is a materialized dataset ready to serve chunks. Variable
// keys carry a groupN/ prefix when the inputs were grid-grouped.
type Loaded struct {
	Vars    map[string]*engine.Variable
	Cons    *zarr.Consolidated
	sources []*engine.Dataset
}

// Close releases every underlying dataset.
func (l *Loaded) Close() {
	for _, ds := range l.sources {
		ds.Close()
	}
}

func newLoaded(datasets []*engine.Dataset, prefixes []string) (*Loaded, error) {
	var l = &Loaded{
		Vars:    map[string]*engine.Variable{},
		Cons:    zarr.NewConsolidated(),
		sources: datasets,
	}
	if len(prefixes) > 0 && prefixes[0] != "" {
		l.Cons.Put(".zattrs", map[string]any{})
	}
	for i, ds := range datasets {
		if err := BuildConsolidated(ds, l.Cons, prefixes[i]); err != nil {
			return nil, err
		}
		for name, v := range ds.Vars {
			var key = name
			if prefixes[i] != "" {
				key = prefixes[i] + "/" + name
			}
			l.Vars[key] = v
		}
	}
	return l, nil
}

// LoadDescriptor re-opens and re-combines the dataset a descriptor
// names.
func LoadDescriptor(raw []byte) (*Loaded, error) {
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("invalid dataset descriptor: %w", err)
	}
	return Load(&d)
}

// Load opens the descriptor's inputs and combines them per its plan.
func Load(d *Descriptor) (*Loaded, error) {
	if len(d.Paths) <= 1 {
		var path = d.Path
		if len(d.Paths) == 1 {
			path = d.Paths[0]
		}
		var ds, err = engine.Open(path, d.Engine)
		if err != nil {
			return nil, err
		}
		return newLoaded([]*engine.Dataset{ds}, []string{""})
	}

	var combined, err = openCombined(d.Paths, d.Aggregate, d.Engine)
	if err == nil {
		return newLoaded([]*engine.Dataset{combined}, []string{""})
	}
	var mode = ""
	if d.Aggregate != nil {
		mode = d.Aggregate.Mode
	}
	if mode != "" && mode != "auto" {
		return nil, err
	}

	// Auto mode falls back to grid grouping when a single combination
	// is not possible.
	_, grouped, gerr := CombineGrouped(d.Paths, d.Aggregate, d.Engine)
	if gerr != nil {
		return nil, gerr
	}
	var prefixes = make([]string, len(grouped))
	for i := range grouped {
		prefixes[i] = fmt.Sprintf("group%d", i)
	}
	return newLoaded(grouped, prefixes)
}

// variableZArray derives the .zarray document of a variable. Unset or
// invalid chunking falls back to one chunk spanning the array.
func variableZArray(v *engine.Variable) (*zarr.ZArray, error) {
	var chunks = v.Chunks
	if len(chunks) != len(v.Shape) {
		chunks = nil
	}
	for i := range chunks {
		if chunks[i] <= 0 || chunks[i] > v.Shape[i] {
			chunks = nil
			break
		}
	}
	var za, err = zarr.NewZArray(v.Shape, chunks, v.Dtype, v.FillValue,
		zarr.DefaultCompressor, nil)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", v.Name, err)
	}
	return za, nil
}

// variableAttrs renders the .zattrs of a variable: the dataset
// attributes minus the fill value, plus the dimension names.
func variableAttrs(v *engine.Variable) map[string]any {
	var out = make(map[string]any, len(v.Attrs)+1)
	for k, val := range v.Attrs {
		if k != "_FillValue" {
			out[k] = val
		}
	}
	out[zarr.DimensionKey] = v.Dims
	return out
}

// BuildConsolidated renders the consolidated metadata of a dataset,
// optionally below a group prefix ("" for the root group).
func BuildConsolidated(ds *engine.Dataset, cons *zarr.Consolidated, prefix string) error {
	if prefix != "" {
		cons.Put(prefix+"/.zgroup", map[string]int{"zarr_format": 2})
		prefix += "/"
	}
	cons.Put(prefix+".zattrs", ds.Attrs)
	for _, name := range ds.Names() {
		var v = ds.Vars[name]
		var za, err = variableZArray(v)
		if err != nil {
			return err
		}
		cons.Put(prefix+name+"/.zarray", za)
		cons.Put(prefix+name+"/.zattrs", variableAttrs(v))
	}
	return nil
}

// ConsolidateDataset is the single-dataset convenience form.
func ConsolidateDataset(ds *engine.Dataset) (*zarr.Consolidated, error) {
	var cons = zarr.NewConsolidated()
	if err := BuildConsolidated(ds, cons, ""); err != nil {
		return nil, err
	}
	return cons, nil
}
