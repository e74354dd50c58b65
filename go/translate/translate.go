// Package translate maps between the canonical facet vocabulary of the
// search index and the display vocabularies ("flavours") of well known
// climate data reference standards.
package translate

import (
	"fmt"
	"sort"
	"strings"
)

// Built-in flavour names, in the order they are advertised.
var BuiltinFlavours = []string{"freva", "cmip6", "cmip5", "cordex", "user"}

// Facets which the index always carries, regardless of flavour.
var BaseFacets = []string{
	"project", "product", "institute", "model", "experiment",
	"time_frequency", "realm", "variable", "ensemble", "time_aggregation",
	"fs_type", "grid_label", "cmor_table", "driving_model", "format",
	"grid_id", "level_type", "rcm_name", "rcm_version", "dataset_version",
}

// Forward lookups translate canonical facet names to their display names.
// Keys absent from a lookup pass through unchanged.
var builtinForward = map[string]map[string]string{
	"freva": {},
	"user":  {},
	"cmip6": {
		"project":          "mip_era",
		"model":            "source_id",
		"institute":        "institution_id",
		"experiment":       "experiment_id",
		"variable":         "variable_id",
		"ensemble":         "member_id",
		"time_frequency":   "frequency",
		"time_aggregation": "time_reduction",
	},
	"cmip5": {
		"model":            "model_id",
		"institute":        "institute_id",
		"experiment":       "experiment_id",
		"variable":         "variable_id",
		"ensemble":         "ensemble_member",
		"time_frequency":   "frequency",
		"time_aggregation": "time_reduction",
	},
	"cordex": {
		"model":            "rcm_name",
		"institute":        "institution",
		"ensemble":         "member",
		"time_aggregation": "time_reduction",
	},
}

// Flavour is a named facet translation table. Owner is empty for
// built-in and global flavours.
type Flavour struct {
	Name    string            `json:"flavour_name" bson:"flavour_name"`
	Owner   string            `json:"owner" bson:"owner"`
	Forward map[string]string `json:"mapping" bson:"mapping"`

	backward map[string]string
}

// IsBuiltin reports whether name is one of the immutable built-in flavours.
func IsBuiltin(name string) bool {
	for _, b := range BuiltinFlavours {
		if b == name {
			return true
		}
	}
	return false
}

// NewFlavour builds a Flavour with its inverse lookup. Custom mappings
// overlay the identity (freva) base, so only overrides need be given.
func NewFlavour(name, owner string, forward map[string]string) *Flavour {
	var f = &Flavour{
		Name:     name,
		Owner:    owner,
		Forward:  make(map[string]string, len(forward)),
		backward: make(map[string]string, len(forward)),
	}
	for k, v := range forward {
		f.Forward[k] = v
		f.backward[v] = k
	}
	return f
}

// Translate maps a canonical facet name to this flavour's display name.
func (f *Flavour) Translate(facet string) string {
	if v, ok := f.Forward[facet]; ok {
		return v
	}
	return facet
}

// Backward maps a display facet name to its canonical name.
func (f *Flavour) Backward(facet string) string {
	if v, ok := f.backward[facet]; ok {
		return v
	}
	return facet
}

// TranslateQuery rewrites display facet keys of a user query into
// canonical keys. A trailing `_not_` negation marker survives the
// rewrite. Values are never touched.
func (f *Flavour) TranslateQuery(params map[string][]string) map[string][]string {
	var out = make(map[string][]string, len(params))
	for key, values := range params {
		var name, negated = strings.CutSuffix(key, "_not_")
		name = f.Backward(name)
		if negated {
			name += "_not_"
		}
		out[name] = values
	}
	return out
}

// TranslateFacets rewrites canonical facet keys of a result set into
// this flavour's display keys.
func (f *Flavour) TranslateFacets(facets map[string][]string) map[string][]string {
	var out = make(map[string][]string, len(facets))
	for key, values := range facets {
		out[f.Translate(key)] = values
	}
	return out
}

// PrimaryFacets lists the facets advertised for this flavour, in
// display vocabulary. Cordex carries its regional-model identifiers.
func (f *Flavour) PrimaryFacets() []string {
	var primary = []string{
		"project", "product", "institute", "model", "experiment",
		"time_frequency", "realm", "variable", "ensemble",
		"time_aggregation",
	}
	if f.Name == "cordex" {
		primary = append(primary, "driving_model", "rcm_version")
	}
	var out = make([]string, 0, len(primary))
	var seen = map[string]bool{}
	for _, p := range primary {
		var t = f.Translate(p)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Identity is the pass-through flavour used when translation is disabled.
var Identity = NewFlavour("freva", "", nil)

// Builtin returns the named built-in flavour, or nil.
func Builtin(name string) *Flavour {
	if fwd, ok := builtinForward[name]; ok {
		return NewFlavour(name, "", fwd)
	}
	return nil
}

// ErrUnknownFlavour carries the suggestions surfaced in a 422 response.
type ErrUnknownFlavour struct {
	Name        string
	Suggestions []string
}

func (e *ErrUnknownFlavour) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("flavour %q is not known", e.Name)
	}
	return fmt.Sprintf("flavour %q is not known, did you mean: %s",
		e.Name, strings.Join(e.Suggestions, ", "))
}

// Suggest returns known flavour names which contain |name| (or which
// |name| contains), sorted, for unknown-flavour errors.
func Suggest(name string, known []string) []string {
	var out []string
	var needle = strings.ToLower(name)
	for _, k := range known {
		var lk = strings.ToLower(k)
		if strings.Contains(lk, needle) || strings.Contains(needle, lk) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
