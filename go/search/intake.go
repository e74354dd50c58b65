package search

import (
	"encoding/json"
	"fmt"
	"io"
)

// IntakeCatalogue streams an intake-esm flavoured JSON catalogue. The
// header and every record are written incrementally so arbitrarily
// large result sets never buffer in memory.
type IntakeCatalogue struct {
	w     io.Writer
	wrote bool
}

// NewIntakeCatalogue writes the catalogue header: the esm-collection
// spec attributes, the asset column, the aggregation control and the
// opening of catalog_dict. The variable column carries the searched
// flavour's name for the variable facet.
func NewIntakeCatalogue(w io.Writer, uniqKey UniqKey, facets []string, variableCol string) (*IntakeCatalogue, error) {
	var attributes = make([]map[string]string, 0, len(facets))
	for _, f := range facets {
		attributes = append(attributes, map[string]string{"column_name": f})
	}
	if variableCol == "" {
		variableCol = "variable"
	}
	var header = map[string]any{
		"esmcat_version": "0.1.0",
		"id":             "freva",
		"description":    "Catalogue from freva-databrowser search",
		"attributes":     attributes,
		"assets": map[string]string{
			"column_name":        string(uniqKey),
			"format_column_name": "format",
		},
		"aggregation_control": map[string]any{
			"variable_column_name": variableCol,
		},
	}
	var head, err = json.MarshalIndent(header, "", "   ")
	if err != nil {
		return nil, err
	}
	// Re-open the header object to append the record array.
	head = head[:len(head)-2] // strip trailing "\n}"
	if _, err = fmt.Fprintf(w, "%s,\n   \"catalog_dict\": [", head); err != nil {
		return nil, err
	}
	return &IntakeCatalogue{w: w}, nil
}

// Write appends one search record.
func (c *IntakeCatalogue) Write(doc Doc) error {
	var sep = ",\n      "
	if !c.wrote {
		sep = "\n      "
		c.wrote = true
	}
	var rec, err = json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.w, "%s%s", sep, rec)
	return err
}

// Close terminates the record array and the catalogue object.
func (c *IntakeCatalogue) Close() error {
	var _, err = io.WriteString(c.w, "\n   ]\n}")
	return err
}
