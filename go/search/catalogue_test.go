package search

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntakeCatalogueHeader(t *testing.T) {
	var buf bytes.Buffer
	var cat, err = NewIntakeCatalogue(&buf, UniqFile, []string{"project", "variable"}, "variable_id")
	require.NoError(t, err)
	require.NoError(t, cat.Write(Doc{"file": "/d/a.nc", "project": "obs"}))
	require.NoError(t, cat.Close())

	var out struct {
		EsmcatVersion      string           `json:"esmcat_version"`
		AggregationControl map[string]any   `json:"aggregation_control"`
		CatalogDict        []map[string]any `json:"catalog_dict"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Equal(t, "0.1.0", out.EsmcatVersion)

	// Case: the variable column carries the flavour's display name.
	require.Equal(t, "variable_id", out.AggregationControl["variable_column_name"])
	require.Len(t, out.CatalogDict, 1)
}

func zipEntry(t *testing.T, raw []byte, name string) map[string]any {
	t.Helper()
	var zr, err = zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}
	t.Fatalf("archive has no entry %s", name)
	return nil
}

func TestStacWriterAccumulatesExtents(t *testing.T) {
	var buf bytes.Buffer
	var w = NewStacWriter(&buf, UniqFile, "http://api.example")
	require.NoError(t, w.Write(Doc{
		"file":    "/d/a.nc",
		"project": "obs",
		"bbox":    "ENVELOPE(-10,20,50,0)",
		"time":    "[1990-01-01 TO 1994-12-31]",
	}))
	require.NoError(t, w.Write(Doc{
		"file":    "/d/b.nc",
		"project": "obs",
		"bbox":    "ENVELOPE(5,40,70,30)",
		"time":    "[1995-01-01 TO 1999-12-31]",
	}))
	require.NoError(t, w.Close())

	var coll = zipEntry(t, buf.Bytes(), "stac-catalog/collections/obs/collection.json")
	var extent = coll["extent"].(map[string]any)

	// Case: the spatial extent is the union of the item bboxes.
	var spatial = extent["spatial"].(map[string]any)["bbox"].([]any)[0].([]any)
	require.Equal(t, []any{-10.0, 0.0, 40.0, 70.0}, spatial)

	// Case: the temporal interval spans earliest start to latest end.
	var interval = extent["temporal"].(map[string]any)["interval"].([]any)[0].([]any)
	require.Equal(t, "1990-01-01", interval[0])
	require.Equal(t, "1999-12-31", interval[1])
}

func TestStacWriterDefaultExtent(t *testing.T) {
	// Case: items without bbox or time keep the open extent.
	var buf bytes.Buffer
	var w = NewStacWriter(&buf, UniqFile, "http://api.example")
	require.NoError(t, w.Write(Doc{"file": "/d/a.nc", "project": "obs"}))
	require.NoError(t, w.Close())

	var coll = zipEntry(t, buf.Bytes(), "stac-catalog/collections/obs/collection.json")
	var extent = coll["extent"].(map[string]any)
	var spatial = extent["spatial"].(map[string]any)["bbox"].([]any)[0].([]any)
	require.Equal(t, []any{-180.0, -90.0, 180.0, 90.0}, spatial)
	var interval = extent["temporal"].(map[string]any)["interval"].([]any)[0].([]any)
	require.Nil(t, interval[0])
	require.Nil(t, interval[1])
}
