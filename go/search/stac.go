package search

import (
	"archive/zip"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StacWriter streams a static STAC catalogue as a zip archive:
//
//	stac-catalog/catalog.json
//	stac-catalog/collections/<id>/collection.json
//	stac-catalog/items/<id>.json
type StacWriter struct {
	zw          *zip.Writer
	uniqKey     UniqKey
	collections map[string]*stacCollection
	baseURL     string
}

// stacCollection accumulates the spatial and temporal extent of a
// collection while its items stream.
type stacCollection struct {
	items  []string
	bbox   [4]float64
	hasBox bool
	start  string
	end    string
}

func (c *stacCollection) extend(item map[string]any) {
	if bbox, ok := item["bbox"].([4]float64); ok {
		if !c.hasBox {
			c.bbox, c.hasBox = bbox, true
		} else {
			c.bbox[0] = min(c.bbox[0], bbox[0])
			c.bbox[1] = min(c.bbox[1], bbox[1])
			c.bbox[2] = max(c.bbox[2], bbox[2])
			c.bbox[3] = max(c.bbox[3], bbox[3])
		}
	}
	var props, _ = item["properties"].(map[string]any)
	if start, ok := props["start_datetime"].(string); ok && start != "" {
		if c.start == "" || start < c.start {
			c.start = start
		}
	}
	if end, ok := props["end_datetime"].(string); ok && end != "" {
		if end > c.end {
			c.end = end
		}
	}
}

func (c *stacCollection) extent() map[string]any {
	var spatial = [][]float64{{-180, -90, 180, 90}}
	if c.hasBox {
		spatial = [][]float64{{c.bbox[0], c.bbox[1], c.bbox[2], c.bbox[3]}}
	}
	var interval = []any{nil, nil}
	if c.start != "" {
		interval[0] = c.start
	}
	if c.end != "" {
		interval[1] = c.end
	}
	return map[string]any{
		"spatial":  map[string]any{"bbox": spatial},
		"temporal": map[string]any{"interval": [][]any{interval}},
	}
}

func NewStacWriter(w io.Writer, uniqKey UniqKey, baseURL string) *StacWriter {
	return &StacWriter{
		zw:          zip.NewWriter(w),
		uniqKey:     uniqKey,
		collections: map[string]*stacCollection{},
		baseURL:     baseURL,
	}
}

// ItemID derives a stable item identifier from the record's uniq key.
func ItemID(key string) string {
	var sum = sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// CollectionID groups records by their project facet.
func CollectionID(doc Doc) string {
	if p, ok := doc["project"].(string); ok && p != "" {
		return sanitizeID(p)
	}
	if ps, ok := doc["project"].([]any); ok && len(ps) > 0 {
		if p, ok := ps[0].(string); ok {
			return sanitizeID(p)
		}
	}
	return "unassigned"
}

func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(s))
}

// Write adds one record as a STAC item and folds its bbox and time
// range into the collection extent.
func (s *StacWriter) Write(doc Doc) error {
	var item = StacItem(doc, s.uniqKey)
	var itemID, _ = item["id"].(string)
	var collID, _ = item["collection"].(string)
	var coll = s.collections[collID]
	if coll == nil {
		coll = &stacCollection{}
		s.collections[collID] = coll
	}
	coll.items = append(coll.items, itemID)
	coll.extend(item)

	item["links"] = []map[string]string{
		{"rel": "collection", "href": fmt.Sprintf("../collections/%s/collection.json", collID)},
	}
	return s.writeJSON(fmt.Sprintf("stac-catalog/items/%s.json", itemID), item)
}

// StacItem renders one record as a STAC item document: geometry from
// the indexed envelope, the temporal extent from the time facet and
// the uniq key as the data asset.
func StacItem(doc Doc, uniqKey UniqKey) map[string]any {
	var key, _ = doc[string(uniqKey)].(string)
	var props = map[string]any{}
	for k, v := range doc {
		switch k {
		case "bbox", "time", string(uniqKey):
		default:
			props[k] = v
		}
	}
	var item = map[string]any{
		"type":         "Feature",
		"stac_version": "1.0.0",
		"id":           ItemID(key),
		"collection":   CollectionID(doc),
		"geometry":     nil,
		"properties":   props,
		"assets": map[string]any{
			"data": map[string]any{
				"href":  key,
				"roles": []string{"data"},
			},
		},
	}
	if bbox, ok := docBBox(doc); ok {
		item["bbox"] = bbox
		item["geometry"] = map[string]any{
			"type": "Polygon",
			"coordinates": [][][]float64{{
				{bbox[0], bbox[1]}, {bbox[2], bbox[1]},
				{bbox[2], bbox[3]}, {bbox[0], bbox[3]},
				{bbox[0], bbox[1]},
			}},
		}
	}
	if t, ok := doc["time"].(string); ok {
		var start, end, _ = cutRange(strings.Trim(t, "[]"))
		props["start_datetime"] = start
		props["end_datetime"] = end
	}
	return item
}

// docBBox extracts [minLon, minLat, maxLon, maxLat] from the indexed
// envelope, when present.
func docBBox(doc Doc) ([4]float64, bool) {
	var raw, ok = doc["bbox"].(string)
	if !ok {
		return [4]float64{}, false
	}
	var b [4]float64
	var n, err = fmt.Sscanf(raw, "ENVELOPE(%f,%f,%f,%f)", &b[0], &b[2], &b[3], &b[1])
	if err != nil || n != 4 {
		return [4]float64{}, false
	}
	return b, true
}

// Close writes the collection and catalogue documents and finishes the
// archive.
func (s *StacWriter) Close() error {
	var catLinks = []map[string]string{
		{"rel": "self", "href": "catalog.json"},
	}
	for collID, state := range s.collections {
		var links = []map[string]string{
			{"rel": "root", "href": "../../catalog.json"},
		}
		for _, itemID := range state.items {
			links = append(links, map[string]string{
				"rel": "item", "href": fmt.Sprintf("../../items/%s.json", itemID),
			})
		}
		var coll = map[string]any{
			"type":         "Collection",
			"stac_version": "1.0.0",
			"id":           collID,
			"description":  fmt.Sprintf("Search results for project %s", collID),
			"license":      "proprietary",
			"extent":       state.extent(),
			"links":        links,
		}
		if err := s.writeJSON(
			fmt.Sprintf("stac-catalog/collections/%s/collection.json", collID), coll); err != nil {
			return err
		}
		catLinks = append(catLinks, map[string]string{
			"rel": "child", "href": fmt.Sprintf("collections/%s/collection.json", collID),
		})
	}
	var catalog = map[string]any{
		"type":         "Catalog",
		"stac_version": "1.0.0",
		"id":           "freva-databrowser",
		"description":  "Static STAC catalogue generated from a databrowser search",
		"links":        catLinks,
	}
	if err := s.writeJSON("stac-catalog/catalog.json", catalog); err != nil {
		return err
	}
	return s.zw.Close()
}

func (s *StacWriter) writeJSON(name string, v any) error {
	var f, err = s.zw.Create(name)
	if err != nil {
		return err
	}
	var enc = json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
